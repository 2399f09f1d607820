// Package tlog provides the structured logger shared by every traversal
// package. It exists so that a traversal instance's whole pipeline logs
// under one set of fields instead of each package reaching for its own
// logger.
package tlog

import "github.com/sirupsen/logrus"

// Base is the package-wide logger used when a caller doesn't supply its own
// entry. Tests and library embedders should prefer ForInstance.
var Base = logrus.New()

// ForInstance returns a logger entry scoped to one traversal instance,
// carrying its fingerprint on every subsequent line. If base is nil, the
// package-wide Base logger is used.
func ForInstance(base *logrus.Entry, fingerprint string) *logrus.Entry {
	if base == nil {
		base = logrus.NewEntry(Base)
	}
	return base.WithField("fingerprint", fingerprint)
}

// WithState returns a derived entry annotated with the current state name.
// Kept as a free function (rather than a method on some State type) so
// every package that needs it can import tlog without importing
// pkg/traversal and creating an import cycle.
func WithState(entry *logrus.Entry, state string) *logrus.Entry {
	return entry.WithField("state", state)
}
