// Package simopen implements the TCP simultaneous-open race: a
// listening socket and a connecting socket share the same local port, so
// the NAT state the hole-punch probes created admits the TCP handshake
// from either direction.
package simopen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ConnectRetryInterval is how often a transient connect failure is
// retried.
const ConnectRetryInterval = 100 * time.Millisecond

// Timeout bounds the whole simultaneous-open attempt.
const Timeout = 10 * time.Second

// ErrTimeout is returned when neither side of the race completes within
// Timeout.
var ErrTimeout = errors.New("simopen: simultaneous open timed out")

type result struct {
	conn net.Conn
	err  error
}

// Open races a listener bound to localPort against repeated connect
// attempts to (peerIP, peerPort), both sharing localPort via
// SO_REUSEADDR/SO_REUSEPORT, and returns whichever stream completes
// first. The loser is closed.
func Open(ctx context.Context, localPort uint16, peerIP string, peerPort uint16) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("simopen: listen on port %d: %w", localPort, err)
	}

	results := make(chan result, 2)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			results <- result{nil, fmt.Errorf("simopen: accept: %w", err)}
			return
		}
		results <- result{conn, nil}
	}()

	go func() {
		dialer := net.Dialer{
			Control:   reuseControl,
			LocalAddr: &net.TCPAddr{Port: int(localPort)},
		}
		remote := net.JoinHostPort(peerIP, fmt.Sprintf("%d", peerPort))

		ticker := time.NewTicker(ConnectRetryInterval)
		defer ticker.Stop()

		for {
			conn, err := dialer.DialContext(ctx, "tcp", remote)
			if err == nil {
				results <- result{conn, nil}
				return
			}
			select {
			case <-ctx.Done():
				results <- result{nil, ctx.Err()}
				return
			case <-ticker.C:
				continue
			}
		}
	}()

	select {
	case first := <-results:
		ln.Close()
		if first.err != nil {
			// Give the other racer a chance to win before declaring
			// overall failure.
			select {
			case second := <-results:
				if second.err == nil {
					return second.conn, nil
				}
			case <-ctx.Done():
			}
			return nil, fmt.Errorf("%w: %v", ErrTimeout, first.err)
		}
		go drainLoser(results)
		return first.conn, nil
	case <-ctx.Done():
		ln.Close()
		return nil, ErrTimeout
	}
}

func drainLoser(results chan result) {
	if second, ok := <-results; ok && second.conn != nil {
		second.conn.Close()
	}
}
