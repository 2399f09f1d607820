// Package config loads a traversal instance's configuration: an on-disk
// JSON instance file plus environment-variable timeout overrides bound
// through viper.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/pineapplenet/pineapple-core/pkg/identity"
)

// Default per-stage timeouts, overridable via environment variables.
const (
	DefaultSignallingTimeout = 10 * time.Second
	DefaultStunTimeout       = 5 * time.Second
	DefaultUdpPunchTimeout   = 30 * time.Second
	DefaultTcpTimeout        = 10 * time.Second
)

// Config is one traversal instance's configuration.
type Config struct {
	SignallingURL    string `json:"signalling_url"`
	StunServerAddr   string `json:"stun_server_addr"`
	LocalFingerprint string `json:"local_fingerprint"`
	SigningKeyBytes  []byte `json:"signing_key_bytes"`
	TCPPort          uint16 `json:"tcp_port"`

	// Timeouts carries the per-stage deadlines, seeded from the
	// DefaultXxxTimeout constants and then overridden from the
	// environment by ApplyEnvOverrides.
	Timeouts Timeouts `json:"-"`
}

// Timeouts holds the four stage deadlines that may be overridden from
// the environment.
type Timeouts struct {
	Signalling time.Duration
	Stun       time.Duration
	UdpPunch   time.Duration
	Tcp        time.Duration
}

func defaultTimeouts() Timeouts {
	return Timeouts{
		Signalling: DefaultSignallingTimeout,
		Stun:       DefaultStunTimeout,
		UdpPunch:   DefaultUdpPunchTimeout,
		Tcp:        DefaultTcpTimeout,
	}
}

// jsonDoc mirrors Config's on-disk shape; SigningKeyBytes is hex-encoded
// on disk rather than raw, since JSON has no byte-string type and the
// config file is meant to be human-editable.
type jsonDoc struct {
	SignallingURL    string `json:"signalling_url"`
	StunServerAddr   string `json:"stun_server_addr"`
	LocalFingerprint string `json:"local_fingerprint"`
	SigningKeyHex    string `json:"signing_key_hex"`
	TCPPort          uint16 `json:"tcp_port"`
}

// Load reads an instance configuration file from disk and applies any
// environment-variable timeout overrides found via viper.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	var doc jsonDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse config: %w", err)
	}

	signingKey, err := hex.DecodeString(doc.SigningKeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: signing_key_hex is not valid hex: %w", err)
	}

	cfg := &Config{
		SignallingURL:    doc.SignallingURL,
		StunServerAddr:   doc.StunServerAddr,
		LocalFingerprint: doc.LocalFingerprint,
		SigningKeyBytes:  signingKey,
		TCPPort:          doc.TCPPort,
		Timeouts:         defaultTimeouts(),
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the instance configuration back to disk. Timeouts are not
// persisted; they always come from defaults plus the current
// environment on the next Load.
func (c *Config) Save(filePath string) error {
	doc := jsonDoc{
		SignallingURL:    c.SignallingURL,
		StunServerAddr:   c.StunServerAddr,
		LocalFingerprint: c.LocalFingerprint,
		SigningKeyHex:    hex.EncodeToString(c.SigningKeyBytes),
		TCPPort:          c.TCPPort,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

// ApplyEnvOverrides binds the four optional environment-variable
// timeout overrides via viper's AutomaticEnv, applying any that are set
// to a positive integer seconds value. Unset variables leave the
// existing (default) timeout untouched.
func (c *Config) ApplyEnvOverrides() error {
	v := viper.New()
	v.SetEnvPrefix("PINEAPPLE")
	v.AutomaticEnv()

	overrides := []struct {
		key string
		dst *time.Duration
	}{
		{"signalling_timeout_s", &c.Timeouts.Signalling},
		{"stun_timeout_s", &c.Timeouts.Stun},
		{"udp_punch_timeout_s", &c.Timeouts.UdpPunch},
		{"tcp_timeout_s", &c.Timeouts.Tcp},
	}

	for _, o := range overrides {
		if !v.IsSet(o.key) {
			continue
		}
		seconds := v.GetInt(o.key)
		if seconds <= 0 {
			return fmt.Errorf("config: %s must be a positive integer seconds value, got %d", o.key, seconds)
		}
		*o.dst = time.Duration(seconds) * time.Second
	}
	return nil
}

// Validate checks that the required fields are present and that
// local_fingerprint matches the fingerprint derived from the signing key
// . Load calls this automatically; callers that build a Config
// directly (rather than through Load) should call it too before handing
// the config to traversal.New.
func (c *Config) Validate() error {
	if c.SignallingURL == "" {
		return fmt.Errorf("config: signalling_url is required")
	}
	if c.StunServerAddr == "" {
		return fmt.Errorf("config: stun_server_addr is required")
	}
	id, err := identity.FromSigningKeyBytes(c.SigningKeyBytes)
	if err != nil {
		return fmt.Errorf("config: derive fingerprint from signing key: %w", err)
	}
	if id.Fingerprint() != c.LocalFingerprint {
		return fmt.Errorf("config: local_fingerprint %q does not match signing key's fingerprint %q", c.LocalFingerprint, id.Fingerprint())
	}
	return nil
}
