// Package identity holds the Ed25519 signing identity owned by a traversal
// instance and the fingerprint derived from it. Fingerprints are the sole
// peer identifier at the signalling layer.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// FingerprintLength is the length in characters of a hex-encoded
// fingerprint (32-byte verifying key -> 64 hex characters).
const FingerprintLength = 64

// Identity is the Ed25519 signing key owned by a traversal instance plus
// its derived verifying key and fingerprint. It is read-only after
// construction and safe for concurrent use by any number of goroutines.
type Identity struct {
	signingKey   ed25519.PrivateKey
	verifyingKey ed25519.PublicKey
	fingerprint  string
}

// New generates a fresh Ed25519 identity.
func New() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return fromKeys(priv, pub), nil
}

// FromSigningKeyBytes reconstructs an identity from 32 raw Ed25519 seed
// bytes, as supplied via the signing_key_bytes configuration option.
func FromSigningKeyBytes(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: signing key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return fromKeys(priv, pub), nil
}

func fromKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	return &Identity{
		signingKey:   priv,
		verifyingKey: pub,
		fingerprint:  Fingerprint(pub),
	}
}

// Fingerprint encodes a verifying key as the 64-character lowercase hex
// fingerprint used throughout the signalling and probe protocols.
func Fingerprint(verifyingKey ed25519.PublicKey) string {
	return hex.EncodeToString(verifyingKey)
}

// VerifyingKeyFromFingerprint decodes a fingerprint back into the raw
// verifying key bytes, validating both its length and hex encoding.
func VerifyingKeyFromFingerprint(fp string) (ed25519.PublicKey, error) {
	if len(fp) != FingerprintLength {
		return nil, fmt.Errorf("identity: fingerprint must be %d characters, got %d", FingerprintLength, len(fp))
	}
	raw, err := hex.DecodeString(fp)
	if err != nil {
		return nil, fmt.Errorf("identity: fingerprint is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: decoded fingerprint is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Fingerprint returns this identity's own fingerprint.
func (id *Identity) Fingerprint() string {
	return id.fingerprint
}

// VerifyingKey returns the identity's public key.
func (id *Identity) VerifyingKey() ed25519.PublicKey {
	return id.verifyingKey
}

// Seed returns the 32-byte signing key seed, the form signing keys take
// in instance configuration (signing_key_bytes).
func (id *Identity) Seed() []byte {
	return id.signingKey.Seed()
}

// Sign signs a message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signingKey, message)
}

// Verify checks a signature against an arbitrary peer's verifying key. It
// is a thin wrapper so callers don't need to import crypto/ed25519
// themselves.
func Verify(verifyingKey ed25519.PublicKey, message, signature []byte) bool {
	if len(verifyingKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(verifyingKey, message, signature)
}
