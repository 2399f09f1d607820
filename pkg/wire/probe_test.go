package wire

import (
	"crypto/ed25519"
	"testing"
)

func TestProbeEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	nonce := uint64(9876543210)
	tcpPort := uint16(40001)
	sig := ed25519.Sign(priv, SignedPayload(nonce, tcpPort))

	p := &ProbePacket{Nonce: nonce, TCPPort: tcpPort}
	copy(p.Signature[:], sig)

	encoded := p.Encode()
	if len(encoded) != ProbeWireSize {
		t.Fatalf("encoded length %d, want %d", len(encoded), ProbeWireSize)
	}

	decoded, err := DecodeProbePacket(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Nonce != nonce || decoded.TCPPort != tcpPort {
		t.Fatalf("decoded fields mismatch: %+v", decoded)
	}
	if !ed25519.Verify(pub, SignedPayload(decoded.Nonce, decoded.TCPPort), decoded.Signature[:]) {
		t.Fatal("signature should verify")
	}
}

func TestDecodeProbePacketRejectsBadMagic(t *testing.T) {
	p := &ProbePacket{Nonce: 1, TCPPort: 1}
	encoded := p.Encode()
	encoded[0] = 0xFF
	if _, err := DecodeProbePacket(encoded); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeProbePacketRejectsWrongLength(t *testing.T) {
	if _, err := DecodeProbePacket(make([]byte, ProbeWireSize-1)); err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestDecodeProbePacketRejectsZeroPort(t *testing.T) {
	p := &ProbePacket{Nonce: 1, TCPPort: 0}
	if _, err := DecodeProbePacket(p.Encode()); err == nil {
		t.Fatal("expected error for zero tcp_port")
	}
}
