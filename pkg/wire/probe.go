package wire

import (
	"encoding/binary"
	"fmt"
)

// ProbeMagic is the fixed magic value identifying a probe packet on the
// wire: ASCII "PNPL" ("PiNeaPpLe"), big-endian.
const ProbeMagic uint32 = 0x504E504C

// probeSignedPrefix is prepended to the signed portion of every probe
// packet so a probe signature can never be replayed as a signature over
// some other message type.
const probeSignedPrefix = "PINEAPPLE_PROBE"

// ProbeSignatureSize is the length in bytes of the trailing Ed25519
// signature.
const ProbeSignatureSize = 64

// ProbeWireSize is the exact on-wire length of a probe packet: 4 (magic) +
// 8 (nonce) + 2 (tcp_port) + 64 (signature).
const ProbeWireSize = 4 + 8 + 2 + ProbeSignatureSize

// ProbePacket is the authenticated UDP datagram used both to punch a NAT
// hole and to carry the sender's advertised TCP port.
type ProbePacket struct {
	Nonce     uint64
	TCPPort   uint16
	Signature [ProbeSignatureSize]byte
}

// SignedPayload returns the exact byte string that must be signed (and
// verified) for a probe carrying the given nonce and TCP port:
// "PINEAPPLE_PROBE" || nonce_be || tcp_port_be.
func SignedPayload(nonce uint64, tcpPort uint16) []byte {
	buf := make([]byte, len(probeSignedPrefix)+8+2)
	n := copy(buf, probeSignedPrefix)
	binary.BigEndian.PutUint64(buf[n:], nonce)
	binary.BigEndian.PutUint16(buf[n+8:], tcpPort)
	return buf
}

// Encode serializes a probe packet to its fixed 78-byte wire form.
func (p *ProbePacket) Encode() []byte {
	buf := make([]byte, ProbeWireSize)
	binary.BigEndian.PutUint32(buf[0:4], ProbeMagic)
	binary.BigEndian.PutUint64(buf[4:12], p.Nonce)
	binary.BigEndian.PutUint16(buf[12:14], p.TCPPort)
	copy(buf[14:14+ProbeSignatureSize], p.Signature[:])
	return buf
}

// DecodeProbePacket parses a datagram as a probe packet. It validates
// only the magic, exact length, and non-zero TCP port invariants;
// signature verification is the caller's responsibility since it
// requires the claimed sender's verifying key.
func DecodeProbePacket(data []byte) (*ProbePacket, error) {
	if len(data) != ProbeWireSize {
		return nil, fmt.Errorf("wire: probe packet is %d bytes, want %d", len(data), ProbeWireSize)
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != ProbeMagic {
		return nil, fmt.Errorf("wire: probe packet has bad magic 0x%08x", magic)
	}
	tcpPort := binary.BigEndian.Uint16(data[12:14])
	if tcpPort == 0 {
		return nil, fmt.Errorf("wire: probe packet advertises tcp_port 0")
	}
	p := &ProbePacket{
		Nonce:   binary.BigEndian.Uint64(data[4:12]),
		TCPPort: tcpPort,
	}
	copy(p.Signature[:], data[14:14+ProbeSignatureSize])
	return p, nil
}
