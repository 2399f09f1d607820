package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameLength is the maximum payload length (in bytes) of a single
// framed record of a single framed record.
const MaxFrameLength = 64 * 1024

// FrameLengthPrefixSize is the size in bytes of the big-endian length
// prefix preceding every framed record.
const FrameLengthPrefixSize = 4

// ErrFrameTooLarge is returned when a payload (or a claimed frame length)
// exceeds MaxFrameLength.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum length")

// EncodeFrame prefixes payload with its big-endian uint32 length. It
// refuses payloads longer than MaxFrameLength.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxFrameLength)
	}
	out := make([]byte, FrameLengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out[:FrameLengthPrefixSize], uint32(len(payload)))
	copy(out[FrameLengthPrefixSize:], payload)
	return out, nil
}

// DecodeFrameLength parses a 4-byte big-endian length prefix and validates
// it against MaxFrameLength.
func DecodeFrameLength(prefix []byte) (uint32, error) {
	if len(prefix) != FrameLengthPrefixSize {
		return 0, fmt.Errorf("wire: frame length prefix must be %d bytes, got %d", FrameLengthPrefixSize, len(prefix))
	}
	length := binary.BigEndian.Uint32(prefix)
	if length > MaxFrameLength {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, MaxFrameLength)
	}
	return length, nil
}
