// Package ratchetframe implements the length-prefixed framed transport
// layered over the handed-off TCP stream: every record written
// to a Conn is length-prefixed on the wire, and every record read comes
// back whole or not at all. Frame contents are opaque ratchet records;
// this package never interprets them.
package ratchetframe

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pineapplenet/pineapple-core/pkg/wire"
)

// ErrFrameTooLarge is returned when a peer's length prefix declares a
// frame larger than wire.MaxFrameLength.
var ErrFrameTooLarge = wire.ErrFrameTooLarge

// Conn wraps the handed-off net.Conn with framed Send/Receive. Writes
// are serialized through writeMu; reads are not locked since the
// orchestrator hands off to exactly one reading goroutine.
type Conn struct {
	raw     net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// New wraps raw, which must already be the winning stream from the
// simultaneous-open race, as a framed connection.
func New(raw net.Conn) *Conn {
	return &Conn{raw: raw, reader: bufio.NewReader(raw)}
}

// Send writes payload as one length-prefixed frame.
func (c *Conn) Send(payload []byte) error {
	encoded, err := wire.EncodeFrame(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.Write(encoded); err != nil {
		return fmt.Errorf("ratchetframe: write frame: %w", err)
	}
	return nil
}

// Receive blocks for the next complete frame and returns its payload.
func (c *Conn) Receive() ([]byte, error) {
	prefix := make([]byte, wire.FrameLengthPrefixSize)
	if _, err := io.ReadFull(c.reader, prefix); err != nil {
		return nil, fmt.Errorf("ratchetframe: read length prefix: %w", err)
	}

	length, err := wire.DecodeFrameLength(prefix)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, fmt.Errorf("ratchetframe: read frame body: %w", err)
	}
	return payload, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// LocalAddr and RemoteAddr expose the handed-off stream's endpoints.
func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
