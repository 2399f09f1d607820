// Package signaling implements the authenticated, multiplexed bidirectional
// text channel to the rendezvous (signalling) server: a
// TLS-protected websocket carrying JSON messages with a "type"
// discriminator.
package signaling

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pineapplenet/pineapple-core/pkg/wire"
)

// ConnectTimeout is the default TLS/websocket handshake timeout.
const ConnectTimeout = 10 * time.Second

// DefaultForwardOfferTimeout is the default wait for a forwarded offer.
const DefaultForwardOfferTimeout = 60 * time.Second

// KeepaliveInterval is how often the background keepalive loop sends a
// keepalive message while connected.
const KeepaliveInterval = 30 * time.Second

// writeWait bounds how long a single frame write may block before the
// channel is treated as lost.
const writeWait = 10 * time.Second

var (
	// ErrUnreachable is returned when the TLS/websocket handshake fails or
	// times out.
	ErrUnreachable = errors.New("signaling: server unreachable")
	// ErrFingerprintConflict is returned when register_ack.success is
	// false.
	ErrFingerprintConflict = errors.New("signaling: fingerprint already registered")
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("signaling: channel closed")
)

// ServerError wraps a {type:"error", message} frame surfaced to the
// caller currently waiting on a receive, or on the next operation.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("signaling: server error: %s", e.Message)
}

// Client is a single-peer signalling channel. All sends are serialized
// through writeMu; at most one receive is ever outstanding, serialized
// through readMu, matching the ownership model the orchestrator relies on.
type Client struct {
	conn *websocket.Conn
	log  *logrus.Entry

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	stopKeep  chan struct{}
	keepWG    sync.WaitGroup
}

// Connect establishes a TLS-protected websocket channel to the signalling
// server at rawURL, which must use the wss scheme. Certificate
// verification uses the host's trust store (tls.Config's defaults); the
// hostname is matched against the server certificate's subject by the
// standard library exactly as for any other TLS client. timeout bounds
// both the dial and the websocket handshake (the signalling_timeout_s
// override).
func Connect(ctx context.Context, rawURL string, timeout time.Duration, log *logrus.Entry) (*Client, error) {
	return connect(ctx, rawURL, timeout, log, &tls.Config{MinVersion: tls.VersionTLS12})
}

// ConnectWithTLSConfig is Connect with a caller-supplied TLS
// configuration, for embedders whose rendezvous server chains to a
// private root rather than the host trust store.
func ConnectWithTLSConfig(ctx context.Context, rawURL string, timeout time.Duration, log *logrus.Entry, tlsConfig *tls.Config) (*Client, error) {
	return connect(ctx, rawURL, timeout, log, tlsConfig)
}

func connect(ctx context.Context, rawURL string, timeout time.Duration, log *logrus.Entry, tlsConfig *tls.Config) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrUnreachable, err)
	}
	if parsed.Scheme != "wss" {
		return nil, fmt.Errorf("%w: signalling_url must use wss, got %q", ErrUnreachable, parsed.Scheme)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsConfig,
	}

	conn, _, err := dialer.DialContext(dialCtx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return &Client{
		conn:     conn,
		log:      log,
		stopKeep: make(chan struct{}),
	}, nil
}

// Register sends a register request and waits for its register_ack.
func (c *Client) Register(ctx context.Context, fingerprint string) error {
	if err := c.send(wire.NewRegisterMessage(fingerprint)); err != nil {
		return err
	}

	var ack wire.RegisterAckMessage
	if err := c.recvTyped(ctx, wire.MsgTypeRegisterAck, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrFingerprintConflict, ack.Message)
	}
	return nil
}

// SendOffer transmits this instance's offer to target.
func (c *Client) SendOffer(offer *wire.OfferMessage) error {
	offer.Type = wire.MsgTypeOffer
	return c.send(offer)
}

// AwaitForwardOffer blocks until the next forward_offer frame arrives or
// ctx is done. Callers bound the wait with context.WithTimeout
// (DefaultForwardOfferTimeout by default).
func (c *Client) AwaitForwardOffer(ctx context.Context) (*wire.ForwardOfferMessage, error) {
	var fwd wire.ForwardOfferMessage
	if err := c.recvTyped(ctx, wire.MsgTypeForwardOffer, &fwd); err != nil {
		return nil, err
	}
	return &fwd, nil
}

// StartKeepalive launches the background keepalive loop. It shares the
// channel with the rest of the client through writeMu, so a keepalive is
// never interleaved inside a JSON frame being sent by the caller.
func (c *Client) StartKeepalive() {
	c.keepWG.Add(1)
	go func() {
		defer c.keepWG.Done()
		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.send(wire.NewKeepaliveMessage()); err != nil {
					c.log.WithError(err).Debug("keepalive send failed, signalling session likely lost")
					return
				}
			case <-c.stopKeep:
				return
			}
		}
	}()
}

// Close initiates a normal channel close and releases all associated
// resources.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopKeep)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		// Closing the connection before waiting makes a keepalive that is
		// queued behind writeMu fail immediately instead of holding up the
		// close; a keepalive write already in progress was waited out at
		// writeMu above, bounded by writeWait.
		err = c.conn.Close()
		c.keepWG.Wait()
	})
	return err
}

func (c *Client) send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("signaling: marshal message: %w", err)
	}
	if len(payload) > wire.MaxSignalingFrameSize {
		return fmt.Errorf("signaling: outgoing frame of %d bytes exceeds %d byte limit", len(payload), wire.MaxSignalingFrameSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// recvTyped reads frames until one matches wantType, silently discarding
// and logging any other recognized-but-irrelevant or unrecognized frame,
// and surfacing a {type:"error"} frame as a *ServerError.
func (c *Client) recvTyped(ctx context.Context, wantType string, out interface{}) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if len(data) > wire.MaxSignalingFrameSize {
			c.log.WithField("size", len(data)).Warn("dropping oversize signalling frame")
			continue
		}

		var envelope wire.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.log.WithError(err).Trace("dropping unparseable signalling frame")
			continue
		}

		switch envelope.Type {
		case wantType:
			return json.Unmarshal(data, out)
		case wire.MsgTypeError:
			var errMsg wire.ErrorMessage
			json.Unmarshal(data, &errMsg)
			return &ServerError{Message: errMsg.Message}
		default:
			c.log.WithField("type", envelope.Type).Trace("ignoring unrecognized or out-of-sequence signalling frame")
		}
	}
}
