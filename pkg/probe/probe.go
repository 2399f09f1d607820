// Package probe implements the authenticated UDP hole-punch exchange: a
// dual-endpoint send burst racing a verifying receive loop on the same
// socket the STUN client already mapped.
package probe

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pineapplenet/pineapple-core/pkg/wire"
)

// SendInterval is how often the probe packet is retransmitted to both
// peer endpoints.
const SendInterval = 200 * time.Millisecond

// MinElapsedAfterAccept is the minimum time that must pass since sending
// began before a successful hole punch can terminate, giving the peer a
// chance to have received ours too.
const MinElapsedAfterAccept = 400 * time.Millisecond

// OverallTimeout bounds the whole exchange.
const OverallTimeout = 30 * time.Second

// ErrTimeout is returned when OverallTimeout elapses without a
// terminating accepted probe.
var ErrTimeout = errors.New("probe: hole punch timed out")

// Result is what a successful hole punch yields: the endpoint the peer's
// valid probe arrived from, and the TCP port it advertised.
type Result struct {
	ReachableEndpoint *net.UDPAddr
	PeerTCPPort       uint16
}

// Target bundles the peer endpoints a probe is sent to and the key used
// to verify its replies.
type Target struct {
	External     *net.UDPAddr
	Local        *net.UDPAddr
	VerifyingKey ed25519.PublicKey
}

// RateLimiter bounds how many datagrams per source address are processed
// within a sliding window. A spoofing attacker flooding the socket must
// not be able to starve the real peer's probes from being read and
// verified.
type RateLimiter struct {
	limit  int
	window time.Duration
	seen   map[string][]time.Time
}

// NewRateLimiter returns a limiter allowing up to limit datagrams from a
// given source address within window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, seen: make(map[string][]time.Time)}
}

// Allow reports whether a datagram from addr should be processed now.
// Only allowed datagrams are recorded; a refused one does not count
// against the window.
func (r *RateLimiter) Allow(addr string, now time.Time) bool {
	cutoff := now.Add(-r.window)
	times := r.seen[addr]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.seen[addr] = kept
		return false
	}
	r.seen[addr] = append(kept, now)
	return true
}

// Run drives the full hole-punch exchange on udpConn: it sends the local
// probe packet to both of target's endpoints every SendInterval while
// concurrently reading and verifying inbound probes, until termination
// criteria are met or OverallTimeout elapses. ctx bounds the exchange
// from outside; its cancellation or deadline is observed within one
// read-poll interval.
func Run(ctx context.Context, udpConn *net.UDPConn, target Target, localTCPPort uint16, signingKey ed25519.PrivateKey, log *logrus.Entry) (*Result, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("probe: generate nonce: %w", err)
	}

	payload := wire.SignedPayload(nonce, localTCPPort)
	packet := &wire.ProbePacket{Nonce: nonce, TCPPort: localTCPPort}
	copy(packet.Signature[:], ed25519.Sign(signingKey, payload))
	encoded := packet.Encode()

	deadline := time.Now().Add(OverallTimeout)
	sendStart := time.Now()
	limiter := NewRateLimiter(50, time.Second)

	sendTicker := time.NewTicker(SendInterval)
	defer sendTicker.Stop()

	send := func() {
		if target.External != nil {
			udpConn.WriteToUDP(encoded, target.External)
		}
		if target.Local != nil {
			udpConn.WriteToUDP(encoded, target.Local)
		}
	}
	send()

	var accepted *Result
	buf := make([]byte, 256)

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, err
		}
		now := time.Now()
		if now.After(deadline) {
			return nil, ErrTimeout
		}
		if accepted != nil && now.Sub(sendStart) >= MinElapsedAfterAccept {
			return accepted, nil
		}

		select {
		case <-sendTicker.C:
			send()
		default:
		}

		// Poll on a short read deadline so the resend ticker and the
		// post-acceptance elapsed check above are both rechecked
		// promptly rather than blocking for a full SendInterval.
		udpConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, from, err := udpConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, fmt.Errorf("probe: read datagram: %w", err)
		}

		if !limiter.Allow(from.String(), now) {
			log.WithField("source", from.String()).Trace("dropping datagram, source rate limit exceeded")
			continue
		}

		decoded, err := wire.DecodeProbePacket(append([]byte(nil), buf[:n]...))
		if err != nil {
			log.WithError(err).WithField("source", from.String()).Trace("dropping malformed probe datagram")
			continue
		}

		signed := wire.SignedPayload(decoded.Nonce, decoded.TCPPort)
		if !ed25519.Verify(target.VerifyingKey, signed, decoded.Signature[:]) {
			log.WithField("source", from.String()).Trace("dropping probe datagram with invalid signature")
			continue
		}

		if accepted == nil {
			log.WithField("source", from.String()).Debug("accepted valid probe")
			accepted = &Result{ReachableEndpoint: from, PeerTCPPort: decoded.TCPPort}
		}
	}
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
