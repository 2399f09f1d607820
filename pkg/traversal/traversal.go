// Package traversal implements the orchestrator: the state
// machine that owns every other traversal package and sequences them
// from a fresh instance to a connected, framed TCP stream.
package traversal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pineapplenet/pineapple-core/pkg/config"
	"github.com/pineapplenet/pineapple-core/pkg/identity"
	"github.com/pineapplenet/pineapple-core/pkg/probe"
	"github.com/pineapplenet/pineapple-core/pkg/ratchetframe"
	"github.com/pineapplenet/pineapple-core/pkg/signaling"
	"github.com/pineapplenet/pineapple-core/pkg/simopen"
	"github.com/pineapplenet/pineapple-core/pkg/stunclient"
	"github.com/pineapplenet/pineapple-core/pkg/tlog"
	"github.com/pineapplenet/pineapple-core/pkg/wire"
)

// Signalling connect is attempted up to three times with exponential
// backoff between attempts.
const (
	signallingConnectAttempts  = 3
	signallingConnectBaseDelay = 1 * time.Second
)

// Registration gets two attempts of five seconds each.
const (
	registerAttempts = 2
	registerTimeout  = 5 * time.Second
)

// Traversal drives one NAT-traversal attempt to a single peer. An
// instance is single-use: Connect may be called exactly once.
type Traversal struct {
	cfg *config.Config
	id  *identity.Identity
	log *logrus.Entry

	mu      sync.Mutex
	state   State
	lastErr *TraversalError
	cancel  context.CancelFunc
	started bool

	sigClient *signaling.Client
	udpConn   *net.UDPConn
}

// New constructs a traversal instance from cfg. cfg.SigningKeyBytes must
// derive the fingerprint cfg.LocalFingerprint declares; New validates
// this before returning.
func New(cfg *config.Config, log *logrus.Entry) (*Traversal, error) {
	id, err := identity.FromSigningKeyBytes(cfg.SigningKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("traversal: build identity: %w", err)
	}
	if id.Fingerprint() != cfg.LocalFingerprint {
		return nil, fmt.Errorf("traversal: local_fingerprint %q does not match signing key's fingerprint %q", cfg.LocalFingerprint, id.Fingerprint())
	}
	return &Traversal{cfg: cfg, id: id, log: tlog.ForInstance(log, id.Fingerprint())}, nil
}

// State returns the current connection state.
func (t *Traversal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the terminal error's message if the instance has
// reached Failed, else the empty string.
func (t *Traversal) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Failed && t.lastErr != nil {
		return t.lastErr.Error()
	}
	return ""
}

// Cancel requests immediate cancellation of an in-flight traversal. It
// is a no-op if no traversal is running. Cancellation is level-triggered
// and always leads to Failed, never Connected.
func (t *Traversal) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connect runs the full traversal pipeline to peerFingerprint and
// returns the handed-off framed stream plus the peer's verified
// fingerprint. A second call after the instance reaches Connected or
// Failed returns ErrMisuseReuseAfterTerminal without touching the
// network.
func (t *Traversal) Connect(ctx context.Context, peerFingerprint string) (*ratchetframe.Conn, string, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, "", ErrMisuseReuseAfterTerminal
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	conn, err := t.run(runCtx, peerFingerprint)
	if err != nil {
		var terr *TraversalError
		if !asTraversalError(err, &terr) {
			terr = newError(KindUnknown, err)
		}
		if runCtx.Err() != nil {
			terr = newError(KindCancelled, ErrCancelled)
		}
		t.finish(Failed, terr)
		return nil, "", terr
	}

	t.finish(Connected, nil)
	return conn, peerFingerprint, nil
}

func asTraversalError(err error, out **TraversalError) bool {
	if terr, ok := err.(*TraversalError); ok {
		*out = terr
		return true
	}
	return false
}

func (t *Traversal) run(ctx context.Context, peerFingerprint string) (*ratchetframe.Conn, error) {
	peerVerifyingKey, err := identity.VerifyingKeyFromFingerprint(peerFingerprint)
	if err != nil {
		return nil, newError(KindSignallingError, err)
	}

	localTCPPort, err := pinLocalTCPPort(t.cfg.TCPPort)
	if err != nil {
		return nil, newError(KindTcpSimultaneousOpenTimeout, err)
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, newError(KindStunTimeout, fmt.Errorf("open udp socket: %w", err))
	}
	t.mu.Lock()
	t.udpConn = udpConn
	t.mu.Unlock()
	closeUDP := true
	defer func() {
		if closeUDP {
			udpConn.Close()
		}
	}()

	// closeSocketsOnCancel unblocks a pending signalling/STUN read the
	// moment ctx is cancelled by closing whatever sockets the instance
	// currently owns, so Cancel reaches Failed within the 250ms
	// cancellation-liveness budget instead of waiting out a read deadline.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go t.closeSocketsOnCancel(ctx, watchDone)

	// --- ConnectingSignalling ---
	t.setState(ConnectingSignalling)
	sigClient, err := connectSignallingWithBackoff(ctx, t.cfg.SignallingURL, t.cfg.Timeouts.Signalling, t.log)
	if err != nil {
		return nil, newError(KindSignallingUnreachable, err)
	}
	t.mu.Lock()
	t.sigClient = sigClient
	t.mu.Unlock()
	closeSig := true
	defer func() {
		if closeSig {
			sigClient.Close()
		}
	}()

	// --- Registering ---
	t.setState(Registering)
	if err := registerWithRetry(ctx, sigClient, t.id.Fingerprint(), t.log); err != nil {
		return nil, classifyRegisterError(err)
	}
	sigClient.StartKeepalive()

	// --- StunDiscovery ---
	t.setState(StunDiscovery)
	stunAddr, err := net.ResolveUDPAddr("udp4", t.cfg.StunServerAddr)
	if err != nil {
		return nil, newError(KindStunMalformed, fmt.Errorf("resolve stun_server_addr: %w", err))
	}
	externalAddr, err := stunclient.Discover(udpConn, stunAddr, t.cfg.Timeouts.Stun, t.log)
	if err != nil {
		return nil, classifyStunError(err)
	}

	// --- SendingOffer ---
	t.setState(SendingOffer)
	localAddr := udpConn.LocalAddr().(*net.UDPAddr)
	nonce, err := freshNonce()
	if err != nil {
		return nil, newError(KindSignallingError, err)
	}
	offer := &wire.OfferMessage{
		TargetFingerprint: peerFingerprint,
		Fingerprint:       t.id.Fingerprint(),
		ExternalIP:        externalAddr.IP.String(),
		ExternalPort:      externalAddr.Port,
		LocalIP:           localAddr.IP.String(),
		LocalPort:         localAddr.Port,
		Nonce:             nonce,
	}
	if err := sigClient.SendOffer(offer); err != nil {
		return nil, newError(KindSignallingError, err)
	}

	// --- WaitingForOffer ---
	t.setState(WaitingForOffer)
	waitCtx, waitCancel := context.WithTimeout(ctx, signaling.DefaultForwardOfferTimeout)
	fwd, err := sigClient.AwaitForwardOffer(waitCtx)
	waitCancel()
	if err != nil {
		return nil, classifyOfferExchangeError(err)
	}
	if fwd.FromFingerprint != peerFingerprint {
		return nil, newError(KindSignallingError, fmt.Errorf("forward_offer from unexpected fingerprint %q", fwd.FromFingerprint))
	}

	// Signalling session is no longer needed once the offer exchange
	// completes.
	closeSig = false
	sigClient.Close()

	// --- UdpHolePunching ---
	t.setState(UdpHolePunching)
	punchCtx, punchCancel := context.WithTimeout(ctx, t.cfg.Timeouts.UdpPunch)
	defer punchCancel()
	target := probe.Target{
		External:     &net.UDPAddr{IP: net.ParseIP(fwd.ExternalIP), Port: fwd.ExternalPort},
		Local:        &net.UDPAddr{IP: net.ParseIP(fwd.LocalIP), Port: fwd.LocalPort},
		VerifyingKey: peerVerifyingKey,
	}
	punchResult, err := probe.Run(punchCtx, udpConn, target, localTCPPort, t.signingKey(), t.log)
	if err != nil {
		return nil, newError(KindHolePunchTimeout, err)
	}

	// The UDP socket's job is done once the punch succeeds.
	closeUDP = false
	udpConn.Close()

	// --- TcpConnecting ---
	t.setState(TcpConnecting)
	tcpCtx, tcpCancel := context.WithTimeout(ctx, t.cfg.Timeouts.Tcp)
	defer tcpCancel()
	stream, err := simopen.Open(tcpCtx, localTCPPort, punchResult.ReachableEndpoint.IP.String(), punchResult.PeerTCPPort)
	if err != nil {
		return nil, newError(KindTcpSimultaneousOpenTimeout, err)
	}

	return ratchetframe.New(stream), nil
}

func (t *Traversal) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(t.cfg.SigningKeyBytes)
}

// closeSocketsOnCancel closes whatever sockets the instance currently owns
// as soon as ctx is cancelled, unblocking a pending signalling or STUN
// read that would otherwise wait out its own deadline. It returns once ctx
// is done or run has finished, whichever comes first.
func (t *Traversal) closeSocketsOnCancel(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		t.mu.Lock()
		udpConn := t.udpConn
		sigClient := t.sigClient
		t.mu.Unlock()
		if udpConn != nil {
			udpConn.Close()
		}
		if sigClient != nil {
			sigClient.Close()
		}
	case <-done:
	}
}

func (t *Traversal) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	tlog.WithState(t.log, s.String()).Info("traversal stage transition")
}

func (t *Traversal) finish(final State, terr *TraversalError) {
	t.mu.Lock()
	t.state = final
	t.lastErr = terr
	t.mu.Unlock()
	if terr != nil {
		t.log.WithError(terr).WithField("kind", terr.Kind().String()).Error("traversal failed")
	} else {
		t.log.Info("traversal connected")
	}
}

func pinLocalTCPPort(configured uint16) (uint16, error) {
	if configured != 0 {
		return configured, nil
	}
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("select os-assigned tcp port: %w", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

// dialSignalling is the function used to establish the signalling
// channel. Tests swap it to hand the client a trust root for their
// self-signed rendezvous server.
var dialSignalling = signaling.Connect

func connectSignallingWithBackoff(ctx context.Context, url string, timeout time.Duration, log *logrus.Entry) (*signaling.Client, error) {
	delay := signallingConnectBaseDelay
	var lastErr error
	for attempt := 1; attempt <= signallingConnectAttempts; attempt++ {
		client, err := dialSignalling(ctx, url, timeout, log)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Debug("signalling connect attempt failed")
		if attempt == signallingConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func registerWithRetry(ctx context.Context, client *signaling.Client, fingerprint string, log *logrus.Entry) error {
	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		err := client.Register(attemptCtx, fingerprint)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		// A conflict ack is the server's definitive answer; only
		// transient failures consume the retry budget.
		if errors.Is(err, signaling.ErrFingerprintConflict) {
			return err
		}
		var serverErr *signaling.ServerError
		if errors.As(err, &serverErr) {
			return err
		}
		log.WithError(err).WithField("attempt", attempt).Debug("register attempt failed")
	}
	return lastErr
}

func classifyRegisterError(err error) *TraversalError {
	if errors.Is(err, signaling.ErrFingerprintConflict) {
		return newError(KindFingerprintConflict, err)
	}
	return newError(KindSignallingError, err)
}

func classifyStunError(err error) *TraversalError {
	var errResp *stunclient.ErrorResponse
	if asStunErrorResponse(err, &errResp) {
		return newError(KindStunErrorResponse, err)
	}
	return newError(KindStunTimeout, err)
}

func asStunErrorResponse(err error, out **stunclient.ErrorResponse) bool {
	if errResp, ok := err.(*stunclient.ErrorResponse); ok {
		*out = errResp
		return true
	}
	return false
}

func classifyOfferExchangeError(err error) *TraversalError {
	return newError(KindOfferExchangeTimeout, err)
}

func freshNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
