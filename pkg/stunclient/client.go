// Package stunclient implements the single-request/response STUN Binding
// exchange used to discover a UDP socket's external mapping before
// the probe engine reuses the same socket for hole punching.
package stunclient

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// Attempts is the number of Binding Request attempts made before giving
// up.
const Attempts = 3

// PerAttemptTimeout bounds how long a single Binding Request waits for a
// matching response.
const PerAttemptTimeout = 5 * time.Second

// ErrTimeout is returned when all attempts elapse without a matching
// Binding Success Response.
var ErrTimeout = errors.New("stunclient: timed out waiting for binding response")

// ErrMalformed is returned for a response that is well-formed STUN but
// fails the validation rules (bad magic, mismatched transaction,
// missing XOR-MAPPED-ADDRESS).
var ErrMalformed = errors.New("stunclient: malformed binding response")

// ErrorResponse wraps a STUN Binding Error Response's ERROR-CODE class and
// number.
type ErrorResponse struct {
	Code   int
	Reason string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("stunclient: binding error response %d: %s", e.Code, e.Reason)
}

// Discover sends a Binding Request on udpConn to stunEndpoint and returns
// the external endpoint decoded from the XOR-MAPPED-ADDRESS attribute of
// the matching response. udpConn is the same socket the orchestrator will
// later hand to the probe engine, so the external mapping observed here
// is the mapping a cone-NAT peer will be able to reach. timeout bounds
// each individual attempt (the stun_timeout_s override); Attempts is
// fixed regardless of timeout.
func Discover(udpConn *net.UDPConn, stunEndpoint *net.UDPAddr, timeout time.Duration, log *logrus.Entry) (*net.UDPAddr, error) {
	var lastErr error
	for attempt := 1; attempt <= Attempts; attempt++ {
		addr, err := discoverOnce(udpConn, stunEndpoint, timeout)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Debug("stun binding attempt failed")
	}
	if lastErr != nil {
		var errResp *ErrorResponse
		if errors.As(lastErr, &errResp) {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
	}
	return nil, ErrTimeout
}

func discoverOnce(udpConn *net.UDPConn, stunEndpoint *net.UDPAddr, timeout time.Duration) (*net.UDPAddr, error) {
	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("stunclient: build binding request: %w", err)
	}

	if err := udpConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("stunclient: set read deadline: %w", err)
	}
	if _, err := udpConn.WriteToUDP(request.Raw, stunEndpoint); err != nil {
		return nil, fmt.Errorf("stunclient: send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := udpConn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("stunclient: read response: %w", err)
		}
		if !from.IP.Equal(stunEndpoint.IP) {
			// Stray datagram from someone else (e.g. a probe packet that
			// arrived on the same socket); keep waiting for the STUN
			// server's reply within the same deadline.
			continue
		}

		response := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := response.Decode(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return parseBindingResponse(response, request)
	}
}

func parseBindingResponse(response, request *stun.Message) (*net.UDPAddr, error) {
	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("%w: transaction id mismatch", ErrMalformed)
	}

	if response.Type.Class == stun.ClassErrorResponse {
		var errCode stun.ErrorCodeAttribute
		if err := errCode.GetFrom(response); err != nil {
			return nil, fmt.Errorf("%w: error response without ERROR-CODE", ErrMalformed)
		}
		return nil, &ErrorResponse{Code: int(errCode.Code), Reason: string(errCode.Reason)}
	}

	if response.Type != stun.BindingSuccess {
		return nil, fmt.Errorf("%w: unexpected message type %s", ErrMalformed, response.Type)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		return nil, fmt.Errorf("%w: missing XOR-MAPPED-ADDRESS", ErrMalformed)
	}

	return &net.UDPAddr{IP: append(net.IP(nil), xorAddr.IP...), Port: xorAddr.Port}, nil
}
