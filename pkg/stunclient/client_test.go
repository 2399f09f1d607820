package stunclient

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

func fakeStunServer(t *testing.T, reply func(request *stun.Message, from *net.UDPAddr) *stun.Message) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			resp := reply(req, from)
			if resp == nil {
				continue
			}
			conn.WriteToUDP(resp.Raw, from)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func buildSuccessResponse(req *stun.Message, mappedAddr *net.UDPAddr) *stun.Message {
	resp := new(stun.Message)
	resp.TransactionID = req.TransactionID
	resp.Type = stun.BindingSuccess
	(&stun.XORMappedAddress{IP: mappedAddr.IP, Port: mappedAddr.Port}).AddTo(resp)
	resp.WriteHeader()
	return resp
}

func TestDiscoverHappyPath(t *testing.T) {
	wantAddr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 45), Port: 54321}

	serverAddr := fakeStunServer(t, func(req *stun.Message, from *net.UDPAddr) *stun.Message {
		return buildSuccessResponse(req, wantAddr)
	})

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientConn.Close()

	log := logrus.NewEntry(logrus.New())
	got, err := Discover(clientConn, serverAddr, PerAttemptTimeout, log)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !got.IP.Equal(wantAddr.IP) || got.Port != wantAddr.Port {
		t.Fatalf("Discover = %v, want %v", got, wantAddr)
	}
}

func TestParseBindingResponseRejectsTransactionMismatch(t *testing.T) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	otherReq, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("build second request: %v", err)
	}

	// A well-formed success response answering a different transaction.
	resp := buildSuccessResponse(otherReq, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 45), Port: 54321})

	if _, err := parseBindingResponse(resp, req); err == nil {
		t.Fatal("expected rejection of a response with a foreign transaction id")
	}
}

func TestParseBindingResponseRejectsMissingMappedAddress(t *testing.T) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp := new(stun.Message)
	resp.TransactionID = req.TransactionID
	resp.Type = stun.BindingSuccess
	resp.WriteHeader()

	if _, err := parseBindingResponse(resp, req); err == nil {
		t.Fatal("expected rejection of a success response without XOR-MAPPED-ADDRESS")
	}
}

func TestParseBindingResponseSurfacesErrorCode(t *testing.T) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp := new(stun.Message)
	resp.TransactionID = req.TransactionID
	resp.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassErrorResponse}
	if err := (stun.ErrorCodeAttribute{Code: stun.CodeServerError, Reason: []byte("server error")}).AddTo(resp); err != nil {
		t.Fatalf("add error code: %v", err)
	}
	resp.WriteHeader()

	_, err = parseBindingResponse(resp, req)
	errResp, ok := err.(*ErrorResponse)
	if !ok {
		t.Fatalf("expected *ErrorResponse, got %v", err)
	}
	if errResp.Code != 500 {
		t.Fatalf("expected error code 500, got %d", errResp.Code)
	}
}

func TestDecodeRejectsBadMagicCookie(t *testing.T) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp := buildSuccessResponse(req, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 45), Port: 54321})

	raw := append([]byte(nil), resp.Raw...)
	raw[4] ^= 0xFF // corrupt the magic cookie

	bad := &stun.Message{Raw: raw}
	if err := bad.Decode(); err == nil {
		t.Fatal("expected decode failure for a corrupted magic cookie")
	}
}

func TestDiscoverTimesOutWithoutResponse(t *testing.T) {
	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientConn.Close()

	// An address nothing is listening on; every attempt's read should time
	// out within PerAttemptTimeout.
	deadServer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	start := time.Now()
	log := logrus.NewEntry(logrus.New())
	_, err = Discover(clientConn, deadServer, PerAttemptTimeout, log)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > (Attempts+1)*PerAttemptTimeout {
		t.Fatalf("took too long to time out: %v", time.Since(start))
	}
}
