package signaling

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pineapplenet/pineapple-core/pkg/wire"
)

// connectInsecureForTest dials through the same internal connect path as
// Connect, but skips certificate verification so the test's self-signed
// httptest.Server certificate doesn't need to be trusted system-wide.
func connectInsecureForTest(ctx context.Context, rawURL string, log *logrus.Entry) (*Client, error) {
	return ConnectWithTLSConfig(ctx, rawURL, ConnectTimeout, log, &tls.Config{InsecureSkipVerify: true})
}

// fakeServer drives a single upgraded connection with a scripted handler,
// mirroring the shape of the real rendezvous server closely enough to
// exercise Client without needing one.
func fakeServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wssURL(srv *httptest.Server) string {
	return "wss" + strings.TrimPrefix(srv.URL, "https")
}

func dial(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	ctx := context.Background()

	// The test server uses a self-signed certificate; accept it the way a
	// test harness would, without weakening Connect's own default config.
	client, err := connectInsecureForTest(ctx, wssURL(srv), log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRegisterHappyPath(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wire.RegisterMessage
		json.Unmarshal(data, &msg)
		if msg.Fingerprint != strings.Repeat("aa", 32) {
			t.Errorf("unexpected fingerprint %q", msg.Fingerprint)
		}
		ack, _ := json.Marshal(wire.RegisterAckMessage{Type: wire.MsgTypeRegisterAck, Success: true})
		conn.WriteMessage(websocket.TextMessage, ack)
	})

	client := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Register(ctx, strings.Repeat("aa", 32)); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterFingerprintConflict(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		ack, _ := json.Marshal(wire.RegisterAckMessage{Type: wire.MsgTypeRegisterAck, Success: false, Message: "fingerprint in use"})
		conn.WriteMessage(websocket.TextMessage, ack)
	})

	client := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Register(ctx, strings.Repeat("aa", 32))
	if err == nil {
		t.Fatal("expected fingerprint conflict error")
	}
}

func TestAwaitForwardOfferIgnoresUnrelatedFrames(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn) {
		stray, _ := json.Marshal(wire.KeepaliveMessage{Type: wire.MsgTypeKeepalive})
		conn.WriteMessage(websocket.TextMessage, stray)

		fwd, _ := json.Marshal(wire.ForwardOfferMessage{
			Type:            wire.MsgTypeForwardOffer,
			FromFingerprint: strings.Repeat("bb", 32),
			ExternalIP:      "198.51.100.7",
			ExternalPort:    33333,
			Nonce:           1234567890,
		})
		conn.WriteMessage(websocket.TextMessage, fwd)
	})

	client := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fwd, err := client.AwaitForwardOffer(ctx)
	if err != nil {
		t.Fatalf("AwaitForwardOffer: %v", err)
	}
	if fwd.FromFingerprint != strings.Repeat("bb", 32) || fwd.Nonce != 1234567890 {
		t.Fatalf("unexpected forward offer: %+v", fwd)
	}
}

func TestAwaitForwardOfferSurfacesServerError(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn) {
		errMsg, _ := json.Marshal(wire.ErrorMessage{Type: wire.MsgTypeError, Message: "target not registered"})
		conn.WriteMessage(websocket.TextMessage, errMsg)
	})

	client := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.AwaitForwardOffer(ctx)
	if err == nil {
		t.Fatal("expected server error")
	}
	serr, ok := err.(*ServerError)
	if !ok {
		t.Fatalf("expected *ServerError, got %T", err)
	}
	if serr.Message != "target not registered" {
		t.Fatalf("unexpected message: %q", serr.Message)
	}
}
