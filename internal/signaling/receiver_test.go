package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/pocket-tunnel/internal/transport"
)

func newTestPeer(t *testing.T) *transport.Peer {
	t.Helper()
	peer, err := transport.NewPeer(context.Background())
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return peer
}

// wsPair returns a client connection whose messages the server side decodes
// into the returned channel.
func wsPair(t *testing.T) (*websocket.Conn, <-chan message) {
	t.Helper()
	received := make(chan message, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, received
}

func TestReceiverApplyRejects(t *testing.T) {
	testCases := []struct {
		name string
		msg  message
		want string
	}{
		{"unknown type", message{Type: "renegotiate"}, "unknown signaling message type"},
		{"empty type", message{}, "unknown signaling message type"},
		{"malformed candidate", message{Type: msgTypeCandidate, Candidate: "{not json"}, "malformed ICE candidate"},
		{"candidate before description", message{Type: msgTypeCandidate, Candidate: `{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`}, "failed to add ICE candidate"},
		{"answer without offer", message{Type: msgTypeAnswer, SDP: "v=0"}, "failed to apply remote answer"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			peer := newTestPeer(t)
			r := &receiver{peer: peer, sender: &sender{peer: peer}}

			err := r.apply(tc.msg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error mismatch: got %q, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestReceiverAnswersOffer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE gathering in short mode")
	}

	offerer := newTestPeer(t)
	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription failed: %v", err)
	}

	conn, received := wsPair(t)
	answerer := newTestPeer(t)
	r := &receiver{peer: answerer, conn: conn, sender: &sender{peer: answerer, conn: conn}}

	if err := r.apply(message{Type: msgTypeOffer, SDP: offer.SDP}); err != nil {
		t.Fatalf("apply offer failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != msgTypeAnswer || msg.SDP == "" {
			t.Fatalf("expected an answer with SDP, got %+v", msg)
		}
		// The answer must be acceptable to the offerer.
		back := &receiver{peer: offerer, sender: &sender{peer: offerer}}
		if err := back.apply(msg); err != nil {
			t.Errorf("offerer rejected answer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for answer")
	}
}

func TestReceiverWatchStopsOnBadMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteJSON(message{Type: "bogus"})
		// Hold the socket open so watch fails on the message, not on EOF.
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()

	peer := newTestPeer(t)
	r := &receiver{peer: peer, conn: conn, sender: &sender{peer: peer, conn: conn}}

	done := make(chan error, 1)
	go func() { done <- r.watch() }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "unknown signaling message type") {
			t.Errorf("watch error mismatch: got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("watch did not return")
	}
}
