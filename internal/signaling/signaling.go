// Package signaling sets up WebRTC carriers between a client and the relay.
// SDP and ICE candidates travel as JSON over a short-lived WebSocket on the
// relay's /signal endpoint; callers receive a Peer whose DataChannel is open.
package signaling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pocket-tunnel/internal/transport"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

// readyGrace is how long to wait for the DataChannel after the signaling
// socket has gone away.
const readyGrace = 5 * time.Second

// Accept executes the relay-side signaling flow for one request:
//  1. Upgrade the request to a WebSocket
//  2. Create a Peer bound to ctx
//  3. Send the Offer and exchange ICE candidates
//  4. Wait for the DataChannel to be ready
//  5. Close the WebSocket and return the ready Peer
func Accept(ctx context.Context, w http.ResponseWriter, r *http.Request) (*transport.Peer, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade signaling request: %w", err)
	}
	defer wsConn.Close()

	return establish(ctx, wsConn, true)
}

// Dial executes the client-side signaling flow: connect to the relay's
// signaling endpoint, answer its Offer, and return the Peer once the
// DataChannel is open.
func Dial(ctx context.Context, url string) (*transport.Peer, error) {
	wsConn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("signaling connected: %s", url)

	return establish(ctx, wsConn, false)
}

// establish runs the SDP/ICE exchange over wsConn. The offerer sends the
// Offer first; the other side answers from its receiver loop.
func establish(ctx context.Context, wsConn *websocket.Conn, offerer bool) (*transport.Peer, error) {
	peer, err := transport.NewPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}

	s := &sender{peer: peer, conn: wsConn}
	r := &receiver{peer: peer, conn: wsConn, sender: s}

	// Forward local ICE candidates; best effort.
	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if err := s.sendCandidate(c); err != nil {
			util.LogDebug("failed to send ICE candidate: %v", err)
		}
	})

	// Exits when wsConn is closed by the caller.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			peer.Close()
			return nil, fmt.Errorf("failed to send Offer: %w", err)
		}
	}

	select {
	case <-peer.Ready():
		util.LogDebug("DataChannel established, closing signaling socket")
		return peer, nil

	case err := <-errCh:
		// The other side closes the socket as soon as its DataChannel opens,
		// which can be observed here slightly before ours does.
		select {
		case <-peer.Ready():
			return peer, nil
		case <-time.After(readyGrace):
		case <-ctx.Done():
		}
		peer.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}
