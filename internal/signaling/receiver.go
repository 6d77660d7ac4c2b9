package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pocket-tunnel/internal/transport"
)

// receiver feeds inbound signaling messages into a Peer. Offers are answered
// through sender.
type receiver struct {
	peer   *transport.Peer
	conn   *websocket.Conn
	sender *sender
}

// watch applies messages until the socket fails, the caller closes it, or a
// message cannot be applied.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read signaling message: %w", err)
		}
		if err := r.apply(msg); err != nil {
			return err
		}
	}
}

func (r *receiver) apply(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if err := r.remoteDescription(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		return r.sender.sendAnswer()

	case msgTypeAnswer:
		return r.remoteDescription(webrtc.SDPTypeAnswer, msg.SDP)

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("malformed ICE candidate: %w", err)
		}
		if err := r.peer.AddICECandidate(init); err != nil {
			return fmt.Errorf("failed to add ICE candidate: %w", err)
		}
		return nil
	}

	return fmt.Errorf("unknown signaling message type %q", msg.Type)
}

func (r *receiver) remoteDescription(t webrtc.SDPType, sdp string) error {
	if err := r.peer.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to apply remote %s: %w", t, err)
	}
	return nil
}
