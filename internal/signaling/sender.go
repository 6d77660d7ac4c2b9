package signaling

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pocket-tunnel/internal/transport"
)

// sender serializes outgoing signaling messages to the WebSocket (private).
// ICE callbacks and the receiver loop both write through it.
type sender struct {
	peer *transport.Peer
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, applies it locally and sends it.
func (s *sender) sendOffer() error {
	return s.sendDescription(msgTypeOffer, s.peer.CreateOffer)
}

// sendAnswer creates an SDP answer, applies it locally and sends it.
func (s *sender) sendAnswer() error {
	return s.sendDescription(msgTypeAnswer, s.peer.CreateAnswer)
}

func (s *sender) sendDescription(t messageType, create func() (webrtc.SessionDescription, error)) error {
	sdp, err := create()
	if err != nil {
		return err
	}
	if err := s.peer.SetLocalDescription(sdp); err != nil {
		return err
	}
	return s.send(message{Type: t, SDP: sdp.SDP})
}

// sendCandidate forwards a gathered ICE candidate. The nil end-of-gathering
// marker is not sent.
func (s *sender) sendCandidate(c *webrtc.ICECandidate) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return err
	}
	return s.send(message{Type: msgTypeCandidate, Candidate: string(data)})
}
