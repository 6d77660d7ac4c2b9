package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

// STUN servers for ICE candidate gathering.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Peer carries packets over a WebRTC DataChannel, one DataChannel message per
// packet. Ordering is not guaranteed, which suits forwarded game datagrams.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	incoming     chan []byte
	dispatchOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewPeer creates a Peer backed by a new PeerConnection and a pre-negotiated
// DataChannel. The caller performs signaling via the exposed methods
// (CreateOffer / CreateAnswer / …) before packets can flow.
func NewPeer(ctx context.Context) (*Peer, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &Peer{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		incoming:   make(chan []byte, recvBufferSize),
		ctx:        pCtx,
		cancel:     pCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
	})

	// DC close → cancel peer context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		pCancel()
	})

	// Record PC state; a failed connection never recovers.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			pCancel()
		}
	})

	// Inbound messages are queued from the start so nothing that arrives
	// before OnPacket is lost. A full queue stalls the channel's read loop.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case p.incoming <- msg.Data:
		case <-pCtx.Done():
		}
	})

	p.sender = newSender(pCtx, pCancel, dc, p.openSignal)

	return p, nil
}

// newPeerConnection creates a PeerConnection configured with the STUN servers.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, unordered DataChannel. Using
// negotiated mode (ID 0) lets both sides create the channel independently
// without relying on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (p *Peer) Ready() <-chan struct{} {
	return p.openSignal
}

// Done returns a channel that is closed when the Peer is shut down
// (DataChannel closed, connection failed or parent context cancelled).
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() error {
	p.cancel()
	return errors.Join(p.dc.Close(), p.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// SendPacket encodes msg and queues it for the sender goroutine.
func (p *Peer) SendPacket(tunnelID uint32, msg protocol.Message) error {
	data, err := protocol.Encode(tunnelID, msg)
	if err != nil {
		return err
	}
	return p.sender.send(p.ctx, data)
}

// OnPacket registers a callback invoked for every inbound DataChannel
// message, starting with any queued before the call. Only the first call has
// any effect.
func (p *Peer) OnPacket(fn func(*protocol.Packet, error)) {
	p.dispatchOnce.Do(func() {
		go p.dispatch(fn)
	})
}

func (p *Peer) dispatch(fn func(*protocol.Packet, error)) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case data := <-p.incoming:
			util.Stats.AddRecv(len(data))
			pkt, err := protocol.Decode(data)
			if err != nil {
				util.Stats.AddDecodeError()
			}
			fn(pkt, err)
		}
	}
}
