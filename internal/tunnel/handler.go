// Package tunnel implements the relay side of the tunnel protocol: clients
// authenticate with an association token, receive a tunnel id, and exchange
// Forward messages with the other slots of their pool.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/store"
	"github.com/1ureka/pocket-tunnel/internal/transport"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

// Tuning constants.
const (
	InboxBufferSize        = 64               // per-connection inbound packet queue
	DefaultInitiateTimeout = 10 * time.Second // connections must authenticate within this
)

// errNotInitiate is returned for the first packet of a connection when it is
// anything other than Initiate.
var errNotInitiate = errors.New("expected Initiate")

// Resolver maps an association token to the slot it grants.
type Resolver interface {
	Resolve(ctx context.Context, token string) (store.Association, error)
}

// Handler runs the relay state machine for client connections.
type Handler struct {
	registry *Registry
	resolver Resolver

	// InitiateTimeout bounds how long a connection may stay unauthenticated.
	InitiateTimeout time.Duration
}

// NewHandler creates a Handler that registers tunnels in reg and checks
// tokens with res.
func NewHandler(reg *Registry, res Resolver) *Handler {
	return &Handler{
		registry:        reg,
		resolver:        res,
		InitiateTimeout: DefaultInitiateTimeout,
	}
}

// Serve drives one client connection until it closes, ctx is cancelled or
// authentication fails. The transport is always closed on return.
//
// Packets are processed one at a time in arrival order: the first must be an
// Initiate, everything after that must carry the assigned tunnel id.
func (h *Handler) Serve(ctx context.Context, tr transport.Transport) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer tr.Close()

	inbox := make(chan *protocol.Packet, InboxBufferSize)
	tr.OnPacket(func(pkt *protocol.Packet, err error) {
		if err != nil {
			util.LogDebug("dropping undecodable packet: %v", err)
			return
		}
		select {
		case inbox <- pkt:
		case <-ctx.Done():
		}
	})

	deadline := time.NewTimer(h.InitiateTimeout)
	defer deadline.Stop()

	var t *Tunnel
	defer func() {
		if t == nil {
			return
		}
		h.registry.Remove(t)
		util.Stats.RemoveTunnel()
		util.LogInfo("[%08x] tunnel closed (pool %q, slot %d)", t.ID, t.Pool, t.Slot)
	}()

	for {
		select {
		case pkt := <-inbox:
			if t != nil {
				h.relay(t, pkt)
				continue
			}
			var err error
			t, err = h.initiate(ctx, tr, pkt)
			if err != nil {
				util.LogWarning("rejecting connection: %v", err)
				return
			}
			deadline.Stop()

		case <-deadline.C:
			if t == nil {
				util.LogWarning("rejecting connection: no Initiate within %s", h.InitiateTimeout)
				return
			}

		case <-tr.Done():
			return

		case <-ctx.Done():
			return
		}
	}
}

// initiate authenticates the connection and registers its tunnel.
func (h *Handler) initiate(ctx context.Context, tr transport.Transport, pkt *protocol.Packet) (*Tunnel, error) {
	msg, ok := pkt.Message.(protocol.Initiate)
	if !ok {
		return nil, fmt.Errorf("%w, got %s", errNotInitiate, pkt.Message.Type())
	}

	assoc, err := h.resolver.Resolve(ctx, msg.AssociationToken)
	if err != nil {
		return nil, err
	}

	t, err := h.registry.Register(assoc.Pool, assoc.Slot, tr)
	if err != nil {
		return nil, err
	}
	util.Stats.AddTunnel()

	// The client is not established until it reads this reply.
	if err := tr.SendPacket(protocol.UnestablishedTunnelID, protocol.Initiated{TunnelID: t.ID}); err != nil {
		return t, err
	}

	util.LogInfo("[%08x] tunnel established (pool %q, slot %d)", t.ID, t.Pool, t.Slot)
	return t, nil
}

// relay handles one packet of an established tunnel.
func (h *Handler) relay(t *Tunnel, pkt *protocol.Packet) {
	t.Touch(time.Now())

	if pkt.Header.TunnelID != t.ID {
		util.LogDebug("[%08x] dropping packet for tunnel %08x", t.ID, pkt.Header.TunnelID)
		return
	}

	switch msg := pkt.Message.(type) {
	case protocol.Forward:
		peer, ok := h.registry.Peer(t.Pool, msg.Index)
		if !ok {
			util.LogDebug("[%08x] no tunnel in slot %d of pool %q", t.ID, msg.Index, t.Pool)
			return
		}
		if err := peer.Send(protocol.Forward{Index: t.Slot, Message: msg.Message}); err != nil {
			util.LogDebug("[%08x] forward to %08x failed: %v", t.ID, peer.ID, err)
		}

	case protocol.KeepAlive:
		if err := t.Send(protocol.KeepAlive{}); err != nil {
			util.LogDebug("[%08x] keepalive reply failed: %v", t.ID, err)
		}

	default:
		util.LogDebug("[%08x] dropping unexpected %s", t.ID, msg.Type())
	}
}
