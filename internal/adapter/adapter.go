// Package adapter is the client side of a tunnel. Given a Transport to the
// relay, it authenticates with an association token and bridges one local UDP
// endpoint per slot to the Forward messages of the tunnel.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/pocket-tunnel/internal/config"
	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/signaling"
	"github.com/1ureka/pocket-tunnel/internal/transport"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

var (
	// ErrInitiateTimeout is returned when the relay does not answer Initiate in time.
	ErrInitiateTimeout = errors.New("timed out waiting for Initiated")

	// ErrRelayClosed is returned when the transport shuts down under a running client.
	ErrRelayClosed = errors.New("relay connection closed")
)

// Client bridges local UDP endpoints to a tunnel. It is created by NewClient
// and driven by Run; callers that need the endpoint addresses wait on Ready.
type Client struct {
	tr  transport.Transport
	cfg config.ClientConfig

	tunnelID    atomic.Uint32
	established atomic.Bool
	initiated   chan struct{} // closed when Initiated arrives
	initOnce    sync.Once

	game   atomic.Pointer[net.UDPAddr] // where inbound payloads are written
	pinned bool                        // game address came from configuration

	mu        sync.Mutex
	endpoints []*Endpoint
	ready     chan struct{}
}

// NewClient creates a client for tr. Run must be called to start it.
func NewClient(tr transport.Transport, cfg config.ClientConfig) *Client {
	return &Client{
		tr:        tr,
		cfg:       cfg,
		initiated: make(chan struct{}),
		ready:     make(chan struct{}),
	}
}

// RunAsClient runs a client over tr until ctx is cancelled or the relay goes away.
func RunAsClient(ctx context.Context, tr transport.Transport, cfg config.ClientConfig) error {
	return NewClient(tr, cfg).Run(ctx)
}

// Dial connects to the relay at cfg.RelayURL over the configured carrier.
func Dial(ctx context.Context, cfg config.ClientConfig) (transport.Transport, error) {
	switch cfg.Carrier {
	case config.CarrierWebSocket:
		u, err := url.JoinPath(cfg.RelayURL, "tunnel")
		if err != nil {
			return nil, fmt.Errorf("invalid relay url: %w", err)
		}
		return transport.DialSocket(ctx, u)

	case config.CarrierWebRTC:
		u, err := url.JoinPath(cfg.RelayURL, "signal")
		if err != nil {
			return nil, fmt.Errorf("invalid relay url: %w", err)
		}
		return signaling.Dial(ctx, u)

	default:
		return nil, fmt.Errorf("unknown carrier %q", cfg.Carrier)
	}
}

// Ready returns a channel that is closed once the tunnel is established and
// every endpoint is listening.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// TunnelID returns the id assigned by the relay, valid after Ready.
func (c *Client) TunnelID() uint32 {
	return c.tunnelID.Load()
}

// Endpoints returns the local endpoints, valid after Ready.
func (c *Client) Endpoints() []*Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints
}

// Run opens the endpoints, performs the Initiate exchange and bridges traffic.
// Endpoints are open before Initiate is sent so a Forward that follows
// Initiated closely has somewhere to go. The transport is closed on return.
func (c *Client) Run(ctx context.Context) error {
	defer c.tr.Close()

	if c.cfg.GameAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", c.cfg.GameAddr)
		if err != nil {
			return fmt.Errorf("invalid game address: %w", err)
		}
		c.game.Store(addr)
		c.pinned = true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.listen(ctx); err != nil {
		return err
	}

	c.tr.OnPacket(c.handle)

	if err := c.initiate(ctx); err != nil {
		return err
	}
	util.Stats.AddTunnel()
	defer util.Stats.RemoveTunnel()
	util.LogSuccess("[%08x] tunnel established", c.TunnelID())

	close(c.ready)

	go c.keepAlive(ctx)

	select {
	case <-ctx.Done():
		return nil
	case <-c.tr.Done():
		return ErrRelayClosed
	}
}

// initiate sends the association token and waits until handle has recorded
// the assigned tunnel id.
func (c *Client) initiate(ctx context.Context) error {
	err := c.tr.SendPacket(protocol.UnestablishedTunnelID, protocol.Initiate{AssociationToken: c.cfg.Token})
	if err != nil {
		return fmt.Errorf("failed to send Initiate: %w", err)
	}

	timer := time.NewTimer(c.cfg.InitiateTimeout)
	defer timer.Stop()

	select {
	case <-c.initiated:
		return nil
	case <-timer.C:
		return ErrInitiateTimeout
	case <-c.tr.Done():
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// listen opens one endpoint per slot and starts their read loops.
func (c *Client) listen(ctx context.Context) error {
	endpoints := make([]*Endpoint, 0, c.cfg.Slots)
	for i := 0; i < c.cfg.Slots; i++ {
		port := 0
		if c.cfg.BasePort != 0 {
			port = c.cfg.BasePort + i
		}
		ep, err := listenEndpoint(uint8(i), port)
		if err != nil {
			for _, e := range endpoints {
				e.Close()
			}
			return err
		}
		endpoints = append(endpoints, ep)
		util.LogInfo("slot %d listening on %s", i, ep.Addr())
	}

	c.mu.Lock()
	c.endpoints = endpoints
	c.mu.Unlock()

	for _, ep := range endpoints {
		go func() {
			<-ctx.Done()
			ep.Close()
		}()
		go ep.pump(ctx, c)
	}
	return nil
}

// keepAlive sends KeepAlive every interval so the relay does not reap the tunnel.
func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.tr.SendPacket(c.TunnelID(), protocol.KeepAlive{}); err != nil {
				util.LogDebug("[%08x] keepalive failed: %v", c.TunnelID(), err)
				return
			}
		}
	}
}

// forward sends a datagram read by endpoint index to the relay.
func (c *Client) forward(index uint8, payload []byte, from *net.UDPAddr) {
	if !c.pinned {
		c.game.Store(from)
	}
	if !c.established.Load() {
		util.LogDebug("dropping %d bytes from slot %d before Initiated", len(payload), index)
		return
	}
	err := c.tr.SendPacket(c.TunnelID(), protocol.Forward{Index: index, Message: payload})
	if err != nil {
		util.LogDebug("[%08x] forward from slot %d failed: %v", c.TunnelID(), index, err)
	}
}

// handle processes one inbound packet from the relay.
func (c *Client) handle(pkt *protocol.Packet, err error) {
	if err != nil {
		util.LogDebug("dropping undecodable packet: %v", err)
		return
	}

	if !c.established.Load() {
		if msg, ok := pkt.Message.(protocol.Initiated); ok {
			c.initOnce.Do(func() {
				c.tunnelID.Store(msg.TunnelID)
				c.established.Store(true)
				close(c.initiated)
			})
			return
		}
		util.LogDebug("dropping %s before Initiated", pkt.Message.Type())
		return
	}

	id := c.TunnelID()
	if pkt.Header.TunnelID != id {
		util.LogDebug("[%08x] dropping packet for tunnel %08x", id, pkt.Header.TunnelID)
		return
	}

	switch msg := pkt.Message.(type) {
	case protocol.Forward:
		c.deliver(msg)
	case protocol.KeepAlive:
		// Echo of our own keepalive.
	default:
		util.LogDebug("[%08x] dropping unexpected %s", id, msg.Type())
	}
}

// deliver writes a forwarded payload to the game from endpoint msg.Index.
func (c *Client) deliver(msg protocol.Forward) {
	c.mu.Lock()
	var ep *Endpoint
	if int(msg.Index) < len(c.endpoints) {
		ep = c.endpoints[msg.Index]
	}
	c.mu.Unlock()

	if ep == nil {
		util.LogDebug("[%08x] no local endpoint for slot %d", c.TunnelID(), msg.Index)
		return
	}

	game := c.game.Load()
	if game == nil {
		util.LogDebug("[%08x] game address unknown, dropping %d bytes for slot %d", c.TunnelID(), len(msg.Message), msg.Index)
		return
	}

	if err := ep.WriteTo(msg.Message, game); err != nil {
		util.LogDebug("[%08x] write to game from slot %d failed: %v", c.TunnelID(), msg.Index, err)
	}
}
