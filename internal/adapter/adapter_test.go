package adapter_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/pocket-tunnel/internal/adapter"
	"github.com/1ureka/pocket-tunnel/internal/config"
	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/store"
	"github.com/1ureka/pocket-tunnel/internal/transport"
	"github.com/1ureka/pocket-tunnel/internal/tunnel"
)

// Compile-time interface check.
var _ transport.Transport = (*mockTransport)(nil)

// mockTransport is one end of an in-process link. Packets go through the real
// codec and reach the other end's OnPacket handler after a random delay in
// [0, 20ms), so datagram reordering is exercised too. Closing either end
// closes the link.
type mockTransport struct {
	mu      sync.RWMutex
	handler func(*protocol.Packet, error)
	ready   chan struct{}
	once    sync.Once

	peer *mockTransport
	link *link
}

type link struct {
	done chan struct{}
	once sync.Once
}

// mockTransports creates a linked pair: a client end and a relay end.
func mockTransports() (client, relay *mockTransport) {
	l := &link{done: make(chan struct{})}
	client = &mockTransport{ready: make(chan struct{}), link: l}
	relay = &mockTransport{ready: make(chan struct{}), link: l}
	client.peer = relay
	relay.peer = client
	return client, relay
}

func (m *mockTransport) SendPacket(tunnelID uint32, msg protocol.Message) error {
	select {
	case <-m.link.done:
		return transport.ErrClosed
	default:
	}
	data, err := protocol.Encode(tunnelID, msg)
	if err != nil {
		return err
	}
	m.deliverToPeer(data)
	return nil
}

func (m *mockTransport) OnPacket(fn func(*protocol.Packet, error)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
	m.once.Do(func() { close(m.ready) })
}

func (m *mockTransport) Done() <-chan struct{} {
	return m.link.done
}

func (m *mockTransport) Close() error {
	m.link.once.Do(func() { close(m.link.done) })
	return nil
}

// deliverToPeer decodes data on the peer's side once its handler is registered.
func (m *mockTransport) deliverToPeer(data []byte) {
	go func() {
		delay := time.Duration(rand.Int63n(20)) * time.Millisecond

		select {
		case <-time.After(delay):
		case <-m.link.done:
			return
		}
		select {
		case <-m.peer.ready:
		case <-m.link.done:
			return
		}

		m.peer.mu.RLock()
		fn := m.peer.handler
		m.peer.mu.RUnlock()

		fn(protocol.Decode(data))
	}()
}

// scriptedTransport answers Initiate itself and records everything else.
// When early is set it is delivered right behind Initiated, on the same
// goroutine.
type scriptedTransport struct {
	mu      sync.Mutex
	handler func(*protocol.Packet, error)
	answer  bool
	early   protocol.Message

	sent chan *protocol.Packet
	done chan struct{}
	once sync.Once
}

func newScriptedTransport(answer bool) *scriptedTransport {
	return &scriptedTransport{
		answer: answer,
		sent:   make(chan *protocol.Packet, 64),
		done:   make(chan struct{}),
	}
}

const scriptedTunnelID = 42

func (s *scriptedTransport) SendPacket(tunnelID uint32, msg protocol.Message) error {
	pkt, err := protocol.Decode(mustEncode(tunnelID, msg))
	if err != nil {
		return err
	}
	if _, ok := msg.(protocol.Initiate); ok {
		if s.answer {
			go func() {
				s.inject(protocol.UnestablishedTunnelID, protocol.Initiated{TunnelID: scriptedTunnelID})
				if s.early != nil {
					s.inject(scriptedTunnelID, s.early)
				}
			}()
		}
		return nil
	}
	select {
	case s.sent <- pkt:
	default:
	}
	return nil
}

func (s *scriptedTransport) OnPacket(fn func(*protocol.Packet, error)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *scriptedTransport) Done() <-chan struct{} { return s.done }

func (s *scriptedTransport) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// inject hands a packet to the client as if the relay had sent it.
func (s *scriptedTransport) inject(tunnelID uint32, msg protocol.Message) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	fn(protocol.Decode(mustEncode(tunnelID, msg)))
}

func mustEncode(tunnelID uint32, msg protocol.Message) []byte {
	data, err := protocol.Encode(tunnelID, msg)
	if err != nil {
		panic(err)
	}
	return data
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type mapResolver map[string]store.Association

func (m mapResolver) Resolve(_ context.Context, token string) (store.Association, error) {
	a, ok := m[token]
	if !ok {
		return store.Association{}, store.ErrInvalidToken
	}
	return a, nil
}

func clientConfig(token string) config.ClientConfig {
	cfg := config.Default().Client
	cfg.RelayURL = "ws://relay.invalid"
	cfg.Token = token
	cfg.Slots = 2
	return cfg
}

// startClient runs a client and waits until its endpoints are listening.
func startClient(t *testing.T, ctx context.Context, tr transport.Transport, cfg config.ClientConfig) *adapter.Client {
	t.Helper()

	c := adapter.NewClient(tr, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case <-c.Ready():
		return c
	case err := <-errCh:
		t.Fatalf("client stopped before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("client not ready in time")
	}
	return nil
}

// listenGame opens a UDP socket standing in for a game instance.
func listenGame(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("game listen failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readGame reads one datagram with a deadline.
func readGame(t *testing.T, conn *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("game read failed: %v", err)
	}
	return buf[:n], from
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestClientsExchangeDatagrams exercises the full path:
//
//	[game A] <-> [Client A] <-> [mockTransport] <-> [tunnel.Handler] <-> [mockTransport] <-> [Client B] <-> [game B]
func TestClientsExchangeDatagrams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handler := tunnel.NewHandler(tunnel.NewRegistry(), mapResolver{
		"a": {Pool: "lan", Slot: 0},
		"b": {Pool: "lan", Slot: 1},
	})

	gameA := listenGame(t)
	gameB := listenGame(t)

	clientTrA, relayTrA := mockTransports()
	clientTrB, relayTrB := mockTransports()
	go handler.Serve(ctx, relayTrA)
	go handler.Serve(ctx, relayTrB)

	// Client A learns its game's address; client B has it configured.
	cfgB := clientConfig("b")
	cfgB.GameAddr = gameB.LocalAddr().String()

	a := startClient(t, ctx, clientTrA, clientConfig("a"))
	b := startClient(t, ctx, clientTrB, cfgB)

	if a.TunnelID() == b.TunnelID() {
		t.Fatalf("tunnel ids collide: %08x", a.TunnelID())
	}

	// Game A talks to slot 1 (B) through its local endpoint 1.
	if _, err := gameA.WriteToUDP([]byte("ping"), a.Endpoints()[1].Addr()); err != nil {
		t.Fatalf("game A write failed: %v", err)
	}

	got, from := readGame(t, gameB)
	if !bytes.Equal(got, []byte("ping")) {
		t.Errorf("payload mismatch at game B: got %q, want %q", got, "ping")
	}
	if want := b.Endpoints()[0].Addr(); !sameAddr(from, want) {
		t.Errorf("source mismatch at game B: got %s, want endpoint 0 %s", from, want)
	}

	// Game B answers the address it saw, which is A's stand-in.
	if _, err := gameB.WriteToUDP([]byte("pong"), from); err != nil {
		t.Fatalf("game B write failed: %v", err)
	}

	got, from = readGame(t, gameA)
	if !bytes.Equal(got, []byte("pong")) {
		t.Errorf("payload mismatch at game A: got %q, want %q", got, "pong")
	}
	if want := a.Endpoints()[1].Addr(); !sameAddr(from, want) {
		t.Errorf("source mismatch at game A: got %s, want endpoint 1 %s", from, want)
	}
}

func TestClientRejectedByRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handler := tunnel.NewHandler(tunnel.NewRegistry(), mapResolver{})
	clientTr, relayTr := mockTransports()
	go handler.Serve(ctx, relayTr)

	err := adapter.RunAsClient(ctx, clientTr, clientConfig("bogus"))
	if !errors.Is(err, adapter.ErrRelayClosed) {
		t.Errorf("error mismatch: got %v, want ErrRelayClosed", err)
	}
}

func TestClientInitiateTimeout(t *testing.T) {
	cfg := clientConfig("a")
	cfg.InitiateTimeout = 30 * time.Millisecond

	err := adapter.RunAsClient(context.Background(), newScriptedTransport(false), cfg)
	if !errors.Is(err, adapter.ErrInitiateTimeout) {
		t.Errorf("error mismatch: got %v, want ErrInitiateTimeout", err)
	}
}

func TestClientSendsKeepAlive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := clientConfig("a")
	cfg.KeepAliveInterval = 10 * time.Millisecond

	tr := newScriptedTransport(true)
	startClient(t, ctx, tr, cfg)

	select {
	case pkt := <-tr.sent:
		if _, ok := pkt.Message.(protocol.KeepAlive); !ok {
			t.Errorf("message type mismatch: got %T, want KeepAlive", pkt.Message)
		}
		if pkt.Header.TunnelID != scriptedTunnelID {
			t.Errorf("tunnel id mismatch: got %d, want %d", pkt.Header.TunnelID, scriptedTunnelID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no keepalive sent")
	}
}

func TestClientDropsForeignPackets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := listenGame(t)
	cfg := clientConfig("a")
	cfg.GameAddr = game.LocalAddr().String()

	tr := newScriptedTransport(true)
	startClient(t, ctx, tr, cfg)

	// Dropped: wrong tunnel id, unestablished header, and a slot with no endpoint.
	tr.inject(scriptedTunnelID+1, protocol.Forward{Index: 0, Message: []byte("wrong id")})
	tr.inject(protocol.UnestablishedTunnelID, protocol.Forward{Index: 0, Message: []byte("no id")})
	tr.inject(scriptedTunnelID, protocol.Forward{Index: 7, Message: []byte("no slot")})
	tr.inject(scriptedTunnelID, protocol.Forward{Index: 1, Message: []byte("ok")})

	got, _ := readGame(t, game)
	if !bytes.Equal(got, []byte("ok")) {
		t.Errorf("first datagram mismatch: got %q, want %q", got, "ok")
	}
}

func TestClientDeliversForwardRightAfterInitiated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := listenGame(t)
	cfg := clientConfig("a")
	cfg.GameAddr = game.LocalAddr().String()

	tr := newScriptedTransport(true)
	tr.early = protocol.Forward{Index: 0, Message: []byte("early")}
	c := startClient(t, ctx, tr, cfg)

	got, from := readGame(t, game)
	if !bytes.Equal(got, []byte("early")) {
		t.Errorf("payload mismatch: got %q, want %q", got, "early")
	}
	if want := c.Endpoints()[0].Addr(); !sameAddr(from, want) {
		t.Errorf("source mismatch: got %s, want endpoint 0 %s", from, want)
	}
}

func TestClientHoldsDatagramsBeforeInitiated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := clientConfig("a")
	cfg.InitiateTimeout = time.Minute

	tr := newScriptedTransport(false)
	c := adapter.NewClient(tr, cfg)
	go c.Run(ctx)

	// Endpoints open before Initiate is answered.
	deadline := time.Now().Add(5 * time.Second)
	for len(c.Endpoints()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("endpoints not opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	game := listenGame(t)
	if _, err := game.WriteToUDP([]byte("too soon"), c.Endpoints()[0].Addr()); err != nil {
		t.Fatalf("game write failed: %v", err)
	}

	select {
	case pkt := <-tr.sent:
		t.Errorf("sent %s before tunnel was established", pkt.Message.Type())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	tr := newScriptedTransport(true)
	c := adapter.NewClient(tr, clientConfig("a"))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	<-c.Ready()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	select {
	case <-tr.Done():
	default:
		t.Error("transport not closed after Run returned")
	}
}
