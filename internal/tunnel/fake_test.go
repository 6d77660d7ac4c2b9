package tunnel

import (
	"sync"
	"testing"
	"time"

	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*fakeTransport)(nil)

// fakeTransport is an in-process transport. Every packet passes through the
// real codec in both directions so the tests see what a carrier would see.
type fakeTransport struct {
	mu        sync.Mutex
	handler   func(*protocol.Packet, error)
	ready     chan struct{}
	readyOnce sync.Once

	sent chan *protocol.Packet

	done chan struct{}
	once sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ready: make(chan struct{}),
		sent:  make(chan *protocol.Packet, 64),
		done:  make(chan struct{}),
	}
}

func (f *fakeTransport) SendPacket(tunnelID uint32, msg protocol.Message) error {
	select {
	case <-f.done:
		return transport.ErrClosed
	default:
	}
	data, err := protocol.Encode(tunnelID, msg)
	if err != nil {
		return err
	}
	pkt, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	select {
	case f.sent <- pkt:
		return nil
	case <-f.done:
		return transport.ErrClosed
	}
}

func (f *fakeTransport) OnPacket(fn func(*protocol.Packet, error)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
	f.readyOnce.Do(func() { close(f.ready) })
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// deliver encodes msg behind tunnelID and hands it to the registered handler
// as if it had arrived from the client.
func (f *fakeTransport) deliver(t *testing.T, tunnelID uint32, msg protocol.Message) {
	t.Helper()

	select {
	case <-f.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnPacket")
	}

	data, err := protocol.Encode(tunnelID, msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	pkt, err := protocol.Decode(data)

	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	fn(pkt, err)
}

// expectSent returns the next packet written to the client.
func (f *fakeTransport) expectSent(t *testing.T) *protocol.Packet {
	t.Helper()
	select {
	case pkt := <-f.sent:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outbound packet")
		return nil
	}
}

func (f *fakeTransport) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("transport was not closed")
	}
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
