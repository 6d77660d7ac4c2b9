// Package transport carries encoded tunnel packets between a client and the
// relay. Every carrier is message-oriented: one carrier message holds exactly
// one packet, so the codec never has to find packet boundaries itself.
package transport

import (
	"errors"

	"github.com/1ureka/pocket-tunnel/internal/protocol"
)

// ErrClosed is returned when sending on a transport that has shut down.
var ErrClosed = errors.New("transport closed")

// maxPacketSize is the largest packet the codec can produce: header, type,
// index, length prefix and a full payload.
const maxPacketSize = protocol.HeaderSize + 1 + 1 + 2 + protocol.MaxFieldLength

// Transport is implemented by every carrier.
type Transport interface {
	// SendPacket encodes msg behind a header for tunnelID and queues it.
	// Encoding errors are returned synchronously.
	SendPacket(tunnelID uint32, msg protocol.Message) error

	// OnPacket registers the callback for inbound packets. Packets that
	// arrive before the call are held for it. A buffer that fails to decode
	// is reported as (nil, err) and dropped.
	OnPacket(fn func(*protocol.Packet, error))

	// Done is closed once the transport has shut down.
	Done() <-chan struct{}

	// Close shuts the transport down.
	Close() error
}

// Compile-time interface checks.
var (
	_ Transport = (*Socket)(nil)
	_ Transport = (*Peer)(nil)
)
