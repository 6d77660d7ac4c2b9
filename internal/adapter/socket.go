package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

// Endpoint is the local UDP socket standing in for one remote slot. The game
// talks to it as if it were that player.
type Endpoint struct {
	index uint8
	conn  *net.UDPConn

	closeOnce sync.Once
}

// listenEndpoint opens the endpoint for index on 127.0.0.1:port (0 for ephemeral).
func listenEndpoint(index uint8, port int) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to listen for slot %d on port %d: %w", index, port, err)
	}
	return &Endpoint{index: index, conn: conn}, nil
}

// Index returns the slot this endpoint stands in for.
func (e *Endpoint) Index() uint8 {
	return e.index
}

// Addr returns the local address the game should send to.
func (e *Endpoint) Addr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// WriteTo sends payload to addr from this endpoint.
func (e *Endpoint) WriteTo(payload []byte, addr *net.UDPAddr) error {
	_, err := e.conn.WriteToUDP(payload, addr)
	return err
}

// Close closes the socket, which also ends pump.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.conn.Close()
	})
	return err
}

// pump reads datagrams from the game and forwards them through c.
// It uses a blocking read; Close unblocks it.
func (e *Endpoint) pump(ctx context.Context, c *Client) {
	buf := make([]byte, protocol.MaxFieldLength)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				// Already shutting down.
			default:
				util.LogWarning("slot %d read error: %v", e.index, err)
			}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		c.forward(e.index, payload, from)
	}
}
