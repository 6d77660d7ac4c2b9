package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

const (
	writeTimeout     = 10 * time.Second
	socketOutboxSize = 64 // outgoing packet channel capacity
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Socket carries packets as binary WebSocket messages.
//
// Writes go through a single writer goroutine; reads start with the first
// OnPacket call. The socket shuts down when ctx is cancelled, Close is
// called or either direction fails.
type Socket struct {
	conn   *websocket.Conn
	outbox chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{} // closed by writeLoop after the connection is closed

	readOnce sync.Once
}

// NewSocket wraps an established WebSocket connection.
func NewSocket(ctx context.Context, conn *websocket.Conn) *Socket {
	sCtx, sCancel := context.WithCancel(ctx)
	conn.SetReadLimit(maxPacketSize)

	s := &Socket{
		conn:   conn,
		outbox: make(chan []byte, socketOutboxSize),
		ctx:    sCtx,
		cancel: sCancel,
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// DialSocket connects to a relay's WebSocket endpoint.
func DialSocket(ctx context.Context, url string) (*Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewSocket(ctx, conn), nil
}

// Upgrade upgrades an HTTP request to a Socket bound to ctx.
func Upgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Socket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewSocket(ctx, conn), nil
}

// RemoteAddr returns the peer's network address.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// SendPacket encodes msg and queues it for the writer goroutine.
func (s *Socket) SendPacket(tunnelID uint32, msg protocol.Message) error {
	data, err := protocol.Encode(tunnelID, msg)
	if err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case s.outbox <- data:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// OnPacket starts the read loop. Only the first call has any effect.
func (s *Socket) OnPacket(fn func(*protocol.Packet, error)) {
	s.readOnce.Do(func() {
		go s.readLoop(fn)
	})
}

// Done returns a channel that is closed when the socket shuts down.
func (s *Socket) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close shuts the socket down and waits for the connection to be closed.
func (s *Socket) Close() error {
	s.cancel()
	<-s.closed
	return nil
}

// writeLoop is the only goroutine that writes to the connection.
func (s *Socket) writeLoop() {
	defer close(s.closed)
	defer s.conn.Close()

	for {
		select {
		case data := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				util.LogDebug("websocket write to %s failed: %v", s.RemoteAddr(), err)
				s.cancel()
				return
			}
			util.Stats.AddSent(len(data))

		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop decodes every binary message and hands it to fn.
func (s *Socket) readLoop(fn func(*protocol.Packet, error)) {
	defer s.cancel()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					util.LogDebug("websocket read from %s failed: %v", s.RemoteAddr(), err)
				}
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		util.Stats.AddRecv(len(data))
		pkt, err := protocol.Decode(data)
		if err != nil {
			util.Stats.AddDecodeError()
		}
		fn(pkt, err)
	}
}
