package tunnel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/pocket-tunnel/internal/protocol"
	"github.com/1ureka/pocket-tunnel/internal/transport"
)

// ErrExhausted is returned when every usable tunnel id is taken.
var ErrExhausted = errors.New("no tunnel ids left")

// maxTunnels is the number of usable ids; UnestablishedTunnelID is reserved.
const maxTunnels = uint64(protocol.UnestablishedTunnelID)

// Tunnel is one established client connection, bound to a slot in a pool.
type Tunnel struct {
	ID   uint32
	Pool string
	Slot uint8

	tr       transport.Transport
	lastSeen atomic.Int64 // unix nanoseconds
}

// Send writes msg to the client behind this tunnel's header.
func (t *Tunnel) Send(msg protocol.Message) error {
	return t.tr.SendPacket(t.ID, msg)
}

// Touch records activity at now.
func (t *Tunnel) Touch(now time.Time) {
	t.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the time of the most recent activity.
func (t *Tunnel) LastSeen() time.Time {
	return time.Unix(0, t.lastSeen.Load())
}

// Close closes the underlying transport.
func (t *Tunnel) Close() error {
	return t.tr.Close()
}

type slotKey struct {
	pool string
	slot uint8
}

// Registry maintains the tunnel id → Tunnel and (pool, slot) → Tunnel route
// tables. Forwarding looks tunnels up by slot; the reaper walks them by id.
type Registry struct {
	mu     sync.Mutex
	next   uint32
	limit  uint64
	byID   map[uint32]*Tunnel
	bySlot map[slotKey]*Tunnel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		limit:  maxTunnels,
		byID:   make(map[uint32]*Tunnel),
		bySlot: make(map[slotKey]*Tunnel),
	}
}

// Register allocates an id for a tunnel bound to (pool, slot) over tr.
//
// A tunnel already holding the slot is replaced and its transport closed, so
// a reconnecting client takes its slot back without waiting for the reaper.
func (r *Registry) Register(pool string, slot uint8, tr transport.Transport) (*Tunnel, error) {
	r.mu.Lock()

	id, err := r.allocate()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	t := &Tunnel{ID: id, Pool: pool, Slot: slot, tr: tr}
	t.Touch(time.Now())

	key := slotKey{pool, slot}
	prev := r.bySlot[key]
	if prev != nil {
		delete(r.byID, prev.ID)
	}
	r.byID[id] = t
	r.bySlot[key] = t
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return t, nil
}

// allocate returns the next id that is neither reserved nor in use.
// r.mu must be held.
func (r *Registry) allocate() (uint32, error) {
	if uint64(len(r.byID)) >= r.limit {
		return 0, ErrExhausted
	}
	for {
		id := r.next
		r.next++
		if id == protocol.UnestablishedTunnelID {
			continue
		}
		if _, used := r.byID[id]; used {
			continue
		}
		return id, nil
	}
}

// Lookup returns the tunnel with the given id.
func (r *Registry) Lookup(id uint32) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// Peer returns the tunnel holding slot in pool.
func (r *Registry) Peer(pool string, slot uint8) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySlot[slotKey{pool, slot}]
	return t, ok
}

// Remove drops t from both tables. It reports false when t was already
// removed or replaced by a newer tunnel for the same slot.
func (r *Registry) Remove(t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[t.ID] != t {
		return false
	}
	delete(r.byID, t.ID)
	key := slotKey{t.Pool, t.Slot}
	if r.bySlot[key] == t {
		delete(r.bySlot, key)
	}
	return true
}

// Idle returns the tunnels with no activity since now minus timeout.
func (r *Registry) Idle(now time.Time, timeout time.Duration) []*Tunnel {
	cutoff := now.Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []*Tunnel
	for _, t := range r.byID {
		if t.LastSeen().Before(cutoff) {
			idle = append(idle, t)
		}
	}
	return idle
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
