package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/fanout"
	"github.com/adred-codev/listwave/internal/monitoring"
)

// Manager owns the per-room connection sets and exactly one fanout
// subscriber slot per room: registered with the first Join, released
// with the last Leave. Events delivered by the fanout broker are pushed
// to every live connection in the room; a failed push prunes that
// connection. No separate heartbeat is needed, delivery failure is the
// detection signal.
type Manager struct {
	broker     *fanout.Broker
	logger     zerolog.Logger
	bufferSize int

	// Guards rooms and each room's client set; also taken by the
	// delivery path when it prunes dead connections.
	mu    sync.Mutex
	rooms map[int64]*roomConns

	conns int64 // live connections, read atomically by the resource guard
}

type roomConns struct {
	clients    map[*Client]struct{}
	dispatcher *dispatcher
}

// dispatcher is the room's Notifiable: the typed capability the fanout
// broker calls back into instead of an anonymous closure.
type dispatcher struct {
	m      *Manager
	roomID int64
}

func (d *dispatcher) Deliver(ctx context.Context, ev event.Event) error {
	return d.m.push(ctx, d.roomID, ev)
}

// NewManager creates a connection manager on top of the fanout broker.
func NewManager(broker *fanout.Broker, bufferSize int, logger zerolog.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Manager{
		broker:     broker,
		logger:     logger.With().Str("component", "connections").Logger(),
		bufferSize: bufferSize,
		rooms:      make(map[int64]*roomConns),
	}
}

// ConnCount returns a pointer to the live connection counter for the
// resource guard. Read with atomic loads only.
func (m *Manager) ConnCount() *int64 {
	return &m.conns
}

// Join adds the connection to its room, registering the room's fanout
// subscriber first if this is the room's first connection.
func (m *Manager) Join(ctx context.Context, c *Client) error {
	m.mu.Lock()
	r, ok := m.rooms[c.roomID]
	if !ok {
		d := &dispatcher{m: m, roomID: c.roomID}
		if err := m.broker.Subscribe(ctx, c.roomID, d); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("join room %d: %w", c.roomID, err)
		}
		r = &roomConns{
			clients:    make(map[*Client]struct{}),
			dispatcher: d,
		}
		m.rooms[c.roomID] = r
	}
	r.clients[c] = struct{}{}
	m.mu.Unlock()

	atomic.AddInt64(&m.conns, 1)
	monitoring.ActiveConnections.Inc()
	m.logger.Info().
		Str("client_id", c.id).
		Int64("room_id", c.roomID).
		Str("user_id", c.principal.ID).
		Msg("Connection joined room")
	return nil
}

// Leave removes the connection from its room; the last connection out
// releases the room's fanout subscriber slot. Idempotent.
func (m *Manager) Leave(c *Client) {
	m.mu.Lock()
	removed := false
	if r, ok := m.rooms[c.roomID]; ok {
		if _, member := r.clients[c]; member {
			delete(r.clients, c)
			removed = true
		}
		if len(r.clients) == 0 {
			m.broker.Unsubscribe(c.roomID, r.dispatcher)
			delete(m.rooms, c.roomID)
		}
	}
	m.mu.Unlock()

	if removed {
		atomic.AddInt64(&m.conns, -1)
		monitoring.ActiveConnections.Dec()
		m.logger.Info().
			Str("client_id", c.id).
			Int64("room_id", c.roomID).
			Msg("Connection left room")
	}
}

// RoomSize reports the number of live connections in a room.
func (m *Manager) RoomSize(roomID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		return len(r.clients)
	}
	return 0
}

// push delivers one event to every connection currently in the room.
// The event is serialized once; each connection either queues it or is
// pruned. Delivery between connections is unordered, per connection it
// follows publish order because each client drains a single queue.
func (m *Manager) push(ctx context.Context, roomID int64, ev event.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	snapshot := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.enqueue(data) {
			monitoring.ConnectionsPruned.Inc()
			m.logger.Warn().
				Str("client_id", c.id).
				Int64("room_id", roomID).
				Msg("Delivery failed, pruning connection")
			c.close(ws.StatusPolicyViolation, "client too slow")
			m.Leave(c)
		}
	}
	return nil
}

// CloseAll disconnects every client, notifying each with a going-away
// close frame. Used during graceful shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	var all []*Client
	for _, r := range m.rooms {
		for c := range r.clients {
			all = append(all, c)
		}
	}
	m.mu.Unlock()

	for _, c := range all {
		c.close(ws.StatusGoingAway, reason)
		m.Leave(c)
	}
}
