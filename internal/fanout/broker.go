package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/monitoring"
	"github.com/adred-codev/listwave/internal/shard"
)

// ErrBrokerClosed is returned by Subscribe after Close.
var ErrBrokerClosed = errors.New("fanout broker closed")

// Notifiable receives events delivered for a room. Implementations must
// respect the context deadline; a hung Deliver only delays the rest of
// its own room, never other rooms.
type Notifiable interface {
	Deliver(ctx context.Context, ev event.Event) error
}

// Broker holds, per room, at most one listener goroutine and a set of
// local subscribers. A listener exists exactly when the subscriber set
// is non-empty: it is started with the first Subscribe and torn down
// atomically with the last Unsubscribe.
type Broker struct {
	pubsub          PubSub
	logger          zerolog.Logger
	callbackTimeout time.Duration

	// Guards the room table and each room's subscriber set. All
	// subscribe/unsubscribe transitions are serialized here so two
	// concurrent first-subscribes cannot race to start two listeners.
	mu     sync.Mutex
	rooms  map[int64]*room
	closed bool
}

type room struct {
	subscribers map[Notifiable]struct{}
	sub         Subscription
	torndown    bool          // set before the subscription is closed on teardown
	done        chan struct{} // closed when the listener goroutine exits
}

// Config for the broker.
type Config struct {
	// CallbackTimeout bounds each Deliver call so one hung subscriber
	// cannot stall its room's listener forever. Zero means 5s.
	CallbackTimeout time.Duration
}

// NewBroker creates a room fanout broker on top of the given transport.
func NewBroker(pubsub PubSub, cfg Config, logger zerolog.Logger) *Broker {
	timeout := cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Broker{
		pubsub:          pubsub,
		logger:          logger.With().Str("component", "fanout").Logger(),
		callbackTimeout: timeout,
		rooms:           make(map[int64]*room),
	}
}

// Subscribe registers n under roomID. The first subscriber for a room
// opens the room's pub/sub subscription and starts its listener.
func (b *Broker) Subscribe(ctx context.Context, roomID int64, n Notifiable) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	r, ok := b.rooms[roomID]
	if !ok {
		sub, err := b.pubsub.Subscribe(ctx, shard.Channel(roomID))
		if err != nil {
			return fmt.Errorf("subscribe room %d: %w", roomID, err)
		}
		r = &room{
			subscribers: make(map[Notifiable]struct{}),
			sub:         sub,
			done:        make(chan struct{}),
		}
		b.rooms[roomID] = r
		monitoring.ActiveRooms.Inc()
		go b.listen(roomID, r)

		b.logger.Debug().Int64("room_id", roomID).Msg("Room listener started")
	}

	r.subscribers[n] = struct{}{}
	return nil
}

// Unsubscribe removes n from roomID. When the last subscriber leaves,
// the listener is cancelled and its subscription closed in the same
// critical section, so no listener can outlive an empty room.
func (b *Broker) Unsubscribe(roomID int64, n Notifiable) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[roomID]
	if !ok {
		return
	}
	delete(r.subscribers, n)
	if len(r.subscribers) == 0 {
		b.teardownLocked(roomID, r)
	}
}

// Publish serializes the event onto the room's channel. Which process
// runs the room's listener is irrelevant to the caller; this is how the
// shard consumer workers feed the fanout stage.
func (b *Broker) Publish(ctx context.Context, roomID int64, ev event.Event) error {
	ev.RoomID = roomID
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.pubsub.Publish(ctx, shard.Channel(roomID), payload); err != nil {
		return fmt.Errorf("publish room %d: %w", roomID, err)
	}
	monitoring.FanoutPublished.Inc()
	return nil
}

// SubscriberCount reports the current number of subscribers for a room.
func (b *Broker) SubscriberCount(roomID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return 0
	}
	return len(r.subscribers)
}

// RoomCount reports how many rooms currently hold a listener.
func (b *Broker) RoomCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

// Close tears down every room listener and rejects further subscribes.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	doneChans := make([]chan struct{}, 0, len(b.rooms))
	for roomID, r := range b.rooms {
		doneChans = append(doneChans, r.done)
		b.teardownLocked(roomID, r)
	}
	b.mu.Unlock()

	for _, done := range doneChans {
		<-done
	}
	return nil
}

// teardownLocked cancels a room's listener. Caller holds b.mu.
func (b *Broker) teardownLocked(roomID int64, r *room) {
	r.torndown = true
	_ = r.sub.Close()
	delete(b.rooms, roomID)
	monitoring.ActiveRooms.Dec()

	b.logger.Debug().Int64("room_id", roomID).Msg("Room listener stopped")
}

// listen forwards every payload on the room's channel to all currently
// registered subscribers, each awaited in turn under the callback
// timeout. A slow callback delays later callbacks for the same room but
// never another room's listener.
func (b *Broker) listen(roomID int64, r *room) {
	defer monitoring.RecoverPanic(b.logger, "room_listener")
	defer close(r.done)

	for payload := range r.sub.Messages() {
		ev, err := event.Decode(payload)
		if err != nil {
			b.logger.Warn().
				Err(err).
				Int64("room_id", roomID).
				Msg("Dropping undecodable room payload")
			continue
		}

		for _, n := range b.snapshot(r) {
			ctx, cancel := context.WithTimeout(context.Background(), b.callbackTimeout)
			err := n.Deliver(ctx, ev)
			cancel()

			monitoring.FanoutDeliveries.Inc()
			if err != nil {
				monitoring.FanoutDeliveryFailures.Inc()
				b.logger.Warn().
					Err(err).
					Int64("room_id", roomID).
					Str("action", ev.Action).
					Msg("Subscriber delivery failed")
			}
		}
	}

	// The message stream closed. On teardown that is expected; anything
	// else is a broken transport. The listener is not restarted here:
	// the gap is surfaced through logs and metrics for the operator.
	b.mu.Lock()
	torndown := r.torndown
	if !torndown {
		// Only drop the entry if it is still ours; a later Subscribe may
		// already have replaced it with a fresh room.
		if cur, ok := b.rooms[roomID]; ok && cur == r {
			delete(b.rooms, roomID)
			monitoring.ActiveRooms.Dec()
		}
	}
	b.mu.Unlock()

	if !torndown {
		monitoring.ListenerFailures.Inc()
		b.logger.Error().
			Int64("room_id", roomID).
			Msg("Room listener subscription broke, listener exiting")
	}
}

// snapshot copies the subscriber set so delivery runs without the lock.
func (b *Broker) snapshot(r *room) []Notifiable {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notifiable, 0, len(r.subscribers))
	for n := range r.subscribers {
		out = append(out, n)
	}
	return out
}
