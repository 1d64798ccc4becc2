package fanout

import (
	"context"
	"sync"
)

// MemoryPubSub is an in-process PubSub with the same drop-on-full
// semantics as a real broker-backed channel: a subscriber whose buffer
// is full loses the message rather than blocking the publisher.
// Safe for concurrent use.
type MemoryPubSub struct {
	mu         sync.RWMutex
	channels   map[string]map[*memorySubscription]struct{}
	bufferSize int
	closed     bool
}

// NewMemoryPubSub creates an in-memory pub/sub. bufferSize is the
// per-subscription channel buffer; a minimum of 1 is enforced.
func NewMemoryPubSub(bufferSize int) *MemoryPubSub {
	return &MemoryPubSub{
		channels:   make(map[string]map[*memorySubscription]struct{}),
		bufferSize: max(bufferSize, 1),
	}
}

func (m *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil
	}
	for sub := range m.channels[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Slow subscriber, payload dropped. The stream is transient
			// and clients re-fetch state, so this loses nothing durable.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySubscription{
		parent:  m,
		channel: channel,
		ch:      make(chan []byte, m.bufferSize),
	}
	if m.closed {
		close(sub.ch)
		sub.detached = true
		return sub, nil
	}

	subs, ok := m.channels[channel]
	if !ok {
		subs = make(map[*memorySubscription]struct{})
		m.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Close shuts every subscription down. Subsequent publishes are no-ops.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.channels {
		for sub := range subs {
			if !sub.detached {
				close(sub.ch)
				sub.detached = true
			}
		}
	}
	clear(m.channels)
	return nil
}

type memorySubscription struct {
	parent   *MemoryPubSub
	channel  string
	ch       chan []byte
	detached bool
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		defer s.parent.mu.Unlock()

		if s.detached {
			return
		}
		s.detached = true
		if subs, ok := s.parent.channels[s.channel]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.parent.channels, s.channel)
			}
		}
		close(s.ch)
	})
	return nil
}
