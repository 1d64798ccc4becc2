package queue

import (
	"context"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/shard"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []publishedMsg
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func connectedPublisher(t *testing.T, fc *fakeChannel) *Publisher {
	t.Helper()
	p := NewPublisher(Config{Exchange: "list_updates_sharded", NumShards: 4}, zerolog.Nop())
	p.ch = fc
	p.connected = true
	return p
}

func TestPublisherPublish(t *testing.T) {
	t.Parallel()

	t.Run("not connected", func(t *testing.T) {
		t.Parallel()

		p := NewPublisher(Config{Exchange: "list_updates_sharded", NumShards: 4}, zerolog.Nop())
		err := p.Publish(context.Background(), 101, event.Event{Action: event.ActionTaskAdded})
		require.ErrorIs(t, err, ErrNotConnected)
		assert.False(t, p.Connected())
	})

	t.Run("routes to the room's shard", func(t *testing.T) {
		t.Parallel()

		fc := &fakeChannel{}
		p := connectedPublisher(t, fc)

		err := p.Publish(context.Background(), 101, event.Event{
			Action:  event.ActionTaskAdded,
			Payload: []byte(`{"id":1}`),
		})
		require.NoError(t, err)

		require.Len(t, fc.published, 1)
		got := fc.published[0]
		assert.Equal(t, "list_updates_sharded", got.exchange)
		assert.Equal(t, shard.RoutingKey(shard.Index(101, 4)), got.key)
	})

	t.Run("persistent json delivery", func(t *testing.T) {
		t.Parallel()

		fc := &fakeChannel{}
		p := connectedPublisher(t, fc)

		require.NoError(t, p.Publish(context.Background(), 7, event.Event{Action: event.ActionTaskDeleted}))

		require.Len(t, fc.published, 1)
		got := fc.published[0].msg
		assert.Equal(t, uint8(amqp.Persistent), got.DeliveryMode)
		assert.Equal(t, event.ContentType, got.ContentType)

		ev, err := event.Decode(got.Body)
		require.NoError(t, err)
		assert.Equal(t, int64(7), ev.RoomID, "room id is stamped from the routing argument")
		assert.Equal(t, event.ActionTaskDeleted, ev.Action)
	})

	t.Run("same room always same key", func(t *testing.T) {
		t.Parallel()

		fc := &fakeChannel{}
		p := connectedPublisher(t, fc)

		for i := 0; i < 5; i++ {
			require.NoError(t, p.Publish(context.Background(), 33, event.Event{Action: event.ActionTaskUpdated}))
		}

		require.Len(t, fc.published, 5)
		for _, m := range fc.published {
			assert.Equal(t, fc.published[0].key, m.key)
		}
	})

	t.Run("channel error surfaces", func(t *testing.T) {
		t.Parallel()

		fc := &fakeChannel{publishErr: amqp.ErrClosed}
		p := connectedPublisher(t, fc)

		err := p.Publish(context.Background(), 101, event.Event{Action: event.ActionTaskAdded})
		require.Error(t, err)
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})
}

func TestPublisherClose(t *testing.T) {
	t.Parallel()

	fc := &fakeChannel{}
	p := connectedPublisher(t, fc)

	require.NoError(t, p.Close())
	assert.True(t, fc.closed)
	assert.False(t, p.Connected())

	err := p.Publish(context.Background(), 101, event.Event{Action: event.ActionTaskAdded})
	assert.ErrorIs(t, err, ErrNotConnected)

	// Close again is a no-op.
	require.NoError(t, p.Close())
}
