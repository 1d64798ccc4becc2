// Package worker implements the shard-bound consumer: one long-running
// process per shard index that drains the shard's durable queue and
// republishes each event into its room's pub/sub channel.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/monitoring"
	"github.com/adred-codev/listwave/internal/shard"
)

// Forwarder feeds events into the fanout stage. Implemented by
// fanout.Broker.
type Forwarder interface {
	Publish(ctx context.Context, roomID int64, ev event.Event) error
}

// State of the consumer worker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateBound
	StateConsuming
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateConsuming:
		return "consuming"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config for a shard consumer.
type Config struct {
	URL        string
	Exchange   string
	ShardIndex int

	// Prefetch of 1 keeps at most one unacknowledged delivery in
	// flight, which is what preserves per-shard ordering.
	Prefetch int

	// RetryInterval between broker connection attempts. The connect
	// loop never gives up; the worker has no other job.
	RetryInterval time.Duration
}

// Consumer drains one shard's queue. Run blocks until the context is
// cancelled; broker outages are survived by reconnecting.
type Consumer struct {
	cfg    Config
	fwd    Forwarder
	logger zerolog.Logger
	state  atomic.Int32
}

// New creates a consumer for the configured shard.
func New(cfg Config, fwd Forwarder, logger zerolog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Consumer{
		cfg: cfg,
		fwd: fwd,
		logger: logger.With().
			Str("component", "consumer").
			Int("shard", cfg.ShardIndex).
			Logger(),
	}
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run executes the consumer until ctx is cancelled. A dropped broker
// connection sends it back through the connect loop; cancellation lets
// the in-flight delivery finish, then closes channel and connection.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		conn, ch, deliveries, err := c.bind(ctx)
		if err != nil {
			// Only context cancellation escapes the connect loop.
			return nil
		}

		c.setState(StateConsuming)
		c.logger.Info().
			Str("queue", shard.QueueName(c.cfg.ShardIndex)).
			Str("routing_key", shard.RoutingKey(c.cfg.ShardIndex)).
			Msg("Consuming")

		c.consume(ctx, deliveries)

		_ = ch.Close()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.logger.Info().Msg("Consumer stopped")
			return nil
		}

		c.setState(StateDisconnected)
		c.logger.Warn().Msg("Delivery stream closed, reconnecting")
	}
}

// bind dials the broker, declares the shared exchange and this shard's
// durable queue, binds them, applies QoS, and starts consuming. Retries
// on a fixed interval until it succeeds or ctx is cancelled.
func (c *Consumer) bind(ctx context.Context) (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
	queueName := shard.QueueName(c.cfg.ShardIndex)
	routingKey := shard.RoutingKey(c.cfg.ShardIndex)

	for {
		conn, ch, deliveries, err := c.tryBind(queueName, routingKey)
		if err == nil {
			c.setState(StateBound)
			return conn, ch, deliveries, nil
		}

		c.logger.Warn().
			Err(err).
			Dur("retry_in", c.cfg.RetryInterval).
			Msg("Broker connection failed, retrying")

		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

func (c *Consumer) tryBind(queueName, routingKey string) (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("declare exchange %q: %w", c.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("declare queue %q: %w", queueName, err)
	}
	if err := ch.QueueBind(queueName, routingKey, c.cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("bind queue %q to %q: %w", queueName, routingKey, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("start consume: %w", err)
	}
	return conn, ch, deliveries, nil
}

// consume iterates deliveries until the stream closes or ctx is
// cancelled. The shutdown check sits between deliveries, so the
// in-flight message always finishes.
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateShuttingDown)
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

// handle decides the fate of one delivery. Malformed bodies are acked
// and discarded (they will never become valid); a fanout failure nacks
// with requeue, trading possible duplicates for no silent loss; success
// acks only after the event reached the fanout stage.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	disp, ev, err := process(ctx, c.fwd, d.Body)
	switch disp {
	case ackDiscard:
		monitoring.EventsDiscarded.Inc()
		c.logger.Warn().Err(err).Msg("Discarding malformed event")
		_ = d.Ack(false)
	case requeue:
		monitoring.EventsRequeued.Inc()
		c.logger.Error().
			Err(err).
			Int64("room_id", ev.RoomID).
			Str("action", ev.Action).
			Msg("Fanout publish failed, requeueing")
		_ = d.Nack(false, true)
	case ackOK:
		monitoring.EventsConsumed.WithLabelValues(strconv.Itoa(c.cfg.ShardIndex)).Inc()
		c.logger.Debug().
			Int64("room_id", ev.RoomID).
			Str("action", ev.Action).
			Msg("Event forwarded")
		_ = d.Ack(false)
	}
}

type disposition int

const (
	ackOK disposition = iota
	ackDiscard
	requeue
)

// process is the pure part of delivery handling: decode, then forward.
func process(ctx context.Context, fwd Forwarder, body []byte) (disposition, event.Event, error) {
	ev, err := event.Decode(body)
	if err != nil {
		return ackDiscard, event.Event{}, err
	}
	if err := fwd.Publish(ctx, ev.RoomID, ev); err != nil {
		return requeue, ev, err
	}
	return ackOK, ev, nil
}
