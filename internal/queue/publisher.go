// Package queue is the durable stage of the pipeline: a sharding
// publisher in front of an AMQP direct exchange. Each event is routed to
// the queue of its room's shard and marked persistent so it survives a
// broker restart while unacknowledged.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/monitoring"
	"github.com/adred-codev/listwave/internal/shard"
)

// ErrNotConnected is returned by Publish when Connect has not been
// called (or has not yet succeeded). Callers treat this as non-fatal:
// the write to the system of record already happened, a lost event only
// delays client state.
var ErrNotConnected = errors.New("publisher not connected, call Connect first")

// amqpChannel is the slice of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config for the publisher.
type Config struct {
	URL       string
	Exchange  string
	NumShards int
}

// Publisher routes room events onto the shared durable exchange.
// Safe for concurrent use once connected.
type Publisher struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        amqpChannel
	connected bool
}

// NewPublisher creates an unconnected publisher.
func NewPublisher(cfg Config, logger zerolog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// Connect dials the broker and declares the shared exchange. Idempotent:
// calling it again while connected is a no-op.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %q: %w", p.cfg.Exchange, err)
	}

	p.conn = conn
	p.ch = ch
	p.connected = true

	// Dropped connections flip the publisher back to disconnected;
	// subsequent publishes fail with ErrNotConnected until Connect
	// is called again.
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr := <-closed; amqpErr != nil {
			p.logger.Error().Err(amqpErr).Msg("Broker connection lost")
		}
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}()

	p.logger.Info().
		Str("exchange", p.cfg.Exchange).
		Int("num_shards", p.cfg.NumShards).
		Msg("Publisher connected")
	return nil
}

// Connected reports whether the publisher currently holds a broker channel.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Publish routes the event to its room's shard and enqueues it as a
// persistent message. Fire-and-forget from the caller's perspective:
// no consumer acknowledgement is awaited.
func (p *Publisher) Publish(ctx context.Context, roomID int64, ev event.Event) error {
	p.mu.Lock()
	ch := p.ch
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		monitoring.PublishFailures.Inc()
		return ErrNotConnected
	}

	ev.RoomID = roomID
	body, err := ev.Encode()
	if err != nil {
		monitoring.PublishFailures.Inc()
		return fmt.Errorf("encode event: %w", err)
	}

	index := shard.Index(roomID, p.cfg.NumShards)
	key := shard.RoutingKey(index)

	err = ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  event.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		monitoring.PublishFailures.Inc()
		return fmt.Errorf("publish to %s: %w", key, err)
	}

	monitoring.EventsPublished.WithLabelValues(strconv.Itoa(index)).Inc()
	p.logger.Debug().
		Int64("room_id", roomID).
		Str("action", ev.Action).
		Str("routing_key", key).
		Msg("Event published")
	return nil
}

// Close shuts the channel and connection down cleanly.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
