// Package fanout distributes a room's event stream to every local
// subscriber. Shard consumer workers publish into a per-room pub/sub
// channel; each process that has viewers for a room runs at most one
// listener that forwards incoming payloads to its registered callbacks.
// The stream is transient: nothing is replayed, a reconnecting client
// re-fetches state instead.
package fanout

import "context"

// Subscription is a live pub/sub subscription to a single channel.
type Subscription interface {
	// Messages yields raw payloads until the subscription is closed or
	// its transport fails. The channel is closed in both cases.
	Messages() <-chan []byte

	// Close tears the subscription down. Idempotent.
	Close() error
}

// PubSub is the transport between shard workers and room listeners.
// Implementations: Redis for multi-process deployments, memory for
// tests and single-node setups.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
