// Package bus provides the live-state client used by the gateway and the
// in-container wrapper: key/value state with TTL, FIFO queues, pub/sub
// topics, hashes and sets. The Redis implementation backs production;
// the in-process implementation backs tests and single-node development.
package bus

import (
	"context"
	"time"
)

// Subscription is a handle on a pub/sub topic subscription.
type Subscription interface {
	// Messages returns the channel of published payloads. It is closed
	// when the subscription is closed or the connection is lost.
	Messages() <-chan []byte
	// Close terminates the subscription.
	Close() error
}

// Client is the live-state bus. All blocking operations honor context
// cancellation. Missing keys read as nil, not errors; queue pops that
// time out return (nil, nil).
type Client interface {
	// Publish sends payload to every current subscriber of topic and
	// returns the number of receivers.
	Publish(ctx context.Context, topic string, payload []byte) (int64, error)
	// Subscribe registers for messages on topic.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Push appends to the tail of a queue (normal FIFO enqueue).
	Push(ctx context.Context, queue string, payload []byte) error
	// PushFront inserts at the head of a queue, ahead of pending items.
	PushFront(ctx context.Context, queue string, payload []byte) error
	// BlockingPop waits up to timeout for the head of the queue.
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Pop removes the head of the queue without blocking.
	Pop(ctx context.Context, queue string) ([]byte, error)
	// Trim keeps only the list elements between start and stop inclusive.
	Trim(ctx context.Context, key string, start, stop int64) error
	// Range returns list elements between start and stop inclusive.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// HashSet sets fields on a hash.
	HashSet(ctx context.Context, key string, fields map[string]string) error
	// HashGetAll returns all fields of a hash; empty map when missing.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// SetWithTTL stores a value that expires after ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value at key, or nil when missing.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching a glob pattern.
	DeletePattern(ctx context.Context, pattern string) error
	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SetAdd adds members to a set.
	SetAdd(ctx context.Context, key string, members ...string) error
	// SetRemove removes members from a set.
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetMembers returns all members of a set.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Ping verifies the connection.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}
