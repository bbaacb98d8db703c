// Package substrate is the state substrate (C1): a single logical
// key/value + pub/sub store shared by every other component for durable
// metadata, cross-node channels, rate limits, caches, and blacklists.
//
// Store is deliberately small — six capability groups, matching
// spec.md §4.1 — so that a Redis-backed implementation and an in-memory
// test fake can both satisfy it without either leaking Redis-specific
// concepts (XADD, SETNX) into call sites.
package substrate

import (
	"context"
	"time"
)

// KV is the basic get/set/delete capability with optional TTL.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error) // coreerr.NotFound if absent
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// SetNX sets key only if absent, returning true if it won the race.
	// This is the primitive the simulation lease builds on.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Hasher is the per-key field/value map capability, used for per-client
// and per-server metadata.
type Hasher interface {
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// Setter is the set capability used for room membership and indexes.
type Setter interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
}

// Counter is the atomic-increment-with-TTL capability backing rate
// limit token buckets.
type Counter interface {
	// Incr increments key by 1, setting ttl only on first creation, and
	// returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Streamer is the bounded ring-of-recent-frames capability. It is
// optional per spec.md §4.1; the simulation service uses it to let a
// subscriber restart from a recent frame_index without replaying the
// whole session.
type Streamer interface {
	StreamAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) error
	// StreamRange returns entries with an ID greater than afterID (exclusive),
	// in ascending order, used to backfill a restarting subscriber.
	StreamRange(ctx context.Context, stream string, afterID string, count int64) ([]StreamEntry, error)
}

// StreamEntry is one ring-buffer entry.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// PubSub is the fan-out capability: publish-by-channel, FIFO per
// channel, no cross-channel ordering, no replay for late subscribers.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a Subscription whose Channel() yields messages
	// published after the call returns. Callers must call Close when
	// done so the underlying connection can be released.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// TxOp is one operation inside a Transact call. Only the handful of ops
// needed by multi-key invariants (spec.md §4.1: "register client = add
// to room set + write client hash") are modeled; this is not a general
// scripting facility.
type TxOp struct {
	Kind    TxKind
	Key     string
	Members []string          // for SAdd/SRem
	Fields  map[string]string // for HSet
	TTL     time.Duration
}

type TxKind int

const (
	TxSAdd TxKind = iota
	TxSRem
	TxHSet
	TxDel
)

// Store composes every substrate capability. Components depend on this
// interface, never on *redis.Client directly, so the Redis-backed and
// in-memory implementations are interchangeable in tests.
type Store interface {
	KV
	Hasher
	Setter
	Counter
	Streamer
	PubSub

	// Transact applies every op atomically: either all of them are
	// visible to a subsequent read, or none are. Used for invariants
	// that must not tear (spec.md §4.1).
	Transact(ctx context.Context, ops ...TxOp) error

	Close() error
}
