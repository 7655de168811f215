package state

import "context"

// Store is the small durable kv surface the bot needs: settings overrides,
// unwind idempotency markers, and operator bookkeeping.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent writes the value only when the key does not exist yet and
	// reports whether this call claimed the key. Used as the durable half of
	// the unwind-once guard.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
