// Package presence maintains the live, expiring record of which devices are
// currently connected, scoped per owning account.
//
// The tracker runs over an expiring key-value store (Redis in production, an
// in-memory twin in tests). Durable storage is reconciled periodically and
// is eventually consistent; dispatch correctness depends only on the live
// set.
package presence

import (
	"context"
	"time"
)

// Client is the expiring key-value surface the tracker needs. Each method is
// individually atomic against the backing store.
type Client interface {
	// SAdd adds a member to a set.
	SAdd(ctx context.Context, key, member string) error

	// SRem removes a member from a set.
	SRem(ctx context.Context, key, member string) error

	// SIsMember reports set membership.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// SMembers returns every member of a set. A missing key yields an empty
	// slice.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Expire sets a key's time to live. It returns false when the key does
	// not exist, and never creates one.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Set writes a string value with a time to live.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Keys returns the keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
}
