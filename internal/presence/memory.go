// Package presence maintains the live record of connected devices.
//
// This file implements an in-memory expiring store with the same semantics
// as the Redis client. It backs unit tests; the clock is injectable so TTL
// behavior is testable without sleeping.
package presence

import (
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	members   map[string]bool // set members; nil for plain string values
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryClient is an in-memory Client implementation.
type MemoryClient struct {
	mu   sync.Mutex
	data map[string]*memoryEntry

	// Now is the clock used for expiry checks; overridable in tests.
	Now func() time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		data: make(map[string]*memoryEntry),
		Now:  time.Now,
	}
}

// live returns the entry for key if it exists and has not expired; expired
// entries are evicted on access.
func (c *MemoryClient) live(key string) *memoryEntry {
	e, ok := c.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !c.Now().Before(e.expiresAt) {
		delete(c.data, key)
		return nil
	}
	return e
}

func (c *MemoryClient) SAdd(_ context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		e = &memoryEntry{members: make(map[string]bool)}
		c.data[key] = e
	}
	if e.members == nil {
		e.members = make(map[string]bool)
	}
	e.members[member] = true
	return nil
}

func (c *MemoryClient) SRem(_ context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.live(key); e != nil {
		delete(e.members, member)
		if len(e.members) == 0 {
			delete(c.data, key)
		}
	}
	return nil
}

func (c *MemoryClient) SIsMember(_ context.Context, key, member string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.live(key); e != nil {
		return e.members[member], nil
	}
	return false, nil
}

func (c *MemoryClient) SMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		return nil, nil
	}
	members := make([]string, 0, len(e.members))
	for m := range e.members {
		members = append(members, m)
	}
	return members, nil
}

func (c *MemoryClient) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		return false, nil
	}
	e.expiresAt = c.Now().Add(ttl)
	return true, nil
}

func (c *MemoryClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.Now().Add(ttl)
	}
	c.data[key] = e
	return nil
}

func (c *MemoryClient) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.data, key)
	}
	return nil
}

func (c *MemoryClient) Keys(_ context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key := range c.data {
		if c.live(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
