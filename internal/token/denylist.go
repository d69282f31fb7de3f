package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Denylist tracks revoked access token ids (jti) until their natural expiry.
// It must be consulted synchronously on every token-validating request.
type Denylist interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// MemoryDenylist is a concurrency-safe in-process denylist. Entries carry
// their own expiry checked on read; there is no background sweeper.
type MemoryDenylist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryDenylist returns an empty in-process denylist.
func NewMemoryDenylist() *MemoryDenylist {
	return &MemoryDenylist{entries: make(map[string]time.Time), now: time.Now}
}

var _ Denylist = (*MemoryDenylist)(nil)

func (d *MemoryDenylist) Revoke(_ context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune()
	d.entries[jti] = until
	return nil
}

func (d *MemoryDenylist) Revoked(_ context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	d.mu.RLock()
	until, ok := d.entries[jti]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if d.now().After(until) {
		d.mu.Lock()
		delete(d.entries, jti)
		d.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// prune drops expired entries; called under the write lock so the map stays
// bounded by the number of live revocations.
func (d *MemoryDenylist) prune() {
	now := d.now()
	for jti, until := range d.entries {
		if now.After(until) {
			delete(d.entries, jti)
		}
	}
}

const redisDenylistPrefix = "idplane:denylist:"

// RedisDenylist shares revocations across replicas. TTL handling is delegated
// to Redis key expiry.
type RedisDenylist struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisDenylist wraps an existing Redis client.
func NewRedisDenylist(client *redis.Client) *RedisDenylist {
	return &RedisDenylist{client: client, now: time.Now}
}

var _ Denylist = (*RedisDenylist)(nil)

func (d *RedisDenylist) Revoke(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		// Already expired; nothing to deny.
		return nil
	}
	if err := d.client.Set(ctx, redisDenylistPrefix+jti, 1, ttl).Err(); err != nil {
		return fmt.Errorf("denylist revoke: %w", err)
	}
	return nil
}

func (d *RedisDenylist) Revoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	n, err := d.client.Exists(ctx, redisDenylistPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("denylist lookup: %w", err)
	}
	return n > 0, nil
}
