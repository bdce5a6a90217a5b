package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/errors"
)

// DeliveryGuard remembers webhook delivery ids so redelivered events are
// not executed twice.
type DeliveryGuard interface {
	// FirstDelivery records id and reports whether it was unseen within ttl.
	FirstDelivery(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Forget releases id so the next delivery carrying it is processed.
	Forget(ctx context.Context, id string) error
}

// MemoryGuard keeps delivery ids in process memory. Suitable for a single
// instance.
type MemoryGuard struct {
	mu    sync.Mutex
	clock clock.Clock
	seen  map[string]time.Time // id -> expiry
}

// NewMemoryGuard creates an in-memory guard.
func NewMemoryGuard(clk clock.Clock) *MemoryGuard {
	return &MemoryGuard{clock: clk, seen: make(map[string]time.Time)}
}

// FirstDelivery implements DeliveryGuard.
func (g *MemoryGuard) FirstDelivery(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[id]; ok {
		return false, nil
	}
	g.seen[id] = now.Add(ttl)
	return true, nil
}

// Forget implements DeliveryGuard.
func (g *MemoryGuard) Forget(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
	return nil
}

// RedisGuard shares delivery ids between instances through Redis.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard creates a guard storing keys under prefix.
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = "sendloop:webhook:delivery:"
	}
	return &RedisGuard{client: client, prefix: prefix}
}

// FirstDelivery implements DeliveryGuard with SET NX.
func (g *RedisGuard) FirstDelivery(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+id, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to record webhook delivery %s", id)
	}
	return ok, nil
}

// Forget implements DeliveryGuard.
func (g *RedisGuard) Forget(ctx context.Context, id string) error {
	if err := g.client.Del(ctx, g.prefix+id).Err(); err != nil {
		return errors.Wrapf(err, "failed to release webhook delivery %s", id)
	}
	return nil
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "failed to reach redis at %s", addr)
	}
	return rdb, nil
}
