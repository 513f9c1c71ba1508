// Package redis implements gryag.Coordinator on a Redis server so
// several bot processes share locks and rate-limit windows.
package redis

import (
	"context"
	"fmt"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
	"github.com/redis/go-redis/v9"
)

// Coordinator is the Redis-backed gryag.Coordinator. Locks map to
// SET NX PX, release to DEL, and windows to INCR with an expiry stamped
// on the first event of the window.
type Coordinator struct {
	client *redis.Client
}

var _ gryag.Coordinator = (*Coordinator)(nil)

// New connects to the Redis server at url (redis://host:port/db form)
// and verifies the connection with a ping.
func New(ctx context.Context, url string) (*Coordinator, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Coordinator{client: client}, nil
}

// Close releases the underlying connection pool.
func (c *Coordinator) Close() error {
	return c.client.Close()
}

// TryLock acquires key for ttl. Returns false while held elsewhere.
func (c *Coordinator) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, lockKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("trylock %s: %w", key, err)
	}
	return ok, nil
}

// Release frees key before its ttl expires.
func (c *Coordinator) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, lockKey(key)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Allow admits one event for key inside an expiring window. The counter
// key is created by the first INCR; ExpireNX stamps the window once so
// later events, admitted or denied, never extend it.
func (c *Coordinator) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	k := winKey(key)

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("allow %s: %w", key, err)
	}
	return incr.Val() <= int64(max), nil
}

func lockKey(key string) string { return "gryag:lock:" + key }
func winKey(key string) string  { return "gryag:win:" + key }
