package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// OrderCache caches rendered order views. Postgres stays the source of truth;
// entries are dropped whenever an order changes.
type OrderCache struct{ R *redis.Client }

func (c *OrderCache) Get(ctx context.Context, orderID string) ([]byte, bool) {
	b, err := c.R.Get(ctx, fmt.Sprintf(KeyOrderView, orderID)).Bytes()
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func (c *OrderCache) Set(ctx context.Context, orderID string, view []byte) error {
	return c.R.Set(ctx, fmt.Sprintf(KeyOrderView, orderID), view, TTLOrderView).Err()
}

func (c *OrderCache) Invalidate(ctx context.Context, orderID string) error {
	return c.R.Del(ctx, fmt.Sprintf(KeyOrderView, orderID)).Err()
}

// Dedup remembers processed event ids for one consumer.
type Dedup struct {
	R       *redis.Client
	Service string
}

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	return Exists(ctx, d.R, fmt.Sprintf(KeyDedup, d.Service, eventID))
}

// Mark records eventID as processed. It reports false when it was already marked.
func (d *Dedup) Mark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	ok, err := d.R.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, eventID), "1", TTLDedup).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return ok, err
}
