package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is the shared remote tier. Entries are stored as JSON with a
// backend expiration of the retention window, so stale reads inside the
// fallback window still resolve while Redis reclaims the rest.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) fetch(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("redis entry unmarshal: %w", err)
	}
	return e, true, nil
}

// Get returns the entry if present and within its TTL.
func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := r.fetch(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if e.Expired(key, time.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// GetStale returns the entry if it was written within maxAge.
func (r *Redis) GetStale(ctx context.Context, key string, maxAge time.Duration) (Entry, bool, error) {
	e, ok, err := r.fetch(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if time.Since(e.Timestamp) > maxAge {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set stores the entry with a backend expiration of the retention
// window. ttl == 0 applies the key prefix default.
func (r *Redis) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	if ttl > 0 {
		e.CustomTTLSeconds = ttl.Seconds()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis entry marshal: %w", err)
	}
	if err := r.client.Set(ctx, key, raw, RetentionWindow(key, e)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Exists reports whether a live (non-expired) entry is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := r.Get(ctx, key)
	return ok, err
}

// Flush clears the whole database.
func (r *Redis) Flush(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("redis flush: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

var _ Strategy = (*Redis)(nil)
