package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrMiss = errors.New("cache: key not found")

// Kind groups entries that share a staleness tolerance.
type Kind string

const (
	KindPrice        Kind = "price"
	KindHistory      Kind = "history"
	KindNews         Kind = "news"
	KindFundamentals Kind = "fundamentals"
)

// Staleness maps a kind to how long its entries may be served.
type Staleness map[Kind]time.Duration

func DefaultStaleness() Staleness {
	return Staleness{
		KindPrice:        10 * time.Minute,
		KindHistory:      10 * time.Minute,
		KindNews:         time.Hour,
		KindFundamentals: 6 * time.Hour,
	}
}

// Backend stores raw bytes with an expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Cache is the process-scoped cache handed to every consumer that needs one.
type Cache struct {
	backend   Backend
	staleness Staleness
	group     singleflight.Group
}

func New(backend Backend, staleness Staleness) *Cache {
	if staleness == nil {
		staleness = DefaultStaleness()
	}
	return &Cache{backend: backend, staleness: staleness}
}

func (c *Cache) TTL(kind Kind) time.Duration {
	if ttl, ok := c.staleness[kind]; ok && ttl > 0 {
		return ttl
	}
	return 10 * time.Minute
}

func (c *Cache) Close() error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

func entryKey(kind Kind, key string) string {
	return fmt.Sprintf("%s:%s", kind, strings.ToUpper(strings.TrimSpace(key)))
}

// Get decodes the cached value into dest, reporting false on a miss.
func (c *Cache) Get(ctx context.Context, kind Kind, key string, dest any) (bool, error) {
	raw, err := c.backend.Get(ctx, entryKey(kind, key))
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cache entry %s/%s: %w", kind, key, err)
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, kind Kind, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, entryKey(kind, key), raw, c.TTL(kind))
}

// Invalidate drops one entry, or every entry of kind when key is empty.
func (c *Cache) Invalidate(ctx context.Context, kind Kind, key string) error {
	if strings.TrimSpace(key) == "" {
		return c.backend.DeletePrefix(ctx, string(kind)+":")
	}
	return c.backend.Delete(ctx, entryKey(kind, key))
}

// Refresh bypasses the cached value, loads a fresh one and stores it.
func Refresh[T any](ctx context.Context, c *Cache, kind Kind, key string, load func(context.Context) (T, error)) (T, error) {
	v, err, _ := c.group.Do("refresh:"+entryKey(kind, key), func() (any, error) {
		fresh, err := load(ctx)
		if err != nil {
			return fresh, err
		}
		if err := c.Set(ctx, kind, key, fresh); err != nil {
			return fresh, err
		}
		return fresh, nil
	})
	out, _ := v.(T)
	return out, err
}

// GetOrLoad serves a cached value when fresh, otherwise loads it once even
// when called concurrently for the same key.
func GetOrLoad[T any](ctx context.Context, c *Cache, kind Kind, key string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if ok, err := c.Get(ctx, kind, key, &cached); err == nil && ok {
		return cached, nil
	}
	v, err, _ := c.group.Do(entryKey(kind, key), func() (any, error) {
		fresh, err := load(ctx)
		if err != nil {
			return fresh, err
		}
		_ = c.Set(ctx, kind, key, fresh)
		return fresh, nil
	})
	out, _ := v.(T)
	return out, err
}
