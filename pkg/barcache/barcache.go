// Package barcache mirrors the freshest closed bar per provider and symbol
// into Redis so downstream consumers can read the latest quote without
// touching the warehouse. The cache is strictly best-effort: publish
// failures are logged and swallowed, a missing Redis never blocks
// ingestion.
package barcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// Cache is a thin go-redis wrapper. A nil *Cache is a valid disabled cache;
// every method no-ops on it, so callers never branch on configuration.
type Cache struct {
	rdb *redis.Client
	log *slog.Logger
}

// New connects to Redis at addr. An empty addr disables the cache and
// returns nil.
func New(addr string) *Cache {
	if addr == "" {
		return nil
	}
	return &Cache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		log: slog.Default().With("component", "barcache"),
	}
}

// Publish mirrors each bar under live:last:{provider}:{symbol} with a TTL
// of twice the bar interval, so stale entries age out on their own when a
// feed stops. Failures are logged, never returned.
func (c *Cache) Publish(ctx context.Context, bars []market.Bar) {
	if c == nil || len(bars) == 0 {
		return
	}

	pipe := c.rdb.Pipeline()
	for _, b := range bars {
		payload, err := json.Marshal(b)
		if err != nil {
			c.log.WarnContext(ctx, "bar not cacheable", "provider", b.Provider, "symbol", b.Symbol, "error", err)
			continue
		}
		pipe.Set(ctx, Key(b.Provider, b.Symbol), payload, TTL(b.Interval))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.WarnContext(ctx, "bar cache publish failed", "bars", len(bars), "error", err)
	}
}

// Last returns the cached bar for provider and symbol, or nil when nothing
// is cached (or the entry has expired).
func (c *Cache) Last(ctx context.Context, provider, symbol string) (*market.Bar, error) {
	if c == nil {
		return nil, nil
	}

	raw, err := c.rdb.Get(ctx, Key(provider, symbol)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("barcache: read %s/%s: %w", provider, symbol, err)
	}

	var b market.Bar
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("barcache: corrupt entry for %s/%s: %w", provider, symbol, err)
	}
	return &b, nil
}

// Ping verifies the connection. Used by health checks.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// Key is the cache key for a provider and symbol.
func Key(provider, symbol string) string {
	return fmt.Sprintf("live:last:%s:%s", provider, symbol)
}

// TTL is twice the bar interval, floored at two minutes for malformed
// intervals so nothing lives forever.
func TTL(iv market.Interval) time.Duration {
	d, err := iv.Duration()
	if err != nil {
		return 2 * time.Minute
	}
	return 2 * d
}
