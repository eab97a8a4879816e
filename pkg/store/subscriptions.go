package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// Subscription is one aggregated row of the subscriptions view: every
// provider_subscription row sharing (provider, interval, cron) collapses
// into a single job carrying the symbol set.
type Subscription struct {
	Provider string
	Interval market.Interval
	Cron     string
	Symbols  []string
}

// Key is the scheduler's job identity for this subscription.
func (s Subscription) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.Provider, s.Interval, s.Cron)
}

// Subscriptions fetches the aggregated subscriptions view the scheduler
// reconciles against.
func (s *Store) Subscriptions(ctx context.Context) ([]Subscription, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT provider, interval, cron, array_agg(sym ORDER BY sym)
		FROM provider_subscription
		GROUP BY provider, interval, cron
		ORDER BY provider, interval, cron`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: subscriptions query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var interval string
		if err := rows.Scan(&sub.Provider, &interval, &sub.Cron, pq.Array(&sub.Symbols)); err != nil {
			return nil, fmt.Errorf("store: subscription scan failed: %w", err)
		}
		sub.Interval = market.Interval(interval)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: subscriptions iteration failed: %w", err)
	}
	return out, nil
}

// Watermarks returns last_updated per symbol for one provider. Symbols that
// have never been ingested are absent from the map.
func (s *Store) Watermarks(ctx context.Context, provider string, symbols []string) (map[string]time.Time, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return map[string]time.Time{}, nil
	}

	const q = `
		SELECT sym, last_updated
		FROM historical_symbol_state
		WHERE provider = $1 AND sym = ANY($2)`

	rows, err := db.QueryContext(ctx, q, provider, pq.Array(symbols))
	if err != nil {
		return nil, fmt.Errorf("store: watermark query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time, len(symbols))
	for rows.Next() {
		var sym string
		var last time.Time
		if err := rows.Scan(&sym, &last); err != nil {
			return nil, fmt.Errorf("store: watermark scan failed: %w", err)
		}
		out[sym] = market.DateUTC(last)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: watermark iteration failed: %w", err)
	}
	return out, nil
}
