// Package collector implements the job bodies the scheduler fires — the
// historical backfill pull and the live listen-window collection — and the
// internal HTTP surface the registry drives them through (validate,
// available-symbols, unload).
//
// Both job bodies resolve their provider through the loader cache at fire
// time and read preferences fresh from the registry tables, so a
// configuration change takes effect on the next fire without a job rebind.
package collector

import (
	"context"
	"time"

	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
)

// DefaultBatchSize is the bulk-insert flush threshold.
const DefaultBatchSize = 500

// deadlineMargin pads the live listen window so teardown has time to run
// before the enclosing deadline fires.
const deadlineMargin = 30 * time.Second

// ProviderSource resolves a class name to its cached provider instance.
// Implemented by the loader.
type ProviderSource interface {
	Load(ctx context.Context, className string) (provider.Provider, error)
}

// BarStore is the slice of the database facade the collectors write
// through.
type BarStore interface {
	Watermarks(ctx context.Context, provider string, symbols []string) (map[string]time.Time, error)
	InsertBars(ctx context.Context, table string, bars []market.Bar) error
}

// PrefsSource yields the current preference document for a provider.
type PrefsSource interface {
	ProviderPrefs(ctx context.Context, className string) (map[string]map[string]any, error)
}
