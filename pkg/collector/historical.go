package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/observability"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// Historical executes one historical-subscription fire: per-symbol
// watermark lookup, gap-request generation, lazy drain of the provider's
// bar stream, batched bulk insert.
type Historical struct {
	Providers ProviderSource
	Store     BarStore
	Prefs     PrefsSource

	// BatchSize is the flush threshold; zero means DefaultBatchSize.
	BatchSize int
	Logger    *slog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Run pulls everything between each symbol's watermark and yesterday's
// close and bulk-loads it into the historical bar table.
func (h *Historical) Run(ctx context.Context, providerName string, interval market.Interval, symbols []string) error {
	log := h.logger().With("provider", providerName, "interval", interval)

	p, err := h.Providers.Load(ctx, providerName)
	if err != nil {
		return fmt.Errorf("historical fire: load %s: %w", providerName, err)
	}

	lookback := h.lookbackDays(ctx, providerName, log)

	watermarks, err := h.Store.Watermarks(ctx, providerName, symbols)
	if err != nil {
		return fmt.Errorf("historical fire: watermarks of %s: %w", providerName, err)
	}

	reqs := BuildRequests(symbols, watermarks, lookback, h.now(), interval)
	if len(reqs) == 0 {
		log.DebugContext(ctx, "all symbols caught up")
		return nil
	}

	stream, err := provider.GetData(ctx, p, reqs)
	if err != nil {
		return fmt.Errorf("historical fire: %s: %w", providerName, err)
	}

	inserted, err := h.drain(ctx, stream, providerName, interval)
	if err != nil {
		return fmt.Errorf("historical fire: %s: %w", providerName, err)
	}

	log.InfoContext(ctx, "historical fire complete", "requests", len(reqs), "bars", inserted)
	return nil
}

// BuildRequests computes the pull window per symbol:
//
//	start = (watermark ?? yesterday − lookback days) + 1 day
//
// where yesterday is the most recent fully-closed UTC date. Symbols whose
// start lands past yesterday are already caught up and emit nothing.
func BuildRequests(symbols []string, watermarks map[string]time.Time, lookbackDays int, now time.Time, interval market.Interval) []market.HistoryRequest {
	yesterday := market.DateUTC(now).AddDate(0, 0, -1)

	var reqs []market.HistoryRequest
	for _, sym := range symbols {
		base, ok := watermarks[sym]
		if ok {
			base = market.DateUTC(base)
		} else {
			base = yesterday.AddDate(0, 0, -lookbackDays)
		}
		start := base.AddDate(0, 0, 1)
		if start.After(yesterday) {
			continue
		}
		reqs = append(reqs, market.HistoryRequest{
			Symbol:   sym,
			Start:    start,
			End:      yesterday,
			Interval: interval,
		})
	}
	return reqs
}

// drain consumes the stream, stamping each bar with the subscription's
// provider and interval, flushing every BatchSize bars. A stream error
// discards the unflushed remainder; batches already written stay.
func (h *Historical) drain(ctx context.Context, s *market.Stream, providerName string, interval market.Interval) (int, error) {
	size := h.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	batch := make([]market.Bar, 0, size)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := h.Store.InsertBars(ctx, store.TableHistorical, batch); err != nil {
			return err
		}
		observability.AddSpanEvent(ctx, "bars.flushed",
			observability.FlushAttrs(store.TableHistorical, len(batch))...)
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for b := range s.Bars() {
		b.Provider = providerName
		b.Interval = interval
		batch = append(batch, b)
		if len(batch) >= size {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := s.Err(); err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func (h *Historical) lookbackDays(ctx context.Context, providerName string, log *slog.Logger) int {
	const def = 8000
	if h.Prefs == nil {
		return def
	}
	doc, err := h.Prefs.ProviderPrefs(ctx, providerName)
	if err != nil {
		log.WarnContext(ctx, "preferences unavailable, using defaults", "error", err)
		return def
	}
	return prefs.IntOr(doc, "data", "lookback_days", def)
}

func (h *Historical) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default().With("component", "collector")
}

func (h *Historical) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
