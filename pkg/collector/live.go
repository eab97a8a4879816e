package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ddm-j/quasar-sub001/pkg/barcache"
	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/observability"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// Live executes one live-subscription fire: it resolves the provider, runs
// the bounded listen window and writes the final bar per symbol into the
// live bar table, mirroring them into the cache.
type Live struct {
	Providers ProviderSource
	Store     BarStore
	Prefs     PrefsSource
	// Cache mirrors the freshest bars; nil disables mirroring.
	Cache *barcache.Cache

	Logger *slog.Logger
}

// Run collects the closing bars for one fire. The whole collection runs
// under a deadline of pre_close + post_close plus a fixed margin, so a hung
// upstream feed can never orphan a scheduler worker.
func (l *Live) Run(ctx context.Context, providerName string, interval market.Interval, symbols []string) error {
	log := l.logger().With("provider", providerName, "interval", interval)

	pre, post := l.windowSeconds(ctx, providerName, log)
	deadline := time.Duration(pre+post)*time.Second + deadlineMargin
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	p, err := l.Providers.Load(ctx, providerName)
	if err != nil {
		return fmt.Errorf("live fire: load %s: %w", providerName, err)
	}

	stream, err := provider.GetData(ctx, p, interval, symbols)
	if err != nil {
		return fmt.Errorf("live fire: %s: %w", providerName, err)
	}
	bars, err := stream.Collect()
	if err != nil {
		return fmt.Errorf("live fire: %s: %w", providerName, err)
	}

	if len(bars) == 0 {
		log.WarnContext(ctx, "listen window produced no bars", "symbols", len(symbols))
		return nil
	}

	for i := range bars {
		bars[i].Provider = providerName
		bars[i].Interval = interval
	}
	if err := l.Store.InsertBars(ctx, store.TableLive, bars); err != nil {
		return fmt.Errorf("live fire: insert %s: %w", providerName, err)
	}
	observability.AddSpanEvent(ctx, "bars.flushed", observability.FlushAttrs(store.TableLive, len(bars))...)
	l.Cache.Publish(ctx, bars)

	log.InfoContext(ctx, "live fire complete", "symbols", len(symbols), "bars", len(bars))
	return nil
}

// windowSeconds reads the listen-window preferences at fire time.
func (l *Live) windowSeconds(ctx context.Context, providerName string, log *slog.Logger) (pre, post int) {
	pre, post = 30, 10
	if l.Prefs == nil {
		return pre, post
	}
	doc, err := l.Prefs.ProviderPrefs(ctx, providerName)
	if err != nil {
		log.WarnContext(ctx, "preferences unavailable, using defaults", "error", err)
		return pre, post
	}
	pre = prefs.IntOr(doc, "scheduling", "pre_close_seconds", pre)
	post = prefs.IntOr(doc, "scheduling", "post_close_seconds", post)
	return pre, post
}

func (l *Live) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default().With("component", "collector")
}
