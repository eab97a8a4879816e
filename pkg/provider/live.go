package provider

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// LiveTransport is one live session: a connected upstream feed together
// with the provider's subscribe/unsubscribe envelopes and message decoder.
// Read blocks for the next upstream message and returns the bars it
// decodes to; a message may decode to none.
type LiveTransport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, interval market.Interval, symbols []string) error
	Read(ctx context.Context) ([]market.Bar, error)
	Unsubscribe(ctx context.Context, symbols []string) error
	Close(ctx context.Context) error
}

// LiveRunner drives one listen window over a LiveTransport: it opens the
// session just before a bar boundary, keeps the freshest bar per symbol
// with ts on or before the boundary, and tears the session down at cutoff.
type LiveRunner struct {
	Transport LiveTransport
	// PostClose extends the window past the bar boundary so late frames
	// for the closing bar still land.
	PostClose time.Duration
	Logger    *slog.Logger
	// Now is the clock; tests substitute it.
	Now func() time.Time
}

func (r *LiveRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *LiveRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Collect runs one listen window and returns the final bar per symbol.
// Bars stamped after the boundary belong to the next interval and are
// discarded. Symbols that produced no bar are logged, never failed.
func (r *LiveRunner) Collect(ctx context.Context, interval market.Interval, symbols []string) ([]market.Bar, error) {
	barEnd, err := market.NextBoundary(interval, r.now())
	if err != nil {
		return nil, err
	}
	cutoff := barEnd.Add(r.PostClose)

	if err := r.Transport.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		// Teardown must run even when ctx is already dead.
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Transport.Unsubscribe(tctx, symbols); err != nil {
			r.logger().Debug("live unsubscribe failed", "error", err)
		}
		if err := r.Transport.Close(tctx); err != nil {
			r.logger().Debug("live session close failed", "error", err)
		}
	}()

	if err := r.Transport.Subscribe(ctx, interval, symbols); err != nil {
		return nil, err
	}

	latest := make(map[string]market.Bar, len(symbols))
	for {
		remaining := cutoff.Sub(r.now())
		if remaining <= 0 {
			break
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		bars, err := r.Transport.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break // window ended while blocked on the feed
			}
			return nil, err
		}

		for _, b := range bars {
			if b.Ts.After(barEnd) {
				continue
			}
			if cur, ok := latest[b.Symbol]; !ok || !b.Ts.Before(cur.Ts) {
				latest[b.Symbol] = b
			}
		}
	}

	var missing []string
	for _, sym := range symbols {
		if _, ok := latest[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		r.logger().Warn("listen window closed without bars for some symbols",
			"interval", interval, "bar_end", barEnd, "missing", missing)
	}

	out := make([]market.Bar, 0, len(latest))
	for _, b := range latest {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
