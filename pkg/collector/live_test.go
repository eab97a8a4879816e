package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

type fakeLiveProvider struct {
	name string
	bars []market.Bar
	err  error

	gotInterval market.Interval
	gotSymbols  []string
	deadline    time.Time
	hadDeadline bool
}

func (f *fakeLiveProvider) Name() string        { return f.name }
func (f *fakeLiveProvider) Type() provider.Type { return provider.TypeRealtime }

func (f *fakeLiveProvider) AvailableSymbols(ctx context.Context) ([]market.SymbolInfo, error) {
	return nil, provider.ErrNotSupported
}

func (f *fakeLiveProvider) Close(ctx context.Context) error { return nil }

func (f *fakeLiveProvider) GetLive(ctx context.Context, interval market.Interval, symbols []string) ([]market.Bar, error) {
	f.gotInterval = interval
	f.gotSymbols = symbols
	f.deadline, f.hadDeadline = ctx.Deadline()
	return f.bars, f.err
}

func TestLive_Run_InsertsFinalBars(t *testing.T) {
	barEnd := time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)
	fp := &fakeLiveProvider{name: "krakenws", bars: []market.Bar{
		{Ts: barEnd, Symbol: "BTC/USD", Close: 64250},
		{Ts: barEnd, Symbol: "ETH/USD", Close: 3490},
	}}
	st := &fakeBarStore{}

	l := &Live{Providers: &fakeProviders{p: fp}, Store: st}
	require.NoError(t, l.Run(context.Background(), "krakenws", market.Interval1m, []string{"BTC/USD", "ETH/USD"}))

	calls := st.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, store.TableLive, calls[0].table)
	require.Len(t, calls[0].bars, 2)
	for _, b := range calls[0].bars {
		assert.Equal(t, "krakenws", b.Provider)
		assert.Equal(t, market.Interval1m, b.Interval)
	}
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, fp.gotSymbols)
	assert.Equal(t, market.Interval1m, fp.gotInterval)
}

func TestLive_Run_EmptyWindowInsertsNothing(t *testing.T) {
	fp := &fakeLiveProvider{name: "krakenws"}
	st := &fakeBarStore{}

	l := &Live{Providers: &fakeProviders{p: fp}, Store: st}
	require.NoError(t, l.Run(context.Background(), "krakenws", market.Interval1m, []string{"BTC/USD"}))
	assert.Empty(t, st.calls())
}

func TestLive_Run_DeadlineFromPreferences(t *testing.T) {
	fp := &fakeLiveProvider{name: "krakenws", bars: []market.Bar{{Symbol: "BTC/USD"}}}
	st := &fakeBarStore{}

	l := &Live{
		Providers: &fakeProviders{p: fp},
		Store:     st,
		Prefs: &fakePrefs{doc: map[string]map[string]any{
			"scheduling": {"pre_close_seconds": float64(5), "post_close_seconds": float64(5)},
		}},
	}

	before := time.Now()
	require.NoError(t, l.Run(context.Background(), "krakenws", market.Interval1m, []string{"BTC/USD"}))

	require.True(t, fp.hadDeadline, "the provider call must run under a deadline")
	// pre + post + 30s margin = 40s from the fire instant.
	window := fp.deadline.Sub(before)
	assert.InDelta(t, 40, window.Seconds(), 2.0)
}

func TestLive_Run_DefaultDeadlineWithoutPrefs(t *testing.T) {
	fp := &fakeLiveProvider{name: "krakenws", bars: []market.Bar{{Symbol: "BTC/USD"}}}

	l := &Live{Providers: &fakeProviders{p: fp}, Store: &fakeBarStore{}}
	before := time.Now()
	require.NoError(t, l.Run(context.Background(), "krakenws", market.Interval1m, []string{"BTC/USD"}))

	require.True(t, fp.hadDeadline)
	// Defaults 30 + 10 plus the 30s margin.
	assert.InDelta(t, 70, fp.deadline.Sub(before).Seconds(), 2.0)
}

func TestLive_Run_ProviderFailurePropagates(t *testing.T) {
	fp := &fakeLiveProvider{name: "krakenws", err: errors.New("websocket: close 1006")}
	st := &fakeBarStore{}

	l := &Live{Providers: &fakeProviders{p: fp}, Store: st}
	err := l.Run(context.Background(), "krakenws", market.Interval1m, []string{"BTC/USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1006")
	assert.Empty(t, st.calls(), "nothing may be written on a failed window")
}

func TestLive_Run_LoadFailurePropagates(t *testing.T) {
	l := &Live{
		Providers: &fakeProviders{loadErr: errors.New("artifact hash mismatch")},
		Store:     &fakeBarStore{},
	}
	err := l.Run(context.Background(), "krakenws", market.Interval1m, []string{"BTC/USD"})
	require.Error(t, err)
}
