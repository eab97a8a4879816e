// Package market holds the core market-data types shared by providers,
// collectors and the storage layer: OHLCV bars, interval grids and the
// streaming surface collectors consume.
package market

import (
	"fmt"
	"time"
)

// Bar is a single OHLCV record. Ts is the bar-close instant in UTC.
// Within a (provider, interval) stream bars are idempotent under (Ts, Symbol).
type Bar struct {
	Ts       time.Time `json:"ts"`
	Symbol   string    `json:"symbol"`
	Provider string    `json:"provider"`
	Interval Interval  `json:"interval"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// String renders a compact human-readable form used in logs.
func (b Bar) String() string {
	return fmt.Sprintf("%s %s/%s %s o=%g h=%g l=%g c=%g v=%g",
		b.Ts.UTC().Format(time.RFC3339), b.Provider, b.Symbol, b.Interval,
		b.Open, b.High, b.Low, b.Close, b.Volume)
}

// SymbolInfo describes one tradable symbol as reported by a provider's
// available-symbols listing. Fields map onto the assets table columns.
type SymbolInfo struct {
	Symbol        string `json:"symbol"`
	ExternalID    string `json:"external_id,omitempty"`
	ISIN          string `json:"isin,omitempty"`
	Name          string `json:"name,omitempty"`
	Exchange      string `json:"exchange,omitempty"`
	AssetClass    string `json:"asset_class,omitempty"`
	BaseCurrency  string `json:"base_currency,omitempty"`
	QuoteCurrency string `json:"quote_currency,omitempty"`
	Country       string `json:"country,omitempty"`
}

// HistoryRequest asks a historical provider for bars covering
// [Start, End] inclusive at the given interval. Start and End are
// UTC dates (midnight instants).
type HistoryRequest struct {
	Symbol   string    `json:"symbol"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Interval Interval  `json:"interval"`
}

// DateUTC truncates t to its UTC calendar date (midnight instant).
func DateUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
