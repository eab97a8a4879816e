package wasm

import (
	"time"

	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
)

// Codec ops. Each is one instantiation with the op as argv[1].
const (
	opDescribe        = "describe"
	opPlanHistory     = "plan-history"
	opDecodeHistory   = "decode-history"
	opPlanSymbols     = "plan-symbols"
	opDecodeSymbols   = "decode-symbols"
	opDial            = "dial"
	opSubscribeFrames = "subscribe-frames"
	opUnsubFrames     = "unsubscribe-frames"
	opDecodeFrame     = "decode-frame"
)

// Descriptor is what the describe op yields. An artifact must yield exactly
// one, and its name must match the registered class name.
type Descriptor struct {
	Name           string              `json:"name"`
	ProviderType   string              `json:"provider_type"`
	Intervals      []string            `json:"intervals,omitempty"`
	RateLimit      *provider.RateLimit `json:"rate_limit,omitempty"`
	MaxConcurrency int                 `json:"max_concurrency,omitempty"`
	Capabilities   Capabilities        `json:"capabilities"`
}

// Capabilities flags the optional surfaces a codec implements.
type Capabilities struct {
	AvailableSymbols bool `json:"available_symbols,omitempty"`
}

type describeResponse struct {
	Descriptors []Descriptor `json:"descriptors"`
}

// httpRequest is a host-executed HTTP call planned by the codec.
type httpRequest struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"header,omitempty"`
	Body   []byte            `json:"body,omitempty"`
}

type planHistoryRequest struct {
	Credentials map[string]string `json:"credentials,omitempty"`
	Symbol      string            `json:"symbol"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Interval    string            `json:"interval"`
}

type planResponse struct {
	Requests []httpRequest `json:"requests"`
}

type decodeHistoryRequest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Status   int    `json:"status"`
	Body     []byte `json:"body"`
}

// wireBar mirrors the bar tuple; the host stamps provider and interval.
type wireBar struct {
	Ts     time.Time `json:"ts"`
	Symbol string    `json:"sym"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

type decodeHistoryResponse struct {
	Bars []wireBar `json:"bars"`
	// Next continues cursor pagination when non-nil.
	Next *httpRequest `json:"next,omitempty"`
}

type planSymbolsRequest struct {
	Credentials map[string]string `json:"credentials,omitempty"`
}

type decodeSymbolsRequest struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type decodeSymbolsResponse struct {
	Symbols []market.SymbolInfo `json:"symbols"`
}

type dialRequest struct {
	Credentials map[string]string `json:"credentials,omitempty"`
}

type dialResponse struct {
	URL    string            `json:"url"`
	Header map[string]string `json:"header,omitempty"`
}

type framesRequest struct {
	Credentials map[string]string `json:"credentials,omitempty"`
	Interval    string            `json:"interval"`
	Symbols     []string          `json:"symbols"`
}

type framesResponse struct {
	Frames [][]byte `json:"frames"`
}

type decodeFrameRequest struct {
	Interval string `json:"interval"`
	Message  []byte `json:"message"`
}

type decodeFrameResponse struct {
	Bars []wireBar `json:"bars"`
}

func (w wireBar) toBar(providerName, fallbackSymbol string, interval market.Interval) market.Bar {
	sym := w.Symbol
	if sym == "" {
		sym = fallbackSymbol
	}
	return market.Bar{
		Ts:       w.Ts.UTC(),
		Symbol:   sym,
		Provider: providerName,
		Interval: interval,
		Open:     w.Open,
		High:     w.High,
		Low:      w.Low,
		Close:    w.Close,
		Volume:   w.Volume,
	}
}
