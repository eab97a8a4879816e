package wasm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
)

func init() {
	provider.Register("wasm", Build)
}

// invoker is the codec surface Provider drives. *Module satisfies it; tests
// substitute scripted codecs.
type invoker interface {
	Invoke(ctx context.Context, op string, in, out any) error
	Close(ctx context.Context) error
}

// Provider adapts one compiled codec artifact to the provider contract.
type Provider struct {
	mod       invoker
	desc      Descriptor
	ptype     provider.Type
	throttle  *provider.Throttle
	creds     provider.CredentialFunc
	client    *http.Client
	dialer    *websocket.Dialer
	log       *slog.Logger
	postClose time.Duration
	intervals map[market.Interval]bool
}

// Build compiles the artifact at spec.Path and interrogates it. The describe
// op must yield exactly one descriptor whose name equals the class name.
func Build(ctx context.Context, spec provider.BuildSpec) (provider.Provider, error) {
	raw, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("wasm: failed to read artifact: %w", err)
	}

	mod, err := Compile(ctx, raw, spec.ClassName, DefaultLimits())
	if err != nil {
		return nil, err
	}

	p, err := newProvider(ctx, mod, spec)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	return p, nil
}

func newProvider(ctx context.Context, mod invoker, spec provider.BuildSpec) (*Provider, error) {
	var dr describeResponse
	if err := mod.Invoke(ctx, opDescribe, struct{}{}, &dr); err != nil {
		return nil, err
	}
	if n := len(dr.Descriptors); n != 1 {
		return nil, fmt.Errorf("wasm: artifact declares %d provider classes, want exactly 1", n)
	}
	desc := dr.Descriptors[0]
	if desc.Name != spec.ClassName {
		return nil, fmt.Errorf("wasm: artifact class %q does not match registered name %q", desc.Name, spec.ClassName)
	}

	ptype, err := provider.ParseType(desc.ProviderType)
	if err != nil {
		return nil, err
	}

	var intervals map[market.Interval]bool
	if len(desc.Intervals) > 0 {
		intervals = make(map[market.Interval]bool, len(desc.Intervals))
		for _, s := range desc.Intervals {
			iv, err := market.ParseInterval(s)
			if err != nil {
				return nil, fmt.Errorf("wasm: descriptor of %s: %w", desc.Name, err)
			}
			intervals[iv] = true
		}
	}

	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	postClose := prefs.IntOr(spec.Prefs, "scheduling", "post_close_seconds", 10)

	return &Provider{
		mod:       mod,
		desc:      desc,
		ptype:     ptype,
		throttle:  provider.NewThrottle(desc.RateLimit, desc.MaxConcurrency),
		creds:     spec.Credentials,
		client:    &http.Client{Timeout: 60 * time.Second},
		dialer:    websocket.DefaultDialer,
		log:       logger.With("provider", desc.Name),
		postClose: time.Duration(postClose) * time.Second,
		intervals: intervals,
	}, nil
}

func (p *Provider) Name() string        { return p.desc.Name }
func (p *Provider) Type() provider.Type { return p.ptype }

func (p *Provider) supports(iv market.Interval) error {
	if !iv.Valid() {
		return &market.ErrUnsupportedInterval{Interval: string(iv)}
	}
	if p.intervals != nil && !p.intervals[iv] {
		return &market.ErrUnsupportedInterval{Interval: string(iv)}
	}
	return nil
}

func (p *Provider) credentials(ctx context.Context) (map[string]string, error) {
	if p.creds == nil {
		return nil, nil
	}
	return p.creds(ctx)
}

// fetch executes one planned HTTP call under the provider's throttle.
func (p *Provider) fetch(ctx context.Context, hr httpRequest) (int, []byte, error) {
	release, err := p.throttle.Acquire(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	var body io.Reader
	if len(hr.Body) > 0 {
		body = bytes.NewReader(hr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, hr.Method, hr.URL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("wasm: planned request invalid: %w", err)
	}
	for k, v := range hr.Header {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// GetHistory pulls closed bars for one request, following the codec's
// pagination cursor until exhausted.
func (p *Provider) GetHistory(ctx context.Context, req market.HistoryRequest) (*market.Stream, error) {
	if err := p.supports(req.Interval); err != nil {
		return nil, err
	}

	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}

	var plan planResponse
	err = p.mod.Invoke(ctx, opPlanHistory, planHistoryRequest{
		Credentials: creds,
		Symbol:      req.Symbol,
		Start:       req.Start,
		End:         req.End,
		Interval:    string(req.Interval),
	}, &plan)
	if err != nil {
		return nil, err
	}

	out := market.NewStream(256)
	go func() {
		queue := plan.Requests
		for len(queue) > 0 {
			hr := queue[0]
			queue = queue[1:]

			status, body, err := p.fetch(ctx, hr)
			if err != nil {
				out.Close(err)
				return
			}

			var dec decodeHistoryResponse
			err = p.mod.Invoke(ctx, opDecodeHistory, decodeHistoryRequest{
				Symbol:   req.Symbol,
				Interval: string(req.Interval),
				Status:   status,
				Body:     body,
			}, &dec)
			if err != nil {
				out.Close(err)
				return
			}

			for _, wb := range dec.Bars {
				if err := out.Send(ctx, wb.toBar(p.desc.Name, req.Symbol, req.Interval)); err != nil {
					out.Close(err)
					return
				}
			}
			if dec.Next != nil {
				queue = append(queue, *dec.Next)
			}
		}
		out.Close(nil)
	}()
	return out, nil
}

// GetHistoryMany satisfies batched pulls by sequencing GetHistory.
func (p *Provider) GetHistoryMany(ctx context.Context, reqs []market.HistoryRequest) (*market.Stream, error) {
	return provider.CollectMany(ctx, p, reqs, 256)
}

// GetLive opens one WebSocket listen window and returns the final bar per
// symbol.
func (p *Provider) GetLive(ctx context.Context, interval market.Interval, symbols []string) ([]market.Bar, error) {
	if err := p.supports(interval); err != nil {
		return nil, err
	}

	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}

	runner := &provider.LiveRunner{
		Transport: &session{
			mod:      p.mod,
			dialer:   p.dialer,
			creds:    creds,
			provider: p.desc.Name,
			log:      p.log,
		},
		PostClose: p.postClose,
		Logger:    p.log,
	}
	return runner.Collect(ctx, interval, symbols)
}

// AvailableSymbols enumerates upstream instruments when the codec declares
// the capability.
func (p *Provider) AvailableSymbols(ctx context.Context) ([]market.SymbolInfo, error) {
	if !p.desc.Capabilities.AvailableSymbols {
		return nil, provider.ErrNotSupported
	}

	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}

	var plan planResponse
	if err := p.mod.Invoke(ctx, opPlanSymbols, planSymbolsRequest{Credentials: creds}, &plan); err != nil {
		return nil, err
	}

	var out []market.SymbolInfo
	for _, hr := range plan.Requests {
		status, body, err := p.fetch(ctx, hr)
		if err != nil {
			return nil, err
		}
		var dec decodeSymbolsResponse
		if err := p.mod.Invoke(ctx, opDecodeSymbols, decodeSymbolsRequest{Status: status, Body: body}, &dec); err != nil {
			return nil, err
		}
		out = append(out, dec.Symbols...)
	}
	return out, nil
}

// Close releases the compiled artifact.
func (p *Provider) Close(ctx context.Context) error {
	return p.mod.Close(ctx)
}
