// Package provider defines the contract market-data providers implement,
// the factory table dynamic artifacts are built through, and the shared
// machinery both collector kinds lean on: request throttling and the live
// listen-window loop.
//
// A provider is one of three kinds. Historical providers answer pull
// requests for closed bars; live (realtime) providers hold a session and
// push bars as they close; index providers only enumerate symbols. The
// unified GetData surface lets collectors treat the first two uniformly.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// Type tags the provider variant.
type Type string

const (
	TypeHistorical Type = "HISTORICAL"
	TypeRealtime   Type = "REALTIME"
	TypeIndex      Type = "INDEX"
)

// ErrNotSupported is returned by optional capabilities a concrete provider
// does not implement, e.g. symbol enumeration.
var ErrNotSupported = errors.New("provider: operation not supported")

// ParseType normalizes a provider_type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeHistorical, TypeRealtime, TypeIndex:
		return Type(s), nil
	}
	return "", fmt.Errorf("provider: unknown provider type %q", s)
}

// Subtype maps the type tag to the preference-schema subtype name.
func (t Type) Subtype() string {
	switch t {
	case TypeHistorical:
		return "Historical"
	case TypeRealtime:
		return "Live"
	case TypeIndex:
		return "Index"
	}
	return string(t)
}

// Provider is the capability set every variant shares.
type Provider interface {
	Name() string
	Type() Type

	// AvailableSymbols enumerates the instruments the upstream offers.
	// Providers without the capability return ErrNotSupported.
	AvailableSymbols(ctx context.Context) ([]market.SymbolInfo, error)

	// Close tears down sessions and releases the underlying artifact.
	Close(ctx context.Context) error
}

// Historical providers answer pull requests for closed bars, oldest first,
// inclusive of both endpoints.
type Historical interface {
	Provider
	GetHistory(ctx context.Context, req market.HistoryRequest) (*market.Stream, error)
	GetHistoryMany(ctx context.Context, reqs []market.HistoryRequest) (*market.Stream, error)
}

// Live providers collect the most recent fully-closed bar per symbol in a
// bounded listen window.
type Live interface {
	Provider
	GetLive(ctx context.Context, interval market.Interval, symbols []string) ([]market.Bar, error)
}

// GetData is the unified data surface: it dispatches on the provider's
// type and returns a lazy bar stream either way.
//
// Historical providers expect args = ([]market.HistoryRequest); live
// providers expect args = (market.Interval, []string).
func GetData(ctx context.Context, p Provider, args ...any) (*market.Stream, error) {
	switch p.Type() {
	case TypeHistorical:
		h, ok := p.(Historical)
		if !ok {
			return nil, fmt.Errorf("provider %s: tagged HISTORICAL but lacks the historical surface", p.Name())
		}
		if len(args) != 1 {
			return nil, fmt.Errorf("provider %s: get_data expects ([]HistoryRequest), got %d args", p.Name(), len(args))
		}
		reqs, ok := args[0].([]market.HistoryRequest)
		if !ok {
			return nil, fmt.Errorf("provider %s: get_data expects ([]HistoryRequest), got %T", p.Name(), args[0])
		}
		return h.GetHistoryMany(ctx, reqs)

	case TypeRealtime:
		l, ok := p.(Live)
		if !ok {
			return nil, fmt.Errorf("provider %s: tagged REALTIME but lacks the live surface", p.Name())
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("provider %s: get_data expects (Interval, []string), got %d args", p.Name(), len(args))
		}
		interval, ok := args[0].(market.Interval)
		if !ok {
			return nil, fmt.Errorf("provider %s: get_data expects (Interval, []string), got %T first arg", p.Name(), args[0])
		}
		symbols, ok := args[1].([]string)
		if !ok {
			return nil, fmt.Errorf("provider %s: get_data expects (Interval, []string), got %T second arg", p.Name(), args[1])
		}
		bars, err := l.GetLive(ctx, interval, symbols)
		if err != nil {
			return nil, err
		}
		s := market.NewStream(len(bars))
		for _, b := range bars {
			_ = s.Send(ctx, b)
		}
		s.Close(nil)
		return s, nil
	}
	return nil, fmt.Errorf("provider %s: type %s has no data surface", p.Name(), p.Type())
}

// CollectMany implements batched history as a sequential fan-in over
// GetHistory. Providers without a native batch path use it directly.
func CollectMany(ctx context.Context, h Historical, reqs []market.HistoryRequest, buf int) (*market.Stream, error) {
	out := market.NewStream(buf)
	go func() {
		for _, req := range reqs {
			s, err := h.GetHistory(ctx, req)
			if err != nil {
				out.Close(err)
				return
			}
			for b := range s.Bars() {
				if err := out.Send(ctx, b); err != nil {
					out.Close(err)
					return
				}
			}
			if err := s.Err(); err != nil {
				out.Close(err)
				return
			}
		}
		out.Close(nil)
	}()
	return out, nil
}
