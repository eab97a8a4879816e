package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/loader"
	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

type regSource struct {
	regs map[string]*store.Registration
}

func (s *regSource) ProviderRegistration(ctx context.Context, className string) (*store.Registration, error) {
	r, ok := s.regs[className]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

type listingProvider struct {
	name    string
	typ     provider.Type
	symbols []market.SymbolInfo
	listErr error
}

func (p *listingProvider) Name() string        { return p.name }
func (p *listingProvider) Type() provider.Type { return p.typ }

func (p *listingProvider) AvailableSymbols(ctx context.Context) ([]market.SymbolInfo, error) {
	return p.symbols, p.listErr
}

func (p *listingProvider) Close(ctx context.Context) error { return nil }

func writeWasmArtifact(t *testing.T, dir, name string, body []byte) (string, string) {
	t.Helper()
	content := append([]byte{0x00, 0x61, 0x73, 0x6d}, body...)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sum := sha256.Sum256(content)
	return path, hex.EncodeToString(sum[:])
}

// newTestService wires a real loader (with a stubbed artifact builder)
// behind the HTTP surface and returns an interservice client pointed at it.
func newTestService(t *testing.T, regs map[string]*store.Registration, build func(spec provider.BuildSpec) (provider.Provider, error)) (*interservice.Client, string) {
	t.Helper()

	provider.Register("wasm", func(ctx context.Context, spec provider.BuildSpec) (provider.Provider, error) {
		return build(spec)
	})

	root := t.TempDir()
	sec, err := secrets.NewContext([]byte("shared-master"))
	require.NoError(t, err)
	ld, err := loader.New(root, &regSource{regs: regs}, sec)
	require.NoError(t, err)

	svc := &Service{Loader: ld, Tokens: interservice.NewTokenSource(sec, "quasar-collector")}
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)

	client := interservice.NewClient(srv.URL, interservice.NewTokenSource(sec, "quasar-registry"))
	return client, root
}

func TestService_ValidateAcceptsGoodArtifact(t *testing.T) {
	client, root := newTestService(t, nil, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeHistorical}, nil
	})
	path, hash := writeWasmArtifact(t, root, "upload-1.wasm", []byte("candidate"))

	resp, err := client.ValidateProvider(context.Background(), interservice.ValidateRequest{
		ClassName: "alpaca",
		ClassType: "provider",
		FilePath:  path,
		FileHash:  hash,
	})
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, "Historical", resp.ClassSubtype)
}

func TestService_ValidateRejectsTamperedArtifact(t *testing.T) {
	client, root := newTestService(t, nil, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeHistorical}, nil
	})
	path, _ := writeWasmArtifact(t, root, "upload-1.wasm", []byte("candidate"))
	wrong := sha256.Sum256([]byte("what was registered"))

	_, err := client.ValidateProvider(context.Background(), interservice.ValidateRequest{
		ClassName: "alpaca", ClassType: "provider", FilePath: path, FileHash: hex.EncodeToString(wrong[:]),
	})
	var ue *interservice.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusUnprocessableEntity, ue.Status)
}

func TestService_ValidateRejectsEscapedPath(t *testing.T) {
	client, _ := newTestService(t, nil, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeHistorical}, nil
	})

	_, err := client.ValidateProvider(context.Background(), interservice.ValidateRequest{
		ClassName: "alpaca", ClassType: "provider", FilePath: "/etc/passwd", FileHash: "00",
	})
	var ue *interservice.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.Status)
}

func TestService_ValidateRejectsIncompleteRequest(t *testing.T) {
	client, _ := newTestService(t, nil, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeHistorical}, nil
	})

	_, err := client.ValidateProvider(context.Background(), interservice.ValidateRequest{ClassName: "alpaca"})
	var ue *interservice.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.Status)
}

func TestService_AvailableSymbols(t *testing.T) {
	regs := map[string]*store.Registration{}
	client, root := newTestService(t, regs, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeIndex, symbols: []market.SymbolInfo{
			{Symbol: "AAPL", Exchange: "NASDAQ"},
			{Symbol: "MSFT", Exchange: "NASDAQ"},
		}}, nil
	})
	path, hash := writeWasmArtifact(t, root, "sp500.wasm", []byte("index"))
	regs["sp500"] = &store.Registration{ClassName: "sp500", ClassType: store.ClassTypeProvider, FilePath: path, FileHash: hash}

	symbols, err := client.AvailableSymbols(context.Background(), "sp500")
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "AAPL", symbols[0].Symbol)
}

func TestService_AvailableSymbolsUnknownProviderIs404(t *testing.T) {
	client, _ := newTestService(t, nil, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeIndex}, nil
	})

	_, err := client.AvailableSymbols(context.Background(), "ghost")
	var ue *interservice.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.Status)
}

func TestService_AvailableSymbolsUnsupportedIs501(t *testing.T) {
	regs := map[string]*store.Registration{}
	client, root := newTestService(t, regs, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeRealtime, listErr: provider.ErrNotSupported}, nil
	})
	path, hash := writeWasmArtifact(t, root, "kraken.wasm", []byte("live"))
	regs["krakenws"] = &store.Registration{ClassName: "krakenws", ClassType: store.ClassTypeProvider, FilePath: path, FileHash: hash}

	_, err := client.AvailableSymbols(context.Background(), "krakenws")
	var ue *interservice.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotImplemented, ue.Status)
}

func TestService_UnloadIsIdempotent(t *testing.T) {
	regs := map[string]*store.Registration{}
	client, root := newTestService(t, regs, func(spec provider.BuildSpec) (provider.Provider, error) {
		return &listingProvider{name: spec.ClassName, typ: provider.TypeIndex, symbols: []market.SymbolInfo{{Symbol: "AAPL"}}}, nil
	})
	path, hash := writeWasmArtifact(t, root, "sp500.wasm", []byte("index"))
	regs["sp500"] = &store.Registration{ClassName: "sp500", ClassType: store.ClassTypeProvider, FilePath: path, FileHash: hash}

	// Load via a symbols call, then unload twice.
	_, err := client.AvailableSymbols(context.Background(), "sp500")
	require.NoError(t, err)
	require.NoError(t, client.UnloadProvider(context.Background(), "sp500"))
	require.NoError(t, client.UnloadProvider(context.Background(), "sp500"), "unloading an unloaded provider succeeds")
	require.NoError(t, client.UnloadProvider(context.Background(), "never-loaded"))
}

func TestService_InternalRoutesRequireToken(t *testing.T) {
	sec, err := secrets.NewContext([]byte("shared-master"))
	require.NoError(t, err)
	ld, err := loader.New(t.TempDir(), &regSource{}, sec)
	require.NoError(t, err)

	svc := &Service{Loader: ld, Tokens: interservice.NewTokenSource(sec, "quasar-collector")}
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/internal/providers/x/unload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open for probes.
	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestService_TokenFromWrongSecretRejected(t *testing.T) {
	// A client keyed to a different master secret cannot call in.
	otherSec, err := secrets.NewContext([]byte("other-master"))
	require.NoError(t, err)

	sec, err := secrets.NewContext([]byte("shared-master"))
	require.NoError(t, err)
	ld, err := loader.New(t.TempDir(), &regSource{}, sec)
	require.NoError(t, err)
	svc := &Service{Loader: ld, Tokens: interservice.NewTokenSource(sec, "quasar-collector")}
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	intruder := interservice.NewClient(srv.URL, interservice.NewTokenSource(otherSec, "quasar-registry"))
	err = intruder.UnloadProvider(context.Background(), "sp500")
	var ue *interservice.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusUnauthorized, ue.Status)
}
