package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

func regKey(className, classType string) string { return classType + "/" + className }

func mapKey(m store.AssetMapping) string {
	return m.CommonSymbol + "|" + m.ClassName + "|" + m.ClassType + "|" + m.ClassSymbol
}

type assetUpsert struct {
	className string
	classType string
	symbols   int
}

// fakeStore keeps registrations and mappings in maps, mirroring the real
// store's sentinel error semantics.
type fakeStore struct {
	mu       sync.Mutex
	regs     map[string]*store.Registration
	mappings map[string]store.AssetMapping
	upserts  []assetUpsert

	upsertAssetsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		regs:     make(map[string]*store.Registration),
		mappings: make(map[string]store.AssetMapping),
	}
}

func (f *fakeStore) put(reg *store.Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *reg
	f.regs[regKey(reg.ClassName, reg.ClassType)] = &cp
}

func (f *fakeStore) get(className, classType string) *store.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[regKey(className, classType)]
}

func (f *fakeStore) UpsertRegistration(ctx context.Context, reg *store.Registration) error {
	f.put(reg)
	return nil
}

func (f *fakeStore) GetRegistration(ctx context.Context, className, classType string) (*store.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.regs[regKey(className, classType)]
	if !ok {
		return nil, fmt.Errorf("%w: registration %s/%s", store.ErrNotFound, classType, className)
	}
	cp := *reg
	return &cp, nil
}

func (f *fakeStore) ListRegistrations(ctx context.Context) ([]store.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.regs))
	for k := range f.regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]store.Registration, 0, len(keys))
	for _, k := range keys {
		out = append(out, *f.regs[k])
	}
	return out, nil
}

func (f *fakeStore) UpdatePreferences(ctx context.Context, className, classType string, preferences []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.regs[regKey(className, classType)]
	if !ok {
		return fmt.Errorf("%w: registration %s/%s", store.ErrNotFound, classType, className)
	}
	reg.Preferences = append([]byte(nil), preferences...)
	return nil
}

func (f *fakeStore) UpdateCredentials(ctx context.Context, className, classType string, nonce, ciphertext []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.regs[regKey(className, classType)]
	if !ok {
		return fmt.Errorf("%w: registration %s/%s", store.ErrNotFound, classType, className)
	}
	reg.Nonce = append([]byte(nil), nonce...)
	reg.Ciphertext = append([]byte(nil), ciphertext...)
	return nil
}

func (f *fakeStore) DeleteRegistration(ctx context.Context, className, classType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.regs[regKey(className, classType)]
	if !ok {
		return "", fmt.Errorf("%w: registration %s/%s", store.ErrNotFound, classType, className)
	}
	delete(f.regs, regKey(className, classType))
	return reg.FilePath, nil
}

func (f *fakeStore) ClassSummaries(ctx context.Context) ([]store.ClassSummary, error) {
	regs, _ := f.ListRegistrations(ctx)
	out := make([]store.ClassSummary, 0, len(regs))
	for _, reg := range regs {
		out = append(out, store.ClassSummary{
			ClassName:    reg.ClassName,
			ClassType:    reg.ClassType,
			ClassSubtype: reg.ClassSubtype,
			UploadedAt:   reg.UploadedAt,
		})
	}
	return out, nil
}

func (f *fakeStore) UpsertAssets(ctx context.Context, className, classType string, infos []market.SymbolInfo) (store.AssetStats, error) {
	if f.upsertAssetsErr != nil {
		return store.AssetStats{}, f.upsertAssetsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, assetUpsert{className: className, classType: classType, symbols: len(infos)})
	return store.AssetStats{Added: len(infos)}, nil
}

func (f *fakeStore) CreateAssetMapping(ctx context.Context, m store.AssetMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mappings[mapKey(m)]; ok {
		return fmt.Errorf("%w: mapping %s", store.ErrExists, mapKey(m))
	}
	f.mappings[mapKey(m)] = m
	return nil
}

func (f *fakeStore) ListAssetMappings(ctx context.Context) ([]store.AssetMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.mappings))
	for k := range f.mappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]store.AssetMapping, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.mappings[k])
	}
	return out, nil
}

func (f *fakeStore) GetAssetMapping(ctx context.Context, commonSymbol, className, classType, classSymbol string) (*store.AssetMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := commonSymbol + "|" + className + "|" + classType + "|" + classSymbol
	m, ok := f.mappings[k]
	if !ok {
		return nil, fmt.Errorf("%w: mapping %s", store.ErrNotFound, k)
	}
	return &m, nil
}

func (f *fakeStore) UpdateAssetMapping(ctx context.Context, m store.AssetMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mappings[mapKey(m)]; !ok {
		return fmt.Errorf("%w: mapping %s", store.ErrNotFound, mapKey(m))
	}
	f.mappings[mapKey(m)] = m
	return nil
}

func (f *fakeStore) DeleteAssetMapping(ctx context.Context, commonSymbol, className, classType, classSymbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := commonSymbol + "|" + className + "|" + classType + "|" + classSymbol
	if _, ok := f.mappings[k]; !ok {
		return fmt.Errorf("%w: mapping %s", store.ErrNotFound, k)
	}
	delete(f.mappings, k)
	return nil
}

// fakeCollector scripts the inter-service surface.
type fakeCollector struct {
	mu        sync.Mutex
	validates []interservice.ValidateRequest
	unloaded  []string

	validateResp *interservice.ValidateResponse
	validateErr  error

	symbolsByClass    map[string][]market.SymbolInfo
	symbolsErrByClass map[string]error
	symbols           []market.SymbolInfo
	symbolsErr        error

	unloadErr error
}

func (f *fakeCollector) ValidateProvider(ctx context.Context, req interservice.ValidateRequest) (*interservice.ValidateResponse, error) {
	f.mu.Lock()
	f.validates = append(f.validates, req)
	f.mu.Unlock()
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	if f.validateResp != nil {
		return f.validateResp, nil
	}
	return &interservice.ValidateResponse{Valid: true, ClassSubtype: "Historical"}, nil
}

func (f *fakeCollector) AvailableSymbols(ctx context.Context, className string) ([]market.SymbolInfo, error) {
	if err, ok := f.symbolsErrByClass[className]; ok {
		return nil, err
	}
	if s, ok := f.symbolsByClass[className]; ok {
		return s, nil
	}
	return f.symbols, f.symbolsErr
}

func (f *fakeCollector) UnloadProvider(ctx context.Context, className string) error {
	f.mu.Lock()
	f.unloaded = append(f.unloaded, className)
	f.mu.Unlock()
	return f.unloadErr
}

func newSecrets(t *testing.T) *secrets.Context {
	t.Helper()
	sec, err := secrets.NewContext([]byte("registry-test-master"))
	require.NoError(t, err)
	return sec
}

type testRig struct {
	server    *Server
	store     *fakeStore
	collector *fakeCollector
	sec       *secrets.Context
	root      string
	url       string
	client    *http.Client
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st := newFakeStore()
	col := &fakeCollector{}
	sec := newSecrets(t)
	root := t.TempDir()

	srv, err := New(Config{
		Store:     st,
		Collector: col,
		Secrets:   sec,
		Root:      root,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testRig{
		server:    srv,
		store:     st,
		collector: col,
		sec:       sec,
		root:      root,
		url:       ts.URL,
		client:    ts.Client(),
	}
}

// do issues a request and decodes the JSON response into out when non-nil.
func (rig *testRig) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, rig.url+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := rig.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// multipartUpload builds an upload body with a file part and optional
// class_name/secrets fields.
func multipartUpload(t *testing.T, filename, className string, artifact []byte, secretsJSON string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if className != "" {
		require.NoError(t, mw.WriteField("class_name", className))
	}
	if secretsJSON != "" {
		require.NoError(t, mw.WriteField("secrets", secretsJSON))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(artifact)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (rig *testRig) upload(t *testing.T, classType, filename, className string, artifact []byte, secretsJSON string) *http.Response {
	t.Helper()

	body, contentType := multipartUpload(t, filename, className, artifact, secretsJSON)
	req, err := http.NewRequest(http.MethodPost, rig.url+"/internal/"+classType+"/upload", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	resp, err := rig.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// wasmArtifact fabricates module bytes that pass the collector's header
// sniff, padded with body so hashes differ.
func wasmArtifact(body string) []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, []byte(body)...)
}

func TestInternalSurfaceTokenGating(t *testing.T) {
	sec, err := secrets.NewContext([]byte("shared-master"))
	require.NoError(t, err)

	srv, err := New(Config{
		Store:     newFakeStore(),
		Collector: &fakeCollector{},
		Secrets:   sec,
		Root:      t.TempDir(),
		Tokens:    interservice.NewTokenSource(sec, "registry"),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/internal/classes/summary")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := interservice.NewTokenSource(sec, "operator-cli").Mint()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/internal/classes/summary", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The operator config surface stays open.
	resp, err = http.Get(ts.URL + "/api/registry/config/schema?class_name=x&class_type=provider")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "open surface reaches the handler")
}
