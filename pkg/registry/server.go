// Package registry implements the control plane HTTP service: artifact
// upload and deletion, asset listing sweeps, preference and credential
// management, and the operator summary surface. The database is the source
// of truth; collector-side state converges to it via reconciliation, so
// every collector call made here is forwarded or tolerated, never load
// bearing for persistence.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ddm-j/quasar-sub001/pkg/httpapi"
	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// Store is the registry's slice of the database layer.
type Store interface {
	UpsertRegistration(ctx context.Context, reg *store.Registration) error
	GetRegistration(ctx context.Context, className, classType string) (*store.Registration, error)
	ListRegistrations(ctx context.Context) ([]store.Registration, error)
	UpdatePreferences(ctx context.Context, className, classType string, preferences []byte) error
	UpdateCredentials(ctx context.Context, className, classType string, nonce, ciphertext []byte) error
	DeleteRegistration(ctx context.Context, className, classType string) (string, error)
	ClassSummaries(ctx context.Context) ([]store.ClassSummary, error)
	UpsertAssets(ctx context.Context, className, classType string, infos []market.SymbolInfo) (store.AssetStats, error)
	CreateAssetMapping(ctx context.Context, m store.AssetMapping) error
	ListAssetMappings(ctx context.Context) ([]store.AssetMapping, error)
	GetAssetMapping(ctx context.Context, commonSymbol, className, classType, classSymbol string) (*store.AssetMapping, error)
	UpdateAssetMapping(ctx context.Context, m store.AssetMapping) error
	DeleteAssetMapping(ctx context.Context, commonSymbol, className, classType, classSymbol string) error
}

// Collector is the inter-service surface the registry calls on the data
// plane. *interservice.Client satisfies it.
type Collector interface {
	ValidateProvider(ctx context.Context, req interservice.ValidateRequest) (*interservice.ValidateResponse, error)
	AvailableSymbols(ctx context.Context, className string) ([]market.SymbolInfo, error)
	UnloadProvider(ctx context.Context, className string) error
}

// Config assembles a Server.
type Config struct {
	Store     Store
	Collector Collector
	Secrets   *secrets.Context
	// Root is the artifact allow-list directory. Uploads are written under
	// it and deletions refuse to touch anything outside it.
	Root string
	// Tokens, when set, gates /internal/* behind bearer token verification.
	Tokens *interservice.TokenSource
	// CORS lists allowed origins for the /api surface; empty allows all.
	CORS    []string
	Logger  *slog.Logger
	Metrics prometheus.Registerer
}

// Server is the registry control plane.
type Server struct {
	store     Store
	collector Collector
	sec       *secrets.Context
	validator *prefs.Validator
	root      string
	tokens    *interservice.TokenSource
	cors      []string
	log       *slog.Logger
	requests  *prometheus.CounterVec
}

// New builds a Server. The preference schemas are compiled once here.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Collector == nil || cfg.Secrets == nil {
		return nil, errors.New("registry: store, collector and secrets are required")
	}
	root, err := filepath.Abs(filepath.Clean(cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("registry: resolve artifact root: %w", err)
	}
	validator, err := prefs.NewValidator()
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default().With("component", "registry")
	}

	s := &Server{
		store:     cfg.Store,
		collector: cfg.Collector,
		sec:       cfg.Secrets,
		validator: validator,
		root:      root,
		tokens:    cfg.Tokens,
		cors:      cfg.CORS,
		log:       log,
	}
	if cfg.Metrics != nil {
		s.requests = promauto.With(cfg.Metrics).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quasar_registry_http_requests_total",
				Help: "Registry HTTP requests by method and status code",
			},
			[]string{"code", "method"},
		)
	}
	return s, nil
}

// Routes assembles the handler tree.
func (s *Server) Routes() http.Handler {
	internal := http.NewServeMux()
	internal.HandleFunc("POST /internal/{class_type}/upload", s.handleUpload)
	internal.HandleFunc("DELETE /internal/delete/{class_type}/{class_name}", s.handleDelete)
	internal.HandleFunc("POST /internal/{class_type}/{class_name}/update-assets", s.handleUpdateAssets)
	internal.HandleFunc("POST /internal/update-all-assets", s.handleUpdateAllAssets)
	internal.HandleFunc("GET /internal/classes/summary", s.handleClassSummary)
	internal.HandleFunc("POST /internal/asset-mappings", s.handleMappingCreate)
	internal.HandleFunc("GET /internal/asset-mappings", s.handleMappingList)
	internal.HandleFunc("GET /internal/asset-mappings/{common_symbol}/{class_name}/{class_type}/{class_symbol}", s.handleMappingGet)
	internal.HandleFunc("PUT /internal/asset-mappings/{common_symbol}/{class_name}/{class_type}/{class_symbol}", s.handleMappingUpdate)
	internal.HandleFunc("DELETE /internal/asset-mappings/{common_symbol}/{class_name}/{class_type}/{class_symbol}", s.handleMappingDelete)

	var internalHandler http.Handler = internal
	if s.tokens != nil {
		internalHandler = s.tokens.Middleware(internalHandler)
	}

	root := http.NewServeMux()
	root.Handle("/internal/", internalHandler)
	root.HandleFunc("GET /api/registry/config/schema", s.handleConfigSchema)
	root.HandleFunc("PUT /api/registry/config", s.handleConfigUpdate)
	root.HandleFunc("GET /api/registry/config/secret-keys", s.handleSecretKeys)
	root.HandleFunc("PATCH /api/registry/config/secrets", s.handleSecretsUpdate)
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("GET /metrics", promhttp.Handler())

	handler := httpapi.CORSMiddleware(s.cors)(root)
	if s.requests != nil {
		handler = promhttp.InstrumentHandlerCounter(s.requests, handler)
	}
	return httpapi.RequestIDMiddleware(handler)
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("registry: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	s.log.Info("registry listening", "addr", listener.Addr().String(), "artifact_root", s.root)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return fmt.Errorf("registry: server failed: %w", err)
	}
}

// classKey reads the class_name/class_type query pair shared by the config
// endpoints, writing the 400 itself when either is missing.
func classKey(w http.ResponseWriter, r *http.Request) (className, classType string, ok bool) {
	className = r.URL.Query().Get("class_name")
	classType = r.URL.Query().Get("class_type")
	if className == "" || classType == "" {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"class_name and class_type query parameters are required")
		return "", "", false
	}
	return className, classType, true
}

// confined reports whether path lies under the artifact root. Row data is
// operator-writable, so file removals re-check confinement the way loads do.
func (s *Server) confined(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// writeUpstream translates a collector call failure into a response:
// protocol errors forward the collector's status, anything else is a 502.
func (s *Server) writeUpstream(w http.ResponseWriter, r *http.Request, err error) {
	var ue *interservice.UpstreamError
	if errors.As(err, &ue) {
		httpapi.WriteErrorR(w, r, ue.Status, ue.Title, ue.Detail)
		return
	}
	var be *interservice.BadUpstreamError
	if errors.As(err, &be) {
		httpapi.WriteErrorR(w, r, http.StatusBadGateway, "Bad Gateway", be.Snippet)
		return
	}
	httpapi.WriteErrorR(w, r, http.StatusBadGateway, "Bad Gateway", "collector request failed: "+err.Error())
}
