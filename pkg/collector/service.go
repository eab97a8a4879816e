package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ddm-j/quasar-sub001/pkg/httpapi"
	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/loader"
	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// Service is the collector's internal HTTP surface. Every /internal/ route
// requires a bearer token minted from the shared master secret; only the
// registry holds one.
type Service struct {
	Loader *loader.Loader
	Tokens *interservice.TokenSource
	Logger *slog.Logger
}

// Routes assembles the handler tree.
func (s *Service) Routes() http.Handler {
	internal := http.NewServeMux()
	internal.HandleFunc("POST /internal/providers/validate", s.handleValidate)
	internal.HandleFunc("GET /internal/providers/{class_name}/available-symbols", s.handleAvailableSymbols)
	internal.HandleFunc("POST /internal/providers/{class_name}/unload", s.handleUnload)

	root := http.NewServeMux()
	root.Handle("/internal/", s.Tokens.Middleware(internal))
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("GET /metrics", promhttp.Handler())

	return httpapi.RequestIDMiddleware(root)
}

// Run binds addr and serves until ctx is cancelled, then shuts down
// gracefully. It fails fast when the port is unavailable.
func (s *Service) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("collector: bind %s: %w", addr, err)
	}
	defer listener.Close()

	srv := &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	s.logger().Info("collector service listening", "addr", listener.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// handleValidate dry-runs the full load gate against an uploaded artifact.
// The registry has already written the file into the allow-list root; no
// registration row exists yet.
func (s *Service) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req interservice.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.ClassName == "" || req.FilePath == "" || req.FileHash == "" {
		httpapi.WriteBadRequest(w, "class_name, file_path and file_hash are required")
		return
	}

	subtype, err := s.Loader.Validate(r.Context(), req.ClassName, req.FilePath, req.FileHash)
	switch {
	case err == nil:
	case errors.Is(err, loader.ErrOutsideRoot):
		httpapi.WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, secrets.ErrIntegrity):
		httpapi.WriteUnprocessable(w, err.Error())
		return
	default:
		// Anything the artifact itself caused: wrong format, zero or
		// multiple classes, name mismatch, compile failure.
		httpapi.WriteUnprocessable(w, err.Error())
		return
	}

	s.logger().InfoContext(r.Context(), "artifact validated", "provider", req.ClassName, "subtype", subtype)
	httpapi.WriteJSON(w, http.StatusOK, interservice.ValidateResponse{Valid: true, ClassSubtype: subtype})
}

// handleAvailableSymbols loads the provider (cache hit after the first
// call) and forwards its symbol listing.
func (s *Service) handleAvailableSymbols(w http.ResponseWriter, r *http.Request) {
	className := r.PathValue("class_name")

	p, err := s.Loader.Load(r.Context(), className)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		httpapi.WriteNotFound(w, fmt.Sprintf("no provider registered under %q", className))
		return
	case errors.Is(err, secrets.ErrIntegrity), errors.Is(err, loader.ErrOutsideRoot):
		httpapi.WriteErrorR(w, r, http.StatusInternalServerError, "Integrity Failure", err.Error())
		return
	default:
		httpapi.WriteInternal(w, err)
		return
	}

	symbols, err := p.AvailableSymbols(r.Context())
	if errors.Is(err, provider.ErrNotSupported) {
		httpapi.WriteNotImplemented(w, fmt.Sprintf("provider %q does not enumerate symbols", className))
		return
	}
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}
	if symbols == nil {
		symbols = []market.SymbolInfo{}
	}
	httpapi.WriteJSON(w, http.StatusOK, symbols)
}

// handleUnload evicts the cached instance. Idempotent: unloading a
// never-loaded provider succeeds, and a teardown error still evicts.
func (s *Service) handleUnload(w http.ResponseWriter, r *http.Request) {
	className := r.PathValue("class_name")

	if err := s.Loader.Unload(r.Context(), className); err != nil {
		s.logger().WarnContext(r.Context(), "unload teardown failed", "provider", className, "error", err)
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "unloaded", "class_name": className})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().With("component", "collector")
}
