// The quasar-registry binary serves the control plane: provider artifact
// upload, preference and credential management, asset listings and the
// operator summary surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ddm-j/quasar-sub001/pkg/config"
	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/observability"
	"github.com/ddm-j/quasar-sub001/pkg/registry"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("registry exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sec, err := secrets.Load(ctx, cfg.SecretMode, cfg.MasterSecretPath)
	if err != nil {
		return fmt.Errorf("master secret: %w", err)
	}

	st := store.New()
	if err := st.Open(ctx, cfg.DatabaseURL); err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}
	if n, err := st.SeedIdentities(ctx, cfg.ManifestDir); err != nil {
		logger.Warn("identity seeding skipped", "error", err)
	} else if n > 0 {
		logger.Info("identities seeded", "count", n)
	}

	obs := initTelemetry(ctx, cfg, "quasar-registry")
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown incomplete", "error", err)
		}
	}()

	tokens := interservice.NewTokenSource(sec, "registry")

	regCfg := registry.Config{
		Store:     st,
		Collector: interservice.NewClient(cfg.CollectorURL, tokens),
		Secrets:   sec,
		Root:      cfg.ProviderRoot,
		CORS:      splitOrigins(cfg.CORSOrigins),
		Logger:    logger.With("component", "registry"),
		Metrics:   prometheus.DefaultRegisterer,
	}
	if cfg.InternalAuth {
		regCfg.Tokens = tokens
	}

	srv, err := registry.New(regCfg)
	if err != nil {
		return err
	}

	logger.Info("registry starting",
		"port", cfg.Port,
		"collector", cfg.CollectorURL,
		"provider_root", cfg.ProviderRoot,
		"internal_auth", cfg.InternalAuth,
	)
	return srv.Run(ctx, ":"+cfg.Port)
}

// newLogger installs a JSON slog handler at the configured level as the
// process default.
func newLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(logger)
	return logger
}

// initTelemetry builds the OTel provider; export is enabled only when an
// OTLP endpoint is configured. Telemetry failures never block startup.
func initTelemetry(ctx context.Context, cfg *config.Config, service string) *observability.Provider {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = service
	obsCfg.Environment = cfg.Environment
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.SampleRate = cfg.OTelSampleRate
	obsCfg.Insecure = cfg.OTelInsecure
	obsCfg.Enabled = cfg.OTLPEndpoint != ""

	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		slog.Warn("telemetry unavailable, continuing without", "error", err)
		obs, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}
	return obs
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
