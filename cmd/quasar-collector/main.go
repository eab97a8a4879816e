// The quasar-collector binary runs the data plane: the subscription
// scheduler with its historical and live collectors, and the internal
// HTTP surface the registry drives (validate, available-symbols, unload).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ddm-j/quasar-sub001/pkg/barcache"
	"github.com/ddm-j/quasar-sub001/pkg/collector"
	"github.com/ddm-j/quasar-sub001/pkg/config"
	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/loader"
	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/observability"
	"github.com/ddm-j/quasar-sub001/pkg/scheduler"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"

	_ "github.com/ddm-j/quasar-sub001/pkg/provider/wasm"
)

func main() {
	if err := run(); err != nil {
		slog.Error("collector exited", "error", err)
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

	obs := initTelemetry(ctx, cfg, "quasar-collector")
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown incomplete", "error", err)
		}
	}()

	ld, err := loader.New(cfg.ProviderRoot, st, sec)
	if err != nil {
		return err
	}

	cache := barcache.New(cfg.RedisAddr)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		logger.Warn("bar cache unreachable, publishing anyway", "addr", cfg.RedisAddr, "error", err)
	}

	collectorLog := logger.With("component", "collector")
	hist := &collector.Historical{
		Providers: ld,
		Store:     st,
		Prefs:     st,
		BatchSize: cfg.BatchSize,
		Logger:    collectorLog,
	}
	live := &collector.Live{
		Providers: ld,
		Store:     st,
		Prefs:     st,
		Cache:     cache,
		Logger:    collectorLog,
	}

	sched := scheduler.New(scheduler.Config{
		Source:            st,
		Providers:         ld,
		Historical:        trackedRunner{op: "collect.historical", obs: obs, next: hist},
		Live:              trackedRunner{op: "collect.live", obs: obs, next: live},
		ReconcileInterval: cfg.ReconcileInterval,
		Logger:            logger.With("component", "scheduler"),
		Metrics:           prometheus.DefaultRegisterer,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { <-sched.Stop().Done() }()

	svc := &collector.Service{
		Loader: ld,
		Tokens: interservice.NewTokenSource(sec, "collector"),
		Logger: collectorLog,
	}

	logger.Info("collector starting",
		"port", cfg.CollectorPort,
		"provider_root", cfg.ProviderRoot,
		"reconcile_interval", cfg.ReconcileInterval,
		"bar_cache", cfg.RedisAddr != "",
	)
	return svc.Run(ctx, ":"+cfg.CollectorPort)
}

// trackedRunner wraps a collection runner so every fire is traced and
// counted under the RED instruments.
type trackedRunner struct {
	op   string
	obs  *observability.Provider
	next scheduler.Runner
}

func (t trackedRunner) Run(ctx context.Context, providerName string, interval market.Interval, symbols []string) error {
	ctx, finish := t.obs.TrackOperation(ctx, t.op,
		observability.JobFireAttrs(providerName, interval.String(), len(symbols))...)
	err := t.next.Run(ctx, providerName, interval, symbols)
	finish(err)
	return err
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
