// Package scheduler reconciles the subscription table into a running job
// set. Every (provider, interval, cron) aggregate maps to exactly one cron
// entry; reconciliation adds, rebinds or removes entries to reach the
// desired set, and the reconciler itself runs as a job inside the same
// cron, so one wall-clock loop drives everything.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/offsetcron"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/provider"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// DefaultReconcileInterval is how often the subscription table is polled.
const DefaultReconcileInterval = 30 * time.Second

// Runner executes one subscription fire. Both collector kinds satisfy it.
type Runner interface {
	Run(ctx context.Context, provider string, interval market.Interval, symbols []string) error
}

// Source is the slice of the database facade the reconciler reads.
type Source interface {
	Subscriptions(ctx context.Context) ([]store.Subscription, error)
	ProviderRegistration(ctx context.Context, className string) (*store.Registration, error)
}

// ProviderManager loads and unloads provider instances. Implemented by the
// loader.
type ProviderManager interface {
	Load(ctx context.Context, className string) (provider.Provider, error)
	Unload(ctx context.Context, className string) error
	Loaded() []string
}

// Config wires a Scheduler.
type Config struct {
	Source     Source
	Providers  ProviderManager
	Historical Runner
	Live       Runner

	// ReconcileInterval is the polling cadence; zero means the default.
	ReconcileInterval time.Duration
	Logger            *slog.Logger
	// Metrics registers the scheduler gauges; nil disables them.
	Metrics prometheus.Registerer
}

type entry struct {
	id  cron.EntryID
	job *Job
}

// Scheduler owns the cron loop and the keyed job table. The table is
// mutated only by the reconciler; the cron chain's skip-if-still-running
// wrapper guarantees reconciles never overlap.
type Scheduler struct {
	src        Source
	providers  ProviderManager
	historical Runner
	live       Runner
	interval   time.Duration
	log        *slog.Logger

	cron    *cron.Cron
	baseCtx context.Context

	mu   sync.Mutex
	jobs map[string]*entry

	fires *prometheus.CounterVec
}

// New builds a stopped Scheduler; Start launches it.
func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default().With("component", "scheduler")
	}
	cl := cronLogger{log: log}

	s := &Scheduler{
		src:        cfg.Source,
		providers:  cfg.Providers,
		historical: cfg.Historical,
		live:       cfg.Live,
		interval:   cfg.ReconcileInterval,
		log:        log,
		baseCtx:    context.Background(),
		jobs:       make(map[string]*entry),
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if s.interval <= 0 {
		s.interval = DefaultReconcileInterval
	}

	if cfg.Metrics != nil {
		promauto.With(cfg.Metrics).NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "quasar_scheduler_jobs",
				Help: "Number of subscription jobs currently scheduled",
			},
			func() float64 { return float64(s.JobCount()) },
		)
		s.fires = promauto.With(cfg.Metrics).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quasar_scheduler_fires_total",
				Help: "Job fires by outcome",
			},
			[]string{"outcome"},
		)
	}
	return s
}

// Start primes the job table with one synchronous reconciliation, installs
// the reconciler as a recurring job and launches the cron loop. Job fires
// inherit ctx, so cancelling it aborts in-flight collections.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if err := s.Reconcile(s.baseCtx); err != nil {
			s.log.Error("reconciliation failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduler: install reconciler: %w", err)
	}

	if err := s.Reconcile(ctx); err != nil {
		s.log.Error("initial reconciliation failed", "error", err)
	}

	s.cron.Start()
	s.log.Info("scheduler started", "reconcile_interval", s.interval, "jobs", s.JobCount())
	return nil
}

// Stop halts the cron loop. The returned context is done once in-flight
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Reconcile diffs the subscription table against the job table:
// load newly desired providers (recording failures as invalid), unload
// undesired ones, then add, rebind or remove jobs to reach the desired
// key set. Jobs of invalid providers are excluded wholesale.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	subs, err := s.src.Subscriptions(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: subscription fetch: %w", err)
	}

	desiredProviders := make(map[string]bool)
	for _, sub := range subs {
		desiredProviders[sub.Provider] = true
	}

	invalid := make(map[string]bool)
	regs := make(map[string]*store.Registration, len(desiredProviders))
	for name := range desiredProviders {
		reg, err := s.src.ProviderRegistration(ctx, name)
		if err != nil {
			s.log.WarnContext(ctx, "provider unresolvable, excluded from scheduling", "provider", name, "error", err)
			invalid[name] = true
			continue
		}
		if _, err := s.providers.Load(ctx, name); err != nil {
			s.log.WarnContext(ctx, "provider unusable, excluded from scheduling", "provider", name, "error", err)
			invalid[name] = true
			continue
		}
		regs[name] = reg
	}

	for _, name := range s.providers.Loaded() {
		if desiredProviders[name] {
			continue
		}
		if err := s.providers.Unload(ctx, name); err != nil {
			s.log.WarnContext(ctx, "unload of undesired provider failed", "provider", name, "error", err)
		}
	}

	desired := make(map[string]store.Subscription)
	for _, sub := range subs {
		if invalid[sub.Provider] {
			continue
		}
		desired[sub.Key()] = sub
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.jobs {
		if _, ok := desired[key]; ok {
			continue
		}
		s.cron.Remove(e.id)
		delete(s.jobs, key)
		s.log.InfoContext(ctx, "job removed", "job", key)
	}

	for key, sub := range desired {
		if e, ok := s.jobs[key]; ok {
			// Rebind symbols in place; the entry keeps its next-fire time.
			e.job.SetSymbols(sub.Symbols)
			continue
		}

		job, sched, err := s.buildJob(sub, regs[sub.Provider])
		if err != nil {
			s.log.WarnContext(ctx, "subscription not schedulable", "job", key, "error", err)
			continue
		}
		id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(job) }))
		s.jobs[key] = &entry{id: id, job: job}
		s.log.InfoContext(ctx, "job scheduled", "job", key, "schedule", sched.String(), "symbols", len(sub.Symbols))
	}
	return nil
}

// JobKeys lists the scheduled job keys, sorted.
func (s *Scheduler) JobKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JobCount reports the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// buildJob resolves the subscription into a Job and its offset schedule.
func (s *Scheduler) buildJob(sub store.Subscription, reg *store.Registration) (*Job, *offsetcron.Schedule, error) {
	interval, err := market.ParseInterval(string(sub.Interval))
	if err != nil {
		return nil, nil, err
	}

	doc := parsePrefs(reg.Preferences)
	var offset time.Duration
	run := s.historical
	switch reg.ClassSubtype {
	case prefs.SubtypeHistorical:
		offset = time.Duration(prefs.IntOr(doc, "scheduling", "delay_hours", 0)) * time.Hour
	case prefs.SubtypeLive:
		offset = -time.Duration(prefs.IntOr(doc, "scheduling", "pre_close_seconds", 30)) * time.Second
		run = s.live
	}

	sched, err := offsetcron.New(sub.Cron, offset)
	if err != nil {
		return nil, nil, err
	}

	return &Job{
		Key:      sub.Key(),
		Provider: sub.Provider,
		Interval: interval,
		run:      run,
		symbols:  append([]string(nil), sub.Symbols...),
	}, sched, nil
}

// fire runs one job under the universal wrapper: any error is logged and
// swallowed so a failing job never reaches the cron loop.
func (s *Scheduler) fire(j *Job) {
	start := time.Now()
	err := j.run.Run(s.baseCtx, j.Provider, j.Interval, j.Symbols())
	if err != nil {
		s.log.Error("job failed", "job", j.Key, "elapsed", time.Since(start), "error", err)
		s.countFire("error")
		return
	}
	s.countFire("ok")
}

func (s *Scheduler) countFire(outcome string) {
	if s.fires != nil {
		s.fires.WithLabelValues(outcome).Inc()
	}
}

func parsePrefs(raw []byte) map[string]map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

// Job is one scheduled subscription binding. The symbol set rebinds in
// place across reconciles; everything else is fixed at schedule time.
type Job struct {
	Key      string
	Provider string
	Interval market.Interval

	run Runner

	mu      sync.Mutex
	symbols []string
}

// SetSymbols replaces the symbol set without touching the cron entry.
func (j *Job) SetSymbols(symbols []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.symbols = append([]string(nil), symbols...)
}

// Symbols returns a copy of the current symbol set.
func (j *Job) Symbols() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.symbols...)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kv, "error", err)...)
}
