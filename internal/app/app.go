// Package app is the composition root: it turns a loaded configuration into
// a running store, lifecycle manager, sweep and metrics listener.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"studytrack/internal/config"
	"studytrack/internal/lifecycle"
	"studytrack/internal/observability/metrics"
	"studytrack/internal/observability/tracing"
	"studytrack/internal/policy"
	"studytrack/internal/runtime/supervisor"
	"studytrack/internal/storage"
	"studytrack/internal/sweep"
	logx "studytrack/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	mu  sync.RWMutex
	cfg *config.Config

	log  logx.Logger
	logs *logx.Service

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsSrv    *metrics.Server
	traceShutdown func(context.Context) error

	store   *storage.SQLStore
	manager *lifecycle.Manager
	sweep   *sweep.Service

	sup    *supervisor.Supervisor
	notify func(state string) error
	clock  func() time.Time

	closeOnce sync.Once
}

type Option func(*App)

// WithClock overrides the lifecycle clock.
func WithClock(fn func() time.Time) Option { return func(a *App) { a.clock = fn } }

// WithNotifier replaces the systemd notification hook.
func WithNotifier(fn func(state string) error) Option { return func(a *App) { a.notify = fn } }

// New builds every component from the manager's current config, loading it
// first if needed. A store that cannot be opened is fatal.
func New(ctx context.Context, cfgm *config.Manager, opts ...Option) (*App, error) {
	if cfgm == nil {
		return nil, fmt.Errorf("app: nil config manager")
	}
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	a := &App{cfgm: cfgm, cfg: cfg, notify: sdNotify}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}

	logSvc, root := logx.NewService(mapLoggingConfig(cfg))
	a.logs = logSvc
	a.log = root.With(logx.Component("app"))
	cfgm.SetLogger(root)

	shutdown, err := tracing.Setup(ctx, mapTracingConfig(cfg))
	if err != nil {
		a.log.Warn("tracing disabled", logx.Err(err))
	}
	a.traceShutdown = shutdown

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)
	a.metricsSrv = metrics.NewServer(a.registry, root)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	st, err := storage.Open(ctx, sc, root)
	if err != nil {
		a.log.Error("storage open failed", logx.String("driver", sc.Driver), logx.Err(err))
		a.Close(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	p, err := policy.New(cfg.PolicyOptions())
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	mopts := []lifecycle.Option{lifecycle.WithLogger(root), lifecycle.WithMetrics(a.metrics)}
	if a.clock != nil {
		mopts = append(mopts, lifecycle.WithClock(a.clock))
	}
	mgr, err := lifecycle.New(st, p, mopts...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.manager = mgr

	sw, err := sweep.New(cfg.SweepOptions(), mgr, st, sweep.WithLogger(root), sweep.WithMetrics(a.metrics))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.sweep = sw

	a.log.Debug("app ready",
		logx.String("driver", st.Driver()),
		logx.String("policy", p.Name()),
	)
	return a, nil
}

func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Manager() *lifecycle.Manager { return a.manager }

func (a *App) Store() *storage.SQLStore { return a.store }

func (a *App) Sweep() *sweep.Service { return a.sweep }

func (a *App) Registry() *prometheus.Registry { return a.registry }

// MetricsAddr is the bound metrics listener address, or "" when disabled.
func (a *App) MetricsAddr() string { return a.metricsSrv.Addr() }

// Done is closed when the serve supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed while serving.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the metrics listener, the sweep and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.Config()

	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		_, err := mapStorageConfig(next)
		return err
	})

	if err := a.metricsSrv.Apply(c, mapMetricsConfig(cfg)); err != nil {
		return err
	}
	if err := a.sweep.Start(c); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	if a.cfgm.Path() != "" {
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	a.startWatchdog()

	if err := a.notify(sdReady); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.String("driver", a.store.Driver()),
		logx.String("policy", a.manager.Policy().Name()),
		logx.Bool("sweep", a.sweep.Enabled()),
		logx.String("metrics_addr", a.MetricsAddr()),
	)
	return nil
}

// Run starts the app and blocks until ctx is done or a component fails, then
// stops within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.Config().ShutdownTimeoutOrDefault())
		defer cancel()
		_ = a.Stop(stopCtx, StopFatalError)
		return err
	}

	<-a.Done()
	reason := StopSignal
	if ctx.Err() == nil {
		reason = StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.Config().ShutdownTimeoutOrDefault())
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.Config()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the newest config of a burst.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			last = a.applyConfig(ctx, last, next)
		}
	}
}

// applyConfig hot-applies next and returns the config now in effect. A
// rejected policy or sweep section keeps its previous value, so resubmitting
// it later is seen as a change again.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) *config.Config {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return prev
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config change requires restart", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(next))

	applied := *next
	var rejected []string
	for _, s := range sections {
		switch s {
		case "policy":
			p, err := policy.New(next.PolicyOptions())
			if err != nil {
				a.log.Warn("invalid policy config; keeping previous", logx.Err(err))
				applied.Policy = prev.Policy
				rejected = append(rejected, s)
				continue
			}
			a.manager.SetPolicy(p)
		case "sweep":
			if err := a.sweep.Apply(ctx, next.SweepOptions()); err != nil {
				a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
				applied.Sweep = prev.Sweep
				rejected = append(rejected, s)
			}
		case "metrics":
			if err := a.metricsSrv.Apply(ctx, mapMetricsConfig(next)); err != nil {
				a.log.Warn("metrics listener reconfigure failed", logx.Err(err))
			}
		}
	}

	a.mu.Lock()
	a.cfg = &applied
	a.mu.Unlock()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if len(rejected) > 0 {
		fields = append(fields, logx.Strings("rejected", rejected))
	}
	a.log.Info("config reloaded", fields...)
	return &applied
}

// Stop shuts the serve runtime down, then releases store, tracing and log
// sinks. Each step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if err := a.notify(sdStopping); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "sweep", 3*time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	a.step(ctx, "metrics", time.Second, func(c context.Context) error { a.metricsSrv.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	a.Close(ctx)
	return nil
}

// Close releases the store, flushes traces and closes log sinks. It is
// enough for one-shot commands that never called Start.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.store != nil {
			a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
		}
		if a.traceShutdown != nil {
			a.step(ctx, "tracing", 2*time.Second, a.traceShutdown)
		}
		a.log.Debug("closed")
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
