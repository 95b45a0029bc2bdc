// Package app assembles the pools, scheduler, storage, maintenance and
// alerting into one process and exposes the operator surface.
package app

import (
	"context"
	"fmt"
	"time"

	"drover/internal/alert"
	"drover/internal/automation"
	"drover/internal/clock"
	"drover/internal/config"
	"drover/internal/eventbus"
	"drover/internal/identity"
	"drover/internal/maintenance"
	"drover/internal/observability/pprof"
	"drover/internal/proxy"
	"drover/internal/runtime/supervisor"
	"drover/internal/storage"
	logx "drover/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	clk  clock.Clock
	loc  *time.Location

	store      storage.Store
	identities *identity.Pool
	proxies    *proxy.Pool
	sweeper    *proxy.Sweeper
	collector  *automation.Collector
	maint      *maintenance.Service
	pprof      *pprof.Service
	notifier   *alert.Notifier
	auto       *automation.Service

	sup     *supervisor.Supervisor
	actions map[automation.JobType]automation.Action
	prober  proxy.Prober
	backlog automation.BacklogFunc
	creds   identity.CredentialStore
}

type Option func(*App)

// WithClock substitutes the time source. Tests only.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clk = clk }
}

// WithActions registers the action implementations driven by the
// tenant runners.
func WithActions(actions map[automation.JobType]automation.Action) Option {
	return func(a *App) { a.actions = actions }
}

// WithProber substitutes the proxy health probe.
func WithProber(p proxy.Prober) Option {
	return func(a *App) { a.prober = p }
}

// WithBacklog wires the pending-work gauge shown in status output.
func WithBacklog(fn automation.BacklogFunc) Option {
	return func(a *App) { a.backlog = fn }
}

// WithCredentials substitutes the credential resolver handed to
// actions. Defaults to environment-variable lookup.
func WithCredentials(store identity.CredentialStore) Option {
	return func(a *App) { a.creds = store }
}

// NewApp loads configuration and builds every component. Nothing runs
// until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{clk: clock.System(), creds: identity.EnvCredentials{}}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.loc = time.Local
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
		a.loc = loc
	}

	a.logs, a.log = logx.New(mapLogging(cfg.Logging))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	scfg, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(scfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.New()

	idReserve, err := config.ParseDurationOrDefault("identity_pool.reserve_timeout", cfg.Identity.ReserveTimeout, 0)
	if err != nil {
		return nil, err
	}
	idOpts := []identity.PoolOption{
		identity.WithLogger(a.log.With(logx.String("comp", "identity"))),
		identity.WithBus(a.bus),
		identity.WithLocation(a.loc),
	}
	if idReserve > 0 {
		idOpts = append(idOpts, identity.WithReserveTimeout(idReserve))
	}
	a.identities = identity.NewPool(a.clk, idOpts...)

	pxReserve, err := config.ParseDurationOrDefault("proxy_pool.reserve_timeout", cfg.Proxy.ReserveTimeout, 0)
	if err != nil {
		return nil, err
	}
	pxOpts := []proxy.PoolOption{
		proxy.WithLogger(a.log.With(logx.String("comp", "proxy"))),
		proxy.WithBus(a.bus),
	}
	if pxReserve > 0 {
		pxOpts = append(pxOpts, proxy.WithReserveTimeout(pxReserve))
	}
	a.proxies = proxy.NewPool(a.clk, pxOpts...)

	if a.prober == nil {
		a.prober = &proxy.HTTPProber{ProbeURL: cfg.Proxy.ProbeURL}
	}
	probeTimeout, err := config.ParseDurationOrDefault("proxy_pool.probe_timeout", cfg.Proxy.ProbeTimeout, 0)
	if err != nil {
		return nil, err
	}
	interProbe, err := config.ParseDurationOrDefault("proxy_pool.inter_probe_delay", cfg.Proxy.InterProbeDelay, 0)
	if err != nil {
		return nil, err
	}
	swOpts := []proxy.SweeperOption{
		proxy.WithSweepLogger(a.log.With(logx.String("comp", "sweep"))),
		proxy.WithSweepBus(a.bus),
	}
	if probeTimeout > 0 {
		swOpts = append(swOpts, proxy.WithProbeTimeout(probeTimeout))
	}
	if interProbe > 0 {
		swOpts = append(swOpts, proxy.WithInterProbeDelay(interProbe))
	}
	a.sweeper = proxy.NewSweeper(a.proxies, a.prober, swOpts...)

	if cfg.Alert != nil && cfg.Alert.Enabled {
		n, err := alert.New(alert.Config{
			Token:      cfg.Alert.Token,
			ChatID:     cfg.Alert.ChatID,
			RatePerSec: cfg.Alert.RatePerSec,
		}, a.log.With(logx.String("comp", "alert")))
		if err != nil {
			return nil, err
		}
		a.notifier = n
		a.logs.SetNotifyFunc(n.Send)
	}

	a.collector = automation.NewCollector(a.clk, a.store, a.loc,
		a.log.With(logx.String("comp", "rollup")))
	a.maint = maintenance.New(a.identities, a.sweeper, a.collector, a.loc,
		a.log.With(logx.String("comp", "maintenance")))

	if cfg.Pprof != nil {
		a.pprof = pprof.New(pprof.Config{
			Enabled:       cfg.Pprof.Enabled,
			Addr:          cfg.Pprof.Addr,
			Token:         cfg.Pprof.Token,
			AllowInsecure: cfg.Pprof.AllowInsecure,
		}, a.log.With(logx.String("comp", "pprof")))
	}

	if a.actions == nil {
		a.actions = map[automation.JobType]automation.Action{}
	}
	return a, nil
}

// Logger exposes the app root logger for the calling binary.
func (a *App) Logger() logx.Logger { return a.log }

// Start launches the background machinery: runners' supervisor, config
// watcher, rollup collector, alert worker and maintenance cron.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	a.auto = automation.New(a.sup, a.clk, a.identities, a.proxies, a.actions,
		automation.WithLogger(a.log.With(logx.String("comp", "automation"))),
		automation.WithBus(a.bus),
		automation.WithLocation(a.loc),
		automation.WithBacklog(a.backlog),
		automation.WithCredentials(a.creds),
	)

	a.sup.Go("rollup.collector", func(c context.Context) error {
		return a.collector.Run(c, a.bus)
	})
	if a.notifier != nil {
		a.sup.Go("alert.worker", func(c context.Context) error {
			return a.notifier.Run(c, a.bus)
		})
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	updates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	if a.pprof != nil {
		if err := a.pprof.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	cfg := a.cfgm.Get()
	if err := a.maint.Start(a.sup.Context(), maintenance.Config{
		WarmupAdvanceCron: cfg.Maintenance.WarmupAdvanceCron,
		RollupCron:        cfg.Maintenance.RollupCron,
		HealthSweepCron:   cfg.Maintenance.HealthSweepCron,
	}); err != nil {
		return err
	}

	a.log.Info("started",
		logx.Int("tenants_configured", len(cfg.Tenants)),
		logx.Bool("storage", a.store != nil),
		logx.Bool("alerting", a.notifier != nil))
	return nil
}

// applyConfig handles a validated hot-reload: logging sinks swap in
// place, running tenants reconcile their runners. Pool reserve timeouts
// and storage drivers stay fixed until restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogging(cfg.Logging))
	a.auto.Reconfigure(cfg.Tenants)
	a.log.Info("configuration reloaded", logx.Int("tenants", len(cfg.Tenants)))
}

// Stop shuts everything down in dependency order, bounding each step so
// one stuck component cannot stall the process exit.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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

	// New ticks stop first, then the schedule, then the data flush.
	step("automation", 2*time.Second, func(context.Context) error {
		a.auto.StopAll()
		return nil
	})
	step("maintenance", 2*time.Second, func(c context.Context) error {
		return a.maint.Stop(c)
	})
	step("rollup.flush", 5*time.Second, func(c context.Context) error {
		return a.collector.Flush(c)
	})

	a.sup.Cancel()
	step("supervisor", 5*time.Second, func(c context.Context) error {
		return a.sup.Stop(c)
	})

	if a.pprof != nil {
		step("pprof", 2*time.Second, func(c context.Context) error {
			return a.pprof.Stop(c)
		})
	}
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error {
			return a.store.Close()
		})
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Notify: logx.NotifyConfig{
			Enabled:    lc.Notify.Enabled,
			MinLevel:   lc.Notify.MinLevel,
			RatePerSec: lc.Notify.RatePerSec,
		},
	}
}

func mapStorage(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}
