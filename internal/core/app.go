package core

import (
	"context"
	"fmt"
	"time"

	"grovebot/internal/gateway"
	"grovebot/internal/gateway/memory"
	"grovebot/internal/reconcile"
	pprofsvc "grovebot/internal/services/pprof"
	"grovebot/internal/services/scheduler"
	"grovebot/internal/storage"
	"grovebot/internal/ticket"
	logx "grovebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	gw    gateway.Gateway
	store storage.Store
	sched *scheduler.Service
	tkts  *ticket.Manager
	diag  *pprofsvc.Service

	cmdm *CommandManager
	pm   *PluginManager

	events chan gateway.Event
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}, gw)
	log = log.With(logx.String("comp", "app"))

	busyTimeout, _ := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	defaultTimeout, err := parseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}
	schedSvc := scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: defaultTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Scheduler.Timezone,
		RetryMax:       cfg.Scheduler.RetryMax,
	}, log.With(logx.String("comp", "scheduler")))

	tkts := ticket.NewManager(gw, schedSvc, ticket.Config{
		CategoryID: cfg.Server.VerifyCateg,
		StaffRole:  cfg.Server.StaffRole,
	}, log.With(logx.String("comp", "tickets")))

	clock := reconcile.SystemClock()
	scanner := reconcile.NewScanner(gw, log.With(logx.String("comp", "scanner")))
	publisher := reconcile.NewPublisher(gw, scanner, log.With(logx.String("comp", "publisher")))
	policy := reconcile.NewPolicy(store, clock)

	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")), gw, cfgm)

	pm := NewPluginManager(log.With(logx.String("comp", "plugins")), cfgm, PluginDeps{
		Log:       log,
		Gateway:   gw,
		Config:    cfgm,
		Store:     store,
		Scheduler: schedSvc,
		Tickets:   tkts,
		Scanner:   scanner,
		Publisher: publisher,
		Policy:    policy,
		Clock:     clock,
		Server:    cfg.Server,
	}, cmdm)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		gw:      gw,
		store:   store,
		sched:   schedSvc,
		tkts:    tkts,
		diag:    pprofsvc.New(log.With(logx.String("comp", "pprof"))),
		cmdm:    cmdm,
		pm:      pm,
		events:  make(chan gateway.Event, 256),
	}, nil
}

func diagConfig(cfg *Config) pprofsvc.Config {
	return pprofsvc.Config{
		Enabled: cfg.Diag.Pprof.Enabled,
		Addr:    cfg.Diag.Pprof.Addr,
		Token:   cfg.Diag.Pprof.Token,
	}
}

func newGateway(cfg GatewayConfig) (gateway.Gateway, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("gateway.driver: unknown driver %q", cfg.Driver)
	}
}

func (a *App) Plugins() *PluginManager { return a.pm }
func (a *App) Gateway() gateway.Gateway { return a.gw }

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		// Config.Validate already ran; nothing plugin-specific yet.
		return nil
	})

	if err := a.gw.Start(a.sup.Context(), a.events); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	if cfg.Logging.Ops.Enabled && cfg.Server.OpsScope != 0 {
		a.logs.SetOpsScope(cfg.Server.OpsScope)
	}

	a.sched.Start(a.sup.Context())
	a.diag.Reconfigure(a.sup.Context(), diagConfig(cfg))

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.events)
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
					Ops: logx.OpsConfig{
						Enabled:    newCfg.Logging.Ops.Enabled,
						MinLevel:   newCfg.Logging.Ops.MinLevel,
						RatePerSec: newCfg.Logging.Ops.RatePerSec,
					},
				})
				if newCfg.Logging.Ops.Enabled {
					a.logs.SetOpsScope(newCfg.Server.OpsScope)
				} else {
					a.logs.SetOpsScope(0)
				}

				a.diag.Reconfigure(c, diagConfig(newCfg))

				a.pm.OnConfigUpdate(c, newCfg)
				a.log.Info("config reloaded")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
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
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, reason); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("gateway", 2*time.Second, func(c context.Context) error { return a.gw.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.logs.Close()
	return nil
}
