// Package app wires the driver, the script executor and the host services
// into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mudclock/internal/admin"
	"mudclock/internal/config"
	"mudclock/internal/driver"
	"mudclock/internal/entity"
	"mudclock/internal/eventbus"
	"mudclock/internal/housekeeping"
	"mudclock/internal/metrics"
	rtsup "mudclock/internal/runtime/supervisor"
	"mudclock/internal/script"
	"mudclock/internal/storage"
	"mudclock/pkg/logx"
	"mudclock/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg     *entity.Registry
	eng     *script.Engine
	drv     *driver.Driver
	loop    *driver.Loop
	metrics *metrics.Observer

	admin *admin.Service
	hk    *housekeeping.Service

	notify   *systemd.Notifier
	lastPing time.Time // loop goroutine only
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	opts, err := mapDriverOptions(cfg)
	if err != nil {
		return nil, err
	}

	reg := entity.NewRegistry()
	eng := script.New(reg, script.Options{
		EfunCost: cfg.Scripts.EfunCost,
		Logger:   log.With(logx.String("comp", "script")),
	})
	obs := metrics.New()

	drv, err := driver.New(opts, eng,
		driver.WithLogger(log.With(logx.String("comp", "driver"))),
		driver.WithErrorHandler(newReporter(log.With(logx.String("comp", "driver")), 20, 50)),
		driver.WithObserver(obs),
		driver.WithBus(bus),
	)
	if err != nil {
		return nil, err
	}
	eng.Bind(drv)

	if dir := strings.TrimSpace(cfg.Scripts.Dir); dir != "" {
		if _, err := eng.LoadDir(dir); err != nil {
			return nil, fmt.Errorf("scripts: %w", err)
		}
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		eng:     eng,
		drv:     drv,
		metrics: obs,
		notify:  systemd.New(),
	}
	a.loop = driver.NewLoop(drv,
		driver.WithLoopLogger(log.With(logx.String("comp", "loop"))),
		driver.WithAfterPass(a.afterPass),
	)

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	snap := admin.FromLoop(a.loop)
	a.admin = admin.New(adminCfg, admin.Deps{
		Snapshot: snap,
		Registry: reg,
		Store:    store,
		Metrics:  obs.Handler(),
	}, log)

	hkCfg, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.hk = housekeeping.New(hkCfg, housekeeping.Deps{Store: store, Snapshot: snap}, log)
	return a, nil
}

// Loop exposes the driver loop for host calls.
func (a *App) Loop() *driver.Loop { return a.loop }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	// Boot clones run before the loop owns the driver.
	for _, name := range a.cfgm.Get().Scripts.Boot {
		obj, err := a.eng.Clone(strings.TrimSpace(name))
		if err != nil {
			return fmt.Errorf("boot %s: %w", name, err)
		}
		a.log.Info("booted", logx.String("object", obj.ID()))
	}

	a.sup.Go("driver.loop", a.loop.Run)

	if a.store != nil {
		a.sup.Go0("incidents.writer", func(c context.Context) {
			runIncidentWriter(c, a.bus, a.store, a.log.With(logx.String("comp", "incidents")))
		})
	}

	events, unsub := a.bus.Subscribe(64, eventbus.HeartbeatSuppressed, eventbus.DriverShutdown)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if hb, ok := e.Data.(driver.HeartbeatSuppressedEvent); ok {
					a.log.Info("heartbeat suppressed", logx.String("entity", hb.Entity), logx.String("err", hb.Error))
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.admin.Start(a.sup.Context())
	if err := a.hk.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := a.notify.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent", logx.Duration("watchdog", a.notify.WatchdogInterval()))
	}
	a.log.Info("app started",
		logx.Int("objects", a.reg.Len()),
		logx.Int("blueprints", len(a.eng.Blueprints())),
	)
	return nil
}

// applyConfig applies the live sections of a reloaded config. Driver,
// scripts and storage are boot-time only.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if ac, err := mapAdminConfig(next); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}
	if hc, err := mapHousekeepingConfig(next); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else if err := a.hk.Apply(ctx, hc); err != nil {
		a.log.Warn("housekeeping apply failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// afterPass runs on the loop goroutine.
func (a *App) afterPass(driver.PassStats) {
	now := time.Now()
	if !a.notify.WatchdogDue(a.lastPing, now) {
		return
	}
	a.lastPing = now
	_, _ = a.notify.Ping()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.notify.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("housekeeping", 2*time.Second, func(c context.Context) error { a.hk.Stop(c); return nil })
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("driver", 3*time.Second, func(c context.Context) error {
		select {
		case <-a.loop.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	// The incident writer flushes on cancel; close the store after it.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
