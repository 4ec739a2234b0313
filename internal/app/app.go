package app

import (
	"context"
	"fmt"
	"time"

	"tickhub/internal/activity"
	"tickhub/internal/admin"
	"tickhub/internal/config"
	"tickhub/internal/eventbus"
	"tickhub/internal/jobs"
	"tickhub/internal/loop"
	rtsup "tickhub/internal/runtime/supervisor"
	"tickhub/internal/sdnotify"
	"tickhub/internal/storage"
	logx "tickhub/pkg/logx"
	"tickhub/pkg/systemdmanager"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	signal loop.Signal
	file   *activity.File
	manual *activity.Manual

	loop   *loop.Service
	jobs   *jobs.Manager
	units  *systemdmanager.Manager
	admin  *admin.Service
	notify *sdnotify.Notifier
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		units:   systemdmanager.New(),
		notify:  sdnotify.New(cfg.Systemd.Notify, log),
	}

	actLog := log.With(logx.String("comp", "activity"))
	switch cfg.Activity.ActivitySource() {
	case config.ActivityFile:
		a.file = activity.NewFile(cfg.Activity.Path, actLog)
		a.signal = a.file
	case config.ActivityHTTP:
		a.manual = activity.NewManual(!cfg.Activity.StartInactive)
		a.signal = a.manual
	default:
		a.signal = activity.Always{}
	}
	actLog.Info("activity source", logx.String("source", cfg.Activity.ActivitySource()), logx.Bool("active", a.signal.Active()))

	loopCfg, err := mapLoopConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.loop = loop.New(loopCfg, log.With(logx.String("comp", "loop")), bus, loop.WithSignal(a.signal))

	a.jobs = jobs.NewManager(a.loop, jobs.Env{
		Log:   log.With(logx.String("comp", "jobs")),
		Units: a.units,
	}, bus)

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := admin.Deps{
		Loop:    a.loop,
		Jobs:    a.jobs,
		History: store,
		Health:  a.health,
	}
	if a.manual != nil {
		deps.Activity = a.manual
	}
	a.admin = admin.New(adminCfg, deps, log)

	return a, nil
}

// Loop exposes the shared loop so embedding code can register its own tasks.
func (a *App) Loop() *loop.Service { return a.loop }

func (a *App) Jobs() *jobs.Manager { return a.jobs }

func (a *App) Store() storage.Store { return a.store }

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

func (a *App) health() []rtsup.Stats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// Subscribe before the first task registers so no run is missed.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("events.record", func(c context.Context) error {
		defer unsub()
		a.recordEvents(c, events)
		return nil
	})

	if a.file != nil {
		a.sup.GoRestart("activity.watch", a.file.Watch,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	res, err := a.jobs.Sync(cfg.Tasks)
	if err != nil {
		return fmt.Errorf("sync tasks: %w", err)
	}
	a.log.Debug("tasks registered", logx.Int("added", len(res.Added)))

	a.admin.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.Watchdog(c, func() bool { return a.sup.Context().Err() == nil })
	})
	a.notify.Status(fmt.Sprintf("%d tasks", a.loop.Len()))
	a.notify.Ready()

	a.log.Info("app started", logx.Int("tasks", a.loop.Len()), logx.Bool("ticking", a.loop.Ticking()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
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
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Tasks first: no callback may start once the stores below are gone.
	step("jobs", 2*time.Second, func(context.Context) error { a.jobs.Close(); return nil })
	step("loop", time.Second, func(context.Context) error { a.loop.Close(); return nil })
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("systemd", time.Second, func(context.Context) error { return a.units.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
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
