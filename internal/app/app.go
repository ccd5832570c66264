// Package app wires the pipeline daemon: run stack, triggers (schedules,
// sensors, auto-materialize), alerts, HTTP API, hot config reload and
// systemd integration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taxiflow/internal/api"
	"taxiflow/internal/automat"
	"taxiflow/internal/config"
	"taxiflow/internal/defs"
	"taxiflow/internal/eventbus"
	"taxiflow/internal/launcher"
	"taxiflow/internal/notifier"
	rtsup "taxiflow/internal/runtime/supervisor"
	"taxiflow/internal/sensor"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	"taxiflow/internal/task/scheduler"
	logx "taxiflow/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	c       *Components
	sched   *scheduler.Service
	sensors *sensor.Runtime
	auto    *automat.Daemon
	notif   *notifier.Service
	api     *api.Service
	sd      *sdNotifier

	sensorsOn bool
	autoOn    bool
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.Comp("app"))
	bus := eventbus.New()

	c, err := Open(cfg, bus, log, Options{})
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		c:         c,
		sd:        newSdNotifier(log),
		sensorsOn: cfg.Sensors.Enabled,
		autoOn:    cfg.AutoMaterialize.Enabled,
	}
	if err := a.build(cfg, log); err != nil {
		_ = c.Close(context.Background())
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	c := a.c
	a.sched = scheduler.New(mapSchedulerConfig(cfg), log.With(logx.Comp("scheduler")))
	for _, sc := range c.Defs.Schedules() {
		if err := a.sched.Add(sc.Name, sc.Cron, a.fireSchedule(sc)); err != nil {
			return err
		}
	}

	sensorCfg, err := mapSensorConfig(cfg)
	if err != nil {
		return err
	}
	a.sensors = sensor.New(c.Defs, c.Store, c.Launcher, sensorCfg, log)

	autoCfg, err := mapAutoConfig(cfg)
	if err != nil {
		return err
	}
	a.auto = automat.New(c.Defs.Graph, c.Store, c.Launcher, a.bus, autoCfg, log)

	ncfg, tg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	var sender notifier.Sender
	if ncfg.Enabled {
		tgs, err := notifier.NewTelegram(tg)
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		sender = tgs
	}
	a.notif = notifier.New(ncfg, sender, c.Store, log)

	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}
	a.api = api.New(acfg, api.Deps{
		Defs:      c.Defs,
		Store:     c.Store,
		Launcher:  c.Launcher,
		Sensors:   a.sensors,
		Scheduler: a.sched,
		Bus:       a.bus,
		Status:    a.statusSections,
		Loops:     a.loops,
	}, log)
	return nil
}

// fireSchedule launches the schedule's job for the partition that most
// recently completed at tick.
func (a *App) fireSchedule(sc *defs.Schedule) scheduler.Fire {
	return func(ctx context.Context, tick time.Time) error {
		key, ok, err := a.c.Defs.ScheduleTarget(sc, tick)
		if err != nil {
			return err
		}
		if !ok {
			return scheduler.Skipped{Reason: "no partition of " + sc.Job + " is complete at " + tick.Format(time.RFC3339)}
		}
		_, err = a.c.Launcher.Launch(ctx, launcher.Request{
			Job:       sc.Job,
			Partition: key,
			Trigger:   storage.TriggerSchedule,
			Source:    sc.Name,
		})
		if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen) {
			return scheduler.Skipped{Reason: err.Error()}
		}
		return err
	}
}

// Components exposes the run stack (used by tests and the CLI).
func (a *App) Components() *Components { return a.c }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapAPIConfig(cfg)
		return err
	})

	runCtx := a.sup.Context()
	if err := a.c.Start(runCtx); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sup.GoRestart("notifier.watch", func(c context.Context) error {
		return a.notif.Watch(c, a.bus)
	})
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if a.sensorsOn {
		a.sup.GoRestart("sensors", a.sensors.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.autoOn {
		a.sup.GoRestart("auto_materialize", a.auto.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.api.Enabled() {
		a.api.Start(runCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Keep only the newest config of a burst.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.sd.Ready(fmt.Sprintf("running %d assets, environment %s", a.c.Defs.Graph.Len(), a.c.Target.Environment))
	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("sensors", a.sensorsOn),
		logx.Bool("auto_materialize", a.autoOn),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("api", a.api.Enabled()),
	)
	return nil
}

// applyConfig applies the sections that can change at runtime and warns
// about the ones that need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.sd.Reloading()
	defer a.sd.Reloaded("config reloaded")

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	if err := a.logs.Apply(mapLogConfig(next)); err != nil {
		a.log.Warn("log file sink not applied", logx.Err(err))
	}

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid run_engine config; keeping previous", logx.Err(err))
	} else {
		a.c.Engine.Apply(ctx, ec)
	}

	wasOn := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	switch nowOn := a.sched.Enabled(); {
	case wasOn && !nowOn:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.log.Info("scheduler disabled via config")
	case !wasOn && nowOn:
		a.sched.Start(ctx)
		a.log.Info("scheduler enabled via config")
	}

	if ncfg, _, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasOn && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && ncfg.Enabled:
			a.notif.Start(ctx)
		}
	}

	if acfg, err := mapAPIConfig(next); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, acfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) statusSections() map[string]any {
	return map[string]any{
		"environment": a.c.Target.Environment,
		"engine":      a.c.Engine.Snapshot(),
		"alerts":      a.notif.History(),
	}
}

func (a *App) loops() []rtsup.LoopStatus {
	var out []rtsup.LoopStatus
	if a.sup != nil {
		out = append(out, a.sup.Status()...)
	}
	if s := a.api.Supervisor(); s != nil {
		out = append(out, s.Status()...)
	}
	return out
}

// Stop shuts components down in dependency order, each step bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping(reason)
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("api", time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 10*time.Second, func(c context.Context) error { a.c.Engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.c.closeResources() })

	a.log.Info("stopped")
	return a.logs.Close()
}
