// Package sensor evaluates sensors on an interval and on filesystem
// changes, persisting their cursors and launching the runs they request.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taxiflow/internal/defs"
	"taxiflow/internal/launcher"
	"taxiflow/internal/storage"
	logx "taxiflow/pkg/logx"
)

// Launcher is the subset of launcher.Launcher the runtime needs.
type Launcher interface {
	Launch(ctx context.Context, req launcher.Request) (storage.Run, error)
}

type Config struct {
	// MinInterval is used for sensors that do not set their own.
	MinInterval time.Duration
	// Watch enables fsnotify wakeups for sensors with WatchDirs.
	Watch bool
	// Debounce coalesces bursts of filesystem events.
	Debounce time.Duration
}

// TickResult summarizes one evaluation.
type TickResult struct {
	Sensor     string
	Launched   []string // run ids
	Duplicates int
	Failed     int
	SkipReason string
	Cursor     string
}

type Runtime struct {
	defs   *defs.Definitions
	store  storage.Store
	launch Launcher
	log    logx.Logger
	cfg    Config
	now    func() time.Time

	// One evaluation per sensor at a time.
	locks sync.Map // name -> *sync.Mutex
}

func New(d *defs.Definitions, store storage.Store, l Launcher, cfg Config, log logx.Logger) *Runtime {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runtime{defs: d, store: store, launch: l, cfg: cfg, log: log.With(logx.Comp("sensor")), now: time.Now}
}

// CursorKey is the store key of a sensor cursor.
func CursorKey(name string) string { return "sensor:" + name }

// Tick evaluates the named sensor once.
func (rt *Runtime) Tick(ctx context.Context, name string) (TickResult, error) {
	s, err := rt.defs.Sensor(name)
	if err != nil {
		return TickResult{}, err
	}
	muAny, _ := rt.locks.LoadOrStore(name, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	log := rt.log.With(logx.String("sensor", name))
	cursor, err := rt.store.GetCursor(ctx, CursorKey(name))
	if err != nil {
		return TickResult{}, fmt.Errorf("sensor %s: load cursor: %w", name, err)
	}
	res, err := s.Eval(ctx, &defs.SensorContext{Name: name, Cursor: cursor, Now: rt.now(), Log: log})
	if err != nil {
		return TickResult{}, fmt.Errorf("sensor %s: %w", name, err)
	}

	out := TickResult{Sensor: name, SkipReason: res.SkipReason, Cursor: cursor}
	for _, req := range res.Requests {
		r, err := rt.launch.Launch(ctx, launcher.Request{
			Job:       s.Job,
			Partition: req.Partition,
			RunConfig: req.RunConfig,
			RunKey:    req.RunKey,
			Source:    name,
			Trigger:   storage.TriggerSensor,
		})
		switch {
		case err == nil:
			out.Launched = append(out.Launched, r.ID)
		case errors.Is(err, launcher.ErrDuplicateRunKey):
			out.Duplicates++
			log.Debug("run key already launched", logx.String("run_key", req.RunKey))
		default:
			out.Failed++
			log.Warn("sensor launch failed", logx.String("run_key", req.RunKey), logx.Err(err))
		}
	}

	// The cursor only advances once every request was handed off; run keys
	// make the retry of a partly launched tick safe.
	if res.Cursor != "" && res.Cursor != cursor && out.Failed == 0 {
		if err := rt.store.SetCursor(ctx, CursorKey(name), res.Cursor); err != nil {
			return out, fmt.Errorf("sensor %s: save cursor: %w", name, err)
		}
		out.Cursor = res.Cursor
	}
	if len(out.Launched) > 0 || out.Failed > 0 {
		log.Info("sensor tick",
			logx.Int("launched", len(out.Launched)),
			logx.Int("duplicates", out.Duplicates),
			logx.Int("failed", out.Failed),
		)
	} else if res.SkipReason != "" {
		log.Debug("sensor skipped", logx.String("reason", res.SkipReason))
	}
	return out, nil
}

// Run evaluates every sensor on its interval until ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	sensors := rt.defs.Sensors()
	if len(sensors) == 0 {
		<-ctx.Done()
		return nil
	}

	wake := make(chan string, len(sensors))
	if rt.cfg.Watch {
		w, err := rt.watch(sensors)
		if err != nil {
			rt.log.Warn("filesystem watch disabled", logx.Err(err))
		} else {
			defer w.Close()
			go rt.forwardEvents(ctx, w, sensors, wake)
		}
	}

	last := map[string]time.Time{}
	tick := time.NewTicker(rt.tickEvery(sensors))
	defer tick.Stop()

	eval := func(name string) {
		last[name] = rt.now()
		if _, err := rt.Tick(ctx, name); err != nil && ctx.Err() == nil {
			rt.log.Warn("sensor evaluation failed", logx.String("sensor", name), logx.Err(err))
		}
	}
	for _, s := range sensors {
		eval(s.Name)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-wake:
			eval(name)
		case now := <-tick.C:
			for _, s := range sensors {
				if now.Sub(last[s.Name]) >= rt.interval(s) {
					eval(s.Name)
				}
			}
		}
	}
}

func (rt *Runtime) interval(s *defs.Sensor) time.Duration {
	if s.MinInterval > 0 {
		return s.MinInterval
	}
	return rt.cfg.MinInterval
}

// tickEvery is the smallest sensor interval, so each sensor is checked at
// least that often.
func (rt *Runtime) tickEvery(sensors []*defs.Sensor) time.Duration {
	d := rt.interval(sensors[0])
	for _, s := range sensors[1:] {
		d = min(d, rt.interval(s))
	}
	return d
}

func (rt *Runtime) watch(sensors []*defs.Sensor) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	n := 0
	for _, s := range sensors {
		for _, dir := range s.WatchDirs {
			if err := w.Add(dir); err != nil {
				rt.log.Warn("cannot watch directory", logx.String("sensor", s.Name), logx.String("dir", dir), logx.Err(err))
				continue
			}
			n++
		}
	}
	if n == 0 {
		_ = w.Close()
		return nil, errors.New("no watchable directories")
	}
	return w, nil
}

// forwardEvents maps filesystem events to sensor wakeups, debounced per
// sensor.
func (rt *Runtime) forwardEvents(ctx context.Context, w *fsnotify.Watcher, sensors []*defs.Sensor, wake chan<- string) {
	byDir := map[string][]string{}
	for _, s := range sensors {
		for _, dir := range s.WatchDirs {
			byDir[filepath.Clean(dir)] = append(byDir[filepath.Clean(dir)], s.Name)
		}
	}
	pending := map[string]bool{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			for _, name := range byDir[filepath.Dir(filepath.Clean(ev.Name))] {
				pending[name] = true
			}
			timer.Reset(rt.cfg.Debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			rt.log.Warn("watch error", logx.Err(err))
		case <-timer.C:
			for name := range pending {
				select {
				case wake <- name:
				default:
				}
				delete(pending, name)
			}
		}
	}
}
