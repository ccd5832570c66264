// Package automat launches eager assets whose upstream data changed.
//
// Only unpartitioned eager assets are considered. Observable sources are
// observed on every evaluation; a new data version makes their eager
// downstream assets stale. An eager asset is also stale when an upstream
// asset was materialized after it, or when it was never materialized while
// all of its upstreams were.
package automat

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taxiflow/internal/asset"
	"taxiflow/internal/eventbus"
	"taxiflow/internal/launcher"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	logx "taxiflow/pkg/logx"
)

type Launcher interface {
	Launch(ctx context.Context, req launcher.Request) (storage.Run, error)
}

type Config struct {
	Interval time.Duration
}

// Evaluation is the outcome of one pass.
type Evaluation struct {
	Changed  []string // sources with a new data version
	Selected []string
	RunID    string
}

type Daemon struct {
	graph  *asset.Graph
	store  storage.Store
	launch Launcher
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config
	now    func() time.Time
}

func New(g *asset.Graph, store storage.Store, l Launcher, bus eventbus.Bus, cfg Config, log logx.Logger) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Daemon{graph: g, store: store, launch: l, bus: bus, cfg: cfg, log: log.With(logx.Comp("automat")), now: time.Now}
}

// Run evaluates on every interval until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := d.Evaluate(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("auto-materialize evaluation failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Evaluate observes sources, picks stale eager assets and launches one run
// for them.
func (d *Daemon) Evaluate(ctx context.Context) (Evaluation, error) {
	var ev Evaluation
	changed := map[string]bool{}
	for _, key := range d.graph.Keys() {
		a, _ := d.graph.Get(key)
		if a.Kind != asset.ObservableSource {
			continue
		}
		ok, err := d.observe(ctx, a)
		if err != nil {
			d.log.Warn("source observation failed", logx.String("asset", key), logx.Err(err))
			continue
		}
		if ok {
			changed[key] = true
			ev.Changed = append(ev.Changed, key)
		}
	}

	selected := map[string]bool{}
	for _, key := range d.graph.Keys() {
		a, _ := d.graph.Get(key)
		if !eligible(a) {
			continue
		}
		stale, err := d.stale(ctx, a, changed, selected)
		if err != nil {
			return ev, err
		}
		if stale {
			selected[key] = true
		}
	}
	if len(selected) == 0 {
		return ev, nil
	}

	ev.Selected = d.graph.Order(selected)
	r, err := d.launch.Launch(ctx, launcher.Request{
		Assets:  ev.Selected,
		Trigger: storage.TriggerAuto,
		Source:  "auto_materialize",
	})
	if errors.Is(err, engine.ErrOverlapSkip) {
		d.log.Debug("previous auto-materialize run still active", logx.Strings("assets", ev.Selected))
		return ev, nil
	}
	if err != nil {
		return ev, fmt.Errorf("launch %v: %w", ev.Selected, err)
	}
	ev.RunID = r.ID
	d.log.Info("auto-materialize launched", logx.String("run_id", r.ID), logx.Strings("assets", ev.Selected), logx.Strings("changed_sources", ev.Changed))
	return ev, nil
}

func eligible(a *asset.Asset) bool {
	return a.Eager && a.Kind == asset.Materializable && !a.Partitioned()
}

// observe records a fresh observation and reports whether the data version
// differs from the previous one.
func (d *Daemon) observe(ctx context.Context, a *asset.Asset) (bool, error) {
	prev, had, err := d.store.LatestObservation(ctx, a.Key)
	if err != nil {
		return false, err
	}
	out, err := callObserve(ctx, a, &asset.Context{Asset: a.Key, Log: d.log.With(logx.String("asset", a.Key))})
	if err != nil {
		return false, err
	}
	if err := d.store.AddObservation(ctx, storage.Observation{Asset: a.Key, DataVersion: out.DataVersion, At: d.now()}); err != nil {
		return false, err
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.AssetObserved, Time: d.now(), Data: eventbus.AssetEvent{Asset: a.Key, DataVersion: out.DataVersion}})
	return !had || prev.DataVersion != out.DataVersion, nil
}

func callObserve(ctx context.Context, a *asset.Asset, ac *asset.Context) (out asset.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ac.Log.Error("observe panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("observe %s: panic: %v", a.Key, rec)
		}
	}()
	return a.Fn(ctx, ac)
}

// stale decides whether a should be part of this evaluation's run. selected
// holds the assets already chosen (graph order guarantees upstreams come
// first).
func (d *Daemon) stale(ctx context.Context, a *asset.Asset, changed, selected map[string]bool) (bool, error) {
	own, materialized, err := d.store.LatestMaterialization(ctx, a.Key, "")
	if err != nil {
		return false, err
	}

	upstreamChanged := false
	for _, dep := range d.graph.Deps(a.Key) {
		da, _ := d.graph.Get(dep)
		switch {
		case da.Kind == asset.ObservableSource:
			if changed[dep] {
				upstreamChanged = true
			}
		case selected[dep]:
			upstreamChanged = true
		default:
			at, ok, err := d.latestAt(ctx, da)
			if err != nil {
				return false, err
			}
			if !ok {
				// An upstream that never ran and is not being run now
				// leaves nothing to build from.
				return false, nil
			}
			if materialized && at.After(own.At) {
				upstreamChanged = true
			}
		}
	}
	return upstreamChanged || !materialized, nil
}

// latestAt is the newest materialization time of a, across partitions for
// partitioned assets.
func (d *Daemon) latestAt(ctx context.Context, a *asset.Asset) (time.Time, bool, error) {
	if !a.Partitioned() {
		m, ok, err := d.store.LatestMaterialization(ctx, a.Key, "")
		return m.At, ok, err
	}
	parts, err := d.store.MaterializedPartitions(ctx, a.Key)
	if err != nil {
		return time.Time{}, false, err
	}
	var latest time.Time
	for _, m := range parts {
		if m.At.After(latest) {
			latest = m.At
		}
	}
	return latest, len(parts) > 0, nil
}
