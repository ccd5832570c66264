// Package run executes the assets of one pipeline run and records the
// outcome in the run store.
package run

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"taxiflow/internal/asset"
	"taxiflow/internal/eventbus"
	"taxiflow/internal/storage"
	logx "taxiflow/pkg/logx"
)

// AssetStatus is the outcome of one asset within a run.
type AssetStatus string

const (
	AssetDone    AssetStatus = "materialized"
	AssetFailed  AssetStatus = "failed"
	AssetSkipped AssetStatus = "skipped"
	// AssetReused marks an asset already materialized by an earlier attempt
	// of the same run.
	AssetReused AssetStatus = "reused"
)

type AssetResult struct {
	Asset    string
	Status   AssetStatus
	Duration time.Duration
	Err      error
	// Cause names the failed upstream asset for skipped assets.
	Cause string
}

type Report struct {
	Assets []AssetResult
}

// Failed returns the assets that failed (not the skipped ones).
func (r Report) Failed() []string {
	var out []string
	for _, a := range r.Assets {
		if a.Status == AssetFailed {
			out = append(out, a.Asset)
		}
	}
	return out
}

type Runner struct {
	graph *asset.Graph
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewRunner(g *asset.Graph, store storage.Store, bus eventbus.Bus, log logx.Logger) *Runner {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{graph: g, store: store, bus: bus, log: log.With(logx.Comp("run")), now: time.Now}
}

func (r *Runner) Graph() *asset.Graph { return r.graph }

// Execute runs the assets of run.Assets in topological order. A failed asset
// causes every asset downstream of it in the selection to be skipped; the
// returned error wraps the first failure.
//
// On a retry (attempt > 1) assets this run already materialized are reused.
func (r *Runner) Execute(ctx context.Context, run *storage.Run, attempt int) (Report, error) {
	set := make(map[string]bool, len(run.Assets))
	for _, k := range run.Assets {
		if _, ok := r.graph.Get(k); !ok {
			return Report{}, fmt.Errorf("%w: %s", asset.ErrUnknownAsset, k)
		}
		set[k] = true
	}
	order := r.graph.Order(set)

	var (
		rep      Report
		firstErr error
		blocked  = map[string]string{} // asset -> root cause
	)
	for _, key := range order {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		a, _ := r.graph.Get(key)
		part := ""
		if a.Partitioned() {
			if run.Partition == "" {
				err := fmt.Errorf("asset %s is partitioned but run %s has no partition", key, run.ID)
				rep.Assets = append(rep.Assets, AssetResult{Asset: key, Status: AssetFailed, Err: err})
				blocked[key] = key
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			part = run.Partition
		}

		if cause, skip := r.blockedBy(key, set, blocked); skip {
			blocked[key] = cause
			rep.Assets = append(rep.Assets, AssetResult{Asset: key, Status: AssetSkipped, Cause: cause})
			r.bus.Publish(eventbus.Event{Type: eventbus.AssetSkipped, Time: r.now(), Data: eventbus.AssetEvent{
				RunID: run.ID, Asset: key, Partition: part, Error: "upstream failed: " + cause,
			}})
			r.log.Info("asset skipped", logx.String("run_id", run.ID), logx.String("asset", key), logx.String("cause", cause))
			continue
		}

		if attempt > 1 && a.Kind == asset.Materializable {
			if m, ok, err := r.store.LatestMaterialization(ctx, key, part); err == nil && ok && m.RunID == run.ID {
				rep.Assets = append(rep.Assets, AssetResult{Asset: key, Status: AssetReused})
				continue
			}
		}

		res := r.executeAsset(ctx, run, a, part)
		rep.Assets = append(rep.Assets, res)
		if res.Err != nil {
			blocked[key] = key
			if firstErr == nil {
				firstErr = fmt.Errorf("asset %s: %w", key, res.Err)
			}
		}
	}
	return rep, firstErr
}

func (r *Runner) blockedBy(key string, set map[string]bool, blocked map[string]string) (string, bool) {
	for _, d := range r.graph.Deps(key) {
		if !set[d] {
			continue
		}
		if cause, ok := blocked[d]; ok {
			return cause, true
		}
	}
	return "", false
}

func (r *Runner) executeAsset(ctx context.Context, run *storage.Run, a *asset.Asset, part string) AssetResult {
	log := r.log.With(logx.String("run_id", run.ID), logx.String("asset", a.Key))
	if part != "" {
		log = log.With(logx.String("partition", part))
	}
	ac := &asset.Context{
		RunID:     run.ID,
		Asset:     a.Key,
		Partition: part,
		RunConfig: run.RunConfig,
		Log:       log,
	}

	start := r.now()
	out, err := callAsset(ctx, a, ac)
	took := r.now().Sub(start)
	res := AssetResult{Asset: a.Key, Duration: took}

	if err != nil {
		res.Status, res.Err = AssetFailed, err
		log.Error("asset failed", logx.Duration("took", took), logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: eventbus.AssetFailed, Time: r.now(), Data: eventbus.AssetEvent{
			RunID: run.ID, Asset: a.Key, Partition: part, Error: err.Error(),
		}})
		return res
	}

	if a.Kind == asset.ObservableSource {
		if rerr := r.store.AddObservation(ctx, storage.Observation{Asset: a.Key, DataVersion: out.DataVersion, At: r.now()}); rerr != nil {
			res.Status, res.Err = AssetFailed, fmt.Errorf("record observation: %w", rerr)
			return res
		}
		res.Status = AssetDone
		log.Info("source observed", logx.String("data_version", out.DataVersion), logx.Duration("took", took))
		r.bus.Publish(eventbus.Event{Type: eventbus.AssetObserved, Time: r.now(), Data: eventbus.AssetEvent{
			RunID: run.ID, Asset: a.Key, DataVersion: out.DataVersion,
		}})
		return res
	}

	m := storage.Materialization{
		RunID:       run.ID,
		Asset:       a.Key,
		Partition:   part,
		DataVersion: out.DataVersion,
		Metadata:    maps.Clone(out.Metadata),
		At:          r.now(),
	}
	if rerr := r.store.AddMaterialization(ctx, m); rerr != nil {
		res.Status, res.Err = AssetFailed, fmt.Errorf("record materialization: %w", rerr)
		return res
	}
	res.Status = AssetDone
	log.Info("asset materialized", logx.Duration("took", took), logx.Any("metadata", out.Metadata))
	r.bus.Publish(eventbus.Event{Type: eventbus.AssetMaterialized, Time: r.now(), Data: eventbus.AssetEvent{
		RunID: run.ID, Asset: a.Key, Partition: part, DataVersion: out.DataVersion, Metadata: m.Metadata,
	}})
	return res
}

// ErrAssetPanic wraps a recovered panic from an asset function.
var ErrAssetPanic = errors.New("asset panicked")

func callAsset(ctx context.Context, a *asset.Asset, ac *asset.Context) (out asset.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ac.Log.Error("asset panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrAssetPanic, rec)
		}
	}()
	return a.Fn(ctx, ac)
}
