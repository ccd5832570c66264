// Package launcher turns run requests into stored runs and hands them to
// the run engine.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taxiflow/internal/asset"
	"taxiflow/internal/defs"
	"taxiflow/internal/partition"
	"taxiflow/internal/run"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	logx "taxiflow/pkg/logx"
)

// ErrDuplicateRunKey is returned when a sensor already launched a run key.
var ErrDuplicateRunKey = errors.New("run key already launched")

// AssetJob names runs of an ad hoc asset selection.
const AssetJob = "__asset_job"

// DatabaseGroup is the concurrency group of runs that write to DuckDB.
const DatabaseGroup = "database"

type Request struct {
	Job       string
	Partition string
	RunConfig json.RawMessage
	// RunKey de-duplicates sensor requests per Source.
	RunKey  string
	Source  string
	Trigger storage.Trigger
	// Assets narrows the job selection; empty runs the whole job.
	Assets []string
	// WaitForQueue waits for engine queue space until ctx is done instead
	// of failing with engine.ErrQueueFull.
	WaitForQueue bool
}

type Options struct {
	// Timeout bounds one run attempt; 0 uses the engine default.
	Timeout time.Duration
}

type Launcher struct {
	defs   *defs.Definitions
	store  storage.Store
	runner *run.Runner
	engine *engine.Service
	log    logx.Logger
	opt    Options
	now    func() time.Time
}

func New(d *defs.Definitions, store storage.Store, runner *run.Runner, eng *engine.Service, log logx.Logger, opt Options) *Launcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Launcher{
		defs:   d,
		store:  store,
		runner: runner,
		engine: eng,
		log:    log.With(logx.Comp("launcher")),
		opt:    opt,
		now:    time.Now,
	}
}

// Launch stores a queued run and enqueues it. When the engine refuses the
// task the stored run is marked skipped, its run key is released and the
// engine error is returned along with it.
func (l *Launcher) Launch(ctx context.Context, req Request) (storage.Run, error) {
	return l.launch(ctx, req, nil)
}

// RunNow launches req and waits until the run reaches a final status.
func (l *Launcher) RunNow(ctx context.Context, req Request) (storage.Run, error) {
	done := make(chan storage.Run, 1)
	r, err := l.launch(ctx, req, done)
	if err != nil {
		return r, err
	}
	select {
	case r = <-done:
	case <-ctx.Done():
		return r, ctx.Err()
	}
	if r.Status != storage.StatusSuccess {
		return r, fmt.Errorf("run %s %s: %s", r.ID, r.Status, r.Error)
	}
	return r, nil
}

func (l *Launcher) launch(ctx context.Context, req Request, done chan<- storage.Run) (storage.Run, error) {
	r, err := l.prepare(ctx, req)
	if err != nil {
		return storage.Run{}, err
	}
	if err := l.runner.Queued(ctx, &r); err != nil {
		l.releaseRunKey(r)
		return storage.Run{}, fmt.Errorf("store run: %w", err)
	}

	rr := r
	task := engine.Task{
		ID:             r.ID,
		Name:           r.Job,
		OverlapKey:     overlapKey(r),
		ConcurrencyKey: DatabaseGroup,
		Timeout:        l.opt.Timeout,
		Opt:            engine.TaskOptions{ConcurrencyLimit: 1},
		Run: func(ctx context.Context, attempt int) error {
			return l.runner.Attempt(ctx, &rr, attempt)
		},
		OnFinish: func(res engine.Result) {
			l.runner.Finish(&rr, res.Err, res.Dropped)
			if done != nil {
				done <- rr
			}
		},
	}
	enqueue := l.engine.Enqueue
	if req.WaitForQueue {
		enqueue = func(t engine.Task) error { return l.engine.Submit(ctx, t) }
	}
	if err := enqueue(task); err != nil {
		l.runner.Skip(&r, err)
		l.releaseRunKey(r)
		return r, err
	}
	l.log.Info("run queued",
		logx.String("run_id", r.ID),
		logx.String("job", r.Job),
		logx.String("partition", r.Partition),
		logx.String("trigger", string(r.Trigger)),
	)
	return r, nil
}

// releaseRunKey frees the run key of a run the engine never accepted so
// the next sensor tick can request it again.
func (l *Launcher) releaseRunKey(r storage.Run) {
	if r.RunKey == "" {
		return
	}
	if err := l.store.ReleaseRunKey(context.Background(), r.Source, r.RunKey); err != nil {
		l.log.Warn("release run key failed",
			logx.String("run_id", r.ID),
			logx.String("run_key", r.RunKey),
			logx.Err(err),
		)
	}
}

func (l *Launcher) prepare(ctx context.Context, req Request) (storage.Run, error) {
	var (
		assets []string
		err    error
	)
	if req.Job == "" || req.Job == AssetJob {
		req.Job = AssetJob
		assets, err = l.assetSelection(req)
	} else {
		assets, err = l.jobSelection(req)
	}
	if err != nil {
		return storage.Run{}, err
	}
	if len(req.RunConfig) > 0 && !json.Valid(req.RunConfig) {
		return storage.Run{}, errors.New("run config is not valid JSON")
	}

	if req.RunKey != "" {
		fresh, err := l.store.ClaimRunKey(ctx, req.Source, req.RunKey)
		if err != nil {
			return storage.Run{}, fmt.Errorf("claim run key: %w", err)
		}
		if !fresh {
			return storage.Run{}, fmt.Errorf("%w: %s", ErrDuplicateRunKey, req.RunKey)
		}
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = storage.TriggerManual
	}
	return storage.Run{
		ID:        uuid.NewString(),
		Job:       req.Job,
		Partition: req.Partition,
		Trigger:   trigger,
		Source:    req.Source,
		RunKey:    req.RunKey,
		RunConfig: req.RunConfig,
		Assets:    assets,
		CreatedAt: l.now(),
	}, nil
}

func (l *Launcher) jobSelection(req Request) ([]string, error) {
	job, err := l.defs.Job(req.Job)
	if err != nil {
		return nil, err
	}
	if err := job.CheckPartition(req.Partition, l.now()); err != nil {
		return nil, err
	}
	assets, err := l.defs.JobAssets(req.Job)
	if err != nil {
		return nil, err
	}
	if len(req.Assets) == 0 {
		return assets, nil
	}
	in := make(map[string]bool, len(assets))
	for _, a := range assets {
		in[a] = true
	}
	for _, a := range req.Assets {
		if !in[a] {
			return nil, fmt.Errorf("asset %s is not part of job %s", a, req.Job)
		}
	}
	return l.defs.Graph.Order(in), nil
}

// assetSelection validates an ad hoc asset run: every partitioned asset
// must share one partitions definition that contains req.Partition.
func (l *Launcher) assetSelection(req Request) ([]string, error) {
	if len(req.Assets) == 0 {
		return nil, errors.New("asset run without assets")
	}
	set := make(map[string]bool, len(req.Assets))
	var parts *partition.TimeWindow
	for _, k := range req.Assets {
		a, ok := l.defs.Graph.Get(k)
		if !ok {
			return nil, fmt.Errorf("%w %q", asset.ErrUnknownAsset, k)
		}
		set[k] = true
		if !a.Partitioned() {
			continue
		}
		if parts != nil && !parts.Equal(a.Partitions) {
			return nil, fmt.Errorf("asset %s uses %s, selection uses %s: %w", k, a.Partitions, parts, defs.ErrPartitionMismatch)
		}
		parts = a.Partitions
	}
	job := defs.Job{Name: AssetJob, Partitions: parts}
	if err := job.CheckPartition(req.Partition, l.now()); err != nil {
		return nil, err
	}
	return l.defs.Graph.Order(set), nil
}

// overlapKey lets distinct sensor requests of the same job run back to
// back while a second launch of the same job partition is skipped.
func overlapKey(r storage.Run) string {
	return strings.Join([]string{r.Job, r.Partition, r.RunKey}, "|")
}

// Recover closes runs a previous process left unfinished.
func (l *Launcher) Recover(ctx context.Context) (int, error) {
	return l.runner.RecoverInterrupted(ctx)
}
