package run

import (
	"context"
	"errors"
	"time"

	"taxiflow/internal/eventbus"
	"taxiflow/internal/storage"
	logx "taxiflow/pkg/logx"
)

// Queued stores a new run in the queued state and announces it.
func (r *Runner) Queued(ctx context.Context, run *storage.Run) error {
	run.Status = storage.StatusQueued
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.now()
	}
	if err := r.store.CreateRun(ctx, *run); err != nil {
		return err
	}
	r.publishRun(eventbus.RunQueued, run)
	return nil
}

// Attempt marks run started and executes it. It is the engine task body.
func (r *Runner) Attempt(ctx context.Context, run *storage.Run, attempt int) error {
	run.Attempts = attempt
	if run.Status != storage.StatusStarted {
		run.Status = storage.StatusStarted
		run.StartedAt = r.now()
		r.publishRun(eventbus.RunStarted, run)
	}
	if err := r.store.UpdateRun(ctx, *run); err != nil {
		r.log.Warn("run update failed", logx.String("run_id", run.ID), logx.Err(err))
	}
	r.log.Info("run attempt",
		logx.String("run_id", run.ID),
		logx.String("job", run.Job),
		logx.String("partition", run.Partition),
		logx.Int("attempt", attempt),
	)
	_, err := r.Execute(ctx, run, attempt)
	return err
}

// Finish writes the final status of run. dropped is the engine's reason
// for never running the task ("" when it ran).
func (r *Runner) Finish(run *storage.Run, err error, dropped string) {
	run.EndedAt = r.now()
	switch {
	case dropped == "stopped":
		run.Status = storage.StatusCanceled
		run.Error = "engine stopped before the run started"
	case dropped != "":
		run.Status = storage.StatusSkipped
		run.Error = dropped
	case err == nil:
		run.Status = storage.StatusSuccess
		run.Error = ""
	case errors.Is(err, context.Canceled):
		run.Status = storage.StatusCanceled
		run.Error = err.Error()
	default:
		run.Status = storage.StatusFailure
		run.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := r.store.UpdateRun(ctx, *run); uerr != nil {
		r.log.Error("run finish not recorded", logx.String("run_id", run.ID), logx.Err(uerr))
	}

	fields := []logx.Field{
		logx.String("run_id", run.ID),
		logx.String("job", run.Job),
		logx.String("partition", run.Partition),
		logx.String("status", string(run.Status)),
		logx.Int("attempts", run.Attempts),
	}
	switch run.Status {
	case storage.StatusSuccess:
		if !run.StartedAt.IsZero() {
			fields = append(fields, logx.Duration("took", run.EndedAt.Sub(run.StartedAt)))
		}
		r.log.Info("run succeeded", fields...)
		r.publishRun(eventbus.RunSucceeded, run)
	case storage.StatusFailure:
		r.log.Error("run failed", append(fields, logx.String("err", run.Error))...)
		r.publishRun(eventbus.RunFailed, run)
	default:
		r.log.Warn("run not completed", append(fields, logx.String("reason", run.Error))...)
		r.publishRun(eventbus.RunSkipped, run)
	}
}

// Skip records a run that was stored but could not be enqueued.
func (r *Runner) Skip(run *storage.Run, reason error) {
	r.Finish(run, nil, reason.Error())
}

func (r *Runner) publishRun(typ string, run *storage.Run) {
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: eventbus.RunEvent{
		RunID:     run.ID,
		Job:       run.Job,
		Partition: run.Partition,
		Trigger:   string(run.Trigger),
		Error:     run.Error,
	}})
}

// RecoverInterrupted cancels runs left queued or started by a previous
// process. It returns how many runs were closed.
func (r *Runner) RecoverInterrupted(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []storage.RunStatus{storage.StatusQueued, storage.StatusStarted} {
		runs, err := r.store.ListRuns(ctx, storage.RunFilter{Status: st, Limit: 10000})
		if err != nil {
			return n, err
		}
		for _, run := range runs {
			run.Status = storage.StatusCanceled
			run.Error = "interrupted: process exited before the run finished"
			run.EndedAt = r.now()
			if err := r.store.UpdateRun(ctx, run); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		r.log.Warn("closed interrupted runs", logx.Int("count", n))
	}
	return n, nil
}
