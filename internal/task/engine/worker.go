package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "taxiflow/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.handle(ctx, stopCh, qt, rng)
		}
	}
}

func (s *Service) handle(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.releaseOverlap()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if g := s.groups.get(qt.task.ConcurrencyKey, qt.opt.ConcurrencyLimit); g != nil {
		s.waitingForGroup.Add(1)
		ok := g.acquire(ctx, stopCh)
		s.waitingForGroup.Add(-1)
		if !ok {
			s.finish(qt, Result{ID: qt.task.ID, Name: qt.task.Name, Dropped: "stopped", Err: ErrStopped})
			return
		}
		defer g.release()
	}

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		if s.shouldWarn(&s.lastStaleWarnAt, start) {
			s.log.Warn("run dropped: stale queue", logx.String("job", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
		}
		s.remember(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.finish(qt, Result{ID: qt.task.ID, Name: qt.task.Name, QueueDelay: queueDelay, Dropped: "stale_queue_delay",
			Err: fmt.Errorf("queued for %s, limit %s", queueDelay, cfg.MaxQueueDelay)})
		return
	}

	s.inFlight.Add(1)
	attempts, err := s.attempt(ctx, stopCh, qt, rng)
	s.inFlight.Add(-1)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("run failed", logx.String("job", qt.task.Name), logx.String("id", qt.task.ID), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
	} else {
		s.log.Info("run completed", logx.String("job", qt.task.Name), logx.String("id", qt.task.ID), logx.Int("attempts", attempts), logx.Duration("dur", dur))
	}
	s.circuits.record(time.Now(), qt.task.Name, effectiveCircuitCfg(cfg, qt.opt), err)
	s.remember(cfg, item)
	s.finish(qt, Result{ID: qt.task.ID, Name: qt.task.Name, Attempts: attempts, QueueDelay: queueDelay, Duration: dur, Err: err})
}

// attempt runs the task with retries. It returns the number of attempts made.
func (s *Service) attempt(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (int, error) {
	maxAttempts := 1 + qt.opt.RetryMax
	var err error
	for n := 1; ; n++ {
		err = s.runOnce(ctx, qt, n)
		if err == nil {
			return n, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) || n >= maxAttempts {
			return n, err
		}
		delay := backoffDelay(qt.opt, n, err, rng)
		s.log.Info("run retry scheduled", logx.String("job", qt.task.Name), logx.String("id", qt.task.ID), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return n, errors.Join(err, ctx.Err())
		case <-stopCh:
			tmr.Stop()
			return n, errors.Join(err, ErrStopping)
		case <-tmr.C:
		}
	}
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask, n int) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("run panicked", logx.String("job", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return qt.task.Run(runCtx, n)
}

// backoffDelay is base*2^(retry-1) or the error's Retry-After hint, with
// jitter, capped at RetryMaxDelay.
func backoffDelay(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if opt.RetryJitter > 0 && rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
