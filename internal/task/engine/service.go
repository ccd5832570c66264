package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "taxiflow/internal/runtime/supervisor"
	logx "taxiflow/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes pipeline runs on a fixed worker pool.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight        atomic.Int32
	waitingForGroup atomic.Int32

	overlapMu sync.Mutex
	overlaps  map[string]*overlapState

	groups   groupStore
	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	overlap    *overlapState
}

func (qt queuedTask) releaseOverlap() {
	if qt.overlap != nil {
		qt.overlap.release()
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.CircuitBaseDelay <= 0 {
		cfg.CircuitBaseDelay = time.Minute
	}
	if cfg.CircuitMaxDelay <= 0 {
		cfg.CircuitMaxDelay = time.Hour
	}
	if cfg.CircuitResetAfter <= 0 {
		cfg.CircuitResetAfter = 6 * time.Hour
	}
	return cfg
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:      withDefaults(cfg),
		log:      log,
		overlaps: make(map[string]*overlapState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker or queue size changes restart the pool;
// queued tasks are reported as dropped ("stopped") in that case.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh, queue := s.stopCh, s.q
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("engine.worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("run engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops the workers and waits for running tasks until ctx is done.
// Tasks still queued are finished with Dropped="stopped".
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		s.drain(queue)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("run engine stopped")
	case <-ctx.Done():
		s.log.Warn("run engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			qt.releaseOverlap()
			s.finish(qt, Result{ID: qt.task.ID, Name: qt.task.Name, Dropped: "stopped", Err: ErrStopped})
		default:
			return
		}
	}
}

// Enqueue adds t without blocking. It fails with ErrQueueFull,
// ErrOverlapSkip or ErrCircuitOpen; OnFinish is not called in that case.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit is Enqueue with backpressure: it waits for queue space.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, q, stopCh := s.cfg, s.q, s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	now := time.Now()
	opt := t.Opt.withDefaults(cfg)
	if open, until := s.circuits.isOpen(now, t.Name, effectiveCircuitCfg(cfg, opt)); open {
		s.log.Info("run refused: circuit open", logx.String("job", t.Name), logx.String("id", t.ID), logx.Time("until", until))
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
	}

	var ov *overlapState
	if opt.Overlap == OverlapSkipIfRunning {
		ov = s.overlapFor(t.OverlapKey, t.Name)
		if !ov.tryAcquire() {
			s.log.Debug("run skipped due to overlap", logx.String("job", t.Name), logx.String("key", t.OverlapKey))
			return ErrOverlapSkip
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, overlap: ov}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseOverlap()
			s.droppedQueueFull.Add(1)
			if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
				s.log.Warn("run dropped: queue full", logx.String("job", t.Name), logx.Int("queue_cap", cap(q)))
			}
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseOverlap()
		return ctx.Err()
	case <-stopCh:
		qt.releaseOverlap()
		return ErrStopping
	}
}

func (s *Service) overlapFor(key, name string) *overlapState {
	k := strings.TrimSpace(key)
	if k == "" {
		k = name
	}
	s.overlapMu.Lock()
	defer s.overlapMu.Unlock()
	st := s.overlaps[k]
	if st == nil {
		st = &overlapState{}
		s.overlaps[k] = st
	}
	return st
}

func (s *Service) remember(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - cfg.HistorySize; n > 0 {
		s.history = append(s.history[:0:0], s.history[n:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) finish(qt queuedTask, res Result) {
	if qt.task.OnFinish == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("run OnFinish panicked", logx.String("job", qt.task.Name), logx.Any("panic", r))
		}
	}()
	qt.task.OnFinish(res)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	total, open := s.circuits.counts(time.Now())
	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		WaitingForGroup:  int(s.waitingForGroup.Load()),
		Dropped:          s.droppedQueueFull.Load() + s.droppedStale.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
		CircuitTotal:     total,
		CircuitOpen:      open,
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now.UnixNano())
}
