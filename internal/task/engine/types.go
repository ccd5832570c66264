package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the run engine. The app layer maps config.run_engine into
// this struct and fills defaults in New.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this. 0 disables.
	MaxQueueDelay time.Duration

	HistorySize   int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// CircuitTripFailures < 0 disables the breaker; 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type TaskOptions struct {
	Overlap OverlapPolicy

	// RetryMax < 0 disables retries; 0 uses the engine default.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// ConcurrencyLimit caps concurrent tasks sharing ConcurrencyKey.
	// 0 disables group limiting.
	ConcurrencyLimit int

	// CircuitTripFailures overrides the engine threshold; < 0 disables.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = time.Minute
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.ConcurrencyLimit < 0 {
		o.ConcurrencyLimit = 0
	}
	return o
}

// overlapState counts queued plus running tasks for one overlap key.
type overlapState struct {
	mu       sync.Mutex
	inflight int
}

func (s *overlapState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *overlapState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Task is one unit of work. For pipeline runs, Name is the job (circuit
// breaker key), OverlapKey identifies job+partition+run key and
// ConcurrencyKey names the shared resource the run writes to.
type Task struct {
	ID             string
	Name           string
	OverlapKey     string
	ConcurrencyKey string
	Timeout        time.Duration
	Opt            TaskOptions

	// Run is called once per attempt (1-based).
	Run func(ctx context.Context, attempt int) error

	// OnFinish is called exactly once for every accepted task, including
	// tasks dropped from the queue or abandoned on shutdown.
	OnFinish func(Result)
}

// Result reports how an accepted task ended.
type Result struct {
	ID         string
	Name       string
	Attempts   int
	QueueDelay time.Duration
	Duration   time.Duration
	Err        error
	// Dropped is set when the task never ran ("stale_queue_delay", "stopped").
	Dropped string
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`
	// WaitingForGroup counts workers blocked on a concurrency group.
	WaitingForGroup int `json:"waiting_for_group"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history"`
}
