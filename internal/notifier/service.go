package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taxiflow/internal/eventbus"
	rtsup "taxiflow/internal/runtime/supervisor"
	"taxiflow/internal/storage"
	logx "taxiflow/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service is an async alert pipeline: queue, one worker, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	sender    Sender
	store     storage.Store
	log       logx.Logger
	queue     chan Alert
	sup       *rtsup.Supervisor
	accepting bool
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender Sender, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		store:  store,
		log:    log.With(logx.Comp("notifier")),
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the config. Queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{eventbus.RunFailed}
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the delivery worker. It is a no-op when disabled or
// already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	if s.sender == nil {
		s.log.Warn("notifier enabled without a sender; restart to configure telegram")
		return
	}
	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	q := s.queue
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.worker(c, q)
		return c.Err()
	}, rtsup.WithRestartBackoff(time.Second, 10*time.Second))
}

// Stop refuses new alerts and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Wait(context.Background())
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	sup.Cancel()

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify queues a. A duplicate inside the dedup window returns nil
// without queueing.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && a.Key != "" && !s.dedupAllow(ctx, a.Key, window) {
		s.log.Debug("alert suppressed", logx.String("key", a.Key))
		return nil
	}
	select {
	case q <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// Watch raises alerts for bus events until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.mu.Lock()
			types := s.cfg.Events
			s.mu.Unlock()
			if !eventbus.Matches(e.Type, types) {
				continue
			}
			a, ok := FormatEvent(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("alert not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(text string, err error) {
	it := HistoryItem{At: s.now(), Text: text}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) worker(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, a)
		}
	}
}

func (s *Service) send(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var err error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.sender.Send(cctx, a.Text)
		cancel()
		if err == nil {
			s.record(a.Text, nil)
			return
		}
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt, err))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.record(a.Text, err)
	s.log.Warn("alert dropped", logx.String("key", a.Key), logx.Err(err))
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	now := s.now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		until, ok, err := s.store.GetDedup(ctx, key)
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()
	if s.store != nil {
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Debug("dedup not persisted", logx.Err(err))
		}
	}
	return true
}

// retryDelay is exponential backoff with 0.7..1.3 jitter, or the delay a
// Delayer error asks for.
func retryDelay(cfg Config, attempt int, err error) time.Duration {
	var d Delayer
	if errors.As(err, &d) && d.RetryAfter() > 0 {
		return min(d.RetryAfter(), cfg.RetryMaxDelay)
	}
	delay := cfg.RetryBase
	for i := 1; i < attempt && delay < cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	delay = time.Duration(float64(delay) * (0.7 + rand.Float64()*0.6))
	return min(delay, cfg.RetryMaxDelay)
}
