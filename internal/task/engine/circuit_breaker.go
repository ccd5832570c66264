package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState counts consecutive failed runs of one job. After trip
// failures the job is refused for a cooldown that doubles with every further
// failure, capped at maxDelay. A success closes it.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	if trip == 0 {
		trip = 3
	}
	return circuitCfg{
		enabled:    true,
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// locked returns the state for key with s.mu held; the caller unlocks.
func (s *circuitStore) locked(key string) *circuitState {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

func (st *circuitState) maybeReset(now time.Time, cc circuitCfg) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		*st = circuitState{}
	}
}

func (s *circuitStore) isOpen(now time.Time, key string, cc circuitCfg) (bool, time.Time) {
	key = strings.TrimSpace(key)
	if !cc.enabled || key == "" {
		return false, time.Time{}
	}
	st := s.locked(key)
	defer s.mu.Unlock()
	st.maybeReset(now, cc)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, key string, cc circuitCfg, err error) {
	key = strings.TrimSpace(key)
	if !cc.enabled || key == "" {
		return
	}
	st := s.locked(key)
	defer s.mu.Unlock()
	st.maybeReset(now, cc)
	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}
	d := cc.baseDelay
	for i := cc.trip; i < st.fails && d < cc.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cc.maxDelay))
}

func (s *circuitStore) counts(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.m {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
