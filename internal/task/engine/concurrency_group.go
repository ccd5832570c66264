package engine

import (
	"context"
	"strings"
	"sync"
)

// groupSemaphore bounds concurrent tasks sharing a ConcurrencyKey. The limit
// is fixed by the first task that names the key.
type groupSemaphore struct {
	ch chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	return &groupSemaphore{ch: make(chan struct{}, max(limit, 1))}
}

// acquire blocks until a slot is free, ctx is done or stop is closed.
func (g *groupSemaphore) acquire(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case g.ch <- struct{}{}:
		return true
	default:
	}
	select {
	case g.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

func (g *groupSemaphore) release() {
	select {
	case <-g.ch:
	default:
	}
}

type groupStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupStore) get(key string, limit int) *groupSemaphore {
	k := strings.TrimSpace(key)
	if k == "" || limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	g := s.groups[k]
	if g == nil {
		g = newGroupSemaphore(limit)
		s.groups[k] = g
	}
	return g
}
