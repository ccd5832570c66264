package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// memStore keeps all state in maps. It backs the "none" driver and is the
// replay target of the file driver.
type memStore struct {
	mu sync.RWMutex

	runs    map[string]Run
	mats    map[string][]Materialization // asset -> append order
	obs     map[string][]Observation
	cursors map[string]string
	runKeys map[string]time.Time // sensor + "\x00" + key
	dedup   map[string]int64     // unix milli
	closed  bool
}

// OpenMemory returns a store that lives only as long as the process.
func OpenMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		runs:    map[string]Run{},
		mats:    map[string][]Materialization{},
		obs:     map[string][]Observation{},
		cursors: map[string]string{},
		runKeys: map[string]time.Time{},
		dedup:   map[string]int64{},
	}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) CreateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *memStore) UpdateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *memStore) ListRuns(_ context.Context, f RunFilter) ([]Run, error) {
	m.mu.RLock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		if f.match(r) {
			out = append(out, cloneRun(r))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *memStore) AddMaterialization(_ context.Context, mt Materialization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if mt.At.IsZero() {
		mt.At = time.Now()
	}
	mt.Metadata = maps.Clone(mt.Metadata)
	m.mats[mt.Asset] = append(m.mats[mt.Asset], mt)
	return nil
}

func (m *memStore) LatestMaterialization(_ context.Context, asset, partition string) (Materialization, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.mats[asset]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Partition == partition {
			out := list[i]
			out.Metadata = maps.Clone(out.Metadata)
			return out, true, nil
		}
	}
	return Materialization{}, false, nil
}

func (m *memStore) MaterializedPartitions(_ context.Context, asset string) (map[string]Materialization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]Materialization{}
	for _, mt := range m.mats[asset] {
		mt.Metadata = maps.Clone(mt.Metadata)
		out[mt.Partition] = mt
	}
	return out, nil
}

func (m *memStore) AddObservation(_ context.Context, o Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	m.obs[o.Asset] = append(m.obs[o.Asset], o)
	return nil
}

func (m *memStore) LatestObservation(_ context.Context, asset string) (Observation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.obs[asset]
	if len(list) == 0 {
		return Observation{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (m *memStore) GetCursor(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

func (m *memStore) SetCursor(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cursors[name] = value
	return nil
}

func (m *memStore) ClaimRunKey(_ context.Context, sensor, runKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	k := sensor + "\x00" + runKey
	if _, ok := m.runKeys[k]; ok {
		return false, nil
	}
	m.runKeys[k] = time.Now()
	return true, nil
}

func (m *memStore) ReleaseRunKey(_ context.Context, sensor, runKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.runKeys, sensor+"\x00"+runKey)
	return nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until.UnixMilli()
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (m *memStore) pruneDedup(now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m.dedup {
		if v < cut {
			delete(m.dedup, k)
		}
	}
}

func cloneRun(r Run) Run {
	r.RunConfig = slices.Clone(r.RunConfig)
	r.Assets = slices.Clone(r.Assets)
	return r
}
