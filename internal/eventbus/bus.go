package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the run engine and the asset runner.
const (
	RunQueued    = "run.queued"
	RunStarted   = "run.started"
	RunSucceeded = "run.succeeded"
	RunFailed    = "run.failed"
	RunSkipped   = "run.skipped"

	AssetMaterialized = "asset.materialized"
	AssetObserved     = "asset.observed"
	AssetFailed       = "asset.failed"
	AssetSkipped      = "asset.skipped"

	ConfigReloaded = "config.reloaded"
)

// Event is an in-memory signal. Publish never blocks; a slow subscriber
// loses events once its buffer is full.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// RunEvent is the payload of run.* events.
type RunEvent struct {
	RunID     string `json:"run_id"`
	Job       string `json:"job"`
	Partition string `json:"partition,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AssetEvent is the payload of asset.* events.
type AssetEvent struct {
	RunID       string            `json:"run_id,omitempty"`
	Asset       string            `json:"asset"`
	Partition   string            `json:"partition,omitempty"`
	DataVersion string            `json:"data_version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel. The returned func removes and
// closes it; calling it more than once is a no-op.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything. Useful for one-shot CLI runs and tests.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

// Matches reports whether t is one of types. An entry ending in "."
// matches every type with that prefix ("run."). An empty list matches all.
func Matches(t string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		x = strings.TrimSpace(x)
		if x == t || (strings.HasSuffix(x, ".") && strings.HasPrefix(t, x)) {
			return true
		}
	}
	return false
}
