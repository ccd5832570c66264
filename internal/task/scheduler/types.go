package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "taxiflow/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA, e.g. "America/New_York"; empty means Local
}

// Fire is called on every tick with the tick time in the scheduler location.
type Fire func(ctx context.Context, tick time.Time) error

type scheduleDef struct {
	name          string
	spec          string
	fire          Fire
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	ctx context.Context

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// last warn per schedule, for throttling trigger errors
	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	fired map[string]*fireStats
}

type fireStats struct {
	count   uint64
	lastErr string
	lastAt  time.Time
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Fired         uint64        `json:"fired"`
	LastFiredAt   time.Time     `json:"last_fired_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
