package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures the run store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON Lines journal replayed into memory on open
//   - "" or "none": in-memory only, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

type RunStatus string

const (
	StatusQueued   RunStatus = "queued"
	StatusStarted  RunStatus = "started"
	StatusSuccess  RunStatus = "success"
	StatusFailure  RunStatus = "failure"
	StatusSkipped  RunStatus = "skipped"
	StatusCanceled RunStatus = "canceled"
)

// Done reports whether the run reached a final status.
func (s RunStatus) Done() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped, StatusCanceled:
		return true
	}
	return false
}

type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerSensor   Trigger = "sensor"
	TriggerAuto     Trigger = "auto"
	TriggerBackfill Trigger = "backfill"
)

type Run struct {
	ID        string    `json:"id"`
	Job       string    `json:"job"`
	Partition string    `json:"partition,omitempty"`
	Status    RunStatus `json:"status"`
	Trigger   Trigger   `json:"trigger"`
	// Source names the schedule or sensor that launched the run.
	Source    string          `json:"source,omitempty"`
	RunKey    string          `json:"run_key,omitempty"`
	RunConfig json.RawMessage `json:"run_config,omitempty"`
	// Assets overrides the job selection (materialize command, auto runs).
	Assets    []string  `json:"assets,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

type Materialization struct {
	RunID       string            `json:"run_id"`
	Asset       string            `json:"asset"`
	Partition   string            `json:"partition,omitempty"`
	DataVersion string            `json:"data_version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	At          time.Time         `json:"at"`
}

type Observation struct {
	Asset       string    `json:"asset"`
	DataVersion string    `json:"data_version"`
	At          time.Time `json:"at"`
}

type RunFilter struct {
	Job       string
	Partition string
	Status    RunStatus
	// Limit caps the result (newest first); 0 means 100.
	Limit int
}

func (f RunFilter) match(r Run) bool {
	return (f.Job == "" || f.Job == r.Job) &&
		(f.Partition == "" || f.Partition == r.Partition) &&
		(f.Status == "" || f.Status == r.Status)
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Store persists orchestration state.
type Store interface {
	CreateRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)

	AddMaterialization(ctx context.Context, m Materialization) error
	// LatestMaterialization returns the newest materialization of asset for
	// partition ("" for unpartitioned assets).
	LatestMaterialization(ctx context.Context, asset, partition string) (Materialization, bool, error)
	// MaterializedPartitions returns the newest materialization per partition.
	MaterializedPartitions(ctx context.Context, asset string) (map[string]Materialization, error)

	AddObservation(ctx context.Context, o Observation) error
	LatestObservation(ctx context.Context, asset string) (Observation, bool, error)

	GetCursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, value string) error
	// ClaimRunKey records runKey for sensor and reports whether it was new.
	ClaimRunKey(ctx context.Context, sensor, runKey string) (bool, error)
	// ReleaseRunKey forgets a claim whose run never reached the engine.
	ReleaseRunKey(ctx context.Context, sensor, runKey string) error

	// Alert dedup state for the notifier.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
