// Package defs holds the registry of assets, jobs, schedules and sensors
// that make up a pipeline.
package defs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"taxiflow/internal/asset"
	"taxiflow/internal/partition"
	logx "taxiflow/pkg/logx"
)

var (
	ErrUnknownJob        = errors.New("unknown job")
	ErrUnknownSchedule   = errors.New("unknown schedule")
	ErrUnknownSensor     = errors.New("unknown sensor")
	ErrUnknownPartition  = errors.New("unknown partition")
	ErrPartitionMismatch = errors.New("partitions definition mismatch")
)

// Job is a named asset selection, optionally bound to a partitions
// definition shared by all of its partitioned assets.
type Job struct {
	Name        string
	Description string
	Selection   asset.Selection
	Partitions  *partition.TimeWindow
}

// Schedule launches Job on a cron expression. Partitioned jobs target the
// partition that most recently completed at the tick.
type Schedule struct {
	Name        string
	Job         string
	Cron        string
	Description string
}

// RunRequest is what a sensor asks to launch.
type RunRequest struct {
	RunKey    string
	Partition string
	RunConfig json.RawMessage
}

type SensorContext struct {
	Name   string
	Cursor string
	Now    time.Time
	Log    logx.Logger
}

type SensorResult struct {
	Requests []RunRequest
	// Cursor replaces the stored cursor when non-empty.
	Cursor     string
	SkipReason string
}

type SensorFunc func(ctx context.Context, sc *SensorContext) (SensorResult, error)

type Sensor struct {
	Name        string
	Job         string
	Description string
	MinInterval time.Duration
	// WatchDirs are directories whose changes wake the sensor early.
	WatchDirs []string
	Eval      SensorFunc
}

// Definitions is the validated registry.
type Definitions struct {
	Graph     *asset.Graph
	jobs      map[string]*Job
	jobAssets map[string][]string
	schedules map[string]*Schedule
	sensors   map[string]*Sensor
}

// New builds the asset graph and validates every cross reference.
func New(assets []*asset.Asset, jobs []Job, schedules []Schedule, sensors []Sensor) (*Definitions, error) {
	g, err := asset.NewGraph(assets...)
	if err != nil {
		return nil, err
	}
	d := &Definitions{
		Graph:     g,
		jobs:      map[string]*Job{},
		jobAssets: map[string][]string{},
		schedules: map[string]*Schedule{},
		sensors:   map[string]*Sensor{},
	}
	for i := range jobs {
		j := jobs[i]
		if _, dup := d.jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", j.Name)
		}
		d.jobs[j.Name] = &j
	}
	for i := range schedules {
		s := schedules[i]
		if _, dup := d.schedules[s.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", s.Name)
		}
		d.schedules[s.Name] = &s
	}
	for i := range sensors {
		s := sensors[i]
		if _, dup := d.sensors[s.Name]; dup {
			return nil, fmt.Errorf("duplicate sensor %q", s.Name)
		}
		d.sensors[s.Name] = &s
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate resolves every job selection and checks schedule and sensor
// targets. All problems are reported together.
func (d *Definitions) Validate() error {
	var errs []error
	for _, name := range d.JobNames() {
		j := d.jobs[name]
		if j.Selection == nil {
			errs = append(errs, fmt.Errorf("job %s: selection is required", name))
			continue
		}
		keys, err := asset.Resolve(d.Graph, j.Selection)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		// Jobs only materialize; sources are observed by auto-materialize.
		keys = slices.DeleteFunc(keys, func(k string) bool {
			a, _ := d.Graph.Get(k)
			return a.Kind == asset.ObservableSource
		})
		if len(keys) == 0 {
			errs = append(errs, fmt.Errorf("job %s: selection %s is empty", name, j.Selection))
			continue
		}
		for _, k := range keys {
			a, _ := d.Graph.Get(k)
			if !a.Partitioned() {
				continue
			}
			if j.Partitions == nil || !a.Partitions.Equal(j.Partitions) {
				errs = append(errs, fmt.Errorf("job %s: asset %s uses %s, job uses %v: %w",
					name, k, a.Partitions, j.Partitions, ErrPartitionMismatch))
			}
		}
		d.jobAssets[name] = keys
	}
	for _, name := range sortedKeys(d.schedules) {
		s := d.schedules[name]
		if _, ok := d.jobs[s.Job]; !ok {
			errs = append(errs, fmt.Errorf("schedule %s: %w %q", name, ErrUnknownJob, s.Job))
		}
		if s.Cron == "" {
			errs = append(errs, fmt.Errorf("schedule %s: cron is required", name))
		}
	}
	for _, name := range sortedKeys(d.sensors) {
		s := d.sensors[name]
		if _, ok := d.jobs[s.Job]; !ok {
			errs = append(errs, fmt.Errorf("sensor %s: %w %q", name, ErrUnknownJob, s.Job))
		}
		if s.Eval == nil {
			errs = append(errs, fmt.Errorf("sensor %s: eval function is required", name))
		}
	}
	return errors.Join(errs...)
}

func (d *Definitions) Job(name string) (*Job, error) {
	j, ok := d.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return j, nil
}

// JobAssets returns the job's assets in topological order.
func (d *Definitions) JobAssets(name string) ([]string, error) {
	if _, err := d.Job(name); err != nil {
		return nil, err
	}
	return slices.Clone(d.jobAssets[name]), nil
}

func (d *Definitions) JobNames() []string { return sortedKeys(d.jobs) }

func (d *Definitions) Schedule(name string) (*Schedule, error) {
	s, ok := d.schedules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	return s, nil
}

func (d *Definitions) Schedules() []*Schedule {
	out := make([]*Schedule, 0, len(d.schedules))
	for _, k := range sortedKeys(d.schedules) {
		out = append(out, d.schedules[k])
	}
	return out
}

func (d *Definitions) Sensor(name string) (*Sensor, error) {
	s, ok := d.sensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSensor, name)
	}
	return s, nil
}

func (d *Definitions) Sensors() []*Sensor {
	out := make([]*Sensor, 0, len(d.sensors))
	for _, k := range sortedKeys(d.sensors) {
		out = append(out, d.sensors[k])
	}
	return out
}

// CheckPartition validates key against the job: partitioned jobs require a
// key inside their definition, unpartitioned jobs reject one.
func (j *Job) CheckPartition(key string, now time.Time) error {
	if j.Partitions == nil {
		if key != "" {
			return fmt.Errorf("job %s is not partitioned (got partition %q)", j.Name, key)
		}
		return nil
	}
	if key == "" {
		return fmt.Errorf("job %s requires a partition", j.Name)
	}
	if !j.Partitions.Contains(key, now) {
		return fmt.Errorf("%w %q for job %s (%s)", ErrUnknownPartition, key, j.Name, j.Partitions)
	}
	return nil
}

// ScheduleTarget returns the partition a tick of s should run. ok is false
// when the job is partitioned and no partition completed inside the
// definition at tick.
func (d *Definitions) ScheduleTarget(s *Schedule, tick time.Time) (key string, ok bool, err error) {
	j, err := d.Job(s.Job)
	if err != nil {
		return "", false, err
	}
	if j.Partitions == nil {
		return "", true, nil
	}
	key, ok = j.Partitions.LastCompleteKey(tick)
	return key, ok, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
