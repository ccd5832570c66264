package defs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"taxiflow/internal/asset"
	"taxiflow/internal/partition"
)

func noop(context.Context, *asset.Context) (asset.Output, error) { return asset.Output{}, nil }

func noSensor(context.Context, *SensorContext) (SensorResult, error) { return SensorResult{}, nil }

func testDefs(t *testing.T) (*Definitions, *partition.TimeWindow, *partition.TimeWindow) {
	t.Helper()
	monthly, _ := partition.NewMonthly("2023-01-01", "2023-04-01")
	weekly, _ := partition.NewWeekly("2023-01-01", "2023-04-01")
	assets := []*asset.Asset{
		{Key: "taxi_trips_file", Partitions: monthly, Fn: noop},
		{Key: "taxi_trips", Partitions: monthly, Deps: []string{"taxi_trips_file"}, Fn: noop},
		{Key: "taxi_zones", Fn: noop},
		{Key: "trips_by_week", Partitions: weekly, Deps: []string{"taxi_trips"}, Fn: noop},
		{Key: "adhoc_request", Deps: []string{"taxi_trips", "taxi_zones"}, Fn: noop},
	}
	d, err := New(assets,
		[]Job{
			{Name: "trip_update_job", Partitions: monthly, Selection: asset.Minus(asset.All(), asset.Keys("trips_by_week"), asset.Keys("adhoc_request"))},
			{Name: "weekly_update_job", Partitions: weekly, Selection: asset.Keys("trips_by_week")},
			{Name: "adhoc_request_job", Selection: asset.Keys("adhoc_request")},
		},
		[]Schedule{
			{Name: "trip_update_schedule", Job: "trip_update_job", Cron: "0 0 5 * *"},
			{Name: "weekly_update_schedule", Job: "weekly_update_job", Cron: "0 0 * * 1"},
		},
		[]Sensor{{Name: "adhoc_request_sensor", Job: "adhoc_request_job", Eval: noSensor}},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, monthly, weekly
}

func TestNewResolvesJobs(t *testing.T) {
	t.Parallel()
	d, _, _ := testDefs(t)
	got, err := d.JobAssets("trip_update_job")
	if err != nil {
		t.Fatalf("JobAssets: %v", err)
	}
	if strings.Join(got, ",") != "taxi_trips_file,taxi_trips,taxi_zones" {
		t.Fatalf("trip_update_job assets=%v", got)
	}
	if _, err := d.JobAssets("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err=%v, want ErrUnknownJob", err)
	}
	if names := d.JobNames(); len(names) != 3 || names[0] != "adhoc_request_job" {
		t.Fatalf("JobNames=%v", names)
	}
}

func TestJobsLeaveObservableSourcesOut(t *testing.T) {
	t.Parallel()
	assets := []*asset.Asset{
		{Key: "taxi_zones_endpoint", Kind: asset.ObservableSource, Fn: noop},
		{Key: "taxi_zones_file", Deps: []string{"taxi_zones_endpoint"}, Fn: noop},
		{Key: "taxi_zones", Deps: []string{"taxi_zones_file"}, Fn: noop},
	}
	d, err := New(assets, []Job{{Name: "zones_job", Selection: asset.All()}}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, _ := d.JobAssets("zones_job")
	if strings.Join(got, ",") != "taxi_zones_file,taxi_zones" {
		t.Fatalf("zones_job assets=%v", got)
	}

	_, err = New(assets, []Job{{Name: "observe_job", Selection: asset.Keys("taxi_zones_endpoint")}}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "is empty") {
		t.Fatalf("source-only job err=%v", err)
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	t.Parallel()
	monthly, _ := partition.NewMonthly("2023-01-01", "2023-04-01")
	weekly, _ := partition.NewWeekly("2023-01-01", "2023-04-01")
	assets := []*asset.Asset{{Key: "m", Partitions: monthly, Fn: noop}}

	tests := []struct {
		name      string
		jobs      []Job
		schedules []Schedule
		sensors   []Sensor
		want      error
		contains  string
	}{
		{
			name: "partition mismatch",
			jobs: []Job{{Name: "j", Partitions: weekly, Selection: asset.Keys("m")}},
			want: ErrPartitionMismatch,
		},
		{
			name: "unpartitioned job with partitioned asset",
			jobs: []Job{{Name: "j", Selection: asset.All()}},
			want: ErrPartitionMismatch,
		},
		{
			name:     "unknown asset",
			jobs:     []Job{{Name: "j", Selection: asset.Keys("x")}},
			want:     asset.ErrUnknownAsset,
			contains: "job j",
		},
		{
			name:      "schedule to unknown job",
			jobs:      []Job{{Name: "j", Partitions: monthly, Selection: asset.All()}},
			schedules: []Schedule{{Name: "s", Job: "missing", Cron: "@daily"}},
			want:      ErrUnknownJob,
		},
		{
			name:    "sensor to unknown job",
			jobs:    []Job{{Name: "j", Partitions: monthly, Selection: asset.All()}},
			sensors: []Sensor{{Name: "s", Job: "missing", Eval: noSensor}},
			want:    ErrUnknownJob,
		},
		{
			name:     "duplicate job",
			jobs:     []Job{{Name: "j", Partitions: monthly, Selection: asset.All()}, {Name: "j", Partitions: monthly, Selection: asset.All()}},
			contains: "duplicate job",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(assets, tt.jobs, tt.schedules, tt.sensors)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
			if tt.contains != "" && !strings.Contains(err.Error(), tt.contains) {
				t.Fatalf("err=%q, want it to mention %q", err, tt.contains)
			}
		})
	}
}

func TestCheckPartition(t *testing.T) {
	t.Parallel()
	d, _, _ := testDefs(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trip, _ := d.Job("trip_update_job")
	adhoc, _ := d.Job("adhoc_request_job")

	tests := []struct {
		job  *Job
		key  string
		ok   bool
		want error
	}{
		{trip, "2023-02-01", true, nil},
		{trip, "2023-04-01", false, ErrUnknownPartition},
		{trip, "2023-02-15", false, ErrUnknownPartition},
		{trip, "", false, nil},
		{adhoc, "", true, nil},
		{adhoc, "2023-02-01", false, nil},
	}
	for _, tt := range tests {
		err := tt.job.CheckPartition(tt.key, now)
		if (err == nil) != tt.ok {
			t.Fatalf("%s/%q: err=%v ok=%v", tt.job.Name, tt.key, err, tt.ok)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("%s/%q: err=%v, want %v", tt.job.Name, tt.key, err, tt.want)
		}
	}
}

func TestScheduleTarget(t *testing.T) {
	t.Parallel()
	d, _, _ := testDefs(t)
	monthly, _ := d.Schedule("trip_update_schedule")
	weekly, _ := d.Schedule("weekly_update_schedule")

	tests := []struct {
		s    *Schedule
		tick time.Time
		key  string
		ok   bool
	}{
		{monthly, time.Date(2023, 3, 5, 0, 0, 0, 0, time.UTC), "2023-02-01", true},
		{monthly, time.Date(2023, 4, 5, 0, 0, 0, 0, time.UTC), "2023-03-01", true},
		{monthly, time.Date(2023, 5, 5, 0, 0, 0, 0, time.UTC), "2023-04-01", false},
		{monthly, time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC), "2022-12-01", false},
		{weekly, time.Date(2023, 1, 9, 0, 0, 0, 0, time.UTC), "2023-01-01", true},
	}
	for _, tt := range tests {
		key, ok, err := d.ScheduleTarget(tt.s, tt.tick)
		if err != nil {
			t.Fatalf("ScheduleTarget: %v", err)
		}
		if key != tt.key || ok != tt.ok {
			t.Fatalf("%s @ %s: got (%s,%v), want (%s,%v)", tt.s.Name, tt.tick.Format(time.DateOnly), key, ok, tt.key, tt.ok)
		}
	}
}
