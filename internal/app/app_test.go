package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taxiflow/internal/config"
	"taxiflow/internal/pipeline"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	"taxiflow/internal/task/scheduler"
	logx "taxiflow/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.PathsConfig{
		RawDir:      filepath.Join(dir, "raw"),
		StagingDir:  filepath.Join(dir, "staging"),
		OutputsDir:  filepath.Join(dir, "outputs"),
		RequestsDir: filepath.Join(dir, "requests"),
	}
	cfg.Database.Path = filepath.Join(dir, "staging", "data.duckdb")
	cfg.Storage = nil
	return cfg
}

func TestFireScheduleTargetsLastCompletePartition(t *testing.T) {
	t.Parallel()
	c, err := Open(testConfig(t), nil, logx.Nop(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close(context.Background())
	a := &App{c: c}

	sc, err := c.Defs.Schedule("trip_update_schedule")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	fire := a.fireSchedule(sc)

	// No month has ended yet on Jan 5th.
	var sk scheduler.Skipped
	if err := fire(context.Background(), time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)); !errors.As(err, &sk) {
		t.Fatalf("early tick err=%v, want Skipped", err)
	}

	// The engine is not started, so the launch is refused but recorded.
	err = fire(context.Background(), time.Date(2023, 3, 5, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, engine.ErrStopped) && !errors.Is(err, engine.ErrDisabled) {
		t.Fatalf("err=%v, want engine refusal", err)
	}
	runs, err := c.Store.ListRuns(context.Background(), storage.RunFilter{Job: pipeline.TripUpdateJob})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Partition != "2023-02-01" || runs[0].Trigger != storage.TriggerSchedule || runs[0].Source != "trip_update_schedule" {
		t.Fatalf("runs=%+v", runs)
	}
}

func TestOpenRejectsUnknownEnvironment(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Environment = "prod"
	if _, err := Open(cfg, nil, logx.Nop(), Options{}); !errors.Is(err, config.ErrUnknownEnvironment) {
		t.Fatalf("err=%v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{"nil", nil, storage.Config{}, false},
		{"none", &config.StorageConfig{Driver: "none"}, storage.Config{}, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "runs.json"}, storage.Config{Driver: "file", Path: "runs.json"}, false},
		{"sqlite default busy", &config.StorageConfig{Driver: "SQLite", Path: "runs.db"}, storage.Config{Driver: "sqlite", Path: "runs.db", BusyTimeout: time.Second}, false},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, storage.Config{}, true},
		{"unknown", &config.StorageConfig{Driver: "postgres"}, storage.Config{}, true},
	}
	for _, tc := range cases {
		got, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	got, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !got.Enabled || got.DefaultTimeout != 30*time.Minute || got.RetryMax != 2 {
		t.Fatalf("defaults=%+v", got)
	}

	off := false
	cfg.RunEngine = &config.RunEngineConfig{Enabled: &off}
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatalf("disabled engine with scheduler enabled accepted")
	}

	cfg.RunEngine = &config.RunEngineConfig{Workers: 4, RetryBase: "2s", DefaultTimeout: "1h"}
	got, err = mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("custom: %v", err)
	}
	if got.Workers != 4 || got.RetryBase != 2*time.Second || got.DefaultTimeout != time.Hour || got.RetryMaxDelay != 2*time.Minute {
		t.Fatalf("custom=%+v", got)
	}

	cfg.RunEngine.MaxQueueDelay = "soon"
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestMapAPIConfigPprofWriteTimeout(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.API = config.APIConfig{Enabled: true, Pprof: true}
	got, err := mapAPIConfig(cfg)
	if err != nil {
		t.Fatalf("mapAPIConfig: %v", err)
	}
	if got.WriteTimeout != 2*time.Minute || got.ReadTimeout != 15*time.Second {
		t.Fatalf("got %+v", got)
	}
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		sent  []string
		pings = make(chan struct{}, 8)
	)
	n := &sdNotifier{
		log: logx.Nop(),
		notify: func(state string) (bool, error) {
			mu.Lock()
			sent = append(sent, state)
			mu.Unlock()
			if state == "WATCHDOG=1" {
				pings <- struct{}{}
			}
			return true, nil
		},
		watchdog: func() (time.Duration, error) { return 20 * time.Millisecond, nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx, func() bool { return true }) }()
	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("no watchdog ping")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog: %v", err)
	}

	n.Stopping(StopSIGTERM)
	mu.Lock()
	defer mu.Unlock()
	if last := sent[len(sent)-1]; last != "STATUS=stopping: sigterm" {
		t.Fatalf("last state %q", last)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	n := &sdNotifier{
		log:      logx.Nop(),
		notify:   func(string) (bool, error) { t.Errorf("unexpected notify"); return false, nil },
		watchdog: func() (time.Duration, error) { return 0, nil },
	}
	if err := n.Watchdog(context.Background(), nil); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
