package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"taxiflow/internal/asset"
	"taxiflow/internal/defs"
	"taxiflow/internal/eventbus"
	"taxiflow/internal/launcher"
	"taxiflow/internal/run"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	logx "taxiflow/pkg/logx"
)

type fakeLauncher struct {
	mu    sync.Mutex
	keys  map[string]bool
	reqs  []launcher.Request
	fail  error
	calls chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{keys: map[string]bool{}, calls: make(chan struct{}, 16)}
}

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request) (storage.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() {
		select {
		case f.calls <- struct{}{}:
		default:
		}
	}()
	if f.fail != nil {
		return storage.Run{}, f.fail
	}
	if f.keys[req.RunKey] {
		return storage.Run{}, launcher.ErrDuplicateRunKey
	}
	f.keys[req.RunKey] = true
	f.reqs = append(f.reqs, req)
	return storage.Run{ID: "run-" + req.RunKey}, nil
}

func sensorDefs(t *testing.T, eval defs.SensorFunc, dirs ...string) *defs.Definitions {
	t.Helper()
	d, err := defs.New(
		[]*asset.Asset{{Key: "adhoc_request", Fn: func(context.Context, *asset.Context) (asset.Output, error) { return asset.Output{}, nil }}},
		[]defs.Job{{Name: "adhoc_request_job", Selection: asset.Keys("adhoc_request")}},
		nil,
		[]defs.Sensor{{Name: "adhoc_request_sensor", Job: "adhoc_request_job", Eval: eval, WatchDirs: dirs, MinInterval: time.Hour}},
	)
	if err != nil {
		t.Fatalf("defs.New: %v", err)
	}
	return d
}

func TestTickLaunchesAndAdvancesCursor(t *testing.T) {
	t.Parallel()
	var seen []string
	eval := func(_ context.Context, sc *defs.SensorContext) (defs.SensorResult, error) {
		seen = append(seen, sc.Cursor)
		return defs.SensorResult{
			Requests: []defs.RunRequest{{RunKey: "k1"}, {RunKey: "k2"}},
			Cursor:   "c" + string(rune('0'+len(seen))),
		}, nil
	}
	st := storage.OpenMemory()
	fl := newFakeLauncher()
	rt := New(sensorDefs(t, eval), st, fl, Config{}, logx.Nop())
	ctx := context.Background()

	res, err := rt.Tick(ctx, "adhoc_request_sensor")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(res.Launched) != 2 || res.Cursor != "c1" {
		t.Fatalf("first tick=%+v", res)
	}
	if fl.reqs[0].Trigger != storage.TriggerSensor || fl.reqs[0].Source != "adhoc_request_sensor" || fl.reqs[0].Job != "adhoc_request_job" {
		t.Fatalf("request=%+v", fl.reqs[0])
	}

	res, err = rt.Tick(ctx, "adhoc_request_sensor")
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(res.Launched) != 0 || res.Duplicates != 2 || res.Cursor != "c2" {
		t.Fatalf("second tick=%+v", res)
	}
	if seen[1] != "c1" {
		t.Fatalf("sensor saw cursor %q on second tick, want c1", seen[1])
	}

	if _, err := rt.Tick(ctx, "missing"); !errors.Is(err, defs.ErrUnknownSensor) {
		t.Fatalf("err=%v, want ErrUnknownSensor", err)
	}
}

func TestTickKeepsCursorWhenLaunchFails(t *testing.T) {
	t.Parallel()
	eval := func(context.Context, *defs.SensorContext) (defs.SensorResult, error) {
		return defs.SensorResult{Requests: []defs.RunRequest{{RunKey: "k"}}, Cursor: "next"}, nil
	}
	st := storage.OpenMemory()
	fl := newFakeLauncher()
	fl.fail = errors.New("queue full")
	rt := New(sensorDefs(t, eval), st, fl, Config{}, logx.Nop())

	res, err := rt.Tick(context.Background(), "adhoc_request_sensor")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("res=%+v", res)
	}
	if c, _ := st.GetCursor(context.Background(), CursorKey("adhoc_request_sensor")); c != "" {
		t.Fatalf("cursor advanced to %q despite failed launch", c)
	}
}

func TestTickRetriesRequestRefusedByEngine(t *testing.T) {
	defer goleak.VerifyNone(t)
	eval := func(context.Context, *defs.SensorContext) (defs.SensorResult, error) {
		return defs.SensorResult{
			Requests: []defs.RunRequest{{RunKey: "adhoc_request_a.json_1"}},
			Cursor:   "c1",
		}, nil
	}
	d := sensorDefs(t, eval)
	st := storage.OpenMemory()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop())
	l := launcher.New(d, st, run.NewRunner(d.Graph, st, eventbus.New(), logx.Nop()), eng, logx.Nop(), launcher.Options{Timeout: 5 * time.Second})
	rt := New(d, st, l, Config{}, logx.Nop())
	ctx := context.Background()

	// Not started yet: the engine refuses the run.
	res, err := rt.Tick(ctx, "adhoc_request_sensor")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Failed != 1 || res.Cursor != "" {
		t.Fatalf("refused tick=%+v", res)
	}

	eng.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(stopCtx)
	}()

	res, err = rt.Tick(ctx, "adhoc_request_sensor")
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(res.Launched) != 1 || res.Duplicates != 0 || res.Cursor != "c1" {
		t.Fatalf("retry tick=%+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, _ := st.GetRun(ctx, res.Launched[0])
		if r.Status == storage.StatusSuccess {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("retried request did not run")
}

func TestRunWakesOnFileChange(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	eval := func(context.Context, *defs.SensorContext) (defs.SensorResult, error) {
		entries, _ := os.ReadDir(dir)
		var reqs []defs.RunRequest
		for _, e := range entries {
			reqs = append(reqs, defs.RunRequest{RunKey: e.Name()})
		}
		return defs.SensorResult{Requests: reqs}, nil
	}
	fl := newFakeLauncher()
	rt := New(sensorDefs(t, eval, dir), storage.OpenMemory(), fl, Config{Watch: true, Debounce: 10 * time.Millisecond}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The initial evaluation sees an empty directory; give the watcher a
	// moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "january.json"), []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-fl.calls:
	case <-time.After(3 * time.Second):
		t.Fatalf("sensor was not woken by the file change")
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.reqs) != 1 || fl.reqs[0].RunKey != "january.json" {
		t.Fatalf("reqs=%+v", fl.reqs)
	}
}
