package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"taxiflow/internal/asset"
	"taxiflow/internal/defs"
	"taxiflow/internal/eventbus"
	"taxiflow/internal/launcher"
	"taxiflow/internal/partition"
	"taxiflow/internal/sensor"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	logx "taxiflow/pkg/logx"
)

func noop(context.Context, *asset.Context) (asset.Output, error) { return asset.Output{}, nil }

func testDefs(t *testing.T) *defs.Definitions {
	t.Helper()
	monthly, _ := partition.NewMonthly("2023-01-01", "2023-04-01")
	d, err := defs.New(
		[]*asset.Asset{
			{Key: "taxi_zones_endpoint", Kind: asset.ObservableSource, Fn: noop},
			{Key: "taxi_trips_file", Group: "raw_files", Partitions: monthly, Fn: noop},
			{Key: "taxi_trips", Group: "ingested", Partitions: monthly, Deps: []string{"taxi_trips_file"}, Fn: noop},
		},
		[]defs.Job{{Name: "trip_update_job", Partitions: monthly, Selection: asset.All()}},
		[]defs.Schedule{{Name: "trip_update_schedule", Job: "trip_update_job", Cron: "0 0 5 * *"}},
		[]defs.Sensor{{Name: "adhoc_request_sensor", Job: "trip_update_job", Eval: func(context.Context, *defs.SensorContext) (defs.SensorResult, error) {
			return defs.SensorResult{}, nil
		}}},
	)
	if err != nil {
		t.Fatalf("defs.New: %v", err)
	}
	return d
}

type fakeLauncher struct {
	mu   sync.Mutex
	d    *defs.Definitions
	err  error
	reqs []launcher.Request
}

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request) (storage.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Job != launcher.AssetJob {
		if _, err := f.d.Job(req.Job); err != nil {
			return storage.Run{}, err
		}
	}
	f.reqs = append(f.reqs, req)
	r := storage.Run{ID: fmt.Sprintf("run-%d", len(f.reqs)), Job: req.Job, Partition: req.Partition, Trigger: req.Trigger, Status: storage.StatusQueued}
	if f.err != nil {
		r.Status = storage.StatusSkipped
		return r, f.err
	}
	return r, nil
}

type fakeTicker struct{}

func (fakeTicker) Tick(_ context.Context, name string) (sensor.TickResult, error) {
	if name != "adhoc_request_sensor" {
		return sensor.TickResult{}, fmt.Errorf("%w: %s", defs.ErrUnknownSensor, name)
	}
	return sensor.TickResult{Sensor: name, SkipReason: "no new or modified request files"}, nil
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *fakeLauncher, storage.Store, eventbus.Bus) {
	t.Helper()
	d := testDefs(t)
	st := storage.OpenMemory()
	bus := eventbus.New()
	fl := &fakeLauncher{d: d}
	s := New(cfg, Deps{Defs: d, Store: st, Launcher: fl, Sensors: fakeTicker{}, Bus: bus}, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, fl, st, bus
}

func do(t *testing.T, method, url, token, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestTokenMatches(t *testing.T) {
	t.Parallel()
	cases := []struct {
		got, want string
		ok        bool
	}{
		{"s3cret", "s3cret", true},
		{"", "s3cret", false},
		{"s3cre", "s3cret", false},
		{"S3CRET", "s3cret", false},
	}
	for _, tc := range cases {
		if ok := tokenMatches(tc.got, tc.want); ok != tc.ok {
			t.Fatalf("tokenMatches(%q, %q)=%v", tc.got, tc.want, ok)
		}
	}
}

func TestLaunchRequiresToken(t *testing.T) {
	t.Parallel()
	srv, fl, _, _ := newTestServer(t, Config{Token: "s3cret"})
	url := srv.URL + "/api/jobs/trip_update_job/runs"

	if code, _ := do(t, http.MethodPost, url, "", `{"partition":"2023-02-01"}`); code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", code)
	}
	for _, bad := range []string{"wrong", "s3cre", "s3cret2"} {
		if code, _ := do(t, http.MethodPost, url, bad, `{}`); code != http.StatusUnauthorized {
			t.Fatalf("token %q: status %d", bad, code)
		}
	}
	code, body := do(t, http.MethodPost, url, "s3cret", `{"partition":"2023-02-01"}`)
	if code != http.StatusAccepted {
		t.Fatalf("status %d body %s", code, body)
	}
	var run storage.Run
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Job != "trip_update_job" || run.Partition != "2023-02-01" {
		t.Fatalf("run=%+v", run)
	}
	want := []launcher.Request{{Job: "trip_update_job", Partition: "2023-02-01", Trigger: storage.TriggerManual, Source: "api"}}
	if diff := cmp.Diff(want, fl.reqs); diff != "" {
		t.Fatalf("requests (-want +got):\n%s", diff)
	}
}

func TestLaunchErrorStatus(t *testing.T) {
	t.Parallel()
	srv, fl, _, _ := newTestServer(t, Config{})

	cases := []struct {
		name string
		path string
		body string
		err  error
		want int
	}{
		{"unknown job", "/api/jobs/nope/runs", `{}`, nil, http.StatusNotFound},
		{"unknown field", "/api/jobs/trip_update_job/runs", `{"month":"2023-02"}`, nil, http.StatusBadRequest},
		{"unknown asset", "/api/assets/nope/materialize", ``, nil, http.StatusNotFound},
		{"queue full", "/api/jobs/trip_update_job/runs", `{"partition":"2023-02-01"}`, engine.ErrQueueFull, http.StatusServiceUnavailable},
		{"overlap", "/api/jobs/trip_update_job/runs", `{"partition":"2023-02-01"}`, engine.ErrOverlapSkip, http.StatusConflict},
		{"asset", "/api/assets/taxi_trips/materialize", `{"partition":"2023-03-01"}`, nil, http.StatusAccepted},
	}
	for _, tc := range cases {
		fl.mu.Lock()
		fl.err = tc.err
		fl.mu.Unlock()
		if code, body := do(t, http.MethodPost, srv.URL+tc.path, "", tc.body); code != tc.want {
			t.Fatalf("%s: status %d want %d (%s)", tc.name, code, tc.want, body)
		}
	}
	last := fl.reqs[len(fl.reqs)-1]
	if last.Job != launcher.AssetJob || strings.Join(last.Assets, ",") != "taxi_trips" {
		t.Fatalf("materialize request=%+v", last)
	}
}

func TestRunsAndAssets(t *testing.T) {
	t.Parallel()
	srv, _, st, _ := newTestServer(t, Config{})
	ctx := context.Background()
	now := time.Date(2023, 3, 5, 0, 0, 0, 0, time.UTC)
	for i, p := range []string{"2023-01-01", "2023-02-01"} {
		r := storage.Run{ID: fmt.Sprintf("r%d", i), Job: "trip_update_job", Partition: p, Status: storage.StatusSuccess, CreatedAt: now.Add(time.Duration(i) * time.Minute)}
		if err := st.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		_ = st.AddMaterialization(ctx, storage.Materialization{RunID: r.ID, Asset: "taxi_trips", Partition: p, At: now})
	}

	code, body := do(t, http.MethodGet, srv.URL+"/api/runs?partition=2023-02-01", "", "")
	var runs []storage.Run
	if code != http.StatusOK || json.Unmarshal([]byte(body), &runs) != nil || len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("runs: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/api/runs/missing", "", ""); code != http.StatusNotFound {
		t.Fatalf("missing run: %d", code)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/api/runs?limit=x", "", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/assets/taxi_trips/partitions", "", "")
	var parts []partitionView
	if code != http.StatusOK || json.Unmarshal([]byte(body), &parts) != nil {
		t.Fatalf("partitions: %d %s", code, body)
	}
	var done []string
	for _, p := range parts {
		if p.Materialized != nil {
			done = append(done, p.Key)
		}
	}
	if len(parts) != 3 || strings.Join(done, ",") != "2023-01-01,2023-02-01" {
		t.Fatalf("partitions=%+v", parts)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/api/assets/taxi_zones_endpoint/partitions", "", ""); code != http.StatusBadRequest {
		t.Fatalf("unpartitioned: %d", code)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/assets", "", "")
	if code != http.StatusOK || !strings.Contains(body, `"materialized_partitions": 2`) || !strings.Contains(body, `"kind": "observable_source"`) {
		t.Fatalf("assets: %d %s", code, body)
	}
}

func TestSensorsAndSchedules(t *testing.T) {
	t.Parallel()
	srv, _, st, _ := newTestServer(t, Config{})
	_ = st.SetCursor(context.Background(), sensor.CursorKey("adhoc_request_sensor"), `{"a.json":1}`)

	code, body := do(t, http.MethodGet, srv.URL+"/api/sensors", "", "")
	if code != http.StatusOK || !strings.Contains(body, `"cursor": "{\"a.json\":1}"`) {
		t.Fatalf("sensors: %d %s", code, body)
	}
	if code, body := do(t, http.MethodPost, srv.URL+"/api/sensors/adhoc_request_sensor/tick", "", ""); code != http.StatusOK || !strings.Contains(body, "no new or modified") {
		t.Fatalf("tick: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/sensors/nope/tick", "", ""); code != http.StatusNotFound {
		t.Fatalf("unknown sensor: %d", code)
	}
	code, body = do(t, http.MethodGet, srv.URL+"/api/schedules", "", "")
	if code != http.StatusOK || !strings.Contains(body, `"cron": "0 0 5 * *"`) {
		t.Fatalf("schedules: %d %s", code, body)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	srv, _, _, bus := newTestServer(t, Config{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?types=run."
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered by the handler after the upgrade.
	got := make(chan eventbus.Event, 1)
	go func() {
		var e struct {
			Type string           `json:"type"`
			Data eventbus.RunEvent `json:"data"`
		}
		if err := conn.ReadJSON(&e); err == nil {
			got <- eventbus.Event{Type: e.Type, Data: e.Data}
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.AssetMaterialized, Data: eventbus.AssetEvent{Asset: "taxi_trips"}})
		bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: eventbus.RunEvent{RunID: "r1", Job: "trip_update_job"}})
		select {
		case e := <-got:
			if e.Type != eventbus.RunFailed || e.Data.(eventbus.RunEvent).RunID != "r1" {
				t.Fatalf("event=%+v", e)
			}
			return
		case <-deadline:
			t.Fatalf("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHealthAndPprof(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t, Config{Pprof: true, Token: "tok"})
	if code, body := do(t, http.MethodGet, srv.URL+"/healthz", "", ""); code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("healthz: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("pprof without token: %d", code)
	}
	if code, body := do(t, http.MethodGet, srv.URL+"/debug/pprof/?token=tok", "", ""); code != http.StatusOK || !strings.Contains(body, "goroutine") {
		t.Fatalf("pprof index: %d", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:3070": true,
		"localhost:3070": true,
		"[::1]:3070":     true,
		":3070":          false,
		"0.0.0.0:3070":   false,
		"10.0.0.5:3070":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Defs: testDefs(t), Store: storage.OpenMemory()}, logx.Nop())
	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if code, _ := do(t, http.MethodGet, "http://"+s.Addr()+"/healthz", "", ""); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatalf("service still running after Stop")
	}
}
