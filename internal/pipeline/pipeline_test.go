package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taxiflow/internal/eventbus"
	"taxiflow/internal/resource"
	"taxiflow/internal/run"
	"taxiflow/internal/storage"
	logx "taxiflow/pkg/logx"
)

const zonesPage = `<html><body>
<div class="metadata-pair">
  <dd class="aboutUpdateDate date">
    <span data-rawdatetime="1681228987">Apr 11 2023</span>
  </dd>
</div>
</body></html>`

func TestZonesDataVersion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		page string
		want string
		err  error
	}{
		{"current markup", zonesPage, "1681228987", nil},
		{"nested span", `<div class="aboutUpdateDate"><p><span data-rawdatetime="42">x</span></p></div>`, "42", nil},
		{"class removed", `<div class="updated"><span data-rawdatetime="1">x</span></div>`, "", ErrEndpointChanged},
		{"span removed", `<div class="aboutUpdateDate">Apr 11</div>`, "", ErrEndpointChanged},
		{"attribute removed", `<div class="aboutUpdateDate"><span>Apr 11</span></div>`, "", ErrEndpointChanged},
	}
	for _, tt := range tests {
		got, err := ZonesDataVersion(strings.NewReader(tt.page))
		if !errors.Is(err, tt.err) {
			t.Fatalf("%s: err=%v, want %v", tt.name, err, tt.err)
		}
		if got != tt.want {
			t.Fatalf("%s: version=%q, want %q", tt.name, got, tt.want)
		}
	}
	if ErrEndpointChanged.Error() != "The NYC Taxi Zones dataset endpoint has changed." {
		t.Fatalf("message changed: %q", ErrEndpointChanged)
	}
	if wrapped := fmt.Errorf("observe taxi_zones_endpoint: %w", ErrEndpointChanged); !errors.Is(wrapped, ErrEndpointChanged) {
		t.Fatalf("wrapped error lost its identity: %v", wrapped)
	}
}

func TestPlanTripsSharesMonth(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"2023-01-01", "2023-02-01", "2023-03-01"} {
		plan := PlanTrips(defaultTripsURL, key)
		_, args := plan.DeleteSQL()
		_, insArgs := plan.InsertSQL("x.parquet")
		month := key[:7]
		if plan.File != "trips-"+month+".parquet" {
			t.Fatalf("%s: file=%s", key, plan.File)
		}
		if args[0] != month || insArgs[0] != month {
			t.Fatalf("%s: delete=%v insert=%v, want %s", key, args, insArgs, month)
		}
		if !strings.HasSuffix(plan.URL, "yellow_tripdata_"+month+".parquet") {
			t.Fatalf("%s: url=%s", key, plan.URL)
		}
	}
}

const defaultTripsURL = "https://d37ci6vzurychx.cloudfront.net/trip-data/yellow_tripdata_%s.parquet"

// writeTripsParquet writes n synthetic trips picked up on day in zone.
func writeTripsParquet(t *testing.T, db *resource.DuckDB, path string, n int, day string, zone int) {
	t.Helper()
	q := fmt.Sprintf(`copy (
		select
			1 as VendorID, %d as PULocationID, 2 as DOLocationID, 1.0 as RatecodeID, 1 as payment_type,
			timestamp '%s 10:00:00' as tpep_dropoff_datetime,
			timestamp '%s 09:30:00' + to_minutes(i::bigint) as tpep_pickup_datetime,
			1.25 as trip_distance, 2.0 as passenger_count, 'N' as store_and_fwd_flag,
			10.0 as fare_amount, 2.5 as congestion_surcharge, 0.3 as improvement_surcharge,
			0.0 as airport_fee, 0.5 as mta_tax, 1.0 as extra, 2.0 as tip_amount, 0.0 as tolls_amount,
			16.305 as total_amount
		from range(%d) t(i)
	) to %s (format parquet)`, zone, day, day, n, resource.QuoteLiteral(path))
	if _, err := db.Exec(context.Background(), q); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
}

func openDB(t *testing.T) *resource.DuckDB {
	t.Helper()
	db, err := resource.OpenDuckDB(resource.DuckDBConfig{Path: filepath.Join(t.TempDir(), "taxi.duckdb")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenDuckDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countTrips(t *testing.T, db *resource.DuckDB, month string) int {
	t.Helper()
	var n int
	if err := db.DB().QueryRow("select count(*) from trips where partition_date = ?", month).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestLoadTripsReplacesPartition(t *testing.T) {
	t.Parallel()
	db := openDB(t)
	dir := t.TempDir()
	ctx := context.Background()

	jan := PlanTrips(defaultTripsURL, "2023-01-01")
	feb := PlanTrips(defaultTripsURL, "2023-02-01")
	writeTripsParquet(t, db, filepath.Join(dir, jan.File), 3, "2023-01-10", 4)
	writeTripsParquet(t, db, filepath.Join(dir, feb.File), 2, "2023-02-10", 4)

	for i := 0; i < 2; i++ {
		if _, err := LoadTrips(ctx, db, jan, filepath.Join(dir, jan.File)); err != nil {
			t.Fatalf("load january #%d: %v", i, err)
		}
	}
	if _, err := LoadTrips(ctx, db, feb, filepath.Join(dir, feb.File)); err != nil {
		t.Fatalf("load february: %v", err)
	}
	if n := countTrips(t, db, "2023-01"); n != 3 {
		t.Fatalf("january rows=%d after reload, want 3", n)
	}
	if n := countTrips(t, db, "2023-02"); n != 2 {
		t.Fatalf("february rows=%d, want 2", n)
	}

	// A missing raw file fails the insert and keeps the loaded rows.
	if _, err := LoadTrips(ctx, db, jan, filepath.Join(dir, "missing.parquet")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if n := countTrips(t, db, "2023-01"); n != 3 {
		t.Fatalf("january rows=%d after failed reload, want 3", n)
	}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteRequestReport(t *testing.T) {
	t.Parallel()
	rows := []HourlyTrips{{Hour: 9, DayOfWeek: 2, Trips: 4}, {Hour: 23, DayOfWeek: 9, Trips: 1}}
	var buf bytes.Buffer
	if err := WriteRequestReport(&buf, rows); err != nil {
		t.Fatalf("WriteRequestReport: %v", err)
	}
	want := "hour_of_day,day_of_week,num_trips\n9,Tuesday,4\n23,9,1\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("csv (-want +got):\n%s", diff)
	}
	if err := WriteRequestReport(brokenWriter{}, rows); err == nil {
		t.Fatalf("write error was swallowed")
	}
}

func TestMergeWeek(t *testing.T) {
	t.Parallel()
	existing := `period,num_trips,total_amount,trip_distance,passenger_count
2023-01-01,10,100.5,20.25,12
2023-01-15,5,50,10,5
`
	rows, err := ReadWeeks(strings.NewReader(existing))
	if err != nil {
		t.Fatalf("ReadWeeks: %v", err)
	}
	rows = MergeWeek(rows, WeekRow{Period: "2023-01-08", NumTrips: 7, TotalAmount: 70.12, TripDistance: 14, PassengerCount: 8})
	rows = MergeWeek(rows, WeekRow{Period: "2023-01-15", NumTrips: 6, TotalAmount: 60, TripDistance: 12, PassengerCount: 6})

	var buf bytes.Buffer
	if err := WriteWeeks(&buf, rows); err != nil {
		t.Fatalf("WriteWeeks: %v", err)
	}
	want := `period,num_trips,total_amount,trip_distance,passenger_count
2023-01-01,10,100.5,20.25,12
2023-01-08,7,70.12,14,8
2023-01-15,6,60,12,6
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("csv (-want +got):\n%s", diff)
	}

	if _, err := ReadWeeks(strings.NewReader("period,num_trips\n2023-01-01,1\n")); err == nil {
		t.Fatalf("missing columns accepted")
	}
}

func TestZoneStatsGeoJSON(t *testing.T) {
	t.Parallel()
	doc, err := ZoneStatsGeoJSON([]ZoneStat{{
		Zone:     "Alphabet City",
		Borough:  "Manhattan",
		Geometry: "MULTIPOLYGON (((-73.97 40.72, -73.98 40.73, -73.97 40.73, -73.97 40.72)))",
		NumTrips: 12,
	}})
	if err != nil {
		t.Fatalf("ZoneStatsGeoJSON: %v", err)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(doc, &fc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 1 || fc.Features[0].Geometry.Type != "MultiPolygon" {
		t.Fatalf("doc=%s", doc)
	}
	if fc.Features[0].Properties["num_trips"] != float64(12) {
		t.Fatalf("properties=%v", fc.Features[0].Properties)
	}

	if _, err := ZoneStatsGeoJSON([]ZoneStat{{Zone: "bad", Geometry: "POLYGON (("}}); err == nil {
		t.Fatalf("invalid WKT accepted")
	}
}

func writeRequest(t *testing.T, dir, name, body string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func TestScanRequests(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	at := time.Unix(1690000000, 500_000_000)
	writeRequest(t, dir, "january.json", `{"borough":"Manhattan","start_date":"2023-01-01","end_date":"2023-02-01"}`, at)
	writeRequest(t, dir, "broken.json", `{"borough":`, at)
	writeRequest(t, dir, "notes.txt", `ignore me`, at)

	reqs, cur, err := ScanRequests(dir, nil, logx.Nop())
	if err != nil {
		t.Fatalf("ScanRequests: %v", err)
	}
	if len(reqs) != 1 || reqs[0].RunKey != "adhoc_request_january.json_1690000000.5" {
		t.Fatalf("requests=%+v", reqs)
	}
	var got AdhocRequest
	if err := json.Unmarshal(reqs[0].RunConfig, &got); err != nil {
		t.Fatalf("run config: %v", err)
	}
	want := AdhocRequest{Filename: "january.json", Borough: "Manhattan", StartDate: "2023-01-01", EndDate: "2023-02-01"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("run config (-want +got):\n%s", diff)
	}
	if len(cur) != 2 {
		t.Fatalf("cursor=%v, want both json files", cur)
	}

	reqs, cur, _ = ScanRequests(dir, cur, logx.Nop())
	if len(reqs) != 0 {
		t.Fatalf("unchanged files produced %d requests", len(reqs))
	}

	writeRequest(t, dir, "january.json", `{"borough":"Queens","start_date":"2023-01-01","end_date":"2023-02-01"}`, at.Add(time.Minute))
	reqs, _, _ = ScanRequests(dir, cur, logx.Nop())
	if len(reqs) != 1 || !strings.HasPrefix(reqs[0].RunKey, "adhoc_request_january.json_1690000060") {
		t.Fatalf("modified file requests=%+v", reqs)
	}

	if reqs, _, err := ScanRequests(filepath.Join(dir, "missing"), nil, logx.Nop()); err != nil || len(reqs) != 0 {
		t.Fatalf("missing dir: reqs=%v err=%v", reqs, err)
	}
}

func TestAdhocRequestValidate(t *testing.T) {
	t.Parallel()
	ok := AdhocRequest{Filename: "q.json", Borough: "Bronx", StartDate: "2023-01-01", EndDate: "2023-01-31"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request: %v", err)
	}
	if ok.ReportName() != "q.csv" {
		t.Fatalf("report=%s", ok.ReportName())
	}
	bad := ok
	bad.EndDate = "2022-12-01"
	if err := bad.Validate(); err == nil {
		t.Fatalf("end before start accepted")
	}
	bad = AdhocRequest{}
	if err := bad.Validate(); err == nil {
		t.Fatalf("empty request accepted")
	}
}

type env struct {
	p     *Pipeline
	db    *resource.DuckDB
	root  string
	store storage.Store
}

func newEnv(t *testing.T, page string) *env {
	t.Helper()
	root := t.TempDir()
	db := openDB(t)

	parquet := filepath.Join(root, "fixture.parquet")
	writeTripsParquet(t, db, parquet, 4, "2023-01-03", 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/zones-page", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(page)) })
	mux.HandleFunc("/zones.csv", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OBJECTID,Shape_Leng,the_geom,Shape_Area,zone,LocationID,borough\n" +
			`1,0.1,"MULTIPOLYGON (((-73.97 40.72, -73.98 40.73, -73.97 40.73, -73.97 40.72)))",0.01,Alphabet City,4,Manhattan` + "\n" +
			`2,0.1,"MULTIPOLYGON (((-73.8 40.6, -73.9 40.7, -73.8 40.7, -73.8 40.6)))",0.01,Jamaica Bay,2,Queens` + "\n"))
	})
	mux.HandleFunc("/trips/yellow_tripdata_2023-01.parquet", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, parquet)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := New(Config{
		ZonesPageURL:     srv.URL + "/zones-page",
		ZonesCSVURL:      srv.URL + "/zones.csv",
		TripsURLTemplate: srv.URL + "/trips/yellow_tripdata_%s.parquet",
		RequestsDir:      filepath.Join(root, "requests"),
		PartitionStart:   "2023-01-01",
		PartitionEnd:     "2023-04-01",
	}, Resources{
		Fetch:   resource.NewFetcher(resource.FetcherConfig{Timeout: 10 * time.Second}, logx.Nop()),
		Raw:     resource.NewLander(filepath.Join(root, "raw"), nil, logx.Nop()),
		Staging: resource.NewLander(filepath.Join(root, "staging"), nil, logx.Nop()),
		Outputs: resource.NewLander(filepath.Join(root, "outputs"), nil, logx.Nop()),
		DB:      db,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &env{p: p, db: db, root: root, store: storage.OpenMemory()}
}

func (e *env) run(t *testing.T, job, part string, cfg json.RawMessage) (run.Report, error) {
	t.Helper()
	d, err := e.p.Definitions()
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	assets, err := d.JobAssets(job)
	if err != nil {
		t.Fatalf("JobAssets: %v", err)
	}
	r := &storage.Run{ID: job + "-" + part, Job: job, Partition: part, Assets: assets, RunConfig: cfg, CreatedAt: time.Now()}
	runner := run.NewRunner(d.Graph, e.store, eventbus.Nop{}, logx.Nop())
	return runner.Execute(context.Background(), r, 1)
}

// observe runs the given assets outside any job, the way auto-materialize
// observes sources.
func (e *env) observe(t *testing.T, keys ...string) (run.Report, error) {
	t.Helper()
	d, err := e.p.Definitions()
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	r := &storage.Run{ID: "observe-" + strings.Join(keys, "+"), Job: "__asset_job", Assets: keys, CreatedAt: time.Now()}
	runner := run.NewRunner(d.Graph, e.store, eventbus.Nop{}, logx.Nop())
	return runner.Execute(context.Background(), r, 1)
}

func TestJobSelections(t *testing.T) {
	t.Parallel()
	e := newEnv(t, zonesPage)
	d, err := e.p.Definitions()
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	want := map[string][]string{
		TripUpdateJob:   {"taxi_trips_file", "taxi_trips", "taxi_zones_file", "taxi_zones", "manhattan_stats"},
		WeeklyUpdateJob: {"trips_by_week"},
		AdhocRequestJob: {"adhoc_request"},
	}
	for job, keys := range want {
		got, err := d.JobAssets(job)
		if err != nil {
			t.Fatalf("%s: %v", job, err)
		}
		if diff := cmp.Diff(sortedCopy(keys), sortedCopy(got)); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", job, diff)
		}
	}
	if _, ok := d.Graph.Get("dbt_build"); ok {
		t.Fatalf("dbt_build defined without dbt")
	}
	s, err := d.Schedule("trip_update_schedule")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	key, ok, err := d.ScheduleTarget(s, time.Date(2023, 3, 5, 0, 0, 0, 0, time.UTC))
	if err != nil || !ok || key != "2023-02-01" {
		t.Fatalf("ScheduleTarget=%q,%v,%v", key, ok, err)
	}
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

func TestTripUpdateJobEndToEnd(t *testing.T) {
	t.Parallel()
	e := newEnv(t, zonesPage)
	ctx := context.Background()

	rep, err := e.run(t, TripUpdateJob, "2023-01-01", nil)
	if err != nil {
		t.Fatalf("trip_update_job: %v (%+v)", err, rep)
	}
	if n := countTrips(t, e.db, "2023-01"); n != 4 {
		t.Fatalf("trips=%d, want 4", n)
	}
	if _, ok, _ := e.store.LatestObservation(ctx, "taxi_zones_endpoint"); ok {
		t.Fatalf("trip_update_job observed the zones endpoint")
	}
	if _, err := e.observe(t, "taxi_zones_endpoint"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	obs, ok, _ := e.store.LatestObservation(ctx, "taxi_zones_endpoint")
	if !ok || obs.DataVersion != "1681228987" {
		t.Fatalf("observation=%+v ok=%v", obs, ok)
	}
	b, err := os.ReadFile(filepath.Join(e.root, "staging", ManhattanStatsFile))
	if err != nil || !bytes.Contains(b, []byte(`"zone":"Alphabet City"`)) || !bytes.Contains(b, []byte(`"num_trips":4`)) {
		t.Fatalf("manhattan stats=%s err=%v", b, err)
	}

	// The same partition again leaves one copy.
	if _, err := e.run(t, TripUpdateJob, "2023-01-01", nil); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if n := countTrips(t, e.db, "2023-01"); n != 4 {
		t.Fatalf("trips=%d after rerun, want 4", n)
	}

	if _, err := e.run(t, WeeklyUpdateJob, "2023-01-01", nil); err != nil {
		t.Fatalf("weekly_update_job: %v", err)
	}
	b, _ = os.ReadFile(filepath.Join(e.root, "outputs", TripsByWeekFile))
	if want := "period,num_trips,total_amount,trip_distance,passenger_count\n2023-01-01,4,65.22,5,8\n"; string(b) != want {
		t.Fatalf("weekly csv=%q, want %q", b, want)
	}

	cfg := json.RawMessage(`{"filename":"q1.json","borough":"Manhattan","start_date":"2023-01-01","end_date":"2023-02-01"}`)
	if _, err := e.run(t, AdhocRequestJob, "", cfg); err != nil {
		t.Fatalf("adhoc_request_job: %v", err)
	}
	b, _ = os.ReadFile(filepath.Join(e.root, "outputs", "q1.csv"))
	if want := "hour_of_day,day_of_week,num_trips\n9,Tuesday,4\n"; string(b) != want {
		t.Fatalf("adhoc csv=%q, want %q", b, want)
	}
}

func TestChangedEndpointLeavesZoneChainRunning(t *testing.T) {
	t.Parallel()
	e := newEnv(t, `<html><body>redesigned</body></html>`)
	rep, err := e.run(t, TripUpdateJob, "2023-01-01", nil)
	if err != nil {
		t.Fatalf("trip_update_job: %v (%+v)", err, rep)
	}
	status := map[string]run.AssetStatus{}
	for _, a := range rep.Assets {
		status[a.Asset] = a.Status
	}
	for _, k := range []string{"taxi_trips", "taxi_zones_file", "taxi_zones", "manhattan_stats"} {
		if status[k] != run.AssetDone {
			t.Fatalf("statuses=%v", status)
		}
	}

	if _, err := e.observe(t, "taxi_zones_endpoint"); !errors.Is(err, ErrEndpointChanged) {
		t.Fatalf("observe err=%v, want ErrEndpointChanged", err)
	}
}
