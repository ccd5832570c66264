package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"taxiflow/internal/asset"
	"taxiflow/internal/defs"
	"taxiflow/internal/launcher"
	"taxiflow/internal/partition"
	"taxiflow/internal/sensor"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	"taxiflow/internal/task/scheduler"
	logx "taxiflow/pkg/logx"
)

// Handler builds the router. It is exported for tests and for embedding
// the API in another server.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/ws/events", s.requireToken(http.HandlerFunc(s.events))).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.getRun).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.Handle("/jobs/{job}/runs", s.requireToken(http.HandlerFunc(s.launchJob))).Methods(http.MethodPost)
	api.HandleFunc("/assets", s.listAssets).Methods(http.MethodGet)
	api.HandleFunc("/assets/{key}/partitions", s.assetPartitions).Methods(http.MethodGet)
	api.Handle("/assets/{key}/materialize", s.requireToken(http.HandlerFunc(s.materialize))).Methods(http.MethodPost)
	api.HandleFunc("/schedules", s.listSchedules).Methods(http.MethodGet)
	api.HandleFunc("/sensors", s.listSensors).Methods(http.MethodGet)
	api.Handle("/sensors/{name}/tick", s.requireToken(http.HandlerFunc(s.tickSensor))).Methods(http.MethodPost)

	s.mu.Lock()
	withPprof := s.cfg.Pprof
	s.mu.Unlock()
	if withPprof {
		mountPprof(r.PathPrefix(strings.TrimSuffix(pprofPrefix, "/")).Subrouter(), s.requireToken)
	}
	return r
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.code),
			logx.Duration("took", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes the connection through for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	return h.Hijack()
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.deps.Loops != nil {
		loops := s.deps.Loops()
		for _, l := range loops {
			if !l.Running {
				out["status"] = "degraded"
			}
		}
		out["loops"] = loops
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) status(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"time": s.now()}
	if s.deps.Status != nil {
		for k, v := range s.deps.Status() {
			out[k] = v
		}
	}
	if s.deps.Scheduler != nil {
		out["scheduler"] = s.deps.Scheduler.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RunFilter{
		Job:       q.Get("job"),
		Partition: q.Get("partition"),
		Status:    storage.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type jobView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Selection   string   `json:"selection"`
	Partitions  string   `json:"partitions,omitempty"`
	Assets      []string `json:"assets"`
}

func (s *Service) listJobs(w http.ResponseWriter, _ *http.Request) {
	var out []jobView
	for _, name := range s.deps.Defs.JobNames() {
		j, err := s.deps.Defs.Job(name)
		if err != nil {
			continue
		}
		assets, _ := s.deps.Defs.JobAssets(name)
		v := jobView{Name: j.Name, Description: j.Description, Selection: j.Selection.String(), Assets: assets}
		if j.Partitions != nil {
			v.Partitions = j.Partitions.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type launchBody struct {
	Partition string          `json:"partition,omitempty"`
	RunConfig json.RawMessage `json:"run_config,omitempty"`
	Assets    []string        `json:"assets,omitempty"`
}

func decodeLaunch(r *http.Request) (launchBody, error) {
	var b launchBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return b, err
	}
	return b, nil
}

func (s *Service) launchJob(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, mux.Vars(r)["job"], nil)
}

func (s *Service) materialize(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if _, ok := s.deps.Defs.Graph.Get(key); !ok {
		writeError(w, http.StatusNotFound, asset.ErrUnknownAsset)
		return
	}
	s.launch(w, r, launcher.AssetJob, []string{key})
}

func (s *Service) launch(w http.ResponseWriter, r *http.Request, job string, assets []string) {
	if s.deps.Launcher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("run launch is not available"))
		return
	}
	b, err := decodeLaunch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(assets) == 0 {
		assets = b.Assets
	}
	run, err := s.deps.Launcher.Launch(r.Context(), launcher.Request{
		Job:       job,
		Partition: b.Partition,
		RunConfig: b.RunConfig,
		Assets:    assets,
		Trigger:   storage.TriggerManual,
		Source:    "api",
	})
	if err != nil {
		// A refused enqueue still stores a skipped run; report it.
		if run.ID != "" {
			writeJSON(w, statusOf(err), map[string]any{"error": err.Error(), "run": run})
			return
		}
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

type assetView struct {
	Key          string                   `json:"key"`
	Group        string                   `json:"group,omitempty"`
	Kind         asset.Kind               `json:"kind"`
	Description  string                   `json:"description,omitempty"`
	Deps         []string                 `json:"deps,omitempty"`
	Partitions   string                   `json:"partitions,omitempty"`
	Eager        bool                     `json:"eager,omitempty"`
	Latest       *storage.Materialization `json:"latest,omitempty"`
	Materialized int                      `json:"materialized_partitions,omitempty"`
	Observed     *storage.Observation     `json:"observed,omitempty"`
}

func (s *Service) listAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g := s.deps.Defs.Graph
	out := make([]assetView, 0, g.Len())
	for _, key := range g.Keys() {
		a, _ := g.Get(key)
		v := assetView{Key: a.Key, Group: a.Group, Kind: a.Kind, Description: a.Description, Deps: g.Deps(key), Eager: a.Eager}
		switch {
		case a.Kind == asset.ObservableSource:
			if o, ok, err := s.deps.Store.LatestObservation(ctx, key); err == nil && ok {
				v.Observed = &o
			}
		case a.Partitioned():
			v.Partitions = a.Partitions.String()
			if parts, err := s.deps.Store.MaterializedPartitions(ctx, key); err == nil {
				v.Materialized = len(parts)
			}
		default:
			if m, ok, err := s.deps.Store.LatestMaterialization(ctx, key, ""); err == nil && ok {
				v.Latest = &m
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type partitionView struct {
	Key          string                   `json:"key"`
	Start        time.Time                `json:"start"`
	End          time.Time                `json:"end"`
	Materialized *storage.Materialization `json:"materialized,omitempty"`
}

func (s *Service) assetPartitions(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	a, ok := s.deps.Defs.Graph.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, asset.ErrUnknownAsset)
		return
	}
	if !a.Partitioned() {
		writeError(w, http.StatusBadRequest, errors.New("asset is not partitioned"))
		return
	}
	done, err := s.deps.Store.MaterializedPartitions(r.Context(), key)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	windows := a.Partitions.Windows(s.now())
	out := make([]partitionView, 0, len(windows))
	for _, win := range windows {
		v := partitionView{Key: win.Key, Start: win.Start, End: win.End}
		if m, ok := done[win.Key]; ok {
			v.Materialized = &m
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type scheduleView struct {
	Name        string    `json:"name"`
	Job         string    `json:"job"`
	Cron        string    `json:"cron"`
	Description string    `json:"description,omitempty"`
	Next        time.Time `json:"next,omitempty"`
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *Service) listSchedules(w http.ResponseWriter, _ *http.Request) {
	fired := map[string]scheduler.ScheduleInfo{}
	if s.deps.Scheduler != nil {
		for _, si := range s.deps.Scheduler.Snapshot().Schedules {
			fired[si.Name] = si
		}
	}
	var out []scheduleView
	for _, sc := range s.deps.Defs.Schedules() {
		si := fired[sc.Name]
		out = append(out, scheduleView{
			Name: sc.Name, Job: sc.Job, Cron: sc.Cron, Description: sc.Description,
			Next: si.Next, LastFiredAt: si.LastFiredAt, LastError: si.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sensorView struct {
	Name        string        `json:"name"`
	Job         string        `json:"job"`
	Description string        `json:"description,omitempty"`
	MinInterval time.Duration `json:"min_interval,omitempty"`
	WatchDirs   []string      `json:"watch_dirs,omitempty"`
	Cursor      string        `json:"cursor,omitempty"`
}

func (s *Service) listSensors(w http.ResponseWriter, r *http.Request) {
	var out []sensorView
	for _, sn := range s.deps.Defs.Sensors() {
		cur, _ := s.deps.Store.GetCursor(r.Context(), sensor.CursorKey(sn.Name))
		out = append(out, sensorView{
			Name: sn.Name, Job: sn.Job, Description: sn.Description,
			MinInterval: sn.MinInterval, WatchDirs: sn.WatchDirs, Cursor: cur,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) tickSensor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sensors == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sensors are not running"))
		return
	}
	res, err := s.deps.Sensors.Tick(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, defs.ErrUnknownJob),
		errors.Is(err, defs.ErrUnknownSensor),
		errors.Is(err, defs.ErrUnknownSchedule),
		errors.Is(err, asset.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, defs.ErrUnknownPartition),
		errors.Is(err, defs.ErrPartitionMismatch),
		errors.Is(err, partition.ErrInvalidKey),
		errors.Is(err, asset.ErrNoRunConfig):
		return http.StatusBadRequest
	case errors.Is(err, launcher.ErrDuplicateRunKey),
		errors.Is(err, engine.ErrOverlapSkip):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrDisabled),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping),
		errors.Is(err, engine.ErrCircuitOpen),
		errors.Is(err, storage.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
