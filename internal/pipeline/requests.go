package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"taxiflow/internal/asset"
	"taxiflow/internal/defs"
	logx "taxiflow/pkg/logx"
)

// AdhocRequest is the run config of adhoc_request. Request files carry
// everything but Filename, which the sensor fills in.
type AdhocRequest struct {
	Filename  string `json:"filename"`
	Borough   string `json:"borough"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (r AdhocRequest) Validate() error {
	var errs []error
	if r.Filename == "" {
		errs = append(errs, errors.New("filename is required"))
	}
	if strings.TrimSpace(r.Borough) == "" {
		errs = append(errs, errors.New("borough is required"))
	}
	start, err := time.Parse("2006-01-02", r.StartDate)
	if err != nil {
		errs = append(errs, fmt.Errorf("start_date: %w", err))
	}
	end, err := time.Parse("2006-01-02", r.EndDate)
	if err != nil {
		errs = append(errs, fmt.Errorf("end_date: %w", err))
	}
	if len(errs) == 0 && !end.After(start) {
		errs = append(errs, errors.New("end_date must be after start_date"))
	}
	return errors.Join(errs...)
}

// ReportName is the output file of a request: the request file's stem
// with a csv extension.
func (r AdhocRequest) ReportName() string {
	return strings.TrimSuffix(r.Filename, filepath.Ext(r.Filename)) + ".csv"
}

const adhocSQL = `select
	cast(date_part('hour', pickup_datetime) as integer) as hour_of_day,
	cast(date_part('dayofweek', pickup_datetime) as integer) as day_of_week_num,
	count(*) as num_trips
from trips
left join zones on trips.pickup_zone_id = zones.zone_id
where pickup_datetime >= cast(? as timestamp)
	and pickup_datetime < cast(? as timestamp)
	and pickup_zone_id in (select zone_id from zones where borough = ?)
group by 1, 2
order by 1, 2`

var weekdays = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// HourlyTrips is one row of a request report. DayOfWeek counts from
// Sunday = 0.
type HourlyTrips struct {
	Hour      int
	DayOfWeek int
	Trips     int64
}

// WriteRequestReport writes the report CSV for an ad hoc request.
func WriteRequestReport(w io.Writer, rows []HourlyTrips) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"hour_of_day", "day_of_week", "num_trips"}); err != nil {
		return err
	}
	for _, r := range rows {
		day := strconv.Itoa(r.DayOfWeek)
		if r.DayOfWeek >= 0 && r.DayOfWeek < len(weekdays) {
			day = weekdays[r.DayOfWeek]
		}
		if err := cw.Write([]string{strconv.Itoa(r.Hour), day, strconv.FormatInt(r.Trips, 10)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (p *Pipeline) materializeAdhocRequest(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	var req AdhocRequest
	if err := ac.DecodeConfig(&req); err != nil {
		return asset.Output{}, err
	}
	if err := req.Validate(); err != nil {
		return asset.Output{}, fmt.Errorf("adhoc request %s: %w", req.Filename, err)
	}

	rows, err := p.res.DB.DB().QueryContext(ctx, adhocSQL, req.StartDate, req.EndDate, req.Borough)
	if err != nil {
		return asset.Output{}, fmt.Errorf("query adhoc request: %w", err)
	}
	defer rows.Close()

	var hours []HourlyTrips
	for rows.Next() {
		var h HourlyTrips
		if err := rows.Scan(&h.Hour, &h.DayOfWeek, &h.Trips); err != nil {
			return asset.Output{}, err
		}
		hours = append(hours, h)
	}
	if err := rows.Err(); err != nil {
		return asset.Output{}, err
	}
	var buf bytes.Buffer
	if err := WriteRequestReport(&buf, hours); err != nil {
		return asset.Output{}, err
	}

	landed, err := p.res.Outputs.Write(ctx, req.ReportName(), &buf)
	if err != nil {
		return asset.Output{}, err
	}
	ac.Log.Info("adhoc request answered", logx.String("request", req.Filename), logx.String("borough", req.Borough), logx.Int("rows", len(hours)))
	return landedOutput(landed), nil
}

// RequestCursor maps a request file name to its modification time in
// fractional Unix seconds.
type RequestCursor map[string]float64

// ScanRequests compares the request files in dir against the previous
// cursor. New or modified files become run requests; files that cannot be
// read or decoded are logged and skipped but still recorded in the cursor,
// so they are retried only once they change.
func ScanRequests(dir string, prev RequestCursor, log logx.Logger) ([]defs.RunRequest, RequestCursor, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, RequestCursor{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan requests: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	next := RequestCursor{}
	var reqs []defs.RunRequest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mtime := float64(info.ModTime().UnixNano()) / 1e9
		next[name] = mtime
		if old, seen := prev[name]; seen && old == mtime {
			continue
		}

		req, err := readRequest(filepath.Join(dir, name))
		if err != nil {
			log.Warn("skipping malformed request file", logx.String("file", name), logx.Err(err))
			continue
		}
		cfg, _ := json.Marshal(req)
		reqs = append(reqs, defs.RunRequest{
			RunKey:    fmt.Sprintf("adhoc_request_%s_%s", name, strconv.FormatFloat(mtime, 'f', -1, 64)),
			RunConfig: cfg,
		})
	}
	return reqs, next, nil
}

func readRequest(path string) (AdhocRequest, error) {
	var req AdhocRequest
	b, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, err
	}
	req.Filename = filepath.Base(path)
	return req, req.Validate()
}

func (p *Pipeline) evalAdhocRequests(_ context.Context, sc *defs.SensorContext) (defs.SensorResult, error) {
	prev := RequestCursor{}
	if sc.Cursor != "" {
		if err := json.Unmarshal([]byte(sc.Cursor), &prev); err != nil {
			sc.Log.Warn("discarding unreadable cursor", logx.Err(err))
			prev = RequestCursor{}
		}
	}
	reqs, next, err := ScanRequests(p.cfg.RequestsDir, prev, sc.Log)
	if err != nil {
		return defs.SensorResult{}, err
	}
	cur, err := json.Marshal(next)
	if err != nil {
		return defs.SensorResult{}, err
	}
	res := defs.SensorResult{Requests: reqs, Cursor: string(cur)}
	if len(reqs) == 0 {
		res.SkipReason = "no new or modified request files"
	}
	return res, nil
}
