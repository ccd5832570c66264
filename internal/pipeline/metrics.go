package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"taxiflow/internal/asset"
	logx "taxiflow/pkg/logx"
)

const (
	ManhattanStatsFile = "manhattan_stats.geojson"
	TripsByWeekFile    = "trips_by_week.csv"
)

const manhattanStatsSQL = `select
	zones.zone, zones.borough, zones.geometry, count(1) as num_trips
from trips
left join zones on trips.pickup_zone_id = zones.zone_id
where borough = 'Manhattan' and geometry is not null
group by zone, borough, geometry
order by zone`

type ZoneStat struct {
	Zone     string
	Borough  string
	Geometry string // WKT
	NumTrips int64
}

// ZoneStatsGeoJSON converts zone rows into a FeatureCollection.
func ZoneStatsGeoJSON(rows []ZoneStat) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		geom, err := wkt.Unmarshal(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("zone %s: geometry: %w", r.Zone, err)
		}
		f := geojson.NewFeature(geom)
		f.Properties["zone"] = r.Zone
		f.Properties["borough"] = r.Borough
		f.Properties["num_trips"] = r.NumTrips
		fc.Append(f)
	}
	return fc.MarshalJSON()
}

func (p *Pipeline) materializeManhattanStats(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	rows, err := p.res.DB.DB().QueryContext(ctx, manhattanStatsSQL)
	if err != nil {
		return asset.Output{}, fmt.Errorf("query manhattan stats: %w", err)
	}
	defer rows.Close()
	var stats []ZoneStat
	for rows.Next() {
		var s ZoneStat
		if err := rows.Scan(&s.Zone, &s.Borough, &s.Geometry, &s.NumTrips); err != nil {
			return asset.Output{}, err
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return asset.Output{}, err
	}

	doc, err := ZoneStatsGeoJSON(stats)
	if err != nil {
		return asset.Output{}, err
	}
	landed, err := p.res.Staging.Write(ctx, ManhattanStatsFile, bytes.NewReader(doc))
	if err != nil {
		return asset.Output{}, err
	}
	ac.Log.Info("manhattan stats written", logx.Int("zones", len(stats)))
	out := landedOutput(landed)
	out.Metadata["zones"] = strconv.Itoa(len(stats))
	return out, nil
}

// WeekRow is one line of the weekly trips CSV.
type WeekRow struct {
	Period         string
	NumTrips       int64
	TotalAmount    float64
	TripDistance   float64
	PassengerCount int64
}

var weeklyHeader = []string{"period", "num_trips", "total_amount", "trip_distance", "passenger_count"}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// MergeWeek replaces the row for row.Period (or adds it) and keeps rows
// sorted by period.
func MergeWeek(rows []WeekRow, row WeekRow) []WeekRow {
	out := make([]WeekRow, 0, len(rows)+1)
	for _, r := range rows {
		if r.Period != row.Period {
			out = append(out, r)
		}
	}
	out = append(out, row)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

func ReadWeeks(r io.Reader) ([]WeekRow, error) {
	cr := csv.NewReader(r)
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	col := map[string]int{}
	for i, h := range recs[0] {
		col[h] = i
	}
	for _, h := range weeklyHeader {
		if _, ok := col[h]; !ok {
			return nil, fmt.Errorf("weekly csv: missing column %q", h)
		}
	}
	out := make([]WeekRow, 0, len(recs)-1)
	for n, rec := range recs[1:] {
		var (
			row  WeekRow
			errs []error
			err  error
		)
		row.Period = rec[col["period"]]
		row.NumTrips, err = strconv.ParseInt(rec[col["num_trips"]], 10, 64)
		errs = append(errs, err)
		row.TotalAmount, err = strconv.ParseFloat(rec[col["total_amount"]], 64)
		errs = append(errs, err)
		row.TripDistance, err = strconv.ParseFloat(rec[col["trip_distance"]], 64)
		errs = append(errs, err)
		row.PassengerCount, err = strconv.ParseInt(rec[col["passenger_count"]], 10, 64)
		errs = append(errs, err)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("weekly csv line %d: %w", n+2, err)
		}
		out = append(out, row)
	}
	return out, nil
}

func WriteWeeks(w io.Writer, rows []WeekRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(weeklyHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Period,
			strconv.FormatInt(r.NumTrips, 10),
			strconv.FormatFloat(r.TotalAmount, 'f', -1, 64),
			strconv.FormatFloat(r.TripDistance, 'f', -1, 64),
			strconv.FormatInt(r.PassengerCount, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const weekSQL = `select
	count(*),
	coalesce(sum(total_amount), 0),
	coalesce(sum(trip_distance), 0),
	coalesce(sum(passenger_count), 0)
from trips
where pickup_datetime >= ? and pickup_datetime < ?`

func (p *Pipeline) materializeTripsByWeek(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	key, err := ac.PartitionKey()
	if err != nil {
		return asset.Output{}, err
	}
	w, err := p.weekly.Window(key)
	if err != nil {
		return asset.Output{}, err
	}

	row := WeekRow{Period: key}
	var passengers float64
	if err := p.res.DB.DB().QueryRowContext(ctx, weekSQL, w.Start, w.End).
		Scan(&row.NumTrips, &row.TotalAmount, &row.TripDistance, &passengers); err != nil {
		return asset.Output{}, fmt.Errorf("aggregate week %s: %w", key, err)
	}
	row.TotalAmount = round2(row.TotalAmount)
	row.TripDistance = round2(row.TripDistance)
	row.PassengerCount = int64(passengers)

	var existing []WeekRow
	f, err := os.Open(p.res.Outputs.Path(TripsByWeekFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return asset.Output{}, err
	default:
		existing, err = ReadWeeks(f)
		_ = f.Close()
		if err != nil {
			return asset.Output{}, err
		}
	}

	var buf bytes.Buffer
	merged := MergeWeek(existing, row)
	if err := WriteWeeks(&buf, merged); err != nil {
		return asset.Output{}, err
	}
	landed, err := p.res.Outputs.Write(ctx, TripsByWeekFile, &buf)
	if err != nil {
		return asset.Output{}, err
	}
	ac.Log.Info("weekly trips merged", logx.String("period", key), logx.Int64("num_trips", row.NumTrips), logx.Int("weeks", len(merged)))
	out := landedOutput(landed)
	out.Metadata["num_trips"] = strconv.FormatInt(row.NumTrips, 10)
	return out, nil
}
