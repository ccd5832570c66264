// Package pipeline defines the NYC taxi assets, jobs, schedules and
// sensors.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taxiflow/internal/asset"
	"taxiflow/internal/defs"
	"taxiflow/internal/partition"
	"taxiflow/internal/resource"
)

// Asset groups.
const (
	GroupRawFiles        = "raw_files"
	GroupIngested        = "ingested"
	GroupMetrics         = "metrics"
	GroupRequests        = "requests"
	GroupTransformations = "transformations"
)

const (
	TripUpdateJob      = "trip_update_job"
	WeeklyUpdateJob    = "weekly_update_job"
	AdhocRequestJob    = "adhoc_request_job"
	AdhocRequestSensor = "adhoc_request_sensor"
)

type Config struct {
	ZonesPageURL     string
	ZonesCSVURL      string
	TripsURLTemplate string // %s is replaced with YYYY-MM
	RequestsDir      string
	PartitionStart   string
	PartitionEnd     string
	SensorInterval   time.Duration
}

// Resources are the collaborators the asset functions use. Dbt is
// optional; without it the dbt_build asset is not defined.
type Resources struct {
	Fetch   *resource.Fetcher
	Raw     *resource.Lander
	Staging *resource.Lander
	Outputs *resource.Lander
	DB      *resource.DuckDB
	Dbt     *resource.Dbt
}

type Pipeline struct {
	cfg     Config
	res     Resources
	monthly *partition.TimeWindow
	weekly  *partition.TimeWindow
}

func New(cfg Config, res Resources) (*Pipeline, error) {
	if !strings.Contains(cfg.TripsURLTemplate, "%s") {
		return nil, fmt.Errorf("trips url template %q must contain %%s", cfg.TripsURLTemplate)
	}
	monthly, err := partition.NewMonthly(cfg.PartitionStart, cfg.PartitionEnd)
	if err != nil {
		return nil, err
	}
	weekly, err := partition.NewWeekly(cfg.PartitionStart, cfg.PartitionEnd)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		res:     res,
		monthly: monthly,
		weekly:  weekly,
	}, nil
}

func (p *Pipeline) Monthly() *partition.TimeWindow { return p.monthly }

func (p *Pipeline) Weekly() *partition.TimeWindow { return p.weekly }

// Assets returns the asset definitions in declaration order.
func (p *Pipeline) Assets() []*asset.Asset {
	assets := []*asset.Asset{
		{
			Key:         "taxi_zones_endpoint",
			Group:       GroupRawFiles,
			Description: "The endpoint for the taxi zones dataset. Sourced from the NYC Open Data portal.",
			Kind:        asset.ObservableSource,
			Fn:          p.observeZonesEndpoint,
		},
		{
			Key:         "taxi_zones_file",
			Group:       GroupRawFiles,
			Description: "The raw CSV file for the taxi zones dataset.",
			Deps:        []string{"taxi_zones_endpoint"},
			Eager:       true,
			Fn:          p.materializeZonesFile,
		},
		{
			Key:         "taxi_trips_file",
			Group:       GroupRawFiles,
			Description: "The raw parquet files for the taxi trips dataset, one per month.",
			Partitions:  p.monthly,
			Eager:       true,
			Fn:          p.materializeTripsFile,
		},
		{
			Key:         "taxi_zones",
			Group:       GroupIngested,
			Description: "The taxi zones dataset loaded into DuckDB.",
			Deps:        []string{"taxi_zones_file"},
			Eager:       true,
			Fn:          p.materializeZones,
		},
		{
			Key:         "taxi_trips",
			Group:       GroupIngested,
			Description: "The taxi trips dataset loaded into DuckDB, partitioned by month.",
			Deps:        []string{"taxi_trips_file"},
			Partitions:  p.monthly,
			Eager:       true,
			Fn:          p.materializeTrips,
		},
		{
			Key:         "manhattan_stats",
			Group:       GroupMetrics,
			Description: "Trips per Manhattan pickup zone with zone geometry, as GeoJSON.",
			Deps:        []string{"taxi_trips", "taxi_zones"},
			Eager:       true,
			Fn:          p.materializeManhattanStats,
		},
		{
			Key:         "trips_by_week",
			Group:       GroupMetrics,
			Description: "Weekly trip totals merged into one CSV.",
			Deps:        []string{"taxi_trips"},
			Partitions:  p.weekly,
			Eager:       true,
			Fn:          p.materializeTripsByWeek,
		},
		{
			Key:         "adhoc_request",
			Group:       GroupRequests,
			Description: "Trips by hour and weekday for a borough and date range, per request file.",
			Deps:        []string{"taxi_zones", "taxi_trips"},
			Fn:          p.materializeAdhocRequest,
		},
	}
	if p.res.Dbt != nil {
		assets = append(assets, &asset.Asset{
			Key:         "dbt_build",
			Group:       GroupTransformations,
			Description: "Runs dbt build on the configured project.",
			Deps:        []string{"taxi_trips", "taxi_zones"},
			Fn:          p.materializeDbt,
		})
	}
	return assets
}

func (p *Pipeline) Jobs() []defs.Job {
	return []defs.Job{
		{
			Name:        TripUpdateJob,
			Description: "Refreshes every monthly asset for one month.",
			Selection:   asset.Minus(asset.All(), asset.Keys("trips_by_week", "adhoc_request")),
			Partitions:  p.monthly,
		},
		{
			Name:        WeeklyUpdateJob,
			Description: "Adds one week to the weekly trips CSV.",
			Selection:   asset.Keys("trips_by_week"),
			Partitions:  p.weekly,
		},
		{
			Name:        AdhocRequestJob,
			Description: "Answers one request file.",
			Selection:   asset.Keys("adhoc_request"),
		},
	}
}

func (p *Pipeline) Schedules() []defs.Schedule {
	return []defs.Schedule{
		{Name: "trip_update_schedule", Job: TripUpdateJob, Cron: "0 0 5 * *"},
		{Name: "weekly_update_schedule", Job: WeeklyUpdateJob, Cron: "0 0 * * 1"},
	}
}

func (p *Pipeline) Sensors() []defs.Sensor {
	return []defs.Sensor{{
		Name:        AdhocRequestSensor,
		Job:         AdhocRequestJob,
		Description: "Launches adhoc_request_job for new or modified request files.",
		MinInterval: p.cfg.SensorInterval,
		WatchDirs:   []string{p.cfg.RequestsDir},
		Eval:        p.evalAdhocRequests,
	}}
}

// Definitions validates and returns the full registry.
func (p *Pipeline) Definitions() (*defs.Definitions, error) {
	if p.res.Raw == nil || p.res.Staging == nil || p.res.Outputs == nil {
		return nil, errors.New("pipeline: raw, staging and outputs landers are required")
	}
	return defs.New(p.Assets(), p.Jobs(), p.Schedules(), p.Sensors())
}
