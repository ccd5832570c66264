package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"taxiflow/internal/asset"
	"taxiflow/internal/partition"
	"taxiflow/internal/resource"
	logx "taxiflow/pkg/logx"
)

const createTripsSQL = `create table if not exists trips (
	vendor_id integer, pickup_zone_id integer, dropoff_zone_id integer,
	rate_code_id double, payment_type integer, dropoff_datetime timestamp,
	pickup_datetime timestamp, trip_distance double, passenger_count double,
	store_and_forwarded_flag varchar, fare_amount double, congestion_surcharge double,
	improvement_surcharge double, airport_fee double, mta_tax double,
	extra double, tip_amount double, tolls_amount double,
	total_amount double, partition_date varchar
)`

// TripsPlan is everything one monthly trips partition needs. The raw file
// name and the partition_date value come from the same month.
type TripsPlan struct {
	Key   string
	Month string
	URL   string
	File  string
}

func PlanTrips(urlTemplate, key string) TripsPlan {
	month := partition.MonthOf(key)
	return TripsPlan{
		Key:   key,
		Month: month,
		URL:   fmt.Sprintf(urlTemplate, month),
		File:  "trips-" + month + ".parquet",
	}
}

// DeleteSQL removes the partition's rows.
func (t TripsPlan) DeleteSQL() (string, []any) {
	return "delete from trips where partition_date = ?", []any{t.Month}
}

// InsertSQL copies the raw parquet file into trips.
func (t TripsPlan) InsertSQL(rawPath string) (string, []any) {
	return `insert into trips
	select
		VendorID, PULocationID, DOLocationID, RatecodeID, payment_type, tpep_dropoff_datetime,
		tpep_pickup_datetime, trip_distance, passenger_count, store_and_fwd_flag, fare_amount,
		congestion_surcharge, improvement_surcharge, airport_fee, mta_tax, extra, tip_amount,
		tolls_amount, total_amount, cast(? as varchar) as partition_date
	from ` + resource.QuoteLiteral(rawPath), []any{t.Month}
}

// LoadTrips replaces one partition of trips. Delete and insert share a
// transaction, so a failed insert keeps the previous rows.
func LoadTrips(ctx context.Context, db *resource.DuckDB, plan TripsPlan, rawPath string) (int64, error) {
	if _, err := db.Exec(ctx, createTripsSQL); err != nil {
		return 0, fmt.Errorf("create trips: %w", err)
	}
	var inserted int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		q, args := plan.DeleteSQL()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete partition %s: %w", plan.Month, err)
		}
		q, args = plan.InsertSQL(rawPath)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("insert partition %s: %w", plan.Month, err)
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	return inserted, err
}

func (p *Pipeline) materializeTripsFile(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	key, err := ac.PartitionKey()
	if err != nil {
		return asset.Output{}, err
	}
	plan := PlanTrips(p.cfg.TripsURLTemplate, key)
	body, err := p.res.Fetch.Open(ctx, plan.URL)
	if err != nil {
		return asset.Output{}, err
	}
	defer body.Close()
	landed, err := p.res.Raw.Write(ctx, plan.File, body)
	if err != nil {
		return asset.Output{}, err
	}
	return landedOutput(landed), nil
}

func (p *Pipeline) materializeTrips(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	key, err := ac.PartitionKey()
	if err != nil {
		return asset.Output{}, err
	}
	plan := PlanTrips(p.cfg.TripsURLTemplate, key)
	n, err := LoadTrips(ctx, p.res.DB, plan, p.res.Raw.Path(plan.File))
	if err != nil {
		return asset.Output{}, err
	}
	ac.Log.Info("trips loaded", logx.String("month", plan.Month), logx.Int64("rows", n))
	return asset.Output{Metadata: map[string]string{
		"month": plan.Month,
		"rows":  strconv.FormatInt(n, 10),
	}}, nil
}
