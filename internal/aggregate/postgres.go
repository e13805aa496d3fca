package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/transitlake-data/pkg/gtfsrt"
)

// PostgresStore persists buckets in the rt_* rollup tables. Partition
// replacement runs DELETE plus COPY in one transaction together with the
// run marker, so readers either see the old partition or the complete new
// one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ReplaceDelayDay(ctx context.Context, run Run, hourly, daily []DelayBucket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rt_delays_hourly WHERE source_key = $1 AND date = $2`,
		run.SourceKey, run.Date); err != nil {
		return fmt.Errorf("clearing hourly delay partition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rt_delays_daily WHERE source_key = $1 AND date = $2`,
		run.SourceKey, run.Date); err != nil {
		return fmt.Errorf("clearing daily delay partition: %w", err)
	}

	if err := copyDelayBuckets(ctx, tx, "rt_delays_hourly", true, hourly); err != nil {
		return err
	}
	if err := copyDelayBuckets(ctx, tx, "rt_delays_daily", false, daily); err != nil {
		return err
	}
	if err := markRun(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delay partition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplacePositionDay(ctx context.Context, run Run, hourly, daily []PositionBucket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rt_positions_hourly WHERE source_key = $1 AND date = $2`,
		run.SourceKey, run.Date); err != nil {
		return fmt.Errorf("clearing hourly position partition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rt_positions_daily WHERE source_key = $1 AND date = $2`,
		run.SourceKey, run.Date); err != nil {
		return fmt.Errorf("clearing daily position partition: %w", err)
	}

	if err := copyPositionBuckets(ctx, tx, "rt_positions_hourly", true, hourly); err != nil {
		return err
	}
	if err := copyPositionBuckets(ctx, tx, "rt_positions_daily", false, daily); err != nil {
		return err
	}
	if err := markRun(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing position partition: %w", err)
	}
	return nil
}

func (s *PostgresStore) DelayRange(ctx context.Context, sourceKey, fromDate, toDate string, grain Grain) ([]DelayBucket, error) {
	table := "rt_delays_daily"
	hourCol := ""
	if grain == GrainHourly {
		table = "rt_delays_hourly"
		hourCol = "hour, "
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_key, date, `+hourCol+`route_id, stop_id, sample_count,
			arrival_count, avg_arrival_delay, min_arrival_delay, max_arrival_delay,
			departure_count, avg_departure_delay, min_departure_delay, max_departure_delay
		FROM `+table+`
		WHERE source_key = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, `+hourCol+`route_id, stop_id`,
		sourceKey, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("querying delay buckets: %w", err)
	}
	defer rows.Close()

	var out []DelayBucket
	for rows.Next() {
		var b DelayBucket
		var date time.Time
		var route, stop sql.NullString
		var avgArr, minArr, maxArr, avgDep, minDep, maxDep sql.NullFloat64

		dest := []interface{}{&b.SourceKey, &date}
		if grain == GrainHourly {
			dest = append(dest, &b.Hour)
		}
		dest = append(dest, &route, &stop, &b.SampleCount,
			&b.ArrivalCount, &avgArr, &minArr, &maxArr,
			&b.DepartureCount, &avgDep, &minDep, &maxDep)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning delay bucket: %w", err)
		}

		b.Date = date.Format(DateLayout)
		if grain == GrainDaily {
			b.Hour = -1
		}
		b.RouteID = route.String
		b.StopID = stop.String
		b.AvgArrivalDelay = floatPtr(avgArr)
		b.MinArrivalDelay = floatPtr(minArr)
		b.MaxArrivalDelay = floatPtr(maxArr)
		b.AvgDepartureDelay = floatPtr(avgDep)
		b.MinDepartureDelay = floatPtr(minDep)
		b.MaxDepartureDelay = floatPtr(maxDep)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delay buckets: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PositionRange(ctx context.Context, sourceKey, fromDate, toDate string, grain Grain) ([]PositionBucket, error) {
	table := "rt_positions_daily"
	hourCol := ""
	if grain == GrainHourly {
		table = "rt_positions_hourly"
		hourCol = "hour, "
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_key, date, `+hourCol+`route_id, vehicle_id, sample_count,
			avg_latitude, avg_longitude,
			bearing_count, avg_bearing,
			speed_count, avg_speed, min_speed, max_speed
		FROM `+table+`
		WHERE source_key = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, `+hourCol+`route_id, vehicle_id`,
		sourceKey, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("querying position buckets: %w", err)
	}
	defer rows.Close()

	var out []PositionBucket
	for rows.Next() {
		var b PositionBucket
		var date time.Time
		var route, vehicle sql.NullString
		var lat, lon, bearing, avgSpd, minSpd, maxSpd sql.NullFloat64

		dest := []interface{}{&b.SourceKey, &date}
		if grain == GrainHourly {
			dest = append(dest, &b.Hour)
		}
		dest = append(dest, &route, &vehicle, &b.SampleCount,
			&lat, &lon,
			&b.BearingCount, &bearing,
			&b.SpeedCount, &avgSpd, &minSpd, &maxSpd)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning position bucket: %w", err)
		}

		b.Date = date.Format(DateLayout)
		if grain == GrainDaily {
			b.Hour = -1
		}
		b.RouteID = route.String
		b.VehicleID = vehicle.String
		b.AvgLatitude = floatPtr(lat)
		b.AvgLongitude = floatPtr(lon)
		b.AvgBearing = floatPtr(bearing)
		b.AvgSpeed = floatPtr(avgSpd)
		b.MinSpeed = floatPtr(minSpd)
		b.MaxSpeed = floatPtr(maxSpd)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating position buckets: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Runs(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, fromDate, toDate string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_key, feed_kind, date, completed_at, snapshot_count, bucket_count
		FROM aggregate_runs
		WHERE source_key = $1 AND feed_kind = $2 AND date BETWEEN $3 AND $4
		ORDER BY date`,
		sourceKey, string(kind), fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("querying run markers: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var kindStr string
		var date time.Time
		if err := rows.Scan(&r.SourceKey, &kindStr, &date, &r.CompletedAt, &r.SnapshotCount, &r.BucketCount); err != nil {
			return nil, fmt.Errorf("scanning run marker: %w", err)
		}
		r.FeedKind = gtfsrt.FeedKind(kindStr)
		r.Date = date.Format(DateLayout)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run markers: %w", err)
	}
	return out, nil
}

func copyDelayBuckets(ctx context.Context, tx *sql.Tx, table string, withHour bool, buckets []DelayBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	cols := []string{"source_key", "date"}
	if withHour {
		cols = append(cols, "hour")
	}
	cols = append(cols, "route_id", "stop_id", "sample_count",
		"arrival_count", "avg_arrival_delay", "min_arrival_delay", "max_arrival_delay",
		"departure_count", "avg_departure_delay", "min_departure_delay", "max_departure_delay")

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, cols...))
	if err != nil {
		return fmt.Errorf("preparing bulk insert for %s: %w", table, err)
	}

	for _, b := range buckets {
		args := []interface{}{b.SourceKey, b.Date}
		if withHour {
			args = append(args, b.Hour)
		}
		args = append(args,
			nullString(b.RouteID), nullString(b.StopID), b.SampleCount,
			b.ArrivalCount, nullFloat(b.AvgArrivalDelay), nullFloat(b.MinArrivalDelay), nullFloat(b.MaxArrivalDelay),
			b.DepartureCount, nullFloat(b.AvgDepartureDelay), nullFloat(b.MinDepartureDelay), nullFloat(b.MaxDepartureDelay))
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return fmt.Errorf("buffering bucket row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flushing bulk insert for %s: %w", table, err)
	}
	return stmt.Close()
}

func copyPositionBuckets(ctx context.Context, tx *sql.Tx, table string, withHour bool, buckets []PositionBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	cols := []string{"source_key", "date"}
	if withHour {
		cols = append(cols, "hour")
	}
	cols = append(cols, "route_id", "vehicle_id", "sample_count",
		"avg_latitude", "avg_longitude",
		"bearing_count", "avg_bearing",
		"speed_count", "avg_speed", "min_speed", "max_speed")

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, cols...))
	if err != nil {
		return fmt.Errorf("preparing bulk insert for %s: %w", table, err)
	}

	for _, b := range buckets {
		args := []interface{}{b.SourceKey, b.Date}
		if withHour {
			args = append(args, b.Hour)
		}
		args = append(args,
			nullString(b.RouteID), nullString(b.VehicleID), b.SampleCount,
			nullFloat(b.AvgLatitude), nullFloat(b.AvgLongitude),
			b.BearingCount, nullFloat(b.AvgBearing),
			b.SpeedCount, nullFloat(b.AvgSpeed), nullFloat(b.MinSpeed), nullFloat(b.MaxSpeed))
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return fmt.Errorf("buffering bucket row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flushing bulk insert for %s: %w", table, err)
	}
	return stmt.Close()
}

func markRun(ctx context.Context, tx *sql.Tx, run Run) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_runs (source_key, feed_kind, date, completed_at, snapshot_count, bucket_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_key, feed_kind, date) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			snapshot_count = EXCLUDED.snapshot_count,
			bucket_count = EXCLUDED.bucket_count`,
		run.SourceKey, string(run.FeedKind), run.Date, run.CompletedAt, run.SnapshotCount, run.BucketCount)
	if err != nil {
		return fmt.Errorf("recording run marker: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
