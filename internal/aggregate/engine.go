// Package aggregate rolls cold snapshots up into hourly and daily buckets.
//
// A snapshot is cold once its ingest time is at least the hot window ago;
// anything younger is left for the next run. Each (source, kind, date)
// partition is replaced wholesale on every run, so aggregation is
// idempotent and a partition can be re-run as its remaining snapshots
// turn cold.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/transitlake-data/internal/blob"
	"github.com/transitlake-data/internal/common/config"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/common/metrics"
	"github.com/transitlake-data/internal/snapshot"
	"github.com/transitlake-data/pkg/gtfsrt"
)

// ErrInputGap reports a cataloged snapshot whose stored bytes are missing
// or unreadable. The partition is left untouched so the gap is visible
// instead of silently averaged over.
var ErrInputGap = errors.New("aggregate: missing snapshot input")

// Config carries the rollup settings.
type Config struct {
	HotWindow       time.Duration
	DefaultTimezone string

	// Now overrides the clock used for the hot window cut; nil means
	// time.Now.
	Now func() time.Time
}

// Engine reads cold snapshots from the blob store and writes bucket rows.
type Engine struct {
	cfg     Config
	catalog snapshot.Catalog
	blobs   blob.Store
	store   Store
	metrics *metrics.Collector
	logger  logger.Logger
	now     func() time.Time

	// One in-process lock per partition keeps an overlapping manual
	// backfill and the scheduled run from interleaving their
	// delete-then-write.
	partMu     sync.Mutex
	partitions map[string]*sync.Mutex
}

func NewEngine(
	cfg Config,
	catalog snapshot.Catalog,
	blobs blob.Store,
	store Store,
	coll *metrics.Collector,
	log logger.Logger,
) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		catalog:    catalog,
		blobs:      blobs,
		store:      store,
		metrics:    coll,
		logger:     log,
		now:        now,
		partitions: make(map[string]*sync.Mutex),
	}
}

// Aggregate rolls up every cold snapshot of src with dates in
// [fromDate, toDate] and returns the number of bucket rows written.
// Dates are civil dates in the source's home zone. A day with no cold
// snapshots yields zero rows and still records its run marker; an
// inverted range yields zero rows.
func (e *Engine) Aggregate(ctx context.Context, src config.FeedSource, fromDate, toDate string) (int, error) {
	kind := gtfsrt.FeedKind(src.FeedKind)
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown feed kind %q", src.FeedKind)
	}

	loc := src.HomeLocation(e.cfg.DefaultTimezone)
	from, err := time.ParseInLocation(DateLayout, fromDate, loc)
	if err != nil {
		return 0, fmt.Errorf("invalid from date %q: %w", fromDate, err)
	}
	to, err := time.ParseInLocation(DateLayout, toDate, loc)
	if err != nil {
		return 0, fmt.Errorf("invalid to date %q: %w", toDate, err)
	}

	total := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		n, err := e.aggregateDay(ctx, src, kind, loc, day)
		if err != nil {
			return total, fmt.Errorf("aggregating %s/%s %s: %w",
				src.SourceKey, kind, day.Format(DateLayout), err)
		}
		total += n
	}
	return total, nil
}

func (e *Engine) aggregateDay(ctx context.Context, src config.FeedSource, kind gtfsrt.FeedKind, loc *time.Location, day time.Time) (int, error) {
	date := day.Format(DateLayout)
	unlock := e.lockPartition(src.SourceKey + "/" + string(kind) + "/" + date)
	defer unlock()

	start := time.Now()

	recs, err := e.catalog.RecordsByPrefix(ctx, src.SourceKey, kind, blob.DatePrefix(kind, src.SourceKey, day))
	if err != nil {
		return 0, err
	}

	// A snapshot aged exactly the hot window is already cold.
	cutoff := e.now().Add(-e.cfg.HotWindow)
	cold := recs[:0]
	hot := 0
	for _, rec := range recs {
		if rec.IngestedAt.After(cutoff) {
			hot++
			continue
		}
		cold = append(cold, rec)
	}
	if hot > 0 {
		e.logger.Debug("Partition has snapshots still in the hot window",
			"source", src.SourceKey,
			"feed_kind", string(kind),
			"date", date,
			"hot", hot)
	}

	run := Run{
		SourceKey:     src.SourceKey,
		FeedKind:      kind,
		Date:          date,
		CompletedAt:   e.now().UTC(),
		SnapshotCount: len(cold),
	}

	var written int
	switch kind {
	case gtfsrt.FeedKindTripUpdates:
		hourly, daily, err := e.delayBuckets(ctx, src.SourceKey, date, loc, cold)
		if err != nil {
			return 0, err
		}
		run.BucketCount = len(hourly) + len(daily)
		if err := e.store.ReplaceDelayDay(ctx, run, hourly, daily); err != nil {
			return 0, err
		}
		e.metrics.BucketsUpserted.WithLabelValues(string(GrainHourly)).Add(float64(len(hourly)))
		e.metrics.BucketsUpserted.WithLabelValues(string(GrainDaily)).Add(float64(len(daily)))
		written = run.BucketCount

	case gtfsrt.FeedKindVehiclePositions:
		hourly, daily, err := e.positionBuckets(ctx, src.SourceKey, date, loc, cold)
		if err != nil {
			return 0, err
		}
		run.BucketCount = len(hourly) + len(daily)
		if err := e.store.ReplacePositionDay(ctx, run, hourly, daily); err != nil {
			return 0, err
		}
		e.metrics.BucketsUpserted.WithLabelValues(string(GrainHourly)).Add(float64(len(hourly)))
		e.metrics.BucketsUpserted.WithLabelValues(string(GrainDaily)).Add(float64(len(daily)))
		written = run.BucketCount
	}

	e.metrics.AggRuns.Inc()
	e.metrics.AggDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("Aggregated partition",
		"source", src.SourceKey,
		"feed_kind", string(kind),
		"date", date,
		"snapshots", len(cold),
		"buckets", written)

	return written, nil
}

func (e *Engine) delayBuckets(ctx context.Context, sourceKey, date string, loc *time.Location, recs []*snapshot.Record) ([]DelayBucket, []DelayBucket, error) {
	hourly := make(map[uint64]*delayAcc)
	daily := make(map[uint64]*delayAcc)
	collisions := 0

	for _, rec := range recs {
		env, err := e.loadEnvelope(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		fallback := fallbackHour(rec, env, loc, date)

		for _, ent := range env.Entities {
			tu, ok := ent.(*gtfsrt.TripDelayUpdate)
			if !ok {
				continue
			}

			if len(tu.StopUpdates) == 0 {
				// Trips without per-stop records still report their
				// overall delay; it lands in the route-wide bucket.
				if tu.Delay != nil {
					hour := eventHour(nil, tu.Timestamp, fallback, loc, date)
					addDelaySample(hourly, daily, hour, tu.RouteID, "", tu.Delay, nil, &collisions)
				}
				continue
			}

			for i := range tu.StopUpdates {
				stu := &tu.StopUpdates[i]
				if stu.ArrivalDelay == nil && stu.DepartureDelay == nil {
					continue
				}
				eventTime := stu.ArrivalTime
				if eventTime == nil {
					eventTime = stu.DepartureTime
				}
				hour := eventHour(eventTime, tu.Timestamp, fallback, loc, date)
				addDelaySample(hourly, daily, hour, tu.RouteID, stu.StopID, stu.ArrivalDelay, stu.DepartureDelay, &collisions)
			}
		}
	}

	if collisions > 0 {
		e.logger.Warn("Accumulator key collisions resolved by probing",
			"source", sourceKey,
			"date", date,
			"collisions", collisions)
	}

	return delayRows(sourceKey, date, hourly), delayRows(sourceKey, date, daily), nil
}

func (e *Engine) positionBuckets(ctx context.Context, sourceKey, date string, loc *time.Location, recs []*snapshot.Record) ([]PositionBucket, []PositionBucket, error) {
	hourly := make(map[uint64]*positionAcc)
	daily := make(map[uint64]*positionAcc)
	collisions := 0

	for _, rec := range recs {
		env, err := e.loadEnvelope(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		fallback := fallbackHour(rec, env, loc, date)

		for _, ent := range env.Entities {
			vp, ok := ent.(*gtfsrt.VehiclePosition)
			if !ok {
				continue
			}
			hour := eventHour(nil, vp.Timestamp, fallback, loc, date)

			for _, acc := range []*positionAcc{
				upsertPositionAcc(hourly, hour, vp.RouteID, vp.VehicleID, &collisions),
				upsertPositionAcc(daily, -1, vp.RouteID, vp.VehicleID, &collisions),
			} {
				acc.samples++
				if vp.Latitude != nil {
					acc.lat.add(float64(*vp.Latitude))
				}
				if vp.Longitude != nil {
					acc.lon.add(float64(*vp.Longitude))
				}
				if vp.Bearing != nil {
					acc.bearing.add(float64(*vp.Bearing))
				}
				if vp.Speed != nil {
					acc.speed.add(float64(*vp.Speed))
				}
			}
		}
	}

	if collisions > 0 {
		e.logger.Warn("Accumulator key collisions resolved by probing",
			"source", sourceKey,
			"date", date,
			"collisions", collisions)
	}

	return positionRows(sourceKey, date, hourly), positionRows(sourceKey, date, daily), nil
}

func (e *Engine) loadEnvelope(ctx context.Context, rec *snapshot.Record) (*gtfsrt.Envelope, error) {
	data, err := e.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInputGap, rec.StorageKey)
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", rec.StorageKey, err)
	}
	env, err := gtfsrt.DecodeEnvelope(data)
	if err != nil {
		// Snapshots decoded cleanly at ingest, so this means the stored
		// object was damaged afterwards.
		return nil, fmt.Errorf("%w: %s: %v", ErrInputGap, rec.StorageKey, err)
	}
	return env, nil
}

func (e *Engine) lockPartition(key string) func() {
	e.partMu.Lock()
	m, ok := e.partitions[key]
	if !ok {
		m = &sync.Mutex{}
		e.partitions[key] = m
	}
	e.partMu.Unlock()

	m.Lock()
	return m.Unlock
}

// fallbackHour is the sample hour used when an entity carries no usable
// time of its own: envelope timestamp, then the capture time in the
// storage key, then the ingest time.
func fallbackHour(rec *snapshot.Record, env *gtfsrt.Envelope, loc *time.Location, date string) int {
	if env.Timestamp != nil {
		t := time.Unix(int64(*env.Timestamp), 0).In(loc)
		if t.Format(DateLayout) == date {
			return t.Hour()
		}
	}
	if t, err := blob.KeyTime(rec.StorageKey, loc); err == nil {
		return t.Hour()
	}
	return rec.IngestedAt.In(loc).Hour()
}

// eventHour attributes one sample to an hour: the per-event time wins,
// then the entity timestamp, then the snapshot fallback. Times that fall
// outside the partition's date keep the fallback so a snapshot captured
// just after midnight cannot write into the wrong day.
func eventHour(eventTime *int64, entityTS *uint64, fallback int, loc *time.Location, date string) int {
	if eventTime != nil {
		t := time.Unix(*eventTime, 0).In(loc)
		if t.Format(DateLayout) == date {
			return t.Hour()
		}
		return fallback
	}
	if entityTS != nil {
		t := time.Unix(int64(*entityTS), 0).In(loc)
		if t.Format(DateLayout) == date {
			return t.Hour()
		}
	}
	return fallback
}

func addDelaySample(hourly, daily map[uint64]*delayAcc, hour int, routeID, stopID string, arrival, departure *int32, collisions *int) {
	for _, acc := range []*delayAcc{
		upsertDelayAcc(hourly, hour, routeID, stopID, collisions),
		upsertDelayAcc(daily, -1, routeID, stopID, collisions),
	} {
		acc.samples++
		if arrival != nil {
			acc.arrival.add(float64(*arrival))
		}
		if departure != nil {
			acc.departure.add(float64(*departure))
		}
	}
}

func upsertDelayAcc(m map[uint64]*delayAcc, hour int, routeID, stopID string, collisions *int) *delayAcc {
	comp := strconv.Itoa(hour) + "|" + routeID + "|" + stopID
	key := xxhash.Sum64String(comp)
	for {
		acc, ok := m[key]
		if !ok {
			acc = &delayAcc{comp: comp, hour: hour, routeID: routeID, stopID: stopID}
			m[key] = acc
			return acc
		}
		if acc.comp == comp {
			return acc
		}
		// 64-bit collision; probe the next slot
		*collisions++
		key++
	}
}

func upsertPositionAcc(m map[uint64]*positionAcc, hour int, routeID, vehicleID string, collisions *int) *positionAcc {
	comp := strconv.Itoa(hour) + "|" + routeID + "|" + vehicleID
	key := xxhash.Sum64String(comp)
	for {
		acc, ok := m[key]
		if !ok {
			acc = &positionAcc{comp: comp, hour: hour, routeID: routeID, vehicleID: vehicleID}
			m[key] = acc
			return acc
		}
		if acc.comp == comp {
			return acc
		}
		*collisions++
		key++
	}
}

func delayRows(sourceKey, date string, m map[uint64]*delayAcc) []DelayBucket {
	out := make([]DelayBucket, 0, len(m))
	for _, a := range m {
		out = append(out, DelayBucket{
			SourceKey:   sourceKey,
			Date:        date,
			Hour:        a.hour,
			RouteID:     a.routeID,
			StopID:      a.stopID,
			SampleCount: a.samples,

			ArrivalCount:    a.arrival.n,
			AvgArrivalDelay: a.arrival.avgPtr(),
			MinArrivalDelay: a.arrival.minPtr(),
			MaxArrivalDelay: a.arrival.maxPtr(),

			DepartureCount:    a.departure.n,
			AvgDepartureDelay: a.departure.avgPtr(),
			MinDepartureDelay: a.departure.minPtr(),
			MaxDepartureDelay: a.departure.maxPtr(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].StopID < out[j].StopID
	})
	return out
}

func positionRows(sourceKey, date string, m map[uint64]*positionAcc) []PositionBucket {
	out := make([]PositionBucket, 0, len(m))
	for _, a := range m {
		out = append(out, PositionBucket{
			SourceKey:   sourceKey,
			Date:        date,
			Hour:        a.hour,
			RouteID:     a.routeID,
			VehicleID:   a.vehicleID,
			SampleCount: a.samples,

			AvgLatitude:  a.lat.avgPtr(),
			AvgLongitude: a.lon.avgPtr(),

			BearingCount: a.bearing.n,
			AvgBearing:   a.bearing.avgPtr(),

			SpeedCount: a.speed.n,
			AvgSpeed:   a.speed.avgPtr(),
			MinSpeed:   a.speed.minPtr(),
			MaxSpeed:   a.speed.maxPtr(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	return out
}
