package query

import (
	"context"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/transitlake-data/internal/aggregate"
	"github.com/transitlake-data/internal/blob"
	"github.com/transitlake-data/internal/common/config"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/common/metrics"
	"github.com/transitlake-data/internal/snapshot"
	"github.com/transitlake-data/pkg/gtfsrt"
)

type routerEnv struct {
	router  *Router
	catalog *snapshot.MemoryCatalog
	blobs   *blob.MemoryStore
	store   *aggregate.MemoryStore
}

func newRouterEnv(now time.Time) *routerEnv {
	env := &routerEnv{
		catalog: snapshot.NewMemoryCatalog(),
		blobs:   blob.NewMemoryStore(),
		store:   aggregate.NewMemoryStore(),
	}
	env.router = NewRouter(
		Config{HotWindow: 24 * time.Hour, OnTimeThreshold: 5 * time.Minute},
		env.catalog, env.blobs, env.store, logger.NewRecorder(),
	)
	env.router.now = func() time.Time { return now }
	return env
}

func (env *routerEnv) seed(t *testing.T, sourceKey string, kind gtfsrt.FeedKind, data []byte, captured, ingested time.Time) string {
	t.Helper()
	ctx := context.Background()
	key := blob.Key(kind, sourceKey, captured)
	require.NoError(t, env.blobs.Put(ctx, key, data))
	require.NoError(t, env.catalog.Insert(ctx, &snapshot.Record{
		SourceKey:   sourceKey,
		FeedKind:    kind,
		Fingerprint: snapshot.Fingerprint(data),
		StorageKey:  key,
		IngestedAt:  ingested.UTC(),
	}))
	return key
}

func tuStopEntity(id, tripID, routeID, stopID string, delay int32, at time.Time) *gtfs.FeedEntity {
	ts := at.Unix()
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{
				TripId:  proto.String(tripID),
				RouteId: proto.String(routeID),
			},
			StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{{
				StopId: proto.String(stopID),
				Arrival: &gtfs.TripUpdate_StopTimeEvent{
					Delay: proto.Int32(delay),
					Time:  proto.Int64(ts),
				},
			}},
		},
	}
}

func feed(t *testing.T, ts uint64, ents ...*gtfs.FeedEntity) []byte {
	t.Helper()
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(ts),
		},
		Entity: ents,
	}
	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestQueryCurrent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	t.Run("FreshestWins", func(t *testing.T) {
		env := newRouterEnv(now)

		older := now.Add(-40 * time.Minute)
		fresher := now.Add(-20 * time.Minute)
		env.seed(t, "stm", gtfsrt.FeedKindTripUpdates,
			feed(t, uint64(older.Unix()), tuStopEntity("e1", "t1", "r1", "s1", 10, older)),
			older, older)
		wantKey := env.seed(t, "stm", gtfsrt.FeedKindTripUpdates,
			feed(t, uint64(fresher.Unix()),
				tuStopEntity("e1", "t1", "r1", "s1", 20, fresher),
				tuStopEntity("e2", "t2", "r1", "s2", 30, fresher)),
			fresher, fresher)

		res, err := env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{})
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Equal(t, wantKey, res.Record.StorageKey)
		require.Len(t, res.Entities, 2)
	})

	t.Run("Filters", func(t *testing.T) {
		env := newRouterEnv(now)
		at := now.Add(-10 * time.Minute)
		env.seed(t, "stm", gtfsrt.FeedKindTripUpdates,
			feed(t, uint64(at.Unix()),
				tuStopEntity("e1", "t1", "r1", "s1", 10, at),
				tuStopEntity("e2", "t2", "r1", "s2", 20, at),
				tuStopEntity("e3", "t3", "r2", "s1", 30, at)),
			at, at)

		res, err := env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{RouteID: "r1"})
		require.NoError(t, err)
		require.Len(t, res.Entities, 2)

		res, err = env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{StopID: "s1"})
		require.NoError(t, err)
		require.Len(t, res.Entities, 2)

		res, err = env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{TripID: "t3"})
		require.NoError(t, err)
		require.Len(t, res.Entities, 1)
		tu := res.Entities[0].(*gtfsrt.TripDelayUpdate)
		require.Equal(t, "r2", tu.RouteID)

		// trip updates carry no vehicle identity
		res, err = env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{VehicleID: "bus-1"})
		require.NoError(t, err)
		require.Empty(t, res.Entities)
	})

	t.Run("NothingHot", func(t *testing.T) {
		env := newRouterEnv(now)
		old := now.Add(-30 * time.Hour)
		env.seed(t, "stm", gtfsrt.FeedKindTripUpdates,
			feed(t, uint64(old.Unix()), tuStopEntity("e1", "t1", "r1", "s1", 10, old)),
			old, old)

		res, err := env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{})
		require.NoError(t, err)
		require.Nil(t, res)
	})

	t.Run("BoundarySnapshotIsCold", func(t *testing.T) {
		env := newRouterEnv(now)
		boundary := now.Add(-24 * time.Hour)
		env.seed(t, "stm", gtfsrt.FeedKindTripUpdates,
			feed(t, uint64(boundary.Unix()), tuStopEntity("e1", "t1", "r1", "s1", 10, boundary)),
			boundary, boundary)

		res, err := env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{})
		require.NoError(t, err)
		require.Nil(t, res)
	})

	t.Run("MissingBlobIsAnError", func(t *testing.T) {
		env := newRouterEnv(now)
		at := now.Add(-5 * time.Minute)
		require.NoError(t, env.catalog.Insert(ctx, &snapshot.Record{
			SourceKey:   "stm",
			FeedKind:    gtfsrt.FeedKindTripUpdates,
			Fingerprint: "fp",
			StorageKey:  "gtfsrt_trip_updates/stm/gtfsrt_trip_updates/date=2026-08-25/gtfsrt_trip_updates_2026-08-25T11-55-00",
			IngestedAt:  at,
		}))

		_, err := env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{})
		require.Error(t, err)
	})
}

func TestHistoricalDelays(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	seedDay := func(env *routerEnv, date string, daily ...aggregate.DelayBucket) {
		run := aggregate.Run{
			SourceKey:     "stm",
			FeedKind:      gtfsrt.FeedKindTripUpdates,
			Date:          date,
			CompletedAt:   now,
			SnapshotCount: 1,
			BucketCount:   len(daily),
		}
		require.NoError(t, env.store.ReplaceDelayDay(ctx, run, nil, daily))
	}

	avg := func(v float64) *float64 { return &v }

	t.Run("NotAggregated", func(t *testing.T) {
		env := newRouterEnv(now)
		_, err := env.router.HistoricalDelays(ctx, "stm", "2026-08-20", "2026-08-21", aggregate.GrainDaily, Filters{})
		require.ErrorIs(t, err, ErrNotAggregated)
		require.Contains(t, err.Error(), "2026-08-20")
	})

	t.Run("PartialCoverage", func(t *testing.T) {
		env := newRouterEnv(now)
		seedDay(env, "2026-08-20",
			aggregate.DelayBucket{SourceKey: "stm", Date: "2026-08-20", Hour: -1, RouteID: "r1", StopID: "s1", SampleCount: 1, ArrivalCount: 1, AvgArrivalDelay: avg(10)})

		_, err := env.router.HistoricalDelays(ctx, "stm", "2026-08-20", "2026-08-21", aggregate.GrainDaily, Filters{})
		require.ErrorIs(t, err, ErrNotAggregated)
		require.Contains(t, err.Error(), "2026-08-21")
	})

	t.Run("AggregatedButEmptyIsNotAnError", func(t *testing.T) {
		env := newRouterEnv(now)
		seedDay(env, "2026-08-20")

		buckets, err := env.router.HistoricalDelays(ctx, "stm", "2026-08-20", "2026-08-20", aggregate.GrainDaily, Filters{})
		require.NoError(t, err)
		require.Empty(t, buckets)
	})

	t.Run("RowsAndFilters", func(t *testing.T) {
		env := newRouterEnv(now)
		seedDay(env, "2026-08-20",
			aggregate.DelayBucket{SourceKey: "stm", Date: "2026-08-20", Hour: -1, RouteID: "r1", StopID: "s1", SampleCount: 2, ArrivalCount: 2, AvgArrivalDelay: avg(30)},
			aggregate.DelayBucket{SourceKey: "stm", Date: "2026-08-20", Hour: -1, RouteID: "r1", StopID: "s2", SampleCount: 1, ArrivalCount: 1, AvgArrivalDelay: avg(60)},
			aggregate.DelayBucket{SourceKey: "stm", Date: "2026-08-20", Hour: -1, RouteID: "r2", StopID: "s1", SampleCount: 1, ArrivalCount: 1, AvgArrivalDelay: avg(90)},
		)

		all, err := env.router.HistoricalDelays(ctx, "stm", "2026-08-20", "2026-08-20", aggregate.GrainDaily, Filters{})
		require.NoError(t, err)
		require.Len(t, all, 3)

		byRoute, err := env.router.HistoricalDelays(ctx, "stm", "2026-08-20", "2026-08-20", aggregate.GrainDaily, Filters{RouteID: "r1"})
		require.NoError(t, err)
		require.Len(t, byRoute, 2)

		byStop, err := env.router.HistoricalDelays(ctx, "stm", "2026-08-20", "2026-08-20", aggregate.GrainDaily, Filters{StopID: "s1"})
		require.NoError(t, err)
		require.Len(t, byStop, 2)
	})

	t.Run("BadDates", func(t *testing.T) {
		env := newRouterEnv(now)
		_, err := env.router.HistoricalDelays(ctx, "stm", "20-08-2026", "2026-08-21", aggregate.GrainDaily, Filters{})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrNotAggregated)
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	env := newRouterEnv(now)

	fresh := now.Add(-10 * time.Minute)
	stale := now.Add(-30 * time.Hour)
	env.seed(t, "stm", gtfsrt.FeedKindTripUpdates,
		feed(t, uint64(stale.Unix()), tuStopEntity("e1", "t1", "r1", "s1", 5, stale)), stale, stale)
	latestKey := env.seed(t, "stm", gtfsrt.FeedKindTripUpdates,
		feed(t, uint64(fresh.Unix()), tuStopEntity("e1", "t1", "r1", "s1", 7, fresh)), fresh, fresh)

	sources := []config.FeedSource{
		{SourceKey: "stm", FeedKind: string(gtfsrt.FeedKindTripUpdates), URL: "http://example.invalid", Enabled: true},
		{SourceKey: "exo", FeedKind: string(gtfsrt.FeedKindVehiclePositions), URL: "http://example.invalid", Enabled: true},
	}

	statuses, err := env.router.Status(ctx, sources)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	require.Equal(t, latestKey, statuses[0].LatestKey)
	require.Equal(t, 1, statuses[0].HotCount)

	require.Empty(t, statuses[1].LatestKey)
	require.Zero(t, statuses[1].HotCount)
}

func TestDelaySummaries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	env := newRouterEnv(now)

	avg := func(v float64) *float64 { return &v }
	run := aggregate.Run{
		SourceKey:   "stm",
		FeedKind:    gtfsrt.FeedKindTripUpdates,
		Date:        "2026-08-20",
		CompletedAt: now,
	}
	require.NoError(t, env.store.ReplaceDelayDay(ctx, run, nil, []aggregate.DelayBucket{
		{SourceKey: "stm", Date: "2026-08-20", Hour: -1, RouteID: "r1", StopID: "s1", SampleCount: 2, ArrivalCount: 2, AvgArrivalDelay: avg(60)},
		{SourceKey: "stm", Date: "2026-08-20", Hour: -1, RouteID: "r1", StopID: "s2", SampleCount: 1, ArrivalCount: 1, AvgArrivalDelay: avg(120)},
		{SourceKey: "stm", Date: "2026-08-20", Hour: -1, RouteID: "r2", StopID: "s1", SampleCount: 4, ArrivalCount: 4, AvgArrivalDelay: avg(400)},
	}))

	sums, err := env.router.DelaySummaries(ctx, "stm", "2026-08-20", "2026-08-20", 0)
	require.NoError(t, err)
	require.Len(t, sums, 2)

	r1 := sums[0]
	require.Equal(t, "r1", r1.RouteID)
	require.Equal(t, 2, r1.Buckets)
	require.Equal(t, int64(3), r1.ArrivalSamples)
	require.InDelta(t, 80.0, r1.AvgArrivalDelay, 1e-9) // (60*2+120*1)/3
	require.Equal(t, 100.0, r1.OnTimePercent)          // both within the 5m default

	r2 := sums[1]
	require.Equal(t, "r2", r2.RouteID)
	require.Equal(t, 400.0, r2.AvgArrivalDelay)
	require.Zero(t, r2.OnTimePercent)
}

// The full pipeline: two snapshots land twenty minutes apart, current
// queries serve the freshest one, and once the hot window has passed and
// aggregation has run, historical queries serve one bucket per
// (route, stop) combining samples from both snapshots.
func TestCurrentThenHistorical(t *testing.T) {
	ctx := context.Background()

	captureA := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	captureB := captureA.Add(20 * time.Minute)

	snapA := feed(t, uint64(captureA.Unix()),
		tuStopEntity("e1", "t1", "r1", "s1", 10, captureA),
		tuStopEntity("e2", "t2", "r1", "s2", 20, captureA),
		tuStopEntity("e3", "t3", "r1", "s3", 30, captureA),
	)
	snapB := feed(t, uint64(captureB.Unix()),
		tuStopEntity("e1", "t1", "r1", "s1", 20, captureB),
		tuStopEntity("e2", "t2", "r1", "s2", 30, captureB),
		tuStopEntity("e3", "t3", "r1", "s3", 40, captureB),
		tuStopEntity("e4", "t4", "r1", "s4", 50, captureB),
		tuStopEntity("e5", "t5", "r1", "s5", 60, captureB),
	)

	env := newRouterEnv(captureB.Add(10 * time.Minute)) // 10:30, both hot
	env.seed(t, "stm", gtfsrt.FeedKindTripUpdates, snapA, captureA, captureA)
	keyB := env.seed(t, "stm", gtfsrt.FeedKindTripUpdates, snapB, captureB, captureB)

	res, err := env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, keyB, res.Record.StorageKey)
	require.Len(t, res.Entities, 5)

	// the hot window passes
	later := captureB.Add(25 * time.Hour)
	env.router.now = func() time.Time { return later }

	res, err = env.router.QueryCurrent(ctx, "stm", gtfsrt.FeedKindTripUpdates, Filters{})
	require.NoError(t, err)
	require.Nil(t, res)

	// historical before aggregation is a distinct condition
	_, err = env.router.HistoricalDelays(ctx, "stm", "2026-01-10", "2026-01-10", aggregate.GrainDaily, Filters{})
	require.ErrorIs(t, err, ErrNotAggregated)

	engine := aggregate.NewEngine(
		aggregate.Config{HotWindow: 24 * time.Hour, DefaultTimezone: "UTC", Now: func() time.Time { return later }},
		env.catalog, env.blobs, env.store,
		metrics.NewCollector(time.Minute, 24*time.Hour),
		logger.NewRecorder(),
	)
	src := config.FeedSource{SourceKey: "stm", FeedKind: string(gtfsrt.FeedKindTripUpdates), URL: "http://example.invalid", Enabled: true}
	written, err := engine.Aggregate(ctx, src, "2026-01-10", "2026-01-10")
	require.NoError(t, err)
	require.Equal(t, 10, written) // 5 hourly + 5 daily

	daily, err := env.router.HistoricalDelays(ctx, "stm", "2026-01-10", "2026-01-10", aggregate.GrainDaily, Filters{})
	require.NoError(t, err)
	require.Len(t, daily, 5)

	wantAvg := map[string]float64{"s1": 15, "s2": 25, "s3": 35, "s4": 50, "s5": 60}
	wantCount := map[string]int64{"s1": 2, "s2": 2, "s3": 2, "s4": 1, "s5": 1}
	for _, b := range daily {
		require.Equal(t, "r1", b.RouteID)
		require.Equal(t, wantCount[b.StopID], b.ArrivalCount, "stop %s", b.StopID)
		require.Equal(t, wantAvg[b.StopID], *b.AvgArrivalDelay, "stop %s", b.StopID)
	}
}
