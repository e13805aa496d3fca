package aggregate

import (
	"context"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/transitlake-data/internal/blob"
	"github.com/transitlake-data/internal/common/config"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/common/metrics"
	"github.com/transitlake-data/internal/snapshot"
	"github.com/transitlake-data/pkg/gtfsrt"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func tripSource() config.FeedSource {
	return config.FeedSource{
		SourceKey: "stm",
		FeedKind:  string(gtfsrt.FeedKindTripUpdates),
		URL:       "http://example.invalid/tu",
		Enabled:   true,
	}
}

func positionSource() config.FeedSource {
	return config.FeedSource{
		SourceKey: "stm",
		FeedKind:  string(gtfsrt.FeedKindVehiclePositions),
		URL:       "http://example.invalid/vp",
		Enabled:   true,
	}
}

type testEnv struct {
	engine  *Engine
	catalog *snapshot.MemoryCatalog
	blobs   *blob.MemoryStore
	store   *MemoryStore
	log     *logger.Recorder
}

func newTestEnv(now time.Time) *testEnv {
	env := &testEnv{
		catalog: snapshot.NewMemoryCatalog(),
		blobs:   blob.NewMemoryStore(),
		store:   NewMemoryStore(),
		log:     logger.NewRecorder(),
	}
	env.engine = NewEngine(
		Config{HotWindow: 24 * time.Hour, DefaultTimezone: "UTC"},
		env.catalog, env.blobs, env.store,
		metrics.NewCollector(time.Minute, 24*time.Hour),
		env.log,
	)
	env.engine.now = func() time.Time { return now }
	return env
}

// storeSnap lands data exactly as ingestion would: blob under the
// capture-time key, catalog row with the ingest instant.
func (env *testEnv) storeSnap(t *testing.T, src config.FeedSource, data []byte, captured, ingested time.Time) {
	t.Helper()
	ctx := context.Background()
	kind := gtfsrt.FeedKind(src.FeedKind)
	key := blob.Key(kind, src.SourceKey, captured)
	require.NoError(t, env.blobs.Put(ctx, key, data))
	require.NoError(t, env.catalog.Insert(ctx, &snapshot.Record{
		SourceKey:   src.SourceKey,
		FeedKind:    kind,
		Fingerprint: snapshot.Fingerprint(data),
		StorageKey:  key,
		IngestedAt:  ingested.UTC(),
	}))
}

type stuFix struct {
	stop     string
	arrDelay *int32
	depDelay *int32
	arrTime  *int64
}

func tuEntity(id, tripID, routeID string, delay *int32, stus ...stuFix) *gtfs.FeedEntity {
	tu := &gtfs.TripUpdate{
		Trip: &gtfs.TripDescriptor{
			TripId:  proto.String(tripID),
			RouteId: proto.String(routeID),
		},
		Delay: delay,
	}
	for _, s := range stus {
		stu := &gtfs.TripUpdate_StopTimeUpdate{
			StopId: proto.String(s.stop),
		}
		if s.arrDelay != nil || s.arrTime != nil {
			stu.Arrival = &gtfs.TripUpdate_StopTimeEvent{
				Delay: s.arrDelay,
				Time:  s.arrTime,
			}
		}
		if s.depDelay != nil {
			stu.Departure = &gtfs.TripUpdate_StopTimeEvent{Delay: s.depDelay}
		}
		tu.StopTimeUpdate = append(tu.StopTimeUpdate, stu)
	}
	return &gtfs.FeedEntity{Id: proto.String(id), TripUpdate: tu}
}

func vpEntity(id, routeID, vehicleID string, lat, lon float32, bearing, speed *float32) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfs.VehiclePosition{
			Trip: &gtfs.TripDescriptor{RouteId: proto.String(routeID)},
			Vehicle: &gtfs.VehicleDescriptor{
				Id: proto.String(vehicleID),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(lat),
				Longitude: proto.Float32(lon),
				Bearing:   bearing,
				Speed:     speed,
			},
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

func TestAggregateDelayMath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := tripSource()

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	at0810 := day.Add(8*time.Hour + 10*time.Minute)
	at0830 := day.Add(8*time.Hour + 30*time.Minute)

	arr1 := at0810.Unix()
	snap1 := feed(t, uint64(at0810.Unix()),
		tuEntity("e1", "t1", "r10", nil,
			stuFix{stop: "s1", arrDelay: proto.Int32(60), depDelay: proto.Int32(30), arrTime: &arr1},
			stuFix{stop: "s2", arrDelay: proto.Int32(-45), arrTime: &arr1},
		))

	arr2 := at0830.Unix()
	snap2 := feed(t, uint64(at0830.Unix()),
		tuEntity("e1", "t1", "r10", nil,
			stuFix{stop: "s1", arrDelay: proto.Int32(120), depDelay: proto.Int32(60), arrTime: &arr2},
			stuFix{stop: "s2", arrDelay: proto.Int32(15), arrTime: &arr2},
		))

	env.storeSnap(t, src, snap1, at0810, at0810)
	env.storeSnap(t, src, snap2, at0830, at0830)

	written, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	require.Equal(t, 4, written) // 2 hourly + 2 daily

	hourly, err := env.store.DelayRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainHourly)
	require.NoError(t, err)
	require.Len(t, hourly, 2)

	s1 := hourly[0]
	require.Equal(t, 8, s1.Hour)
	require.Equal(t, "r10", s1.RouteID)
	require.Equal(t, "s1", s1.StopID)
	require.Equal(t, int64(2), s1.SampleCount)
	require.Equal(t, int64(2), s1.ArrivalCount)
	require.Equal(t, 90.0, *s1.AvgArrivalDelay)
	require.Equal(t, 60.0, *s1.MinArrivalDelay)
	require.Equal(t, 120.0, *s1.MaxArrivalDelay)
	require.Equal(t, int64(2), s1.DepartureCount)
	require.Equal(t, 45.0, *s1.AvgDepartureDelay)

	s2 := hourly[1]
	require.Equal(t, "s2", s2.StopID)
	require.Equal(t, int64(2), s2.ArrivalCount)
	require.Equal(t, -15.0, *s2.AvgArrivalDelay)
	require.Equal(t, -45.0, *s2.MinArrivalDelay)
	require.Equal(t, 15.0, *s2.MaxArrivalDelay)

	// the departure field was absent at s2: excluded from departure stats
	// only, while the same samples still fed the arrival stats
	require.Equal(t, int64(0), s2.DepartureCount)
	require.Nil(t, s2.AvgDepartureDelay)

	daily, err := env.store.DelayRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainDaily)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	require.Equal(t, -1, daily[0].Hour)
	require.Equal(t, 90.0, *daily[0].AvgArrivalDelay)

	runs, err := env.store.Runs(ctx, "stm", gtfsrt.FeedKindTripUpdates, "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 2, runs[0].SnapshotCount)
	require.Equal(t, 4, runs[0].BucketCount)
}

func TestAggregateDailyIsTrueMean(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := tripSource()

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	at0859 := day.Add(8*time.Hour + 59*time.Minute)
	at0905 := day.Add(9*time.Hour + 5*time.Minute)

	// two samples in hour 8, one in hour 9
	t1 := at0859.Unix()
	snap1 := feed(t, uint64(at0859.Unix()),
		tuEntity("e1", "t1", "r20", nil,
			stuFix{stop: "sA", arrDelay: proto.Int32(10), arrTime: &t1},
			stuFix{stop: "sA", arrDelay: proto.Int32(20), arrTime: &t1},
		))
	t2 := at0905.Unix()
	snap2 := feed(t, uint64(at0905.Unix()),
		tuEntity("e1", "t1", "r20", nil,
			stuFix{stop: "sA", arrDelay: proto.Int32(60), arrTime: &t2},
		))

	env.storeSnap(t, src, snap1, at0859, at0859)
	env.storeSnap(t, src, snap2, at0905, at0905)

	_, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.NoError(t, err)

	hourly, err := env.store.DelayRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainHourly)
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	require.Equal(t, 8, hourly[0].Hour)
	require.Equal(t, 15.0, *hourly[0].AvgArrivalDelay)
	require.Equal(t, 9, hourly[1].Hour)
	require.Equal(t, 60.0, *hourly[1].AvgArrivalDelay)

	// (10+20+60)/3, not the 37.5 an average of hourly averages would give
	daily, err := env.store.DelayRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainDaily)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	require.Equal(t, int64(3), daily[0].ArrivalCount)
	require.Equal(t, 30.0, *daily[0].AvgArrivalDelay)
}

func TestAggregateHotWindowBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	env := newTestEnv(now)
	src := tripSource()

	mk := func(delay int32, capturedAt time.Time) []byte {
		at := capturedAt.Unix()
		return feed(t, uint64(capturedAt.Unix()),
			tuEntity("e1", "t1", "r1", nil,
				stuFix{stop: "s1", arrDelay: proto.Int32(delay), arrTime: &at}))
	}

	colder := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)   // 25h old
	boundary := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) // exactly 24h old
	hot := time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC)      // 23h59m old

	env.storeSnap(t, src, mk(10, colder), colder, colder)
	env.storeSnap(t, src, mk(20, boundary), boundary, boundary)
	env.storeSnap(t, src, mk(999, hot), hot, hot)

	_, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.NoError(t, err)

	// the snapshot aged exactly the hot window is cold; the younger one is not
	runs, err := env.store.Runs(ctx, "stm", gtfsrt.FeedKindTripUpdates, "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 2, runs[0].SnapshotCount)

	daily, err := env.store.DelayRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainDaily)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	require.Equal(t, int64(2), daily[0].ArrivalCount)
	require.Equal(t, 15.0, *daily[0].AvgArrivalDelay)
}

func TestAggregateIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := tripSource()

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	at := day.Add(10 * time.Hour)
	ts := at.Unix()
	snap := feed(t, uint64(at.Unix()),
		tuEntity("e1", "t1", "r1", nil,
			stuFix{stop: "s1", arrDelay: proto.Int32(42), arrTime: &ts}))
	env.storeSnap(t, src, snap, at, at)

	first, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	second, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	require.Equal(t, first, second)

	hourly, err := env.store.DelayRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainHourly)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	require.Equal(t, int64(1), hourly[0].ArrivalCount)
	require.Equal(t, 42.0, *hourly[0].AvgArrivalDelay)
}

func TestAggregateEmptyDay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := tripSource()

	written, err := env.engine.Aggregate(ctx, src, "2026-08-20", "2026-08-20")
	require.NoError(t, err)
	require.Zero(t, written)

	// empty is still aggregated: the run marker exists with zero counts
	runs, err := env.store.Runs(ctx, "stm", gtfsrt.FeedKindTripUpdates, "2026-08-20", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Zero(t, runs[0].SnapshotCount)
	require.Zero(t, runs[0].BucketCount)
}

func TestAggregateInputGap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := tripSource()

	// catalog row with no blob behind it
	captured := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	key := blob.Key(gtfsrt.FeedKindTripUpdates, "stm", captured)
	require.NoError(t, env.catalog.Insert(ctx, &snapshot.Record{
		SourceKey:   "stm",
		FeedKind:    gtfsrt.FeedKindTripUpdates,
		Fingerprint: "gone",
		StorageKey:  key,
		IngestedAt:  captured,
	}))

	_, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.ErrorIs(t, err, ErrInputGap)

	// nothing was marked or written
	runs, err := env.store.Runs(ctx, "stm", gtfsrt.FeedKindTripUpdates, "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestAggregatePositions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := positionSource()

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	at1 := day.Add(14 * time.Hour)
	at2 := day.Add(14*time.Hour + 10*time.Minute)

	snap1 := feed(t, uint64(at1.Unix()),
		vpEntity("v1", "r10", "bus-1", 45.50, -73.57, nil, proto.Float32(10)),
		vpEntity("v2", "r10", "bus-2", 45.49, -73.60, nil, nil),
	)
	snap2 := feed(t, uint64(at2.Unix()),
		vpEntity("v1", "r10", "bus-1", 45.52, -73.55, proto.Float32(90), proto.Float32(14)),
	)

	env.storeSnap(t, src, snap1, at1, at1)
	env.storeSnap(t, src, snap2, at2, at2)

	written, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	require.Equal(t, 4, written) // 2 hourly + 2 daily

	hourly, err := env.store.PositionRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainHourly)
	require.NoError(t, err)
	require.Len(t, hourly, 2)

	b1 := hourly[0]
	require.Equal(t, "bus-1", b1.VehicleID)
	require.Equal(t, 14, b1.Hour)
	require.Equal(t, int64(2), b1.SampleCount)
	require.InDelta(t, 45.51, *b1.AvgLatitude, 1e-4)
	require.InDelta(t, -73.56, *b1.AvgLongitude, 1e-4)
	require.Equal(t, int64(2), b1.SpeedCount)
	require.Equal(t, 10.0, *b1.MinSpeed)
	require.Equal(t, 14.0, *b1.MaxSpeed)
	require.Equal(t, int64(1), b1.BearingCount)
	require.Equal(t, 90.0, *b1.AvgBearing)

	b2 := hourly[1]
	require.Equal(t, "bus-2", b2.VehicleID)
	require.Equal(t, int64(1), b2.SampleCount)
	require.Equal(t, int64(0), b2.SpeedCount)
	require.Nil(t, b2.AvgSpeed)
}

func TestAggregateRangeWalk(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := tripSource()

	for _, day := range []time.Time{
		time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC),
	} {
		ts := day.Unix()
		snap := feed(t, uint64(day.Unix()),
			tuEntity("e1", "t1", "r1", nil,
				stuFix{stop: "s1", arrDelay: proto.Int32(5), arrTime: &ts}))
		env.storeSnap(t, src, snap, day, day)
	}

	written, err := env.engine.Aggregate(ctx, src, "2026-08-23", "2026-08-24")
	require.NoError(t, err)
	require.Equal(t, 4, written)

	runs, err := env.store.Runs(ctx, "stm", gtfsrt.FeedKindTripUpdates, "2026-08-23", "2026-08-24")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "2026-08-23", runs[0].Date)
	require.Equal(t, "2026-08-24", runs[1].Date)

	t.Run("InvertedRange", func(t *testing.T) {
		n, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-23")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("BadDate", func(t *testing.T) {
		_, err := env.engine.Aggregate(ctx, src, "24/08/2026", "2026-08-24")
		require.Error(t, err)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		bad := src
		bad.FeedKind = "gtfsrt_alerts"
		_, err := env.engine.Aggregate(ctx, bad, "2026-08-23", "2026-08-24")
		require.Error(t, err)
	})
}

func TestAggregateTripLevelDelay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testNow)
	src := tripSource()

	at := time.Date(2026, 8, 24, 16, 20, 0, 0, time.UTC)
	snap := feed(t, uint64(at.Unix()),
		tuEntity("e1", "t9", "r99", proto.Int32(300)))
	env.storeSnap(t, src, snap, at, at)

	_, err := env.engine.Aggregate(ctx, src, "2026-08-24", "2026-08-24")
	require.NoError(t, err)

	hourly, err := env.store.DelayRange(ctx, "stm", "2026-08-24", "2026-08-24", GrainHourly)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	require.Equal(t, "r99", hourly[0].RouteID)
	require.Equal(t, "", hourly[0].StopID) // route-wide bucket
	require.Equal(t, 16, hourly[0].Hour)
	require.Equal(t, 300.0, *hourly[0].AvgArrivalDelay)
}
