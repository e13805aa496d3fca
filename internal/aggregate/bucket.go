package aggregate

import (
	"context"
	"time"

	"github.com/transitlake-data/pkg/gtfsrt"
)

// Grain selects the rollup resolution of a bucket table.
type Grain string

const (
	GrainHourly Grain = "hourly"
	GrainDaily  Grain = "daily"
)

// DateLayout is the civil date format used for partition keys. Dates are
// always rendered in the source's home zone.
const DateLayout = "2006-01-02"

// DelayBucket is one rollup row over trip update samples, keyed by
// (route, stop). Hour is -1 for daily buckets. Averages are true means
// over every sample in the bucket; a nil average means the stat had no
// samples even though the bucket itself did.
type DelayBucket struct {
	SourceKey string
	Date      string
	Hour      int
	RouteID   string
	StopID    string

	SampleCount int64

	ArrivalCount    int64
	AvgArrivalDelay *float64
	MinArrivalDelay *float64
	MaxArrivalDelay *float64

	DepartureCount    int64
	AvgDepartureDelay *float64
	MinDepartureDelay *float64
	MaxDepartureDelay *float64
}

// PositionBucket is one rollup row over vehicle position samples, keyed
// by (route, vehicle). Hour is -1 for daily buckets.
type PositionBucket struct {
	SourceKey string
	Date      string
	Hour      int
	RouteID   string
	VehicleID string

	SampleCount  int64
	AvgLatitude  *float64
	AvgLongitude *float64

	BearingCount int64
	AvgBearing   *float64

	SpeedCount int64
	AvgSpeed   *float64
	MinSpeed   *float64
	MaxSpeed   *float64
}

// Run records one completed aggregation of a (source, kind, date)
// partition. Its presence is what distinguishes "aggregated and empty"
// from "never aggregated".
type Run struct {
	SourceKey     string
	FeedKind      gtfsrt.FeedKind
	Date          string
	CompletedAt   time.Time
	SnapshotCount int
	BucketCount   int
}

// Store persists rollup buckets and run markers. Replace calls swap an
// entire (source, date) partition and record the run in one atomic step,
// so re-aggregating a day can never double-count.
type Store interface {
	ReplaceDelayDay(ctx context.Context, run Run, hourly, daily []DelayBucket) error
	ReplacePositionDay(ctx context.Context, run Run, hourly, daily []PositionBucket) error

	DelayRange(ctx context.Context, sourceKey, fromDate, toDate string, grain Grain) ([]DelayBucket, error)
	PositionRange(ctx context.Context, sourceKey, fromDate, toDate string, grain Grain) ([]PositionBucket, error)

	// Runs returns the run markers for dates within [fromDate, toDate],
	// ordered by date.
	Runs(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, fromDate, toDate string) ([]Run, error)
}
