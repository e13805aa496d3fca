package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/transitlake-data/internal/aggregate"
)

// DelaySummary condenses a date range into one row per route.
//
// OnTimePercent is computed over daily buckets, not raw samples: a bucket
// counts as on time when the absolute value of its average arrival delay
// is within the threshold. Raw samples are gone after aggregation, so
// this is an approximation and is documented as such to callers.
type DelaySummary struct {
	SourceKey string
	RouteID   string

	Buckets        int
	ArrivalSamples int64

	// AvgArrivalDelay is weighted by each bucket's arrival count, which
	// recovers the true mean over the underlying samples.
	AvgArrivalDelay float64
	OnTimePercent   float64
}

// DelaySummaries builds per-route summaries from daily delay buckets over
// [fromDate, toDate]. The range must be aggregated; threshold zero falls
// back to the configured on-time threshold.
func (r *Router) DelaySummaries(ctx context.Context, sourceKey, fromDate, toDate string, threshold time.Duration) ([]DelaySummary, error) {
	if threshold <= 0 {
		threshold = r.cfg.OnTimeThreshold
	}

	buckets, err := r.HistoricalDelays(ctx, sourceKey, fromDate, toDate, aggregate.GrainDaily, Filters{})
	if err != nil {
		return nil, err
	}

	type routeAgg struct {
		buckets int
		onTime  int
		withAvg int
		samples int64
		sum     float64
	}
	routes := make(map[string]*routeAgg)

	limit := threshold.Seconds()
	for _, b := range buckets {
		agg, ok := routes[b.RouteID]
		if !ok {
			agg = &routeAgg{}
			routes[b.RouteID] = agg
		}
		agg.buckets++
		if b.AvgArrivalDelay == nil {
			continue
		}
		agg.withAvg++
		agg.samples += b.ArrivalCount
		agg.sum += *b.AvgArrivalDelay * float64(b.ArrivalCount)
		if math.Abs(*b.AvgArrivalDelay) <= limit {
			agg.onTime++
		}
	}

	out := make([]DelaySummary, 0, len(routes))
	for routeID, agg := range routes {
		s := DelaySummary{
			SourceKey:      sourceKey,
			RouteID:        routeID,
			Buckets:        agg.buckets,
			ArrivalSamples: agg.samples,
		}
		if agg.samples > 0 {
			s.AvgArrivalDelay = agg.sum / float64(agg.samples)
		}
		if agg.withAvg > 0 {
			s.OnTimePercent = 100 * float64(agg.onTime) / float64(agg.withAvg)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out, nil
}
