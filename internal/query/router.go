// Package query answers realtime and historical reads without letting
// either path leak into the other. Current state comes from decoding the
// single freshest snapshot inside the hot window; history comes from the
// rollup tables only, never from re-decoding raw snapshots.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/transitlake-data/internal/aggregate"
	"github.com/transitlake-data/internal/blob"
	"github.com/transitlake-data/internal/common/config"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/snapshot"
	"github.com/transitlake-data/pkg/gtfsrt"
)

// ErrNotAggregated reports a historical query over dates that have no
// completed aggregation run yet. It is distinct from an aggregated range
// that is genuinely empty, which returns no rows and no error.
var ErrNotAggregated = errors.New("query: range not aggregated")

// Filters narrows query results; zero values match everything.
//
// Current queries filter decoded entities, so every field applies there.
// Historical delay buckets are keyed by route and stop, and position
// buckets by route and vehicle; the remaining fields have nothing to
// match against in those paths.
type Filters struct {
	RouteID   string
	StopID    string
	TripID    string
	VehicleID string
}

// Config carries the routing split settings.
type Config struct {
	HotWindow       time.Duration
	OnTimeThreshold time.Duration
}

// CurrentResult is the decoded freshest hot snapshot for one source.
type CurrentResult struct {
	Record   *snapshot.Record
	Entities []gtfsrt.Entity
}

// SourceStatus summarizes the stored state of one feed source.
type SourceStatus struct {
	SourceKey     string
	FeedKind      gtfsrt.FeedKind
	LatestKey     string
	LatestAt      time.Time
	FeedTimestamp *time.Time
	HotCount      int
}

// Router serves reads over the snapshot catalog, the blob store, and the
// rollup store.
type Router struct {
	cfg     Config
	catalog snapshot.Catalog
	blobs   blob.Store
	store   aggregate.Store
	logger  logger.Logger
	now     func() time.Time
}

func NewRouter(cfg Config, catalog snapshot.Catalog, blobs blob.Store, store aggregate.Store, log logger.Logger) *Router {
	return &Router{
		cfg:     cfg,
		catalog: catalog,
		blobs:   blobs,
		store:   store,
		logger:  log,
		now:     time.Now,
	}
}

// QueryCurrent decodes the single freshest snapshot of the pair that is
// still inside the hot window and returns its entities, filtered. It
// returns (nil, nil) when nothing is hot; a snapshot aged exactly the hot
// window is already cold.
func (r *Router) QueryCurrent(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, f Filters) (*CurrentResult, error) {
	cutoff := r.now().Add(-r.cfg.HotWindow)

	rec, err := r.catalog.Latest(ctx, sourceKey, kind, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding freshest snapshot: %w", err)
	}
	if rec == nil || !rec.IngestedAt.After(cutoff) {
		return nil, nil
	}

	data, err := r.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", rec.StorageKey, err)
	}
	env, err := gtfsrt.DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", rec.StorageKey, err)
	}

	res := &CurrentResult{Record: rec}
	for _, ent := range env.Entities {
		if matchEntity(ent, f) {
			res.Entities = append(res.Entities, ent)
		}
	}

	r.logger.Debug("Served current query",
		"source", sourceKey,
		"feed_kind", string(kind),
		"key", rec.StorageKey,
		"entities", len(res.Entities))

	return res, nil
}

// HistoricalDelays reads delay buckets for [fromDate, toDate]. Every date
// in the range must have a completed aggregation run, otherwise
// ErrNotAggregated names the missing dates.
func (r *Router) HistoricalDelays(ctx context.Context, sourceKey, fromDate, toDate string, grain aggregate.Grain, f Filters) ([]aggregate.DelayBucket, error) {
	if err := r.checkAggregated(ctx, sourceKey, gtfsrt.FeedKindTripUpdates, fromDate, toDate); err != nil {
		return nil, err
	}

	buckets, err := r.store.DelayRange(ctx, sourceKey, fromDate, toDate, grain)
	if err != nil {
		return nil, fmt.Errorf("reading delay buckets: %w", err)
	}

	out := buckets[:0]
	for _, b := range buckets {
		if f.RouteID != "" && b.RouteID != f.RouteID {
			continue
		}
		if f.StopID != "" && b.StopID != f.StopID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// HistoricalPositions reads position buckets for [fromDate, toDate] under
// the same aggregation coverage rule as HistoricalDelays.
func (r *Router) HistoricalPositions(ctx context.Context, sourceKey, fromDate, toDate string, grain aggregate.Grain, f Filters) ([]aggregate.PositionBucket, error) {
	if err := r.checkAggregated(ctx, sourceKey, gtfsrt.FeedKindVehiclePositions, fromDate, toDate); err != nil {
		return nil, err
	}

	buckets, err := r.store.PositionRange(ctx, sourceKey, fromDate, toDate, grain)
	if err != nil {
		return nil, fmt.Errorf("reading position buckets: %w", err)
	}

	out := buckets[:0]
	for _, b := range buckets {
		if f.RouteID != "" && b.RouteID != f.RouteID {
			continue
		}
		if f.VehicleID != "" && b.VehicleID != f.VehicleID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Status reports the stored state per configured source: the freshest
// record regardless of age and how many snapshots are inside the hot
// window.
func (r *Router) Status(ctx context.Context, sources []config.FeedSource) ([]SourceStatus, error) {
	cutoff := r.now().Add(-r.cfg.HotWindow)

	out := make([]SourceStatus, 0, len(sources))
	for _, src := range sources {
		kind := gtfsrt.FeedKind(src.FeedKind)
		st := SourceStatus{SourceKey: src.SourceKey, FeedKind: kind}

		rec, err := r.catalog.Latest(ctx, src.SourceKey, kind, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("querying latest for %s/%s: %w", src.SourceKey, kind, err)
		}
		if rec != nil {
			st.LatestKey = rec.StorageKey
			st.LatestAt = rec.IngestedAt
			st.FeedTimestamp = rec.FeedTimestamp
		}

		n, err := r.catalog.CountSince(ctx, src.SourceKey, kind, cutoff)
		if err != nil {
			return nil, fmt.Errorf("counting hot snapshots for %s/%s: %w", src.SourceKey, kind, err)
		}
		st.HotCount = n

		out = append(out, st)
	}
	return out, nil
}

// checkAggregated verifies that every date in the range has a run marker.
func (r *Router) checkAggregated(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, fromDate, toDate string) error {
	dates, err := datesBetween(fromDate, toDate)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		return nil
	}

	runs, err := r.store.Runs(ctx, sourceKey, kind, fromDate, toDate)
	if err != nil {
		return fmt.Errorf("reading run markers: %w", err)
	}
	done := make(map[string]bool, len(runs))
	for _, run := range runs {
		done[run.Date] = true
	}

	var missing []string
	for _, d := range dates {
		if !done[d] {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s/%s %s", ErrNotAggregated, sourceKey, kind, strings.Join(missing, ", "))
	}
	return nil
}

func datesBetween(fromDate, toDate string) ([]string, error) {
	from, err := time.Parse(aggregate.DateLayout, fromDate)
	if err != nil {
		return nil, fmt.Errorf("invalid from date %q: %w", fromDate, err)
	}
	to, err := time.Parse(aggregate.DateLayout, toDate)
	if err != nil {
		return nil, fmt.Errorf("invalid to date %q: %w", toDate, err)
	}

	var out []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(aggregate.DateLayout))
	}
	return out, nil
}

func matchEntity(ent gtfsrt.Entity, f Filters) bool {
	switch e := ent.(type) {
	case *gtfsrt.TripDelayUpdate:
		if f.VehicleID != "" {
			return false
		}
		if f.RouteID != "" && e.RouteID != f.RouteID {
			return false
		}
		if f.TripID != "" && e.TripID != f.TripID {
			return false
		}
		if f.StopID != "" && !tripHasStop(e, f.StopID) {
			return false
		}
		return true

	case *gtfsrt.VehiclePosition:
		if f.RouteID != "" && e.RouteID != f.RouteID {
			return false
		}
		if f.TripID != "" && e.TripID != f.TripID {
			return false
		}
		if f.VehicleID != "" && e.VehicleID != f.VehicleID {
			return false
		}
		if f.StopID != "" && e.StopID != f.StopID {
			return false
		}
		return true
	}
	return false
}

func tripHasStop(tu *gtfsrt.TripDelayUpdate, stopID string) bool {
	for i := range tu.StopUpdates {
		if tu.StopUpdates[i].StopID == stopID {
			return true
		}
	}
	return false
}
