package aggregate

import (
	"context"
	"sort"
	"sync"

	"github.com/transitlake-data/pkg/gtfsrt"
)

// MemoryStore is an in-memory Store for tests and local development.
// Partitions are keyed by sourceKey|date so Replace swaps them atomically
// under the lock, mirroring the transactional behavior of the Postgres
// store.
type MemoryStore struct {
	mu          sync.RWMutex
	delayHourly map[string][]DelayBucket
	delayDaily  map[string][]DelayBucket
	posHourly   map[string][]PositionBucket
	posDaily    map[string][]PositionBucket
	runs        map[string]Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		delayHourly: make(map[string][]DelayBucket),
		delayDaily:  make(map[string][]DelayBucket),
		posHourly:   make(map[string][]PositionBucket),
		posDaily:    make(map[string][]PositionBucket),
		runs:        make(map[string]Run),
	}
}

func (s *MemoryStore) ReplaceDelayDay(ctx context.Context, run Run, hourly, daily []DelayBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := run.SourceKey + "|" + run.Date
	s.delayHourly[part] = append([]DelayBucket(nil), hourly...)
	s.delayDaily[part] = append([]DelayBucket(nil), daily...)
	s.runs[runKey(run.SourceKey, run.FeedKind, run.Date)] = run
	return nil
}

func (s *MemoryStore) ReplacePositionDay(ctx context.Context, run Run, hourly, daily []PositionBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := run.SourceKey + "|" + run.Date
	s.posHourly[part] = append([]PositionBucket(nil), hourly...)
	s.posDaily[part] = append([]PositionBucket(nil), daily...)
	s.runs[runKey(run.SourceKey, run.FeedKind, run.Date)] = run
	return nil
}

func (s *MemoryStore) DelayRange(ctx context.Context, sourceKey, fromDate, toDate string, grain Grain) ([]DelayBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.delayDaily
	if grain == GrainHourly {
		src = s.delayHourly
	}

	var out []DelayBucket
	for _, buckets := range src {
		for _, b := range buckets {
			if b.SourceKey == sourceKey && b.Date >= fromDate && b.Date <= toDate {
				out = append(out, b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].StopID < out[j].StopID
	})
	return out, nil
}

func (s *MemoryStore) PositionRange(ctx context.Context, sourceKey, fromDate, toDate string, grain Grain) ([]PositionBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.posDaily
	if grain == GrainHourly {
		src = s.posHourly
	}

	var out []PositionBucket
	for _, buckets := range src {
		for _, b := range buckets {
			if b.SourceKey == sourceKey && b.Date >= fromDate && b.Date <= toDate {
				out = append(out, b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	return out, nil
}

func (s *MemoryStore) Runs(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, fromDate, toDate string) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Run
	for _, r := range s.runs {
		if r.SourceKey == sourceKey && r.FeedKind == kind && r.Date >= fromDate && r.Date <= toDate {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func runKey(sourceKey string, kind gtfsrt.FeedKind, date string) string {
	return sourceKey + "|" + string(kind) + "|" + date
}
