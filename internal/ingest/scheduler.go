// Package ingest polls realtime feed sources and lands each distinct
// response as an immutable snapshot: raw bytes in the blob store, one
// catalog row per stored snapshot. A poll attempt either stores, is a
// duplicate, or fails; failed attempts are never retried within a cycle
// because the next cycle fetches a fresher feed anyway.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/transitlake-data/internal/blob"
	"github.com/transitlake-data/internal/common/config"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/common/metrics"
	"github.com/transitlake-data/internal/common/notify"
	"github.com/transitlake-data/internal/snapshot"
	"github.com/transitlake-data/pkg/gtfsrt"
)

// Outcome classifies one poll attempt for a source.
type Outcome string

const (
	OutcomeStored     Outcome = "stored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeFetchError Outcome = "fetch_error"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeStoreError Outcome = "store_error"
)

// SourceStatus is the most recent attempt result for one source.
type SourceStatus struct {
	SourceKey  string
	FeedKind   gtfsrt.FeedKind
	Outcome    Outcome
	StorageKey string
	Err        string
	At         time.Time
}

// EventPublisher is told about every snapshot that reaches storage.
type EventPublisher interface {
	SnapshotStored(ctx context.Context, rec *snapshot.Record)
}

// Config carries the poller settings plus the source list.
type Config struct {
	Sources         []config.FeedSource
	PollInterval    time.Duration
	FetchTimeout    time.Duration
	DefaultTimezone string
}

// Scheduler polls all enabled sources on a fixed interval. Each source is
// fetched concurrently within a cycle; cycles do not overlap with
// themselves because the next tick waits for the loop goroutine.
type Scheduler struct {
	cfg       Config
	fetcher   FeedFetcher
	deduper   *snapshot.Deduper
	catalog   snapshot.Catalog
	blobs     blob.Store
	metrics   *metrics.Collector
	publisher EventPublisher
	notifier  *notify.Client
	logger    logger.Logger
	zones     map[string]*time.Location
	now       func() time.Time

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	wg        sync.WaitGroup

	statusMu sync.RWMutex
	statuses map[string]SourceStatus
}

// NewScheduler wires a poller over the given catalog and blob store.
// publisher may be nil; notifier may be a disabled client.
func NewScheduler(
	cfg Config,
	catalog snapshot.Catalog,
	blobs blob.Store,
	coll *metrics.Collector,
	publisher EventPublisher,
	notifier *notify.Client,
	log logger.Logger,
) *Scheduler {
	zones := make(map[string]*time.Location, len(cfg.Sources))
	for _, src := range cfg.Sources {
		zones[statusKey(src.SourceKey, src.FeedKind)] = src.HomeLocation(cfg.DefaultTimezone)
	}

	return &Scheduler{
		cfg:       cfg,
		fetcher:   NewHTTPFetcher(cfg.FetchTimeout),
		deduper:   snapshot.NewDeduper(catalog),
		catalog:   catalog,
		blobs:     blobs,
		metrics:   coll,
		publisher: publisher,
		notifier:  notifier,
		logger:    log,
		zones:     zones,
		now:       time.Now,
		statuses:  make(map[string]SourceStatus),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("ingest scheduler is already running")
	}
	if err := s.validate(); err != nil {
		return fmt.Errorf("invalid ingest configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.isRunning = true

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Ingest scheduler started",
		"sources", len(s.enabledSources()),
		"poll_interval", s.cfg.PollInterval)

	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}

	s.logger.Info("Stopping ingest scheduler")

	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.isRunning = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Ingest scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) validate() error {
	if s.cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if len(s.enabledSources()) == 0 {
		return fmt.Errorf("at least one enabled source must be configured")
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Initial cycle
	s.RunCycle(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle polls every enabled source once, concurrently, and waits for
// all attempts to finish.
func (s *Scheduler) RunCycle(ctx context.Context) {
	sources := s.enabledSources()
	results := make(chan SourceStatus, len(sources))

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src config.FeedSource) {
			defer wg.Done()
			results <- s.ingestSource(ctx, src)
		}(src)
	}
	wg.Wait()
	close(results)

	var stored, duplicate, failed int
	for st := range results {
		switch st.Outcome {
		case OutcomeStored:
			stored++
		case OutcomeDuplicate:
			duplicate++
		default:
			failed++
		}
	}

	s.logger.Debug("Ingest cycle complete",
		"stored", stored,
		"duplicate", duplicate,
		"failed", failed)

	if failed > 0 && s.notifier != nil {
		if err := s.notifier.Notify("error", "Ingest cycle had failures", "", "", map[string]interface{}{
			"stored":    stored,
			"duplicate": duplicate,
			"failed":    failed,
		}); err != nil {
			s.logger.Warn("Ops notification failed", "error", err)
		}
	}
}

// ingestSource runs one attempt: fetch, duplicate check, decode check,
// blob write, catalog insert. Malformed payloads are discarded without
// storing anything.
func (s *Scheduler) ingestSource(ctx context.Context, src config.FeedSource) SourceStatus {
	kind := gtfsrt.FeedKind(src.FeedKind)

	start := time.Now()
	data, err := s.fetcher.Fetch(ctx, src)
	s.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("Feed fetch failed",
			"source", src.SourceKey,
			"feed_kind", src.FeedKind,
			"error", err)
		return s.finish(src, kind, OutcomeFetchError, "", err)
	}

	fingerprint, fresh, err := s.deduper.ShouldStore(ctx, src.SourceKey, kind, data)
	if err != nil {
		s.logger.Error("Duplicate check failed",
			"source", src.SourceKey,
			"feed_kind", src.FeedKind,
			"error", err)
		return s.finish(src, kind, OutcomeStoreError, "", err)
	}
	if !fresh {
		s.logger.Debug("Feed unchanged since last stored snapshot",
			"source", src.SourceKey,
			"feed_kind", src.FeedKind)
		return s.finish(src, kind, OutcomeDuplicate, "", nil)
	}

	env, err := gtfsrt.DecodeEnvelope(data)
	if err != nil {
		s.logger.Warn("Discarding malformed feed payload",
			"source", src.SourceKey,
			"feed_kind", src.FeedKind,
			"bytes", len(data),
			"error", err)
		return s.finish(src, kind, OutcomeMalformed, "", err)
	}

	now := s.now()
	key := blob.Key(kind, src.SourceKey, now.In(s.zone(src)))
	if err := s.blobs.Put(ctx, key, data); err != nil {
		s.logger.Error("Snapshot blob write failed",
			"source", src.SourceKey,
			"key", key,
			"error", err)
		return s.finish(src, kind, OutcomeStoreError, "", err)
	}

	rec := &snapshot.Record{
		SourceKey:       src.SourceKey,
		FeedKind:        kind,
		Fingerprint:     fingerprint,
		StorageKey:      key,
		EntityCount:     env.EntityCount,
		SkippedEntities: env.SkippedEntities,
		ByteSize:        len(data),
		IngestedAt:      now.UTC(),
	}
	if env.Timestamp != nil {
		ts := time.Unix(int64(*env.Timestamp), 0).UTC()
		rec.FeedTimestamp = &ts
	}

	if err := s.catalog.Insert(ctx, rec); err != nil {
		if errors.Is(err, snapshot.ErrDuplicate) {
			// Lost the insert race to a concurrent poller. The blob holds
			// identical bytes and uncataloged keys are ignored downstream.
			s.logger.Debug("Snapshot already cataloged",
				"source", src.SourceKey,
				"feed_kind", src.FeedKind)
			return s.finish(src, kind, OutcomeDuplicate, "", nil)
		}
		s.logger.Error("Snapshot catalog insert failed",
			"source", src.SourceKey,
			"key", key,
			"error", err)
		return s.finish(src, kind, OutcomeStoreError, key, err)
	}

	s.metrics.SnapshotBytes.WithLabelValues(string(kind)).Add(float64(len(data)))
	s.metrics.EntitiesDecoded.WithLabelValues(string(kind)).Add(float64(len(env.Entities)))
	s.metrics.EntitiesSkipped.WithLabelValues(string(kind)).Add(float64(env.SkippedEntities))

	s.logger.Info("Stored snapshot",
		"source", src.SourceKey,
		"feed_kind", src.FeedKind,
		"key", key,
		"entities", env.EntityCount,
		"skipped", env.SkippedEntities,
		"bytes", len(data))

	if s.publisher != nil {
		s.publisher.SnapshotStored(ctx, rec)
	}

	return s.finish(src, kind, OutcomeStored, key, nil)
}

func (s *Scheduler) finish(src config.FeedSource, kind gtfsrt.FeedKind, outcome Outcome, key string, err error) SourceStatus {
	st := SourceStatus{
		SourceKey:  src.SourceKey,
		FeedKind:   kind,
		Outcome:    outcome,
		StorageKey: key,
		At:         s.now().UTC(),
	}
	if err != nil {
		st.Err = err.Error()
	}

	s.metrics.FetchOutcomes.WithLabelValues(src.SourceKey, string(kind), string(outcome)).Inc()

	s.statusMu.Lock()
	s.statuses[statusKey(src.SourceKey, string(kind))] = st
	s.statusMu.Unlock()

	return st
}

// Statuses returns a copy of the latest attempt result per source, keyed
// by "sourceKey/feedKind".
func (s *Scheduler) Statuses() map[string]SourceStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	out := make(map[string]SourceStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

func (s *Scheduler) zone(src config.FeedSource) *time.Location {
	if loc, ok := s.zones[statusKey(src.SourceKey, src.FeedKind)]; ok {
		return loc
	}
	return src.HomeLocation(s.cfg.DefaultTimezone)
}

func (s *Scheduler) enabledSources() []config.FeedSource {
	out := make([]config.FeedSource, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

func statusKey(sourceKey, feedKind string) string {
	return sourceKey + "/" + feedKind
}
