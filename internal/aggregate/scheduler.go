package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transitlake-data/internal/common/config"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/common/notify"
)

// SchedulerConfig carries the rollup cadence.
type SchedulerConfig struct {
	Sources         []config.FeedSource
	RunInterval     time.Duration
	LookbackDays    int
	DefaultTimezone string
}

// Scheduler re-aggregates a sliding window of recent dates on a fixed
// interval. The window reaches LookbackDays into the past so partitions
// are refreshed as their snapshots leave the hot window.
type Scheduler struct {
	cfg      SchedulerConfig
	engine   *Engine
	notifier *notify.Client
	logger   logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	isRunning bool
	cancelFn  context.CancelFunc
	wg        sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, engine *Engine, notifier *notify.Client, log logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		engine:   engine,
		notifier: notifier,
		logger:   log,
		now:      time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("aggregation scheduler is already running")
	}
	if s.cfg.RunInterval <= 0 {
		return fmt.Errorf("run interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.isRunning = true

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Aggregation scheduler started",
		"run_interval", s.cfg.RunInterval,
		"lookback_days", s.cfg.LookbackDays)

	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.isRunning = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Aggregation scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Catch up on anything missed while the process was down.
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce aggregates the lookback window for every enabled source.
func (s *Scheduler) RunOnce(ctx context.Context) {
	total := 0
	failures := 0

	for _, src := range s.cfg.Sources {
		if !src.Enabled {
			continue
		}

		loc := src.HomeLocation(s.cfg.DefaultTimezone)
		to := s.now().In(loc)
		from := to.AddDate(0, 0, -s.cfg.LookbackDays)

		n, err := s.engine.Aggregate(ctx, src, from.Format(DateLayout), to.Format(DateLayout))
		if err != nil {
			failures++
			s.logger.Error("Aggregation failed",
				"source", src.SourceKey,
				"feed_kind", src.FeedKind,
				"error", err)
			if s.notifier != nil {
				if nerr := s.notifier.Notify("error", "Aggregation failed", src.SourceKey, src.FeedKind,
					map[string]interface{}{"error": err.Error()}); nerr != nil {
					s.logger.Warn("Ops notification failed", "error", nerr)
				}
			}
			continue
		}
		total += n
	}

	s.logger.Info("Aggregation pass complete", "buckets", total, "failures", failures)

	if failures == 0 && total > 0 && s.notifier != nil {
		if err := s.notifier.Notify("info", "Aggregation pass complete", "", "",
			map[string]interface{}{"buckets": total}); err != nil {
			s.logger.Warn("Ops notification failed", "error", err)
		}
	}
}
