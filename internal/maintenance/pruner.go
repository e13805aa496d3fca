// Package maintenance prunes aged raw snapshots from the catalog and the
// blob store. Rollup buckets and run markers are the durable product and
// are never pruned; once a day has been aggregated its raw bytes only
// matter for re-aggregation, so they are kept for RetentionDays and then
// dropped.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transitlake-data/internal/blob"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/snapshot"
)

// Config contains configuration for the retention pruner.
type Config struct {
	Interval      time.Duration // how often to run a retention pass
	InitialDelay  time.Duration // wait before the first pass after Start
	RetentionDays int           // days of raw snapshots to keep; <= 0 keeps everything
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      24 * time.Hour,
		InitialDelay:  time.Minute,
		RetentionDays: 30,
	}
}

// Pruner deletes catalog records past the retention cutoff and then the
// blobs they pointed at.
type Pruner struct {
	cfg     Config
	catalog snapshot.Catalog
	blobs   blob.Store
	logger  logger.Logger

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc

	lastRun    time.Time
	lastPruned int

	now func() time.Time
}

func NewPruner(cfg Config, catalog snapshot.Catalog, blobs blob.Store, log logger.Logger) *Pruner {
	return &Pruner{
		cfg:     cfg,
		catalog: catalog,
		blobs:   blobs,
		logger:  log,
		now:     time.Now,
	}
}

// Start begins the retention schedule.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("retention pruner is already running")
	}
	if p.cfg.Interval <= 0 {
		return fmt.Errorf("retention interval must be positive, got %v", p.cfg.Interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancelFn = cancel
	p.isRunning = true

	p.logger.Info("Starting retention pruner",
		"interval", p.cfg.Interval,
		"retention_days", p.cfg.RetentionDays)

	go p.loop(ctx)

	return nil
}

// Stop stops the retention schedule.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return
	}

	p.logger.Info("Stopping retention pruner")

	if p.cancelFn != nil {
		p.cancelFn()
	}
	p.isRunning = false
}

// IsRunning returns whether the pruner is active.
func (p *Pruner) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

func (p *Pruner) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First pass runs after a short delay so startup ingest settles first.
	delay := p.cfg.InitialDelay
	if delay <= 0 {
		delay = time.Minute
	}
	initial := time.NewTimer(delay)
	defer initial.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Retention loop stopping")
			return

		case <-initial.C:
			p.runPass(ctx)

		case <-ticker.C:
			p.runPass(ctx)
		}
	}
}

func (p *Pruner) runPass(ctx context.Context) {
	start := time.Now()
	pruned, err := p.Prune(ctx)
	if err != nil {
		p.logger.Error("Retention pass failed", "error", err, "duration", time.Since(start))
		return
	}
	p.logger.Info("Retention pass completed",
		"snapshots_pruned", pruned,
		"duration", time.Since(start))
}

// Prune deletes everything past the retention cutoff once and returns how
// many snapshots were removed. It is a no-op when RetentionDays <= 0.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	if p.cfg.RetentionDays <= 0 {
		p.logger.Debug("Retention disabled, keeping all snapshots")
		return 0, nil
	}

	cutoff := p.now().AddDate(0, 0, -p.cfg.RetentionDays)

	keys, err := p.catalog.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune catalog: %w", err)
	}

	for _, key := range keys {
		if err := p.blobs.Delete(ctx, key); err != nil {
			// The catalog row is already gone, so the blob is unreachable
			// either way. Log it and move on.
			p.logger.Warn("Failed to delete pruned blob", "key", key, "error", err)
		}
	}

	if len(keys) > 0 {
		p.logger.Info("Pruned raw snapshots",
			"count", len(keys),
			"cutoff", cutoff.Format(time.RFC3339))
	}

	p.mu.Lock()
	p.lastRun = p.now()
	p.lastPruned = len(keys)
	p.mu.Unlock()

	return len(keys), nil
}

// GetStatus returns the current status of the pruner.
func (p *Pruner) GetStatus() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := map[string]interface{}{
		"is_running":     p.isRunning,
		"interval":       p.cfg.Interval.String(),
		"retention_days": p.cfg.RetentionDays,
		"last_pruned":    p.lastPruned,
	}
	if !p.lastRun.IsZero() {
		status["last_run"] = p.lastRun.Format(time.RFC3339)
	}
	return status
}
