package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/transitlake-data/internal/aggregate"
	"github.com/transitlake-data/internal/blob"
	"github.com/transitlake-data/internal/common/config"
	"github.com/transitlake-data/internal/common/db"
	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/common/metrics"
	"github.com/transitlake-data/internal/common/notify"
	"github.com/transitlake-data/internal/ingest"
	"github.com/transitlake-data/internal/maintenance"
	"github.com/transitlake-data/internal/publish"
	"github.com/transitlake-data/internal/query"
	"github.com/transitlake-data/internal/snapshot"
)

func main() {
	sourcesPath := flag.String("sources", "", "feed sources file (overrides SOURCES_FILE)")
	backfill := flag.String("backfill", "", "aggregate a date or range (YYYY-MM-DD[:YYYY-MM-DD]) and exit")
	flag.Parse()

	// .env is optional; the environment may already be complete.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := logger.NewWithLevel(level,
		logger.ConsoleWriter(),
		logger.FileWriter(cfg.Logging.FilePath),
	)

	if *sourcesPath == "" {
		*sourcesPath = cfg.Ingest.SourcesFile
	}
	sources, err := config.LoadSources(*sourcesPath)
	if err != nil {
		log.Fatal("Failed to load feed sources", "error", err, "path", *sourcesPath)
	}

	log.Info("TransitLake data service starting",
		"sources", len(sources),
		"poll_interval", cfg.Ingest.PollInterval,
		"hot_window", cfg.Aggregate.HotWindow,
		"log_level", level.String(),
	)

	// Stores: Postgres when DB_HOST is set, process-local otherwise. Blobs
	// always go to disk.
	var (
		catalog snapshot.Catalog
		rollups aggregate.Store
	)
	if cfg.Database.Enabled() {
		database, err := db.New(cfg.Database.ConnectionString(), log)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		defer database.Close()
		if err := database.EnsureSchema(context.Background()); err != nil {
			log.Fatal("Failed to ensure schema", "error", err)
		}
		catalog = snapshot.NewPostgresCatalog(database.Conn())
		rollups = aggregate.NewPostgresStore(database.Conn())
	} else {
		log.Warn("No database configured, catalog and rollups are process-local")
		catalog = snapshot.NewMemoryCatalog()
		rollups = aggregate.NewMemoryStore()
	}
	blobs := blob.NewFSStore(cfg.Blob.Dir, cfg.Blob.Compress)

	coll := metrics.NewCollector(cfg.Ingest.PollInterval, cfg.Aggregate.HotWindow)

	engine := aggregate.NewEngine(aggregate.Config{
		HotWindow:       cfg.Aggregate.HotWindow,
		DefaultTimezone: cfg.Ingest.DefaultTimezone,
	}, catalog, blobs, rollups, coll, log)

	if *backfill != "" {
		if !cfg.Database.Enabled() {
			log.Fatal("Backfill requires a database, set DB_HOST")
		}
		if err := runBackfill(context.Background(), engine, sources, *backfill, log); err != nil {
			log.Fatal("Backfill failed", "error", err)
		}
		return
	}

	notifier := notify.NewClient(cfg.Ops.WebhookURL, cfg.Ops.WebhookSecret)

	publisher, err := publish.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, coll, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", "error", err)
	}
	defer publisher.Close()

	router := query.NewRouter(query.Config{
		HotWindow:       cfg.Aggregate.HotWindow,
		OnTimeThreshold: cfg.Aggregate.OnTimeThreshold,
	}, catalog, blobs, rollups, log)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = serveOps(cfg.Metrics.Addr, coll, router, sources, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingester := ingest.NewScheduler(ingest.Config{
		Sources:         sources,
		PollInterval:    cfg.Ingest.PollInterval,
		FetchTimeout:    cfg.Ingest.FetchTimeout,
		DefaultTimezone: cfg.Ingest.DefaultTimezone,
	}, catalog, blobs, coll, publisher, notifier, log)
	if err := ingester.Start(ctx); err != nil {
		log.Fatal("Failed to start ingest scheduler", "error", err)
	}

	aggScheduler := aggregate.NewScheduler(aggregate.SchedulerConfig{
		Sources:         sources,
		RunInterval:     cfg.Aggregate.RunInterval,
		LookbackDays:    cfg.Aggregate.LookbackDays,
		DefaultTimezone: cfg.Ingest.DefaultTimezone,
	}, engine, notifier, log)
	if err := aggScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start aggregation scheduler", "error", err)
	}

	pruner := maintenance.NewPruner(maintenance.Config{
		Interval:      cfg.Retention.Interval,
		InitialDelay:  time.Minute,
		RetentionDays: cfg.Retention.Days,
	}, catalog, blobs, log)
	if err := pruner.Start(ctx); err != nil {
		log.Fatal("Failed to start retention pruner", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	cancel()
	pruner.Stop()
	aggScheduler.Stop()
	ingester.Stop()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	log.Info("TransitLake data service stopped")
}

// serveOps exposes /metrics plus a JSON /status view of per-source
// snapshot freshness on the ops port.
func serveOps(addr string, coll *metrics.Collector, router *query.Router, sources []config.FeedSource, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", coll.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		statuses, err := router.Status(r.Context(), sources)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statuses)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Ops server error", "error", err)
		}
	}()
	log.Info("Ops server listening", "addr", addr)
	return srv
}

// runBackfill aggregates [from, to] for every enabled source.
func runBackfill(ctx context.Context, engine *aggregate.Engine, sources []config.FeedSource, arg string, log logger.Logger) error {
	from, to, found := strings.Cut(arg, ":")
	if !found {
		to = from
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(aggregate.DateLayout, d); err != nil {
			return fmt.Errorf("invalid backfill date %q: %w", d, err)
		}
	}

	total := 0
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		written, err := engine.Aggregate(ctx, src, from, to)
		if err != nil {
			return err
		}
		log.Info("Backfilled source",
			"source", src.SourceKey,
			"feed_kind", src.FeedKind,
			"buckets", written)
		total += written
	}
	log.Info("Backfill complete", "from", from, "to", to, "buckets", total)
	return nil
}
