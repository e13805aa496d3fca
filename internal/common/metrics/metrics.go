package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	FetchOutcomes *prometheus.CounterVec // source, feed_kind, outcome
	FetchDuration prometheus.Histogram

	SnapshotBytes   *prometheus.CounterVec // feed_kind
	EntitiesDecoded *prometheus.CounterVec // feed_kind
	EntitiesSkipped *prometheus.CounterVec // feed_kind

	AggRuns         prometheus.Counter
	AggDuration     prometheus.Histogram
	BucketsUpserted *prometheus.CounterVec // grain label: hourly|daily

	EventsPublished prometheus.Counter
	PublishErrs     prometheus.Counter

	PollInterval prometheus.Gauge // seconds
	HotWindow    prometheus.Gauge // seconds
}

func NewCollector(pollInterval, hotWindow time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitlake_fetch_outcomes_total",
			Help: "Per-source fetch attempts by outcome.",
		}, []string{"source", "feed_kind", "outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitlake_fetch_duration_seconds",
			Help:    "Duration of one feed fetch including body read.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SnapshotBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitlake_snapshot_bytes_total",
			Help: "Total bytes of stored snapshots.",
		}, []string{"feed_kind"}),
		EntitiesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitlake_entities_decoded_total",
			Help: "Entities decoded from stored snapshots.",
		}, []string{"feed_kind"}),
		EntitiesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitlake_entities_skipped_total",
			Help: "Malformed nested entities skipped during decode.",
		}, []string{"feed_kind"}),
		AggRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitlake_aggregation_runs_total",
			Help: "Completed aggregation partition runs.",
		}),
		AggDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitlake_aggregation_duration_seconds",
			Help:    "Duration of one aggregation partition run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		BucketsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitlake_buckets_upserted_total",
			Help: "Aggregate bucket rows written.",
		}, []string{"grain"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitlake_events_published_total",
			Help: "Snapshot events published to NATS.",
		}),
		PublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitlake_publish_errors_total",
			Help: "Failed NATS publishes.",
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitlake_poll_interval_seconds",
			Help: "Configured ingestion poll interval in seconds.",
		}),
		HotWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitlake_hot_window_seconds",
			Help: "Configured hot window in seconds.",
		}),
	}

	// Register
	reg.MustRegister(
		c.FetchOutcomes, c.FetchDuration,
		c.SnapshotBytes, c.EntitiesDecoded, c.EntitiesSkipped,
		c.AggRuns, c.AggDuration, c.BucketsUpserted,
		c.EventsPublished, c.PublishErrs,
		c.PollInterval, c.HotWindow,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.HotWindow.Set(hotWindow.Seconds())

	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
