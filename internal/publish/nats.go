// Package publish emits an event for every snapshot that reaches storage,
// so downstream consumers can react to new data without polling the
// catalog. Publishing is fire-and-forget; a failed publish never fails
// the ingest that triggered it.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/transitlake-data/internal/common/logger"
	"github.com/transitlake-data/internal/common/metrics"
	"github.com/transitlake-data/internal/snapshot"
)

// DefaultSubjectPrefix is the leading token of every published subject.
const DefaultSubjectPrefix = "transitlake"

// SnapshotEvent is the JSON payload published for one stored snapshot.
type SnapshotEvent struct {
	SourceKey     string     `json:"source_key"`
	FeedKind      string     `json:"feed_kind"`
	StorageKey    string     `json:"storage_key"`
	Fingerprint   string     `json:"fingerprint"`
	EntityCount   int        `json:"entity_count"`
	ByteSize      int        `json:"byte_size"`
	FeedTimestamp *time.Time `json:"feed_timestamp,omitempty"`
	IngestedAt    time.Time  `json:"ingested_at"`
}

// NATSPublisher publishes snapshot events to NATS. A publisher built with
// an empty URL is disabled and drops every event silently.
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	metrics *metrics.Collector
	logger  logger.Logger
}

// NewNATSPublisher connects to the NATS server at url. An empty url
// returns a disabled publisher and no error.
func NewNATSPublisher(url, prefix string, coll *metrics.Collector, log logger.Logger) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &NATSPublisher{prefix: prefix, metrics: coll, logger: log}

	if url == "" {
		log.Info("Event publishing disabled, no NATS URL configured")
		return p, nil
	}

	nc, err := nats.Connect(url,
		nats.Name("transitlake-data"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Info("Connected to NATS", "url", url, "prefix", prefix)
	p.nc = nc
	return p, nil
}

// SnapshotStored publishes one event on
// {prefix}.snapshots.{feedKind}.{sourceKey}.
func (p *NATSPublisher) SnapshotStored(ctx context.Context, rec *snapshot.Record) {
	if p.nc == nil {
		return
	}

	event := SnapshotEvent{
		SourceKey:     rec.SourceKey,
		FeedKind:      string(rec.FeedKind),
		StorageKey:    rec.StorageKey,
		Fingerprint:   rec.Fingerprint,
		EntityCount:   rec.EntityCount,
		ByteSize:      rec.ByteSize,
		FeedTimestamp: rec.FeedTimestamp,
		IngestedAt:    rec.IngestedAt,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode snapshot event", "error", err)
		if p.metrics != nil {
			p.metrics.PublishErrs.Inc()
		}
		return
	}

	subject := p.prefix + ".snapshots." + subjectToken(string(rec.FeedKind)) + "." + subjectToken(rec.SourceKey)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish snapshot event",
			"subject", subject,
			"source", rec.SourceKey,
			"error", err)
		if p.metrics != nil {
			p.metrics.PublishErrs.Inc()
		}
		return
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.Inc()
	}
	p.logger.Debug("Published snapshot event",
		"subject", subject,
		"storage_key", rec.StorageKey)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// subjectToken makes s safe to embed in a NATS subject. Tokens cannot
// contain spaces, '.', '>', or '*'.
func subjectToken(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case ' ', '\t', '.', '>', '*', '/':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
