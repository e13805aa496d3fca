package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/transitlake-data/pkg/gtfsrt"
)

const recordColumns = `id, source_key, feed_kind, fingerprint, storage_key, feed_timestamp,
	entity_count, skipped_entities, byte_size, ingested_at`

// PostgresCatalog persists records in the raw_snapshots table.
type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) Insert(ctx context.Context, rec *Record) error {
	feedTS := sql.NullTime{}
	if rec.FeedTimestamp != nil {
		feedTS = sql.NullTime{Time: *rec.FeedTimestamp, Valid: true}
	}

	err := c.db.QueryRowContext(ctx, `
		INSERT INTO raw_snapshots
			(source_key, feed_kind, fingerprint, storage_key, feed_timestamp,
			 entity_count, skipped_entities, byte_size, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		rec.SourceKey, string(rec.FeedKind), rec.Fingerprint, rec.StorageKey, feedTS,
		rec.EntityCount, rec.SkippedEntities, rec.ByteSize, rec.IngestedAt,
	).Scan(&rec.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting snapshot record: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) Exists(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, fingerprint string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM raw_snapshots
			WHERE source_key = $1 AND feed_kind = $2 AND fingerprint = $3
		)`, sourceKey, string(kind), fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking fingerprint: %w", err)
	}
	return exists, nil
}

func (c *PostgresCatalog) Latest(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, notBefore time.Time) (*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM raw_snapshots
		WHERE source_key = $1 AND feed_kind = $2`
	args := []interface{}{sourceKey, string(kind)}
	if !notBefore.IsZero() {
		query += ` AND ingested_at >= $3`
		args = append(args, notBefore)
	}
	query += ` ORDER BY ingested_at DESC, id DESC LIMIT 1`

	rec, err := scanRecord(c.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}
	return rec, nil
}

func (c *PostgresCatalog) CountSince(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, since time.Time) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM raw_snapshots
		WHERE source_key = $1 AND feed_kind = $2 AND ingested_at >= $3`,
		sourceKey, string(kind), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting snapshots: %w", err)
	}
	return n, nil
}

func (c *PostgresCatalog) RecordsByPrefix(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, keyPrefix string) ([]*Record, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM raw_snapshots
		WHERE source_key = $1 AND feed_kind = $2 AND storage_key LIKE $3 ESCAPE '\'
		ORDER BY storage_key`,
		sourceKey, string(kind), likeEscape(keyPrefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("querying snapshots by prefix: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot records: %w", err)
	}
	return recs, nil
}

func (c *PostgresCatalog) PruneBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		DELETE FROM raw_snapshots
		WHERE ingested_at < $1
		RETURNING storage_key`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("pruning snapshot records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning pruned key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pruned keys: %w", err)
	}
	return keys, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var kind string
	var feedTS sql.NullTime
	err := row.Scan(&rec.ID, &rec.SourceKey, &kind, &rec.Fingerprint, &rec.StorageKey,
		&feedTS, &rec.EntityCount, &rec.SkippedEntities, &rec.ByteSize, &rec.IngestedAt)
	if err != nil {
		return nil, err
	}
	rec.FeedKind = gtfsrt.FeedKind(kind)
	if feedTS.Valid {
		t := feedTS.Time
		rec.FeedTimestamp = &t
	}
	return &rec, nil
}

// likeEscape neutralizes LIKE wildcards in a literal prefix. Feed kind
// names contain underscores, which LIKE would otherwise treat as a
// single-character wildcard.
func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
