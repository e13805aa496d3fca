// Package snapshot tracks stored feed snapshots and decides whether fetched
// content is new. One Record exists per stored blob; the catalog's
// uniqueness constraint on (source key, feed kind, fingerprint) is the
// authoritative guard against double-storage.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/transitlake-data/pkg/gtfsrt"
)

// ErrDuplicate reports an insert whose (source key, feed kind, fingerprint)
// already exists. Callers treat it as a successful no-op, not a failure.
var ErrDuplicate = errors.New("snapshot: duplicate fingerprint")

// Record is the metadata row of one stored snapshot. Immutable once
// written.
type Record struct {
	ID              int64
	SourceKey       string
	FeedKind        gtfsrt.FeedKind
	Fingerprint     string
	StorageKey      string
	FeedTimestamp   *time.Time
	EntityCount     int
	SkippedEntities int
	ByteSize        int
	IngestedAt      time.Time
}

// Fingerprint returns the hex sha256 of data. Byte-identical content always
// maps to the same fingerprint; this is the dedup identity.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Catalog stores snapshot metadata.
//
// Latest returns the newest record for the pair, restricted to records
// ingested at or after notBefore unless notBefore is the zero time; it
// returns (nil, nil) when no record qualifies.
type Catalog interface {
	Insert(ctx context.Context, rec *Record) error
	Exists(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, fingerprint string) (bool, error)
	Latest(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, notBefore time.Time) (*Record, error)
	CountSince(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, since time.Time) (int, error)
	RecordsByPrefix(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, keyPrefix string) ([]*Record, error)

	// PruneBefore deletes every record ingested strictly before cutoff,
	// across all sources, and returns the storage keys of the deleted
	// records so callers can remove the blobs too.
	PruneBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}
