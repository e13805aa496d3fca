// Package blob persists raw feed snapshots as date-partitioned objects.
//
// The key layout is a compatibility contract with the downstream lake and
// must not change:
//
//	{feedKind}/{sourceKey}/{feedKind}/date={YYYY-MM-DD}/{feedKind}_{local-timestamp}
//
// Timestamps in keys are rendered in the feed's home time zone, never in the
// process wall clock's zone, so partition boundaries are stable regardless
// of where ingestion runs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/transitlake-data/pkg/gtfsrt"
)

// ErrNotFound reports a Get for a key that has no object.
var ErrNotFound = errors.New("blob: not found")

// KeyTimeLayout is the filename-safe timestamp layout inside keys.
const KeyTimeLayout = "2006-01-02T15-04-05"

// Store is the blob persistence consumed by ingestion and aggregation.
// Implementations must return keys from List in lexical order, which for
// this layout is capture-time order within a day. Delete of a missing key
// is a no-op.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key for a snapshot captured at localTime.
func Key(kind gtfsrt.FeedKind, sourceKey string, localTime time.Time) string {
	return fmt.Sprintf("%s/%s_%s",
		DatePrefix(kind, sourceKey, localTime),
		kind, localTime.Format(KeyTimeLayout))
}

// DatePrefix builds the List prefix covering one calendar day.
func DatePrefix(kind gtfsrt.FeedKind, sourceKey string, day time.Time) string {
	return fmt.Sprintf("%s/%s/%s/date=%s", kind, sourceKey, kind, day.Format("2006-01-02"))
}

// KeyTime recovers the capture timestamp from a key, interpreted in loc.
func KeyTime(key string, loc *time.Location) (time.Time, error) {
	base := path.Base(key)
	i := strings.LastIndex(base, "_")
	if i < 0 || i == len(base)-1 {
		return time.Time{}, fmt.Errorf("blob: key %q has no timestamp", key)
	}
	ts, err := time.ParseInLocation(KeyTimeLayout, base[i+1:], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("blob: key %q has bad timestamp: %w", key, err)
	}
	return ts, nil
}
