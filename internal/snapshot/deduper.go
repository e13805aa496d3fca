package snapshot

import (
	"context"

	"github.com/transitlake-data/pkg/gtfsrt"
)

// Deduper decides whether fetched bytes are new content for a
// (source key, feed kind) pair.
type Deduper struct {
	catalog Catalog
}

func NewDeduper(catalog Catalog) *Deduper {
	return &Deduper{catalog: catalog}
}

// ShouldStore fingerprints data and reports whether no identical snapshot
// is already stored. The check is read-only: the caller performs the write,
// and a concurrent attempt can still win the race between check and insert,
// in which case the insert's ErrDuplicate is the final word.
func (d *Deduper) ShouldStore(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, data []byte) (string, bool, error) {
	fp := Fingerprint(data)
	exists, err := d.catalog.Exists(ctx, sourceKey, kind, fp)
	if err != nil {
		return "", false, err
	}
	return fp, !exists, nil
}
