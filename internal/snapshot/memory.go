package snapshot

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/transitlake-data/pkg/gtfsrt"
)

// MemoryCatalog is an in-memory Catalog for tests and local development.
type MemoryCatalog struct {
	mu     sync.RWMutex
	nextID int64
	recs   []*Record
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{nextID: 1}
}

func (c *MemoryCatalog) Insert(ctx context.Context, rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.recs {
		if r.SourceKey == rec.SourceKey && r.FeedKind == rec.FeedKind && r.Fingerprint == rec.Fingerprint {
			return ErrDuplicate
		}
	}
	rec.ID = c.nextID
	c.nextID++
	cp := *rec
	c.recs = append(c.recs, &cp)
	return nil
}

func (c *MemoryCatalog) Exists(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, fingerprint string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.recs {
		if r.SourceKey == sourceKey && r.FeedKind == kind && r.Fingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (c *MemoryCatalog) Latest(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, notBefore time.Time) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *Record
	for _, r := range c.recs {
		if r.SourceKey != sourceKey || r.FeedKind != kind {
			continue
		}
		if !notBefore.IsZero() && r.IngestedAt.Before(notBefore) {
			continue
		}
		if best == nil || r.IngestedAt.After(best.IngestedAt) ||
			(r.IngestedAt.Equal(best.IngestedAt) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (c *MemoryCatalog) CountSince(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, since time.Time) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, r := range c.recs {
		if r.SourceKey == sourceKey && r.FeedKind == kind && !r.IngestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (c *MemoryCatalog) PruneBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	kept := c.recs[:0]
	for _, r := range c.recs {
		if r.IngestedAt.Before(cutoff) {
			keys = append(keys, r.StorageKey)
			continue
		}
		kept = append(kept, r)
	}
	c.recs = kept
	return keys, nil
}

func (c *MemoryCatalog) RecordsByPrefix(ctx context.Context, sourceKey string, kind gtfsrt.FeedKind, keyPrefix string) ([]*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Record
	for _, r := range c.recs {
		if r.SourceKey == sourceKey && r.FeedKind == kind && strings.HasPrefix(r.StorageKey, keyPrefix) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageKey < out[j].StorageKey })
	return out, nil
}
