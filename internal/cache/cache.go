// Package cache keeps normalized submissions in memory, backed by a durable
// snapshot. Records are never refreshed or evicted once stored.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pders01/fss/internal/debuglog"
	"github.com/pders01/fss/internal/storage"
	"github.com/pders01/fss/internal/submission"
)

// ErrIDMismatch is returned when upstream answers with a different submission.
var ErrIDMismatch = errors.New("upstream returned a different submission")

// DefaultFetchTimeout bounds a shared upstream fetch.
const DefaultFetchTimeout = 90 * time.Second

// Fetcher retrieves a single submission from upstream.
type Fetcher interface {
	Submission(ctx context.Context, id int64) (*submission.Raw, error)
}

// Cache maps submission ids to normalized records.
//
// Lookups of cached ids take a read lock only. Misses for the same id are
// collapsed so at most one upstream fetch per id is in flight. Snapshot
// writes are serialized by flushMu and run outside the map lock.
type Cache struct {
	fetcher Fetcher
	snap    storage.Snapshotter

	mu      sync.RWMutex
	records map[int64]submission.Record
	pending map[int64]struct{}

	group        singleflight.Group
	fetchTimeout time.Duration
	flushMu      sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithFetchTimeout bounds each upstream fetch independently of the callers
// waiting on it.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

type resolved struct {
	rec     submission.Record
	fetched bool
}

// New builds a cache and loads the whole snapshot into memory. A nil
// snapshotter gives a memory-only cache that never touches the disk.
// A snapshot that fails to load is returned as an error; callers must not
// continue with an empty cache in that case.
func New(ctx context.Context, fetcher Fetcher, snap storage.Snapshotter, opts ...Option) (*Cache, error) {
	c := &Cache{
		fetcher:      fetcher,
		snap:         snap,
		records:      make(map[int64]submission.Record),
		pending:      make(map[int64]struct{}),
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if snap == nil {
		return c, nil
	}

	records, err := snap.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading cache snapshot: %w", err)
	}
	if records != nil {
		c.records = records
	}
	debuglog.Infof("loaded %d cached submissions", len(records))
	return c, nil
}

// Resolve returns the record for id, fetching and storing it on a miss.
// The boolean reports whether the record was already cached. A failed fetch
// leaves the cache untouched.
//
// Callers waiting on the same id share one fetch. The fetch runs detached
// from every caller's context, bounded by the fetch timeout, so a caller
// that gives up only abandons its own wait.
func (c *Cache) Resolve(ctx context.Context, id int64) (submission.Record, bool, error) {
	if rec, ok := c.lookup(id); ok {
		return rec, true, nil
	}

	ch := c.group.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		// A flight for this id may have finished between lookup and DoChan.
		if rec, ok := c.lookup(id); ok {
			return resolved{rec: rec}, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, id)
	})

	select {
	case <-ctx.Done():
		return submission.Record{}, false, fmt.Errorf("resolving submission %d: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return submission.Record{}, false, res.Err
		}
		r := res.Val.(resolved)
		return r.rec, !r.fetched, nil
	}
}

func (c *Cache) fetch(ctx context.Context, id int64) (resolved, error) {
	raw, err := c.fetcher.Submission(ctx, id)
	if err != nil {
		return resolved{}, fmt.Errorf("fetching submission %d: %w", id, err)
	}
	if raw == nil {
		return resolved{}, fmt.Errorf("fetching submission %d: empty response", id)
	}
	if raw.ID == 0 {
		raw.ID = id
	}
	if raw.ID != id {
		return resolved{}, fmt.Errorf("%w: asked for %d, got %d", ErrIDMismatch, id, raw.ID)
	}

	rec, err := submission.Normalize(*raw)
	if err != nil {
		return resolved{}, fmt.Errorf("normalizing submission %d: %w", id, err)
	}

	c.mu.Lock()
	c.records[id] = rec
	c.pending[id] = struct{}{}
	c.mu.Unlock()

	debuglog.WithFields(map[string]interface{}{"id": id}).Debugf("cached submission")
	return resolved{rec: rec, fetched: true}, nil
}

func (c *Cache) lookup(id int64) (submission.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	return rec, ok
}

// Flush writes every record added since the last successful flush. On error
// the records stay pending and the in-memory map is left as is.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.RLock()
	batch := make([]submission.Record, 0, len(c.pending))
	for id := range c.pending {
		batch = append(batch, c.records[id])
	}
	c.mu.RUnlock()

	if len(batch) == 0 {
		return nil
	}
	slices.SortFunc(batch, func(a, b submission.Record) int {
		return cmp.Compare(a.ID(), b.ID())
	})

	if c.snap != nil {
		if err := c.snap.Save(ctx, batch); err != nil {
			return fmt.Errorf("saving cache snapshot: %w", err)
		}
	}

	c.mu.Lock()
	for _, rec := range batch {
		delete(c.pending, rec.ID())
	}
	c.mu.Unlock()

	debuglog.Debugf("flushed %d submissions", len(batch))
	return nil
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Pending returns the number of records not yet written to the snapshot.
func (c *Cache) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}
