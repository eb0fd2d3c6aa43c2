package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/fss/internal/storage"
	"github.com/pders01/fss/internal/submission"
)

type fakeFetcher struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (f *fakeFetcher) Submission(ctx context.Context, id int64) (*submission.Raw, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &submission.Raw{
		ID:           id,
		Title:        "Submission",
		Description:  "<p>hello</p>",
		URL:          "https://www.furaffinity.net/view/1/",
		FileURL:      "https://d.furaffinity.net/art/a/1/file.png",
		ThumbnailURL: "https://t.furaffinity.net/1%40200-1.jpg",
		Date:         time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC),
		Author:       "Alice",
		Rating:       submission.RatingGeneral,
		MediaType:    submission.MediaImage,
	}, nil
}

type countingSnapshot struct {
	mu      sync.Mutex
	saves   int
	saved   map[int64]submission.Record
	initial map[int64]submission.Record
	loadErr error
	saveErr error
}

func (s *countingSnapshot) Load(context.Context) (map[int64]submission.Record, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[int64]submission.Record, len(s.initial))
	for k, v := range s.initial {
		out[k] = v
	}
	return out, nil
}

func (s *countingSnapshot) Save(_ context.Context, records []submission.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.saved == nil {
		s.saved = make(map[int64]submission.Record)
	}
	for _, r := range records {
		s.saved[r.ID()] = r
	}
	return nil
}

func (s *countingSnapshot) Close() error { return nil }

func TestResolve_MissThenHit(t *testing.T) {
	fetcher := &fakeFetcher{}
	c, err := New(context.Background(), fetcher, nil)
	require.NoError(t, err)

	ctx := context.Background()
	first, cached, err := c.Resolve(ctx, 10)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "https://t.furaffinity.net/1@600-1.jpg", first.ThumbnailURL())

	second, cached, err := c.Resolve(ctx, 10)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Pending())
}

func TestResolve_ConcurrentSameID(t *testing.T) {
	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	c, err := New(context.Background(), fetcher, nil)
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]submission.Record, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.Resolve(context.Background(), 77)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[0].Equal(results[i]))
	}
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestResolve_ConcurrentDifferentIDs(t *testing.T) {
	fetcher := &fakeFetcher{delay: 5 * time.Millisecond}
	c, err := New(context.Background(), fetcher, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _, err := c.Resolve(context.Background(), id)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, c.Len())
	assert.Equal(t, int64(50), fetcher.calls.Load())
}

func TestResolve_FetchErrorLeavesCacheEmpty(t *testing.T) {
	upstreamErr := errors.New("connection reset")
	fetcher := &fakeFetcher{err: upstreamErr}
	c, err := New(context.Background(), fetcher, nil)
	require.NoError(t, err)

	_, _, err = c.Resolve(context.Background(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstreamErr)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Pending())

	fetcher.err = nil
	_, cached, err := c.Resolve(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestResolve_RejectsIncompleteRecord(t *testing.T) {
	c, err := New(context.Background(), fetcherFunc(func(_ context.Context, id int64) (*submission.Raw, error) {
		return &submission.Raw{ID: id, Title: "no file"}, nil
	}), nil)
	require.NoError(t, err)

	_, _, err = c.Resolve(context.Background(), 3)
	require.ErrorIs(t, err, submission.ErrInvalidRecord)
	assert.Equal(t, 0, c.Len())
}

func TestResolve_IDMismatch(t *testing.T) {
	c, err := New(context.Background(), fetcherFunc(func(_ context.Context, _ int64) (*submission.Raw, error) {
		return &submission.Raw{ID: 999}, nil
	}), nil)
	require.NoError(t, err)

	_, _, err = c.Resolve(context.Background(), 3)
	assert.ErrorIs(t, err, ErrIDMismatch)
}

func TestNew_LoadsSnapshot(t *testing.T) {
	seed, err := New(context.Background(), &fakeFetcher{}, nil)
	require.NoError(t, err)
	rec, _, err := seed.Resolve(context.Background(), 8)
	require.NoError(t, err)

	snap := &countingSnapshot{initial: map[int64]submission.Record{8: rec}}
	fetcher := &fakeFetcher{}
	c, err := New(context.Background(), fetcher, snap)
	require.NoError(t, err)

	got, cached, err := c.Resolve(context.Background(), 8)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.True(t, rec.Equal(got))
	assert.Equal(t, int64(0), fetcher.calls.Load())
}

func TestNew_CorruptSnapshotFails(t *testing.T) {
	snap := &countingSnapshot{loadErr: storage.ErrCorrupt}
	c, err := New(context.Background(), &fakeFetcher{}, snap)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, storage.ErrCorrupt)
}

func TestFlush(t *testing.T) {
	t.Run("nothing pending writes nothing", func(t *testing.T) {
		snap := &countingSnapshot{}
		c, err := New(context.Background(), &fakeFetcher{}, snap)
		require.NoError(t, err)

		require.NoError(t, c.Flush(context.Background()))
		assert.Equal(t, 0, snap.saves)
	})

	t.Run("pending records are written once", func(t *testing.T) {
		snap := &countingSnapshot{}
		c, err := New(context.Background(), &fakeFetcher{}, snap)
		require.NoError(t, err)

		for _, id := range []int64{3, 1, 2} {
			_, _, err := c.Resolve(context.Background(), id)
			require.NoError(t, err)
		}
		require.NoError(t, c.Flush(context.Background()))
		require.NoError(t, c.Flush(context.Background()))

		assert.Equal(t, 1, snap.saves)
		assert.Len(t, snap.saved, 3)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("failure keeps records pending and cached", func(t *testing.T) {
		snap := &countingSnapshot{saveErr: errors.New("disk full")}
		c, err := New(context.Background(), &fakeFetcher{}, snap)
		require.NoError(t, err)

		_, _, err = c.Resolve(context.Background(), 4)
		require.NoError(t, err)

		err = c.Flush(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, c.Pending())
		assert.Equal(t, 1, c.Len())

		_, cached, err := c.Resolve(context.Background(), 4)
		require.NoError(t, err)
		assert.True(t, cached)

		snap.saveErr = nil
		require.NoError(t, c.Flush(context.Background()))
		assert.Equal(t, 0, c.Pending())
		assert.Contains(t, snap.saved, int64(4))
	})
}

func TestCache_BoltRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	snap, err := storage.Open(storage.BackendBolt, dbPath, storage.Options{})
	require.NoError(t, err)

	ctx := context.Background()
	c, err := New(ctx, &fakeFetcher{}, snap)
	require.NoError(t, err)
	original, _, err := c.Resolve(ctx, 21)
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, snap.Close())

	reopened, err := storage.Open(storage.BackendBolt, dbPath, storage.Options{})
	require.NoError(t, err)
	defer reopened.Close()

	fetcher := &fakeFetcher{}
	warm, err := New(ctx, fetcher, reopened)
	require.NoError(t, err)

	got, cached, err := warm.Resolve(ctx, 21)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.True(t, original.Equal(got))
	assert.Equal(t, int64(0), fetcher.calls.Load())
}

type fetcherFunc func(ctx context.Context, id int64) (*submission.Raw, error)

func (f fetcherFunc) Submission(ctx context.Context, id int64) (*submission.Raw, error) {
	return f(ctx, id)
}

func TestResolve_CanceledCallerDoesNotFailOthers(t *testing.T) {
	fetcher := &fakeFetcher{delay: 150 * time.Millisecond}
	c, err := New(context.Background(), fetcher, nil)
	require.NoError(t, err)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.Resolve(leaderCtx, 7)
		leaderErr <- err
	}()

	// Join the leader's flight, then abandon the leader.
	time.Sleep(10 * time.Millisecond)
	joined := make(chan error, 1)
	var rec submission.Record
	go func() {
		var err error
		rec, _, err = c.Resolve(context.Background(), 7)
		joined <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	require.NoError(t, <-joined)
	assert.Equal(t, int64(7), rec.ID())
	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestResolve_CallerDeadlineLeavesFetchRunning(t *testing.T) {
	fetcher := &fakeFetcher{delay: 80 * time.Millisecond}
	c, err := New(context.Background(), fetcher, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err = c.Resolve(ctx, 8)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 60*time.Millisecond)

	// The detached fetch still completes and fills the cache.
	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, cached, err := c.Resolve(context.Background(), 8)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestResolve_FetchTimeout(t *testing.T) {
	fetcher := &fakeFetcher{delay: time.Second}
	c, err := New(context.Background(), fetcher, nil, WithFetchTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, _, err = c.Resolve(context.Background(), 9)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Pending())
}
