package bannercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func entry(rev int64) Entry {
	return Entry{Payload: json.RawMessage(fmt.Sprintf(`{"rev":%d}`, rev)), Revision: rev, Valid: true}
}

func newCache(t *testing.T, capacity int, opts ...Option) (*Cache, *clock) {
	t.Helper()

	clk := &clock{now: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}

	c, err := New(capacity, append([]Option{WithClock(clk.Now), WithShards(1)}, opts...)...)
	require.NoError(t, err)

	return c, clk
}

func TestGetIfFreshHonoursStaleness(t *testing.T) {
	c, clk := newCache(t, 10)
	k := Key{ID: 1}

	_, ok := c.GetIfFresh(k, time.Minute)
	require.False(t, ok)

	e := entry(1)
	e.RefreshedAt = clk.Now()
	c.Put(k, e)

	got, ok := c.GetIfFresh(k, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(1), got.Revision)

	clk.Advance(2 * time.Minute)

	_, ok = c.GetIfFresh(k, time.Minute)
	require.False(t, ok)

	_, ok = c.GetIfFresh(k, 0)
	require.True(t, ok, "non-positive staleness accepts any valid entry")
}

func TestInvalidateKeepsLastKnownGood(t *testing.T) {
	c, clk := newCache(t, 10)
	k := Key{ID: 1}
	snapshot := Key{ID: 1, Version: 1}

	e := entry(1)
	e.RefreshedAt = clk.Now()
	c.Put(k, e)
	c.Put(snapshot, e)

	c.Invalidate(1, 2)

	_, ok := c.GetIfFresh(k, time.Minute)
	require.False(t, ok)

	_, ok = c.GetIfFresh(snapshot, 0)
	require.True(t, ok, "versioned snapshots are immutable")

	stale, ok := c.Stale(context.Background(), k)
	require.True(t, ok)
	require.Equal(t, int64(1), stale.Revision)

	// A fetch that started before the change must not revalidate revision 1.
	require.False(t, c.Put(k, e).Valid)

	next := entry(2)
	next.RefreshedAt = clk.Now()
	require.True(t, c.Put(k, next).Valid)

	// Nor may it overwrite the newer revision.
	require.Equal(t, int64(2), c.Put(k, e).Revision)
}

func TestRemoveDropsAllVersions(t *testing.T) {
	remote := newFakeRemote()
	c, _ := newCache(t, 10, WithRemote(remote))

	c.Put(Key{ID: 1}, entry(2))
	c.Put(Key{ID: 1, Version: 1}, entry(1))
	c.Put(Key{ID: 2}, entry(1))
	require.NoError(t, remote.Put(context.Background(), Key{ID: 1}, entry(2)))

	c.Handle(context.Background(), models.Change{BannerID: 1, Revision: 3, Active: false})

	_, ok := c.Stale(context.Background(), Key{ID: 1})
	require.False(t, ok)
	_, ok = c.Stale(context.Background(), Key{ID: 1, Version: 1})
	require.False(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestLRUEviction(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _ := newCache(t, 2, WithShards(1), WithRegisterer(reg))

	c.Put(Key{ID: 1}, entry(1))
	c.Put(Key{ID: 2}, entry(1))

	_, ok := c.GetIfFresh(Key{ID: 1}, 0)
	require.True(t, ok)

	c.Put(Key{ID: 3}, entry(1))

	_, ok = c.GetIfFresh(Key{ID: 2}, 0)
	require.False(t, ok, "least recently used entry is evicted")
	_, ok = c.GetIfFresh(Key{ID: 1}, 0)
	require.True(t, ok)

	require.Equal(t, 2, c.Len())
	require.InDelta(t, 1, testutil.ToFloat64(c.metrics.evictions), 0)
	require.InDelta(t, 2, testutil.ToFloat64(c.metrics.size), 0)
}

func TestLoadSharesOneFetch(t *testing.T) {
	c, _ := newCache(t, 10)
	k := Key{ID: 7}

	var calls atomic.Int32

	release := make(chan struct{})

	fetch := func(context.Context) (Entry, error) {
		calls.Add(1)
		<-release

		return entry(3), nil
	}

	const callers = 50

	var wg sync.WaitGroup

	results := make([]Entry, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], _, errs[i] = c.Load(context.Background(), k, fetch)
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}

	got, ok := c.GetIfFresh(k, 0)
	require.True(t, ok)
	require.Equal(t, int64(3), got.Revision)
}

func TestLoadSurvivesAbandonedCaller(t *testing.T) {
	c, _ := newCache(t, 10, WithFetchTimeout(time.Second))
	k := Key{ID: 8}

	release := make(chan struct{})
	fetched := make(chan error, 1)

	fetch := func(ctx context.Context) (Entry, error) {
		<-release
		fetched <- ctx.Err()

		return entry(1), nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		_, _, err := c.Load(ctx, k, fetch)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.NoError(t, <-fetched, "shared fetch is not cancelled with its first caller")

	require.Eventually(t, func() bool {
		_, ok := c.GetIfFresh(k, 0)

		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestLoadErrorReachesAllCallers(t *testing.T) {
	c, _ := newCache(t, 10)
	boom := errors.New("store down")

	_, _, err := c.Load(context.Background(), Key{ID: 1}, func(context.Context) (Entry, error) {
		return Entry{}, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := c.GetIfFresh(Key{ID: 1}, 0)
	require.False(t, ok)
}

func TestInvalidateStartsNewFetch(t *testing.T) {
	c, _ := newCache(t, 10)
	k := Key{ID: 9}

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = c.Load(context.Background(), k, func(context.Context) (Entry, error) {
			close(started)
			<-release

			return entry(1), nil
		})
	}()

	<-started
	c.Invalidate(9, 2)

	got, _, err := c.Load(context.Background(), k, func(context.Context) (Entry, error) {
		return entry(2), nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Revision, "fetch after a change does not join the older one")

	close(release)
}

func TestStaleFallsBackToRemote(t *testing.T) {
	remote := newFakeRemote()
	c, _ := newCache(t, 10, WithRemote(remote))
	k := Key{ID: 4}

	_, _, err := c.Load(context.Background(), k, func(context.Context) (Entry, error) {
		return entry(5), nil
	})
	require.NoError(t, err)

	stored, err := remote.Get(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, int64(5), stored.Revision)

	// A fresh replica only has the remote tier.
	other, _ := newCache(t, 10, WithRemote(remote))

	got, ok := other.Stale(context.Background(), k)
	require.True(t, ok)
	require.False(t, got.Valid)
	require.Equal(t, int64(5), got.Revision)
}

func TestEntryMatches(t *testing.T) {
	e := EntryFromBanner(models.Banner{FeatureID: 1, Tags: []int64{2, 3}, Revision: 4}, time.Now())

	require.True(t, e.Valid)
	require.True(t, e.Matches(1, 3))
	require.False(t, e.Matches(1, 4))
	require.False(t, e.Matches(2, 3))
}

type fakeRemote struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entries: make(map[Key]Entry)}
}

func (f *fakeRemote) Get(_ context.Context, k Key) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[k]
	if !ok {
		return Entry{}, ErrMiss
	}

	return e, nil
}

func (f *fakeRemote) Put(_ context.Context, k Key, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[k] = e

	return nil
}

func (f *fakeRemote) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k := range f.entries {
		if k.ID == id {
			delete(f.entries, k)
		}
	}

	return nil
}
