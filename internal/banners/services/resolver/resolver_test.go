package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/changefeed"
	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannercache"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerindex"
	repo "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo/memory"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
	"github.com/stretchr/testify/suite"
)

var errCorrupt = errors.New("can't scan into dest[2]")

// flakyStore counts reads and can be switched off or held at a gate.
type flakyStore struct {
	Store

	reads atomic.Int64
	down  atomic.Bool
	fault atomic.Bool

	mu   sync.Mutex
	gate chan struct{}
}

func (s *flakyStore) wait(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate == nil {
		return nil
	}

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *flakyStore) GetBanner(ctx context.Context, id int64) (models.Banner, error) {
	s.reads.Add(1)

	if err := s.wait(ctx); err != nil {
		return models.Banner{}, err
	}

	if s.down.Load() {
		return models.Banner{}, repo.ErrUnavailable
	}

	if s.fault.Load() {
		return models.Banner{}, errCorrupt
	}

	return s.Store.GetBanner(ctx, id) //nolint:wrapcheck
}

func (s *flakyStore) GetBannerVersion(ctx context.Context, id, revision int64) (models.Banner, error) {
	s.reads.Add(1)

	if s.down.Load() {
		return models.Banner{}, repo.ErrUnavailable
	}

	return s.Store.GetBannerVersion(ctx, id, revision) //nolint:wrapcheck
}

type ResolverSuite struct {
	suite.Suite

	ctx      context.Context
	repo     *memory.BannersMemoryRepo
	store    *flakyStore
	index    *bannerindex.Index
	cache    *bannercache.Cache
	resolver *Resolver
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.ctx = context.Background()

	feed := changefeed.New("test")
	s.repo = memory.New(feed)
	s.store = &flakyStore{Store: s.repo}
	s.index = bannerindex.New(4)

	cache, err := bannercache.New(100, bannercache.WithFetchTimeout(time.Second))
	s.Require().NoError(err)
	s.cache = cache

	feed.Subscribe("index", s.index.Handle)
	feed.Subscribe("cache", s.cache.Handle)

	s.resolver = New(s.index, s.store, s.cache, time.Minute, logger.Nop())
}

func (s *ResolverSuite) create(feature int64, content string, tags ...int64) models.Banner {
	b, err := s.repo.CreateBanner(s.ctx, models.Banner{
		FeatureID: feature,
		Tags:      tags,
		Content:   json.RawMessage(content),
		Active:    true,
	})
	s.Require().NoError(err)

	return b
}

func (s *ResolverSuite) update(id int64, content string) {
	_, err := s.repo.UpdateBanner(s.ctx, id, repo.Update{Content: json.RawMessage(content)})
	s.Require().NoError(err)
}

func (s *ResolverSuite) TestUnknownPair() {
	_, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().ErrorIs(err, ErrNotFound)
	s.Require().Zero(s.store.reads.Load())
}

func (s *ResolverSuite) TestCachedModeReadsStoreOnce() {
	b := s.create(1, `{"title":"a"}`, 1, 2)

	first, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)
	s.Require().Equal(FreshnessLatest, first.Freshness)
	s.Require().Equal(b.ID, first.BannerID)

	second, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 2})
	s.Require().NoError(err)
	s.Require().Equal(FreshnessCached, second.Freshness)
	s.Require().JSONEq(`{"title":"a"}`, string(second.Content))

	s.Require().Equal(int64(1), s.store.reads.Load())
}

func (s *ResolverSuite) TestLatestModeObservesUpdate() {
	b := s.create(1, `{"v":1}`, 1, 2)
	req := Request{FeatureID: 1, TagID: 1, Mode: ModeLatest}

	res, err := s.resolver.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Require().Equal(int64(1), res.Revision)

	s.update(b.ID, `{"v":2}`)

	res, err = s.resolver.Resolve(s.ctx, req)
	s.Require().NoError(err)
	s.Require().Equal(int64(2), res.Revision)
	s.Require().JSONEq(`{"v":2}`, string(res.Content))
	s.Require().Equal(FreshnessLatest, res.Freshness)

	// Latest mode never answers from the cache.
	s.Require().Equal(int64(2), s.store.reads.Load())
}

func (s *ResolverSuite) TestCachedModeAfterUpdate() {
	b := s.create(1, `{"v":1}`, 1)

	_, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)

	s.update(b.ID, `{"v":2}`)

	res, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)
	s.Require().Equal(int64(2), res.Revision)
}

func (s *ResolverSuite) TestDegradeServesStaleInCachedModeOnly() {
	b := s.create(1, `{"v":1}`, 1)

	_, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)

	s.store.down.Store(true)

	// Still fresh: no store round trip needed.
	res, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)
	s.Require().Equal(FreshnessCached, res.Freshness)

	// Once the entry is no longer fresh the cached mode degrades.
	s.cache.Invalidate(b.ID, b.Revision+1)

	res, err = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)
	s.Require().Equal(FreshnessStale, res.Freshness)
	s.Require().Equal(int64(1), res.Revision)

	_, err = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1, Mode: ModeLatest})
	s.Require().ErrorIs(err, ErrUnavailable)
}

func (s *ResolverSuite) TestUnavailableWithoutStaleEntry() {
	s.create(1, `{}`, 1)
	s.store.down.Store(true)

	_, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().ErrorIs(err, ErrUnavailable)
}

func (s *ResolverSuite) TestDeactivatedBannerIsNotServed() {
	b := s.create(1, `{}`, 1)

	_, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)

	active := false
	_, err = s.repo.UpdateBanner(s.ctx, b.ID, repo.Update{Active: &active})
	s.Require().NoError(err)

	_, err = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *ResolverSuite) TestLaggingIndexDoesNotServeMovedBanner() {
	b := s.create(1, `{}`, 1)

	// Index that never hears about the move.
	lagging := bannerindex.New(4)
	s.Require().NoError(lagging.Load(s.ctx, s.repo))

	_, err := s.repo.UpdateBanner(s.ctx, b.ID, repo.Update{Tags: []int64{2}})
	s.Require().NoError(err)

	r := New(lagging, s.store, s.cache, time.Minute, logger.Nop())

	_, err = r.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1, Mode: ModeLatest})
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *ResolverSuite) TestVersionedRequest() {
	b := s.create(1, `{"v":1}`, 1)
	s.update(b.ID, `{"v":2}`)

	res, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1, Version: 1})
	s.Require().NoError(err)
	s.Require().Equal(int64(1), res.Revision)
	s.Require().JSONEq(`{"v":1}`, string(res.Content))

	res, err = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1, Version: 1, Mode: ModeLatest})
	s.Require().NoError(err)
	s.Require().Equal(FreshnessCached, res.Freshness)

	_, err = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1, Version: 5})
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *ResolverSuite) TestConcurrentMissesShareOneRead() {
	s.create(1, `{"title":"shared"}`, 1)

	gate := make(chan struct{})
	s.store.mu.Lock()
	s.store.gate = gate
	s.store.mu.Unlock()

	const callers = 64

	var wg sync.WaitGroup

	results := make([]Result, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
		}(i)
	}

	s.Require().Eventually(func() bool { return s.store.reads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	s.Require().Equal(int64(1), s.store.reads.Load())

	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Require().Equal(results[0], results[i])
	}
}

func (s *ResolverSuite) TestCallerTimeoutDoesNotCancelSharedFetch() {
	s.create(1, `{}`, 1)

	gate := make(chan struct{})
	s.store.mu.Lock()
	s.store.gate = gate
	s.store.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()

	_, err := s.resolver.Resolve(ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	close(gate)

	s.Require().Eventually(func() bool {
		res, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})

		return err == nil && res.Freshness == FreshnessCached
	}, time.Second, 5*time.Millisecond)

	s.Require().Equal(int64(1), s.store.reads.Load())
}

func (s *ResolverSuite) TestRejectedCreateKeepsOriginalMapping() {
	first := s.create(1, `{"v":"first"}`, 1)

	_, err := s.repo.CreateBanner(s.ctx, models.Banner{
		FeatureID: 1,
		Tags:      []int64{1, 9},
		Content:   json.RawMessage(`{"v":"second"}`),
		Active:    true,
	})
	s.Require().ErrorIs(err, repo.ErrConflict)

	id, err := s.index.Resolve(1, 1)
	s.Require().NoError(err)
	s.Require().Equal(first.ID, id)

	_, err = s.index.Resolve(1, 9)
	s.Require().ErrorIs(err, repo.ErrNotFound)

	res, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1, Mode: ModeLatest})
	s.Require().NoError(err)
	s.Require().Equal(first.ID, res.BannerID)
	s.Require().JSONEq(`{"v":"first"}`, string(res.Content))

	_, err = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 9})
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *ResolverSuite) TestStoreFaultIsNotServedStale() {
	s.create(1, `{"v":1}`, 1)

	_, err := s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1})
	s.Require().NoError(err)

	s.store.fault.Store(true)

	_, err = s.resolver.Resolve(s.ctx, Request{FeatureID: 1, TagID: 1, Mode: ModeLatest})
	s.Require().ErrorIs(err, errCorrupt)
	s.Require().NotErrorIs(err, ErrUnavailable)
}
