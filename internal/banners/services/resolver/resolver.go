// Package resolver answers user banner lookups: index, then cache, then store,
// degrading to the last known good payload when the store is down.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannercache"
	repo "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
)

var (
	ErrNotFound    = errors.New("banner not found")
	ErrUnavailable = errors.New("banner temporarily unavailable")
)

type Index interface {
	Resolve(featureID, tagID int64) (int64, error)
}

type Store interface {
	GetBanner(ctx context.Context, id int64) (models.Banner, error)
	GetBannerVersion(ctx context.Context, id, revision int64) (models.Banner, error)
}

type Cache interface {
	GetIfFresh(k bannercache.Key, maxStaleness time.Duration) (bannercache.Entry, bool)
	Load(ctx context.Context, k bannercache.Key, fn bannercache.LoadFunc) (bannercache.Entry, bool, error)
	Stale(ctx context.Context, k bannercache.Key) (bannercache.Entry, bool)
}

type Resolver struct {
	index Index
	store Store
	cache Cache
	ttl   time.Duration
	lg    logger.Logger
	now   func() time.Time
}

func New(index Index, store Store, cache Cache, ttl time.Duration, lg logger.Logger) *Resolver {
	return &Resolver{
		index: index,
		store: store,
		cache: cache,
		ttl:   ttl,
		lg:    lg,
		now:   time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	id, err := r.index.Resolve(req.FeatureID, req.TagID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, ErrNotFound
		}

		return Result{}, fmt.Errorf("resolve index error: %w", err)
	}

	key := bannercache.Key{ID: id, Version: req.Version}

	if req.Mode == ModeCached || req.Version > 0 {
		maxStaleness := r.ttl
		if req.Version > 0 {
			maxStaleness = 0
		}

		if e, ok := r.cache.GetIfFresh(key, maxStaleness); ok && e.Matches(req.FeatureID, req.TagID) {
			return result(id, e, FreshnessCached), nil
		}
	}

	e, _, err := r.cache.Load(ctx, key, r.fetch(key))
	if err == nil {
		if !e.Matches(req.FeatureID, req.TagID) {
			return Result{}, ErrNotFound
		}

		return result(id, e, FreshnessLatest), nil
	}

	switch {
	case errors.Is(err, repo.ErrNotFound):
		return Result{}, ErrNotFound
	case ctx.Err() != nil:
		return Result{}, fmt.Errorf("resolve banner %d error: %w", id, ctx.Err())
	case errors.Is(err, repo.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return r.degrade(ctx, req, key, err)
	default:
		return Result{}, fmt.Errorf("fetch banner %d error: %w", id, err)
	}
}

// degrade serves the last known good payload to requests that tolerate
// staleness.
func (r *Resolver) degrade(ctx context.Context, req Request, key bannercache.Key, cause error) (Result, error) {
	if req.Mode == ModeCached {
		if e, ok := r.cache.Stale(ctx, key); ok && e.Matches(req.FeatureID, req.TagID) {
			r.lg.Warnf("serving stale banner %s revision %d: %s", key, e.Revision, cause)

			return result(key.ID, e, FreshnessStale), nil
		}
	}

	return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, cause)
}

func (r *Resolver) fetch(key bannercache.Key) bannercache.LoadFunc {
	return func(ctx context.Context) (bannercache.Entry, error) {
		var (
			b   models.Banner
			err error
		)

		if key.Version > 0 {
			b, err = r.store.GetBannerVersion(ctx, key.ID, key.Version)
		} else {
			b, err = r.store.GetBanner(ctx, key.ID)
		}

		if err != nil {
			return bannercache.Entry{}, err //nolint:wrapcheck
		}

		return bannercache.EntryFromBanner(b, r.now()), nil
	}
}

func result(id int64, e bannercache.Entry, f Freshness) Result {
	return Result{
		BannerID:  id,
		Content:   e.Payload,
		Revision:  e.Revision,
		Freshness: f,
	}
}
