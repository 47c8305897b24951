// Package memory is an in-process banner store. Reads take no locks; writes
// are serialized and publish a change after they are applied.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	repo "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo"
)

type pair struct {
	feature int64
	tag     int64
}

type record struct {
	cur     atomic.Pointer[models.Banner]
	deleted atomic.Bool

	mu       sync.RWMutex
	versions []models.Version
}

type BannersMemoryRepo struct {
	wmu    sync.Mutex
	nextID int64
	pairs  map[pair]int64

	banners sync.Map // int64 -> *record
	pub     repo.Publisher
	now     func() time.Time
}

func New(pub repo.Publisher) *BannersMemoryRepo {
	return &BannersMemoryRepo{
		pairs: make(map[pair]int64),
		pub:   pub,
		now:   time.Now,
	}
}

func (br *BannersMemoryRepo) load(id int64) (*record, bool) {
	v, ok := br.banners.Load(id)
	if !ok {
		return nil, false
	}

	rec := v.(*record) //nolint:forcetypeassert
	if rec.deleted.Load() {
		return nil, false
	}

	return rec, true
}

func (br *BannersMemoryRepo) GetBanner(_ context.Context, id int64) (models.Banner, error) {
	rec, ok := br.load(id)
	if !ok {
		return models.Banner{}, repo.ErrNotFound
	}

	b := rec.cur.Load()
	if !b.Active {
		return models.Banner{}, repo.ErrNotFound
	}

	return clone(*b), nil
}

func (br *BannersMemoryRepo) GetBannerVersion(_ context.Context, id, revision int64) (models.Banner, error) {
	rec, ok := br.load(id)
	if !ok {
		return models.Banner{}, repo.ErrNotFound
	}

	b := clone(*rec.cur.Load())
	if !b.Active {
		return models.Banner{}, repo.ErrNotFound
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	for _, v := range rec.versions {
		if v.Revision == revision {
			b.Content = v.Content
			b.Revision = v.Revision

			return b, nil
		}
	}

	return models.Banner{}, repo.ErrNotFound
}

func (br *BannersMemoryRepo) ListVersions(_ context.Context, id int64) ([]models.Version, error) {
	rec, ok := br.load(id)
	if !ok {
		return nil, repo.ErrNotFound
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	return slices.Clone(rec.versions), nil
}

func (br *BannersMemoryRepo) ListBanners(_ context.Context, f repo.Filter) ([]models.Banner, int, error) {
	banners := make([]models.Banner, 0)

	br.banners.Range(func(_, v any) bool {
		rec := v.(*record) //nolint:forcetypeassert
		if rec.deleted.Load() {
			return true
		}

		b := rec.cur.Load()
		if f.Match(*b) {
			banners = append(banners, clone(*b))
		}

		return true
	})

	slices.SortFunc(banners, func(a, b models.Banner) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	total := len(banners)

	if f.Offset >= total {
		return []models.Banner{}, total, nil
	}

	banners = banners[f.Offset:]

	if f.Limit > 0 && f.Limit < len(banners) {
		banners = banners[:f.Limit]
	}

	return banners, total, nil
}

func (br *BannersMemoryRepo) CreateBanner(ctx context.Context, b models.Banner) (models.Banner, error) {
	br.wmu.Lock()
	defer br.wmu.Unlock()

	if b.Active {
		if err := br.checkPairs(0, b.FeatureID, b.Tags); err != nil {
			return models.Banner{}, err
		}
	}

	br.nextID++

	now := br.now()
	b.ID = br.nextID
	b.Revision = 1
	b.Tags = slices.Clone(b.Tags)
	b.CreatedAt = now
	b.UpdatedAt = now

	rec := &record{
		versions: []models.Version{{Revision: 1, Content: b.Content, CreatedAt: now}},
	}
	rec.cur.Store(&b)

	br.banners.Store(b.ID, rec)

	if b.Active {
		br.claimPairs(b.ID, b.FeatureID, b.Tags)
	}

	br.publish(ctx, models.ChangeFromBanner(b))

	return clone(b), nil
}

func (br *BannersMemoryRepo) UpdateBanner(ctx context.Context, id int64, u repo.Update) (models.Banner, error) {
	br.wmu.Lock()
	defer br.wmu.Unlock()

	rec, ok := br.load(id)
	if !ok {
		return models.Banner{}, repo.ErrNotFound
	}

	old := *rec.cur.Load()
	nb := old

	if u.Content != nil {
		nb.Content = u.Content
	}

	if u.FeatureID != nil {
		nb.FeatureID = *u.FeatureID
	}

	if u.Tags != nil {
		nb.Tags = slices.Clone(u.Tags)
	}

	if u.Active != nil {
		nb.Active = *u.Active
	}

	if nb.Active {
		if err := br.checkPairs(id, nb.FeatureID, nb.Tags); err != nil {
			return models.Banner{}, err
		}
	}

	nb.Revision = old.Revision + 1
	nb.UpdatedAt = br.now()

	if old.Active {
		br.releasePairs(id, old.FeatureID, old.Tags)
	}

	if nb.Active {
		br.claimPairs(id, nb.FeatureID, nb.Tags)
	}

	rec.mu.Lock()
	rec.versions = append(rec.versions, models.Version{Revision: nb.Revision, Content: nb.Content, CreatedAt: nb.UpdatedAt})
	rec.mu.Unlock()

	rec.cur.Store(&nb)

	br.publish(ctx, models.ChangeFromBanner(nb))

	return clone(nb), nil
}

func (br *BannersMemoryRepo) DeleteBanner(ctx context.Context, id int64) error {
	br.wmu.Lock()
	defer br.wmu.Unlock()

	rec, ok := br.load(id)
	if !ok {
		return repo.ErrNotFound
	}

	br.banners.Delete(id)
	br.retire(ctx, rec)

	return nil
}

// DeleteBannersByFilter marks matching banners deleted; PurgeDeleted drops them.
func (br *BannersMemoryRepo) DeleteBannersByFilter(ctx context.Context, featureID, tagID *int64) (int64, error) {
	br.wmu.Lock()
	defer br.wmu.Unlock()

	f := repo.Filter{FeatureID: featureID, TagID: tagID}

	var n int64

	br.banners.Range(func(_, v any) bool {
		rec := v.(*record) //nolint:forcetypeassert
		if rec.deleted.Load() {
			return true
		}

		b := rec.cur.Load()
		if !f.Match(*b) {
			return true
		}

		rec.deleted.Store(true)
		br.retire(ctx, rec)
		n++

		return true
	})

	if n == 0 {
		return 0, repo.ErrNotFound
	}

	return n, nil
}

func (br *BannersMemoryRepo) PurgeDeleted(_ context.Context) (int64, error) {
	br.wmu.Lock()
	defer br.wmu.Unlock()

	var n int64

	br.banners.Range(func(k, v any) bool {
		if v.(*record).deleted.Load() { //nolint:forcetypeassert
			br.banners.Delete(k)
			n++
		}

		return true
	})

	return n, nil
}

func (br *BannersMemoryRepo) Shutdown(context.Context) error {
	return nil
}

// retire releases the banner's pairs and announces its removal. Caller holds wmu.
func (br *BannersMemoryRepo) retire(ctx context.Context, rec *record) {
	b := *rec.cur.Load()

	if b.Active {
		br.releasePairs(b.ID, b.FeatureID, b.Tags)
	}

	c := models.ChangeFromBanner(b)
	c.Revision = b.Revision + 1
	c.Deleted = true

	br.publish(ctx, c)
}

func (br *BannersMemoryRepo) checkPairs(id, featureID int64, tags []int64) error {
	for _, t := range tags {
		if owner, ok := br.pairs[pair{featureID, t}]; ok && owner != id {
			return repo.ErrConflict
		}
	}

	return nil
}

func (br *BannersMemoryRepo) claimPairs(id, featureID int64, tags []int64) {
	for _, t := range tags {
		br.pairs[pair{featureID, t}] = id
	}
}

func (br *BannersMemoryRepo) releasePairs(id, featureID int64, tags []int64) {
	for _, t := range tags {
		p := pair{featureID, t}
		if br.pairs[p] == id {
			delete(br.pairs, p)
		}
	}
}

func (br *BannersMemoryRepo) publish(ctx context.Context, c models.Change) {
	if br.pub != nil {
		br.pub.Publish(ctx, c)
	}
}

func clone(b models.Banner) models.Banner {
	b.Tags = slices.Clone(b.Tags)

	return b
}
