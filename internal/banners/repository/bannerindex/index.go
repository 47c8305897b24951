// Package bannerindex maps (feature, tag) pairs to the id of the active banner
// serving them. It is built from the store at startup and kept current by
// store change notifications.
package bannerindex

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	repo "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo"
)

const (
	DefaultShards = 64
	loadPageSize  = 1000
)

type Lister interface {
	ListBanners(ctx context.Context, f repo.Filter) ([]models.Banner, int, error)
}

type key struct {
	feature int64
	tag     int64
}

type shard struct {
	mu    sync.RWMutex
	pairs map[key]int64
}

// state is what the index last saw of a banner.
type state struct {
	revision int64
	feature  int64
	tags     []int64
	serving  bool
}

type Index struct {
	shards []*shard

	wmu     sync.Mutex
	banners map[int64]state
	touched map[int64]struct{}
}

func New(shards int) *Index {
	if shards <= 0 {
		shards = DefaultShards
	}

	idx := &Index{
		shards:  make([]*shard, shards),
		banners: make(map[int64]state),
	}

	for i := range idx.shards {
		idx.shards[i] = &shard{pairs: make(map[key]int64)}
	}

	return idx
}

func (idx *Index) shardIndex(k key) int {
	h := uint64(k.feature)*0x9E3779B97F4A7C15 ^ uint64(k.tag) //nolint:gosec
	h ^= h >> 29

	return int(h % uint64(len(idx.shards))) //nolint:gosec
}

func (idx *Index) shard(k key) *shard {
	return idx.shards[idx.shardIndex(k)]
}

// Resolve returns the banner serving the pair or bannerrepo.ErrNotFound.
func (idx *Index) Resolve(featureID, tagID int64) (int64, error) {
	k := key{featureID, tagID}
	s := idx.shard(k)

	s.mu.RLock()
	id, ok := s.pairs[k]
	s.mu.RUnlock()

	if !ok {
		return 0, repo.ErrNotFound
	}

	return id, nil
}

// Handle adapts Apply to the change feed handler signature.
func (idx *Index) Handle(_ context.Context, c models.Change) {
	idx.Apply(c)
}

// Apply moves the banner's pairs to the state described by c. Changes not
// newer than what the index already holds for the banner are ignored.
func (idx *Index) Apply(c models.Change) bool {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()

	prev, ok := idx.banners[c.BannerID]
	if ok && c.Revision <= prev.revision {
		return false
	}

	next := state{
		revision: c.Revision,
		feature:  c.FeatureID,
		tags:     append([]int64(nil), c.Tags...),
		serving:  c.Serving(),
	}

	if next.serving {
		idx.mapPairs(c.BannerID, next)
	}

	if ok && prev.serving {
		idx.unmap(c.BannerID, prev, next)
	}

	idx.banners[c.BannerID] = next

	if idx.touched != nil {
		idx.touched[c.BannerID] = struct{}{}
	}

	return true
}

// unmap drops the pairs of st that next no longer serves, so a pair kept
// across the change stays resolvable throughout.
func (idx *Index) unmap(id int64, st, next state) {
	for _, t := range st.tags {
		if next.serving && next.feature == st.feature && slices.Contains(next.tags, t) {
			continue
		}

		k := key{st.feature, t}
		s := idx.shard(k)

		s.mu.Lock()
		if s.pairs[k] == id {
			delete(s.pairs, k)
		}
		s.mu.Unlock()
	}
}

func (idx *Index) mapPairs(id int64, st state) {
	for _, t := range st.tags {
		k := key{st.feature, t}
		s := idx.shard(k)

		s.mu.Lock()
		s.pairs[k] = id
		s.mu.Unlock()
	}
}

// Load replaces the whole index with the store's current state.
func (idx *Index) Load(ctx context.Context, l Lister) error {
	return idx.Reconcile(ctx, l)
}

// Reconcile rebuilds the index from the store. Changes applied while the
// store is being scanned win over the scanned state of the same banner.
func (idx *Index) Reconcile(ctx context.Context, l Lister) error {
	idx.wmu.Lock()
	idx.touched = make(map[int64]struct{})
	idx.wmu.Unlock()

	snapshot, err := scan(ctx, l)

	idx.wmu.Lock()
	defer idx.wmu.Unlock()

	touched := idx.touched
	idx.touched = nil

	if err != nil {
		return err
	}

	for id := range touched {
		cur, ok := idx.banners[id]
		if !ok {
			continue
		}

		if snap, ok := snapshot[id]; !ok || cur.revision >= snap.revision {
			snapshot[id] = cur
		}
	}

	fresh := make([]map[key]int64, len(idx.shards))
	for i := range fresh {
		fresh[i] = make(map[key]int64)
	}

	for id, st := range snapshot {
		if !st.serving {
			continue
		}

		for _, t := range st.tags {
			k := key{st.feature, t}
			m := fresh[idx.shardIndex(k)]

			if owner, ok := m[k]; !ok || id < owner {
				m[k] = id
			}
		}
	}

	for i, s := range idx.shards {
		s.mu.Lock()
		s.pairs = fresh[i]
		s.mu.Unlock()
	}

	idx.banners = snapshot

	return nil
}

func scan(ctx context.Context, l Lister) (map[int64]state, error) {
	snapshot := make(map[int64]state)

	for offset := 0; ; offset += loadPageSize {
		banners, total, err := l.ListBanners(ctx, repo.Filter{Limit: loadPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list banners error: %w", err)
		}

		for _, b := range banners {
			snapshot[b.ID] = state{
				revision: b.Revision,
				feature:  b.FeatureID,
				tags:     append([]int64(nil), b.Tags...),
				serving:  b.Active,
			}
		}

		if len(banners) == 0 || offset+len(banners) >= total {
			return snapshot, nil
		}
	}
}

// Len returns the number of mapped pairs.
func (idx *Index) Len() int {
	n := 0

	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.pairs)
		s.mu.RUnlock()
	}

	return n
}
