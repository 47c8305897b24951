// Package bannercache keeps rendered banner payloads in process, with an
// optional remote tier holding last known good copies for store outages.
package bannercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCapacity     = 10000
	DefaultShards       = 16
	DefaultFetchTimeout = 500 * time.Millisecond
	remoteTimeout       = 100 * time.Millisecond
)

var ErrMiss = errors.New("cache miss")

// Key addresses a cached payload. Version 0 is the banner's latest revision.
type Key struct {
	ID      int64
	Version int64
}

func (k Key) String() string {
	return strconv.FormatInt(k.ID, 10) + ":" + strconv.FormatInt(k.Version, 10)
}

type Entry struct {
	Payload     json.RawMessage `json:"payload"`
	Revision    int64           `json:"revision"`
	FeatureID   int64           `json:"feature_id"`   //nolint:tagliatelle
	Tags        []int64         `json:"tag_ids"`      //nolint:tagliatelle
	RefreshedAt time.Time       `json:"refreshed_at"` //nolint:tagliatelle
	Valid       bool            `json:"-"`
}

// Matches reports whether the cached banner was serving the pair when cached.
func (e Entry) Matches(featureID, tagID int64) bool {
	return e.FeatureID == featureID && slices.Contains(e.Tags, tagID)
}

func EntryFromBanner(b models.Banner, now time.Time) Entry {
	return Entry{
		Payload:     b.Content,
		Revision:    b.Revision,
		FeatureID:   b.FeatureID,
		Tags:        b.Tags,
		RefreshedAt: now,
		Valid:       true,
	}
}

// Remote is the second cache tier. It is written after every successful
// fetch and read only when the store cannot answer.
type Remote interface {
	Get(ctx context.Context, k Key) (Entry, error)
	Put(ctx context.Context, k Key, e Entry) error
	Delete(ctx context.Context, id int64) error
}

type LoadFunc func(ctx context.Context) (Entry, error)

type Option func(*Cache)

func WithRemote(r Remote) Option {
	return func(c *Cache) {
		c.remote = r
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		c.reg = reg
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithShards(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.nShards = n
		}
	}
}

func WithLogger(lg logger.Logger) Option {
	return func(c *Cache) {
		c.lg = lg
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

type Cache struct {
	shards  []*lruShard
	nShards int

	group        singleflight.Group
	fetchTimeout time.Duration

	remote  Remote
	reg     prometheus.Registerer
	metrics *cacheMetrics
	lg      logger.Logger
	now     func() time.Time
}

func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	c := &Cache{
		nShards:      DefaultShards,
		fetchTimeout: DefaultFetchTimeout,
		lg:           logger.Nop(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	metrics, err := newCacheMetrics(c.reg)
	if err != nil {
		return nil, fmt.Errorf("register cache metrics error: %w", err)
	}

	c.metrics = metrics

	if c.nShards > capacity {
		c.nShards = capacity
	}

	perShard := (capacity + c.nShards - 1) / c.nShards
	c.shards = make([]*lruShard, c.nShards)

	for i := range c.shards {
		c.shards[i], err = newLRUShard(perShard, c.evicted, c.metrics.resize)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Cache) shard(id int64) *lruShard {
	h := uint64(id) * 0x9E3779B97F4A7C15 //nolint:gosec

	return c.shards[(h>>32)%uint64(len(c.shards))]
}

func (c *Cache) evicted(k Key, _ Entry) {
	c.metrics.evictions.Inc()
	c.lg.Debugf("evicted banner %s", k)
}

// GetIfFresh returns a valid entry refreshed no longer than maxStaleness ago.
// A non-positive maxStaleness accepts any valid entry.
func (c *Cache) GetIfFresh(k Key, maxStaleness time.Duration) (Entry, bool) {
	e, ok := c.shard(k.ID).get(k)
	if !ok || !e.Valid || (maxStaleness > 0 && c.now().Sub(e.RefreshedAt) > maxStaleness) {
		c.metrics.misses.Inc()

		return Entry{}, false
	}

	c.metrics.hits.Inc()

	return e, true
}

// Put stores e in process and returns what ended up cached: an older
// revision never replaces a newer one, and a revision already superseded by
// a change notification is stored stale.
func (c *Cache) Put(k Key, e Entry) Entry {
	return c.shard(k.ID).set(k, e)
}

// Invalidate marks cached revisions of id older than revision stale. They stay
// available through Stale as last known good content.
func (c *Cache) Invalidate(id, revision int64) {
	c.shard(id).invalidate(id, revision)
	c.group.Forget(Key{ID: id}.String())
}

// Remove drops everything cached for id in both tiers.
func (c *Cache) Remove(ctx context.Context, id, revision int64) {
	c.shard(id).remove(id, revision)
	c.group.Forget(Key{ID: id}.String())

	if c.remote == nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteTimeout)
	defer cancel()

	if err := c.remote.Delete(rctx, id); err != nil {
		c.lg.Warnf("remote cache delete banner %d error: %s", id, err)
	}
}

// Handle applies a store change notification.
func (c *Cache) Handle(ctx context.Context, ch models.Change) {
	if ch.Serving() {
		c.Invalidate(ch.BannerID, ch.Revision)

		return
	}

	c.Remove(ctx, ch.BannerID, ch.Revision)
}

// Stale returns the last known good entry for k regardless of its validity,
// falling back to the remote tier.
func (c *Cache) Stale(ctx context.Context, k Key) (Entry, bool) {
	if e, ok := c.shard(k.ID).get(k); ok {
		c.metrics.stale.Inc()

		return e, true
	}

	if c.remote == nil {
		return Entry{}, false
	}

	rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	e, err := c.remote.Get(rctx, k)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.lg.Warnf("remote cache get banner %s error: %s", k, err)
		}

		return Entry{}, false
	}

	c.metrics.stale.Inc()
	e.Valid = false

	return e, true
}

// Load runs fn once for all concurrent callers of the same key and caches
// the result. The fetch runs detached from the callers' contexts, bounded by
// the fetch timeout, so a caller giving up does not cancel it for the others.
// The returned flag reports whether the result was shared.
func (c *Cache) Load(ctx context.Context, k Key, fn LoadFunc) (Entry, bool, error) {
	ch := c.group.DoChan(k.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		c.metrics.loads.Inc()

		e, err := fn(fctx)
		if err != nil {
			return Entry{}, err
		}

		if e.RefreshedAt.IsZero() {
			e.RefreshedAt = c.now()
		}

		e.Valid = true
		stored := c.Put(k, e)

		if c.remote != nil {
			if err := c.remote.Put(fctx, k, e); err != nil {
				c.lg.Warnf("remote cache put banner %s error: %s", k, err)
			}
		}

		// Callers get what they fetched even when a newer change already
		// superseded it in the cache.
		if stored.Revision == e.Revision {
			e.Valid = stored.Valid
		}

		return e, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, false, fmt.Errorf("wait for banner %s error: %w", k, ctx.Err())
	case res := <-ch:
		if res.Shared {
			c.metrics.shared.Inc()
		}

		if res.Err != nil {
			return Entry{}, res.Shared, res.Err //nolint:wrapcheck
		}

		return res.Val.(Entry), res.Shared, nil //nolint:forcetypeassert
	}
}

// Len returns the number of entries held in process.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.len()
	}

	return n
}
