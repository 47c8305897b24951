package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannercache"
	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
	"github.com/Leopold1975/banners_resolver/internal/pkg/redistools"
	"github.com/redis/go-redis/v9"
)

// BannerCache keeps last known good payloads in one hash per banner, one
// field per version, so a banner's entries expire and are dropped together.
type BannerCache struct {
	rdb     *redis.Client
	expTime time.Duration
}

func Connect(ctx context.Context, cfg config.RedisCache) (*redis.Client, error) {
	rdb := redistools.NewClient(cfg)

	if err := redistools.Connect(ctx, rdb); err != nil {
		rdb.Close()

		return nil, fmt.Errorf("connect error: %w", err)
	}

	return rdb, nil
}

func New(rdb *redis.Client, expTime time.Duration) BannerCache {
	return BannerCache{
		rdb:     rdb,
		expTime: expTime,
	}
}

func bannerKey(id int64) string {
	return "banner:" + strconv.FormatInt(id, 10)
}

func field(version int64) string {
	return strconv.FormatInt(version, 10)
}

func (bc BannerCache) Get(ctx context.Context, k bannercache.Key) (bannercache.Entry, error) {
	raw, err := bc.rdb.HGet(ctx, bannerKey(k.ID), field(k.Version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return bannercache.Entry{}, bannercache.ErrMiss
	} else if err != nil {
		return bannercache.Entry{}, fmt.Errorf("hget error: %w", err)
	}

	var e bannercache.Entry

	if err := json.Unmarshal(raw, &e); err != nil {
		return bannercache.Entry{}, fmt.Errorf("unmarshal error: %w", err)
	}

	return e, nil
}

func (bc BannerCache) Put(ctx context.Context, k bannercache.Key, e bannercache.Entry) error {
	entryJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	key := bannerKey(k.ID)

	_, err = bc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field(k.Version), entryJSON)

		if bc.expTime > 0 {
			pipe.Expire(ctx, key, bc.expTime)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("hset error: %w", err)
	}

	return nil
}

func (bc BannerCache) Delete(ctx context.Context, id int64) error {
	if err := bc.rdb.Del(ctx, bannerKey(id)).Err(); err != nil {
		return fmt.Errorf("del error: %w", err)
	}

	return nil
}
