package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannercache"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*miniredis.Miniredis, BannerCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()}) //nolint:exhaustruct
	t.Cleanup(func() { rdb.Close() })

	return mr, New(rdb, time.Hour)
}

func TestPutGetDelete(t *testing.T) {
	mr, bc := newCache(t)
	ctx := context.Background()

	latest := bannercache.Key{ID: 3}
	v1 := bannercache.Key{ID: 3, Version: 1}

	_, err := bc.Get(ctx, latest)
	require.ErrorIs(t, err, bannercache.ErrMiss)

	e := bannercache.Entry{
		Payload:     json.RawMessage(`{"title":"t"}`),
		Revision:    2,
		FeatureID:   1,
		Tags:        []int64{4},
		RefreshedAt: time.Now().UTC().Truncate(time.Second),
		Valid:       true,
	}

	require.NoError(t, bc.Put(ctx, latest, e))
	require.NoError(t, bc.Put(ctx, v1, bannercache.Entry{Payload: json.RawMessage(`{}`), Revision: 1}))

	got, err := bc.Get(ctx, latest)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"t"}`, string(got.Payload))
	require.Equal(t, int64(2), got.Revision)
	require.Equal(t, []int64{4}, got.Tags)
	require.True(t, e.RefreshedAt.Equal(got.RefreshedAt))
	require.False(t, got.Valid, "validity is never persisted")

	require.Equal(t, time.Hour, mr.TTL("banner:3"))

	require.NoError(t, bc.Delete(ctx, 3))

	_, err = bc.Get(ctx, v1)
	require.ErrorIs(t, err, bannercache.ErrMiss)
}

func TestGetUnavailable(t *testing.T) {
	mr, bc := newCache(t)
	mr.Close()

	_, err := bc.Get(context.Background(), bannercache.Key{ID: 1})
	require.Error(t, err)
	require.NotErrorIs(t, err, bannercache.ErrMiss)
}
