package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/api/server"
	"github.com/Leopold1975/banners_resolver/internal/banners/changefeed"
	bridge "github.com/Leopold1975/banners_resolver/internal/banners/changefeed/redis"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannercache"
	cacheredis "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannercache/redis"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerindex"
	bm "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo/memory"
	br "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo/postgres"
	um "github.com/Leopold1975/banners_resolver/internal/banners/repository/userrepo/memory"
	ur "github.com/Leopold1975/banners_resolver/internal/banners/repository/userrepo/postgres"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/authservice"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/bannerservice"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/resolver"
	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
	"github.com/Leopold1975/banners_resolver/internal/pkg/metrics"
	"github.com/Leopold1975/banners_resolver/internal/pkg/pgtools"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type Server interface {
	Start(context.Context) error
	Shutdown(context.Context) error
}

type bannerStore interface {
	bannerservice.Repository
	resolver.Store
	bannerindex.Lister
}

type BannersApp struct {
	s         Server
	scheduler gocron.Scheduler
	bridge    *bridge.Bridge
	rdb       *redis.Client
	bs        *bannerservice.BannerService
	lg        logger.Logger
	cfg       config.Config
}

func New(ctx context.Context, cfg config.Config) (BannersApp, error) {
	lg, err := logger.New(cfg.Logger)
	if err != nil {
		return BannersApp{}, fmt.Errorf("can't get logger error: %w", err)
	}

	ba := BannersApp{
		lg:  lg,
		cfg: cfg,
	}

	if err := ba.init(ctx); err != nil {
		ba.release(ctx)

		return BannersApp{}, err
	}

	return ba, nil
}

func (ba *BannersApp) init(ctx context.Context) error { //nolint:funlen
	cfg := ba.cfg
	feed := changefeed.New(uuid.NewString())

	bannerRepo, userRepo, err := ba.stores(ctx, feed)
	if err != nil {
		return err
	}

	ba.bs = bannerservice.New(bannerRepo, cfg.List, ba.lg)

	index := bannerindex.New(bannerindex.DefaultShards)
	feed.Subscribe("index", index.Handle)

	if err := index.Load(ctx, bannerRepo); err != nil {
		return fmt.Errorf("load banner index error: %w", err)
	}

	ba.lg.Infof("banner index loaded with %d pairs", index.Len())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})) //nolint:exhaustruct

	opts := []bannercache.Option{
		bannercache.WithShards(cfg.Cache.Shards),
		bannercache.WithFetchTimeout(cfg.Cache.FetchTimeout),
		bannercache.WithRegisterer(reg),
		bannercache.WithLogger(ba.lg),
	}

	if cfg.Cache.Remote || cfg.Notify.Enabled {
		ba.rdb, err = cacheredis.Connect(ctx, cfg.RedisCache)
		if err != nil {
			return fmt.Errorf("redis initializing error: %w", err)
		}
	}

	if cfg.Cache.Remote {
		opts = append(opts, bannercache.WithRemote(cacheredis.New(ba.rdb, cfg.RedisCache.ExpTime)))
	}

	cache, err := bannercache.New(cfg.Cache.Capacity, opts...)
	if err != nil {
		return fmt.Errorf("banner cache initializing error: %w", err)
	}

	feed.Subscribe("cache", cache.Handle)

	if cfg.Notify.Enabled {
		ba.bridge = bridge.New(ba.rdb, feed, cfg.Notify.Channel, ba.lg)

		if err := ba.bridge.Start(ctx); err != nil {
			return fmt.Errorf("change feed bridge error: %w", err)
		}
	}

	rs := resolver.New(index, bannerRepo, cache, cfg.Cache.TTL, ba.lg)
	as := authservice.New(userRepo, cfg.Auth)

	m, err := metrics.NewHTTP(reg)
	if err != nil {
		return fmt.Errorf("http metrics error: %w", err)
	}

	ba.s = server.New(cfg.Server, rs, ba.bs, as, m, reg, ba.lg)

	ba.scheduler, err = newScheduler(ctx, ba.lg,
		purgeJob(cfg.Jobs.PurgeInterval, ba.bs, ba.lg),
		reconcileJob(cfg.Jobs.ReconcileInterval, index, bannerRepo),
	)
	if err != nil {
		return fmt.Errorf("scheduler initializing error: %w", err)
	}

	return nil
}

func (ba *BannersApp) stores(ctx context.Context, feed *changefeed.Feed) (bannerStore, authservice.Repository, error) {
	if ba.cfg.Storage.Driver == config.StorageMemory {
		ba.lg.Info("using in-memory storage")

		return bm.New(feed), um.New(), nil
	}

	db, err := pgtools.Connect(ctx, pgtools.ConnString(ba.cfg.PostgresDB))
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connect error: %w", err)
	}

	if err := pgtools.ApplyMigration(ba.cfg.PostgresDB); err != nil {
		db.Close()

		return nil, nil, fmt.Errorf("apply migration error: %w", err)
	}

	return br.New(db, feed), ur.New(db), nil
}

func (ba *BannersApp) Run(ctx context.Context) error {
	ba.lg.Infof("STARTED SERVER ON %s", ba.cfg.Server.Addr)

	ba.scheduler.Start()

	err := ba.s.Start(ctx)
	if err != nil {
		ba.lg.Errorf("server start error: %s", err.Error())
	}

	ctxS, cancel := context.WithTimeout(context.Background(), time.Second*5) //nolint:gomnd
	defer cancel()

	if errS := ba.Stop(ctxS); errS != nil { //nolint:contextcheck
		ba.lg.Errorf("shutdown error: %s", errS.Error())
	}

	return err
}

func (ba *BannersApp) Stop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ba.s.Shutdown(gctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		if err := ba.scheduler.Shutdown(); err != nil {
			return fmt.Errorf("scheduler shutdown error: %w", err)
		}

		return nil
	})

	err := g.Wait()

	ba.release(ctx)

	if err == nil {
		ba.lg.Info("Shutdowned successfully")
	}

	return err //nolint:wrapcheck
}

// release closes whatever init managed to open.
func (ba *BannersApp) release(ctx context.Context) {
	if ba.bridge != nil {
		if err := ba.bridge.Close(); err != nil {
			ba.lg.Errorf("bridge close error: %s", err)
		}
	}

	if ba.bs != nil {
		if err := ba.bs.Shutdown(ctx); err != nil {
			ba.lg.Errorf("banner service shutdown error: %s", err)
		}
	}

	if ba.rdb != nil {
		if err := ba.rdb.Close(); err != nil {
			ba.lg.Errorf("redis close error: %s", err)
		}
	}

	ba.lg.Sync() //nolint:errcheck
}
