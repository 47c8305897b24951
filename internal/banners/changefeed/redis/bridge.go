package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/changefeed"
	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const publishTimeout = time.Second

// Bridge mirrors a local change feed over a Redis pub/sub channel so every
// replica invalidates its index and cache on writes made elsewhere.
type Bridge struct {
	rdb     *redis.Client
	feed    *changefeed.Feed
	channel string
	lg      logger.Logger

	ps   *redis.PubSub
	wg   sync.WaitGroup
	once sync.Once
}

func New(rdb *redis.Client, feed *changefeed.Feed, channel string, lg logger.Logger) *Bridge {
	return &Bridge{
		rdb:     rdb,
		feed:    feed,
		channel: channel,
		lg:      lg,
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	ps := b.rdb.Subscribe(ctx, b.channel)

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()

		return fmt.Errorf("subscribe %s error: %w", b.channel, err)
	}

	b.ps = ps
	b.feed.Subscribe("redis-bridge", b.forward)

	b.wg.Add(1)

	go b.listen(ctx, ps.Channel())

	return nil
}

func (b *Bridge) forward(ctx context.Context, c models.Change) {
	if c.Origin != b.feed.Origin() {
		return
	}

	payload, err := json.Marshal(c)
	if err != nil {
		b.lg.Errorf("marshal change of banner %d error: %s", c.BannerID, err)

		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.lg.Errorf("publish change of banner %d error: %s", c.BannerID, err)
	}
}

func (b *Bridge) listen(ctx context.Context, msgs <-chan *redis.Message) {
	defer b.wg.Done()

	for msg := range msgs {
		var c models.Change

		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			b.lg.Warnf("skip malformed change %q: %s", msg.Payload, err)

			continue
		}

		if c.Origin == b.feed.Origin() {
			continue
		}

		b.feed.Publish(ctx, c)
	}
}

func (b *Bridge) Close() error {
	var err error

	b.once.Do(func() {
		if b.ps != nil {
			err = b.ps.Close()
		}

		b.wg.Wait()
	})

	if err != nil {
		return fmt.Errorf("close pubsub error: %w", err)
	}

	return nil
}
