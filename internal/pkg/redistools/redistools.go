package redistools

import (
	"context"
	"fmt"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
	"github.com/redis/go-redis/v9"
)

const maxPingDelay = 10 * time.Second

func NewClient(cfg config.RedisCache) *redis.Client {
	return redis.NewClient(&redis.Options{ //nolint:exhaustruct
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Connect pings rdb until it answers, backing off one more second after each
// failure. It gives up once the delay exceeds maxPingDelay.
func Connect(ctx context.Context, rdb *redis.Client) error {
	delay := time.Second

	for {
		err := rdb.Ping(ctx).Err()
		if err == nil {
			return nil
		}

		if delay > maxPingDelay {
			return fmt.Errorf("cannot ping redis db error: %w", err)
		}

		t := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			t.Stop()

			return fmt.Errorf("context error: %w", ctx.Err())
		case <-t.C:
		}

		delay += time.Second
	}
}
