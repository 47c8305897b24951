package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerindex"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
	"github.com/go-co-op/gocron/v2"
)

const jobTimeout = time.Minute

type job struct {
	name  string
	every time.Duration
	run   func(context.Context) error
}

type purger interface {
	PurgeDeleted(ctx context.Context) (int64, error)
}

func purgeJob(every time.Duration, p purger, lg logger.Logger) job {
	return job{
		name:  "purge deleted banners",
		every: every,
		run: func(ctx context.Context) error {
			n, err := p.PurgeDeleted(ctx)
			if err != nil {
				return fmt.Errorf("purge deleted error: %w", err)
			}

			if n > 0 {
				lg.Infof("%d deleted banners purged", n)
			}

			return nil
		},
	}
}

// reconcileJob rebuilds the index from the store so notifications lost by
// another replica are eventually repaired.
func reconcileJob(every time.Duration, idx *bannerindex.Index, l bannerindex.Lister) job {
	return job{
		name:  "reconcile index",
		every: every,
		run: func(ctx context.Context) error {
			if err := idx.Reconcile(ctx, l); err != nil {
				return fmt.Errorf("reconcile index error: %w", err)
			}

			return nil
		},
	}
}

// newScheduler registers jobs with a non positive interval skipped. Runs of
// the same job never overlap.
func newScheduler(ctx context.Context, lg logger.Logger, jobs ...job) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new scheduler error: %w", err)
	}

	for _, j := range jobs {
		j := j

		if j.every <= 0 {
			continue
		}

		_, err := s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() {
				ctxJ, cancel := context.WithTimeout(ctx, jobTimeout)
				defer cancel()

				if err := j.run(ctxJ); err != nil {
					lg.Errorf("job %q error: %s", j.name, err)
				}
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			s.Shutdown() //nolint:errcheck

			return nil, fmt.Errorf("setup job %q error: %w", j.name, err)
		}
	}

	return s, nil
}
