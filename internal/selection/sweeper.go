package selection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Sweepable deletes expired selections. Only the Postgres tier needs it; Redis expires keys itself.
type Sweepable interface {
	Sweep(ctx context.Context) (int64, error)
}

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	sched gocron.Scheduler
}

func StartSweeper(target Sweepable, interval, timeout time.Duration, log *slog.Logger) (*Sweeper, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) {
			_, _ = RunSweep(ctx, target, timeout, log)
		}),
		gocron.WithName("selection-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	sched.Start()
	return &Sweeper{sched: sched}, nil
}

func (s *Sweeper) Stop() error {
	return s.sched.Shutdown()
}

// RunSweep performs one bounded pass and logs the outcome.
func RunSweep(ctx context.Context, target Sweepable, timeout time.Duration, log *slog.Logger) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := target.Sweep(ctx)
	if err != nil {
		log.Error("selection sweep failed", "err", err, "duration", time.Since(start))
		return 0, err
	}
	if n > 0 {
		log.Info("selection sweep", "deleted", n, "duration", time.Since(start))
	}
	return n, nil
}
