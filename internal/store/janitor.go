package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Janitor periodically deletes expired pending rows on a cron schedule.
// Descriptors such as "@every 1h" are accepted alongside five-field
// expressions.
type Janitor struct {
	store    *Store
	schedule cron.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor parses the schedule and returns a stopped janitor.
func NewJanitor(s *Store, scheduleExpr string, logger *slog.Logger) (*Janitor, error) {
	schedule, err := cronParser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", scheduleExpr, err)
	}
	return &Janitor{store: s, schedule: schedule, logger: logger}, nil
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		j.sweep(ctx)
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	stale, err := j.store.CleanupStale(ctx)
	if err != nil {
		j.logger.Error("stale pending cleanup failed", "error", err)
		return
	}
	if len(stale) > 0 {
		j.logger.Info("removed stale pending requests", "count", len(stale))
	}
}
