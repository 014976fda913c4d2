package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// storyCleaner is the part of the row store the cleanup job needs
type storyCleaner interface {
	DeleteExpiredStories(ctx context.Context, now time.Time) (int64, error)
}

// startJobs schedules the expired story cleanup every interval
func startJobs(ctx context.Context, cleaner storyCleaner, interval time.Duration, log *slog.Logger) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create job scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { cleanupStories(ctx, cleaner, log) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("failed to schedule story cleanup: %w", err)
	}

	scheduler.Start()
	log.Info("story cleanup scheduled", "interval", interval)
	return scheduler, nil
}

func cleanupStories(ctx context.Context, cleaner storyCleaner, log *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := cleaner.DeleteExpiredStories(jobCtx, time.Now().UTC())
	if err != nil {
		log.Error("story cleanup failed", "error", err)
		return
	}
	if n > 0 {
		log.Info("expired stories removed", "count", n)
	}
}
