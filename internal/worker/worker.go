package worker

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/relay-access/internal/service"
	"github.com/spec-kit/relay-access/internal/status"
)

// Task is a long running background job.
type Task func(ctx context.Context) error

// NotificationWorker registers notification handlers and returns the task
// that delivers their webhooks.
func NotificationWorker(notificationService *service.NotificationService) Task {
	if notificationService == nil {
		return nil
	}
	notificationService.RegisterHandlers()
	return notificationService.Run
}

// StatusRefresher keeps the relay status cache warm.
func StatusRefresher(statusService *status.Service) Task {
	if statusService == nil {
		return nil
	}
	return statusService.Run
}

// Run starts every non-nil task and blocks until all of them return. The
// first failure cancels the others.
func Run(ctx context.Context, logger *zap.Logger, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for _, task := range tasks {
		if task == nil {
			continue
		}
		task := task
		started++
		g.Go(func() error {
			return task(gctx)
		})
	}
	logger.Info("background workers started", zap.Int("count", started))
	return g.Wait()
}
