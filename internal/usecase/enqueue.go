package usecase

import (
	"context"
	"time"

	"vidbatch/internal/domain"
	"vidbatch/internal/ports"
)

const defaultBatchAttempts = 3

// Enqueuer hands batches to the worker through the queue.
type Enqueuer struct {
	Q ports.Queue
}

func (e Enqueuer) Now(ctx context.Context, j domain.BatchJob) (string, error) {
	if j.MaxAttempts == 0 {
		j.MaxAttempts = defaultBatchAttempts
	}
	return e.Q.Enqueue(ctx, j)
}

func (e Enqueuer) At(ctx context.Context, j domain.BatchJob, runAt time.Time) (string, error) {
	if j.MaxAttempts == 0 {
		j.MaxAttempts = defaultBatchAttempts
	}
	return e.Q.EnqueueDelayed(ctx, j, runAt)
}
