package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"vidbatch/internal/domain"
	"vidbatch/internal/ports"
	"vidbatch/pkg/backoff"
)

type BatchRunner interface {
	StartBatch(ctx context.Context, numbers []string) (domain.BatchResult, error)
}

type Consumer struct {
	Q            ports.Queue
	Runner       BatchRunner
	ConsumerName string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		j, id, err := c.Q.Claim(ctx, c.ConsumerName, 5*time.Second)
		if err != nil {
			if ctx.Err() == nil {
				log.Ctx(ctx).Error().Err(err).Msg("claim batch failed")
				_ = sleep(ctx, c.BaseBackoff)
			}
			continue
		}
		if j == nil {
			continue
		}

		c.handle(ctx, j, id)
	}
}

func (c Consumer) handle(ctx context.Context, j *domain.BatchJob, id string) {
	logger := log.Ctx(ctx).With().Str("batch", j.ID).Int("attempt", j.Attempts+1).Logger()
	ctx = logger.WithContext(ctx)

	j.Status = domain.StatusRunning
	logErr(ctx, c.Q.SaveState(ctx, *j), "save batch state")

	res, err := c.Runner.StartBatch(ctx, j.Numbers)
	if err == nil {
		if err := c.Q.Ack(ctx, id); err != nil {
			logger.Error().Err(err).Msg("ack batch")
		}
		j.Status = domain.StatusDone
		j.Message = res.Message
		logErr(ctx, c.Q.SaveState(ctx, *j), "save batch state")
		logger.Info().Msg(res.Message)
		return
	}

	// shutting down: the entry stays pending and Claim hands it back to this
	// consumer after a restart
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		j.Status = domain.StatusQueued
		j.Message = "interrupted by worker shutdown, resumes when " + c.ConsumerName + " restarts"
		logErr(ctx, c.Q.SaveState(context.WithoutCancel(ctx), *j), "save batch state")
		logger.Warn().Msg(j.Message)
		return
	}

	logger.Error().Err(err).Msg("batch failed")
	if j.Attempts+1 >= j.MaxAttempts {
		logErr(ctx, c.Q.ToDLQ(ctx, id, *j, err.Error()), "move batch to dead letter stream")
		return
	}

	delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, j.Attempts+1)
	j.NextRunAt = time.Now().Add(delay)
	logErr(ctx, c.Q.Fail(ctx, id, *j, err), "record batch failure")
	j.Attempts++
	j.Message = err.Error()

	// re-insert as delayed before acking so a failed re-enqueue leaves the
	// entry pending instead of dropping the batch
	if _, err := c.Q.EnqueueDelayed(ctx, *j, j.NextRunAt); err != nil {
		logger.Error().Err(err).Msg("re-enqueue batch, leaving it pending")
		_ = sleep(ctx, c.BaseBackoff)
		return
	}
	if err := c.Q.Ack(ctx, id); err != nil {
		logger.Error().Err(err).Msg("ack batch")
	}
}

func logErr(ctx context.Context, err error, msg string) {
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg(msg)
	}
}
