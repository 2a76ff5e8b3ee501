package redisq

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"vidbatch/internal/domain"
	"vidbatch/internal/ports"
)

var _ ports.Scheduler = (*Scheduler)(nil)

type Scheduler struct {
	C        *Client
	Interval time.Duration
}

func NewScheduler(c *Client, interval time.Duration) *Scheduler {
	return &Scheduler{C: c, Interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if err := s.moveDue(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("moving due batches failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) moveDue(ctx context.Context) error {
	now := nowMs()
	ids, err := s.C.Rdb.ZRangeByScore(ctx, s.C.Cfg.ScheduledZSet, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmtFloat(now),
		Offset: 0,
		Count:  128,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		j, err := s.C.Get(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			_ = s.C.Rdb.ZRem(ctx, s.C.Cfg.ScheduledZSet, id).Err()
			continue
		}

		j.Status = domain.StatusQueued
		if err := s.C.add(ctx, s.C.Cfg.StreamKey, *j); err != nil {
			return err
		}
		_ = s.C.SaveState(ctx, *j)
		_ = s.C.Rdb.ZRem(ctx, s.C.Cfg.ScheduledZSet, id).Err()
		log.Ctx(ctx).Info().Str("batch", id).Msg("delayed batch queued")
	}
	return nil
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
