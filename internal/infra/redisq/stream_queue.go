package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"vidbatch/internal/domain"
	"vidbatch/internal/ports"
)

var _ ports.Queue = (*Client)(nil)

func (c *Client) Enqueue(ctx context.Context, j domain.BatchJob) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = domain.StatusQueued
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if err := c.SaveState(ctx, j); err != nil {
		return "", err
	}
	if err := c.add(ctx, c.Cfg.StreamKey, j); err != nil {
		return "", err
	}
	return j.ID, nil
}

func (c *Client) EnqueueDelayed(ctx context.Context, j domain.BatchJob, runAt time.Time) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	j.Status = domain.StatusDelayed
	j.NextRunAt = runAt
	if err := c.SaveState(ctx, j); err != nil {
		return "", err
	}
	score := float64(runAt.UnixMilli())
	if err := c.Rdb.ZAdd(ctx, c.Cfg.ScheduledZSet, redis.Z{Score: score,
		Member: j.ID}).Err(); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Claim returns the next batch for consumer. Entries the consumer read but
// never acked, e.g. before a restart, are handed out again before new ones.
func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.BatchJob, string, error) {
	j, id, err := c.read(ctx, consumer, "0", -1)
	if err != nil || j != nil {
		return j, id, err
	}
	return c.read(ctx, consumer, ">", block)
}

// read reads one entry for consumer starting at id. For any id other than
// ">" Redis serves the consumer's pending entries and never blocks.
func (c *Client) read(ctx context.Context, consumer, id string, block time.Duration) (*domain.BatchJob, string, error) {
	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, id},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, "", nil
	}

	msg := res[0].Messages[0]
	j, err := decodeJob(msg.Values["batch"])
	if err != nil {
		// unreadable entries would be redelivered forever
		if aerr := c.Ack(ctx, msg.ID); aerr != nil {
			log.Ctx(ctx).Error().Err(aerr).Str("entry", msg.ID).Msg("ack unreadable batch entry")
		}
		return nil, "", fmt.Errorf("decode batch entry %s: %w", msg.ID, err)
	}
	return j, msg.ID, nil
}

func (c *Client) Ack(ctx context.Context, streamID string) error {
	return c.Rdb.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID).Err()
}

func (c *Client) Fail(ctx context.Context, streamID string, j domain.BatchJob, err error) error {
	j.Attempts++
	j.Message = err.Error()
	return c.SaveState(ctx, j)
}

func (c *Client) ToDLQ(ctx context.Context, streamID string, j domain.BatchJob, reason string) error {
	b, _ := json.Marshal(struct {
		domain.BatchJob
		Reason string `json:"reason"`
	}{j, reason})
	if err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.DLQStreamKey,
		Values: map[string]interface{}{"batch": b},
	}).Err(); err != nil {
		return err
	}

	_ = c.Rdb.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID).Err()
	j.Status = domain.StatusFailed
	j.Message = reason
	return c.SaveState(ctx, j)
}

func (c *Client) SaveState(ctx context.Context, j domain.BatchJob) error {
	return c.Rdb.HSet(ctx, batchKey(j.ID), stateFields(j)).Err()
}

func (c *Client) Get(ctx context.Context, id string) (*domain.BatchJob, error) {
	h, err := c.Rdb.HGetAll(ctx, batchKey(id)).Result()
	if err != nil || len(h) == 0 {
		return nil, err
	}
	return parseState(id, h)
}

func (c *Client) add(ctx context.Context, stream string, j domain.BatchJob) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", j.ID, err)
	}
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"batch": b},
	}).Err()
}

func stateFields(j domain.BatchJob) map[string]any {
	numbers, _ := json.Marshal(j.Numbers)
	return map[string]any{
		"status":       string(j.Status),
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"numbers":      string(numbers),
		"message":      j.Message,
		"created_at":   j.CreatedAt.UnixMilli(),
		"next_run_at":  j.NextRunAt.UnixMilli(),
	}
}

func parseState(id string, h map[string]string) (*domain.BatchJob, error) {
	j := &domain.BatchJob{
		ID:      id,
		Status:  domain.BatchStatus(h["status"]),
		Message: h["message"],
	}
	j.Attempts, _ = strconv.Atoi(h["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(h["max_attempts"])
	if ms, err := strconv.ParseInt(h["created_at"], 10, 64); err == nil {
		j.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(h["next_run_at"], 10, 64); err == nil {
		j.NextRunAt = time.UnixMilli(ms)
	}
	if raw := h["numbers"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &j.Numbers); err != nil {
			return nil, fmt.Errorf("decode numbers of batch %s: %w", id, err)
		}
	}
	return j, nil
}

func decodeJob(raw any) (*domain.BatchJob, error) {
	var j domain.BatchJob
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &j); err != nil {
			return nil, err
		}
	case []byte:
		if err := json.Unmarshal(v, &j); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected batch type: %T", v)
	}
	return &j, nil
}
