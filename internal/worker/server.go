package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"vidbatch/internal/app"
	"vidbatch/internal/config"
	"vidbatch/internal/infra/redisq"
	"vidbatch/internal/logger"
	"vidbatch/internal/usecase"
)

var ErrRedisNotConfigured = errors.New("worker needs Redis_Address to be configured")

type Config struct {
	ConsumerName string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func Run(cfg Config) error {
	appCfg := config.Load()
	logger.Setup(appCfg.Log)
	if !appCfg.Redis.Enabled() {
		return ErrRedisNotConfigured
	}

	cli := redisq.New(appCfg.Redis)
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Init(ctx); err != nil {
		return err
	}

	// Run scheduler
	sched := redisq.NewScheduler(cli, 1*time.Second)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Ctx(ctx).Error().Err(err).Msg("scheduler stopped with error")
		}
	}()

	consumer := usecase.Consumer{
		Q:            cli,
		Runner:       app.New(appCfg).Orchestrator,
		ConsumerName: cfg.ConsumerName,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}

	log.Info().Str("consumer", cfg.ConsumerName).Str("stream", appCfg.Redis.StreamKey).Msg("worker started")
	err := consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}
