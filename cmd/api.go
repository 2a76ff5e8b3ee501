package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vidbatch/internal/api"
	"vidbatch/internal/app"
	"vidbatch/internal/config"
	"vidbatch/internal/infra/redisq"
	"vidbatch/internal/logger"
	"vidbatch/internal/usecase"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			logger.Setup(cfg.Log)

			a := app.New(cfg)
			deps := api.Deps{
				Docs:      a.Docs,
				Tasks:     a.Tasks,
				Runner:    a.Orchestrator,
				PublicDir: cfg.Store.PublicDir,
			}

			if cfg.Redis.Enabled() {
				cli := redisq.New(cfg.Redis)
				defer cli.Close()

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := cli.Connect(ctx)
				cancel()
				if err != nil {
					log.Fatal().Err(err).Msg("redis unavailable")
				}
				log.Info().Msgf("API server using stream: %s, group: %s", cfg.Redis.StreamKey, cfg.Redis.Group)
				deps.Queue = cli
				deps.Enqueuer = &usecase.Enqueuer{Q: cli}
			} else {
				log.Info().Msg("Redis_Address not set, asynchronous batches disabled")
			}

			api.NewServer(deps).Run(port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
