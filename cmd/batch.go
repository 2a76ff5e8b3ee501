package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vidbatch/internal/app"
	"vidbatch/internal/config"
	"vidbatch/internal/logger"
)

func batchCmd() *cobra.Command {
	var numbers []string

	var command = &cobra.Command{
		Use:   "batch",
		Short: "Run a video batch in the foreground",
		Long:  "Runs every eligible video task (or only --numbers) and prints the batch result as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger.Setup(cfg.Log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := app.New(cfg).Orchestrator.StartBatch(ctx, numbers)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
			return err
		},
	}

	command.Flags().StringSliceVarP(&numbers, "numbers", "n", nil, "Task numbers to run (default: all eligible)")
	return command
}
