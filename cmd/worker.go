package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"vidbatch/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		baseBackoff  time.Duration
		maxBackoff   time.Duration
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Run queued video batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return worker.Run(worker.Config{
				ConsumerName: consumerName,
				BaseBackoff:  baseBackoff,
				MaxBackoff:   maxBackoff,
			})
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 5*time.Second, "Base backoff between batch retries")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 5*time.Minute, "Max backoff between batch retries")

	return command
}
