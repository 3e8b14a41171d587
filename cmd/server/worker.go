package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func workerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute node messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			concurrency, _ := cmd.Flags().GetInt("concurrency")
			if concurrency <= 0 {
				concurrency = a.cfg.Worker.Concurrency
			}
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name, _ = os.Hostname()
			}

			c, err := a.build(ctx, false)
			if err != nil {
				return err
			}
			defer c.close()

			a.log.Info("Worker pool starting", "name", name, "concurrency", concurrency, "queue", a.cfg.Worker.QueueName)
			if err := a.workerPool(c, name, concurrency).Run(ctx); err != nil {
				return err
			}
			a.log.Info("Worker pool stopped")
			return nil
		},
	}
	cmd.Flags().Int("concurrency", 0, "Number of worker loops (default worker.concurrency)")
	cmd.Flags().String("name", "", "Prefix of the worker ids in logs (default hostname)")
	return cmd
}
