package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"flowqueue/backend/internal/config"
	"flowqueue/backend/internal/logging"
	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/repository"
	"flowqueue/backend/internal/services"
)

// defaultOrganization owns the seeded workflows unless --org is given.
const defaultOrganization = "00000000-0000-4000-8000-000000000001"

func main() {
	rootCmd := &cobra.Command{
		Use:          "seed",
		Short:        "Seed demo workflows",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.Flags().String("env", "", "Path to .env file")
	rootCmd.Flags().String("org", defaultOrganization, "Organization UUID owning the demo workflows")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	envFile, _ := cmd.Flags().GetString("env")
	orgFlag, _ := cmd.Flags().GetString("org")
	org, err := uuid.Parse(orgFlag)
	if err != nil {
		return fmt.Errorf("invalid --org: %w", err)
	}

	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	svc := services.NewWorkflowService(store, nodes.NewDefaultRegistry(), nil)

	existing, err := svc.List(ctx, &org)
	if err != nil {
		return fmt.Errorf("failed to list existing workflows: %w", err)
	}
	existingMap := make(map[string]bool)
	for _, w := range existing {
		existingMap[w.Name] = true
	}

	for _, wf := range demoWorkflows(org) {
		if existingMap[wf.Name] {
			logger.Info("Skipping existing workflow", "name", wf.Name)
			continue
		}
		if err := svc.Save(ctx, wf); err != nil {
			logger.Error("Failed to create workflow", "name", wf.Name, "error", err)
			continue
		}
		logger.Info("Seeded workflow", "name", wf.Name, "id", wf.ID, "status", string(wf.Status))
	}
	logger.Info("Seeding complete!")
	return nil
}
