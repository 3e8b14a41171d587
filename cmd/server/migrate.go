package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"flowqueue/backend/internal/repository"
)

func migrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("db", "", "Database URL (default built from the db config section)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.migrate(cmd, func(m *migrate.Migrate) error { return m.Up() })
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			return a.migrate(cmd, func(m *migrate.Migrate) error {
				if steps > 0 {
					return m.Steps(-steps)
				}
				return m.Down()
			})
		},
	}
	down.Flags().Int("steps", 1, "Number of migrations to roll back (0 rolls back everything)")

	cmd.AddCommand(up, down)
	return cmd
}

func (a *app) migrate(cmd *cobra.Command, run func(*migrate.Migrate) error) error {
	dbURL, _ := cmd.Flags().GetString("db")
	if dbURL == "" {
		dbURL = a.cfg.MigrationURL()
	}
	m, err := repository.NewMigrator(dbURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := run(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	a.log.Info("Migrations applied", "version", v, "dirty", dirty)
	return nil
}
