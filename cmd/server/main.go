package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowqueue/backend/internal/config"
	"flowqueue/backend/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "flowqueue",
		Short:         "Distributed workflow run execution",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().String("env", "", "Path to .env file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd(a), workerCmd(a), migrateCmd(a))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	envFile, err := cmd.Flags().GetString("env")
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	a.cfg = cfg
	a.log = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	a.log.Info("Configuration loaded",
		"config_file", viper.ConfigFileUsed(),
		"db_host", cfg.DB.Host,
		"db_name", cfg.DB.Name,
		"queue", cfg.Worker.QueueName,
		"version", version,
	)
	return nil
}
