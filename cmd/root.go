package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/store"
)

var (
	// Repo is the reference store shared by subcommands
	Repo store.Repository
	// Cfg is the loaded configuration (defaults < YAML < environment < flags)
	Cfg *config.Config

	configPath string
	dbURL      string
	sqlitePath string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facegate",
	Short:   "Face enrollment and verification gate",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; the environment may already be set.
		_ = godotenv.Load()

		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}
		if sqlitePath != "" {
			Cfg.Database.SQLitePath = sqlitePath
		}

		Repo, err = store.Open(cmd.Context(), Cfg.Database.URL, Cfg.Database.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open reference store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Repo != nil {
			Repo.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: SQLite file)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "SQLite database path when no PostgreSQL URL is set")
}
