package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hashstack/foreman/pkg/config"
	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - mining fleet telemetry and control plane",
	Long: `Foreman collects miner telemetry from on-site edge collectors,
publishes fleet events through a transactional outbox, and dispatches
signed control commands back to the edge.

One binary runs the cloud control plane, the edge agent, and the
operational tooling around the event pipeline.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(auditCmd)
}

// loadConfig reads .env when present, then the environment
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

// openStore loads configuration and opens the database
func openStore() (*storage.SQLStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return store, cfg, nil
}
