package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hashstack/foreman/pkg/edge"
	"github.com/hashstack/foreman/pkg/log"
)

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Run the on-site edge agent",
	Long: `Run the edge agent on a site host: poll the configured miners
over the CGMiner API, upload telemetry to the control plane, and
execute signed commands. Configuration comes from a YAML file listing
the site's miners and credentials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		logLevel, _ := cmd.Flags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: false})

		cfg, err := edge.LoadConfig(configPath)
		if err != nil {
			return err
		}

		agent, err := edge.NewAgent(cfg)
		if err != nil {
			return err
		}
		agent.Start()
		fmt.Printf("✓ Edge agent started: site %s, %d miners, poll every %s\n",
			cfg.SiteID, len(cfg.Miners), cfg.PollInterval())
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		agent.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	edgeCmd.Flags().String("config", "edge.yaml", "Path to the agent configuration file")
	edgeCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}
