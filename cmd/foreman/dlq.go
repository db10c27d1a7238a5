package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashstack/foreman/pkg/dlq"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/transport"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered events",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the dead-letter queue breakdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := dlq.NewService(store, nil).Stats(context.Background(), dlqFilterFlags(cmd))
		if err != nil {
			return err
		}

		fmt.Printf("Total:      %d\n", stats.Total)
		fmt.Printf("Unreplayed: %d\n", stats.Unreplayed)
		if len(stats.ByConsumer) > 0 {
			fmt.Println("\nBy consumer:")
			for name, count := range stats.ByConsumer {
				fmt.Printf("  %-24s %d\n", name, count)
			}
		}
		if len(stats.ByKind) > 0 {
			fmt.Println("\nBy event kind:")
			for kind, count := range stats.ByKind {
				fmt.Printf("  %-24s %d\n", kind, count)
			}
		}
		return nil
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := dlq.NewService(store, nil).List(context.Background(), dlqFilterFlags(cmd), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No matching dead-letter entries.")
			return nil
		}

		for _, e := range entries {
			marker := " "
			if e.Replayed {
				marker = "R"
			}
			fmt.Printf("%s %-36s %-16s %-20s retries=%d  %s: %s\n",
				marker, e.EventID, e.ConsumerName, e.EventKind, e.RetryCount, e.ErrorKind, e.ErrorDetail)
		}
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-publish dead-lettered events to their original topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		limit, _ := cmd.Flags().GetInt("limit")

		var bus transport.Transport
		if !dryRun {
			if len(cfg.KafkaBrokers) == 0 {
				return fmt.Errorf("replay requires KAFKA_BROKERS (use --dry-run to preview)")
			}
			kafka, err := transport.NewKafka(cfg.KafkaBrokers)
			if err != nil {
				return fmt.Errorf("connect kafka: %w", err)
			}
			defer kafka.Close()
			bus = kafka
		}

		report, err := dlq.NewService(store, bus).Replay(context.Background(), dlqFilterFlags(cmd), limit, dryRun)
		if err != nil {
			return err
		}
		if dryRun {
			fmt.Printf("Would replay %d entries:\n", report.Matched)
			for _, id := range report.EventIDs {
				fmt.Printf("  %s\n", id)
			}
			return nil
		}
		fmt.Printf("✓ Replayed %d/%d entries\n", report.Replayed, report.Matched)
		return nil
	},
}

func dlqFilterFlags(cmd *cobra.Command) storage.DLQFilter {
	consumer, _ := cmd.Flags().GetString("consumer")
	kind, _ := cmd.Flags().GetString("kind")
	tenant, _ := cmd.Flags().GetString("tenant")
	unreplayed, _ := cmd.Flags().GetBool("unreplayed")
	return storage.DLQFilter{
		ConsumerName: consumer,
		EventKind:    kind,
		TenantID:     tenant,
		Unreplayed:   unreplayed,
	}
}

func init() {
	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	for _, sub := range []*cobra.Command{dlqStatsCmd, dlqListCmd, dlqReplayCmd} {
		sub.Flags().String("consumer", "", "Filter by consumer name")
		sub.Flags().String("kind", "", "Filter by event kind")
		sub.Flags().String("tenant", "", "Filter by tenant id")
	}
	dlqStatsCmd.Flags().Bool("unreplayed", false, "Count only unreplayed entries")
	dlqListCmd.Flags().Bool("unreplayed", false, "List only unreplayed entries")
	dlqListCmd.Flags().Int("limit", 100, "Maximum entries to list")
	dlqReplayCmd.Flags().Int("limit", 100, "Maximum entries to replay")
	dlqReplayCmd.Flags().Bool("dry-run", false, "Show what would be replayed without publishing")
}
