package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hashstack/foreman/pkg/api"
	"github.com/hashstack/foreman/pkg/audit"
	"github.com/hashstack/foreman/pkg/cdc"
	"github.com/hashstack/foreman/pkg/command"
	"github.com/hashstack/foreman/pkg/consumer"
	"github.com/hashstack/foreman/pkg/dlq"
	"github.com/hashstack/foreman/pkg/ingest"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/security"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the control-plane process: the HTTP API, the outbox
publisher, the event consumers, the command sweeper, and the retention
pruner, all in one process. With KAFKA_BROKERS set, events flow over
Kafka; otherwise an in-process transport serves single-node
deployments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required")
		}
		secrets, err := security.NewSecretsManagerFromPassword(cfg.SessionSecret)
		if err != nil {
			return fmt.Errorf("init secrets: %w", err)
		}

		// Transport
		var bus transport.Transport
		if len(cfg.KafkaBrokers) > 0 {
			kafka, err := transport.NewKafka(cfg.KafkaBrokers)
			if err != nil {
				return fmt.Errorf("connect kafka: %w", err)
			}
			bus = kafka
			fmt.Printf("✓ Kafka transport (%d brokers)\n", len(cfg.KafkaBrokers))
		} else {
			bus = transport.NewInMem()
			fmt.Println("✓ In-memory transport")
		}
		defer bus.Close()

		// Rate limiter
		var limiter ingest.Limiter
		if cfg.RedisURL != "" {
			redisOpts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse REDIS_URL: %w", err)
			}
			limiter = ingest.NewRedisLimiter(redis.NewClient(redisOpts), cfg.MaxRequestRate)
			fmt.Println("✓ Redis rate limiter")
		} else {
			limiter = ingest.NewMemoryLimiter(cfg.MaxRequestRate)
			fmt.Println("✓ In-memory rate limiter")
		}

		// Pipeline components
		publisher := cdc.NewPublisher(store, bus, cdc.Options{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatch,
		})
		publisher.Start()
		defer publisher.Stop()
		fmt.Println("✓ Outbox publisher started")

		portfolio, err := consumer.NewRuntime(store, bus, consumer.Options{
			Name:        consumer.PortfolioConsumer,
			Topics:      []string{"events.miner"},
			Workers:     cfg.ConsumerWorkers,
			MaxRetries:  cfg.ConsumerMaxRetries,
			BackoffBase: cfg.ConsumerBackoffBase,
		})
		if err != nil {
			return fmt.Errorf("init consumer: %w", err)
		}
		consumer.RegisterPortfolioHandlers(portfolio, store)
		if err := portfolio.Start(); err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
		defer portfolio.Stop()
		fmt.Println("✓ Portfolio consumer started")

		auditor := audit.NewRecorder(store)
		commands := command.NewService(store, secrets, auditor, cfg.CommandTTL)
		sweeper := command.NewSweeper(store, 30*time.Second, cfg.CommandTTL)
		sweeper.Start()
		defer sweeper.Stop()
		fmt.Println("✓ Command sweeper started")

		pruner := storage.NewPruner(store, storage.DefaultRetention())
		pruner.Start()
		defer pruner.Stop()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		upload := ingest.NewHandler(store, limiter, ingest.Config{
			MaxPayloadSize: cfg.MaxPayloadSize,
			MaxRecords:     cfg.MaxMinersPerUpload,
		})
		server := api.NewServer(store, commands, dlq.NewService(store, bus), upload, auditor, secrets, api.Options{
			ListenAddr: cfg.ListenAddr,
			AdminToken: cfg.AdminToken,
		})

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
		fmt.Printf("✓ API listening on %s\n", cfg.ListenAddr)
		fmt.Println()
		fmt.Println("Control plane is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}
