/*
Package log provides structured logging for foreman using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the Logger:

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Component Loggers:

	publisherLog := log.WithComponent("cdc-publisher")
	publisherLog.Info().Int("batch", 100).Msg("outbox batch published")

	siteLog := log.WithSiteID("site-42")
	siteLog.Warn().Str("miner_id", "m-7").Msg("miner offline")

Structured Logging:

	log.Logger.Error().
		Err(err).
		Str("consumer", "portfolio").
		Str("event_id", ev.ID).
		Msg("handler failed")

# Integration Points

This package integrates with:

  - pkg/cdc: Logs outbox publishing and circuit state
  - pkg/consumer: Logs handler outcomes, retries, and DLQ inserts
  - pkg/ingest: Logs upload acceptance and rejection
  - pkg/command: Logs command lifecycle transitions
  - pkg/edge: Logs miner polling and upload attempts
  - pkg/api: Logs HTTP requests and errors

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data (.Str, .Int, .Err)
  - Create component-specific loggers
  - Include context (tenant ID, site ID, miner ID, event ID)

Don't:
  - Log collector keys, HMAC secrets, or session tokens
  - Use Debug level in production
  - Log per-record in hot ingest paths (log per batch)
*/
package log
