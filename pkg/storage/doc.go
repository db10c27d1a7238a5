/*
Package storage provides the durable state layer for foreman, backed by
SQLite via database/sql.

The storage package owns every durable table: outbox, inbox, dlq,
commands and their per-target results, collector keys, edge devices,
the miner registry, telemetry live/history, the collector upload log,
the audit hash chain, and derived read models. It is the only package
that issues SQL; all other packages depend on the Store interface.

# Architecture

	┌──────────────── STORAGE LAYER ────────────────┐
	│                                                │
	│  Store interface (store.go)                    │
	│    │                                           │
	│  SQLStore (sqlite.go, sqlite_commands.go,      │
	│            sqlite_telemetry.go)                │
	│    │  WAL mode, foreign keys, busy timeout     │
	│    │                                           │
	│  schema (schema.go)  Pruner (retention.go)     │
	└────────────────────────────────────────────────┘

# Transaction Ownership

Two method families exist:

  - Methods taking a *sql.Tx (InsertOutboxEvent, InsertInboxRecord,
    InsertAuditEvent, RegisterMiner, LastAuditEvent) participate in a
    caller-owned transaction and never commit. The outbox writer and
    consumer handlers depend on this to make business mutation and
    event bookkeeping atomic.
  - All other methods manage their own statements or transactions.
    ApplyTelemetryBatch and FetchQueuedCommands open an internal
    transaction because their multi-row effects must be atomic.

# Error Mapping

Driver errors are translated to sentinels callers can branch on:

	ErrNotFound      row absent, or compare-and-set lost the race
	ErrDuplicateKey  UNIQUE constraint (idempotency, inbox, nonces)
	ErrForeignKey    referential integrity (cascade deletes aside)

# Retention

Pruner sweeps each table on an interval: published outbox rows after
7 days, inbox after 30 days, upload logs after 7 days, replayed DLQ
entries after 90 days, telemetry history per operator configuration.

# Usage

	store, err := storage.Open("file:foreman.db")
	if err != nil {
		return err
	}
	defer store.Close()

	pruner := storage.NewPruner(store, storage.DefaultRetention())
	pruner.Start()
	defer pruner.Stop()
*/
package storage
