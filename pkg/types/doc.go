/*
Package types defines the core data structures used throughout foreman.

This package contains all fundamental types that represent the domain model:
outbox events, inbox records, DLQ entries, commands and their results,
collector keys, edge devices, telemetry records, upload logs, and audit
events. These types are used by all other packages for persistence, API
communication, and event processing.

# Core Types

Event backbone:
  - OutboxEvent: Pending domain event, written inside a business transaction
  - InboxRecord: (consumer, event) pair enforcing exactly-once side effects
  - DLQEntry: Terminal failure held for inspection and replay
  - Envelope: Transport message shape for published events

Command plane:
  - Command: Durable, tenant-scoped miner control request
  - CommandStatus: pending -> queued -> running -> terminal state machine
  - CommandResult: Per-target outcome reported by the edge

Telemetry plane:
  - TelemetryRecord: One miner's sample (live snapshot and history share it)
  - BoardStats: Per-hashboard decomposition
  - UploadLog: Per-request collector upload record
  - CollectorKey: Hashed site credential

Integrity:
  - AuditEvent: One link in a tenant's SHA-256 hash chain
  - ErrorKind: System-wide failure taxonomy

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type CommandStatus string
	  const (
	      CommandStatusQueued  CommandStatus = "queued"
	      CommandStatusRunning CommandStatus = "running"
	  )

Optional Fields:

	Nullable measurements use pointers:
	  - *float64 HashrateGHS: nil = not reported by the miner
	  - *time.Time PublishedAt: nil = not yet published

State Machines:

	Command and result statuses transition forward only; Terminal()
	reports frozen states. Cross-references between commands and
	results are carried as ids, never object pointers.

# Integration Points

This package integrates with:

  - pkg/storage: Persists all types to SQLite
  - pkg/outbox, pkg/cdc, pkg/consumer, pkg/dlq: Event backbone
  - pkg/ingest: Telemetry validation and persistence
  - pkg/command: Command lifecycle and signing
  - pkg/edge: Normalized miner telemetry production
  - pkg/audit: Hash chain maintenance
*/
package types
