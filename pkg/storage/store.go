package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashstack/foreman/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned on unique constraint violations
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrForeignKey is returned on referential integrity violations
	ErrForeignKey = errors.New("foreign key violation")
)

// DLQFilter selects DLQ entries for stats, listing, and replay
type DLQFilter struct {
	ConsumerName string
	EventKind    string
	TenantID     string
	Since        time.Time
	Until        time.Time
	Unreplayed   bool
}

// DLQStats is the aggregate breakdown of matching DLQ entries
type DLQStats struct {
	Total      int
	Unreplayed int
	ByConsumer map[string]int
	ByKind     map[string]int
}

// Store defines the interface for durable state. The SQLite-backed
// implementation is the only one shipped; consumers and services hold
// this interface so tests can wrap or fake it.
type Store interface {
	// Transactions. Handlers and the outbox writer run inside a
	// caller-owned *sql.Tx; tx-scoped methods never commit.
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Outbox
	InsertOutboxEvent(ctx context.Context, tx *sql.Tx, ev *types.OutboxEvent) error
	GetOutboxEvent(ctx context.Context, id string) (*types.OutboxEvent, error)
	ListUnpublishedOutbox(ctx context.Context, limit int) ([]*types.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error
	OutboxBacklog(ctx context.Context) (count int, oldest *time.Time, err error)

	// Inbox
	InsertInboxRecord(ctx context.Context, tx *sql.Tx, rec *types.InboxRecord) error
	HasInboxRecord(ctx context.Context, consumer, eventID string) (bool, error)
	ConsumerLag(ctx context.Context, consumer, kindPrefix string) (int, error)
	ProcessingLatencies(ctx context.Context, consumer string, sample int) ([]time.Duration, error)

	// DLQ
	InsertDLQEntry(ctx context.Context, e *types.DLQEntry) error
	ListDLQ(ctx context.Context, f DLQFilter, limit int) ([]*types.DLQEntry, error)
	StatsDLQ(ctx context.Context, f DLQFilter) (*DLQStats, error)
	MarkDLQReplayed(ctx context.Context, id string, at time.Time) error

	// Commands
	InsertCommand(ctx context.Context, c *types.Command) error
	GetCommand(ctx context.Context, id string) (*types.Command, error)
	GetCommandByIdempotencyKey(ctx context.Context, tenantID, requesterID, key string) (*types.Command, error)
	SetCommandStatus(ctx context.Context, id string, from, to types.CommandStatus, at time.Time) error
	ApproveCommand(ctx context.Context, id, approver string, at time.Time) error
	FetchQueuedCommands(ctx context.Context, siteID, deviceID string, limit int, now time.Time) ([]*types.Command, error)
	RevertStaleRunning(ctx context.Context, now time.Time, runningTimeout time.Duration, maxRefetch int) (reverted, failed int, err error)
	ExpireCommands(ctx context.Context, now time.Time) (int, error)
	UpsertCommandResult(ctx context.Context, r *types.CommandResult) error
	ListCommandResults(ctx context.Context, commandID string) ([]*types.CommandResult, error)

	// Collector keys
	InsertCollectorKey(ctx context.Context, k *types.CollectorKey) error
	GetCollectorKeyByHash(ctx context.Context, keyHash string) (*types.CollectorKey, error)
	ListCollectorKeys(ctx context.Context, siteID string) ([]*types.CollectorKey, error)
	RevokeCollectorKey(ctx context.Context, id string, at time.Time) error

	// Devices
	InsertDevice(ctx context.Context, d *types.Device) error
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	GetActiveDeviceBySite(ctx context.Context, siteID string) (*types.Device, error)
	RevokeDevice(ctx context.Context, id string, at time.Time) error

	// Miner registry
	RegisterMiner(ctx context.Context, tx *sql.Tx, siteID, minerID, tenantID string, at time.Time) error
	MissingMiners(ctx context.Context, siteID string, minerIDs []string) ([]string, error)

	// Telemetry
	ApplyTelemetryBatch(ctx context.Context, siteID string, records []*types.TelemetryRecord, at time.Time) error
	GetTelemetryLive(ctx context.Context, siteID, minerID string) (*types.TelemetryRecord, error)
	CountTelemetryHistory(ctx context.Context, siteID string) (int, error)

	// Upload log
	InsertUploadLog(ctx context.Context, l *types.UploadLog) error
	CountUploadLogs(ctx context.Context, siteID string) (int, error)

	// Audit chain
	LastAuditEvent(ctx context.Context, tx *sql.Tx, tenantID string) (*types.AuditEvent, error)
	InsertAuditEvent(ctx context.Context, tx *sql.Tx, ev *types.AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string) ([]*types.AuditEvent, error)

	// Derived read models
	GetDerivedMinerCount(ctx context.Context, tenantID string) (int, time.Time, error)
	AdjustDerivedMinerCount(ctx context.Context, tx *sql.Tx, tenantID string, delta int, at time.Time) error
	LatestDerivedUpdate(ctx context.Context) (time.Time, error)

	// Retention
	PruneOutbox(ctx context.Context, publishedBefore time.Time) (int64, error)
	PruneInbox(ctx context.Context, consumedBefore time.Time) (int64, error)
	PruneUploadLogs(ctx context.Context, receivedBefore time.Time) (int64, error)
	PruneDLQ(ctx context.Context, replayedBefore time.Time) (int64, error)
	PruneTelemetryHistory(ctx context.Context, before time.Time) (int64, error)

	// Utility
	PingRTT(ctx context.Context) (time.Duration, error)
	Close() error
}
