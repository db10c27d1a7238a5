package types

import (
	"encoding/json"
	"time"
)

// OutboxEvent is a pending domain event written inside a business
// transaction. Rows are immutable after insert except PublishedAt.
type OutboxEvent struct {
	ID             string
	Kind           string // routing key, e.g. "miner.added"
	TenantID       string
	EntityID       string // empty when the event is not entity-scoped
	Payload        json.RawMessage
	IdempotencyKey string // optional, unique when set
	CreatedAt      time.Time
	PublishedAt    *time.Time
}

// Domain returns the routing domain of the event kind: everything up
// to the first dot ("miner.added" -> "miner").
func (e *OutboxEvent) Domain() string {
	for i := 0; i < len(e.Kind); i++ {
		if e.Kind[i] == '.' {
			return e.Kind[:i]
		}
	}
	return e.Kind
}

// PartitionKey returns the transport message key preserving per-entity
// order: "tenant:entity", falling back to the tenant alone.
func (e *OutboxEvent) PartitionKey() string {
	if e.EntityID == "" {
		return e.TenantID
	}
	return e.TenantID + ":" + e.EntityID
}

// InboxRecord marks an event as consumed by a named consumer. Its
// insertion is the commit point that makes handler side effects
// non-replayable.
type InboxRecord struct {
	ConsumerName       string
	EventID            string
	EventKind          string
	ConsumedAt         time.Time
	ProcessingDuration time.Duration
	PayloadDigest      string // hex SHA-256 of the payload
}

// ErrorKind classifies failures across the system
type ErrorKind string

const (
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindUnauthorized    ErrorKind = "unauthorized"
	ErrorKindForbidden       ErrorKind = "forbidden"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindPayloadTooLarge ErrorKind = "payload_too_large"
	ErrorKindConflict        ErrorKind = "conflict"
	ErrorKindTransient       ErrorKind = "transient"
	ErrorKindPermanent       ErrorKind = "permanent"
	ErrorKindPoison          ErrorKind = "poison"
	ErrorKindCircuitOpen     ErrorKind = "circuit_open"
)

// DLQEntry holds an event that exhausted its retries
type DLQEntry struct {
	ID            string
	ConsumerName  string
	EventID       string
	EventKind     string
	TenantID      string
	Payload       json.RawMessage
	ErrorKind     ErrorKind
	ErrorDetail   string
	RetryCount    int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
	Replayed      bool
	ReplayedAt    *time.Time
}

// CommandType identifies a miner control operation
type CommandType string

const (
	CommandReboot        CommandType = "reboot"
	CommandPowerMode     CommandType = "power_mode"
	CommandChangePool    CommandType = "change_pool"
	CommandSetFreq       CommandType = "set_freq"
	CommandThermalPolicy CommandType = "thermal_policy"
	CommandLED           CommandType = "led"
	CommandEnable        CommandType = "enable"
	CommandDisable       CommandType = "disable"
	CommandRestart       CommandType = "restart"
	CommandSetPool       CommandType = "set_pool"
	CommandSetFan        CommandType = "set_fan"
	CommandSetFrequency  CommandType = "set_frequency"
)

// CanonicalCommandType collapses synonym command types to a canonical
// form before dispatch (restart->reboot, change_pool->set_pool,
// set_frequency->set_freq).
func CanonicalCommandType(t CommandType) CommandType {
	switch t {
	case CommandRestart:
		return CommandReboot
	case CommandChangePool:
		return CommandSetPool
	case CommandSetFrequency:
		return CommandSetFreq
	}
	return t
}

// CommandStatus represents the lifecycle state of a command.
// Transitions are forward-only; terminal states are frozen.
type CommandStatus string

const (
	CommandStatusPending         CommandStatus = "pending"
	CommandStatusPendingApproval CommandStatus = "pending_approval"
	CommandStatusQueued          CommandStatus = "queued"
	CommandStatusRunning         CommandStatus = "running"
	CommandStatusSucceeded       CommandStatus = "succeeded"
	CommandStatusFailed          CommandStatus = "failed"
	CommandStatusCancelled       CommandStatus = "cancelled"
	CommandStatusExpired         CommandStatus = "expired"
)

// Terminal reports whether the status is frozen
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusSucceeded, CommandStatusFailed, CommandStatusCancelled, CommandStatusExpired:
		return true
	}
	return false
}

// TargetScope selects which miners a command applies to
type TargetScope string

const (
	TargetScopeMiner TargetScope = "miner"
	TargetScopeGroup TargetScope = "group"
	TargetScopeSite  TargetScope = "site"
)

// Command is a durable, tenant-scoped miner control request
type Command struct {
	ID              string
	TenantID        string
	SiteID          string
	RequesterID     string
	TargetScope     TargetScope
	TargetIDs       []string
	CommandType     CommandType
	Payload         json.RawMessage
	Status          CommandStatus
	Priority        int
	RequireApproval bool
	ApprovedBy      string
	ApprovedAt      *time.Time
	IdempotencyKey  string // unique per (tenant, requester, key)
	DispatchNonce   string // uuid, unique, echoed by the edge
	Signature       string // 64-byte hex HMAC-SHA256
	EdgeDeviceID    string // stamped on fetch
	FetchCount      int
	FetchedAt       *time.Time
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ResultStatus represents the per-target outcome of a command
type ResultStatus string

const (
	ResultStatusPending   ResultStatus = "pending"
	ResultStatusRunning   ResultStatus = "running"
	ResultStatusSucceeded ResultStatus = "succeeded"
	ResultStatusFailed    ResultStatus = "failed"
	ResultStatusSkipped   ResultStatus = "skipped"
)

// CommandResult records the outcome of a command on a single target
type CommandResult struct {
	ID            string
	CommandID     string
	EdgeDeviceID  string
	MinerID       string // opaque, may not be numeric
	StartedAt     *time.Time
	FinishedAt    *time.Time
	ResultStatus  ResultStatus
	ResultMessage string
	Metrics       json.RawMessage
}

// CollectorKey authenticates an edge collector for one site. Only the
// SHA-256 hash of the "hsc_<token>" credential is persisted.
type CollectorKey struct {
	ID        string
	SiteID    string
	KeyHash   string // hex SHA-256 of the full header value
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Device is a registered edge device holding a shared HMAC secret for
// command signing. The secret is stored AES-GCM encrypted.
type Device struct {
	ID              string
	TenantID        string
	SiteID          string
	Name            string
	EncryptedSecret []byte
	CreatedAt       time.Time
	RevokedAt       *time.Time
}

// HealthState summarizes a miner's overall condition
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
	HealthOffline  HealthState = "offline"
	HealthUnknown  HealthState = "unknown"
)

// BoardStats holds per-hashboard decomposition of a telemetry sample
type BoardStats struct {
	Index           int     `json:"index"`
	HashrateGHS     float64 `json:"hashrate_ghs"`
	TemperaturePCB  float64 `json:"temperature_pcb"`
	TemperatureChip float64 `json:"temperature_chip"`
	ChipCount       int     `json:"chip_count"`
	Healthy         bool    `json:"healthy"`
}

// TelemetryRecord is one miner's telemetry sample as uploaded by the
// edge collector. The same shape backs the live snapshot and the
// history time-series. All measurement fields are nullable; an offline
// miner reports only identity fields and an error message.
type TelemetryRecord struct {
	MinerID          string       `json:"miner_id"`
	SiteID           string       `json:"site_id,omitempty"`
	Online           bool         `json:"online"`
	HashrateGHS      *float64     `json:"hashrate_ghs,omitempty"`
	TemperatureAvg   *float64     `json:"temperature_avg,omitempty"`
	TemperatureMin   *float64     `json:"temperature_min,omitempty"`
	TemperatureMax   *float64     `json:"temperature_max,omitempty"`
	TemperatureChips []float64    `json:"temperature_chips,omitempty"` // max 100
	FanSpeeds        []int        `json:"fan_speeds,omitempty"`        // max 20
	FrequencyAvg     *float64     `json:"frequency_avg,omitempty"`
	AcceptedShares   *int64       `json:"accepted_shares,omitempty"`
	RejectedShares   *int64       `json:"rejected_shares,omitempty"`
	HardwareErrors   *int64       `json:"hardware_errors,omitempty"`
	UptimeSeconds    *int64       `json:"uptime_seconds,omitempty"`
	PowerConsumption *float64     `json:"power_consumption,omitempty"`
	PoolURL          string       `json:"pool_url,omitempty"`
	WorkerName       string       `json:"worker_name,omitempty"`
	PoolLatencyMs    *int         `json:"pool_latency_ms,omitempty"`
	Boards           []BoardStats `json:"boards,omitempty"` // max 10
	BoardsTotal      int          `json:"boards_total,omitempty"`
	BoardsHealthy    int          `json:"boards_healthy,omitempty"`
	OverallHealth    HealthState  `json:"overall_health,omitempty"`
	Model            string       `json:"model,omitempty"`
	FirmwareVersion  string       `json:"firmware_version,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	Timestamp        time.Time    `json:"timestamp,omitempty"`
}

// UploadOutcome records whether a collector upload was accepted
type UploadOutcome string

const (
	UploadAccepted UploadOutcome = "accepted"
	UploadRejected UploadOutcome = "rejected"
)

// UploadLog is the per-request record of a collector upload
type UploadLog struct {
	ID               string
	SiteID           string
	KeyID            string
	ReceivedAt       time.Time
	MinerCount       int
	OnlineCount      int
	OfflineCount     int
	ProcessingTimeMs int64
	PayloadSizeBytes int64
	Compression      string // "none" or "gzip"
	ClientIP         string
	Outcome          UploadOutcome
	RejectReason     string
}

// AuditEvent is one link in a tenant's append-only hash chain
type AuditEvent struct {
	ID            string
	TenantID      string
	ActorID       string
	EventType     string
	TargetType    string
	TargetID      string
	PreviousHash  string // hex, 32 bytes; zeros for the genesis row
	PayloadDigest string // hex SHA-256 of the canonical payload
	SelfHash      string // hex SHA-256(previous || digest || created_at || actor)
	CreatedAt     time.Time
}

// Envelope is the transport message wrapping an outbox event
type Envelope struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	TenantID  string          `json:"tenant_id"`
	EntityID  string          `json:"entity_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
	Replayed  bool            `json:"replayed,omitempty"`
}
