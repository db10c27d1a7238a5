package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hashstack/foreman/pkg/audit"
	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/security"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/types"
)

const (
	// FetchLimit caps commands handed to one long-poll fetch
	FetchLimit = 32

	// MaxRefetch bounds how many times a command cycles back to queued
	// after its device went silent
	MaxRefetch = 3
)

var (
	// ErrUnknownType is returned for a command type outside the
	// whitelist
	ErrUnknownType = errors.New("unknown command type")

	// ErrNoDevice is returned when the target site has no active edge
	// device to sign for
	ErrNoDevice = errors.New("site has no active edge device")

	// ErrNonceMismatch is returned when a result echoes the wrong
	// dispatch nonce
	ErrNonceMismatch = errors.New("dispatch nonce mismatch")

	// ErrNonceReplay is returned when a result arrives for an already
	// terminal command
	ErrNonceReplay = errors.New("dispatch nonce already terminal")

	// ErrSignatureInvalid is returned when the stored command no longer
	// verifies under the device secret
	ErrSignatureInvalid = errors.New("command signature invalid")

	// ErrNotCancellable is returned when cancel hits a command that
	// already left the queue
	ErrNotCancellable = errors.New("command is not cancellable")
)

var validTypes = map[types.CommandType]struct{}{
	types.CommandReboot:        {},
	types.CommandPowerMode:     {},
	types.CommandChangePool:    {},
	types.CommandSetFreq:       {},
	types.CommandThermalPolicy: {},
	types.CommandLED:           {},
	types.CommandEnable:        {},
	types.CommandDisable:       {},
	types.CommandRestart:       {},
	types.CommandSetPool:       {},
	types.CommandSetFan:        {},
	types.CommandSetFrequency:  {},
}

// Service owns the command lifecycle: creation with idempotency and
// signing, approval, edge fetch, result reconciliation, and expiry.
type Service struct {
	store   storage.Store
	secrets *security.SecretsManager
	auditor *audit.Recorder
	ttl     time.Duration
}

// NewService creates the command service. ttl is the default command
// lifetime when a request does not carry its own.
func NewService(store storage.Store, secrets *security.SecretsManager, auditor *audit.Recorder, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{store: store, secrets: secrets, auditor: auditor, ttl: ttl}
}

// CreateRequest describes a new command
type CreateRequest struct {
	TenantID        string
	SiteID          string
	RequesterID     string
	TargetScope     types.TargetScope
	TargetIDs       []string
	CommandType     types.CommandType
	Payload         json.RawMessage
	Priority        int
	RequireApproval bool
	IdempotencyKey  string
	TTL             time.Duration
}

func (r *CreateRequest) validate() error {
	if r.TenantID == "" || r.SiteID == "" || r.RequesterID == "" {
		return errors.New("tenant, site, and requester are required")
	}
	if _, ok := validTypes[r.CommandType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, r.CommandType)
	}
	switch r.TargetScope {
	case types.TargetScopeMiner, types.TargetScopeGroup:
		if len(r.TargetIDs) == 0 {
			return fmt.Errorf("scope %s requires target ids", r.TargetScope)
		}
	case types.TargetScopeSite:
	default:
		return fmt.Errorf("invalid target scope %q", r.TargetScope)
	}
	return nil
}

// Create inserts a signed command. Synonym types are canonicalized
// before dispatch, and an idempotency key makes the call repeatable:
// the duplicate returns the original row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Command, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetCommandByIdempotencyKey(ctx, req.TenantID, req.RequesterID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	secret, _, err := s.deviceSecretForSite(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := time.Now().UTC()
	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	c := &types.Command{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		SiteID:          req.SiteID,
		RequesterID:     req.RequesterID,
		TargetScope:     req.TargetScope,
		TargetIDs:       req.TargetIDs,
		CommandType:     types.CanonicalCommandType(req.CommandType),
		Payload:         payload,
		Status:          types.CommandStatusQueued,
		Priority:        req.Priority,
		RequireApproval: req.RequireApproval,
		IdempotencyKey:  req.IdempotencyKey,
		DispatchNonce:   uuid.New().String(),
		// Second precision so the signed representation survives JSON
		// and storage round trips
		ExpiresAt: now.Add(ttl).Truncate(time.Second),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.RequireApproval {
		c.Status = types.CommandStatusPendingApproval
	}
	c.Signature = Sign(secret, c.ID, c.DispatchNonce, c.ExpiresAt, c.Payload)

	if err := s.store.InsertCommand(ctx, c); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) && req.IdempotencyKey != "" {
			// Raced a concurrent create with the same key
			return s.store.GetCommandByIdempotencyKey(ctx, req.TenantID, req.RequesterID, req.IdempotencyKey)
		}
		return nil, err
	}

	metrics.CommandsCreated.WithLabelValues(string(c.CommandType)).Inc()
	s.recordAudit(ctx, audit.Entry{
		TenantID:   c.TenantID,
		ActorID:    c.RequesterID,
		EventType:  "command.created",
		TargetType: "command",
		TargetID:   c.ID,
		Payload: map[string]any{
			"command_type": c.CommandType,
			"site_id":      c.SiteID,
			"target_scope": c.TargetScope,
		},
	})
	return c, nil
}

// Approve promotes a pending_approval command to queued
func (s *Service) Approve(ctx context.Context, commandID, approver string) (*types.Command, error) {
	if err := s.store.ApproveCommand(ctx, commandID, approver, time.Now().UTC()); err != nil {
		return nil, err
	}
	c, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}

	metrics.CommandTransitions.WithLabelValues(string(types.CommandStatusQueued)).Inc()
	s.recordAudit(ctx, audit.Entry{
		TenantID:   c.TenantID,
		ActorID:    approver,
		EventType:  "command.approved",
		TargetType: "command",
		TargetID:   c.ID,
	})
	return c, nil
}

// Cancel withdraws a command that has not been fetched yet
func (s *Service) Cancel(ctx context.Context, commandID, actor string) (*types.Command, error) {
	now := time.Now().UTC()
	err := s.store.SetCommandStatus(ctx, commandID, types.CommandStatusQueued, types.CommandStatusCancelled, now)
	if errors.Is(err, storage.ErrNotFound) {
		err = s.store.SetCommandStatus(ctx, commandID, types.CommandStatusPendingApproval, types.CommandStatusCancelled, now)
	}
	if errors.Is(err, storage.ErrNotFound) {
		if _, getErr := s.store.GetCommand(ctx, commandID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotCancellable
	}
	if err != nil {
		return nil, err
	}

	c, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	metrics.CommandTransitions.WithLabelValues(string(types.CommandStatusCancelled)).Inc()
	s.recordAudit(ctx, audit.Entry{
		TenantID:   c.TenantID,
		ActorID:    actor,
		EventType:  "command.cancelled",
		TargetType: "command",
		TargetID:   c.ID,
	})
	return c, nil
}

// Get returns one command
func (s *Service) Get(ctx context.Context, commandID string) (*types.Command, error) {
	return s.store.GetCommand(ctx, commandID)
}

// Results returns the per-target outcomes reported so far
func (s *Service) Results(ctx context.Context, commandID string) ([]*types.CommandResult, error) {
	return s.store.ListCommandResults(ctx, commandID)
}

// Fetch claims up to FetchLimit queued commands for a site on behalf
// of an edge device, transitioning them to running
func (s *Service) Fetch(ctx context.Context, siteID, deviceID string, limit int) ([]*types.Command, error) {
	if limit <= 0 || limit > FetchLimit {
		limit = FetchLimit
	}
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.RevokedAt != nil {
		return nil, fmt.Errorf("device %s is revoked", deviceID)
	}
	if device.SiteID != siteID {
		return nil, fmt.Errorf("device %s is not registered for site %s", deviceID, siteID)
	}

	now := time.Now().UTC()
	commands, err := s.store.FetchQueuedCommands(ctx, siteID, deviceID, limit, now)
	if err != nil {
		return nil, err
	}
	for _, c := range commands {
		metrics.CommandDispatchLatency.Observe(now.Sub(c.CreatedAt).Seconds())
	}
	if len(commands) > 0 {
		metrics.CommandTransitions.WithLabelValues(string(types.CommandStatusRunning)).Add(float64(len(commands)))
	}
	return commands, nil
}

// ResultRequest is one per-target outcome reported by the edge
type ResultRequest struct {
	CommandID     string
	DispatchNonce string
	EdgeDeviceID  string
	MinerID       string
	Status        types.ResultStatus
	Message       string
	Metrics       json.RawMessage
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// ReportResult records one target's outcome and reconciles the parent
// command. The echoed nonce is the anti-replay token: a mismatch or a
// report against an already terminal command is rejected.
func (s *Service) ReportResult(ctx context.Context, req ResultRequest) (*types.Command, error) {
	c, err := s.store.GetCommand(ctx, req.CommandID)
	if err != nil {
		return nil, err
	}
	if req.DispatchNonce != c.DispatchNonce {
		return nil, ErrNonceMismatch
	}
	if c.Status.Terminal() {
		return nil, ErrNonceReplay
	}

	// The stored command must still verify under the device secret;
	// a row altered after signing is refused.
	secret, _, err := s.deviceSecretForSite(ctx, c.SiteID)
	if err != nil {
		return nil, err
	}
	if !VerifySignature(secret, c.ID, c.DispatchNonce, c.ExpiresAt, c.Payload, c.Signature) {
		return nil, ErrSignatureInvalid
	}

	minerID := req.MinerID
	if minerID == "" {
		minerID = c.SiteID // site-scoped commands report one aggregate row
	}
	result := &types.CommandResult{
		ID:            uuid.New().String(),
		CommandID:     c.ID,
		EdgeDeviceID:  req.EdgeDeviceID,
		MinerID:       minerID,
		StartedAt:     req.StartedAt,
		FinishedAt:    req.FinishedAt,
		ResultStatus:  req.Status,
		ResultMessage: req.Message,
		Metrics:       req.Metrics,
	}
	if err := s.store.UpsertCommandResult(ctx, result); err != nil {
		return nil, err
	}

	return s.reconcile(ctx, c)
}

// reconcile transitions the parent command once per-target results
// determine the aggregate outcome: any failure fails the command, a
// full set of successes succeeds it, anything else stays running.
func (s *Service) reconcile(ctx context.Context, c *types.Command) (*types.Command, error) {
	results, err := s.store.ListCommandResults(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	succeeded := make(map[string]bool, len(results))
	anyFailed := false
	for _, r := range results {
		switch r.ResultStatus {
		case types.ResultStatusFailed:
			anyFailed = true
		case types.ResultStatusSucceeded, types.ResultStatusSkipped:
			succeeded[r.MinerID] = true
		}
	}

	var to types.CommandStatus
	switch {
	case anyFailed:
		to = types.CommandStatusFailed
	case s.allTargetsSucceeded(c, succeeded):
		to = types.CommandStatusSucceeded
	default:
		return s.store.GetCommand(ctx, c.ID)
	}

	err = s.store.SetCommandStatus(ctx, c.ID, types.CommandStatusRunning, to, time.Now().UTC())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		metrics.CommandTransitions.WithLabelValues(string(to)).Inc()
		s.recordAudit(ctx, audit.Entry{
			TenantID:   c.TenantID,
			ActorID:    c.RequesterID,
			EventType:  "command.completed",
			TargetType: "command",
			TargetID:   c.ID,
			Payload: map[string]any{
				"status":  to,
				"targets": len(results),
			},
		})
	}
	return s.store.GetCommand(ctx, c.ID)
}

func (s *Service) allTargetsSucceeded(c *types.Command, succeeded map[string]bool) bool {
	if c.TargetScope == types.TargetScopeSite || len(c.TargetIDs) == 0 {
		// Site scope reports one aggregate row keyed by the site
		return succeeded[c.SiteID] || len(succeeded) > 0
	}
	for _, target := range c.TargetIDs {
		if !succeeded[target] {
			return false
		}
	}
	return true
}

// deviceSecretForSite resolves and decrypts the signing secret of the
// site's active device
func (s *Service) deviceSecretForSite(ctx context.Context, siteID string) ([]byte, *types.Device, error) {
	device, err := s.store.GetActiveDeviceBySite(ctx, siteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrNoDevice
		}
		return nil, nil, err
	}
	secret, err := s.secrets.DecryptSecret(device.EncryptedSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt device secret: %w", err)
	}
	return secret, device, nil
}

func (s *Service) recordAudit(ctx context.Context, e audit.Entry) {
	if s.auditor == nil {
		return
	}
	logger := log.WithComponent("command")
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("audit append skipped")
		return
	}
	if _, err := s.auditor.Append(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		logger.Warn().Err(err).Str("event_type", e.EventType).Msg("audit append failed")
		return
	}
	if err := tx.Commit(); err != nil {
		logger.Warn().Err(err).Msg("audit commit failed")
	}
}
