package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashstack/foreman/pkg/types"
)

// Command operations

func (s *SQLStore) InsertCommand(ctx context.Context, c *types.Command) error {
	targetIDs, err := json.Marshal(c.TargetIDs)
	if err != nil {
		return err
	}
	payload := c.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commands (id, tenant_id, site_id, requester_id, target_scope, target_ids,
		                       command_type, payload, status, priority, require_approval,
		                       idempotency_key, dispatch_nonce, signature, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.SiteID, c.RequesterID, string(c.TargetScope), string(targetIDs),
		string(c.CommandType), string(payload), string(c.Status), c.Priority,
		boolToInt(c.RequireApproval), nullString(c.IdempotencyKey), c.DispatchNonce,
		c.Signature, c.ExpiresAt, c.CreatedAt, c.UpdatedAt)
	return translateErr(err)
}

const commandColumns = `id, tenant_id, site_id, requester_id, target_scope, target_ids, command_type,
	payload, status, priority, require_approval, approved_by, approved_at,
	COALESCE(idempotency_key, ''), dispatch_nonce, signature, edge_device_id,
	fetch_count, fetched_at, expires_at, created_at, updated_at`

func (s *SQLStore) GetCommand(ctx context.Context, id string) (*types.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

func (s *SQLStore) GetCommandByIdempotencyKey(ctx context.Context, tenantID, requesterID, key string) (*types.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE tenant_id = ? AND requester_id = ? AND idempotency_key = ?`,
		tenantID, requesterID, key)
	return scanCommand(row)
}

func scanCommand(row rowScanner) (*types.Command, error) {
	var c types.Command
	var targetIDs, payload, scope, cmdType, status string
	var requireApproval int
	var approvedAt, fetchedAt sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.SiteID, &c.RequesterID, &scope, &targetIDs,
		&cmdType, &payload, &status, &c.Priority, &requireApproval, &c.ApprovedBy,
		&approvedAt, &c.IdempotencyKey, &c.DispatchNonce, &c.Signature, &c.EdgeDeviceID,
		&c.FetchCount, &fetchedAt, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targetIDs), &c.TargetIDs); err != nil {
		return nil, fmt.Errorf("corrupt target_ids for command %s: %w", c.ID, err)
	}
	c.TargetScope = types.TargetScope(scope)
	c.CommandType = types.CommandType(cmdType)
	c.Payload = json.RawMessage(payload)
	c.Status = types.CommandStatus(status)
	c.RequireApproval = requireApproval != 0
	c.ApprovedAt = timePtr(approvedAt)
	c.FetchedAt = timePtr(fetchedAt)
	return &c, nil
}

// SetCommandStatus transitions a command from one status to another.
// The compare-and-set keeps terminal states frozen and transitions
// forward-only; a stale `from` returns ErrNotFound.
func (s *SQLStore) SetCommandStatus(ctx context.Context, id string, from, to types.CommandStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), at, id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ApproveCommand(ctx context.Context, id, approver string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, approved_by = ?, approved_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(types.CommandStatusQueued), approver, at, at,
		id, string(types.CommandStatusPendingApproval))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FetchQueuedCommands atomically claims up to limit queued, unexpired
// commands for a site, transitioning them to running and stamping the
// fetching device.
func (s *SQLStore) FetchQueuedCommands(ctx context.Context, siteID, deviceID string, limit int, now time.Time) ([]*types.Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE site_id = ? AND status = ? AND expires_at > ?
		 ORDER BY priority DESC, created_at LIMIT ?`,
		siteID, string(types.CommandStatusQueued), now, limit)
	if err != nil {
		return nil, err
	}

	var commands []*types.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		commands = append(commands, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, c := range commands {
		if _, err := tx.ExecContext(ctx,
			`UPDATE commands SET status = ?, edge_device_id = ?, fetch_count = fetch_count + 1,
			        fetched_at = ?, updated_at = ? WHERE id = ?`,
			string(types.CommandStatusRunning), deviceID, now, now, c.ID); err != nil {
			return nil, err
		}
		c.Status = types.CommandStatusRunning
		c.EdgeDeviceID = deviceID
		c.FetchCount++
		fetched := now
		c.FetchedAt = &fetched
		c.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return commands, nil
}

// RevertStaleRunning requeues running commands whose device never
// reported within the running timeout. Commands already refetched
// maxRefetch times fail instead of cycling forever.
func (s *SQLStore) RevertStaleRunning(ctx context.Context, now time.Time, runningTimeout time.Duration, maxRefetch int) (int, int, error) {
	cutoff := now.Add(-runningTimeout)

	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ?
		 WHERE status = ? AND fetched_at IS NOT NULL AND fetched_at < ? AND fetch_count >= ?`,
		string(types.CommandStatusFailed), now,
		string(types.CommandStatusRunning), cutoff, maxRefetch)
	if err != nil {
		return 0, 0, err
	}
	failed64, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ?
		 WHERE status = ? AND fetched_at IS NOT NULL AND fetched_at < ?`,
		string(types.CommandStatusQueued), now,
		string(types.CommandStatusRunning), cutoff)
	if err != nil {
		return 0, 0, err
	}
	reverted64, _ := res.RowsAffected()

	return int(reverted64), int(failed64), nil
}

// ExpireCommands promotes queued and running commands past their
// expiry to the expired terminal state.
func (s *SQLStore) ExpireCommands(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ?
		 WHERE status IN (?, ?) AND expires_at <= ?`,
		string(types.CommandStatusExpired), now,
		string(types.CommandStatusQueued), string(types.CommandStatusRunning), now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) UpsertCommandResult(ctx context.Context, r *types.CommandResult) error {
	metrics := r.Metrics
	if metrics == nil {
		metrics = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_results (id, command_id, edge_device_id, miner_id, started_at,
		                              finished_at, result_status, result_message, metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(command_id, miner_id) DO UPDATE SET
		     edge_device_id = excluded.edge_device_id,
		     started_at = excluded.started_at,
		     finished_at = excluded.finished_at,
		     result_status = excluded.result_status,
		     result_message = excluded.result_message,
		     metrics = excluded.metrics`,
		r.ID, r.CommandID, r.EdgeDeviceID, r.MinerID, nullTime(r.StartedAt),
		nullTime(r.FinishedAt), string(r.ResultStatus), r.ResultMessage, string(metrics))
	return translateErr(err)
}

func (s *SQLStore) ListCommandResults(ctx context.Context, commandID string) ([]*types.CommandResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command_id, edge_device_id, miner_id, started_at, finished_at,
		        result_status, result_message, metrics
		 FROM command_results WHERE command_id = ?`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*types.CommandResult
	for rows.Next() {
		var r types.CommandResult
		var started, finished sql.NullTime
		var status, metrics string
		if err := rows.Scan(&r.ID, &r.CommandID, &r.EdgeDeviceID, &r.MinerID,
			&started, &finished, &status, &r.ResultMessage, &metrics); err != nil {
			return nil, err
		}
		r.StartedAt = timePtr(started)
		r.FinishedAt = timePtr(finished)
		r.ResultStatus = types.ResultStatus(status)
		r.Metrics = json.RawMessage(metrics)
		results = append(results, &r)
	}
	return results, rows.Err()
}

// Collector keys

func (s *SQLStore) InsertCollectorKey(ctx context.Context, k *types.CollectorKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collector_keys (id, site_id, key_hash, created_at) VALUES (?, ?, ?, ?)`,
		k.ID, k.SiteID, k.KeyHash, k.CreatedAt)
	return translateErr(err)
}

func (s *SQLStore) GetCollectorKeyByHash(ctx context.Context, keyHash string) (*types.CollectorKey, error) {
	var k types.CollectorKey
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, site_id, key_hash, created_at, revoked_at FROM collector_keys WHERE key_hash = ?`,
		keyHash).Scan(&k.ID, &k.SiteID, &k.KeyHash, &k.CreatedAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.RevokedAt = timePtr(revoked)
	return &k, nil
}

func (s *SQLStore) ListCollectorKeys(ctx context.Context, siteID string) ([]*types.CollectorKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_id, key_hash, created_at, revoked_at FROM collector_keys
		 WHERE site_id = ? ORDER BY created_at`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*types.CollectorKey
	for rows.Next() {
		var k types.CollectorKey
		var revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.SiteID, &k.KeyHash, &k.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		k.RevokedAt = timePtr(revoked)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLStore) RevokeCollectorKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collector_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Devices

func (s *SQLStore) InsertDevice(ctx context.Context, d *types.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, tenant_id, site_id, name, encrypted_secret, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.SiteID, d.Name, d.EncryptedSecret, d.CreatedAt)
	return translateErr(err)
}

func (s *SQLStore) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	var d types.Device
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, site_id, name, encrypted_secret, created_at, revoked_at
		 FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &d.TenantID, &d.SiteID, &d.Name, &d.EncryptedSecret, &d.CreatedAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.RevokedAt = timePtr(revoked)
	return &d, nil
}

// GetActiveDeviceBySite returns the newest unrevoked device registered
// for a site
func (s *SQLStore) GetActiveDeviceBySite(ctx context.Context, siteID string) (*types.Device, error) {
	var d types.Device
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, site_id, name, encrypted_secret, created_at, revoked_at
		 FROM devices WHERE site_id = ? AND revoked_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, siteID).
		Scan(&d.ID, &d.TenantID, &d.SiteID, &d.Name, &d.EncryptedSecret, &d.CreatedAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.RevokedAt = timePtr(revoked)
	return &d, nil
}

func (s *SQLStore) RevokeDevice(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
