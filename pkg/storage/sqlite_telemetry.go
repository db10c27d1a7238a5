package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashstack/foreman/pkg/types"
)

// Miner registry

func (s *SQLStore) RegisterMiner(ctx context.Context, tx *sql.Tx, siteID, minerID, tenantID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO miners (site_id, miner_id, tenant_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(site_id, miner_id) DO NOTHING`,
		siteID, minerID, tenantID, at)
	return translateErr(err)
}

// MissingMiners returns the subset of minerIDs not registered for the
// site, preserving input order.
func (s *SQLStore) MissingMiners(ctx context.Context, siteID string, minerIDs []string) ([]string, error) {
	if len(minerIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(minerIDs)), ",")
	args := make([]any, 0, len(minerIDs)+1)
	args = append(args, siteID)
	for _, id := range minerIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT miner_id FROM miners WHERE site_id = ? AND miner_id IN (%s)`, placeholders),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool, len(minerIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range minerIDs {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// ApplyTelemetryBatch upserts the live snapshot and appends history for
// every record in one transaction, so the snapshot is never observable
// ahead of history.
func (s *SQLStore) ApplyTelemetryBatch(ctx context.Context, siteID string, records []*types.TelemetryRecord, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := upsertTelemetryLive(ctx, tx, siteID, rec, at); err != nil {
			return fmt.Errorf("upsert live %s: %w", rec.MinerID, err)
		}
		if err := appendTelemetryHistory(ctx, tx, siteID, rec, at); err != nil {
			return fmt.Errorf("append history %s: %w", rec.MinerID, err)
		}
	}

	return tx.Commit()
}

func upsertTelemetryLive(ctx context.Context, tx *sql.Tx, siteID string, rec *types.TelemetryRecord, at time.Time) error {
	chips, err := json.Marshal(rec.TemperatureChips)
	if err != nil {
		return err
	}
	fans, err := json.Marshal(rec.FanSpeeds)
	if err != nil {
		return err
	}
	boards, err := json.Marshal(rec.Boards)
	if err != nil {
		return err
	}
	health := rec.OverallHealth
	if health == "" {
		health = types.HealthUnknown
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO telemetry_live (site_id, miner_id, online, hashrate_ghs, temperature_avg,
		     temperature_min, temperature_max, temperature_chips, fan_speeds, frequency_avg,
		     accepted_shares, rejected_shares, hardware_errors, uptime_seconds, power_consumption,
		     pool_url, worker_name, pool_latency_ms, boards, boards_total, boards_healthy,
		     overall_health, model, firmware_version, error_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(site_id, miner_id) DO UPDATE SET
		     online = excluded.online,
		     hashrate_ghs = excluded.hashrate_ghs,
		     temperature_avg = excluded.temperature_avg,
		     temperature_min = excluded.temperature_min,
		     temperature_max = excluded.temperature_max,
		     temperature_chips = excluded.temperature_chips,
		     fan_speeds = excluded.fan_speeds,
		     frequency_avg = excluded.frequency_avg,
		     accepted_shares = excluded.accepted_shares,
		     rejected_shares = excluded.rejected_shares,
		     hardware_errors = excluded.hardware_errors,
		     uptime_seconds = excluded.uptime_seconds,
		     power_consumption = excluded.power_consumption,
		     pool_url = excluded.pool_url,
		     worker_name = excluded.worker_name,
		     pool_latency_ms = excluded.pool_latency_ms,
		     boards = excluded.boards,
		     boards_total = excluded.boards_total,
		     boards_healthy = excluded.boards_healthy,
		     overall_health = excluded.overall_health,
		     model = excluded.model,
		     firmware_version = excluded.firmware_version,
		     error_message = excluded.error_message,
		     updated_at = excluded.updated_at`,
		siteID, rec.MinerID, boolToInt(rec.Online), rec.HashrateGHS, rec.TemperatureAvg,
		rec.TemperatureMin, rec.TemperatureMax, string(chips), string(fans), rec.FrequencyAvg,
		rec.AcceptedShares, rec.RejectedShares, rec.HardwareErrors, rec.UptimeSeconds,
		rec.PowerConsumption, rec.PoolURL, rec.WorkerName, rec.PoolLatencyMs, string(boards),
		rec.BoardsTotal, rec.BoardsHealthy, string(health), rec.Model, rec.FirmwareVersion,
		rec.ErrorMessage, at)
	return translateErr(err)
}

func appendTelemetryHistory(ctx context.Context, tx *sql.Tx, siteID string, rec *types.TelemetryRecord, at time.Time) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = at
	}
	full, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO telemetry_history (site_id, miner_id, timestamp, online, hashrate_ghs, record)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		siteID, rec.MinerID, ts, boolToInt(rec.Online), rec.HashrateGHS, string(full))
	return translateErr(err)
}

func (s *SQLStore) GetTelemetryLive(ctx context.Context, siteID, minerID string) (*types.TelemetryRecord, error) {
	var rec types.TelemetryRecord
	var online int
	var chips, fans, boards, health string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT miner_id, online, hashrate_ghs, temperature_avg, temperature_min, temperature_max,
		        temperature_chips, fan_speeds, frequency_avg, accepted_shares, rejected_shares,
		        hardware_errors, uptime_seconds, power_consumption, pool_url, worker_name,
		        pool_latency_ms, boards, boards_total, boards_healthy, overall_health, model,
		        firmware_version, error_message, updated_at
		 FROM telemetry_live WHERE site_id = ? AND miner_id = ?`, siteID, minerID).
		Scan(&rec.MinerID, &online, &rec.HashrateGHS, &rec.TemperatureAvg, &rec.TemperatureMin,
			&rec.TemperatureMax, &chips, &fans, &rec.FrequencyAvg, &rec.AcceptedShares,
			&rec.RejectedShares, &rec.HardwareErrors, &rec.UptimeSeconds, &rec.PowerConsumption,
			&rec.PoolURL, &rec.WorkerName, &rec.PoolLatencyMs, &boards, &rec.BoardsTotal,
			&rec.BoardsHealthy, &health, &rec.Model, &rec.FirmwareVersion, &rec.ErrorMessage,
			&updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.SiteID = siteID
	rec.Online = online != 0
	rec.OverallHealth = types.HealthState(health)
	rec.Timestamp = updatedAt
	if err := json.Unmarshal([]byte(chips), &rec.TemperatureChips); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fans), &rec.FanSpeeds); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(boards), &rec.Boards); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) CountTelemetryHistory(ctx context.Context, siteID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry_history WHERE site_id = ?`, siteID).Scan(&n)
	return n, err
}

// Upload log

func (s *SQLStore) InsertUploadLog(ctx context.Context, l *types.UploadLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collector_upload_log (id, site_id, key_id, received_at, miner_count,
		     online_count, offline_count, processing_time_ms, payload_size_bytes, compression,
		     client_ip, outcome, reject_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SiteID, l.KeyID, l.ReceivedAt, l.MinerCount, l.OnlineCount, l.OfflineCount,
		l.ProcessingTimeMs, l.PayloadSizeBytes, l.Compression, l.ClientIP,
		string(l.Outcome), l.RejectReason)
	return translateErr(err)
}

func (s *SQLStore) CountUploadLogs(ctx context.Context, siteID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collector_upload_log WHERE site_id = ?`, siteID).Scan(&n)
	return n, err
}
