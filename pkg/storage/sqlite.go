package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hashstack/foreman/pkg/types"
)

// SQLStore implements Store on SQLite via database/sql
type SQLStore struct {
	db *sql.DB
}

// Open opens (and migrates) a SQLite-backed store. The dsn is a
// sqlite URI such as "file:foreman.db" or "file::memory:?cache=shared".
func Open(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a small pool with WAL keeps readers
	// concurrent without SQLITE_BUSY storms.
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(300 * time.Second)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// DB exposes the underlying handle for tests and migrations
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a transaction owned by the caller
func (s *SQLStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// PingRTT measures a database round trip
func (s *SQLStore) PingRTT(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// translateErr maps driver errors to the store sentinels
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", ErrDuplicateKey, msg)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s", ErrForeignKey, msg)
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Outbox operations

func (s *SQLStore) InsertOutboxEvent(ctx context.Context, tx *sql.Tx, ev *types.OutboxEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (id, kind, tenant_id, entity_id, payload, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind, ev.TenantID, ev.EntityID, string(payload),
		nullString(ev.IdempotencyKey), ev.CreatedAt)
	return translateErr(err)
}

func (s *SQLStore) GetOutboxEvent(ctx context.Context, id string) (*types.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, tenant_id, entity_id, payload, COALESCE(idempotency_key, ''), created_at, published_at
		 FROM outbox WHERE id = ?`, id)
	return scanOutboxEvent(row)
}

func (s *SQLStore) ListUnpublishedOutbox(ctx context.Context, limit int) ([]*types.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, tenant_id, entity_id, payload, COALESCE(idempotency_key, ''), created_at, published_at
		 FROM outbox WHERE published_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEvent(row rowScanner) (*types.OutboxEvent, error) {
	var ev types.OutboxEvent
	var payload string
	var published sql.NullTime
	err := row.Scan(&ev.ID, &ev.Kind, &ev.TenantID, &ev.EntityID, &payload,
		&ev.IdempotencyKey, &ev.CreatedAt, &published)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.PublishedAt = timePtr(published)
	return &ev, nil
}

func (s *SQLStore) MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE outbox SET published_at = ? WHERE id IN (%s) AND published_at IS NULL`, placeholders),
		args...)
	return err
}

func (s *SQLStore) OutboxBacklog(ctx context.Context) (int, *time.Time, error) {
	var count int
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox WHERE published_at IS NULL`).
		Scan(&count, &oldest)
	if err != nil {
		return 0, nil, err
	}
	return count, timePtr(oldest), nil
}

// Inbox operations

func (s *SQLStore) InsertInboxRecord(ctx context.Context, tx *sql.Tx, rec *types.InboxRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO inbox (consumer_name, event_id, event_kind, consumed_at, processing_duration_ms, payload_digest)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ConsumerName, rec.EventID, rec.EventKind, rec.ConsumedAt,
		rec.ProcessingDuration.Milliseconds(), rec.PayloadDigest)
	return translateErr(err)
}

func (s *SQLStore) HasInboxRecord(ctx context.Context, consumer, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox WHERE consumer_name = ? AND event_id = ?`,
		consumer, eventID).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) ConsumerLag(ctx context.Context, consumer, kindPrefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox o
		 WHERE o.published_at IS NOT NULL
		   AND o.kind LIKE ? || '%'
		   AND NOT EXISTS (SELECT 1 FROM inbox i WHERE i.consumer_name = ? AND i.event_id = o.id)`,
		kindPrefix, consumer).Scan(&n)
	return n, err
}

// ProcessingLatencies samples recent consumed events and returns the
// time from outbox insert to inbox commit, newest first. Events whose
// outbox row has been pruned are not represented.
func (s *SQLStore) ProcessingLatencies(ctx context.Context, consumer string, sample int) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.created_at, i.consumed_at FROM inbox i
		 JOIN outbox o ON o.id = i.event_id
		 WHERE i.consumer_name = ?
		 ORDER BY i.consumed_at DESC LIMIT ?`,
		consumer, sample)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var created, consumed time.Time
		if err := rows.Scan(&created, &consumed); err != nil {
			return nil, err
		}
		out = append(out, consumed.Sub(created))
	}
	return out, rows.Err()
}

// DLQ operations

func (s *SQLStore) InsertDLQEntry(ctx context.Context, e *types.DLQEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq (id, consumer_name, event_id, event_kind, tenant_id, payload, error_kind,
		                  error_detail, retry_count, first_failed_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConsumerName, e.EventID, e.EventKind, e.TenantID, string(payload),
		string(e.ErrorKind), e.ErrorDetail, e.RetryCount, e.FirstFailedAt, e.LastFailedAt)
	return translateErr(err)
}

func dlqWhere(f DLQFilter) (string, []any) {
	var conds []string
	var args []any
	if f.ConsumerName != "" {
		conds = append(conds, "consumer_name = ?")
		args = append(args, f.ConsumerName)
	}
	if f.EventKind != "" {
		conds = append(conds, "event_kind = ?")
		args = append(args, f.EventKind)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "last_failed_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, "last_failed_at <= ?")
		args = append(args, f.Until)
	}
	if f.Unreplayed {
		conds = append(conds, "replayed = 0")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) ListDLQ(ctx context.Context, f DLQFilter, limit int) ([]*types.DLQEntry, error) {
	where, args := dlqWhere(f)
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, consumer_name, event_id, event_kind, tenant_id, payload, error_kind, error_detail,
		        retry_count, first_failed_at, last_failed_at, replayed, replayed_at
		 FROM dlq`+where+` ORDER BY last_failed_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*types.DLQEntry
	for rows.Next() {
		var e types.DLQEntry
		var payload, errorKind string
		var replayed int
		var replayedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ConsumerName, &e.EventID, &e.EventKind, &e.TenantID,
			&payload, &errorKind, &e.ErrorDetail, &e.RetryCount,
			&e.FirstFailedAt, &e.LastFailedAt, &replayed, &replayedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.ErrorKind = types.ErrorKind(errorKind)
		e.Replayed = replayed != 0
		e.ReplayedAt = timePtr(replayedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) StatsDLQ(ctx context.Context, f DLQFilter) (*DLQStats, error) {
	where, args := dlqWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT consumer_name, event_kind, replayed, COUNT(*) FROM dlq`+where+
			` GROUP BY consumer_name, event_kind, replayed`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &DLQStats{
		ByConsumer: make(map[string]int),
		ByKind:     make(map[string]int),
	}
	for rows.Next() {
		var consumer, kind string
		var replayed, n int
		if err := rows.Scan(&consumer, &kind, &replayed, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		if replayed == 0 {
			stats.Unreplayed += n
		}
		stats.ByConsumer[consumer] += n
		stats.ByKind[kind] += n
	}
	return stats, rows.Err()
}

func (s *SQLStore) MarkDLQReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq SET replayed = 1, replayed_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Audit chain operations. The chain itself is computed in pkg/audit;
// the store only persists and enumerates rows in insertion order.

func (s *SQLStore) LastAuditEvent(ctx context.Context, tx *sql.Tx, tenantID string) (*types.AuditEvent, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, tenant_id, actor_id, event_type, target_type, target_id,
		        previous_hash, payload_digest, self_hash, created_at
		 FROM audit WHERE tenant_id = ? ORDER BY rowid DESC LIMIT 1`, tenantID)
	return scanAuditEvent(row)
}

func (s *SQLStore) InsertAuditEvent(ctx context.Context, tx *sql.Tx, ev *types.AuditEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit (id, tenant_id, actor_id, event_type, target_type, target_id,
		                    previous_hash, payload_digest, self_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.ActorID, ev.EventType, ev.TargetType, ev.TargetID,
		ev.PreviousHash, ev.PayloadDigest, ev.SelfHash, ev.CreatedAt)
	return translateErr(err)
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, tenantID string) ([]*types.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, actor_id, event_type, target_type, target_id,
		        previous_hash, payload_digest, self_hash, created_at
		 FROM audit WHERE tenant_id = ? ORDER BY rowid`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanAuditEvent(row rowScanner) (*types.AuditEvent, error) {
	var ev types.AuditEvent
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.ActorID, &ev.EventType, &ev.TargetType,
		&ev.TargetID, &ev.PreviousHash, &ev.PayloadDigest, &ev.SelfHash, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Derived read models

func (s *SQLStore) GetDerivedMinerCount(ctx context.Context, tenantID string) (int, time.Time, error) {
	var count int
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT miner_count, updated_at FROM derived_miner_counts WHERE tenant_id = ?`, tenantID).
		Scan(&count, &updatedAt)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, updatedAt, nil
}

func (s *SQLStore) AdjustDerivedMinerCount(ctx context.Context, tx *sql.Tx, tenantID string, delta int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO derived_miner_counts (tenant_id, miner_count, updated_at)
		VALUES (?, MAX(?, 0), ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			miner_count = MAX(derived_miner_counts.miner_count + ?, 0),
			updated_at = excluded.updated_at`,
		tenantID, delta, at, delta)
	if err != nil {
		return translateErr(err)
	}
	return nil
}

// LatestDerivedUpdate returns the most recent read-model refresh time
// across tenants, used for the freshness health signal
func (s *SQLStore) LatestDerivedUpdate(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM derived_miner_counts ORDER BY updated_at DESC LIMIT 1`).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// Retention

func (s *SQLStore) PruneOutbox(ctx context.Context, publishedBefore time.Time) (int64, error) {
	return s.prune(ctx, `DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?`, publishedBefore)
}

func (s *SQLStore) PruneInbox(ctx context.Context, consumedBefore time.Time) (int64, error) {
	return s.prune(ctx, `DELETE FROM inbox WHERE consumed_at < ?`, consumedBefore)
}

func (s *SQLStore) PruneUploadLogs(ctx context.Context, receivedBefore time.Time) (int64, error) {
	return s.prune(ctx, `DELETE FROM collector_upload_log WHERE received_at < ?`, receivedBefore)
}

func (s *SQLStore) PruneDLQ(ctx context.Context, replayedBefore time.Time) (int64, error) {
	return s.prune(ctx, `DELETE FROM dlq WHERE replayed = 1 AND replayed_at < ?`, replayedBefore)
}

func (s *SQLStore) PruneTelemetryHistory(ctx context.Context, before time.Time) (int64, error) {
	return s.prune(ctx, `DELETE FROM telemetry_history WHERE timestamp < ?`, before)
}

func (s *SQLStore) prune(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
