package storage

const schema = `
-- Outbox: pending domain events, written inside business transactions
CREATE TABLE IF NOT EXISTS outbox (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL CHECK(length(kind) > 0),
    tenant_id       TEXT NOT NULL,
    entity_id       TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL DEFAULT '{}',
    idempotency_key TEXT UNIQUE,
    created_at      TIMESTAMP NOT NULL,
    published_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox(created_at) WHERE published_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_published_at ON outbox(published_at) WHERE published_at IS NOT NULL;

-- Inbox: processed (consumer, event) pairs; insert is the exactly-once commit point
CREATE TABLE IF NOT EXISTS inbox (
    consumer_name          TEXT NOT NULL,
    event_id               TEXT NOT NULL,
    event_kind             TEXT NOT NULL DEFAULT '',
    consumed_at            TIMESTAMP NOT NULL,
    processing_duration_ms INTEGER NOT NULL DEFAULT 0,
    payload_digest         TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (consumer_name, event_id)
);
CREATE INDEX IF NOT EXISTS idx_inbox_consumed_at ON inbox(consumed_at);

-- Dead letter queue: terminal consumer failures held for replay
CREATE TABLE IF NOT EXISTS dlq (
    id              TEXT PRIMARY KEY,
    consumer_name   TEXT NOT NULL,
    event_id        TEXT NOT NULL,
    event_kind      TEXT NOT NULL,
    tenant_id       TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL DEFAULT '{}',
    error_kind      TEXT NOT NULL,
    error_detail    TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    first_failed_at TIMESTAMP NOT NULL,
    last_failed_at  TIMESTAMP NOT NULL,
    replayed        INTEGER NOT NULL DEFAULT 0,
    replayed_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_dlq_consumer_kind ON dlq(consumer_name, event_kind);
CREATE INDEX IF NOT EXISTS idx_dlq_last_failed ON dlq(last_failed_at);

-- Commands: durable tenant-scoped miner control requests
CREATE TABLE IF NOT EXISTS commands (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    site_id         TEXT NOT NULL,
    requester_id    TEXT NOT NULL DEFAULT '',
    target_scope    TEXT NOT NULL CHECK(target_scope IN ('miner','group','site')),
    target_ids      TEXT NOT NULL DEFAULT '[]',
    command_type    TEXT NOT NULL,
    payload         TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'pending',
    priority        INTEGER NOT NULL DEFAULT 0,
    require_approval INTEGER NOT NULL DEFAULT 0,
    approved_by     TEXT NOT NULL DEFAULT '',
    approved_at     TIMESTAMP,
    idempotency_key TEXT,
    dispatch_nonce  TEXT NOT NULL UNIQUE,
    signature       TEXT NOT NULL DEFAULT '',
    edge_device_id  TEXT NOT NULL DEFAULT '',
    fetch_count     INTEGER NOT NULL DEFAULT 0,
    fetched_at      TIMESTAMP,
    expires_at      TIMESTAMP NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, requester_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_commands_site_status ON commands(site_id, status);
CREATE INDEX IF NOT EXISTS idx_commands_expiry ON commands(expires_at) WHERE status IN ('queued','running');

-- Per-target command outcomes reported by edge devices
CREATE TABLE IF NOT EXISTS command_results (
    id             TEXT PRIMARY KEY,
    command_id     TEXT NOT NULL REFERENCES commands(id) ON DELETE CASCADE,
    edge_device_id TEXT NOT NULL DEFAULT '',
    miner_id       TEXT NOT NULL,
    started_at     TIMESTAMP,
    finished_at    TIMESTAMP,
    result_status  TEXT NOT NULL DEFAULT 'pending',
    result_message TEXT NOT NULL DEFAULT '',
    metrics        TEXT NOT NULL DEFAULT '{}',
    UNIQUE (command_id, miner_id)
);

-- Collector keys: only the SHA-256 of the credential is stored
CREATE TABLE IF NOT EXISTS collector_keys (
    id         TEXT PRIMARY KEY,
    site_id    TEXT NOT NULL,
    key_hash   TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL,
    revoked_at TIMESTAMP
);

-- Edge devices holding shared HMAC secrets (AES-GCM encrypted at rest)
CREATE TABLE IF NOT EXISTS devices (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    site_id          TEXT NOT NULL,
    name             TEXT NOT NULL DEFAULT '',
    encrypted_secret BLOB NOT NULL,
    created_at       TIMESTAMP NOT NULL,
    revoked_at       TIMESTAMP
);

-- Miner registry: scopes telemetry uploads to their site
CREATE TABLE IF NOT EXISTS miners (
    site_id    TEXT NOT NULL,
    miner_id   TEXT NOT NULL,
    tenant_id  TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (site_id, miner_id)
);

-- Live telemetry snapshot, one row per (site, miner), upserted per upload
CREATE TABLE IF NOT EXISTS telemetry_live (
    site_id           TEXT NOT NULL,
    miner_id          TEXT NOT NULL,
    online            INTEGER NOT NULL DEFAULT 0,
    hashrate_ghs      REAL,
    temperature_avg   REAL,
    temperature_min   REAL,
    temperature_max   REAL,
    temperature_chips TEXT NOT NULL DEFAULT '[]',
    fan_speeds        TEXT NOT NULL DEFAULT '[]',
    frequency_avg     REAL,
    accepted_shares   INTEGER,
    rejected_shares   INTEGER,
    hardware_errors   INTEGER,
    uptime_seconds    INTEGER,
    power_consumption REAL,
    pool_url          TEXT NOT NULL DEFAULT '',
    worker_name       TEXT NOT NULL DEFAULT '',
    pool_latency_ms   INTEGER,
    boards            TEXT NOT NULL DEFAULT '[]',
    boards_total      INTEGER NOT NULL DEFAULT 0,
    boards_healthy    INTEGER NOT NULL DEFAULT 0,
    overall_health    TEXT NOT NULL DEFAULT 'unknown',
    model             TEXT NOT NULL DEFAULT '',
    firmware_version  TEXT NOT NULL DEFAULT '',
    error_message     TEXT NOT NULL DEFAULT '',
    updated_at        TIMESTAMP NOT NULL,
    PRIMARY KEY (site_id, miner_id)
);

-- Append-only telemetry time-series; full record kept as JSON alongside
-- the columns the read paths filter on
CREATE TABLE IF NOT EXISTS telemetry_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id      TEXT NOT NULL,
    miner_id     TEXT NOT NULL,
    timestamp    TIMESTAMP NOT NULL,
    online       INTEGER NOT NULL DEFAULT 0,
    hashrate_ghs REAL,
    record       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_history_miner_ts ON telemetry_history(miner_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_history_site_ts ON telemetry_history(site_id, timestamp);

-- Per-request collector upload log
CREATE TABLE IF NOT EXISTS collector_upload_log (
    id                 TEXT PRIMARY KEY,
    site_id            TEXT NOT NULL,
    key_id             TEXT NOT NULL DEFAULT '',
    received_at        TIMESTAMP NOT NULL,
    miner_count        INTEGER NOT NULL DEFAULT 0,
    online_count       INTEGER NOT NULL DEFAULT 0,
    offline_count      INTEGER NOT NULL DEFAULT 0,
    processing_time_ms INTEGER NOT NULL DEFAULT 0,
    payload_size_bytes INTEGER NOT NULL DEFAULT 0,
    compression        TEXT NOT NULL DEFAULT 'none' CHECK(compression IN ('none','gzip')),
    client_ip          TEXT NOT NULL DEFAULT '',
    outcome            TEXT NOT NULL CHECK(outcome IN ('accepted','rejected')),
    reject_reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_upload_log_received ON collector_upload_log(received_at);

-- Append-only audit log; rows form a per-tenant SHA-256 hash chain in
-- insertion (rowid) order
CREATE TABLE IF NOT EXISTS audit (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    actor_id       TEXT NOT NULL DEFAULT '',
    event_type     TEXT NOT NULL,
    target_type    TEXT NOT NULL DEFAULT '',
    target_id      TEXT NOT NULL DEFAULT '',
    previous_hash  TEXT NOT NULL,
    payload_digest TEXT NOT NULL,
    self_hash      TEXT NOT NULL,
    created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit(tenant_id);

-- Portfolio read model maintained by the miner-count consumer
CREATE TABLE IF NOT EXISTS derived_miner_counts (
    tenant_id   TEXT PRIMARY KEY,
    miner_count INTEGER NOT NULL DEFAULT 0,
    updated_at  TIMESTAMP NOT NULL
);
`
