package observability

import "database/sql"

// Schema contains the complete DDL for the daemon's observability tables.
// Call Init(db) to apply it, or pass it to dbopen.WithSchema to embed in
// your own schema management.
const Schema = `
-- Daemon Heartbeats
CREATE TABLE IF NOT EXISTS daemon_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    daemon_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_daemon_time
    ON daemon_heartbeats(daemon_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_heartbeats_timestamp
    ON daemon_heartbeats(timestamp DESC);

-- Metrics Timeseries
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

CREATE TABLE IF NOT EXISTS metrics_metadata (
    metric_name TEXT PRIMARY KEY,
    metric_type TEXT NOT NULL,
    description TEXT,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);

-- Action Audit Trail
-- Persistent mirror of the per-session in-memory audit ring. One row per
-- browser action, policy event or lifecycle transition.
CREATE TABLE IF NOT EXISTS action_audit (
    entry_id TEXT PRIMARY KEY,
    ts INTEGER NOT NULL,
    v INTEGER NOT NULL DEFAULT 1,
    session_id TEXT NOT NULL,
    action_id TEXT,
    entry_type TEXT NOT NULL,
    action TEXT NOT NULL,
    url TEXT,
    selector TEXT,
    params TEXT NOT NULL DEFAULT '{}',
    result TEXT,
    error TEXT,
    purpose TEXT,
    operator TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON action_audit(ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_session ON action_audit(session_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_operator ON action_audit(operator, ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_status ON action_audit(status);

-- Session Lifecycle Events
CREATE TABLE IF NOT EXISTS session_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    session_id TEXT NOT NULL,
    operator TEXT,
    profile TEXT,
    details TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_session_events_type ON session_events(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('daemon_heartbeats', 'Daemon liveness heartbeats with runtime metrics'),
    ('metrics_timeseries', 'Timeseries metric datapoints'),
    ('metrics_metadata', 'Metric type definitions'),
    ('action_audit', 'Per-action audit trail mirrored from session rings'),
    ('session_events', 'Session lifecycle events');
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
