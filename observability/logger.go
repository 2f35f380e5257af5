package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/agentmb/idgen"
)

// Session lifecycle event types.
const (
	EventSessionCreated  = "session_created"
	EventSessionAttached = "session_attached"
	EventSessionSealed   = "session_sealed"
	EventSessionReleased = "session_released"
	EventSessionKilled   = "session_killed"
	EventZombieAdopted   = "zombie_adopted"
	EventDaemonStarted   = "daemon_started"
	EventDaemonStopped   = "daemon_stopped"
)

// SessionEvent records a session lifecycle transition.
type SessionEvent struct {
	EventType string
	SessionID string
	Operator  string
	Profile   string
	Details   string // optional JSON
	Success   bool
}

// EventLogger writes session lifecycle events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a lifecycle event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never blocks the daemon.
func (l *EventLogger) LogEvent(ctx context.Context, event SessionEvent) {
	eventID := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_events (
			event_id, event_type, session_id, operator, profile,
			details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		eventID, event.EventType, event.SessionID, event.Operator, event.Profile,
		event.Details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("session event log failed", "error", err, "event_type", event.EventType)
	}
}

// LogHeartbeat records a lightweight heartbeat row (for callers that prefer
// the simpler EventLogger interface instead of HeartbeatWriter).
func (l *EventLogger) LogHeartbeat(ctx context.Context, daemonName string, pid int, machineName string) {
	heartbeatID := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO daemon_heartbeats (
			heartbeat_id, daemon_name, hostname, pid, timestamp
		) VALUES (?,?,?,?,?)`,
		heartbeatID, daemonName, machineName, pid, time.Now().Unix())
	if err != nil {
		slog.Warn("heartbeat log failed", "error", err, "daemon", daemonName)
	}
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	AuditDays      int
	EventsDays     int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// allowedTables and allowedColumns are whitelists to prevent SQL injection
	// if this pattern is ever refactored to accept external input.
	allowedTables := map[string]bool{
		"action_audit":      true,
		"session_events":    true,
		"daemon_heartbeats": true,
	}
	allowedColumns := map[string]bool{
		"ts":         true,
		"created_at": true,
		"timestamp":  true,
	}

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"action_audit", "ts", cfg.AuditDays},
		{"session_events", "created_at", cfg.EventsDays},
		{"daemon_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if !allowedTables[t.table] || !allowedColumns[t.column] {
			return fmt.Errorf("cleanup: invalid table/column %s/%s", t.table, t.column)
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
