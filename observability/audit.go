package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/agentmb/dbopen"
	"github.com/hazyhaar/agentmb/idgen"
)

// Audit entry types.
const (
	EntryAction    = "action"    // a browser action executed through the pipeline
	EntryPolicy    = "policy"    // a policy gate decision (throttle, deny)
	EntryLifecycle = "lifecycle" // session created, sealed, killed, adopted
)

// Audit entry statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

// AuditEntry is a single row in the persistent action audit trail. It mirrors
// the shape of the in-memory audit ring so the two stores stay interchangeable.
type AuditEntry struct {
	EntryID   string
	Timestamp time.Time
	V         int // record schema version, currently 1

	SessionID string
	ActionID  string
	EntryType string // EntryAction, EntryPolicy or EntryLifecycle
	Action    string // verb or event name, e.g. "click", "throttle", "session_sealed"

	URL      string
	Selector string
	Params   string // JSON
	Result   string // JSON
	Error    string
	Purpose  string
	Operator string

	DurationMs int64
	Status     string // StatusSuccess, StatusError or StatusDenied
}

// AuditFilter controls query results from the audit trail.
type AuditFilter struct {
	Since     *time.Time
	Until     *time.Time
	SessionID *string
	Operator  *string
	EntryType *string
	Action    *string
	Status    *string
	Limit     int    // default 100
	Offset    int
	OrderBy   string // "ts", "duration_ms", "session_id" or "status"
	OrderDir  string // "ASC" or "DESC"
}

// AuditLogger persists action audit entries asynchronously. Inserts run inside
// busy-retrying transactions so concurrent session writers never lose rows to
// SQLITE_BUSY.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets a custom ID generator for audit entry IDs.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger creates an async audit logger. Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Log inserts an audit entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	a.fillDefaults(entry)
	return a.insert(ctx, entry)
}

// LogAsync queues an entry for async persistence.
// Falls back to synchronous insert if the buffer is full.
func (a *AuditLogger) LogAsync(entry *AuditEntry) {
	a.fillDefaults(entry)
	select {
	case a.ch <- entry:
	default:
		slog.Warn("audit buffer full, sync fallback", "session_id", entry.SessionID)
		if err := a.insert(context.Background(), entry); err != nil {
			slog.Error("audit sync fallback failed", "error", err)
		}
	}
}

// NewActionEntry builds an EntryAction record from a completed browser action.
// Params and result are marshalled to JSON.
func (a *AuditLogger) NewActionEntry(sessionID, actionID, action string, params, result interface{}, err error, duration time.Duration) *AuditEntry {
	entry := &AuditEntry{
		EntryID:    a.newID(),
		Timestamp:  time.Now(),
		V:          1,
		SessionID:  sessionID,
		ActionID:   actionID,
		EntryType:  EntryAction,
		Action:     action,
		DurationMs: duration.Milliseconds(),
	}

	if params != nil {
		if b, e := json.Marshal(params); e == nil {
			entry.Params = string(b)
		}
	}
	if err != nil {
		entry.Status = StatusError
		entry.Error = err.Error()
	} else {
		entry.Status = StatusSuccess
		if result != nil {
			if b, e := json.Marshal(result); e == nil {
				entry.Result = string(b)
			}
		}
	}
	return entry
}

// Query retrieves audit entries matching the given filter.
func (a *AuditLogger) Query(ctx context.Context, f *AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, ts, v, session_id, action_id, entry_type, action,
		url, selector, params, result, error, purpose, operator,
		duration_ms, status
		FROM action_audit WHERE 1=1`
	var args []interface{}

	if f.Since != nil {
		q += " AND ts >= ?"
		args = append(args, f.Since.Unix())
	}
	if f.Until != nil {
		q += " AND ts <= ?"
		args = append(args, f.Until.Unix())
	}
	if f.SessionID != nil {
		q += " AND session_id = ?"
		args = append(args, *f.SessionID)
	}
	if f.Operator != nil {
		q += " AND operator = ?"
		args = append(args, *f.Operator)
	}
	if f.EntryType != nil {
		q += " AND entry_type = ?"
		args = append(args, *f.EntryType)
	}
	if f.Action != nil {
		q += " AND action = ?"
		args = append(args, *f.Action)
	}
	if f.Status != nil {
		q += " AND status = ?"
		args = append(args, *f.Status)
	}

	orderBy := "ts"
	if f.OrderBy != "" {
		switch f.OrderBy {
		case "ts", "duration_ms", "session_id", "status":
			orderBy = f.OrderBy
		default:
			return nil, fmt.Errorf("invalid order_by column: %q", f.OrderBy)
		}
	}
	orderDir := "DESC"
	if f.OrderDir != "" {
		switch strings.ToUpper(f.OrderDir) {
		case "ASC", "DESC":
			orderDir = strings.ToUpper(f.OrderDir)
		default:
			return nil, fmt.Errorf("invalid order_dir: %q", f.OrderDir)
		}
	}
	q += fmt.Sprintf(" ORDER BY %s %s", orderBy, orderDir)

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var actionID, url, selector sql.NullString
		var result, errMsg, purpose, operator sql.NullString
		var durationMs sql.NullInt64

		if err := rows.Scan(
			&e.EntryID, &ts, &e.V, &e.SessionID, &actionID, &e.EntryType, &e.Action,
			&url, &selector, &e.Params, &result, &errMsg, &purpose, &operator,
			&durationMs, &e.Status,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		e.Timestamp = time.Unix(ts, 0)
		if actionID.Valid {
			e.ActionID = actionID.String
		}
		if url.Valid {
			e.URL = url.String
		}
		if selector.Valid {
			e.Selector = selector.String
		}
		if result.Valid {
			e.Result = result.String
		}
		if errMsg.Valid {
			e.Error = errMsg.String
		}
		if purpose.Valid {
			e.Purpose = purpose.String
		}
		if operator.Valid {
			e.Operator = operator.String
		}
		if durationMs.Valid {
			e.DurationMs = durationMs.Int64
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes audit entries older than retentionDays.
func (a *AuditLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := dbopen.Exec(ctx, a.db, "DELETE FROM action_audit WHERE ts < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit trail: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.V == 0 {
		e.V = 1
	}
	if e.EntryType == "" {
		e.EntryType = EntryAction
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := dbopen.RunTx(ctx, a.db, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, insertAuditSQL)
			if err != nil {
				return fmt.Errorf("prepare: %w", err)
			}
			defer stmt.Close()

			for _, e := range batch {
				if _, err := stmt.ExecContext(ctx, insertAuditArgs(e)...); err != nil {
					return fmt.Errorf("insert %s: %w", e.EntryID, err)
				}
			}
			return nil
		})
		if err != nil {
			slog.Error("audit flush failed", "error", err, "batch", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			// drain channel
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertAuditSQL = `INSERT INTO action_audit
	(entry_id, ts, v, session_id, action_id, entry_type, action,
	 url, selector, params, result, error, purpose, operator,
	 duration_ms, status)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func insertAuditArgs(e *AuditEntry) []interface{} {
	return []interface{}{
		e.EntryID, e.Timestamp.Unix(), e.V, e.SessionID, e.ActionID, e.EntryType, e.Action,
		e.URL, e.Selector, e.Params, e.Result, e.Error, e.Purpose, e.Operator,
		e.DurationMs, e.Status,
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := dbopen.Exec(ctx, a.db, insertAuditSQL, insertAuditArgs(e)...)
	return err
}
