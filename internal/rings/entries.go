package rings

import "time"

// Audit entry types mirrored on the wire and in the persistent store.
const (
	TypeAction = "action"
	TypePolicy = "policy"
	TypeSystem = "system"
)

// AuditEntry is one row of the in-memory audit ring. The wire shape is
// stable; the persistent observability store mirrors it.
type AuditEntry struct {
	Timestamp time.Time      `json:"ts"`
	V         int            `json:"v"`
	SessionID string         `json:"session_id"`
	ActionID  int64          `json:"action_id"`
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	URL       string         `json:"url,omitempty"`
	Selector  string         `json:"selector,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Purpose   string         `json:"purpose,omitempty"`
	Operator  string         `json:"operator,omitempty"`
}

// ConsoleEntry is one captured console API call.
type ConsoleEntry struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	URL       string    `json:"url,omitempty"`
}

// PageErrorEntry is one uncaught page exception.
type PageErrorEntry struct {
	Timestamp time.Time `json:"ts"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
}

// DialogEntry records a JS dialog and how it was answered.
type DialogEntry struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Message   string    `json:"message,omitempty"`
}
