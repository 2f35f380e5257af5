package driver

import "time"

// EventType discriminates the fan-in event stream.
type EventType string

const (
	// EventNavigated fires when the top-level frame of a page commits a
	// navigation.
	EventNavigated EventType = "navigated"
	// EventFrameNavigated fires when a subframe finishes loading after a
	// navigation.
	EventFrameNavigated EventType = "frame_navigated"
	// EventConsole carries one console API call.
	EventConsole EventType = "console"
	// EventPageError carries an uncaught page exception.
	EventPageError EventType = "page_error"
	// EventDialog reports a JS dialog the adapter auto-handled.
	EventDialog EventType = "dialog"
	// EventDownload reports a download the page initiated.
	EventDownload EventType = "download"
	// EventPageOpened fires when the browser reports a page the daemon did
	// not open itself (window.open, target=_blank).
	EventPageOpened EventType = "page_opened"
	// EventPageClosed fires when a page target is destroyed.
	EventPageClosed EventType = "page_closed"
)

// Event is one entry in the driver's fan-in stream. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type     EventType
	TargetID string
	Time     time.Time

	URL     string // navigated, frame_navigated, console, download
	Level   string // console: log, warning, error, ...
	Text    string // console text or page error message
	Dialog  string // dialog type: alert, confirm, prompt, beforeunload
	Action  string // dialog: how the adapter answered (accept, dismiss)
	Message string // dialog message
}
