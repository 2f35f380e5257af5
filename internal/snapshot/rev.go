package snapshot

import "sync/atomic"

// Rev is a session's monotonic page revision counter. It is bumped by the
// driver event consumer on committed navigations, completed subframe
// navigations, page switches, and loaded new pages — never by DOM
// mutations or hash changes.
type Rev struct {
	n atomic.Int64
}

// Current returns the revision at this instant.
func (r *Rev) Current() int64 { return r.n.Load() }

// Bump increments the revision and returns the new value.
func (r *Rev) Bump() int64 { return r.n.Add(1) }
