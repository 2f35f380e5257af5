// Package snapshot holds the per-session page revision counter and the
// snapshot/ref registry: immutable captures of interactive elements that
// remain addressable as "snap_x:eN" refs while the page revision they
// were taken at is still current.
package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hazyhaar/agentmb/idgen"
)

// Element is one captured interactive element. The JSON shape is the wire
// shape of element_map and snapshot_map responses.
type Element struct {
	Ref            string   `json:"ref,omitempty"` // snapshot_map only: "<snapshot_id>:eN"
	ElementID      string   `json:"element_id"`    // in-DOM attribute value, "eN"
	Tag            string   `json:"tag"`
	Role           string   `json:"role,omitempty"`
	Text           string   `json:"text,omitempty"`
	Name           string   `json:"name,omitempty"`
	Placeholder    string   `json:"placeholder,omitempty"`
	Href           string   `json:"href,omitempty"`
	Type           string   `json:"type,omitempty"`
	Label          string   `json:"label"`
	LabelSource    string   `json:"label_source"`
	OverlayBlocked bool     `json:"overlay_blocked"`
	Rect           RectJSON `json:"rect"`
}

// RectJSON is the captured bounding rectangle.
type RectJSON struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Snapshot is an immutable capture bound to one page revision.
type Snapshot struct {
	ID       string
	PageRev  int64
	Elements []Element
}

// StaleRefError is returned when a ref's snapshot no longer matches the
// session's page revision, or when the snapshot has been evicted.
type StaleRefError struct {
	RefID       string
	SnapshotRev int64 // -1 when the snapshot is gone
	CurrentRev  int64
	Suggestion  string
}

func (e *StaleRefError) Error() string {
	return fmt.Sprintf("stale ref %s: snapshot page_rev %d, current %d", e.RefID, e.SnapshotRev, e.CurrentRev)
}

// BadRefError is returned for syntactically invalid refs.
type BadRefError struct {
	RefID  string
	Reason string
}

func (e *BadRefError) Error() string {
	return fmt.Sprintf("bad ref %q: %s", e.RefID, e.Reason)
}

// Registry stores a session's snapshots under an LRU bound. Writes happen
// under the session serializer; reads may come from any handler.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Snapshot]
	newID idgen.Generator
}

// NewRegistry creates a registry retaining at most k snapshots.
func NewRegistry(k int) (*Registry, error) {
	if k < 1 {
		k = 1
	}
	c, err := lru.New[string, *Snapshot](k)
	if err != nil {
		return nil, fmt.Errorf("snapshot: lru: %w", err)
	}
	return &Registry{cache: c, newID: idgen.Snap}, nil
}

// Add stores a capture taken at pageRev and assigns refs to its elements.
func (r *Registry) Add(pageRev int64, elements []Element) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Snapshot{ID: r.newID(), PageRev: pageRev, Elements: elements}
	for i := range s.Elements {
		s.Elements[i].Ref = fmt.Sprintf("%s:e%d", s.ID, i)
	}
	r.cache.Add(s.ID, s)
	return s
}

// Resolve maps a ref to its captured element, enforcing the page-rev
// guard. currentRev must be read under the session serializer so the
// check and the subsequent locator use see the same revision.
func (r *Registry) Resolve(refID string, currentRev int64) (*Element, error) {
	snapID, localIdx, err := ParseRef(refID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	snap, ok := r.cache.Get(snapID)
	r.mu.Unlock()
	if !ok {
		return nil, &StaleRefError{
			RefID:       refID,
			SnapshotRev: -1,
			CurrentRev:  currentRev,
			Suggestion:  "snapshot evicted; call snapshot_map again for fresh refs",
		}
	}
	if snap.PageRev != currentRev {
		return nil, &StaleRefError{
			RefID:       refID,
			SnapshotRev: snap.PageRev,
			CurrentRev:  currentRev,
			Suggestion:  fmt.Sprintf("page changed since capture; call snapshot_map again (current page_rev %d)", currentRev),
		}
	}
	if localIdx < 0 || localIdx >= len(snap.Elements) {
		return nil, &BadRefError{RefID: refID, Reason: fmt.Sprintf("element index out of range (snapshot has %d elements)", len(snap.Elements))}
	}
	return &snap.Elements[localIdx], nil
}

// Len reports how many snapshots are retained.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// ParseRef splits "snap_x:eN" into its snapshot ID and element index.
func ParseRef(refID string) (snapID string, idx int, err error) {
	snapID, local, ok := strings.Cut(refID, ":")
	if !ok || !strings.HasPrefix(snapID, "snap_") {
		return "", 0, &BadRefError{RefID: refID, Reason: "want format snap_<id>:eN"}
	}
	if !strings.HasPrefix(local, "e") {
		return "", 0, &BadRefError{RefID: refID, Reason: "element part must be eN"}
	}
	idx, convErr := strconv.Atoi(local[1:])
	if convErr != nil {
		return "", 0, &BadRefError{RefID: refID, Reason: "element part must be eN"}
	}
	return snapID, idx, nil
}
