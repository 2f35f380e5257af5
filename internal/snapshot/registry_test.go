package snapshot

import (
	"errors"
	"fmt"
	"testing"
)

func elems(n int) []Element {
	out := make([]Element, n)
	for i := range out {
		out[i] = Element{
			ElementID: fmt.Sprintf("e%d", i),
			Tag:       "button",
			Label:     fmt.Sprintf("Button %d", i),
		}
	}
	return out
}

func TestRegistry_AddAssignsRefs(t *testing.T) {
	r, err := NewRegistry(4)
	if err != nil {
		t.Fatal(err)
	}
	snap := r.Add(7, elems(3))
	if snap.PageRev != 7 {
		t.Fatalf("PageRev = %d", snap.PageRev)
	}
	for i, el := range snap.Elements {
		want := fmt.Sprintf("%s:e%d", snap.ID, i)
		if el.Ref != want {
			t.Fatalf("element %d ref = %q, want %q", i, el.Ref, want)
		}
	}
}

func TestRegistry_ResolveCurrentRev(t *testing.T) {
	r, _ := NewRegistry(4)
	snap := r.Add(3, elems(2))

	el, err := r.Resolve(snap.ID+":e1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if el.ElementID != "e1" {
		t.Fatalf("resolved element = %+v", el)
	}
}

func TestRegistry_ResolveStaleRev(t *testing.T) {
	r, _ := NewRegistry(4)
	snap := r.Add(3, elems(2))

	_, err := r.Resolve(snap.ID+":e0", 4)
	var stale *StaleRefError
	if !errors.As(err, &stale) {
		t.Fatalf("err = %v, want StaleRefError", err)
	}
	if stale.SnapshotRev != 3 || stale.CurrentRev != 4 {
		t.Fatalf("stale = %+v", stale)
	}
	if stale.Suggestion == "" {
		t.Fatal("stale ref carries no suggestion")
	}
}

func TestRegistry_ResolveEvicted(t *testing.T) {
	r, _ := NewRegistry(2)
	first := r.Add(1, elems(1))
	r.Add(1, elems(1))
	r.Add(1, elems(1)) // evicts first

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	_, err := r.Resolve(first.ID+":e0", 1)
	var stale *StaleRefError
	if !errors.As(err, &stale) {
		t.Fatalf("err = %v, want StaleRefError", err)
	}
	if stale.SnapshotRev != -1 {
		t.Fatalf("evicted snapshot rev = %d, want -1", stale.SnapshotRev)
	}
}

func TestRegistry_ResolveBadRefs(t *testing.T) {
	r, _ := NewRegistry(2)
	snap := r.Add(1, elems(2))

	cases := []string{
		"nonsense",
		"snap_abc",        // no element part
		"other_1:e0",      // wrong prefix
		snap.ID + ":x1",   // element part not eN
		snap.ID + ":e",    // missing index
		snap.ID + ":enan", // non-numeric index
	}
	for _, ref := range cases {
		_, err := r.Resolve(ref, 1)
		var bad *BadRefError
		if !errors.As(err, &bad) {
			t.Fatalf("ref %q: err = %v, want BadRefError", ref, err)
		}
	}

	// Well-formed but out of range is a bad ref, not stale.
	_, err := r.Resolve(snap.ID+":e99", 1)
	var bad *BadRefError
	if !errors.As(err, &bad) {
		t.Fatalf("out-of-range ref: err = %v, want BadRefError", err)
	}
}

func TestParseRef(t *testing.T) {
	id, idx, err := ParseRef("snap_ab12:e7")
	if err != nil {
		t.Fatal(err)
	}
	if id != "snap_ab12" || idx != 7 {
		t.Fatalf("ParseRef = %q, %d", id, idx)
	}
}
