package rings

import (
	"fmt"
	"sync"
	"testing"
)

func TestRing_AppendAndTail(t *testing.T) {
	r := New[int](5)
	for i := 1; i <= 3; i++ {
		r.Append(i)
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	if got := r.Tail(0); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("Tail(0) = %v", got)
	}
	if got := r.Tail(2); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("Tail(2) = %v", got)
	}
	if got := r.Tail(10); len(got) != 3 {
		t.Fatalf("Tail beyond count = %v", got)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 7; i++ {
		r.Append(i)
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	got := r.Tail(0)
	want := []int{5, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tail after wrap = %v, want %v", got, want)
		}
	}
}

func TestRing_Drain(t *testing.T) {
	r := New[string](4)
	for i := 0; i < 6; i++ {
		r.Append(fmt.Sprintf("m%d", i))
	}
	out := r.Drain()
	if len(out) != 4 || out[0] != "m2" || out[3] != "m5" {
		t.Fatalf("Drain = %v", out)
	}
	if r.Len() != 0 {
		t.Fatalf("Len after drain = %d", r.Len())
	}
	if got := r.Drain(); len(got) != 0 {
		t.Fatalf("second Drain = %v", got)
	}

	// The ring is reusable after a drain.
	r.Append("fresh")
	if got := r.Tail(0); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("Tail after reuse = %v", got)
	}
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := New[int](0)
	r.Append(1)
	r.Append(2)
	if got := r.Tail(0); len(got) != 1 || got[0] != 2 {
		t.Fatalf("Tail = %v, want [2]", got)
	}
}

func TestRing_ConcurrentAppend(t *testing.T) {
	r := New[int](64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Append(i)
				r.Tail(10)
			}
		}()
	}
	wg.Wait()
	if got := r.Len(); got != 64 {
		t.Fatalf("Len = %d, want full ring", got)
	}
}
