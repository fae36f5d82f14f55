package buffer

import (
	"sync"
	"testing"
)

func TestRingEmpty(t *testing.T) {
	r := New[int](3)
	if r.Len() != 0 {
		t.Fatalf("expected empty ring, got len %d", r.Len())
	}
	if _, ok := r.Last(); ok {
		t.Fatal("Last on empty ring should report no item")
	}
	if items := r.Items(); len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestRingPushBelowCapacity(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)

	items := r.Items()
	if len(items) != 2 || items[0] != 1 || items[1] != 2 {
		t.Fatalf("expected [1 2], got %v", items)
	}
	if last, _ := r.Last(); last != 2 {
		t.Fatalf("expected last 2, got %d", last)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	items := r.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, want := range []int{3, 4, 5} {
		if items[i] != want {
			t.Fatalf("expected %v at %d, got %v", want, i, items[i])
		}
	}
}

func TestRingClampsCapacity(t *testing.T) {
	r := New[string](0)
	if r.Cap() != 1 {
		t.Fatalf("expected capacity clamped to 1, got %d", r.Cap())
	}
	r.Push("a")
	r.Push("b")
	if last, _ := r.Last(); last != "b" {
		t.Fatalf("expected last b, got %s", last)
	}
	if r.Len() != 1 {
		t.Fatalf("expected len 1, got %d", r.Len())
	}
}

func TestRingItemsReturnsCopy(t *testing.T) {
	r := New[int](3)
	r.Push(1)

	items := r.Items()
	items[0] = 99

	if fresh := r.Items(); fresh[0] != 1 {
		t.Fatalf("ring contents mutated through returned slice: %v", fresh)
	}
}

func TestRingConcurrentPush(t *testing.T) {
	r := New[int](64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Push(n*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 64 {
		t.Fatalf("expected full ring, got %d", r.Len())
	}
}
