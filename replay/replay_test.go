package replay

import "testing"

const limit = ^uint64(0) - 0x2000

func TestFilterSequential(t *testing.T) {
	var f Filter
	for i := uint64(0); i < 1000; i++ {
		if !f.Validate(i, limit) {
			t.Fatalf("counter %d rejected on first delivery", i)
		}
	}
	for i := uint64(0); i < 1000; i++ {
		if f.Validate(i, limit) {
			t.Fatalf("counter %d accepted on second delivery", i)
		}
	}
}

func TestFilterOutOfOrder(t *testing.T) {
	var f Filter
	order := []uint64{5, 1, 3, 0, 2, 4, 9, 7}
	for _, v := range order {
		if !f.Validate(v, limit) {
			t.Fatalf("counter %d rejected", v)
		}
	}
	for _, v := range order {
		if f.Validate(v, limit) {
			t.Fatalf("replayed counter %d accepted", v)
		}
	}
	// 6 and 8 were skipped and are still inside the window.
	if !f.Validate(6, limit) || !f.Validate(8, limit) {
		t.Fatal("in-window counters rejected")
	}
}

func TestFilterBehindWindow(t *testing.T) {
	var f Filter
	if !f.Validate(WindowSize+100, limit) {
		t.Fatal("initial counter rejected")
	}
	if f.Validate(50, limit) {
		t.Fatal("counter far behind window accepted")
	}
	if !f.Validate(WindowSize+99, limit) {
		t.Fatal("counter just inside window rejected")
	}
}

func TestFilterLargeJump(t *testing.T) {
	var f Filter
	if !f.Validate(0, limit) {
		t.Fatal("counter 0 rejected")
	}
	// Jump far enough to clear the entire ring.
	jump := uint64(10 * WindowSize)
	if !f.Validate(jump, limit) {
		t.Fatal("counter after large jump rejected")
	}
	if f.Validate(jump, limit) {
		t.Fatal("replay after large jump accepted")
	}
	if f.Validate(0, limit) {
		t.Fatal("stale counter accepted after large jump")
	}
}

func TestFilterLimit(t *testing.T) {
	var f Filter
	if f.Validate(limit, limit) {
		t.Fatal("counter at limit accepted")
	}
	if !f.Validate(limit-1, limit) {
		t.Fatal("counter below limit rejected")
	}
}

func TestFilterReset(t *testing.T) {
	var f Filter
	f.Validate(42, limit)
	f.Reset()
	if !f.Validate(42, limit) {
		t.Fatal("counter rejected after reset")
	}
}
