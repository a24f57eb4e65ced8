package damage

import (
	"image"
	"testing"
)

func TestMarkAndTakeAll(t *testing.T) {
	a := New(16)

	a.Mark(1, image.Rect(0, 0, 10, 10))
	a.Mark(1, image.Rect(20, 20, 30, 30))
	a.Mark(2, image.Rect(5, 5, 15, 15))

	got := a.TakeAll()
	if len(got) != 2 {
		t.Fatalf("expected 2 damaged windows, got %d", len(got))
	}
	if len(got[1]) != 2 {
		t.Errorf("window 1: expected 2 rects, got %v", got[1])
	}
	if len(got[2]) != 1 || got[2][0] != image.Rect(5, 5, 15, 15) {
		t.Errorf("window 2: unexpected rects %v", got[2])
	}

	// The accumulator is empty after a take-all.
	if a.Pending() != 0 {
		t.Errorf("expected 0 pending windows, got %d", a.Pending())
	}
	if len(a.TakeAll()) != 0 {
		t.Error("second take-all returned damage")
	}
}

func TestCoalesceAtCap(t *testing.T) {
	a := New(4)

	for i := 0; i < 4; i++ {
		a.Mark(1, image.Rect(i*10, 0, i*10+5, 5))
	}
	// The fifth rect crosses the cap and collapses everything.
	a.Mark(1, image.Rect(100, 100, 110, 110))

	got := a.TakeAll()
	if len(got[1]) != 1 {
		t.Fatalf("expected 1 coalesced rect, got %v", got[1])
	}
	want := image.Rect(0, 0, 110, 110)
	if got[1][0] != want {
		t.Errorf("expected bounding box %v, got %v", want, got[1][0])
	}
}

func TestCoalescedModeExtendsBound(t *testing.T) {
	a := New(2)

	a.Mark(1, image.Rect(0, 0, 10, 10))
	a.Mark(1, image.Rect(10, 0, 20, 10))
	a.Mark(1, image.Rect(0, 10, 10, 20))
	// Now coalesced; further marks extend the single bound.
	a.Mark(1, image.Rect(50, 50, 60, 60))

	got := a.TakeAll()
	if len(got[1]) != 1 {
		t.Fatalf("expected 1 rect, got %v", got[1])
	}
	if got[1][0] != image.Rect(0, 0, 60, 60) {
		t.Errorf("expected extended bound, got %v", got[1][0])
	}
}

func TestCoalescedModeResetsAfterTakeAll(t *testing.T) {
	a := New(2)

	a.Mark(1, image.Rect(0, 0, 10, 10))
	a.Mark(1, image.Rect(10, 0, 20, 10))
	a.Mark(1, image.Rect(20, 0, 30, 10))
	a.TakeAll()

	// Fresh marks accumulate individually again.
	a.Mark(1, image.Rect(0, 0, 5, 5))
	a.Mark(1, image.Rect(10, 10, 15, 15))

	got := a.TakeAll()
	if len(got[1]) != 2 {
		t.Errorf("expected 2 rects after reset, got %v", got[1])
	}
}

func TestCapIsPerWindow(t *testing.T) {
	a := New(3)

	for i := 0; i < 5; i++ {
		a.Mark(1, image.Rect(i, i, i+1, i+1))
	}
	a.Mark(2, image.Rect(0, 0, 1, 1))

	got := a.TakeAll()
	if len(got[1]) != 1 {
		t.Errorf("window 1: expected coalesced damage, got %v", got[1])
	}
	if len(got[2]) != 1 {
		t.Errorf("window 2: expected 1 rect, got %v", got[2])
	}
}

func TestEmptyRectsIgnored(t *testing.T) {
	a := New(16)

	a.Mark(1, image.Rectangle{})
	a.Mark(1, image.Rect(10, 10, 10, 20))

	if a.Pending() != 0 {
		t.Fatalf("empty marks left %d pending windows", a.Pending())
	}
	got := a.TakeAll()
	if _, ok := got[1]; ok {
		t.Errorf("window with only empty marks present in TakeAll: %v", got[1])
	}
}

func TestForget(t *testing.T) {
	a := New(16)

	a.Mark(1, image.Rect(0, 0, 10, 10))
	a.Mark(2, image.Rect(0, 0, 10, 10))
	a.Forget(1)

	got := a.TakeAll()
	if _, ok := got[1]; ok {
		t.Error("forgotten window still present")
	}
	if _, ok := got[2]; !ok {
		t.Error("unrelated window dropped")
	}
}

func TestNonPositiveCapUsesDefault(t *testing.T) {
	a := New(0)

	for i := 0; i <= DefaultCoalesceCap; i++ {
		a.Mark(1, image.Rect(i*2, 0, i*2+1, 1))
	}

	got := a.TakeAll()
	if len(got[1]) != 1 {
		t.Errorf("expected coalesce at default cap, got %d rects", len(got[1]))
	}
}
