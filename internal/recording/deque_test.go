package recording

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDeque_PushPopWraps(t *testing.T) {
	var d deque[int]
	for i := 0; i < 20; i++ {
		d.PushBack(i)
	}
	for i := 0; i < 10; i++ {
		v, ok := d.PopFront()
		if !ok || v != i {
			t.Fatalf("PopFront: got %d,%v want %d", v, ok, i)
		}
	}
	// Push enough to wrap around the ring and then force a grow.
	for i := 20; i < 45; i++ {
		d.PushBack(i)
	}

	want := make([]int, 0, 35)
	for i := 10; i < 45; i++ {
		want = append(want, i)
	}
	if diff := cmp.Diff(want, d.Slice()); diff != "" {
		t.Errorf("Slice mismatch (-want +got):\n%s", diff)
	}
	if d.Len() != 35 {
		t.Errorf("Len: got %d want 35", d.Len())
	}
}

func TestDeque_Empty(t *testing.T) {
	var d deque[string]
	if _, ok := d.Front(); ok {
		t.Error("Front on empty deque should report !ok")
	}
	if _, ok := d.PopFront(); ok {
		t.Error("PopFront on empty deque should report !ok")
	}
	if got := d.Slice(); len(got) != 0 {
		t.Errorf("Slice on empty deque: got %v", got)
	}

	d.PushBack("a")
	d.Reset()
	if d.Len() != 0 {
		t.Errorf("Len after Reset: got %d", d.Len())
	}
}
