package vm

import "testing"

func TestHeapAllocateGet(t *testing.T) {
	h := NewHeap()

	hv := NewHeapValue(HeapTuple, 2)
	hv.Elems[0] = NewInt(1)
	hv.Elems[1] = NewInt(2)

	handle := h.Allocate(hv)
	if !h.IsValid(handle) {
		t.Fatalf("handle %d should be valid after allocate", handle)
	}
	got := h.Get(handle)
	if got == nil || got.Len() != 2 {
		t.Fatalf("Get returned %v, want tuple of 2", got)
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
}

func TestHeapHandleUniqueness(t *testing.T) {
	h := NewHeap()
	seen := map[Handle]bool{}
	for i := 0; i < 100; i++ {
		handle := h.Allocate(NewHeapValue(HeapList, 0))
		if seen[handle] {
			t.Fatalf("handle %d issued twice while live", handle)
		}
		seen[handle] = true
	}
}

func TestHeapDeallocateRecycles(t *testing.T) {
	h := NewHeap()
	a := h.Allocate(NewHeapValue(HeapList, 0))
	b := h.Allocate(NewHeapValue(HeapList, 0))

	if v := h.Deallocate(a); v == nil {
		t.Fatal("Deallocate of live handle returned nil")
	}
	if h.IsValid(a) {
		t.Error("handle still valid after deallocate")
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}

	// Freed handle comes back on the next allocation.
	c := h.Allocate(NewHeapValue(HeapDict, 0))
	if c != a {
		t.Errorf("recycled handle = %d, want %d", c, a)
	}
	if !h.IsValid(b) || !h.IsValid(c) {
		t.Error("live handles invalidated by recycling")
	}
}

func TestHeapDeallocateInvalid(t *testing.T) {
	h := NewHeap()
	if v := h.Deallocate(42); v != nil {
		t.Errorf("Deallocate of never-allocated handle returned %v, want nil", v)
	}
	// Double free is a no-op returning nil.
	handle := h.Allocate(NewHeapValue(HeapList, 0))
	h.Deallocate(handle)
	if v := h.Deallocate(handle); v != nil {
		t.Errorf("double Deallocate returned %v, want nil", v)
	}
}

func TestHeapWrite(t *testing.T) {
	h := NewHeap()
	handle := h.Allocate(NewHeapValue(HeapList, 0))

	repl := NewHeapValue(HeapList, 1)
	repl.Elems[0] = NewString("x")
	if err := h.Write(handle, repl); err != nil {
		t.Fatalf("Write to live handle: %v", err)
	}
	if got := h.Get(handle); got.Len() != 1 {
		t.Errorf("Write did not replace value, got %v", got)
	}

	h.Deallocate(handle)
	if err := h.Write(handle, repl); err != ErrInvalidHandle {
		t.Errorf("Write to freed handle = %v, want ErrInvalidHandle", err)
	}
}

func TestHeapValidityInvariant(t *testing.T) {
	// A handle is valid iff allocated and not yet deallocated since its
	// last allocation, and Len always equals the live count.
	h := NewHeap()
	live := map[Handle]bool{}

	ops := []struct {
		alloc bool
		idx   int
	}{
		{alloc: true}, {alloc: true}, {alloc: true},
		{alloc: false, idx: 1},
		{alloc: true},
		{alloc: false, idx: 0},
		{alloc: false, idx: 2},
		{alloc: true}, {alloc: true},
	}

	var handles []Handle
	for _, op := range ops {
		if op.alloc {
			handle := h.Allocate(NewHeapValue(HeapList, 0))
			handles = append(handles, handle)
			live[handle] = true
		} else {
			handle := handles[op.idx]
			if live[handle] {
				h.Deallocate(handle)
				delete(live, handle)
			}
		}
		if h.Len() != len(live) {
			t.Fatalf("Len = %d, want %d", h.Len(), len(live))
		}
		for handle, want := range live {
			if h.IsValid(handle) != want {
				t.Fatalf("IsValid(%d) = %v, want %v", handle, !want, want)
			}
		}
	}
}

func TestHeapClear(t *testing.T) {
	h := NewHeap()
	h.Allocate(NewHeapValue(HeapList, 0))
	h.Allocate(NewHeapValue(HeapDict, 0))
	h.Clear()
	if h.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", h.Len())
	}
	// Counter restarts from zero.
	if handle := h.Allocate(NewHeapValue(HeapList, 0)); handle != 0 {
		t.Errorf("first handle after Clear = %d, want 0", handle)
	}
}
