package vm

import "errors"

// ---------------------------------------------------------------------------
// Heap: handle-indexed storage for runtime collections
// ---------------------------------------------------------------------------

// Handle is an opaque reference into a Heap. It carries no generation bits:
// once deallocated, the integer is recycled and a stale copy becomes
// indistinguishable from the new allocation. Callers must not hold a Handle
// across a Deallocate of the same handle.
type Handle uint64

// Heap errors.
var (
	ErrInvalidHandle = errors.New("vm: invalid heap handle")
	ErrOutOfHandles  = errors.New("vm: heap handle space exhausted")
)

// Heap owns every multi-element runtime collection. One instance exists per
// interpreter; nothing in it is safe for concurrent use.
type Heap struct {
	objects map[Handle]*HeapValue
	// next advances monotonically and wraps on overflow. Wrapping is
	// accepted, not checked: a full 64-bit cycle with the colliding handle
	// still live is out of scope.
	next Handle
	free []Handle
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{objects: make(map[Handle]*HeapValue)}
}

// Allocate stores v and returns its handle, reusing a recycled handle when
// one is available.
func (h *Heap) Allocate(v *HeapValue) Handle {
	var handle Handle
	if n := len(h.free); n > 0 {
		handle = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		handle = h.next
		h.next++ // wraps at 2^64
	}
	h.objects[handle] = v
	return handle
}

// Get returns the value for handle, or nil if the handle is not live.
func (h *Heap) Get(handle Handle) *HeapValue {
	return h.objects[handle]
}

// Write replaces the value behind a live handle.
func (h *Heap) Write(handle Handle, v *HeapValue) error {
	if _, ok := h.objects[handle]; !ok {
		return ErrInvalidHandle
	}
	h.objects[handle] = v
	return nil
}

// Deallocate removes the value behind handle, pushes the handle onto the
// free list and returns the removed value. Returns nil for a handle that is
// not live; this is not an error.
func (h *Heap) Deallocate(handle Handle) *HeapValue {
	v, ok := h.objects[handle]
	if !ok {
		return nil
	}
	delete(h.objects, handle)
	h.free = append(h.free, handle)
	return v
}

// IsValid reports whether handle refers to a live allocation.
func (h *Heap) IsValid(handle Handle) bool {
	_, ok := h.objects[handle]
	return ok
}

// Len returns the number of live allocations.
func (h *Heap) Len() int { return len(h.objects) }

// Clear drops every allocation and resets the handle counter and free list.
func (h *Heap) Clear() {
	h.objects = make(map[Handle]*HeapValue)
	h.next = 0
	h.free = h.free[:0]
}
