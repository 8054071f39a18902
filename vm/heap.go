package vm

import "sync"

// ---------------------------------------------------------------------------
// HeapObject: header + slot layout
// ---------------------------------------------------------------------------

// objectHeaderBytes is the accounted size of an object header. Every
// allocation is charged this many bytes on top of its payload.
const objectHeaderBytes = 32

// NumInlineSlots is the number of slots stored directly in the HeapObject
// struct. Most objects (pairs, small records, cons cells) fit here without
// a separate slice allocation.
const NumInlineSlots = 4

// HeapObject is a heap allocation: a header followed by the payload.
//
// The header carries the mark bit, the owning context id, the type id, and
// the byte size. The size is stored because the allocator keeps no separate
// size table; the sweeper frees precisely from the header alone.
//
// Invariant: an object's header context id always equals the heap that
// allocated it, and its slots only ever point into that same heap.
type HeapObject struct {
	marked  bool
	context ContextID
	typeID  TypeID
	size    uint32

	// Inline slots for the first 4 fields; overflow for larger objects.
	slot0    Value
	slot1    Value
	slot2    Value
	slot3    Value
	overflow []Value
	numSlots int

	// Raw payload for byte-like types (strings, buffers). Never traced.
	bytes []byte
}

// ContextID returns the id of the context owning this object.
func (obj *HeapObject) ContextID() ContextID { return obj.context }

// TypeID returns the object's runtime type id.
func (obj *HeapObject) TypeID() TypeID { return obj.typeID }

// Size returns the accounted byte size of the allocation.
func (obj *HeapObject) Size() uint32 { return obj.size }

// NumSlots returns the number of value slots in this object.
func (obj *HeapObject) NumSlots() int { return obj.numSlots }

// Bytes returns the raw byte payload (nil for slot-only objects).
func (obj *HeapObject) Bytes() []byte { return obj.bytes }

// GetSlot returns the value at the given slot index.
// Panics if index is out of range.
func (obj *HeapObject) GetSlot(index int) Value {
	if index < 0 || index >= obj.numSlots {
		panic("HeapObject.GetSlot: index out of range")
	}
	switch index {
	case 0:
		return obj.slot0
	case 1:
		return obj.slot1
	case 2:
		return obj.slot2
	case 3:
		return obj.slot3
	default:
		return obj.overflow[index-NumInlineSlots]
	}
}

// SetSlot sets the value at the given slot index.
// Panics if index is out of range.
func (obj *HeapObject) SetSlot(index int, value Value) {
	if index < 0 || index >= obj.numSlots {
		panic("HeapObject.SetSlot: index out of range")
	}
	switch index {
	case 0:
		obj.slot0 = value
	case 1:
		obj.slot1 = value
	case 2:
		obj.slot2 = value
	case 3:
		obj.slot3 = value
	default:
		obj.overflow[index-NumInlineSlots] = value
	}
}

// ForEachSlot calls fn for each slot in the object without allocating.
func (obj *HeapObject) ForEachSlot(fn func(index int, value Value)) {
	for i := 0; i < obj.numSlots; i++ {
		fn(i, obj.GetSlot(i))
	}
}

// ToValue converts the object pointer to a NaN-boxed Value.
func (obj *HeapObject) ToValue() Value {
	return FromObject(obj)
}

// String interprets the byte payload as a string.
func (obj *HeapObject) String() string {
	return string(obj.bytes)
}

// ---------------------------------------------------------------------------
// Heap: per-context allocator
// ---------------------------------------------------------------------------

// Heap is the allocator scoped to one context. It tracks every live
// allocation and enforces the context's byte ceiling. Two tasks pinned to
// the same context may allocate from different workers at once, so the
// allocation list and byte counter sit behind a mutex; the collector and
// snapshotter take the same lock even though their pause already excludes
// workers.
type Heap struct {
	contextID ContextID
	types     *TypeRegistry

	mu sync.Mutex

	// All live allocations. Enumeration is O(count) and allocation-free,
	// which mark, sweep, and snapshot all rely on.
	allocations []*HeapObject

	usedBytes uint64
	maxBytes  uint64 // 0 = unlimited
}

// NewHeap creates a heap for a specific context.
func NewHeap(contextID ContextID, types *TypeRegistry) *Heap {
	return &Heap{
		contextID: contextID,
		types:     types,
	}
}

// SetMaxBytes sets the heap's byte ceiling (0 = unlimited).
func (h *Heap) SetMaxBytes(max uint64) { h.maxBytes = max }

// MaxBytes returns the byte ceiling (0 = unlimited).
func (h *Heap) MaxBytes() uint64 { return h.maxBytes }

// UsedBytes returns the bytes currently allocated.
func (h *Heap) UsedBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usedBytes
}

// AllocationCount returns the number of live allocations.
func (h *Heap) AllocationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.allocations)
}

// ContextID returns the id of the owning context.
func (h *Heap) ContextID() ContextID { return h.contextID }

// Types returns the shared type registry.
func (h *Heap) Types() *TypeRegistry { return h.types }

// allocationSize computes the accounted size of an object with the given
// payload shape.
func allocationSize(numSlots int, numBytes int) uint64 {
	return objectHeaderBytes + uint64(numSlots)*8 + uint64(numBytes)
}

// Allocate writes a header, copies the payload, and records the allocation
// for sweeping. It fails with HeapLimitError if the projected usage would
// exceed the ceiling, without mutating the heap.
func (h *Heap) Allocate(typeID TypeID, slots []Value, bytes []byte) (Value, error) {
	if _, err := h.types.Lookup(typeID); err != nil {
		return Null, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	size := allocationSize(len(slots), len(bytes))
	if h.maxBytes > 0 && h.usedBytes+size > h.maxBytes {
		return Null, &HeapLimitError{Used: h.usedBytes, Max: h.maxBytes}
	}

	obj := &HeapObject{
		context:  h.contextID,
		typeID:   typeID,
		size:     uint32(size),
		numSlots: len(slots),
	}
	for i, v := range slots {
		switch i {
		case 0:
			obj.slot0 = v
		case 1:
			obj.slot1 = v
		case 2:
			obj.slot2 = v
		case 3:
			obj.slot3 = v
		default:
			if obj.overflow == nil {
				obj.overflow = make([]Value, len(slots)-NumInlineSlots)
			}
			obj.overflow[i-NumInlineSlots] = v
		}
	}
	if len(bytes) > 0 {
		obj.bytes = make([]byte, len(bytes))
		copy(obj.bytes, bytes)
	}

	h.allocations = append(h.allocations, obj)
	h.usedBytes += size
	return obj.ToValue(), nil
}

// AllocateString allocates a string object.
func (h *Heap) AllocateString(s string) (Value, error) {
	return h.Allocate(TypeIDString, nil, []byte(s))
}

// AllocateArray allocates an array of n slots, all initialized to Null.
func (h *Heap) AllocateArray(n int) (Value, error) {
	slots := make([]Value, n)
	for i := range slots {
		slots[i] = Null
	}
	return h.Allocate(TypeIDArray, slots, nil)
}

// Free releases a single allocation. Collector-only: ordinary code never
// frees; unreachable objects are reclaimed by sweep.
func (h *Heap) Free(obj *HeapObject) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, a := range h.allocations {
		if a == obj {
			h.runFinalizer(obj)
			h.usedBytes -= uint64(obj.size)
			last := len(h.allocations) - 1
			h.allocations[i] = h.allocations[last]
			h.allocations[last] = nil
			h.allocations = h.allocations[:last]
			return
		}
	}
}

// ForEachAllocation calls fn for every live allocation without allocating.
// fn must not call back into the heap.
func (h *Heap) ForEachAllocation(fn func(obj *HeapObject)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, obj := range h.allocations {
		fn(obj)
	}
}

// Contains reports whether v resolves into this heap's allocation list.
func (h *Heap) Contains(v Value) bool {
	obj := v.Object()
	if obj == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range h.allocations {
		if a == obj {
			return true
		}
	}
	return false
}

// clearMarks resets every mark bit in this heap only.
func (h *Heap) clearMarks() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, obj := range h.allocations {
		obj.marked = false
	}
}

// sweepUnmarked frees every unmarked allocation, compacting the allocation
// list in place, and recomputes usedBytes. Returns the freed counts.
func (h *Heap) sweepUnmarked() (freedCount int, freedBytes uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	live := h.allocations[:0]
	var liveBytes uint64
	for _, obj := range h.allocations {
		if obj.marked {
			live = append(live, obj)
			liveBytes += uint64(obj.size)
			continue
		}
		h.runFinalizer(obj)
		freedCount++
		freedBytes += uint64(obj.size)
	}
	// Nil out the tail so freed objects are not pinned by the backing array.
	for i := len(live); i < len(h.allocations); i++ {
		h.allocations[i] = nil
	}
	h.allocations = live
	h.usedBytes = liveBytes
	return freedCount, freedBytes
}

// release frees every allocation. Called when the owning context is
// terminated.
func (h *Heap) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, obj := range h.allocations {
		h.runFinalizer(obj)
		h.allocations[i] = nil
	}
	h.allocations = h.allocations[:0]
	h.usedBytes = 0
}

func (h *Heap) runFinalizer(obj *HeapObject) {
	if info, err := h.types.Lookup(obj.typeID); err == nil && info.Finalizer != nil {
		info.Finalizer(obj)
	}
}
