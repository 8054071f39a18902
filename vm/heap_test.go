package vm

import (
	"errors"
	"testing"
)

func TestHeap_AllocateAccounting(t *testing.T) {
	h := NewHeap(1, NewStandardTypes())
	v, err := h.Allocate(TypeIDString, nil, []byte("abcd"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	want := allocationSize(0, 4)
	if h.UsedBytes() != want {
		t.Errorf("used bytes: got %d, want %d", h.UsedBytes(), want)
	}
	if h.AllocationCount() != 1 {
		t.Errorf("allocation count: got %d, want 1", h.AllocationCount())
	}
	if v.Object().ContextID() != 1 {
		t.Errorf("owner: got %d, want 1", v.Object().ContextID())
	}
}

func TestHeap_UnknownTypeRejected(t *testing.T) {
	h := NewHeap(1, NewStandardTypes())
	if _, err := h.Allocate(TypeID(999), nil, nil); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown type allocation: got %v, want ErrUnknownType", err)
	}
}

// TestHeap_ExactCeiling sizes a heap for exactly 1000 small objects and
// verifies the 1001st allocation is rejected without mutating the heap.
func TestHeap_ExactCeiling(t *testing.T) {
	h := NewHeap(1, NewStandardTypes())
	objSize := allocationSize(0, 8)
	h.SetMaxBytes(1000 * objSize)

	payload := make([]byte, 8)
	for i := 0; i < 1000; i++ {
		if _, err := h.Allocate(TypeIDString, nil, payload); err != nil {
			t.Fatalf("allocation %d failed under the ceiling: %v", i+1, err)
		}
	}

	_, err := h.Allocate(TypeIDString, nil, payload)
	var hle *HeapLimitError
	if !errors.As(err, &hle) {
		t.Fatalf("1001st allocation: got %v, want HeapLimitError", err)
	}
	if hle.Used != 1000*objSize || hle.Max != 1000*objSize {
		t.Errorf("limit error payload: used %d max %d, want %d/%d", hle.Used, hle.Max, 1000*objSize, 1000*objSize)
	}
	if h.AllocationCount() != 1000 {
		t.Errorf("failed allocation mutated the heap: count %d", h.AllocationCount())
	}
	if h.UsedBytes() != 1000*objSize {
		t.Errorf("failed allocation mutated used bytes: %d", h.UsedBytes())
	}
}

func TestHeap_SlotOverflow(t *testing.T) {
	h := NewHeap(1, NewStandardTypes())
	slots := make([]Value, NumInlineSlots+3)
	for i := range slots {
		slots[i] = FromInt32(int32(i))
	}
	v, err := h.Allocate(TypeIDObject, slots, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	obj := v.Object()
	if obj.NumSlots() != len(slots) {
		t.Fatalf("slot count: got %d, want %d", obj.NumSlots(), len(slots))
	}
	for i := range slots {
		if obj.GetSlot(i) != FromInt32(int32(i)) {
			t.Errorf("slot %d: got %v, want %v", i, obj.GetSlot(i), slots[i])
		}
	}
	obj.SetSlot(NumInlineSlots+1, FromInt32(99))
	if obj.GetSlot(NumInlineSlots+1) != FromInt32(99) {
		t.Error("SetSlot on an overflow slot did not stick")
	}
}

func TestHeap_FreeReleasesBytes(t *testing.T) {
	h := NewHeap(1, NewStandardTypes())
	v, err := h.AllocateString("doomed")
	if err != nil {
		t.Fatalf("AllocateString: %v", err)
	}
	keep, err := h.AllocateString("kept")
	if err != nil {
		t.Fatalf("AllocateString: %v", err)
	}
	h.Free(v.Object())
	if h.AllocationCount() != 1 {
		t.Errorf("count after free: got %d, want 1", h.AllocationCount())
	}
	if !h.Contains(keep) {
		t.Error("surviving allocation should still be present")
	}
	if h.Contains(v) {
		t.Error("freed allocation should no longer be present")
	}
	if h.UsedBytes() != allocationSize(0, 4) {
		t.Errorf("used bytes after free: got %d", h.UsedBytes())
	}
}

func TestHeap_FinalizerRunsOnFree(t *testing.T) {
	r := NewStandardTypes()
	ran := false
	id := TypeID(50)
	if err := r.Register(&TypeInfo{
		ID:        id,
		Name:      "Resource",
		Pointers:  NoPointers,
		Finalizer: func(*HeapObject) { ran = true },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h := NewHeap(1, r)
	v, err := h.Allocate(id, nil, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	h.Free(v.Object())
	if !ran {
		t.Error("finalizer did not run on free")
	}
}
