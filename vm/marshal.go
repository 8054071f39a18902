package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Cross-context marshalling
// ---------------------------------------------------------------------------

// foreignHandleBytes is the payload size of a TypeIDForeign object:
// owning context id and handle id, little-endian.
const foreignHandleBytes = 16

func encodeForeignHandle(h ForeignHandle) []byte {
	var buf [foreignHandleBytes]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Context))
	binary.LittleEndian.PutUint64(buf[8:16], h.Handle)
	return buf[:]
}

func decodeForeignHandle(b []byte) (ForeignHandle, error) {
	if len(b) != foreignHandleBytes {
		return ForeignHandle{}, fmt.Errorf("%w: foreign handle payload is %d bytes", ErrInvalidObjectRef, len(b))
	}
	return ForeignHandle{
		Context: ContextID(binary.LittleEndian.Uint64(b[0:8])),
		Handle:  binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// Marshal deep-copies a value from one context's heap into another's. The
// result never aliases source heap memory:
//
//   - primitives (null, bool, int, float) cross by value;
//   - strings, arrays, and copyable objects are copied structurally, with
//     sharing and cycles preserved via an object identity map;
//   - NoCopy types cross as foreign handles resolvable only through the
//     owning context's foreign table.
//
// The copy runs under a stop-the-world pause so neither heap mutates
// mid-walk. Marshalling into the same live context returns the value
// unchanged.
func (rt *Runtime) Marshal(v Value, fromID, toID ContextID) (Value, error) {
	from, err := rt.contexts.Get(fromID)
	if err != nil {
		return Null, err
	}
	if fromID == toID {
		return v, nil
	}
	to, err := rt.contexts.Get(toID)
	if err != nil {
		return Null, err
	}
	if !v.IsObject() {
		return v, nil
	}
	if err := rt.pause(PauseReasonMarshal); err != nil {
		return Null, err
	}
	defer rt.safepoint.Release()

	m := &marshaller{from: from, to: to, seen: make(map[*HeapObject]Value)}
	return m.copy(v)
}

// ResolveForeign resolves a foreign handle object back to the value it
// stands for in its owning context. Fails with ErrInvalidObjectRef when
// the handle was removed, its target was collected, or the owning context
// no longer exists.
func (rt *Runtime) ResolveForeign(v Value) (ContextID, Value, error) {
	if !v.IsObject() {
		return 0, Null, fmt.Errorf("%w: not an object", ErrInvalidObjectRef)
	}
	obj := v.heapObject()
	if obj.TypeID() != TypeIDForeign {
		return 0, Null, fmt.Errorf("%w: not a foreign handle", ErrInvalidObjectRef)
	}
	h, err := decodeForeignHandle(obj.Bytes())
	if err != nil {
		return 0, Null, err
	}
	owner, err := rt.contexts.Get(h.Context)
	if err != nil {
		return 0, Null, fmt.Errorf("%w: owning context %d gone", ErrInvalidObjectRef, h.Context)
	}
	target, err := owner.foreign.Resolve(h.Handle)
	if err != nil {
		return 0, Null, err
	}
	return h.Context, target, nil
}

// marshaller carries the state of one deep copy. seen maps source objects
// to their finished copies, preserving sharing and terminating cycles.
type marshaller struct {
	from *Context
	to   *Context
	seen map[*HeapObject]Value
}

func (m *marshaller) copy(v Value) (Value, error) {
	if !v.IsObject() {
		return v, nil
	}
	obj := v.heapObject()
	if obj.ContextID() != m.from.id {
		// A source heap never holds pointers into other heaps; a value
		// that claims otherwise did not come from this context.
		return Null, fmt.Errorf("%w: object owned by context %d, not %d", ErrInvalidObjectRef, obj.ContextID(), m.from.id)
	}
	if copied, ok := m.seen[obj]; ok {
		return copied, nil
	}

	info, err := m.from.heap.Types().Lookup(obj.TypeID())
	if err != nil {
		return Null, err
	}
	if info.NoCopy {
		return m.export(v, obj)
	}

	// Allocate the copy before descending so cycles resolve to it.
	blank := make([]Value, obj.NumSlots())
	for i := range blank {
		blank[i] = Null
	}
	copied, err := m.to.heap.Allocate(obj.TypeID(), blank, obj.Bytes())
	if err != nil {
		return Null, err
	}
	m.seen[obj] = copied

	target := copied.heapObject()
	for i := 0; i < obj.NumSlots(); i++ {
		cv, err := m.copy(obj.GetSlot(i))
		if err != nil {
			return Null, err
		}
		target.SetSlot(i, cv)
	}
	return copied, nil
}

// export registers v in the source context's foreign table and allocates a
// handle object for it on the target heap.
func (m *marshaller) export(v Value, obj *HeapObject) (Value, error) {
	id := m.from.foreign.Register(v)
	payload := encodeForeignHandle(ForeignHandle{Context: m.from.id, Handle: id})
	handle, err := m.to.heap.Allocate(TypeIDForeign, nil, payload)
	if err != nil {
		m.from.foreign.Remove(id)
		return Null, err
	}
	m.seen[obj] = handle
	return handle, nil
}
