package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Type Metadata Registry
// ---------------------------------------------------------------------------

// TypeID identifies a runtime type in the type metadata registry.
type TypeID uint32

// Well-known type ids installed by NewStandardTypes. Module-defined types
// start at TypeIDUser.
const (
	TypeIDString  TypeID = 1 // byte payload, no pointer slots
	TypeIDArray   TypeID = 2 // every slot is an element described by Elem
	TypeIDObject  TypeID = 3 // plain object, every slot may hold a pointer
	TypeIDForeign TypeID = 4 // handle to an object owned by another context
	TypeIDUser    TypeID = 16
)

// PointerMapKind discriminates the PointerMap variants.
type PointerMapKind uint8

const (
	// PointerMapNone: no slot of this type ever holds a pointer.
	PointerMapNone PointerMapKind = iota

	// PointerMapAll: the first Count slots all hold pointers.
	PointerMapAll

	// PointerMapOffsets: exactly the slots listed in Offsets hold pointers.
	PointerMapOffsets

	// PointerMapArray: every slot is an element described by Elem.
	PointerMapArray
)

// PointerMap describes which slots of a type's layout hold pointers.
// The collector and marshaller use it to trace exactly the pointer-valued
// fields of an object, never scanning conservatively.
type PointerMap struct {
	Kind    PointerMapKind
	Count   int         // PointerMapAll: number of pointer slots
	Offsets []int       // PointerMapOffsets: slot indices holding pointers
	Elem    *PointerMap // PointerMapArray: per-element map
}

// NoPointers is the shared map for pointer-free types.
var NoPointers = &PointerMap{Kind: PointerMapNone}

// AllPointers returns a map declaring the first n slots as pointers.
func AllPointers(n int) *PointerMap {
	return &PointerMap{Kind: PointerMapAll, Count: n}
}

// PointerOffsets returns a map declaring exactly the given slots as pointers.
func PointerOffsets(slots ...int) *PointerMap {
	return &PointerMap{Kind: PointerMapOffsets, Offsets: slots}
}

// ArrayOf returns a map for array types whose elements are described by elem.
func ArrayOf(elem *PointerMap) *PointerMap {
	return &PointerMap{Kind: PointerMapArray, Elem: elem}
}

// Finalizer runs when the collector frees an object of this type.
// It must not allocate and must not resurrect the object.
type Finalizer func(obj *HeapObject)

// TypeInfo is the immutable per-type record: heap layout plus the pointer
// map the collector traces with. Registered once at startup and shared
// read-only across all contexts thereafter.
type TypeInfo struct {
	ID        TypeID
	Name      string
	Size      uint32 // fixed payload size in bytes, excluding variable part
	Align     uint32
	Pointers  *PointerMap
	Finalizer Finalizer

	// NoCopy marks resource-backed types that must never be deep-copied
	// across contexts. The marshaller passes them as foreign handles.
	NoCopy bool
}

// TypeRegistry maps a runtime type id to its heap layout. Registration
// completes before any context allocates, so lookups need no locking.
type TypeRegistry struct {
	types map[TypeID]*TypeInfo
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[TypeID]*TypeInfo)}
}

// NewStandardTypes creates a registry pre-populated with the built-in
// string, array, and plain-object types.
func NewStandardTypes() *TypeRegistry {
	r := NewTypeRegistry()
	// Registration of built-ins cannot collide in a fresh registry.
	_ = r.Register(&TypeInfo{ID: TypeIDString, Name: "String", Size: 0, Align: 1, Pointers: NoPointers})
	_ = r.Register(&TypeInfo{ID: TypeIDArray, Name: "Array", Size: 0, Align: 8, Pointers: ArrayOf(AllPointers(1))})
	_ = r.Register(&TypeInfo{ID: TypeIDObject, Name: "Object", Size: 0, Align: 8, Pointers: &PointerMap{Kind: PointerMapArray, Elem: AllPointers(1)}})
	_ = r.Register(&TypeInfo{ID: TypeIDForeign, Name: "Foreign", Size: foreignHandleBytes, Align: 8, Pointers: NoPointers, NoCopy: true})
	return r
}

// Register installs a type record. It fails if the id is already taken.
func (r *TypeRegistry) Register(info *TypeInfo) error {
	if _, ok := r.types[info.ID]; ok {
		return fmt.Errorf("%w: %d (%s)", ErrTypeExists, info.ID, info.Name)
	}
	r.types[info.ID] = info
	return nil
}

// Lookup returns the type record for id, or ErrUnknownType.
func (r *TypeRegistry) Lookup(id TypeID) (*TypeInfo, error) {
	info, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, id)
	}
	return info, nil
}

// Count returns the number of registered types.
func (r *TypeRegistry) Count() int {
	return len(r.types)
}

// ForEachType calls fn for every registered type. Iteration order is
// unspecified.
func (r *TypeRegistry) ForEachType(fn func(*TypeInfo)) {
	for _, info := range r.types {
		fn(info)
	}
}

// ForEachPointer walks obj's pointer map, invoking visit once per
// pointer-valued slot. It must not allocate: it is called during mark.
func (r *TypeRegistry) ForEachPointer(obj *HeapObject, visit func(slot int, v Value)) error {
	info, err := r.Lookup(obj.TypeID())
	if err != nil {
		return err
	}
	walkPointerMap(info.Pointers, obj, visit)
	return nil
}

func walkPointerMap(pm *PointerMap, obj *HeapObject, visit func(slot int, v Value)) {
	switch pm.Kind {
	case PointerMapNone:

	case PointerMapAll:
		n := pm.Count
		if n > obj.NumSlots() {
			n = obj.NumSlots()
		}
		for i := 0; i < n; i++ {
			visit(i, obj.GetSlot(i))
		}

	case PointerMapOffsets:
		for _, i := range pm.Offsets {
			if i < obj.NumSlots() {
				visit(i, obj.GetSlot(i))
			}
		}

	case PointerMapArray:
		// Each slot is one element; only the All/None element maps are
		// meaningful for Value-sized elements.
		if pm.Elem == nil || pm.Elem.Kind == PointerMapNone {
			return
		}
		for i := 0; i < obj.NumSlots(); i++ {
			visit(i, obj.GetSlot(i))
		}
	}
}
