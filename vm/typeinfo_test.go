package vm

import (
	"errors"
	"testing"
)

func TestTypeRegistry_RegisterAndLookup(t *testing.T) {
	r := NewTypeRegistry()
	info := &TypeInfo{ID: TypeIDUser, Name: "Point", Pointers: NoPointers}
	if err := r.Register(info); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Lookup(TypeIDUser)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Name != "Point" {
		t.Errorf("Lookup name: got %q, want %q", got.Name, "Point")
	}
}

func TestTypeRegistry_DuplicateIDRejected(t *testing.T) {
	r := NewStandardTypes()
	err := r.Register(&TypeInfo{ID: TypeIDString, Name: "Imposter", Pointers: NoPointers})
	if !errors.Is(err, ErrTypeExists) {
		t.Errorf("duplicate registration: got %v, want ErrTypeExists", err)
	}
}

func TestTypeRegistry_UnknownType(t *testing.T) {
	r := NewStandardTypes()
	if _, err := r.Lookup(TypeID(999)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown lookup: got %v, want ErrUnknownType", err)
	}
}

// TestForEachPointer_Variants exercises each PointerMap kind against a
// single object and checks exactly the declared slots are visited.
func TestForEachPointer_Variants(t *testing.T) {
	r := NewStandardTypes()
	base := TypeID(100)
	cases := []struct {
		name string
		pm   *PointerMap
		want []int
	}{
		{"none", NoPointers, nil},
		{"all", AllPointers(2), []int{0, 1}},
		{"offsets", PointerOffsets(0, 2), []int{0, 2}},
		{"array", ArrayOf(AllPointers(1)), []int{0, 1, 2}},
	}
	for i, tc := range cases {
		id := base + TypeID(i)
		if err := r.Register(&TypeInfo{ID: id, Name: tc.name, Pointers: tc.pm}); err != nil {
			t.Fatalf("Register %s: %v", tc.name, err)
		}
	}

	h := NewHeap(1, r)
	for i, tc := range cases {
		id := base + TypeID(i)
		v, err := h.Allocate(id, []Value{FromInt32(1), FromInt32(2), FromInt32(3)}, nil)
		if err != nil {
			t.Fatalf("Allocate %s: %v", tc.name, err)
		}
		var visited []int
		err = r.ForEachPointer(v.Object(), func(slot int, _ Value) {
			visited = append(visited, slot)
		})
		if err != nil {
			t.Fatalf("ForEachPointer %s: %v", tc.name, err)
		}
		if len(visited) != len(tc.want) {
			t.Errorf("%s: visited %v, want %v", tc.name, visited, tc.want)
			continue
		}
		for j := range tc.want {
			if visited[j] != tc.want[j] {
				t.Errorf("%s: visited %v, want %v", tc.name, visited, tc.want)
				break
			}
		}
	}
}

func TestForEachPointer_OffsetsBeyondSlotsIgnored(t *testing.T) {
	r := NewStandardTypes()
	id := TypeID(200)
	if err := r.Register(&TypeInfo{ID: id, Name: "sparse", Pointers: PointerOffsets(0, 9)}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h := NewHeap(1, r)
	v, err := h.Allocate(id, []Value{Null}, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	count := 0
	if err := r.ForEachPointer(v.Object(), func(int, Value) { count++ }); err != nil {
		t.Fatalf("ForEachPointer: %v", err)
	}
	if count != 1 {
		t.Errorf("out-of-range offset visited: got %d visits, want 1", count)
	}
}
