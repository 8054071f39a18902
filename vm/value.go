package vm

import (
	"math"
	"unsafe"
)

// Value represents a Tern value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - Int: Quiet NaN + tagInt + 32-bit signed payload
//   - Object: Quiet NaN + tagObject + 48-bit pointer into one context's heap
//   - Special: Quiet NaN + tagSpecial + special value ID (null/true/false)
//
// A Value never records which context owns it. Pointer values resolve into
// exactly one heap; the marshaller exists precisely because ownership must
// be tracked out of band.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for pointer/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagObject  uint64 = 0x0001000000000000 // Heap object pointer
	tagInt     uint64 = 0x0002000000000000 // 32-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // null, true, false
)

// Special value payloads
const (
	specialNull  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Null  Value = Value(nanBits | tagSpecial | specialNull)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	// Exponent not all 1s: a regular float.
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}

	// Infinity has a zero mantissa (ignoring sign).
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}

	// Signaling NaNs and untagged quiet NaNs are "real" floats.
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsInt returns true if v represents a 32-bit integer.
func (v Value) IsInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsObject returns true if v represents a heap object pointer.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsNull returns true if v is the null value.
func (v Value) IsNull() bool {
	return v == Null
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSpecial returns true if v is null, true, or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Integer operations
// ---------------------------------------------------------------------------

// Int32 returns v as an int32.
// Panics if v is not an integer.
func (v Value) Int32() int32 {
	if !v.IsInt() {
		panic("Value.Int32: not an integer")
	}
	return int32(uint32(uint64(v) & 0xFFFFFFFF))
}

// FromInt32 creates a Value from an int32.
func FromInt32(n int32) Value {
	return Value(nanBits | tagInt | uint64(uint32(n)))
}

// ---------------------------------------------------------------------------
// Object pointer operations
// ---------------------------------------------------------------------------

// heapObject returns v as a pointer to the heap object.
// Panics if v is not an object.
func (v Value) heapObject() *HeapObject {
	if !v.IsObject() {
		panic("Value.heapObject: not an object")
	}
	ptr := uintptr(uint64(v) & payloadMask)
	return (*HeapObject)(unsafe.Pointer(ptr))
}

// Object extracts a heap object pointer from v.
// Returns nil if the value is not an object.
func (v Value) Object() *HeapObject {
	if !v.IsObject() {
		return nil
	}
	return v.heapObject()
}

// FromObject creates a Value from a heap object pointer.
// The pointer must fit in 48 bits (true for all current architectures).
// The object stays reachable through its heap's allocation list, so the
// integer-encoded pointer never outlives the object.
func FromObject(obj *HeapObject) Value {
	return Value(nanBits | tagObject | uint64(uintptr(unsafe.Pointer(obj)))&payloadMask)
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// IsTruthy returns true if v is considered "truthy" in conditionals.
// Only false and null are falsy.
func (v Value) IsTruthy() bool {
	return v != False && v != Null
}
