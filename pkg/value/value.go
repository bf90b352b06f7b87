package value

import (
	"fmt"
	"math"
)

type Kind uint8

const (
	KindUnit Kind = iota
	KindInt
	KindFloat
	KindBool
	KindPtr
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindPtr:
		return "ptr"
	case KindRef:
		return "ref"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle is an opaque reference to a heap object. Handle(0) is the null
// reference and never names a live object.
type Handle uint32

const Nil Handle = 0

func (h Handle) String() string {
	if h == Nil {
		return "@nil"
	}
	return fmt.Sprintf("@%d", uint32(h))
}

// Pointer is a raw, unmanaged address into a pinned heap object: the object
// handle plus an element offset.
type Pointer struct {
	Handle Handle
	Offset uint32
}

func (p Pointer) String() string {
	return fmt.Sprintf("%v+0x%04x", p.Handle, p.Offset)
}

// Value is the tagged unit every register, field and array slot holds.
// Scalars are stored inline; heap kinds hold only a Handle.
type Value struct {
	kind Kind
	bits uint64
}

func Unit() Value {
	return Value{}
}

func Int(i int64) Value {
	return Value{kind: KindInt, bits: uint64(i)}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func Ptr(p Pointer) Value {
	return Value{kind: KindPtr, bits: uint64(p.Handle)<<32 | uint64(p.Offset)}
}

func Ref(h Handle) Value {
	return Value{kind: KindRef, bits: uint64(h)}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) Int() int64 {
	return int64(v.bits)
}

func (v Value) Float() float64 {
	return math.Float64frombits(v.bits)
}

func (v Value) Bool() bool {
	return v.bits != 0
}

func (v Value) Pointer() Pointer {
	return Pointer{Handle: Handle(v.bits >> 32), Offset: uint32(v.bits)}
}

func (v Value) Handle() Handle {
	return Handle(v.bits)
}

func (v Value) IsUnit() bool { return v.kind == KindUnit }
func (v Value) IsInt() bool  { return v.kind == KindInt }
func (v Value) IsRef() bool  { return v.kind == KindRef }

// Referent returns the handle a value keeps alive, if any. Raw pointers do
// not keep their object alive; only pins do.
func (v Value) Referent() (Handle, bool) {
	if v.kind != KindRef || Handle(v.bits) == Nil {
		return Nil, false
	}
	return Handle(v.bits), true
}

func (v Value) String() string {
	switch v.kind {
	case KindUnit:
		return "()"
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case KindPtr:
		return fmt.Sprintf("ptr(%v)", v.Pointer())
	case KindRef:
		return v.Handle().String()
	default:
		return "<invalid>"
	}
}

// Identical reports bitwise identity, which is the register-level equality
// used by tests and by reference comparison.
func Identical(a, b Value) bool {
	return a == b
}
