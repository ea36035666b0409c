package vm

import (
	"fmt"
	"math"
)

// Value is a typed value crossing the host boundary: method arguments,
// results and debugger variable access. Kind is a descriptor character;
// the narrow int types (Z, B, C, S) are carried as 'I'.
type Value struct {
	Kind byte
	bits uint64
}

// Void is the result of a method returning void.
var Void = Value{Kind: 'V'}

func IntValue(v int32) Value      { return Value{Kind: 'I', bits: uint64(uint32(v))} }
func LongValue(v int64) Value     { return Value{Kind: 'J', bits: uint64(v)} }
func FloatValue(v float32) Value  { return Value{Kind: 'F', bits: uint64(math.Float32bits(v))} }
func DoubleValue(v float64) Value { return Value{Kind: 'D', bits: math.Float64bits(v)} }
func RefValue(r Ref) Value        { return Value{Kind: 'L', bits: uint64(r)} }

func (v Value) Int() int32      { return int32(uint32(v.bits)) }
func (v Value) Long() int64     { return int64(v.bits) }
func (v Value) Float() float32  { return math.Float32frombits(uint32(v.bits)) }
func (v Value) Double() float64 { return math.Float64frombits(v.bits) }
func (v Value) Ref() Ref        { return Ref(uint32(v.bits)) }

// Bits returns the raw payload: 32-bit kinds in the low word.
func (v Value) Bits() uint64 { return v.bits }

// valueOfKind builds a value from raw bits for a descriptor character.
func valueOfKind(kind byte, bits uint64) Value {
	switch kind {
	case 'Z', 'B', 'C', 'S', 'I':
		return Value{Kind: 'I', bits: bits & 0xFFFFFFFF}
	case 'F':
		return Value{Kind: 'F', bits: bits & 0xFFFFFFFF}
	case 'L', '[':
		return Value{Kind: 'L', bits: bits & 0xFFFFFFFF}
	case 'V':
		return Void
	}
	return Value{Kind: kind, bits: bits}
}

// ValueOf builds a value of a descriptor type from raw bits, truncating
// 32-bit kinds.
func ValueOf(kind byte, bits uint64) Value { return valueOfKind(kind, bits) }

// Slots is the number of stack words the value takes.
func (v Value) Slots() int { return slotsOf(v.Kind) }

func (v Value) String() string {
	switch v.Kind {
	case 'I':
		return fmt.Sprintf("%d", v.Int())
	case 'J':
		return fmt.Sprintf("%dL", v.Long())
	case 'F':
		return fmt.Sprintf("%gf", v.Float())
	case 'D':
		return fmt.Sprintf("%g", v.Double())
	case 'L':
		if v.Ref() == Null {
			return "null"
		}
		return fmt.Sprintf("@%d", v.Ref())
	case 'V':
		return "void"
	}
	return fmt.Sprintf("?%c(%d)", v.Kind, v.bits)
}
