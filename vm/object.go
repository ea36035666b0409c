package vm

import (
	"encoding/binary"
	"math"
)

// Ref is a handle to a heap object. The zero Ref is null.
type Ref uint32

// Null is the null reference.
const Null Ref = 0

// Object is a heap value. Exactly one payload is used:
//   - data for one-dimensional primitive arrays, packed little-endian
//   - refs for reference arrays and multi-dimensional arrays
//   - fields for plain instances
type Object struct {
	ID         uint32     // identity hash, stable for the object's lifetime
	Class      *ClassData // instance class, nil for arrays
	Type       *ConstUtf8 // class name, or array element type
	Prim       byte       // primitive element type of an array, 0 otherwise
	Dimensions uint8
	Size       uint32 // payload bytes

	data   []byte
	refs   []Ref
	fields *FieldsData

	monitor *Monitor
	marked  bool
}

// IsArray reports whether the object is an array.
func (o *Object) IsArray() bool { return o.Dimensions > 0 }

// Len returns the array length, or 0 for instances.
func (o *Object) Len() int {
	switch {
	case o.Dimensions == 0:
		return 0
	case o.refs != nil || o.Prim == 0 || o.Dimensions > 1:
		return len(o.refs)
	default:
		return len(o.data) / primitiveSize(o.Prim)
	}
}

// Fields returns the storage of an instance, or nil for arrays.
func (o *Object) Fields() *FieldsData { return o.fields }

// TypeName returns the class name of an instance or the descriptor of an
// array ("[I", "[[Ljava/lang/String;").
func (o *Object) TypeName() string {
	if o.Dimensions == 0 {
		return o.Type.Text
	}
	return arrayDescriptor(int(o.Dimensions), o.Type.Text, o.Prim)
}

// componentDescriptor is the descriptor of one element of an array.
func (o *Object) componentDescriptor() string {
	if o.Dimensions > 1 {
		return arrayDescriptor(int(o.Dimensions)-1, o.Type.Text, o.Prim)
	}
	if o.Prim != 0 {
		return string(o.Prim)
	}
	return "L" + o.Type.Text + ";"
}

func (o *Object) primitivePayload() bool {
	return o.Dimensions == 1 && o.Prim != 0
}

// ---------------------------------------------------------------------------
// Primitive array element access
// ---------------------------------------------------------------------------

// element reads element i of a primitive array with Java widening: byte,
// short and boolean sign-extend; char zero-extends.
func (o *Object) element(i int) int64 {
	switch o.Prim {
	case 'Z', 'B':
		return int64(int8(o.data[i]))
	case 'C':
		return int64(binary.LittleEndian.Uint16(o.data[2*i:]))
	case 'S':
		return int64(int16(binary.LittleEndian.Uint16(o.data[2*i:])))
	case 'I', 'F':
		return int64(int32(binary.LittleEndian.Uint32(o.data[4*i:])))
	default:
		return int64(binary.LittleEndian.Uint64(o.data[8*i:]))
	}
}

// setElement stores v into element i, truncating to the element width.
func (o *Object) setElement(i int, v int64) {
	switch o.Prim {
	case 'Z', 'B':
		o.data[i] = byte(v)
	case 'C', 'S':
		binary.LittleEndian.PutUint16(o.data[2*i:], uint16(v))
	case 'I', 'F':
		binary.LittleEndian.PutUint32(o.data[4*i:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(o.data[8*i:], uint64(v))
	}
}

// Int32At reads an int-like element.
func (o *Object) Int32At(i int) int32 { return int32(o.element(i)) }

// Int64At reads a long element.
func (o *Object) Int64At(i int) int64 { return o.element(i) }

// Float32At reads a float element.
func (o *Object) Float32At(i int) float32 {
	return math.Float32frombits(uint32(o.element(i)))
}

// Float64At reads a double element.
func (o *Object) Float64At(i int) float64 {
	return math.Float64frombits(uint64(o.element(i)))
}

// RefAt reads a reference element.
func (o *Object) RefAt(i int) Ref { return o.refs[i] }

// Bytes returns the raw payload of a primitive array.
func (o *Object) Bytes() []byte { return o.data }
