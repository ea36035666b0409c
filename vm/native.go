package vm

import (
	"encoding/binary"
	"unicode/utf16"
)

// ---------------------------------------------------------------------------
// Native method registry
// ---------------------------------------------------------------------------

// NativeFunc implements a native method. It pops its arguments through
// the Execution stack accessors (last argument first, receiver last) and
// pushes its result. A returned *Throwable is thrown as is; any other
// error is thrown as java/lang/Error.
type NativeFunc func(e *Execution) error

// NativeMethod binds one method of a class to its implementation.
type NativeMethod struct {
	Name       string
	Descriptor string
	Fn         NativeFunc
}

// NativeClass groups the natives of one class.
type NativeClass struct {
	Name    string // internal name, e.g. "java/lang/Object"
	Methods []NativeMethod
}

func nativeKey(class, name, descriptor string) string {
	return class + "." + name + descriptor
}

// RegisterNatives binds the methods of nc. Later registrations replace
// earlier ones.
func (rt *Runtime) RegisterNatives(nc NativeClass) {
	rt.nativesMu.Lock()
	defer rt.nativesMu.Unlock()
	for _, m := range nc.Methods {
		rt.natives[nativeKey(nc.Name, m.Name, m.Descriptor)] = m.Fn
	}
}

// native returns the implementation of a native method, or nil.
func (rt *Runtime) native(m *MethodInfo) NativeFunc {
	rt.nativesMu.RLock()
	defer rt.nativesMu.RUnlock()
	return rt.natives[nativeKey(m.Class.ThisClass.Text, m.Name.Text, m.Descriptor.Text)]
}

// ---------------------------------------------------------------------------
// Built-in natives
// ---------------------------------------------------------------------------

func builtinNatives() []NativeClass {
	return []NativeClass{
		{Name: ClassObject, Methods: []NativeMethod{
			{"getClass", "()Ljava/lang/Class;", objectGetClass},
			{"hashCode", "()I", objectHashCode},
			{"clone", "()Ljava/lang/Object;", objectClone},
		}},
		{Name: ClassClass, Methods: classNatives()},
		{Name: ClassSystem, Methods: []NativeMethod{
			{"identityHashCode", "(Ljava/lang/Object;)I", objectHashCode},
			{"gc", "()V", systemGC},
		}},
		{Name: ClassString, Methods: []NativeMethod{
			{"length", "()I", stringLength},
			{"equals", "(Ljava/lang/Object;)Z", stringEquals},
			{"hashCode", "()I", stringHashCode},
		}},
	}
}

func objectGetClass(e *Execution) error {
	e.LockRuntime()
	r := e.StackPopObject()
	mirror, err := e.rt.mirrorLocked(e.rt.heap.Get(r).TypeName())
	e.UnlockRuntime()
	if err != nil {
		return err
	}
	e.StackPushObject(mirror)
	return nil
}

// objectHashCode is the identity hash: the object's allocation ID. Null
// hashes to 0.
func objectHashCode(e *Execution) error {
	e.LockRuntime()
	r := e.StackPopObject()
	var id uint32
	if r != Null {
		id = e.rt.heap.Get(r).ID
	}
	e.UnlockRuntime()
	e.StackPushInt32(int32(id))
	return nil
}

// objectClone copies arrays. Instances are not cloneable.
func objectClone(e *Execution) error {
	e.LockRuntime()
	defer e.UnlockRuntime()
	r := e.StackPopObject()
	src := e.rt.heap.Get(r)
	if !src.IsArray() {
		return newThrowable(ClassCloneNotSupported, src.TypeName())
	}
	c, err := e.rt.cloneLocked(src)
	if err != nil {
		return err
	}
	e.StackPushObject(c)
	return nil
}

func systemGC(e *Execution) error {
	e.LockRuntime()
	e.rt.collectLocked()
	e.UnlockRuntime()
	return nil
}

// stringPayload returns the backing bytes and coder of a String.
// Callers hold the runtime lock.
func (rt *Runtime) stringPayload(r Ref) ([]byte, int32, bool) {
	o := rt.heap.Get(r)
	if o == nil || o.fields == nil || !o.Type.EqualString(ClassString) {
		return nil, 0, false
	}
	var coder int32
	if c := o.fields.FindFieldData32("coder", "B"); c != nil {
		coder = c.Value
	}
	v := o.fields.FindFieldObject("value", "[B")
	if v == nil || v.Value == Null {
		return nil, coder, true
	}
	return rt.heap.Get(v.Value).data, coder, true
}

// utf16Units widens a String payload to UTF-16 code units.
func utf16Units(data []byte, coder int32) []uint16 {
	if coder == coderUTF16 {
		units := make([]uint16, len(data)/2)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
		return units
	}
	units := make([]uint16, len(data))
	for i, b := range data {
		units[i] = uint16(b)
	}
	return units
}

func stringLength(e *Execution) error {
	e.LockRuntime()
	r := e.StackPopObject()
	data, coder, _ := e.rt.stringPayload(r)
	e.UnlockRuntime()
	n := len(data)
	if coder == coderUTF16 {
		n /= 2
	}
	e.StackPushInt32(int32(n))
	return nil
}

func stringEquals(e *Execution) error {
	e.LockRuntime()
	other := e.StackPopObject()
	this := e.StackPopObject()
	equal := this == other
	if !equal && other != Null {
		a, ac, _ := e.rt.stringPayload(this)
		b, bc, ok := e.rt.stringPayload(other)
		if ok {
			ua, ub := utf16Units(a, ac), utf16Units(b, bc)
			equal = len(ua) == len(ub)
			for i := 0; equal && i < len(ua); i++ {
				equal = ua[i] == ub[i]
			}
		}
	}
	e.UnlockRuntime()
	if equal {
		e.StackPushInt32(1)
	} else {
		e.StackPushInt32(0)
	}
	return nil
}

// stringHashCode is s[0]*31^(n-1) + ... + s[n-1] over UTF-16 units.
func stringHashCode(e *Execution) error {
	e.LockRuntime()
	r := e.StackPopObject()
	data, coder, _ := e.rt.stringPayload(r)
	units := utf16Units(data, coder)
	e.UnlockRuntime()
	var h int32
	for _, u := range units {
		h = 31*h + int32(u)
	}
	e.StackPushInt32(h)
	return nil
}

// javaStringHash hashes a Go string the way String.hashCode does.
func javaStringHash(s string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(u)
	}
	return h
}
