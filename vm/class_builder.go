package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// ClassBuilder: assembles class file bytes
// ---------------------------------------------------------------------------

// ClassBuilder emits a class file. The runtime uses it to synthesize the
// bootstrap classes; tests use it to build fixtures.
type ClassBuilder struct {
	flags      uint16
	this       uint16
	super      uint16
	interfaces []uint16

	pool    []byte
	count   uint16
	indices map[string]uint16

	fields  [][]byte
	methods []*methodEntry
}

type methodEntry struct {
	flags uint16
	name  uint16
	desc  uint16
	code  *CodeBuilder
}

// NewClassBuilder starts a class. super may be empty for the root class.
func NewClassBuilder(name, super string) *ClassBuilder {
	b := &ClassBuilder{
		flags:   AccPublic | AccSuper,
		count:   1,
		indices: make(map[string]uint16),
	}
	b.this = b.Class(name)
	if super != "" {
		b.super = b.Class(super)
	}
	return b
}

// SetFlags replaces the class access flags.
func (b *ClassBuilder) SetFlags(flags uint16) *ClassBuilder {
	b.flags = flags
	return b
}

// Implements adds a superinterface.
func (b *ClassBuilder) Implements(name string) *ClassBuilder {
	b.interfaces = append(b.interfaces, b.Class(name))
	return b
}

func (b *ClassBuilder) intern(key string, slots uint16, emit func()) uint16 {
	if idx, ok := b.indices[key]; ok {
		return idx
	}
	idx := b.count
	emit()
	b.count += slots
	b.indices[key] = idx
	return idx
}

func (b *ClassBuilder) u1(v uint8)  { b.pool = append(b.pool, v) }
func (b *ClassBuilder) u2(v uint16) { b.pool = binary.BigEndian.AppendUint16(b.pool, v) }
func (b *ClassBuilder) u4(v uint32) { b.pool = binary.BigEndian.AppendUint32(b.pool, v) }

// Utf8 returns the pool index of a Utf8 entry.
func (b *ClassBuilder) Utf8(s string) uint16 {
	return b.intern("u:"+s, 1, func() {
		b.u1(uint8(ConstTagUtf8))
		b.u2(uint16(len(s)))
		b.pool = append(b.pool, s...)
	})
}

// Class returns the pool index of a Class entry.
func (b *ClassBuilder) Class(name string) uint16 {
	ni := b.Utf8(name)
	return b.intern("c:"+name, 1, func() {
		b.u1(uint8(ConstTagClass))
		b.u2(ni)
	})
}

// String returns the pool index of a String entry.
func (b *ClassBuilder) String(s string) uint16 {
	si := b.Utf8(s)
	return b.intern("s:"+s, 1, func() {
		b.u1(uint8(ConstTagString))
		b.u2(si)
	})
}

// Int returns the pool index of an Integer entry.
func (b *ClassBuilder) Int(v int32) uint16 {
	return b.intern(fmt.Sprintf("i:%d", v), 1, func() {
		b.u1(uint8(ConstTagInteger))
		b.u4(uint32(v))
	})
}

// Float returns the pool index of a Float entry.
func (b *ClassBuilder) Float(v float32) uint16 {
	bits := math.Float32bits(v)
	return b.intern(fmt.Sprintf("f:%08x", bits), 1, func() {
		b.u1(uint8(ConstTagFloat))
		b.u4(bits)
	})
}

// Long returns the pool index of a Long entry (two slots).
func (b *ClassBuilder) Long(v int64) uint16 {
	return b.intern(fmt.Sprintf("j:%d", v), 2, func() {
		b.u1(uint8(ConstTagLong))
		b.u4(uint32(uint64(v) >> 32))
		b.u4(uint32(v))
	})
}

// Double returns the pool index of a Double entry (two slots).
func (b *ClassBuilder) Double(v float64) uint16 {
	bits := math.Float64bits(v)
	return b.intern(fmt.Sprintf("d:%016x", bits), 2, func() {
		b.u1(uint8(ConstTagDouble))
		b.u4(uint32(bits >> 32))
		b.u4(uint32(bits))
	})
}

// NameAndType returns the pool index of a NameAndType entry.
func (b *ClassBuilder) NameAndType(name, desc string) uint16 {
	ni, di := b.Utf8(name), b.Utf8(desc)
	return b.intern("n:"+name+":"+desc, 1, func() {
		b.u1(uint8(ConstTagNameAndType))
		b.u2(ni)
		b.u2(di)
	})
}

func (b *ClassBuilder) memberRef(tag ConstPoolTag, class, name, desc string) uint16 {
	ci, nt := b.Class(class), b.NameAndType(name, desc)
	return b.intern(fmt.Sprintf("%d:%s.%s:%s", tag, class, name, desc), 1, func() {
		b.u1(uint8(tag))
		b.u2(ci)
		b.u2(nt)
	})
}

// FieldRef returns the pool index of a Fieldref entry.
func (b *ClassBuilder) FieldRef(class, name, desc string) uint16 {
	return b.memberRef(ConstTagFieldRef, class, name, desc)
}

// MethodRef returns the pool index of a Methodref entry.
func (b *ClassBuilder) MethodRef(class, name, desc string) uint16 {
	return b.memberRef(ConstTagMethodRef, class, name, desc)
}

// InterfaceMethodRef returns the pool index of an InterfaceMethodref entry.
func (b *ClassBuilder) InterfaceMethodRef(class, name, desc string) uint16 {
	return b.memberRef(ConstTagInterfaceMethodRef, class, name, desc)
}

// Field declares a field.
func (b *ClassBuilder) Field(flags uint16, name, desc string) *ClassBuilder {
	return b.field(flags, name, desc, 0)
}

// ConstantField declares a static field with a ConstantValue attribute.
// value must be an int32, int64, float32, float64 or string.
func (b *ClassBuilder) ConstantField(flags uint16, name, desc string, value any) *ClassBuilder {
	var idx uint16
	switch v := value.(type) {
	case int32:
		idx = b.Int(v)
	case int64:
		idx = b.Long(v)
	case float32:
		idx = b.Float(v)
	case float64:
		idx = b.Double(v)
	case string:
		idx = b.String(v)
	default:
		panic(fmt.Sprintf("ClassBuilder.ConstantField: unsupported value %T", value))
	}
	return b.field(flags|AccStatic, name, desc, idx)
}

func (b *ClassBuilder) field(flags uint16, name, desc string, constant uint16) *ClassBuilder {
	var f []byte
	f = binary.BigEndian.AppendUint16(f, flags)
	f = binary.BigEndian.AppendUint16(f, b.Utf8(name))
	f = binary.BigEndian.AppendUint16(f, b.Utf8(desc))
	if constant == 0 {
		f = binary.BigEndian.AppendUint16(f, 0)
	} else {
		f = binary.BigEndian.AppendUint16(f, 1)
		f = binary.BigEndian.AppendUint16(f, b.Utf8("ConstantValue"))
		f = binary.BigEndian.AppendUint32(f, 2)
		f = binary.BigEndian.AppendUint16(f, constant)
	}
	b.fields = append(b.fields, f)
	return b
}

// Method declares a method with a body and returns its code builder.
func (b *ClassBuilder) Method(flags uint16, name, desc string) *CodeBuilder {
	c := &CodeBuilder{class: b, maxStack: 8}
	c.maxLocals = uint16(ParseParamInfo(desc).ArgSlots)
	if flags&AccStatic == 0 {
		c.maxLocals++
	}
	b.methods = append(b.methods, &methodEntry{flags: flags, name: b.Utf8(name), desc: b.Utf8(desc), code: c})
	return c
}

// AbstractMethod declares a method without a body (abstract or native).
func (b *ClassBuilder) AbstractMethod(flags uint16, name, desc string) *ClassBuilder {
	b.methods = append(b.methods, &methodEntry{flags: flags, name: b.Utf8(name), desc: b.Utf8(desc)})
	return b
}

// Bytes serializes the class file.
func (b *ClassBuilder) Bytes() []byte {
	// Attribute names must be in the pool before it is written.
	var bodies [][]byte
	for _, m := range b.methods {
		if m.code != nil {
			bodies = append(bodies, m.code.attribute())
		} else {
			bodies = append(bodies, nil)
		}
	}

	var out []byte
	out = binary.BigEndian.AppendUint32(out, ClassMagic)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = binary.BigEndian.AppendUint16(out, 52)
	out = binary.BigEndian.AppendUint16(out, b.count)
	out = append(out, b.pool...)
	out = binary.BigEndian.AppendUint16(out, b.flags)
	out = binary.BigEndian.AppendUint16(out, b.this)
	out = binary.BigEndian.AppendUint16(out, b.super)
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.interfaces)))
	for _, i := range b.interfaces {
		out = binary.BigEndian.AppendUint16(out, i)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.fields)))
	for _, f := range b.fields {
		out = append(out, f...)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.methods)))
	for i, m := range b.methods {
		out = binary.BigEndian.AppendUint16(out, m.flags)
		out = binary.BigEndian.AppendUint16(out, m.name)
		out = binary.BigEndian.AppendUint16(out, m.desc)
		if bodies[i] == nil {
			out = binary.BigEndian.AppendUint16(out, 0)
			continue
		}
		out = binary.BigEndian.AppendUint16(out, 1)
		out = append(out, bodies[i]...)
	}
	out = binary.BigEndian.AppendUint16(out, 0)
	return out
}

// ---------------------------------------------------------------------------
// CodeBuilder: assembles one method body
// ---------------------------------------------------------------------------

// Label is a branch target that may be marked after it is referenced.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	at   int // operand position
	from int // pc of the branch instruction
	wide bool
}

type handlerEntry struct {
	start, end, handler *Label
	catchType           string
}

type localEntry struct {
	start, end *Label
	name, desc string
	slot       uint16
}

// CodeBuilder emits the bytecode of one method.
type CodeBuilder struct {
	class     *ClassBuilder
	code      []byte
	maxStack  uint16
	maxLocals uint16
	handlers  []handlerEntry
	locals    []localEntry
	lines     []LineNumber
}

// PC returns the offset of the next emitted byte.
func (c *CodeBuilder) PC() int { return len(c.code) }

// Pool returns the owning class builder for constant pool indices.
func (c *CodeBuilder) Pool() *ClassBuilder { return c.class }

// Limits overrides the default operand stack and local slot counts.
func (c *CodeBuilder) Limits(maxStack, maxLocals uint16) *CodeBuilder {
	c.maxStack = maxStack
	c.maxLocals = maxLocals
	return c
}

// Op emits an opcode with raw operand bytes.
func (c *CodeBuilder) Op(op Opcode, operands ...byte) *CodeBuilder {
	c.code = append(c.code, byte(op))
	c.code = append(c.code, operands...)
	return c
}

// U1 emits an opcode with a one byte operand.
func (c *CodeBuilder) U1(op Opcode, v uint8) *CodeBuilder {
	return c.Op(op, v)
}

// U2 emits an opcode with a big-endian two byte operand.
func (c *CodeBuilder) U2(op Opcode, v uint16) *CodeBuilder {
	return c.Op(op, byte(v>>8), byte(v))
}

// Raw appends bytes without an opcode.
func (c *CodeBuilder) Raw(b ...byte) *CodeBuilder {
	c.code = append(c.code, b...)
	return c
}

// Int pushes an int constant using the shortest encoding.
func (c *CodeBuilder) Int(v int32) *CodeBuilder {
	switch {
	case v >= -1 && v <= 5:
		return c.Op(OpIconst0 + Opcode(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return c.Op(OpBipush, byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return c.U2(OpSipush, uint16(int16(v)))
	}
	return c.Ldc(c.class.Int(v))
}

// Ldc loads a single slot pool entry, choosing ldc or ldc_w.
func (c *CodeBuilder) Ldc(idx uint16) *CodeBuilder {
	if idx <= 0xFF {
		return c.Op(OpLdc, byte(idx))
	}
	return c.U2(OpLdcW, idx)
}

// NewLabel creates an unresolved label.
func (c *CodeBuilder) NewLabel() *Label {
	return &Label{}
}

// Mark resolves a label to the current position and patches forward
// references.
func (c *CodeBuilder) Mark(l *Label) *CodeBuilder {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(c.code)
	for _, r := range l.refs {
		c.patch(r, l.position)
	}
	l.refs = nil
	return c
}

func (c *CodeBuilder) patch(r labelRef, target int) {
	off := target - r.from
	if r.wide {
		binary.BigEndian.PutUint32(c.code[r.at:], uint32(int32(off)))
		return
	}
	binary.BigEndian.PutUint16(c.code[r.at:], uint16(int16(off)))
}

func (c *CodeBuilder) ref(l *Label, from int, wide bool) {
	r := labelRef{at: len(c.code), from: from, wide: wide}
	if wide {
		c.code = append(c.code, 0, 0, 0, 0)
	} else {
		c.code = append(c.code, 0, 0)
	}
	if l.resolved {
		c.patch(r, l.position)
		return
	}
	l.refs = append(l.refs, r)
}

// Branch emits a branch with a 16-bit offset (if*, goto, jsr) or a 32-bit
// offset (goto_w, jsr_w) to l.
func (c *CodeBuilder) Branch(op Opcode, l *Label) *CodeBuilder {
	from := len(c.code)
	c.code = append(c.code, byte(op))
	c.ref(l, from, op == OpGotoW || op == OpJsrW)
	return c
}

// TableSwitch emits a tableswitch over [low, low+len(targets)).
func (c *CodeBuilder) TableSwitch(def *Label, low int32, targets ...*Label) *CodeBuilder {
	from := len(c.code)
	c.code = append(c.code, byte(OpTableswitch))
	for i := 0; i < switchPad(from); i++ {
		c.code = append(c.code, 0)
	}
	c.ref(def, from, true)
	c.code = binary.BigEndian.AppendUint32(c.code, uint32(low))
	c.code = binary.BigEndian.AppendUint32(c.code, uint32(low+int32(len(targets))-1))
	for _, t := range targets {
		c.ref(t, from, true)
	}
	return c
}

// LookupSwitch emits a lookupswitch. keys must be sorted ascending.
func (c *CodeBuilder) LookupSwitch(def *Label, keys []int32, targets []*Label) *CodeBuilder {
	from := len(c.code)
	c.code = append(c.code, byte(OpLookupswitch))
	for i := 0; i < switchPad(from); i++ {
		c.code = append(c.code, 0)
	}
	c.ref(def, from, true)
	c.code = binary.BigEndian.AppendUint32(c.code, uint32(len(keys)))
	for i, k := range keys {
		c.code = binary.BigEndian.AppendUint32(c.code, uint32(k))
		c.ref(targets[i], from, true)
	}
	return c
}

// Handler adds an exception table entry. An empty catchType catches all.
func (c *CodeBuilder) Handler(start, end, handler *Label, catchType string) *CodeBuilder {
	c.handlers = append(c.handlers, handlerEntry{start: start, end: end, handler: handler, catchType: catchType})
	return c
}

// Local adds a LocalVariableTable entry live between the two labels.
func (c *CodeBuilder) Local(name, desc string, slot uint16, start, end *Label) *CodeBuilder {
	c.locals = append(c.locals, localEntry{start: start, end: end, name: name, desc: desc, slot: slot})
	return c
}

// Line records that the next instruction starts source line n.
func (c *CodeBuilder) Line(n uint16) *CodeBuilder {
	c.lines = append(c.lines, LineNumber{StartPC: uint16(len(c.code)), Line: n})
	return c
}

func (c *CodeBuilder) attribute() []byte {
	cb := c.class
	var body []byte
	body = binary.BigEndian.AppendUint16(body, c.maxStack)
	body = binary.BigEndian.AppendUint16(body, c.maxLocals)
	body = binary.BigEndian.AppendUint32(body, uint32(len(c.code)))
	body = append(body, c.code...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(c.handlers)))
	for _, h := range c.handlers {
		if !h.start.resolved || !h.end.resolved || !h.handler.resolved {
			panic("CodeBuilder: exception handler label not marked")
		}
		body = binary.BigEndian.AppendUint16(body, uint16(h.start.position))
		body = binary.BigEndian.AppendUint16(body, uint16(h.end.position))
		body = binary.BigEndian.AppendUint16(body, uint16(h.handler.position))
		var ct uint16
		if h.catchType != "" {
			ct = cb.Class(h.catchType)
		}
		body = binary.BigEndian.AppendUint16(body, ct)
	}

	var attrs [][]byte
	if len(c.lines) > 0 {
		var a []byte
		a = binary.BigEndian.AppendUint16(a, cb.Utf8("LineNumberTable"))
		a = binary.BigEndian.AppendUint32(a, uint32(2+4*len(c.lines)))
		a = binary.BigEndian.AppendUint16(a, uint16(len(c.lines)))
		for _, ln := range c.lines {
			a = binary.BigEndian.AppendUint16(a, ln.StartPC)
			a = binary.BigEndian.AppendUint16(a, ln.Line)
		}
		attrs = append(attrs, a)
	}
	if len(c.locals) > 0 {
		var a []byte
		a = binary.BigEndian.AppendUint16(a, cb.Utf8("LocalVariableTable"))
		a = binary.BigEndian.AppendUint32(a, uint32(2+10*len(c.locals)))
		a = binary.BigEndian.AppendUint16(a, uint16(len(c.locals)))
		for _, lv := range c.locals {
			if !lv.start.resolved || !lv.end.resolved {
				panic("CodeBuilder: local variable label not marked")
			}
			a = binary.BigEndian.AppendUint16(a, uint16(lv.start.position))
			a = binary.BigEndian.AppendUint16(a, uint16(lv.end.position-lv.start.position))
			a = binary.BigEndian.AppendUint16(a, cb.Utf8(lv.name))
			a = binary.BigEndian.AppendUint16(a, cb.Utf8(lv.desc))
			a = binary.BigEndian.AppendUint16(a, lv.slot)
		}
		attrs = append(attrs, a)
	}
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	for _, a := range attrs {
		body = append(body, a...)
	}

	var out []byte
	out = binary.BigEndian.AppendUint16(out, cb.Utf8("Code"))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}
