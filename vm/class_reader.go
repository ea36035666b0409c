package vm

import (
	"encoding/binary"
	"fmt"
)

// ClassMagic is the first word of every class file.
const ClassMagic uint32 = 0xCAFEBABE

// ---------------------------------------------------------------------------
// classReader: cursor over class file bytes
// ---------------------------------------------------------------------------

type classReader struct {
	data   []byte
	offset int
}

func (r *classReader) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrClassFormat, fmt.Sprintf(format, args...), r.offset)
}

func (r *classReader) u1() (uint8, error) {
	if r.offset+1 > len(r.data) {
		return 0, r.fail("unexpected end of data")
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

func (r *classReader) u2() (uint16, error) {
	if r.offset+2 > len(r.data) {
		return 0, r.fail("unexpected end of data")
	}
	v := binary.BigEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return v, nil
}

func (r *classReader) u4() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, r.fail("unexpected end of data")
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *classReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, r.fail("unexpected end of data")
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

// rawEntry is a constant pool slot before linking.
type rawEntry struct {
	tag  ConstPoolTag
	a, b uint16
	val  uint64
	text string
}

// ReadClass parses a class file. The returned metadata is fully linked:
// every symbolic reference points at a Utf8 entry of the same pool.
func ReadClass(data []byte) (*ClassFile, error) {
	r := &classReader{data: data}
	cf, err := r.readClass()
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	return cf, nil
}

func (r *classReader) readClass() (*ClassFile, error) {
	magic, err := r.u4()
	if err != nil {
		return nil, err
	}
	if magic != ClassMagic {
		return nil, r.fail("bad magic 0x%08X", magic)
	}
	cf := &ClassFile{}
	if cf.MinorVersion, err = r.u2(); err != nil {
		return nil, err
	}
	if cf.MajorVersion, err = r.u2(); err != nil {
		return nil, err
	}

	raw, err := r.readRawPool()
	if err != nil {
		return nil, err
	}
	pool, err := linkPool(raw)
	if err != nil {
		return nil, r.fail("%v", err)
	}
	cf.Pool = pool

	if cf.AccessFlags, err = r.u2(); err != nil {
		return nil, err
	}
	thisIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	if pool.Tag(thisIdx) != ConstTagClass {
		return nil, r.fail("this_class %d is not a Class entry", thisIdx)
	}
	cf.ThisClass = pool.Class(thisIdx)

	superIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	if superIdx != 0 {
		if pool.Tag(superIdx) != ConstTagClass {
			return nil, r.fail("super_class %d is not a Class entry", superIdx)
		}
		cf.SuperClass = pool.Class(superIdx)
	}

	n, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		if pool.Tag(idx) != ConstTagClass {
			return nil, r.fail("interface %d is not a Class entry", idx)
		}
		cf.Interfaces = append(cf.Interfaces, pool.Class(idx))
	}

	if n, err = r.u2(); err != nil {
		return nil, err
	}
	cf.Fields = make([]*FieldInfo, 0, n)
	for i := 0; i < int(n); i++ {
		f, err := r.readField(cf)
		if err != nil {
			return nil, err
		}
		cf.Fields = append(cf.Fields, f)
	}

	if n, err = r.u2(); err != nil {
		return nil, err
	}
	cf.Methods = make([]*MethodInfo, 0, n)
	for i := 0; i < int(n); i++ {
		m, err := r.readMethod(cf)
		if err != nil {
			return nil, err
		}
		cf.Methods = append(cf.Methods, m)
	}

	if n, err = r.u2(); err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		name, body, err := r.readAttributeHeader(pool)
		if err != nil {
			return nil, err
		}
		if name.Text == "SourceFile" && len(body) == 2 {
			idx := binary.BigEndian.Uint16(body)
			if pool.Tag(idx) == ConstTagUtf8 {
				cf.SourceFile = pool.Utf8(idx)
			}
		}
	}
	return cf, nil
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

func (r *classReader) readRawPool() ([]rawEntry, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, r.fail("empty constant pool")
	}
	raw := make([]rawEntry, count)
	for i := 1; i < int(count); i++ {
		t, err := r.u1()
		if err != nil {
			return nil, err
		}
		e := rawEntry{tag: ConstPoolTag(t)}
		switch e.tag {
		case ConstTagUtf8:
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			b, err := r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			e.text = string(b)
		case ConstTagInteger, ConstTagFloat:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.val = uint64(v)
		case ConstTagLong, ConstTagDouble:
			hi, err := r.u4()
			if err != nil {
				return nil, err
			}
			lo, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.val = uint64(hi)<<32 | uint64(lo)
		case ConstTagClass, ConstTagString, ConstTagMethodType, ConstTagModule, ConstTagPackage:
			if e.a, err = r.u2(); err != nil {
				return nil, err
			}
		case ConstTagFieldRef, ConstTagMethodRef, ConstTagInterfaceMethodRef,
			ConstTagNameAndType, ConstTagDynamic, ConstTagInvokeDynamic:
			if e.a, err = r.u2(); err != nil {
				return nil, err
			}
			if e.b, err = r.u2(); err != nil {
				return nil, err
			}
		case ConstTagMethodHandle:
			kind, err := r.u1()
			if err != nil {
				return nil, err
			}
			e.a = uint16(kind)
			if e.b, err = r.u2(); err != nil {
				return nil, err
			}
		default:
			return nil, r.fail("unknown constant pool tag %d at index %d", t, i)
		}
		raw[i] = e
		if e.tag == ConstTagLong || e.tag == ConstTagDouble {
			i++
		}
	}
	return raw, nil
}

// linkPool resolves the raw entries into their symbolic form. Utf8 entries
// are created first so that every other kind can point at them.
func linkPool(raw []rawEntry) (*ConstPool, error) {
	p := &ConstPool{entries: make([]ConstEntry, len(raw))}
	utf8 := func(i uint16) (*ConstUtf8, error) {
		if int(i) >= len(raw) || raw[i].tag != ConstTagUtf8 {
			return nil, fmt.Errorf("index %d is not a Utf8 entry", i)
		}
		return p.entries[i].Ref.(*ConstUtf8), nil
	}
	for i, e := range raw {
		if e.tag == ConstTagUtf8 {
			p.entries[i] = ConstEntry{Tag: ConstTagUtf8, Ref: NewConstUtf8(e.text)}
		}
	}
	// Class, String and NameAndType only reference Utf8.
	for i, e := range raw {
		var err error
		switch e.tag {
		case ConstTagInteger, ConstTagFloat, ConstTagLong, ConstTagDouble:
			p.entries[i] = ConstEntry{Tag: e.tag, Value: e.val}
		case ConstTagClass, ConstTagString, ConstTagMethodType, ConstTagModule, ConstTagPackage:
			var u *ConstUtf8
			if u, err = utf8(e.a); err == nil {
				p.entries[i] = ConstEntry{Tag: e.tag, Ref: u}
			}
		case ConstTagNameAndType:
			var name, desc *ConstUtf8
			if name, err = utf8(e.a); err == nil {
				if desc, err = utf8(e.b); err == nil {
					p.entries[i] = ConstEntry{Tag: e.tag, Ref: &ConstNameAndType{Name: name, Descriptor: desc}}
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.tag, err)
		}
	}
	for i, e := range raw {
		switch e.tag {
		case ConstTagFieldRef, ConstTagMethodRef, ConstTagInterfaceMethodRef:
			if p.Tag(e.a) != ConstTagClass || p.Tag(e.b) != ConstTagNameAndType {
				return nil, fmt.Errorf("entry %d (%s): bad class or name-and-type index", i, e.tag)
			}
			class := p.entries[e.a].Ref.(*ConstUtf8)
			nt := p.entries[e.b].Ref.(*ConstNameAndType)
			if e.tag == ConstTagFieldRef {
				p.entries[i] = ConstEntry{Tag: e.tag, Ref: &ConstField{ClassName: class, NameAndType: nt}}
			} else {
				p.entries[i] = ConstEntry{Tag: e.tag, Ref: &ConstMethod{ClassName: class, NameAndType: nt}}
			}
		case ConstTagMethodHandle, ConstTagDynamic, ConstTagInvokeDynamic:
			// Kept symbolically; invokedynamic is not executed.
			p.entries[i] = ConstEntry{Tag: e.tag, Value: uint64(e.a)<<16 | uint64(e.b)}
		}
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Members and attributes
// ---------------------------------------------------------------------------

func (r *classReader) readMemberHeader(pool *ConstPool) (flags uint16, name, desc *ConstUtf8, err error) {
	if flags, err = r.u2(); err != nil {
		return
	}
	var ni, di uint16
	if ni, err = r.u2(); err != nil {
		return
	}
	if di, err = r.u2(); err != nil {
		return
	}
	if pool.Tag(ni) != ConstTagUtf8 || pool.Tag(di) != ConstTagUtf8 {
		err = r.fail("member name or descriptor is not Utf8")
		return
	}
	return flags, pool.Utf8(ni), pool.Utf8(di), nil
}

func (r *classReader) readAttributeHeader(pool *ConstPool) (*ConstUtf8, []byte, error) {
	ni, err := r.u2()
	if err != nil {
		return nil, nil, err
	}
	if pool.Tag(ni) != ConstTagUtf8 {
		return nil, nil, r.fail("attribute name %d is not Utf8", ni)
	}
	n, err := r.u4()
	if err != nil {
		return nil, nil, err
	}
	body, err := r.bytes(int(n))
	if err != nil {
		return nil, nil, err
	}
	return pool.Utf8(ni), body, nil
}

func (r *classReader) readField(cf *ClassFile) (*FieldInfo, error) {
	flags, name, desc, err := r.readMemberHeader(cf.Pool)
	if err != nil {
		return nil, err
	}
	f := &FieldInfo{Class: cf, AccessFlags: flags, Name: name, Descriptor: desc}
	n, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		an, body, err := r.readAttributeHeader(cf.Pool)
		if err != nil {
			return nil, err
		}
		if an.Text == "ConstantValue" && len(body) == 2 {
			f.ConstantValue = binary.BigEndian.Uint16(body)
		}
	}
	return f, nil
}

func (r *classReader) readMethod(cf *ClassFile) (*MethodInfo, error) {
	flags, name, desc, err := r.readMemberHeader(cf.Pool)
	if err != nil {
		return nil, err
	}
	m := &MethodInfo{Class: cf, AccessFlags: flags, Name: name, Descriptor: desc}
	m.paramInfo = ParseParamInfo(desc.Text)
	n, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(n); i++ {
		an, body, err := r.readAttributeHeader(cf.Pool)
		if err != nil {
			return nil, err
		}
		if an.Text == "Code" {
			code, err := readCode(cf.Pool, body)
			if err != nil {
				return nil, fmt.Errorf("method %s%s: %w", name.Text, desc.Text, err)
			}
			m.Attributes = append(m.Attributes, code)
			continue
		}
		m.Attributes = append(m.Attributes, &AttributeRaw{Name: an, Data: body})
	}
	return m, nil
}

func readCode(pool *ConstPool, body []byte) (*AttributeCode, error) {
	r := &classReader{data: body}
	c := &AttributeCode{}
	var err error
	if c.MaxStack, err = r.u2(); err != nil {
		return nil, err
	}
	if c.MaxLocals, err = r.u2(); err != nil {
		return nil, err
	}
	n, err := r.u4()
	if err != nil {
		return nil, err
	}
	if c.Code, err = r.bytes(int(n)); err != nil {
		return nil, err
	}
	hn, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(hn); i++ {
		var h ExceptionHandler
		if h.StartPC, err = r.u2(); err != nil {
			return nil, err
		}
		if h.EndPC, err = r.u2(); err != nil {
			return nil, err
		}
		if h.HandlerPC, err = r.u2(); err != nil {
			return nil, err
		}
		ct, err := r.u2()
		if err != nil {
			return nil, err
		}
		if ct != 0 {
			if pool.Tag(ct) != ConstTagClass {
				return nil, r.fail("catch type %d is not a Class entry", ct)
			}
			h.CatchType = pool.Class(ct)
		}
		c.ExceptionTable = append(c.ExceptionTable, h)
	}
	an, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(an); i++ {
		name, sub, err := r.readAttributeHeader(pool)
		if err != nil {
			return nil, err
		}
		sr := &classReader{data: sub}
		switch name.Text {
		case "LineNumberTable":
			cnt, err := sr.u2()
			if err != nil {
				return nil, err
			}
			for j := 0; j < int(cnt); j++ {
				var ln LineNumber
				if ln.StartPC, err = sr.u2(); err != nil {
					return nil, err
				}
				if ln.Line, err = sr.u2(); err != nil {
					return nil, err
				}
				c.LineNumbers = append(c.LineNumbers, ln)
			}
		case "LocalVariableTable":
			cnt, err := sr.u2()
			if err != nil {
				return nil, err
			}
			for j := 0; j < int(cnt); j++ {
				var lv LocalVariable
				var ni, di uint16
				if lv.StartPC, err = sr.u2(); err != nil {
					return nil, err
				}
				if lv.Length, err = sr.u2(); err != nil {
					return nil, err
				}
				if ni, err = sr.u2(); err != nil {
					return nil, err
				}
				if di, err = sr.u2(); err != nil {
					return nil, err
				}
				if lv.Index, err = sr.u2(); err != nil {
					return nil, err
				}
				if pool.Tag(ni) != ConstTagUtf8 || pool.Tag(di) != ConstTagUtf8 {
					return nil, sr.fail("local variable name or descriptor is not Utf8")
				}
				lv.Name = pool.Utf8(ni)
				lv.Descriptor = pool.Utf8(di)
				c.LocalVariables = append(c.LocalVariables, lv)
			}
		}
	}
	return c, nil
}
