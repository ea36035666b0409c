package vm

import (
	"fmt"
	"math"
	"sync"
)

// ---------------------------------------------------------------------------
// ConstUtf8: length + checksum annotated text
// ---------------------------------------------------------------------------

// ConstUtf8 is an immutable text entry of a constant pool. Length and CRC
// are computed once; together they form the hash word that equality checks
// before comparing content. Length is the full byte length; names built at
// run time (string constants, array descriptors) may exceed the 16 bits a
// class file can encode.
type ConstUtf8 struct {
	Length int
	CRC    uint16
	Text   string
}

// NewConstUtf8 creates a ConstUtf8 for s, computing its checksum.
func NewConstUtf8(s string) *ConstUtf8 {
	return &ConstUtf8{
		Length: len(s),
		CRC:    Checksum(s),
		Text:   s,
	}
}

// Checksum is the 16-bit wrapping byte sum used by ConstUtf8 and by the
// debugger wire format.
func Checksum(s string) uint16 {
	var crc uint16
	for i := 0; i < len(s); i++ {
		crc += uint16(s[i])
	}
	return crc
}

// Hash packs the low 16 bits of the length and the checksum into one word.
func (u *ConstUtf8) Hash() uint32 {
	return uint32(uint16(u.Length)) | uint32(u.CRC)<<16
}

// Equal reports whether two entries have the same content. Identity is
// never used as a shortcut for inequality.
func (u *ConstUtf8) Equal(other *ConstUtf8) bool {
	if u == other {
		return true
	}
	if u == nil || other == nil {
		return false
	}
	if u.Hash() != other.Hash() {
		return false
	}
	return u.Text == other.Text
}

// EqualString compares against plain text without allocating an entry.
func (u *ConstUtf8) EqualString(s string) bool {
	if u == nil || u.Length != len(s) {
		return false
	}
	return u.Text == s
}

func (u *ConstUtf8) String() string {
	if u == nil {
		return "<nil>"
	}
	return u.Text
}

// ---------------------------------------------------------------------------
// Symbolic references
// ---------------------------------------------------------------------------

// ConstNameAndType pairs a member name with its descriptor.
type ConstNameAndType struct {
	Name       *ConstUtf8
	Descriptor *ConstUtf8
}

// Equal compares name and descriptor by content.
func (n *ConstNameAndType) Equal(other *ConstNameAndType) bool {
	return n.Name.Equal(other.Name) && n.Descriptor.Equal(other.Descriptor)
}

func (n *ConstNameAndType) String() string {
	return n.Name.Text + ":" + n.Descriptor.Text
}

// ConstField is a symbolic field reference.
type ConstField struct {
	ClassName   *ConstUtf8
	NameAndType *ConstNameAndType
}

func (f *ConstField) String() string {
	return f.ClassName.Text + "." + f.NameAndType.String()
}

// ParamInfo summarizes a method descriptor. ArgSlots counts operand stack
// slots taken by the arguments (long and double take two), excluding the
// receiver. RetType is the first character of the return descriptor.
type ParamInfo struct {
	ArgSlots uint8
	RetType  byte
}

// ConstMethod is a symbolic method reference. The parameter summary is
// derived from the descriptor on first use.
type ConstMethod struct {
	ClassName   *ConstUtf8
	NameAndType *ConstNameAndType

	paramOnce sync.Once
	paramInfo ParamInfo
}

// ConstInterfaceMethod shares the representation of ConstMethod.
type ConstInterfaceMethod = ConstMethod

// ParamInfo returns the cached parameter summary.
func (m *ConstMethod) ParamInfo() ParamInfo {
	m.paramOnce.Do(func() {
		m.paramInfo = ParseParamInfo(m.NameAndType.Descriptor.Text)
	})
	return m.paramInfo
}

func (m *ConstMethod) String() string {
	return m.ClassName.Text + "." + m.NameAndType.Name.Text + m.NameAndType.Descriptor.Text
}

// ---------------------------------------------------------------------------
// ConstPool
// ---------------------------------------------------------------------------

// ConstPoolTag identifies the kind of a constant pool entry.
type ConstPoolTag uint8

const (
	ConstTagUnused             ConstPoolTag = 0
	ConstTagUtf8               ConstPoolTag = 1
	ConstTagInteger            ConstPoolTag = 3
	ConstTagFloat              ConstPoolTag = 4
	ConstTagLong               ConstPoolTag = 5
	ConstTagDouble             ConstPoolTag = 6
	ConstTagClass              ConstPoolTag = 7
	ConstTagString             ConstPoolTag = 8
	ConstTagFieldRef           ConstPoolTag = 9
	ConstTagMethodRef          ConstPoolTag = 10
	ConstTagInterfaceMethodRef ConstPoolTag = 11
	ConstTagNameAndType        ConstPoolTag = 12
	ConstTagMethodHandle       ConstPoolTag = 15
	ConstTagMethodType         ConstPoolTag = 16
	ConstTagDynamic            ConstPoolTag = 17
	ConstTagInvokeDynamic      ConstPoolTag = 18
	ConstTagModule             ConstPoolTag = 19
	ConstTagPackage            ConstPoolTag = 20
)

var constTagNames = map[ConstPoolTag]string{
	ConstTagUnused:             "Unused",
	ConstTagUtf8:               "Utf8",
	ConstTagInteger:            "Integer",
	ConstTagFloat:              "Float",
	ConstTagLong:               "Long",
	ConstTagDouble:             "Double",
	ConstTagClass:              "Class",
	ConstTagString:             "String",
	ConstTagFieldRef:           "Fieldref",
	ConstTagMethodRef:          "Methodref",
	ConstTagInterfaceMethodRef: "InterfaceMethodref",
	ConstTagNameAndType:        "NameAndType",
	ConstTagMethodHandle:       "MethodHandle",
	ConstTagMethodType:         "MethodType",
	ConstTagDynamic:            "Dynamic",
	ConstTagInvokeDynamic:      "InvokeDynamic",
	ConstTagModule:             "Module",
	ConstTagPackage:            "Package",
}

func (t ConstPoolTag) String() string {
	if name, ok := constTagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// ConstEntry is one resolved constant pool slot. Value holds the numeric
// payload for Integer/Float/Long/Double entries; Ref holds the symbolic
// object for the other kinds.
type ConstEntry struct {
	Tag   ConstPoolTag
	Value uint64
	Ref   any
}

// ConstPool is the immutable, fully linked constant pool of one class.
type ConstPool struct {
	entries []ConstEntry
}

// Len returns the constant pool count (entry 0 is never valid).
func (p *ConstPool) Len() int {
	return len(p.entries)
}

// Tag returns the tag of entry i, or ConstTagUnused if out of range.
func (p *ConstPool) Tag(i uint16) ConstPoolTag {
	if int(i) >= len(p.entries) {
		return ConstTagUnused
	}
	return p.entries[i].Tag
}

func (p *ConstPool) entry(i uint16, tag ConstPoolTag) *ConstEntry {
	if int(i) >= len(p.entries) || i == 0 {
		panic(internalErrorf("constant pool index %d out of range (len=%d)", i, len(p.entries)))
	}
	e := &p.entries[i]
	if e.Tag != tag {
		panic(internalErrorf("constant pool index %d is %s, want %s", i, e.Tag, tag))
	}
	return e
}

// Utf8 returns the Utf8 entry at i.
func (p *ConstPool) Utf8(i uint16) *ConstUtf8 {
	return p.entry(i, ConstTagUtf8).Ref.(*ConstUtf8)
}

// Class returns the class name referenced by the Class entry at i.
func (p *ConstPool) Class(i uint16) *ConstUtf8 {
	return p.entry(i, ConstTagClass).Ref.(*ConstUtf8)
}

// String returns the text referenced by the String entry at i.
func (p *ConstPool) String(i uint16) *ConstUtf8 {
	return p.entry(i, ConstTagString).Ref.(*ConstUtf8)
}

// Int32 returns the Integer entry at i.
func (p *ConstPool) Int32(i uint16) int32 {
	return int32(uint32(p.entry(i, ConstTagInteger).Value))
}

// Float32 returns the Float entry at i.
func (p *ConstPool) Float32(i uint16) float32 {
	return math.Float32frombits(uint32(p.entry(i, ConstTagFloat).Value))
}

// Int64 returns the Long entry at i.
func (p *ConstPool) Int64(i uint16) int64 {
	return int64(p.entry(i, ConstTagLong).Value)
}

// Float64 returns the Double entry at i.
func (p *ConstPool) Float64(i uint16) float64 {
	return math.Float64frombits(p.entry(i, ConstTagDouble).Value)
}

// NameAndType returns the NameAndType entry at i.
func (p *ConstPool) NameAndType(i uint16) *ConstNameAndType {
	return p.entry(i, ConstTagNameAndType).Ref.(*ConstNameAndType)
}

// Field returns the Fieldref entry at i.
func (p *ConstPool) Field(i uint16) *ConstField {
	return p.entry(i, ConstTagFieldRef).Ref.(*ConstField)
}

// Method returns the Methodref or InterfaceMethodref entry at i.
func (p *ConstPool) Method(i uint16) *ConstMethod {
	if p.Tag(i) == ConstTagInterfaceMethodRef {
		return p.entry(i, ConstTagInterfaceMethodRef).Ref.(*ConstMethod)
	}
	return p.entry(i, ConstTagMethodRef).Ref.(*ConstMethod)
}

// Raw returns the entry at i without tag checking.
func (p *ConstPool) Raw(i uint16) ConstEntry {
	if int(i) >= len(p.entries) {
		return ConstEntry{}
	}
	return p.entries[i]
}
