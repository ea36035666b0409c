package vm

// ---------------------------------------------------------------------------
// Class metadata
// ---------------------------------------------------------------------------

// Access flags shared by classes, fields and methods.
const (
	AccPublic       uint16 = 0x0001
	AccPrivate      uint16 = 0x0002
	AccProtected    uint16 = 0x0004
	AccStatic       uint16 = 0x0008
	AccFinal        uint16 = 0x0010
	AccSynchronized uint16 = 0x0020
	AccSuper        uint16 = 0x0020
	AccVolatile     uint16 = 0x0040
	AccTransient    uint16 = 0x0080
	AccNative       uint16 = 0x0100
	AccInterface    uint16 = 0x0200
	AccAbstract     uint16 = 0x0400
	AccSynthetic    uint16 = 0x1000
)

// ClassFile is the parsed, immutable metadata of one class.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	AccessFlags  uint16
	ThisClass    *ConstUtf8
	SuperClass   *ConstUtf8 // nil at the root of the hierarchy
	Interfaces   []*ConstUtf8
	Pool         *ConstPool
	Fields       []*FieldInfo
	Methods      []*MethodInfo
	SourceFile   *ConstUtf8

	// data is the runtime annex, set once when the class is defined.
	data *ClassData
}

// IsInterface reports whether the class is an interface.
func (c *ClassFile) IsInterface() bool {
	return c.AccessFlags&AccInterface != 0
}

// FindField scans the declared fields for name and descriptor.
func (c *ClassFile) FindField(name, descriptor *ConstUtf8) *FieldInfo {
	for _, f := range c.Fields {
		if f.Name.Equal(name) && f.Descriptor.Equal(descriptor) {
			return f
		}
	}
	return nil
}

// FindMethod scans the declared methods for name and descriptor.
func (c *ClassFile) FindMethod(name, descriptor *ConstUtf8) *MethodInfo {
	for _, m := range c.Methods {
		if m.Name.Equal(name) && m.Descriptor.Equal(descriptor) {
			return m
		}
	}
	return nil
}

// FindMethodString is FindMethod for plain strings.
func (c *ClassFile) FindMethodString(name, descriptor string) *MethodInfo {
	for _, m := range c.Methods {
		if m.Name.EqualString(name) && m.Descriptor.EqualString(descriptor) {
			return m
		}
	}
	return nil
}

// FieldInfo describes one declared field.
type FieldInfo struct {
	Class       *ClassFile
	AccessFlags uint16
	Name        *ConstUtf8
	Descriptor  *ConstUtf8

	// ConstantValue is the pool index of the initial value of a static
	// final field, or 0.
	ConstantValue uint16
}

// IsStatic reports whether the field belongs to the class.
func (f *FieldInfo) IsStatic() bool { return f.AccessFlags&AccStatic != 0 }

// Kind is the storage category of the field.
func (f *FieldInfo) Kind() FieldKind { return FieldKindOf(f.Descriptor.Text) }

func (f *FieldInfo) String() string {
	return f.Class.ThisClass.Text + "." + f.Name.Text + ":" + f.Descriptor.Text
}

// MethodInfo describes one declared method.
type MethodInfo struct {
	Class       *ClassFile
	AccessFlags uint16
	Name        *ConstUtf8
	Descriptor  *ConstUtf8
	Attributes  []Attribute

	paramInfo ParamInfo
}

// Attribute returns the first attribute of type t, or nil.
func (m *MethodInfo) Attribute(t AttributeType) Attribute {
	for _, a := range m.Attributes {
		if a.Type() == t {
			return a
		}
	}
	return nil
}

// Code returns the code attribute, or nil for abstract and native methods.
func (m *MethodInfo) Code() *AttributeCode {
	if a := m.Attribute(AttrCode); a != nil {
		return a.(*AttributeCode)
	}
	return nil
}

// ParamInfo returns the argument slot count and return type.
func (m *MethodInfo) ParamInfo() ParamInfo { return m.paramInfo }

func (m *MethodInfo) IsStatic() bool       { return m.AccessFlags&AccStatic != 0 }
func (m *MethodInfo) IsNative() bool       { return m.AccessFlags&AccNative != 0 }
func (m *MethodInfo) IsAbstract() bool     { return m.AccessFlags&AccAbstract != 0 }
func (m *MethodInfo) IsSynchronized() bool { return m.AccessFlags&AccSynchronized != 0 }

func (m *MethodInfo) String() string {
	return m.Class.ThisClass.Text + "." + m.Name.Text + m.Descriptor.Text
}

// LineAt returns the source line for pc, or 0 when unknown.
func (m *MethodInfo) LineAt(pc int) int {
	code := m.Code()
	if code == nil {
		return 0
	}
	line := 0
	best := -1
	for _, ln := range code.LineNumbers {
		if int(ln.StartPC) <= pc && int(ln.StartPC) > best {
			best = int(ln.StartPC)
			line = int(ln.Line)
		}
	}
	return line
}

// ---------------------------------------------------------------------------
// Attributes
// ---------------------------------------------------------------------------

// AttributeType identifies a recognised attribute.
type AttributeType uint8

const (
	AttrUnknown AttributeType = iota
	AttrCode
	AttrConstantValue
	AttrExceptions
	AttrLineNumberTable
	AttrLocalVariableTable
	AttrSourceFile
)

var attributeNames = map[string]AttributeType{
	"Code":               AttrCode,
	"ConstantValue":      AttrConstantValue,
	"Exceptions":         AttrExceptions,
	"LineNumberTable":    AttrLineNumberTable,
	"LocalVariableTable": AttrLocalVariableTable,
	"SourceFile":         AttrSourceFile,
}

// Attribute is one attribute attached to a method.
type Attribute interface {
	Type() AttributeType
}

// AttributeRaw keeps an attribute the VM does not interpret.
type AttributeRaw struct {
	Name *ConstUtf8
	Data []byte
}

func (a *AttributeRaw) Type() AttributeType { return attributeNames[a.Name.Text] }

// AttributeCode carries an executable method body.
type AttributeCode struct {
	MaxStack       uint16
	MaxLocals      uint16
	Code           []byte
	ExceptionTable []ExceptionHandler
	LineNumbers    []LineNumber
	LocalVariables []LocalVariable
}

func (a *AttributeCode) Type() AttributeType { return AttrCode }

// ExceptionHandler is one exception table entry covering [StartPC, EndPC).
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType *ConstUtf8 // nil catches everything
}

// Covers reports whether pc lies in the protected range.
func (h ExceptionHandler) Covers(pc int) bool {
	return pc >= int(h.StartPC) && pc < int(h.EndPC)
}

// LineNumber maps a pc to a source line.
type LineNumber struct {
	StartPC uint16
	Line    uint16
}

// LocalVariable names a local slot over a pc range.
type LocalVariable struct {
	StartPC    uint16
	Length     uint16
	Name       *ConstUtf8
	Descriptor *ConstUtf8
	Index      uint16
}

// LiveAt reports whether the variable is in scope at pc.
func (v LocalVariable) LiveAt(pc int) bool {
	return pc >= int(v.StartPC) && pc <= int(v.StartPC)+int(v.Length)
}
