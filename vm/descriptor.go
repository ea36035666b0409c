package vm

import "strings"

// FieldKind is the storage category of a field.
type FieldKind uint8

const (
	FieldKind32 FieldKind = iota
	FieldKind64
	FieldKindRef
)

func (k FieldKind) String() string {
	switch k {
	case FieldKind64:
		return "64"
	case FieldKindRef:
		return "ref"
	default:
		return "32"
	}
}

// FieldKindOf classifies a field descriptor by its leading character.
func FieldKindOf(descriptor string) FieldKind {
	if descriptor == "" {
		return FieldKind32
	}
	switch descriptor[0] {
	case 'J', 'D':
		return FieldKind64
	case 'L', '[':
		return FieldKindRef
	default:
		return FieldKind32
	}
}

// slotsOf returns the number of stack words a value of the given type takes.
func slotsOf(t byte) int {
	switch t {
	case 'J', 'D':
		return 2
	case 'V':
		return 0
	default:
		return 1
	}
}

// ParseParamInfo derives the argument slot count and return type from a
// method descriptor such as "(IJ[Ljava/lang/String;)V".
func ParseParamInfo(descriptor string) ParamInfo {
	args, ret := splitMethodDescriptor(descriptor)
	slots := 0
	for _, a := range args {
		slots += slotsOf(a[0])
	}
	var rt byte = 'V'
	if ret != "" {
		rt = ret[0]
	}
	return ParamInfo{ArgSlots: uint8(slots), RetType: rt}
}

// splitMethodDescriptor returns each argument descriptor and the return
// descriptor. Malformed input yields whatever prefix could be parsed.
func splitMethodDescriptor(descriptor string) ([]string, string) {
	if !strings.HasPrefix(descriptor, "(") {
		return nil, ""
	}
	var args []string
	i := 1
	for i < len(descriptor) && descriptor[i] != ')' {
		n := fieldDescriptorLen(descriptor[i:])
		if n == 0 {
			return args, ""
		}
		args = append(args, descriptor[i:i+n])
		i += n
	}
	if i >= len(descriptor) {
		return args, ""
	}
	return args, descriptor[i+1:]
}

// fieldDescriptorLen returns the byte length of the first field descriptor
// in s, or 0 if s does not start with one.
func fieldDescriptorLen(s string) int {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		return i + 1
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return 0
		}
		return i + end + 1
	}
	return 0
}

// isPrimitiveDescriptor reports whether c names a primitive type.
func isPrimitiveDescriptor(c byte) bool {
	switch c {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return true
	}
	return false
}

// primitiveSize is the packed element size of a primitive array.
func primitiveSize(c byte) int {
	switch c {
	case 'Z', 'B':
		return 1
	case 'C', 'S':
		return 2
	case 'J', 'D':
		return 8
	default:
		return 4
	}
}

// arrayTypeOf splits an array descriptor like "[[Ljava/lang/String;" into
// its dimension count and element (a primitive char or a class name).
func arrayTypeOf(descriptor string) (dims int, elem string, prim byte) {
	for dims < len(descriptor) && descriptor[dims] == '[' {
		dims++
	}
	rest := descriptor[dims:]
	if len(rest) == 1 && isPrimitiveDescriptor(rest[0]) {
		return dims, rest, rest[0]
	}
	if strings.HasPrefix(rest, "L") && strings.HasSuffix(rest, ";") {
		return dims, rest[1 : len(rest)-1], 0
	}
	return dims, rest, 0
}

// arrayDescriptor is the inverse of arrayTypeOf.
func arrayDescriptor(dims int, elem string, prim byte) string {
	var b strings.Builder
	for i := 0; i < dims; i++ {
		b.WriteByte('[')
	}
	if prim != 0 {
		b.WriteByte(prim)
	} else {
		b.WriteByte('L')
		b.WriteString(elem)
		b.WriteByte(';')
	}
	return b.String()
}

// newarrayTypes maps the newarray atype operand to a primitive descriptor.
var newarrayTypes = map[uint8]byte{
	4:  'Z',
	5:  'C',
	6:  'F',
	7:  'D',
	8:  'B',
	9:  'S',
	10: 'I',
	11: 'J',
}
