package vm

// ---------------------------------------------------------------------------
// FieldsData: partitioned field storage
// ---------------------------------------------------------------------------

// FieldData32 holds an int, float, short, char, byte or boolean field.
type FieldData32 struct {
	Field *FieldInfo
	Value int32
}

// FieldData64 holds a long or double field.
type FieldData64 struct {
	Field *FieldInfo
	Value int64
}

// FieldObject holds a reference field.
type FieldObject struct {
	Field *FieldInfo
	Value Ref
}

// FieldsData is the field storage of one object or of one class's statics.
// All mutation happens under the runtime lock.
type FieldsData struct {
	Fields32     []FieldData32
	Fields64     []FieldData64
	FieldsObject []FieldObject
}

// NewFieldsData allocates zeroed storage sized exactly from a layout.
func NewFieldsData(l *FieldLayout) *FieldsData {
	fd := &FieldsData{
		Fields32:     make([]FieldData32, len(l.Fields32)),
		Fields64:     make([]FieldData64, len(l.Fields64)),
		FieldsObject: make([]FieldObject, len(l.FieldsObject)),
	}
	for i, f := range l.Fields32 {
		fd.Fields32[i].Field = f
	}
	for i, f := range l.Fields64 {
		fd.Fields64[i].Field = f
	}
	for i, f := range l.FieldsObject {
		fd.FieldsObject[i].Field = f
	}
	return fd
}

// LoadStatic builds the static storage of a class.
func LoadStatic(class *ClassData) *FieldsData {
	return NewFieldsData(class.staticLayout)
}

// LoadNonStatic builds the storage of one instance of class, covering every
// field declared by the class and its ancestors.
func LoadNonStatic(class *ClassData) *FieldsData {
	return NewFieldsData(class.instanceLayout)
}

func matches(f *FieldInfo, nt *ConstNameAndType) bool {
	return f.Name.Equal(nt.Name) && f.Descriptor.Equal(nt.Descriptor)
}

// GetFieldData32 returns the 32-bit slot named by nt. The field must exist.
func (fd *FieldsData) GetFieldData32(nt *ConstNameAndType) *FieldData32 {
	for i := range fd.Fields32 {
		if matches(fd.Fields32[i].Field, nt) {
			return &fd.Fields32[i]
		}
	}
	panic(internalErrorf("no 32-bit field %s", nt))
}

// GetFieldData64 returns the 64-bit slot named by nt. The field must exist.
func (fd *FieldsData) GetFieldData64(nt *ConstNameAndType) *FieldData64 {
	for i := range fd.Fields64 {
		if matches(fd.Fields64[i].Field, nt) {
			return &fd.Fields64[i]
		}
	}
	panic(internalErrorf("no 64-bit field %s", nt))
}

// GetFieldObject returns the reference slot named by nt. The field must exist.
func (fd *FieldsData) GetFieldObject(nt *ConstNameAndType) *FieldObject {
	for i := range fd.FieldsObject {
		if matches(fd.FieldsObject[i].Field, nt) {
			return &fd.FieldsObject[i]
		}
	}
	panic(internalErrorf("no reference field %s", nt))
}

// FindFieldData32 is GetFieldData32 for tooling: nil when absent.
func (fd *FieldsData) FindFieldData32(name, desc string) *FieldData32 {
	for i := range fd.Fields32 {
		f := fd.Fields32[i].Field
		if f.Name.EqualString(name) && f.Descriptor.EqualString(desc) {
			return &fd.Fields32[i]
		}
	}
	return nil
}

// FindFieldData64 is GetFieldData64 for tooling: nil when absent.
func (fd *FieldsData) FindFieldData64(name, desc string) *FieldData64 {
	for i := range fd.Fields64 {
		f := fd.Fields64[i].Field
		if f.Name.EqualString(name) && f.Descriptor.EqualString(desc) {
			return &fd.Fields64[i]
		}
	}
	return nil
}

// FindFieldObject is GetFieldObject for tooling: nil when absent.
func (fd *FieldsData) FindFieldObject(name, desc string) *FieldObject {
	for i := range fd.FieldsObject {
		f := fd.FieldsObject[i].Field
		if f.Name.EqualString(name) && f.Descriptor.EqualString(desc) {
			return &fd.FieldsObject[i]
		}
	}
	return nil
}

// The slot accessors below address a resolved FieldInfo. They pick the
// exact declaration, so a field shadowed by a subclass is still reachable
// through a reference naming the ancestor.

func (fd *FieldsData) slot32(f *FieldInfo) *FieldData32 {
	for i := range fd.Fields32 {
		if fd.Fields32[i].Field == f {
			return &fd.Fields32[i]
		}
	}
	panic(internalErrorf("field %s not in storage", f))
}

func (fd *FieldsData) slot64(f *FieldInfo) *FieldData64 {
	for i := range fd.Fields64 {
		if fd.Fields64[i].Field == f {
			return &fd.Fields64[i]
		}
	}
	panic(internalErrorf("field %s not in storage", f))
}

func (fd *FieldsData) slotRef(f *FieldInfo) *FieldObject {
	for i := range fd.FieldsObject {
		if fd.FieldsObject[i].Field == f {
			return &fd.FieldsObject[i]
		}
	}
	panic(internalErrorf("field %s not in storage", f))
}

// clone copies the storage. Slots keep pointing at the same metadata.
func (fd *FieldsData) clone() *FieldsData {
	return &FieldsData{
		Fields32:     append([]FieldData32(nil), fd.Fields32...),
		Fields64:     append([]FieldData64(nil), fd.Fields64...),
		FieldsObject: append([]FieldObject(nil), fd.FieldsObject...),
	}
}

// byteSize is the storage footprint used for heap accounting.
func (fd *FieldsData) byteSize() uint64 {
	return uint64(4*len(fd.Fields32) + 8*len(fd.Fields64) + 4*len(fd.FieldsObject))
}
