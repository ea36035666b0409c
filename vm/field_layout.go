package vm

// FieldLayout is the ordered placement of fields into the three storage
// categories. Within each list, order is declaration order; an instance
// layout lists the class's own fields first, then its ancestors',
// nearest class first.
type FieldLayout struct {
	Fields32     []*FieldInfo
	Fields64     []*FieldInfo
	FieldsObject []*FieldInfo
}

// newFieldLayout builds the layout of the fields a class declares for one
// pass (static or non-static). The first pass counts each category so the
// second can place fields into exactly sized lists.
func newFieldLayout(cf *ClassFile, static bool) *FieldLayout {
	var n32, n64, nref int
	for _, f := range cf.Fields {
		if f.IsStatic() != static {
			continue
		}
		switch f.Kind() {
		case FieldKind64:
			n64++
		case FieldKindRef:
			nref++
		default:
			n32++
		}
	}

	l := &FieldLayout{
		Fields32:     make([]*FieldInfo, n32),
		Fields64:     make([]*FieldInfo, n64),
		FieldsObject: make([]*FieldInfo, nref),
	}
	var i32, i64, iref int
	for _, f := range cf.Fields {
		if f.IsStatic() != static {
			continue
		}
		switch f.Kind() {
		case FieldKind64:
			l.Fields64[i64] = f
			i64++
		case FieldKindRef:
			l.FieldsObject[iref] = f
			iref++
		default:
			l.Fields32[i32] = f
			i32++
		}
	}
	return l
}

// compose returns l followed by the (already composed) layout of the
// superclass. Neither input is modified.
func (l *FieldLayout) compose(super *FieldLayout) *FieldLayout {
	if super == nil || super.Len() == 0 {
		return l
	}
	join := func(a, b []*FieldInfo) []*FieldInfo {
		out := make([]*FieldInfo, len(a)+len(b))
		copy(out, a)
		copy(out[len(a):], b)
		return out
	}
	return &FieldLayout{
		Fields32:     join(l.Fields32, super.Fields32),
		Fields64:     join(l.Fields64, super.Fields64),
		FieldsObject: join(l.FieldsObject, super.FieldsObject),
	}
}

// Len is the total number of fields in the layout.
func (l *FieldLayout) Len() int {
	return len(l.Fields32) + len(l.Fields64) + len(l.FieldsObject)
}

// byteSize is the storage footprint used for heap accounting.
func (l *FieldLayout) byteSize() uint64 {
	return uint64(4*len(l.Fields32) + 8*len(l.Fields64) + 4*len(l.FieldsObject))
}
