package vm

// ---------------------------------------------------------------------------
// ClassData: runtime annex of a loaded class
// ---------------------------------------------------------------------------

type initState uint8

const (
	classUninitialized initState = iota
	classInitializing
	classInitialized
	classErroneous
)

func (s initState) String() string {
	switch s {
	case classInitializing:
		return "initializing"
	case classInitialized:
		return "initialized"
	case classErroneous:
		return "erroneous"
	default:
		return "uninitialized"
	}
}

// ClassData is a loaded class: immutable metadata plus the state the
// runtime mutates (monitor, initialisation, statics, registry link).
type ClassData struct {
	*ClassFile

	super      *ClassData
	interfaces []*ClassData
	monitor    *Monitor

	// Guarded by Runtime.initMu.
	initState initState
	initOwner *Execution
	initError string

	// Guarded by the runtime lock.
	statics *FieldsData
	mirror  Ref
	next    *ClassData
	pinned  bool

	staticLayout   *FieldLayout
	instanceLayout *FieldLayout

	// collector scratch
	live bool
}

// newClassData links cf to its already defined super class and interfaces
// and computes the cached field layouts.
func newClassData(cf *ClassFile, super *ClassData, interfaces []*ClassData) *ClassData {
	cd := &ClassData{
		ClassFile:  cf,
		super:      super,
		interfaces: interfaces,
		monitor:    NewMonitor(),
	}
	cd.staticLayout = newFieldLayout(cf, true)
	own := newFieldLayout(cf, false)
	if super != nil {
		cd.instanceLayout = own.compose(super.instanceLayout)
	} else {
		cd.instanceLayout = own
	}
	cf.data = cd
	return cd
}

// Name is the internal class name, e.g. "java/lang/String".
func (c *ClassData) Name() string { return c.ThisClass.Text }

// Super returns the super class, nil at the root.
func (c *ClassData) Super() *ClassData { return c.super }

// Interfaces returns the directly implemented interfaces.
func (c *ClassData) Interfaces() []*ClassData { return c.interfaces }

// Monitor returns the lock of the class object.
func (c *ClassData) Monitor() *Monitor { return c.monitor }

// StaticLayout returns the cached static field layout.
func (c *ClassData) StaticLayout() *FieldLayout { return c.staticLayout }

// InstanceLayout returns the cached instance layout, ancestors included.
func (c *ClassData) InstanceLayout() *FieldLayout { return c.instanceLayout }

// staticFields returns the static storage, creating it on first access.
// Callers hold the runtime lock.
func (c *ClassData) staticFields() *FieldsData {
	if c.statics == nil {
		c.statics = LoadStatic(c)
	}
	return c.statics
}

// IsSubclassOf reports whether c is other or inherits from it, through
// super classes or interfaces.
func (c *ClassData) IsSubclassOf(other *ClassData) bool {
	if other == nil {
		return false
	}
	for k := c; k != nil; k = k.super {
		if k == other || k.ThisClass.Equal(other.ThisClass) {
			return true
		}
		if other.IsInterface() {
			for _, i := range k.interfaces {
				if i.IsSubclassOf(other) {
					return true
				}
			}
		}
	}
	return false
}

// isSubclassOfName is IsSubclassOf for a class identified by name.
func (c *ClassData) isSubclassOfName(name string) bool {
	for k := c; k != nil; k = k.super {
		if k.ThisClass.EqualString(name) {
			return true
		}
		for _, i := range k.interfaces {
			if i.isSubclassOfName(name) {
				return true
			}
		}
	}
	return false
}

// resolveMethod looks name+descriptor up in c and its ancestors, nearest
// first, then in superinterfaces for default methods.
func (c *ClassData) resolveMethod(name, desc *ConstUtf8) *MethodInfo {
	for k := c; k != nil; k = k.super {
		if m := k.FindMethod(name, desc); m != nil {
			return m
		}
	}
	for k := c; k != nil; k = k.super {
		if m := k.findInterfaceMethod(name, desc); m != nil {
			return m
		}
	}
	return nil
}

func (c *ClassData) findInterfaceMethod(name, desc *ConstUtf8) *MethodInfo {
	for _, i := range c.interfaces {
		if m := i.FindMethod(name, desc); m != nil && !m.IsAbstract() {
			return m
		}
		if m := i.findInterfaceMethod(name, desc); m != nil {
			return m
		}
	}
	return nil
}

// resolveField looks a field up in c, its superinterfaces, then its
// ancestors, and returns the declaring class.
func (c *ClassData) resolveField(nt *ConstNameAndType) (*ClassData, *FieldInfo) {
	for k := c; k != nil; k = k.super {
		if f := k.FindField(nt.Name, nt.Descriptor); f != nil {
			return k, f
		}
		for _, i := range k.interfaces {
			if owner, f := i.resolveField(nt); f != nil {
				return owner, f
			}
		}
	}
	return nil, nil
}

// classOf returns the runtime annex of a method or field owner.
func classOf(cf *ClassFile) *ClassData {
	if cf.data == nil {
		panic(internalErrorf("class %s used before it was defined", cf.ThisClass))
	}
	return cf.data
}
