package vm

import (
	"errors"
	"strings"
)

// ---------------------------------------------------------------------------
// java/lang/Class natives
// ---------------------------------------------------------------------------
//
// A mirror records its type in the private name field using the display
// form of Class.getName: "java.lang.String", "[Ljava.lang.String;", "int".
// The natives below map it back to the internal name and answer from the
// class registry. Each takes the runtime lock before popping so that a
// collection never sees its arguments unrooted.

func classNatives() []NativeMethod {
	return []NativeMethod{
		{"forName", "(Ljava/lang/String;)Ljava/lang/Class;", classForName},
		{"getName", "()Ljava/lang/String;", classGetName},
		{"isInstance", "(Ljava/lang/Object;)Z", classIsInstance},
		{"isAssignableFrom", "(Ljava/lang/Class;)Z", classIsAssignableFrom},
		{"isInterface", "()Z", classTest((*Runtime).isInterfaceTypeLocked)},
		{"isArray", "()Z", classTest(func(_ *Runtime, t string) (bool, error) {
			return strings.HasPrefix(t, "["), nil
		})},
		{"isPrimitive", "()Z", classTest(func(_ *Runtime, t string) (bool, error) {
			return primitiveOfKeyword(t) != 0, nil
		})},
		{"getSuperclass", "()Ljava/lang/Class;", classGetSuperclass},
		{"getInterfaces", "()[Ljava/lang/Class;", classGetInterfaces},
		{"getComponentType", "()Ljava/lang/Class;", classGetComponentType},
		{"getModifiers", "()I", classGetModifiers},
	}
}

var primitiveKeywords = map[byte]string{
	'Z': "boolean",
	'B': "byte",
	'C': "char",
	'S': "short",
	'I': "int",
	'J': "long",
	'F': "float",
	'D': "double",
}

// primitiveOfKeyword returns the descriptor char of a primitive keyword,
// or 0.
func primitiveOfKeyword(name string) byte {
	for c, k := range primitiveKeywords {
		if k == name {
			return c
		}
	}
	return 0
}

// mirrorTypeLocked returns the internal type name behind a Class object.
func (rt *Runtime) mirrorTypeLocked(r Ref) (string, error) {
	o := rt.heap.Get(r)
	if o == nil {
		return "", newThrowable(ClassNullPointer, "")
	}
	if o.fields == nil || !o.Type.EqualString(ClassClass) {
		return "", internalErrorf("handle %d is not a class mirror", r)
	}
	var display string
	if f := o.fields.FindFieldObject("name", "Ljava/lang/String;"); f != nil {
		display = rt.GoString(f.Value)
	}
	if primitiveOfKeyword(display) != 0 {
		return display, nil
	}
	return strings.ReplaceAll(display, ".", "/"), nil
}

// componentTypeName strips one array dimension from t. It returns "" for
// non-array types.
func componentTypeName(t string) string {
	if !strings.HasPrefix(t, "[") {
		return ""
	}
	rest := t[1:]
	switch {
	case len(rest) == 1 && isPrimitiveDescriptor(rest[0]):
		return primitiveKeywords[rest[0]]
	case strings.HasPrefix(rest, "L") && strings.HasSuffix(rest, ";"):
		return rest[1 : len(rest)-1]
	}
	return rest
}

// typeAssignableLocked reports whether a value of type from can be stored
// in a variable of type to.
func (rt *Runtime) typeAssignableLocked(to, from string) (bool, error) {
	switch {
	case to == from:
		return true, nil
	case primitiveOfKeyword(to) != 0 || primitiveOfKeyword(from) != 0:
		return false, nil
	case strings.HasPrefix(from, "["):
		dims, elem, prim := arrayTypeOf(from)
		return rt.arrayAssignableLocked(dims, elem, prim, to)
	case strings.HasPrefix(to, "["):
		return false, nil
	case to == ClassObject:
		return true, nil
	}
	cd, err := rt.loadLocked(from)
	if err != nil {
		return false, err
	}
	return cd.isSubclassOfName(to), nil
}

func (rt *Runtime) isInterfaceTypeLocked(t string) (bool, error) {
	if strings.HasPrefix(t, "[") || primitiveOfKeyword(t) != 0 {
		return false, nil
	}
	cd, err := rt.loadLocked(t)
	if err != nil {
		return false, err
	}
	return cd.IsInterface(), nil
}

// modifiersLocked computes Class.getModifiers for t.
func (rt *Runtime) modifiersLocked(t string) (int32, error) {
	const visibility = AccPublic | AccPrivate | AccProtected
	if primitiveOfKeyword(t) != 0 {
		return int32(AccPublic | AccFinal | AccAbstract), nil
	}
	if strings.HasPrefix(t, "[") {
		m, err := rt.modifiersLocked(componentTypeName(t))
		if err != nil {
			return 0, err
		}
		return m&int32(visibility) | int32(AccFinal|AccAbstract), nil
	}
	cd, err := rt.loadLocked(t)
	if err != nil {
		return 0, err
	}
	return int32(cd.AccessFlags &^ AccSuper), nil
}

// forNameLocked resolves a Class.forName argument in internal form. The
// class it returns, if any, still needs initialisation.
func (rt *Runtime) forNameLocked(name string) (*ClassData, error) {
	if name == "" || primitiveOfKeyword(name) != 0 {
		return nil, ErrClassNotFound
	}
	if !strings.HasPrefix(name, "[") {
		return rt.loadLocked(name)
	}
	dims, elem, prim := arrayTypeOf(name)
	if dims > 255 {
		return nil, ErrClassNotFound
	}
	if prim != 0 {
		return nil, nil
	}
	if !strings.HasSuffix(name, ";") || elem == "" {
		return nil, ErrClassNotFound
	}
	if _, err := rt.loadLocked(elem); err != nil {
		return nil, err
	}
	return nil, nil
}

func pushBool(e *Execution, b bool) {
	if b {
		e.StackPushInt32(1)
	} else {
		e.StackPushInt32(0)
	}
}

// pushMirror pushes the mirror of t, or null when t is empty.
func pushMirror(e *Execution, t string) error {
	if t == "" {
		e.StackPushObject(Null)
		return nil
	}
	m, err := e.rt.mirrorLocked(t)
	if err != nil {
		return err
	}
	e.StackPushObject(m)
	return nil
}

func classForName(e *Execution) error {
	e.LockRuntime()
	r := e.StackPopObject()
	if r == Null {
		e.UnlockRuntime()
		return newThrowable(ClassNullPointer, "forName")
	}
	display := e.rt.GoString(r)
	name := strings.ReplaceAll(display, ".", "/")
	cd, err := e.rt.forNameLocked(name)
	e.UnlockRuntime()
	if errors.Is(err, ErrClassNotFound) {
		return newThrowable(ClassClassNotFound, display)
	}
	if err != nil {
		return err
	}
	if cd != nil {
		if th := e.initialize(cd); th != nil {
			return th
		}
	}
	e.LockRuntime()
	defer e.UnlockRuntime()
	return pushMirror(e, name)
}

func classGetName(e *Execution) error {
	e.LockRuntime()
	r := e.StackPopObject()
	var name Ref
	if f := e.rt.heap.Get(r).fields.FindFieldObject("name", "Ljava/lang/String;"); f != nil {
		name = f.Value
	}
	e.UnlockRuntime()
	e.StackPushObject(name)
	return nil
}

func classIsInstance(e *Execution) error {
	e.LockRuntime()
	defer e.UnlockRuntime()
	obj := e.StackPopObject()
	this := e.StackPopObject()
	t, err := e.rt.mirrorTypeLocked(this)
	if err != nil {
		return err
	}
	if obj == Null || primitiveOfKeyword(t) != 0 {
		pushBool(e, false)
		return nil
	}
	ok, err := e.rt.isAssignableLocked(e.rt.heap.Get(obj), t)
	if err != nil {
		return err
	}
	pushBool(e, ok)
	return nil
}

func classIsAssignableFrom(e *Execution) error {
	e.LockRuntime()
	defer e.UnlockRuntime()
	other := e.StackPopObject()
	this := e.StackPopObject()
	if other == Null {
		return newThrowable(ClassNullPointer, "isAssignableFrom")
	}
	to, err := e.rt.mirrorTypeLocked(this)
	if err != nil {
		return err
	}
	from, err := e.rt.mirrorTypeLocked(other)
	if err != nil {
		return err
	}
	ok, err := e.rt.typeAssignableLocked(to, from)
	if err != nil {
		return err
	}
	pushBool(e, ok)
	return nil
}

// classTest adapts a predicate on the receiver's type to a ()Z native.
func classTest(test func(rt *Runtime, t string) (bool, error)) NativeFunc {
	return func(e *Execution) error {
		e.LockRuntime()
		defer e.UnlockRuntime()
		this := e.StackPopObject()
		t, err := e.rt.mirrorTypeLocked(this)
		if err != nil {
			return err
		}
		ok, err := test(e.rt, t)
		if err != nil {
			return err
		}
		pushBool(e, ok)
		return nil
	}
}

func classGetSuperclass(e *Execution) error {
	e.LockRuntime()
	defer e.UnlockRuntime()
	this := e.StackPopObject()
	t, err := e.rt.mirrorTypeLocked(this)
	if err != nil {
		return err
	}
	switch {
	case primitiveOfKeyword(t) != 0:
		return pushMirror(e, "")
	case strings.HasPrefix(t, "["):
		return pushMirror(e, ClassObject)
	}
	cd, err := e.rt.loadLocked(t)
	if err != nil {
		return err
	}
	if cd.IsInterface() || cd.super == nil {
		return pushMirror(e, "")
	}
	return pushMirror(e, cd.super.Name())
}

func classGetInterfaces(e *Execution) error {
	e.LockRuntime()
	defer e.UnlockRuntime()
	this := e.StackPopObject()
	rt := e.rt
	t, err := rt.mirrorTypeLocked(this)
	if err != nil {
		return err
	}
	var names []string
	switch {
	case primitiveOfKeyword(t) != 0:
	case strings.HasPrefix(t, "["):
		names = []string{"java/lang/Cloneable", "java/io/Serializable"}
	default:
		cd, err := rt.loadLocked(t)
		if err != nil {
			return err
		}
		for _, i := range cd.interfaces {
			names = append(names, i.Name())
		}
	}
	arr, err := rt.newArrayLocked(0, NewConstUtf8(ClassClass), 1, len(names))
	if err != nil {
		return err
	}
	mark := rt.protect(arr)
	defer rt.release(mark)
	for i, name := range names {
		m, err := rt.mirrorLocked(name)
		if err != nil {
			return err
		}
		rt.heap.Get(arr).refs[i] = m
	}
	e.StackPushObject(arr)
	return nil
}

func classGetComponentType(e *Execution) error {
	e.LockRuntime()
	defer e.UnlockRuntime()
	this := e.StackPopObject()
	t, err := e.rt.mirrorTypeLocked(this)
	if err != nil {
		return err
	}
	return pushMirror(e, componentTypeName(t))
}

func classGetModifiers(e *Execution) error {
	e.LockRuntime()
	defer e.UnlockRuntime()
	this := e.StackPopObject()
	t, err := e.rt.mirrorTypeLocked(this)
	if err != nil {
		return err
	}
	m, err := e.rt.modifiersLocked(t)
	if err != nil {
		return err
	}
	e.StackPushInt32(m)
	return nil
}
