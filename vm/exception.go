package vm

import (
	"errors"
	"strings"
)

// Well-known class names.
const (
	ClassObject                  = "java/lang/Object"
	ClassString                  = "java/lang/String"
	ClassClass                   = "java/lang/Class"
	ClassSystem                  = "java/lang/System"
	ClassThrowable               = "java/lang/Throwable"
	ClassError                   = "java/lang/Error"
	ClassCloneNotSupported       = "java/lang/CloneNotSupportedException"
	ClassArithmetic              = "java/lang/ArithmeticException"
	ClassNullPointer             = "java/lang/NullPointerException"
	ClassClassCast               = "java/lang/ClassCastException"
	ClassNegativeArraySize       = "java/lang/NegativeArraySizeException"
	ClassIllegalMonitorState     = "java/lang/IllegalMonitorStateException"
	ClassUnsupportedOperation    = "java/lang/UnsupportedOperationException"
	ClassArrayStore              = "java/lang/ArrayStoreException"
	ClassArrayIndexOutOfBounds   = "java/lang/ArrayIndexOutOfBoundsException"
	ClassNoClassDefFound         = "java/lang/NoClassDefFoundError"
	ClassUnsatisfiedLink         = "java/lang/UnsatisfiedLinkError"
	ClassExceptionInInitializer  = "java/lang/ExceptionInInitializerError"
	ClassNoSuchField             = "java/lang/NoSuchFieldError"
	ClassNoSuchMethod            = "java/lang/NoSuchMethodError"
	ClassIncompatibleClassChange = "java/lang/IncompatibleClassChangeError"
	ClassInstantiation           = "java/lang/InstantiationError"
	ClassAbstractMethod          = "java/lang/AbstractMethodError"
	ClassOutOfMemory             = "java/lang/OutOfMemoryError"
	ClassStackOverflow           = "java/lang/StackOverflowError"
	ClassClassNotFound           = "java/lang/ClassNotFoundException"
)

// ---------------------------------------------------------------------------
// Throwable
// ---------------------------------------------------------------------------

// Throwable is a managed exception in flight. Exceptions raised by the
// interpreter start without an object; it is allocated when a handler
// catches them. Uncaught throwables are returned to the host as errors.
type Throwable struct {
	Class   *ConstUtf8
	Message string
	Object  Ref
}

func newThrowable(class, message string) *Throwable {
	return &Throwable{Class: NewConstUtf8(class), Message: message}
}

func (t *Throwable) Error() string {
	name := strings.ReplaceAll(t.Class.Text, "/", ".")
	if t.Message == "" {
		return name
	}
	return name + ": " + t.Message
}

// Is matches throwables by class name, so errors.Is(err, &Throwable{Class:
// NewConstUtf8(ClassArithmetic)}) works on results of Run.
func (t *Throwable) Is(target error) bool {
	var other *Throwable
	if !errors.As(target, &other) {
		return false
	}
	return t.Class.Equal(other.Class)
}

// throwableOf converts a runtime error into a managed exception.
func throwableOf(err error) *Throwable {
	var th *Throwable
	if errors.As(err, &th) {
		return th
	}
	if errors.Is(err, ErrOutOfMemory) {
		return newThrowable(ClassOutOfMemory, "")
	}
	var le *LoadError
	if errors.As(err, &le) {
		return newThrowable(ClassNoClassDefFound, le.Error())
	}
	return newThrowable(ClassError, err.Error())
}

// ---------------------------------------------------------------------------
// Raising and dispatch
// ---------------------------------------------------------------------------

// throwableFromObject wraps an object thrown by athrow.
func (e *Execution) throwableFromObject(r Ref) *Throwable {
	e.LockRuntime()
	defer e.UnlockRuntime()
	o := e.rt.heap.Get(r)
	th := &Throwable{Class: o.Type, Object: r}
	if o.fields != nil {
		if f := o.fields.FindFieldObject("detailMessage", "Ljava/lang/String;"); f != nil && f.Value != Null {
			th.Message = e.rt.GoString(f.Value)
		}
	}
	return th
}

// materialize allocates the object of a throwable raised by the
// interpreter, with detailMessage set to its message.
func (e *Execution) materialize(th *Throwable) Ref {
	if th.Object != Null {
		return th.Object
	}
	e.LockRuntime()
	defer e.UnlockRuntime()
	rt := e.rt
	cd, err := rt.loadLocked(th.Class.Text)
	if err != nil {
		e.log.Error("cannot load exception class", "class", th.Class.Text, "error", err)
		return Null
	}
	ref, err := rt.newInstanceLocked(cd)
	if err != nil {
		e.log.Warning("cannot allocate exception", "class", th.Class.Text, "error", err)
		return Null
	}
	if th.Message != "" {
		mark := rt.protect(ref)
		msg, err := rt.newStringLocked(th.Message)
		rt.release(mark)
		if err == nil {
			if f := rt.heap.Get(ref).fields.FindFieldObject("detailMessage", "Ljava/lang/String;"); f != nil {
				f.Value = msg
			}
		}
	}
	th.Object = ref
	return ref
}

// catches reports whether a handler for catchType accepts th.
func (e *Execution) catches(th *Throwable, catchType *ConstUtf8) bool {
	if catchType == nil || catchType.Equal(th.Class) {
		return true
	}
	e.LockRuntime()
	defer e.UnlockRuntime()
	cd, err := e.rt.loadLocked(th.Class.Text)
	return err == nil && cd.isSubclassOfName(catchType.Text)
}

// dispatch unwinds frames above base looking for a handler of th. When one
// is found the operand stack of its frame holds just the exception object
// and execution resumes at the handler. Otherwise every frame above base
// is gone and false is returned.
func (e *Execution) dispatch(th *Throwable, base int) bool {
	e.pending = th
	defer func() { e.pending = nil }()
	for len(e.frames) > base {
		f := e.top()
		for _, h := range f.Code.ExceptionTable {
			if !h.Covers(f.PC) || !e.catches(th, h.CatchType) {
				continue
			}
			ref := e.materialize(th)
			e.sp = f.SP0
			e.pushRef(ref)
			f.PC = int(h.HandlerPC)
			e.log.Debug("exception caught", "exception", th.Class.Text, "method", f.Method.String(), "handler", h.HandlerPC)
			return true
		}
		e.popFrame()
	}
	return false
}

// ---------------------------------------------------------------------------
// Type checks
// ---------------------------------------------------------------------------

// isAssignableLocked reports whether o can be stored in a variable of the
// named type, a class name or an array descriptor. Callers hold the
// runtime lock.
func (rt *Runtime) isAssignableLocked(o *Object, target string) (bool, error) {
	if !o.IsArray() {
		if target == ClassObject {
			return true, nil
		}
		if strings.HasPrefix(target, "[") {
			return false, nil
		}
		return o.Class.isSubclassOfName(target), nil
	}
	return rt.arrayAssignableLocked(int(o.Dimensions), o.Type.Text, o.Prim, target)
}

// arrayAssignableLocked checks an array type against target.
func (rt *Runtime) arrayAssignableLocked(dims int, elem string, prim byte, target string) (bool, error) {
	if !strings.HasPrefix(target, "[") {
		return isArraySupertype(target), nil
	}
	tDims, tElem, tPrim := arrayTypeOf(target)
	switch {
	case tDims == dims:
		if prim != 0 || tPrim != 0 {
			return prim == tPrim, nil
		}
		if tElem == ClassObject || tElem == elem {
			return true, nil
		}
		cd, err := rt.loadLocked(elem)
		if err != nil {
			return false, err
		}
		return cd.isSubclassOfName(tElem), nil
	case tDims < dims:
		return tPrim == 0 && isArraySupertype(tElem), nil
	}
	return false, nil
}

// isArraySupertype reports whether every array is assignable to name.
func isArraySupertype(name string) bool {
	switch name {
	case ClassObject, "java/lang/Cloneable", "java/io/Serializable":
		return true
	}
	return false
}
