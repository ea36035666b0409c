package vm

import (
	"fmt"
	"runtime"

	"github.com/petermattis/goid"
)

// ---------------------------------------------------------------------------
// Runtime lock
// ---------------------------------------------------------------------------
//
// The runtime lock guards the heap, the class table and object state. An
// execution holds its running mutex while interpreting, so a thread that
// wants the runtime lock from inside an execution must release running
// first or a collection started elsewhere can never stop it. LockRuntime
// does that. Lock does it too when it is called on a goroutine that is
// running an execution, which is how natives reach the host API.

// currentGoroutine returns the ID of the calling goroutine.
func currentGoroutine() int64 {
	var buf [64]byte
	return goid.ExtractGID(buf[:runtime.Stack(buf[:], false)])
}

// callingExecution returns the execution running on the calling goroutine,
// or nil for host goroutines.
func (rt *Runtime) callingExecution() *Execution {
	if rt.callerCount.Load() == 0 {
		return nil
	}
	if v, ok := rt.callers.Load(currentGoroutine()); ok {
		return v.(*Execution)
	}
	return nil
}

// bindGoroutine records e as the execution running on the calling
// goroutine until the returned func is called.
func (rt *Runtime) bindGoroutine(e *Execution) (unbind func()) {
	gid := currentGoroutine()
	prev, nested := rt.callers.Swap(gid, e)
	rt.callerCount.Add(1)
	return func() {
		if nested {
			rt.callers.Store(gid, prev)
		} else {
			rt.callers.Delete(gid)
		}
		rt.callerCount.Add(-1)
	}
}

// Lock acquires the runtime lock. Called from a native it behaves like
// Execution.LockRuntime; the lock is not reentrant and a second Lock from
// the execution that already holds it panics.
func (rt *Runtime) Lock() {
	e := rt.callingExecution()
	if e == nil || e.parked {
		rt.mu.Lock()
		rt.holder.Store(nil)
		return
	}
	if rt.holder.Load() == e {
		panic(internalErrorf("execution %d: runtime lock is not reentrant", e.ID))
	}
	e.LockRuntime()
}

// Unlock releases the runtime lock taken with Lock.
func (rt *Runtime) Unlock() {
	rt.holder.Store(nil)
	rt.mu.Unlock()
}

// enter takes the runtime lock unless the calling execution already holds
// it, and returns the matching release.
func (rt *Runtime) enter() (leave func()) {
	if e := rt.holder.Load(); e != nil && e == rt.callingExecution() {
		return func() {}
	}
	rt.Lock()
	return rt.Unlock
}

// LockRuntime acquires the runtime lock from inside the execution, for
// natives that allocate or touch object state.
func (e *Execution) LockRuntime() {
	if e.rt.holder.Load() == e {
		panic(internalErrorf("execution %d: runtime lock is not reentrant", e.ID))
	}
	e.running.Unlock()
	e.rt.mu.Lock()
	e.running.Lock()
	e.rt.holder.Store(e)
}

// UnlockRuntime releases the lock taken with LockRuntime.
func (e *Execution) UnlockRuntime() {
	e.rt.holder.Store(nil)
	e.rt.mu.Unlock()
}

// HoldsRuntime reports whether e holds the runtime lock.
func (e *Execution) HoldsRuntime() bool { return e.rt.holder.Load() == e }

// withRuntime runs fn under the runtime lock, taking it only if e does not
// hold it already.
func (e *Execution) withRuntime(fn func() (Ref, error)) (Ref, error) {
	if e.HoldsRuntime() {
		return fn()
	}
	e.LockRuntime()
	defer e.UnlockRuntime()
	return fn()
}

// ---------------------------------------------------------------------------
// Allocation from natives
// ---------------------------------------------------------------------------

// NewObject allocates a zeroed instance of cd. It may collect; the result
// is unrooted until the native stores or returns it.
func (e *Execution) NewObject(cd *ClassData) (Ref, error) {
	return e.withRuntime(func() (Ref, error) { return e.rt.newInstanceLocked(cd) })
}

// NewString allocates a java/lang/String for s.
func (e *Execution) NewString(s string) (Ref, error) {
	return e.withRuntime(func() (Ref, error) { return e.rt.newStringLocked(s) })
}

// NewArray allocates an array of the given array descriptor, such as "[I"
// or "[Ljava/lang/String;", with length elements.
func (e *Execution) NewArray(descriptor string, length int) (Ref, error) {
	return e.withRuntime(func() (Ref, error) { return e.rt.newArrayByDescriptorLocked(descriptor, length) })
}

// NewArray allocates an array of the given array descriptor. The result
// is unrooted; Pin it to keep it across a collection.
func (rt *Runtime) NewArray(descriptor string, length int) (Ref, error) {
	defer rt.enter()()
	return rt.newArrayByDescriptorLocked(descriptor, length)
}

func (rt *Runtime) newArrayByDescriptorLocked(descriptor string, length int) (Ref, error) {
	if length < 0 {
		return Null, newThrowable(ClassNegativeArraySize, fmt.Sprint(length))
	}
	dims, elem, prim := arrayTypeOf(descriptor)
	if dims == 0 || dims > 255 {
		return Null, fmt.Errorf("vm: %q is not an array descriptor", descriptor)
	}
	var elemName *ConstUtf8
	if prim == 0 {
		elemName = NewConstUtf8(elem)
	}
	return rt.newArrayLocked(prim, elemName, dims, length)
}

// NewStringArray allocates a java/lang/String[] holding ss, such as the
// argument array of main. The result is pinned; Unpin it when done.
func (rt *Runtime) NewStringArray(ss []string) (Ref, error) {
	defer rt.enter()()
	arr, err := rt.newArrayByDescriptorLocked("[Ljava/lang/String;", len(ss))
	if err != nil {
		return Null, err
	}
	rt.pinned[arr]++
	for i, s := range ss {
		r, err := rt.newStringLocked(s)
		if err != nil {
			if n := rt.pinned[arr]; n > 1 {
				rt.pinned[arr] = n - 1
			} else {
				delete(rt.pinned, arr)
			}
			return Null, err
		}
		rt.heap.Get(arr).refs[i] = r
	}
	return arr, nil
}
