package vm

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// MaxFrameDepth bounds the call depth of one execution.
const MaxFrameDepth = 2048

// safepointInterval is the number of instructions between yields of the
// running lock.
const safepointInterval = 1024

// ErrMethodNotFound is returned by Run when the entry method does not exist.
var ErrMethodNotFound = errors.New("vm: method not found")

// ---------------------------------------------------------------------------
// Frame: one method activation
// ---------------------------------------------------------------------------

// Frame is one method activation. Locals start at BP; the operand stack
// starts at SP0 = BP + MaxLocals. Arguments are the caller's top operands,
// so caller and callee frames overlap.
type Frame struct {
	Method *MethodInfo
	Class  *ClassData
	Code   *AttributeCode
	PC     int // pc of the instruction being executed
	BP     int
	SP0    int

	monitor *Monitor // held because the method is synchronized
}

// ---------------------------------------------------------------------------
// Execution: one interpreter context
// ---------------------------------------------------------------------------

// Execution is one thread of bytecode execution. Its stack is owned by the
// goroutine running it; the collector reads it only after taking running,
// which the execution releases at safepoints and whenever it blocks.
type Execution struct {
	ID uint64
	rt *Runtime

	stack  []int32
	refs   []bool // refs[i] marks stack[i] as a heap reference
	sp     int
	frames []*Frame

	pending *Throwable

	running   sync.Mutex
	busy      atomic.Bool
	destroyed atomic.Bool
	parked    bool       // stopped in the debugger; touched only by the running goroutine
	held      []*Monitor // one entry per monitorenter level still held

	waitingInit *ClassData // guarded by Runtime.initMu
	debugger    *Debugger
	ticks       uint32

	log commonlog.Logger
}

func newExecution(rt *Runtime, id uint64, size int) *Execution {
	return &Execution{
		ID:    id,
		rt:    rt,
		stack: make([]int32, size),
		refs:  make([]bool, size),
		log:   commonlog.NewKeyValueLogger(commonlog.GetLogger("mjvm.runtime"), "execution", id),
	}
}

// Runtime returns the owning runtime.
func (e *Execution) Runtime() *Runtime { return e.rt }

// StackSize returns the number of slots of the stack.
func (e *Execution) StackSize() int { return len(e.stack) }

// Debugger returns the attached debugger, or nil.
func (e *Execution) Debugger() *Debugger { return e.debugger }

// Busy reports whether the execution is currently running.
func (e *Execution) Busy() bool { return e.busy.Load() }

// yield lets a pending collection stop this execution.
func (e *Execution) yield() {
	e.running.Unlock()
	e.running.Lock()
}

// ---------------------------------------------------------------------------
// Stack words
// ---------------------------------------------------------------------------

func (e *Execution) push(v int32, ref bool) {
	e.stack[e.sp] = v
	e.refs[e.sp] = ref
	e.sp++
}

func (e *Execution) pop() int32 {
	e.sp--
	return e.stack[e.sp]
}

func (e *Execution) pushInt(v int32) { e.push(v, false) }
func (e *Execution) popInt() int32   { return e.pop() }

func (e *Execution) pushRef(r Ref) { e.push(int32(r), true) }
func (e *Execution) popRef() Ref   { return Ref(uint32(e.pop())) }

func (e *Execution) pushLong(v int64) {
	e.push(int32(v), false)
	e.push(int32(v>>32), false)
}

func (e *Execution) popLong() int64 {
	hi := uint32(e.pop())
	lo := uint32(e.pop())
	return int64(uint64(hi)<<32 | uint64(lo))
}

func (e *Execution) pushFloat(v float32) { e.push(int32(math.Float32bits(v)), false) }
func (e *Execution) popFloat() float32   { return math.Float32frombits(uint32(e.pop())) }

func (e *Execution) pushDouble(v float64) { e.pushLong(int64(math.Float64bits(v))) }
func (e *Execution) popDouble() float64   { return math.Float64frombits(uint64(e.popLong())) }

// peekRef returns the reference n words below the top.
func (e *Execution) peekRef(n int) Ref { return Ref(uint32(e.stack[e.sp-1-n])) }

func (e *Execution) pushValue(v Value) {
	switch v.Kind {
	case 'J':
		e.pushLong(v.Long())
	case 'D':
		e.pushDouble(v.Double())
	case 'L':
		e.pushRef(v.Ref())
	case 'V':
	default:
		e.push(int32(uint32(v.bits)), false)
	}
}

func (e *Execution) popValue(kind byte) Value {
	switch kind {
	case 'J':
		return LongValue(e.popLong())
	case 'D':
		return DoubleValue(e.popDouble())
	case 'L', '[':
		return RefValue(e.popRef())
	case 'F':
		return FloatValue(e.popFloat())
	case 'V':
		return Void
	default:
		return IntValue(e.popInt())
	}
}

// Stack accessors for natives. A native pops its arguments (receiver last)
// and pushes its result.

func (e *Execution) StackPushInt32(v int32)    { e.pushInt(v) }
func (e *Execution) StackPushInt64(v int64)    { e.pushLong(v) }
func (e *Execution) StackPushFloat(v float32)  { e.pushFloat(v) }
func (e *Execution) StackPushDouble(v float64) { e.pushDouble(v) }
func (e *Execution) StackPushObject(r Ref)     { e.pushRef(r) }

func (e *Execution) StackPopInt32() int32    { return e.popInt() }
func (e *Execution) StackPopInt64() int64    { return e.popLong() }
func (e *Execution) StackPopFloat() float32  { return e.popFloat() }
func (e *Execution) StackPopDouble() float64 { return e.popDouble() }
func (e *Execution) StackPopObject() Ref     { return e.popRef() }

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

func (e *Execution) local(f *Frame, i int) int32 { return e.stack[f.BP+i] }

func (e *Execution) setLocal(f *Frame, i int, v int32, ref bool) {
	e.stack[f.BP+i] = v
	e.refs[f.BP+i] = ref
}

func (e *Execution) localLong(f *Frame, i int) int64 {
	lo := uint32(e.stack[f.BP+i])
	hi := uint32(e.stack[f.BP+i+1])
	return int64(uint64(hi)<<32 | uint64(lo))
}

func (e *Execution) setLocalLong(f *Frame, i int, v int64) {
	e.setLocal(f, i, int32(v), false)
	e.setLocal(f, i+1, int32(v>>32), false)
}

// Frames returns a copy of the call stack, innermost last. It is only
// consistent while the execution is idle or stopped by its debugger.
func (e *Execution) Frames() []Frame {
	out := make([]Frame, len(e.frames))
	for i, f := range e.frames {
		out[i] = *f
	}
	return out
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// pushFrame activates m over the argSlots words on top of the stack.
func (e *Execution) pushFrame(m *MethodInfo, code *AttributeCode, argSlots int) *Throwable {
	bp := e.sp - argSlots
	maxLocals := int(code.MaxLocals)
	if maxLocals < argSlots {
		maxLocals = argSlots
	}
	if bp+maxLocals+int(code.MaxStack) > len(e.stack) || len(e.frames) >= MaxFrameDepth {
		return newThrowable(ClassStackOverflow, m.String())
	}
	for i := e.sp; i < bp+maxLocals; i++ {
		e.stack[i] = 0
		e.refs[i] = false
	}
	f := &Frame{
		Method: m,
		Class:  classOf(m.Class),
		Code:   code,
		BP:     bp,
		SP0:    bp + maxLocals,
	}
	e.sp = f.SP0
	e.frames = append(e.frames, f)
	return nil
}

// popFrame discards the innermost frame and its operands, releasing the
// monitor of a synchronized method.
func (e *Execution) popFrame() *Frame {
	f := e.frames[len(e.frames)-1]
	e.frames[len(e.frames)-1] = nil
	e.frames = e.frames[:len(e.frames)-1]
	if f.monitor != nil {
		e.exitMonitor(f.monitor)
	}
	e.sp = f.BP
	return f
}

func (e *Execution) top() *Frame { return e.frames[len(e.frames)-1] }

// ---------------------------------------------------------------------------
// Monitors
// ---------------------------------------------------------------------------

// enterMonitor acquires m, releasing running while blocked.
func (e *Execution) enterMonitor(m *Monitor) {
	if !m.TryEnter(e.ID) {
		e.running.Unlock()
		m.Enter(e.ID)
		e.running.Lock()
	}
	e.held = append(e.held, m)
}

// exitMonitor releases one level of m. It reports false when e does not
// own m.
func (e *Execution) exitMonitor(m *Monitor) bool {
	if !m.Exit(e.ID) {
		return false
	}
	for i := len(e.held) - 1; i >= 0; i-- {
		if e.held[i] == m {
			e.held = append(e.held[:i], e.held[i+1:]...)
			break
		}
	}
	return true
}

// releaseMonitors frees every monitor still held when a run ends, such as
// a monitorenter with no matching monitorexit on the throwing path.
func (e *Execution) releaseMonitors() {
	if len(e.held) == 0 {
		return
	}
	levels := len(e.held)
	for _, m := range e.held {
		m.ExitAll(e.ID)
	}
	clear(e.held)
	e.held = e.held[:0]
	e.log.Warning("released monitors left held", "levels", levels)
}

// objectMonitor returns the monitor of the object behind r.
func (e *Execution) objectMonitor(r Ref) *Monitor {
	e.LockRuntime()
	defer e.UnlockRuntime()
	o := e.rt.heap.Get(r)
	if o.monitor == nil {
		o.monitor = NewMonitor()
	}
	return o.monitor
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Run loads className, initialises it and invokes the named method with
// args. For instance methods args[0] is the receiver. An uncaught managed
// exception is returned as a *Throwable.
func (e *Execution) Run(className, name, descriptor string, args ...Value) (Value, error) {
	leave, err := e.begin()
	if err != nil {
		return Void, err
	}
	defer leave()

	e.LockRuntime()
	cd, err := e.rt.loadLocked(className)
	e.UnlockRuntime()
	if err != nil {
		return Void, err
	}
	m := cd.resolveMethod(NewConstUtf8(name), NewConstUtf8(descriptor))
	if m == nil {
		return Void, fmt.Errorf("%w: %s.%s%s", ErrMethodNotFound, className, name, descriptor)
	}
	return e.finish(e.callTop(m, args))
}

// Invoke calls a resolved method with args.
func (e *Execution) Invoke(m *MethodInfo, args []Value) (Value, error) {
	leave, err := e.begin()
	if err != nil {
		return Void, err
	}
	defer leave()
	return e.finish(e.callTop(m, args))
}

// begin claims e for the calling goroutine and takes running.
func (e *Execution) begin() (leave func(), err error) {
	if !e.busy.CompareAndSwap(false, true) {
		if e.destroyed.Load() {
			return nil, ErrExecutionDestroyed
		}
		return nil, ErrExecutionBusy
	}
	if e.destroyed.Load() {
		e.busy.Store(false)
		return nil, ErrExecutionDestroyed
	}
	unbind := e.rt.bindGoroutine(e)
	e.running.Lock()
	return func() {
		e.running.Unlock()
		unbind()
		e.busy.Store(false)
	}, nil
}

func (e *Execution) finish(v Value, err error) (Value, error) {
	e.releaseMonitors()
	if err != nil {
		e.log.Info("execution ended abnormally", "error", err)
	}
	e.rt.eachObserver(func(o Observer) { o.ExecutionFinished(e, err) })
	return v, err
}

func (e *Execution) callTop(m *MethodInfo, args []Value) (Value, error) {
	e.sp = 0
	e.frames = e.frames[:0]
	e.pending = nil

	want := int(m.ParamInfo().ArgSlots)
	if !m.IsStatic() {
		want++
	}
	got := 0
	for _, a := range args {
		got += a.Slots()
	}
	if got != want {
		return Void, fmt.Errorf("%s: got %d argument slots, want %d", m, got, want)
	}
	if got > len(e.stack) {
		return Void, newThrowable(ClassStackOverflow, m.String())
	}
	if th := e.initialize(classOf(m.Class)); th != nil {
		return Void, th
	}
	v, th := e.call(m, args)
	if th != nil {
		return Void, th
	}
	return v, nil
}

// call invokes m on top of the current stack and runs it to completion.
func (e *Execution) call(m *MethodInfo, args []Value) (Value, *Throwable) {
	base := len(e.frames)
	for _, a := range args {
		e.pushValue(a)
	}
	var th *Throwable
	if th = e.invoke(m); th == nil && len(e.frames) > base {
		th = e.execute(base)
	}
	if th != nil {
		return Void, th
	}
	return e.popValue(m.ParamInfo().RetType), nil
}
