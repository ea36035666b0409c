package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Debugger: breakpoints, run control and inspection of one execution
// ---------------------------------------------------------------------------

// DefaultMaxBreakPoints is the breakpoint table size when none is set.
const DefaultMaxBreakPoints = 10

// Status bits reported by READ_STATUS.
const (
	StatusStop       uint8 = 0x01
	StatusHitBkp     uint8 = 0x02
	StatusSingleStep uint8 = 0x04
)

var (
	// ErrBreakPointTableFull is returned when every breakpoint slot is used.
	ErrBreakPointTableFull = errors.New("debugger: breakpoint table full")
	// ErrSymbolNotFound is returned when a class, method, field or local
	// variable named by a debugger request does not exist.
	ErrSymbolNotFound = errors.New("debugger: symbol not found")
	// ErrNotStopped is returned by inspection requests while running.
	ErrNotStopped = errors.New("debugger: execution is not stopped")
	// ErrNotReference is returned when a reference variable would be read
	// through or written with something other than null or a live object.
	ErrNotReference = errors.New("debugger: not a live object reference")
)

// DebugState is the run state of the debugged execution.
type DebugState uint8

const (
	StateRunning DebugState = iota
	StateStopped
	StateStepping
)

func (s DebugState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStepping:
		return "stepping"
	default:
		return "running"
	}
}

// StopReason tells why a stopped execution stopped.
type StopReason uint8

const (
	StopNone StopReason = iota
	StopEntry
	StopUser
	StopBreakpoint
	StopStep
)

func (r StopReason) String() string {
	switch r {
	case StopEntry:
		return "entry"
	case StopUser:
		return "user"
	case StopBreakpoint:
		return "breakpoint"
	case StopStep:
		return "step"
	default:
		return "none"
	}
}

// BreakPoint stops an execution before the instruction at PC of Method.
type BreakPoint struct {
	PC     uint32
	Method *MethodInfo
}

// StackTrace describes one frame of a stopped execution. Index 0 is the
// innermost frame.
type StackTrace struct {
	Index      uint32
	PC         uint32
	Class      string
	Method     string
	Descriptor string
	Line       int
}

// StopEvent is delivered to DebuggerOptions.OnStop.
type StopEvent struct {
	Execution uint64
	Reason    StopReason
	Top       StackTrace
}

// SendFunc transmits one encoded debugger response.
type SendFunc func(data []byte) error

// DebuggerOptions configures a Debugger.
type DebuggerOptions struct {
	MaxBreakPoints int  // 0 means DefaultMaxBreakPoints
	StartStopped   bool // stop before the first instruction
	OnStop         func(StopEvent)
}

// Debugger controls one execution. Requests come from any goroutine; the
// execution checks in before every instruction while the debugger is
// armed.
type Debugger struct {
	exec *Execution
	send SendFunc
	opts DebuggerOptions

	mu            sync.Mutex
	cond          *sync.Cond
	state         DebugState
	reason        StopReason
	stopRequested bool
	breakpoints   []BreakPoint
	frame         *Frame // innermost frame while stopped
	armed         atomic.Bool

	log commonlog.Logger
}

// NewDebugger attaches a debugger to an idle execution.
func NewDebugger(e *Execution, send SendFunc, opts DebuggerOptions) *Debugger {
	if opts.MaxBreakPoints <= 0 {
		opts.MaxBreakPoints = DefaultMaxBreakPoints
	}
	d := &Debugger{
		exec: e,
		send: send,
		opts: opts,
		log:  commonlog.NewKeyValueLogger(commonlog.GetLogger("mjvm.debugger"), "execution", e.ID),
	}
	d.cond = sync.NewCond(&d.mu)
	if opts.StartStopped {
		d.state = StateStopped
		d.reason = StopEntry
	}
	d.rearmLocked()
	e.debugger = d
	return d
}

// Execution returns the debugged execution.
func (d *Debugger) Execution() *Execution { return d.exec }

// Close removes every breakpoint and lets the execution run freely.
func (d *Debugger) Close() {
	d.mu.Lock()
	d.breakpoints = nil
	d.state = StateRunning
	d.reason = StopNone
	d.stopRequested = false
	d.rearmLocked()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// rearmLocked recomputes whether the interpreter must call safepoint.
func (d *Debugger) rearmLocked() {
	d.armed.Store(d.state != StateRunning || d.stopRequested || len(d.breakpoints) > 0)
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State returns the run state and, when stopped, the reason.
func (d *Debugger) State() (DebugState, StopReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.reason
}

// Status returns the READ_STATUS byte.
func (d *Debugger) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateStopped:
		if d.reason == StopEntry || d.reason == StopBreakpoint {
			return StatusStop | StatusHitBkp
		}
		return StatusStop
	case StateStepping:
		return StatusSingleStep
	}
	return 0
}

// Run resumes a stopped execution.
func (d *Debugger) Run() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateRunning
	d.reason = StopNone
	d.stopRequested = false
	d.rearmLocked()
	d.cond.Broadcast()
	return true
}

// Stop asks a running execution to stop before its next instruction.
func (d *Debugger) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateRunning {
		d.stopRequested = true
		d.rearmLocked()
	}
	return true
}

// SingleStep lets a stopped execution run exactly one instruction.
func (d *Debugger) SingleStep() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateStopped {
		return false
	}
	d.state = StateStepping
	d.reason = StopNone
	d.rearmLocked()
	d.cond.Broadcast()
	return true
}

// safepoint runs on the execution's goroutine before each instruction of
// f while the debugger is armed. It blocks while the execution is stopped.
func (d *Debugger) safepoint(f *Frame) {
	d.mu.Lock()
	switch {
	case d.state == StateStopped:
	case d.state == StateStepping:
		d.state, d.reason = StateStopped, StopStep
	case d.stopRequested:
		d.state, d.reason = StateStopped, StopUser
	case d.hitLocked(f):
		d.state, d.reason = StateStopped, StopBreakpoint
	default:
		d.mu.Unlock()
		return
	}
	d.stopRequested = false
	d.frame = f
	ev := StopEvent{Execution: d.exec.ID, Reason: d.reason, Top: traceOf(0, f)}
	d.mu.Unlock()

	d.exec.parked = true
	d.exec.running.Unlock()
	d.log.Info("execution stopped", "reason", ev.Reason.String(),
		"method", f.Method.String(), "pc", f.PC)
	if d.opts.OnStop != nil {
		d.opts.OnStop(ev)
	}

	d.mu.Lock()
	for d.state == StateStopped {
		d.cond.Wait()
	}
	d.frame = nil
	d.mu.Unlock()
	d.exec.running.Lock()
	d.exec.parked = false
}

func (d *Debugger) hitLocked(f *Frame) bool {
	for _, bp := range d.breakpoints {
		if bp.Method == f.Method && int(bp.PC) == f.PC {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

func (d *Debugger) resolveMethod(class, method, descriptor string) (*MethodInfo, error) {
	cd := d.exec.rt.Lookup(class)
	if cd == nil {
		return nil, fmt.Errorf("%w: class %s", ErrSymbolNotFound, class)
	}
	m := cd.FindMethodString(method, descriptor)
	if m == nil {
		return nil, fmt.Errorf("%w: method %s.%s%s", ErrSymbolNotFound, class, method, descriptor)
	}
	return m, nil
}

// AddBreakPoint sets a breakpoint at pc of a loaded method. Adding an
// existing breakpoint succeeds without using a slot.
func (d *Debugger) AddBreakPoint(pc uint32, class, method, descriptor string) error {
	m, err := d.resolveMethod(class, method, descriptor)
	if err != nil {
		return err
	}
	if code := m.Code(); code == nil || int(pc) >= len(code.Code) {
		return fmt.Errorf("%w: pc %d in %s", ErrSymbolNotFound, pc, m)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bp := range d.breakpoints {
		if bp.Method == m && bp.PC == pc {
			return nil
		}
	}
	if len(d.breakpoints) >= d.opts.MaxBreakPoints {
		return ErrBreakPointTableFull
	}
	d.breakpoints = append(d.breakpoints, BreakPoint{PC: pc, Method: m})
	d.rearmLocked()
	d.log.Debug("breakpoint added", "method", m.String(), "pc", pc)
	return nil
}

// RemoveBreakPoint clears one breakpoint.
func (d *Debugger) RemoveBreakPoint(pc uint32, class, method, descriptor string) error {
	m, err := d.resolveMethod(class, method, descriptor)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, bp := range d.breakpoints {
		if bp.Method == m && bp.PC == pc {
			d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
			d.rearmLocked()
			return nil
		}
	}
	return fmt.Errorf("%w: no breakpoint at pc %d in %s", ErrSymbolNotFound, pc, m)
}

// RemoveAllBreakPoints clears the table.
func (d *Debugger) RemoveAllBreakPoints() {
	d.mu.Lock()
	d.breakpoints = nil
	d.rearmLocked()
	d.mu.Unlock()
}

// BreakPoints returns a copy of the table.
func (d *Debugger) BreakPoints() []BreakPoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]BreakPoint(nil), d.breakpoints...)
}

// ---------------------------------------------------------------------------
// Inspection (stopped executions only)
// ---------------------------------------------------------------------------

func traceOf(index int, f *Frame) StackTrace {
	return StackTrace{
		Index:      uint32(index),
		PC:         uint32(f.PC),
		Class:      f.Method.Class.ThisClass.Text,
		Method:     f.Method.Name.Text,
		Descriptor: f.Method.Descriptor.Text,
		Line:       f.Method.LineAt(f.PC),
	}
}

// frameLocked returns frame index counted from the innermost one.
func (d *Debugger) frameLocked(index uint32) (*Frame, error) {
	if d.state != StateStopped || d.frame == nil {
		return nil, ErrNotStopped
	}
	frames := d.exec.frames
	if int(index) >= len(frames) {
		return nil, fmt.Errorf("%w: frame %d of %d", ErrSymbolNotFound, index, len(frames))
	}
	return frames[len(frames)-1-int(index)], nil
}

// StackTrace describes frame index of the stopped execution.
func (d *Debugger) StackTrace(index uint32) (StackTrace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.frameLocked(index)
	if err != nil {
		return StackTrace{}, err
	}
	return traceOf(int(index), f), nil
}

// StackDepth is the number of frames of the stopped execution.
func (d *Debugger) StackDepth() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateStopped || d.frame == nil {
		return 0, ErrNotStopped
	}
	return len(d.exec.frames), nil
}

// VarTarget selects what a VarAddress names.
type VarTarget uint8

const (
	VarLocalSlot VarTarget = iota // Slot, Type
	VarLocalName                  // Name, Descriptor
	VarField                      // Slot (object local), Name, Descriptor
	VarStatic                     // Class, Name, Descriptor
)

// VarAddress locates a variable relative to a frame.
type VarAddress struct {
	Target     VarTarget
	Slot       uint16
	Type       byte
	Class      string
	Name       string
	Descriptor string
}

// Variable is a typed value read by the debugger. Type is the declared
// descriptor character.
type Variable struct {
	Type  byte
	Value Value
}

// ReadVariable reads a variable of frame index.
func (d *Debugger) ReadVariable(index uint32, addr VarAddress) (Variable, error) {
	var out Variable
	err := d.accessVariable(index, addr, func(get func() uint64, _ func(uint64) error, t byte) error {
		out = Variable{Type: t, Value: valueOfKind(t, get())}
		return nil
	})
	return out, err
}

// WriteVariable stores v into a variable of frame index.
func (d *Debugger) WriteVariable(index uint32, addr VarAddress, v Value) error {
	return d.accessVariable(index, addr, func(_ func() uint64, set func(uint64) error, _ byte) error {
		return set(v.Bits())
	})
}

// accessVariable resolves addr and hands typed accessors to fn. Setters of
// reference variables accept only null or a live handle.
func (d *Debugger) accessVariable(index uint32, addr VarAddress, fn func(get func() uint64, set func(uint64) error, t byte) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.frameLocked(index)
	if err != nil {
		return err
	}
	e := d.exec
	rt := e.rt

	switch addr.Target {
	case VarLocalSlot, VarLocalName:
		slot, t := int(addr.Slot), addr.Type
		if addr.Target == VarLocalName {
			lv := findLocal(f, addr.Name, addr.Descriptor)
			if lv == nil {
				return fmt.Errorf("%w: local %s %s at pc %d", ErrSymbolNotFound, addr.Name, addr.Descriptor, f.PC)
			}
			slot, t = int(lv.Index), lv.Descriptor.Text[0]
		}
		width := slotsOf(t)
		if slot+width > f.SP0-f.BP {
			return fmt.Errorf("%w: local slot %d", ErrSymbolNotFound, slot)
		}
		get := func() uint64 {
			if width == 2 {
				return uint64(e.localLong(f, slot))
			}
			return uint64(uint32(e.local(f, slot)))
		}
		set := func(bits uint64) error {
			isRef := t == 'L' || t == '['
			if isRef {
				if err := d.checkRef(bits, true); err != nil {
					return err
				}
			}
			if width == 2 {
				e.setLocalLong(f, slot, int64(bits))
			} else {
				e.setLocal(f, slot, int32(uint32(bits)), isRef)
			}
			return nil
		}
		return fn(get, set, t)

	case VarField, VarStatic:
		if addr.Descriptor == "" {
			return fmt.Errorf("%w: empty field descriptor", ErrSymbolNotFound)
		}
		rt.Lock()
		defer rt.Unlock()
		var fd *FieldsData
		if addr.Target == VarField {
			if int(addr.Slot) >= f.SP0-f.BP {
				return fmt.Errorf("%w: local slot %d", ErrSymbolNotFound, addr.Slot)
			}
			slot := int(addr.Slot)
			if !e.refs[f.BP+slot] {
				return fmt.Errorf("%w: local %d does not hold a reference", ErrNotReference, slot)
			}
			o := rt.heap.Get(Ref(uint32(e.local(f, slot))))
			if o == nil || o.fields == nil {
				return fmt.Errorf("%w: local %d is not an object", ErrSymbolNotFound, slot)
			}
			fd = o.fields
		} else {
			cd := rt.lookupLocked(NewConstUtf8(addr.Class))
			if cd == nil {
				return fmt.Errorf("%w: class %s", ErrSymbolNotFound, addr.Class)
			}
			fd = cd.staticFields()
		}
		t := addr.Descriptor[0]
		switch FieldKindOf(addr.Descriptor) {
		case FieldKind64:
			s := fd.FindFieldData64(addr.Name, addr.Descriptor)
			if s == nil {
				break
			}
			return fn(func() uint64 { return uint64(s.Value) }, func(b uint64) error {
				s.Value = int64(b)
				return nil
			}, t)
		case FieldKindRef:
			s := fd.FindFieldObject(addr.Name, addr.Descriptor)
			if s == nil {
				break
			}
			return fn(func() uint64 { return uint64(s.Value) }, func(b uint64) error {
				if err := d.checkRef(b, false); err != nil {
					return err
				}
				s.Value = Ref(uint32(b))
				return nil
			}, t)
		default:
			s := fd.FindFieldData32(addr.Name, addr.Descriptor)
			if s == nil {
				break
			}
			return fn(func() uint64 { return uint64(uint32(s.Value)) }, func(b uint64) error {
				s.Value = int32(uint32(b))
				return nil
			}, t)
		}
		return fmt.Errorf("%w: field %s %s", ErrSymbolNotFound, addr.Name, addr.Descriptor)
	}
	return fmt.Errorf("%w: variable target %d", ErrSymbolNotFound, addr.Target)
}

// checkRef rejects bits that are neither null nor a live heap handle.
// lock is false when the caller already holds the runtime lock.
func (d *Debugger) checkRef(bits uint64, lock bool) error {
	if bits > 0xFFFFFFFF {
		return fmt.Errorf("%w: %#x", ErrNotReference, bits)
	}
	r := Ref(uint32(bits))
	if r == Null {
		return nil
	}
	rt := d.exec.rt
	if lock {
		rt.Lock()
		defer rt.Unlock()
	}
	if rt.heap.Get(r) == nil {
		return fmt.Errorf("%w: handle %d", ErrNotReference, r)
	}
	return nil
}

// findLocal returns the LocalVariableTable entry named name that is live
// at the frame's pc.
func findLocal(f *Frame, name, descriptor string) *LocalVariable {
	for i := range f.Code.LocalVariables {
		lv := &f.Code.LocalVariables[i]
		if lv.Name.EqualString(name) && (descriptor == "" || lv.Descriptor.EqualString(descriptor)) && lv.LiveAt(f.PC) {
			return lv
		}
	}
	return nil
}
