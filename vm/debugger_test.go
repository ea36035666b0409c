package vm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const loopClass = "app/Loop"

// Bytecode of count(I)I:
//
//	0: iconst_0        line 3
//	1: istore_1
//	2: iload_1         line 4
//	3: iload_0
//	4: if_icmpge 13
//	7: iinc 1 1        line 5
//	10: goto 2
//	13: iload_1        line 6
//	14: ireturn
func loopBuilder() *ClassBuilder {
	b := NewClassBuilder(loopClass, ClassObject)
	b.Field(AccPublic|AccStatic, "flag", "I")
	b.Field(AccPublic|AccStatic, "label", "Ljava/lang/String;")

	c := b.Method(AccPublic|AccStatic, "count", "(I)I").Limits(2, 2)
	begin, loop, done, end := c.NewLabel(), c.NewLabel(), c.NewLabel(), c.NewLabel()
	c.Mark(begin).Line(3).Op(OpIconst0).Op(OpIstore1)
	c.Mark(loop).Line(4).Op(OpIload1).Op(OpIload0).Branch(OpIfIcmpge, done)
	c.Line(5).Op(OpIinc, 1, 1).Branch(OpGoto, loop)
	c.Mark(done).Line(6).Op(OpIload1).Op(OpIreturn)
	c.Mark(end)
	c.Local("n", "I", 0, begin, end).Local("i", "I", 1, loop, end)

	// spin()I waits for flag to become non-zero and returns it
	flag := b.FieldRef(loopClass, "flag", "I")
	s := b.Method(AccPublic|AccStatic, "spin", "()I")
	top := s.NewLabel()
	s.Mark(top).U2(OpGetstatic, flag).Branch(OpIfeq, top)
	s.U2(OpGetstatic, flag).Op(OpIreturn)
	return b
}

type debugHarness struct {
	rt     *Runtime
	exec   *Execution
	dbg    *Debugger
	stops  chan StopEvent
	result chan Value
	errs   chan error

	mu        sync.Mutex
	responses [][]byte
}

func newDebugHarness(t *testing.T, opts DebuggerOptions) *debugHarness {
	t.Helper()
	h := &debugHarness{
		rt:     newTestRuntime(t, Config{}),
		stops:  make(chan StopEvent, 16),
		result: make(chan Value, 1),
		errs:   make(chan error, 1),
	}
	define(t, h.rt, loopClass, loopBuilder())
	h.exec = h.rt.NewExecution()
	opts.OnStop = func(ev StopEvent) { h.stops <- ev }
	h.dbg = NewDebugger(h.exec, h.capture, opts)
	return h
}

func (h *debugHarness) capture(data []byte) error {
	h.mu.Lock()
	h.responses = append(h.responses, append([]byte(nil), data...))
	h.mu.Unlock()
	return nil
}

// request sends data through the wire handler and returns the response.
func (h *debugHarness) request(t *testing.T, data []byte) []byte {
	t.Helper()
	if err := h.dbg.Receive(data); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.responses) == 0 {
		t.Fatal("no response sent")
	}
	return h.responses[len(h.responses)-1]
}

func (h *debugHarness) start(method, desc string, args ...Value) {
	go func() {
		v, err := h.exec.Run(loopClass, method, desc, args...)
		if err != nil {
			h.errs <- err
			return
		}
		h.result <- v
	}()
}

func (h *debugHarness) waitStop(t *testing.T) StopEvent {
	t.Helper()
	select {
	case ev := <-h.stops:
		return ev
	case err := <-h.errs:
		t.Fatalf("execution failed before stopping: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop")
	}
	return StopEvent{}
}

func (h *debugHarness) waitResult(t *testing.T) Value {
	t.Helper()
	select {
	case v := <-h.result:
		return v
	case err := <-h.errs:
		t.Fatalf("execution failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
	return Void
}

// ---------------------------------------------------------------------------
// Breakpoints and run control
// ---------------------------------------------------------------------------

func TestBreakPointHit(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{})
	if err := h.dbg.AddBreakPoint(7, loopClass, "count", "(I)I"); err != nil {
		t.Fatal(err)
	}
	h.start("count", "(I)I", IntValue(5))

	ev := h.waitStop(t)
	if ev.Reason != StopBreakpoint || ev.Top.PC != 7 {
		t.Fatalf("stop = %s at pc %d, want breakpoint at 7", ev.Reason, ev.Top.PC)
	}
	if got := h.dbg.Status(); got != StatusStop|StatusHitBkp {
		t.Errorf("Status() = %#x, want %#x", got, StatusStop|StatusHitBkp)
	}
	st, err := h.dbg.StackTrace(0)
	if err != nil {
		t.Fatal(err)
	}
	if st.PC != 7 || st.Class != loopClass || st.Method != "count" || st.Line != 5 {
		t.Errorf("StackTrace(0) = %+v", st)
	}
	if depth, _ := h.dbg.StackDepth(); depth != 1 {
		t.Errorf("StackDepth = %d, want 1", depth)
	}
	if _, err := h.dbg.StackTrace(1); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("StackTrace(1): %v, want ErrSymbolNotFound", err)
	}

	// Resuming runs to the same breakpoint on the next iteration.
	h.dbg.Run()
	ev = h.waitStop(t)
	if ev.Top.PC != 7 {
		t.Fatalf("second stop at pc %d", ev.Top.PC)
	}
	v, err := h.dbg.ReadVariable(0, VarAddress{Target: VarLocalName, Name: "i", Descriptor: "I"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != 'I' || v.Value.Int() != 1 {
		t.Errorf("i = %c %d, want I 1", v.Type, v.Value.Int())
	}

	h.dbg.RemoveAllBreakPoints()
	h.dbg.Run()
	if v := h.waitResult(t); v.Int() != 5 {
		t.Errorf("count = %d, want 5", v.Int())
	}
	if h.dbg.Status() != 0 {
		t.Errorf("Status() = %#x after run", h.dbg.Status())
	}
}

func TestSingleStep(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{StartStopped: true})
	h.start("count", "(I)I", IntValue(1))

	ev := h.waitStop(t)
	if ev.Reason != StopEntry || ev.Top.PC != 0 {
		t.Fatalf("first stop = %s at %d, want entry at 0", ev.Reason, ev.Top.PC)
	}
	if got := h.dbg.Status(); got != StatusStop|StatusHitBkp {
		t.Errorf("entry Status() = %#x", got)
	}

	for _, want := range []uint32{1, 2, 3, 4} {
		if !h.dbg.SingleStep() {
			t.Fatal("SingleStep refused while stopped")
		}
		ev = h.waitStop(t)
		if ev.Reason != StopStep || ev.Top.PC != want {
			t.Fatalf("step stop = %s at %d, want step at %d", ev.Reason, ev.Top.PC, want)
		}
		if got := h.dbg.Status(); got != StatusStop {
			t.Errorf("step Status() = %#x, want %#x", got, StatusStop)
		}
	}

	h.dbg.Run()
	if h.dbg.SingleStep() {
		t.Error("SingleStep should be refused while running")
	}
	if v := h.waitResult(t); v.Int() != 1 {
		t.Errorf("count = %d", v.Int())
	}
}

func TestStopAndWriteStatic(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{})
	h.start("spin", "()I")
	h.dbg.Stop()

	ev := h.waitStop(t)
	if ev.Reason != StopUser {
		t.Fatalf("reason = %s, want user", ev.Reason)
	}
	if got := h.dbg.Status(); got != StatusStop {
		t.Errorf("Status() = %#x, want %#x", got, StatusStop)
	}

	flag := VarAddress{Target: VarStatic, Class: loopClass, Name: "flag", Descriptor: "I"}
	if err := h.dbg.WriteVariable(0, flag, IntValue(7)); err != nil {
		t.Fatal(err)
	}
	v, err := h.dbg.ReadVariable(0, flag)
	if err != nil || v.Value.Int() != 7 {
		t.Fatalf("flag = %v, %v", v.Value, err)
	}
	h.dbg.Run()
	if v := h.waitResult(t); v.Int() != 7 {
		t.Errorf("spin = %d, want 7", v.Int())
	}
}

func TestWriteLocalChangesExecution(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{})
	if err := h.dbg.AddBreakPoint(7, loopClass, "count", "(I)I"); err != nil {
		t.Fatal(err)
	}
	h.start("count", "(I)I", IntValue(5))
	h.waitStop(t)

	if err := h.dbg.WriteVariable(0, VarAddress{Target: VarLocalSlot, Slot: 1, Type: 'I'}, IntValue(100)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.dbg.ReadVariable(0, VarAddress{Target: VarLocalSlot, Slot: 5, Type: 'I'}); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("slot out of range: %v", err)
	}
	if _, err := h.dbg.ReadVariable(0, VarAddress{Target: VarLocalName, Name: "missing", Descriptor: "I"}); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("unknown local: %v", err)
	}
	h.dbg.Close()
	if v := h.waitResult(t); v.Int() != 101 {
		t.Errorf("count = %d, want 101", v.Int())
	}
}

func TestVariableReferencesAreChecked(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{})
	if err := h.dbg.AddBreakPoint(7, loopClass, "count", "(I)I"); err != nil {
		t.Fatal(err)
	}
	live, err := h.rt.NewString("live")
	if err != nil {
		t.Fatal(err)
	}
	h.rt.Pin(live)
	h.start("count", "(I)I", IntValue(2))
	h.waitStop(t)

	// an int local whose value happens to equal a live handle
	n := VarAddress{Target: VarLocalSlot, Slot: 0, Type: 'I'}
	if err := h.dbg.WriteVariable(0, n, IntValue(int32(live))); err != nil {
		t.Fatal(err)
	}
	coder := VarAddress{Target: VarField, Slot: 0, Name: "coder", Descriptor: "B"}
	if _, err := h.dbg.ReadVariable(0, coder); !errors.Is(err, ErrNotReference) {
		t.Errorf("field through an int local: %v, want ErrNotReference", err)
	}

	tests := []struct {
		name string
		addr VarAddress
		v    Value
		ok   bool
	}{
		{"stale local", VarAddress{Target: VarLocalSlot, Slot: 0, Type: 'L'}, RefValue(live + 1000), false},
		{"live local", VarAddress{Target: VarLocalSlot, Slot: 0, Type: 'L'}, RefValue(live), true},
		{"stale static", VarAddress{Target: VarStatic, Class: loopClass, Name: "label", Descriptor: "Ljava/lang/String;"}, RefValue(live + 1000), false},
		{"null static", VarAddress{Target: VarStatic, Class: loopClass, Name: "label", Descriptor: "Ljava/lang/String;"}, RefValue(Null), true},
		{"live static", VarAddress{Target: VarStatic, Class: loopClass, Name: "label", Descriptor: "Ljava/lang/String;"}, RefValue(live), true},
	}
	for _, tt := range tests {
		err := h.dbg.WriteVariable(0, tt.addr, tt.v)
		if tt.ok && err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrNotReference) {
			t.Errorf("%s: %v, want ErrNotReference", tt.name, err)
		}
	}

	// slot 0 now holds a reference, so fields resolve through it
	v, err := h.dbg.ReadVariable(0, coder)
	if err != nil || v.Value.Int() != coderLatin1 {
		t.Errorf("coder = %v, %v", v.Value, err)
	}

	stale := RefValue(live + 1000)
	resp := h.request(t, EncodeVariableRequest(0, VarAddress{Target: VarLocalSlot, Slot: 1, Type: 'L'}, &stale))
	if !bytes.Equal(resp, []byte{byte(CmdWriteVariable), 1}) {
		t.Errorf("stale WRITE_VARIABLE = %v", resp)
	}

	if err := h.dbg.WriteVariable(0, n, IntValue(2)); err != nil {
		t.Fatal(err)
	}
	h.dbg.Close()
	if v := h.waitResult(t); v.Int() != 2 {
		t.Errorf("count = %d, want 2", v.Int())
	}
}

func TestBreakPointTable(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{MaxBreakPoints: 2})
	d := h.dbg

	if err := d.AddBreakPoint(0, loopClass, "count", "(I)I"); err != nil {
		t.Fatal(err)
	}
	if err := d.AddBreakPoint(2, loopClass, "count", "(I)I"); err != nil {
		t.Fatal(err)
	}
	if err := d.AddBreakPoint(2, loopClass, "count", "(I)I"); err != nil {
		t.Errorf("re-adding a breakpoint: %v", err)
	}
	if err := d.AddBreakPoint(4, loopClass, "count", "(I)I"); !errors.Is(err, ErrBreakPointTableFull) {
		t.Errorf("third breakpoint: %v, want ErrBreakPointTableFull", err)
	}
	if len(d.BreakPoints()) != 2 {
		t.Errorf("BreakPoints() = %d entries", len(d.BreakPoints()))
	}

	tests := []struct {
		name                string
		pc                  uint32
		class, method, desc string
	}{
		{"unknown class", 0, "app/Nope", "count", "(I)I"},
		{"unknown method", 0, loopClass, "nope", "()V"},
		{"pc past end", 99, loopClass, "count", "(I)I"},
	}
	for _, tt := range tests {
		if err := d.AddBreakPoint(tt.pc, tt.class, tt.method, tt.desc); !errors.Is(err, ErrSymbolNotFound) {
			t.Errorf("%s: %v, want ErrSymbolNotFound", tt.name, err)
		}
	}

	if err := d.RemoveBreakPoint(0, loopClass, "count", "(I)I"); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveBreakPoint(0, loopClass, "count", "(I)I"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("removing twice: %v, want ErrSymbolNotFound", err)
	}
	d.RemoveAllBreakPoints()
	if len(d.BreakPoints()) != 0 {
		t.Error("RemoveAllBreakPoints left entries")
	}
}

func TestInspectionRequiresStop(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{})
	if _, err := h.dbg.StackTrace(0); !errors.Is(err, ErrNotStopped) {
		t.Errorf("StackTrace: %v, want ErrNotStopped", err)
	}
	if _, err := h.dbg.ReadVariable(0, VarAddress{Target: VarLocalSlot, Type: 'I'}); !errors.Is(err, ErrNotStopped) {
		t.Errorf("ReadVariable: %v, want ErrNotStopped", err)
	}
}

// ---------------------------------------------------------------------------
// Wire protocol
// ---------------------------------------------------------------------------

func TestWireStatusAndRunControl(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{StartStopped: true})

	resp := h.request(t, []byte{byte(CmdReadStatus)})
	if !bytes.Equal(resp, []byte{byte(CmdReadStatus), 0, StatusStop | StatusHitBkp}) {
		t.Errorf("READ_STATUS = %v", resp)
	}

	h.start("count", "(I)I", IntValue(3))
	h.waitStop(t)

	resp = h.request(t, EncodeStackTraceRequest(0))
	if resp[0] != byte(CmdReadStackTrace) || resp[1] != 0 {
		t.Fatalf("READ_STACK_TRACE header = %v", resp[:2])
	}
	st, err := DecodeStackTrace(resp[2:])
	if err != nil {
		t.Fatal(err)
	}
	if st.PC != 0 || st.Class != loopClass || st.Method != "count" || st.Descriptor != "(I)I" {
		t.Errorf("decoded trace = %+v", st)
	}

	resp = h.request(t, EncodeStackTraceRequest(3))
	if !bytes.Equal(resp, []byte{byte(CmdReadStackTrace), 1}) {
		t.Errorf("missing frame response = %v", resp)
	}

	resp = h.request(t, EncodeBreakPointRequest(CmdAddBkp, 13, loopClass, "count", "(I)I"))
	if !bytes.Equal(resp, []byte{byte(CmdAddBkp), 0}) {
		t.Errorf("ADD_BKP = %v", resp)
	}
	h.request(t, []byte{byte(CmdRun)})
	if ev := h.waitStop(t); ev.Top.PC != 13 {
		t.Fatalf("stopped at %d, want 13", ev.Top.PC)
	}

	resp = h.request(t, EncodeVariableRequest(0, VarAddress{Target: VarLocalName, Name: "i", Descriptor: "I"}, nil))
	if len(resp) != 7 || resp[1] != 0 || resp[2] != 'I' {
		t.Fatalf("READ_VARIABLE = %v", resp)
	}
	if got := binary.LittleEndian.Uint32(resp[3:]); got != 3 {
		t.Errorf("i = %d, want 3", got)
	}

	nine := IntValue(9)
	resp = h.request(t, EncodeVariableRequest(0, VarAddress{Target: VarLocalSlot, Slot: 1, Type: 'I'}, &nine))
	if !bytes.Equal(resp, []byte{byte(CmdWriteVariable), 0}) {
		t.Errorf("WRITE_VARIABLE = %v", resp)
	}

	h.request(t, []byte{byte(CmdRemoveAllBkp)})
	h.request(t, []byte{byte(CmdRun)})
	if v := h.waitResult(t); v.Int() != 9 {
		t.Errorf("count = %d, want 9", v.Int())
	}
}

func TestWireRejectsBadRequests(t *testing.T) {
	h := newDebugHarness(t, DebuggerOptions{})

	req := EncodeBreakPointRequest(CmdAddBkp, 0, loopClass, "count", "(I)I")
	req[7]++ // corrupt the checksum of the class name
	if resp := h.request(t, req); !bytes.Equal(resp, []byte{byte(CmdAddBkp), 1}) {
		t.Errorf("bad checksum response = %v", resp)
	}
	if resp := h.request(t, []byte{byte(CmdReadStackTrace), 0}); resp[1] != 1 {
		t.Errorf("short request response = %v", resp)
	}
	if resp := h.request(t, []byte{0x7f}); !bytes.Equal(resp, []byte{0x7f, 1}) {
		t.Errorf("unknown command response = %v", resp)
	}
	if resp := h.request(t, []byte{byte(CmdSingleStep)}); resp[1] != 1 {
		t.Errorf("SINGLE_STEP while running = %v", resp)
	}
	if err := h.dbg.Receive(nil); !errors.Is(err, ErrMalformedCommand) {
		t.Errorf("empty request: %v", err)
	}
}

func TestReadCommandFraming(t *testing.T) {
	long := LongValue(-3)
	requests := [][]byte{
		{byte(CmdReadStatus)},
		EncodeStackTraceRequest(2),
		EncodeBreakPointRequest(CmdAddBkp, 7, loopClass, "count", "(I)I"),
		EncodeBreakPointRequest(CmdRemoveBkp, 0, "", "", ""),
		{byte(CmdRun)},
		EncodeVariableRequest(1, VarAddress{Target: VarLocalSlot, Slot: 4, Type: 'J'}, &long),
		EncodeVariableRequest(0, VarAddress{Target: VarLocalName, Name: "i", Descriptor: "I"}, nil),
		EncodeVariableRequest(0, VarAddress{Target: VarField, Slot: 0, Name: "x", Descriptor: "D"}, &long),
		EncodeVariableRequest(0, VarAddress{Target: VarStatic, Class: loopClass, Name: "flag", Descriptor: "I"}, nil),
		{byte(CmdStop)},
	}
	var stream bytes.Buffer
	for _, r := range requests {
		stream.Write(r)
	}
	br := bufio.NewReader(&stream)
	for i, want := range requests {
		got, err := ReadCommand(br)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("request %d = %v, want %v", i, got, want)
		}
	}
	if _, err := ReadCommand(br); err == nil {
		t.Error("expected EOF after the last request")
	}

	if _, err := ReadCommand(bufio.NewReader(bytes.NewReader([]byte{0x42}))); !errors.Is(err, ErrMalformedCommand) {
		t.Errorf("unknown command: %v", err)
	}
}

func TestDebuggerNames(t *testing.T) {
	if CmdWriteVariable.String() != "WRITE_VARIABLE" || DebuggerCmd(42).String() != "CMD_42" {
		t.Error("unexpected command names")
	}
	if StopBreakpoint.String() == "" || StateStepping.String() == "" {
		t.Error("states and reasons should have names")
	}
}
