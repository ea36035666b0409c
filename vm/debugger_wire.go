package vm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DebuggerCmd is the first byte of every debugger request and response.
type DebuggerCmd uint8

const (
	CmdReadStatus DebuggerCmd = iota
	CmdReadStackTrace
	CmdAddBkp
	CmdRemoveBkp
	CmdRemoveAllBkp
	CmdRun
	CmdStop
	CmdSingleStep
	CmdReadVariable
	CmdWriteVariable
)

var cmdNames = [...]string{
	"READ_STATUS", "READ_STACK_TRACE", "ADD_BKP", "REMOVE_BKP", "REMOVE_ALL_BKP",
	"RUN", "STOP", "SINGLE_STEP", "READ_VARIABLE", "WRITE_VARIABLE",
}

func (c DebuggerCmd) String() string {
	if int(c) < len(cmdNames) {
		return cmdNames[c]
	}
	return fmt.Sprintf("CMD_%d", uint8(c))
}

// ErrMalformedCommand is returned for requests that cannot be decoded.
var ErrMalformedCommand = errors.New("debugger: malformed command")

// ---------------------------------------------------------------------------
// Request handling
// ---------------------------------------------------------------------------

// Receive decodes one request, executes it and sends the response
// [cmd, 0 on success or 1 on failure, payload...].
func (d *Debugger) Receive(data []byte) error {
	if len(data) == 0 {
		return ErrMalformedCommand
	}
	cmd := DebuggerCmd(data[0])
	payload, err := d.handle(cmd, &wireReader{buf: data[1:]})
	resp := []byte{byte(cmd), 0}
	if err != nil {
		d.log.Debug("request failed", "command", cmd.String(), "error", err)
		resp[1] = 1
	} else {
		resp = append(resp, payload...)
	}
	if d.send == nil {
		return nil
	}
	return d.send(resp)
}

func (d *Debugger) handle(cmd DebuggerCmd, r *wireReader) ([]byte, error) {
	switch cmd {
	case CmdReadStatus:
		return []byte{d.Status()}, nil

	case CmdReadStackTrace:
		index := r.u32()
		if r.err != nil {
			return nil, r.err
		}
		st, err := d.StackTrace(index)
		if err != nil {
			return nil, err
		}
		var w wireWriter
		w.u32(st.Index)
		w.u32(st.PC)
		w.utf8(st.Class)
		w.utf8(st.Method)
		w.utf8(st.Descriptor)
		return w.buf, nil

	case CmdAddBkp, CmdRemoveBkp:
		pc := r.u32()
		class, method, desc := r.utf8(), r.utf8(), r.utf8()
		if r.err != nil {
			return nil, r.err
		}
		if cmd == CmdAddBkp {
			return nil, d.AddBreakPoint(pc, class, method, desc)
		}
		return nil, d.RemoveBreakPoint(pc, class, method, desc)

	case CmdRemoveAllBkp:
		d.RemoveAllBreakPoints()
		return nil, nil

	case CmdRun:
		d.Run()
		return nil, nil

	case CmdStop:
		d.Stop()
		return nil, nil

	case CmdSingleStep:
		if !d.SingleStep() {
			return nil, ErrNotStopped
		}
		return nil, nil

	case CmdReadVariable, CmdWriteVariable:
		frame := r.u32()
		addr := r.varAddress()
		if r.err != nil {
			return nil, r.err
		}
		if cmd == CmdWriteVariable {
			t := addr.typeChar()
			if t == 0 {
				return nil, fmt.Errorf("%w: untyped variable", ErrMalformedCommand)
			}
			v := r.value(t)
			if r.err != nil {
				return nil, r.err
			}
			return nil, d.WriteVariable(frame, addr, v)
		}
		v, err := d.ReadVariable(frame, addr)
		if err != nil {
			return nil, err
		}
		var w wireWriter
		w.buf = append(w.buf, v.Type)
		w.value(v.Type, v.Value)
		return w.buf, nil
	}
	return nil, fmt.Errorf("%w: unknown command %d", ErrMalformedCommand, uint8(cmd))
}

// typeChar is the declared type of the addressed variable, or 0 when the
// address does not carry one.
func (a VarAddress) typeChar() byte {
	if a.Target == VarLocalSlot {
		return a.Type
	}
	if a.Descriptor == "" {
		return 0
	}
	return a.Descriptor[0]
}

// ---------------------------------------------------------------------------
// Framing
// ---------------------------------------------------------------------------

// ReadCommand reads exactly one request from a byte stream. The length of
// a request follows from its command byte and embedded strings.
func ReadCommand(br *bufio.Reader) ([]byte, error) {
	c, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	out := []byte{c}
	need := func(n int) error {
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return err
		}
		out = append(out, buf...)
		return nil
	}
	last := -1 // offset of the text of the last string read
	utf8 := func() error {
		start := len(out)
		if err := need(4); err != nil {
			return err
		}
		n := int(binary.LittleEndian.Uint16(out[start:]))
		last = start + 4
		if n == 0 {
			last = -1
		}
		return need(n + 1)
	}
	lastType := func() byte {
		if last < 0 {
			return 0
		}
		return out[last]
	}
	utf8s := func(n int) error {
		for i := 0; i < n; i++ {
			if err := utf8(); err != nil {
				return err
			}
		}
		return nil
	}

	switch DebuggerCmd(c) {
	case CmdReadStatus, CmdRemoveAllBkp, CmdRun, CmdStop, CmdSingleStep:
		return out, nil
	case CmdReadStackTrace:
		return out, need(4)
	case CmdAddBkp, CmdRemoveBkp:
		if err := need(4); err != nil {
			return nil, err
		}
		return out, utf8s(3)
	case CmdReadVariable, CmdWriteVariable:
		if err := need(5); err != nil {
			return nil, err
		}
		var typ byte
		switch VarTarget(out[5]) {
		case VarLocalSlot:
			if err := need(3); err != nil {
				return nil, err
			}
			typ = out[len(out)-1]
		case VarLocalName:
			if err := utf8(); err != nil {
				return nil, err
			}
			if err := utf8(); err != nil {
				return nil, err
			}
			typ = lastType()
		case VarField:
			if err := need(2); err != nil {
				return nil, err
			}
			if err := utf8s(2); err != nil {
				return nil, err
			}
			typ = lastType()
		case VarStatic:
			if err := utf8s(3); err != nil {
				return nil, err
			}
			typ = lastType()
		default:
			return nil, fmt.Errorf("%w: variable target %d", ErrMalformedCommand, out[5])
		}
		if DebuggerCmd(c) == CmdWriteVariable {
			if typ == 0 {
				return nil, fmt.Errorf("%w: untyped variable", ErrMalformedCommand)
			}
			if err := need(4 * slotsOf(typ)); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown command %d", ErrMalformedCommand, c)
}

// ---------------------------------------------------------------------------
// Encoding helpers
// ---------------------------------------------------------------------------

type wireReader struct {
	buf []byte
	err error
}

func (r *wireReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: short payload", ErrMalformedCommand)
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *wireReader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *wireReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *wireReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *wireReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// utf8 reads a length, checksum, bytes and NUL string and verifies the
// checksum.
func (r *wireReader) utf8() string {
	n := int(r.u16())
	crc := r.u16()
	b := r.take(n + 1)
	if r.err != nil {
		return ""
	}
	s := string(b[:n])
	if Checksum(s) != crc {
		r.err = fmt.Errorf("%w: checksum mismatch for %q", ErrMalformedCommand, s)
		return ""
	}
	return s
}

func (r *wireReader) varAddress() VarAddress {
	a := VarAddress{Target: VarTarget(r.u8())}
	switch a.Target {
	case VarLocalSlot:
		a.Slot = r.u16()
		a.Type = r.u8()
	case VarLocalName:
		a.Name, a.Descriptor = r.utf8(), r.utf8()
	case VarField:
		a.Slot = r.u16()
		a.Name, a.Descriptor = r.utf8(), r.utf8()
	case VarStatic:
		a.Class, a.Name, a.Descriptor = r.utf8(), r.utf8(), r.utf8()
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: variable target %d", ErrMalformedCommand, a.Target)
		}
	}
	return a
}

func (r *wireReader) value(t byte) Value {
	if slotsOf(t) == 2 {
		return valueOfKind(t, r.u64())
	}
	return valueOfKind(t, uint64(r.u32()))
}

type wireWriter struct {
	buf []byte
}

func (w *wireWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *wireWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *wireWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *wireWriter) utf8(s string) {
	w.u16(uint16(len(s)))
	w.u16(Checksum(s))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (w *wireWriter) value(t byte, v Value) {
	if slotsOf(t) == 2 {
		w.u64(v.Bits())
	} else {
		w.u32(uint32(v.Bits()))
	}
}

// ---------------------------------------------------------------------------
// Request builders for clients
// ---------------------------------------------------------------------------

// EncodeStackTraceRequest builds a READ_STACK_TRACE request.
func EncodeStackTraceRequest(index uint32) []byte {
	w := wireWriter{buf: []byte{byte(CmdReadStackTrace)}}
	w.u32(index)
	return w.buf
}

// EncodeBreakPointRequest builds an ADD_BKP or REMOVE_BKP request.
func EncodeBreakPointRequest(cmd DebuggerCmd, pc uint32, class, method, descriptor string) []byte {
	w := wireWriter{buf: []byte{byte(cmd)}}
	w.u32(pc)
	w.utf8(class)
	w.utf8(method)
	w.utf8(descriptor)
	return w.buf
}

// EncodeVariableRequest builds a READ_VARIABLE request, or a
// WRITE_VARIABLE request when value is non-nil.
func EncodeVariableRequest(frame uint32, addr VarAddress, value *Value) []byte {
	cmd := CmdReadVariable
	if value != nil {
		cmd = CmdWriteVariable
	}
	w := wireWriter{buf: []byte{byte(cmd)}}
	w.u32(frame)
	w.buf = append(w.buf, byte(addr.Target))
	switch addr.Target {
	case VarLocalSlot:
		w.u16(addr.Slot)
		w.buf = append(w.buf, addr.Type)
	case VarLocalName:
		w.utf8(addr.Name)
		w.utf8(addr.Descriptor)
	case VarField:
		w.u16(addr.Slot)
		w.utf8(addr.Name)
		w.utf8(addr.Descriptor)
	case VarStatic:
		w.utf8(addr.Class)
		w.utf8(addr.Name)
		w.utf8(addr.Descriptor)
	}
	if value != nil {
		w.value(addr.typeChar(), *value)
	}
	return w.buf
}

// DecodeStackTrace parses the payload of a successful READ_STACK_TRACE
// response, starting after the [cmd, 0] header.
func DecodeStackTrace(payload []byte) (StackTrace, error) {
	r := wireReader{buf: payload}
	st := StackTrace{Index: r.u32(), PC: r.u32()}
	st.Class, st.Method, st.Descriptor = r.utf8(), r.utf8(), r.utf8()
	return st, r.err
}
