package server

import "github.com/chazu/mjvm/vm"

// Messages of the debug service. They travel as CBOR.

// Empty is the request or response of procedures without parameters.
type Empty struct{}

// SessionRequest names a debug session. An empty Session selects the
// only session when exactly one exists.
type SessionRequest struct {
	Session string `cbor:"1,keyasint,omitempty"`
}

// SessionInfo describes a debug session.
type SessionInfo struct {
	ID          string `cbor:"1,keyasint"`
	Name        string `cbor:"2,keyasint,omitempty"`
	Execution   uint64 `cbor:"3,keyasint"`
	State       string `cbor:"4,keyasint"`
	Reason      string `cbor:"5,keyasint,omitempty"`
	BreakPoints int    `cbor:"6,keyasint"`
}

// ListSessionsResponse lists the open sessions.
type ListSessionsResponse struct {
	Sessions []SessionInfo `cbor:"1,keyasint"`
}

// StatusResponse reports the run state of a debugged execution. Status is
// the byte READ_STATUS returns on the wire.
type StatusResponse struct {
	State  string `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
	Status uint8  `cbor:"3,keyasint"`
}

// StackTraceResponse lists the frames of a stopped execution, innermost
// first.
type StackTraceResponse struct {
	Frames []vm.StackTrace `cbor:"1,keyasint"`
}

// BreakPointRequest adds or removes the breakpoint at PC of a method.
type BreakPointRequest struct {
	Session    string `cbor:"1,keyasint,omitempty"`
	PC         uint32 `cbor:"2,keyasint"`
	Class      string `cbor:"3,keyasint"`
	Method     string `cbor:"4,keyasint"`
	Descriptor string `cbor:"5,keyasint"`
}

// BreakPointInfo is one entry of the breakpoint table.
type BreakPointInfo struct {
	PC         uint32 `cbor:"1,keyasint"`
	Class      string `cbor:"2,keyasint"`
	Method     string `cbor:"3,keyasint"`
	Descriptor string `cbor:"4,keyasint"`
}

// BreakPointsResponse is the breakpoint table after a request.
type BreakPointsResponse struct {
	BreakPoints []BreakPointInfo `cbor:"1,keyasint"`
}

// VariableRequest reads a variable, or writes Bits into it when Write is
// set. Bits holds 32-bit kinds in the low word.
type VariableRequest struct {
	Session string        `cbor:"1,keyasint,omitempty"`
	Frame   uint32        `cbor:"2,keyasint"`
	Address vm.VarAddress `cbor:"3,keyasint"`
	Write   bool          `cbor:"4,keyasint,omitempty"`
	Bits    uint64        `cbor:"5,keyasint,omitempty"`
}

// VariableResponse is the current value of a variable.
type VariableResponse struct {
	Type    string `cbor:"1,keyasint"`
	Bits    uint64 `cbor:"2,keyasint"`
	Display string `cbor:"3,keyasint"`
}

// CommandRequest carries one raw debugger wire request.
type CommandRequest struct {
	Session string `cbor:"1,keyasint,omitempty"`
	Data    []byte `cbor:"2,keyasint"`
}

// CommandResponse carries the raw wire response.
type CommandResponse struct {
	Data []byte `cbor:"1,keyasint"`
}

// GCResponse reports a collection.
type GCResponse struct {
	Stats vm.GCStats `cbor:"1,keyasint"`
	Count uint64     `cbor:"2,keyasint"`
}

// ExecutionInfo describes one execution of the runtime.
type ExecutionInfo struct {
	ID        uint64 `cbor:"1,keyasint"`
	Busy      bool   `cbor:"2,keyasint"`
	Debugged  bool   `cbor:"3,keyasint"`
	StackSize int    `cbor:"4,keyasint"`
}

// ExecutionsResponse lists the executions of the runtime.
type ExecutionsResponse struct {
	Executions []ExecutionInfo `cbor:"1,keyasint"`
}
