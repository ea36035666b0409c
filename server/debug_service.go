package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/mjvm/vm"
)

// DebugServiceName is the fully qualified name of the debug service.
const DebugServiceName = "mjvm.v1.DebugService"

// Procedure names of the debug service.
const (
	ListSessionsProcedure     = "/" + DebugServiceName + "/ListSessions"
	StatusProcedure           = "/" + DebugServiceName + "/Status"
	StackTraceProcedure       = "/" + DebugServiceName + "/StackTrace"
	AddBreakPointProcedure    = "/" + DebugServiceName + "/AddBreakPoint"
	RemoveBreakPointProcedure = "/" + DebugServiceName + "/RemoveBreakPoint"
	ClearBreakPointsProcedure = "/" + DebugServiceName + "/ClearBreakPoints"
	ListBreakPointsProcedure  = "/" + DebugServiceName + "/ListBreakPoints"
	RunProcedure              = "/" + DebugServiceName + "/Run"
	StopProcedure             = "/" + DebugServiceName + "/Stop"
	StepProcedure             = "/" + DebugServiceName + "/Step"
	ReadVariableProcedure     = "/" + DebugServiceName + "/ReadVariable"
	WriteVariableProcedure    = "/" + DebugServiceName + "/WriteVariable"
	CommandProcedure          = "/" + DebugServiceName + "/Command"
	CollectGarbageProcedure   = "/" + DebugServiceName + "/CollectGarbage"
	HeapStatsProcedure        = "/" + DebugServiceName + "/HeapStats"
	ExecutionsProcedure       = "/" + DebugServiceName + "/Executions"
	SnapshotProcedure         = "/" + DebugServiceName + "/Snapshot"
)

// DebugService implements the debug service handlers.
type DebugService struct {
	rt        *vm.Runtime
	sessions  *SessionStore
	collector *vm.Collector
	log       commonlog.Logger
}

// NewDebugService creates a DebugService. collector may be nil, in which
// case CollectGarbage collects directly on the runtime.
func NewDebugService(rt *vm.Runtime, sessions *SessionStore, collector *vm.Collector) *DebugService {
	return &DebugService{
		rt:        rt,
		sessions:  sessions,
		collector: collector,
		log:       commonlog.GetLogger("mjvm.server"),
	}
}

// Register mounts every procedure on mux.
func (s *DebugService) Register(mux *http.ServeMux, opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)
	mux.Handle(ListSessionsProcedure, connect.NewUnaryHandler(ListSessionsProcedure, s.ListSessions, opts...))
	mux.Handle(StatusProcedure, connect.NewUnaryHandler(StatusProcedure, s.Status, opts...))
	mux.Handle(StackTraceProcedure, connect.NewUnaryHandler(StackTraceProcedure, s.StackTrace, opts...))
	mux.Handle(AddBreakPointProcedure, connect.NewUnaryHandler(AddBreakPointProcedure, s.AddBreakPoint, opts...))
	mux.Handle(RemoveBreakPointProcedure, connect.NewUnaryHandler(RemoveBreakPointProcedure, s.RemoveBreakPoint, opts...))
	mux.Handle(ClearBreakPointsProcedure, connect.NewUnaryHandler(ClearBreakPointsProcedure, s.ClearBreakPoints, opts...))
	mux.Handle(ListBreakPointsProcedure, connect.NewUnaryHandler(ListBreakPointsProcedure, s.ListBreakPoints, opts...))
	mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, s.Run, opts...))
	mux.Handle(StopProcedure, connect.NewUnaryHandler(StopProcedure, s.Stop, opts...))
	mux.Handle(StepProcedure, connect.NewUnaryHandler(StepProcedure, s.Step, opts...))
	mux.Handle(ReadVariableProcedure, connect.NewUnaryHandler(ReadVariableProcedure, s.ReadVariable, opts...))
	mux.Handle(WriteVariableProcedure, connect.NewUnaryHandler(WriteVariableProcedure, s.WriteVariable, opts...))
	mux.Handle(CommandProcedure, connect.NewUnaryHandler(CommandProcedure, s.Command, opts...))
	mux.Handle(CollectGarbageProcedure, connect.NewUnaryHandler(CollectGarbageProcedure, s.CollectGarbage, opts...))
	mux.Handle(HeapStatsProcedure, connect.NewUnaryHandler(HeapStatsProcedure, s.HeapStats, opts...))
	mux.Handle(ExecutionsProcedure, connect.NewUnaryHandler(ExecutionsProcedure, s.Executions, opts...))
	mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, s.Snapshot, opts...))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *DebugService) session(id string) (*Session, error) {
	session, ok := s.sessions.Get(id)
	if !ok {
		if id == "" {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session is required"))
		}
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return session, nil
}

// debugError maps debugger errors onto Connect codes.
func debugError(err error) error {
	switch {
	case errors.Is(err, vm.ErrNotStopped):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, vm.ErrSymbolNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrBreakPointTableFull):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, vm.ErrMalformedCommand), errors.Is(err, vm.ErrNotReference):
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func statusOf(d *vm.Debugger) *StatusResponse {
	state, reason := d.State()
	resp := &StatusResponse{State: state.String(), Status: d.Status()}
	if reason != vm.StopNone {
		resp.Reason = reason.String()
	}
	return resp
}

func breakPointsOf(d *vm.Debugger) *BreakPointsResponse {
	resp := &BreakPointsResponse{}
	for _, bp := range d.BreakPoints() {
		resp.BreakPoints = append(resp.BreakPoints, BreakPointInfo{
			PC:         bp.PC,
			Class:      bp.Method.Class.ThisClass.Text,
			Method:     bp.Method.Name.Text,
			Descriptor: bp.Method.Descriptor.Text,
		})
	}
	return resp
}

// display renders a variable for humans. Strings show their text.
func (s *DebugService) display(v vm.Variable) string {
	if v.Value.Kind != 'L' || v.Value.Ref() == vm.Null {
		return v.Value.String()
	}
	s.rt.Lock()
	defer s.rt.Unlock()
	o := s.rt.Get(v.Value.Ref())
	if o == nil {
		return v.Value.String()
	}
	if o.TypeName() == vm.ClassString {
		return fmt.Sprintf("%q", s.rt.GoString(v.Value.Ref()))
	}
	return fmt.Sprintf("%s%s", o.TypeName(), v.Value.String())
}

// ---------------------------------------------------------------------------
// Sessions and run control
// ---------------------------------------------------------------------------

// ListSessions lists the open debug sessions.
func (s *DebugService) ListSessions(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ListSessionsResponse], error) {
	resp := &ListSessionsResponse{}
	for _, session := range s.sessions.All() {
		d := session.Endpoint.Debugger()
		st := statusOf(d)
		resp.Sessions = append(resp.Sessions, SessionInfo{
			ID:          session.ID,
			Name:        session.Name,
			Execution:   d.Execution().ID,
			State:       st.State,
			Reason:      st.Reason,
			BreakPoints: len(d.BreakPoints()),
		})
	}
	return connect.NewResponse(resp), nil
}

// Status reports the run state of a session.
func (s *DebugService) Status(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StatusResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(statusOf(session.Endpoint.Debugger())), nil
}

// Run resumes a stopped execution.
func (s *DebugService) Run(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StatusResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	d := session.Endpoint.Debugger()
	d.Run()
	return connect.NewResponse(statusOf(d)), nil
}

// Stop asks a running execution to stop at its next instruction.
func (s *DebugService) Stop(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StatusResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	d := session.Endpoint.Debugger()
	d.Stop()
	return connect.NewResponse(statusOf(d)), nil
}

// Step runs one instruction of a stopped execution.
func (s *DebugService) Step(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StatusResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	d := session.Endpoint.Debugger()
	if !d.SingleStep() {
		return nil, debugError(vm.ErrNotStopped)
	}
	return connect.NewResponse(statusOf(d)), nil
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// StackTrace lists the frames of a stopped execution.
func (s *DebugService) StackTrace(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StackTraceResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	d := session.Endpoint.Debugger()
	depth, err := d.StackDepth()
	if err != nil {
		return nil, debugError(err)
	}
	resp := &StackTraceResponse{}
	for i := 0; i < depth; i++ {
		st, err := d.StackTrace(uint32(i))
		if err != nil {
			// resumed while we were reading
			return nil, debugError(err)
		}
		resp.Frames = append(resp.Frames, st)
	}
	return connect.NewResponse(resp), nil
}

// ReadVariable reads a local, field or static of a stopped execution.
func (s *DebugService) ReadVariable(
	ctx context.Context,
	req *connect.Request[VariableRequest],
) (*connect.Response[VariableResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	return s.variable(session.Endpoint.Debugger(), req.Msg)
}

// WriteVariable stores into a variable and returns the value read back.
func (s *DebugService) WriteVariable(
	ctx context.Context,
	req *connect.Request[VariableRequest],
) (*connect.Response[VariableResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	msg := *req.Msg
	msg.Write = true
	return s.variable(session.Endpoint.Debugger(), &msg)
}

func (s *DebugService) variable(d *vm.Debugger, msg *VariableRequest) (*connect.Response[VariableResponse], error) {
	if msg.Write {
		t, err := variableType(d, msg)
		if err != nil {
			return nil, err
		}
		if err := d.WriteVariable(msg.Frame, msg.Address, vm.ValueOf(t, msg.Bits)); err != nil {
			return nil, debugError(err)
		}
		s.log.Info("variable written", "execution", d.Execution().ID, "name", msg.Address.Name, "slot", msg.Address.Slot)
	}
	v, err := d.ReadVariable(msg.Frame, msg.Address)
	if err != nil {
		return nil, debugError(err)
	}
	return connect.NewResponse(&VariableResponse{
		Type:    string(v.Type),
		Bits:    v.Value.Bits(),
		Display: s.display(v),
	}), nil
}

// variableType is the declared type of the addressed variable. Locals
// addressed by name are typed by their table entry, so read them first.
func variableType(d *vm.Debugger, msg *VariableRequest) (byte, error) {
	a := msg.Address
	switch {
	case a.Target == vm.VarLocalSlot && a.Type != 0:
		return a.Type, nil
	case a.Target == vm.VarLocalName:
		v, err := d.ReadVariable(msg.Frame, a)
		if err != nil {
			return 0, debugError(err)
		}
		return v.Type, nil
	case a.Target != vm.VarLocalSlot && a.Descriptor != "":
		return a.Descriptor[0], nil
	}
	return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("variable type is required"))
}

// Command passes one raw wire request to the debugger.
func (s *DebugService) Command(
	ctx context.Context,
	req *connect.Request[CommandRequest],
) (*connect.Response[CommandResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	data, err := session.Endpoint.Call(req.Msg.Data)
	if err != nil {
		return nil, debugError(err)
	}
	return connect.NewResponse(&CommandResponse{Data: data}), nil
}

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

// AddBreakPoint sets a breakpoint and returns the table.
func (s *DebugService) AddBreakPoint(
	ctx context.Context,
	req *connect.Request[BreakPointRequest],
) (*connect.Response[BreakPointsResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	d := session.Endpoint.Debugger()
	m := req.Msg
	if err := d.AddBreakPoint(m.PC, m.Class, m.Method, m.Descriptor); err != nil {
		return nil, debugError(err)
	}
	return connect.NewResponse(breakPointsOf(d)), nil
}

// RemoveBreakPoint clears a breakpoint and returns the table.
func (s *DebugService) RemoveBreakPoint(
	ctx context.Context,
	req *connect.Request[BreakPointRequest],
) (*connect.Response[BreakPointsResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	d := session.Endpoint.Debugger()
	m := req.Msg
	if err := d.RemoveBreakPoint(m.PC, m.Class, m.Method, m.Descriptor); err != nil {
		return nil, debugError(err)
	}
	return connect.NewResponse(breakPointsOf(d)), nil
}

// ClearBreakPoints empties the table.
func (s *DebugService) ClearBreakPoints(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[BreakPointsResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	d := session.Endpoint.Debugger()
	d.RemoveAllBreakPoints()
	return connect.NewResponse(breakPointsOf(d)), nil
}

// ListBreakPoints returns the table.
func (s *DebugService) ListBreakPoints(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[BreakPointsResponse], error) {
	session, err := s.session(req.Msg.Session)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(breakPointsOf(session.Endpoint.Debugger())), nil
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// CollectGarbage runs a collection now.
func (s *DebugService) CollectGarbage(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[GCResponse], error) {
	var stats vm.GCStats
	if s.collector != nil {
		stats = *s.collector.SweepNow()
	} else {
		stats = s.rt.GarbageCollection()
	}
	return connect.NewResponse(&GCResponse{Stats: stats, Count: s.rt.GCCount()}), nil
}

// HeapStats reports heap occupancy.
func (s *DebugService) HeapStats(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[vm.HeapStats], error) {
	stats := s.rt.HeapStats()
	return connect.NewResponse(&stats), nil
}

// Executions lists the executions of the runtime.
func (s *DebugService) Executions(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ExecutionsResponse], error) {
	resp := &ExecutionsResponse{}
	for _, e := range s.rt.Executions() {
		resp.Executions = append(resp.Executions, ExecutionInfo{
			ID:        e.ID,
			Busy:      e.Busy(),
			Debugged:  e.Debugger() != nil,
			StackSize: e.StackSize(),
		})
	}
	return connect.NewResponse(resp), nil
}

// Snapshot dumps the runtime.
func (s *DebugService) Snapshot(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[vm.Snapshot], error) {
	return connect.NewResponse(s.rt.Snapshot()), nil
}
