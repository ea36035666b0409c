package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/chazu/mjvm/vm"
)

// DebugClient calls a DebugService over HTTP.
type DebugClient struct {
	listSessions     *connect.Client[Empty, ListSessionsResponse]
	status           *connect.Client[SessionRequest, StatusResponse]
	stackTrace       *connect.Client[SessionRequest, StackTraceResponse]
	addBreakPoint    *connect.Client[BreakPointRequest, BreakPointsResponse]
	removeBreakPoint *connect.Client[BreakPointRequest, BreakPointsResponse]
	clearBreakPoints *connect.Client[SessionRequest, BreakPointsResponse]
	listBreakPoints  *connect.Client[SessionRequest, BreakPointsResponse]
	run              *connect.Client[SessionRequest, StatusResponse]
	stop             *connect.Client[SessionRequest, StatusResponse]
	step             *connect.Client[SessionRequest, StatusResponse]
	readVariable     *connect.Client[VariableRequest, VariableResponse]
	writeVariable    *connect.Client[VariableRequest, VariableResponse]
	command          *connect.Client[CommandRequest, CommandResponse]
	collectGarbage   *connect.Client[Empty, GCResponse]
	heapStats        *connect.Client[Empty, vm.HeapStats]
	executions       *connect.Client[Empty, ExecutionsResponse]
	snapshot         *connect.Client[Empty, vm.Snapshot]
}

// NewDebugClient creates a client for the service at baseURL.
func NewDebugClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *DebugClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...)
	return &DebugClient{
		listSessions:     connect.NewClient[Empty, ListSessionsResponse](httpClient, baseURL+ListSessionsProcedure, opts...),
		status:           connect.NewClient[SessionRequest, StatusResponse](httpClient, baseURL+StatusProcedure, opts...),
		stackTrace:       connect.NewClient[SessionRequest, StackTraceResponse](httpClient, baseURL+StackTraceProcedure, opts...),
		addBreakPoint:    connect.NewClient[BreakPointRequest, BreakPointsResponse](httpClient, baseURL+AddBreakPointProcedure, opts...),
		removeBreakPoint: connect.NewClient[BreakPointRequest, BreakPointsResponse](httpClient, baseURL+RemoveBreakPointProcedure, opts...),
		clearBreakPoints: connect.NewClient[SessionRequest, BreakPointsResponse](httpClient, baseURL+ClearBreakPointsProcedure, opts...),
		listBreakPoints:  connect.NewClient[SessionRequest, BreakPointsResponse](httpClient, baseURL+ListBreakPointsProcedure, opts...),
		run:              connect.NewClient[SessionRequest, StatusResponse](httpClient, baseURL+RunProcedure, opts...),
		stop:             connect.NewClient[SessionRequest, StatusResponse](httpClient, baseURL+StopProcedure, opts...),
		step:             connect.NewClient[SessionRequest, StatusResponse](httpClient, baseURL+StepProcedure, opts...),
		readVariable:     connect.NewClient[VariableRequest, VariableResponse](httpClient, baseURL+ReadVariableProcedure, opts...),
		writeVariable:    connect.NewClient[VariableRequest, VariableResponse](httpClient, baseURL+WriteVariableProcedure, opts...),
		command:          connect.NewClient[CommandRequest, CommandResponse](httpClient, baseURL+CommandProcedure, opts...),
		collectGarbage:   connect.NewClient[Empty, GCResponse](httpClient, baseURL+CollectGarbageProcedure, opts...),
		heapStats:        connect.NewClient[Empty, vm.HeapStats](httpClient, baseURL+HeapStatsProcedure, opts...),
		executions:       connect.NewClient[Empty, ExecutionsResponse](httpClient, baseURL+ExecutionsProcedure, opts...),
		snapshot:         connect.NewClient[Empty, vm.Snapshot](httpClient, baseURL+SnapshotProcedure, opts...),
	}
}

// call runs one unary call and unwraps the response message.
func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], msg *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *DebugClient) ListSessions(ctx context.Context) (*ListSessionsResponse, error) {
	return call(ctx, c.listSessions, &Empty{})
}

func (c *DebugClient) Status(ctx context.Context, session string) (*StatusResponse, error) {
	return call(ctx, c.status, &SessionRequest{Session: session})
}

func (c *DebugClient) StackTrace(ctx context.Context, session string) (*StackTraceResponse, error) {
	return call(ctx, c.stackTrace, &SessionRequest{Session: session})
}

func (c *DebugClient) AddBreakPoint(ctx context.Context, req *BreakPointRequest) (*BreakPointsResponse, error) {
	return call(ctx, c.addBreakPoint, req)
}

func (c *DebugClient) RemoveBreakPoint(ctx context.Context, req *BreakPointRequest) (*BreakPointsResponse, error) {
	return call(ctx, c.removeBreakPoint, req)
}

func (c *DebugClient) ClearBreakPoints(ctx context.Context, session string) (*BreakPointsResponse, error) {
	return call(ctx, c.clearBreakPoints, &SessionRequest{Session: session})
}

func (c *DebugClient) ListBreakPoints(ctx context.Context, session string) (*BreakPointsResponse, error) {
	return call(ctx, c.listBreakPoints, &SessionRequest{Session: session})
}

func (c *DebugClient) Run(ctx context.Context, session string) (*StatusResponse, error) {
	return call(ctx, c.run, &SessionRequest{Session: session})
}

func (c *DebugClient) Stop(ctx context.Context, session string) (*StatusResponse, error) {
	return call(ctx, c.stop, &SessionRequest{Session: session})
}

func (c *DebugClient) Step(ctx context.Context, session string) (*StatusResponse, error) {
	return call(ctx, c.step, &SessionRequest{Session: session})
}

func (c *DebugClient) ReadVariable(ctx context.Context, req *VariableRequest) (*VariableResponse, error) {
	return call(ctx, c.readVariable, req)
}

func (c *DebugClient) WriteVariable(ctx context.Context, req *VariableRequest) (*VariableResponse, error) {
	return call(ctx, c.writeVariable, req)
}

// Command sends one raw wire request and returns the raw response.
func (c *DebugClient) Command(ctx context.Context, session string, data []byte) ([]byte, error) {
	resp, err := call(ctx, c.command, &CommandRequest{Session: session, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *DebugClient) CollectGarbage(ctx context.Context) (*GCResponse, error) {
	return call(ctx, c.collectGarbage, &Empty{})
}

func (c *DebugClient) HeapStats(ctx context.Context) (*vm.HeapStats, error) {
	return call(ctx, c.heapStats, &Empty{})
}

func (c *DebugClient) Executions(ctx context.Context) (*ExecutionsResponse, error) {
	return call(ctx, c.executions, &Empty{})
}

func (c *DebugClient) Snapshot(ctx context.Context) (*vm.Snapshot, error) {
	return call(ctx, c.snapshot, &Empty{})
}
