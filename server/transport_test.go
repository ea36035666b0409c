package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chazu/mjvm/vm"
)

// ---------------------------------------------------------------------------
// Endpoint
// ---------------------------------------------------------------------------

func TestEndpointRoutesResponses(t *testing.T) {
	env := newTestEnv(t, vm.DebuggerOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				resp, err := env.ep.Call([]byte{byte(vm.CmdReadStatus)})
				if err != nil {
					t.Error(err)
					return
				}
				if !bytes.Equal(resp, []byte{byte(vm.CmdReadStatus), 0, 0}) {
					t.Errorf("READ_STATUS response = %v", resp)
					return
				}
			}
		}()
	}
	wg.Wait()

	if _, err := env.ep.Call(nil); err == nil {
		t.Error("empty request should fail")
	}
}

// ---------------------------------------------------------------------------
// TCP
// ---------------------------------------------------------------------------

func TestTCPTransport(t *testing.T) {
	env := newTestEnv(t, vm.DebuggerOptions{})
	tr := NewTCPTransport("127.0.0.1:0", env.ep)
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- tr.Serve(ctx) }()

	conn, err := net.Dial("tcp", tr.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Two requests in one write; framing splits them.
	var req []byte
	req = append(req, byte(vm.CmdReadStatus))
	req = append(req, vm.EncodeBreakPointRequest(vm.CmdAddBkp, 7, loopClass, "count", "(I)I")...)
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	want := []byte{byte(vm.CmdReadStatus), 0, 0, byte(vm.CmdAddBkp), 0}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("reading responses: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("responses = %v, want %v", got, want)
	}
	if n := len(env.ep.Debugger().BreakPoints()); n != 1 {
		t.Errorf("breakpoints = %d, want 1", n)
	}

	// Run to the breakpoint and read the stack trace over the socket.
	env.start("count", "(I)I", vm.IntValue(5))
	env.waitStop(t)
	if _, err := conn.Write(vm.EncodeStackTraceRequest(0)); err != nil {
		t.Fatal(err)
	}
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil || head[1] != 0 {
		t.Fatalf("READ_STACK_TRACE header = %v, %v", head, err)
	}
	body := make([]byte, 8+3*5+len(loopClass)+len("count")+len("(I)I"))
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatal(err)
	}
	st, err := vm.DecodeStackTrace(body)
	if err != nil {
		t.Fatal(err)
	}
	if st.PC != 7 || st.Class != loopClass || st.Method != "count" {
		t.Errorf("stack trace = %+v", st)
	}

	if _, err := conn.Write([]byte{byte(vm.CmdRemoveAllBkp), byte(vm.CmdRun)}); err != nil {
		t.Fatal(err)
	}
	if v := env.waitResult(t); v.Int() != 5 {
		t.Errorf("count = %d, want 5", v.Int())
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestTCPTransportDropsUnframeableStream(t *testing.T) {
	env := newTestEnv(t, vm.DebuggerOptions{})
	tr := NewTCPTransport("127.0.0.1:0", env.ep)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Listen(); err != nil {
		t.Fatal(err)
	}
	go tr.Serve(ctx)

	conn, err := net.Dial("tcp", tr.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte{0x7f}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("unknown command should close the connection without a response")
	}
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func wsURL(env *testEnv, session string) string {
	return "ws" + strings.TrimPrefix(env.http.URL, "http") + WebSocketPath + "?session=" + session
}

func TestWebSocketTransport(t *testing.T) {
	env := newTestEnv(t, vm.DebuggerOptions{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, env.session.ID), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	tests := []struct {
		name string
		req  []byte
		want []byte
	}{
		{"status", []byte{byte(vm.CmdReadStatus)}, []byte{byte(vm.CmdReadStatus), 0, 0}},
		{"add", vm.EncodeBreakPointRequest(vm.CmdAddBkp, 7, loopClass, "count", "(I)I"), []byte{byte(vm.CmdAddBkp), 0}},
		{"bad symbol", vm.EncodeBreakPointRequest(vm.CmdAddBkp, 7, loopClass, "nope", "()V"), []byte{byte(vm.CmdAddBkp), 1}},
		{"step while running", []byte{byte(vm.CmdSingleStep)}, []byte{byte(vm.CmdSingleStep), 1}},
		{"remove all", []byte{byte(vm.CmdRemoveAllBkp)}, []byte{byte(vm.CmdRemoveAllBkp), 0}},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.BinaryMessage, tt.req); err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s: read: %v", tt.name, err)
		}
		if msgType != websocket.BinaryMessage || !bytes.Equal(msg, tt.want) {
			t.Errorf("%s: response = %v, want %v", tt.name, msg, tt.want)
		}
	}

	// Text frames are refused.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("status")); err != nil {
		t.Fatal(err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Errorf("text frame: %v, want unsupported data close", err)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	env := newTestEnv(t, vm.DebuggerOptions{})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env, "missing"), nil)
	if err == nil {
		t.Fatal("dial to an unknown session should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}
