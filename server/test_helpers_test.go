package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chazu/mjvm/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test gets its own runtime with app/Loop loaded, one execution
// behind a debug endpoint, and an httptest server with a client.
// ---------------------------------------------------------------------------

const loopClass = "app/Loop"

// loopBuilder builds app/Loop:
//
//	count(I)I counts i up to n; pc 7 is the iinc on line 5
//	spin()I   waits for the static flag to become non-zero and returns it
func loopBuilder() *vm.ClassBuilder {
	b := vm.NewClassBuilder(loopClass, vm.ClassObject)
	b.Field(vm.AccPublic|vm.AccStatic, "flag", "I")

	c := b.Method(vm.AccPublic|vm.AccStatic, "count", "(I)I").Limits(2, 2)
	begin, loop, done, end := c.NewLabel(), c.NewLabel(), c.NewLabel(), c.NewLabel()
	c.Mark(begin).Line(3).Op(vm.OpIconst0).Op(vm.OpIstore1)
	c.Mark(loop).Line(4).Op(vm.OpIload1).Op(vm.OpIload0).Branch(vm.OpIfIcmpge, done)
	c.Line(5).Op(vm.OpIinc, 1, 1).Branch(vm.OpGoto, loop)
	c.Mark(done).Line(6).Op(vm.OpIload1).Op(vm.OpIreturn)
	c.Mark(end)
	c.Local("n", "I", 0, begin, end).Local("i", "I", 1, loop, end)

	flag := b.FieldRef(loopClass, "flag", "I")
	s := b.Method(vm.AccPublic|vm.AccStatic, "spin", "()I")
	top := s.NewLabel()
	s.Mark(top).U2(vm.OpGetstatic, flag).Branch(vm.OpIfeq, top)
	s.U2(vm.OpGetstatic, flag).Op(vm.OpIreturn)
	return b
}

// testEnv bundles a runtime, one debugged execution and a served Server.
type testEnv struct {
	rt      *vm.Runtime
	exec    *vm.Execution
	ep      *Endpoint
	srv     *Server
	session *Session
	http    *httptest.Server
	client  *DebugClient

	stops   chan vm.StopEvent
	result  chan vm.Value
	errs    chan error
	started bool
}

func newTestEnv(t *testing.T, opts vm.DebuggerOptions) *testEnv {
	t.Helper()
	rt := vm.NewRuntime(vm.Config{})
	t.Cleanup(func() { rt.Close() })

	rt.AddClassBytes(loopClass, loopBuilder().Bytes())
	if _, err := rt.Load(loopClass); err != nil {
		t.Fatalf("Load(%s) failed: %v", loopClass, err)
	}

	env := &testEnv{
		rt:     rt,
		exec:   rt.NewExecution(),
		stops:  make(chan vm.StopEvent, 16),
		result: make(chan vm.Value, 1),
		errs:   make(chan error, 1),
	}
	opts.OnStop = func(ev vm.StopEvent) { env.stops <- ev }
	env.ep = NewEndpoint(env.exec, opts)
	env.srv = New(rt)
	env.session = env.srv.Attach("test", env.ep)

	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(env.http.Close)
	env.client = NewDebugClient(env.http.Client(), env.http.URL)

	// Release a stopped execution before the runtime goes away.
	t.Cleanup(func() {
		env.ep.Debugger().Close()
		if env.started {
			select {
			case <-env.result:
			case <-env.errs:
			case <-time.After(5 * time.Second):
				t.Error("execution did not finish after the debugger closed")
			}
		}
	})
	return env
}

// start runs a static method of app/Loop on the debugged execution.
func (env *testEnv) start(name, desc string, args ...vm.Value) {
	env.started = true
	go func() {
		v, err := env.exec.Run(loopClass, name, desc, args...)
		if err != nil {
			env.errs <- err
			return
		}
		env.result <- v
	}()
}

func (env *testEnv) waitStop(t *testing.T) vm.StopEvent {
	t.Helper()
	select {
	case ev := <-env.stops:
		return ev
	case err := <-env.errs:
		t.Fatalf("execution failed instead of stopping: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop")
	}
	return vm.StopEvent{}
}

func (env *testEnv) waitResult(t *testing.T) vm.Value {
	t.Helper()
	select {
	case v := <-env.result:
		env.started = false
		return v
	case err := <-env.errs:
		env.started = false
		t.Fatalf("execution failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
	return vm.Value{}
}

func bg() context.Context {
	return context.Background()
}
