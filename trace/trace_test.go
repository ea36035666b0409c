package trace

import (
	"path/filepath"
	"testing"

	"github.com/chazu/mjvm/vm"
)

func openTest(t *testing.T, path string) *Recorder {
	t.Helper()
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", path, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// ---------------------------------------------------------------------------
// Runtime observer
// ---------------------------------------------------------------------------

func TestRecorderObservesRuntime(t *testing.T) {
	rec := openTest(t, ":memory:")
	rt := vm.NewRuntime(vm.Config{})
	t.Cleanup(func() { rt.Close() })
	rt.AddObserver(rec)

	b := vm.NewClassBuilder("app/T", vm.ClassObject)
	b.Method(vm.AccPublic|vm.AccStatic, "ok", "()I").Op(vm.OpIconst1).Op(vm.OpIreturn)
	b.Method(vm.AccPublic|vm.AccStatic, "boom", "()I").Limits(2, 0).
		Op(vm.OpIconst1).Op(vm.OpIconst0).Op(vm.OpIdiv).Op(vm.OpIreturn)
	rt.AddClassBytes("app/T", b.Bytes())
	if _, err := rt.Load("app/T"); err != nil {
		t.Fatal(err)
	}

	exec := rt.NewExecution()
	if _, err := exec.Run("app/T", "ok", "()I"); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Run("app/T", "boom", "()I"); err == nil {
		t.Fatal("boom should throw")
	}
	if _, err := rt.NewString("garbage"); err != nil {
		t.Fatal(err)
	}
	rt.GarbageCollection()

	all, err := rec.Executions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("recorded %d executions, want 2", len(all))
	}
	if all[0].Outcome != OutcomeOK || all[0].Execution != exec.ID {
		t.Errorf("first record = %+v", all[0])
	}
	failed, err := rec.Executions(OutcomeException)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Exception != vm.ClassArithmetic {
		t.Errorf("exception records = %+v", failed)
	}

	gcs, err := rec.Collections()
	if err != nil {
		t.Fatal(err)
	}
	if len(gcs) != 1 {
		t.Fatalf("recorded %d collections, want 1", len(gcs))
	}
	if gcs[0].Swept < 2 || gcs[0].FreedBytes == 0 || gcs[0].Time.IsZero() {
		t.Errorf("collection = %+v", gcs[0])
	}
}

func TestRecordStop(t *testing.T) {
	rec := openTest(t, ":memory:")

	events := []vm.StopEvent{
		{Execution: 4, Reason: vm.StopBreakpoint, Top: vm.StackTrace{PC: 7, Class: "app/Loop", Method: "count", Descriptor: "(I)I", Line: 5}},
		{Execution: 4, Reason: vm.StopStep, Top: vm.StackTrace{PC: 10, Class: "app/Loop", Method: "count", Descriptor: "(I)I", Line: 5}},
		{Execution: 9, Reason: vm.StopUser, Top: vm.StackTrace{PC: 0, Class: "app/Other", Method: "run", Descriptor: "()V"}},
	}
	for _, ev := range events {
		rec.RecordStop(ev)
	}

	stops, err := rec.Stops(4)
	if err != nil {
		t.Fatal(err)
	}
	if len(stops) != 2 {
		t.Fatalf("stops of execution 4 = %d, want 2", len(stops))
	}
	tests := []struct {
		reason string
		pc     uint32
	}{
		{"breakpoint", 7},
		{"step", 10},
	}
	for i, tt := range tests {
		if stops[i].Reason != tt.reason || stops[i].Frame.PC != tt.pc || stops[i].Frame.Line != 5 {
			t.Errorf("stop %d = %+v, want %s at pc %d", i, stops[i], tt.reason, tt.pc)
		}
	}
}

func TestRecorderPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")

	rec, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	rec.GCCompleted(vm.GCStats{Marked: 3, Swept: 1, FreedBytes: 64})
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	again := openTest(t, path)
	if again.Path() != path {
		t.Errorf("Path = %q", again.Path())
	}
	gcs, err := again.Collections()
	if err != nil {
		t.Fatal(err)
	}
	if len(gcs) != 1 || gcs[0].Marked != 3 || gcs[0].FreedBytes != 64 {
		t.Errorf("collections after reopen = %+v", gcs)
	}
}
