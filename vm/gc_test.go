package vm

import (
	"sync"
	"testing"
	"time"
)

type gcRecorder struct {
	mu    sync.Mutex
	stats []GCStats
	ended []error
}

func (r *gcRecorder) GCCompleted(s GCStats) {
	r.mu.Lock()
	r.stats = append(r.stats, s)
	r.mu.Unlock()
}

func (r *gcRecorder) ExecutionFinished(_ *Execution, err error) {
	r.mu.Lock()
	r.ended = append(r.ended, err)
	r.mu.Unlock()
}

func TestCollectUnreachable(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	rec := &gcRecorder{}
	rt.AddObserver(rec)

	garbage, err := rt.NewString("garbage")
	if err != nil {
		t.Fatal(err)
	}
	kept, err := rt.NewString("kept")
	if err != nil {
		t.Fatal(err)
	}
	rt.Pin(kept)

	stats := rt.GarbageCollection()
	if stats.Swept < 2 || stats.FreedBytes == 0 {
		t.Errorf("stats = %+v, want the string and its payload freed", stats)
	}
	if rt.Get(garbage) != nil {
		t.Error("unreachable string survived")
	}
	rt.Lock()
	got := rt.GoString(kept)
	rt.Unlock()
	if got != "kept" {
		t.Errorf("pinned string = %q", got)
	}

	rt.Unpin(kept)
	rt.GarbageCollection()
	if rt.Get(kept) != nil {
		t.Error("unpinned string survived")
	}

	if rt.GCCount() != 2 || rt.LastGC() == nil {
		t.Errorf("GCCount = %d", rt.GCCount())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stats) != 2 {
		t.Errorf("observer saw %d collections", len(rec.stats))
	}
}

func TestPinIsCounted(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	r, _ := rt.NewString("twice")
	rt.Pin(r)
	rt.Pin(r)
	rt.Unpin(r)
	rt.GarbageCollection()
	if rt.Get(r) == nil {
		t.Fatal("object freed while still pinned once")
	}
	rt.Unpin(r)
	rt.GarbageCollection()
	if rt.Get(r) != nil {
		t.Error("object survived after the last Unpin")
	}
}

func TestStaticsAndInternedStringsAreRoots(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	b := NewClassBuilder("app/Holder", ClassObject)
	b.Field(AccStatic, "keep", "Ljava/lang/Object;")
	keep := b.FieldRef("app/Holder", "keep", "Ljava/lang/Object;")
	b.Method(AccPublic|AccStatic, "store", "()V").
		Op(OpIconst3).Op(OpNewarray, 10).U2(OpPutstatic, keep).
		Ldc(b.String("literal")).Op(OpPop).
		Op(OpReturn)
	cd := define(t, rt, "app/Holder", b)
	run(t, rt, "app/Holder", "store", "()V")

	rt.Lock()
	arr := cd.staticFields().FindFieldObject("keep", "Ljava/lang/Object;").Value
	lit := rt.strings["literal"]
	rt.Unlock()

	rt.GarbageCollection()
	if o := rt.Get(arr); o == nil || o.Len() != 3 {
		t.Error("array held by a static field was collected")
	}
	if rt.Get(lit) == nil {
		t.Error("interned literal was collected")
	}
}

func TestAllocationFailureCollects(t *testing.T) {
	rt := newTestRuntime(t, Config{HeapSize: 4096})
	b := NewClassBuilder("app/Churn", ClassObject)
	loop := b.Method(AccPublic|AccStatic, "churn", "(I)I").Limits(2, 1)
	top, done := loop.NewLabel(), loop.NewLabel()
	loop.Mark(top).Op(OpIload0).Branch(OpIfle, done)
	loop.Int(256).Op(OpNewarray, 8).Op(OpPop)
	loop.Op(OpIinc, 0, 0xFF).Branch(OpGoto, top)
	loop.Mark(done).Op(OpIconst1).Op(OpIreturn)
	b.Method(AccPublic|AccStatic, "huge", "()I").
		Int(1<<20).Op(OpNewarray, 8).Op(OpArraylength).Op(OpIreturn)
	define(t, rt, "app/Churn", b)

	if v := run(t, rt, "app/Churn", "churn", "(I)I", IntValue(100)); v.Int() != 1 {
		t.Fatalf("churn = %d", v.Int())
	}
	if rt.GCCount() == 0 {
		t.Error("allocating past capacity should have collected")
	}
	if err := runErr(rt, "app/Churn", "huge", "()I"); !isThrowable(err, ClassOutOfMemory) {
		t.Errorf("huge allocation: %v, want OutOfMemoryError", err)
	}
}

// ---------------------------------------------------------------------------
// Class unloading
// ---------------------------------------------------------------------------

func unloadRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := newTestRuntime(t, Config{UnloadClasses: true})
	temp := NewClassBuilder("app/Temp", ClassObject)
	emptyConstructor(temp, ClassObject)
	rt.AddClassBytes("app/Temp", temp.Bytes())

	b := NewClassBuilder("app/Maker", ClassObject)
	tc := b.Class("app/Temp")
	initRef := b.MethodRef("app/Temp", "<init>", "()V")
	b.Method(AccPublic|AccStatic, "make", "()Ljava/lang/Object;").Limits(2, 0).
		U2(OpNew, tc).Op(OpDup).U2(OpInvokespecial, initRef).Op(OpAreturn)
	b.Method(AccPublic|AccStatic, "touch", "()V").Limits(2, 0).
		U2(OpNew, tc).Op(OpPop).Op(OpReturn)
	define(t, rt, "app/Maker", b)
	return rt
}

func TestUnloadUnreachableClass(t *testing.T) {
	rt := unloadRuntime(t)
	run(t, rt, "app/Maker", "touch", "()V")
	if rt.Lookup("app/Temp") == nil {
		t.Fatal("app/Temp should be loaded by touch")
	}

	stats := rt.GarbageCollection()
	if stats.UnloadedClasses != 1 {
		t.Errorf("UnloadedClasses = %d, want 1", stats.UnloadedClasses)
	}
	if rt.Lookup("app/Temp") != nil {
		t.Error("app/Temp should have been unloaded")
	}
	if rt.Lookup("app/Maker") == nil || rt.Lookup(ClassObject) == nil {
		t.Error("pinned classes must stay loaded")
	}

	// A later reference loads the class again.
	run(t, rt, "app/Maker", "touch", "()V")
	if rt.Lookup("app/Temp") == nil {
		t.Error("app/Temp should be reloaded")
	}
}

func TestLiveInstanceKeepsClass(t *testing.T) {
	rt := unloadRuntime(t)
	obj := run(t, rt, "app/Maker", "make", "()Ljava/lang/Object;").Ref()
	rt.Pin(obj)

	rt.GarbageCollection()
	if rt.Lookup("app/Temp") == nil {
		t.Fatal("class with a live instance was unloaded")
	}

	rt.Unpin(obj)
	rt.GarbageCollection()
	if rt.Lookup("app/Temp") != nil {
		t.Error("class should go with its last instance")
	}
}

func TestUnloadingDisabledKeepsClasses(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	temp := NewClassBuilder("app/Temp", ClassObject)
	rt.AddClassBytes("app/Temp", temp.Bytes())
	b := NewClassBuilder("app/Maker", ClassObject)
	b.Method(AccPublic|AccStatic, "touch", "()V").
		U2(OpNew, b.Class("app/Temp")).Op(OpPop).Op(OpReturn)
	define(t, rt, "app/Maker", b)
	run(t, rt, "app/Maker", "touch", "()V")

	if stats := rt.GarbageCollection(); stats.UnloadedClasses != 0 {
		t.Errorf("UnloadedClasses = %d with unloading disabled", stats.UnloadedClasses)
	}
	if rt.Lookup("app/Temp") == nil {
		t.Error("class unloaded with unloading disabled")
	}
}

func TestDestroyClass(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	parent := define(t, rt, "app/Parent", NewClassBuilder("app/Parent", ClassObject))
	define(t, rt, "app/Child", NewClassBuilder("app/Child", "app/Parent"))

	if err := rt.DestroyClass(parent); err == nil {
		t.Fatal("destroying a super class in use should fail")
	}
	if err := rt.DestroyClass(rt.Lookup("app/Child")); err != nil {
		t.Fatal(err)
	}
	if err := rt.DestroyClass(parent); err != nil {
		t.Fatal(err)
	}
	if rt.Lookup("app/Parent") != nil {
		t.Error("destroyed class still registered")
	}
}

// ---------------------------------------------------------------------------
// Collection while executions run
// ---------------------------------------------------------------------------

func TestCollectWhileRunning(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	define(t, rt, loopClass, loopBuilder())

	done := make(chan Value, 1)
	go func() {
		v, _ := rt.NewExecution().Run(loopClass, "spin", "()I")
		done <- v
	}()

	for i := 0; i < 5; i++ {
		rt.GarbageCollection()
		time.Sleep(time.Millisecond)
	}

	rt.Lock()
	cd := rt.lookupLocked(NewConstUtf8(loopClass))
	cd.staticFields().FindFieldData32("flag", "I").Value = 4
	rt.Unlock()

	select {
	case v := <-done:
		if v.Int() != 4 {
			t.Errorf("spin = %d, want 4", v.Int())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("spinning execution did not observe the write")
	}
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

func TestCollectorSweepNow(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	c := NewCollector(rt, 0)
	if c.Interval() != DefaultGCInterval {
		t.Errorf("Interval = %v", c.Interval())
	}
	r, _ := rt.NewString("tmp")
	stats := c.SweepNow()
	if stats.Swept < 2 || rt.Get(r) != nil {
		t.Errorf("SweepNow stats = %+v", stats)
	}
	if c.SweepCount() != 1 || c.LastStats() == nil {
		t.Error("collector did not record its sweep")
	}
}

func TestCollectorLoop(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	c := NewCollector(rt, 5*time.Millisecond)
	c.Start()
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.SweepCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("collector did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.SetEnabled(false)
	if c.IsEnabled() {
		t.Error("IsEnabled after SetEnabled(false)")
	}
	c.Stop()
	c.Stop()
	n := c.SweepCount()
	time.Sleep(20 * time.Millisecond)
	if c.SweepCount() != n {
		t.Error("collector ran after Stop")
	}
}
