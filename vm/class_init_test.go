package vm

import (
	"sync"
	"testing"
)

// counterClass builds a class whose <clinit> sets a static counter to 10
// and whose next()I increments and returns it.
func counterClass(name string) *ClassBuilder {
	b := NewClassBuilder(name, ClassObject)
	b.Field(AccPrivate|AccStatic, "count", "I")
	count := b.FieldRef(name, "count", "I")
	b.Method(AccStatic, "<clinit>", "()V").
		Op(OpBipush, 10).U2(OpPutstatic, count).Op(OpReturn)
	b.Method(AccPublic|AccStatic, "next", "()I").Limits(2, 0).
		U2(OpGetstatic, count).Op(OpIconst1).Op(OpIadd).Op(OpDup).U2(OpPutstatic, count).Op(OpIreturn)

	// bump(I)V adds 1 to count n times while holding the class monitor
	bump := b.Method(AccPublic|AccStatic|AccSynchronized, "bump", "(I)V").Limits(2, 1)
	top, done := bump.NewLabel(), bump.NewLabel()
	bump.Mark(top).Op(OpIload0).Branch(OpIfle, done)
	bump.U2(OpGetstatic, count).Op(OpIconst1).Op(OpIadd).U2(OpPutstatic, count)
	bump.Op(OpIinc, 0, 0xFF).Branch(OpGoto, top)
	bump.Mark(done).Op(OpReturn)
	b.Method(AccPublic|AccStatic, "get", "()I").
		U2(OpGetstatic, count).Op(OpIreturn)
	return b
}

func TestStaticStateSharedAcrossExecutions(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	define(t, rt, "app/Counter", counterClass("app/Counter"))
	define(t, rt, "app/Other", counterClass("app/Other"))

	for i, want := range []int32{11, 12, 13} {
		if v := run(t, rt, "app/Counter", "next", "()I"); v.Int() != want {
			t.Errorf("call %d: next = %d, want %d", i, v.Int(), want)
		}
	}
	if v := run(t, rt, "app/Other", "next", "()I"); v.Int() != 11 {
		t.Errorf("statics leaked between classes: %d", v.Int())
	}
	cd := rt.Lookup("app/Counter")
	if cd.initState != classInitialized {
		t.Errorf("state = %s, want initialized", cd.initState)
	}
}

func TestSynchronizedStaticMethod(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	cd := define(t, rt, "app/Counter", counterClass("app/Counter"))

	const workers, rounds = 4, 500
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rt.NewExecution().Run("app/Counter", "bump", "(I)V", IntValue(rounds))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if v := run(t, rt, "app/Counter", "get", "()I"); v.Int() != 10+workers*rounds {
		t.Errorf("count = %d, want %d", v.Int(), 10+workers*rounds)
	}
	if owner, depth := cd.Monitor().State(); owner != 0 || depth != 0 {
		t.Errorf("class monitor still held: owner %d depth %d", owner, depth)
	}
}

func TestConstantValueInitialisation(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	b := NewClassBuilder("app/Consts", ClassObject)
	b.ConstantField(AccPublic|AccFinal, "K", "I", int32(42))
	b.ConstantField(AccPublic|AccFinal, "BIG", "J", int64(1)<<40)
	b.ConstantField(AccPublic|AccFinal, "S", "Ljava/lang/String;", "hello")
	b.Method(AccPublic|AccStatic, "k", "()I").
		U2(OpGetstatic, b.FieldRef("app/Consts", "K", "I")).Op(OpIreturn)
	b.Method(AccPublic|AccStatic, "big", "()J").
		U2(OpGetstatic, b.FieldRef("app/Consts", "BIG", "J")).Op(OpLreturn)
	b.Method(AccPublic|AccStatic, "s", "()I").
		U2(OpGetstatic, b.FieldRef("app/Consts", "S", "Ljava/lang/String;")).
		U2(OpInvokevirtual, b.MethodRef(ClassString, "length", "()I")).Op(OpIreturn)
	define(t, rt, "app/Consts", b)

	if v := run(t, rt, "app/Consts", "k", "()I"); v.Int() != 42 {
		t.Errorf("K = %d", v.Int())
	}
	if v := run(t, rt, "app/Consts", "big", "()J"); v.Long() != 1<<40 {
		t.Errorf("BIG = %d", v.Long())
	}
	if v := run(t, rt, "app/Consts", "s", "()I"); v.Int() != 5 {
		t.Errorf("len(S) = %d", v.Int())
	}
}

func TestFailedInitialisation(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	b := NewClassBuilder("app/Broken", ClassObject)
	b.Field(AccStatic, "x", "I")
	b.Method(AccStatic, "<clinit>", "()V").
		Op(OpIconst1).Op(OpIconst0).Op(OpIdiv).U2(OpPutstatic, b.FieldRef("app/Broken", "x", "I")).Op(OpReturn)
	b.Method(AccPublic|AccStatic, "get", "()I").
		U2(OpGetstatic, b.FieldRef("app/Broken", "x", "I")).Op(OpIreturn)
	define(t, rt, "app/Broken", b)

	err := runErr(rt, "app/Broken", "get", "()I")
	if !isThrowable(err, ClassExceptionInInitializer) {
		t.Fatalf("first use: %v, want ExceptionInInitializerError", err)
	}
	err = runErr(rt, "app/Broken", "get", "()I")
	if !isThrowable(err, ClassNoClassDefFound) {
		t.Fatalf("second use: %v, want NoClassDefFoundError", err)
	}
}

func TestErrorFromInitializerPassesThrough(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	b := NewClassBuilder("app/Fatal", ClassObject)
	b.Method(AccStatic, "<clinit>", "()V").Limits(2, 0).
		U2(OpNew, b.Class(ClassStackOverflow)).Op(OpDup).
		U2(OpInvokespecial, b.MethodRef(ClassStackOverflow, "<init>", "()V")).Op(OpAthrow)
	b.Method(AccPublic|AccStatic, "touch", "()V").Op(OpReturn)
	define(t, rt, "app/Fatal", b)

	if err := runErr(rt, "app/Fatal", "touch", "()V"); !isThrowable(err, ClassStackOverflow) {
		t.Errorf("got %v, want the original StackOverflowError", err)
	}
}

func TestSuperClassInitialisedFirst(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	define(t, rt, "app/Counter", counterClass("app/Counter"))
	sub := NewClassBuilder("app/Sub", "app/Counter")
	sub.Method(AccPublic|AccStatic, "parent", "()I").
		U2(OpGetstatic, sub.FieldRef("app/Counter", "count", "I")).Op(OpIreturn)
	define(t, rt, "app/Sub", sub)

	if v := run(t, rt, "app/Sub", "parent", "()I"); v.Int() != 10 {
		t.Errorf("inherited static = %d, want 10", v.Int())
	}
}
