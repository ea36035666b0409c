package vm

import (
	"errors"
	"testing"
)

const guardClass = "app/Guard"

// guardedDiv builds name(II)I that divides its arguments inside a handler
// for catchType and returns -1 from the handler.
func guardedDiv(b *ClassBuilder, name, catchType string) {
	c := b.Method(AccPublic|AccStatic, name, "(II)I")
	start, end, handler := c.NewLabel(), c.NewLabel(), c.NewLabel()
	c.Mark(start).Op(OpIload0).Op(OpIload1).Op(OpIdiv).Op(OpIreturn)
	c.Mark(end)
	c.Mark(handler).Op(OpPop).Op(OpIconstM1).Op(OpIreturn)
	c.Handler(start, end, handler, catchType)
}

func guardBuilder() *ClassBuilder {
	b := NewClassBuilder(guardClass, ClassObject)
	guardedDiv(b, "exact", ClassArithmetic)
	guardedDiv(b, "super", "java/lang/RuntimeException")
	guardedDiv(b, "any", "")
	guardedDiv(b, "unrelated", ClassNullPointer)

	// The handler range stops before the division.
	nc := b.Method(AccPublic|AccStatic, "uncovered", "(II)I")
	start, end, handler := nc.NewLabel(), nc.NewLabel(), nc.NewLabel()
	nc.Mark(start).Op(OpIload0).Op(OpIload1).Mark(end).Op(OpIdiv).Op(OpIreturn)
	nc.Mark(handler).Op(OpPop).Op(OpIconstM1).Op(OpIreturn)
	nc.Handler(start, end, handler, "")

	// Exceptions unwind through frames without a handler.
	div := b.MethodRef(guardClass, "div", "(II)I")
	b.Method(AccPublic|AccStatic, "div", "(II)I").
		Op(OpIload0).Op(OpIload1).Op(OpIdiv).Op(OpIreturn)
	outer := b.Method(AccPublic|AccStatic, "outer", "(II)I")
	ostart, oe, oh := outer.NewLabel(), outer.NewLabel(), outer.NewLabel()
	outer.Mark(ostart).Op(OpIload0).Op(OpIload1).U2(OpInvokestatic, div).Op(OpIreturn)
	outer.Mark(oe)
	outer.Mark(oh).Op(OpPop).Int(-2).Op(OpIreturn)
	outer.Handler(ostart, oe, oh, ClassArithmetic)

	// throw new IllegalArgumentException("bad input")
	iae := "java/lang/IllegalArgumentException"
	b.Method(AccPublic|AccStatic, "raise", "()V").Limits(3, 0).
		U2(OpNew, b.Class(iae)).Op(OpDup).Ldc(b.String("bad input")).
		U2(OpInvokespecial, b.MethodRef(iae, "<init>", "(Ljava/lang/String;)V")).
		Op(OpAthrow)

	// catch the thrown object and return its message length
	msg := b.Method(AccPublic|AccStatic, "message", "()I").Limits(3, 0)
	ms, me, mh := msg.NewLabel(), msg.NewLabel(), msg.NewLabel()
	msg.Mark(ms).U2(OpInvokestatic, b.MethodRef(guardClass, "raise", "()V")).Op(OpIconst0).Op(OpIreturn)
	msg.Mark(me)
	msg.Mark(mh).
		U2(OpInvokevirtual, b.MethodRef(ClassThrowable, "getMessage", "()Ljava/lang/String;")).
		U2(OpInvokevirtual, b.MethodRef(ClassString, "length", "()I")).Op(OpIreturn)
	msg.Handler(ms, me, mh, ClassThrowable)

	b.Method(AccPublic|AccStatic, "throwNull", "()V").
		Op(OpAconstNull).Op(OpAthrow)

	// the handler sees only the exception on its operand stack
	st := b.Method(AccPublic|AccStatic, "stack", "()I").Limits(4, 0)
	ss, se, sh := st.NewLabel(), st.NewLabel(), st.NewLabel()
	st.Mark(ss).Op(OpIconst1).Op(OpIconst2).Op(OpIconst3).Op(OpIconst0).Op(OpIdiv).Op(OpIreturn)
	st.Mark(se)
	st.Mark(sh).Op(OpPop).Int(9).Op(OpIreturn)
	st.Handler(ss, se, sh, "")
	return b
}

func guardRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := newTestRuntime(t, Config{})
	define(t, rt, guardClass, guardBuilder())
	return rt
}

// ---------------------------------------------------------------------------
// Handler dispatch
// ---------------------------------------------------------------------------

func TestHandlerDispatch(t *testing.T) {
	rt := guardRuntime(t)
	tests := []struct {
		method  string
		caught  bool
		wantErr string
	}{
		{"exact", true, ""},
		{"super", true, ""},
		{"any", true, ""},
		{"unrelated", false, ClassArithmetic},
		{"uncovered", false, ClassArithmetic},
		{"outer", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if v := run(t, rt, guardClass, tt.method, "(II)I", IntValue(9), IntValue(3)); v.Int() != 3 {
				t.Errorf("normal path = %d, want 3", v.Int())
			}
			v, err := rt.NewExecution().Run(guardClass, tt.method, "(II)I", IntValue(1), IntValue(0))
			if tt.caught {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if v.Int() >= 0 {
					t.Errorf("handler result = %d, want negative", v.Int())
				}
				return
			}
			if !isThrowable(err, tt.wantErr) {
				t.Errorf("got %v, want %s", err, tt.wantErr)
			}
		})
	}
}

func TestThrowAndMessage(t *testing.T) {
	rt := guardRuntime(t)
	err := runErr(rt, guardClass, "raise", "()V")
	var th *Throwable
	if !errors.As(err, &th) {
		t.Fatalf("error %T is not a *Throwable", err)
	}
	if th.Class.Text != "java/lang/IllegalArgumentException" || th.Message != "bad input" {
		t.Errorf("got %s %q", th.Class.Text, th.Message)
	}
	if v := run(t, rt, guardClass, "message", "()I"); v.Int() != int32(len("bad input")) {
		t.Errorf("message length = %d", v.Int())
	}
}

func TestThrowNull(t *testing.T) {
	rt := guardRuntime(t)
	if err := runErr(rt, guardClass, "throwNull", "()V"); !isThrowable(err, ClassNullPointer) {
		t.Errorf("got %v, want NullPointerException", err)
	}
}

func TestHandlerResetsOperandStack(t *testing.T) {
	rt := guardRuntime(t)
	if v := run(t, rt, guardClass, "stack", "()I"); v.Int() != 9 {
		t.Errorf("stack = %d, want 9", v.Int())
	}
}

func TestThrowableMatching(t *testing.T) {
	a := newThrowable(ClassArithmetic, "x")
	if !errors.Is(a, &Throwable{Class: NewConstUtf8(ClassArithmetic)}) {
		t.Error("same class should match regardless of message")
	}
	if errors.Is(a, &Throwable{Class: NewConstUtf8(ClassNullPointer)}) {
		t.Error("different classes should not match")
	}
	if got := newThrowable(ClassError, "").Error(); got != "java.lang.Error" {
		t.Errorf("Error() = %q", got)
	}
}
