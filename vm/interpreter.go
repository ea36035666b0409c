package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Execution loop
// ---------------------------------------------------------------------------

// execute runs the frames above base until they have all returned. It
// returns the throwable that unwound past base, if any.
func (e *Execution) execute(base int) *Throwable {
	for len(e.frames) > base {
		if th := e.interpret(base); th != nil {
			if !e.dispatch(th, base) {
				return th
			}
		}
	}
	return nil
}

// interpret runs the innermost frame until it invokes, returns or throws.
// A frame keeps the pc of an invoke while its callee runs; the callee's
// return advances it.
func (e *Execution) interpret(base int) *Throwable {
	f := e.top()
	code := f.Code.Code
	pool := f.Class.Pool

	for {
		e.ticks++
		if e.ticks%safepointInterval == 0 {
			e.yield()
		}
		if d := e.debugger; d != nil && d.armed.Load() {
			d.safepoint(f)
		}

		pc := f.PC
		if pc < 0 || pc >= len(code) {
			return newThrowable(ClassError, fmt.Sprintf("%s: pc %d out of range", f.Method, pc))
		}
		op := Opcode(code[pc])
		next := pc + 1

		// Normalise the local variable forms to (op, idx).
		idx := 0
		wide := false
		switch {
		case op >= OpIload0 && op <= OpAload3:
			idx = int(op-OpIload0) & 3
			op = OpIload + (op-OpIload0)>>2
		case op >= OpIstore0 && op <= OpAstore3:
			idx = int(op-OpIstore0) & 3
			op = OpIstore + (op-OpIstore0)>>2
		case (op >= OpIload && op <= OpAload) || (op >= OpIstore && op <= OpAstore) || op == OpRet:
			idx = int(code[pc+1])
			next = pc + 2
		case op == OpIinc:
			idx = int(code[pc+1])
		case op == OpWide:
			wide = true
			op = Opcode(code[pc+1])
			idx = int(binary.BigEndian.Uint16(code[pc+2:]))
			next = pc + 4
		}

		switch op {
		case OpNop:

		// Constants

		case OpAconstNull:
			e.pushRef(Null)
		case OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5:
			e.pushInt(int32(op) - int32(OpIconst0))
		case OpLconst0, OpLconst1:
			e.pushLong(int64(op - OpLconst0))
		case OpFconst0, OpFconst1, OpFconst2:
			e.pushFloat(float32(op - OpFconst0))
		case OpDconst0, OpDconst1:
			e.pushDouble(float64(op - OpDconst0))
		case OpBipush:
			e.pushInt(int32(int8(code[pc+1])))
			next = pc + 2
		case OpSipush:
			e.pushInt(int32(s2(code, pc+1)))
			next = pc + 3
		case OpLdc:
			if th := e.ldc(pool, uint16(code[pc+1])); th != nil {
				return th
			}
			next = pc + 2
		case OpLdcW, OpLdc2W:
			if th := e.ldc(pool, u2(code, pc+1)); th != nil {
				return th
			}
			next = pc + 3

		// Locals

		case OpIload, OpFload:
			e.pushInt(e.local(f, idx))
		case OpAload:
			e.push(e.stack[f.BP+idx], e.refs[f.BP+idx])
		case OpLload, OpDload:
			e.pushLong(e.localLong(f, idx))
		case OpIstore, OpFstore:
			e.setLocal(f, idx, e.popInt(), false)
		case OpAstore:
			w := e.popWord()
			e.setLocal(f, idx, w.v, w.ref)
		case OpLstore, OpDstore:
			e.setLocalLong(f, idx, e.popLong())
		case OpIinc:
			delta := int32(int8(code[pc+2]))
			next = pc + 3
			if wide {
				delta = int32(s2(code, pc+4))
				next = pc + 6
			}
			e.setLocal(f, idx, e.local(f, idx)+delta, false)

		// Arrays

		case OpIaload, OpFaload, OpBaload, OpCaload, OpSaload, OpLaload, OpDaload, OpAaload:
			i := e.popInt()
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "array load")
			}
			e.LockRuntime()
			o, th := e.rt.elementLocked(r, i)
			var v int64
			if th == nil {
				if op == OpAaload {
					v = int64(o.refs[i])
				} else {
					v = o.element(int(i))
				}
			}
			e.UnlockRuntime()
			if th != nil {
				return th
			}
			switch op {
			case OpLaload, OpDaload:
				e.pushLong(v)
			case OpAaload:
				e.pushRef(Ref(v))
			default:
				e.pushInt(int32(v))
			}

		case OpIastore, OpFastore, OpBastore, OpCastore, OpSastore, OpLastore, OpDastore:
			var v int64
			if op == OpLastore || op == OpDastore {
				v = e.popLong()
			} else {
				v = int64(e.popInt())
			}
			i := e.popInt()
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "array store")
			}
			e.LockRuntime()
			o, th := e.rt.elementLocked(r, i)
			if th == nil {
				if o.Prim == 'Z' {
					v &= 1
				}
				o.setElement(int(i), v)
			}
			e.UnlockRuntime()
			if th != nil {
				return th
			}

		case OpAastore:
			v := e.popRef()
			i := e.popInt()
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "array store")
			}
			if th := e.storeRefElement(r, i, v); th != nil {
				return th
			}

		case OpArraylength:
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "arraylength")
			}
			e.LockRuntime()
			n := e.rt.heap.Get(r).Len()
			e.UnlockRuntime()
			e.pushInt(int32(n))

		// Operand stack

		case OpPop:
			e.sp--
		case OpPop2:
			e.sp -= 2
		case OpDup:
			e.pushWord(e.word(e.sp - 1))
		case OpDupX1:
			w1, w2 := e.popWord(), e.popWord()
			e.pushWords(w1, w2, w1)
		case OpDupX2:
			w1, w2, w3 := e.popWord(), e.popWord(), e.popWord()
			e.pushWords(w1, w3, w2, w1)
		case OpDup2:
			w1, w2 := e.popWord(), e.popWord()
			e.pushWords(w2, w1, w2, w1)
		case OpDup2X1:
			w1, w2, w3 := e.popWord(), e.popWord(), e.popWord()
			e.pushWords(w2, w1, w3, w2, w1)
		case OpDup2X2:
			w1, w2, w3, w4 := e.popWord(), e.popWord(), e.popWord(), e.popWord()
			e.pushWords(w2, w1, w4, w3, w2, w1)
		case OpSwap:
			w1, w2 := e.popWord(), e.popWord()
			e.pushWords(w1, w2)

		// Integer arithmetic

		case OpIadd, OpIsub, OpImul, OpIand, OpIor, OpIxor, OpIshl, OpIshr, OpIushr:
			b, a := e.popInt(), e.popInt()
			e.pushInt(intOp(op, a, b))
		case OpIdiv, OpIrem:
			b, a := e.popInt(), e.popInt()
			if b == 0 {
				return newThrowable(ClassArithmetic, "/ by zero")
			}
			if op == OpIdiv {
				e.pushInt(a / b)
			} else {
				e.pushInt(a % b)
			}
		case OpIneg:
			e.pushInt(-e.popInt())

		case OpLadd, OpLsub, OpLmul, OpLand, OpLor, OpLxor:
			b, a := e.popLong(), e.popLong()
			e.pushLong(longOp(op, a, b))
		case OpLshl, OpLshr, OpLushr:
			s := e.popInt() & 63
			a := e.popLong()
			switch op {
			case OpLshl:
				e.pushLong(a << s)
			case OpLshr:
				e.pushLong(a >> s)
			default:
				e.pushLong(int64(uint64(a) >> s))
			}
		case OpLdiv, OpLrem:
			b, a := e.popLong(), e.popLong()
			if b == 0 {
				return newThrowable(ClassArithmetic, "/ by zero")
			}
			if op == OpLdiv {
				e.pushLong(a / b)
			} else {
				e.pushLong(a % b)
			}
		case OpLneg:
			e.pushLong(-e.popLong())

		// Floating point

		case OpFadd, OpFsub, OpFmul, OpFdiv, OpFrem:
			b, a := e.popFloat(), e.popFloat()
			e.pushFloat(float32(floatOp(op-OpFadd, float64(a), float64(b))))
		case OpDadd, OpDsub, OpDmul, OpDdiv, OpDrem:
			b, a := e.popDouble(), e.popDouble()
			e.pushDouble(floatOp(op-OpDadd, a, b))
		case OpFneg:
			e.pushFloat(-e.popFloat())
		case OpDneg:
			e.pushDouble(-e.popDouble())

		// Conversions

		case OpI2l:
			e.pushLong(int64(e.popInt()))
		case OpI2f:
			e.pushFloat(float32(e.popInt()))
		case OpI2d:
			e.pushDouble(float64(e.popInt()))
		case OpL2i:
			e.pushInt(int32(e.popLong()))
		case OpL2f:
			e.pushFloat(float32(e.popLong()))
		case OpL2d:
			e.pushDouble(float64(e.popLong()))
		case OpF2i:
			e.pushInt(f2i(float64(e.popFloat())))
		case OpF2l:
			e.pushLong(f2l(float64(e.popFloat())))
		case OpF2d:
			e.pushDouble(float64(e.popFloat()))
		case OpD2i:
			e.pushInt(f2i(e.popDouble()))
		case OpD2l:
			e.pushLong(f2l(e.popDouble()))
		case OpD2f:
			e.pushFloat(float32(e.popDouble()))
		case OpI2b:
			e.pushInt(int32(int8(e.popInt())))
		case OpI2c:
			e.pushInt(int32(uint16(e.popInt())))
		case OpI2s:
			e.pushInt(int32(int16(e.popInt())))

		// Comparisons

		case OpLcmp:
			b, a := e.popLong(), e.popLong()
			switch {
			case a > b:
				e.pushInt(1)
			case a < b:
				e.pushInt(-1)
			default:
				e.pushInt(0)
			}
		case OpFcmpl, OpFcmpg:
			b, a := e.popFloat(), e.popFloat()
			e.pushInt(floatCompare(float64(a), float64(b), op == OpFcmpg))
		case OpDcmpl, OpDcmpg:
			b, a := e.popDouble(), e.popDouble()
			e.pushInt(floatCompare(a, b, op == OpDcmpg))

		// Branches

		case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle:
			next = branch(code, pc, compareZero(op, e.popInt()))
		case OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple:
			b, a := e.popInt(), e.popInt()
			next = branch(code, pc, compareInts(op, a, b))
		case OpIfAcmpeq, OpIfAcmpne:
			b, a := e.popRef(), e.popRef()
			next = branch(code, pc, (a == b) == (op == OpIfAcmpeq))
		case OpIfnull, OpIfnonnull:
			r := e.popRef()
			next = branch(code, pc, (r == Null) == (op == OpIfnull))
		case OpGoto:
			next = pc + s2(code, pc+1)
		case OpGotoW:
			next = pc + s4(code, pc+1)
		case OpJsr:
			e.pushInt(int32(pc + 3))
			next = pc + s2(code, pc+1)
		case OpJsrW:
			e.pushInt(int32(pc + 5))
			next = pc + s4(code, pc+1)
		case OpRet:
			next = int(e.local(f, idx))

		case OpTableswitch:
			at := pc + 1 + switchPad(pc)
			def, low, high := s4(code, at), s4(code, at+4), s4(code, at+8)
			key := int(e.popInt())
			if key < low || key > high {
				next = pc + def
			} else {
				next = pc + s4(code, at+12+4*(key-low))
			}
		case OpLookupswitch:
			at := pc + 1 + switchPad(pc)
			next = pc + s4(code, at)
			npairs := s4(code, at+4)
			key := int(e.popInt())
			for i := 0; i < npairs; i++ {
				if s4(code, at+8+8*i) == key {
					next = pc + s4(code, at+12+8*i)
					break
				}
			}

		// Returns

		case OpIreturn, OpFreturn, OpAreturn:
			e.returnFrame(base, 1)
			return nil
		case OpLreturn, OpDreturn:
			e.returnFrame(base, 2)
			return nil
		case OpReturn:
			e.returnFrame(base, 0)
			return nil

		// Fields

		case OpGetstatic, OpPutstatic:
			owner, fi, th := e.resolveFieldRef(pool.Field(u2(code, pc+1)), true)
			if th != nil {
				return th
			}
			if th := e.initialize(owner); th != nil {
				return th
			}
			e.LockRuntime()
			if op == OpGetstatic {
				e.pushField(owner.staticFields(), fi)
			} else {
				e.popField(owner.staticFields(), fi)
			}
			e.UnlockRuntime()
			next = pc + 3

		case OpGetfield:
			owner, fi, th := e.resolveFieldRef(pool.Field(u2(code, pc+1)), false)
			if th != nil {
				return th
			}
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "getfield "+fi.Name.Text)
			}
			e.LockRuntime()
			fd, th := e.rt.instanceFieldsLocked(r, owner)
			if th == nil {
				e.pushField(fd, fi)
			}
			e.UnlockRuntime()
			if th != nil {
				return th
			}
			next = pc + 3

		case OpPutfield:
			owner, fi, th := e.resolveFieldRef(pool.Field(u2(code, pc+1)), false)
			if th != nil {
				return th
			}
			r := e.peekRef(slotsOf(fi.Descriptor.Text[0]))
			if r == Null {
				return newThrowable(ClassNullPointer, "putfield "+fi.Name.Text)
			}
			e.LockRuntime()
			fd, th := e.rt.instanceFieldsLocked(r, owner)
			if th == nil {
				e.popField(fd, fi)
				e.sp--
			}
			e.UnlockRuntime()
			if th != nil {
				return th
			}
			next = pc + 3

		// Invocation

		case OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface:
			depth := len(e.frames)
			m, th := e.resolveInvoke(op, pool.Method(u2(code, pc+1)))
			if th != nil {
				return th
			}
			if th := e.invoke(m); th != nil {
				return th
			}
			if len(e.frames) != depth {
				return nil
			}
			next = pc + 3
			if op == OpInvokeinterface {
				next = pc + 5
			}
		case OpInvokedynamic:
			return newThrowable(ClassUnsupportedOperation, "invokedynamic")

		// Objects

		case OpNew:
			cd, th := e.resolveClass(pool.Class(u2(code, pc+1)))
			if th != nil {
				return th
			}
			if cd.IsInterface() || cd.AccessFlags&AccAbstract != 0 {
				return newThrowable(ClassInstantiation, cd.Name())
			}
			if th := e.initialize(cd); th != nil {
				return th
			}
			e.LockRuntime()
			r, err := e.rt.newInstanceLocked(cd)
			e.UnlockRuntime()
			if err != nil {
				return throwableOf(err)
			}
			e.pushRef(r)
			next = pc + 3

		case OpNewarray:
			n := e.popInt()
			if n < 0 {
				return newThrowable(ClassNegativeArraySize, fmt.Sprint(n))
			}
			prim, ok := newarrayTypes[code[pc+1]]
			if !ok {
				return newThrowable(ClassError, fmt.Sprintf("newarray: bad type %d", code[pc+1]))
			}
			e.LockRuntime()
			r, err := e.rt.newArrayLocked(prim, nil, 1, int(n))
			e.UnlockRuntime()
			if err != nil {
				return throwableOf(err)
			}
			e.pushRef(r)
			next = pc + 2

		case OpAnewarray:
			n := e.popInt()
			if n < 0 {
				return newThrowable(ClassNegativeArraySize, fmt.Sprint(n))
			}
			dims, elem, prim := arrayTypeOf(pool.Class(u2(code, pc+1)).Text)
			e.LockRuntime()
			r, err := e.rt.newArrayLocked(prim, NewConstUtf8(elem), dims+1, int(n))
			e.UnlockRuntime()
			if err != nil {
				return throwableOf(err)
			}
			e.pushRef(r)
			next = pc + 3

		case OpMultianewarray:
			dims, elem, prim := arrayTypeOf(pool.Class(u2(code, pc+1)).Text)
			counts := make([]int32, code[pc+3])
			for i := len(counts) - 1; i >= 0; i-- {
				counts[i] = e.popInt()
			}
			for _, n := range counts {
				if n < 0 {
					return newThrowable(ClassNegativeArraySize, fmt.Sprint(n))
				}
			}
			e.LockRuntime()
			r, err := e.rt.multiArrayLocked(prim, NewConstUtf8(elem), dims, counts)
			e.UnlockRuntime()
			if err != nil {
				return throwableOf(err)
			}
			e.pushRef(r)
			next = pc + 4

		case OpAthrow:
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "athrow")
			}
			return e.throwableFromObject(r)

		case OpCheckcast, OpInstanceof:
			name := pool.Class(u2(code, pc+1)).Text
			r := e.popRef()
			ok := false
			if r != Null {
				e.LockRuntime()
				var err error
				ok, err = e.rt.isAssignableLocked(e.rt.heap.Get(r), name)
				typeName := e.rt.heap.Get(r).TypeName()
				e.UnlockRuntime()
				if err != nil {
					return throwableOf(err)
				}
				if !ok && op == OpCheckcast {
					return newThrowable(ClassClassCast, typeName+" cannot be cast to "+name)
				}
			}
			if op == OpCheckcast {
				e.pushRef(r)
			} else if ok {
				e.pushInt(1)
			} else {
				e.pushInt(0)
			}
			next = pc + 3

		// Monitors

		case OpMonitorenter:
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "monitorenter")
			}
			e.enterMonitor(e.objectMonitor(r))
		case OpMonitorexit:
			r := e.popRef()
			if r == Null {
				return newThrowable(ClassNullPointer, "monitorexit")
			}
			if !e.exitMonitor(e.objectMonitor(r)) {
				return newThrowable(ClassIllegalMonitorState, "current execution is not owner")
			}

		default:
			return newThrowable(ClassError, fmt.Sprintf("%s: invalid opcode 0x%02x at pc %d", f.Method, byte(op), pc))
		}

		f.PC = next
	}
}

// returnFrame pops the innermost frame, moving its words-wide result onto
// the caller's operand stack. The caller, unless it is below base, moves
// past its invoke instruction.
func (e *Execution) returnFrame(base, words int) {
	var result [2]stackWord
	for i := words - 1; i >= 0; i-- {
		result[i] = e.popWord()
	}
	e.popFrame()
	for i := 0; i < words; i++ {
		e.pushWord(result[i])
	}
	if len(e.frames) > base {
		c := e.top()
		switch Opcode(c.Code.Code[c.PC]) {
		case OpInvokeinterface, OpInvokedynamic:
			c.PC += 5
		default:
			c.PC += 3
		}
	}
}

// ---------------------------------------------------------------------------
// Stack words with their reference flag
// ---------------------------------------------------------------------------

type stackWord struct {
	v   int32
	ref bool
}

func (e *Execution) word(i int) stackWord { return stackWord{e.stack[i], e.refs[i]} }

func (e *Execution) popWord() stackWord {
	e.sp--
	return e.word(e.sp)
}

func (e *Execution) pushWord(w stackWord) { e.push(w.v, w.ref) }

// pushWords pushes ws in order; callers list them bottom to top.
func (e *Execution) pushWords(ws ...stackWord) {
	for _, w := range ws {
		e.pushWord(w)
	}
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func u2(code []byte, i int) uint16 { return binary.BigEndian.Uint16(code[i:]) }
func s2(code []byte, i int) int    { return int(int16(binary.BigEndian.Uint16(code[i:]))) }
func s4(code []byte, i int) int    { return int(int32(binary.BigEndian.Uint32(code[i:]))) }

// branch returns the target of a 16-bit conditional branch at pc.
func branch(code []byte, pc int, taken bool) int {
	if taken {
		return pc + s2(code, pc+1)
	}
	return pc + 3
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func intOp(op Opcode, a, b int32) int32 {
	switch op {
	case OpIadd:
		return a + b
	case OpIsub:
		return a - b
	case OpImul:
		return a * b
	case OpIand:
		return a & b
	case OpIor:
		return a | b
	case OpIxor:
		return a ^ b
	case OpIshl:
		return a << (b & 31)
	case OpIshr:
		return a >> (b & 31)
	default:
		return int32(uint32(a) >> (b & 31))
	}
}

func longOp(op Opcode, a, b int64) int64 {
	switch op {
	case OpLadd:
		return a + b
	case OpLsub:
		return a - b
	case OpLmul:
		return a * b
	case OpLand:
		return a & b
	case OpLor:
		return a | b
	default:
		return a ^ b
	}
}

// floatOp applies add, sub, mul, div or rem selected by the offset of the
// opcode from its add form. Opcodes of one type are spaced by four.
func floatOp(offset Opcode, a, b float64) float64 {
	switch offset {
	case OpFsub - OpFadd:
		return a - b
	case OpFmul - OpFadd:
		return a * b
	case OpFdiv - OpFadd:
		return a / b
	case OpFrem - OpFadd:
		return math.Mod(a, b)
	default:
		return a + b
	}
}

// floatCompare implements fcmp<op>/dcmp<op>; NaN yields 1 for the g forms
// and -1 for the l forms.
func floatCompare(a, b float64, nanIsGreater bool) int32 {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	case a == b:
		return 0
	case nanIsGreater:
		return 1
	default:
		return -1
	}
}

func compareZero(op Opcode, v int32) bool {
	return compareInts(op-OpIfeq+OpIfIcmpeq, v, 0)
}

func compareInts(op Opcode, a, b int32) bool {
	switch op {
	case OpIfIcmpeq:
		return a == b
	case OpIfIcmpne:
		return a != b
	case OpIfIcmplt:
		return a < b
	case OpIfIcmpge:
		return a >= b
	case OpIfIcmpgt:
		return a > b
	default:
		return a <= b
	}
}

// f2i converts with saturation; NaN becomes 0.
func f2i(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

func f2l(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return int64(v)
}

// ---------------------------------------------------------------------------
// Constants, fields and arrays
// ---------------------------------------------------------------------------

func (e *Execution) ldc(pool *ConstPool, idx uint16) *Throwable {
	switch tag := pool.Tag(idx); tag {
	case ConstTagInteger, ConstTagFloat:
		e.pushInt(int32(uint32(pool.Raw(idx).Value)))
	case ConstTagLong, ConstTagDouble:
		e.pushLong(int64(pool.Raw(idx).Value))
	case ConstTagString, ConstTagClass:
		e.LockRuntime()
		var r Ref
		var err error
		if tag == ConstTagString {
			r, err = e.rt.internLocked(pool.String(idx).Text)
		} else {
			r, err = e.rt.mirrorLocked(pool.Class(idx).Text)
		}
		e.UnlockRuntime()
		if err != nil {
			return throwableOf(err)
		}
		e.pushRef(r)
	default:
		return newThrowable(ClassUnsupportedOperation, "ldc of "+tag.String())
	}
	return nil
}

// resolveClass loads the class a symbolic reference names.
func (e *Execution) resolveClass(name *ConstUtf8) (*ClassData, *Throwable) {
	e.LockRuntime()
	cd, err := e.rt.loadLocked(name.Text)
	e.UnlockRuntime()
	if err != nil {
		return nil, throwableOf(err)
	}
	return cd, nil
}

// resolveFieldRef finds the declaration a field reference names.
func (e *Execution) resolveFieldRef(ref *ConstField, static bool) (*ClassData, *FieldInfo, *Throwable) {
	cd, th := e.resolveClass(ref.ClassName)
	if th != nil {
		return nil, nil, th
	}
	owner, fi := cd.resolveField(ref.NameAndType)
	if fi == nil {
		return nil, nil, newThrowable(ClassNoSuchField, ref.String())
	}
	if fi.IsStatic() != static {
		return nil, nil, newThrowable(ClassIncompatibleClassChange, ref.String())
	}
	return owner, fi, nil
}

// instanceFieldsLocked returns the storage of r, which must be an
// instance of owner.
func (rt *Runtime) instanceFieldsLocked(r Ref, owner *ClassData) (*FieldsData, *Throwable) {
	o := rt.heap.Get(r)
	if o.fields == nil || !o.Class.IsSubclassOf(owner) {
		return nil, newThrowable(ClassIncompatibleClassChange, o.TypeName()+" has no fields of "+owner.Name())
	}
	return o.fields, nil
}

func (e *Execution) pushField(fd *FieldsData, fi *FieldInfo) {
	switch fi.Kind() {
	case FieldKind64:
		e.pushLong(fd.slot64(fi).Value)
	case FieldKindRef:
		e.pushRef(fd.slotRef(fi).Value)
	default:
		e.pushInt(fd.slot32(fi).Value)
	}
}

func (e *Execution) popField(fd *FieldsData, fi *FieldInfo) {
	switch fi.Kind() {
	case FieldKind64:
		fd.slot64(fi).Value = e.popLong()
	case FieldKindRef:
		fd.slotRef(fi).Value = e.popRef()
	default:
		fd.slot32(fi).Value = e.popInt()
	}
}

// elementLocked checks index i against the array behind r.
func (rt *Runtime) elementLocked(r Ref, i int32) (*Object, *Throwable) {
	o := rt.heap.Get(r)
	if i < 0 || int(i) >= o.Len() {
		return nil, newThrowable(ClassArrayIndexOutOfBounds,
			fmt.Sprintf("Index %d out of bounds for length %d", i, o.Len()))
	}
	return o, nil
}

// storeRefElement implements aastore, including the array store check.
func (e *Execution) storeRefElement(r Ref, i int32, v Ref) *Throwable {
	e.LockRuntime()
	defer e.UnlockRuntime()
	o, th := e.rt.elementLocked(r, i)
	if th != nil {
		return th
	}
	if v != Null {
		component := o.componentDescriptor()
		if component[0] == 'L' {
			component = component[1 : len(component)-1]
		}
		val := e.rt.heap.Get(v)
		ok, err := e.rt.isAssignableLocked(val, component)
		if err != nil {
			return throwableOf(err)
		}
		if !ok {
			return newThrowable(ClassArrayStore, val.TypeName())
		}
	}
	o.refs[i] = v
	return nil
}

// multiArrayLocked allocates nested arrays for multianewarray. Only the
// first len(counts) dimensions are allocated.
func (rt *Runtime) multiArrayLocked(prim byte, elem *ConstUtf8, dims int, counts []int32) (Ref, error) {
	r, err := rt.newArrayLocked(prim, elem, dims, int(counts[0]))
	if err != nil || len(counts) == 1 {
		return r, err
	}
	mark := rt.protect(r)
	defer rt.release(mark)
	for i := 0; i < int(counts[0]); i++ {
		sub, err := rt.multiArrayLocked(prim, elem, dims-1, counts[1:])
		if err != nil {
			return Null, err
		}
		rt.heap.Get(r).refs[i] = sub
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// resolveInvoke selects the method an invoke instruction calls. Virtual
// and interface calls dispatch on the receiver's class; arrays dispatch on
// java/lang/Object.
func (e *Execution) resolveInvoke(op Opcode, ref *ConstMethod) (*MethodInfo, *Throwable) {
	nt := ref.NameAndType
	if op == OpInvokestatic {
		cd, th := e.resolveClass(ref.ClassName)
		if th != nil {
			return nil, th
		}
		m := cd.resolveMethod(nt.Name, nt.Descriptor)
		if m == nil {
			return nil, newThrowable(ClassNoSuchMethod, ref.String())
		}
		if !m.IsStatic() {
			return nil, newThrowable(ClassIncompatibleClassChange, ref.String())
		}
		if th := e.initialize(classOf(m.Class)); th != nil {
			return nil, th
		}
		return m, nil
	}

	recv := e.peekRef(int(ref.ParamInfo().ArgSlots))
	if recv == Null {
		return nil, newThrowable(ClassNullPointer, "invoke "+ref.String())
	}
	var cd *ClassData
	if op == OpInvokespecial {
		var th *Throwable
		if cd, th = e.resolveClass(ref.ClassName); th != nil {
			return nil, th
		}
	} else {
		e.LockRuntime()
		o := e.rt.heap.Get(recv)
		cd = o.Class
		var err error
		if o.IsArray() {
			cd, err = e.rt.loadLocked(ClassObject)
		}
		e.UnlockRuntime()
		if err != nil {
			return nil, throwableOf(err)
		}
	}
	m := cd.resolveMethod(nt.Name, nt.Descriptor)
	if m == nil {
		if op == OpInvokespecial {
			return nil, newThrowable(ClassNoSuchMethod, ref.String())
		}
		return nil, newThrowable(ClassAbstractMethod, cd.Name()+"."+nt.Name.Text+nt.Descriptor.Text)
	}
	if m.IsStatic() {
		return nil, newThrowable(ClassIncompatibleClassChange, ref.String())
	}
	return m, nil
}

// invoke activates m over the arguments on top of the stack. Bytecode
// methods get a new frame; natives run to completion.
func (e *Execution) invoke(m *MethodInfo) *Throwable {
	argSlots := int(m.ParamInfo().ArgSlots)
	if !m.IsStatic() {
		argSlots++
	}
	if m.IsNative() {
		return e.invokeNative(m, argSlots)
	}
	code := m.Code()
	if m.IsAbstract() || code == nil {
		return newThrowable(ClassAbstractMethod, m.String())
	}
	mon := e.methodMonitor(m, argSlots)
	if th := e.pushFrame(m, code, argSlots); th != nil {
		if mon != nil {
			e.exitMonitor(mon)
		}
		return th
	}
	e.top().monitor = mon
	return nil
}

// methodMonitor enters and returns the monitor of a synchronized method:
// the receiver's for instance methods, the class's for static ones.
func (e *Execution) methodMonitor(m *MethodInfo, argSlots int) *Monitor {
	if !m.IsSynchronized() {
		return nil
	}
	var mon *Monitor
	if m.IsStatic() {
		mon = classOf(m.Class).monitor
	} else {
		mon = e.objectMonitor(e.peekRef(argSlots - 1))
	}
	e.enterMonitor(mon)
	return mon
}

func (e *Execution) invokeNative(m *MethodInfo, argSlots int) *Throwable {
	fn := e.rt.native(m)
	if fn == nil {
		return newThrowable(ClassUnsatisfiedLink, m.String())
	}
	bp := e.sp - argSlots
	mon := e.methodMonitor(m, argSlots)
	err := fn(e)
	if mon != nil {
		e.exitMonitor(mon)
	}
	if err != nil {
		e.sp = bp
		return throwableOf(err)
	}
	if want := bp + slotsOf(m.ParamInfo().RetType); e.sp != want {
		e.sp = bp
		return newThrowable(ClassError, fmt.Sprintf("native %s left the stack unbalanced", m))
	}
	return nil
}
