package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single bytecode instruction.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0x00
	OpAconstNull Opcode = 0x01
	OpIconstM1   Opcode = 0x02
	OpIconst0    Opcode = 0x03
	OpIconst1    Opcode = 0x04
	OpIconst2    Opcode = 0x05
	OpIconst3    Opcode = 0x06
	OpIconst4    Opcode = 0x07
	OpIconst5    Opcode = 0x08
	OpLconst0    Opcode = 0x09
	OpLconst1    Opcode = 0x0A
	OpFconst0    Opcode = 0x0B
	OpFconst1    Opcode = 0x0C
	OpFconst2    Opcode = 0x0D
	OpDconst0    Opcode = 0x0E
	OpDconst1    Opcode = 0x0F
	OpBipush     Opcode = 0x10
	OpSipush     Opcode = 0x11
	OpLdc        Opcode = 0x12
	OpLdcW       Opcode = 0x13
	OpLdc2W      Opcode = 0x14
)

// Loads
const (
	OpIload  Opcode = 0x15
	OpLload  Opcode = 0x16
	OpFload  Opcode = 0x17
	OpDload  Opcode = 0x18
	OpAload  Opcode = 0x19
	OpIload0 Opcode = 0x1A
	OpIload1 Opcode = 0x1B
	OpIload2 Opcode = 0x1C
	OpIload3 Opcode = 0x1D
	OpLload0 Opcode = 0x1E
	OpLload1 Opcode = 0x1F
	OpLload2 Opcode = 0x20
	OpLload3 Opcode = 0x21
	OpFload0 Opcode = 0x22
	OpFload1 Opcode = 0x23
	OpFload2 Opcode = 0x24
	OpFload3 Opcode = 0x25
	OpDload0 Opcode = 0x26
	OpDload1 Opcode = 0x27
	OpDload2 Opcode = 0x28
	OpDload3 Opcode = 0x29
	OpAload0 Opcode = 0x2A
	OpAload1 Opcode = 0x2B
	OpAload2 Opcode = 0x2C
	OpAload3 Opcode = 0x2D
	OpIaload Opcode = 0x2E
	OpLaload Opcode = 0x2F
	OpFaload Opcode = 0x30
	OpDaload Opcode = 0x31
	OpAaload Opcode = 0x32
	OpBaload Opcode = 0x33
	OpCaload Opcode = 0x34
	OpSaload Opcode = 0x35
)

// Stores
const (
	OpIstore  Opcode = 0x36
	OpLstore  Opcode = 0x37
	OpFstore  Opcode = 0x38
	OpDstore  Opcode = 0x39
	OpAstore  Opcode = 0x3A
	OpIstore0 Opcode = 0x3B
	OpIstore1 Opcode = 0x3C
	OpIstore2 Opcode = 0x3D
	OpIstore3 Opcode = 0x3E
	OpLstore0 Opcode = 0x3F
	OpLstore1 Opcode = 0x40
	OpLstore2 Opcode = 0x41
	OpLstore3 Opcode = 0x42
	OpFstore0 Opcode = 0x43
	OpFstore1 Opcode = 0x44
	OpFstore2 Opcode = 0x45
	OpFstore3 Opcode = 0x46
	OpDstore0 Opcode = 0x47
	OpDstore1 Opcode = 0x48
	OpDstore2 Opcode = 0x49
	OpDstore3 Opcode = 0x4A
	OpAstore0 Opcode = 0x4B
	OpAstore1 Opcode = 0x4C
	OpAstore2 Opcode = 0x4D
	OpAstore3 Opcode = 0x4E
	OpIastore Opcode = 0x4F
	OpLastore Opcode = 0x50
	OpFastore Opcode = 0x51
	OpDastore Opcode = 0x52
	OpAastore Opcode = 0x53
	OpBastore Opcode = 0x54
	OpCastore Opcode = 0x55
	OpSastore Opcode = 0x56
)

// Stack
const (
	OpPop    Opcode = 0x57
	OpPop2   Opcode = 0x58
	OpDup    Opcode = 0x59
	OpDupX1  Opcode = 0x5A
	OpDupX2  Opcode = 0x5B
	OpDup2   Opcode = 0x5C
	OpDup2X1 Opcode = 0x5D
	OpDup2X2 Opcode = 0x5E
	OpSwap   Opcode = 0x5F
)

// Math
const (
	OpIadd  Opcode = 0x60
	OpLadd  Opcode = 0x61
	OpFadd  Opcode = 0x62
	OpDadd  Opcode = 0x63
	OpIsub  Opcode = 0x64
	OpLsub  Opcode = 0x65
	OpFsub  Opcode = 0x66
	OpDsub  Opcode = 0x67
	OpImul  Opcode = 0x68
	OpLmul  Opcode = 0x69
	OpFmul  Opcode = 0x6A
	OpDmul  Opcode = 0x6B
	OpIdiv  Opcode = 0x6C
	OpLdiv  Opcode = 0x6D
	OpFdiv  Opcode = 0x6E
	OpDdiv  Opcode = 0x6F
	OpIrem  Opcode = 0x70
	OpLrem  Opcode = 0x71
	OpFrem  Opcode = 0x72
	OpDrem  Opcode = 0x73
	OpIneg  Opcode = 0x74
	OpLneg  Opcode = 0x75
	OpFneg  Opcode = 0x76
	OpDneg  Opcode = 0x77
	OpIshl  Opcode = 0x78
	OpLshl  Opcode = 0x79
	OpIshr  Opcode = 0x7A
	OpLshr  Opcode = 0x7B
	OpIushr Opcode = 0x7C
	OpLushr Opcode = 0x7D
	OpIand  Opcode = 0x7E
	OpLand  Opcode = 0x7F
	OpIor   Opcode = 0x80
	OpLor   Opcode = 0x81
	OpIxor  Opcode = 0x82
	OpLxor  Opcode = 0x83
	OpIinc  Opcode = 0x84
)

// Conversions and comparisons
const (
	OpI2l   Opcode = 0x85
	OpI2f   Opcode = 0x86
	OpI2d   Opcode = 0x87
	OpL2i   Opcode = 0x88
	OpL2f   Opcode = 0x89
	OpL2d   Opcode = 0x8A
	OpF2i   Opcode = 0x8B
	OpF2l   Opcode = 0x8C
	OpF2d   Opcode = 0x8D
	OpD2i   Opcode = 0x8E
	OpD2l   Opcode = 0x8F
	OpD2f   Opcode = 0x90
	OpI2b   Opcode = 0x91
	OpI2c   Opcode = 0x92
	OpI2s   Opcode = 0x93
	OpLcmp  Opcode = 0x94
	OpFcmpl Opcode = 0x95
	OpFcmpg Opcode = 0x96
	OpDcmpl Opcode = 0x97
	OpDcmpg Opcode = 0x98
)

// Control flow
const (
	OpIfeq         Opcode = 0x99
	OpIfne         Opcode = 0x9A
	OpIflt         Opcode = 0x9B
	OpIfge         Opcode = 0x9C
	OpIfgt         Opcode = 0x9D
	OpIfle         Opcode = 0x9E
	OpIfIcmpeq     Opcode = 0x9F
	OpIfIcmpne     Opcode = 0xA0
	OpIfIcmplt     Opcode = 0xA1
	OpIfIcmpge     Opcode = 0xA2
	OpIfIcmpgt     Opcode = 0xA3
	OpIfIcmple     Opcode = 0xA4
	OpIfAcmpeq     Opcode = 0xA5
	OpIfAcmpne     Opcode = 0xA6
	OpGoto         Opcode = 0xA7
	OpJsr          Opcode = 0xA8
	OpRet          Opcode = 0xA9
	OpTableswitch  Opcode = 0xAA
	OpLookupswitch Opcode = 0xAB
	OpIreturn      Opcode = 0xAC
	OpLreturn      Opcode = 0xAD
	OpFreturn      Opcode = 0xAE
	OpDreturn      Opcode = 0xAF
	OpAreturn      Opcode = 0xB0
	OpReturn       Opcode = 0xB1
)

// References
const (
	OpGetstatic       Opcode = 0xB2
	OpPutstatic       Opcode = 0xB3
	OpGetfield        Opcode = 0xB4
	OpPutfield        Opcode = 0xB5
	OpInvokevirtual   Opcode = 0xB6
	OpInvokespecial   Opcode = 0xB7
	OpInvokestatic    Opcode = 0xB8
	OpInvokeinterface Opcode = 0xB9
	OpInvokedynamic   Opcode = 0xBA
	OpNew             Opcode = 0xBB
	OpNewarray        Opcode = 0xBC
	OpAnewarray       Opcode = 0xBD
	OpArraylength     Opcode = 0xBE
	OpAthrow          Opcode = 0xBF
	OpCheckcast       Opcode = 0xC0
	OpInstanceof      Opcode = 0xC1
	OpMonitorenter    Opcode = 0xC2
	OpMonitorexit     Opcode = 0xC3
)

// Extended
const (
	OpWide           Opcode = 0xC4
	OpMultianewarray Opcode = 0xC5
	OpIfnull         Opcode = 0xC6
	OpIfnonnull      Opcode = 0xC7
	OpGotoW          Opcode = 0xC8
	OpJsrW           Opcode = 0xC9
	OpBreakpoint     Opcode = 0xCA
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds the mnemonic and fixed operand width of an opcode.
// OperandBytes is -1 for instructions whose length depends on position or
// on the following opcode (tableswitch, lookupswitch, wide).
type OpcodeInfo struct {
	Name         string
	OperandBytes int
}

var opcodeTable [256]OpcodeInfo

func init() {
	set := func(op Opcode, name string, n int) {
		opcodeTable[op] = OpcodeInfo{Name: name, OperandBytes: n}
	}
	zero := []string{
		"nop", "aconst_null", "iconst_m1", "iconst_0", "iconst_1", "iconst_2",
		"iconst_3", "iconst_4", "iconst_5", "lconst_0", "lconst_1", "fconst_0",
		"fconst_1", "fconst_2", "dconst_0", "dconst_1",
	}
	for i, name := range zero {
		set(Opcode(i), name, 0)
	}
	set(OpBipush, "bipush", 1)
	set(OpSipush, "sipush", 2)
	set(OpLdc, "ldc", 1)
	set(OpLdcW, "ldc_w", 2)
	set(OpLdc2W, "ldc2_w", 2)

	prefixes := []string{"i", "l", "f", "d", "a"}
	for i, p := range prefixes {
		set(OpIload+Opcode(i), p+"load", 1)
		set(OpIstore+Opcode(i), p+"store", 1)
		for n := 0; n < 4; n++ {
			set(OpIload0+Opcode(i*4+n), fmt.Sprintf("%sload_%d", p, n), 0)
			set(OpIstore0+Opcode(i*4+n), fmt.Sprintf("%sstore_%d", p, n), 0)
		}
	}
	arrays := []string{"i", "l", "f", "d", "a", "b", "c", "s"}
	for i, p := range arrays {
		set(OpIaload+Opcode(i), p+"aload", 0)
		set(OpIastore+Opcode(i), p+"astore", 0)
	}
	stack := []string{"pop", "pop2", "dup", "dup_x1", "dup_x2", "dup2", "dup2_x1", "dup2_x2", "swap"}
	for i, name := range stack {
		set(OpPop+Opcode(i), name, 0)
	}
	math := []string{"add", "sub", "mul", "div", "rem", "neg"}
	for i, name := range math {
		for j, p := range prefixes[:4] {
			set(OpIadd+Opcode(i*4+j), p+name, 0)
		}
	}
	bits := []string{"ishl", "lshl", "ishr", "lshr", "iushr", "lushr", "iand", "land", "ior", "lor", "ixor", "lxor"}
	for i, name := range bits {
		set(OpIshl+Opcode(i), name, 0)
	}
	set(OpIinc, "iinc", 2)
	conv := []string{
		"i2l", "i2f", "i2d", "l2i", "l2f", "l2d", "f2i", "f2l", "f2d",
		"d2i", "d2l", "d2f", "i2b", "i2c", "i2s",
		"lcmp", "fcmpl", "fcmpg", "dcmpl", "dcmpg",
	}
	for i, name := range conv {
		set(OpI2l+Opcode(i), name, 0)
	}
	branches := []string{
		"ifeq", "ifne", "iflt", "ifge", "ifgt", "ifle",
		"if_icmpeq", "if_icmpne", "if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple",
		"if_acmpeq", "if_acmpne", "goto", "jsr",
	}
	for i, name := range branches {
		set(OpIfeq+Opcode(i), name, 2)
	}
	set(OpRet, "ret", 1)
	set(OpTableswitch, "tableswitch", -1)
	set(OpLookupswitch, "lookupswitch", -1)
	returns := []string{"ireturn", "lreturn", "freturn", "dreturn", "areturn", "return"}
	for i, name := range returns {
		set(OpIreturn+Opcode(i), name, 0)
	}
	set(OpGetstatic, "getstatic", 2)
	set(OpPutstatic, "putstatic", 2)
	set(OpGetfield, "getfield", 2)
	set(OpPutfield, "putfield", 2)
	set(OpInvokevirtual, "invokevirtual", 2)
	set(OpInvokespecial, "invokespecial", 2)
	set(OpInvokestatic, "invokestatic", 2)
	set(OpInvokeinterface, "invokeinterface", 4)
	set(OpInvokedynamic, "invokedynamic", 4)
	set(OpNew, "new", 2)
	set(OpNewarray, "newarray", 1)
	set(OpAnewarray, "anewarray", 2)
	set(OpArraylength, "arraylength", 0)
	set(OpAthrow, "athrow", 0)
	set(OpCheckcast, "checkcast", 2)
	set(OpInstanceof, "instanceof", 2)
	set(OpMonitorenter, "monitorenter", 0)
	set(OpMonitorexit, "monitorexit", 0)
	set(OpWide, "wide", -1)
	set(OpMultianewarray, "multianewarray", 3)
	set(OpIfnull, "ifnull", 2)
	set(OpIfnonnull, "ifnonnull", 2)
	set(OpGotoW, "goto_w", 4)
	set(OpJsrW, "jsr_w", 4)
	set(OpBreakpoint, "breakpoint", 0)
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	info := opcodeTable[op]
	if info.Name == "" && op != OpNop {
		return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
	}
	return info
}

// Name returns the mnemonic.
func (op Opcode) Name() string { return op.Info().Name }

// Valid reports whether op is a defined instruction.
func (op Opcode) Valid() bool { return opcodeTable[op].Name != "" }

func (op Opcode) String() string { return op.Name() }

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// switchPad returns the number of padding bytes after a switch opcode at pc
// so that the first operand is 4-byte aligned.
func switchPad(pc int) int {
	return (4 - (pc+1)%4) % 4
}

// InstructionLength returns the length in bytes of the instruction at pc.
func InstructionLength(code []byte, pc int) (int, error) {
	if pc < 0 || pc >= len(code) {
		return 0, fmt.Errorf("pc %d out of range", pc)
	}
	op := Opcode(code[pc])
	if !op.Valid() {
		return 0, fmt.Errorf("invalid opcode 0x%02x at pc %d", byte(op), pc)
	}
	switch op {
	case OpTableswitch:
		base := pc + 1 + switchPad(pc)
		if base+12 > len(code) {
			return 0, fmt.Errorf("truncated tableswitch at pc %d", pc)
		}
		low := int32(binary.BigEndian.Uint32(code[base+4:]))
		high := int32(binary.BigEndian.Uint32(code[base+8:]))
		if high < low {
			return 0, fmt.Errorf("tableswitch at pc %d: high < low", pc)
		}
		return base + 12 + 4*int(high-low+1) - pc, nil
	case OpLookupswitch:
		base := pc + 1 + switchPad(pc)
		if base+8 > len(code) {
			return 0, fmt.Errorf("truncated lookupswitch at pc %d", pc)
		}
		npairs := int32(binary.BigEndian.Uint32(code[base+4:]))
		if npairs < 0 {
			return 0, fmt.Errorf("lookupswitch at pc %d: negative npairs", pc)
		}
		return base + 8 + 8*int(npairs) - pc, nil
	case OpWide:
		if pc+1 >= len(code) {
			return 0, fmt.Errorf("truncated wide at pc %d", pc)
		}
		if Opcode(code[pc+1]) == OpIinc {
			return 6, nil
		}
		return 4, nil
	}
	return 1 + op.Info().OperandBytes, nil
}

// Instruction is one decoded instruction.
type Instruction struct {
	PC       int
	Op       Opcode
	Operands []byte
}

func (in Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%4d: %s", in.PC, in.Op.Name())
	switch in.Op {
	case OpBipush:
		fmt.Fprintf(&b, " %d", int8(in.Operands[0]))
	case OpSipush:
		fmt.Fprintf(&b, " %d", int16(binary.BigEndian.Uint16(in.Operands)))
	case OpIinc:
		fmt.Fprintf(&b, " %d %d", in.Operands[0], int8(in.Operands[1]))
	case OpGotoW, OpJsrW:
		fmt.Fprintf(&b, " -> %d", in.PC+int(int32(binary.BigEndian.Uint32(in.Operands))))
	case OpNewarray:
		fmt.Fprintf(&b, " %c", newarrayTypes[in.Operands[0]])
	case OpMultianewarray:
		fmt.Fprintf(&b, " #%d dims=%d", binary.BigEndian.Uint16(in.Operands), in.Operands[2])
	case OpInvokeinterface, OpInvokedynamic:
		fmt.Fprintf(&b, " #%d", binary.BigEndian.Uint16(in.Operands))
	case OpWide:
		fmt.Fprintf(&b, " %s %d", Opcode(in.Operands[0]).Name(), binary.BigEndian.Uint16(in.Operands[1:]))
		if Opcode(in.Operands[0]) == OpIinc {
			fmt.Fprintf(&b, " %d", int16(binary.BigEndian.Uint16(in.Operands[3:])))
		}
	case OpTableswitch, OpLookupswitch:
		fmt.Fprintf(&b, " (%d bytes)", len(in.Operands))
	default:
		switch {
		case in.Op >= OpIfeq && in.Op <= OpJsr, in.Op == OpIfnull, in.Op == OpIfnonnull:
			fmt.Fprintf(&b, " -> %d", in.PC+int(int16(binary.BigEndian.Uint16(in.Operands))))
		case len(in.Operands) == 1:
			fmt.Fprintf(&b, " %d", in.Operands[0])
		case len(in.Operands) == 2:
			fmt.Fprintf(&b, " #%d", binary.BigEndian.Uint16(in.Operands))
		}
	}
	return b.String()
}

// Decode splits code into instructions.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pc := 0; pc < len(code); {
		n, err := InstructionLength(code, pc)
		if err != nil {
			return out, err
		}
		if pc+n > len(code) {
			return out, fmt.Errorf("truncated %s at pc %d", Opcode(code[pc]).Name(), pc)
		}
		out = append(out, Instruction{PC: pc, Op: Opcode(code[pc]), Operands: code[pc+1 : pc+n]})
		pc += n
	}
	return out, nil
}

// Disassemble renders code as one instruction per line. Decoding stops at
// the first malformed instruction, which is reported on the last line.
func Disassemble(code []byte) string {
	ins, err := Decode(code)
	var b strings.Builder
	for _, in := range ins {
		b.WriteString(in.String())
		b.WriteByte('\n')
	}
	if err != nil {
		fmt.Fprintf(&b, "error: %v\n", err)
	}
	return b.String()
}
