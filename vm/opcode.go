package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------
//
// Typed instruction set: every instruction carries its operand types in the
// opcode itself, so the dispatch loop never inspects value tags for
// arithmetic.
//
// Encoding space:
//   0x00-0x1F  control flow, register moves, loads
//   0x20-0x3F  I64/I32 integer arithmetic
//   0x40-0x5F  F64/F32 float arithmetic
//   0x60-0x6F  comparisons
//   0x70-0x7F  memory and object operations
//   0x80-0x8F  calls and closures
//   0x90-0x9F  string operations
//   0xA0-0xAF  exception handling
//   0xB0-0xDF  checks, casts, reflection
//   0xE0-0xFF  reserved

// Opcode is a single-byte VM instruction code.
type Opcode byte

const (
	// Control flow (0x00-0x0F)
	OpNop         Opcode = 0x00
	OpReturn      Opcode = 0x01 // no operands
	OpReturnValue Opcode = 0x02 // src(1)
	OpJmp         Opcode = 0x03 // label(4 LE)
	OpJmpIf       Opcode = 0x04 // cond(1) label(4 LE)
	OpJmpIfNot    Opcode = 0x05 // cond(1) label(4 LE)
	OpSwitch      Opcode = 0x06 // cond(1) defaultLabel(4 LE) table(2 LE)
	OpLoopStart   Opcode = 0x07 // current(1) end(1) step(1) exitLabel(4 LE)
	OpLoopInc     Opcode = 0x08 // current(1) step(1) startLabel(4 LE)
	OpTailCall    Opcode = 0x09 // func(4 LE) base(1) argc(1)
	OpYield       Opcode = 0x0A // no operands
	OpLabel       Opcode = 0x0B // label(4 LE), jump target marker

	// Registers and loads (0x10-0x1F)
	OpMov        Opcode = 0x10 // dst(1) src(1)
	OpLoadConst  Opcode = 0x11 // dst(1) constIdx(2 LE)
	OpLoadLocal  Opcode = 0x12 // dst(1) slot(2 LE)
	OpStoreLocal Opcode = 0x13 // src(1) slot(2 LE)
	OpLoadArg    Opcode = 0x14 // dst(1) argIdx(1)

	// I64 arithmetic (0x20-0x2F)
	OpI64Add   Opcode = 0x20
	OpI64Sub   Opcode = 0x21
	OpI64Mul   Opcode = 0x22
	OpI64Div   Opcode = 0x23
	OpI64Rem   Opcode = 0x24
	OpI64And   Opcode = 0x25
	OpI64Or    Opcode = 0x26
	OpI64Xor   Opcode = 0x27
	OpI64Shl   Opcode = 0x28
	OpI64Sar   Opcode = 0x29
	OpI64Shr   Opcode = 0x2A
	OpI64Neg   Opcode = 0x2B // dst(1) src(1)
	OpI64Const Opcode = 0x2E // dst(1) imm(8 LE)

	// I32 arithmetic (0x30-0x3F)
	OpI32Add   Opcode = 0x30
	OpI32Sub   Opcode = 0x31
	OpI32Mul   Opcode = 0x32
	OpI32Div   Opcode = 0x33
	OpI32Rem   Opcode = 0x34
	OpI32And   Opcode = 0x35
	OpI32Or    Opcode = 0x36
	OpI32Xor   Opcode = 0x37
	OpI32Shl   Opcode = 0x38
	OpI32Sar   Opcode = 0x39
	OpI32Shr   Opcode = 0x3A
	OpI32Neg   Opcode = 0x3B
	OpI32Const Opcode = 0x3E // dst(1) imm(4 LE)

	// F64 arithmetic (0x40-0x4F)
	OpF64Add   Opcode = 0x40
	OpF64Sub   Opcode = 0x41
	OpF64Mul   Opcode = 0x42
	OpF64Div   Opcode = 0x43
	OpF64Rem   Opcode = 0x44
	OpF64Sqrt  Opcode = 0x45 // dst(1) src(1)
	OpF64Neg   Opcode = 0x46 // dst(1) src(1)
	OpF64Const Opcode = 0x49 // dst(1) imm(8 LE, IEEE bits)

	// F32 arithmetic (0x50-0x5F)
	OpF32Add   Opcode = 0x50
	OpF32Sub   Opcode = 0x51
	OpF32Mul   Opcode = 0x52
	OpF32Div   Opcode = 0x53
	OpF32Rem   Opcode = 0x54
	OpF32Sqrt  Opcode = 0x55
	OpF32Neg   Opcode = 0x56
	OpF32Const Opcode = 0x59 // dst(1) imm(4 LE, IEEE bits)

	// Comparisons (0x60-0x6F), dst(1) lhs(1) rhs(1), dst gets 0 or 1
	OpI64Eq Opcode = 0x60
	OpI64Ne Opcode = 0x61
	OpI64Lt Opcode = 0x62
	OpI64Le Opcode = 0x63
	OpI64Gt Opcode = 0x64
	OpI64Ge Opcode = 0x65
	OpF64Eq Opcode = 0x66
	OpF64Ne Opcode = 0x67
	OpF64Lt Opcode = 0x68
	OpF64Le Opcode = 0x69
	OpF64Gt Opcode = 0x6A
	OpF64Ge Opcode = 0x6B

	// Memory and objects (0x70-0x7F)
	OpStackAlloc     Opcode = 0x70 // dst(1) size(2 LE), scalar slot marker
	OpHeapAlloc      Opcode = 0x71 // dst(1) kind(1) count(2 LE)
	OpDrop           Opcode = 0x72 // reg(1)
	OpGetField       Opcode = 0x73 // dst(1) obj(1) field(2 LE)
	OpSetField       Opcode = 0x75 // obj(1) field(2 LE) src(1)
	OpLoadElement    Opcode = 0x76 // dst(1) obj(1) idx(1)
	OpStoreElement   Opcode = 0x77 // obj(1) idx(1) src(1)
	OpNewListWithCap Opcode = 0x78 // dst(1) cap(2 LE)
	OpArcNew         Opcode = 0x79 // dst(1) src(1)
	OpArcClone       Opcode = 0x7A // dst(1) src(1)
	OpArcDrop        Opcode = 0x7B // src(1)

	// Calls and closures (0x80-0x8F)
	OpCallStatic  Opcode = 0x80 // dst(1) func(4 LE) base(1) argc(1)
	OpCallVirt    Opcode = 0x81 // dst(1) obj(1) vtable(2 LE) base(1) argc(1)
	OpCallDyn     Opcode = 0x82 // dst(1) obj(1) nameIdx(2 LE) base(1) argc(1)
	OpMakeClosure Opcode = 0x83 // dst(1) func(4 LE) envc(1) envRegs(1 each)
	OpLoadUpvalue Opcode = 0x84 // dst(1) idx(1)
	OpStoreUpval  Opcode = 0x85 // src(1) idx(1)
	OpCloseUpval  Opcode = 0x86 // reg(1)
	OpCallNative  Opcode = 0x87 // dst(1) symIdx(2 LE) base(1) argc(1)

	// Strings (0x90-0x9F)
	OpStrLen       Opcode = 0x90 // dst(1) src(1)
	OpStrConcat    Opcode = 0x91 // dst(1) a(1) b(1)
	OpStrEq        Opcode = 0x92 // dst(1) a(1) b(1)
	OpStrGetChar   Opcode = 0x93 // dst(1) src(1) idx(1)
	OpStrFromInt   Opcode = 0x94 // dst(1) src(1)
	OpStrFromFloat Opcode = 0x95 // dst(1) src(1)

	// Exceptions (0xA0-0xAF)
	OpTryBegin Opcode = 0xA0 // handlerLabel(4 LE) errReg(1)
	OpTryEnd   Opcode = 0xA1 // no operands
	OpThrow    Opcode = 0xA2 // src(1)
	OpRethrow  Opcode = 0xA3 // no operands

	// Checks and casts (0xB0-0xDF)
	OpBoundsCheck Opcode = 0xB0 // obj(1) idx(1)
	OpTypeCheck   Opcode = 0xC0 // dst(1) obj(1) typeID(2 LE)
	OpCast        Opcode = 0xC1 // dst(1) src(1) typeID(2 LE)
	OpTypeOf      Opcode = 0xD0 // dst(1) src(1)

	// Padding and fault injection.
	OpInvalid Opcode = 0xFF
)

// Heap allocation kinds carried by OpHeapAlloc.
const (
	AllocTuple  byte = 0
	AllocArray  byte = 1
	AllocList   byte = 2
	AllocDict   byte = 3
	AllocStruct byte = 4
)

var opcodeNames = map[Opcode]string{
	OpNop: "Nop", OpReturn: "Return", OpReturnValue: "ReturnValue",
	OpJmp: "Jmp", OpJmpIf: "JmpIf", OpJmpIfNot: "JmpIfNot",
	OpSwitch: "Switch", OpLoopStart: "LoopStart", OpLoopInc: "LoopInc",
	OpTailCall: "TailCall", OpYield: "Yield", OpLabel: "Label",
	OpMov: "Mov", OpLoadConst: "LoadConst", OpLoadLocal: "LoadLocal",
	OpStoreLocal: "StoreLocal", OpLoadArg: "LoadArg",
	OpI64Add: "I64Add", OpI64Sub: "I64Sub", OpI64Mul: "I64Mul",
	OpI64Div: "I64Div", OpI64Rem: "I64Rem", OpI64And: "I64And",
	OpI64Or: "I64Or", OpI64Xor: "I64Xor", OpI64Shl: "I64Shl",
	OpI64Sar: "I64Sar", OpI64Shr: "I64Shr", OpI64Neg: "I64Neg",
	OpI64Const: "I64Const",
	OpI32Add:   "I32Add", OpI32Sub: "I32Sub", OpI32Mul: "I32Mul",
	OpI32Div: "I32Div", OpI32Rem: "I32Rem", OpI32And: "I32And",
	OpI32Or: "I32Or", OpI32Xor: "I32Xor", OpI32Shl: "I32Shl",
	OpI32Sar: "I32Sar", OpI32Shr: "I32Shr", OpI32Neg: "I32Neg",
	OpI32Const: "I32Const",
	OpF64Add:   "F64Add", OpF64Sub: "F64Sub", OpF64Mul: "F64Mul",
	OpF64Div: "F64Div", OpF64Rem: "F64Rem", OpF64Sqrt: "F64Sqrt",
	OpF64Neg: "F64Neg", OpF64Const: "F64Const",
	OpF32Add: "F32Add", OpF32Sub: "F32Sub", OpF32Mul: "F32Mul",
	OpF32Div: "F32Div", OpF32Rem: "F32Rem", OpF32Sqrt: "F32Sqrt",
	OpF32Neg: "F32Neg", OpF32Const: "F32Const",
	OpI64Eq: "I64Eq", OpI64Ne: "I64Ne", OpI64Lt: "I64Lt",
	OpI64Le: "I64Le", OpI64Gt: "I64Gt", OpI64Ge: "I64Ge",
	OpF64Eq: "F64Eq", OpF64Ne: "F64Ne", OpF64Lt: "F64Lt",
	OpF64Le: "F64Le", OpF64Gt: "F64Gt", OpF64Ge: "F64Ge",
	OpStackAlloc: "StackAlloc", OpHeapAlloc: "HeapAlloc", OpDrop: "Drop",
	OpGetField: "GetField", OpSetField: "SetField",
	OpLoadElement: "LoadElement", OpStoreElement: "StoreElement",
	OpNewListWithCap: "NewListWithCap",
	OpArcNew:         "ArcNew", OpArcClone: "ArcClone", OpArcDrop: "ArcDrop",
	OpCallStatic: "CallStatic", OpCallVirt: "CallVirt", OpCallDyn: "CallDyn",
	OpMakeClosure: "MakeClosure", OpLoadUpvalue: "LoadUpvalue",
	OpStoreUpval: "StoreUpvalue", OpCloseUpval: "CloseUpvalue",
	OpCallNative: "CallNative",
	OpStrLen:     "StrLen", OpStrConcat: "StrConcat", OpStrEq: "StrEq",
	OpStrGetChar: "StrGetChar", OpStrFromInt: "StrFromInt",
	OpStrFromFloat: "StrFromFloat",
	OpTryBegin:     "TryBegin", OpTryEnd: "TryEnd", OpThrow: "Throw",
	OpRethrow: "Rethrow", OpBoundsCheck: "BoundsCheck",
	OpTypeCheck: "TypeCheck", OpCast: "Cast", OpTypeOf: "TypeOf",
	OpInvalid: "Invalid",
}

// String returns the mnemonic for the opcode.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02X)", byte(op))
}

// Valid reports whether the byte names a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

// operandSizes maps each fixed-width opcode to its operand byte count.
// OpMakeClosure is variable width and handled separately by OperandSize.
var operandSizes = map[Opcode]int{
	OpNop: 0, OpReturn: 0, OpReturnValue: 1,
	OpJmp: 4, OpJmpIf: 5, OpJmpIfNot: 5,
	OpSwitch: 7, OpLoopStart: 7, OpLoopInc: 6,
	OpTailCall: 6, OpYield: 0, OpLabel: 4,
	OpMov: 2, OpLoadConst: 3, OpLoadLocal: 3, OpStoreLocal: 3, OpLoadArg: 2,
	OpI64Add: 3, OpI64Sub: 3, OpI64Mul: 3, OpI64Div: 3, OpI64Rem: 3,
	OpI64And: 3, OpI64Or: 3, OpI64Xor: 3, OpI64Shl: 3, OpI64Sar: 3,
	OpI64Shr: 3, OpI64Neg: 2, OpI64Const: 9,
	OpI32Add: 3, OpI32Sub: 3, OpI32Mul: 3, OpI32Div: 3, OpI32Rem: 3,
	OpI32And: 3, OpI32Or: 3, OpI32Xor: 3, OpI32Shl: 3, OpI32Sar: 3,
	OpI32Shr: 3, OpI32Neg: 2, OpI32Const: 5,
	OpF64Add: 3, OpF64Sub: 3, OpF64Mul: 3, OpF64Div: 3, OpF64Rem: 3,
	OpF64Sqrt: 2, OpF64Neg: 2, OpF64Const: 9,
	OpF32Add: 3, OpF32Sub: 3, OpF32Mul: 3, OpF32Div: 3, OpF32Rem: 3,
	OpF32Sqrt: 2, OpF32Neg: 2, OpF32Const: 5,
	OpI64Eq: 3, OpI64Ne: 3, OpI64Lt: 3, OpI64Le: 3, OpI64Gt: 3, OpI64Ge: 3,
	OpF64Eq: 3, OpF64Ne: 3, OpF64Lt: 3, OpF64Le: 3, OpF64Gt: 3, OpF64Ge: 3,
	OpStackAlloc: 3, OpHeapAlloc: 4, OpDrop: 1,
	OpGetField: 4, OpSetField: 4,
	OpLoadElement: 3, OpStoreElement: 3, OpNewListWithCap: 3,
	OpArcNew: 2, OpArcClone: 2, OpArcDrop: 1,
	OpCallStatic: 7, OpCallVirt: 6, OpCallDyn: 6,
	OpLoadUpvalue: 2, OpStoreUpval: 2, OpCloseUpval: 1, OpCallNative: 5,
	OpStrLen: 2, OpStrConcat: 3, OpStrEq: 3, OpStrGetChar: 3,
	OpStrFromInt: 2, OpStrFromFloat: 2,
	OpTryBegin: 5, OpTryEnd: 0, OpThrow: 1, OpRethrow: 0,
	OpBoundsCheck: 2, OpTypeCheck: 4, OpCast: 4, OpTypeOf: 2,
	OpInvalid: 0,
}

// OperandSize returns the operand byte count of op given the bytes that
// follow the opcode. Only OpMakeClosure is variable width: its size depends
// on the upvalue count at rest[5].
func OperandSize(op Opcode, rest []byte) (int, error) {
	if op == OpMakeClosure {
		if len(rest) < 6 {
			return 0, fmt.Errorf("vm: truncated MakeClosure operands")
		}
		return 6 + int(rest[5]), nil
	}
	n, ok := operandSizes[op]
	if !ok {
		return 0, fmt.Errorf("vm: unknown opcode 0x%02X", byte(op))
	}
	return n, nil
}

// IsJump reports whether the opcode transfers control through a label.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJmp, OpJmpIf, OpJmpIfNot, OpSwitch, OpLoopStart, OpLoopInc:
		return true
	}
	return false
}

// IsCall reports whether the opcode pushes a new call frame.
func (op Opcode) IsCall() bool {
	switch op {
	case OpCallStatic, OpCallVirt, OpCallDyn, OpTailCall, OpCallNative:
		return true
	}
	return false
}
