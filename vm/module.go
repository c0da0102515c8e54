package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// ConstKind tags a constant pool entry. The values double as the
// serialization tag bytes and must not be reordered.
type ConstKind uint8

const (
	ConstVoid   ConstKind = 0
	ConstBool   ConstKind = 1
	ConstInt    ConstKind = 2
	ConstFloat  ConstKind = 3
	ConstChar   ConstKind = 4
	ConstString ConstKind = 5
	ConstBytes  ConstKind = 6
)

// Const is a compile-time literal interned into the module constant pool.
type Const struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Float float64
	Char  rune
	Str   string
	Bytes []byte
}

// IntConst builds an integer constant.
func IntConst(n int64) Const { return Const{Kind: ConstInt, Int: n} }

// FloatConst builds a float constant.
func FloatConst(f float64) Const { return Const{Kind: ConstFloat, Float: f} }

// BoolConst builds a boolean constant.
func BoolConst(b bool) Const { return Const{Kind: ConstBool, Bool: b} }

// StringConst builds a string constant.
func StringConst(s string) Const { return Const{Kind: ConstString, Str: s} }

// CharConst builds a character constant.
func CharConst(c rune) Const { return Const{Kind: ConstChar, Char: c} }

// key is the interning key. Floats key by bit pattern so 0.0 and -0.0
// intern separately and NaN is stable.
func (c Const) key() string {
	switch c.Kind {
	case ConstVoid:
		return "v"
	case ConstBool:
		if c.Bool {
			return "b1"
		}
		return "b0"
	case ConstInt:
		return "i" + strconv.FormatInt(c.Int, 10)
	case ConstFloat:
		return "f" + strconv.FormatUint(floatBits(c.Float), 16)
	case ConstChar:
		return "c" + strconv.FormatInt(int64(c.Char), 10)
	case ConstString:
		return "s" + c.Str
	case ConstBytes:
		return "y" + string(c.Bytes)
	}
	return "?"
}

// Value converts the constant into its runtime representation.
func (c Const) Value() Value {
	switch c.Kind {
	case ConstBool:
		return NewBool(c.Bool)
	case ConstInt:
		return NewInt(c.Int)
	case ConstFloat:
		return NewFloat(c.Float)
	case ConstChar:
		return NewChar(c.Char)
	case ConstString:
		return NewString(c.Str)
	case ConstBytes:
		return NewBytes(c.Bytes)
	}
	return Unit()
}

// Equal compares constants; floats compare by bit pattern.
func (c Const) Equal(o Const) bool { return c.key() == o.key() }

func (c Const) String() string {
	switch c.Kind {
	case ConstVoid:
		return "void"
	case ConstBool:
		return strconv.FormatBool(c.Bool)
	case ConstInt:
		return strconv.FormatInt(c.Int, 10)
	case ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case ConstChar:
		return strconv.QuoteRune(c.Char)
	case ConstString:
		return strconv.Quote(c.Str)
	case ConstBytes:
		return fmt.Sprintf("bytes[%d]", len(c.Bytes))
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Instructions and functions
// ---------------------------------------------------------------------------

// Instruction is one opcode plus its raw operand bytes, exactly as they
// appear in the serialized stream.
type Instruction struct {
	Op       Opcode
	Operands []byte
}

// NewInstr builds an instruction from operand bytes.
func NewInstr(op Opcode, operands ...byte) Instruction {
	return Instruction{Op: op, Operands: operands}
}

// EncodedSize is the byte length of the instruction on the wire.
func (in Instruction) EncodedSize() int { return 1 + len(in.Operands) }

func (in Instruction) String() string {
	return fmt.Sprintf("%s %v", in.Op, in.Operands)
}

// Function is one compiled function in a module.
type Function struct {
	Name       string
	ParamTypes []uint32
	ReturnType uint32
	LocalCount int
	Instrs     []Instruction

	labels map[uint32]int
}

// Labels returns the label id to instruction index map, building it on
// first use. OpLabel markers stay in the stream and execute as no-ops.
func (f *Function) Labels() map[uint32]int {
	if f.labels == nil {
		f.labels = make(map[uint32]int)
		for i, in := range f.Instrs {
			if in.Op == OpLabel && len(in.Operands) >= 4 {
				f.labels[leU32(in.Operands)] = i
			}
		}
	}
	return f.labels
}

// RegisterCount scans the instruction stream for the highest register
// operand and returns a window size that covers it.
func (f *Function) RegisterCount() int {
	max := len(f.ParamTypes)
	for _, in := range f.Instrs {
		for _, idx := range registerOperandOffsets(in) {
			if idx < len(in.Operands) && int(in.Operands[idx])+1 > max {
				max = int(in.Operands[idx]) + 1
			}
		}
	}
	return max
}

// registerOperandOffsets lists the operand byte offsets that hold register
// indices for the instruction. Non-register operands (labels, immediates,
// pool indices) are excluded so a large constant is never mistaken for a
// register.
func registerOperandOffsets(in Instruction) []int {
	switch in.Op {
	case OpReturnValue, OpDrop, OpThrow, OpCloseUpval, OpArcDrop:
		return []int{0}
	case OpJmpIf, OpJmpIfNot:
		return []int{0}
	case OpSwitch:
		return []int{0}
	case OpLoopStart:
		return []int{0, 1, 2}
	case OpLoopInc:
		return []int{0, 1}
	case OpMov, OpI64Neg, OpI32Neg, OpF64Neg, OpF32Neg, OpF64Sqrt, OpF32Sqrt,
		OpArcNew, OpArcClone, OpStrLen, OpStrFromInt, OpStrFromFloat,
		OpTypeOf, OpLoadUpvalue, OpStoreUpval, OpLoadArg, OpBoundsCheck:
		return []int{0, 1}
	case OpLoadConst, OpLoadLocal, OpStoreLocal, OpStackAlloc, OpHeapAlloc,
		OpNewListWithCap, OpI64Const, OpI32Const, OpF64Const, OpF32Const:
		return []int{0}
	case OpGetField, OpTypeCheck, OpCast:
		return []int{0, 1}
	case OpSetField:
		return []int{0, 3}
	case OpLoadElement, OpStoreElement, OpStrConcat, OpStrEq, OpStrGetChar:
		return []int{0, 1, 2}
	case OpCallStatic:
		return []int{0, 5}
	case OpCallVirt, OpCallDyn:
		return []int{0, 1, 4}
	case OpCallNative:
		return []int{0, 3}
	case OpTailCall:
		return []int{4}
	case OpMakeClosure:
		// The env operands are local slot indices, not registers.
		return []int{0}
	case OpTryBegin:
		return []int{4}
	}
	if n, ok := operandSizes[in.Op]; ok && n == 3 {
		// Three-register arithmetic and comparisons.
		return []int{0, 1, 2}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Jump tables and globals
// ---------------------------------------------------------------------------

// JumpTable maps dense integer case values to label ids for one Switch
// instruction.
type JumpTable struct {
	ID    uint16
	Cases map[int64]uint32
}

// NewJumpTable creates an empty table.
func NewJumpTable(id uint16) *JumpTable {
	return &JumpTable{ID: id, Cases: make(map[int64]uint32)}
}

// Add registers a case value's target label.
func (t *JumpTable) Add(value int64, label uint32) { t.Cases[value] = label }

// Lookup returns the label for value.
func (t *JumpTable) Lookup(value int64) (uint32, bool) {
	label, ok := t.Cases[value]
	return label, ok
}

// GlobalInfo describes one module global.
type GlobalInfo struct {
	Name   string
	TypeID uint32
}

// ---------------------------------------------------------------------------
// Module
// ---------------------------------------------------------------------------

// Current serialized module version.
const ModuleVersion uint32 = 2

// Module is the serializable compilation artifact: constant pool, type
// table, function table, globals, jump tables. It is immutable once
// execution starts.
type Module struct {
	Version    uint32
	Flags      uint32
	EntryPoint uint32

	TypeTable  []uint32
	Consts     []Const
	Functions  []*Function
	Globals    []GlobalInfo
	JumpTables []*JumpTable

	constIndex map[string]uint16
	funcIndex  map[string]uint32
	typeIndex  map[uint32]int
}

// NewModule creates an empty module at the current version.
func NewModule() *Module {
	return &Module{
		Version:    ModuleVersion,
		constIndex: make(map[string]uint16),
		funcIndex:  make(map[string]uint32),
		typeIndex:  make(map[uint32]int),
	}
}

// AddConst interns a constant and returns its pool index.
func (m *Module) AddConst(c Const) uint16 {
	if m.constIndex == nil {
		m.reindex()
	}
	if idx, ok := m.constIndex[c.key()]; ok {
		return idx
	}
	idx := uint16(len(m.Consts))
	m.Consts = append(m.Consts, c)
	m.constIndex[c.key()] = idx
	return idx
}

// AddType interns a type id into the type table.
func (m *Module) AddType(typeID uint32) {
	if m.typeIndex == nil {
		m.reindex()
	}
	if _, ok := m.typeIndex[typeID]; ok {
		return
	}
	m.typeIndex[typeID] = len(m.TypeTable)
	m.TypeTable = append(m.TypeTable, typeID)
}

// AddFunction appends a function and returns its id.
func (m *Module) AddFunction(f *Function) uint32 {
	if m.funcIndex == nil {
		m.reindex()
	}
	id := uint32(len(m.Functions))
	m.Functions = append(m.Functions, f)
	m.funcIndex[f.Name] = id
	return id
}

// FunctionID resolves a function name to its id.
func (m *Module) FunctionID(name string) (uint32, bool) {
	if m.funcIndex == nil {
		m.reindex()
	}
	id, ok := m.funcIndex[name]
	return id, ok
}

// FunctionByName returns the named function, or nil.
func (m *Module) FunctionByName(name string) *Function {
	id, ok := m.FunctionID(name)
	if !ok {
		return nil
	}
	return m.Functions[id]
}

// JumpTableByID returns the table with the given id, or nil.
func (m *Module) JumpTableByID(id uint16) *JumpTable {
	for _, t := range m.JumpTables {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// reindex rebuilds the lookup maps, used after deserialization.
func (m *Module) reindex() {
	m.constIndex = make(map[string]uint16, len(m.Consts))
	for i, c := range m.Consts {
		m.constIndex[c.key()] = uint16(i)
	}
	m.funcIndex = make(map[string]uint32, len(m.Functions))
	for i, f := range m.Functions {
		m.funcIndex[f.Name] = uint32(i)
	}
	m.typeIndex = make(map[uint32]int, len(m.TypeTable))
	for i, id := range m.TypeTable {
		m.typeIndex[id] = i
	}
}
