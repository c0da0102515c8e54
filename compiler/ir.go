package compiler

import (
	"fmt"

	"github.com/yxlang/yx/vm"
)

// ---------------------------------------------------------------------------
// Linear IR
// ---------------------------------------------------------------------------
//
// Lowering flattens each function body into basic blocks of three-address
// instructions with names resolved to slots. The monomorphizer reads this
// form to observe concrete types at call sites; the code generator reads
// the slot assignments while walking the typed AST.

// OperandKind discriminates Operand.
type OperandKind int

const (
	OperLocal OperandKind = iota
	OperTemp
	OperArg
	OperGlobal
	OperConst
	OperLabel
)

// Operand is a value location: a slot index for the register-like kinds,
// an interned constant, or a block label.
type Operand struct {
	Kind  OperandKind
	Index int
	Const vm.Const
}

func LocalOp(idx int) Operand  { return Operand{Kind: OperLocal, Index: idx} }
func TempOp(idx int) Operand   { return Operand{Kind: OperTemp, Index: idx} }
func ArgOp(idx int) Operand    { return Operand{Kind: OperArg, Index: idx} }
func GlobalOp(idx int) Operand { return Operand{Kind: OperGlobal, Index: idx} }
func LabelOp(idx int) Operand  { return Operand{Kind: OperLabel, Index: idx} }

func ConstOp(c vm.Const) Operand { return Operand{Kind: OperConst, Const: c} }

func (o Operand) String() string {
	switch o.Kind {
	case OperLocal:
		return fmt.Sprintf("local%d", o.Index)
	case OperTemp:
		return fmt.Sprintf("t%d", o.Index)
	case OperArg:
		return fmt.Sprintf("arg%d", o.Index)
	case OperGlobal:
		return fmt.Sprintf("global%d", o.Index)
	case OperConst:
		return o.Const.String()
	case OperLabel:
		return fmt.Sprintf("L%d", o.Index)
	}
	return "?"
}

// IrOp is one lowered operation.
type IrOp int

const (
	IrConst IrOp = iota
	IrLoad
	IrStore
	IrBin
	IrUn
	IrCall
	IrCallNative
	IrAlloc
	IrIndexGet
	IrIndexSet
	IrFieldGet
	IrFieldSet
	IrCast
	IrRet
	IrJmp
	IrBr
)

// Instruction is one three-address operation. Only the fields relevant to
// the Op are populated.
type Instruction struct {
	Op   IrOp
	Dst  Operand
	Args []Operand

	BinOp BinOp
	UnOp  UnOp

	// Call fields. ArgTypes records the concrete types observed at the
	// call site, which is what the monomorphizer mines.
	Callee   string
	Symbol   string
	ArgTypes []MonoType

	Ty MonoType

	// Branch targets.
	Target int
	FalseL int
}

// BasicBlock is a straight-line run with its successors.
type BasicBlock struct {
	Label  int
	Instrs []Instruction
	Succs  []int
}

// LocalSlot is one declared local.
type LocalSlot struct {
	Name string
	Ty   MonoType
}

// FunctionIR is one lowered function. Body keeps the typed AST the code
// generator walks; Blocks is the flattened view the monomorphizer scans.
// A specialization shares the original Body and carries its concrete
// type-variable Bindings instead of a rewritten tree.
type FunctionIR struct {
	Name       string
	TypeParams []string
	ParamNames []string
	Params     []MonoType
	Ret        MonoType
	Locals     []LocalSlot
	Blocks     []*BasicBlock
	Entry      int
	Body       *Block
	Native     string
	Async      bool

	Bindings map[string]MonoType
}

// IsGeneric reports whether any parameter, return or local type still
// contains a type variable.
func (f *FunctionIR) IsGeneric() bool {
	for _, p := range f.Params {
		if p.Substitute(f.Bindings).ContainsTypeVar() {
			return true
		}
	}
	if f.Ret.Substitute(f.Bindings).ContainsTypeVar() {
		return true
	}
	for _, l := range f.Locals {
		if l.Ty.Substitute(f.Bindings).ContainsTypeVar() {
			return true
		}
	}
	return false
}

// ResolveType applies the function's type-variable bindings.
func (f *FunctionIR) ResolveType(t MonoType) MonoType {
	return t.Substitute(f.Bindings)
}

// LocalIndex returns the slot of a named local, or -1.
func (f *FunctionIR) LocalIndex(name string) int {
	for i, l := range f.Locals {
		if l.Name == name {
			return i
		}
	}
	return -1
}

// NativeBinding records a `Native("symbol")` function declaration.
type NativeBinding struct {
	FnName string
	Symbol string
}

// ModuleIR is the lowered compilation unit. Generics holds the generic
// originals the monomorphizer removed from Funcs; codegen consults their
// signatures to key call sites by type parameter.
type ModuleIR struct {
	Name    string
	Funcs   []*FunctionIR
	Natives []NativeBinding
	Globals []*Let

	Generics map[string]*FunctionIR
}

// FunctionByName returns the named function, or nil.
func (m *ModuleIR) FunctionByName(name string) *FunctionIR {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// NativeSymbol returns the FFI symbol a function name is bound to.
func (m *ModuleIR) NativeSymbol(fnName string) (string, bool) {
	for _, nb := range m.Natives {
		if nb.FnName == fnName {
			return nb.Symbol, true
		}
	}
	return "", false
}
