package compiler

import "github.com/yxlang/yx/vm"

// ---------------------------------------------------------------------------
// Typed AST
// ---------------------------------------------------------------------------
//
// The front end hands the backend a fully typed tree: every expression
// carries the MonoType the checker resolved for it. The backend never
// re-infers, it only reads.

// BinOp is a binary operator.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpRem
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShr
)

// UnOp is a unary operator.
type UnOp int

const (
	OpNeg UnOp = iota
	OpNot
)

// Expr is any typed expression node.
type Expr interface {
	Type() MonoType
	exprNode()
}

// Literal is a compile-time constant.
type Literal struct {
	Value vm.Const
	Ty    MonoType
}

// VarRef references a named binding.
type VarRef struct {
	Name string
	Ty   MonoType
}

// Binary applies a binary operator.
type Binary struct {
	Op          BinOp
	Left, Right Expr
	Ty          MonoType
}

// Unary applies a unary operator.
type Unary struct {
	Op      UnOp
	Operand Expr
	Ty      MonoType
}

// Call invokes a named function.
type Call struct {
	Callee string
	Args   []Expr
	Ty     MonoType
}

// MethodCall invokes a method on a receiver, dispatched at runtime.
type MethodCall struct {
	Recv Expr
	Name string
	Args []Expr
	Ty   MonoType
}

// Index reads obj[idx].
type Index struct {
	Obj, Idx Expr
	Ty       MonoType
}

// Field reads a struct or tuple member by position. Name is kept for
// diagnostics; the checker resolves it to Pos.
type Field struct {
	Obj  Expr
	Name string
	Pos  int
	Ty   MonoType
}

// TupleLit builds a tuple.
type TupleLit struct {
	Elems []Expr
	Ty    MonoType
}

// ListLit builds a list.
type ListLit struct {
	Elems []Expr
	Ty    MonoType
}

// DictLit builds a dict from parallel key and value lists.
type DictLit struct {
	Keys, Values []Expr
	Ty           MonoType
}

// Cast converts a value to the annotated type.
type Cast struct {
	Value Expr
	Ty    MonoType
}

// ClosureExpr is an anonymous function with captured environment.
type ClosureExpr struct {
	Params []Param
	Ret    MonoType
	Body   *Block
	Ty     MonoType
}

func (e *Literal) Type() MonoType     { return e.Ty }
func (e *VarRef) Type() MonoType      { return e.Ty }
func (e *Binary) Type() MonoType      { return e.Ty }
func (e *Unary) Type() MonoType       { return e.Ty }
func (e *Call) Type() MonoType        { return e.Ty }
func (e *MethodCall) Type() MonoType  { return e.Ty }
func (e *Index) Type() MonoType       { return e.Ty }
func (e *Field) Type() MonoType       { return e.Ty }
func (e *TupleLit) Type() MonoType    { return e.Ty }
func (e *ListLit) Type() MonoType     { return e.Ty }
func (e *DictLit) Type() MonoType     { return e.Ty }
func (e *Cast) Type() MonoType        { return e.Ty }
func (e *ClosureExpr) Type() MonoType { return e.Ty }

func (*Literal) exprNode()     {}
func (*VarRef) exprNode()      {}
func (*Binary) exprNode()      {}
func (*Unary) exprNode()       {}
func (*Call) exprNode()        {}
func (*MethodCall) exprNode()  {}
func (*Index) exprNode()       {}
func (*Field) exprNode()       {}
func (*TupleLit) exprNode()    {}
func (*ListLit) exprNode()     {}
func (*DictLit) exprNode()     {}
func (*Cast) exprNode()        {}
func (*ClosureExpr) exprNode() {}

// Stmt is any statement node.
type Stmt interface{ stmtNode() }

// Block is a brace-delimited statement sequence with its own scope.
type Block struct {
	Stmts []Stmt
}

// Let declares a binding.
type Let struct {
	Name    string
	Ty      MonoType
	Value   Expr
	Mutable bool
}

// Assign stores into an existing lvalue.
type Assign struct {
	Target Expr
	Value  Expr
}

// ExprStmt evaluates an expression for effect.
type ExprStmt struct {
	E Expr
}

// ElifArm is one `elif` branch.
type ElifArm struct {
	Cond Expr
	Body *Block
}

// If is a conditional with optional elif chain and else.
type If struct {
	Cond  Expr
	Then  *Block
	Elifs []ElifArm
	Else  *Block
}

// While loops until the condition is false.
type While struct {
	Cond Expr
	Body *Block
}

// For iterates a variable over an iterable expression.
type For struct {
	Var   string
	VarTy MonoType
	Iter  Expr
	Body  *Block
}

// Match dispatches on the subject against ordered arms.
type Match struct {
	Subject Expr
	Arms    []MatchArm
}

// MatchArm pairs a pattern (with optional guard) and its body.
type MatchArm struct {
	Pattern Pattern
	Guard   Expr
	Body    *Block
}

// Return exits the enclosing function; a nil Value returns unit.
type Return struct {
	Value Expr
}

// Break exits the innermost loop.
type Break struct{}

// Continue re-enters the innermost loop.
type Continue struct{}

func (*Block) stmtNode()    {}
func (*Let) stmtNode()      {}
func (*Assign) stmtNode()   {}
func (*ExprStmt) stmtNode() {}
func (*If) stmtNode()       {}
func (*While) stmtNode()    {}
func (*For) stmtNode()      {}
func (*Match) stmtNode()    {}
func (*Return) stmtNode()   {}
func (*Break) stmtNode()    {}
func (*Continue) stmtNode() {}

// Pattern is a match arm pattern.
type Pattern interface{ patternNode() }

// LitPattern matches a literal value.
type LitPattern struct {
	Value vm.Const
}

// WildcardPattern matches anything without binding.
type WildcardPattern struct{}

// BindPattern matches anything and binds the subject to a name.
type BindPattern struct {
	Name string
	Ty   MonoType
}

// TuplePattern destructures a tuple element-wise.
type TuplePattern struct {
	Elems []Pattern
}

func (*LitPattern) patternNode()      {}
func (*WildcardPattern) patternNode() {}
func (*BindPattern) patternNode()     {}
func (*TuplePattern) patternNode()    {}

// Param is one function parameter.
type Param struct {
	Name string
	Ty   MonoType
}

// FnDecl is a function definition. A non-empty Native skips body
// compilation and binds the name to an FFI symbol instead. TypeParams
// lists the generic type-variable names, empty for concrete functions.
type FnDecl struct {
	Name       string
	TypeParams []string
	Params     []Param
	Ret        MonoType
	Body       *Block
	Native     string
	Async      bool
}

// Module is one compilation unit.
type Module struct {
	Name    string
	Funcs   []*FnDecl
	Globals []*Let
}

// IntLit is shorthand for an Int64 literal expression.
func IntLit(n int64) *Literal {
	return &Literal{Value: vm.IntConst(n), Ty: Int64Type()}
}

// FloatLit is shorthand for a Float64 literal expression.
func FloatLit(f float64) *Literal {
	return &Literal{Value: vm.FloatConst(f), Ty: Float64Type()}
}

// BoolLit is shorthand for a Bool literal expression.
func BoolLit(b bool) *Literal {
	return &Literal{Value: vm.BoolConst(b), Ty: BoolType()}
}

// StrLit is shorthand for a String literal expression.
func StrLit(s string) *Literal {
	return &Literal{Value: vm.StringConst(s), Ty: StringType()}
}
