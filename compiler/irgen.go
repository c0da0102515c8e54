package compiler

import "fmt"

// ---------------------------------------------------------------------------
// AST to IR lowering
// ---------------------------------------------------------------------------

// StorageClass says where a symbol's value lives.
type StorageClass int

const (
	ClassLocal StorageClass = iota
	ClassArg
	ClassGlobal
)

// Symbol is one name binding in scope.
type Symbol struct {
	Name    string
	Ty      MonoType
	Class   StorageClass
	Slot    int
	Mutable bool
	Depth   int
}

// symbolTable is a stack of lexical scopes. Inner scopes shadow outer
// ones; resolution walks inner to outer.
type symbolTable struct {
	scopes []map[string]*Symbol
}

func newSymbolTable() *symbolTable {
	return &symbolTable{scopes: []map[string]*Symbol{{}}}
}

func (t *symbolTable) enterScope() {
	t.scopes = append(t.scopes, map[string]*Symbol{})
}

func (t *symbolTable) exitScope() {
	t.scopes = t.scopes[:len(t.scopes)-1]
}

func (t *symbolTable) declare(s *Symbol) {
	s.Depth = len(t.scopes) - 1
	t.scopes[s.Depth][s.Name] = s
}

func (t *symbolTable) resolve(name string) *Symbol {
	for i := len(t.scopes) - 1; i >= 0; i-- {
		if s, ok := t.scopes[i][name]; ok {
			return s
		}
	}
	return nil
}

// Lower converts a typed AST module into IR. Lowering errors for one
// function do not stop its siblings; all errors report together.
func Lower(astMod *Module) (*ModuleIR, []error) {
	mod := &ModuleIR{Name: astMod.Name, Globals: astMod.Globals}
	var errs []error

	globals := newSymbolTable()
	for i, g := range astMod.Globals {
		globals.declare(&Symbol{
			Name: g.Name, Ty: g.Ty, Class: ClassGlobal, Slot: i, Mutable: g.Mutable,
		})
	}

	for _, fn := range astMod.Funcs {
		if fn.Native != "" {
			mod.Natives = append(mod.Natives, NativeBinding{FnName: fn.Name, Symbol: fn.Native})
			mod.Funcs = append(mod.Funcs, &FunctionIR{
				Name:       fn.Name,
				TypeParams: fn.TypeParams,
				ParamNames: paramNames(fn.Params),
				Params:     paramTypes(fn.Params),
				Ret:        fn.Ret,
				Native:     fn.Native,
			})
			continue
		}
		ir, err := lowerFunction(fn, globals)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mod.Funcs = append(mod.Funcs, ir)
	}
	return mod, errs
}

func paramNames(params []Param) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

func paramTypes(params []Param) []MonoType {
	types := make([]MonoType, len(params))
	for i, p := range params {
		types[i] = p.Ty
	}
	return types
}

// lowerer flattens one function body.
type lowerer struct {
	fn        *FunctionIR
	table     *symbolTable
	cur       *BasicBlock
	nextTemp  int
	nextLabel int
}

func lowerFunction(decl *FnDecl, globals *symbolTable) (*FunctionIR, error) {
	fn := &FunctionIR{
		Name:       decl.Name,
		TypeParams: decl.TypeParams,
		ParamNames: paramNames(decl.Params),
		Params:     paramTypes(decl.Params),
		Ret:        decl.Ret,
		Body:       decl.Body,
		Async:      decl.Async,
	}
	lo := &lowerer{fn: fn, table: cloneTable(globals)}
	lo.table.enterScope()

	// Slots 0..len(params) belong to the arguments before any local.
	for i, p := range decl.Params {
		lo.table.declare(&Symbol{Name: p.Name, Ty: p.Ty, Class: ClassArg, Slot: i})
	}

	entry := lo.newBlock()
	lo.cur = entry
	fn.Entry = entry.Label
	if err := lo.lowerBlock(decl.Body); err != nil {
		return nil, err
	}
	lo.emit(Instruction{Op: IrRet})
	return fn, nil
}

// cloneTable shares the global scope and adds a fresh stack above it.
func cloneTable(globals *symbolTable) *symbolTable {
	return &symbolTable{scopes: []map[string]*Symbol{globals.scopes[0]}}
}

func (lo *lowerer) newBlock() *BasicBlock {
	b := &BasicBlock{Label: lo.nextLabel}
	lo.nextLabel++
	lo.fn.Blocks = append(lo.fn.Blocks, b)
	return b
}

func (lo *lowerer) emit(in Instruction) {
	lo.cur.Instrs = append(lo.cur.Instrs, in)
}

func (lo *lowerer) temp() Operand {
	t := TempOp(lo.nextTemp)
	lo.nextTemp++
	return t
}

// declareLocal reserves a slot for a named local.
func (lo *lowerer) declareLocal(name string, ty MonoType, mutable bool) *Symbol {
	slot := len(lo.fn.Locals)
	lo.fn.Locals = append(lo.fn.Locals, LocalSlot{Name: name, Ty: ty})
	s := &Symbol{Name: name, Ty: ty, Class: ClassLocal, Slot: slot, Mutable: mutable}
	lo.table.declare(s)
	return s
}

// resolveOrAdopt resolves a name, or falls back to treating the unknown
// name as its own fresh local slot. Strict callers re-check afterwards.
func (lo *lowerer) resolveOrAdopt(name string, ty MonoType) *Symbol {
	if s := lo.table.resolve(name); s != nil {
		return s
	}
	return lo.declareLocal(name, ty, true)
}

func symbolOperand(s *Symbol) Operand {
	switch s.Class {
	case ClassArg:
		return ArgOp(s.Slot)
	case ClassGlobal:
		return GlobalOp(s.Slot)
	}
	return LocalOp(s.Slot)
}

func (lo *lowerer) lowerBlock(b *Block) error {
	lo.table.enterScope()
	defer lo.table.exitScope()
	for _, st := range b.Stmts {
		if err := lo.lowerStmt(st); err != nil {
			return err
		}
	}
	return nil
}

func (lo *lowerer) lowerStmt(st Stmt) error {
	switch s := st.(type) {
	case *Let:
		v, err := lo.lowerExpr(s.Value)
		if err != nil {
			return err
		}
		sym := lo.declareLocal(s.Name, s.Ty, s.Mutable)
		lo.emit(Instruction{Op: IrStore, Dst: symbolOperand(sym), Args: []Operand{v}, Ty: s.Ty})

	case *Assign:
		return lo.lowerAssign(s)

	case *ExprStmt:
		_, err := lo.lowerExpr(s.E)
		return err

	case *Return:
		if s.Value == nil {
			lo.emit(Instruction{Op: IrRet})
			return nil
		}
		v, err := lo.lowerExpr(s.Value)
		if err != nil {
			return err
		}
		lo.emit(Instruction{Op: IrRet, Args: []Operand{v}})

	case *If:
		return lo.lowerIf(s)

	case *While:
		return lo.lowerWhile(s)

	case *For:
		return lo.lowerFor(s)

	case *Match:
		return lo.lowerMatch(s)

	case *Block:
		return lo.lowerBlock(s)

	case *Break, *Continue:
		// Loop exits are structural; codegen resolves them against the
		// active loop labels. Lowering just ends the straight-line run.
		lo.emit(Instruction{Op: IrJmp, Target: -1})

	default:
		return &IrGenError{Fn: lo.fn.Name, Detail: fmt.Sprintf("statement %T", st)}
	}
	return nil
}

func (lo *lowerer) lowerAssign(s *Assign) error {
	v, err := lo.lowerExpr(s.Value)
	if err != nil {
		return err
	}
	switch target := s.Target.(type) {
	case *VarRef:
		// Store to the existing slot, never a fresh temporary.
		sym := lo.resolveOrAdopt(target.Name, target.Ty)
		lo.emit(Instruction{Op: IrStore, Dst: symbolOperand(sym), Args: []Operand{v}, Ty: target.Ty})
	case *Index:
		obj, err := lo.lowerExpr(target.Obj)
		if err != nil {
			return err
		}
		idx, err := lo.lowerExpr(target.Idx)
		if err != nil {
			return err
		}
		lo.emit(Instruction{Op: IrIndexSet, Args: []Operand{obj, idx, v}})
	case *Field:
		obj, err := lo.lowerExpr(target.Obj)
		if err != nil {
			return err
		}
		lo.emit(Instruction{Op: IrFieldSet, Dst: obj, Target: target.Pos, Args: []Operand{v}})
	default:
		return &IrGenError{Fn: lo.fn.Name, Detail: fmt.Sprintf("assignment to %T", s.Target)}
	}
	return nil
}

func (lo *lowerer) lowerIf(s *If) error {
	cond, err := lo.lowerExpr(s.Cond)
	if err != nil {
		return err
	}
	thenB := lo.newBlock()
	elseB := lo.newBlock()
	joinB := lo.newBlock()
	lo.emit(Instruction{Op: IrBr, Args: []Operand{cond}, Target: thenB.Label, FalseL: elseB.Label})
	lo.cur.Succs = []int{thenB.Label, elseB.Label}

	lo.cur = thenB
	if err := lo.lowerBlock(s.Then); err != nil {
		return err
	}
	lo.emit(Instruction{Op: IrJmp, Target: joinB.Label})
	lo.cur.Succs = []int{joinB.Label}

	lo.cur = elseB
	for _, arm := range s.Elifs {
		c, err := lo.lowerExpr(arm.Cond)
		if err != nil {
			return err
		}
		armB := lo.newBlock()
		nextB := lo.newBlock()
		lo.emit(Instruction{Op: IrBr, Args: []Operand{c}, Target: armB.Label, FalseL: nextB.Label})
		lo.cur.Succs = []int{armB.Label, nextB.Label}
		lo.cur = armB
		if err := lo.lowerBlock(arm.Body); err != nil {
			return err
		}
		lo.emit(Instruction{Op: IrJmp, Target: joinB.Label})
		lo.cur.Succs = []int{joinB.Label}
		lo.cur = nextB
	}
	if s.Else != nil {
		if err := lo.lowerBlock(s.Else); err != nil {
			return err
		}
	}
	lo.emit(Instruction{Op: IrJmp, Target: joinB.Label})
	lo.cur.Succs = []int{joinB.Label}
	lo.cur = joinB
	return nil
}

func (lo *lowerer) lowerWhile(s *While) error {
	headB := lo.newBlock()
	bodyB := lo.newBlock()
	exitB := lo.newBlock()
	lo.emit(Instruction{Op: IrJmp, Target: headB.Label})
	lo.cur.Succs = []int{headB.Label}

	lo.cur = headB
	cond, err := lo.lowerExpr(s.Cond)
	if err != nil {
		return err
	}
	lo.emit(Instruction{Op: IrBr, Args: []Operand{cond}, Target: bodyB.Label, FalseL: exitB.Label})
	lo.cur.Succs = []int{bodyB.Label, exitB.Label}

	lo.cur = bodyB
	if err := lo.lowerBlock(s.Body); err != nil {
		return err
	}
	lo.emit(Instruction{Op: IrJmp, Target: headB.Label})
	lo.cur.Succs = []int{headB.Label}
	lo.cur = exitB
	return nil
}

func (lo *lowerer) lowerFor(s *For) error {
	iter, err := lo.lowerExpr(s.Iter)
	if err != nil {
		return err
	}
	lo.table.enterScope()
	defer lo.table.exitScope()
	sym := lo.declareLocal(s.Var, s.VarTy, true)

	headB := lo.newBlock()
	bodyB := lo.newBlock()
	exitB := lo.newBlock()
	lo.emit(Instruction{Op: IrJmp, Target: headB.Label})
	lo.cur.Succs = []int{headB.Label}

	lo.cur = headB
	next := lo.temp()
	lo.emit(Instruction{Op: IrCall, Dst: next, Callee: "next",
		Args: []Operand{iter}, ArgTypes: []MonoType{s.Iter.Type()}})
	lo.emit(Instruction{Op: IrStore, Dst: symbolOperand(sym), Args: []Operand{next}, Ty: s.VarTy})
	lo.emit(Instruction{Op: IrBr, Args: []Operand{next}, Target: bodyB.Label, FalseL: exitB.Label})
	lo.cur.Succs = []int{bodyB.Label, exitB.Label}

	lo.cur = bodyB
	if err := lo.lowerBlock(s.Body); err != nil {
		return err
	}
	lo.emit(Instruction{Op: IrJmp, Target: headB.Label})
	lo.cur.Succs = []int{headB.Label}
	lo.cur = exitB
	return nil
}

func (lo *lowerer) lowerMatch(s *Match) error {
	subject, err := lo.lowerExpr(s.Subject)
	if err != nil {
		return err
	}
	joinB := lo.newBlock()
	for _, arm := range s.Arms {
		armB := lo.newBlock()
		nextB := lo.newBlock()
		lo.emit(Instruction{Op: IrBr, Args: []Operand{subject}, Target: armB.Label, FalseL: nextB.Label})
		lo.cur.Succs = []int{armB.Label, nextB.Label}
		lo.cur = armB
		lo.table.enterScope()
		if bind, ok := arm.Pattern.(*BindPattern); ok {
			bsym := lo.declareLocal(bind.Name, bind.Ty, false)
			lo.emit(Instruction{Op: IrStore, Dst: symbolOperand(bsym), Args: []Operand{subject}, Ty: bind.Ty})
		}
		err := lo.lowerBlock(arm.Body)
		lo.table.exitScope()
		if err != nil {
			return err
		}
		lo.emit(Instruction{Op: IrJmp, Target: joinB.Label})
		lo.cur.Succs = []int{joinB.Label}
		lo.cur = nextB
	}
	lo.emit(Instruction{Op: IrJmp, Target: joinB.Label})
	lo.cur.Succs = []int{joinB.Label}
	lo.cur = joinB
	return nil
}

func (lo *lowerer) lowerExpr(e Expr) (Operand, error) {
	switch x := e.(type) {
	case *Literal:
		dst := lo.temp()
		lo.emit(Instruction{Op: IrConst, Dst: dst, Args: []Operand{ConstOp(x.Value)}, Ty: x.Ty})
		return dst, nil

	case *VarRef:
		sym := lo.resolveOrAdopt(x.Name, x.Ty)
		dst := lo.temp()
		lo.emit(Instruction{Op: IrLoad, Dst: dst, Args: []Operand{symbolOperand(sym)}, Ty: sym.Ty})
		return dst, nil

	case *Binary:
		l, err := lo.lowerExpr(x.Left)
		if err != nil {
			return Operand{}, err
		}
		r, err := lo.lowerExpr(x.Right)
		if err != nil {
			return Operand{}, err
		}
		dst := lo.temp()
		lo.emit(Instruction{Op: IrBin, Dst: dst, BinOp: x.Op, Args: []Operand{l, r}, Ty: x.Ty})
		return dst, nil

	case *Unary:
		v, err := lo.lowerExpr(x.Operand)
		if err != nil {
			return Operand{}, err
		}
		dst := lo.temp()
		lo.emit(Instruction{Op: IrUn, Dst: dst, UnOp: x.Op, Args: []Operand{v}, Ty: x.Ty})
		return dst, nil

	case *Call:
		args := make([]Operand, len(x.Args))
		argTypes := make([]MonoType, len(x.Args))
		for i, a := range x.Args {
			v, err := lo.lowerExpr(a)
			if err != nil {
				return Operand{}, err
			}
			args[i] = v
			argTypes[i] = a.Type()
		}
		dst := lo.temp()
		lo.emit(Instruction{Op: IrCall, Dst: dst, Callee: x.Callee, Args: args, ArgTypes: argTypes, Ty: x.Ty})
		return dst, nil

	case *MethodCall:
		recv, err := lo.lowerExpr(x.Recv)
		if err != nil {
			return Operand{}, err
		}
		args := []Operand{recv}
		argTypes := []MonoType{x.Recv.Type()}
		for _, a := range x.Args {
			v, err := lo.lowerExpr(a)
			if err != nil {
				return Operand{}, err
			}
			args = append(args, v)
			argTypes = append(argTypes, a.Type())
		}
		dst := lo.temp()
		lo.emit(Instruction{Op: IrCall, Dst: dst, Callee: x.Name, Args: args, ArgTypes: argTypes, Ty: x.Ty})
		return dst, nil

	case *Index:
		obj, err := lo.lowerExpr(x.Obj)
		if err != nil {
			return Operand{}, err
		}
		idx, err := lo.lowerExpr(x.Idx)
		if err != nil {
			return Operand{}, err
		}
		dst := lo.temp()
		lo.emit(Instruction{Op: IrIndexGet, Dst: dst, Args: []Operand{obj, idx}, Ty: x.Ty})
		return dst, nil

	case *Field:
		obj, err := lo.lowerExpr(x.Obj)
		if err != nil {
			return Operand{}, err
		}
		dst := lo.temp()
		lo.emit(Instruction{Op: IrFieldGet, Dst: dst, Target: x.Pos, Args: []Operand{obj}, Ty: x.Ty})
		return dst, nil

	case *TupleLit, *ListLit, *DictLit:
		dst := lo.temp()
		lo.emit(Instruction{Op: IrAlloc, Dst: dst, Ty: e.Type()})
		return dst, nil

	case *Cast:
		v, err := lo.lowerExpr(x.Value)
		if err != nil {
			return Operand{}, err
		}
		dst := lo.temp()
		lo.emit(Instruction{Op: IrCast, Dst: dst, Args: []Operand{v}, Ty: x.Ty})
		return dst, nil

	case *ClosureExpr:
		dst := lo.temp()
		lo.emit(Instruction{Op: IrAlloc, Dst: dst, Ty: x.Ty})
		return dst, nil
	}
	return Operand{}, &IrGenError{Fn: lo.fn.Name, Detail: fmt.Sprintf("expression %T", e)}
}
