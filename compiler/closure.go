package compiler

import (
	"strconv"

	"github.com/yxlang/yx/vm"
)

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------
//
// Capture analysis walks the closure body collecting every free variable
// in first-reference order, deduplicated. Each captured binding must live
// in a local slot of the enclosing function; MakeClosure promotes those
// slots to shared cells so the closure observes later stores.

// freeVarWalker tracks lexical bindings while scanning for free names.
type freeVarWalker struct {
	bound []map[string]bool
	seen  map[string]bool
	out   []string
}

func collectFreeVars(params []Param, body *Block) []string {
	w := &freeVarWalker{
		bound: []map[string]bool{{}},
		seen:  make(map[string]bool),
	}
	for _, p := range params {
		w.bind(p.Name)
	}
	w.walkBlock(body)
	return w.out
}

func (w *freeVarWalker) push() { w.bound = append(w.bound, map[string]bool{}) }
func (w *freeVarWalker) pop()  { w.bound = w.bound[:len(w.bound)-1] }

func (w *freeVarWalker) bind(name string) {
	w.bound[len(w.bound)-1][name] = true
}

func (w *freeVarWalker) isBound(name string) bool {
	for i := len(w.bound) - 1; i >= 0; i-- {
		if w.bound[i][name] {
			return true
		}
	}
	return false
}

func (w *freeVarWalker) reference(name string) {
	if w.isBound(name) || w.seen[name] {
		return
	}
	w.seen[name] = true
	w.out = append(w.out, name)
}

func (w *freeVarWalker) walkBlock(b *Block) {
	w.push()
	for _, st := range b.Stmts {
		w.walkStmt(st)
	}
	w.pop()
}

func (w *freeVarWalker) walkStmt(st Stmt) {
	switch s := st.(type) {
	case *Let:
		w.walkExpr(s.Value)
		w.bind(s.Name)
	case *Assign:
		w.walkExpr(s.Value)
		w.walkExpr(s.Target)
	case *ExprStmt:
		w.walkExpr(s.E)
	case *Return:
		if s.Value != nil {
			w.walkExpr(s.Value)
		}
	case *If:
		w.walkExpr(s.Cond)
		w.walkBlock(s.Then)
		for _, arm := range s.Elifs {
			w.walkExpr(arm.Cond)
			w.walkBlock(arm.Body)
		}
		if s.Else != nil {
			w.walkBlock(s.Else)
		}
	case *While:
		w.walkExpr(s.Cond)
		w.walkBlock(s.Body)
	case *For:
		w.walkExpr(s.Iter)
		w.push()
		w.bind(s.Var)
		w.walkBlock(s.Body)
		w.pop()
	case *Match:
		w.walkExpr(s.Subject)
		for _, arm := range s.Arms {
			w.push()
			w.bindPattern(arm.Pattern)
			if arm.Guard != nil {
				w.walkExpr(arm.Guard)
			}
			w.walkBlock(arm.Body)
			w.pop()
		}
	case *Block:
		w.walkBlock(s)
	}
}

func (w *freeVarWalker) bindPattern(p Pattern) {
	switch pt := p.(type) {
	case *BindPattern:
		w.bind(pt.Name)
	case *TuplePattern:
		for _, e := range pt.Elems {
			w.bindPattern(e)
		}
	}
}

func (w *freeVarWalker) walkExpr(e Expr) {
	switch x := e.(type) {
	case *VarRef:
		w.reference(x.Name)
	case *Binary:
		w.walkExpr(x.Left)
		w.walkExpr(x.Right)
	case *Unary:
		w.walkExpr(x.Operand)
	case *Call:
		w.reference(x.Callee)
		for _, a := range x.Args {
			w.walkExpr(a)
		}
	case *MethodCall:
		w.walkExpr(x.Recv)
		for _, a := range x.Args {
			w.walkExpr(a)
		}
	case *Index:
		w.walkExpr(x.Obj)
		w.walkExpr(x.Idx)
	case *Field:
		w.walkExpr(x.Obj)
	case *TupleLit:
		for _, el := range x.Elems {
			w.walkExpr(el)
		}
	case *ListLit:
		for _, el := range x.Elems {
			w.walkExpr(el)
		}
	case *DictLit:
		for i := range x.Keys {
			w.walkExpr(x.Keys[i])
			w.walkExpr(x.Values[i])
		}
	case *Cast:
		w.walkExpr(x.Value)
	case *ClosureExpr:
		// A nested closure's own captures are free here too, minus its
		// parameters.
		for _, name := range collectFreeVars(x.Params, x.Body) {
			w.reference(name)
		}
	}
}

// genClosure compiles the closure body as a fresh module function and
// emits MakeClosure carrying the captured local slots.
func (g *fgen) genClosure(x *ClosureExpr) (byte, error) {
	var captured []string
	for _, name := range collectFreeVars(x.Params, x.Body) {
		if g.upvals != nil {
			if _, ok := g.upvals[name]; ok {
				captured = append(captured, name)
				continue
			}
		}
		sym := g.table.resolve(name)
		if sym == nil || sym.Class == ClassGlobal {
			// Module functions, natives and globals resolve inside the
			// closure body on their own.
			continue
		}
		captured = append(captured, name)
	}

	slots := make([]byte, 0, len(captured))
	upmap := make(map[string]int, len(captured))
	for i, name := range captured {
		slot, err := g.captureSlot(name)
		if err != nil {
			return 0, err
		}
		slots = append(slots, byte(slot))
		upmap[name] = i
	}

	innerName := g.name + "$" + strconv.Itoa(len(g.cg.out.Functions))
	vf := &vm.Function{
		Name:       innerName,
		ParamTypes: make([]uint32, len(x.Params)),
		ReturnType: g.resolveType(x.Ret).TypeID(),
	}
	for i, p := range x.Params {
		vf.ParamTypes[i] = g.resolveType(p.Ty).TypeID()
	}
	fnID := g.cg.out.AddFunction(vf)
	g.cg.funcIDs[innerName] = fnID

	inner := newFgen(g.cg, &FunctionIR{
		Name:       innerName,
		ParamNames: paramNames(x.Params),
		Params:     paramTypes(x.Params),
		Ret:        x.Ret,
		Body:       x.Body,
		Bindings:   g.bindings,
	})
	inner.upvals = upmap
	if err := inner.genFunction(); err != nil {
		return 0, err
	}

	dst, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	operands := append([]byte{dst}, u32bytes(fnID)...)
	operands = append(operands, byte(len(slots)))
	operands = append(operands, slots...)
	g.emit(vm.OpMakeClosure, operands...)
	return dst, nil
}

// captureSlot returns the enclosing local slot holding the named binding,
// copying arguments and re-captured upvalues into fresh slots first.
func (g *fgen) captureSlot(name string) (int, error) {
	if g.upvals != nil {
		if idx, ok := g.upvals[name]; ok {
			r, err := g.allocReg()
			if err != nil {
				return 0, err
			}
			g.emit(vm.OpLoadUpvalue, r, byte(idx))
			shadow := g.declareLocal(name, VoidType(), true)
			g.emitStoreLocal(r, shadow.Slot)
			return shadow.Slot, nil
		}
	}
	sym := g.table.resolve(name)
	if sym == nil {
		return 0, g.errf(ErrSymbolNotFound, "capture of %q", name)
	}
	if sym.Class == ClassArg {
		r, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(vm.OpLoadArg, r, byte(sym.Slot))
		shadow := g.declareLocal(name, sym.Ty, true)
		g.emitStoreLocal(r, shadow.Slot)
		return shadow.Slot, nil
	}
	return sym.Slot, nil
}
