package compiler

import "testing"

// badStmt is a node the lowerer has no case for.
type badStmt struct{}

func (*badStmt) stmtNode() {}

func fnBody(stmts ...Stmt) *Block { return &Block{Stmts: stmts} }

func instrsOf(fn *FunctionIR) []Instruction {
	var out []Instruction
	for _, b := range fn.Blocks {
		out = append(out, b.Instrs...)
	}
	return out
}

func TestLowerArgSlots(t *testing.T) {
	mod := &Module{Name: "m", Funcs: []*FnDecl{{
		Name: "add",
		Params: []Param{
			{Name: "a", Ty: Int64Type()},
			{Name: "b", Ty: Int64Type()},
		},
		Ret: Int64Type(),
		Body: fnBody(&Return{Value: &Binary{
			Op:    OpAdd,
			Left:  &VarRef{Name: "a", Ty: Int64Type()},
			Right: &VarRef{Name: "b", Ty: Int64Type()},
			Ty:    Int64Type(),
		}}),
	}}}
	ir, errs := Lower(mod)
	if len(errs) != 0 {
		t.Fatalf("lowering errors: %v", errs)
	}
	fn := ir.FunctionByName("add")
	if fn == nil {
		t.Fatal("add not lowered")
	}

	var argSlots []int
	for _, in := range instrsOf(fn) {
		if in.Op == IrLoad && in.Args[0].Kind == OperArg {
			argSlots = append(argSlots, in.Args[0].Index)
		}
	}
	if len(argSlots) != 2 || argSlots[0] != 0 || argSlots[1] != 1 {
		t.Errorf("argument loads from slots %v, want [0 1]", argSlots)
	}
	if len(fn.Locals) != 0 {
		t.Errorf("arguments consumed local slots: %v", fn.Locals)
	}
}

func TestLowerUnresolvedAdoptsLocalSlot(t *testing.T) {
	mod := &Module{Name: "m", Funcs: []*FnDecl{{
		Name: "f",
		Ret:  Int64Type(),
		Body: fnBody(&Return{Value: &VarRef{Name: "ghost", Ty: Int64Type()}}),
	}}}
	ir, errs := Lower(mod)
	if len(errs) != 0 {
		t.Fatalf("lowering errors: %v", errs)
	}
	fn := ir.FunctionByName("f")
	if got := fn.LocalIndex("ghost"); got != 0 {
		t.Errorf("unresolved name adopted slot %d, want 0", got)
	}
	for _, in := range instrsOf(fn) {
		if in.Op == IrLoad && in.Args[0].Kind != OperLocal {
			t.Errorf("unresolved load from %s, want a local slot", in.Args[0])
		}
	}
}

func TestLowerAssignReusesSlot(t *testing.T) {
	mod := &Module{Name: "m", Funcs: []*FnDecl{{
		Name: "f",
		Ret:  VoidType(),
		Body: fnBody(
			&Let{Name: "x", Ty: Int64Type(), Value: IntLit(1), Mutable: true},
			&Assign{Target: &VarRef{Name: "x", Ty: Int64Type()}, Value: IntLit(2)},
		),
	}}}
	ir, errs := Lower(mod)
	if len(errs) != 0 {
		t.Fatalf("lowering errors: %v", errs)
	}
	fn := ir.FunctionByName("f")
	if len(fn.Locals) != 1 {
		t.Fatalf("assignment grew locals to %d, want 1", len(fn.Locals))
	}
	var stores []Operand
	for _, in := range instrsOf(fn) {
		if in.Op == IrStore {
			stores = append(stores, in.Dst)
		}
	}
	if len(stores) != 2 {
		t.Fatalf("got %d stores, want 2", len(stores))
	}
	if stores[0].Kind != stores[1].Kind || stores[0].Index != stores[1].Index {
		t.Errorf("assignment targeted %s after declaration used %s", stores[1], stores[0])
	}
}

func TestLowerNativeBinding(t *testing.T) {
	mod := &Module{Name: "m", Funcs: []*FnDecl{{
		Name:   "puts",
		Params: []Param{{Name: "s", Ty: StringType()}},
		Ret:    VoidType(),
		Native: "sys_puts",
	}}}
	ir, errs := Lower(mod)
	if len(errs) != 0 {
		t.Fatalf("lowering errors: %v", errs)
	}
	sym, ok := ir.NativeSymbol("puts")
	if !ok || sym != "sys_puts" {
		t.Errorf("NativeSymbol = %q, %v", sym, ok)
	}
	fn := ir.FunctionByName("puts")
	if fn == nil || fn.Native != "sys_puts" {
		t.Error("native declaration missing its stub entry")
	}
	if len(fn.Blocks) != 0 {
		t.Error("native declaration lowered a body")
	}
}

func TestLowerReportsAllErrors(t *testing.T) {
	mod := &Module{Name: "m", Funcs: []*FnDecl{
		{Name: "bad1", Ret: VoidType(), Body: fnBody(&badStmt{})},
		{Name: "ok", Ret: VoidType(), Body: fnBody(&ExprStmt{E: IntLit(1)})},
		{Name: "bad2", Ret: VoidType(), Body: fnBody(&badStmt{})},
	}}
	ir, errs := Lower(mod)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	if ir.FunctionByName("ok") == nil {
		t.Error("failing siblings suppressed a good function")
	}
	if ir.FunctionByName("bad1") != nil {
		t.Error("failed function kept in output")
	}
}

func TestLowerCallRecordsArgTypes(t *testing.T) {
	mod := &Module{Name: "m", Funcs: []*FnDecl{{
		Name: "f",
		Ret:  VoidType(),
		Body: fnBody(&ExprStmt{E: &Call{
			Callee: "g",
			Args:   []Expr{IntLit(1), StrLit("s")},
			Ty:     VoidType(),
		}}),
	}}}
	ir, errs := Lower(mod)
	if len(errs) != 0 {
		t.Fatalf("lowering errors: %v", errs)
	}
	for _, in := range instrsOf(ir.FunctionByName("f")) {
		if in.Op != IrCall {
			continue
		}
		if in.Callee != "g" || len(in.ArgTypes) != 2 {
			t.Fatalf("call = %q with %d arg types", in.Callee, len(in.ArgTypes))
		}
		if !in.ArgTypes[0].Equal(Int64Type()) || !in.ArgTypes[1].Equal(StringType()) {
			t.Errorf("arg types = %s, %s", in.ArgTypes[0], in.ArgTypes[1])
		}
		return
	}
	t.Fatal("no call instruction lowered")
}

func TestLowerBlockScopeShadowing(t *testing.T) {
	mod := &Module{Name: "m", Funcs: []*FnDecl{{
		Name: "f",
		Ret:  VoidType(),
		Body: fnBody(
			&Let{Name: "x", Ty: Int64Type(), Value: IntLit(1)},
			&Block{Stmts: []Stmt{
				&Let{Name: "x", Ty: StringType(), Value: StrLit("inner")},
			}},
			&Assign{Target: &VarRef{Name: "x", Ty: Int64Type()}, Value: IntLit(2)},
		),
	}}}
	ir, errs := Lower(mod)
	if len(errs) != 0 {
		t.Fatalf("lowering errors: %v", errs)
	}
	fn := ir.FunctionByName("f")
	if len(fn.Locals) != 2 {
		t.Fatalf("got %d locals, want 2", len(fn.Locals))
	}
	// The trailing assignment must hit the outer slot, not the shadow.
	var lastStore Operand
	for _, in := range instrsOf(fn) {
		if in.Op == IrStore {
			lastStore = in.Dst
		}
	}
	if lastStore.Kind != OperLocal || lastStore.Index != 0 {
		t.Errorf("post-block assignment stored to %s, want local0", lastStore)
	}
}
