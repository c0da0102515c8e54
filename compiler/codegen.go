package compiler

import (
	"fmt"

	"github.com/yxlang/yx/vm"
)

// ---------------------------------------------------------------------------
// Code generation
// ---------------------------------------------------------------------------
//
// The generator walks each function's typed AST against a monotonically
// growing virtual register file and emits typed register bytecode into a
// vm.Module. Registers are never reused or colored; a function that needs
// more than 255 registers fails to compile.

// Compile runs the full pipeline: lowering, monomorphization, codegen.
func Compile(astMod *Module) (*vm.Module, []error) {
	ir, errs := Lower(astMod)
	if len(errs) > 0 {
		return nil, errs
	}
	return Generate(Monomorphize(ir))
}

// Codegen holds module-wide generation state.
type Codegen struct {
	ir           *ModuleIR
	out          *vm.Module
	funcIDs      map[string]uint32
	globalConsts map[string]vm.Const
	errs         []error
}

// Generate emits bytecode for a lowered, monomorphized module. Errors in
// one function do not stop its siblings; all errors report together.
func Generate(mod *ModuleIR) (*vm.Module, []error) {
	cg := &Codegen{
		ir:           mod,
		out:          vm.NewModule(),
		funcIDs:      make(map[string]uint32),
		globalConsts: make(map[string]vm.Const),
	}

	for _, g := range mod.Globals {
		cg.out.Globals = append(cg.out.Globals, vm.GlobalInfo{Name: g.Name, TypeID: g.Ty.TypeID()})
		if lit, ok := g.Value.(*Literal); ok {
			cg.globalConsts[g.Name] = lit.Value
		}
	}

	// Register every function id up front so forward calls encode
	// directly; bodies fill in afterwards.
	var bodies []*FunctionIR
	for _, f := range mod.Funcs {
		if f.Native != "" {
			continue
		}
		vf := &vm.Function{
			Name:       f.Name,
			ParamTypes: make([]uint32, len(f.Params)),
			ReturnType: f.ResolveType(f.Ret).TypeID(),
			LocalCount: len(f.Locals),
		}
		for i, p := range f.Params {
			id := f.ResolveType(p).TypeID()
			vf.ParamTypes[i] = id
			cg.out.AddType(id)
		}
		cg.out.AddType(vf.ReturnType)
		cg.funcIDs[f.Name] = cg.out.AddFunction(vf)
		bodies = append(bodies, f)
	}

	for _, f := range bodies {
		fg := newFgen(cg, f)
		if err := fg.genFunction(); err != nil {
			cg.errs = append(cg.errs, err)
			continue
		}
	}

	if id, ok := cg.funcIDs["main"]; ok {
		cg.out.EntryPoint = id
	}
	return cg.out, cg.errs
}

type loopFrame struct {
	continueL uint32
	breakL    uint32
}

// fgen generates one function body.
type fgen struct {
	cg       *Codegen
	ir       *FunctionIR
	fn       *vm.Function
	name     string
	bindings map[string]MonoType

	table     *symbolTable
	nextLocal int
	nextReg   int
	nextLabel uint32
	loops     []loopFrame

	// upvals maps captured names to upvalue indices inside closure
	// bodies; nil for top-level functions.
	upvals map[string]int
}

func newFgen(cg *Codegen, f *FunctionIR) *fgen {
	table := newSymbolTable()
	for i, gl := range cg.ir.Globals {
		table.declare(&Symbol{Name: gl.Name, Ty: gl.Ty, Class: ClassGlobal, Slot: i, Mutable: gl.Mutable})
	}
	return &fgen{
		cg:       cg,
		ir:       f,
		fn:       cg.out.Functions[cg.funcIDs[f.Name]],
		name:     f.Name,
		bindings: f.Bindings,
		table:    table,
	}
}

func (g *fgen) resolveType(t MonoType) MonoType { return t.Substitute(g.bindings) }

func (g *fgen) errf(kind CodegenErrorKind, format string, args ...any) error {
	return &CodegenError{Kind: kind, Fn: g.name, Detail: fmt.Sprintf(format, args...)}
}

func (g *fgen) genFunction() error {
	g.table.enterScope()
	for i, name := range g.ir.ParamNames {
		g.table.declare(&Symbol{Name: name, Ty: g.ir.Params[i], Class: ClassArg, Slot: i, Mutable: true})
	}
	if err := g.shadowWrittenParams(); err != nil {
		return err
	}
	if err := g.genBlock(g.ir.Body); err != nil {
		return err
	}
	g.emit(vm.OpReturn)
	if g.nextLocal > g.fn.LocalCount {
		g.fn.LocalCount = g.nextLocal
	}
	return nil
}

// shadowWrittenParams copies every parameter the body writes into a
// function-scoped local, since there is no argument store opcode. The
// local is declared at function scope so a write inside a nested block
// stays visible after the block exits, and both reads and writes resolve
// to the same slot everywhere in the body.
func (g *fgen) shadowWrittenParams() error {
	written := assignedNames(g.ir.Body)
	for i, name := range g.ir.ParamNames {
		if !written[name] {
			continue
		}
		r, err := g.allocReg()
		if err != nil {
			return err
		}
		g.emit(vm.OpLoadArg, r, byte(i))
		sym := g.declareLocal(name, g.ir.Params[i], true)
		g.emitStoreLocal(r, sym.Slot)
	}
	return nil
}

// assignedNames collects every name that is the target of a plain variable
// assignment anywhere under the block, including closure bodies.
func assignedNames(b *Block) map[string]bool {
	names := make(map[string]bool)
	collectAssigned(b, names)
	return names
}

func collectAssigned(b *Block, names map[string]bool) {
	if b == nil {
		return
	}
	for _, st := range b.Stmts {
		collectAssignedStmt(st, names)
	}
}

func collectAssignedStmt(st Stmt, names map[string]bool) {
	switch s := st.(type) {
	case *Let:
		collectAssignedExpr(s.Value, names)
	case *Assign:
		if v, ok := s.Target.(*VarRef); ok {
			names[v.Name] = true
		} else {
			collectAssignedExpr(s.Target, names)
		}
		collectAssignedExpr(s.Value, names)
	case *ExprStmt:
		collectAssignedExpr(s.E, names)
	case *Return:
		if s.Value != nil {
			collectAssignedExpr(s.Value, names)
		}
	case *If:
		collectAssignedExpr(s.Cond, names)
		collectAssigned(s.Then, names)
		for _, arm := range s.Elifs {
			collectAssignedExpr(arm.Cond, names)
			collectAssigned(arm.Body, names)
		}
		collectAssigned(s.Else, names)
	case *While:
		collectAssignedExpr(s.Cond, names)
		collectAssigned(s.Body, names)
	case *For:
		collectAssignedExpr(s.Iter, names)
		collectAssigned(s.Body, names)
	case *Match:
		collectAssignedExpr(s.Subject, names)
		for _, arm := range s.Arms {
			if arm.Guard != nil {
				collectAssignedExpr(arm.Guard, names)
			}
			collectAssigned(arm.Body, names)
		}
	case *Block:
		collectAssigned(s, names)
	}
}

func collectAssignedExpr(e Expr, names map[string]bool) {
	switch x := e.(type) {
	case *Binary:
		collectAssignedExpr(x.Left, names)
		collectAssignedExpr(x.Right, names)
	case *Unary:
		collectAssignedExpr(x.Operand, names)
	case *Call:
		for _, a := range x.Args {
			collectAssignedExpr(a, names)
		}
	case *MethodCall:
		collectAssignedExpr(x.Recv, names)
		for _, a := range x.Args {
			collectAssignedExpr(a, names)
		}
	case *Index:
		collectAssignedExpr(x.Obj, names)
		collectAssignedExpr(x.Idx, names)
	case *Field:
		collectAssignedExpr(x.Obj, names)
	case *TupleLit:
		for _, el := range x.Elems {
			collectAssignedExpr(el, names)
		}
	case *ListLit:
		for _, el := range x.Elems {
			collectAssignedExpr(el, names)
		}
	case *DictLit:
		for i := range x.Keys {
			collectAssignedExpr(x.Keys[i], names)
			collectAssignedExpr(x.Values[i], names)
		}
	case *Cast:
		collectAssignedExpr(x.Value, names)
	case *ClosureExpr:
		collectAssigned(x.Body, names)
	}
}

// --- emission helpers ---

func (g *fgen) emit(op vm.Opcode, operands ...byte) {
	g.fn.Instrs = append(g.fn.Instrs, vm.NewInstr(op, operands...))
}

func (g *fgen) allocReg() (byte, error) {
	if g.nextReg > 255 {
		return 0, g.errf(ErrRegisterPressure, "function needs more than 256 registers")
	}
	r := byte(g.nextReg)
	g.nextReg++
	return r, nil
}

// allocRegs reserves a contiguous argument window.
func (g *fgen) allocRegs(n int) (byte, error) {
	if g.nextReg+n > 256 {
		return 0, g.errf(ErrRegisterPressure, "argument window needs more than 256 registers")
	}
	base := byte(g.nextReg)
	g.nextReg += n
	return base, nil
}

func (g *fgen) newLabel() uint32 {
	g.nextLabel++
	return g.nextLabel
}

func u32bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func u16bytes(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// mark places a jump target.
func (g *fgen) mark(label uint32) {
	g.emit(vm.OpLabel, u32bytes(label)...)
}

func (g *fgen) emitJmp(label uint32) {
	g.emit(vm.OpJmp, u32bytes(label)...)
}

func (g *fgen) emitJmpIf(cond byte, label uint32) {
	g.emit(vm.OpJmpIf, append([]byte{cond}, u32bytes(label)...)...)
}

func (g *fgen) emitJmpIfNot(cond byte, label uint32) {
	g.emit(vm.OpJmpIfNot, append([]byte{cond}, u32bytes(label)...)...)
}

func (g *fgen) emitLoadLocal(dst byte, slot int) {
	g.emit(vm.OpLoadLocal, append([]byte{dst}, u16bytes(uint16(slot))...)...)
}

func (g *fgen) emitStoreLocal(src byte, slot int) {
	g.emit(vm.OpStoreLocal, append([]byte{src}, u16bytes(uint16(slot))...)...)
}

func (g *fgen) emitLoadConst(dst byte, c vm.Const) {
	idx := g.cg.out.AddConst(c)
	g.emit(vm.OpLoadConst, append([]byte{dst}, u16bytes(idx)...)...)
}

// declareLocal mirrors the slot order the lowerer assigned: both passes
// walk the same AST in the same order, so indices line up.
func (g *fgen) declareLocal(name string, ty MonoType, mutable bool) *Symbol {
	slot := g.nextLocal
	g.nextLocal++
	s := &Symbol{Name: name, Ty: ty, Class: ClassLocal, Slot: slot, Mutable: mutable}
	g.table.declare(s)
	return s
}

// --- statements ---

func (g *fgen) genBlock(b *Block) error {
	g.table.enterScope()
	defer g.table.exitScope()
	for _, st := range b.Stmts {
		if err := g.genStmt(st); err != nil {
			return err
		}
	}
	return nil
}

func (g *fgen) genStmt(st Stmt) error {
	switch s := st.(type) {
	case *Let:
		return g.genLet(s)
	case *Assign:
		return g.genAssign(s)
	case *ExprStmt:
		_, err := g.genExpr(s.E)
		return err
	case *Return:
		if s.Value == nil {
			g.emit(vm.OpReturn)
			return nil
		}
		r, err := g.genExpr(s.Value)
		if err != nil {
			return err
		}
		g.emit(vm.OpReturnValue, r)
		return nil
	case *If:
		return g.genIf(s)
	case *While:
		return g.genWhile(s)
	case *For:
		return g.genFor(s)
	case *Match:
		return g.genMatch(s)
	case *Block:
		return g.genBlock(s)
	case *Break:
		if len(g.loops) == 0 {
			return g.errf(ErrUnimplementedStmt, "break outside a loop")
		}
		g.emitJmp(g.loops[len(g.loops)-1].breakL)
		return nil
	case *Continue:
		if len(g.loops) == 0 {
			return g.errf(ErrUnimplementedStmt, "continue outside a loop")
		}
		g.emitJmp(g.loops[len(g.loops)-1].continueL)
		return nil
	}
	return g.errf(ErrUnimplementedStmt, "%T", st)
}

func (g *fgen) genLet(s *Let) error {
	ty := g.resolveType(s.Ty)
	v, err := g.genExpr(s.Value)
	if err != nil {
		return err
	}
	sym := g.declareLocal(s.Name, s.Ty, s.Mutable)
	if !ty.IsHeapKind() {
		// Scalar slot marker; the allocation itself is the local slot.
		g.emit(vm.OpStackAlloc, append([]byte{v}, u16bytes(uint16(sym.Slot))...)...)
	}
	g.emitStoreLocal(v, sym.Slot)
	return nil
}

func (g *fgen) genAssign(s *Assign) error {
	v, err := g.genExpr(s.Value)
	if err != nil {
		return err
	}
	switch target := s.Target.(type) {
	case *VarRef:
		if g.upvals != nil {
			if idx, ok := g.upvals[target.Name]; ok {
				g.emit(vm.OpStoreUpval, v, byte(idx))
				return nil
			}
		}
		sym := g.table.resolve(target.Name)
		if sym == nil {
			// Unresolved names adopt their own local slot.
			sym = g.declareLocal(target.Name, target.Ty, true)
		}
		// Written parameters were shadowed at function entry, so the
		// target here is always a local slot.
		if sym.Class != ClassLocal {
			return g.errf(ErrInvalidAssignmentTarget, "%q", target.Name)
		}
		g.emitStoreLocal(v, sym.Slot)
		return nil

	case *Index:
		obj, err := g.genExpr(target.Obj)
		if err != nil {
			return err
		}
		idx, err := g.genExpr(target.Idx)
		if err != nil {
			return err
		}
		objTy := g.resolveType(target.Obj.Type())
		if objTy.Kind == TypeList {
			g.emit(vm.OpBoundsCheck, obj, idx)
		}
		g.emit(vm.OpStoreElement, obj, idx, v)
		return nil

	case *Field:
		obj, err := g.genExpr(target.Obj)
		if err != nil {
			return err
		}
		g.emit(vm.OpSetField, append(append([]byte{obj}, u16bytes(uint16(target.Pos))...), v)...)
		return nil
	}
	return g.errf(ErrInvalidAssignmentTarget, "%T", s.Target)
}

func (g *fgen) genIf(s *If) error {
	endL := g.newLabel()
	elseL := g.newLabel()
	if err := g.genCondFalse(s.Cond, elseL); err != nil {
		return err
	}
	if err := g.genBlock(s.Then); err != nil {
		return err
	}
	g.emitJmp(endL)
	g.mark(elseL)
	for _, arm := range s.Elifs {
		nextL := g.newLabel()
		if err := g.genCondFalse(arm.Cond, nextL); err != nil {
			return err
		}
		if err := g.genBlock(arm.Body); err != nil {
			return err
		}
		g.emitJmp(endL)
		g.mark(nextL)
	}
	if s.Else != nil {
		if err := g.genBlock(s.Else); err != nil {
			return err
		}
	}
	g.mark(endL)
	return nil
}

func (g *fgen) genWhile(s *While) error {
	startL := g.newLabel()
	endL := g.newLabel()
	g.loops = append(g.loops, loopFrame{continueL: startL, breakL: endL})
	defer func() { g.loops = g.loops[:len(g.loops)-1] }()

	g.mark(startL)
	if err := g.genCondFalse(s.Cond, endL); err != nil {
		return err
	}
	if err := g.genBlock(s.Body); err != nil {
		return err
	}
	g.emitJmp(startL)
	g.mark(endL)
	return nil
}

// genCondFalse emits a conditional that jumps to target when the
// expression is false. And/Or/Not get true short-circuit treatment here,
// unlike their expression-position lowering.
func (g *fgen) genCondFalse(e Expr, target uint32) error {
	switch x := e.(type) {
	case *Binary:
		switch x.Op {
		case OpAnd:
			if err := g.genCondFalse(x.Left, target); err != nil {
				return err
			}
			return g.genCondFalse(x.Right, target)
		case OpOr:
			trueL := g.newLabel()
			if err := g.genCondTrue(x.Left, trueL); err != nil {
				return err
			}
			if err := g.genCondFalse(x.Right, target); err != nil {
				return err
			}
			g.mark(trueL)
			return nil
		}
	case *Unary:
		if x.Op == OpNot {
			return g.genCondTrue(x.Operand, target)
		}
	}
	r, err := g.genExpr(e)
	if err != nil {
		return err
	}
	g.emitJmpIfNot(r, target)
	return nil
}

// genCondTrue is the dual: jump to target when the expression is true.
func (g *fgen) genCondTrue(e Expr, target uint32) error {
	switch x := e.(type) {
	case *Binary:
		switch x.Op {
		case OpOr:
			if err := g.genCondTrue(x.Left, target); err != nil {
				return err
			}
			return g.genCondTrue(x.Right, target)
		case OpAnd:
			falseL := g.newLabel()
			if err := g.genCondFalse(x.Left, falseL); err != nil {
				return err
			}
			if err := g.genCondTrue(x.Right, target); err != nil {
				return err
			}
			g.mark(falseL)
			return nil
		}
	case *Unary:
		if x.Op == OpNot {
			return g.genCondFalse(x.Operand, target)
		}
	}
	r, err := g.genExpr(e)
	if err != nil {
		return err
	}
	g.emitJmpIf(r, target)
	return nil
}

// --- expressions ---

func (g *fgen) genExpr(e Expr) (byte, error) {
	switch x := e.(type) {
	case *Literal:
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emitLoadConst(dst, x.Value)
		return dst, nil

	case *VarRef:
		return g.genVarRef(x)

	case *Binary:
		return g.genBinary(x)

	case *Unary:
		return g.genUnary(x)

	case *Call:
		return g.genCall(x)

	case *MethodCall:
		return g.genMethodCall(x)

	case *Index:
		obj, err := g.genExpr(x.Obj)
		if err != nil {
			return 0, err
		}
		idx, err := g.genExpr(x.Idx)
		if err != nil {
			return 0, err
		}
		objTy := g.resolveType(x.Obj.Type())
		if objTy.Kind == TypeList {
			g.emit(vm.OpBoundsCheck, obj, idx)
		}
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(vm.OpLoadElement, dst, obj, idx)
		return dst, nil

	case *Field:
		obj, err := g.genExpr(x.Obj)
		if err != nil {
			return 0, err
		}
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(vm.OpGetField, append([]byte{dst, obj}, u16bytes(uint16(x.Pos))...)...)
		return dst, nil

	case *TupleLit:
		return g.genSeqAlloc(vm.AllocTuple, x.Elems)

	case *ListLit:
		return g.genSeqAlloc(vm.AllocList, x.Elems)

	case *DictLit:
		return g.genDictLit(x)

	case *Cast:
		v, err := g.genExpr(x.Value)
		if err != nil {
			return 0, err
		}
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		typeID := uint16(g.resolveType(x.Ty).TypeID())
		g.emit(vm.OpCast, append([]byte{dst, v}, u16bytes(typeID)...)...)
		return dst, nil

	case *ClosureExpr:
		return g.genClosure(x)
	}
	return 0, g.errf(ErrUnimplementedExpr, "%T", e)
}

func (g *fgen) genVarRef(x *VarRef) (byte, error) {
	if g.upvals != nil {
		if idx, ok := g.upvals[x.Name]; ok {
			dst, err := g.allocReg()
			if err != nil {
				return 0, err
			}
			g.emit(vm.OpLoadUpvalue, dst, byte(idx))
			return dst, nil
		}
	}
	sym := g.table.resolve(x.Name)
	if sym == nil {
		// Leniency: an unknown name becomes its own local slot and
		// reads unit until stored.
		sym = g.declareLocal(x.Name, x.Ty, true)
	}
	dst, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	switch sym.Class {
	case ClassArg:
		g.emit(vm.OpLoadArg, dst, byte(sym.Slot))
	case ClassGlobal:
		c, ok := g.cg.globalConsts[x.Name]
		if !ok {
			return 0, g.errf(ErrUnimplementedExpr, "global %q has a non-literal initializer", x.Name)
		}
		g.emitLoadConst(dst, c)
	default:
		g.emitLoadLocal(dst, sym.Slot)
	}
	return dst, nil
}

func (g *fgen) genBinary(x *Binary) (byte, error) {
	l, err := g.genExpr(x.Left)
	if err != nil {
		return 0, err
	}
	r, err := g.genExpr(x.Right)
	if err != nil {
		return 0, err
	}
	dst, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	leftTy := g.resolveType(x.Left.Type())

	// Expression-position And/Or approximate with multiply and add; real
	// short-circuit exists only in condition lowering.
	switch x.Op {
	case OpAnd:
		g.emit(vm.OpI64Mul, dst, l, r)
		return dst, nil
	case OpOr:
		g.emit(vm.OpI64Add, dst, l, r)
		return dst, nil
	}

	op, err := binaryOpcode(x.Op, leftTy)
	if err != nil {
		return 0, g.errf(ErrTypeMismatch, "%v on %s", x.Op, leftTy)
	}
	g.emit(op, dst, l, r)

	// String inequality has no direct opcode; invert the equality bit.
	if op == vm.OpStrEq && x.Op == OpNe {
		one, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emitLoadConst(one, vm.IntConst(1))
		inv, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(vm.OpI64Xor, inv, dst, one)
		return inv, nil
	}
	return dst, nil
}

// binaryOpcode selects the type-specialized opcode from the operator and
// the static type of the left operand.
func binaryOpcode(op BinOp, ty MonoType) (vm.Opcode, error) {
	switch ty.Kind {
	case TypeInt, TypeBool, TypeChar, TypeEnum:
		wide := ty.Kind != TypeInt || ty.Bits > 32
		switch op {
		case OpAdd:
			return pick(wide, vm.OpI64Add, vm.OpI32Add), nil
		case OpSub:
			return pick(wide, vm.OpI64Sub, vm.OpI32Sub), nil
		case OpMul:
			return pick(wide, vm.OpI64Mul, vm.OpI32Mul), nil
		case OpDiv:
			return pick(wide, vm.OpI64Div, vm.OpI32Div), nil
		case OpRem:
			return pick(wide, vm.OpI64Rem, vm.OpI32Rem), nil
		case OpBitAnd:
			return pick(wide, vm.OpI64And, vm.OpI32And), nil
		case OpBitOr:
			return pick(wide, vm.OpI64Or, vm.OpI32Or), nil
		case OpBitXor:
			return pick(wide, vm.OpI64Xor, vm.OpI32Xor), nil
		case OpShl:
			return pick(wide, vm.OpI64Shl, vm.OpI32Shl), nil
		case OpShr:
			return pick(wide, vm.OpI64Sar, vm.OpI32Sar), nil
		case OpEq:
			return vm.OpI64Eq, nil
		case OpNe:
			return vm.OpI64Ne, nil
		case OpLt:
			return vm.OpI64Lt, nil
		case OpLe:
			return vm.OpI64Le, nil
		case OpGt:
			return vm.OpI64Gt, nil
		case OpGe:
			return vm.OpI64Ge, nil
		}
	case TypeFloat:
		wide := ty.Bits > 32
		switch op {
		case OpAdd:
			return pick(wide, vm.OpF64Add, vm.OpF32Add), nil
		case OpSub:
			return pick(wide, vm.OpF64Sub, vm.OpF32Sub), nil
		case OpMul:
			return pick(wide, vm.OpF64Mul, vm.OpF32Mul), nil
		case OpDiv:
			return pick(wide, vm.OpF64Div, vm.OpF32Div), nil
		case OpRem:
			return pick(wide, vm.OpF64Rem, vm.OpF32Rem), nil
		case OpEq:
			return vm.OpF64Eq, nil
		case OpNe:
			return vm.OpF64Ne, nil
		case OpLt:
			return vm.OpF64Lt, nil
		case OpLe:
			return vm.OpF64Le, nil
		case OpGt:
			return vm.OpF64Gt, nil
		case OpGe:
			return vm.OpF64Ge, nil
		}
	case TypeString:
		switch op {
		case OpAdd:
			return vm.OpStrConcat, nil
		case OpEq, OpNe:
			return vm.OpStrEq, nil
		}
	}
	return vm.OpInvalid, fmt.Errorf("no opcode")
}

func pick(wide bool, w, n vm.Opcode) vm.Opcode {
	if wide {
		return w
	}
	return n
}

func (g *fgen) genUnary(x *Unary) (byte, error) {
	v, err := g.genExpr(x.Operand)
	if err != nil {
		return 0, err
	}
	dst, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	ty := g.resolveType(x.Operand.Type())
	switch x.Op {
	case OpNeg:
		switch ty.Kind {
		case TypeFloat:
			g.emit(pick(ty.Bits > 32, vm.OpF64Neg, vm.OpF32Neg), dst, v)
		default:
			g.emit(pick(ty.Kind != TypeInt || ty.Bits > 32, vm.OpI64Neg, vm.OpI32Neg), dst, v)
		}
	case OpNot:
		one, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emitLoadConst(one, vm.IntConst(1))
		g.emit(vm.OpI64Xor, dst, v, one)
	default:
		return 0, g.errf(ErrUnimplementedExpr, "unary %v", x.Op)
	}
	return dst, nil
}

// genArgs compiles each argument and packs the results into a fresh
// contiguous register window.
func (g *fgen) genArgs(exprs []Expr, extra ...byte) (base byte, argc byte, err error) {
	regs := append([]byte{}, extra...)
	for _, a := range exprs {
		r, err := g.genExpr(a)
		if err != nil {
			return 0, 0, err
		}
		regs = append(regs, r)
	}
	base, err = g.allocRegs(len(regs))
	if err != nil {
		return 0, 0, err
	}
	for i, r := range regs {
		g.emit(vm.OpMov, base+byte(i), r)
	}
	return base, byte(len(regs)), nil
}

func (g *fgen) genCall(x *Call) (byte, error) {
	// FFI bindings dispatch through the native registry.
	if symbol, ok := g.cg.ir.NativeSymbol(x.Callee); ok {
		base, argc, err := g.genArgs(x.Args)
		if err != nil {
			return 0, err
		}
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		symIdx := g.cg.out.AddConst(vm.StringConst(symbol))
		g.emit(vm.OpCallNative, append(append([]byte{dst}, u16bytes(symIdx)...), base, argc)...)
		return dst, nil
	}

	name := x.Callee
	if _, ok := g.cg.funcIDs[name]; !ok {
		if gen, ok := g.cg.ir.Generics[x.Callee]; ok {
			// The specialized name is keyed per type parameter, not per
			// argument position, so unify against the generic signature
			// the same way the monomorphizer did.
			argTypes := make([]MonoType, len(x.Args))
			for i, a := range x.Args {
				argTypes[i] = g.resolveType(a.Type())
			}
			if typeArgs, _, ok := specializationArgs(gen, argTypes); ok {
				name = SpecializedName(x.Callee, typeArgs)
			}
		}
	}

	if id, ok := g.cg.funcIDs[name]; ok {
		base, argc, err := g.genArgs(x.Args)
		if err != nil {
			return 0, err
		}
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(vm.OpCallStatic, append(append([]byte{dst}, u32bytes(id)...), base, argc)...)
		return dst, nil
	}

	if _, ok := g.cg.ir.Generics[x.Callee]; ok {
		// The wanted specialization was dropped at the cap. Dispatch on a
		// fresh unit-valued receiver so the call always faults with the
		// missing specialized name and never lands on whatever happens to
		// sit in the argument window.
		base, argc, err := g.genArgs(x.Args)
		if err != nil {
			return 0, err
		}
		recv, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		nameIdx := g.cg.out.AddConst(vm.StringConst(name))
		g.emit(vm.OpCallDyn, append(append([]byte{dst, recv}, u16bytes(nameIdx)...), base, argc)...)
		return dst, nil
	}

	// A closure held in a variable is also callable.
	if sym := g.table.resolve(x.Callee); sym != nil && g.resolveType(sym.Ty).Kind == TypeFn {
		fnReg, err := g.genVarRef(&VarRef{Name: x.Callee, Ty: sym.Ty})
		if err != nil {
			return 0, err
		}
		base, argc, err := g.genArgs(x.Args)
		if err != nil {
			return 0, err
		}
		dst, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(vm.OpCallDyn, append(append([]byte{dst, fnReg}, u16bytes(0)...), base, argc)...)
		return dst, nil
	}
	if g.upvals != nil {
		if idx, ok := g.upvals[x.Callee]; ok {
			fnReg, err := g.allocReg()
			if err != nil {
				return 0, err
			}
			g.emit(vm.OpLoadUpvalue, fnReg, byte(idx))
			base, argc, err := g.genArgs(x.Args)
			if err != nil {
				return 0, err
			}
			dst, err := g.allocReg()
			if err != nil {
				return 0, err
			}
			g.emit(vm.OpCallDyn, append(append([]byte{dst, fnReg}, u16bytes(0)...), base, argc)...)
			return dst, nil
		}
	}
	return 0, g.errf(ErrSymbolNotFound, "%q", x.Callee)
}

func (g *fgen) genMethodCall(x *MethodCall) (byte, error) {
	recv, err := g.genExpr(x.Recv)
	if err != nil {
		return 0, err
	}
	base, argc, err := g.genArgs(x.Args, recv)
	if err != nil {
		return 0, err
	}
	dst, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	nameIdx := g.cg.out.AddConst(vm.StringConst(x.Name))
	g.emit(vm.OpCallDyn, append(append([]byte{dst, recv}, u16bytes(nameIdx)...), base, argc)...)
	return dst, nil
}

func (g *fgen) genSeqAlloc(kind byte, elems []Expr) (byte, error) {
	dst, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	g.emit(vm.OpHeapAlloc, append([]byte{dst, kind}, u16bytes(uint16(len(elems)))...)...)
	for i, e := range elems {
		v, err := g.genExpr(e)
		if err != nil {
			return 0, err
		}
		idx, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emitLoadConst(idx, vm.IntConst(int64(i)))
		g.emit(vm.OpStoreElement, dst, idx, v)
	}
	return dst, nil
}

func (g *fgen) genDictLit(x *DictLit) (byte, error) {
	dst, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	g.emit(vm.OpHeapAlloc, append([]byte{dst, vm.AllocDict}, u16bytes(0)...)...)
	for i := range x.Keys {
		k, err := g.genExpr(x.Keys[i])
		if err != nil {
			return 0, err
		}
		v, err := g.genExpr(x.Values[i])
		if err != nil {
			return 0, err
		}
		g.emit(vm.OpStoreElement, dst, k, v)
	}
	return dst, nil
}
