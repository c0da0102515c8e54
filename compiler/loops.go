package compiler

import "github.com/yxlang/yx/vm"

// ---------------------------------------------------------------------------
// Loop code generation
// ---------------------------------------------------------------------------

// genFor lowers a for statement. A literal `range(a, b[, step])` iterable
// strength-reduces to LoopStart/LoopInc with the bound and step held in
// registers; anything else runs the iterator protocol.
func (g *fgen) genFor(s *For) error {
	if call, ok := s.Iter.(*Call); ok && call.Callee == "range" &&
		len(call.Args) >= 2 && len(call.Args) <= 3 {
		if _, shadowed := g.cg.funcIDs["range"]; !shadowed {
			return g.genRangeFor(s, call)
		}
	}
	return g.genIterFor(s)
}

func (g *fgen) genRangeFor(s *For, rangeCall *Call) error {
	cur, err := g.genExpr(rangeCall.Args[0])
	if err != nil {
		return err
	}
	end, err := g.genExpr(rangeCall.Args[1])
	if err != nil {
		return err
	}
	var step byte
	if len(rangeCall.Args) == 3 {
		step, err = g.genExpr(rangeCall.Args[2])
	} else {
		step, err = g.allocReg()
		if err == nil {
			g.emitLoadConst(step, vm.IntConst(1))
		}
	}
	if err != nil {
		return err
	}

	g.table.enterScope()
	defer g.table.exitScope()
	sym := g.declareLocal(s.Var, s.VarTy, true)

	startL := g.newLabel()
	contL := g.newLabel()
	exitL := g.newLabel()
	g.loops = append(g.loops, loopFrame{continueL: contL, breakL: exitL})
	defer func() { g.loops = g.loops[:len(g.loops)-1] }()

	g.mark(startL)
	g.emit(vm.OpLoopStart, append([]byte{cur, end, step}, u32bytes(exitL)...)...)
	g.emitStoreLocal(cur, sym.Slot)
	if err := g.genBlock(s.Body); err != nil {
		return err
	}
	g.mark(contL)
	g.emit(vm.OpLoopInc, append([]byte{cur, step}, u32bytes(startL)...)...)
	g.mark(exitL)
	return nil
}

// genIterFor runs the generic protocol: call next() on the iterable each
// round, unpack the (value, ok) pair and stop when ok drops.
func (g *fgen) genIterFor(s *For) error {
	iter, err := g.genExpr(s.Iter)
	if err != nil {
		return err
	}
	g.table.enterScope()
	defer g.table.exitScope()
	sym := g.declareLocal(s.Var, s.VarTy, true)

	startL := g.newLabel()
	exitL := g.newLabel()
	g.loops = append(g.loops, loopFrame{continueL: startL, breakL: exitL})
	defer func() { g.loops = g.loops[:len(g.loops)-1] }()

	nameIdx := g.cg.out.AddConst(vm.StringConst("next"))

	g.mark(startL)
	base, err := g.allocRegs(1)
	if err != nil {
		return err
	}
	g.emit(vm.OpMov, base, iter)
	pair, err := g.allocReg()
	if err != nil {
		return err
	}
	g.emit(vm.OpCallDyn, append(append([]byte{pair, iter}, u16bytes(nameIdx)...), base, 1)...)

	ok, err := g.allocReg()
	if err != nil {
		return err
	}
	g.emit(vm.OpGetField, append([]byte{ok, pair}, u16bytes(1)...)...)
	g.emitJmpIfNot(ok, exitL)

	val, err := g.allocReg()
	if err != nil {
		return err
	}
	g.emit(vm.OpGetField, append([]byte{val, pair}, u16bytes(0)...)...)
	g.emitStoreLocal(val, sym.Slot)

	if err := g.genBlock(s.Body); err != nil {
		return err
	}
	g.emitJmp(startL)
	g.mark(exitL)
	return nil
}
