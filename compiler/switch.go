package compiler

import "github.com/yxlang/yx/vm"

// ---------------------------------------------------------------------------
// Match code generation
// ---------------------------------------------------------------------------
//
// Integer arms with dense values compile to a Switch opcode over a jump
// table; everything else falls back to a linear Eq chain. Both strategies
// produce the same results, only dispatch cost differs.

// tableEligible reports whether the match can use a jump table: every arm
// is an unguarded integer literal, except an optional trailing default
// (wildcard or bind).
func tableEligible(s *Match) bool {
	if len(s.Arms) == 0 {
		return false
	}
	for i, arm := range s.Arms {
		if arm.Guard != nil {
			return false
		}
		switch p := arm.Pattern.(type) {
		case *LitPattern:
			if p.Value.Kind != vm.ConstInt {
				return false
			}
		case *WildcardPattern, *BindPattern:
			if i != len(s.Arms)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// denseEnough applies the density rule: the value span may be at most
// twice the case count.
func denseEnough(values []int64) bool {
	if len(values) == 0 {
		return false
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min + 1
	return span <= int64(len(values))*2
}

func (g *fgen) genMatch(s *Match) error {
	subj, err := g.genExpr(s.Subject)
	if err != nil {
		return err
	}
	if tableEligible(s) {
		var values []int64
		for _, arm := range s.Arms {
			if p, ok := arm.Pattern.(*LitPattern); ok {
				values = append(values, p.Value.Int)
			}
		}
		if denseEnough(values) {
			return g.genSwitchTable(s, subj)
		}
	}
	return g.genMatchChain(s, subj)
}

func (g *fgen) genSwitchTable(s *Match, subj byte) error {
	tableID := uint16(len(g.cg.out.JumpTables))
	table := vm.NewJumpTable(tableID)
	endL := g.newLabel()
	defaultL := g.newLabel()

	type tableArm struct {
		label uint32
		arm   MatchArm
	}
	var caseArms []tableArm
	var defaultArm *MatchArm
	for i := range s.Arms {
		arm := s.Arms[i]
		if p, ok := arm.Pattern.(*LitPattern); ok {
			label := g.newLabel()
			table.Add(p.Value.Int, label)
			caseArms = append(caseArms, tableArm{label: label, arm: arm})
			continue
		}
		defaultArm = &arm
	}
	g.cg.out.JumpTables = append(g.cg.out.JumpTables, table)

	g.emit(vm.OpSwitch, append(append([]byte{subj}, u32bytes(defaultL)...), u16bytes(tableID)...)...)

	for _, ca := range caseArms {
		g.mark(ca.label)
		if err := g.genBlock(ca.arm.Body); err != nil {
			return err
		}
		g.emitJmp(endL)
	}

	g.mark(defaultL)
	if defaultArm != nil {
		g.table.enterScope()
		if bind, ok := defaultArm.Pattern.(*BindPattern); ok {
			sym := g.declareLocal(bind.Name, bind.Ty, false)
			g.emitStoreLocal(subj, sym.Slot)
		}
		err := g.genBlock(defaultArm.Body)
		g.table.exitScope()
		if err != nil {
			return err
		}
	}
	g.mark(endL)
	return nil
}

func (g *fgen) genMatchChain(s *Match, subj byte) error {
	endL := g.newLabel()
	subjTy := g.resolveType(s.Subject.Type())

	for _, arm := range s.Arms {
		nextL := g.newLabel()
		g.table.enterScope()
		err := g.genPatternTest(arm.Pattern, subj, subjTy, nextL)
		if err == nil && arm.Guard != nil {
			err = g.genCondFalse(arm.Guard, nextL)
		}
		if err == nil {
			err = g.genBlock(arm.Body)
		}
		g.table.exitScope()
		if err != nil {
			return err
		}
		g.emitJmp(endL)
		g.mark(nextL)
	}
	g.mark(endL)
	return nil
}

// genPatternTest emits the checks for one pattern, jumping to failL on
// mismatch. Nested patterns chain their own failure to the same label.
func (g *fgen) genPatternTest(p Pattern, subj byte, subjTy MonoType, failL uint32) error {
	switch pt := p.(type) {
	case *WildcardPattern:
		return nil

	case *BindPattern:
		sym := g.declareLocal(pt.Name, pt.Ty, false)
		g.emitStoreLocal(subj, sym.Slot)
		return nil

	case *LitPattern:
		c, err := g.allocReg()
		if err != nil {
			return err
		}
		g.emitLoadConst(c, pt.Value)
		cmp, err := g.allocReg()
		if err != nil {
			return err
		}
		g.emit(litEqOpcode(pt.Value), cmp, subj, c)
		g.emitJmpIfNot(cmp, failL)
		return nil

	case *TuplePattern:
		for i, elem := range pt.Elems {
			er, err := g.allocReg()
			if err != nil {
				return err
			}
			g.emit(vm.OpGetField, append([]byte{er, subj}, u16bytes(uint16(i))...)...)
			elemTy := VoidType()
			if subjTy.Kind == TypeTuple && i < len(subjTy.Elems) {
				elemTy = subjTy.Elems[i]
			}
			if err := g.genPatternTest(elem, er, elemTy, failL); err != nil {
				return err
			}
		}
		return nil
	}
	return g.errf(ErrUnimplementedStmt, "pattern %T", p)
}

func litEqOpcode(c vm.Const) vm.Opcode {
	switch c.Kind {
	case vm.ConstFloat:
		return vm.OpF64Eq
	case vm.ConstString:
		return vm.OpStrEq
	}
	return vm.OpI64Eq
}
