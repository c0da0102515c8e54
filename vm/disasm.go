package vm

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Disassemble renders the whole module as human-readable text.
func Disassemble(m *Module) string {
	var b strings.Builder
	fmt.Fprintf(&b, "module version=%d entry=%d flags=0x%08X\n",
		m.Version, m.EntryPoint, m.Flags)

	if len(m.Consts) > 0 {
		b.WriteString("\nconsts:\n")
		for i, c := range m.Consts {
			fmt.Fprintf(&b, "  [%3d] %s\n", i, c)
		}
	}
	if len(m.Globals) > 0 {
		b.WriteString("\nglobals:\n")
		for i, g := range m.Globals {
			fmt.Fprintf(&b, "  [%3d] %s : type %d\n", i, g.Name, g.TypeID)
		}
	}
	if len(m.JumpTables) > 0 {
		b.WriteString("\njump tables:\n")
		for _, t := range m.JumpTables {
			fmt.Fprintf(&b, "  table %d: %d cases\n", t.ID, len(t.Cases))
		}
	}

	for id, fn := range m.Functions {
		fmt.Fprintf(&b, "\nfunc %d %s(%d args) locals=%d\n",
			id, fn.Name, len(fn.ParamTypes), fn.LocalCount)
		for i, instr := range fn.Instrs {
			fmt.Fprintf(&b, "  %4d  %-14s %s\n", i, instr.Op, formatOperands(instr))
		}
	}
	return b.String()
}

// DisassembleFunction renders one function by name, or an empty string if
// the module has no such function.
func DisassembleFunction(m *Module, name string) string {
	fn := m.FunctionByName(name)
	if fn == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "func %s(%d args) locals=%d\n", fn.Name, len(fn.ParamTypes), fn.LocalCount)
	for i, instr := range fn.Instrs {
		fmt.Fprintf(&b, "  %4d  %-14s %s\n", i, instr.Op, formatOperands(instr))
	}
	return b.String()
}

func formatOperands(in Instruction) string {
	o := in.Operands
	switch in.Op {
	case OpNop, OpReturn, OpYield, OpTryEnd, OpRethrow, OpInvalid:
		return ""
	case OpReturnValue, OpThrow, OpDrop, OpArcDrop, OpCloseUpval:
		return fmt.Sprintf("r%d", o[0])
	case OpJmp:
		return fmt.Sprintf("L%d", leU32(o))
	case OpLabel:
		return fmt.Sprintf("L%d:", leU32(o))
	case OpJmpIf, OpJmpIfNot:
		return fmt.Sprintf("r%d, L%d", o[0], leU32(o[1:]))
	case OpSwitch:
		return fmt.Sprintf("r%d, default L%d, table %d", o[0], leU32(o[1:]), leU16(o[5:]))
	case OpLoopStart:
		return fmt.Sprintf("r%d, end r%d, step r%d, exit L%d", o[0], o[1], o[2], leU32(o[3:]))
	case OpLoopInc:
		return fmt.Sprintf("r%d += r%d, L%d", o[0], o[1], leU32(o[2:]))
	case OpLoadConst:
		return fmt.Sprintf("r%d, const[%d]", o[0], leU16(o[1:]))
	case OpLoadLocal:
		return fmt.Sprintf("r%d, local[%d]", o[0], leU16(o[1:]))
	case OpStoreLocal:
		return fmt.Sprintf("r%d -> local[%d]", o[0], leU16(o[1:]))
	case OpLoadArg:
		return fmt.Sprintf("r%d, arg[%d]", o[0], o[1])
	case OpI64Const, OpF64Const:
		if in.Op == OpF64Const {
			return fmt.Sprintf("r%d, %g", o[0], math.Float64frombits(leU64(o[1:])))
		}
		return fmt.Sprintf("r%d, %d", o[0], int64(leU64(o[1:])))
	case OpI32Const:
		return fmt.Sprintf("r%d, %d", o[0], int32(leU32(o[1:])))
	case OpF32Const:
		return fmt.Sprintf("r%d, %g", o[0], math.Float32frombits(leU32(o[1:])))
	case OpHeapAlloc:
		return fmt.Sprintf("r%d, kind %d, count %d", o[0], o[1], leU16(o[2:]))
	case OpNewListWithCap, OpStackAlloc:
		return fmt.Sprintf("r%d, %d", o[0], leU16(o[1:]))
	case OpGetField:
		return fmt.Sprintf("r%d, r%d.[%d]", o[0], o[1], leU16(o[2:]))
	case OpSetField:
		return fmt.Sprintf("r%d.[%d] = r%d", o[0], leU16(o[1:]), o[3])
	case OpCallStatic:
		return fmt.Sprintf("r%d = fn#%d(r%d..%d)", o[0], leU32(o[1:]), o[5], int(o[5])+int(o[6]))
	case OpTailCall:
		return fmt.Sprintf("fn#%d(r%d..%d)", leU32(o), o[4], int(o[4])+int(o[5]))
	case OpCallVirt:
		return fmt.Sprintf("r%d = r%d.vtable[%d](r%d..%d)", o[0], o[1], leU16(o[2:]), o[4], int(o[4])+int(o[5]))
	case OpCallDyn:
		return fmt.Sprintf("r%d = r%d.const[%d](r%d..%d)", o[0], o[1], leU16(o[2:]), o[4], int(o[4])+int(o[5]))
	case OpCallNative:
		return fmt.Sprintf("r%d = native const[%d](r%d..%d)", o[0], leU16(o[1:]), o[3], int(o[3])+int(o[4]))
	case OpMakeClosure:
		var slots []string
		for i := 0; i < int(o[5]); i++ {
			slots = append(slots, fmt.Sprintf("local[%d]", o[6+i]))
		}
		return fmt.Sprintf("r%d = closure fn#%d [%s]", o[0], leU32(o[1:]), strings.Join(slots, ", "))
	case OpTryBegin:
		return fmt.Sprintf("handler L%d, err r%d", leU32(o), o[4])
	case OpTypeCheck, OpCast:
		return fmt.Sprintf("r%d, r%d, type %d", o[0], o[1], leU16(o[2:]))
	}
	// Remaining fixed forms are all plain register tuples.
	var regs []string
	for _, r := range o {
		regs = append(regs, fmt.Sprintf("r%d", r))
	}
	return strings.Join(regs, ", ")
}
