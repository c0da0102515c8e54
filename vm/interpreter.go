package vm

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------
//
// Register VM. Each call frame owns a register window, a local slot array,
// its closure's upvalues and a try-handler stack. One interpreter executes
// one frame stack sequentially; parallelism is many interpreters, each with
// its own heap, under an external scheduler.

// Runtime faults.
var (
	ErrDivisionByZero   = errors.New("vm: division by zero")
	ErrFunctionNotFound = errors.New("vm: function not found")
	ErrInvalidOpcode    = errors.New("vm: invalid opcode")
	ErrTypeFault        = errors.New("vm: operand type fault")
	ErrNoHandler        = errors.New("vm: uncaught throw")
)

// ThrowError carries an uncaught thrown value out of Call.
type ThrowError struct {
	Value Value
}

func (e *ThrowError) Error() string {
	return fmt.Sprintf("vm: uncaught throw: %s", e.Value)
}

func (e *ThrowError) Unwrap() error { return ErrNoHandler }

// DefaultMaxDepth bounds the call stack before a StackOverflow interrupt
// is raised.
const DefaultMaxDepth = 1024

type tryHandler struct {
	label  uint32
	errReg byte
}

// frame is one activation record.
type frame struct {
	fn     *Function
	funcID uint32
	ip     int

	regs   []Value
	locals []Value
	args   []Value

	// cells holds promoted local slots. A slot with a cell reads and
	// writes through it so closures observe later stores.
	cells map[int]*Upvalue

	// upvalues is the executing closure's captured environment.
	upvalues []*Upvalue

	// retReg is the caller register receiving the return value, -1 for
	// the bottom frame.
	retReg int

	handlers []tryHandler

	// allocated tracks heap handles created by this frame so an aborted
	// call can release what it allocated.
	allocated []Handle
}

// Config tunes one interpreter instance.
type Config struct {
	MaxDepth int
	Stdout   io.Writer
	Profiler *Profiler
}

// Interpreter executes one module.
type Interpreter struct {
	module  *Module
	heap    *Heap
	natives *NativeRegistry
	caches  *InlineCacheManager
	signals *InterruptHandler

	globals map[string]Value

	// vtables maps receiver type id to a method table of function ids,
	// indexed by vtable slot. methods maps type id and method name to a
	// function id for dynamic dispatch.
	vtables map[uint32][]uint32
	methods map[uint32]map[string]uint32

	frames   []*frame
	maxDepth int
	stdout   io.Writer
	profiler *Profiler

	thrown    Value
	hasThrown bool

	result Value

	log commonlog.Logger
}

// NewInterpreter creates an interpreter for module with default config.
func NewInterpreter(module *Module) *Interpreter {
	return NewInterpreterWithConfig(module, Config{})
}

// NewInterpreterWithConfig creates an interpreter with explicit config.
func NewInterpreterWithConfig(module *Module, cfg Config) *Interpreter {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	in := &Interpreter{
		module:   module,
		heap:     NewHeap(),
		natives:  NewNativeRegistry(),
		caches:   NewInlineCacheManager(),
		signals:  NewInterruptHandler(),
		globals:  make(map[string]Value),
		vtables:  make(map[uint32][]uint32),
		methods:  make(map[uint32]map[string]uint32),
		maxDepth: cfg.MaxDepth,
		stdout:   cfg.Stdout,
		profiler: cfg.Profiler,
		log:      commonlog.GetLogger("yx.vm"),
	}
	for _, g := range module.Globals {
		in.globals[g.Name] = Unit()
	}
	return in
}

// Heap exposes the interpreter's heap, mainly to native handlers.
func (in *Interpreter) Heap() *Heap { return in.heap }

// Natives exposes the native registry for host registration.
func (in *Interpreter) Natives() *NativeRegistry { return in.natives }

// Caches exposes the inline cache manager.
func (in *Interpreter) Caches() *InlineCacheManager { return in.caches }

// Interrupts exposes the handler the hosting scheduler sets.
func (in *Interpreter) Interrupts() *InterruptHandler { return in.signals }

// Stdout is where print builtins write.
func (in *Interpreter) Stdout() io.Writer { return in.stdout }

// SetGlobal writes a module global by name.
func (in *Interpreter) SetGlobal(name string, v Value) { in.globals[name] = v }

// Global reads a module global by name.
func (in *Interpreter) Global(name string) (Value, bool) {
	v, ok := in.globals[name]
	return v, ok
}

// RegisterVTable installs the method table for a receiver type.
func (in *Interpreter) RegisterVTable(typeID uint32, funcIDs []uint32) {
	in.vtables[typeID] = funcIDs
}

// RegisterMethod installs a named method for dynamic dispatch.
func (in *Interpreter) RegisterMethod(typeID uint32, name string, funcID uint32) {
	if in.methods[typeID] == nil {
		in.methods[typeID] = make(map[string]uint32)
	}
	in.methods[typeID][name] = funcID
}

// Run executes the module entry point with no arguments.
func (in *Interpreter) Run() (Value, error) {
	if int(in.module.EntryPoint) >= len(in.module.Functions) {
		return Unit(), fmt.Errorf("%w: entry point %d", ErrFunctionNotFound, in.module.EntryPoint)
	}
	in.log.Debugf("run: entry=%d functions=%d consts=%d",
		in.module.EntryPoint, len(in.module.Functions), len(in.module.Consts))
	return in.CallFunction(in.module.EntryPoint, nil)
}

// Call executes a function by name.
func (in *Interpreter) Call(name string, args []Value) (Value, error) {
	id, ok := in.module.FunctionID(name)
	if !ok {
		return Unit(), fmt.Errorf("%w: %q", ErrFunctionNotFound, name)
	}
	return in.CallFunction(id, args)
}

// CallFunction executes a function by id.
func (in *Interpreter) CallFunction(funcID uint32, args []Value) (Value, error) {
	if err := in.pushFrame(funcID, args, nil, -1); err != nil {
		return Unit(), err
	}
	v, err := in.run()
	if err != nil {
		return Unit(), err
	}
	return v, nil
}

func (in *Interpreter) pushFrame(funcID uint32, args []Value, upvalues []*Upvalue, retReg int) error {
	if int(funcID) >= len(in.module.Functions) {
		return fmt.Errorf("%w: id %d", ErrFunctionNotFound, funcID)
	}
	if len(in.frames) >= in.maxDepth {
		in.signals.Set(InterruptStackOverflow)
		return nil // delivered at the next poll point
	}
	fn := in.module.Functions[funcID]
	nregs := fn.RegisterCount()
	if nregs < 8 {
		nregs = 8
	}
	f := &frame{
		fn:       fn,
		funcID:   funcID,
		regs:     make([]Value, nregs),
		locals:   make([]Value, fn.LocalCount),
		args:     args,
		upvalues: upvalues,
		retReg:   retReg,
	}
	in.frames = append(in.frames, f)
	if in.profiler != nil {
		in.profiler.RecordCall(fn.Name)
	}
	return nil
}

// popFrame finishes the top frame, delivering ret to the caller.
func (in *Interpreter) popFrame(ret Value) {
	f := in.frames[len(in.frames)-1]
	in.frames = in.frames[:len(in.frames)-1]
	if len(in.frames) == 0 {
		in.result = ret
		return
	}
	if f.retReg >= 0 {
		caller := in.frames[len(in.frames)-1]
		caller.regs[f.retReg] = ret
	}
}

// unwindAll drops every frame, releasing the heap handles each allocated.
func (in *Interpreter) unwindAll() {
	for i := len(in.frames) - 1; i >= 0; i-- {
		in.releaseFrame(in.frames[i])
	}
	in.frames = in.frames[:0]
}

func (in *Interpreter) releaseFrame(f *frame) {
	for _, h := range f.allocated {
		in.heap.Deallocate(h)
	}
	f.allocated = nil
}

func (in *Interpreter) top() *frame { return in.frames[len(in.frames)-1] }

// fault annotates a runtime error with its position.
func (in *Interpreter) fault(err error) error {
	f := in.top()
	return fmt.Errorf("%s@%d: %w", f.fn.Name, f.ip-1, err)
}

// run is the fetch-decode-execute loop.
func (in *Interpreter) run() (Value, error) {
	in.result = Unit()
	for len(in.frames) > 0 {
		if in.signals.Pending() {
			reason, _ := in.signals.Poll()
			in.unwindAll()
			return Unit(), &InterruptError{Reason: reason}
		}
		f := in.top()
		if f.ip >= len(f.fn.Instrs) {
			in.popFrame(Unit())
			continue
		}
		instr := f.fn.Instrs[f.ip]
		f.ip++
		if in.profiler != nil {
			in.profiler.RecordOp(instr.Op)
		}
		if err := in.exec(f, instr); err != nil {
			in.unwindAll()
			return Unit(), err
		}
	}
	return in.result, nil
}

func (in *Interpreter) jump(f *frame, label uint32) error {
	idx, ok := f.fn.Labels()[label]
	if !ok {
		return in.fault(fmt.Errorf("%w: unknown label %d", ErrInvalidOpcode, label))
	}
	f.ip = idx
	return nil
}

// localCell returns the promotion cell for slot if one exists.
func (f *frame) localCell(slot int) *Upvalue {
	if f.cells == nil {
		return nil
	}
	return f.cells[slot]
}

func (f *frame) loadLocal(slot int) Value {
	if c := f.localCell(slot); c != nil {
		return c.V
	}
	if slot >= len(f.locals) {
		return Unit()
	}
	return f.locals[slot]
}

func (f *frame) storeLocal(slot int, v Value) {
	if c := f.localCell(slot); c != nil {
		c.V = v
		return
	}
	for slot >= len(f.locals) {
		f.locals = append(f.locals, Unit())
	}
	f.locals[slot] = v
}

// promote ensures slot has a cell, seeding it from the current value.
func (f *frame) promote(slot int) *Upvalue {
	if f.cells == nil {
		f.cells = make(map[int]*Upvalue)
	}
	if c := f.cells[slot]; c != nil {
		return c
	}
	var seed Value
	if slot < len(f.locals) {
		seed = f.locals[slot]
	} else {
		seed = Unit()
	}
	c := &Upvalue{V: seed}
	f.cells[slot] = c
	return c
}

func (in *Interpreter) exec(f *frame, instr Instruction) error {
	o := instr.Operands
	switch instr.Op {

	// --- control flow ---

	case OpNop, OpLabel, OpYield, OpStackAlloc, OpTryEnd:
		if instr.Op == OpTryEnd && len(f.handlers) > 0 {
			f.handlers = f.handlers[:len(f.handlers)-1]
		}

	case OpReturn:
		in.popFrame(Unit())

	case OpReturnValue:
		in.popFrame(f.regs[o[0]])

	case OpJmp:
		return in.jump(f, leU32(o))

	case OpJmpIf:
		if f.regs[o[0]].Bool() {
			return in.jump(f, leU32(o[1:]))
		}

	case OpJmpIfNot:
		if !f.regs[o[0]].Bool() {
			return in.jump(f, leU32(o[1:]))
		}

	case OpSwitch:
		cond := f.regs[o[0]]
		table := in.module.JumpTableByID(leU16(o[5:]))
		if table != nil {
			if label, ok := table.Lookup(cond.I); ok {
				return in.jump(f, label)
			}
		}
		return in.jump(f, leU32(o[1:]))

	case OpLoopStart:
		current, end, step := f.regs[o[0]].I, f.regs[o[1]].I, f.regs[o[2]].I
		if (step >= 0 && current >= end) || (step < 0 && current <= end) {
			return in.jump(f, leU32(o[3:]))
		}

	case OpLoopInc:
		f.regs[o[0]] = NewInt(f.regs[o[0]].I + f.regs[o[1]].I)
		return in.jump(f, leU32(o[2:]))

	// --- registers and loads ---

	case OpMov:
		f.regs[o[0]] = f.regs[o[1]]

	case OpLoadConst:
		idx := leU16(o[1:])
		if int(idx) >= len(in.module.Consts) {
			return in.fault(fmt.Errorf("%w: const %d", ErrInvalidOpcode, idx))
		}
		f.regs[o[0]] = in.module.Consts[idx].Value()

	case OpLoadLocal:
		f.regs[o[0]] = f.loadLocal(int(leU16(o[1:])))

	case OpStoreLocal:
		f.storeLocal(int(leU16(o[1:])), f.regs[o[0]])

	case OpLoadArg:
		if int(o[1]) < len(f.args) {
			f.regs[o[0]] = f.args[o[1]]
		} else {
			f.regs[o[0]] = Unit()
		}

	case OpI64Const:
		f.regs[o[0]] = NewInt(int64(leU64(o[1:])))

	case OpI32Const:
		f.regs[o[0]] = NewInt(int64(int32(leU32(o[1:]))))

	case OpF64Const:
		f.regs[o[0]] = NewFloat(math.Float64frombits(leU64(o[1:])))

	case OpF32Const:
		f.regs[o[0]] = NewFloat(float64(math.Float32frombits(leU32(o[1:]))))

	// --- integer arithmetic ---

	case OpI64Add, OpI32Add:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I + f.regs[o[2]].I)
	case OpI64Sub, OpI32Sub:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I - f.regs[o[2]].I)
	case OpI64Mul, OpI32Mul:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I * f.regs[o[2]].I)
	case OpI64Div, OpI32Div:
		if f.regs[o[2]].I == 0 {
			return in.throwOrFault(NewString("division by zero"), ErrDivisionByZero)
		}
		f.regs[o[0]] = NewInt(f.regs[o[1]].I / f.regs[o[2]].I)
	case OpI64Rem, OpI32Rem:
		if f.regs[o[2]].I == 0 {
			return in.throwOrFault(NewString("division by zero"), ErrDivisionByZero)
		}
		f.regs[o[0]] = NewInt(f.regs[o[1]].I % f.regs[o[2]].I)
	case OpI64And, OpI32And:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I & f.regs[o[2]].I)
	case OpI64Or, OpI32Or:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I | f.regs[o[2]].I)
	case OpI64Xor, OpI32Xor:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I ^ f.regs[o[2]].I)
	case OpI64Shl, OpI32Shl:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I << uint64(f.regs[o[2]].I))
	case OpI64Sar, OpI32Sar:
		f.regs[o[0]] = NewInt(f.regs[o[1]].I >> uint64(f.regs[o[2]].I))
	case OpI64Shr, OpI32Shr:
		f.regs[o[0]] = NewInt(int64(uint64(f.regs[o[1]].I) >> uint64(f.regs[o[2]].I)))
	case OpI64Neg, OpI32Neg:
		f.regs[o[0]] = NewInt(-f.regs[o[1]].I)

	// --- float arithmetic ---

	case OpF64Add, OpF32Add:
		f.regs[o[0]] = NewFloat(f.regs[o[1]].F + f.regs[o[2]].F)
	case OpF64Sub, OpF32Sub:
		f.regs[o[0]] = NewFloat(f.regs[o[1]].F - f.regs[o[2]].F)
	case OpF64Mul, OpF32Mul:
		f.regs[o[0]] = NewFloat(f.regs[o[1]].F * f.regs[o[2]].F)
	case OpF64Div, OpF32Div:
		f.regs[o[0]] = NewFloat(f.regs[o[1]].F / f.regs[o[2]].F)
	case OpF64Rem, OpF32Rem:
		f.regs[o[0]] = NewFloat(math.Mod(f.regs[o[1]].F, f.regs[o[2]].F))
	case OpF64Sqrt, OpF32Sqrt:
		f.regs[o[0]] = NewFloat(math.Sqrt(f.regs[o[1]].F))
	case OpF64Neg, OpF32Neg:
		f.regs[o[0]] = NewFloat(-f.regs[o[1]].F)

	// --- comparisons ---

	case OpI64Eq:
		f.regs[o[0]] = NewBool(f.regs[o[1]].I == f.regs[o[2]].I)
	case OpI64Ne:
		f.regs[o[0]] = NewBool(f.regs[o[1]].I != f.regs[o[2]].I)
	case OpI64Lt:
		f.regs[o[0]] = NewBool(f.regs[o[1]].I < f.regs[o[2]].I)
	case OpI64Le:
		f.regs[o[0]] = NewBool(f.regs[o[1]].I <= f.regs[o[2]].I)
	case OpI64Gt:
		f.regs[o[0]] = NewBool(f.regs[o[1]].I > f.regs[o[2]].I)
	case OpI64Ge:
		f.regs[o[0]] = NewBool(f.regs[o[1]].I >= f.regs[o[2]].I)
	case OpF64Eq:
		f.regs[o[0]] = NewBool(f.regs[o[1]].F == f.regs[o[2]].F)
	case OpF64Ne:
		f.regs[o[0]] = NewBool(f.regs[o[1]].F != f.regs[o[2]].F)
	case OpF64Lt:
		f.regs[o[0]] = NewBool(f.regs[o[1]].F < f.regs[o[2]].F)
	case OpF64Le:
		f.regs[o[0]] = NewBool(f.regs[o[1]].F <= f.regs[o[2]].F)
	case OpF64Gt:
		f.regs[o[0]] = NewBool(f.regs[o[1]].F > f.regs[o[2]].F)
	case OpF64Ge:
		f.regs[o[0]] = NewBool(f.regs[o[1]].F >= f.regs[o[2]].F)

	// --- memory and objects ---

	case OpHeapAlloc:
		kind := heapKindForAlloc(o[1])
		count := int(leU16(o[2:]))
		hv := NewHeapValue(kind, count)
		h := in.heap.Allocate(hv)
		f.allocated = append(f.allocated, h)
		f.regs[o[0]] = Value{Kind: valueKindForHeap(kind), H: h}

	case OpNewListWithCap:
		hv := &HeapValue{Kind: HeapList, Elems: make([]Value, 0, int(leU16(o[1:])))}
		h := in.heap.Allocate(hv)
		f.allocated = append(f.allocated, h)
		f.regs[o[0]] = Value{Kind: KindList, H: h}

	case OpDrop:
		v := f.regs[o[0]]
		switch v.Kind {
		case KindTuple, KindArray, KindList, KindDict, KindStruct:
			in.heap.Deallocate(v.H)
		}
		f.regs[o[0]] = Unit()

	case OpGetField:
		hv := in.heap.Get(f.regs[o[1]].H)
		if hv == nil {
			return in.fault(ErrInvalidHandle)
		}
		v, err := hv.Get(int(leU16(o[2:])))
		if err != nil {
			return in.fault(err)
		}
		f.regs[o[0]] = v

	case OpSetField:
		hv := in.heap.Get(f.regs[o[0]].H)
		if hv == nil {
			return in.fault(ErrInvalidHandle)
		}
		if err := hv.Set(int(leU16(o[1:])), f.regs[o[3]]); err != nil {
			return in.fault(err)
		}

	case OpLoadElement:
		hv := in.heap.Get(f.regs[o[1]].H)
		if hv == nil {
			return in.fault(ErrInvalidHandle)
		}
		if hv.Kind == HeapDict {
			v, _ := hv.DictGet(f.regs[o[2]])
			f.regs[o[0]] = v
			break
		}
		v, err := hv.Get(int(f.regs[o[2]].I))
		if err != nil {
			return in.throwOrFault(NewString("index out of range"), err)
		}
		f.regs[o[0]] = v

	case OpStoreElement:
		hv := in.heap.Get(f.regs[o[0]].H)
		if hv == nil {
			return in.fault(ErrInvalidHandle)
		}
		if hv.Kind == HeapDict {
			hv.DictSet(f.regs[o[1]], f.regs[o[2]])
			break
		}
		idx := int(f.regs[o[1]].I)
		if hv.Kind == HeapList && idx == hv.Len() {
			hv.Append(f.regs[o[2]])
			break
		}
		if err := hv.Set(idx, f.regs[o[2]]); err != nil {
			return in.throwOrFault(NewString("index out of range"), err)
		}

	case OpBoundsCheck:
		hv := in.heap.Get(f.regs[o[0]].H)
		if hv == nil {
			return in.fault(ErrInvalidHandle)
		}
		idx := int(f.regs[o[1]].I)
		if idx < 0 || idx >= hv.Len() {
			return in.throwOrFault(NewString("index out of range"),
				fmt.Errorf("vm: bounds check failed: %d not in [0,%d)", idx, hv.Len()))
		}

	case OpArcNew:
		f.regs[o[0]] = Value{Kind: KindArc, Arc: NewArc(f.regs[o[1]])}

	case OpArcClone:
		src := f.regs[o[1]]
		if src.Kind != KindArc || src.Arc == nil {
			return in.fault(ErrTypeFault)
		}
		src.Arc.Retain()
		f.regs[o[0]] = src

	case OpArcDrop:
		v := f.regs[o[0]]
		if v.Kind == KindArc && v.Arc != nil {
			v.Arc.Release()
		}
		f.regs[o[0]] = Unit()

	// --- calls and closures ---

	case OpCallStatic:
		funcID := leU32(o[1:])
		args, err := in.copyArgs(f, o[5], o[6])
		if err != nil {
			return err
		}
		return in.pushFrame(funcID, args, nil, int(o[0]))

	case OpTailCall:
		funcID := leU32(o)
		args, err := in.copyArgs(f, o[4], o[5])
		if err != nil {
			return err
		}
		retReg := f.retReg
		// The replaced frame's allocations stay live: they may be
		// reachable through the tail callee's arguments.
		in.frames = in.frames[:len(in.frames)-1]
		return in.pushFrame(funcID, args, nil, retReg)

	case OpCallVirt:
		recv := f.regs[o[1]]
		site := CallSiteKey(f.funcID, f.ip-1)
		typeID := recv.RuntimeTypeID()
		var funcID uint32
		if res := in.caches.Check(site, typeID); res.Hit {
			funcID = res.Entry.MethodOffset
		} else {
			vtable, ok := in.vtables[typeID]
			slot := int(leU16(o[2:]))
			if !ok || slot >= len(vtable) {
				return in.fault(fmt.Errorf("%w: no vtable slot %d for type %d",
					ErrFunctionNotFound, slot, typeID))
			}
			funcID = vtable[slot]
			in.caches.Update(site, CacheEntry{
				ReceiverTypeID: typeID,
				MethodOffset:   funcID,
				VTableIndex:    uint16(slot),
			})
		}
		args, err := in.copyArgs(f, o[4], o[5])
		if err != nil {
			return err
		}
		return in.pushFrame(funcID, args, nil, int(o[0]))

	case OpCallDyn:
		recv := f.regs[o[1]]
		args, err := in.copyArgs(f, o[4], o[5])
		if err != nil {
			return err
		}
		if recv.Kind == KindFunction {
			if recv.Fn == nil {
				return in.fault(ErrTypeFault)
			}
			return in.pushFrame(recv.Fn.FuncID, args, recv.Fn.Upvalues, int(o[0]))
		}
		site := CallSiteKey(f.funcID, f.ip-1)
		typeID := recv.RuntimeTypeID()
		var funcID uint32
		if res := in.caches.Check(site, typeID); res.Hit {
			funcID = res.Entry.MethodOffset
		} else {
			nameIdx := leU16(o[2:])
			if int(nameIdx) >= len(in.module.Consts) {
				return in.fault(fmt.Errorf("%w: method name const %d", ErrInvalidOpcode, nameIdx))
			}
			name := in.module.Consts[nameIdx].Str
			funcID2, ok := in.lookupMethod(typeID, name)
			if !ok {
				return in.fault(fmt.Errorf("%w: method %q for type %d",
					ErrFunctionNotFound, name, typeID))
			}
			funcID = funcID2
			in.caches.Update(site, CacheEntry{ReceiverTypeID: typeID, MethodOffset: funcID})
		}
		return in.pushFrame(funcID, args, nil, int(o[0]))

	case OpCallNative:
		symIdx := leU16(o[1:])
		if int(symIdx) >= len(in.module.Consts) {
			return in.fault(fmt.Errorf("%w: native symbol const %d", ErrInvalidOpcode, symIdx))
		}
		symbol := in.module.Consts[symIdx].Str
		fn, ok := in.natives.Lookup(symbol)
		if !ok {
			return in.fault(fmt.Errorf("%w: native %q", ErrFunctionNotFound, symbol))
		}
		args, err := in.copyArgs(f, o[3], o[4])
		if err != nil {
			return err
		}
		ret, err := fn(in, args)
		if err != nil {
			return in.throwOrFault(NewString(err.Error()), err)
		}
		f.regs[o[0]] = ret

	case OpMakeClosure:
		funcID := leU32(o[1:])
		envc := int(o[5])
		ups := make([]*Upvalue, envc)
		for i := 0; i < envc; i++ {
			ups[i] = f.promote(int(o[6+i]))
		}
		f.regs[o[0]] = Value{Kind: KindFunction, Fn: &Closure{FuncID: funcID, Upvalues: ups}}

	case OpLoadUpvalue:
		if int(o[1]) >= len(f.upvalues) {
			return in.fault(fmt.Errorf("%w: upvalue %d", ErrInvalidOpcode, o[1]))
		}
		f.regs[o[0]] = f.upvalues[o[1]].V

	case OpStoreUpval:
		if int(o[1]) >= len(f.upvalues) {
			return in.fault(fmt.Errorf("%w: upvalue %d", ErrInvalidOpcode, o[1]))
		}
		f.upvalues[o[1]].V = f.regs[o[0]]

	case OpCloseUpval:
		f.promote(int(o[0]))

	// --- strings ---

	case OpStrLen:
		f.regs[o[0]] = NewInt(int64(len(f.regs[o[1]].S)))
	case OpStrConcat:
		f.regs[o[0]] = NewString(f.regs[o[1]].S + f.regs[o[2]].S)
	case OpStrEq:
		f.regs[o[0]] = NewBool(f.regs[o[1]].S == f.regs[o[2]].S)
	case OpStrGetChar:
		s := f.regs[o[1]].S
		idx := int(f.regs[o[2]].I)
		runes := []rune(s)
		if idx < 0 || idx >= len(runes) {
			return in.throwOrFault(NewString("index out of range"),
				fmt.Errorf("vm: string index %d out of range", idx))
		}
		f.regs[o[0]] = NewChar(runes[idx])
	case OpStrFromInt:
		f.regs[o[0]] = NewString(fmt.Sprintf("%d", f.regs[o[1]].I))
	case OpStrFromFloat:
		f.regs[o[0]] = NewString(fmt.Sprintf("%g", f.regs[o[1]].F))

	// --- exceptions ---

	case OpTryBegin:
		f.handlers = append(f.handlers, tryHandler{label: leU32(o), errReg: o[4]})

	case OpThrow:
		return in.throwValue(f.regs[o[0]])

	case OpRethrow:
		if !in.hasThrown {
			return in.fault(fmt.Errorf("vm: rethrow with no active exception"))
		}
		return in.throwValue(in.thrown)

	// --- checks and casts ---

	case OpTypeCheck:
		f.regs[o[0]] = NewBool(f.regs[o[1]].RuntimeTypeID() == uint32(leU16(o[2:])))

	case OpTypeOf:
		f.regs[o[0]] = NewInt(int64(f.regs[o[1]].RuntimeTypeID()))

	case OpCast:
		v, err := castValue(f.regs[o[1]], uint32(leU16(o[2:])))
		if err != nil {
			return in.throwOrFault(NewString(err.Error()), err)
		}
		f.regs[o[0]] = v

	case OpInvalid:
		return in.fault(ErrInvalidOpcode)

	default:
		return in.fault(fmt.Errorf("%w: 0x%02X", ErrInvalidOpcode, byte(instr.Op)))
	}
	return nil
}

// copyArgs snapshots the caller's argument window. RegisterCount sizes
// the frame from operand registers only, so the window bound gets its own
// check against the register file.
func (in *Interpreter) copyArgs(f *frame, base, argc byte) ([]Value, error) {
	if argc == 0 {
		return nil, nil
	}
	end := int(base) + int(argc)
	if end > len(f.regs) {
		return nil, in.fault(fmt.Errorf("%w: argument window r%d..r%d outside the register file",
			ErrInvalidOpcode, base, end-1))
	}
	args := make([]Value, argc)
	copy(args, f.regs[base:end])
	return args, nil
}

func (in *Interpreter) lookupMethod(typeID uint32, name string) (uint32, bool) {
	if byType, ok := in.methods[typeID]; ok {
		if id, ok := byType[name]; ok {
			return id, true
		}
	}
	// Fall back to a module function of that name.
	return in.module.FunctionID(name)
}

// throwValue transfers control to the innermost try handler, unwinding
// frames as needed. Handles reachable from the thrown value stay live
// across the unwind; the handling frame adopts them. With no handler
// anywhere it is an uncaught throw.
func (in *Interpreter) throwValue(v Value) error {
	in.thrown = v
	in.hasThrown = true
	keep := make(map[Handle]bool)
	in.markReachable(v, keep, make(map[any]bool))
	var carried []Handle
	for len(in.frames) > 0 {
		f := in.top()
		if n := len(f.handlers); n > 0 {
			h := f.handlers[n-1]
			f.handlers = f.handlers[:n-1]
			f.regs[h.errReg] = v
			f.allocated = append(f.allocated, carried...)
			return in.jump(f, h.label)
		}
		carried = append(carried, in.releaseFrameExcept(f, keep)...)
		in.frames = in.frames[:len(in.frames)-1]
	}
	return &ThrowError{Value: v}
}

// markReachable records every heap handle reachable from v. The refs set
// breaks cycles through closures and arc cells, which have no handle of
// their own.
func (in *Interpreter) markReachable(v Value, seen map[Handle]bool, refs map[any]bool) {
	switch v.Kind {
	case KindTuple, KindArray, KindList, KindDict, KindStruct:
		if seen[v.H] {
			return
		}
		seen[v.H] = true
		hv := in.heap.Get(v.H)
		if hv == nil {
			return
		}
		for _, e := range hv.Elems {
			in.markReachable(e, seen, refs)
		}
		for _, k := range hv.Keys {
			in.markReachable(k, seen, refs)
		}
		for _, e := range hv.Entries {
			in.markReachable(e, seen, refs)
		}
	case KindFunction:
		if v.Fn == nil || refs[v.Fn] {
			return
		}
		refs[v.Fn] = true
		for _, up := range v.Fn.Upvalues {
			in.markReachable(up.V, seen, refs)
		}
	case KindArc:
		if v.Arc == nil || refs[v.Arc] {
			return
		}
		refs[v.Arc] = true
		in.markReachable(v.Arc.Get(), seen, refs)
	}
}

// releaseFrameExcept releases the frame's allocations and returns the kept
// handles for the handling frame to own.
func (in *Interpreter) releaseFrameExcept(f *frame, keep map[Handle]bool) []Handle {
	var kept []Handle
	for _, h := range f.allocated {
		if keep[h] {
			kept = append(kept, h)
			continue
		}
		in.heap.Deallocate(h)
	}
	f.allocated = nil
	return kept
}

// throwOrFault routes a runtime fault through the try machinery when a
// handler is active, otherwise surfaces it as an error.
func (in *Interpreter) throwOrFault(thrown Value, err error) error {
	for _, f := range in.frames {
		if len(f.handlers) > 0 {
			return in.throwValue(thrown)
		}
	}
	return in.fault(err)
}

// Render formats a value for the print builtins, following collection
// handles into the heap.
func (in *Interpreter) Render(v Value) string {
	switch v.Kind {
	case KindTuple, KindArray, KindList:
		hv := in.heap.Get(v.H)
		if hv == nil {
			return "<freed>"
		}
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range hv.Elems {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(in.Render(e))
		}
		b.WriteByte(']')
		return b.String()
	case KindDict:
		hv := in.heap.Get(v.H)
		if hv == nil {
			return "<freed>"
		}
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range hv.Keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(in.Render(k))
			b.WriteString(": ")
			e, _ := hv.DictGet(k)
			b.WriteString(in.Render(e))
		}
		b.WriteByte('}')
		return b.String()
	case KindStruct:
		hv := in.heap.Get(v.H)
		if hv == nil {
			return "<freed>"
		}
		return hv.String()
	}
	return v.String()
}

func heapKindForAlloc(b byte) HeapKind {
	switch b {
	case AllocTuple:
		return HeapTuple
	case AllocArray:
		return HeapArray
	case AllocList:
		return HeapList
	case AllocDict:
		return HeapDict
	}
	return HeapStruct
}

func valueKindForHeap(k HeapKind) ValueKind {
	switch k {
	case HeapTuple:
		return KindTuple
	case HeapArray:
		return KindArray
	case HeapList:
		return KindList
	case HeapDict:
		return KindDict
	}
	return KindStruct
}

func castValue(v Value, typeID uint32) (Value, error) {
	switch typeID {
	case 9: // Int64
		switch v.Kind {
		case KindInt, KindBool, KindChar:
			return NewInt(v.I), nil
		case KindFloat:
			return NewInt(int64(v.F)), nil
		case KindString:
			var n int64
			if _, err := fmt.Sscanf(v.S, "%d", &n); err != nil {
				return Unit(), fmt.Errorf("vm: cannot cast %q to Int", v.S)
			}
			return NewInt(n), nil
		}
	case 13: // Float64
		switch v.Kind {
		case KindInt, KindBool, KindChar:
			return NewFloat(float64(v.I)), nil
		case KindFloat:
			return v, nil
		}
	case 1: // Bool
		return NewBool(v.Bool()), nil
	case 11: // String
		return NewString(v.String()), nil
	}
	return Unit(), fmt.Errorf("vm: unsupported cast of %v to type %d", v.Kind, typeID)
}
