package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// Assembly helpers for hand-built test modules.

func u16b(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

func u32b(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func u64b(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func ops(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func b(vals ...byte) []byte { return vals }

func TestInterpreterArithmetic(t *testing.T) {
	m := NewModule()
	f := &Function{Name: "main", ReturnType: 9}
	f.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(0), u64b(40))...),
		NewInstr(OpI64Const, ops(b(1), u64b(2))...),
		NewInstr(OpI64Add, 2, 0, 1),
		NewInstr(OpReturnValue, 2),
	}
	m.AddFunction(f)

	in := NewInterpreter(m)
	got, err := in.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Kind != KindInt || got.I != 42 {
		t.Errorf("result = %v, want 42", got)
	}
}

func TestInterpreterCallStatic(t *testing.T) {
	m := NewModule()

	add := &Function{Name: "add", ParamTypes: []uint32{9, 9}, ReturnType: 9}
	add.Instrs = []Instruction{
		NewInstr(OpLoadArg, 0, 0),
		NewInstr(OpLoadArg, 1, 1),
		NewInstr(OpI64Add, 2, 0, 1),
		NewInstr(OpReturnValue, 2),
	}
	addID := m.AddFunction(add)

	main := &Function{Name: "main", ReturnType: 9}
	main.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(1), u64b(20))...),
		NewInstr(OpI64Const, ops(b(2), u64b(22))...),
		NewInstr(OpCallStatic, ops(b(0), u32b(addID), b(1, 2))...),
		NewInstr(OpReturnValue, 0),
	}
	mainID := m.AddFunction(main)
	m.EntryPoint = mainID

	got, err := NewInterpreter(m).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.I != 42 {
		t.Errorf("result = %v, want 42", got)
	}
}

func TestInterpreterRangeLoopSum(t *testing.T) {
	// sum = 0; for i in 0..5 { sum = sum + i }; sum == 10
	// Exercises the LoopStart/LoopInc strength-reduced path.
	m := NewModule()
	f := &Function{Name: "main", ReturnType: 9, LocalCount: 1}
	const startLabel, exitLabel = 1, 2
	f.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(0), u64b(0))...), // r0 = current
		NewInstr(OpI64Const, ops(b(1), u64b(5))...), // r1 = end
		NewInstr(OpI64Const, ops(b(2), u64b(1))...), // r2 = step
		NewInstr(OpI64Const, ops(b(3), u64b(0))...), // r3 = sum
		NewInstr(OpLabel, u32b(startLabel)...),
		NewInstr(OpLoopStart, ops(b(0, 1, 2), u32b(exitLabel))...),
		NewInstr(OpI64Add, 3, 3, 0),
		NewInstr(OpLoopInc, ops(b(0, 2), u32b(startLabel))...),
		NewInstr(OpLabel, u32b(exitLabel)...),
		NewInstr(OpReturnValue, 3),
	}
	m.AddFunction(f)

	got, err := NewInterpreter(m).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.I != 10 {
		t.Errorf("sum = %v, want 10", got)
	}
}

func TestInterpreterClosureObservesStores(t *testing.T) {
	// Closure capturing local 0 must see stores made after capture.
	m := NewModule()

	inner := &Function{Name: "inner", ReturnType: 9}
	inner.Instrs = []Instruction{
		NewInstr(OpLoadUpvalue, 0, 0),
		NewInstr(OpReturnValue, 0),
	}
	innerID := m.AddFunction(inner)

	main := &Function{Name: "main", ReturnType: 9, LocalCount: 1}
	main.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(0), u64b(1))...),
		NewInstr(OpStoreLocal, ops(b(0), u16b(0))...), // x = 1
		NewInstr(OpMakeClosure, ops(b(1), u32b(innerID), b(1, 0))...), // capture slot 0
		NewInstr(OpI64Const, ops(b(2), u64b(99))...),
		NewInstr(OpStoreLocal, ops(b(2), u16b(0))...), // x = 99 after capture
		NewInstr(OpCallDyn, ops(b(3, 1), u16b(0), b(0, 0))...),
		NewInstr(OpReturnValue, 3),
	}
	m.EntryPoint = m.AddFunction(main)

	got, err := NewInterpreter(m).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.I != 99 {
		t.Errorf("closure saw %v, want 99 (call-time value)", got)
	}
}

func TestInterpreterTryThrow(t *testing.T) {
	m := NewModule()
	cIdx := m.AddConst(StringConst("boom"))

	f := &Function{Name: "main", ReturnType: 11}
	const handler = 7
	f.Instrs = []Instruction{
		NewInstr(OpTryBegin, ops(u32b(handler), b(1))...),
		NewInstr(OpLoadConst, ops(b(0), u16b(cIdx))...),
		NewInstr(OpThrow, 0),
		NewInstr(OpReturnValue, 0), // skipped
		NewInstr(OpLabel, u32b(handler)...),
		NewInstr(OpReturnValue, 1), // thrown value landed in r1
	}
	m.AddFunction(f)

	got, err := NewInterpreter(m).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Kind != KindString || got.S != "boom" {
		t.Errorf("handler got %v, want \"boom\"", got)
	}
}

func TestInterpreterThrowUnwindsFrames(t *testing.T) {
	m := NewModule()
	cIdx := m.AddConst(StringConst("deep"))

	thrower := &Function{Name: "thrower", ReturnType: 0}
	thrower.Instrs = []Instruction{
		NewInstr(OpLoadConst, ops(b(0), u16b(cIdx))...),
		NewInstr(OpThrow, 0),
	}
	throwerID := m.AddFunction(thrower)

	main := &Function{Name: "main", ReturnType: 11}
	const handler = 3
	main.Instrs = []Instruction{
		NewInstr(OpTryBegin, ops(u32b(handler), b(2))...),
		NewInstr(OpCallStatic, ops(b(0), u32b(throwerID), b(0, 0))...),
		NewInstr(OpReturnValue, 0), // skipped
		NewInstr(OpLabel, u32b(handler)...),
		NewInstr(OpReturnValue, 2),
	}
	m.EntryPoint = m.AddFunction(main)

	got, err := NewInterpreter(m).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.S != "deep" {
		t.Errorf("handler got %v, want \"deep\"", got)
	}
}

func TestInterpreterThrownTupleSurvivesUnwind(t *testing.T) {
	m := NewModule()

	// The thrower allocates two tuples and throws one; unwinding must
	// release only the scratch allocation.
	thrower := &Function{Name: "thrower", ReturnType: 0}
	thrower.Instrs = []Instruction{
		NewInstr(OpHeapAlloc, ops(b(0, AllocTuple), u16b(1))...),
		NewInstr(OpI64Const, ops(b(1), u64b(0))...),
		NewInstr(OpI64Const, ops(b(2), u64b(7))...),
		NewInstr(OpStoreElement, 0, 1, 2),
		NewInstr(OpHeapAlloc, ops(b(3, AllocTuple), u16b(1))...),
		NewInstr(OpThrow, 0),
	}
	throwerID := m.AddFunction(thrower)

	main := &Function{Name: "main", ReturnType: 9}
	const handler = 5
	main.Instrs = []Instruction{
		NewInstr(OpTryBegin, ops(u32b(handler), b(3))...),
		NewInstr(OpCallStatic, ops(b(0), u32b(throwerID), b(0, 0))...),
		NewInstr(OpReturnValue, 0), // skipped
		NewInstr(OpLabel, u32b(handler)...),
		NewInstr(OpGetField, ops(b(4, 3), u16b(0))...),
		NewInstr(OpReturnValue, 4),
	}
	m.EntryPoint = m.AddFunction(main)

	in := NewInterpreter(m)
	got, err := in.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Kind != KindInt || got.I != 7 {
		t.Errorf("handler read %v from the thrown tuple, want 7", got)
	}
	if n := in.heap.Len(); n != 1 {
		t.Errorf("heap holds %d allocations after unwind, want just the thrown tuple", n)
	}
}

func TestInterpreterArgWindowBounds(t *testing.T) {
	m := NewModule()

	callee := &Function{Name: "noop", ReturnType: 0}
	calleeID := m.AddFunction(callee)

	// base 200 with argc 100 reaches past the register file.
	main := &Function{Name: "main", ReturnType: 0}
	main.Instrs = []Instruction{
		NewInstr(OpCallStatic, ops(b(0), u32b(calleeID), b(200, 100))...),
	}
	m.EntryPoint = m.AddFunction(main)

	_, err := NewInterpreter(m).Run()
	if err == nil {
		t.Fatal("argument window past the register file did not fault")
	}
	if !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("fault = %v, want %v", err, ErrInvalidOpcode)
	}
}

func TestInterpreterUncaughtThrow(t *testing.T) {
	m := NewModule()
	cIdx := m.AddConst(StringConst("nope"))
	f := &Function{Name: "main"}
	f.Instrs = []Instruction{
		NewInstr(OpLoadConst, ops(b(0), u16b(cIdx))...),
		NewInstr(OpThrow, 0),
	}
	m.AddFunction(f)

	_, err := NewInterpreter(m).Run()
	var te *ThrowError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want ThrowError", err)
	}
	if te.Value.S != "nope" {
		t.Errorf("thrown = %v, want \"nope\"", te.Value)
	}
}

func TestInterpreterDivisionByZero(t *testing.T) {
	m := NewModule()
	f := &Function{Name: "main", ReturnType: 9}
	f.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(0), u64b(1))...),
		NewInstr(OpI64Const, ops(b(1), u64b(0))...),
		NewInstr(OpI64Div, 2, 0, 1),
		NewInstr(OpReturnValue, 2),
	}
	m.AddFunction(f)

	_, err := NewInterpreter(m).Run()
	if !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("err = %v, want division by zero", err)
	}
}

func TestInterpreterInterrupt(t *testing.T) {
	// An armed interrupt is delivered at the first instruction boundary
	// and unwinds cleanly, releasing frame allocations.
	m := NewModule()
	symIdx := m.AddConst(StringConst("arm"))
	f := &Function{Name: "main", ReturnType: 9}
	const loop = 1
	f.Instrs = []Instruction{
		NewInstr(OpHeapAlloc, ops(b(0), b(AllocList), u16b(0))...),
		NewInstr(OpCallNative, ops(b(1), u16b(symIdx), b(0, 0))...),
		NewInstr(OpLabel, u32b(loop)...),
		NewInstr(OpJmp, u32b(loop)...), // spin forever
	}
	m.AddFunction(f)

	in := NewInterpreter(m)
	in.Natives().Register("arm", func(vm *Interpreter, _ []Value) (Value, error) {
		vm.Interrupts().Set(InterruptTimeout)
		return Unit(), nil
	})
	_, err := in.Run()

	var ie *InterruptError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InterruptError", err)
	}
	if ie.Reason != InterruptTimeout {
		t.Errorf("reason = %v, want timeout", ie.Reason)
	}
	if in.Heap().Len() != 0 {
		t.Errorf("heap holds %d handles after unwind, want 0", in.Heap().Len())
	}
}

func TestInterpreterStackOverflow(t *testing.T) {
	m := NewModule()
	rec := &Function{Name: "rec", ReturnType: 9}
	rec.Instrs = []Instruction{
		NewInstr(OpCallStatic, ops(b(0), u32b(0), b(0, 0))...), // calls itself
		NewInstr(OpReturnValue, 0),
	}
	m.AddFunction(rec)

	in := NewInterpreterWithConfig(m, Config{MaxDepth: 32})
	_, err := in.Run()
	var ie *InterruptError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InterruptError", err)
	}
	if ie.Reason != InterruptStackOverflow {
		t.Errorf("reason = %v, want stack overflow", ie.Reason)
	}
}

func TestInterpreterSwitchJumpTable(t *testing.T) {
	m := NewModule()
	table := NewJumpTable(0)
	const caseOne, caseTwo, defaultL = 1, 2, 3
	table.Add(1, caseOne)
	table.Add(2, caseTwo)
	m.JumpTables = append(m.JumpTables, table)

	f := &Function{Name: "choose", ParamTypes: []uint32{9}, ReturnType: 9}
	f.Instrs = []Instruction{
		NewInstr(OpLoadArg, 0, 0),
		NewInstr(OpSwitch, ops(b(0), u32b(defaultL), u16b(0))...),
		NewInstr(OpLabel, u32b(caseOne)...),
		NewInstr(OpI64Const, ops(b(1), u64b(100))...),
		NewInstr(OpReturnValue, 1),
		NewInstr(OpLabel, u32b(caseTwo)...),
		NewInstr(OpI64Const, ops(b(1), u64b(200))...),
		NewInstr(OpReturnValue, 1),
		NewInstr(OpLabel, u32b(defaultL)...),
		NewInstr(OpI64Const, ops(b(1), u64b(0))...),
		NewInstr(OpReturnValue, 1),
	}
	m.AddFunction(f)

	in := NewInterpreter(m)
	for _, tc := range []struct {
		arg  int64
		want int64
	}{{1, 100}, {2, 200}, {7, 0}} {
		got, err := in.Call("choose", []Value{NewInt(tc.arg)})
		if err != nil {
			t.Fatalf("Call(%d): %v", tc.arg, err)
		}
		if got.I != tc.want {
			t.Errorf("choose(%d) = %v, want %d", tc.arg, got, tc.want)
		}
	}
}

func TestInterpreterCallVirtPopulatesCache(t *testing.T) {
	m := NewModule()

	method := &Function{Name: "speak", ParamTypes: []uint32{20}, ReturnType: 9}
	method.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(0), u64b(7))...),
		NewInstr(OpReturnValue, 0),
	}
	methodID := m.AddFunction(method)

	main := &Function{Name: "main", ReturnType: 9}
	main.Instrs = []Instruction{
		NewInstr(OpHeapAlloc, ops(b(1), b(AllocStruct), u16b(0))...),
		NewInstr(OpCallVirt, ops(b(0, 1), u16b(0), b(1, 1))...),
		NewInstr(OpReturnValue, 0),
	}
	m.EntryPoint = m.AddFunction(main)

	in := NewInterpreter(m)
	in.RegisterVTable(20, []uint32{methodID})

	got, err := in.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.I != 7 {
		t.Errorf("result = %v, want 7", got)
	}
	// The call site cached the dispatch.
	site := CallSiteKey(m.EntryPoint, 1)
	if in.Caches().State(site) != CacheMonomorphic {
		t.Errorf("site state = %v, want monomorphic", in.Caches().State(site))
	}
}

func TestInterpreterNativeCall(t *testing.T) {
	m := NewModule()
	symIdx := m.AddConst(StringConst("double"))
	f := &Function{Name: "main", ReturnType: 9}
	f.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(1), u64b(21))...),
		NewInstr(OpCallNative, ops(b(0), u16b(symIdx), b(1, 1))...),
		NewInstr(OpReturnValue, 0),
	}
	m.AddFunction(f)

	in := NewInterpreter(m)
	in.Natives().Register("double", func(_ *Interpreter, args []Value) (Value, error) {
		return NewInt(args[0].I * 2), nil
	})
	got, err := in.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.I != 42 {
		t.Errorf("result = %v, want 42", got)
	}
}

func TestInterpreterPrintNative(t *testing.T) {
	m := NewModule()
	symIdx := m.AddConst(StringConst("println"))
	strIdx := m.AddConst(StringConst("hello"))
	f := &Function{Name: "main"}
	f.Instrs = []Instruction{
		NewInstr(OpLoadConst, ops(b(1), u16b(strIdx))...),
		NewInstr(OpCallNative, ops(b(0), u16b(symIdx), b(1, 1))...),
		NewInstr(OpReturn),
	}
	m.AddFunction(f)

	var out bytes.Buffer
	in := NewInterpreterWithConfig(m, Config{Stdout: &out})
	if _, err := in.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "hello\n" {
		t.Errorf("stdout = %q, want \"hello\\n\"", out.String())
	}
}

func TestInterpreterTailCall(t *testing.T) {
	// countdown(n): if n == 0 return 42 else tailcall countdown(n-1)
	m := NewModule()
	f := &Function{Name: "countdown", ParamTypes: []uint32{9}, ReturnType: 9}
	const done = 1
	f.Instrs = []Instruction{
		NewInstr(OpLoadArg, 0, 0),
		NewInstr(OpI64Const, ops(b(1), u64b(0))...),
		NewInstr(OpI64Eq, 2, 0, 1),
		NewInstr(OpJmpIf, ops(b(2), u32b(done))...),
		NewInstr(OpI64Const, ops(b(3), u64b(1))...),
		NewInstr(OpI64Sub, 4, 0, 3),
		NewInstr(OpTailCall, ops(u32b(0), b(4, 1))...),
		NewInstr(OpLabel, u32b(done)...),
		NewInstr(OpI64Const, ops(b(5), u64b(42))...),
		NewInstr(OpReturnValue, 5),
	}
	m.AddFunction(f)

	// Depth far beyond MaxDepth proves frames are replaced, not stacked.
	in := NewInterpreterWithConfig(m, Config{MaxDepth: 16})
	got, err := in.Call("countdown", []Value{NewInt(10000)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.I != 42 {
		t.Errorf("result = %v, want 42", got)
	}
}

func BenchmarkInterpreterLoop(bb *testing.B) {
	m := NewModule()
	f := &Function{Name: "main", ReturnType: 9}
	const startLabel, exitLabel = 1, 2
	f.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(0), u64b(0))...),
		NewInstr(OpI64Const, ops(b(1), u64b(1000))...),
		NewInstr(OpI64Const, ops(b(2), u64b(1))...),
		NewInstr(OpI64Const, ops(b(3), u64b(0))...),
		NewInstr(OpLabel, u32b(startLabel)...),
		NewInstr(OpLoopStart, ops(b(0, 1, 2), u32b(exitLabel))...),
		NewInstr(OpI64Add, 3, 3, 0),
		NewInstr(OpLoopInc, ops(b(0, 2), u32b(startLabel))...),
		NewInstr(OpLabel, u32b(exitLabel)...),
		NewInstr(OpReturnValue, 3),
	}
	m.AddFunction(f)

	bb.ResetTimer()
	for i := 0; i < bb.N; i++ {
		if _, err := NewInterpreter(m).Run(); err != nil {
			bb.Fatal(err)
		}
	}
}
