package vm

import "testing"

func TestProfilerCounts(t *testing.T) {
	m := NewModule()
	f := &Function{Name: "main", ReturnType: 9}
	f.Instrs = []Instruction{
		NewInstr(OpI64Const, ops(b(0), u64b(1))...),
		NewInstr(OpI64Const, ops(b(1), u64b(2))...),
		NewInstr(OpI64Add, 2, 0, 1),
		NewInstr(OpReturnValue, 2),
	}
	m.AddFunction(f)

	p := NewProfiler()
	in := NewInterpreterWithConfig(m, Config{Profiler: p})
	if _, err := in.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := p.OpCount(OpI64Const); n != 2 {
		t.Errorf("I64Const count = %d, want 2", n)
	}
	if n := p.OpCount(OpI64Add); n != 1 {
		t.Errorf("I64Add count = %d, want 1", n)
	}
	if n := p.CallCount("main"); n != 1 {
		t.Errorf("main calls = %d, want 1", n)
	}
	if total := p.TotalOps(); total != 4 {
		t.Errorf("total ops = %d, want 4", total)
	}
}

func TestProfilerHotFunctions(t *testing.T) {
	p := NewProfiler()
	p.RecordCall("cold")
	for i := 0; i < 5; i++ {
		p.RecordCall("hot")
	}
	hot := p.HotFunctions()
	if len(hot) != 2 || hot[0] != "hot" || hot[1] != "cold" {
		t.Errorf("hot order = %v, want [hot cold]", hot)
	}
}

func TestProfilerFlush(t *testing.T) {
	db, err := OpenProfileDB("")
	if err != nil {
		t.Fatalf("OpenProfileDB: %v", err)
	}
	defer db.Close()

	p := NewProfiler()
	p.RecordOp(OpI64Add)
	p.RecordOp(OpI64Add)
	p.RecordCall("main")

	if err := p.Flush(db, "bench"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var executed uint64
	err = db.QueryRow(
		`SELECT executed FROM op_counts WHERE module = 'bench' AND opcode = 'I64Add'`).
		Scan(&executed)
	if err != nil {
		t.Fatalf("query op_counts: %v", err)
	}
	if executed != 2 {
		t.Errorf("executed = %d, want 2", executed)
	}

	var calls uint64
	err = db.QueryRow(
		`SELECT calls FROM call_counts WHERE module = 'bench' AND function = 'main'`).
		Scan(&calls)
	if err != nil {
		t.Fatalf("query call_counts: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestProfilerReset(t *testing.T) {
	p := NewProfiler()
	p.RecordOp(OpNop)
	p.RecordCall("f")
	p.Reset()
	if p.TotalOps() != 0 || p.CallCount("f") != 0 {
		t.Error("Reset left counters populated")
	}
}
