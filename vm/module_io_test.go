package vm

import (
	"bytes"
	"testing"
)

func sampleModule() *Module {
	m := NewModule()
	m.AddType(9)  // Int64
	m.AddType(13) // Float64

	f := &Function{
		Name:       "main",
		ParamTypes: nil,
		ReturnType: 9,
		LocalCount: 1,
	}
	cIdx := m.AddConst(IntConst(41))
	f.Instrs = append(f.Instrs,
		NewInstr(OpLoadConst, 0, byte(cIdx), byte(cIdx>>8)),
		NewInstr(OpI64Const, 1, 1, 0, 0, 0, 0, 0, 0, 0),
		NewInstr(OpI64Add, 2, 0, 1),
		NewInstr(OpReturnValue, 2),
	)
	m.AddFunction(f)
	m.AddConst(StringConst("greeting"))
	m.AddConst(FloatConst(2.5))
	m.Globals = append(m.Globals, GlobalInfo{Name: "answer", TypeID: 9})

	t := NewJumpTable(0)
	t.Add(1, 10)
	t.Add(2, 20)
	t.Add(3, 30)
	m.JumpTables = append(m.JumpTables, t)
	return m
}

func TestModuleMagicBytes(t *testing.T) {
	data := sampleModule().Encode()
	want := []byte{0x59, 0x58, 0x42, 0x43}
	if !bytes.Equal(data[:4], want) {
		t.Fatalf("magic = % X, want % X (\"YXBC\")", data[:4], want)
	}
}

func TestModuleRoundTrip(t *testing.T) {
	orig := sampleModule()
	data := orig.Encode()

	got, err := ReadModule(data)
	if err != nil {
		t.Fatalf("ReadModule: %v", err)
	}

	if len(got.Functions) != len(orig.Functions) {
		t.Fatalf("functions = %d, want %d", len(got.Functions), len(orig.Functions))
	}
	gf, of := got.Functions[0], orig.Functions[0]
	if gf.Name != of.Name || gf.ReturnType != of.ReturnType || gf.LocalCount != of.LocalCount {
		t.Errorf("function header mismatch: %+v vs %+v", gf, of)
	}
	if len(gf.Instrs) != len(of.Instrs) {
		t.Fatalf("instrs = %d, want %d", len(gf.Instrs), len(of.Instrs))
	}
	for i := range gf.Instrs {
		if gf.Instrs[i].Op != of.Instrs[i].Op ||
			!bytes.Equal(gf.Instrs[i].Operands, of.Instrs[i].Operands) {
			t.Errorf("instr %d = %v, want %v", i, gf.Instrs[i], of.Instrs[i])
		}
	}

	if len(got.Consts) != len(orig.Consts) {
		t.Fatalf("consts = %d, want %d", len(got.Consts), len(orig.Consts))
	}
	for i := range got.Consts {
		if !got.Consts[i].Equal(orig.Consts[i]) {
			t.Errorf("const %d = %v, want %v", i, got.Consts[i], orig.Consts[i])
		}
	}

	// Re-encoding the parsed module is byte-identical.
	if !bytes.Equal(got.Encode(), data) {
		t.Error("re-encoded module differs from original bytes")
	}
}

func TestModuleRoundTripJumpTables(t *testing.T) {
	got, err := ReadModule(sampleModule().Encode())
	if err != nil {
		t.Fatalf("ReadModule: %v", err)
	}
	tab := got.JumpTableByID(0)
	if tab == nil {
		t.Fatal("jump table 0 missing after round trip")
	}
	for value, want := range map[int64]uint32{1: 10, 2: 20, 3: 30} {
		label, ok := tab.Lookup(value)
		if !ok || label != want {
			t.Errorf("Lookup(%d) = %d,%v want %d,true", value, label, ok, want)
		}
	}
}

func TestReadModuleBadMagic(t *testing.T) {
	data := sampleModule().Encode()
	data[0] = 'Z'
	if _, err := ReadModule(data); err != ErrBadMagic {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestReadModuleTruncated(t *testing.T) {
	data := sampleModule().Encode()
	for _, n := range []int{0, 3, moduleHeaderSize - 1} {
		if _, err := ReadModule(data[:n]); err == nil {
			t.Errorf("ReadModule(%d bytes) succeeded, want error", n)
		}
	}
}

func TestReadModuleChecksumMismatch(t *testing.T) {
	data := sampleModule().Encode()
	data[len(data)-1] ^= 0xFF
	if _, err := ReadModule(data); err != ErrBadChecksum {
		t.Errorf("err = %v, want ErrBadChecksum", err)
	}
}

func TestReadModuleOversizedCount(t *testing.T) {
	// A module whose type section declares more entries than the file
	// holds must error out instead of allocating.
	m := NewModule()
	data := m.Encode()
	// Type count lives right after the header.
	data[moduleHeaderSize] = 0xFF
	data[moduleHeaderSize+1] = 0xFF
	data[moduleHeaderSize+2] = 0xFF
	data[moduleHeaderSize+3] = 0x7F
	// Zero the checksum so the length check is what trips, not the CRC.
	for i := 22; i < 26; i++ {
		data[i] = 0
	}
	if _, err := ReadModule(data); err == nil {
		t.Error("oversized count accepted")
	}
}

func FuzzReadModule(f *testing.F) {
	f.Add(sampleModule().Encode())
	f.Add([]byte{})
	f.Add([]byte{0x59, 0x58, 0x42, 0x43})
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic; errors are fine.
		m, err := ReadModule(data)
		if err == nil && m == nil {
			t.Fatal("nil module with nil error")
		}
	})
}
