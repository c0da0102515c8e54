package dist

import (
	"bytes"
	"errors"
	"testing"

	"github.com/yxlang/yx/vm"
)

func buildModule(t *testing.T) *vm.Module {
	t.Helper()
	m := vm.NewModule()
	m.AddConst(vm.StringConst("greeting"))
	f := &vm.Function{Name: "main", ReturnType: 9}
	f.Instrs = []vm.Instruction{
		vm.NewInstr(vm.OpI64Const, 0, 42, 0, 0, 0, 0, 0, 0, 0),
		vm.NewInstr(vm.OpReturnValue, 0),
	}
	m.AddFunction(f)
	return m
}

func TestEnvelopeRoundTrip(t *testing.T) {
	m := buildModule(t)
	env := Seal("greeter", m)

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != "greeter" || got.Version != vm.ModuleVersion {
		t.Errorf("envelope = %q v%d, want greeter v%d", got.Name, got.Version, vm.ModuleVersion)
	}

	opened, err := got.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened.Encode(), m.Encode()) {
		t.Error("module bytes changed in transit")
	}
}

func TestEnvelopeDeterministicEncoding(t *testing.T) {
	m := buildModule(t)
	env := Seal("greeter", m)

	a, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("canonical encoding is not stable")
	}
}

func TestEnvelopeTamperedPayload(t *testing.T) {
	env := Seal("greeter", buildModule(t))
	env.Payload[len(env.Payload)-1] ^= 0xFF

	if err := env.Verify(); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify = %v, want digest mismatch", err)
	}
	if _, err := env.Open(); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Open = %v, want digest mismatch", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02, 0x03}); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("err = %v, want bad envelope", err)
	}
}
