package compiler

import "testing"

func TestContainsTypeVar(t *testing.T) {
	cases := []struct {
		ty   MonoType
		want bool
	}{
		{Int64Type(), false},
		{TypeVarNamed("T"), true},
		{ListOf(Int64Type()), false},
		{ListOf(TypeVarNamed("T")), true},
		{DictOf(StringType(), ListOf(TypeVarNamed("V"))), true},
		{FnOf(TypeVarNamed("R"), Int64Type()), true},
		{FnOf(VoidType(), Int64Type()), false},
	}
	for _, tc := range cases {
		if got := tc.ty.ContainsTypeVar(); got != tc.want {
			t.Errorf("%s.ContainsTypeVar() = %v, want %v", tc.ty, got, tc.want)
		}
	}
}

func TestSubstituteRecursive(t *testing.T) {
	bindings := map[string]MonoType{"T": Int64Type(), "V": StringType()}
	ty := DictOf(TypeVarNamed("V"), ListOf(TupleOf(TypeVarNamed("T"), TypeVarNamed("T"))))
	got := ty.Substitute(bindings)
	want := DictOf(StringType(), ListOf(TupleOf(Int64Type(), Int64Type())))
	if !got.Equal(want) {
		t.Errorf("substituted = %s, want %s", got, want)
	}
	if got.ContainsTypeVar() {
		t.Error("substitution left a type variable")
	}
}

func TestSubstituteUnboundStays(t *testing.T) {
	ty := ListOf(TypeVarNamed("U"))
	got := ty.Substitute(map[string]MonoType{"T": Int64Type()})
	if !got.ContainsTypeVar() {
		t.Error("unbound variable should survive substitution")
	}
}

func TestTypeIDs(t *testing.T) {
	cases := []struct {
		ty   MonoType
		want uint32
	}{
		{VoidType(), 0},
		{BoolType(), 1},
		{Int64Type(), 9},
		{Int32Type(), 5},
		{Float64Type(), 13},
		{CharType(), 10},
		{StringType(), 11},
		{ListOf(Int64Type()), 23},
		{DictOf(StringType(), Int64Type()), 24},
		{StructNamed("Point"), 20},
		{FnOf(VoidType()), 30},
	}
	for _, tc := range cases {
		if got := tc.ty.TypeID(); got != tc.want {
			t.Errorf("%s.TypeID() = %d, want %d", tc.ty, got, tc.want)
		}
	}
}

func TestTypeStringSuffixes(t *testing.T) {
	if got := Int64Type().String(); got != "Int64" {
		t.Errorf("Int64 = %q", got)
	}
	if got := ListOf(Int64Type()).String(); got != "List_Int64" {
		t.Errorf("list = %q", got)
	}
	if got := SpecializedName("map", []MonoType{Int64Type(), StringType()}); got != "map_Int64_String" {
		t.Errorf("specialized name = %q", got)
	}
}

func TestUnify(t *testing.T) {
	bindings := make(map[string]MonoType)
	if !unify(ListOf(TypeVarNamed("T")), ListOf(Int64Type()), bindings) {
		t.Fatal("list unification failed")
	}
	if !bindings["T"].Equal(Int64Type()) {
		t.Errorf("T bound to %s, want Int64", bindings["T"])
	}
	// A conflicting rebind fails.
	if unify(TypeVarNamed("T"), StringType(), bindings) {
		t.Error("conflicting binding unified")
	}
}

func TestIsHeapKind(t *testing.T) {
	if Int64Type().IsHeapKind() {
		t.Error("scalar marked heap")
	}
	if !ListOf(Int64Type()).IsHeapKind() {
		t.Error("list not marked heap")
	}
	if TupleOf(Int64Type()).IsHeapKind() {
		t.Error("single-field tuple marked heap")
	}
	if !TupleOf(Int64Type(), Int64Type()).IsHeapKind() {
		t.Error("multi-field tuple not marked heap")
	}
}
