package vm

import "testing"

func TestArcRetainRelease(t *testing.T) {
	arc := NewArc(NewInt(7))
	if arc.Count() != 1 {
		t.Fatalf("count = %d, want 1", arc.Count())
	}
	arc.Retain()
	if arc.Count() != 2 {
		t.Fatalf("count after retain = %d, want 2", arc.Count())
	}
	if arc.Release() {
		t.Fatal("release at count 2 reported final drop")
	}
	if !arc.Release() {
		t.Fatal("final release did not report drop")
	}
}

func TestWeakUpgradeAfterDrop(t *testing.T) {
	arc := NewArc(NewString("payload"))
	weak := arc.Downgrade()

	v, ok := weak.Upgrade()
	if !ok || v.S != "payload" {
		t.Fatalf("upgrade while live = %v, %v", v, ok)
	}

	arc.Release()
	if _, ok := weak.Upgrade(); ok {
		t.Error("upgrade succeeded after the strong count hit zero")
	}
}

func TestValueEqualCollectionsByHandle(t *testing.T) {
	a := Value{Kind: KindList, H: 1}
	b := Value{Kind: KindList, H: 1}
	c := Value{Kind: KindList, H: 2}
	if !a.Equal(b) {
		t.Error("same handle compared unequal")
	}
	if a.Equal(c) {
		t.Error("different handles compared equal")
	}
}

func TestRuntimeTypeIDs(t *testing.T) {
	cases := []struct {
		v    Value
		want uint32
	}{
		{Unit(), 0},
		{NewBool(true), 1},
		{NewInt(1), 9},
		{NewFloat(1.5), 13},
		{NewChar('x'), 10},
		{NewString("s"), 11},
		{NewBytes([]byte{1}), 12},
		{Value{Kind: KindStruct}, 20},
		{Value{Kind: KindStruct, TypeID: 77}, 77},
		{Value{Kind: KindList}, 23},
		{Value{Kind: KindDict}, 24},
	}
	for _, tc := range cases {
		if got := tc.v.RuntimeTypeID(); got != tc.want {
			t.Errorf("%v type id = %d, want %d", tc.v.Kind, got, tc.want)
		}
	}
}

func TestHeapValueDict(t *testing.T) {
	hv := NewHeapValue(HeapDict, 0)
	hv.DictSet(NewString("a"), NewInt(1))
	hv.DictSet(NewString("b"), NewInt(2))
	hv.DictSet(NewString("a"), NewInt(3)) // overwrite keeps one key

	if hv.Len() != 2 {
		t.Fatalf("len = %d, want 2", hv.Len())
	}
	v, ok := hv.DictGet(NewString("a"))
	if !ok || v.I != 3 {
		t.Errorf("dict[a] = %v, %v, want 3", v, ok)
	}
	if _, ok := hv.DictGet(NewString("missing")); ok {
		t.Error("lookup of absent key succeeded")
	}
}
