package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

func floatBits(f float64) uint64 { return math.Float64bits(f) }

// ---------------------------------------------------------------------------
// Runtime values
// ---------------------------------------------------------------------------

// ValueKind tags a runtime value.
type ValueKind uint8

const (
	KindUnit ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindChar
	KindString
	KindBytes
	KindTuple
	KindArray
	KindList
	KindDict
	KindStruct
	KindEnum
	KindFunction
	KindArc
	KindWeak
)

var valueKindNames = [...]string{
	"Unit", "Bool", "Int", "Float", "Char", "String", "Bytes",
	"Tuple", "Array", "List", "Dict", "Struct", "Enum", "Function",
	"Arc", "Weak",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return "ValueKind(" + strconv.Itoa(int(k)) + ")"
}

// Value is the tagged union every register and heap slot holds. Collection
// kinds carry a Handle into the owning interpreter's Heap; they never hold
// the collection inline, so copying a Value aliases rather than clones.
type Value struct {
	Kind ValueKind

	// I holds Int, Bool (0 or 1) and Char payloads.
	I int64
	F float64
	S string
	B []byte

	// H indexes the Heap for Tuple/Array/List/Dict/Struct values.
	H Handle

	// TypeID is the static type id for Struct and Enum values.
	TypeID uint32

	Fn   *Closure
	Arc  *ArcCell
	Weak *WeakRef
}

// Unit is the zero Value.
func Unit() Value { return Value{Kind: KindUnit} }

// NewBool wraps a bool.
func NewBool(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.I = 1
	}
	return v
}

// NewInt wraps an int64.
func NewInt(n int64) Value { return Value{Kind: KindInt, I: n} }

// NewFloat wraps a float64.
func NewFloat(f float64) Value { return Value{Kind: KindFloat, F: f} }

// NewChar wraps a rune.
func NewChar(c rune) Value { return Value{Kind: KindChar, I: int64(c)} }

// NewString wraps a string.
func NewString(s string) Value { return Value{Kind: KindString, S: s} }

// NewBytes wraps a byte slice without copying.
func NewBytes(b []byte) Value { return Value{Kind: KindBytes, B: b} }

// Bool reports the truthiness of the value: false only for Unit, false,
// zero integers and empty strings.
func (v Value) Bool() bool {
	switch v.Kind {
	case KindUnit:
		return false
	case KindBool, KindInt, KindChar:
		return v.I != 0
	case KindFloat:
		return v.F != 0
	case KindString:
		return v.S != ""
	}
	return true
}

// RuntimeTypeID maps the value to the serialized type id table shared with
// the compiler (see compiler.MonoType.TypeID).
func (v Value) RuntimeTypeID() uint32 {
	switch v.Kind {
	case KindUnit:
		return 0
	case KindBool:
		return 1
	case KindInt:
		return 9 // Int64
	case KindFloat:
		return 13 // Float64
	case KindChar:
		return 10
	case KindString:
		return 11
	case KindBytes:
		return 12
	case KindStruct:
		if v.TypeID != 0 {
			return v.TypeID
		}
		return 20
	case KindEnum:
		if v.TypeID != 0 {
			return v.TypeID
		}
		return 21
	case KindTuple:
		return 22
	case KindList, KindArray:
		return 23
	case KindDict:
		return 24
	case KindFunction:
		return 30
	case KindArc:
		return 45
	case KindWeak:
		return 46
	}
	return 0
}

// Equal compares two values structurally. Collection values compare by
// handle identity, not contents.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindUnit:
		return true
	case KindBool, KindInt, KindChar:
		return v.I == o.I
	case KindFloat:
		return v.F == o.F
	case KindString:
		return v.S == o.S
	case KindBytes:
		return string(v.B) == string(o.B)
	case KindTuple, KindArray, KindList, KindDict, KindStruct:
		return v.H == o.H
	case KindFunction:
		return v.Fn == o.Fn
	case KindArc:
		return v.Arc == o.Arc
	case KindWeak:
		return v.Weak == o.Weak
	}
	return false
}

// dictKey encodes the value as a dictionary key. Collection values key by
// handle, which matches Equal's aliasing semantics.
func (v Value) dictKey() string {
	switch v.Kind {
	case KindUnit:
		return "u"
	case KindBool, KindInt, KindChar:
		return "i" + strconv.FormatInt(v.I, 10)
	case KindFloat:
		return "f" + strconv.FormatUint(floatBits(v.F), 16)
	case KindString:
		return "s" + v.S
	case KindBytes:
		return "b" + string(v.B)
	}
	return "h" + strconv.FormatUint(uint64(v.H), 10)
}

func (v Value) String() string {
	switch v.Kind {
	case KindUnit:
		return "()"
	case KindBool:
		if v.I != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindChar:
		return string(rune(v.I))
	case KindString:
		return v.S
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.B))
	case KindFunction:
		if v.Fn != nil {
			return fmt.Sprintf("fn#%d", v.Fn.FuncID)
		}
		return "fn<nil>"
	case KindArc:
		return "arc"
	case KindWeak:
		return "weak"
	}
	return fmt.Sprintf("%s@%d", v.Kind, v.H)
}

// ---------------------------------------------------------------------------
// Closures and upvalues
// ---------------------------------------------------------------------------

// Upvalue is a shared cell for a variable captured by one or more closures.
// CloseUpvalue promotes a register into a cell so the binding outlives its
// frame; every closure holding the cell observes later stores.
type Upvalue struct {
	V Value
}

// Closure pairs a function id with its captured environment.
type Closure struct {
	FuncID   uint32
	Upvalues []*Upvalue
}

// ---------------------------------------------------------------------------
// Arc and Weak
// ---------------------------------------------------------------------------

// ArcCell is an atomically reference-counted shared value. The payload is
// cleared when the strong count reaches zero; weak references observe the
// count and fail to upgrade afterwards.
type ArcCell struct {
	strong atomic.Int64
	value  Value
}

// NewArc creates a cell with a strong count of one.
func NewArc(v Value) *ArcCell {
	c := &ArcCell{value: v}
	c.strong.Store(1)
	return c
}

// Retain increments the strong count.
func (c *ArcCell) Retain() { c.strong.Add(1) }

// Release decrements the strong count and clears the payload when it hits
// zero. Returns true if this call dropped the last strong reference.
func (c *ArcCell) Release() bool {
	if c.strong.Add(-1) == 0 {
		c.value = Unit()
		return true
	}
	return false
}

// Get returns the payload. Only meaningful while the strong count is
// positive.
func (c *ArcCell) Get() Value { return c.value }

// Count returns the current strong count.
func (c *ArcCell) Count() int64 { return c.strong.Load() }

// Downgrade creates a weak reference to the cell.
func (c *ArcCell) Downgrade() *WeakRef { return &WeakRef{cell: c} }

// WeakRef is a non-owning reference to an ArcCell.
type WeakRef struct {
	cell *ArcCell
}

// Upgrade returns the payload and true while the cell is alive, or the
// zero value and false after the last strong reference dropped.
func (w *WeakRef) Upgrade() (Value, bool) {
	if w == nil || w.cell == nil || w.cell.strong.Load() <= 0 {
		return Unit(), false
	}
	return w.cell.value, true
}

// ---------------------------------------------------------------------------
// Heap values
// ---------------------------------------------------------------------------

// HeapKind tags a heap-resident collection.
type HeapKind uint8

const (
	HeapTuple HeapKind = iota
	HeapArray
	HeapList
	HeapDict
	HeapStruct
)

var heapKindNames = [...]string{"Tuple", "Array", "List", "Dict", "Struct"}

func (k HeapKind) String() string {
	if int(k) < len(heapKindNames) {
		return heapKindNames[k]
	}
	return "HeapKind(" + strconv.Itoa(int(k)) + ")"
}

// HeapValue is a collection owned exclusively by a Heap. Tuple, Array,
// List and Struct use Elems; Dict uses the key-encoded map plus Keys for
// iteration order.
type HeapValue struct {
	Kind  HeapKind
	Elems []Value

	Entries map[string]Value
	Keys    []Value
}

// NewHeapValue creates an empty collection of the given kind with room for
// count elements.
func NewHeapValue(kind HeapKind, count int) *HeapValue {
	hv := &HeapValue{Kind: kind}
	if kind == HeapDict {
		hv.Entries = make(map[string]Value, count)
	} else {
		hv.Elems = make([]Value, count)
	}
	return hv
}

// Len returns the element or entry count.
func (hv *HeapValue) Len() int {
	if hv.Kind == HeapDict {
		return len(hv.Entries)
	}
	return len(hv.Elems)
}

// Get returns the element at idx, or an error when out of range.
func (hv *HeapValue) Get(idx int) (Value, error) {
	if idx < 0 || idx >= len(hv.Elems) {
		return Unit(), fmt.Errorf("vm: index %d out of range [0,%d)", idx, len(hv.Elems))
	}
	return hv.Elems[idx], nil
}

// Set writes the element at idx, or returns an error when out of range.
func (hv *HeapValue) Set(idx int, v Value) error {
	if idx < 0 || idx >= len(hv.Elems) {
		return fmt.Errorf("vm: index %d out of range [0,%d)", idx, len(hv.Elems))
	}
	hv.Elems[idx] = v
	return nil
}

// Append grows a list by one element.
func (hv *HeapValue) Append(v Value) { hv.Elems = append(hv.Elems, v) }

// DictGet looks up key in a dict.
func (hv *HeapValue) DictGet(key Value) (Value, bool) {
	v, ok := hv.Entries[key.dictKey()]
	return v, ok
}

// DictSet inserts or replaces key in a dict.
func (hv *HeapValue) DictSet(key, v Value) {
	k := key.dictKey()
	if _, exists := hv.Entries[k]; !exists {
		hv.Keys = append(hv.Keys, key)
	}
	hv.Entries[k] = v
}

func (hv *HeapValue) String() string {
	if hv.Kind == HeapDict {
		return fmt.Sprintf("Dict(%d)", len(hv.Entries))
	}
	var b strings.Builder
	b.WriteString(hv.Kind.String())
	b.WriteByte('(')
	for i, e := range hv.Elems {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	b.WriteByte(')')
	return b.String()
}
