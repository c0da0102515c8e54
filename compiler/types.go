package compiler

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Monomorphic types
// ---------------------------------------------------------------------------
//
// MonoType is the resolved type annotation the front end attaches to every
// AST node. The backend consumes it for opcode specialization, allocation
// decisions and monomorphization; it never infers anything itself.

// TypeKind discriminates MonoType.
type TypeKind int

const (
	TypeVoid TypeKind = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeChar
	TypeString
	TypeBytes
	TypeStruct
	TypeEnum
	TypeTuple
	TypeList
	TypeDict
	TypeSet
	TypeFn
	TypeUnion
	TypeArc
	TypeWeak
	TypeVar
)

// MonoType is one resolved type. Elems holds element types for the
// composite kinds (tuple members, list element, dict key and value, fn
// params) and Ret the fn return type.
type MonoType struct {
	Kind  TypeKind
	Bits  int    // integer and float width
	Name  string // struct, enum and type-variable name
	Elems []MonoType
	Ret   *MonoType
}

// Common scalar constructors.
func VoidType() MonoType    { return MonoType{Kind: TypeVoid} }
func BoolType() MonoType    { return MonoType{Kind: TypeBool} }
func Int64Type() MonoType   { return MonoType{Kind: TypeInt, Bits: 64} }
func Int32Type() MonoType   { return MonoType{Kind: TypeInt, Bits: 32} }
func Float64Type() MonoType { return MonoType{Kind: TypeFloat, Bits: 64} }
func Float32Type() MonoType { return MonoType{Kind: TypeFloat, Bits: 32} }
func CharType() MonoType    { return MonoType{Kind: TypeChar} }
func StringType() MonoType  { return MonoType{Kind: TypeString} }
func BytesType() MonoType   { return MonoType{Kind: TypeBytes} }

// Composite constructors.
func ListOf(elem MonoType) MonoType {
	return MonoType{Kind: TypeList, Elems: []MonoType{elem}}
}

func SetOf(elem MonoType) MonoType {
	return MonoType{Kind: TypeSet, Elems: []MonoType{elem}}
}

func DictOf(key, value MonoType) MonoType {
	return MonoType{Kind: TypeDict, Elems: []MonoType{key, value}}
}

func TupleOf(elems ...MonoType) MonoType {
	return MonoType{Kind: TypeTuple, Elems: elems}
}

func FnOf(ret MonoType, params ...MonoType) MonoType {
	return MonoType{Kind: TypeFn, Elems: params, Ret: &ret}
}

func StructNamed(name string) MonoType {
	return MonoType{Kind: TypeStruct, Name: name}
}

func EnumNamed(name string) MonoType {
	return MonoType{Kind: TypeEnum, Name: name}
}

func TypeVarNamed(name string) MonoType {
	return MonoType{Kind: TypeVar, Name: name}
}

func ArcOf(inner MonoType) MonoType {
	return MonoType{Kind: TypeArc, Elems: []MonoType{inner}}
}

// ContainsTypeVar reports whether any type variable occurs in t,
// recursively through composite constructors.
func (t MonoType) ContainsTypeVar() bool {
	if t.Kind == TypeVar {
		return true
	}
	for _, e := range t.Elems {
		if e.ContainsTypeVar() {
			return true
		}
	}
	if t.Ret != nil && t.Ret.ContainsTypeVar() {
		return true
	}
	return false
}

// Substitute replaces type variables by name, recursively. Unbound
// variables stay as they are.
func (t MonoType) Substitute(bindings map[string]MonoType) MonoType {
	if len(bindings) == 0 {
		return t
	}
	if t.Kind == TypeVar {
		if concrete, ok := bindings[t.Name]; ok {
			return concrete
		}
		return t
	}
	out := t
	if len(t.Elems) > 0 {
		out.Elems = make([]MonoType, len(t.Elems))
		for i, e := range t.Elems {
			out.Elems[i] = e.Substitute(bindings)
		}
	}
	if t.Ret != nil {
		r := t.Ret.Substitute(bindings)
		out.Ret = &r
	}
	return out
}

// Equal is structural equality.
func (t MonoType) Equal(o MonoType) bool { return t.String() == o.String() }

// unify matches a parameter type against a concrete argument type,
// recording type-variable bindings. A variable already bound to a
// different type fails the match.
func unify(param, arg MonoType, bindings map[string]MonoType) bool {
	if param.Kind == TypeVar {
		if prev, ok := bindings[param.Name]; ok {
			return prev.Equal(arg)
		}
		bindings[param.Name] = arg
		return true
	}
	if param.Kind != arg.Kind || param.Bits != arg.Bits || param.Name != arg.Name {
		return false
	}
	if len(param.Elems) != len(arg.Elems) {
		return false
	}
	for i := range param.Elems {
		if !unify(param.Elems[i], arg.Elems[i], bindings) {
			return false
		}
	}
	if (param.Ret == nil) != (arg.Ret == nil) {
		return false
	}
	if param.Ret != nil {
		return unify(*param.Ret, *arg.Ret, bindings)
	}
	return true
}

// String renders the type the way specialization suffixes spell it:
// scalars by name and width, composites with underscore-joined elements.
func (t MonoType) String() string {
	switch t.Kind {
	case TypeVoid:
		return "Void"
	case TypeBool:
		return "Bool"
	case TypeInt:
		return "Int" + strconv.Itoa(t.Bits)
	case TypeFloat:
		return "Float" + strconv.Itoa(t.Bits)
	case TypeChar:
		return "Char"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	case TypeStruct, TypeEnum:
		return t.Name
	case TypeTuple:
		return "Tuple_" + joinTypes(t.Elems)
	case TypeList:
		return "List_" + joinTypes(t.Elems)
	case TypeDict:
		return "Dict_" + joinTypes(t.Elems)
	case TypeSet:
		return "Set_" + joinTypes(t.Elems)
	case TypeFn:
		s := "Fn_" + joinTypes(t.Elems)
		if t.Ret != nil {
			s += "_" + t.Ret.String()
		}
		return s
	case TypeUnion:
		return "Union_" + joinTypes(t.Elems)
	case TypeArc:
		return "Arc_" + joinTypes(t.Elems)
	case TypeWeak:
		return "Weak_" + joinTypes(t.Elems)
	case TypeVar:
		return t.Name
	}
	return "?"
}

func joinTypes(elems []MonoType) string {
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = e.String()
	}
	return strings.Join(parts, "_")
}

// TypeID maps the type onto the VM's runtime type-id space. The scalar
// ids are width-indexed; composite kinds collapse to one id per kind.
func (t MonoType) TypeID() uint32 {
	switch t.Kind {
	case TypeVoid:
		return 0
	case TypeBool:
		return 1
	case TypeInt:
		return uint32(2 + (t.Bits/8 - 1)) // Int64 = 9
	case TypeFloat:
		return uint32(6 + (t.Bits/8 - 1)) // Float64 = 13
	case TypeChar:
		return 10
	case TypeString:
		return 11
	case TypeBytes:
		return 12
	case TypeStruct:
		return 20
	case TypeEnum:
		return 21
	case TypeTuple:
		return 22
	case TypeList:
		return 23
	case TypeDict:
		return 24
	case TypeSet:
		return 25
	case TypeFn:
		return 30
	case TypeUnion:
		return 40
	case TypeArc:
		return 45
	case TypeWeak:
		return 46
	case TypeVar:
		return 50
	}
	return 0
}

// IsHeapKind reports whether values of the type live behind a heap
// handle rather than in a scalar slot.
func (t MonoType) IsHeapKind() bool {
	switch t.Kind {
	case TypeList, TypeDict, TypeSet, TypeStruct, TypeFn:
		return true
	case TypeTuple:
		return len(t.Elems) > 1
	}
	return false
}
