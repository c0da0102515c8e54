package vm

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Native function registry
// ---------------------------------------------------------------------------

// NativeFunc is the signature every native handler implements. Handlers
// receive the interpreter so they can allocate on its heap.
type NativeFunc func(in *Interpreter, args []Value) (Value, error)

// NativeRegistry maps symbol names to native handlers. Source declares a
// binding as `name = Native("symbol")`; the compiler emits CallNative with
// the symbol in the constant pool and the interpreter dispatches here.
type NativeRegistry struct {
	funcs map[string]NativeFunc
}

// NewNativeRegistry creates a registry preloaded with the standard
// library handlers.
func NewNativeRegistry() *NativeRegistry {
	r := &NativeRegistry{funcs: make(map[string]NativeFunc)}
	r.registerStdlib()
	return r
}

// Register binds a symbol to a handler, replacing any previous binding.
func (r *NativeRegistry) Register(symbol string, fn NativeFunc) {
	r.funcs[symbol] = fn
}

// Lookup returns the handler for symbol.
func (r *NativeRegistry) Lookup(symbol string) (NativeFunc, bool) {
	fn, ok := r.funcs[symbol]
	return fn, ok
}

// Symbols returns the registered symbol names, sorted.
func (r *NativeRegistry) Symbols() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *NativeRegistry) registerStdlib() {
	r.Register("print", nativePrint)
	r.Register("println", nativePrintln)
	r.Register("len", nativeLen)
	r.Register("str", nativeStr)
	r.Register("list_push", nativeListPush)
	r.Register("dict_get", nativeDictGet)
	r.Register("dict_set", nativeDictSet)
	r.Register("arc_downgrade", nativeArcDowngrade)
	r.Register("weak_upgrade", nativeWeakUpgrade)
}

func nativePrint(in *Interpreter, args []Value) (Value, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(in.Render(a))
	}
	fmt.Fprint(in.Stdout(), b.String())
	return Unit(), nil
}

func nativePrintln(in *Interpreter, args []Value) (Value, error) {
	v, err := nativePrint(in, args)
	if err != nil {
		return v, err
	}
	fmt.Fprintln(in.Stdout())
	return Unit(), nil
}

func nativeLen(in *Interpreter, args []Value) (Value, error) {
	if len(args) != 1 {
		return Unit(), fmt.Errorf("len: want 1 argument, got %d", len(args))
	}
	v := args[0]
	switch v.Kind {
	case KindString:
		return NewInt(int64(len(v.S))), nil
	case KindBytes:
		return NewInt(int64(len(v.B))), nil
	case KindTuple, KindArray, KindList, KindDict:
		hv := in.heap.Get(v.H)
		if hv == nil {
			return Unit(), ErrInvalidHandle
		}
		return NewInt(int64(hv.Len())), nil
	}
	return Unit(), fmt.Errorf("len: unsupported value kind %v", v.Kind)
}

func nativeStr(in *Interpreter, args []Value) (Value, error) {
	if len(args) != 1 {
		return Unit(), fmt.Errorf("str: want 1 argument, got %d", len(args))
	}
	return NewString(in.Render(args[0])), nil
}

func nativeListPush(in *Interpreter, args []Value) (Value, error) {
	if len(args) != 2 {
		return Unit(), fmt.Errorf("list_push: want 2 arguments, got %d", len(args))
	}
	hv := in.heap.Get(args[0].H)
	if hv == nil {
		return Unit(), ErrInvalidHandle
	}
	hv.Append(args[1])
	return args[0], nil
}

func nativeDictGet(in *Interpreter, args []Value) (Value, error) {
	if len(args) != 2 {
		return Unit(), fmt.Errorf("dict_get: want 2 arguments, got %d", len(args))
	}
	hv := in.heap.Get(args[0].H)
	if hv == nil || hv.Kind != HeapDict {
		return Unit(), fmt.Errorf("dict_get: not a dict")
	}
	v, _ := hv.DictGet(args[1])
	return v, nil
}

func nativeDictSet(in *Interpreter, args []Value) (Value, error) {
	if len(args) != 3 {
		return Unit(), fmt.Errorf("dict_set: want 3 arguments, got %d", len(args))
	}
	hv := in.heap.Get(args[0].H)
	if hv == nil || hv.Kind != HeapDict {
		return Unit(), fmt.Errorf("dict_set: not a dict")
	}
	hv.DictSet(args[1], args[2])
	return args[0], nil
}

func nativeArcDowngrade(in *Interpreter, args []Value) (Value, error) {
	if len(args) != 1 || args[0].Kind != KindArc || args[0].Arc == nil {
		return Unit(), fmt.Errorf("arc_downgrade: want an arc argument")
	}
	return Value{Kind: KindWeak, Weak: args[0].Arc.Downgrade()}, nil
}

// nativeWeakUpgrade returns a (value, ok) tuple on the heap.
func nativeWeakUpgrade(in *Interpreter, args []Value) (Value, error) {
	if len(args) != 1 || args[0].Kind != KindWeak {
		return Unit(), fmt.Errorf("weak_upgrade: want a weak argument")
	}
	v, ok := args[0].Weak.Upgrade()
	hv := NewHeapValue(HeapTuple, 2)
	hv.Elems[0] = v
	hv.Elems[1] = NewBool(ok)
	return Value{Kind: KindTuple, H: in.heap.Allocate(hv)}, nil
}
