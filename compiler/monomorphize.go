package compiler

// ---------------------------------------------------------------------------
// Monomorphization
// ---------------------------------------------------------------------------
//
// Generic functions never execute. Every concrete type tuple observed at a
// call site stamps out a specialized, type-variable-free copy under a
// derived name; the generic originals are dropped from the output module.

// MaxSpecializations caps how many instantiations one generic function may
// produce. Requests past the cap are dropped without error; the dangling
// call sites fail at dispatch time instead.
const MaxSpecializations = 16

// SpecializedName derives the concrete function name from the base name
// and the ordered type arguments.
func SpecializedName(base string, args []MonoType) string {
	return base + "_" + joinTypes(args)
}

type instantiationRequest struct {
	generic  *FunctionIR
	bindings map[string]MonoType
	key      string
}

// Monomorphize returns a module holding every non-generic function plus
// one specialization per observed concrete type tuple, capped per generic.
func Monomorphize(mod *ModuleIR) *ModuleIR {
	generics := make(map[string]*FunctionIR)
	out := &ModuleIR{Name: mod.Name, Natives: mod.Natives, Globals: mod.Globals, Generics: generics}
	for _, fn := range mod.Funcs {
		if len(fn.TypeParams) > 0 && fn.IsGeneric() {
			generics[fn.Name] = fn
			continue
		}
		out.Funcs = append(out.Funcs, fn)
	}
	if len(generics) == 0 {
		return out
	}

	var queue []instantiationRequest
	for _, fn := range mod.Funcs {
		queue = append(queue, collectRequests(fn, generics)...)
	}

	cache := make(map[string]*FunctionIR)
	counts := make(map[string]int)
	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]
		if _, ok := cache[req.key]; ok {
			continue
		}
		if counts[req.generic.Name] >= MaxSpecializations {
			continue // dropped, observable at dispatch time
		}
		spec := instantiate(req.generic, req.bindings)
		cache[req.key] = spec
		counts[req.generic.Name]++
		out.Funcs = append(out.Funcs, spec)

		// A specialization's own call sites can demand further
		// instantiations.
		queue = append(queue, collectRequests(spec, generics)...)
	}
	return out
}

// collectRequests scans a function's flattened blocks for calls into
// generic functions with fully concrete argument types.
func collectRequests(fn *FunctionIR, generics map[string]*FunctionIR) []instantiationRequest {
	var reqs []instantiationRequest
	for _, block := range fn.Blocks {
		for _, in := range block.Instrs {
			if in.Op != IrCall {
				continue
			}
			g, ok := generics[in.Callee]
			if !ok {
				continue
			}
			argTypes := make([]MonoType, len(in.ArgTypes))
			for i, t := range in.ArgTypes {
				argTypes[i] = fn.ResolveType(t)
			}
			args, bindings, ok := specializationArgs(g, argTypes)
			if !ok {
				continue
			}
			reqs = append(reqs, instantiationRequest{
				generic:  g,
				bindings: bindings,
				key:      SpecializedName(g.Name, args),
			})
		}
	}
	return reqs
}

// specializationArgs unifies a call site's concrete argument types against
// the generic's parameters and returns the type arguments in TypeParams
// order, which is the order the specialized name spells. A partial or
// conflicting match reports false.
func specializationArgs(g *FunctionIR, argTypes []MonoType) ([]MonoType, map[string]MonoType, bool) {
	if len(argTypes) != len(g.Params) {
		return nil, nil, false
	}
	bindings := make(map[string]MonoType)
	for i, p := range g.Params {
		if argTypes[i].ContainsTypeVar() || !unify(p, argTypes[i], bindings) {
			return nil, nil, false
		}
	}
	if len(bindings) != len(g.TypeParams) {
		return nil, nil, false
	}
	args := make([]MonoType, len(g.TypeParams))
	for i, tp := range g.TypeParams {
		bound, ok := bindings[tp]
		if !ok {
			return nil, nil, false
		}
		args[i] = bound
	}
	return args, bindings, true
}

// instantiate clones the generic under its specialized name. The AST body
// and blocks are shared; the clone carries the bindings and codegen
// resolves types through them, so no tree rewriting happens here.
func instantiate(g *FunctionIR, bindings map[string]MonoType) *FunctionIR {
	args := make([]MonoType, len(g.TypeParams))
	for i, tp := range g.TypeParams {
		args[i] = bindings[tp]
	}
	spec := &FunctionIR{
		Name:       SpecializedName(g.Name, args),
		ParamNames: g.ParamNames,
		Params:     make([]MonoType, len(g.Params)),
		Ret:        g.Ret.Substitute(bindings),
		Locals:     make([]LocalSlot, len(g.Locals)),
		Blocks:     g.Blocks,
		Entry:      g.Entry,
		Body:       g.Body,
		Async:      g.Async,
		Bindings:   bindings,
	}
	for i, p := range g.Params {
		spec.Params[i] = p.Substitute(bindings)
	}
	for i, l := range g.Locals {
		spec.Locals[i] = LocalSlot{Name: l.Name, Ty: l.Ty.Substitute(bindings)}
	}
	return spec
}
