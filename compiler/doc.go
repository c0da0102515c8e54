// Package compiler lowers a typed AST into executable bytecode modules.
//
// The pipeline has three stages. Lowering flattens each function into a
// linear IR, resolving names through a scoped symbol table. The
// monomorphizer stamps out a concrete copy of every generic function per
// observed type tuple, capped per generic. The code generator walks the
// typed AST against a monotonic virtual register file and emits
// type-specialized instructions into a vm.Module: dense integer matches
// become jump tables, literal range loops strength-reduce to dedicated
// loop opcodes, and closures capture free variables as upvalue cells.
package compiler
