// Package vm executes compiled bytecode modules.
//
// A Module is the serializable unit of execution: a constant pool, a
// function table of typed register instructions, jump tables for dense
// switches and a global table. Modules round-trip through a binary format
// with a checksummed header, load into an Interpreter and run one call
// stack at a time. Memory lives behind a handle-indexed Heap, FFI goes
// through a NativeRegistry, virtual and dynamic calls are accelerated by
// polymorphic inline caches, and a hosting scheduler preempts execution
// through cooperative interrupts.
package vm
