package compiler

import "fmt"

// CodegenErrorKind classifies code generation failures.
type CodegenErrorKind int

const (
	ErrUnimplementedExpr CodegenErrorKind = iota
	ErrUnimplementedStmt
	ErrSymbolNotFound
	ErrTypeMismatch
	ErrInvalidAssignmentTarget
	ErrRegisterPressure
)

func (k CodegenErrorKind) String() string {
	switch k {
	case ErrUnimplementedExpr:
		return "unimplemented expression"
	case ErrUnimplementedStmt:
		return "unimplemented statement"
	case ErrSymbolNotFound:
		return "symbol not found"
	case ErrTypeMismatch:
		return "type mismatch"
	case ErrInvalidAssignmentTarget:
		return "invalid assignment target"
	case ErrRegisterPressure:
		return "register file exhausted"
	}
	return "unknown"
}

// CodegenError is fatal for the function being compiled; sibling functions
// in the same module still compile so errors report in a batch.
type CodegenError struct {
	Kind   CodegenErrorKind
	Fn     string
	Detail string
}

func (e *CodegenError) Error() string {
	return fmt.Sprintf("codegen: %s in %s: %s", e.Kind, e.Fn, e.Detail)
}

// IrGenError reports a lowering failure for one function.
type IrGenError struct {
	Fn     string
	Detail string
}

func (e *IrGenError) Error() string {
	return fmt.Sprintf("irgen: %s: %s", e.Fn, e.Detail)
}
