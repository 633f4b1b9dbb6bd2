// Package rterr defines the closed set of error kinds the runtime can
// surface: Load, Verify, Runtime, Trap, and
// HostImportError. Every failure the toolchain produces, from a malformed
// SBC header to a guest-raised Trap intrinsic, is one of these kinds.
package rterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed sum type of error categories.
type Kind string

const (
	// KindLoad covers structural problems in the container: bad magic,
	// overlapping sections, row size mismatches, unknown section id,
	// const-pool shape violations, invalid string offsets.
	KindLoad Kind = "Load"

	// KindVerify covers type-lane mismatch, stack-height mismatch,
	// out-of-range jump, bad const-pool reference, opcode-operand
	// truncation, missing required Enter, cross-function code overlap.
	KindVerify Kind = "Verify"

	// KindRuntime covers divide-by-zero, overflow, out-of-bounds access,
	// null dereference, unknown-method tail call, closure-without-
	// closure upvalue access, import resolution failure, unsupported
	// intrinsic/syscall id.
	KindRuntime Kind = "Runtime"

	// KindTrap is a guest-raised Intrinsic Trap(code).
	KindTrap Kind = "Trap"

	// KindHostImportError wraps a string returned by a failing import
	// resolver.
	KindHostImportError Kind = "HostImportError"
)

// CallContext is one entry of the caller chain attached to an Error for
// rich trap reporting.
type CallContext struct {
	FuncIndex int
	FuncName  string
	PC        int
	Line      int
	Column    int

	// Operands is the call site's decoded operand text (target and
	// arity), empty when the site could not be decoded.
	Operands string
}

// Error is the structured failure value every runtime error wraps itself
// in. It never panics or aborts the process; the interpreter
// returns it as a value.
type Error struct {
	Kind    Kind
	Message string

	// Context fields populated by the interpreter when the error
	// originates from a running frame (zero value otherwise).
	FuncIndex  int
	PC         int
	Opcode     string

	// Operands is the faulting instruction's decoded operand text —
	// call target and arity, jump rel and resolved target, or jump
	// table const and default — empty for opcodes with none.
	Operands   string

	Line       int
	Column     int
	CallChain  []CallContext

	cause error
}

// New creates a bare *Error of the given kind with no call context; the
// interpreter fills in context fields before returning it from Run.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying error, preserving it
// as the cause so errors.Cause and stack traces compose instead of being
// reformatted by hand.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Kind:    kind,
		Message: msg,
		cause:   errors.Wrap(cause, msg),
	}
}

func (e *Error) Error() string {
	if e.FuncIndex == 0 && e.PC == 0 && e.Opcode == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	s := fmt.Sprintf("%s: %s (func %d, pc %d", e.Kind, e.Message, e.FuncIndex, e.PC)
	if e.Opcode != "" {
		s += fmt.Sprintf(", op %s", e.Opcode)
	}
	if e.Operands != "" {
		s += fmt.Sprintf(", %s", e.Operands)
	}
	if e.Line != 0 || e.Column != 0 {
		s += fmt.Sprintf(", line %d:%d", e.Line, e.Column)
	}
	s += ")"
	for _, c := range e.CallChain {
		name := c.FuncName
		if name == "" {
			name = fmt.Sprintf("func#%d", c.FuncIndex)
		}
		s += fmt.Sprintf("\n  called from %s (func %d, line %d:%d", name, c.FuncIndex, c.Line, c.Column)
		if c.Operands != "" {
			s += fmt.Sprintf(", %s", c.Operands)
		}
		s += ")"
	}
	return s
}

// Cause exposes the wrapped error, if any, for errors.Cause/errors.Is.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports the standard errors.Is/As chain alongside Cause.
func (e *Error) Unwrap() error { return e.cause }

// WithContext returns a copy of e with call-site context attached.
func (e *Error) WithContext(funcIndex, pc int, opcode, operands string, line, column int, chain []CallContext) *Error {
	c := *e
	c.FuncIndex = funcIndex
	c.PC = pc
	c.Opcode = opcode
	c.Operands = operands
	c.Line = line
	c.Column = column
	c.CallChain = chain
	return &c
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
