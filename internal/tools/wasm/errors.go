package wasm

import "fmt"

// Error is a typed WASM runtime failure, distinguishing the stage at which
// it occurred so callers can decide whether a retry or a tool-disable is
// appropriate.
type Error struct {
	Kind    ErrorKind
	Message string
}

// ErrorKind classifies where in the compile/instantiate/execute pipeline a
// failure happened.
type ErrorKind string

const (
	ErrorEngineCreation   ErrorKind = "engine_creation_failed"
	ErrorCompilation      ErrorKind = "compilation_failed"
	ErrorInstantiation    ErrorKind = "instantiation_failed"
	ErrorExecutionPanic   ErrorKind = "execution_panicked"
	ErrorExecutionTrapped ErrorKind = "execution_trapped"
	ErrorFuelExhausted    ErrorKind = "fuel_exhausted"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorInvalidArguments ErrorKind = "invalid_arguments"
	ErrorMissingExport    ErrorKind = "missing_export"
)

func (e *Error) Error() string {
	return fmt.Sprintf("wasm %s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
