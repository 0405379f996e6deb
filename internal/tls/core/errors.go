package core

import "errors"

var (
	// ErrAllocFailed is raised when the allocator returns no vector.
	ErrAllocFailed = errors.New("core: vector allocation failed")

	// ErrContractViolation is raised (in debug mode) when a Slot is used
	// after Free, before Initialize, or initialized twice.
	ErrContractViolation = errors.New("core: slot contract violation")
)

// FatalError describes a condition the multiplexer cannot recover from:
// slot exhaustion, native key exhaustion, or allocator failure. It is
// raised with panic; left unrecovered it terminates the process.
type FatalError struct {
	Op  string // operation that failed
	Err error  // underlying cause
}

// Error implements the error interface.
//
// Format: tlsmux: fatal: op: cause
func (e *FatalError) Error() string {
	return "tlsmux: fatal: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}
