package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// ErrOutOfMemory is returned when the heap cannot satisfy an allocation even
// after a collection.
var ErrOutOfMemory = errors.New("vm: out of memory")

// ErrClassFormat wraps every malformed class file condition.
var ErrClassFormat = errors.New("vm: malformed class file")

// ErrClassNotFound is returned when no class source provides a name.
var ErrClassNotFound = errors.New("vm: class not found")

// ErrExecutionBusy is returned when Run is called on an execution that is
// already interpreting on another goroutine.
var ErrExecutionBusy = errors.New("vm: execution is busy")

// ErrExecutionDestroyed is returned by Run and Invoke after DestroyExecution.
var ErrExecutionDestroyed = errors.New("vm: execution destroyed")

// ErrClosed is returned by operations on a closed runtime.
var ErrClosed = errors.New("vm: runtime closed")

// LoadError reports a class that could not be loaded.
type LoadError struct {
	FileName string
	Err      error
}

func (e *LoadError) Error() string {
	if e.FileName == "" {
		return fmt.Sprintf("load class: %v", e.Err)
	}
	return fmt.Sprintf("load class %s: %v", e.FileName, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InternalError signals a broken invariant: a symbol that verified bytecode
// claims exists, a corrupt field index, a constant pool tag mismatch. It is
// raised with panic and never returned.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return "vm internal error: " + e.Msg
}

func internalErrorf(format string, args ...any) *InternalError {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}
