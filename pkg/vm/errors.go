package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

var (
	ErrHalted          = errors.New("instance halted")
	ErrUnresolved      = errors.New("unresolved import")
	ErrArity           = errors.New("wrong number of arguments")
	ErrNoFunction      = errors.New("no such function")
	ErrGasExhausted    = errors.New("gas exhausted")
	ErrDuplicateNative = errors.New("duplicate native")
	ErrReservedID      = errors.New("reserved intrinsic id")
)

// Exception is an exception object that escaped every handler of a nested
// call, or the exception behind a FatalError. Kind is a trap code for
// converted traps and at least trap.UserKindBase for raised ones.
type Exception struct {
	Kind    uint32
	Message string
	Payload value.Value
	// Details holds the integer payload of converted traps.
	Details []int64

	handle value.Handle
	origin Location
}

func (e *Exception) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uncaught exception %s", trap.Code(e.Kind))
	if e.Message != "" {
		fmt.Fprintf(&sb, ": %s", e.Message)
	}
	if len(e.Details) > 0 {
		fmt.Fprintf(&sb, " %v", e.Details)
	}
	return sb.String()
}

// Code returns the exception kind as a trap code.
func (e *Exception) Code() trap.Code {
	return trap.Code(e.Kind)
}

// Handle is the heap object of the exception. It is only meaningful while
// the raising instance is alive.
func (e *Exception) Handle() value.Handle {
	return e.handle
}

// Location identifies an instruction.
type Location struct {
	Function      string
	FunctionIndex uint32
	Block         int
	Label         string
	Offset        int
	File          string
	Line          int
}

func (l Location) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s", l.Function)
	if l.Label != "" {
		fmt.Fprintf(&sb, " b%d.%s[%d]", l.Block, l.Label, l.Offset)
	} else {
		fmt.Fprintf(&sb, " b%d[%d]", l.Block, l.Offset)
	}
	if l.File != "" {
		fmt.Fprintf(&sb, " (%s:%d)", l.File, l.Line)
	}
	return sb.String()
}

// FatalError reports a FatalHalt: an exception no frame handled, an
// unrecoverable allocation failure, gas exhaustion or cancellation. The
// instance is unusable afterwards.
type FatalError struct {
	Location
	Instance string
	Cause    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal halt in %s: %v", e.Location, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// Exception returns the unhandled exception behind the halt, if that was the
// cause.
func (e *FatalError) Exception() (*Exception, bool) {
	var exc *Exception
	ok := errors.As(e.Cause, &exc)
	return exc, ok
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// fatalCause marks an error that must halt the instance instead of being
// converted into an exception.
type fatalCause struct {
	err error
}

func (f *fatalCause) Error() string { return f.err.Error() }
func (f *fatalCause) Unwrap() error { return f.err }

func fatal(err error) error {
	return &fatalCause{err: err}
}

func isFatalCause(err error) bool {
	var fc *fatalCause
	return errors.As(err, &fc)
}
