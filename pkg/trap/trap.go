// Package trap enumerates the VM-internal fault codes. The numeric values
// are part of the embedding contract: they become exception kinds and are
// matched by handler tables, host logs and tests.
package trap

import "fmt"

type Code uint32

const (
	None             Code = 0
	Overflow         Code = 1
	DivideByZero     Code = 2
	OutOfBounds      Code = 3
	NullReference    Code = 4
	InvalidReference Code = 5
	TypeMismatch     Code = 6
	UnknownIntrinsic Code = 7
	IntrinsicArgs    Code = 8
	StackOverflow    Code = 9
	NativeFault      Code = 10
	Unsupported      Code = 11
)

// UserKindBase is the first exception kind available to language-level
// raises. Kinds below it are reserved for traps.
const UserKindBase = 256

var names = map[Code]string{
	Overflow:         "overflow",
	DivideByZero:     "divide-by-zero",
	OutOfBounds:      "out-of-bounds",
	NullReference:    "null-reference",
	InvalidReference: "invalid-reference",
	TypeMismatch:     "type-mismatch",
	UnknownIntrinsic: "unknown-intrinsic",
	IntrinsicArgs:    "intrinsic-arguments",
	StackOverflow:    "stack-overflow",
	NativeFault:      "native-fault",
	Unsupported:      "unsupported",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	if c >= UserKindBase {
		return fmt.Sprintf("kind(%d)", uint32(c))
	}
	return fmt.Sprintf("trap(%d)", uint32(c))
}

// IsTrap reports whether c is one of the reserved VM fault codes.
func (c Code) IsTrap() bool {
	_, ok := names[c]
	return ok
}

// Codes lists every trap code in numeric order.
func Codes() []Code {
	return []Code{
		Overflow, DivideByZero, OutOfBounds, NullReference, InvalidReference,
		TypeMismatch, UnknownIntrinsic, IntrinsicArgs, StackOverflow,
		NativeFault, Unsupported,
	}
}

// Fault is a trap raised inside the VM before it is converted into an
// exception object. Details become the exception payload.
type Fault struct {
	Code    Code
	Message string
	Details []int64
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Code.String()
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WithDetails(code Code, details []int64, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Details: details}
}
