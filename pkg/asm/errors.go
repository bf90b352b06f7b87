package asm

import (
	"errors"
	"fmt"
)

var (
	ErrSyntax     = errors.New("syntax error")
	ErrUndefined  = errors.New("undefined name")
	ErrDuplicate  = errors.New("duplicate name")
	ErrOperand    = errors.New("invalid operand")
	ErrOutOfRange = errors.New("value out of range")
)

// PositionError locates an assembly error in the source.
type PositionError struct {
	File string
	Line int
	Err  error
}

func (e PositionError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e PositionError) Unwrap() error {
	return e.Err
}
