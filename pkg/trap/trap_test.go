package trap_test

import (
	"errors"
	"testing"

	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/stretchr/testify/require"
)

func TestCodesAreStable(t *testing.T) {
	r := require.New(t)

	r.Equal(trap.Code(1), trap.Overflow)
	r.Equal(trap.Code(2), trap.DivideByZero)
	r.Equal(trap.Code(3), trap.OutOfBounds)
	r.Equal(trap.Code(7), trap.UnknownIntrinsic)

	seen := make(map[string]bool)
	for i, code := range trap.Codes() {
		r.Equal(trap.Code(i+1), code)
		r.True(code.IsTrap())
		r.False(seen[code.String()], "duplicate name %s", code)
		seen[code.String()] = true
	}
}

func TestUserKinds(t *testing.T) {
	r := require.New(t)

	r.False(trap.Code(trap.UserKindBase).IsTrap())
	r.Equal("kind(300)", trap.Code(300).String())
}

func TestFault(t *testing.T) {
	r := require.New(t)

	var err error = trap.WithDetails(trap.OutOfBounds, []int64{5, 3}, "index %d out of range [0:%d]", 5, 3)

	var fault *trap.Fault
	r.True(errors.As(err, &fault))
	r.Equal(trap.OutOfBounds, fault.Code)
	r.Equal([]int64{5, 3}, fault.Details)
	r.Equal("out-of-bounds: index 5 out of range [0:3]", err.Error())
}
