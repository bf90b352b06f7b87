package vm_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
	"github.com/rhino1998/vireo/pkg/vm"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := require.New(t)

	registry := vm.NewRegistry()
	noop := func(env *vm.Env, args []value.Value) (value.Value, error) {
		return value.Unit(), nil
	}

	r.NoError(registry.RegisterNative("noop", 0, noop))
	r.ErrorIs(registry.RegisterNative("noop", 0, noop), vm.ErrDuplicateNative)
	r.Error(registry.RegisterNative("", 0, noop))
	r.Error(registry.RegisterNative("bad", -2, noop))

	r.ErrorIs(registry.RegisterIntrinsic(vm.IntrinsicSqrt, "sqrt", 1, noop), vm.ErrReservedID)
	r.NoError(registry.RegisterIntrinsic(vm.HostIntrinsicBase, "host", 0, noop))
	r.ErrorIs(registry.RegisterIntrinsic(vm.HostIntrinsicBase, "host", 0, noop), vm.ErrDuplicateNative)

	native, ok := registry.Native("noop")
	r.True(ok)
	r.Equal(0, native.Arity)

	_, ok = registry.Native("print")
	r.False(ok)
	_, ok = vm.StandardRegistry().Native("print")
	r.True(ok)

	in, ok := registry.Intrinsic(vm.IntrinsicSqrt)
	r.True(ok)
	r.Equal("sqrt", in.Name)
	_, ok = registry.Intrinsic(vm.HostIntrinsicBase + 1)
	r.False(ok)
}

func TestHostIntrinsic(t *testing.T) {
	r := require.New(t)

	m := assemble(t, `
func main(params=1 regs=2 locals=1)
    intrin r1, #256, (r0)
    ret r1
end
`)
	registry := vm.StandardRegistry()
	r.NoError(registry.RegisterIntrinsic(0x100, "triple", 1, func(env *vm.Env, args []value.Value) (value.Value, error) {
		return value.Int(args[0].Int() * 3), nil
	}, value.KindInt))

	inst := newInstance(t, m, vm.WithRegistry(registry))
	result, err := inst.Call(context.Background(), 0, value.Int(14))
	r.NoError(err)
	r.Equal(value.Int(42), result)

	_, err = inst.Call(context.Background(), 0, value.Float(1))
	var fe *vm.FatalError
	r.ErrorAs(err, &fe)
	exc, ok := fe.Exception()
	r.True(ok)
	r.Equal(trap.IntrinsicArgs, exc.Code())
}

// apply is a native that calls back into the instance.
func apply(env *vm.Env, args []value.Value) (value.Value, error) {
	return env.Call(args[0], args[1:]...)
}

func TestNativeReentry(t *testing.T) {
	r := require.New(t)

	m := assemble(t, `
.import apply/-1
.import print/-1

func main(params=0 regs=4 locals=4)
    loadfn r0, double
    loadi r1, 21
    calln r2, apply, (r0..r1)
    calln r3, print, (r2)
    ret r2
end

func double(params=1 regs=2 locals=1)
    add r1, r0, r0
    ret r1
end
`)
	registry := vm.StandardRegistry()
	r.NoError(registry.RegisterNative("apply", -1, apply))

	var stdout bytes.Buffer
	inst := newInstance(t, m, vm.WithRegistry(registry), vm.WithStdout(&stdout))
	result, err := inst.Call(context.Background(), 0)
	r.NoError(err)
	r.Equal(value.Int(42), result)
	r.Equal("42\n", stdout.String())
	r.Zero(inst.Depth())
}

func TestNativeReentryException(t *testing.T) {
	r := require.New(t)

	m := assemble(t, `
.import apply/-1
.import print/-1

func main(params=0 regs=4 locals=4)
  entry:
    loadfn r0, fail
    calln r1, apply, (r0)
    retunit
  caught:
    exkind r1, r3
    expayload r2, r3
    calln r0, print, (r1..r2)
    retunit
  .handler entry..entry kind=any -> caught r3
end

func fail(params=0 regs=2 locals=2)
    loadi r0, 512
    loadstr r1, "from callback"
    raise r0, r1
end
`)

	var seen *vm.Exception
	registry := vm.StandardRegistry()
	r.NoError(registry.RegisterNative("apply", -1, func(env *vm.Env, args []value.Value) (value.Value, error) {
		v, err := apply(env, args)
		if !errors.As(err, &seen) {
			return v, err
		}
		// the exception is still live while the native holds it
		r.True(env.Heap().Live(seen.Handle()))
		return v, err
	}))

	var stdout bytes.Buffer
	inst := newInstance(t, m, vm.WithRegistry(registry), vm.WithStdout(&stdout))
	_, err := inst.Call(context.Background(), 0)
	r.NoError(err)

	r.NotNil(seen)
	r.Equal(uint32(512), seen.Kind)
	r.Equal("fail", seen.Origin().Function)
	r.Equal("512 from callback\n", stdout.String())
}

func TestNativeErrors(t *testing.T) {
	m := assemble(t, `
.import boom/0

func main(params=0 regs=2 locals=2)
  entry:
    calln r0, boom, ()
    retunit
  caught:
    exkind r0, r1
    ret r0
  .handler entry..entry kind=any -> caught r1
end
`)

	tests := []struct {
		name string
		err  error
		kind int64
	}{
		{"plain error", errors.New("host failure"), int64(trap.NativeFault)},
		{"trap", trap.New(trap.OutOfBounds, "host bounds"), int64(trap.OutOfBounds)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			registry := vm.StandardRegistry()
			r.NoError(registry.RegisterNative("boom", 0, func(env *vm.Env, args []value.Value) (value.Value, error) {
				return value.Value{}, tt.err
			}))

			inst := newInstance(t, m, vm.WithRegistry(registry))
			result, err := inst.Call(context.Background(), 0)
			r.NoError(err)
			r.Equal(value.Int(tt.kind), result)
		})
	}
}

func TestEnvFormat(t *testing.T) {
	r := require.New(t)

	m := assemble(t, `
.import show/1
.type Pair {a, b}

func main(params=0 regs=4 locals=4)
    newrec r0, Pair
    loadstr r1, "x"
    setf r0, 0, r1
    loadi r1, 2
    newarray r2, r1
    setf r0, 1, r2
    calln r3, show, (r0)
    ret r3
end
`)
	var shown string
	registry := vm.StandardRegistry()
	r.NoError(registry.RegisterNative("show", 1, func(env *vm.Env, args []value.Value) (value.Value, error) {
		shown = env.Format(args[0])
		return env.NewString(shown)
	}))

	inst := newInstance(t, m, vm.WithRegistry(registry))
	result, err := inst.Call(context.Background(), 0)
	r.NoError(err)
	r.Equal("Pair{x, [(), ()]}", shown)

	obj, err := inst.Heap().Get(result.Handle())
	r.NoError(err)
	r.Equal(shown, obj.Str)
}

func TestStandardNatives(t *testing.T) {
	r := require.New(t)

	m := assemble(t, `
.import clock_ms/0
.import itoa/1
.import assert/2

func main(params=0 regs=3 locals=3)
    calln r0, clock_ms, ()
    loadi r1, 0
    cmp r1, r0, r1
    setcc r1, r1, gt
    mov r2, r0
    calln r0, assert, (r1, r2)
    loadi r0, -15
    calln r1, itoa, (r0)
    ret r1
end
`)
	inst := newInstance(t, m)
	result, err := inst.Call(context.Background(), 0)
	r.NoError(err)

	obj, err := inst.Heap().Get(result.Handle())
	r.NoError(err)
	r.Equal("-15", obj.Str)
}
