package vm

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

// Core intrinsic ids.
const (
	IntrinsicMemCopy  uint32 = 1
	IntrinsicMemFill  uint32 = 2
	IntrinsicFence    uint32 = 3
	IntrinsicSqrt     uint32 = 4
	IntrinsicFloor    uint32 = 5
	IntrinsicCeil     uint32 = 6
	IntrinsicFAbs     uint32 = 7
	IntrinsicFMin     uint32 = 8
	IntrinsicFMax     uint32 = 9
	IntrinsicPopCount uint32 = 10
	IntrinsicClz      uint32 = 11
	IntrinsicCtz      uint32 = 12
	IntrinsicYield    uint32 = 13
)

var coreIntrinsics = map[uint32]Intrinsic{
	IntrinsicMemCopy: {
		ID: IntrinsicMemCopy, Name: "memcopy", Arity: 5,
		Kinds: []value.Kind{value.KindRef, value.KindInt, value.KindRef, value.KindInt, value.KindInt},
		Fn:    intrinsicMemCopy,
	},
	IntrinsicMemFill: {
		ID: IntrinsicMemFill, Name: "memfill", Arity: 4,
		Kinds: []value.Kind{value.KindRef, value.KindInt, value.KindInt},
		Fn:    intrinsicMemFill,
	},
	IntrinsicFence: {ID: IntrinsicFence, Name: "fence", Arity: 0, Fn: intrinsicFence},

	IntrinsicSqrt:  floatUnary(IntrinsicSqrt, "sqrt", math.Sqrt),
	IntrinsicFloor: floatUnary(IntrinsicFloor, "floor", math.Floor),
	IntrinsicCeil:  floatUnary(IntrinsicCeil, "ceil", math.Ceil),
	IntrinsicFAbs:  floatUnary(IntrinsicFAbs, "fabs", math.Abs),
	IntrinsicFMin:  floatBinary(IntrinsicFMin, "fmin", math.Min),
	IntrinsicFMax:  floatBinary(IntrinsicFMax, "fmax", math.Max),

	IntrinsicPopCount: intUnary(IntrinsicPopCount, "popcount", bits.OnesCount64),
	IntrinsicClz:      intUnary(IntrinsicClz, "clz", bits.LeadingZeros64),
	IntrinsicCtz:      intUnary(IntrinsicCtz, "ctz", bits.TrailingZeros64),

	IntrinsicYield: {
		ID: IntrinsicYield, Name: "yield", Arity: -1,
		Fn: func(env *Env, args []value.Value) (value.Value, error) {
			return value.Value{}, trap.New(trap.Unsupported, "yield is reserved for generators")
		},
	},
}

func floatUnary(id uint32, name string, fn func(float64) float64) Intrinsic {
	return Intrinsic{
		ID: id, Name: name, Arity: 1,
		Kinds: []value.Kind{value.KindFloat},
		Fn: func(env *Env, args []value.Value) (value.Value, error) {
			return value.Float(fn(args[0].Float())), nil
		},
	}
}

func floatBinary(id uint32, name string, fn func(float64, float64) float64) Intrinsic {
	return Intrinsic{
		ID: id, Name: name, Arity: 2,
		Kinds: []value.Kind{value.KindFloat, value.KindFloat},
		Fn: func(env *Env, args []value.Value) (value.Value, error) {
			return value.Float(fn(args[0].Float(), args[1].Float())), nil
		},
	}
}

func intUnary(id uint32, name string, fn func(uint64) int) Intrinsic {
	return Intrinsic{
		ID: id, Name: name, Arity: 1,
		Kinds: []value.Kind{value.KindInt},
		Fn: func(env *Env, args []value.Value) (value.Value, error) {
			return value.Int(int64(fn(uint64(args[0].Int())))), nil
		},
	}
}

// checkRange validates [off, off+n) against an array of length.
func checkRange(off, n int64, length int) error {
	if n < 0 {
		return trap.WithDetails(trap.OutOfBounds, []int64{n, int64(length)}, "negative count %d", n)
	}
	if off < 0 || off > int64(length) {
		return trap.WithDetails(trap.OutOfBounds, []int64{off, int64(length)}, "offset %d out of range [0:%d]", off, length)
	}
	if n > int64(length)-off {
		return trap.WithDetails(trap.OutOfBounds, []int64{int64(length), int64(length)}, "count %d from offset %d out of range [0:%d]", n, off, length)
	}
	return nil
}

func intrinsicMemCopy(env *Env, args []value.Value) (value.Value, error) {
	h := env.Heap()
	dst, dstOff := args[0], args[1].Int()
	src, srcOff := args[2], args[3].Int()
	n := args[4].Int()

	dstObj, err := env.inst.object(dst, heap.KindArray)
	if err != nil {
		return value.Value{}, err
	}
	srcObj, err := env.inst.object(src, heap.KindArray)
	if err != nil {
		return value.Value{}, err
	}
	if err := checkRange(dstOff, n, len(dstObj.Fields)); err != nil {
		return value.Value{}, err
	}
	if err := checkRange(srcOff, n, len(srcObj.Fields)); err != nil {
		return value.Value{}, err
	}

	copyOne := func(i int64) error {
		v, err := h.Load(src.Handle(), srcOff+i)
		if err != nil {
			return err
		}
		return h.Store(dst.Handle(), dstOff+i, v)
	}

	// overlapping copies within one array run backwards when moving up
	if dst.Handle() == src.Handle() && dstOff > srcOff {
		for i := n - 1; i >= 0; i-- {
			if err := copyOne(i); err != nil {
				return value.Value{}, err
			}
		}
	} else {
		for i := range n {
			if err := copyOne(i); err != nil {
				return value.Value{}, err
			}
		}
	}
	return value.Unit(), nil
}

func intrinsicMemFill(env *Env, args []value.Value) (value.Value, error) {
	h := env.Heap()
	dst, off, n, fill := args[0], args[1].Int(), args[2].Int(), args[3]

	obj, err := env.inst.object(dst, heap.KindArray)
	if err != nil {
		return value.Value{}, err
	}
	if err := checkRange(off, n, len(obj.Fields)); err != nil {
		return value.Value{}, err
	}
	for i := range n {
		if err := h.Store(dst.Handle(), off+i, fill); err != nil {
			return value.Value{}, err
		}
	}
	return value.Unit(), nil
}

var fenceWord atomic.Uint64

func intrinsicFence(env *Env, args []value.Value) (value.Value, error) {
	fenceWord.Add(1)
	return value.Unit(), nil
}
