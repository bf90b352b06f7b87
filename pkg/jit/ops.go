package jit

import (
	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/vm"
	"github.com/rhino1998/vireo/pkg/value"
)

func compile(m *bytecode.Module, instr bytecode.Instruction) (op, bool) {
	a, b, c := instr.A, instr.B, instr.C

	switch instr.Op {
	case bytecode.OpNop:
		return func([]value.Value) bool { return true }, true

	case bytecode.OpMov:
		return func(regs []value.Value) bool {
			regs[a] = regs[b]
			return true
		}, true

	case bytecode.OpLoadI:
		return constant(a, value.Int(int64(int32(b)))), true

	case bytecode.OpLoadUnit:
		return constant(a, value.Unit()), true

	case bytecode.OpLoadBool:
		return constant(a, value.Bool(b != 0)), true

	case bytecode.OpLoadK:
		k := m.Constants[b]
		switch k.Kind {
		case bytecode.ConstUnit:
			return constant(a, value.Unit()), true
		case bytecode.ConstInt:
			return constant(a, value.Int(k.Int())), true
		case bytecode.ConstFloat:
			return constant(a, value.Float(k.Float())), true
		case bytecode.ConstBool:
			return constant(a, value.Bool(k.Bool())), true
		}
		// heap constants need the instance
		return nil, false

	case bytecode.OpAdd:
		return intBinary(instr, func(x, y int64) int64 { return x + y }), true
	case bytecode.OpSub:
		return intBinary(instr, func(x, y int64) int64 { return x - y }), true
	case bytecode.OpMul:
		return intBinary(instr, func(x, y int64) int64 { return x * y }), true
	case bytecode.OpBAnd:
		return intBinary(instr, func(x, y int64) int64 { return x & y }), true
	case bytecode.OpBOr:
		return intBinary(instr, func(x, y int64) int64 { return x | y }), true
	case bytecode.OpBXor:
		return intBinary(instr, func(x, y int64) int64 { return x ^ y }), true
	case bytecode.OpShl:
		return intBinary(instr, func(x, y int64) int64 { return x << (y & 63) }), true
	case bytecode.OpShr:
		return intBinary(instr, func(x, y int64) int64 { return x >> (y & 63) }), true
	case bytecode.OpUShr:
		return intBinary(instr, func(x, y int64) int64 { return int64(uint64(x) >> (y & 63)) }), true

	case bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpAddC, bytecode.OpSubC, bytecode.OpMulC, bytecode.OpDivC, bytecode.OpModC,
		bytecode.OpDivU, bytecode.OpModU:
		return binary(instr), true

	case bytecode.OpNeg, bytecode.OpNegC, bytecode.OpBNot, bytecode.OpNot,
		bytecode.OpI2F, bytecode.OpF2I:
		return func(regs []value.Value) bool {
			v, err := vm.Unary(instr.Op, regs[b])
			if err != nil {
				return false
			}
			regs[a] = v
			return true
		}, true

	case bytecode.OpCmp:
		return func(regs []value.Value) bool {
			x, y := regs[b], regs[c]
			if x.IsInt() && y.IsInt() {
				regs[a] = value.Int(int64(compareInts(x.Int(), y.Int())))
				return true
			}
			v, err := vm.Compare(x, y)
			if err != nil {
				return false
			}
			regs[a] = v
			return true
		}, true

	case bytecode.OpSetCC:
		pred := bytecode.Pred(c)
		return func(regs []value.Value) bool {
			v, err := vm.SetCC(regs[b], pred)
			if err != nil {
				return false
			}
			regs[a] = v
			return true
		}, true
	}

	return nil, false
}

func constant(dst uint32, v value.Value) op {
	return func(regs []value.Value) bool {
		regs[dst] = v
		return true
	}
}

// intBinary inlines the wrapping integer form of a binary op and defers
// every other operand kind to vm.Arith.
func intBinary(instr bytecode.Instruction, fn func(x, y int64) int64) op {
	a, b, c := instr.A, instr.B, instr.C
	slow := binary(instr)
	return func(regs []value.Value) bool {
		x, y := regs[b], regs[c]
		if x.IsInt() && y.IsInt() {
			regs[a] = value.Int(fn(x.Int(), y.Int()))
			return true
		}
		return slow(regs)
	}
}

// binary evaluates through vm.Arith. A trapping operation is not applied;
// the interpreter re-executes it and raises the trap itself.
func binary(instr bytecode.Instruction) op {
	a, b, c := instr.A, instr.B, instr.C
	return func(regs []value.Value) bool {
		v, err := vm.Arith(instr.Op, regs[b], regs[c])
		if err != nil {
			return false
		}
		regs[a] = v
		return true
	}
}

func compareInts(x, y int64) value.Ordering {
	switch {
	case x < y:
		return value.Less
	case x > y:
		return value.Greater
	default:
		return value.Equal
	}
}
