package vm

import (
	"math"

	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

func mismatch(op bytecode.Opcode, vs ...value.Value) error {
	switch len(vs) {
	case 1:
		return trap.New(trap.TypeMismatch, "%s: unsupported operand %s", op, vs[0].Kind())
	default:
		return trap.New(trap.TypeMismatch, "%s: unsupported operands %s, %s", op, vs[0].Kind(), vs[1].Kind())
	}
}

func overflow(op bytecode.Opcode, a, b int64) error {
	return trap.New(trap.Overflow, "%s: %d, %d overflows", op, a, b)
}

func divideByZero(op bytecode.Opcode) error {
	return trap.New(trap.DivideByZero, "%s: integer divide by zero", op)
}

// Arith evaluates a binary arithmetic, bitwise or shift instruction.
// Integer operations wrap unless op is a checked variant; floats follow
// IEEE 754.
func Arith(op bytecode.Opcode, a, b value.Value) (value.Value, error) {
	if a.Kind() != b.Kind() {
		return value.Value{}, mismatch(op, a, b)
	}

	switch a.Kind() {
	case value.KindInt:
		r, err := intArith(op, a.Int(), b.Int())
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(r), nil
	case value.KindFloat:
		return floatArith(op, a.Float(), b.Float())
	case value.KindBool:
		switch op {
		case bytecode.OpBAnd:
			return value.Bool(a.Bool() && b.Bool()), nil
		case bytecode.OpBOr:
			return value.Bool(a.Bool() || b.Bool()), nil
		case bytecode.OpBXor:
			return value.Bool(a.Bool() != b.Bool()), nil
		}
	}
	return value.Value{}, mismatch(op, a, b)
}

func intArith(op bytecode.Opcode, x, y int64) (int64, error) {
	switch op {
	case bytecode.OpAdd:
		return x + y, nil
	case bytecode.OpSub:
		return x - y, nil
	case bytecode.OpMul:
		return x * y, nil
	case bytecode.OpDiv:
		if y == 0 {
			return 0, divideByZero(op)
		}
		// MinInt64 / -1 wraps to MinInt64
		return x / y, nil
	case bytecode.OpMod:
		if y == 0 {
			return 0, divideByZero(op)
		}
		return x % y, nil

	case bytecode.OpAddC:
		r := x + y
		if (x^r)&(y^r) < 0 {
			return 0, overflow(op, x, y)
		}
		return r, nil
	case bytecode.OpSubC:
		r := x - y
		if (x^y)&(x^r) < 0 {
			return 0, overflow(op, x, y)
		}
		return r, nil
	case bytecode.OpMulC:
		r, ok := mulChecked(x, y)
		if !ok {
			return 0, overflow(op, x, y)
		}
		return r, nil
	case bytecode.OpDivC:
		if y == 0 {
			return 0, divideByZero(op)
		}
		if x == math.MinInt64 && y == -1 {
			return 0, overflow(op, x, y)
		}
		return x / y, nil
	case bytecode.OpModC:
		if y == 0 {
			return 0, divideByZero(op)
		}
		return x % y, nil

	case bytecode.OpDivU:
		if y == 0 {
			return 0, divideByZero(op)
		}
		return int64(uint64(x) / uint64(y)), nil
	case bytecode.OpModU:
		if y == 0 {
			return 0, divideByZero(op)
		}
		return int64(uint64(x) % uint64(y)), nil

	case bytecode.OpBAnd:
		return x & y, nil
	case bytecode.OpBOr:
		return x | y, nil
	case bytecode.OpBXor:
		return x ^ y, nil
	case bytecode.OpShl:
		return x << (uint64(y) & 63), nil
	case bytecode.OpShr:
		return x >> (uint64(y) & 63), nil
	case bytecode.OpUShr:
		return int64(uint64(x) >> (uint64(y) & 63)), nil
	}
	return 0, mismatch(op, value.Int(x), value.Int(y))
}

func mulChecked(x, y int64) (int64, bool) {
	if x == 0 || y == 0 {
		return 0, true
	}
	r := x * y
	if (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
		return r, false
	}
	return r, r/y == x
}

func floatArith(op bytecode.Opcode, x, y float64) (value.Value, error) {
	switch op {
	case bytecode.OpAdd, bytecode.OpAddC:
		return value.Float(x + y), nil
	case bytecode.OpSub, bytecode.OpSubC:
		return value.Float(x - y), nil
	case bytecode.OpMul, bytecode.OpMulC:
		return value.Float(x * y), nil
	case bytecode.OpDiv, bytecode.OpDivC:
		return value.Float(x / y), nil
	case bytecode.OpMod, bytecode.OpModC:
		return value.Float(math.Mod(x, y)), nil
	}
	return value.Value{}, mismatch(op, value.Float(x), value.Float(y))
}

// Unary evaluates NEG, NEGC, BNOT, NOT, I2F and F2I.
func Unary(op bytecode.Opcode, a value.Value) (value.Value, error) {
	switch op {
	case bytecode.OpNeg:
		switch a.Kind() {
		case value.KindInt:
			return value.Int(-a.Int()), nil
		case value.KindFloat:
			return value.Float(-a.Float()), nil
		}
	case bytecode.OpNegC:
		switch a.Kind() {
		case value.KindInt:
			if a.Int() == math.MinInt64 {
				return value.Value{}, trap.New(trap.Overflow, "%s: %d overflows", op, a.Int())
			}
			return value.Int(-a.Int()), nil
		case value.KindFloat:
			return value.Float(-a.Float()), nil
		}
	case bytecode.OpBNot:
		if a.IsInt() {
			return value.Int(^a.Int()), nil
		}
	case bytecode.OpNot:
		if a.Kind() == value.KindBool {
			return value.Bool(!a.Bool()), nil
		}
	case bytecode.OpI2F:
		if a.IsInt() {
			return value.Float(float64(a.Int())), nil
		}
	case bytecode.OpF2I:
		if a.Kind() == value.KindFloat {
			f := a.Float()
			if math.IsNaN(f) || f < -(1<<63) || f >= 1<<63 {
				return value.Value{}, trap.New(trap.Overflow, "%s: %g is not representable", op, f)
			}
			return value.Int(int64(f)), nil
		}
	}
	return value.Value{}, mismatch(op, a)
}

// Compare evaluates CMP: the three-way ordering of a and b as an Int.
func Compare(a, b value.Value) (value.Value, error) {
	ord, ok := value.Compare(a, b)
	if !ok {
		return value.Value{}, mismatch(bytecode.OpCmp, a, b)
	}
	return value.Int(int64(ord)), nil
}

func ordering(v value.Value) (value.Ordering, error) {
	if !v.IsInt() {
		return 0, trap.New(trap.TypeMismatch, "ordering must be int, got %s", v.Kind())
	}
	switch ord := value.Ordering(v.Int()); ord {
	case value.Less, value.Equal, value.Greater, value.Unordered:
		return ord, nil
	default:
		return 0, trap.New(trap.TypeMismatch, "invalid ordering %d", v.Int())
	}
}

// SetCC evaluates whether pred holds on the ordering held by ord.
func SetCC(ord value.Value, pred bytecode.Pred) (value.Value, error) {
	o, err := ordering(ord)
	if err != nil {
		return value.Value{}, err
	}
	return value.Bool(pred.Holds(o)), nil
}
