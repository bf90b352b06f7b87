package value

import (
	"fmt"
	"math"
)

// Ordering is the result of a three-way comparison.
type Ordering int64

const (
	Less      Ordering = -1
	Equal     Ordering = 0
	Greater   Ordering = 1
	Unordered Ordering = 2
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "lt"
	case Equal:
		return "eq"
	case Greater:
		return "gt"
	case Unordered:
		return "unordered"
	default:
		return fmt.Sprintf("ordering(%d)", int64(o))
	}
}

// Compare orders two values of the same kind. Floats involving NaN are
// Unordered. References compare by identity: the same handle is Equal and
// distinct handles are Unordered. Mixed kinds and raw pointers are not
// comparable and report ok == false.
func Compare(a, b Value) (ord Ordering, ok bool) {
	if a.kind != b.kind {
		return Unordered, false
	}

	switch a.kind {
	case KindUnit:
		return Equal, true
	case KindInt:
		return cmpOrdered(a.Int(), b.Int()), true
	case KindFloat:
		x, y := a.Float(), b.Float()
		if math.IsNaN(x) || math.IsNaN(y) {
			return Unordered, true
		}
		return cmpOrdered(x, y), true
	case KindBool:
		return cmpOrdered(a.bits, b.bits), true
	case KindRef:
		if a.bits == b.bits {
			return Equal, true
		}
		return Unordered, true
	default:
		return Unordered, false
	}
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}
