package bytecode

import (
	"fmt"
	"strings"

	"github.com/rhino1998/vireo/pkg/value"
)

// InstructionSize is the encoded width of every instruction.
const InstructionSize = 16

// Instruction is one fixed-width operation. The meaning of each operand slot
// depends on Op; see Opcode.Operands.
type Instruction struct {
	Op Opcode
	A  uint32
	B  uint32
	C  uint32
}

func (i Instruction) String() string {
	kinds := i.Op.Operands()
	operands := []uint32{i.A, i.B, i.C}

	var parts []string
	for slot, kind := range kinds {
		if kind == OperandNone {
			continue
		}
		parts = append(parts, FormatOperand(kind, operands[slot]))
	}

	if len(parts) == 0 {
		return i.Op.String()
	}
	return fmt.Sprintf("%s %s", i.Op, strings.Join(parts, ", "))
}

// FormatOperand renders a single operand without module context.
func FormatOperand(kind OperandKind, v uint32) string {
	switch kind {
	case OperandRegister:
		return fmt.Sprintf("r%d", v)
	case OperandImm:
		return fmt.Sprintf("%d", int32(v))
	case OperandConst:
		return fmt.Sprintf("k%d", v)
	case OperandFunc:
		return fmt.Sprintf("f%d", v)
	case OperandString:
		return fmt.Sprintf("s%d", v)
	case OperandImport:
		return fmt.Sprintf("m%d", v)
	case OperandType:
		return fmt.Sprintf("t%d", v)
	case OperandData:
		return fmt.Sprintf("d%d", v)
	case OperandBlock:
		return fmt.Sprintf("b%d", v)
	case OperandGlobal:
		return fmt.Sprintf("g%d", v)
	case OperandArgs:
		start, count := UnpackArgs(v)
		if count == 0 {
			return "()"
		}
		return fmt.Sprintf("(r%d..r%d)", start, start+count-1)
	case OperandPred:
		return Pred(v).String()
	case OperandIntrin:
		return fmt.Sprintf("#%d", v)
	default:
		return fmt.Sprintf("0x%08x", v)
	}
}

// Args packs a contiguous register window into a single operand.
func Args(start, count uint16) uint32 {
	return uint32(start) | uint32(count)<<16
}

func UnpackArgs(v uint32) (start, count uint32) {
	return v & 0xffff, v >> 16
}

// Pred selects which orderings satisfy a conditional.
type Pred uint32

const (
	PredEQ Pred = iota
	PredNE
	PredLT
	PredLE
	PredGT
	PredGE

	predCount
)

var predNames = [predCount]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (p Pred) Valid() bool {
	return p < predCount
}

func (p Pred) String() string {
	if !p.Valid() {
		return fmt.Sprintf("pred(%d)", uint32(p))
	}
	return predNames[p]
}

func LookupPred(name string) (Pred, bool) {
	for i, n := range predNames {
		if n == name {
			return Pred(i), true
		}
	}
	return 0, false
}

// Holds reports whether ord satisfies p. Unordered satisfies only NE.
func (p Pred) Holds(ord value.Ordering) bool {
	if ord == value.Unordered {
		return p == PredNE
	}

	switch p {
	case PredEQ:
		return ord == value.Equal
	case PredNE:
		return ord != value.Equal
	case PredLT:
		return ord == value.Less
	case PredLE:
		return ord == value.Less || ord == value.Equal
	case PredGT:
		return ord == value.Greater
	case PredGE:
		return ord == value.Greater || ord == value.Equal
	default:
		return false
	}
}
