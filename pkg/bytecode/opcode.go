package bytecode

import "fmt"

type Opcode uint16

const (
	OpNop Opcode = iota
	OpMov
	OpLoadI
	OpLoadK
	OpLoadUnit
	OpLoadBool
	OpLoadFn
	OpLoadStr
	OpLoadData

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	OpAddC
	OpSubC
	OpMulC
	OpDivC
	OpNegC

	OpDivU
	OpModU

	OpBAnd
	OpBOr
	OpBXor
	OpShl
	OpShr
	OpUShr
	OpBNot
	OpNot

	OpI2F
	OpF2I

	OpCmp
	OpSetCC

	OpJmp
	OpJmpIf
	OpJmpT
	OpJmpF

	OpCall
	OpCallR
	OpCallN
	OpTailCall
	OpTailCallR
	OpRet
	OpRetUnit
	OpIntrin

	OpNewArray
	OpALen
	OpALoad
	OpAStore
	OpNewRec
	OpGetF
	OpSetF
	OpClosure
	OpConcat
	OpSLen

	OpLoadG
	OpStoreG

	OpRaise
	OpReraise
	OpExKind
	OpExPayload

	OpPin
	OpUnpin
	OpPLoad
	OpPStore

	OpModC

	opCount
)

// OperandKind describes how an operand slot of an instruction is
// interpreted by the verifier, the disassembler and the interpreter.
type OperandKind byte

const (
	OperandNone     OperandKind = '-'
	OperandRegister OperandKind = 'R'
	OperandImm      OperandKind = 'I'
	OperandConst    OperandKind = 'K'
	OperandFunc     OperandKind = 'F'
	OperandString   OperandKind = 'S'
	OperandImport   OperandKind = 'M'
	OperandType     OperandKind = 'T'
	OperandData     OperandKind = 'D'
	OperandBlock    OperandKind = 'L'
	OperandGlobal   OperandKind = 'G'
	OperandArgs     OperandKind = 'P'
	OperandPred     OperandKind = 'X'
	OperandIntrin   OperandKind = 'N'
)

type opInfo struct {
	name       string
	operands   string
	terminator bool
}

var opInfos = [opCount]opInfo{
	OpNop:      {"nop", "---", false},
	OpMov:      {"mov", "RR-", false},
	OpLoadI:    {"loadi", "RI-", false},
	OpLoadK:    {"loadk", "RK-", false},
	OpLoadUnit: {"loadunit", "R--", false},
	OpLoadBool: {"loadbool", "RI-", false},
	OpLoadFn:   {"loadfn", "RF-", false},
	OpLoadStr:  {"loadstr", "RS-", false},
	OpLoadData: {"loaddata", "RD-", false},

	OpAdd: {"add", "RRR", false},
	OpSub: {"sub", "RRR", false},
	OpMul: {"mul", "RRR", false},
	OpDiv: {"div", "RRR", false},
	OpMod: {"mod", "RRR", false},
	OpNeg: {"neg", "RR-", false},

	OpAddC: {"addc", "RRR", false},
	OpSubC: {"subc", "RRR", false},
	OpMulC: {"mulc", "RRR", false},
	OpDivC: {"divc", "RRR", false},
	OpNegC: {"negc", "RR-", false},

	OpDivU: {"divu", "RRR", false},
	OpModU: {"modu", "RRR", false},

	OpBAnd: {"band", "RRR", false},
	OpBOr:  {"bor", "RRR", false},
	OpBXor: {"bxor", "RRR", false},
	OpShl:  {"shl", "RRR", false},
	OpShr:  {"shr", "RRR", false},
	OpUShr: {"ushr", "RRR", false},
	OpBNot: {"bnot", "RR-", false},
	OpNot:  {"not", "RR-", false},

	OpI2F: {"i2f", "RR-", false},
	OpF2I: {"f2i", "RR-", false},

	OpCmp:   {"cmp", "RRR", false},
	OpSetCC: {"setcc", "RRX", false},

	OpJmp:   {"jmp", "L--", true},
	OpJmpIf: {"jmpif", "RXL", false},
	OpJmpT:  {"jmpt", "RL-", false},
	OpJmpF:  {"jmpf", "RL-", false},

	OpCall:      {"call", "RFP", false},
	OpCallR:     {"callr", "RRP", false},
	OpCallN:     {"calln", "RMP", false},
	OpTailCall:  {"tailcall", "F-P", true},
	OpTailCallR: {"tailcallr", "R-P", true},
	OpRet:       {"ret", "R--", true},
	OpRetUnit:   {"retunit", "---", true},
	OpIntrin:    {"intrin", "RNP", false},

	OpNewArray: {"newarray", "RR-", false},
	OpALen:     {"alen", "RR-", false},
	OpALoad:    {"aload", "RRR", false},
	OpAStore:   {"astore", "RRR", false},
	OpNewRec:   {"newrec", "RT-", false},
	OpGetF:     {"getf", "RRI", false},
	OpSetF:     {"setf", "RIR", false},
	OpClosure:  {"closure", "RFP", false},
	OpConcat:   {"concat", "RRR", false},
	OpSLen:     {"slen", "RR-", false},

	OpLoadG:  {"loadg", "RG-", false},
	OpStoreG: {"storeg", "GR-", false},

	OpRaise:     {"raise", "RR-", true},
	OpReraise:   {"reraise", "R--", true},
	OpExKind:    {"exkind", "RR-", false},
	OpExPayload: {"expayload", "RR-", false},

	OpPin:    {"pin", "RR-", false},
	OpUnpin:  {"unpin", "R--", false},
	OpPLoad:  {"pload", "RRR", false},
	OpPStore: {"pstore", "RRR", false},

	OpModC: {"modc", "RRR", false},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, opCount)
	for op := Opcode(0); op < opCount; op++ {
		m[opInfos[op].name] = op
	}
	return m
}()

// LookupOpcode resolves a mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

func (op Opcode) Valid() bool {
	return op < opCount
}

func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("op(%d)", uint16(op))
	}
	return opInfos[op].name
}

// Operands returns the kinds of the A, B and C slots.
func (op Opcode) Operands() [3]OperandKind {
	var kinds [3]OperandKind
	if !op.Valid() {
		return [3]OperandKind{OperandNone, OperandNone, OperandNone}
	}
	for i := range kinds {
		kinds[i] = OperandKind(opInfos[op].operands[i])
	}
	return kinds
}

// IsTerminator reports whether control never falls through op.
func (op Opcode) IsTerminator() bool {
	return op.Valid() && opInfos[op].terminator
}

// IsJump reports whether op may transfer control to another block of the
// same function.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJmp, OpJmpIf, OpJmpT, OpJmpF:
		return true
	default:
		return false
	}
}

// IsCall reports whether op is a call boundary.
func (op Opcode) IsCall() bool {
	switch op {
	case OpCall, OpCallR, OpCallN, OpTailCall, OpTailCallR:
		return true
	default:
		return false
	}
}
