package bytecode

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rhino1998/vireo/pkg/topological"
)

// MaxGlobals bounds the global slot operand.
const MaxGlobals = 1 << 16

// Verify checks every cross reference in m and returns all problems found
// as a single aggregated error.
func (m *Module) Verify() error {
	v := verifier{m: m}

	v.imports()
	v.constants()
	v.types()
	for i := range m.Functions {
		v.function(uint32(i))
	}
	v.debug()

	return v.errs.ErrorOrNil()
}

type verifier struct {
	m    *Module
	errs *multierror.Error
}

func (v *verifier) fail(err error, format string, args ...any) {
	v.errs = multierror.Append(v.errs, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err))
}

func (v *verifier) imports() {
	for i, imp := range v.m.Imports {
		switch {
		case int(imp.Name) >= len(v.m.Strings):
			v.fail(ErrDanglingRef, "import %d: name string %d", i, imp.Name)
		case v.m.Strings[imp.Name] == "":
			v.fail(ErrEmptyImportName, "import %d", i)
		}
		if imp.Arity < -1 {
			v.fail(ErrMalformed, "import %d: arity %d", i, imp.Arity)
		}
	}
}

func (v *verifier) constants() {
	for i, c := range v.m.Constants {
		switch c.Kind {
		case ConstString:
			if int(c.Index) >= len(v.m.Strings) {
				v.fail(ErrDanglingRef, "constant %d: string %d", i, c.Index)
			}
		case ConstFunc:
			if int(c.Index) >= len(v.m.Functions) {
				v.fail(ErrDanglingRef, "constant %d: function %d", i, c.Index)
			}
		case ConstTuple:
			for _, e := range c.Elems {
				if int(e) >= len(v.m.Constants) {
					v.fail(ErrDanglingRef, "constant %d: element constant %d", i, e)
				}
			}
		}
	}
}

func (v *verifier) types() {
	for i, t := range v.m.Types {
		seen := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if seen[f] {
				v.fail(ErrMalformed, "type %d (%s): duplicate field %q", i, t.Name, f)
			}
			seen[f] = true
		}
	}
}

func (v *verifier) function(idx uint32) {
	fn := v.m.Functions[idx]
	if int(fn.Name) >= len(v.m.Strings) {
		v.fail(ErrDanglingRef, "function %d: name string %d", idx, fn.Name)
	}
	name := v.m.FunctionName(idx)

	if int(fn.Params)+int(fn.Locals) > int(fn.Registers) {
		v.fail(ErrInvalidFunction, "function %q: params %d + locals %d exceed %d registers", name, fn.Params, fn.Locals, fn.Registers)
	}

	if len(fn.Blocks) == 0 {
		v.fail(ErrInvalidFunction, "function %q: no blocks", name)
		return
	}

	last := fn.Blocks[len(fn.Blocks)-1].Instructions
	if len(last) == 0 || !last[len(last)-1].Op.IsTerminator() {
		v.fail(ErrInvalidFunction, "function %q: final block does not end in a terminator", name)
	}

	for b, block := range fn.Blocks {
		for i, instr := range block.Instructions {
			v.instruction(fn, name, b, i, instr)
		}
	}

	for h, handler := range fn.Handlers {
		switch {
		case handler.Start > handler.End:
			v.fail(ErrInvalidFunction, "function %q handler %d: range b%d..b%d", name, h, handler.Start, handler.End)
		case int(handler.End) >= len(fn.Blocks):
			v.fail(ErrDanglingRef, "function %q handler %d: block b%d", name, h, handler.End)
		}
		if int(handler.Landing) >= len(fn.Blocks) {
			v.fail(ErrDanglingRef, "function %q handler %d: landing block b%d", name, h, handler.Landing)
		}
		if handler.Register >= fn.Registers {
			v.fail(ErrDanglingRef, "function %q handler %d: register r%d", name, h, handler.Register)
		}
	}
}

func (v *verifier) instruction(fn *Function, name string, block, index int, instr Instruction) {
	at := func() string {
		return fmt.Sprintf("function %q b%d[%d] %s", name, block, index, instr.Op)
	}

	if !instr.Op.Valid() {
		v.fail(ErrInvalidOperation, "function %q b%d[%d]: opcode %d", name, block, index, uint16(instr.Op))
		return
	}

	operands := [3]uint32{instr.A, instr.B, instr.C}
	for slot, kind := range instr.Op.Operands() {
		val := operands[slot]
		var limit int
		switch kind {
		case OperandRegister:
			limit = int(fn.Registers)
		case OperandConst:
			limit = len(v.m.Constants)
		case OperandFunc:
			limit = len(v.m.Functions)
		case OperandString:
			limit = len(v.m.Strings)
		case OperandImport:
			limit = len(v.m.Imports)
		case OperandType:
			limit = len(v.m.Types)
		case OperandData:
			limit = len(v.m.Data)
		case OperandBlock:
			limit = len(fn.Blocks)
		case OperandGlobal:
			limit = MaxGlobals
		case OperandPred:
			if !Pred(val).Valid() {
				v.fail(ErrMalformed, "%s: predicate %d", at(), val)
			}
			continue
		case OperandArgs:
			start, count := UnpackArgs(val)
			if count > 0 && int(start+count) > int(fn.Registers) {
				v.fail(ErrDanglingRef, "%s: argument window r%d+%d exceeds %d registers", at(), start, count, fn.Registers)
			}
			continue
		default:
			continue
		}
		if int64(val) >= int64(limit) {
			v.fail(ErrDanglingRef, "%s: %c operand %s out of range (%d)", at(), kind, FormatOperand(kind, val), limit)
		}
	}

	_, count := UnpackArgs(instr.C)
	switch instr.Op {
	case OpCall, OpTailCall, OpClosure:
		target := instr.B
		if instr.Op == OpTailCall {
			target = instr.A
		}
		if int(target) >= len(v.m.Functions) {
			return
		}
		callee := v.m.Functions[target]
		if instr.Op == OpClosure {
			if int(callee.Params)+int(count) > int(callee.Registers) {
				v.fail(ErrInvalidFunction, "%s: %d captures do not fit after %d params of %q", at(), count, callee.Params, v.m.FunctionName(target))
			}
			return
		}
		if int(count) != int(callee.Params) {
			v.fail(ErrInvalidFunction, "%s: %d arguments for %q which takes %d", at(), count, v.m.FunctionName(target), callee.Params)
		}
	case OpCallN:
		if int(instr.B) >= len(v.m.Imports) {
			return
		}
		if arity := v.m.Imports[instr.B].Arity; arity >= 0 && int(count) != int(arity) {
			v.fail(ErrInvalidFunction, "%s: %d arguments for import %q which takes %d", at(), count, v.m.ImportName(instr.B), arity)
		}
	}
}

func (v *verifier) debug() {
	for i, rec := range v.m.Debug {
		if i > 0 && rec.Function <= v.m.Debug[i-1].Function {
			v.fail(ErrMalformed, "debug record %d: function %d out of order", i, rec.Function)
		}
		if int(rec.Function) >= len(v.m.Functions) {
			v.fail(ErrDanglingRef, "debug record %d: function %d", i, rec.Function)
			continue
		}
		if int(rec.File) >= len(v.m.Strings) {
			v.fail(ErrDanglingRef, "debug record %d: file string %d", i, rec.File)
		}

		blocks := len(v.m.Functions[rec.Function].Blocks)
		for j, line := range rec.Lines {
			if int(line.Block) >= blocks {
				v.fail(ErrDanglingRef, "debug record %d line %d: block b%d", i, j, line.Block)
			}
			if j > 0 {
				prev := rec.Lines[j-1]
				if line.Block < prev.Block || (line.Block == prev.Block && line.Index < prev.Index) {
					v.fail(ErrMalformed, "debug record %d line %d: out of order", i, j)
				}
			}
		}
		for j, label := range rec.Labels {
			if int(label.Block) >= blocks {
				v.fail(ErrDanglingRef, "debug record %d label %d: block b%d", i, j, label.Block)
			}
			if int(label.Name) >= len(v.m.Strings) {
				v.fail(ErrDanglingRef, "debug record %d label %d: name string %d", i, j, label.Name)
			}
		}
	}
}

func (m *Module) constantOrder() ([]uint32, error) {
	indices := make([]uint32, len(m.Constants))
	for i := range indices {
		indices[i] = uint32(i)
	}

	order, err := topological.Sort(indices, func(i uint32) []uint32 {
		return m.Constants[i].Elems
	})
	if errors.Is(err, topological.ErrCycleDetected) {
		return nil, fmt.Errorf("%w: %w", ErrConstantCycle, err)
	}
	return order, err
}

func (m *Module) maxGlobal() uint32 {
	var n uint32
	for _, fn := range m.Functions {
		for _, b := range fn.Blocks {
			for _, instr := range b.Instructions {
				switch instr.Op {
				case OpLoadG:
					n = max(n, instr.B+1)
				case OpStoreG:
					n = max(n, instr.A+1)
				}
			}
		}
	}
	return n
}
