// Package asm assembles the text form of a module. The syntax follows the
// disassembler listing:
//
//	.import print/-1
//	.const greeting string "hello"
//	.type Point {x, y}
//
//	func main(params=0 regs=4 locals=4)
//	  entry:
//	    loadk r0, greeting
//	    calln r1, print, (r0..r0)
//	    retunit
//	  .handler entry..entry kind=any -> entry r3
//	end
//
// Operands name entities either by declared name or by index (r0, k1, f2,
// m0, t0, d0, b1, g0, #4).
package asm

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rhino1998/vireo/pkg/bytecode"
)

type assembler struct {
	file string
	b    *bytecode.Builder
	errs *multierror.Error

	funcs   map[string]uint32
	consts  map[string]uint32
	imports map[string]uint32
	types   map[string]uint32
	data    map[string]uint32
	globals map[string]uint32
}

// Assemble translates src into a verified module. Every error found is
// reported, each located by file and line.
func Assemble(logger *slog.Logger, file string, src []byte) (*bytecode.Module, error) {
	parsed, err := parse(file, src)
	if err != nil {
		return nil, err
	}

	a := &assembler{
		file:    file,
		b:       bytecode.NewBuilder(),
		funcs:   make(map[string]uint32),
		consts:  make(map[string]uint32),
		imports: make(map[string]uint32),
		types:   make(map[string]uint32),
		data:    make(map[string]uint32),
		globals: make(map[string]uint32),
	}

	a.declare(parsed)
	if err := a.errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	for _, decl := range parsed.consts {
		a.constant(decl)
	}
	fns := make([]*bytecode.FunctionBuilder, len(parsed.funcs))
	for i, decl := range parsed.funcs {
		fns[i] = a.b.Function(decl.name, decl.params, decl.regs).
			SetLocals(decl.locals).
			SetFlags(decl.flags)
		if decl.file != "" {
			fns[i].SetFile(decl.file)
		}
	}
	for i, decl := range parsed.funcs {
		a.function(fns[i], decl)
	}
	for _, ext := range parsed.extensions {
		a.b.Extension(ext.tag, ext.payload)
	}
	if err := a.errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	m, err := a.b.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	logger.Debug("assembled module",
		slog.String("file", file),
		slog.Int("functions", len(m.Functions)),
		slog.Int("constants", len(m.Constants)),
		slog.Int("strings", len(m.Strings)),
	)
	return m, nil
}

func (a *assembler) fail(line int, err error, format string, args ...any) {
	a.errs = multierror.Append(a.errs, PositionError{
		File: a.file,
		Line: line,
		Err:  fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...)),
	})
}

func (a *assembler) define(names map[string]uint32, kind string, line int, name string, idx uint32) {
	if _, ok := names[name]; ok {
		a.fail(line, ErrDuplicate, "%s %s", kind, name)
		return
	}
	names[name] = idx
}

// declare assigns indices to every named entity so that all references,
// including forward ones, resolve.
func (a *assembler) declare(src *source) {
	for _, decl := range src.imports {
		if _, ok := a.imports[decl.name]; ok {
			a.fail(decl.line, ErrDuplicate, "import %s", decl.name)
			continue
		}
		a.imports[decl.name] = a.b.Import(decl.name, decl.arity)
	}
	for _, decl := range src.types {
		a.define(a.types, "type", decl.line, decl.name, a.b.Type(decl.name, decl.fields...))
	}
	for _, decl := range src.data {
		a.define(a.data, "data", decl.line, decl.name, a.b.Data(decl.blob))
	}
	for i, decl := range src.globals {
		a.define(a.globals, "global", decl.line, decl.name, uint32(i))
	}
	for i, decl := range src.consts {
		a.define(a.consts, "constant", decl.line, decl.name, uint32(i))
	}
	for i, decl := range src.funcs {
		a.define(a.funcs, "function", decl.line, decl.name, uint32(i))
	}
}

// indexed parses names of the form <prefix><n>, such as r3 or k12.
func indexed(prefix, text string) (uint32, bool) {
	rest, ok := strings.CutPrefix(text, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func (a *assembler) lookup(names map[string]uint32, prefix, text string) (uint32, bool) {
	if idx, ok := names[text]; ok {
		return idx, true
	}
	return indexed(prefix, text)
}

func (a *assembler) constant(decl constDecl) {
	var c bytecode.Constant
	args := decl.args
	single := func() (token, bool) {
		if len(args) != 1 {
			a.fail(decl.line, ErrSyntax, "constant %s of kind %s takes one value", decl.name, decl.kind)
			return token{}, false
		}
		return args[0], true
	}

	switch decl.kind {
	case "unit":
		c = bytecode.Constant{Kind: bytecode.ConstUnit}
	case "int":
		t, ok := single()
		if !ok {
			return
		}
		n, err := strconv.ParseInt(t.text, 0, 64)
		if err != nil {
			a.fail(decl.line, ErrOutOfRange, "int constant %s", t.text)
			return
		}
		c = bytecode.IntConst(n)
	case "float":
		t, ok := single()
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			a.fail(decl.line, ErrOutOfRange, "float constant %s", t.text)
			return
		}
		c = bytecode.FloatConst(f)
	case "bool":
		t, ok := single()
		if !ok {
			return
		}
		b, err := strconv.ParseBool(t.text)
		if err != nil {
			a.fail(decl.line, ErrSyntax, "bool constant %s", t.text)
			return
		}
		c = bytecode.BoolConst(b)
	case "string":
		t, ok := single()
		if !ok {
			return
		}
		if t.kind != tokenString {
			a.fail(decl.line, ErrSyntax, "string constant must be quoted")
			return
		}
		c = bytecode.Constant{Kind: bytecode.ConstString, Index: a.b.String(t.text)}
	case "func":
		t, ok := single()
		if !ok {
			return
		}
		fn, ok := a.lookup(a.funcs, "f", t.text)
		if !ok {
			a.fail(decl.line, ErrUndefined, "function %s", t.text)
			return
		}
		c = bytecode.Constant{Kind: bytecode.ConstFunc, Index: fn}
	case "tuple":
		if len(args) < 2 || !args[0].is("(") || !args[len(args)-1].is(")") {
			a.fail(decl.line, ErrSyntax, "tuple constant must be (ELEM, ...)")
			return
		}
		c = bytecode.Constant{Kind: bytecode.ConstTuple}
		for _, elem := range splitOperands(args[1 : len(args)-1]) {
			if len(elem) == 0 {
				continue
			}
			if len(elem) != 1 {
				a.fail(decl.line, ErrSyntax, "invalid tuple element in %s", decl.name)
				return
			}
			idx, ok := a.lookup(a.consts, "k", elem[0].text)
			if !ok {
				a.fail(decl.line, ErrUndefined, "constant %s", elem[0].text)
				return
			}
			c.Elems = append(c.Elems, idx)
		}
	default:
		a.fail(decl.line, ErrSyntax, "unknown constant kind %s", decl.kind)
		return
	}
	a.b.Const(c)
}

func (a *assembler) function(fb *bytecode.FunctionBuilder, decl *funcDecl) {
	labels := make(map[string]uint32)
	blocks := make([]*bytecode.BlockBuilder, len(decl.blocks))
	for i, block := range decl.blocks {
		blocks[i] = fb.Block(block.label)
		if block.label != "" {
			a.define(labels, "label", block.line, block.label, uint32(i))
		}
	}

	resolveBlock := func(line int, text string) (uint32, bool) {
		if idx, ok := labels[text]; ok {
			return idx, true
		}
		// disassembler form b3.label
		head, _, _ := strings.Cut(text, ".")
		if idx, ok := indexed("b", head); ok {
			return idx, true
		}
		a.fail(line, ErrUndefined, "label %s in %s", text, decl.name)
		return 0, false
	}

	for i, block := range decl.blocks {
		for _, instr := range block.instrs {
			ops, ok := a.operands(instr, resolveBlock)
			if !ok {
				continue
			}
			if instr.srcLine != 0 {
				blocks[i].Line(instr.srcLine)
			}
			blocks[i].Emit(instr.op, ops[0], ops[1], ops[2])
		}
	}

	for _, h := range decl.handlers {
		start, ok1 := resolveBlock(h.line, h.start)
		end, ok2 := resolveBlock(h.line, h.end)
		landing, ok3 := resolveBlock(h.line, h.landing)
		reg, ok4 := indexed("r", h.reg)
		if !ok4 {
			a.fail(h.line, ErrOperand, "handler register %s", h.reg)
		}
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		fb.Handler(bytecode.Handler{
			Start:    uint16(start),
			End:      uint16(end),
			Kind:     h.kind,
			Landing:  uint16(landing),
			Register: uint16(reg),
		})
	}
}

func (a *assembler) operands(instr instrDecl, resolveBlock func(int, string) (uint32, bool)) ([3]uint32, bool) {
	var out [3]uint32
	kinds := instr.op.Operands()

	var slots []int
	for slot, kind := range kinds {
		if kind != bytecode.OperandNone {
			slots = append(slots, slot)
		}
	}
	if len(instr.operands) != len(slots) {
		a.fail(instr.line, ErrOperand, "%s takes %d operands, got %d", instr.op, len(slots), len(instr.operands))
		return out, false
	}

	ok := true
	for i, slot := range slots {
		v, valid := a.operand(instr, kinds[slot], instr.operands[i], resolveBlock)
		if !valid {
			ok = false
			continue
		}
		out[slot] = v
	}
	return out, ok
}

func (a *assembler) operand(instr instrDecl, kind bytecode.OperandKind, toks []token, resolveBlock func(int, string) (uint32, bool)) (uint32, bool) {
	line := instr.line
	if kind == bytecode.OperandArgs {
		return a.args(line, toks)
	}
	if len(toks) != 1 {
		a.fail(line, ErrOperand, "malformed %c operand of %s", byte(kind), instr.op)
		return 0, false
	}
	t := toks[0]

	if kind == bytecode.OperandString {
		if t.kind == tokenString {
			return a.b.String(t.text), true
		}
		if idx, ok := indexed("s", t.text); ok {
			return idx, true
		}
		a.fail(line, ErrOperand, "string operand must be quoted")
		return 0, false
	}

	var (
		idx uint32
		ok  bool
		of  string
	)
	switch kind {
	case bytecode.OperandRegister:
		idx, ok = indexed("r", t.text)
		ok = ok && idx <= 0xffff
		of = "register"
	case bytecode.OperandImm:
		of = "immediate"
		switch t.text {
		case "true":
			idx, ok = 1, true
		case "false":
			idx, ok = 0, true
		default:
			n, err := strconv.ParseInt(t.text, 0, 32)
			idx, ok = uint32(int32(n)), err == nil
		}
	case bytecode.OperandConst:
		idx, ok = a.lookup(a.consts, "k", t.text)
		of = "constant"
	case bytecode.OperandFunc:
		idx, ok = a.lookup(a.funcs, "f", t.text)
		of = "function"
	case bytecode.OperandImport:
		idx, ok = a.lookup(a.imports, "m", t.text)
		of = "import"
	case bytecode.OperandType:
		idx, ok = a.lookup(a.types, "t", t.text)
		of = "type"
	case bytecode.OperandData:
		idx, ok = a.lookup(a.data, "d", t.text)
		of = "data"
	case bytecode.OperandGlobal:
		idx, ok = a.lookup(a.globals, "g", t.text)
		of = "global"
	case bytecode.OperandBlock:
		return resolveBlock(line, t.text)
	case bytecode.OperandPred:
		var pred bytecode.Pred
		pred, ok = bytecode.LookupPred(t.text)
		idx, of = uint32(pred), "predicate"
	case bytecode.OperandIntrin:
		idx, ok = indexed("#", t.text)
		of = "intrinsic"
	}
	if !ok {
		a.fail(line, ErrUndefined, "%s %s in %s", of, t.text, instr.op)
	}
	return idx, ok
}

// args parses (), (rN), (rA..rB) and contiguous lists (rA, rA+1, ...).
func (a *assembler) args(line int, toks []token) (uint32, bool) {
	if len(toks) < 2 || !toks[0].is("(") || !toks[len(toks)-1].is(")") {
		a.fail(line, ErrOperand, "argument window must be parenthesized")
		return 0, false
	}
	inner := toks[1 : len(toks)-1]
	if len(inner) == 0 {
		return bytecode.Args(0, 0), true
	}

	if len(inner) == 1 {
		if lo, hi, ok := strings.Cut(inner[0].text, ".."); ok {
			start, ok1 := indexed("r", lo)
			end, ok2 := indexed("r", hi)
			if !ok1 || !ok2 || end < start || end > 0xffff {
				a.fail(line, ErrOperand, "argument window %s", inner[0].text)
				return 0, false
			}
			return bytecode.Args(uint16(start), uint16(end-start+1)), true
		}
	}

	var start, count uint32
	for i, operand := range splitOperands(inner) {
		if len(operand) != 1 {
			a.fail(line, ErrOperand, "malformed argument list")
			return 0, false
		}
		r, ok := indexed("r", operand[0].text)
		if !ok || r > 0xffff {
			a.fail(line, ErrOperand, "argument %s", operand[0].text)
			return 0, false
		}
		if i == 0 {
			start = r
		} else if r != start+uint32(i) {
			a.fail(line, ErrOperand, "arguments must be contiguous registers")
			return 0, false
		}
		count++
	}
	return bytecode.Args(uint16(start), uint16(count)), true
}
