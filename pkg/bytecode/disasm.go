package bytecode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Disassemble writes a human readable listing of m with constants, labels
// and source lines resolved.
func Disassemble(w io.Writer, m *Module) error {
	out := bufio.NewWriter(w)

	fmt.Fprintf(out, "; module v%s\n", m.Version)
	fmt.Fprintf(out, "; %d strings, %d constants, %d types, %d imports, %d functions, %d data\n",
		len(m.Strings), len(m.Constants), len(m.Types), len(m.Imports), len(m.Functions), len(m.Data))

	if len(m.Imports) > 0 {
		fmt.Fprintln(out)
		for i, imp := range m.Imports {
			fmt.Fprintf(out, ".import m%d %s/%d\n", i, m.StringAt(imp.Name), imp.Arity)
		}
	}

	if len(m.Constants) > 0 {
		fmt.Fprintln(out)
		for i := range m.Constants {
			fmt.Fprintf(out, ".const k%d %s\n", i, m.FormatConstant(uint32(i)))
		}
	}

	if len(m.Types) > 0 {
		fmt.Fprintln(out)
		for i, t := range m.Types {
			fmt.Fprintf(out, ".type t%d %s {%s}\n", i, t.Name, strings.Join(t.Fields, ", "))
		}
	}

	for i, blob := range m.Data {
		if i == 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, ".data d%d %d bytes\n", i, len(blob))
	}

	for i := range m.Functions {
		fmt.Fprintln(out)
		m.disassembleFunction(out, uint32(i))
	}

	for _, ext := range m.Extensions {
		fmt.Fprintf(out, "\n; extension 0x%02x: %d bytes\n", ext.Tag, len(ext.Payload))
	}

	return out.Flush()
}

func (m *Module) disassembleFunction(out *bufio.Writer, idx uint32) {
	fn := m.Functions[idx]

	fmt.Fprintf(out, "func f%d %s(params=%d regs=%d locals=%d)", idx, m.FunctionName(idx), fn.Params, fn.Registers, fn.Locals)
	if fn.Flags != 0 {
		fmt.Fprintf(out, " %v", fn.Flags)
	}
	if dbg, ok := m.debugFor(idx); ok && m.StringAt(dbg.File) != "" {
		fmt.Fprintf(out, " ; %s", m.StringAt(dbg.File))
	}
	fmt.Fprintln(out)

	lastLine := -1
	for b, block := range fn.Blocks {
		fmt.Fprintf(out, "  %s:\n", m.blockName(idx, b))
		for i, instr := range block.Instructions {
			text := m.FormatInstruction(idx, instr)
			if _, line, ok := m.Position(idx, b, i); ok && line != lastLine {
				fmt.Fprintf(out, "    %04d  %-40s ; line %d\n", i, text, line)
				lastLine = line
				continue
			}
			fmt.Fprintf(out, "    %04d  %s\n", i, text)
		}
	}

	for _, h := range fn.Handlers {
		kind := "any"
		if h.Kind != 0 {
			kind = strconv.FormatUint(uint64(h.Kind), 10)
		}
		fmt.Fprintf(out, "  .handler %s..%s kind=%s -> %s r%d\n",
			m.blockName(idx, int(h.Start)), m.blockName(idx, int(h.End)), kind, m.blockName(idx, int(h.Landing)), h.Register)
	}
}

func (m *Module) blockName(fn uint32, block int) string {
	if label, ok := m.Label(fn, block); ok {
		return fmt.Sprintf("b%d.%s", block, label)
	}
	return fmt.Sprintf("b%d", block)
}

// FormatInstruction renders instr with operands resolved against m.
func (m *Module) FormatInstruction(fn uint32, instr Instruction) string {
	if !instr.Op.Valid() {
		return instr.String()
	}

	operands := [3]uint32{instr.A, instr.B, instr.C}
	var parts []string
	for slot, kind := range instr.Op.Operands() {
		if kind == OperandNone {
			continue
		}
		parts = append(parts, m.formatOperand(fn, kind, operands[slot]))
	}
	if len(parts) == 0 {
		return instr.Op.String()
	}
	return fmt.Sprintf("%s %s", instr.Op, strings.Join(parts, ", "))
}

func (m *Module) formatOperand(fn uint32, kind OperandKind, v uint32) string {
	raw := FormatOperand(kind, v)
	switch kind {
	case OperandConst:
		if int(v) < len(m.Constants) {
			return fmt.Sprintf("%s(%s)", raw, m.FormatConstant(v))
		}
	case OperandFunc:
		if int(v) < len(m.Functions) {
			return fmt.Sprintf("%s<%s>", raw, m.FunctionName(v))
		}
	case OperandString:
		if int(v) < len(m.Strings) {
			return strconv.Quote(m.Strings[v])
		}
	case OperandImport:
		if int(v) < len(m.Imports) {
			return fmt.Sprintf("%s<%s>", raw, m.ImportName(v))
		}
	case OperandType:
		if int(v) < len(m.Types) {
			return fmt.Sprintf("%s<%s>", raw, m.Types[v].Name)
		}
	case OperandBlock:
		if int(fn) < len(m.Functions) && int(v) < len(m.Functions[fn].Blocks) {
			return m.blockName(fn, int(v))
		}
	}
	return raw
}

// FormatConstant renders constant idx. Tuple elements are shown by index.
func (m *Module) FormatConstant(idx uint32) string {
	if int(idx) >= len(m.Constants) {
		return fmt.Sprintf("<const %d>", idx)
	}
	c := m.Constants[idx]
	switch c.Kind {
	case ConstUnit:
		return "unit"
	case ConstInt:
		return fmt.Sprintf("int %d", c.Int())
	case ConstFloat:
		return fmt.Sprintf("float %g", c.Float())
	case ConstBool:
		return fmt.Sprintf("bool %t", c.Bool())
	case ConstString:
		return fmt.Sprintf("string %s", strconv.Quote(m.StringAt(c.Index)))
	case ConstFunc:
		return fmt.Sprintf("func f%d<%s>", c.Index, m.FunctionName(c.Index))
	case ConstTuple:
		elems := make([]string, len(c.Elems))
		for i, e := range c.Elems {
			elems[i] = fmt.Sprintf("k%d", e)
		}
		return fmt.Sprintf("tuple (%s)", strings.Join(elems, ", "))
	default:
		return c.Kind.String()
	}
}
