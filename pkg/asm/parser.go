package asm

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rhino1998/vireo/pkg/bytecode"
)

type source struct {
	imports    []importDecl
	consts     []constDecl
	types      []typeDecl
	data       []dataDecl
	globals    []globalDecl
	extensions []extensionDecl
	funcs      []*funcDecl
}

type importDecl struct {
	line  int
	name  string
	arity int16
}

type constDecl struct {
	line int
	name string
	kind string
	args []token
}

type typeDecl struct {
	line   int
	name   string
	fields []string
}

type dataDecl struct {
	line int
	name string
	blob []byte
}

type globalDecl struct {
	line int
	name string
}

type extensionDecl struct {
	line    int
	tag     uint8
	payload []byte
}

type funcDecl struct {
	line     int
	name     string
	params   uint16
	regs     uint16
	locals   uint16
	flags    bytecode.FuncFlags
	file     string
	blocks   []*blockDecl
	handlers []handlerDecl
}

type blockDecl struct {
	line   int
	label  string
	instrs []instrDecl
}

type instrDecl struct {
	line     int
	op       bytecode.Opcode
	operands [][]token
	// srcLine is the .line attributed to this instruction, or 0.
	srcLine uint32
}

type handlerDecl struct {
	line    int
	start   string
	end     string
	kind    uint32
	landing string
	reg     string
}

type parser struct {
	file string
	src  *source
	fn   *funcDecl
	// pendingLine is a .line directive waiting for the next instruction.
	pendingLine uint32
	errs        *multierror.Error
}

func (p *parser) fail(line int, err error, format string, args ...any) {
	p.errs = multierror.Append(p.errs, PositionError{
		File: p.file,
		Line: line,
		Err:  fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...)),
	})
}

func parse(file string, src []byte) (*source, error) {
	p := &parser{file: file, src: &source{}}

	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		tokens, err := tokenize(scanner.Text())
		if err != nil {
			p.fail(line, ErrSyntax, "%v", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		p.statement(line, tokens)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if p.fn != nil {
		p.fail(line, ErrSyntax, "function %q is missing end", p.fn.name)
	}

	return p.src, p.errs.ErrorOrNil()
}

func (p *parser) statement(line int, tokens []token) {
	head := tokens[0]
	if head.kind != tokenWord {
		p.fail(line, ErrSyntax, "unexpected %s", head)
		return
	}

	switch {
	case head.text == "func":
		p.funcHeader(line, tokens[1:])
	case head.text == "end":
		if p.fn == nil {
			p.fail(line, ErrSyntax, "end outside of a function")
			return
		}
		p.src.funcs = append(p.src.funcs, p.fn)
		p.fn = nil
	case strings.HasPrefix(head.text, "."):
		p.directive(line, head.text, tokens[1:])
	case len(tokens) == 2 && tokens[1].is(":"):
		p.label(line, head.text)
	default:
		p.instruction(line, tokens)
	}
}

func (p *parser) directive(line int, name string, args []token) {
	inFunc := p.fn != nil
	switch name {
	case ".line", ".file", ".handler":
		if !inFunc {
			p.fail(line, ErrSyntax, "%s outside of a function", name)
			return
		}
	default:
		if inFunc {
			p.fail(line, ErrSyntax, "%s inside function %q", name, p.fn.name)
			return
		}
	}

	switch name {
	case ".import":
		p.importDirective(line, args)
	case ".const":
		if len(args) < 2 || args[0].kind != tokenWord || args[1].kind != tokenWord {
			p.fail(line, ErrSyntax, ".const NAME KIND [VALUE]")
			return
		}
		p.src.consts = append(p.src.consts, constDecl{line: line, name: args[0].text, kind: args[1].text, args: args[2:]})
	case ".type":
		p.typeDirective(line, args)
	case ".data":
		p.dataDirective(line, args)
	case ".global":
		if len(args) != 1 || args[0].kind != tokenWord {
			p.fail(line, ErrSyntax, ".global NAME")
			return
		}
		p.src.globals = append(p.src.globals, globalDecl{line: line, name: args[0].text})
	case ".extension":
		if len(args) != 2 || args[1].kind != tokenString {
			p.fail(line, ErrSyntax, `.extension TAG "PAYLOAD"`)
			return
		}
		tag, err := strconv.ParseUint(args[0].text, 0, 8)
		if err != nil || tag < uint64(bytecode.TagExtensionMin) || tag == 0xff {
			p.fail(line, ErrOutOfRange, "extension tag %s", args[0].text)
			return
		}
		p.src.extensions = append(p.src.extensions, extensionDecl{line: line, tag: uint8(tag), payload: []byte(args[1].text)})
	case ".line":
		if len(args) != 1 {
			p.fail(line, ErrSyntax, ".line N")
			return
		}
		n, err := strconv.ParseUint(args[0].text, 10, 32)
		if err != nil {
			p.fail(line, ErrOutOfRange, "line %s", args[0].text)
			return
		}
		p.pendingLine = uint32(n)
	case ".file":
		if len(args) != 1 || args[0].kind != tokenString {
			p.fail(line, ErrSyntax, `.file "PATH"`)
			return
		}
		p.fn.file = args[0].text
	case ".handler":
		p.handlerDirective(line, args)
	default:
		p.fail(line, ErrSyntax, "unknown directive %s", name)
	}
}

func (p *parser) importDirective(line int, args []token) {
	if len(args) != 1 || args[0].kind != tokenWord {
		p.fail(line, ErrSyntax, ".import NAME/ARITY")
		return
	}
	name, arity, ok := strings.Cut(args[0].text, "/")
	if !ok {
		p.fail(line, ErrSyntax, ".import NAME/ARITY")
		return
	}
	n, err := strconv.ParseInt(arity, 10, 16)
	if err != nil || n < -1 {
		p.fail(line, ErrOutOfRange, "arity %s", arity)
		return
	}
	p.src.imports = append(p.src.imports, importDecl{line: line, name: name, arity: int16(n)})
}

func (p *parser) typeDirective(line int, args []token) {
	if len(args) < 3 || args[0].kind != tokenWord || !args[1].is("{") || !args[len(args)-1].is("}") {
		p.fail(line, ErrSyntax, ".type NAME {FIELD, ...}")
		return
	}
	decl := typeDecl{line: line, name: args[0].text}
	for _, operand := range splitOperands(args[2 : len(args)-1]) {
		if len(operand) == 0 {
			continue
		}
		if len(operand) != 1 || operand[0].kind != tokenWord {
			p.fail(line, ErrSyntax, "invalid field in type %s", decl.name)
			return
		}
		decl.fields = append(decl.fields, operand[0].text)
	}
	p.src.types = append(p.src.types, decl)
}

func (p *parser) dataDirective(line int, args []token) {
	switch {
	case len(args) == 2 && args[1].kind == tokenString:
		p.src.data = append(p.src.data, dataDecl{line: line, name: args[0].text, blob: []byte(args[1].text)})
	case len(args) == 3 && args[1].text == "hex" && args[2].kind == tokenString:
		blob, err := decodeHex(args[2].text)
		if err != nil {
			p.fail(line, ErrSyntax, "%v", err)
			return
		}
		p.src.data = append(p.src.data, dataDecl{line: line, name: args[0].text, blob: blob})
	default:
		p.fail(line, ErrSyntax, `.data NAME "TEXT" or .data NAME hex "HEX"`)
	}
}

func decodeHex(s string) ([]byte, error) {
	blob, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return blob, nil
}

// handlerDirective parses ".handler START..END kind=K -> LANDING rN".
func (p *parser) handlerDirective(line int, args []token) {
	if len(args) != 7 || args[1].text != "kind" || !args[2].is("=") || args[4].text != "->" {
		p.fail(line, ErrSyntax, ".handler START..END kind=K -> LANDING rN")
		return
	}

	start, end, ok := strings.Cut(args[0].text, "..")
	if !ok {
		start, end = args[0].text, args[0].text
	}

	var kind uint32
	if k := args[3].text; k != "any" {
		n, err := strconv.ParseUint(k, 0, 32)
		if err != nil {
			p.fail(line, ErrOutOfRange, "handler kind %s", k)
			return
		}
		kind = uint32(n)
	}

	p.fn.handlers = append(p.fn.handlers, handlerDecl{
		line:    line,
		start:   start,
		end:     end,
		kind:    kind,
		landing: args[5].text,
		reg:     args[6].text,
	})
}

// funcHeader parses "func NAME(params=P regs=R locals=L) [flags]".
func (p *parser) funcHeader(line int, args []token) {
	if p.fn != nil {
		p.fail(line, ErrSyntax, "function %q is missing end", p.fn.name)
		p.src.funcs = append(p.src.funcs, p.fn)
	}

	if len(args) < 3 || args[0].kind != tokenWord || !args[1].is("(") {
		p.fail(line, ErrSyntax, "func NAME(params=P regs=R locals=L)")
		p.fn = &funcDecl{line: line, name: "<invalid>"}
		return
	}
	fn := &funcDecl{line: line, name: args[0].text}
	p.fn = fn
	p.pendingLine = 0

	rest := args[2:]
	for len(rest) > 0 && !rest[0].is(")") {
		if len(rest) < 3 || !rest[1].is("=") {
			p.fail(line, ErrSyntax, "expected key=value in header of %s", fn.name)
			return
		}
		n, err := strconv.ParseUint(rest[2].text, 10, 16)
		if err != nil {
			p.fail(line, ErrOutOfRange, "%s=%s", rest[0].text, rest[2].text)
			return
		}
		switch rest[0].text {
		case "params":
			fn.params = uint16(n)
		case "regs":
			fn.regs = uint16(n)
		case "locals":
			fn.locals = uint16(n)
		default:
			p.fail(line, ErrSyntax, "unknown header key %s", rest[0].text)
		}
		rest = rest[3:]
	}
	if len(rest) == 0 {
		p.fail(line, ErrSyntax, "unterminated header of %s", fn.name)
		return
	}
	rest = rest[1:]

	if len(rest) == 0 {
		return
	}
	if !rest[0].is("[") || !rest[len(rest)-1].is("]") {
		p.fail(line, ErrSyntax, "unexpected %s after header of %s", rest[0], fn.name)
		return
	}
	for _, t := range rest[1 : len(rest)-1] {
		switch t.text {
		case "variadic":
			fn.flags |= bytecode.FuncVariadic
		case "generator":
			fn.flags |= bytecode.FuncGenerator
		case "async":
			fn.flags |= bytecode.FuncAsync
		case ",":
		default:
			p.fail(line, ErrSyntax, "unknown function flag %s", t.text)
		}
	}
}

func (p *parser) label(line int, name string) {
	if p.fn == nil {
		p.fail(line, ErrSyntax, "label %s outside of a function", name)
		return
	}
	p.fn.blocks = append(p.fn.blocks, &blockDecl{line: line, label: name})
}

func (p *parser) instruction(line int, tokens []token) {
	if p.fn == nil {
		p.fail(line, ErrSyntax, "instruction outside of a function")
		return
	}
	op, ok := bytecode.LookupOpcode(tokens[0].text)
	if !ok {
		p.fail(line, ErrSyntax, "unknown opcode %s", tokens[0].text)
		return
	}

	if len(p.fn.blocks) == 0 {
		p.fn.blocks = append(p.fn.blocks, &blockDecl{line: line})
	}
	block := p.fn.blocks[len(p.fn.blocks)-1]
	block.instrs = append(block.instrs, instrDecl{
		line:     line,
		op:       op,
		operands: splitOperands(tokens[1:]),
		srcLine:  p.pendingLine,
	})
	p.pendingLine = 0
}
