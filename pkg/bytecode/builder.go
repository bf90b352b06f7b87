package bytecode

import (
	"cmp"
	"slices"
)

// Builder assembles a Module in memory. Indices returned by its methods are
// stable and may be used in instructions before the referenced entity is
// complete, which allows forward and recursive references.
type Builder struct {
	m       *Module
	strings map[string]uint32
	imports map[string]uint32
	fns     []*FunctionBuilder
}

func NewBuilder() *Builder {
	return &Builder{
		m: &Module{
			Version: Version{Major: MajorVersion, Minor: MinorVersion},
		},
		strings: make(map[string]uint32),
		imports: make(map[string]uint32),
	}
}

// String interns s into the string pool.
func (b *Builder) String(s string) uint32 {
	if idx, ok := b.strings[s]; ok {
		return idx
	}
	idx := uint32(len(b.m.Strings))
	b.m.Strings = append(b.m.Strings, s)
	b.strings[s] = idx
	return idx
}

func (b *Builder) Const(c Constant) uint32 {
	idx := uint32(len(b.m.Constants))
	b.m.Constants = append(b.m.Constants, c)
	return idx
}

func (b *Builder) StringConst(s string) uint32 {
	return b.Const(Constant{Kind: ConstString, Index: b.String(s)})
}

func (b *Builder) FuncConst(fn uint32) uint32 {
	return b.Const(Constant{Kind: ConstFunc, Index: fn})
}

func (b *Builder) TupleConst(elems ...uint32) uint32 {
	return b.Const(Constant{Kind: ConstTuple, Elems: elems})
}

// Import declares a host symbol. Declaring the same name twice returns the
// first slot.
func (b *Builder) Import(name string, arity int16) uint32 {
	if idx, ok := b.imports[name]; ok {
		return idx
	}
	idx := uint32(len(b.m.Imports))
	b.m.Imports = append(b.m.Imports, Import{Name: b.String(name), Arity: arity})
	b.imports[name] = idx
	return idx
}

func (b *Builder) Type(name string, fields ...string) uint32 {
	idx := uint32(len(b.m.Types))
	b.m.Types = append(b.m.Types, TypeDesc{Name: name, Fields: fields})
	return idx
}

func (b *Builder) Data(blob []byte) uint32 {
	idx := uint32(len(b.m.Data))
	b.m.Data = append(b.m.Data, slices.Clone(blob))
	return idx
}

// Extension attaches an opaque minor-version section.
func (b *Builder) Extension(tag uint8, payload []byte) {
	b.m.Extensions = append(b.m.Extensions, Section{Tag: tag, Payload: slices.Clone(payload)})
}

func (b *Builder) Function(name string, params, registers uint16) *FunctionBuilder {
	f := &FunctionBuilder{
		b:     b,
		index: uint32(len(b.m.Functions)),
		fn: &Function{
			Name:      b.String(name),
			Registers: registers,
			Params:    params,
		},
	}
	b.m.Functions = append(b.m.Functions, f.fn)
	b.fns = append(b.fns, f)
	return f
}

// Build verifies and returns the module. The builder must not be used
// afterwards.
func (b *Builder) Build() (*Module, error) {
	m := b.m
	m.Debug = nil
	for _, f := range b.fns {
		if dbg, ok := f.debug(); ok {
			m.Debug = append(m.Debug, dbg)
		}
	}

	if err := m.finalize(); err != nil {
		return nil, err
	}
	return m, nil
}

type FunctionBuilder struct {
	b      *Builder
	index  uint32
	fn     *Function
	file   *uint32
	lines  []LineEntry
	labels []Label
}

func (f *FunctionBuilder) Index() uint32 {
	return f.index
}

func (f *FunctionBuilder) SetRegisters(n uint16) *FunctionBuilder {
	f.fn.Registers = n
	return f
}

func (f *FunctionBuilder) SetLocals(n uint16) *FunctionBuilder {
	f.fn.Locals = n
	return f
}

func (f *FunctionBuilder) SetFlags(flags FuncFlags) *FunctionBuilder {
	f.fn.Flags = flags
	return f
}

func (f *FunctionBuilder) SetFile(path string) *FunctionBuilder {
	idx := f.b.String(path)
	f.file = &idx
	return f
}

// Block appends a new block. A non-empty label is recorded in the debug
// section.
func (f *FunctionBuilder) Block(label string) *BlockBuilder {
	idx := uint16(len(f.fn.Blocks))
	f.fn.Blocks = append(f.fn.Blocks, Block{})
	if label != "" {
		f.labels = append(f.labels, Label{Block: idx, Name: f.b.String(label)})
	}
	return &BlockBuilder{f: f, index: idx}
}

func (f *FunctionBuilder) Handler(h Handler) *FunctionBuilder {
	f.fn.Handlers = append(f.fn.Handlers, h)
	return f
}

func (f *FunctionBuilder) debug() (FunctionDebug, bool) {
	if f.file == nil && len(f.lines) == 0 && len(f.labels) == 0 {
		return FunctionDebug{}, false
	}

	dbg := FunctionDebug{
		Function: f.index,
		Lines:    slices.Clone(f.lines),
		Labels:   slices.Clone(f.labels),
	}
	if f.file != nil {
		dbg.File = *f.file
	} else {
		dbg.File = f.b.String("")
	}
	slices.SortStableFunc(dbg.Lines, func(a, b LineEntry) int {
		return cmp.Or(cmp.Compare(a.Block, b.Block), cmp.Compare(a.Index, b.Index))
	})
	return dbg, true
}

type BlockBuilder struct {
	f     *FunctionBuilder
	index uint16
}

func (bb *BlockBuilder) Index() uint32 {
	return uint32(bb.index)
}

func (bb *BlockBuilder) Len() int {
	return len(bb.f.fn.Blocks[bb.index].Instructions)
}

func (bb *BlockBuilder) Emit(op Opcode, a, b, c uint32) *BlockBuilder {
	block := &bb.f.fn.Blocks[bb.index]
	block.Instructions = append(block.Instructions, Instruction{Op: op, A: a, B: b, C: c})
	return bb
}

// Line attributes the next emitted instruction, and those after it, to a
// source line.
func (bb *BlockBuilder) Line(line uint32) *BlockBuilder {
	bb.f.lines = append(bb.f.lines, LineEntry{Block: bb.index, Index: uint16(bb.Len()), Line: line})
	return bb
}
