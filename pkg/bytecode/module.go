package bytecode

import (
	"fmt"
	"math"
	"slices"
)

// Version is the format version stamped into the module header.
type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Module is an immutable, loaded compilation unit. It is safe to share
// between any number of VM instances once returned from Load or Build.
type Module struct {
	Version Version
	Flags   Flags

	Strings    []string
	Constants  []Constant
	Types      []TypeDesc
	Imports    []Import
	Functions  []*Function
	Data       [][]byte
	Debug      []FunctionDebug
	Extensions []Section

	constOrder []uint32
	globals    uint32
}

// Section is an extension section preserved verbatim across a round trip.
type Section struct {
	Tag     uint8
	Payload []byte
}

type ConstKind uint8

const (
	ConstUnit ConstKind = iota
	ConstInt
	ConstFloat
	ConstBool
	ConstString
	ConstTuple
	ConstFunc

	constKindCount
)

var constKindNames = [constKindCount]string{"unit", "int", "float", "bool", "string", "tuple", "func"}

func (k ConstKind) String() string {
	if k >= constKindCount {
		return fmt.Sprintf("const(%d)", uint8(k))
	}
	return constKindNames[k]
}

// Constant is a constant-pool entry. Bits holds the raw payload of scalar
// kinds; Index is the string or function index; Elems lists the constant
// indices of a tuple.
type Constant struct {
	Kind  ConstKind
	Bits  uint64
	Index uint32
	Elems []uint32
}

func IntConst(i int64) Constant {
	return Constant{Kind: ConstInt, Bits: uint64(i)}
}

func FloatConst(f float64) Constant {
	return Constant{Kind: ConstFloat, Bits: math.Float64bits(f)}
}

func BoolConst(b bool) Constant {
	c := Constant{Kind: ConstBool}
	if b {
		c.Bits = 1
	}
	return c
}

func (c Constant) Int() int64     { return int64(c.Bits) }
func (c Constant) Float() float64 { return math.Float64frombits(c.Bits) }
func (c Constant) Bool() bool     { return c.Bits != 0 }

// TypeDesc describes the field layout of a record type.
type TypeDesc struct {
	Name   string   `cbor:"1,keyasint"`
	Fields []string `cbor:"2,keyasint,omitempty"`
}

// Import is a symbol the host must supply. Arity -1 accepts any number of
// arguments.
type Import struct {
	Name  uint32
	Arity int16
	Flags uint16
}

type FuncFlags uint8

const (
	FuncVariadic FuncFlags = 1 << iota
	FuncGenerator
	FuncAsync
)

func (f FuncFlags) String() string {
	var names []string
	if f&FuncVariadic != 0 {
		names = append(names, "variadic")
	}
	if f&FuncGenerator != 0 {
		names = append(names, "generator")
	}
	if f&FuncAsync != 0 {
		names = append(names, "async")
	}
	return fmt.Sprint(names)
}

type Function struct {
	Name      uint32
	Registers uint16
	Params    uint16
	Locals    uint16
	Flags     FuncFlags
	Blocks    []Block
	Handlers  []Handler
}

func (f *Function) InstructionCount() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Instructions)
	}
	return n
}

type Block struct {
	Instructions []Instruction
}

// Handler maps an inclusive block range to a landing block. Kind 0 matches
// any exception.
type Handler struct {
	Start    uint16
	End      uint16
	Kind     uint32
	Landing  uint16
	Register uint16
}

// Covers reports whether block lies inside the handler's protected range.
func (h Handler) Covers(block int) bool {
	return block >= int(h.Start) && block <= int(h.End)
}

func (h Handler) Matches(kind uint32) bool {
	return h.Kind == 0 || h.Kind == kind
}

type FunctionDebug struct {
	Function uint32
	File     uint32
	Lines    []LineEntry
	Labels   []Label
}

// LineEntry marks the source line from (Block, Index) onwards.
type LineEntry struct {
	Block uint16
	Index uint16
	Line  uint32
}

type Label struct {
	Block uint16
	Name  uint32
}

func (m *Module) StringAt(idx uint32) string {
	if int(idx) >= len(m.Strings) {
		return fmt.Sprintf("<string %d>", idx)
	}
	return m.Strings[idx]
}

func (m *Module) FunctionName(fn uint32) string {
	if int(fn) >= len(m.Functions) {
		return fmt.Sprintf("<func %d>", fn)
	}
	return m.StringAt(m.Functions[fn].Name)
}

func (m *Module) ImportName(imp uint32) string {
	if int(imp) >= len(m.Imports) {
		return fmt.Sprintf("<import %d>", imp)
	}
	return m.StringAt(m.Imports[imp].Name)
}

// LookupFunction finds a function by name.
func (m *Module) LookupFunction(name string) (uint32, bool) {
	for i, fn := range m.Functions {
		if m.StringAt(fn.Name) == name {
			return uint32(i), true
		}
	}
	return 0, false
}

// ConstantOrder lists constant indices dependencies-first, the order in which
// a runtime must materialize them.
func (m *Module) ConstantOrder() []uint32 {
	return m.constOrder
}

// GlobalCount is one past the highest global slot any instruction touches.
func (m *Module) GlobalCount() int {
	return int(m.globals)
}

func (m *Module) debugFor(fn uint32) (FunctionDebug, bool) {
	idx, ok := slices.BinarySearchFunc(m.Debug, fn, func(d FunctionDebug, fn uint32) int {
		return int(d.Function) - int(fn)
	})
	if !ok {
		return FunctionDebug{}, false
	}
	return m.Debug[idx], true
}

// Position maps an instruction to its source file and line using the debug
// section. ok is false when the module carries no line for it.
func (m *Module) Position(fn uint32, block, index int) (file string, line int, ok bool) {
	dbg, found := m.debugFor(fn)
	if !found {
		return "", 0, false
	}

	for _, entry := range dbg.Lines {
		if int(entry.Block) > block || (int(entry.Block) == block && int(entry.Index) > index) {
			break
		}
		line, ok = int(entry.Line), true
	}
	if !ok {
		return "", 0, false
	}
	return m.StringAt(dbg.File), line, true
}

// Label returns the debug name of a block, if one was recorded.
func (m *Module) Label(fn uint32, block int) (string, bool) {
	dbg, found := m.debugFor(fn)
	if !found {
		return "", false
	}
	for _, label := range dbg.Labels {
		if int(label.Block) == block {
			return m.StringAt(label.Name), true
		}
	}
	return "", false
}
