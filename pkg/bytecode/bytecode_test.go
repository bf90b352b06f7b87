package bytecode_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/value"
	"github.com/stretchr/testify/require"
)

func arithmetic(t *testing.T) *bytecode.Module {
	t.Helper()

	b := bytecode.NewBuilder()
	fn := b.Function("main", 0, 3).SetFile("arith.vi")
	entry := fn.Block("entry")
	entry.Line(1).
		Emit(bytecode.OpLoadI, 0, 2, 0).
		Emit(bytecode.OpLoadI, 1, 3, 0).
		Emit(bytecode.OpAdd, 0, 0, 1).
		Line(2).
		Emit(bytecode.OpLoadI, 2, 4, 0).
		Emit(bytecode.OpMul, 0, 0, 2).
		Emit(bytecode.OpRet, 0, 0, 0)

	m, err := b.Build()
	require.NoError(t, err)
	return m
}

// everything exercises every section, including the optional ones.
func everything(t *testing.T) *bytecode.Module {
	t.Helper()

	b := bytecode.NewBuilder()
	printImp := b.Import("print", -1)
	clock := b.Import("clock_ms", 0)

	one := b.Const(bytecode.IntConst(1))
	pi := b.Const(bytecode.FloatConst(math.Pi))
	yes := b.Const(bytecode.BoolConst(true))
	unit := b.Const(bytecode.Constant{Kind: bytecode.ConstUnit})
	greeting := b.StringConst("hello")
	pair := b.TupleConst(one, pi)
	b.TupleConst(pair, greeting, yes, unit)

	point := b.Type("Point", "x", "y")
	blob := b.Data([]byte{0xde, 0xad, 0xbe, 0xef})
	b.Extension(0x90, []byte("future"))

	helper := b.Function("helper", 1, 2)
	hb := helper.Block("")
	hb.Emit(bytecode.OpRet, 0, 0, 0)

	b.FuncConst(helper.Index())

	main := b.Function("main", 0, 8).SetLocals(8).SetFlags(bytecode.FuncVariadic).SetFile("all.vi")
	entry := main.Block("entry")
	body := main.Block("body")
	landing := main.Block("landing")

	entry.Line(10).
		Emit(bytecode.OpLoadK, 0, pair, 0).
		Emit(bytecode.OpNewRec, 1, point, 0).
		Emit(bytecode.OpLoadData, 2, blob, 0).
		Emit(bytecode.OpCallN, 3, clock, bytecode.Args(0, 0)).
		Emit(bytecode.OpStoreG, 3, 3, 0).
		Emit(bytecode.OpLoadG, 4, 3, 0)
	body.Line(11).
		Emit(bytecode.OpCall, 5, helper.Index(), bytecode.Args(4, 1)).
		Emit(bytecode.OpCallN, 6, printImp, bytecode.Args(4, 2)).
		Emit(bytecode.OpJmpIf, 6, uint32(bytecode.PredLT), entry.Index()).
		Emit(bytecode.OpRetUnit, 0, 0, 0)
	landing.Line(12).Emit(bytecode.OpReraise, 7, 0, 0)

	main.Handler(bytecode.Handler{Start: 0, End: 1, Kind: 0, Landing: uint16(landing.Index()), Register: 7})

	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func TestRoundTrip(t *testing.T) {
	for name, build := range map[string]func(*testing.T) *bytecode.Module{
		"arithmetic": arithmetic,
		"everything": everything,
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)

			encoded, err := bytecode.Encode(build(t))
			r.NoError(err)

			loaded, err := bytecode.Load(encoded)
			r.NoError(err)

			reencoded, err := bytecode.Encode(loaded)
			r.NoError(err)
			r.Equal(encoded, reencoded)
		})
	}
}

func TestLoadTables(t *testing.T) {
	r := require.New(t)

	encoded, err := bytecode.Encode(everything(t))
	r.NoError(err)

	m, err := bytecode.Read(bytes.NewReader(encoded))
	r.NoError(err)

	r.Equal(bytecode.Version{Major: 1, Minor: 0}, m.Version)
	r.Equal("print", m.ImportName(0))
	r.Equal(int16(-1), m.Imports[0].Arity)
	r.Equal([]bytecode.TypeDesc{{Name: "Point", Fields: []string{"x", "y"}}}, m.Types)
	r.Equal([]byte{0xde, 0xad, 0xbe, 0xef}, m.Data[0])
	r.Equal([]bytecode.Section{{Tag: 0x90, Payload: []byte("future")}}, m.Extensions)
	r.Equal(math.Pi, m.Constants[1].Float())
	r.Equal(4, m.GlobalCount())

	fnIdx, ok := m.LookupFunction("main")
	r.True(ok)
	fn := m.Functions[fnIdx]
	r.Equal(bytecode.FuncVariadic, fn.Flags)
	r.Len(fn.Blocks, 3)
	r.Equal(11, fn.InstructionCount())

	file, line, ok := m.Position(fnIdx, 1, 2)
	r.True(ok)
	r.Equal("all.vi", file)
	r.Equal(11, line)

	label, ok := m.Label(fnIdx, 2)
	r.True(ok)
	r.Equal("landing", label)

	_, ok = m.Label(0, 0)
	r.False(ok)
}

func TestConstantOrder(t *testing.T) {
	r := require.New(t)

	m := everything(t)
	order := m.ConstantOrder()
	r.Len(order, len(m.Constants))

	pos := make(map[uint32]int)
	for i, idx := range order {
		pos[idx] = i
	}
	for i, c := range m.Constants {
		for _, e := range c.Elems {
			r.Less(pos[e], pos[uint32(i)], "constant %d materialized before element %d", i, e)
		}
	}
}

func header(major, minor uint16) []byte {
	b := append([]byte(nil), bytecode.Magic[:]...)
	b = binary.LittleEndian.AppendUint16(b, major)
	b = binary.LittleEndian.AppendUint16(b, minor)
	return binary.LittleEndian.AppendUint32(b, 0)
}

func section(tag uint8, payload []byte) []byte {
	b := []byte{tag}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

var empty = []byte{0, 0, 0, 0}

func emptyModule(extra ...[]byte) []byte {
	b := header(1, 0)
	b = append(b, section(1, empty)...)
	b = append(b, section(2, empty)...)
	b = append(b, section(4, empty)...)
	b = append(b, section(5, empty)...)
	b = append(b, section(6, empty)...)
	for _, e := range extra {
		b = append(b, e...)
	}
	return append(b, 0xff)
}

func TestLoadHeaderAndSections(t *testing.T) {
	valid, err := bytecode.Encode(arithmetic(t))
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"empty", nil, bytecode.ErrTruncated},
		{"bad magic", append([]byte("NOPE"), valid[4:]...), bytecode.ErrInvalidMagic},
		{"future major", append(header(2, 0), 0xff), bytecode.ErrVersionMismatch},
		{"old major", append(header(0, 9), 0xff), bytecode.ErrVersionMismatch},
		{"truncated body", valid[:len(valid)-10], bytecode.ErrTruncated},
		{"missing end", valid[:len(valid)-1], bytecode.ErrTruncated},
		{"trailing data", append(append([]byte(nil), valid...), 0x00), bytecode.ErrTrailingData},
		{"unknown section", append(header(1, 0), append(section(0x20, nil), 0xff)...), bytecode.ErrUnknownSection},
		{"out of order", append(header(1, 0), append(append(section(2, empty), section(1, empty)...), 0xff)...), bytecode.ErrSectionOrder},
		{"duplicate", append(header(1, 0), append(append(section(1, empty), section(1, empty)...), 0xff)...), bytecode.ErrSectionOrder},
		{"missing sections", append(header(1, 0), 0xff), bytecode.ErrMissingSection},
		{"unconsumed payload", emptyModule(section(7, []byte{0, 0, 0, 0, 1})), bytecode.ErrMalformed},
		{"empty debug", emptyModule(section(7, empty)), bytecode.ErrMalformed},
		{"empty types", func() []byte {
			b := header(1, 0)
			b = append(b, section(1, empty)...)
			b = append(b, section(2, empty)...)
			b = append(b, section(3, []byte{0x80})...)
			b = append(b, section(4, empty)...)
			b = append(b, section(5, empty)...)
			b = append(b, section(6, empty)...)
			return append(b, 0xff)
		}(), bytecode.ErrMalformed},
		{"compressed flag on plain sections", func() []byte {
			b := append([]byte(nil), valid...)
			b[8] |= byte(bytecode.FlagCompressed)
			return b
		}(), bytecode.ErrMalformed},
		{"invalid utf8", func() []byte {
			b := header(1, 0)
			return append(b, section(1, []byte{1, 0, 0, 0, 1, 0, 0, 0, 0xff})...)
		}(), bytecode.ErrMalformed},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := require.New(t)

			m, err := bytecode.Load(test.data)
			r.Nil(m)
			r.ErrorIs(err, test.err)
			r.True(bytecode.IsLoadError(err))
		})
	}
}

func TestLoadSkipsExtensions(t *testing.T) {
	r := require.New(t)

	data := emptyModule(section(0x80, []byte{1, 2, 3}), section(0xfe, nil))
	data[6] = 7 // minor version

	m, err := bytecode.Load(data)
	r.NoError(err)
	r.Equal(uint16(7), m.Version.Minor)
	r.Len(m.Extensions, 2)

	out, err := bytecode.Encode(m)
	r.NoError(err)
	r.Equal(data, out)
}

func TestStorageFlags(t *testing.T) {
	for name, flags := range map[string]bytecode.Flags{
		"compressed": bytecode.FlagCompressed,
		"checksum":   bytecode.FlagChecksum,
		"both":       bytecode.FlagCompressed | bytecode.FlagChecksum,
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)

			m := everything(t)
			plain, err := bytecode.Encode(m)
			r.NoError(err)

			m.Flags = flags
			encoded, err := bytecode.Encode(m)
			r.NoError(err)
			r.Equal(uint32(flags), binary.LittleEndian.Uint32(encoded[8:12]))

			loaded, err := bytecode.Load(encoded)
			r.NoError(err)
			r.Equal(flags, loaded.Flags)
			r.Equal(m.Strings, loaded.Strings)
			r.Equal(m.Types, loaded.Types)
			r.Equal(m.Extensions, loaded.Extensions)

			reencoded, err := bytecode.Encode(loaded)
			r.NoError(err)
			r.Equal(encoded, reencoded)

			loaded.Flags = 0
			stripped, err := bytecode.Encode(loaded)
			r.NoError(err)
			r.Equal(plain, stripped)
		})
	}
}

func TestChecksumMismatch(t *testing.T) {
	m := arithmetic(t)
	m.Flags = bytecode.FlagChecksum | bytecode.FlagCompressed

	valid, err := bytecode.Encode(m)
	require.NoError(t, err)

	for name, corrupt := range map[string]func(b []byte){
		"body":    func(b []byte) { b[20] ^= 0x01 },
		"minor":   func(b []byte) { b[6] ^= 0x01 },
		"trailer": func(b []byte) { b[len(b)-1] ^= 0xff },
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)

			data := append([]byte(nil), valid...)
			corrupt(data)

			loaded, err := bytecode.Load(data)
			r.Nil(loaded)
			r.ErrorIs(err, bytecode.ErrChecksum)

			var le *bytecode.LoadError
			r.ErrorAs(err, &le)
			r.Equal("checksum", le.Section)
		})
	}

	r := require.New(t)
	_, err = bytecode.Load(valid[:len(valid)-1])
	r.True(bytecode.IsLoadError(err))
}

func ret(reg uint32) bytecode.Instruction {
	return bytecode.Instruction{Op: bytecode.OpRet, A: reg}
}

func TestLoadVerification(t *testing.T) {
	fn := func(regs, params, locals uint16, blocks ...[]bytecode.Instruction) *bytecode.Function {
		f := &bytecode.Function{Name: 0, Registers: regs, Params: params, Locals: locals}
		for _, b := range blocks {
			f.Blocks = append(f.Blocks, bytecode.Block{Instructions: b})
		}
		return f
	}

	tests := []struct {
		name string
		mod  *bytecode.Module
		err  error
		msg  string
	}{
		{
			name: "dangling jump",
			mod: &bytecode.Module{
				Strings:   []string{"f"},
				Functions: []*bytecode.Function{fn(1, 0, 0, []bytecode.Instruction{{Op: bytecode.OpJmp, A: 3}})},
			},
			err: bytecode.ErrDanglingRef,
			msg: "b3",
		},
		{
			name: "register out of range",
			mod: &bytecode.Module{
				Strings:   []string{"f"},
				Functions: []*bytecode.Function{fn(2, 0, 0, []bytecode.Instruction{{Op: bytecode.OpAdd, A: 0, B: 1, C: 2}, ret(0)})},
			},
			err: bytecode.ErrDanglingRef,
			msg: "r2",
		},
		{
			name: "register counts inconsistent",
			mod: &bytecode.Module{
				Strings:   []string{"f"},
				Functions: []*bytecode.Function{fn(2, 2, 1, []bytecode.Instruction{ret(0)})},
			},
			err: bytecode.ErrInvalidFunction,
		},
		{
			name: "no terminator",
			mod: &bytecode.Module{
				Strings:   []string{"f"},
				Functions: []*bytecode.Function{fn(1, 0, 0, []bytecode.Instruction{{Op: bytecode.OpNop}})},
			},
			err: bytecode.ErrInvalidFunction,
		},
		{
			name: "empty import name",
			mod: &bytecode.Module{
				Strings: []string{""},
				Imports: []bytecode.Import{{Name: 0}},
			},
			err: bytecode.ErrEmptyImportName,
		},
		{
			name: "dangling constant",
			mod: &bytecode.Module{
				Constants: []bytecode.Constant{{Kind: bytecode.ConstTuple, Elems: []uint32{4}}},
			},
			err: bytecode.ErrDanglingRef,
		},
		{
			name: "constant cycle",
			mod: &bytecode.Module{
				Constants: []bytecode.Constant{
					{Kind: bytecode.ConstTuple, Elems: []uint32{1}},
					{Kind: bytecode.ConstTuple, Elems: []uint32{0}},
				},
			},
			err: bytecode.ErrConstantCycle,
		},
		{
			name: "call arity",
			mod: &bytecode.Module{
				Strings: []string{"f"},
				Functions: []*bytecode.Function{fn(2, 1, 0, []bytecode.Instruction{
					{Op: bytecode.OpCall, A: 0, B: 0, C: bytecode.Args(0, 2)},
					ret(0),
				})},
			},
			err: bytecode.ErrInvalidFunction,
		},
		{
			name: "handler landing",
			mod: &bytecode.Module{
				Strings: []string{"f"},
				Functions: []*bytecode.Function{func() *bytecode.Function {
					f := fn(1, 0, 0, []bytecode.Instruction{ret(0)})
					f.Handlers = []bytecode.Handler{{Start: 0, End: 0, Landing: 5}}
					return f
				}()},
			},
			err: bytecode.ErrDanglingRef,
		},
		{
			name: "invalid opcode",
			mod: &bytecode.Module{
				Strings:   []string{"f"},
				Functions: []*bytecode.Function{fn(1, 0, 0, []bytecode.Instruction{{Op: 0x7fff}, ret(0)})},
			},
			err: bytecode.ErrInvalidOperation,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := require.New(t)

			data, err := bytecode.Encode(test.mod)
			r.NoError(err)

			_, err = bytecode.Load(data)
			r.ErrorIs(err, test.err)
			if test.msg != "" {
				r.Contains(err.Error(), test.msg)
			}
		})
	}
}

func TestVerificationAggregates(t *testing.T) {
	r := require.New(t)

	m := &bytecode.Module{
		Strings: []string{"f", ""},
		Imports: []bytecode.Import{{Name: 1}, {Name: 9}},
		Functions: []*bytecode.Function{{
			Registers: 1,
			Blocks: []bytecode.Block{{Instructions: []bytecode.Instruction{
				{Op: bytecode.OpLoadK, A: 0, B: 3},
				{Op: bytecode.OpJmp, A: 8},
			}}},
		}},
	}

	data, err := bytecode.Encode(m)
	r.NoError(err)

	_, err = bytecode.Load(data)
	r.ErrorIs(err, bytecode.ErrEmptyImportName)
	r.ErrorIs(err, bytecode.ErrDanglingRef)
	r.Contains(err.Error(), "4 errors occurred")
}

func TestPredHolds(t *testing.T) {
	r := require.New(t)

	orderings := []value.Ordering{value.Less, value.Equal, value.Greater, value.Unordered}
	expect := map[bytecode.Pred][]bool{
		bytecode.PredEQ: {false, true, false, false},
		bytecode.PredNE: {true, false, true, true},
		bytecode.PredLT: {true, false, false, false},
		bytecode.PredLE: {true, true, false, false},
		bytecode.PredGT: {false, false, true, false},
		bytecode.PredGE: {false, true, true, false},
	}

	for pred, holds := range expect {
		for i, ord := range orderings {
			r.Equal(holds[i], pred.Holds(ord), "%s on %s", pred, ord)
		}
	}
}

func TestOpcodeTable(t *testing.T) {
	r := require.New(t)

	for _, name := range []string{"add", "tailcall", "jmpif", "pstore", "expayload", "modc"} {
		op, ok := bytecode.LookupOpcode(name)
		r.True(ok, name)
		r.Equal(name, op.String())
	}

	for _, op := range []bytecode.Opcode{bytecode.OpJmp, bytecode.OpRet, bytecode.OpRetUnit, bytecode.OpTailCall, bytecode.OpTailCallR, bytecode.OpRaise, bytecode.OpReraise} {
		r.True(op.IsTerminator(), op.String())
	}
	r.False(bytecode.OpJmpIf.IsTerminator())
	r.False(bytecode.OpCall.IsTerminator())

	start, count := bytecode.UnpackArgs(bytecode.Args(3, 2))
	r.Equal(uint32(3), start)
	r.Equal(uint32(2), count)
}

func TestDisassemble(t *testing.T) {
	r := require.New(t)

	var out strings.Builder
	r.NoError(bytecode.Disassemble(&out, everything(t)))

	listing := out.String()
	r.Contains(listing, ".import m0 print/-1")
	r.Contains(listing, ".const k5 tuple (k0, k1)")
	r.Contains(listing, ".type t0 Point {x, y}")
	r.Contains(listing, "func f1 main(params=0 regs=8 locals=8) [variadic] ; all.vi")
	r.Contains(listing, "b0.entry:")
	r.Contains(listing, "newrec r1, t0<Point>")
	r.Contains(listing, "jmpif r6, lt, b0.entry")
	r.Contains(listing, "call r5, f0<helper>, (r4..r4)")
	r.Contains(listing, ".handler b0.entry..b1.body kind=any -> b2.landing r7")
	r.Contains(listing, "; line 10")
}
