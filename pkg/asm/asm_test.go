package asm_test

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/neilotoole/slogt"
	"github.com/rhino1998/vireo/pkg/asm"
	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/stretchr/testify/require"
)

func TestAssemble(t *testing.T) {
	t.Parallel()

	dir := os.DirFS("./testdata/")
	testFiles, err := fs.Glob(dir, "*.txt")
	require.NoError(t, err)
	require.NotEmpty(t, testFiles)

	for _, testFile := range testFiles {
		name := strings.Split(testFile, ".")[0]
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			logger := slogt.New(t)

			testData, err := fs.ReadFile(dir, testFile)
			r.NoError(err)

			parts := bytes.SplitN(testData, []byte("\n---\n"), 2)
			r.Len(parts, 2)
			expected := strings.TrimSpace(string(parts[1]))

			m, err := asm.Assemble(logger, testFile, parts[0])
			r.NoError(err)

			var out strings.Builder
			r.NoError(bytecode.Disassemble(&out, m))
			r.Equal(expected, strings.TrimSpace(out.String()))

			// the assembled module survives the binary format unchanged
			encoded, err := bytecode.Encode(m)
			r.NoError(err)
			loaded, err := bytecode.Load(encoded)
			r.NoError(err)

			var reloaded strings.Builder
			r.NoError(bytecode.Disassemble(&reloaded, loaded))
			r.Equal(out.String(), reloaded.String())
		})
	}
}

func TestAssembleErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		err  error
		line int
	}{
		{
			name: "unknown opcode",
			src:  "func main(params=0 regs=1 locals=1)\n  frob r0\n  retunit\nend\n",
			err:  asm.ErrSyntax,
			line: 2,
		},
		{
			name: "undefined label",
			src:  "func main(params=0 regs=1 locals=1)\n  jmp nowhere\nend\n",
			err:  asm.ErrUndefined,
			line: 2,
		},
		{
			name: "operand count",
			src:  "func main(params=0 regs=2 locals=2)\n  add r0, r1\n  retunit\nend\n",
			err:  asm.ErrOperand,
			line: 2,
		},
		{
			name: "duplicate function",
			src:  "func f(params=0 regs=0 locals=0)\n  retunit\nend\nfunc f(params=0 regs=0 locals=0)\n  retunit\nend\n",
			err:  asm.ErrDuplicate,
			line: 4,
		},
		{
			name: "non contiguous arguments",
			src:  "func main(params=0 regs=4 locals=4)\n  callr r0, r1, (r1, r3)\n  retunit\nend\n",
			err:  asm.ErrOperand,
			line: 2,
		},
		{
			name: "missing end",
			src:  "func main(params=0 regs=0 locals=0)\n  retunit\n",
			err:  asm.ErrSyntax,
			line: 2,
		},
		{
			name: "unquoted string constant",
			src:  ".const s string hello\n",
			err:  asm.ErrSyntax,
			line: 1,
		},
		{
			name: "reserved extension tag",
			src:  ".extension 0x10 \"x\"\n",
			err:  asm.ErrOutOfRange,
			line: 1,
		},
		{
			name: "malformed handler",
			src:  "func main(params=0 regs=1 locals=1)\n  entry:\n  retunit\n  .handler entry kind any\nend\n",
			err:  asm.ErrSyntax,
			line: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			_, err := asm.Assemble(slogt.New(t), "test.vasm", []byte(tt.src))
			r.Error(err)
			r.ErrorIs(err, tt.err)

			var pos asm.PositionError
			r.True(errors.As(err, &pos))
			r.Equal("test.vasm", pos.File)
			r.Equal(tt.line, pos.Line)
		})
	}
}

func TestAssembleReportsEveryError(t *testing.T) {
	r := require.New(t)

	src := `func main(params=0 regs=2 locals=2)
  loadk r0, missing
  call r1, nobody, ()
  jmp nowhere
end
`
	_, err := asm.Assemble(slogt.New(t), "many.vasm", []byte(src))
	r.Error(err)

	var merr *multierror.Error
	r.True(errors.As(err, &merr))
	r.Len(merr.Errors, 3)
	for _, e := range merr.Errors {
		r.ErrorIs(e, asm.ErrUndefined)
	}
}

func TestAssembleVerifies(t *testing.T) {
	r := require.New(t)

	// double takes one argument but is called with none
	src := `func main(params=0 regs=1 locals=1)
  call r0, double, ()
  ret r0
end

func double(params=1 regs=2 locals=1)
  add r1, r0, r0
  ret r1
end
`
	_, err := asm.Assemble(slogt.New(t), "arity.vasm", []byte(src))
	r.ErrorIs(err, bytecode.ErrInvalidFunction)
}

func TestAssembleForwardReferences(t *testing.T) {
	r := require.New(t)

	src := `.const later func second

func first(params=0 regs=1 locals=1)
  call r0, second, ()
  ret r0
end

func second(params=0 regs=1 locals=1)
  loadk r0, later
  ret r0
end
`
	m, err := asm.Assemble(slogt.New(t), "forward.vasm", []byte(src))
	r.NoError(err)

	second, ok := m.LookupFunction("second")
	r.True(ok)
	r.Equal(uint32(1), second)
	r.Equal(second, m.Constants[0].Index)
	r.Equal(second, m.Functions[0].Blocks[0].Instructions[0].B)
}
