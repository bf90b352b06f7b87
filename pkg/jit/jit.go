// Package jit is a block accelerator for the vm package. It turns the
// straight-line register prefix of a hot block into a chain of Go closures
// specialized on operand layout. Anything that can allocate, call or
// transfer control ends the prefix and is left to the interpreter.
package jit

import (
	"log/slog"
	"sync"

	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/vm"
	"github.com/rhino1998/vireo/pkg/value"
)

const DefaultMinLength = 2

// op executes one instruction. It returns false, without touching regs,
// when the instruction must be handed back to the interpreter.
type op func(regs []value.Value) bool

type Stats struct {
	Blocks       int
	Rejected     int
	Instructions int
}

type Option func(*Compiler)

// WithMinLength rejects blocks whose compilable prefix is shorter than n.
func WithMinLength(n int) Option {
	return func(c *Compiler) {
		c.minLength = n
	}
}

// Compiler implements vm.Accelerator. It keeps no per-instance state and may
// be shared by any number of instances.
type Compiler struct {
	logger    *slog.Logger
	minLength int

	mu    sync.Mutex
	stats Stats
}

var _ vm.Accelerator = (*Compiler)(nil)

func New(logger *slog.Logger, opts ...Option) *Compiler {
	c := &Compiler{
		logger:    logger,
		minLength: DefaultMinLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minLength < 1 {
		c.minLength = 1
	}
	return c
}

func (c *Compiler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Compiler) CompileBlock(m *bytecode.Module, fn uint32, block int) (vm.CompiledBlock, bool) {
	instrs := m.Functions[fn].Blocks[block].Instructions

	var ops []op
	for _, instr := range instrs {
		o, ok := compile(m, instr)
		if !ok {
			break
		}
		ops = append(ops, o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ops) < c.minLength {
		c.stats.Rejected++
		c.logger.Debug("block rejected",
			slog.String("function", m.FunctionName(fn)),
			slog.Int("block", block),
			slog.Int("prefix", len(ops)),
		)
		return nil, false
	}

	c.stats.Blocks++
	c.stats.Instructions += len(ops)
	c.logger.Debug("block compiled",
		slog.String("function", m.FunctionName(fn)),
		slog.Int("block", block),
		slog.Int("instructions", len(ops)),
		slog.Int("of", len(instrs)),
	)

	return func(regs []value.Value) int {
		for i, o := range ops {
			if !o(regs) {
				return i
			}
		}
		return len(ops)
	}, true
}
