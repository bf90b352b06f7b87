package vm

import (
	"log/slog"

	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/value"
)

// CompiledBlock runs a prefix of a block directly on the frame's registers
// and returns the index of the first instruction it did not execute. The
// interpreter resumes there, so a compiled block may stop early at any
// instruction it cannot complete without changing behavior; returning 0
// runs the whole block interpreted.
type CompiledBlock func(regs []value.Value) int

// Accelerator is an optional compilation backend offered blocks whose entry
// count crosses Config.AccelThreshold.
type Accelerator interface {
	CompileBlock(m *bytecode.Module, fn uint32, block int) (CompiledBlock, bool)
}

// Hooks receive host notifications.
type Hooks struct {
	// OnCycle is called after each collection of a heap created by the
	// instance or by NewHeap.
	OnCycle func(heap.CycleStats)
	// OnFatal is called once when an instance halts.
	OnFatal func(*FatalError)
	// OnCompile is called when a block is handed to the accelerator and
	// accepted.
	OnCompile func(fn string, block int)
}

type AccelStats struct {
	Compiled     int
	Rejected     int
	Entries      uint64
	Instructions uint64
}

type blockCounter struct {
	count    int
	offered  bool
	compiled CompiledBlock
}

type accelState struct {
	accel     Accelerator
	threshold int
	blocks    [][]blockCounter
	stats     AccelStats
}

func newAccelState(m *bytecode.Module, accel Accelerator, threshold int) *accelState {
	if accel == nil {
		return nil
	}
	blocks := make([][]blockCounter, len(m.Functions))
	for i, fn := range m.Functions {
		blocks[i] = make([]blockCounter, len(fn.Blocks))
	}
	return &accelState{accel: accel, threshold: threshold, blocks: blocks}
}

// enterBlock counts an entry into block and returns its compiled form, if any.
func (inst *Instance) enterBlock(fn uint32, block int) CompiledBlock {
	a := inst.accel
	c := &a.blocks[fn][block]
	if c.compiled != nil {
		a.stats.Entries++
		return c.compiled
	}
	if c.offered {
		return nil
	}

	c.count++
	if c.count < a.threshold {
		return nil
	}

	c.offered = true
	compiled, ok := a.accel.CompileBlock(inst.module, fn, block)
	if !ok {
		a.stats.Rejected++
		return nil
	}
	c.compiled = compiled
	a.stats.Compiled++

	name := inst.module.FunctionName(fn)
	inst.logger.Debug("compiled block", slog.String("function", name), slog.Int("block", block))
	if inst.hooks.OnCompile != nil {
		inst.hooks.OnCompile(name, block)
	}

	a.stats.Entries++
	return compiled
}

func (inst *Instance) AccelStats() AccelStats {
	if inst.accel == nil {
		return AccelStats{}
	}
	return inst.accel.stats
}
