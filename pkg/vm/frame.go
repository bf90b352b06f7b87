package vm

import (
	"slices"

	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

// frame is one activation. Its registers are the window
// stack[base:base+code.Registers]; windows of successive frames are
// contiguous, so popping a frame truncates the stack to its base.
type frame struct {
	fn    uint32
	code  *bytecode.Function
	base  int
	block int
	pc    int
	// ret is the absolute stack index of the caller's destination register,
	// or -1 for a frame entered from the host or from native code.
	ret  int
	pins *heap.PinScope
	// forward marks a frame entered by a tail call that could not replace
	// its caller; returning from it returns from the caller too.
	forward bool
}

func (inst *Instance) registers(f *frame) []value.Value {
	return inst.stack[f.base : f.base+int(f.code.Registers)]
}

func (inst *Instance) top() *frame {
	return inst.frames[len(inst.frames)-1]
}

// pushFrame binds args and then captures to the callee's lowest registers
// and clears the rest of its window.
func (inst *Instance) pushFrame(fn uint32, args, captures []value.Value, ret int) error {
	if len(inst.frames) >= inst.config.MaxCallDepth {
		return trap.New(trap.StackOverflow, "call depth exceeds %d", inst.config.MaxCallDepth)
	}

	code := inst.module.Functions[fn]
	base := len(inst.stack)
	regs := int(code.Registers)
	if base+regs > inst.config.MaxStack {
		return inst.stackOverflow(base + regs)
	}

	// args may alias the caller's window; growing keeps the old backing
	// array intact for the copy below.
	inst.stack = slices.Grow(inst.stack, regs)[:base+regs]
	window := inst.stack[base:]
	n := copy(window, args)
	n += copy(window[n:], captures)
	clear(window[n:])

	depth := len(inst.frames)
	if depth < cap(inst.frames) {
		inst.frames = inst.frames[:depth+1]
	} else {
		inst.frames = append(inst.frames, nil)
	}
	f := inst.frames[depth]
	if f == nil {
		f = &frame{}
		inst.frames[depth] = f
	}

	f.fn = fn
	f.code = code
	f.base = base
	f.block = 0
	f.pc = 0
	f.ret = ret
	f.forward = false
	return nil
}

// popFrame discards the top frame and releases its pins.
func (inst *Instance) popFrame() *frame {
	n := len(inst.frames) - 1
	f := inst.frames[n]
	if f.pins != nil {
		f.pins.Release()
	}
	inst.frames = inst.frames[:n]
	clear(inst.stack[f.base:])
	inst.stack = inst.stack[:f.base]
	return f
}

// guarded reports whether a handler of f covers its current block.
func (f *frame) guarded() bool {
	for _, h := range f.code.Handlers {
		if h.Covers(f.block) {
			return true
		}
	}
	return false
}

// tailCall replaces the top frame with a call to fn. Inside a handler range
// the frame must stay to catch what the callee raises, so the callee is
// pushed as a forwarding frame instead.
func (inst *Instance) tailCall(f *frame, fn uint32, args, captures []value.Value) error {
	if f.guarded() {
		if err := inst.pushFrame(fn, args, captures, -1); err != nil {
			return err
		}
		inst.top().forward = true
		return nil
	}

	code := inst.module.Functions[fn]
	regs := int(code.Registers)
	if f.base+regs > inst.config.MaxStack {
		return inst.stackOverflow(f.base + regs)
	}

	inst.tail = append(append(inst.tail[:0], args...), captures...)

	if f.pins != nil {
		f.pins.Release()
	}

	clear(inst.stack[f.base:])
	inst.stack = slices.Grow(inst.stack[:f.base], regs)[:f.base+regs]
	window := inst.stack[f.base:]
	n := copy(window, inst.tail)
	clear(window[n:])
	clear(inst.tail)

	f.fn = fn
	f.code = code
	f.block = 0
	f.pc = 0
	return nil
}

func (inst *Instance) stackOverflow(need int) error {
	return trap.New(trap.StackOverflow, "register stack of %d values exceeds %d", need, inst.config.MaxStack)
}

func (inst *Instance) pin(f *frame, handle value.Handle) error {
	if f.pins == nil {
		f.pins = inst.heap.NewPinScope()
	}
	return f.pins.Pin(handle)
}

func (inst *Instance) unpin(f *frame, handle value.Handle) error {
	if f.pins == nil {
		return trap.New(trap.InvalidReference, "%v is not pinned in this frame", handle)
	}
	return f.pins.Unpin(handle)
}

// location describes the instruction f executed last.
func (inst *Instance) location(f *frame) Location {
	m := inst.module
	offset := max(f.pc-1, 0)
	loc := Location{
		Function:      m.FunctionName(f.fn),
		FunctionIndex: f.fn,
		Block:         f.block,
		Offset:        offset,
	}
	loc.Label, _ = m.Label(f.fn, f.block)
	if file, line, ok := m.Position(f.fn, f.block, offset); ok {
		loc.File = file
		loc.Line = line
	}
	return loc
}
