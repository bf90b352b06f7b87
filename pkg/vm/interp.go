package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

// run dispatches until the frame at index floor returns. An exception that
// unwinds past floor is returned as *Exception with every frame above floor
// popped; fatal conditions return *FatalError.
func (inst *Instance) run(ctx context.Context, floor int) (value.Value, error) {
	for {
		f := inst.top()
		instrs := f.code.Blocks[f.block].Instructions

		if f.pc >= len(instrs) {
			// fall through; the last block always ends in a terminator
			f.block++
			f.pc = 0
			continue
		}

		if f.pc == 0 && inst.accel != nil {
			if compiled := inst.enterBlock(f.fn, f.block); compiled != nil {
				n := compiled(inst.registers(f))
				if n > 0 {
					f.pc = n
					inst.accel.stats.Instructions += uint64(n)
					if err := inst.charge(ctx, n); err != nil {
						return value.Value{}, inst.halt(floor, err)
					}
					continue
				}
			}
		}

		instr := instrs[f.pc]
		f.pc++

		if err := inst.charge(ctx, 1); err != nil {
			return value.Value{}, inst.halt(floor, err)
		}
		if inst.trace {
			inst.logger.LogAttrs(ctx, slog.LevelDebug, "exec",
				slog.String("function", inst.module.FunctionName(f.fn)),
				slog.Int("block", f.block),
				slog.Int("pc", f.pc-1),
				slog.String("instr", inst.module.FormatInstruction(f.fn, instr)),
			)
		}

		result, done, err := inst.step(ctx, f, instr, floor)
		if err == nil {
			if done {
				return result, nil
			}
			continue
		}

		if isFatalCause(err) || IsFatal(err) {
			return value.Value{}, inst.halt(floor, err)
		}

		exc, err := inst.raise(f, err)
		if err != nil {
			return value.Value{}, inst.halt(floor, err)
		}
		if !inst.unwind(exc, floor) {
			return value.Value{}, exc
		}
	}
}

// charge accounts n executed instructions against the gas limit and polls
// ctx every Config.CheckInterval instructions.
func (inst *Instance) charge(ctx context.Context, n int) error {
	inst.gas += n
	if inst.config.GasLimit > 0 && inst.gas > inst.config.GasLimit {
		return fatal(fmt.Errorf("%w: limit %d", ErrGasExhausted, inst.config.GasLimit))
	}

	inst.sinceCheck += n
	if inst.sinceCheck >= inst.config.CheckInterval {
		inst.sinceCheck = 0
		if err := ctx.Err(); err != nil {
			return fatal(err)
		}
	}
	return nil
}

// halt converts err into a FatalError located at the top frame and pops
// every frame above floor.
func (inst *Instance) halt(floor int, err error) error {
	var fe *FatalError
	if !errors.As(err, &fe) {
		cause := err
		var fc *fatalCause
		if errors.As(err, &fc) {
			cause = fc.err
		}
		fe = &FatalError{
			Location: inst.location(inst.top()),
			Instance: inst.id.String(),
			Cause:    cause,
		}
	}
	inst.halted = true
	for len(inst.frames) > floor {
		inst.popFrame()
	}
	return fe
}

func (inst *Instance) jump(f *frame, target int) {
	if target <= f.block {
		inst.mutator.Safepoint()
	}
	f.block = target
	f.pc = 0
}

func argWindow(regs []value.Value, packed uint32) []value.Value {
	start, count := bytecode.UnpackArgs(packed)
	return regs[start : start+count]
}

func (inst *Instance) step(ctx context.Context, f *frame, instr bytecode.Instruction, floor int) (value.Value, bool, error) {
	regs := inst.registers(f)
	m := inst.module

	switch op := instr.Op; op {
	case bytecode.OpNop:

	case bytecode.OpMov:
		regs[instr.A] = regs[instr.B]

	case bytecode.OpLoadI:
		regs[instr.A] = value.Int(int64(int32(instr.B)))

	case bytecode.OpLoadK:
		v, err := inst.loadConst(instr.B)
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpLoadUnit:
		regs[instr.A] = value.Unit()

	case bytecode.OpLoadBool:
		regs[instr.A] = value.Bool(instr.B != 0)

	case bytecode.OpLoadFn:
		handle, err := inst.alloc(heap.KindClosure, instr.B, nil, "")
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ref(handle)

	case bytecode.OpLoadStr:
		handle, err := inst.alloc(heap.KindString, 0, nil, m.Strings[instr.B])
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ref(handle)

	case bytecode.OpLoadData:
		blob := m.Data[instr.B]
		fields := make([]value.Value, len(blob))
		for i, b := range blob {
			fields[i] = value.Int(int64(b))
		}
		handle, err := inst.alloc(heap.KindArray, 0, fields, "")
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ref(handle)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpAddC, bytecode.OpSubC, bytecode.OpMulC, bytecode.OpDivC, bytecode.OpModC,
		bytecode.OpDivU, bytecode.OpModU,
		bytecode.OpBAnd, bytecode.OpBOr, bytecode.OpBXor,
		bytecode.OpShl, bytecode.OpShr, bytecode.OpUShr:
		v, err := Arith(op, regs[instr.B], regs[instr.C])
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpNeg, bytecode.OpNegC, bytecode.OpBNot, bytecode.OpNot,
		bytecode.OpI2F, bytecode.OpF2I:
		v, err := Unary(op, regs[instr.B])
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpCmp:
		v, err := Compare(regs[instr.B], regs[instr.C])
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpSetCC:
		v, err := SetCC(regs[instr.B], bytecode.Pred(instr.C))
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpJmp:
		inst.jump(f, int(instr.A))

	case bytecode.OpJmpIf:
		ord, err := ordering(regs[instr.A])
		if err != nil {
			return value.Value{}, false, err
		}
		if bytecode.Pred(instr.B).Holds(ord) {
			inst.jump(f, int(instr.C))
		}

	case bytecode.OpJmpT, bytecode.OpJmpF:
		cond := regs[instr.A]
		if cond.Kind() != value.KindBool {
			return value.Value{}, false, trap.New(trap.TypeMismatch, "%s: condition must be bool, got %s", op, cond.Kind())
		}
		if cond.Bool() == (op == bytecode.OpJmpT) {
			inst.jump(f, int(instr.B))
		}

	case bytecode.OpCall:
		inst.mutator.Safepoint()
		return value.Value{}, false, inst.pushFrame(instr.B, argWindow(regs, instr.C), nil, f.base+int(instr.A))

	case bytecode.OpCallR:
		fn, captures, err := inst.callee(regs[instr.B], instr.C)
		if err != nil {
			return value.Value{}, false, err
		}
		inst.mutator.Safepoint()
		return value.Value{}, false, inst.pushFrame(fn, argWindow(regs, instr.C), captures, f.base+int(instr.A))

	case bytecode.OpCallN:
		return value.Value{}, false, inst.callNative(ctx, f, instr)

	case bytecode.OpTailCall:
		inst.mutator.Safepoint()
		return value.Value{}, false, inst.tailCall(f, instr.A, argWindow(regs, instr.C), nil)

	case bytecode.OpTailCallR:
		fn, captures, err := inst.callee(regs[instr.A], instr.C)
		if err != nil {
			return value.Value{}, false, err
		}
		inst.mutator.Safepoint()
		return value.Value{}, false, inst.tailCall(f, fn, argWindow(regs, instr.C), captures)

	case bytecode.OpRet:
		return inst.ret(regs[instr.A], floor)

	case bytecode.OpRetUnit:
		return inst.ret(value.Unit(), floor)

	case bytecode.OpIntrin:
		return value.Value{}, false, inst.callIntrinsic(ctx, f, instr)

	case bytecode.OpNewArray:
		n := regs[instr.B]
		if !n.IsInt() {
			return value.Value{}, false, trap.New(trap.TypeMismatch, "array length must be int, got %s", n.Kind())
		}
		if n.Int() < 0 {
			return value.Value{}, false, trap.WithDetails(trap.OutOfBounds, []int64{n.Int(), 0}, "negative array length %d", n.Int())
		}
		if limit := int64(inst.heap.Config().MaxHeap); n.Int() > limit/16 {
			return value.Value{}, false, fatal(fmt.Errorf("%w: array of %d elements", heap.ErrOutOfMemory, n.Int()))
		}
		handle, err := inst.alloc(heap.KindArray, 0, make([]value.Value, n.Int()), "")
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ref(handle)

	case bytecode.OpALen:
		obj, err := inst.object(regs[instr.B], heap.KindArray)
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Int(int64(len(obj.Fields)))

	case bytecode.OpALoad:
		arr, idx := regs[instr.B], regs[instr.C]
		if _, err := inst.object(arr, heap.KindArray); err != nil {
			return value.Value{}, false, err
		}
		if !idx.IsInt() {
			return value.Value{}, false, trap.New(trap.TypeMismatch, "index must be int, got %s", idx.Kind())
		}
		v, err := inst.heap.Load(arr.Handle(), idx.Int())
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpAStore:
		arr, idx := regs[instr.A], regs[instr.B]
		if _, err := inst.object(arr, heap.KindArray); err != nil {
			return value.Value{}, false, err
		}
		if !idx.IsInt() {
			return value.Value{}, false, trap.New(trap.TypeMismatch, "index must be int, got %s", idx.Kind())
		}
		if err := inst.heap.Store(arr.Handle(), idx.Int(), regs[instr.C]); err != nil {
			return value.Value{}, false, err
		}

	case bytecode.OpNewRec:
		fields := make([]value.Value, len(m.Types[instr.B].Fields))
		handle, err := inst.alloc(heap.KindRecord, instr.B, fields, "")
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ref(handle)

	case bytecode.OpGetF:
		rec := regs[instr.B]
		if _, err := inst.object(rec, heap.KindRecord); err != nil {
			return value.Value{}, false, err
		}
		v, err := inst.heap.Load(rec.Handle(), int64(instr.C))
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpSetF:
		rec := regs[instr.A]
		if _, err := inst.object(rec, heap.KindRecord); err != nil {
			return value.Value{}, false, err
		}
		if err := inst.heap.Store(rec.Handle(), int64(instr.B), regs[instr.C]); err != nil {
			return value.Value{}, false, err
		}

	case bytecode.OpClosure:
		captures := slices.Clone(argWindow(regs, instr.C))
		handle, err := inst.alloc(heap.KindClosure, instr.B, captures, "")
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ref(handle)

	case bytecode.OpConcat:
		a, err := inst.object(regs[instr.B], heap.KindString)
		if err != nil {
			return value.Value{}, false, err
		}
		b, err := inst.object(regs[instr.C], heap.KindString)
		if err != nil {
			return value.Value{}, false, err
		}
		handle, err := inst.alloc(heap.KindString, 0, nil, a.Str+b.Str)
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ref(handle)

	case bytecode.OpSLen:
		s, err := inst.object(regs[instr.B], heap.KindString)
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Int(int64(len(s.Str)))

	case bytecode.OpLoadG:
		v, err := inst.heap.Global(int(instr.B))
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpStoreG:
		if err := inst.heap.SetGlobal(int(instr.A), regs[instr.B]); err != nil {
			return value.Value{}, false, err
		}

	case bytecode.OpRaise:
		return value.Value{}, false, inst.newException(f, regs[instr.A], regs[instr.B])

	case bytecode.OpReraise:
		exc, err := inst.exception(regs[instr.A])
		if err != nil {
			return value.Value{}, false, err
		}
		exc.origin = inst.location(f)
		return value.Value{}, false, exc

	case bytecode.OpExKind:
		obj, err := inst.object(regs[instr.B], heap.KindException)
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Int(int64(obj.Tag))

	case bytecode.OpExPayload:
		exc := regs[instr.B]
		if _, err := inst.object(exc, heap.KindException); err != nil {
			return value.Value{}, false, err
		}
		v, err := inst.heap.Load(exc.Handle(), 0)
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpPin:
		ref := regs[instr.B]
		if !ref.IsRef() {
			return value.Value{}, false, trap.New(trap.TypeMismatch, "pin: expected reference, got %s", ref.Kind())
		}
		if err := inst.pin(f, ref.Handle()); err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = value.Ptr(value.Pointer{Handle: ref.Handle()})

	case bytecode.OpUnpin:
		var handle value.Handle
		switch v := regs[instr.A]; v.Kind() {
		case value.KindRef:
			handle = v.Handle()
		case value.KindPtr:
			handle = v.Pointer().Handle
		default:
			return value.Value{}, false, trap.New(trap.TypeMismatch, "unpin: expected reference or pointer, got %s", v.Kind())
		}
		if err := inst.unpin(f, handle); err != nil {
			return value.Value{}, false, err
		}

	case bytecode.OpPLoad:
		p, err := rawPointer(regs[instr.B], regs[instr.C])
		if err != nil {
			return value.Value{}, false, err
		}
		v, err := inst.heap.LoadRaw(p)
		if err != nil {
			return value.Value{}, false, err
		}
		regs[instr.A] = v

	case bytecode.OpPStore:
		p, err := rawPointer(regs[instr.A], regs[instr.B])
		if err != nil {
			return value.Value{}, false, err
		}
		if err := inst.heap.StoreRaw(p, regs[instr.C]); err != nil {
			return value.Value{}, false, err
		}

	default:
		return value.Value{}, false, fatal(fmt.Errorf("invalid opcode %v", op))
	}

	return value.Value{}, false, nil
}

// rawPointer offsets a pointer register by an int element offset.
func rawPointer(ptr, off value.Value) (value.Pointer, error) {
	if ptr.Kind() != value.KindPtr {
		return value.Pointer{}, trap.New(trap.TypeMismatch, "expected pointer, got %s", ptr.Kind())
	}
	if !off.IsInt() {
		return value.Pointer{}, trap.New(trap.TypeMismatch, "pointer offset must be int, got %s", off.Kind())
	}
	p := ptr.Pointer()
	target := int64(p.Offset) + off.Int()
	if target < 0 || target > 1<<32-1 {
		return value.Pointer{}, trap.WithDetails(trap.OutOfBounds, []int64{target, -1}, "pointer offset %d out of range", target)
	}
	p.Offset = uint32(target)
	return p, nil
}

// callee resolves the closure of a CALLR or TAILCALLR and checks its arity.
func (inst *Instance) callee(v value.Value, packed uint32) (uint32, []value.Value, error) {
	fn, captures, err := inst.closure(v)
	if err != nil {
		return 0, nil, err
	}
	_, count := bytecode.UnpackArgs(packed)
	code := inst.module.Functions[fn]
	if int(count) != int(code.Params) {
		return 0, nil, trap.New(trap.TypeMismatch, "%s takes %d arguments, got %d", inst.module.FunctionName(fn), code.Params, count)
	}
	if int(count)+len(captures) > int(code.Registers) {
		return 0, nil, trap.New(trap.TypeMismatch, "%s cannot hold %d captures", inst.module.FunctionName(fn), len(captures))
	}
	return fn, captures, nil
}

// ret pops the top frame and delivers v to its caller.
func (inst *Instance) ret(v value.Value, floor int) (value.Value, bool, error) {
	f := inst.popFrame()
	for f.forward && len(inst.frames) > floor {
		f = inst.popFrame()
	}
	if len(inst.frames) == floor {
		return v, true, nil
	}
	inst.stack[f.ret] = v
	inst.mutator.Safepoint()
	return value.Value{}, false, nil
}

func (inst *Instance) callNative(ctx context.Context, f *frame, instr bytecode.Instruction) error {
	native := inst.imports[instr.B]
	args := slices.Clone(argWindow(inst.registers(f), instr.C))
	dst := f.base + int(instr.A)

	inst.mutator.Safepoint()

	mark := len(inst.scratch)
	defer func() {
		inst.scratch = inst.scratch[:mark]
	}()

	v, err := native.Fn(&Env{ctx: ctx, inst: inst}, args)
	if inst.halted {
		if IsFatal(err) {
			return err
		}
		return fatal(ErrHalted)
	}
	if err != nil {
		return err
	}
	inst.stack[dst] = v
	return nil
}

func (inst *Instance) callIntrinsic(ctx context.Context, f *frame, instr bytecode.Instruction) error {
	intrinsic, ok := inst.registry.Intrinsic(instr.B)
	if !ok {
		return trap.New(trap.UnknownIntrinsic, "unknown intrinsic #%d", instr.B)
	}
	args := slices.Clone(argWindow(inst.registers(f), instr.C))
	if err := intrinsic.check(args); err != nil {
		return err
	}
	dst := f.base + int(instr.A)

	mark := len(inst.scratch)
	defer func() {
		inst.scratch = inst.scratch[:mark]
	}()

	v, err := intrinsic.Fn(&Env{ctx: ctx, inst: inst}, args)
	if inst.halted {
		if IsFatal(err) {
			return err
		}
		return fatal(ErrHalted)
	}
	if err != nil {
		return err
	}
	inst.stack[dst] = v
	return nil
}
