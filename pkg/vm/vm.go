// Package vm executes bytecode modules. An Instance owns one register stack
// and call-frame stack and runs on a single goroutine at a time; any number
// of instances may share a Module, and instances created with WithHeap share
// one heap whose collections stop all of them at safepoints.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

type Instance struct {
	id       uuid.UUID
	logger   *slog.Logger
	config   Config
	module   *bytecode.Module
	heap     *heap.Heap
	mutator  *heap.Mutator
	registry *Registry
	imports  []Native
	hooks    Hooks
	stdout   io.Writer
	accel    *accelState
	trace    bool

	consts []value.Value
	stack  []value.Value
	frames []*frame

	// scratch roots values that are in flight between registers, such as
	// allocations made by a native that has not returned yet.
	scratch []value.Value
	// escaped roots exceptions that left a nested call and are being
	// carried through native code.
	escaped []value.Value
	tail    []value.Value
	// result roots the value of the last top-level call so the host can
	// read it after returning.
	result value.Value

	gas        int
	sinceCheck int
	halted     bool
}

// New links module against the registry and prepares an instance. Imports
// are resolved eagerly: every unresolved symbol is reported here and none
// can fail later.
func New(logger *slog.Logger, module *bytecode.Module, opts ...Option) (*Instance, error) {
	o := options{
		config: DefaultConfig(),
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = StandardRegistry()
	}

	config := o.config
	if err := config.Validate(logger); err != nil {
		return nil, fmt.Errorf("failed to validate vm config: %w", err)
	}

	id := uuid.New()
	logger = logger.With(slog.String("instance", id.String()))

	inst := &Instance{
		id:       id,
		logger:   logger,
		config:   config,
		module:   module,
		registry: o.registry,
		hooks:    o.hooks,
		stdout:   o.stdout,
		accel:    newAccelState(module, o.accelerator, config.AccelThreshold),
		trace:    config.Trace && logger.Handler().Enabled(context.Background(), slog.LevelDebug),
	}

	if err := inst.link(); err != nil {
		return nil, err
	}

	inst.heap = o.heap
	if inst.heap == nil {
		h, err := NewHeap(logger, config, o.hooks)
		if err != nil {
			return nil, err
		}
		inst.heap = h
	}
	inst.heap.EnsureGlobals(module.GlobalCount())
	inst.mutator = inst.heap.Attach(inst)

	inst.mutator.Enter()
	err := inst.materializeConstants()
	inst.mutator.Leave()
	if err != nil {
		inst.mutator.Detach()
		return nil, err
	}

	logger.Debug("instance created",
		slog.Int("functions", len(module.Functions)),
		slog.Int("imports", len(module.Imports)),
		slog.Int("constants", len(module.Constants)),
		slog.Bool("accelerated", inst.accel != nil),
	)

	return inst, nil
}

func (inst *Instance) link() error {
	var errs *multierror.Error
	inst.imports = make([]Native, len(inst.module.Imports))
	for i, imp := range inst.module.Imports {
		name := inst.module.StringAt(imp.Name)
		native, ok := inst.registry.Native(name)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%w: %q", ErrUnresolved, name))
			continue
		}
		if native.Arity != -1 && int(imp.Arity) != native.Arity {
			errs = multierror.Append(errs, fmt.Errorf("%w: import %q declares arity %d, native takes %d", ErrArity, name, imp.Arity, native.Arity))
			continue
		}
		inst.imports[i] = native
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to link module: %w", err)
	}
	return nil
}

func (inst *Instance) materializeConstants() error {
	m := inst.module
	inst.consts = make([]value.Value, len(m.Constants))
	for _, idx := range m.ConstantOrder() {
		c := m.Constants[idx]
		switch c.Kind {
		case bytecode.ConstUnit:
			inst.consts[idx] = value.Unit()
		case bytecode.ConstInt:
			inst.consts[idx] = value.Int(c.Int())
		case bytecode.ConstFloat:
			inst.consts[idx] = value.Float(c.Float())
		case bytecode.ConstBool:
			inst.consts[idx] = value.Bool(c.Bool())
		case bytecode.ConstString:
			handle, err := inst.alloc(heap.KindString, 0, nil, m.Strings[c.Index])
			if err != nil {
				return fmt.Errorf("failed to materialize constant k%d: %w", idx, err)
			}
			inst.consts[idx] = value.Ref(handle)
		case bytecode.ConstFunc:
			handle, err := inst.alloc(heap.KindClosure, c.Index, nil, "")
			if err != nil {
				return fmt.Errorf("failed to materialize constant k%d: %w", idx, err)
			}
			inst.consts[idx] = value.Ref(handle)
		case bytecode.ConstTuple:
			// tuples are mutable arrays built fresh by every LOADK
		}
	}
	return nil
}

// loadConst returns constant idx. Tuple constants allocate a new array on
// every load; their elements were materialized before them.
func (inst *Instance) loadConst(idx uint32) (value.Value, error) {
	c := inst.module.Constants[idx]
	if c.Kind != bytecode.ConstTuple {
		return inst.consts[idx], nil
	}

	mark := len(inst.scratch)
	defer func() {
		inst.scratch = inst.scratch[:mark]
	}()

	fields := make([]value.Value, len(c.Elems))
	for i, elem := range c.Elems {
		v, err := inst.loadConst(elem)
		if err != nil {
			return value.Value{}, err
		}
		fields[i] = v
		inst.scratch = append(inst.scratch, v)
	}
	handle, err := inst.alloc(heap.KindArray, 0, fields, "")
	if err != nil {
		return value.Value{}, err
	}
	return value.Ref(handle), nil
}

func (inst *Instance) ID() uuid.UUID {
	return inst.id
}

func (inst *Instance) Module() *bytecode.Module {
	return inst.module
}

func (inst *Instance) Heap() *heap.Heap {
	return inst.heap
}

func (inst *Instance) Halted() bool {
	return inst.halted
}

// Gas reports the instructions executed by the last top-level call.
func (inst *Instance) Gas() int {
	return inst.gas
}

// Depth reports the current number of call frames.
func (inst *Instance) Depth() int {
	return len(inst.frames)
}

// VisitRoots implements heap.RootSet.
func (inst *Instance) VisitRoots(visit func(value.Value)) {
	for _, v := range inst.consts {
		visit(v)
	}
	for _, v := range inst.stack {
		visit(v)
	}
	for _, v := range inst.scratch {
		visit(v)
	}
	for _, v := range inst.escaped {
		visit(v)
	}
	visit(inst.result)
}

// Close detaches the instance from its heap. It must not be running.
func (inst *Instance) Close() {
	inst.mutator.Detach()
}

// Call runs function fn to completion. An exception no frame handles, an
// unrecoverable allocation failure, gas exhaustion or cancellation of ctx
// halts the instance with a *FatalError; later calls fail with ErrHalted.
func (inst *Instance) Call(ctx context.Context, fn uint32, args ...value.Value) (value.Value, error) {
	if inst.halted {
		return value.Value{}, ErrHalted
	}
	if int(fn) >= len(inst.module.Functions) {
		return value.Value{}, fmt.Errorf("%w: %d", ErrNoFunction, fn)
	}
	code := inst.module.Functions[fn]
	if len(args) != int(code.Params) {
		return value.Value{}, fmt.Errorf("%w: %s takes %d, got %d", ErrArity, inst.module.FunctionName(fn), code.Params, len(args))
	}

	inst.mutator.Enter()
	defer inst.mutator.Leave()

	top := len(inst.frames) == 0
	if top {
		inst.gas = 0
		inst.escaped = inst.escaped[:0]
	}

	result, err := inst.invoke(ctx, fn, args, nil)
	if err == nil {
		if top {
			inst.result = result
		}
		return result, nil
	}

	var fe *FatalError
	if !errors.As(err, &fe) {
		var exc *Exception
		if !errors.As(err, &exc) {
			var fault *trap.Fault
			if !errors.As(err, &fault) {
				return value.Value{}, err
			}
			exc = &Exception{Kind: uint32(fault.Code), Message: fault.Message, Details: fault.Details}
		}
		if !top {
			return value.Value{}, exc
		}
		fe = &FatalError{Location: exc.origin, Instance: inst.id.String(), Cause: exc}
		inst.halted = true
	}

	if top {
		inst.reportFatal(fe)
	}
	return value.Value{}, fe
}

// CallByName is Call with the function looked up by name.
func (inst *Instance) CallByName(ctx context.Context, name string, args ...value.Value) (value.Value, error) {
	fn, ok := inst.module.LookupFunction(name)
	if !ok {
		return value.Value{}, fmt.Errorf("%w: %q", ErrNoFunction, name)
	}
	return inst.Call(ctx, fn, args...)
}

func (inst *Instance) reportFatal(fe *FatalError) {
	inst.logger.Error("fatal halt",
		slog.String("location", fe.Location.String()),
		slog.Any("error", fe.Cause),
	)
	if inst.hooks.OnFatal != nil {
		inst.hooks.OnFatal(fe)
	}
}

// invoke pushes a frame for fn and runs until that frame returns.
func (inst *Instance) invoke(ctx context.Context, fn uint32, args, captures []value.Value) (value.Value, error) {
	floor := len(inst.frames)
	if err := inst.pushFrame(fn, args, captures, -1); err != nil {
		return value.Value{}, err
	}
	return inst.run(ctx, floor)
}

// callValue invokes a closure from native code.
func (inst *Instance) callValue(ctx context.Context, callee value.Value, args []value.Value) (value.Value, error) {
	if inst.halted {
		return value.Value{}, fatal(ErrHalted)
	}
	fn, captures, err := inst.closure(callee)
	if err != nil {
		return value.Value{}, err
	}
	if params := inst.module.Functions[fn].Params; len(args) != int(params) {
		return value.Value{}, trap.New(trap.TypeMismatch, "%s takes %d arguments, got %d", inst.module.FunctionName(fn), params, len(args))
	}

	result, err := inst.invoke(ctx, fn, args, captures)
	if err != nil {
		var exc *Exception
		if errors.As(err, &exc) {
			inst.escaped = append(inst.escaped, value.Ref(exc.handle))
		}
		return value.Value{}, err
	}
	return result, nil
}

// alloc allocates through the heap. When the heap is full it runs one
// emergency major collection and retries; a second failure is fatal.
func (inst *Instance) alloc(kind heap.ObjectKind, tag uint32, fields []value.Value, str string) (value.Handle, error) {
	handle, err := inst.heap.Alloc(kind, tag, fields, str)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, heap.ErrOutOfMemory) {
		return value.Nil, err
	}

	inst.logger.Warn("allocation failed, collecting", slog.Any("error", err))

	mark := len(inst.scratch)
	inst.scratch = append(inst.scratch, fields...)
	inst.mutator.Collect(heap.Major)
	inst.scratch = inst.scratch[:mark]

	handle, err = inst.heap.Alloc(kind, tag, fields, str)
	if err != nil {
		return value.Nil, fatal(err)
	}
	return handle, nil
}

// object resolves v to a heap object of the given kind.
func (inst *Instance) object(v value.Value, kind heap.ObjectKind) (*heap.Object, error) {
	if v.Kind() != value.KindRef {
		return nil, trap.New(trap.TypeMismatch, "expected %s reference, got %s", kind, v.Kind())
	}
	obj, err := inst.heap.Get(v.Handle())
	if err != nil {
		return nil, err
	}
	if obj.Kind != kind {
		return nil, trap.New(trap.TypeMismatch, "expected %s, got %s", kind, obj.Kind)
	}
	return obj, nil
}

// closure resolves a callable value to its function and captures.
func (inst *Instance) closure(v value.Value) (uint32, []value.Value, error) {
	obj, err := inst.object(v, heap.KindClosure)
	if err != nil {
		return 0, nil, err
	}
	if int(obj.Tag) >= len(inst.module.Functions) {
		return 0, nil, trap.New(trap.InvalidReference, "closure of unknown function %d", obj.Tag)
	}
	return obj.Tag, obj.Fields, nil
}
