package vm

import (
	"errors"
	"log/slog"

	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

// newException implements RAISE.
func (inst *Instance) newException(f *frame, kind, payload value.Value) error {
	if !kind.IsInt() {
		return trap.New(trap.TypeMismatch, "exception kind must be int, got %s", kind.Kind())
	}
	if kind.Int() <= 0 || kind.Int() > 1<<32-1 {
		return trap.New(trap.TypeMismatch, "invalid exception kind %d", kind.Int())
	}

	handle, err := inst.alloc(heap.KindException, uint32(kind.Int()), []value.Value{payload}, "")
	if err != nil {
		return err
	}
	return &Exception{
		Kind:    uint32(kind.Int()),
		Payload: payload,
		handle:  handle,
		origin:  inst.location(f),
	}
}

// exception rebuilds an Exception from an exception object.
func (inst *Instance) exception(v value.Value) (*Exception, error) {
	obj, err := inst.object(v, heap.KindException)
	if err != nil {
		return nil, err
	}
	payload, err := inst.heap.Load(v.Handle(), 0)
	if err != nil {
		return nil, err
	}
	return &Exception{
		Kind:    obj.Tag,
		Message: obj.Str,
		Payload: payload,
		handle:  v.Handle(),
	}, nil
}

// raise turns a non-fatal error from f into an exception object. Traps
// carry their details as an int array payload; other errors from native
// code become native-fault traps.
func (inst *Instance) raise(f *frame, err error) (*Exception, error) {
	var exc *Exception
	if errors.As(err, &exc) {
		if exc.origin.Function == "" {
			exc.origin = inst.location(f)
		}
		return exc, nil
	}

	var fault *trap.Fault
	if !errors.As(err, &fault) {
		fault = trap.New(trap.NativeFault, "%v", err)
	}

	payload := value.Unit()
	if len(fault.Details) > 0 {
		fields := make([]value.Value, len(fault.Details))
		for i, d := range fault.Details {
			fields[i] = value.Int(d)
		}
		handle, err := inst.alloc(heap.KindArray, 0, fields, "")
		if err != nil {
			return nil, err
		}
		payload = value.Ref(handle)
	}

	mark := len(inst.scratch)
	inst.scratch = append(inst.scratch, payload)
	handle, err := inst.alloc(heap.KindException, uint32(fault.Code), []value.Value{payload}, fault.Message)
	inst.scratch = inst.scratch[:mark]
	if err != nil {
		return nil, err
	}

	exc = &Exception{
		Kind:    uint32(fault.Code),
		Message: fault.Message,
		Payload: payload,
		Details: fault.Details,
		handle:  handle,
		origin:  inst.location(f),
	}

	inst.logger.Debug("trap",
		slog.String("code", fault.Code.String()),
		slog.String("message", fault.Message),
		slog.Any("location", exc.origin),
	)
	return exc, nil
}

// unwind searches the handler tables from the top frame down to floor. It
// pops, and releases the pins of, every frame without a matching handler,
// and reports whether a landing pad took the exception.
func (inst *Instance) unwind(exc *Exception, floor int) bool {
	for len(inst.frames) > floor {
		f := inst.top()
		for _, h := range f.code.Handlers {
			if !h.Covers(f.block) || !h.Matches(exc.Kind) {
				continue
			}
			inst.registers(f)[h.Register] = value.Ref(exc.handle)
			f.block = int(h.Landing)
			f.pc = 0
			return true
		}
		inst.popFrame()
	}
	return false
}

func (e *Exception) Origin() Location {
	return e.origin
}
