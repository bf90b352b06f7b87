// Package heap is the VM memory manager: a handle-indexed object table with
// a generational, tri-color tracing collector.
//
// Objects never move; a Handle stays valid until the object is collected.
// New objects start young unless they are large. Young survivors are
// promoted after Config.PromoteAge cycles. Old objects that reference young
// ones are tracked in a remembered set maintained by Store, which lets a
// minor cycle trace only the young generation.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

var ErrOutOfMemory = errors.New("out of memory")

type Heap struct {
	logger *slog.Logger
	config Config
	world  *world

	// attention is raised whenever a safepoint has work to do.
	attention atomic.Bool

	mu         sync.Mutex
	objects    []*Object
	free       []value.Handle
	young      []value.Handle
	old        []value.Handle
	remembered []value.Handle
	pinned     map[value.Handle]struct{}
	globals    []value.Value

	youngBytes int
	oldBytes   int
	largeBytes int
	nextMajor  int

	request  CycleKind
	marking  bool
	markKind CycleKind
	grey     []value.Handle
	cycle    cycleState

	stats Stats
}

type Stats struct {
	MinorCycles uint64
	MajorCycles uint64

	Objects    int
	YoungBytes int
	OldBytes   int
	LargeBytes int
	Pinned     int
	Remembered int
	Globals    int

	AllocatedObjects uint64
	AllocatedBytes   uint64
	FreedObjects     uint64
	FreedBytes       uint64
	Promoted         uint64
}

func New(logger *slog.Logger, config Config) (*Heap, error) {
	err := config.Validate(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to validate heap config: %w", err)
	}

	h := &Heap{
		logger:    logger,
		config:    config,
		objects:   []*Object{nil},
		pinned:    make(map[value.Handle]struct{}),
		globals:   make([]value.Value, config.Globals),
		nextMajor: config.OldThreshold,
	}
	h.world = newWorld(&h.attention)
	return h, nil
}

func (h *Heap) Config() Config {
	return h.config
}

func (h *Heap) lookup(handle value.Handle) *Object {
	if handle == value.Nil || int(handle) >= len(h.objects) {
		return nil
	}
	return h.objects[handle]
}

func (h *Heap) resolve(handle value.Handle) (*Object, error) {
	if handle == value.Nil {
		return nil, trap.New(trap.NullReference, "null reference")
	}
	obj := h.lookup(handle)
	if obj == nil {
		return nil, trap.New(trap.InvalidReference, "invalid handle %v", handle)
	}
	return obj, nil
}

// Alloc creates an object owning fields. It never triggers a collection
// itself; exceeding a generation budget raises a request that the next
// safepoint serves. Exceeding Config.MaxHeap fails with ErrOutOfMemory.
func (h *Heap) Alloc(kind ObjectKind, tag uint32, fields []value.Value, str string) (value.Handle, error) {
	size := objectSize(len(fields), str)

	h.mu.Lock()
	defer h.mu.Unlock()

	inUse := h.youngBytes + h.oldBytes + h.largeBytes
	if inUse+size > h.config.MaxHeap {
		return value.Nil, fmt.Errorf("%w: %d byte %s with %d of %d bytes in use", ErrOutOfMemory, size, kind, inUse, h.config.MaxHeap)
	}

	obj := &Object{
		Kind:   kind,
		Tag:    tag,
		Fields: fields,
		Str:    str,
		size:   size,
	}

	if size >= h.config.LargeObjectThreshold {
		obj.gen = Old
		obj.large = true
		h.largeBytes += size
	} else {
		h.youngBytes += size
	}

	if h.marking {
		obj.color = black
		for _, f := range fields {
			h.shadeValue(f)
		}
	}

	var handle value.Handle
	if n := len(h.free); n > 0 {
		handle, h.free = h.free[n-1], h.free[:n-1]
		h.objects[handle] = obj
	} else {
		handle = value.Handle(len(h.objects))
		h.objects = append(h.objects, obj)
	}

	if obj.gen == Old {
		h.old = append(h.old, handle)
		if obj.hasYoungRef(h) {
			h.remember(handle, obj)
		}
	} else {
		h.young = append(h.young, handle)
	}

	h.stats.AllocatedObjects++
	h.stats.AllocatedBytes += uint64(size)
	h.checkBudgets()

	return handle, nil
}

func (h *Heap) NewString(s string) (value.Handle, error) {
	return h.Alloc(KindString, 0, nil, s)
}

func (h *Heap) NewArray(n int, fill value.Value) (value.Handle, error) {
	fields := make([]value.Value, n)
	for i := range fields {
		fields[i] = fill
	}
	return h.Alloc(KindArray, 0, fields, "")
}

func (h *Heap) checkBudgets() {
	if h.oldBytes+h.largeBytes > h.nextMajor {
		h.request = Major
	} else if h.youngBytes > h.config.NurserySize && h.request < Minor {
		h.request = Minor
	}
	if h.request != noCycle {
		h.attention.Store(true)
	}
}

// Get returns the object behind handle. Only the immutable parts of the
// object may be read without going through Load.
func (h *Heap) Get(handle value.Handle) (*Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolve(handle)
}

func (h *Heap) Len(handle value.Handle) (int, error) {
	obj, err := h.Get(handle)
	if err != nil {
		return 0, err
	}
	if obj.Kind == KindString {
		return len(obj.Str), nil
	}
	return len(obj.Fields), nil
}

func boundsFault(index int64, length int) error {
	return trap.WithDetails(trap.OutOfBounds, []int64{index, int64(length)}, "index %d out of range [0:%d]", index, length)
}

func (h *Heap) Load(handle value.Handle, index int64) (value.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, err := h.resolve(handle)
	if err != nil {
		return value.Value{}, err
	}
	if index < 0 || index >= int64(len(obj.Fields)) {
		return value.Value{}, boundsFault(index, len(obj.Fields))
	}
	return obj.Fields[index], nil
}

// Store writes a field and runs the write barrier.
func (h *Heap) Store(handle value.Handle, index int64, v value.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, err := h.resolve(handle)
	if err != nil {
		return err
	}
	if index < 0 || index >= int64(len(obj.Fields)) {
		return boundsFault(index, len(obj.Fields))
	}

	obj.Fields[index] = v
	h.barrier(handle, obj, v)
	return nil
}

// barrier keeps two invariants: an old object holding a young reference is
// in the remembered set, and while marking no black object points at a
// white one.
func (h *Heap) barrier(handle value.Handle, obj *Object, v value.Value) {
	ref, ok := v.Referent()
	if !ok {
		return
	}

	if h.marking {
		h.shade(ref)
	}

	if obj.gen == Old && !obj.remembered {
		if target := h.lookup(ref); target != nil && target.gen == Young {
			h.remember(handle, obj)
		}
	}
}

func (h *Heap) remember(handle value.Handle, obj *Object) {
	obj.remembered = true
	h.remembered = append(h.remembered, handle)
}

func (h *Heap) Global(i int) (value.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.globals) {
		return value.Value{}, boundsFault(int64(i), len(h.globals))
	}
	return h.globals[i], nil
}

func (h *Heap) SetGlobal(i int, v value.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.globals) {
		return boundsFault(int64(i), len(h.globals))
	}
	h.globals[i] = v
	if h.marking {
		h.shadeValue(v)
	}
	return nil
}

// EnsureGlobals grows the global table to at least n slots.
func (h *Heap) EnsureGlobals(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > len(h.globals) {
		h.globals = append(h.globals, make([]value.Value, n-len(h.globals))...)
	}
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := h.stats
	stats.Objects = len(h.young) + len(h.old)
	stats.YoungBytes = h.youngBytes
	stats.OldBytes = h.oldBytes
	stats.LargeBytes = h.largeBytes
	stats.Pinned = len(h.pinned)
	stats.Remembered = len(h.remembered)
	stats.Globals = len(h.globals)
	return stats
}

// Live reports whether handle names an allocated object.
func (h *Heap) Live(handle value.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookup(handle) != nil
}

func (h *Heap) GenerationOf(handle value.Handle) (Generation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj := h.lookup(handle)
	if obj == nil {
		return Young, false
	}
	return obj.gen, true
}

func (h *Heap) IsRemembered(handle value.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj := h.lookup(handle)
	return obj != nil && obj.remembered
}

// CheckRemembered verifies that every old object holding a young reference
// is in the remembered set.
func (h *Heap) CheckRemembered() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, handle := range h.old {
		obj := h.objects[handle]
		if obj != nil && !obj.remembered && obj.hasYoungRef(h) {
			return fmt.Errorf("old object %v references a young object but is not remembered", handle)
		}
	}
	return nil
}

// Marking reports whether an incremental major cycle is in progress.
func (h *Heap) Marking() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.marking
}
