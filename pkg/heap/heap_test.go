package heap_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type registers struct {
	mu   sync.Mutex
	regs []value.Value
}

func (r *registers) VisitRoots(visit func(value.Value)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.regs {
		visit(v)
	}
}

func (r *registers) set(i int, v value.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.regs) <= i {
		r.regs = append(r.regs, value.Unit())
	}
	r.regs[i] = v
}

func newHeap(t *testing.T, config heap.Config) *heap.Heap {
	t.Helper()
	h, err := heap.New(slogt.New(t), config)
	require.NoError(t, err)
	return h
}

func array(t *testing.T, h *heap.Heap, fields ...value.Value) value.Handle {
	t.Helper()
	handle, err := h.Alloc(heap.KindArray, 0, fields, "")
	require.NoError(t, err)
	return handle
}

func TestCollectKeepsReachable(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.DefaultConfig())

	leaf := array(t, h, value.Int(7))
	mid := array(t, h, value.Ref(leaf))
	root := array(t, h, value.Ref(mid), value.Int(1))

	garbage := array(t, h, value.Int(0))
	cycleA := array(t, h, value.Unit())
	cycleB := array(t, h, value.Ref(cycleA))
	r.NoError(h.Store(cycleA, 0, value.Ref(cycleB)))

	roots := &registers{regs: []value.Value{value.Ref(root)}}
	h.Attach(roots)

	for _, kind := range []heap.CycleKind{heap.Minor, heap.Major} {
		h.Collect(kind)

		r.True(h.Live(root))
		r.True(h.Live(mid))
		r.True(h.Live(leaf))

		v, err := h.Load(leaf, 0)
		r.NoError(err)
		r.Equal(value.Int(7), v)
	}

	r.False(h.Live(garbage))
	r.False(h.Live(cycleA), "cycles are collected")
	r.False(h.Live(cycleB))
}

func TestGlobalsAreRoots(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{Globals: 2})

	kept := array(t, h)
	r.NoError(h.SetGlobal(1, value.Ref(kept)))

	h.Collect(heap.Major)
	r.True(h.Live(kept))

	r.NoError(h.SetGlobal(1, value.Unit()))
	h.Collect(heap.Major)
	r.False(h.Live(kept))

	_, err := h.Global(2)
	var fault *trap.Fault
	r.ErrorAs(err, &fault)
	r.Equal(trap.OutOfBounds, fault.Code)
}

func TestOldGarbageNeedsMajor(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{PromoteAge: 1})

	roots := &registers{}
	h.Attach(roots)

	obj := array(t, h)
	roots.set(0, value.Ref(obj))

	h.Collect(heap.Minor)
	gen, ok := h.GenerationOf(obj)
	r.True(ok)
	r.Equal(heap.Old, gen)

	roots.set(0, value.Unit())
	h.Collect(heap.Minor)
	r.True(h.Live(obj), "minor cycles do not scan the old generation")

	h.Collect(heap.Major)
	r.False(h.Live(obj))
	r.EqualValues(1, h.Stats().MajorCycles)
	r.EqualValues(2, h.Stats().MinorCycles)
}

func TestWriteBarrier(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{PromoteAge: 1})

	roots := &registers{}
	h.Attach(roots)

	parent := array(t, h, value.Unit())
	roots.set(0, value.Ref(parent))
	h.Collect(heap.Minor)

	gen, _ := h.GenerationOf(parent)
	r.Equal(heap.Old, gen)
	r.False(h.IsRemembered(parent))

	child := array(t, h, value.Int(3))
	r.NoError(h.Store(parent, 0, value.Ref(child)))
	r.True(h.IsRemembered(parent))
	r.NoError(h.CheckRemembered())

	h.Collect(heap.Minor)
	r.True(h.Live(child), "child is only reachable through the remembered set")

	gen, _ = h.GenerationOf(child)
	r.Equal(heap.Old, gen)
	r.False(h.IsRemembered(parent), "no young referents left")
	r.NoError(h.CheckRemembered())
}

func TestWriteBarrierRandomized(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{PromoteAge: 2, LargeObjectThreshold: 200})

	rng := rand.New(rand.NewSource(42))
	roots := &registers{}
	h.Attach(roots)

	var live []value.Handle
	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(10); {
		case op < 4 || len(live) < 2:
			size := 1 + rng.Intn(12)
			handle := array(t, h, make([]value.Value, size)...)
			live = append(live, handle)
			roots.set(rng.Intn(8), value.Ref(handle))
		case op < 8:
			src := live[rng.Intn(len(live))]
			dst := live[rng.Intn(len(live))]
			n, err := h.Len(dst)
			if err != nil || n == 0 || !h.Live(src) {
				continue
			}
			r.NoError(h.Store(dst, int64(rng.Intn(n)), value.Ref(src)))
		case op == 8:
			h.Collect(heap.Minor)
		default:
			h.Collect(heap.Major)
		}

		r.NoError(h.CheckRemembered(), "step %d", step)

		kept := live[:0]
		for _, handle := range live {
			if h.Live(handle) {
				kept = append(kept, handle)
			}
		}
		live = kept
	}

	// everything reachable from the roots survived every cycle
	var walk func(value.Value)
	seen := make(map[value.Handle]bool)
	walk = func(v value.Value) {
		ref, ok := v.Referent()
		if !ok || seen[ref] {
			return
		}
		seen[ref] = true
		obj, err := h.Get(ref)
		r.NoError(err)
		for _, f := range obj.Fields {
			walk(f)
		}
	}
	roots.VisitRoots(walk)
}

func TestPinnedObjectsSurvive(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{PromoteAge: 1})

	obj := array(t, h, value.Int(1), value.Int(2))
	scope := h.NewPinScope()
	r.NoError(scope.Pin(obj))
	r.True(h.Pinned(obj))

	h.Collect(heap.Minor)
	h.Collect(heap.Major)
	r.True(h.Live(obj))

	gen, _ := h.GenerationOf(obj)
	r.Equal(heap.Young, gen, "pinned objects are not promoted")

	v, err := h.LoadRaw(value.Pointer{Handle: obj, Offset: 1})
	r.NoError(err)
	r.Equal(value.Int(2), v)

	r.Equal(1, scope.Release())
	r.False(h.Pinned(obj))

	_, err = h.LoadRaw(value.Pointer{Handle: obj, Offset: 1})
	var fault *trap.Fault
	r.ErrorAs(err, &fault)
	r.Equal(trap.InvalidReference, fault.Code)

	h.Collect(heap.Minor)
	r.False(h.Live(obj))
}

func TestPinScopeUnpin(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.DefaultConfig())

	obj := array(t, h, value.Unit())
	scope := h.NewPinScope()
	r.NoError(scope.Pin(obj))
	r.NoError(scope.Pin(obj))
	r.NoError(scope.Unpin(obj))
	r.True(h.Pinned(obj), "pins nest")
	r.NoError(scope.Unpin(obj))
	r.False(h.Pinned(obj))
	r.Error(scope.Unpin(obj))

	r.Error(scope.Pin(value.Nil))
	r.Equal(0, scope.Len())
}

func TestLargeObjects(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{LargeObjectThreshold: 1024})

	big, err := h.NewArray(100, value.Int(0))
	r.NoError(err)

	gen, _ := h.GenerationOf(big)
	r.Equal(heap.Old, gen)
	r.Equal(32+100*16, h.Stats().LargeBytes)

	h.Collect(heap.Minor)
	r.True(h.Live(big))

	h.Collect(heap.Major)
	r.False(h.Live(big))
	r.Zero(h.Stats().LargeBytes)
}

func TestNullAndBounds(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.DefaultConfig())

	_, err := h.Load(value.Nil, 0)
	var fault *trap.Fault
	r.ErrorAs(err, &fault)
	r.Equal(trap.NullReference, fault.Code)

	_, err = h.Load(value.Handle(999), 0)
	r.ErrorAs(err, &fault)
	r.Equal(trap.InvalidReference, fault.Code)

	arr, err := h.NewArray(3, value.Unit())
	r.NoError(err)
	_, err = h.Load(arr, 5)
	r.ErrorAs(err, &fault)
	r.Equal(trap.OutOfBounds, fault.Code)
	r.Equal([]int64{5, 3}, fault.Details)
}

func TestOutOfMemory(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{MaxHeap: 4096, NurserySize: 2048})

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		_, err = h.NewArray(8, value.Unit())
	}
	r.True(errors.Is(err, heap.ErrOutOfMemory))

	h.Collect(heap.Major)
	_, err = h.NewArray(8, value.Unit())
	r.NoError(err, "garbage was reclaimed")
}

func TestBudgetsRequestCycles(t *testing.T) {
	r := require.New(t)

	var cycles []heap.CycleStats
	h := newHeap(t, heap.Config{
		NurserySize: 1024,
		OnCycle:     func(s heap.CycleStats) { cycles = append(cycles, s) },
	})

	roots := &registers{}
	m := h.Attach(roots)
	m.Enter()
	defer m.Leave()

	for i := 0; i < 200; i++ {
		handle := array(t, h, value.Int(int64(i)))
		roots.set(0, value.Ref(handle))
		m.Safepoint()

		v, err := h.Load(handle, 0)
		r.NoError(err)
		r.Equal(value.Int(int64(i)), v)
	}

	r.NotEmpty(cycles)
	r.Equal(heap.Minor, cycles[0].Kind)
	r.Positive(cycles[0].Freed)
	r.Less(h.Stats().Objects, 200)
}

func TestIncrementalMarkingBarrier(t *testing.T) {
	r := require.New(t)
	h := newHeap(t, heap.Config{
		OldThreshold:         256,
		LargeObjectThreshold: 128,
		IncrementalBudget:    1,
	})

	a := array(t, h, value.Unit())
	w := array(t, h, value.Int(99))
	b := array(t, h, value.Ref(w))

	roots := &registers{regs: []value.Value{value.Ref(b), value.Ref(a)}}
	m := h.Attach(roots)
	m.Enter()
	defer m.Leave()

	var garbage []value.Handle
	for i := 0; i < 3; i++ {
		big, err := h.NewArray(10, value.Unit())
		r.NoError(err)
		garbage = append(garbage, big)
	}

	m.Safepoint()
	r.True(h.Marking())

	m.Safepoint()

	// move w from a possibly unscanned object into a possibly scanned one
	wv, err := h.Load(b, 0)
	r.NoError(err)
	r.NoError(h.Store(b, 0, value.Unit()))
	r.NoError(h.Store(a, 0, wv))

	fresh := array(t, h, value.Int(5))
	r.NoError(h.Store(a, 0, value.Ref(fresh)))
	r.NoError(h.Store(b, 0, wv))

	for i := 0; i < 100 && h.Marking(); i++ {
		m.Safepoint()
	}
	r.False(h.Marking())
	r.EqualValues(1, h.Stats().MajorCycles)

	r.True(h.Live(w))
	r.True(h.Live(fresh))
	for _, g := range garbage {
		r.False(h.Live(g))
	}
}

func TestSharedHeapStopTheWorld(t *testing.T) {
	h := newHeap(t, heap.Config{NurserySize: 4096, PromoteAge: 3})

	var eg errgroup.Group
	for worker := 0; worker < 4; worker++ {
		eg.Go(func() error {
			roots := &registers{}
			m := h.Attach(roots)
			defer m.Detach()

			m.Enter()
			defer m.Leave()

			var prev value.Handle
			for i := 0; i < 500; i++ {
				handle, err := h.Alloc(heap.KindArray, 0, []value.Value{value.Int(int64(i)), value.Ref(prev)}, "")
				if err != nil {
					return err
				}
				roots.set(0, value.Ref(handle))
				m.Safepoint()

				v, err := h.Load(handle, 0)
				if err != nil {
					return err
				}
				if v.Int() != int64(i) {
					return errors.New("object contents changed under the mutator")
				}
				if prev != value.Nil && !h.Live(prev) {
					return errors.New("reachable object was collected")
				}
				if i%50 == 0 {
					prev = handle
				}
			}
			return nil
		})
	}

	require.NoError(t, eg.Wait())
	require.Positive(t, h.Stats().MinorCycles)
}
