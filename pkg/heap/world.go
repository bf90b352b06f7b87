package heap

import (
	"sync"
	"sync/atomic"

	"github.com/rhino1998/vireo/pkg/value"
)

// RootSet is implemented by anything holding references the collector must
// treat as live: the register stacks of VM instances.
type RootSet interface {
	VisitRoots(visit func(value.Value))
}

// world coordinates stop-the-world pauses across every mutator attached to
// a heap. A mutator counts as running between Enter and Leave except while
// it is parked at a safepoint.
type world struct {
	mu       sync.Mutex
	cond     *sync.Cond
	running  int
	stopping bool
	mutators map[*Mutator]struct{}

	// attention is the heap's safepoint flag; raising it makes running
	// mutators park.
	attention *atomic.Bool
}

func newWorld(attention *atomic.Bool) *world {
	w := &world{mutators: make(map[*Mutator]struct{}), attention: attention}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// parkLocked waits out a pause. w.mu must be held by a running mutator.
func (w *world) parkLocked() {
	w.running--
	w.cond.Broadcast()
	for w.stopping {
		w.cond.Wait()
	}
	w.running++
}

// stop pauses every other mutator. self is 1 when the caller is a running
// mutator and 0 for the host. It returns false when another pause was
// already in progress; a running caller has then been parked through it and
// must re-evaluate whether it still needs to collect.
func (w *world) stop(self int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopping {
		if self == 0 {
			for w.stopping {
				w.cond.Wait()
			}
		} else {
			w.parkLocked()
		}
		return false
	}

	w.stopping = true
	w.attention.Store(true)
	for w.running > self {
		w.cond.Wait()
	}
	return true
}

func (w *world) start() {
	w.mu.Lock()
	w.stopping = false
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *world) roots() []RootSet {
	w.mu.Lock()
	defer w.mu.Unlock()

	roots := make([]RootSet, 0, len(w.mutators))
	for m := range w.mutators {
		roots = append(roots, m.roots)
	}
	return roots
}

// Mutator is one execution context (a VM instance) allocating from a heap.
type Mutator struct {
	h     *Heap
	roots RootSet
	depth int
}

// Attach registers roots with the heap. The returned mutator is not yet
// running; call Enter before touching the heap from VM code.
func (h *Heap) Attach(roots RootSet) *Mutator {
	m := &Mutator{h: h, roots: roots}
	h.world.mu.Lock()
	h.world.mutators[m] = struct{}{}
	h.world.mu.Unlock()
	return m
}

// Detach removes the mutator's roots. It must not be running.
func (m *Mutator) Detach() {
	w := m.h.world
	w.mu.Lock()
	delete(w.mutators, m)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Enter marks the mutator as running, waiting out any pause in progress.
// Nested calls (re-entry from native code) are counted.
func (m *Mutator) Enter() {
	m.depth++
	if m.depth > 1 {
		return
	}

	w := m.h.world
	w.mu.Lock()
	for w.stopping {
		w.cond.Wait()
	}
	w.running++
	w.mu.Unlock()
}

func (m *Mutator) Leave() {
	m.depth--
	if m.depth > 0 {
		return
	}

	w := m.h.world
	w.mu.Lock()
	w.running--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Safepoint is polled by the interpreter at loop back-edges and call
// boundaries. Every live reference of the calling mutator must be visible
// through its RootSet when it is called.
func (m *Mutator) Safepoint() {
	h := m.h
	if !h.attention.Load() {
		return
	}

	w := h.world
	w.mu.Lock()
	if w.stopping && m.depth > 0 {
		w.parkLocked()
	}
	w.mu.Unlock()

	h.service(m.self())
}

// Collect runs a full cycle of the given kind from a safepoint of a running
// mutator.
func (m *Mutator) Collect(kind CycleKind) {
	m.h.collect(m.self(), kind)
}

func (m *Mutator) self() int {
	if m.depth > 0 {
		return 1
	}
	return 0
}

// Collect runs a cycle on behalf of the host. No mutator of this heap may be
// running on the calling goroutine.
func (h *Heap) Collect(kind CycleKind) {
	h.collect(0, kind)
}
