package heap

import (
	"log/slog"
	"time"

	"github.com/rhino1998/vireo/pkg/value"
)

type CycleKind uint8

const (
	noCycle CycleKind = iota
	Minor
	Major
)

func (k CycleKind) String() string {
	switch k {
	case Minor:
		return "minor"
	case Major:
		return "major"
	default:
		return "none"
	}
}

// CycleStats describes one completed collection.
type CycleStats struct {
	Kind        CycleKind
	Incremental bool
	Marked      int
	Freed       int
	FreedBytes  int
	Promoted    int
	Live        int
	LiveBytes   int
	Remembered  int
	Duration    time.Duration
}

type cycleState struct {
	start       time.Time
	marked      int
	incremental bool
}

func (h *Heap) shadeValue(v value.Value) {
	if ref, ok := v.Referent(); ok {
		h.shade(ref)
	}
}

func (h *Heap) shade(ref value.Handle) {
	obj := h.lookup(ref)
	if obj == nil || obj.color != white {
		return
	}
	if h.markKind == Minor && obj.gen == Old {
		return
	}
	obj.color = grey
	h.grey = append(h.grey, ref)
}

func (h *Heap) beginMark(kind CycleKind) {
	h.markKind = kind
	h.grey = h.grey[:0]
	h.cycle = cycleState{start: time.Now()}

	for _, handle := range h.young {
		h.objects[handle].color = white
	}
	if kind == Major {
		for _, handle := range h.old {
			h.objects[handle].color = white
		}
	}
}

func (h *Heap) shadeRoots(roots []RootSet) {
	for _, r := range roots {
		r.VisitRoots(h.shadeValue)
	}
	for _, v := range h.globals {
		h.shadeValue(v)
	}
	for handle := range h.pinned {
		h.shade(handle)
	}
	if h.markKind == Minor {
		for _, handle := range h.remembered {
			if obj := h.lookup(handle); obj != nil {
				for _, f := range obj.Fields {
					h.shadeValue(f)
				}
			}
		}
	}
}

// drain blackens up to budget grey objects, or all of them when budget is
// not positive. It reports whether the grey set is empty.
func (h *Heap) drain(budget int) bool {
	for n := 0; len(h.grey) > 0 && (budget <= 0 || n < budget); n++ {
		last := len(h.grey) - 1
		handle := h.grey[last]
		h.grey = h.grey[:last]

		obj := h.lookup(handle)
		if obj == nil {
			continue
		}
		obj.color = black
		h.cycle.marked++
		for _, f := range obj.Fields {
			h.shadeValue(f)
		}
	}
	return len(h.grey) == 0
}

func (h *Heap) release(handle value.Handle, obj *Object, stats *CycleStats) {
	switch {
	case obj.large:
		h.largeBytes -= obj.size
	case obj.gen == Old:
		h.oldBytes -= obj.size
	default:
		h.youngBytes -= obj.size
	}
	h.objects[handle] = nil
	h.free = append(h.free, handle)
	stats.Freed++
	stats.FreedBytes += obj.size
}

func (h *Heap) sweep() CycleStats {
	kind := h.markKind
	stats := CycleStats{Kind: kind, Marked: h.cycle.marked, Incremental: h.cycle.incremental}

	var promoted []value.Handle
	young := h.young[:0]
	for _, handle := range h.young {
		obj := h.objects[handle]
		if obj.color == white && obj.pins == 0 {
			h.release(handle, obj, &stats)
			continue
		}

		if obj.age < 255 {
			obj.age++
		}
		if int(obj.age) >= h.config.PromoteAge && obj.pins == 0 {
			obj.gen = Old
			h.youngBytes -= obj.size
			h.oldBytes += obj.size
			promoted = append(promoted, handle)
			continue
		}
		young = append(young, handle)
	}
	h.young = young

	if kind == Major {
		old := h.old[:0]
		for _, handle := range h.old {
			obj := h.objects[handle]
			if obj.color == white && obj.pins == 0 {
				h.release(handle, obj, &stats)
				continue
			}
			old = append(old, handle)
		}
		h.old = old
	}
	h.old = append(h.old, promoted...)

	// A minor cycle only needs to recheck the previous remembered set and
	// the newly promoted objects; a major cycle rebuilds it from scratch.
	candidates := append(append([]value.Handle(nil), h.remembered...), promoted...)
	if kind == Major {
		candidates = h.old
	}

	for _, handle := range h.remembered {
		if obj := h.lookup(handle); obj != nil {
			obj.remembered = false
		}
	}
	var remembered []value.Handle
	for _, handle := range candidates {
		obj := h.lookup(handle)
		if obj == nil || obj.remembered || obj.gen != Old {
			continue
		}
		if obj.hasYoungRef(h) {
			obj.remembered = true
			remembered = append(remembered, handle)
		}
	}
	h.remembered = remembered

	stats.Promoted = len(promoted)
	stats.Live = len(h.young) + len(h.old)
	stats.LiveBytes = h.youngBytes + h.oldBytes + h.largeBytes
	stats.Remembered = len(h.remembered)
	stats.Duration = time.Since(h.cycle.start)

	h.stats.FreedObjects += uint64(stats.Freed)
	h.stats.FreedBytes += uint64(stats.FreedBytes)
	h.stats.Promoted += uint64(stats.Promoted)

	switch kind {
	case Minor:
		h.stats.MinorCycles++
		if h.request == Minor {
			h.request = noCycle
		}
	case Major:
		h.stats.MajorCycles++
		h.request = noCycle
		h.nextMajor = max(h.config.OldThreshold, 2*(h.oldBytes+h.largeBytes))
	}
	h.marking = false
	h.markKind = noCycle
	h.checkBudgets()

	return stats
}

// collect runs a complete stop-the-world cycle. An incremental cycle in
// progress is finished as a major cycle instead.
func (h *Heap) collect(self int, kind CycleKind) {
	for !h.world.stop(self) {
		// parked through someone else's pause; ours still has to run
	}
	roots := h.world.roots()

	h.mu.Lock()
	if !h.marking {
		h.beginMark(kind)
	}
	h.shadeRoots(roots)
	h.drain(0)
	stats := h.sweep()
	h.mu.Unlock()

	h.world.start()
	h.finishCycle(stats)
}

// service performs whatever work is pending at a safepoint. It gives up
// quietly when another mutator wins the race to pause the world; the next
// safepoint re-evaluates.
func (h *Heap) service(self int) {
	h.mu.Lock()
	marking, request := h.marking, h.request
	incremental := h.config.IncrementalBudget > 0
	h.mu.Unlock()

	switch {
	case marking:
		h.mu.Lock()
		done := h.marking && h.drain(h.config.IncrementalBudget)
		h.mu.Unlock()
		if done {
			h.finishIncremental(self)
		}
	case request == Major && incremental:
		h.beginIncremental(self)
	case request != noCycle:
		if !h.world.stop(self) {
			break
		}
		roots := h.world.roots()
		h.mu.Lock()
		var stats CycleStats
		ran := h.request != noCycle && !h.marking
		if ran {
			h.beginMark(h.request)
			h.shadeRoots(roots)
			h.drain(0)
			stats = h.sweep()
		}
		h.mu.Unlock()
		h.world.start()
		if ran {
			h.finishCycle(stats)
		}
	}

	h.updateAttention()
}

func (h *Heap) beginIncremental(self int) {
	if !h.world.stop(self) {
		return
	}
	defer h.world.start()
	roots := h.world.roots()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.marking || h.request != Major {
		return
	}
	h.beginMark(Major)
	h.cycle.incremental = true
	h.marking = true
	h.request = noCycle
	h.shadeRoots(roots)
	h.attention.Store(true)

	h.logger.Debug("incremental marking started", slog.Int("grey", len(h.grey)))
}

// finishIncremental rescans roots, whose writes are not barriered, and
// completes the cycle.
func (h *Heap) finishIncremental(self int) {
	if !h.world.stop(self) {
		return
	}
	roots := h.world.roots()

	h.mu.Lock()
	if !h.marking {
		h.mu.Unlock()
		h.world.start()
		return
	}
	h.shadeRoots(roots)
	h.drain(0)
	stats := h.sweep()
	h.mu.Unlock()

	h.world.start()
	h.finishCycle(stats)
}

func (h *Heap) finishCycle(stats CycleStats) {
	h.updateAttention()

	h.logger.Debug("gc cycle",
		slog.String("kind", stats.Kind.String()),
		slog.Bool("incremental", stats.Incremental),
		slog.Int("marked", stats.Marked),
		slog.Int("freed", stats.Freed),
		slog.Int("freed_bytes", stats.FreedBytes),
		slog.Int("promoted", stats.Promoted),
		slog.Int("live", stats.Live),
		slog.Int("live_bytes", stats.LiveBytes),
		slog.Duration("duration", stats.Duration),
	)

	if h.config.OnCycle != nil {
		h.config.OnCycle(stats)
	}
}

func (h *Heap) updateAttention() {
	h.mu.Lock()
	need := h.request != noCycle || h.marking
	h.mu.Unlock()

	h.world.mu.Lock()
	h.attention.Store(need || h.world.stopping)
	h.world.mu.Unlock()
}
