package heap

import (
	"slices"

	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

// Pin keeps handle alive and makes raw pointers into it legal until the
// matching Unpin. Pins nest.
func (h *Heap) Pin(handle value.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, err := h.resolve(handle)
	if err != nil {
		return err
	}
	obj.pins++
	h.pinned[handle] = struct{}{}
	return nil
}

func (h *Heap) Unpin(handle value.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, err := h.resolve(handle)
	if err != nil {
		return err
	}
	if obj.pins == 0 {
		return trap.New(trap.InvalidReference, "%v is not pinned", handle)
	}
	obj.pins--
	if obj.pins == 0 {
		delete(h.pinned, handle)
	}
	return nil
}

func (h *Heap) Pinned(handle value.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj := h.lookup(handle)
	return obj != nil && obj.pins > 0
}

func (h *Heap) pinnedField(p value.Pointer) (*Object, error) {
	obj := h.lookup(p.Handle)
	if obj == nil || obj.pins == 0 {
		return nil, trap.New(trap.InvalidReference, "raw pointer %v into unpinned object", p)
	}
	if int64(p.Offset) >= int64(len(obj.Fields)) {
		return nil, boundsFault(int64(p.Offset), len(obj.Fields))
	}
	return obj, nil
}

// LoadRaw reads through a raw pointer. The target must be pinned.
func (h *Heap) LoadRaw(p value.Pointer) (value.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, err := h.pinnedField(p)
	if err != nil {
		return value.Value{}, err
	}
	return obj.Fields[p.Offset], nil
}

// StoreRaw writes through a raw pointer with the same barrier as Store.
func (h *Heap) StoreRaw(p value.Pointer, v value.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, err := h.pinnedField(p)
	if err != nil {
		return err
	}
	obj.Fields[p.Offset] = v
	h.barrier(p.Handle, obj, v)
	return nil
}

// PinScope tracks the pins taken by one region so they can all be released
// on any exit path.
type PinScope struct {
	h       *Heap
	handles []value.Handle
}

func (h *Heap) NewPinScope() *PinScope {
	return &PinScope{h: h}
}

func (s *PinScope) Pin(handle value.Handle) error {
	if err := s.h.Pin(handle); err != nil {
		return err
	}
	s.handles = append(s.handles, handle)
	return nil
}

// Unpin releases the most recent pin of handle taken through s.
func (s *PinScope) Unpin(handle value.Handle) error {
	for i := len(s.handles) - 1; i >= 0; i-- {
		if s.handles[i] == handle {
			s.handles = slices.Delete(s.handles, i, i+1)
			return s.h.Unpin(handle)
		}
	}
	return trap.New(trap.InvalidReference, "%v is not pinned in this region", handle)
}

// Release drops every pin still held and reports how many there were.
func (s *PinScope) Release() int {
	n := len(s.handles)
	for _, handle := range s.handles {
		_ = s.h.Unpin(handle)
	}
	s.handles = s.handles[:0]
	return n
}

func (s *PinScope) Len() int {
	return len(s.handles)
}
