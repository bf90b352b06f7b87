package heap

import (
	"fmt"

	"github.com/rhino1998/vireo/pkg/value"
)

type ObjectKind uint8

const (
	KindString ObjectKind = iota + 1
	KindArray
	KindClosure
	KindRecord
	KindException
)

func (k ObjectKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindClosure:
		return "closure"
	case KindRecord:
		return "record"
	case KindException:
		return "exception"
	default:
		return fmt.Sprintf("object(%d)", uint8(k))
	}
}

type Generation uint8

const (
	Young Generation = iota
	Old
)

func (g Generation) String() string {
	if g == Old {
		return "old"
	}
	return "young"
}

type color uint8

const (
	white color = iota
	grey
	black
)

const (
	headerBytes = 32
	slotBytes   = 16
)

// Object is a heap cell. Tag is the record type, closure function or
// exception kind depending on Kind. An exception keeps its payload in
// Fields[0] and its message in Str.
//
// Kind, Tag, Str and the length of Fields never change after allocation.
// Field contents must only be written through Heap.Store so the write
// barrier sees them.
type Object struct {
	Kind   ObjectKind
	Tag    uint32
	Fields []value.Value
	Str    string

	gen        Generation
	age        uint8
	color      color
	large      bool
	remembered bool
	pins       int32
	size       int
}

func (o *Object) Generation() Generation {
	return o.gen
}

func (o *Object) Pinned() bool {
	return o.pins > 0
}

func objectSize(fields int, str string) int {
	return headerBytes + fields*slotBytes + len(str)
}

func (o *Object) hasYoungRef(h *Heap) bool {
	for _, f := range o.Fields {
		if ref, ok := f.Referent(); ok {
			if target := h.lookup(ref); target != nil && target.gen == Young {
				return true
			}
		}
	}
	return false
}
