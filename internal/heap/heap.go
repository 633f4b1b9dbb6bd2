// Package heap implements the non-moving, free-list, handle-indexed object
// store and mark-and-sweep collector: objects are
// addressed only by a stable 32-bit handle, never by pointer, so the heap
// can be swept without invalidating anything frames or the interpreter
// hold onto.
package heap

import (
	"encoding/binary"

	"simplert/internal/sbc"
)

// Kind is the tag carried in every object header.
type Kind byte

const (
	KindString Kind = iota
	KindArray
	KindList
	KindArtifact
	KindClosure
)

// NullHandle is the sentinel Ref value meaning null.
const NullHandle uint32 = sbc.NullRef

// Object is one heap-resident value: a header plus its inline payload.
// Payload layout is kind-specific, see package doc.
//
// TypeID's meaning depends on Kind: for KindArtifact it is the module's
// type id (used to look up field layout for Mark); for KindArray and
// KindList it is the sbc.ElemKind of the element slots (used to derive
// element width and whether Mark must walk the slots as handles); it is
// unused for KindString and KindClosure.
type Object struct {
	Kind    Kind
	TypeID  uint32
	Mark    bool
	free    bool
	Payload []byte
}

// TypeLayout is the subset of the type/field tables the heap needs to walk
// an Artifact's fields during Mark, supplied by the loaded module.
type TypeLayout struct {
	Size   uint32
	Fields []FieldLayout
}

// FieldLayout is one field's byte offset and whether it holds a Ref.
type FieldLayout struct {
	Offset uint32
	IsRef  bool
}

// Heap is an open-address handle table with a free list. It is owned by a
// single interpreter instance and must not be shared across interpreters.
type Heap struct {
	objects  []Object
	freeList []uint32
	liveCount int

	// ArtifactTypes resolves an Artifact's TypeID to its field layout for
	// Mark; set once after Load via SetArtifactTypes.
	ArtifactTypes map[uint32]TypeLayout
}

// New creates an empty heap.
func New() *Heap {
	return &Heap{}
}

// SetArtifactTypes installs the type table the heap consults when marking
// Artifact payloads.
func (h *Heap) SetArtifactTypes(types map[uint32]TypeLayout) {
	h.ArtifactTypes = types
}

// Allocate reserves a handle for a new object of the given kind, type id,
// and payload size, zero-filling the payload.
func (h *Heap) Allocate(kind Kind, typeID uint32, size int) uint32 {
	payload := make([]byte, size)
	obj := Object{Kind: kind, TypeID: typeID, Payload: payload}

	if n := len(h.freeList); n > 0 {
		handle := h.freeList[n-1]
		h.freeList = h.freeList[:n-1]
		h.objects[handle] = obj
		h.liveCount++
		return handle
	}
	h.objects = append(h.objects, obj)
	h.liveCount++
	return uint32(len(h.objects) - 1)
}

// Get returns a pointer to the live object at handle, or nil if the
// handle is null, out of range, or already freed.
func (h *Heap) Get(handle uint32) *Object {
	if handle == NullHandle || int(handle) >= len(h.objects) {
		return nil
	}
	obj := &h.objects[handle]
	if obj.free {
		return nil
	}
	return obj
}

// LiveCount returns the number of currently allocated (non-free) objects.
func (h *Heap) LiveCount() int {
	return h.liveCount
}

// ResetMarks clears every object's mark bit ahead of a Mark/Sweep pass.
func (h *Heap) ResetMarks() {
	for i := range h.objects {
		if !h.objects[i].free {
			h.objects[i].Mark = false
		}
	}
}

// Mark traces references reachable from handle, recursively, using the
// object's kind-specific payload layout: Strings have no
// references; ref-kind Arrays/Lists walk every slot; Artifacts walk by the
// field table's type ids; Closures walk their upvalues.
func (h *Heap) Mark(handle uint32) {
	obj := h.Get(handle)
	if obj == nil || obj.Mark {
		return
	}
	obj.Mark = true

	switch obj.Kind {
	case KindString:
		// no references

	case KindArray:
		if sbc.ElemKind(obj.TypeID) == sbc.ElemRef {
			length := binary.LittleEndian.Uint32(obj.Payload[0:4])
			for i := uint32(0); i < length; i++ {
				off := 4 + i*4
				child := binary.LittleEndian.Uint32(obj.Payload[off:])
				h.Mark(child)
			}
		}

	case KindList:
		if sbc.ElemKind(obj.TypeID) == sbc.ElemRef {
			length := binary.LittleEndian.Uint32(obj.Payload[0:4])
			for i := uint32(0); i < length; i++ {
				off := 8 + i*4
				child := binary.LittleEndian.Uint32(obj.Payload[off:])
				h.Mark(child)
			}
		}

	case KindArtifact:
		layout, ok := h.ArtifactTypes[obj.TypeID]
		if !ok {
			return
		}
		for _, f := range layout.Fields {
			if !f.IsRef {
				continue
			}
			child := binary.LittleEndian.Uint32(obj.Payload[f.Offset:])
			h.Mark(child)
		}

	case KindClosure:
		upvalueCount := binary.LittleEndian.Uint32(obj.Payload[4:8])
		for i := uint32(0); i < upvalueCount; i++ {
			off := 8 + i*4
			child := binary.LittleEndian.Uint32(obj.Payload[off:])
			h.Mark(child)
		}
	}
}

// MarkSet marks every handle in roots and everything reachable from them.
func (h *Heap) MarkSet(roots []uint32) {
	for _, r := range roots {
		h.Mark(r)
	}
}

// Sweep frees every unmarked, currently-live object back to the free
// list.
func (h *Heap) Sweep() int {
	freed := 0
	for i := range h.objects {
		if h.objects[i].free || h.objects[i].Mark {
			continue
		}
		h.objects[i] = Object{free: true}
		h.freeList = append(h.freeList, uint32(i))
		h.liveCount--
		freed++
	}
	return freed
}

