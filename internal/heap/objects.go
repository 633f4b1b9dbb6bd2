package heap

import (
	"encoding/binary"

	"simplert/internal/sbc"
)

// NewString allocates an immutable UTF-16 string object from UTF-16 code units.
func (h *Heap) NewString(units []uint16) uint32 {
	payload := make([]byte, 4+len(units)*2)
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(units)))
	for i, u := range units {
		binary.LittleEndian.PutUint16(payload[4+i*2:], u)
	}
	handle := h.Allocate(KindString, 0, 0)
	h.objects[handle].Payload = payload
	return handle
}

// StringUnits returns the UTF-16 code units backing a string object.
func (h *Heap) StringUnits(handle uint32) []uint16 {
	obj := h.Get(handle)
	if obj == nil || obj.Kind != KindString {
		return nil
	}
	length := binary.LittleEndian.Uint32(obj.Payload[0:4])
	out := make([]uint16, length)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(obj.Payload[4+i*2:])
	}
	return out
}

// NewArray allocates a fixed-length array of the given element kind.
func (h *Heap) NewArray(kind sbc.ElemKind, length uint32) uint32 {
	width := kind.Width()
	payload := make([]byte, 4+int(length)*width)
	binary.LittleEndian.PutUint32(payload[0:], length)
	handle := h.Allocate(KindArray, uint32(kind), 0)
	h.objects[handle].Payload = payload
	if kind == sbc.ElemRef {
		for i := uint32(0); i < length; i++ {
			binary.LittleEndian.PutUint32(h.objects[handle].Payload[4+i*4:], NullHandle)
		}
	}
	return handle
}

// ArrayLen returns the array's element count.
func (h *Heap) ArrayLen(handle uint32) (uint32, bool) {
	obj := h.Get(handle)
	if obj == nil || obj.Kind != KindArray {
		return 0, false
	}
	return binary.LittleEndian.Uint32(obj.Payload[0:4]), true
}

// ArrayElemOffset returns the byte offset of element index within the
// array's payload, given the element's fixed width.
func ArrayElemOffset(index uint32, width int) int {
	return 4 + int(index)*width
}

// NewList allocates a list with length 0 and the given fixed capacity.
func (h *Heap) NewList(kind sbc.ElemKind, capacity uint32) uint32 {
	width := kind.Width()
	payload := make([]byte, 8+int(capacity)*width)
	binary.LittleEndian.PutUint32(payload[4:], capacity)
	handle := h.Allocate(KindList, uint32(kind), 0)
	h.objects[handle].Payload = payload
	if kind == sbc.ElemRef {
		for i := uint32(0); i < capacity; i++ {
			binary.LittleEndian.PutUint32(h.objects[handle].Payload[8+i*4:], NullHandle)
		}
	}
	return handle
}

// ListLenCap returns the list's current length and fixed capacity.
func (h *Heap) ListLenCap(handle uint32) (length, capacity uint32, ok bool) {
	obj := h.Get(handle)
	if obj == nil || obj.Kind != KindList {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(obj.Payload[0:4]), binary.LittleEndian.Uint32(obj.Payload[4:8]), true
}

// SetListLen updates a list's length in place (used by Push/Pop/Insert/
// Remove/Clear).
func (h *Heap) SetListLen(handle uint32, length uint32) {
	obj := h.Get(handle)
	if obj == nil {
		return
	}
	binary.LittleEndian.PutUint32(obj.Payload[0:4], length)
}

// ListElemOffset returns the byte offset of element index within the
// list's payload, given the element's fixed width.
func ListElemOffset(index uint32, width int) int {
	return 8 + int(index)*width
}

// NewArtifact allocates a record of the given type id and byte size.
func (h *Heap) NewArtifact(typeID uint32, size uint32) uint32 {
	handle := h.Allocate(KindArtifact, typeID, int(size))
	for off, l := range h.ArtifactTypes[typeID].Fields {
		if l.IsRef {
			binary.LittleEndian.PutUint32(h.objects[handle].Payload[h.ArtifactTypes[typeID].Fields[off].Offset:], NullHandle)
		}
	}
	return handle
}

// NewClosure allocates a closure binding method_id to the given upvalue
// handles.
func (h *Heap) NewClosure(methodID uint32, upvalues []uint32) uint32 {
	payload := make([]byte, 8+len(upvalues)*4)
	binary.LittleEndian.PutUint32(payload[0:], methodID)
	binary.LittleEndian.PutUint32(payload[4:], uint32(len(upvalues)))
	for i, u := range upvalues {
		binary.LittleEndian.PutUint32(payload[8+i*4:], u)
	}
	handle := h.Allocate(KindClosure, 0, 0)
	h.objects[handle].Payload = payload
	return handle
}

// ClosureMethodID and ClosureUpvalue read a closure's bound method and one
// of its captured handles.
func (h *Heap) ClosureMethodID(handle uint32) (uint32, bool) {
	obj := h.Get(handle)
	if obj == nil || obj.Kind != KindClosure {
		return 0, false
	}
	return binary.LittleEndian.Uint32(obj.Payload[0:4]), true
}

func (h *Heap) ClosureUpvalue(handle uint32, idx uint32) (uint32, bool) {
	obj := h.Get(handle)
	if obj == nil || obj.Kind != KindClosure {
		return 0, false
	}
	count := binary.LittleEndian.Uint32(obj.Payload[4:8])
	if idx >= count {
		return 0, false
	}
	return binary.LittleEndian.Uint32(obj.Payload[8+idx*4:]), true
}
