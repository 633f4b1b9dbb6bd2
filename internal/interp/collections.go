package interp

import (
	"encoding/binary"

	"simplert/internal/heap"
	"simplert/internal/rterr"
	"simplert/internal/sbc"
)

// execObject handles NewObject/LoadField/StoreField/IsNull/RefEq/RefNe/
// TypeOf — the object, field, and reference-identity opcodes.
func (i *Interp) execObject(op sbc.OpCode, operand []byte) *rterr.Error {
	switch op {
	case sbc.OpNewObject:
		typeID := uint32At(operand)
		t := i.Module.Types[typeID]
		handle := i.Heap.NewArtifact(typeID, t.Size)
		i.push(slotRef(handle))

	case sbc.OpLoadField:
		fieldID := uint32At(operand)
		ref := i.pop().asRef()
		if ref == heap.NullHandle {
			return i.trap(rterr.KindRuntime, op, "load.field: null dereference")
		}
		obj := i.Heap.Get(ref)
		if obj == nil || obj.Kind != heap.KindArtifact {
			return i.trap(rterr.KindRuntime, op, "load.field: handle %d is not an object", ref)
		}
		field := i.Module.Fields[fieldID]
		i.push(readFieldSlot(obj.Payload, field.Offset, field.TypeID))

	case sbc.OpStoreField:
		fieldID := uint32At(operand)
		val := i.pop()
		ref := i.pop().asRef()
		if ref == heap.NullHandle {
			return i.trap(rterr.KindRuntime, op, "store.field: null dereference")
		}
		obj := i.Heap.Get(ref)
		if obj == nil || obj.Kind != heap.KindArtifact {
			return i.trap(rterr.KindRuntime, op, "store.field: handle %d is not an object", ref)
		}
		field := i.Module.Fields[fieldID]
		writeFieldSlot(obj.Payload, field.Offset, field.TypeID, val)

	case sbc.OpIsNull:
		v := i.pop()
		i.pushBool(v.isNullRef())

	case sbc.OpRefEq:
		a, b := i.pop2()
		i.pushBool(a.asRef() == b.asRef())
	case sbc.OpRefNe:
		a, b := i.pop2()
		i.pushBool(a.asRef() != b.asRef())

	case sbc.OpTypeOf:
		ref := i.pop().asRef()
		obj := i.Heap.Get(ref)
		if obj == nil {
			i.push(slotI32(-1))
			return nil
		}
		i.push(slotI32(int32(obj.TypeID)))

	default:
		return i.trap(rterr.KindRuntime, op, "execObject: unhandled opcode %d", op)
	}
	return nil
}

func readFieldSlot(payload []byte, offset, typeID uint32) Slot {
	switch typeID {
	case 0:
		return slotI32(int32(binary.LittleEndian.Uint32(payload[offset:])))
	case 1:
		return slotI64(int64(binary.LittleEndian.Uint64(payload[offset:])))
	case 2:
		return slotF32FromBits(binary.LittleEndian.Uint32(payload[offset:]))
	case 3:
		return slotF64FromBits(binary.LittleEndian.Uint64(payload[offset:]))
	default:
		return slotRef(binary.LittleEndian.Uint32(payload[offset:]))
	}
}

func writeFieldSlot(payload []byte, offset, typeID uint32, v Slot) {
	switch typeID {
	case 0, 2:
		binary.LittleEndian.PutUint32(payload[offset:], uint32(v))
	case 1, 3:
		binary.LittleEndian.PutUint64(payload[offset:], uint64(v))
	default:
		binary.LittleEndian.PutUint32(payload[offset:], v.asRef())
	}
}

func slotF32FromBits(bits uint32) Slot { return Slot(bits) }
func slotF64FromBits(bits uint64) Slot { return Slot(bits) }

// execArray handles New/Len/Get/Set for Array.
func (i *Interp) execArray(op sbc.OpCode, operand []byte) *rterr.Error {
	switch op {
	case sbc.OpNewArray:
		kind := sbc.ElemKind(operand[0])
		length := i.pop().asI32()
		if length < 0 {
			return i.trap(rterr.KindRuntime, op, "new.array: negative length %d", length)
		}
		handle := i.Heap.NewArray(kind, uint32(length))
		i.push(slotRef(handle))

	case sbc.OpArrayLen:
		ref := i.pop().asRef()
		length, err := i.arrayLen(op, ref)
		if err != nil {
			return err
		}
		i.push(slotI32(int32(length)))

	case sbc.OpArrayGet:
		kind := sbc.ElemKind(operand[0])
		idx := i.pop().asI32()
		ref := i.pop().asRef()
		obj, rerr := i.requireArray(op, ref)
		if rerr != nil {
			return rerr
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		if idx < 0 || uint32(idx) >= length {
			return i.trap(rterr.KindRuntime, op, "array.get: index %d out of bounds (len %d)", idx, length)
		}
		off := heap.ArrayElemOffset(uint32(idx), kind.Width())
		i.push(readElemSlot(obj.Payload, off, kind))

	case sbc.OpArraySet:
		kind := sbc.ElemKind(operand[0])
		val := i.pop()
		idx := i.pop().asI32()
		ref := i.pop().asRef()
		obj, rerr := i.requireArray(op, ref)
		if rerr != nil {
			return rerr
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		if idx < 0 || uint32(idx) >= length {
			return i.trap(rterr.KindRuntime, op, "array.set: index %d out of bounds (len %d)", idx, length)
		}
		off := heap.ArrayElemOffset(uint32(idx), kind.Width())
		writeElemSlot(obj.Payload, off, kind, val)

	default:
		return i.trap(rterr.KindRuntime, op, "execArray: unhandled opcode %d", op)
	}
	return nil
}

func (i *Interp) arrayLen(op sbc.OpCode, ref uint32) (uint32, *rterr.Error) {
	obj, err := i.requireArray(op, ref)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(obj.Payload[0:4]), nil
}

func (i *Interp) requireArray(op sbc.OpCode, ref uint32) (*heap.Object, *rterr.Error) {
	if ref == heap.NullHandle {
		return nil, i.trap(rterr.KindRuntime, op, "null dereference on array")
	}
	obj := i.Heap.Get(ref)
	if obj == nil || obj.Kind != heap.KindArray {
		return nil, i.trap(rterr.KindRuntime, op, "handle %d is not an array", ref)
	}
	return obj, nil
}

func readElemSlot(payload []byte, off int, kind sbc.ElemKind) Slot {
	switch kind {
	case sbc.ElemI64, sbc.ElemF64:
		return Slot(binary.LittleEndian.Uint64(payload[off:]))
	default:
		return Slot(binary.LittleEndian.Uint32(payload[off:]))
	}
}

func writeElemSlot(payload []byte, off int, kind sbc.ElemKind, v Slot) {
	switch kind {
	case sbc.ElemI64, sbc.ElemF64:
		binary.LittleEndian.PutUint64(payload[off:], uint64(v))
	default:
		binary.LittleEndian.PutUint32(payload[off:], uint32(v))
	}
}

// execList handles New/Len/Get/Set/Push/Pop/Insert/Remove/Clear for List.
func (i *Interp) execList(op sbc.OpCode, operand []byte) *rterr.Error {
	switch op {
	case sbc.OpNewList:
		kind := sbc.ElemKind(operand[0])
		capacity := i.pop().asI32()
		if capacity < 0 {
			return i.trap(rterr.KindRuntime, op, "new.list: negative capacity %d", capacity)
		}
		handle := i.Heap.NewList(kind, uint32(capacity))
		i.push(slotRef(handle))

	case sbc.OpListLen:
		ref := i.pop().asRef()
		obj, err := i.requireList(op, ref)
		if err != nil {
			return err
		}
		length, _, _ := i.Heap.ListLenCap(ref)
		_ = obj
		i.push(slotI32(int32(length)))

	case sbc.OpListClear:
		ref := i.pop().asRef()
		if _, err := i.requireList(op, ref); err != nil {
			return err
		}
		i.Heap.SetListLen(ref, 0)

	case sbc.OpListGet:
		kind := sbc.ElemKind(operand[0])
		idx := i.pop().asI32()
		ref := i.pop().asRef()
		obj, err := i.requireList(op, ref)
		if err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		if idx < 0 || uint32(idx) >= length {
			return i.trap(rterr.KindRuntime, op, "list.get: index %d out of bounds (len %d)", idx, length)
		}
		off := heap.ListElemOffset(uint32(idx), kind.Width())
		i.push(readElemSlot(obj.Payload, off, kind))

	case sbc.OpListSet:
		kind := sbc.ElemKind(operand[0])
		val := i.pop()
		idx := i.pop().asI32()
		ref := i.pop().asRef()
		obj, err := i.requireList(op, ref)
		if err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		if idx < 0 || uint32(idx) >= length {
			return i.trap(rterr.KindRuntime, op, "list.set: index %d out of bounds (len %d)", idx, length)
		}
		off := heap.ListElemOffset(uint32(idx), kind.Width())
		writeElemSlot(obj.Payload, off, kind, val)

	case sbc.OpListPush:
		kind := sbc.ElemKind(operand[0])
		val := i.pop()
		ref := i.pop().asRef()
		obj, err := i.requireList(op, ref)
		if err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		capacity := binary.LittleEndian.Uint32(obj.Payload[4:8])
		if length >= capacity {
			return i.trap(rterr.KindRuntime, op, "list.push: capacity %d exceeded", capacity)
		}
		off := heap.ListElemOffset(length, kind.Width())
		writeElemSlot(obj.Payload, off, kind, val)
		i.Heap.SetListLen(ref, length+1)

	case sbc.OpListPop:
		kind := sbc.ElemKind(operand[0])
		ref := i.pop().asRef()
		obj, err := i.requireList(op, ref)
		if err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		if length == 0 {
			return i.trap(rterr.KindRuntime, op, "list.pop: list is empty")
		}
		off := heap.ListElemOffset(length-1, kind.Width())
		i.push(readElemSlot(obj.Payload, off, kind))
		i.Heap.SetListLen(ref, length-1)

	case sbc.OpListInsert:
		kind := sbc.ElemKind(operand[0])
		val := i.pop()
		idx := i.pop().asI32()
		ref := i.pop().asRef()
		obj, err := i.requireList(op, ref)
		if err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		capacity := binary.LittleEndian.Uint32(obj.Payload[4:8])
		if idx < 0 || uint32(idx) > length {
			return i.trap(rterr.KindRuntime, op, "list.insert: index %d out of bounds (len %d)", idx, length)
		}
		if length >= capacity {
			return i.trap(rterr.KindRuntime, op, "list.insert: capacity %d exceeded", capacity)
		}
		width := kind.Width()
		for pos := length; pos > uint32(idx); pos-- {
			src := heap.ListElemOffset(pos-1, width)
			dst := heap.ListElemOffset(pos, width)
			copy(obj.Payload[dst:dst+width], obj.Payload[src:src+width])
		}
		off := heap.ListElemOffset(uint32(idx), width)
		writeElemSlot(obj.Payload, off, kind, val)
		i.Heap.SetListLen(ref, length+1)

	case sbc.OpListRemove:
		idx := i.pop().asI32()
		ref := i.pop().asRef()
		obj, err := i.requireList(op, ref)
		if err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(obj.Payload[0:4])
		if idx < 0 || uint32(idx) >= length {
			return i.trap(rterr.KindRuntime, op, "list.remove: index %d out of bounds (len %d)", idx, length)
		}
		width := sbc.ElemKind(obj.TypeID).Width()
		for pos := uint32(idx); pos < length-1; pos++ {
			src := heap.ListElemOffset(pos+1, width)
			dst := heap.ListElemOffset(pos, width)
			copy(obj.Payload[dst:dst+width], obj.Payload[src:src+width])
		}
		i.Heap.SetListLen(ref, length-1)

	default:
		return i.trap(rterr.KindRuntime, op, "execList: unhandled opcode %d", op)
	}
	return nil
}

func (i *Interp) requireList(op sbc.OpCode, ref uint32) (*heap.Object, *rterr.Error) {
	if ref == heap.NullHandle {
		return nil, i.trap(rterr.KindRuntime, op, "null dereference on list")
	}
	obj := i.Heap.Get(ref)
	if obj == nil || obj.Kind != heap.KindList {
		return nil, i.trap(rterr.KindRuntime, op, "handle %d is not a list", ref)
	}
	return obj, nil
}

// execString handles Len/Concat/GetChar/Slice: immutable
// UTF-16 heap objects; every operation that produces a new string
// allocates.
func (i *Interp) execString(op sbc.OpCode) *rterr.Error {
	switch op {
	case sbc.OpStringLen:
		ref := i.pop().asRef()
		units, err := i.requireString(op, ref)
		if err != nil {
			return err
		}
		i.push(slotI32(int32(len(units))))

	case sbc.OpStringGetChar:
		idx := i.pop().asI32()
		ref := i.pop().asRef()
		units, err := i.requireString(op, ref)
		if err != nil {
			return err
		}
		if idx < 0 || int(idx) >= len(units) {
			return i.trap(rterr.KindRuntime, op, "string.get.char: index %d out of bounds (len %d)", idx, len(units))
		}
		i.push(slotI32(int32(units[idx])))

	case sbc.OpStringConcat:
		bRef := i.pop().asRef()
		aRef := i.pop().asRef()
		a, err := i.requireString(op, aRef)
		if err != nil {
			return err
		}
		b, err := i.requireString(op, bRef)
		if err != nil {
			return err
		}
		out := make([]uint16, 0, len(a)+len(b))
		out = append(out, a...)
		out = append(out, b...)
		i.push(slotRef(i.Heap.NewString(out)))

	case sbc.OpStringSlice:
		end := i.pop().asI32()
		start := i.pop().asI32()
		ref := i.pop().asRef()
		units, err := i.requireString(op, ref)
		if err != nil {
			return err
		}
		if start < 0 || end < start || int(end) > len(units) {
			return i.trap(rterr.KindRuntime, op, "string.slice: range [%d,%d) out of bounds (len %d)", start, end, len(units))
		}
		out := append([]uint16(nil), units[start:end]...)
		i.push(slotRef(i.Heap.NewString(out)))

	default:
		return i.trap(rterr.KindRuntime, op, "execString: unhandled opcode %d", op)
	}
	return nil
}

func (i *Interp) requireString(op sbc.OpCode, ref uint32) ([]uint16, *rterr.Error) {
	if ref == heap.NullHandle {
		return nil, i.trap(rterr.KindRuntime, op, "null dereference on string")
	}
	obj := i.Heap.Get(ref)
	if obj == nil || obj.Kind != heap.KindString {
		return nil, i.trap(rterr.KindRuntime, op, "handle %d is not a string", ref)
	}
	return i.Heap.StringUnits(ref), nil
}

// execClosure handles NewClosure/Load.Upvalue/Store.Upvalue.
func (i *Interp) newClosure(operand []byte) *rterr.Error {
	methodID := uint32At(operand)
	upvalCount := int(binary.LittleEndian.Uint16(operand[4:]))
	upvals := make([]uint32, upvalCount)
	for idx := upvalCount - 1; idx >= 0; idx-- {
		upvals[idx] = i.pop().asRef()
	}
	handle := i.Heap.NewClosure(methodID, upvals)
	i.push(slotRef(handle))
	return nil
}

func (i *Interp) loadUpvalue(idx uint16) *rterr.Error {
	cur := i.frames[len(i.frames)-1]
	if cur.ClosureRef == heap.NullHandle {
		return i.trap(rterr.KindRuntime, sbc.OpLoadUpvalue, "load.upvalue: frame has no closure")
	}
	v, ok := i.Heap.ClosureUpvalue(cur.ClosureRef, uint32(idx))
	if !ok {
		return i.trap(rterr.KindRuntime, sbc.OpLoadUpvalue, "load.upvalue: index %d out of range", idx)
	}
	i.push(slotRef(v))
	return nil
}

func (i *Interp) storeUpvalue(idx uint16) *rterr.Error {
	cur := i.frames[len(i.frames)-1]
	if cur.ClosureRef == heap.NullHandle {
		return i.trap(rterr.KindRuntime, sbc.OpStoreUpvalue, "store.upvalue: frame has no closure")
	}
	v := i.pop().asRef()
	obj := i.Heap.Get(cur.ClosureRef)
	if obj == nil {
		return i.trap(rterr.KindRuntime, sbc.OpStoreUpvalue, "store.upvalue: closure handle freed")
	}
	count := binary.LittleEndian.Uint32(obj.Payload[4:8])
	if uint32(idx) >= count {
		return i.trap(rterr.KindRuntime, sbc.OpStoreUpvalue, "store.upvalue: index %d out of range", idx)
	}
	binary.LittleEndian.PutUint32(obj.Payload[8+uint32(idx)*4:], v)
	return nil
}
