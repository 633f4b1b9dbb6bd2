package heap

import (
	"testing"

	"simplert/internal/sbc"
)

func TestStringAllocation(t *testing.T) {
	h := New()
	units := []uint16{'h', 'i'}
	handle := h.NewString(units)

	obj := h.Get(handle)
	if obj == nil || obj.Kind != KindString {
		t.Fatalf("expected a string object, got %+v", obj)
	}
	got := h.StringUnits(handle)
	if len(got) != 2 || got[0] != 'h' || got[1] != 'i' {
		t.Fatalf("StringUnits = %v", got)
	}
	if h.LiveCount() != 1 {
		t.Fatalf("LiveCount = %d", h.LiveCount())
	}
}

func TestNullHandleResolvesToNil(t *testing.T) {
	h := New()
	if h.Get(NullHandle) != nil {
		t.Fatal("null handle must not resolve")
	}
	if h.Get(12345) != nil {
		t.Fatal("out-of-range handle must not resolve")
	}
}

func TestMarkSweepFreesUnreachable(t *testing.T) {
	h := New()
	keep := h.NewString([]uint16{'a'})
	drop := h.NewString([]uint16{'b'})

	h.ResetMarks()
	h.Mark(keep)
	freed := h.Sweep()

	if freed != 1 {
		t.Fatalf("freed = %d, want 1", freed)
	}
	if h.Get(keep) == nil {
		t.Fatal("marked object was swept")
	}
	if h.Get(drop) != nil {
		t.Fatal("unmarked object survived")
	}
	if h.LiveCount() != 1 {
		t.Fatalf("LiveCount = %d", h.LiveCount())
	}
}

func TestFreeListReuse(t *testing.T) {
	h := New()
	first := h.NewString([]uint16{'x'})
	h.ResetMarks()
	h.Sweep()

	second := h.NewString([]uint16{'y'})
	if second != first {
		t.Fatalf("expected freed handle %d to be reused, got %d", first, second)
	}
}

func TestMarkTracesRefArray(t *testing.T) {
	h := New()
	inner := h.NewString([]uint16{'v'})
	arr := h.NewArray(sbc.ElemRef, 3)

	obj := h.Get(arr)
	// slot 1 holds the inner string's handle
	putU32(obj.Payload, ArrayElemOffset(1, 4), inner)

	h.ResetMarks()
	h.Mark(arr)
	h.Sweep()

	if h.Get(inner) == nil {
		t.Fatal("array element was not traced")
	}
}

func TestMarkSkipsScalarArray(t *testing.T) {
	h := New()
	victim := h.NewString([]uint16{'v'})
	arr := h.NewArray(sbc.ElemI32, 2)
	obj := h.Get(arr)
	// an i32 element that happens to equal the string's handle must not
	// be treated as a reference
	putU32(obj.Payload, ArrayElemOffset(0, 4), victim)

	h.ResetMarks()
	h.Mark(arr)
	h.Sweep()

	if h.Get(victim) != nil {
		t.Fatal("scalar array slot was traced as a reference")
	}
}

func TestMarkTracesRefListUpToLength(t *testing.T) {
	h := New()
	live := h.NewString([]uint16{'a'})
	dead := h.NewString([]uint16{'b'})
	list := h.NewList(sbc.ElemRef, 4)
	obj := h.Get(list)
	putU32(obj.Payload, ListElemOffset(0, 4), live)
	putU32(obj.Payload, ListElemOffset(1, 4), dead)
	h.SetListLen(list, 1) // only slot 0 is within the live length

	h.ResetMarks()
	h.Mark(list)
	h.Sweep()

	if h.Get(live) == nil {
		t.Fatal("list element within length was not traced")
	}
	if h.Get(dead) != nil {
		t.Fatal("list slot beyond length must not keep its referent alive")
	}
}

func TestMarkTracesArtifactFields(t *testing.T) {
	h := New()
	h.SetArtifactTypes(map[uint32]TypeLayout{
		7: {Size: 12, Fields: []FieldLayout{
			{Offset: 0, IsRef: false},
			{Offset: 4, IsRef: true},
			{Offset: 8, IsRef: false},
		}},
	})
	child := h.NewString([]uint16{'c'})
	art := h.NewArtifact(7, 12)
	putU32(h.Get(art).Payload, 4, child)

	h.ResetMarks()
	h.Mark(art)
	h.Sweep()

	if h.Get(child) == nil {
		t.Fatal("artifact ref field was not traced")
	}
}

func TestMarkTracesClosureUpvalues(t *testing.T) {
	h := New()
	up := h.NewString([]uint16{'u'})
	clo := h.NewClosure(3, []uint32{up})

	if id, ok := h.ClosureMethodID(clo); !ok || id != 3 {
		t.Fatalf("ClosureMethodID = %d, %v", id, ok)
	}
	if got, ok := h.ClosureUpvalue(clo, 0); !ok || got != up {
		t.Fatalf("ClosureUpvalue = %d, %v", got, ok)
	}

	h.ResetMarks()
	h.Mark(clo)
	h.Sweep()

	if h.Get(up) == nil {
		t.Fatal("closure upvalue was not traced")
	}
}

func TestMarkHandlesCycles(t *testing.T) {
	h := New()
	a := h.NewArray(sbc.ElemRef, 1)
	b := h.NewArray(sbc.ElemRef, 1)
	putU32(h.Get(a).Payload, ArrayElemOffset(0, 4), b)
	putU32(h.Get(b).Payload, ArrayElemOffset(0, 4), a)

	h.ResetMarks()
	h.Mark(a) // must terminate despite the cycle
	if h.Sweep() != 0 {
		t.Fatal("cycle members were swept while reachable")
	}
}

func TestListLenCap(t *testing.T) {
	h := New()
	list := h.NewList(sbc.ElemI64, 5)
	length, capacity, ok := h.ListLenCap(list)
	if !ok || length != 0 || capacity != 5 {
		t.Fatalf("ListLenCap = %d,%d,%v", length, capacity, ok)
	}
}

func putU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}
