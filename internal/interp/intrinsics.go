package interp

import (
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/dustin/go-humanize"

	"simplert/internal/heap"
	"simplert/internal/rterr"
)

// IntrinsicID selects a builtin bypassing the normal call table: absolute value/min/max per lane, clock sources,
// print-with-type-tag, and Trap(code).
type IntrinsicID uint16

const (
	IntrinsicAbsI32 IntrinsicID = iota
	IntrinsicAbsI64
	IntrinsicAbsF32
	IntrinsicAbsF64
	IntrinsicMinI32
	IntrinsicMaxI32
	IntrinsicMinI64
	IntrinsicMaxI64
	IntrinsicMinF32
	IntrinsicMaxF32
	IntrinsicMinF64
	IntrinsicMaxF64
	IntrinsicMonotonicNanos
	IntrinsicWallClockNanos
	IntrinsicPrint
	IntrinsicTrap
	IntrinsicDLCallI32
	IntrinsicDLCallI64
	IntrinsicDLCallF64
	IntrinsicDLCallStr
)

// DLRetKind selects the return convention of a dl.call.* intrinsic.
type DLRetKind int

const (
	DLRetI32 DLRetKind = iota
	DLRetI64
	DLRetF64
	DLRetStr
)

// DLCallFunc dispatches one dynamic-library call for the dl.call.*
// intrinsic family. For DLRetStr the string result is used and
// val is ignored; every other kind returns its bits in val.
type DLCallFunc func(lib, sym string, a, b uint64, ret DLRetKind) (val uint64, str string, err error)

var processStart = time.Now()

// execIntrinsic dispatches one Intrinsic instruction. Each case pops and
// pushes exactly the lanes the verifier statically anticipated for that
// id — the verifier itself does not special-case intrinsic
// ids (it only validates operand decoding), so this table is the sole
// source of truth for their stack effect.
func (i *Interp) execIntrinsic(id IntrinsicID) *rterr.Error {
	switch id {
	case IntrinsicAbsI32:
		v := i.pop().asI32()
		if v < 0 {
			v = -v
		}
		i.push(slotI32(v))
	case IntrinsicAbsI64:
		v := i.pop().asI64()
		if v < 0 {
			v = -v
		}
		i.push(slotI64(v))
	case IntrinsicAbsF32:
		v := i.pop().asF32()
		if v < 0 {
			v = -v
		}
		i.push(slotF32(v))
	case IntrinsicAbsF64:
		v := i.pop().asF64()
		if v < 0 {
			v = -v
		}
		i.push(slotF64(v))

	case IntrinsicMinI32, IntrinsicMaxI32:
		a, b := i.pop2()
		av, bv := a.asI32(), b.asI32()
		if (id == IntrinsicMinI32) == (av < bv) {
			i.push(slotI32(av))
		} else {
			i.push(slotI32(bv))
		}
	case IntrinsicMinI64, IntrinsicMaxI64:
		a, b := i.pop2()
		av, bv := a.asI64(), b.asI64()
		if (id == IntrinsicMinI64) == (av < bv) {
			i.push(slotI64(av))
		} else {
			i.push(slotI64(bv))
		}
	case IntrinsicMinF32, IntrinsicMaxF32:
		a, b := i.pop2()
		av, bv := a.asF32(), b.asF32()
		if (id == IntrinsicMinF32) == (av < bv) {
			i.push(slotF32(av))
		} else {
			i.push(slotF32(bv))
		}
	case IntrinsicMinF64, IntrinsicMaxF64:
		a, b := i.pop2()
		av, bv := a.asF64(), b.asF64()
		if (id == IntrinsicMinF64) == (av < bv) {
			i.push(slotF64(av))
		} else {
			i.push(slotF64(bv))
		}

	case IntrinsicMonotonicNanos:
		i.push(slotI64(int64(time.Since(processStart))))
	case IntrinsicWallClockNanos:
		i.push(slotI64(time.Now().UnixNano()))

	case IntrinsicPrint:
		typeTag := i.pop().asI32()
		val := i.pop()
		i.printTagged(typeTag, val)

	case IntrinsicTrap:
		code := i.pop().asI32()
		return i.trap(rterr.KindTrap, 0, "Intrinsic Trap code=%d", code)

	case IntrinsicDLCallI32, IntrinsicDLCallI64, IntrinsicDLCallF64, IntrinsicDLCallStr:
		return i.execDLCall(id)

	default:
		return i.trap(rterr.KindRuntime, 0, "unsupported intrinsic id %d", id)
	}
	return nil
}

// execDLCall implements the dl.call.* intrinsics. Each pops two scalar
// argument slots (unused ones pushed as zero by the front end), then the
// symbol and library name strings, and pushes one value per the variant's
// return convention. Dispatch goes through Options.DL; the built-in
// resolver package installs a purego-backed dispatcher there.
func (i *Interp) execDLCall(id IntrinsicID) *rterr.Error {
	b := i.pop().asU64()
	a := i.pop().asU64()
	symRef := i.pop()
	libRef := i.pop()
	if symRef.isNullRef() || libRef.isNullRef() {
		return i.trap(rterr.KindRuntime, 0, "dl_call with null pointer")
	}
	lib := string(utf16.Decode(i.Heap.StringUnits(libRef.asRef())))
	sym := string(utf16.Decode(i.Heap.StringUnits(symRef.asRef())))
	if i.Options.DL == nil {
		return i.trap(rterr.KindRuntime, 0, "dl_call: no dynamic-library dispatcher installed")
	}
	var ret DLRetKind
	switch id {
	case IntrinsicDLCallI32:
		ret = DLRetI32
	case IntrinsicDLCallI64:
		ret = DLRetI64
	case IntrinsicDLCallF64:
		ret = DLRetF64
	default:
		ret = DLRetStr
	}
	val, str, err := i.Options.DL(lib, sym, a, b, ret)
	if err != nil {
		return i.trap(rterr.KindHostImportError, 0, "dl_call %s!%s: %s", lib, sym, err.Error())
	}
	switch ret {
	case DLRetI32:
		i.push(slotI32(int32(uint32(val))))
	case DLRetI64, DLRetF64:
		i.push(Slot(val))
	case DLRetStr:
		i.push(slotRef(i.internString(str)))
	}
	return nil
}

// printTagged writes a value to the interpreter's configured writer,
// tagged by the lane the front end encoded it as (0=i32,1=i64,2=f32,
// 3=f64,4=ref-as-string). Integer output is humanized with thousands
// separators.
func (i *Interp) printTagged(typeTag int32, val Slot) {
	var s string
	switch typeTag {
	case 0:
		s = humanize.Comma(int64(val.asI32()))
	case 1:
		s = humanize.Comma(val.asI64())
	case 2:
		s = fmt.Sprintf("%g", val.asF32())
	case 3:
		s = fmt.Sprintf("%g", val.asF64())
	case 4:
		if val.isNullRef() {
			s = "null"
		} else if obj := i.Heap.Get(val.asRef()); obj != nil && obj.Kind == heap.KindString {
			s = string(utf16.Decode(i.Heap.StringUnits(val.asRef())))
		} else {
			s = fmt.Sprintf("<ref %d>", val.asRef())
		}
	default:
		s = fmt.Sprintf("<unknown tag %d>", typeTag)
	}
	fmt.Fprintln(i.stdout(), s)
}
