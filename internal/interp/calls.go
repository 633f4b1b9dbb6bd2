package interp

import (
	"encoding/binary"

	"simplert/internal/heap"
	"simplert/internal/rterr"
	"simplert/internal/sbc"
)

// pushFrame allocates a new frame for funcIndex, binding args into its
// first len(args) local slots. Locals beyond the args default to null for
// ref-typed slots and zero otherwise.
func (i *Interp) pushFrame(funcIndex int, fn sbc.FunctionRow, args []Slot, closureRef uint32) {
	localsCount := int(i.Module.Methods[funcIndex].LocalCount)
	base := i.localsTop
	i.growLocals(base + localsCount)

	info := i.Verified.Functions[funcIndex]
	for idx := 0; idx < localsCount; idx++ {
		switch {
		case idx < len(args):
			i.localsArena[base+idx] = args[idx]
		case idx < len(info.LocalsRefBits) && info.LocalsRefBits[idx]:
			i.localsArena[base+idx] = nullSlot
		default:
			i.localsArena[base+idx] = 0
		}
	}
	i.localsTop = base + localsCount

	i.frames = append(i.frames, Frame{
		FuncIndex:   funcIndex,
		StackBase:   len(i.stack),
		ClosureRef:  closureRef,
		LocalsBase:  base,
		LocalsCount: localsCount,
		PC:          int(fn.CodeOffset),
	})
}

// doCall implements the Call opcode: pop args right-to-left
// into a scratch vector, then either route to the FFI bridge (import) or
// push a new frame for a guest function.
func (i *Interp) doCall(funcIndex int, argCount int) *rterr.Error {
	fn := i.Module.Functions[funcIndex]
	sig := i.sigForFunction(funcIndex)
	args := i.popArgsRightToLeft(argCount)

	if i.Module.FunctionIsImport[funcIndex] {
		return i.callImport(funcIndex, sig, args)
	}

	i.Tier.RecordCall(funcIndex)
	if res, handled, ferr := i.Tier.TryFastPath(funcIndex, slotsToUint64(args)); handled {
		if ferr != nil {
			return i.trap(rterr.KindTrap, sbc.OpCall, "fast path: %s", ferr.Error())
		}
		for _, v := range res {
			i.push(Slot(v))
		}
		return nil
	}
	i.pushFrame(funcIndex, fn, args, heap.NullHandle)
	return nil
}

// slotsToUint64 strips the Slot wrapper for the jit package, which cannot
// import interp (interp already imports jit).
func slotsToUint64(args []Slot) []uint64 {
	if len(args) == 0 {
		return nil
	}
	out := make([]uint64, len(args))
	for idx, v := range args {
		out[idx] = uint64(v)
	}
	return out
}

// doCallIndirect implements CallIndirect: the top-of-stack is a closure
// handle (or a raw function index encoded the same way a
// closure's method id is) and closures additionally propagate their
// ClosureRef so Load/StoreUpvalue can resolve inside the callee.
func (i *Interp) doCallIndirect(sigID uint32, argCount int) *rterr.Error {
	closureHandle := i.pop().asRef()
	args := i.popArgsRightToLeft(argCount)

	if closureHandle == heap.NullHandle {
		return i.trap(rterr.KindRuntime, sbc.OpCallIndirect, "call.indirect: null closure reference")
	}
	methodID, isClosure := i.Heap.ClosureMethodID(closureHandle)
	if !isClosure {
		// not a closure object: the slot carries a raw function's method
		// id directly
		methodID = closureHandle
		closureHandle = heap.NullHandle
	}
	fn, funcIndex, ok := i.Module.Function(methodID)
	if !ok {
		return i.trap(rterr.KindRuntime, sbc.OpCallIndirect, "call.indirect: method %d has no function row", methodID)
	}
	_ = sigID
	if i.Module.FunctionIsImport[funcIndex] {
		return i.callImport(funcIndex, i.sigForFunction(funcIndex), args)
	}

	i.Tier.RecordCall(funcIndex)
	if res, handled, ferr := i.Tier.TryFastPath(funcIndex, slotsToUint64(args)); handled {
		if ferr != nil {
			return i.trap(rterr.KindTrap, sbc.OpCallIndirect, "fast path: %s", ferr.Error())
		}
		for _, v := range res {
			i.push(Slot(v))
		}
		return nil
	}
	i.pushFrame(funcIndex, *fn, args, closureHandle)
	return nil
}

// doTailCall implements TailCall: reuses the current frame's locals
// base, truncating the stack to stack_base and resetting the locals arena
// top, then sets up the callee in place instead of pushing a new frame.
func (i *Interp) doTailCall(funcIndex int, argCount int) *rterr.Error {
	cur := &i.frames[len(i.frames)-1]
	fn := i.Module.Functions[funcIndex]
	sig := i.sigForFunction(funcIndex)
	args := i.popArgsRightToLeft(argCount)
	i.stack = i.stack[:cur.StackBase]

	if i.Module.FunctionIsImport[funcIndex] {
		// An import cannot be tail-called in place (it has no frame/locals
		// to reuse); treat it as a call whose result is immediately
		// returned, matching TailCall's observable semantics.
		res, err := i.callImportValues(funcIndex, sig, args)
		if err != nil {
			return err
		}
		i.popFrameReturning(res)
		return nil
	}

	localsCount := int(i.Module.Methods[funcIndex].LocalCount)
	base := cur.LocalsBase
	i.growLocals(base + localsCount)
	info := i.Verified.Functions[funcIndex]
	for idx := 0; idx < localsCount; idx++ {
		switch {
		case idx < len(args):
			i.localsArena[base+idx] = args[idx]
		case idx < len(info.LocalsRefBits) && info.LocalsRefBits[idx]:
			i.localsArena[base+idx] = nullSlot
		default:
			i.localsArena[base+idx] = 0
		}
	}
	i.localsTop = base + localsCount

	cur.FuncIndex = funcIndex
	cur.LocalsCount = localsCount
	cur.PC = int(fn.CodeOffset)
	return nil
}

// doRet implements Ret: pops the optional return value, restores
// the caller frame, resizes the stack to the caller's stack_base, and
// pushes the return value if the signature says so. Returns (value,
// hasValue, rootReturned).
func (i *Interp) doRet(hasValue bool) (Slot, bool, bool) {
	cur := i.frames[len(i.frames)-1]
	var ret Slot
	if hasValue {
		ret = i.pop()
	}
	i.localsTop = cur.LocalsBase
	i.stack = i.stack[:cur.StackBase]
	i.frames = i.frames[:len(i.frames)-1]

	if len(i.frames) == 0 {
		return ret, hasValue, true
	}
	if hasValue {
		i.push(ret)
	}
	return 0, false, false
}

// popFrameReturning is doRet's helper for the TailCall-to-import path: it
// finishes the current (reused) frame immediately with res as the return
// values, as if a Call+Ret to the import had happened back to back.
func (i *Interp) popFrameReturning(res []Slot) {
	cur := i.frames[len(i.frames)-1]
	i.localsTop = cur.LocalsBase
	i.stack = i.stack[:cur.StackBase]
	i.frames = i.frames[:len(i.frames)-1]
	if len(i.frames) > 0 {
		for _, v := range res {
			i.push(v)
		}
	}
}

func (i *Interp) sigForFunction(funcIndex int) sbc.SigRow {
	methodIdx := i.Module.Functions[funcIndex].MethodID
	idx, ok := i.Module.MethodToFunction[methodIdx]
	if !ok {
		idx = funcIndex
	}
	return i.Module.Sigs[i.Module.Methods[idx].SigID]
}

// popArgsRightToLeft pops argCount values off the stack; since the
// verifier requires args pushed in left-to-right source order, popping
// produces them right-to-left, and reversing gives the call's positional
// argument vector.
func (i *Interp) popArgsRightToLeft(argCount int) []Slot {
	if argCount == 0 {
		return nil
	}
	args := make([]Slot, argCount)
	for idx := argCount - 1; idx >= 0; idx-- {
		args[idx] = i.pop()
	}
	return args
}

func (i *Interp) callImport(funcIndex int, sig sbc.SigRow, args []Slot) *rterr.Error {
	res, err := i.callImportValues(funcIndex, sig, args)
	if err != nil {
		return err
	}
	for _, v := range res {
		i.push(v)
	}
	return nil
}

func (i *Interp) callImportValues(funcIndex int, sig sbc.SigRow, args []Slot) ([]Slot, *rterr.Error) {
	// attachImportFunctions appends exactly one function row per import,
	// in import order, at the end of Functions.
	importIdx := funcIndex - (len(i.Module.Functions) - len(i.Module.Imports))
	if importIdx < 0 || importIdx >= len(i.importFns) {
		return nil, i.trap(rterr.KindRuntime, sbc.OpCall, "import function index %d out of range", funcIndex)
	}
	fn := i.importFns[importIdx]
	if fn == nil {
		return nil, i.trap(rterr.KindHostImportError, sbc.OpCall, "no resolver bound for import %d", importIdx)
	}
	res, err := fn(i, args)
	if err != nil {
		return nil, i.attachContext(rterr.New(rterr.KindHostImportError, "%s", err.Error()), sbc.OpCall)
	}
	_ = sig
	return res, nil
}

// uint16At / uint32At read little-endian operand fields; kept local to
// this package to avoid re-importing encoding/binary everywhere.
func uint16At(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func uint32At(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func int32At(b []byte) int32   { return int32(binary.LittleEndian.Uint32(b)) }
