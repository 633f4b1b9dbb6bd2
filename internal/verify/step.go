package verify

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"simplert/internal/sbc"
)

// fastOpSet is the pinned opcode subset the tiering engine's fast-path may
// execute. The verifier records, per function, whether every
// instruction it saw belongs to this set, so the tiering engine does not
// have to re-scan bytecode it already classified.
var fastOpSet = map[sbc.OpCode]bool{
	sbc.OpEnter: true, sbc.OpNop: true, sbc.OpPop: true, sbc.OpRet: true,
	sbc.OpConstI32: true, sbc.OpLoadLocal: true, sbc.OpStoreLocal: true,
	sbc.OpAddI32: true, sbc.OpSubI32: true, sbc.OpMulI32: true,
	sbc.OpDivI32: true, sbc.OpModI32: true,
	sbc.OpCmpEqI32: true, sbc.OpCmpNeI32: true, sbc.OpCmpLtI32: true,
	sbc.OpCmpLeI32: true, sbc.OpCmpGtI32: true, sbc.OpCmpGeI32: true,
	sbc.OpBoolNot: true, sbc.OpBoolAnd: true, sbc.OpBoolOr: true,
	sbc.OpJmp: true, sbc.OpJmpTrue: true, sbc.OpJmpFalse: true,
}

// stepOne decodes the instruction at pc, checks it against the incoming
// abstract state, and returns the set of successor PCs plus the state to
// propagate to them. It also folds per-function bookkeeping (stack maps,
// fast-op classification, ref-bit tracking) into info.
func stepOne(m *sbc.Module, info *FunctionInfo, code []byte, pc int, in abstractState, fn sbc.FunctionRow) ([]int, abstractState, error) {
	op := sbc.OpCode(code[pc])
	desc, ok := sbc.Lookup(op)
	if !ok {
		return nil, abstractState{}, errors.Errorf("unknown opcode byte %#x", code[pc])
	}
	if !fastOpSet[op] {
		info.UsesOnlyFastOps = false
	}
	operandStart := pc + 1
	if operandStart+desc.OperandBytes > len(code) {
		return nil, abstractState{}, errors.Errorf("opcode %s operand truncated", desc.Mnemonic)
	}
	operand := code[operandStart : operandStart+desc.OperandBytes]
	next := pc + 1 + desc.OperandBytes

	out := cloneState(in)
	recordStackMap(info, pc, out)

	pop := func(want lane) error {
		if len(out.stack) == 0 {
			return errors.New("stack underflow")
		}
		got := out.stack[len(out.stack)-1]
		out.stack = out.stack[:len(out.stack)-1]
		if want != laneUnset && got != want {
			return errors.Errorf("lane mismatch: expected %v, got %v", want, got)
		}
		return nil
	}
	push := func(l lane) { out.stack = append(out.stack, l) }
	top := func() lane {
		if len(out.stack) == 0 {
			return laneUnset
		}
		return out.stack[len(out.stack)-1]
	}

	switch {
	case op == sbc.OpNop, op == sbc.OpBreakpoint, op == sbc.OpCallCheck,
		op == sbc.OpLeave, op == sbc.OpProfileStart, op == sbc.OpProfileEnd, op == sbc.OpLine:
		// no stack effect

	case op == sbc.OpHalt, op == sbc.OpTrap:
		// terminal: no fallthrough successor
		return nil, out, nil

	case op == sbc.OpEnter:
		locals := binary.LittleEndian.Uint16(operand)
		if int(locals) != len(info.LocalsRefBits) {
			return nil, out, errors.Errorf("Enter locals=%d does not match method local_count=%d", locals, len(info.LocalsRefBits))
		}

	case op == sbc.OpJmp:
		rel := int32(binary.LittleEndian.Uint32(operand))
		target := next + int(rel)
		if err := checkJumpTarget(fn, target); err != nil {
			return nil, out, err
		}
		return []int{target}, out, nil

	case op == sbc.OpJmpTrue, op == sbc.OpJmpFalse:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		rel := int32(binary.LittleEndian.Uint32(operand))
		target := next + int(rel)
		if err := checkJumpTarget(fn, target); err != nil {
			return nil, out, err
		}
		return []int{target, next}, out, nil

	case op == sbc.OpJmpTable:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		constOff := binary.LittleEndian.Uint32(operand)
		c, ok := m.ConstByOffset(constOff)
		if !ok || c.Kind != sbc.ConstJumpTbl {
			return nil, out, errors.New("JmpTable operand does not resolve to a jump table const")
		}
		targets := make([]int, 0, len(c.JumpTable))
		for _, rel := range c.JumpTable {
			t := next + int(rel)
			if err := checkJumpTarget(fn, t); err != nil {
				return nil, out, err
			}
			targets = append(targets, t)
		}
		return targets, out, nil

	case op == sbc.OpPop:
		if err := pop(laneUnset); err != nil {
			return nil, out, err
		}
	case op == sbc.OpDup:
		l := top()
		if err := pop(laneUnset); err != nil {
			return nil, out, err
		}
		push(l)
		push(l)
	case op == sbc.OpDup2:
		if len(out.stack) < 2 {
			return nil, out, errors.New("stack underflow on Dup2")
		}
		a, b := out.stack[len(out.stack)-2], out.stack[len(out.stack)-1]
		push(a)
		push(b)
	case op == sbc.OpSwap:
		if len(out.stack) < 2 {
			return nil, out, errors.New("stack underflow on Swap")
		}
		n := len(out.stack)
		out.stack[n-1], out.stack[n-2] = out.stack[n-2], out.stack[n-1]
	case op == sbc.OpRot:
		if len(out.stack) < 3 {
			return nil, out, errors.New("stack underflow on Rot")
		}
		n := len(out.stack)
		a, b, c := out.stack[n-3], out.stack[n-2], out.stack[n-1]
		out.stack[n-3], out.stack[n-2], out.stack[n-1] = b, c, a

	case op == sbc.OpConstI32:
		push(sbc.LaneI32)
	case op == sbc.OpConstI64:
		push(sbc.LaneI64)
	case op == sbc.OpConstF32:
		push(sbc.LaneF32)
	case op == sbc.OpConstF64:
		push(sbc.LaneF64)
	case op == sbc.OpConstString, op == sbc.OpConstNull:
		push(sbc.LaneRef)

	case op == sbc.OpLoadLocal:
		idx := binary.LittleEndian.Uint16(operand)
		if int(idx) >= len(out.locals) {
			return nil, out, errors.Errorf("local index %d out of range", idx)
		}
		l := out.locals[idx]
		if l == laneUnset {
			return nil, out, errors.Errorf("local %d read before any Store established its lane", idx)
		}
		push(l)
	case op == sbc.OpStoreLocal:
		idx := binary.LittleEndian.Uint16(operand)
		if int(idx) >= len(out.locals) {
			return nil, out, errors.Errorf("local index %d out of range", idx)
		}
		l := top()
		if err := pop(laneUnset); err != nil {
			return nil, out, err
		}
		if out.locals[idx] != laneUnset && out.locals[idx] != l {
			return nil, out, errors.Errorf("local %d lane conflict: had %v, storing %v", idx, out.locals[idx], l)
		}
		out.locals[idx] = l
		if err := observeLocalRef(info, int(idx), l == sbc.LaneRef); err != nil {
			return nil, out, err
		}

	case op == sbc.OpLoadGlobal:
		idx := binary.LittleEndian.Uint32(operand)
		if int(idx) >= len(m.Globals) {
			return nil, out, errors.Errorf("global index %d out of range", idx)
		}
		push(typeLane(m.Globals[idx].TypeID))
	case op == sbc.OpStoreGlobal:
		idx := binary.LittleEndian.Uint32(operand)
		if int(idx) >= len(m.Globals) {
			return nil, out, errors.Errorf("global index %d out of range", idx)
		}
		if err := pop(typeLane(m.Globals[idx].TypeID)); err != nil {
			return nil, out, err
		}
	case op == sbc.OpLoadUpvalue:
		push(sbc.LaneRef)
	case op == sbc.OpStoreUpvalue:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}

	case isArithUnary(op):
		l := arithLane(op)
		if err := pop(l); err != nil {
			return nil, out, err
		}
		push(l)
	case isArithBinary(op), isCmp(op), isBitwise(op):
		l := arithLane(op)
		if err := pop(l); err != nil {
			return nil, out, err
		}
		if err := pop(l); err != nil {
			return nil, out, err
		}
		if isCmp(op) {
			push(sbc.LaneI32) // bool-as-i32
		} else {
			push(l)
		}

	case op == sbc.OpBoolNot:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)
	case op == sbc.OpBoolAnd, op == sbc.OpBoolOr:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)

	case isConv(op):
		from, to := convLanes(op)
		if err := pop(from); err != nil {
			return nil, out, err
		}
		push(to)

	case op == sbc.OpCall:
		funcID := binary.LittleEndian.Uint32(operand)
		argCount := int(operand[4])
		_, fIdx, ok := m.Function(funcID)
		if !ok {
			return nil, out, errors.Errorf("call target method %d does not exist", funcID)
		}
		meth, _ := methodForFunction(m, m.Functions[fIdx].MethodID)
		sig := m.Sigs[meth.SigID]
		if int(sig.ParamCount) != argCount {
			return nil, out, errors.Errorf("call arg_count %d does not match signature param_count %d", argCount, sig.ParamCount)
		}
		if err := popArgs(pop, m, sig); err != nil {
			return nil, out, err
		}
		if sig.RetTypeID != voidTypeID {
			push(typeLane(sig.RetTypeID))
		}

	case op == sbc.OpCallIndirect:
		sigID := binary.LittleEndian.Uint32(operand)
		argCount := int(operand[4])
		if int(sigID) >= len(m.Sigs) {
			return nil, out, errors.Errorf("sig id %d out of range", sigID)
		}
		sig := m.Sigs[sigID]
		if err := pop(sbc.LaneRef); err != nil { // closure/func ref
			return nil, out, err
		}
		if int(sig.ParamCount) != argCount {
			return nil, out, errors.Errorf("call_indirect arg_count %d does not match sig param_count %d", argCount, sig.ParamCount)
		}
		if err := popArgs(pop, m, sig); err != nil {
			return nil, out, err
		}
		if sig.RetTypeID != voidTypeID {
			push(typeLane(sig.RetTypeID))
		}

	case op == sbc.OpTailCall:
		funcID := binary.LittleEndian.Uint32(operand)
		argCount := int(operand[4])
		_, fIdx, ok := m.Function(funcID)
		if !ok {
			return nil, out, errors.Errorf("tail call target method %d does not exist", funcID)
		}
		meth, _ := methodForFunction(m, m.Functions[fIdx].MethodID)
		sig := m.Sigs[meth.SigID]
		if int(sig.ParamCount) != argCount {
			return nil, out, errors.Errorf("tail call arg_count %d does not match signature param_count %d", argCount, sig.ParamCount)
		}
		if err := popArgs(pop, m, sig); err != nil {
			return nil, out, err
		}
		// terminal: no fallthrough successor
		return nil, out, nil

	case op == sbc.OpRet:
		hasValue := operand[0] != 0
		if hasValue {
			if err := pop(laneUnset); err != nil {
				return nil, out, err
			}
		}
		return nil, out, nil

	case op == sbc.OpIntrinsic, op == sbc.OpSysCall:
		// Stack effect is id-specific and validated by the interpreter's
		// dedicated intrinsic table at call time, not by this generic
		// verifier pass; the verifier only checks operand decoding here.
		_ = binary.LittleEndian.Uint16(operand)

	case op == sbc.OpNewObject:
		typeID := binary.LittleEndian.Uint32(operand)
		if int(typeID) >= len(m.Types) {
			return nil, out, errors.Errorf("type id %d out of range", typeID)
		}
		push(sbc.LaneRef)
	case op == sbc.OpNewClosure:
		upvals := int(binary.LittleEndian.Uint16(operand[4:]))
		for i := 0; i < upvals; i++ {
			if err := pop(sbc.LaneRef); err != nil {
				return nil, out, err
			}
		}
		push(sbc.LaneRef)
	case op == sbc.OpLoadField:
		fieldID := binary.LittleEndian.Uint32(operand)
		if int(fieldID) >= len(m.Fields) {
			return nil, out, errors.Errorf("field id %d out of range", fieldID)
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(typeLane(m.Fields[fieldID].TypeID))
	case op == sbc.OpStoreField:
		fieldID := binary.LittleEndian.Uint32(operand)
		if int(fieldID) >= len(m.Fields) {
			return nil, out, errors.Errorf("field id %d out of range", fieldID)
		}
		if err := pop(typeLane(m.Fields[fieldID].TypeID)); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
	case op == sbc.OpIsNull:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)
	case op == sbc.OpRefEq, op == sbc.OpRefNe:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)
	case op == sbc.OpTypeOf:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32) // the referent's type id, -1 for null

	case op == sbc.OpNewArray:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if !sbc.ElemKind(operand[0]).Valid() {
			return nil, out, errors.Errorf("bad array elem kind %d", operand[0])
		}
		push(sbc.LaneRef)
	case op == sbc.OpArrayLen:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)
	case op == sbc.OpArrayGet:
		k := sbc.ElemKind(operand[0])
		if !k.Valid() {
			return nil, out, errors.Errorf("bad array elem kind %d", operand[0])
		}
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(k.Lane())
	case op == sbc.OpArraySet:
		k := sbc.ElemKind(operand[0])
		if !k.Valid() {
			return nil, out, errors.Errorf("bad array elem kind %d", operand[0])
		}
		if err := pop(k.Lane()); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}

	case op == sbc.OpNewList:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if !sbc.ElemKind(operand[0]).Valid() {
			return nil, out, errors.Errorf("bad list elem kind %d", operand[0])
		}
		push(sbc.LaneRef)
	case op == sbc.OpListLen:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)
	case op == sbc.OpListClear:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
	case op == sbc.OpListGet:
		k := sbc.ElemKind(operand[0])
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(k.Lane())
	case op == sbc.OpListSet:
		k := sbc.ElemKind(operand[0])
		if err := pop(k.Lane()); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
	case op == sbc.OpListPush:
		k := sbc.ElemKind(operand[0])
		if err := pop(k.Lane()); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
	case op == sbc.OpListPop:
		k := sbc.ElemKind(operand[0])
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(k.Lane())
	case op == sbc.OpListInsert:
		k := sbc.ElemKind(operand[0])
		if err := pop(k.Lane()); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
	case op == sbc.OpListRemove:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}

	case op == sbc.OpStringLen:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)
	case op == sbc.OpStringConcat:
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneRef)
	case op == sbc.OpStringGetChar:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneI32)
	case op == sbc.OpStringSlice:
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneI32); err != nil {
			return nil, out, err
		}
		if err := pop(sbc.LaneRef); err != nil {
			return nil, out, err
		}
		push(sbc.LaneRef)

	default:
		return nil, out, errors.Errorf("verifier has no rule for opcode %s", desc.Mnemonic)
	}

	return []int{next}, out, nil
}

const voidTypeID = 4

func popArgs(pop func(lane) error, m *sbc.Module, sig sbc.SigRow) error {
	for i := int(sig.ParamCount) - 1; i >= 0; i-- {
		l := typeLane(m.ParamTypes[int(sig.ParamTypeStart)+i])
		if err := pop(l); err != nil {
			return err
		}
	}
	return nil
}

func checkJumpTarget(fn sbc.FunctionRow, target int) error {
	if target < 0 || uint32(target) > fn.CodeSize {
		return errors.Errorf("jump target %d out of function code range [0,%d]", target, fn.CodeSize)
	}
	return nil
}

func recordStackMap(info *FunctionInfo, pc int, s abstractState) {
	bits := make([]bool, len(s.stack))
	for i, l := range s.stack {
		bits[i] = l == sbc.LaneRef
	}
	info.StackMaps[pc] = StackMapEntry{PC: pc, StackHeight: len(s.stack), RefBits: bits}
}

func observeLocalRef(info *FunctionInfo, idx int, isRef bool) error {
	want := refUnset
	if isRef {
		want = refTrue
	} else {
		want = refFalse
	}
	if idx >= len(info.localRefObserved) {
		grown := make([]refState, idx+1)
		copy(grown, info.localRefObserved)
		for i := len(info.localRefObserved); i < len(grown); i++ {
			grown[i] = refUnset
		}
		info.localRefObserved = grown
	}
	switch info.localRefObserved[idx] {
	case refUnset:
		info.localRefObserved[idx] = want
	case want:
		// consistent
	default:
		return errors.Errorf("local %d observed as both ref and non-ref across the function", idx)
	}
	if idx < len(info.LocalsRefBits) {
		info.LocalsRefBits[idx] = info.localRefObserved[idx] == refTrue
	}
	return nil
}

type refState int8

const (
	refUnset refState = iota
	refTrue
	refFalse
)
