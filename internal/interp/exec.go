package interp

import (
	"unicode/utf16"

	"simplert/internal/rterr"
	"simplert/internal/sbc"
)

// dispatch runs the interpreter's main loop until
// the root frame returns or the program Halts, or a trap occurs.
func (i *Interp) dispatch() (Slot, bool, *rterr.Error) {
	for len(i.frames) > 0 {
		callerIdx := len(i.frames) - 1
		cur := &i.frames[callerIdx]
		code := i.Module.Code
		pc := cur.PC

		if pc < 0 || pc >= len(code) {
			return 0, false, i.trap(rterr.KindRuntime, sbc.OpNop, "pc %d out of code bounds", pc)
		}
		op := sbc.OpCode(code[pc])
		desc, ok := sbc.Lookup(op)
		if !ok {
			return 0, false, i.trap(rterr.KindRuntime, op, "unknown opcode byte %#x", code[pc])
		}
		operandStart := pc + 1
		if operandStart+desc.OperandBytes > len(code) {
			return 0, false, i.trap(rterr.KindRuntime, op, "operand truncated for %s", desc.Mnemonic)
		}
		operand := code[operandStart : operandStart+desc.OperandBytes]
		next := pc + 1 + desc.OperandBytes

		i.tick++
		i.maybeGC(pc)
		i.Tier.RecordOpcode(cur.FuncIndex, op)

		advance := next
		var rerr *rterr.Error
		var rootVal Slot
		var rootHas, rootDone bool

		switch {
		case op == sbc.OpNop, op == sbc.OpCallCheck:
			if op == sbc.OpCallCheck && len(i.frames) != 1 {
				rerr = i.trap(rterr.KindRuntime, op, "call.check: not invoked from root frame")
			}

		case op == sbc.OpHalt:
			i.frames = nil
			return 0, false, nil

		case op == sbc.OpTrap:
			rerr = i.trap(rterr.KindTrap, op, "Trap instruction executed")

		case op == sbc.OpBreakpoint:
			if i.Options.OnBreakpoint != nil && i.Options.OnBreakpoint(cur.FuncIndex, cur.Line, cur.Column) {
				rerr = i.trap(rterr.KindRuntime, op, "breakpoint")
			}

		case op == sbc.OpEnter:
			// Frame locals are already allocated by pushFrame/doTailCall;
			// Enter's only role at execution time is the operand check
			// the verifier already proved.

		case op == sbc.OpLeave:
			// no-op at runtime; Ret performs the actual frame teardown

		case op == sbc.OpLine:
			file := int32At(operand[0:4])
			line := int32At(operand[4:8])
			col := int32At(operand[8:12])
			cur.Line = int(line)
			cur.Column = int(col)
			_ = file

		case op == sbc.OpProfileStart:
			region := i.regionName(uint32At(operand))
			i.profileStart[region] = i.tick
		case op == sbc.OpProfileEnd:
			region := i.regionName(uint32At(operand))
			if start, ok := i.profileStart[region]; ok {
				i.profileRegions[region] += i.tick - start
				delete(i.profileStart, region)
			}

		case op == sbc.OpJmp:
			rel := int32At(operand)
			advance = next + int(rel)

		case op == sbc.OpJmpTrue:
			rel := int32At(operand)
			if i.pop().asI32() != 0 {
				advance = next + int(rel)
			}
		case op == sbc.OpJmpFalse:
			rel := int32At(operand)
			if i.pop().asI32() == 0 {
				advance = next + int(rel)
			}

		case op == sbc.OpJmpTable:
			idx := i.pop().asI32()
			constOff := uint32At(operand)
			c, ok := i.Module.ConstByOffset(constOff)
			if !ok || c.Kind != sbc.ConstJumpTbl || len(c.JumpTable) == 0 {
				rerr = i.trap(rterr.KindRuntime, op, "jmp.table: bad jump table operand")
				break
			}
			cases := c.JumpTable[:len(c.JumpTable)-1]
			def := c.JumpTable[len(c.JumpTable)-1]
			if idx >= 0 && int(idx) < len(cases) {
				advance = next + int(cases[idx])
			} else {
				advance = next + int(def)
			}

		case op == sbc.OpPop:
			i.pop()
		case op == sbc.OpDup:
			v := i.peek(0)
			i.push(v)
		case op == sbc.OpDup2:
			a, b := i.peek(1), i.peek(0)
			i.push(a)
			i.push(b)
		case op == sbc.OpSwap:
			n := len(i.stack)
			i.stack[n-1], i.stack[n-2] = i.stack[n-2], i.stack[n-1]
		case op == sbc.OpRot:
			n := len(i.stack)
			a, b, c := i.stack[n-3], i.stack[n-2], i.stack[n-1]
			i.stack[n-3], i.stack[n-2], i.stack[n-1] = b, c, a

		case op == sbc.OpConstI32:
			i.push(slotI32(int32At(operand)))
		case op == sbc.OpConstI64:
			// operand holds a 4-byte const-pool offset to an i128 blob
			// whose low 64 bits are the value.
			c, ok := i.Module.ConstByOffset(uint32At(operand))
			if !ok || (c.Kind != sbc.ConstI128 && c.Kind != sbc.ConstU128) {
				rerr = i.trap(rterr.KindRuntime, op, "const.i64: bad const pool offset")
				break
			}
			blob := c.I128
			if c.Kind == sbc.ConstU128 {
				blob = c.U128
			}
			i.push(Slot(le64(blob[:8])))
		case op == sbc.OpConstF32:
			c, ok := i.Module.ConstByOffset(uint32At(operand))
			if !ok || c.Kind != sbc.ConstF32 {
				rerr = i.trap(rterr.KindRuntime, op, "const.f32: bad const pool offset")
				break
			}
			i.push(slotF32(c.F32))
		case op == sbc.OpConstF64:
			c, ok := i.Module.ConstByOffset(uint32At(operand))
			if !ok || c.Kind != sbc.ConstF64 {
				rerr = i.trap(rterr.KindRuntime, op, "const.f64: bad const pool offset")
				break
			}
			i.push(slotF64(c.F64))
		case op == sbc.OpConstString:
			c, ok := i.Module.ConstByOffset(uint32At(operand))
			if !ok || c.Kind != sbc.ConstString {
				rerr = i.trap(rterr.KindRuntime, op, "const.string: bad const pool offset")
				break
			}
			i.push(slotRef(i.internString(c.Str)))
		case op == sbc.OpConstNull:
			i.push(nullSlot)

		case op == sbc.OpLoadLocal:
			idx := uint16At(operand)
			i.push(i.localsArena[cur.LocalsBase+int(idx)])
		case op == sbc.OpStoreLocal:
			idx := uint16At(operand)
			i.localsArena[cur.LocalsBase+int(idx)] = i.pop()

		case op == sbc.OpLoadGlobal:
			idx := uint32At(operand)
			i.push(i.globals[idx])
		case op == sbc.OpStoreGlobal:
			idx := uint32At(operand)
			i.globals[idx] = i.pop()

		case op == sbc.OpLoadUpvalue:
			rerr = i.loadUpvalue(uint16At(operand))
		case op == sbc.OpStoreUpvalue:
			rerr = i.storeUpvalue(uint16At(operand))

		case isArithOp(op):
			rerr = i.execArith(op)

		case op == sbc.OpNewObject, op == sbc.OpLoadField, op == sbc.OpStoreField,
			op == sbc.OpIsNull, op == sbc.OpRefEq, op == sbc.OpRefNe, op == sbc.OpTypeOf:
			rerr = i.execObject(op, operand)

		case op == sbc.OpNewArray, op == sbc.OpArrayLen, op == sbc.OpArrayGet, op == sbc.OpArraySet:
			rerr = i.execArray(op, operand)

		case op == sbc.OpNewList, op == sbc.OpListLen, op == sbc.OpListGet, op == sbc.OpListSet,
			op == sbc.OpListPush, op == sbc.OpListPop, op == sbc.OpListInsert,
			op == sbc.OpListRemove, op == sbc.OpListClear:
			rerr = i.execList(op, operand)

		case op == sbc.OpStringLen, op == sbc.OpStringConcat, op == sbc.OpStringGetChar, op == sbc.OpStringSlice:
			rerr = i.execString(op)

		case op == sbc.OpNewClosure:
			rerr = i.newClosure(operand)

		case op == sbc.OpIntrinsic:
			rerr = i.execIntrinsic(IntrinsicID(uint16At(operand)))
		case op == sbc.OpSysCall:
			rerr = i.execIntrinsic(IntrinsicID(uint16At(operand)))

		case op == sbc.OpCall:
			funcID := uint32At(operand[0:4])
			argCount := int(operand[4])
			_, funcIndex, ok := i.Module.Function(funcID)
			if !ok {
				rerr = i.trap(rterr.KindRuntime, op, "call: method %d does not exist", funcID)
				break
			}
			rerr = i.doCall(funcIndex, argCount)
		case op == sbc.OpCallIndirect:
			sigID := uint32At(operand[0:4])
			argCount := int(operand[4])
			rerr = i.doCallIndirect(sigID, argCount)
		case op == sbc.OpTailCall:
			funcID := uint32At(operand[0:4])
			argCount := int(operand[4])
			_, funcIndex, ok := i.Module.Function(funcID)
			if !ok {
				rerr = i.trap(rterr.KindRuntime, op, "tail.call: method %d does not exist", funcID)
				break
			}
			rerr = i.doTailCall(funcIndex, argCount)
		case op == sbc.OpRet:
			hasValue := operand[0] != 0
			rootVal, rootHas, rootDone = i.doRet(hasValue)

		default:
			rerr = i.trap(rterr.KindRuntime, op, "interpreter has no executor for opcode %s", desc.Mnemonic)
		}

		if rerr != nil {
			return 0, false, rerr
		}
		if rootDone {
			return rootVal, rootHas, nil
		}
		switch op {
		case sbc.OpTailCall, sbc.OpRet:
			// TailCall already overwrote its own frame's PC in place, and
			// Ret already popped the frame (or returned rootDone above);
			// callerIdx may no longer even be a live index for Ret.
		default:
			// Call/CallIndirect may have appended a frame, which can
			// reallocate i.frames' backing array; fetch a fresh pointer
			// by index rather than reuse the (possibly stale) cur.
			i.frames[callerIdx].PC = advance
		}
	}
	return 0, false, nil
}

func isArithOp(op sbc.OpCode) bool {
	return (op >= sbc.OpAddI32 && op <= sbc.OpConvF64F32) ||
		(op >= sbc.OpDivU32 && op <= sbc.OpConvI32U16)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (i *Interp) regionName(constOff uint32) string {
	s, _ := i.constString(constOff)
	return s
}

func (i *Interp) internString(s string) uint32 {
	return i.Heap.NewString(utf16.Encode([]rune(s)))
}
