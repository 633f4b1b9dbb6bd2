package interp

import (
	"math"

	"golang.org/x/exp/constraints"

	"simplert/internal/rterr"
	"simplert/internal/sbc"
)

// execArith executes one arithmetic/compare/bitwise/unary/conversion
// opcode. Integer division: divide/mod by zero always traps; INT_MIN / -1 wraps to
// INT_MIN rather than overflowing. Float division by zero yields 0.0, not
// Inf/NaN. Shifts mask by width-1. Bool ops are eager, no short circuit.
func (i *Interp) execArith(op sbc.OpCode) *rterr.Error {
	switch op {
	case sbc.OpAddI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() + b.asI32()))
	case sbc.OpSubI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() - b.asI32()))
	case sbc.OpMulI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() * b.asI32()))
	case sbc.OpDivI32:
		a, b := i.pop2()
		bv := b.asI32()
		if bv == 0 {
			return i.trap(rterr.KindRuntime, op, "DIV_I32 by zero")
		}
		av := a.asI32()
		if av == math.MinInt32 && bv == -1 {
			i.push(slotI32(math.MinInt32))
		} else {
			i.push(slotI32(av / bv))
		}
	case sbc.OpModI32:
		a, b := i.pop2()
		bv := b.asI32()
		if bv == 0 {
			return i.trap(rterr.KindRuntime, op, "MOD_I32 by zero")
		}
		av := a.asI32()
		if av == math.MinInt32 && bv == -1 {
			i.push(slotI32(0))
		} else {
			i.push(slotI32(av % bv))
		}
	case sbc.OpNegI32:
		a := i.pop()
		i.push(slotI32(-a.asI32())) // wraps at MinInt32 (two's complement)
	case sbc.OpIncI32:
		a := i.pop()
		i.push(slotI32(a.asI32() + 1))
	case sbc.OpDecI32:
		a := i.pop()
		i.push(slotI32(a.asI32() - 1))

	case sbc.OpAddI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() + b.asI64()))
	case sbc.OpSubI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() - b.asI64()))
	case sbc.OpMulI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() * b.asI64()))
	case sbc.OpDivI64:
		a, b := i.pop2()
		bv := b.asI64()
		if bv == 0 {
			return i.trap(rterr.KindRuntime, op, "DIV_I64 by zero")
		}
		av := a.asI64()
		if av == math.MinInt64 && bv == -1 {
			i.push(slotI64(math.MinInt64))
		} else {
			i.push(slotI64(av / bv))
		}
	case sbc.OpModI64:
		a, b := i.pop2()
		bv := b.asI64()
		if bv == 0 {
			return i.trap(rterr.KindRuntime, op, "MOD_I64 by zero")
		}
		av := a.asI64()
		if av == math.MinInt64 && bv == -1 {
			i.push(slotI64(0))
		} else {
			i.push(slotI64(av % bv))
		}
	case sbc.OpNegI64:
		a := i.pop()
		i.push(slotI64(-a.asI64()))
	case sbc.OpIncI64:
		a := i.pop()
		i.push(slotI64(a.asI64() + 1))
	case sbc.OpDecI64:
		a := i.pop()
		i.push(slotI64(a.asI64() - 1))

	case sbc.OpAddF32:
		a, b := i.pop2()
		i.push(slotF32(a.asF32() + b.asF32()))
	case sbc.OpSubF32:
		a, b := i.pop2()
		i.push(slotF32(a.asF32() - b.asF32()))
	case sbc.OpMulF32:
		a, b := i.pop2()
		i.push(slotF32(a.asF32() * b.asF32()))
	case sbc.OpDivF32:
		a, b := i.pop2()
		bv := b.asF32()
		if bv == 0 {
			i.push(slotF32(0))
		} else {
			i.push(slotF32(a.asF32() / bv))
		}
	case sbc.OpModF32:
		a, b := i.pop2()
		bv := b.asF32()
		if bv == 0 {
			i.push(slotF32(0))
		} else {
			i.push(slotF32(float32(math.Mod(float64(a.asF32()), float64(bv)))))
		}
	case sbc.OpNegF32:
		a := i.pop()
		i.push(slotF32(-a.asF32()))
	case sbc.OpIncF32:
		a := i.pop()
		i.push(slotF32(a.asF32() + 1))
	case sbc.OpDecF32:
		a := i.pop()
		i.push(slotF32(a.asF32() - 1))

	case sbc.OpAddF64:
		a, b := i.pop2()
		i.push(slotF64(a.asF64() + b.asF64()))
	case sbc.OpSubF64:
		a, b := i.pop2()
		i.push(slotF64(a.asF64() - b.asF64()))
	case sbc.OpMulF64:
		a, b := i.pop2()
		i.push(slotF64(a.asF64() * b.asF64()))
	case sbc.OpDivF64:
		a, b := i.pop2()
		bv := b.asF64()
		if bv == 0 {
			i.push(slotF64(0))
		} else {
			i.push(slotF64(a.asF64() / bv))
		}
	case sbc.OpModF64:
		a, b := i.pop2()
		bv := b.asF64()
		if bv == 0 {
			i.push(slotF64(0))
		} else {
			i.push(slotF64(math.Mod(a.asF64(), bv)))
		}
	case sbc.OpNegF64:
		a := i.pop()
		i.push(slotF64(-a.asF64()))
	case sbc.OpIncF64:
		a := i.pop()
		i.push(slotF64(a.asF64() + 1))
	case sbc.OpDecF64:
		a := i.pop()
		i.push(slotF64(a.asF64() - 1))

	case sbc.OpCmpEqI32, sbc.OpCmpNeI32, sbc.OpCmpLtI32, sbc.OpCmpLeI32, sbc.OpCmpGtI32, sbc.OpCmpGeI32:
		a, b := i.pop2()
		i.pushBool(cmpOrd(op, sbc.OpCmpEqI32, a.asI32(), b.asI32()))
	case sbc.OpCmpEqI64, sbc.OpCmpNeI64, sbc.OpCmpLtI64, sbc.OpCmpLeI64, sbc.OpCmpGtI64, sbc.OpCmpGeI64:
		a, b := i.pop2()
		i.pushBool(cmpOrd(op, sbc.OpCmpEqI64, a.asI64(), b.asI64()))
	case sbc.OpCmpEqF32, sbc.OpCmpNeF32, sbc.OpCmpLtF32, sbc.OpCmpLeF32, sbc.OpCmpGtF32, sbc.OpCmpGeF32:
		a, b := i.pop2()
		i.pushBool(cmpOrd(op, sbc.OpCmpEqF32, a.asF32(), b.asF32()))
	case sbc.OpCmpEqF64, sbc.OpCmpNeF64, sbc.OpCmpLtF64, sbc.OpCmpLeF64, sbc.OpCmpGtF64, sbc.OpCmpGeF64:
		a, b := i.pop2()
		i.pushBool(cmpOrd(op, sbc.OpCmpEqF64, a.asF64(), b.asF64()))

	case sbc.OpAndI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() & b.asI32()))
	case sbc.OpOrI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() | b.asI32()))
	case sbc.OpXorI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() ^ b.asI32()))
	case sbc.OpShlI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() << (uint32(b.asI32()) & 31)))
	case sbc.OpShrI32:
		a, b := i.pop2()
		i.push(slotI32(a.asI32() >> (uint32(b.asI32()) & 31)))
	case sbc.OpAndI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() & b.asI64()))
	case sbc.OpOrI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() | b.asI64()))
	case sbc.OpXorI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() ^ b.asI64()))
	case sbc.OpShlI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() << (uint64(b.asI64()) & 63)))
	case sbc.OpShrI64:
		a, b := i.pop2()
		i.push(slotI64(a.asI64() >> (uint64(b.asI64()) & 63)))

	case sbc.OpBoolNot:
		a := i.pop()
		i.pushBool(a.asI32()&1 == 0)
	case sbc.OpBoolAnd:
		a, b := i.pop2() // eager: both sides already evaluated by the front end
		i.pushBool(a.asI32()&1 != 0 && b.asI32()&1 != 0)
	case sbc.OpBoolOr:
		a, b := i.pop2()
		i.pushBool(a.asI32()&1 != 0 || b.asI32()&1 != 0)

	case sbc.OpConvI32I64:
		a := i.pop()
		i.push(slotI64(int64(a.asI32())))
	case sbc.OpConvI32F32:
		a := i.pop()
		i.push(slotF32(float32(a.asI32())))
	case sbc.OpConvI32F64:
		a := i.pop()
		i.push(slotF64(float64(a.asI32())))
	case sbc.OpConvI64I32:
		a := i.pop()
		i.push(slotI32(int32(a.asI64())))
	case sbc.OpConvI64F32:
		a := i.pop()
		i.push(slotF32(float32(a.asI64())))
	case sbc.OpConvI64F64:
		a := i.pop()
		i.push(slotF64(float64(a.asI64())))
	case sbc.OpConvF32I32:
		a := i.pop()
		i.push(slotI32(int32(a.asF32())))
	case sbc.OpConvF32I64:
		a := i.pop()
		i.push(slotI64(int64(a.asF32())))
	case sbc.OpConvF32F64:
		a := i.pop()
		i.push(slotF64(float64(a.asF32())))
	case sbc.OpConvF64I32:
		a := i.pop()
		i.push(slotI32(int32(a.asF64())))
	case sbc.OpConvF64I64:
		a := i.pop()
		i.push(slotI64(int64(a.asF64())))
	case sbc.OpConvF64F32:
		a := i.pop()
		i.push(slotF32(float32(a.asF64())))

	case sbc.OpDivU32:
		a, b := i.pop2()
		if b.asU32() == 0 {
			return i.trap(rterr.KindRuntime, op, "DIV_U32 by zero")
		}
		i.push(slotI32(int32(a.asU32() / b.asU32())))
	case sbc.OpModU32:
		a, b := i.pop2()
		if b.asU32() == 0 {
			return i.trap(rterr.KindRuntime, op, "MOD_U32 by zero")
		}
		i.push(slotI32(int32(a.asU32() % b.asU32())))
	case sbc.OpDivU64:
		a, b := i.pop2()
		if b.asU64() == 0 {
			return i.trap(rterr.KindRuntime, op, "DIV_U64 by zero")
		}
		i.push(Slot(a.asU64() / b.asU64()))
	case sbc.OpModU64:
		a, b := i.pop2()
		if b.asU64() == 0 {
			return i.trap(rterr.KindRuntime, op, "MOD_U64 by zero")
		}
		i.push(Slot(a.asU64() % b.asU64()))

	case sbc.OpShrU32:
		a, b := i.pop2()
		i.push(slotI32(int32(a.asU32() >> (b.asU32() & 31))))
	case sbc.OpShrU64:
		a, b := i.pop2()
		i.push(Slot(a.asU64() >> (b.asU64() & 63)))

	case sbc.OpCmpLtU32, sbc.OpCmpLeU32, sbc.OpCmpGtU32, sbc.OpCmpGeU32:
		a, b := i.pop2()
		i.pushBool(cmpOrdU(op, sbc.OpCmpLtU32, a.asU32(), b.asU32()))
	case sbc.OpCmpLtU64, sbc.OpCmpLeU64, sbc.OpCmpGtU64, sbc.OpCmpGeU64:
		a, b := i.pop2()
		i.pushBool(cmpOrdU(op, sbc.OpCmpLtU64, a.asU64(), b.asU64()))

	case sbc.OpConvI32I8:
		a := i.pop()
		i.push(slotI32(int32(int8(a.asI32()))))
	case sbc.OpConvI32I16:
		a := i.pop()
		i.push(slotI32(int32(int16(a.asI32()))))
	case sbc.OpConvI32U8:
		a := i.pop()
		i.push(slotI32(int32(uint32(uint8(a.asI32())))))
	case sbc.OpConvI32U16:
		a := i.pop()
		i.push(slotI32(int32(uint32(uint16(a.asI32())))))

	default:
		return i.trap(rterr.KindRuntime, op, "interpreter has no executor for opcode %d", op)
	}
	return nil
}

// cmpOrdU evaluates the four ordered unsigned compares; base is the
// family's CmpLt opcode (unsigned families have no dedicated Eq/Ne —
// equality is sign-agnostic).
func cmpOrdU[T constraints.Unsigned](op, base sbc.OpCode, a, b T) bool {
	switch op - base {
	case 0:
		return a < b
	case 1:
		return a <= b
	case 2:
		return a > b
	default:
		return a >= b
	}
}

// cmpOrd evaluates one of the six Cmp* families; base is that family's
// CmpEq opcode so op-base gives a family-independent 0..5 selector,
// shared across the four lanes instead of hand-copied per width.
func cmpOrd[T constraints.Ordered](op, base sbc.OpCode, a, b T) bool {
	switch op - base {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a <= b
	case 4:
		return a > b
	default:
		return a >= b
	}
}
