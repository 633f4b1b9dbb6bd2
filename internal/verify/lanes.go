package verify

import "simplert/internal/sbc"

var arithUnaryOps = map[sbc.OpCode]lane{
	sbc.OpNegI32: sbc.LaneI32, sbc.OpIncI32: sbc.LaneI32, sbc.OpDecI32: sbc.LaneI32,
	sbc.OpNegI64: sbc.LaneI64, sbc.OpIncI64: sbc.LaneI64, sbc.OpDecI64: sbc.LaneI64,
	sbc.OpNegF32: sbc.LaneF32, sbc.OpIncF32: sbc.LaneF32, sbc.OpDecF32: sbc.LaneF32,
	sbc.OpNegF64: sbc.LaneF64, sbc.OpIncF64: sbc.LaneF64, sbc.OpDecF64: sbc.LaneF64,
}

var arithBinaryOps = map[sbc.OpCode]lane{
	sbc.OpDivU32: sbc.LaneI32, sbc.OpModU32: sbc.LaneI32,
	sbc.OpDivU64: sbc.LaneI64, sbc.OpModU64: sbc.LaneI64,
	sbc.OpAddI32: sbc.LaneI32, sbc.OpSubI32: sbc.LaneI32, sbc.OpMulI32: sbc.LaneI32, sbc.OpDivI32: sbc.LaneI32, sbc.OpModI32: sbc.LaneI32,
	sbc.OpAddI64: sbc.LaneI64, sbc.OpSubI64: sbc.LaneI64, sbc.OpMulI64: sbc.LaneI64, sbc.OpDivI64: sbc.LaneI64, sbc.OpModI64: sbc.LaneI64,
	sbc.OpAddF32: sbc.LaneF32, sbc.OpSubF32: sbc.LaneF32, sbc.OpMulF32: sbc.LaneF32, sbc.OpDivF32: sbc.LaneF32, sbc.OpModF32: sbc.LaneF32,
	sbc.OpAddF64: sbc.LaneF64, sbc.OpSubF64: sbc.LaneF64, sbc.OpMulF64: sbc.LaneF64, sbc.OpDivF64: sbc.LaneF64, sbc.OpModF64: sbc.LaneF64,
}

var cmpOps = map[sbc.OpCode]lane{
	sbc.OpCmpLtU32: sbc.LaneI32, sbc.OpCmpLeU32: sbc.LaneI32, sbc.OpCmpGtU32: sbc.LaneI32, sbc.OpCmpGeU32: sbc.LaneI32,
	sbc.OpCmpLtU64: sbc.LaneI64, sbc.OpCmpLeU64: sbc.LaneI64, sbc.OpCmpGtU64: sbc.LaneI64, sbc.OpCmpGeU64: sbc.LaneI64,
	sbc.OpCmpEqI32: sbc.LaneI32, sbc.OpCmpNeI32: sbc.LaneI32, sbc.OpCmpLtI32: sbc.LaneI32, sbc.OpCmpLeI32: sbc.LaneI32, sbc.OpCmpGtI32: sbc.LaneI32, sbc.OpCmpGeI32: sbc.LaneI32,
	sbc.OpCmpEqI64: sbc.LaneI64, sbc.OpCmpNeI64: sbc.LaneI64, sbc.OpCmpLtI64: sbc.LaneI64, sbc.OpCmpLeI64: sbc.LaneI64, sbc.OpCmpGtI64: sbc.LaneI64, sbc.OpCmpGeI64: sbc.LaneI64,
	sbc.OpCmpEqF32: sbc.LaneF32, sbc.OpCmpNeF32: sbc.LaneF32, sbc.OpCmpLtF32: sbc.LaneF32, sbc.OpCmpLeF32: sbc.LaneF32, sbc.OpCmpGtF32: sbc.LaneF32, sbc.OpCmpGeF32: sbc.LaneF32,
	sbc.OpCmpEqF64: sbc.LaneF64, sbc.OpCmpNeF64: sbc.LaneF64, sbc.OpCmpLtF64: sbc.LaneF64, sbc.OpCmpLeF64: sbc.LaneF64, sbc.OpCmpGtF64: sbc.LaneF64, sbc.OpCmpGeF64: sbc.LaneF64,
}

var bitwiseOps = map[sbc.OpCode]lane{
	sbc.OpShrU32: sbc.LaneI32, sbc.OpShrU64: sbc.LaneI64,
	sbc.OpAndI32: sbc.LaneI32, sbc.OpOrI32: sbc.LaneI32, sbc.OpXorI32: sbc.LaneI32, sbc.OpShlI32: sbc.LaneI32, sbc.OpShrI32: sbc.LaneI32,
	sbc.OpAndI64: sbc.LaneI64, sbc.OpOrI64: sbc.LaneI64, sbc.OpXorI64: sbc.LaneI64, sbc.OpShlI64: sbc.LaneI64, sbc.OpShrI64: sbc.LaneI64,
}

var convOps = map[sbc.OpCode][2]lane{
	sbc.OpConvI32I8:  {sbc.LaneI32, sbc.LaneI32},
	sbc.OpConvI32I16: {sbc.LaneI32, sbc.LaneI32},
	sbc.OpConvI32U8:  {sbc.LaneI32, sbc.LaneI32},
	sbc.OpConvI32U16: {sbc.LaneI32, sbc.LaneI32},
	sbc.OpConvI32I64: {sbc.LaneI32, sbc.LaneI64}, sbc.OpConvI32F32: {sbc.LaneI32, sbc.LaneF32}, sbc.OpConvI32F64: {sbc.LaneI32, sbc.LaneF64},
	sbc.OpConvI64I32: {sbc.LaneI64, sbc.LaneI32}, sbc.OpConvI64F32: {sbc.LaneI64, sbc.LaneF32}, sbc.OpConvI64F64: {sbc.LaneI64, sbc.LaneF64},
	sbc.OpConvF32I32: {sbc.LaneF32, sbc.LaneI32}, sbc.OpConvF32I64: {sbc.LaneF32, sbc.LaneI64}, sbc.OpConvF32F64: {sbc.LaneF32, sbc.LaneF64},
	sbc.OpConvF64I32: {sbc.LaneF64, sbc.LaneI32}, sbc.OpConvF64I64: {sbc.LaneF64, sbc.LaneI64}, sbc.OpConvF64F32: {sbc.LaneF64, sbc.LaneF32},
}

func isArithUnary(op sbc.OpCode) bool  { _, ok := arithUnaryOps[op]; return ok }
func isArithBinary(op sbc.OpCode) bool { _, ok := arithBinaryOps[op]; return ok }
func isCmp(op sbc.OpCode) bool         { _, ok := cmpOps[op]; return ok }
func isBitwise(op sbc.OpCode) bool     { _, ok := bitwiseOps[op]; return ok }
func isConv(op sbc.OpCode) bool        { _, ok := convOps[op]; return ok }

func arithLane(op sbc.OpCode) lane {
	if l, ok := arithUnaryOps[op]; ok {
		return l
	}
	if l, ok := arithBinaryOps[op]; ok {
		return l
	}
	if l, ok := cmpOps[op]; ok {
		return l
	}
	if l, ok := bitwiseOps[op]; ok {
		return l
	}
	return laneUnset
}

func convLanes(op sbc.OpCode) (lane, lane) {
	pair := convOps[op]
	return pair[0], pair[1]
}
