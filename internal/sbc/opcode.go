// Package sbc implements the SBC bytecode container: the opcode table,
// constant pool, binary header/section layout, and the loader that turns
// a byte slice into an in-memory module.
package sbc

// OpCode identifies a single bytecode instruction. The set is fixed by
// the runtime; an unknown byte is always a Verify-time error.
type OpCode byte

const (
	OpNop OpCode = iota
	OpHalt
	OpTrap
	OpBreakpoint
	OpJmp
	OpJmpTrue
	OpJmpFalse
	OpJmpTable
	OpPop
	OpDup
	OpDup2
	OpSwap
	OpRot
	OpConstI32
	OpConstI64
	OpConstF32
	OpConstF64
	OpConstString
	OpConstNull
	OpLoadLocal
	OpStoreLocal
	OpLoadGlobal
	OpStoreGlobal
	OpLoadUpvalue
	OpStoreUpvalue
	OpAddI32
	OpSubI32
	OpMulI32
	OpDivI32
	OpModI32
	OpNegI32
	OpIncI32
	OpDecI32
	OpCmpEqI32
	OpCmpNeI32
	OpCmpLtI32
	OpCmpLeI32
	OpCmpGtI32
	OpCmpGeI32
	OpAndI32
	OpOrI32
	OpXorI32
	OpShlI32
	OpShrI32
	OpAddI64
	OpSubI64
	OpMulI64
	OpDivI64
	OpModI64
	OpNegI64
	OpIncI64
	OpDecI64
	OpCmpEqI64
	OpCmpNeI64
	OpCmpLtI64
	OpCmpLeI64
	OpCmpGtI64
	OpCmpGeI64
	OpAndI64
	OpOrI64
	OpXorI64
	OpShlI64
	OpShrI64
	OpAddF32
	OpSubF32
	OpMulF32
	OpDivF32
	OpModF32
	OpNegF32
	OpIncF32
	OpDecF32
	OpCmpEqF32
	OpCmpNeF32
	OpCmpLtF32
	OpCmpLeF32
	OpCmpGtF32
	OpCmpGeF32
	OpAddF64
	OpSubF64
	OpMulF64
	OpDivF64
	OpModF64
	OpNegF64
	OpIncF64
	OpDecF64
	OpCmpEqF64
	OpCmpNeF64
	OpCmpLtF64
	OpCmpLeF64
	OpCmpGtF64
	OpCmpGeF64
	OpBoolNot
	OpBoolAnd
	OpBoolOr
	OpConvI32I64
	OpConvI32F32
	OpConvI32F64
	OpConvI64I32
	OpConvI64F32
	OpConvI64F64
	OpConvF32I32
	OpConvF32I64
	OpConvF32F64
	OpConvF64I32
	OpConvF64I64
	OpConvF64F32
	OpCall
	OpCallIndirect
	OpTailCall
	OpCallCheck
	OpEnter
	OpLeave
	OpRet
	OpLine
	OpProfileStart
	OpProfileEnd
	OpIntrinsic
	OpSysCall
	OpNewObject
	OpNewClosure
	OpLoadField
	OpStoreField
	OpIsNull
	OpRefEq
	OpRefNe
	OpTypeOf
	OpNewArray
	OpArrayLen
	OpArrayGet
	OpArraySet
	OpNewList
	OpListLen
	OpListGet
	OpListSet
	OpListPush
	OpListPop
	OpListInsert
	OpListRemove
	OpListClear
	OpStringLen
	OpStringConcat
	OpStringGetChar
	OpStringSlice
	// Unsigned and narrow integer forms. Add/Sub/Mul/And/Or/Xor/Shl are
	// bit-identical to the signed forms in two's complement and share
	// those opcodes; dedicated forms exist only where semantics differ.
	OpDivU32
	OpModU32
	OpDivU64
	OpModU64
	OpShrU32
	OpShrU64
	OpCmpLtU32
	OpCmpLeU32
	OpCmpGtU32
	OpCmpGeU32
	OpCmpLtU64
	OpCmpLeU64
	OpCmpGtU64
	OpCmpGeU64
	OpConvI32I8
	OpConvI32I16
	OpConvI32U8
	OpConvI32U16
	opcodeCount
)

// VarOperand marks OpInfo.Pops/Pushes as determined at runtime from the
// instruction's operands (call arity, signature, intrinsic id) rather
// than a fixed descriptor.
const VarOperand = -1

// OpInfo describes one opcode's operand length and stack effect, per
// the decoding metadata table (component: Opcode table).
type OpInfo struct {
	Mnemonic     string
	OperandBytes int
	Pops         int // VarOperand if determined by operands/signature
	Pushes       int // VarOperand if determined by operands/signature
}
// opInfo is the decoding-metadata table indexed by OpCode: operand
// length and stack effect for every instruction (component: Opcode table).
var opInfo = [opcodeCount]OpInfo{
	OpNop: {"nop", 0, 0, 0},
	OpHalt: {"halt", 0, 0, 0},
	OpTrap: {"trap", 0, 0, 0},
	OpBreakpoint: {"breakpoint", 0, 0, 0},
	OpJmp: {"jmp", 4, 0, 0},
	OpJmpTrue: {"jmp.true", 4, 1, 0},
	OpJmpFalse: {"jmp.false", 4, 1, 0},
	OpJmpTable: {"jmp.table", 4, 1, 0},
	OpPop: {"pop", 0, 1, 0},
	OpDup: {"dup", 0, 1, 2},
	OpDup2: {"dup2", 0, 2, 4},
	OpSwap: {"swap", 0, 2, 2},
	OpRot: {"rot", 0, 3, 3},
	OpConstI32: {"const.i32", 4, 0, 1},
	OpConstI64: {"const.i64", 4, 0, 1},
	OpConstF32: {"const.f32", 4, 0, 1},
	OpConstF64: {"const.f64", 4, 0, 1},
	OpConstString: {"const.string", 4, 0, 1},
	OpConstNull: {"const.null", 0, 0, 1},
	OpLoadLocal: {"load.local", 2, 0, 1},
	OpStoreLocal: {"store.local", 2, 1, 0},
	OpLoadGlobal: {"load.global", 4, 0, 1},
	OpStoreGlobal: {"store.global", 4, 1, 0},
	OpLoadUpvalue: {"load.upvalue", 2, 0, 1},
	OpStoreUpvalue: {"store.upvalue", 2, 1, 0},
	OpAddI32: {"add.i32", 0, 2, 1},
	OpSubI32: {"sub.i32", 0, 2, 1},
	OpMulI32: {"mul.i32", 0, 2, 1},
	OpDivI32: {"div.i32", 0, 2, 1},
	OpModI32: {"mod.i32", 0, 2, 1},
	OpNegI32: {"neg.i32", 0, 1, 1},
	OpIncI32: {"inc.i32", 0, 1, 1},
	OpDecI32: {"dec.i32", 0, 1, 1},
	OpCmpEqI32: {"cmp.eq.i32", 0, 2, 1},
	OpCmpNeI32: {"cmp.ne.i32", 0, 2, 1},
	OpCmpLtI32: {"cmp.lt.i32", 0, 2, 1},
	OpCmpLeI32: {"cmp.le.i32", 0, 2, 1},
	OpCmpGtI32: {"cmp.gt.i32", 0, 2, 1},
	OpCmpGeI32: {"cmp.ge.i32", 0, 2, 1},
	OpAndI32: {"and.i32", 0, 2, 1},
	OpOrI32: {"or.i32", 0, 2, 1},
	OpXorI32: {"xor.i32", 0, 2, 1},
	OpShlI32: {"shl.i32", 0, 2, 1},
	OpShrI32: {"shr.i32", 0, 2, 1},
	OpAddI64: {"add.i64", 0, 2, 1},
	OpSubI64: {"sub.i64", 0, 2, 1},
	OpMulI64: {"mul.i64", 0, 2, 1},
	OpDivI64: {"div.i64", 0, 2, 1},
	OpModI64: {"mod.i64", 0, 2, 1},
	OpNegI64: {"neg.i64", 0, 1, 1},
	OpIncI64: {"inc.i64", 0, 1, 1},
	OpDecI64: {"dec.i64", 0, 1, 1},
	OpCmpEqI64: {"cmp.eq.i64", 0, 2, 1},
	OpCmpNeI64: {"cmp.ne.i64", 0, 2, 1},
	OpCmpLtI64: {"cmp.lt.i64", 0, 2, 1},
	OpCmpLeI64: {"cmp.le.i64", 0, 2, 1},
	OpCmpGtI64: {"cmp.gt.i64", 0, 2, 1},
	OpCmpGeI64: {"cmp.ge.i64", 0, 2, 1},
	OpAndI64: {"and.i64", 0, 2, 1},
	OpOrI64: {"or.i64", 0, 2, 1},
	OpXorI64: {"xor.i64", 0, 2, 1},
	OpShlI64: {"shl.i64", 0, 2, 1},
	OpShrI64: {"shr.i64", 0, 2, 1},
	OpAddF32: {"add.f32", 0, 2, 1},
	OpSubF32: {"sub.f32", 0, 2, 1},
	OpMulF32: {"mul.f32", 0, 2, 1},
	OpDivF32: {"div.f32", 0, 2, 1},
	OpModF32: {"mod.f32", 0, 2, 1},
	OpNegF32: {"neg.f32", 0, 1, 1},
	OpIncF32: {"inc.f32", 0, 1, 1},
	OpDecF32: {"dec.f32", 0, 1, 1},
	OpCmpEqF32: {"cmp.eq.f32", 0, 2, 1},
	OpCmpNeF32: {"cmp.ne.f32", 0, 2, 1},
	OpCmpLtF32: {"cmp.lt.f32", 0, 2, 1},
	OpCmpLeF32: {"cmp.le.f32", 0, 2, 1},
	OpCmpGtF32: {"cmp.gt.f32", 0, 2, 1},
	OpCmpGeF32: {"cmp.ge.f32", 0, 2, 1},
	OpAddF64: {"add.f64", 0, 2, 1},
	OpSubF64: {"sub.f64", 0, 2, 1},
	OpMulF64: {"mul.f64", 0, 2, 1},
	OpDivF64: {"div.f64", 0, 2, 1},
	OpModF64: {"mod.f64", 0, 2, 1},
	OpNegF64: {"neg.f64", 0, 1, 1},
	OpIncF64: {"inc.f64", 0, 1, 1},
	OpDecF64: {"dec.f64", 0, 1, 1},
	OpCmpEqF64: {"cmp.eq.f64", 0, 2, 1},
	OpCmpNeF64: {"cmp.ne.f64", 0, 2, 1},
	OpCmpLtF64: {"cmp.lt.f64", 0, 2, 1},
	OpCmpLeF64: {"cmp.le.f64", 0, 2, 1},
	OpCmpGtF64: {"cmp.gt.f64", 0, 2, 1},
	OpCmpGeF64: {"cmp.ge.f64", 0, 2, 1},
	OpBoolNot: {"bool.not", 0, 1, 1},
	OpBoolAnd: {"bool.and", 0, 2, 1},
	OpBoolOr: {"bool.or", 0, 2, 1},
	OpConvI32I64: {"conv.i32.i64", 0, 1, 1},
	OpConvI32F32: {"conv.i32.f32", 0, 1, 1},
	OpConvI32F64: {"conv.i32.f64", 0, 1, 1},
	OpConvI64I32: {"conv.i64.i32", 0, 1, 1},
	OpConvI64F32: {"conv.i64.f32", 0, 1, 1},
	OpConvI64F64: {"conv.i64.f64", 0, 1, 1},
	OpConvF32I32: {"conv.f32.i32", 0, 1, 1},
	OpConvF32I64: {"conv.f32.i64", 0, 1, 1},
	OpConvF32F64: {"conv.f32.f64", 0, 1, 1},
	OpConvF64I32: {"conv.f64.i32", 0, 1, 1},
	OpConvF64I64: {"conv.f64.i64", 0, 1, 1},
	OpConvF64F32: {"conv.f64.f32", 0, 1, 1},
	OpCall: {"call", 5, -1, -1},
	OpCallIndirect: {"call.indirect", 5, -1, -1},
	OpTailCall: {"tail.call", 5, -1, -1},
	OpCallCheck: {"call.check", 0, 0, 0},
	OpEnter: {"enter", 2, 0, 0},
	OpLeave: {"leave", 0, 0, 0},
	OpRet: {"ret", 1, -1, 0},
	OpLine: {"line", 12, 0, 0},
	OpProfileStart: {"profile.start", 4, 0, 0},
	OpProfileEnd: {"profile.end", 4, 0, 0},
	OpIntrinsic: {"intrinsic", 2, -1, -1},
	OpSysCall: {"sys.call", 2, -1, -1},
	OpNewObject: {"new.object", 4, 0, 1},
	OpNewClosure: {"new.closure", 6, -1, 1},
	OpLoadField: {"load.field", 4, 1, 1},
	OpStoreField: {"store.field", 4, 2, 0},
	OpIsNull: {"is.null", 0, 1, 1},
	OpRefEq: {"ref.eq", 0, 2, 1},
	OpRefNe: {"ref.ne", 0, 2, 1},
	OpTypeOf: {"type.of", 0, 1, 1},
	OpNewArray: {"new.array", 1, 1, 1},
	OpArrayLen: {"array.len", 0, 1, 1},
	OpArrayGet: {"array.get", 1, 2, 1},
	OpArraySet: {"array.set", 1, 3, 0},
	OpNewList: {"new.list", 1, 1, 1},
	OpListLen: {"list.len", 0, 1, 1},
	OpListGet: {"list.get", 1, 2, 1},
	OpListSet: {"list.set", 1, 3, 0},
	OpListPush: {"list.push", 1, 2, 0},
	OpListPop: {"list.pop", 1, 1, 1},
	OpListInsert: {"list.insert", 1, 3, 0},
	OpListRemove: {"list.remove", 1, 2, 0},
	OpListClear: {"list.clear", 0, 1, 0},
	OpStringLen: {"string.len", 0, 1, 1},
	OpStringConcat: {"string.concat", 0, 2, 1},
	OpStringGetChar: {"string.get.char", 0, 2, 1},
	OpStringSlice: {"string.slice", 0, 3, 1},
	OpDivU32: {"div.u32", 0, 2, 1},
	OpModU32: {"mod.u32", 0, 2, 1},
	OpDivU64: {"div.u64", 0, 2, 1},
	OpModU64: {"mod.u64", 0, 2, 1},
	OpShrU32: {"shr.u32", 0, 2, 1},
	OpShrU64: {"shr.u64", 0, 2, 1},
	OpCmpLtU32: {"cmp.lt.u32", 0, 2, 1},
	OpCmpLeU32: {"cmp.le.u32", 0, 2, 1},
	OpCmpGtU32: {"cmp.gt.u32", 0, 2, 1},
	OpCmpGeU32: {"cmp.ge.u32", 0, 2, 1},
	OpCmpLtU64: {"cmp.lt.u64", 0, 2, 1},
	OpCmpLeU64: {"cmp.le.u64", 0, 2, 1},
	OpCmpGtU64: {"cmp.gt.u64", 0, 2, 1},
	OpCmpGeU64: {"cmp.ge.u64", 0, 2, 1},
	OpConvI32I8: {"conv.i32.i8", 0, 1, 1},
	OpConvI32I16: {"conv.i32.i16", 0, 1, 1},
	OpConvI32U8: {"conv.i32.u8", 0, 1, 1},
	OpConvI32U16: {"conv.i32.u16", 0, 1, 1},
}

// Lookup returns the descriptor for op, or false if op is not a known opcode.
func Lookup(op OpCode) (OpInfo, bool) {
	if int(op) >= len(opInfo) {
		return OpInfo{}, false
	}
	info := opInfo[op]
	if info.Mnemonic == "" {
		return OpInfo{}, false
	}
	return info, true
}

// Valid reports whether b names a known opcode.
func Valid(b byte) bool {
	_, ok := Lookup(OpCode(b))
	return ok
}

var opByMnemonic = func() map[string]OpCode {
	m := make(map[string]OpCode, len(opInfo))
	for op, info := range opInfo {
		if info.Mnemonic != "" {
			m[info.Mnemonic] = OpCode(op)
		}
	}
	return m
}()

// ByMnemonic resolves an assembler mnemonic to its opcode.
func ByMnemonic(name string) (OpCode, bool) {
	op, ok := opByMnemonic[name]
	return op, ok
}
