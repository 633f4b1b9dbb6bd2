package interp

import (
	"encoding/binary"
	"fmt"

	"simplert/internal/rterr"
	"simplert/internal/sbc"
)

// trap builds a *rterr.Error carrying the full call context:
// function index, PC within function, last opcode
// mnemonic, decoded operands where the opcode carries them, source
// line/column if a Line opcode has run, and the full
// caller chain. The interpreter never panics; every failure path returns
// through this helper as a value.
func (i *Interp) trap(kind rterr.Kind, opcode sbc.OpCode, format string, args ...interface{}) *rterr.Error {
	base := rterr.New(kind, format, args...)
	return i.attachContext(base, opcode)
}

func (i *Interp) attachContext(base *rterr.Error, opcode sbc.OpCode) *rterr.Error {
	if len(i.frames) == 0 {
		return base
	}
	cur := i.frames[len(i.frames)-1]
	mnemonic := ""
	if info, ok := sbc.Lookup(opcode); ok {
		mnemonic = info.Mnemonic
	}
	chain := make([]rterr.CallContext, 0, len(i.frames)-1)
	for idx := len(i.frames) - 2; idx >= 0; idx-- {
		f := i.frames[idx]
		pc := f.PC - int(i.Module.Functions[f.FuncIndex].CodeOffset)
		line, col := i.sourcePos(f.FuncIndex, pc, f.Line, f.Column)
		chain = append(chain, rterr.CallContext{
			FuncIndex: f.FuncIndex,
			FuncName:  i.funcName(f.FuncIndex),
			PC:        pc,
			Line:      line,
			Column:    col,
			Operands:  i.callSiteOperands(f.FuncIndex, f.PC),
		})
	}
	pc := cur.PC - int(i.Module.Functions[cur.FuncIndex].CodeOffset)
	line, col := i.sourcePos(cur.FuncIndex, pc, cur.Line, cur.Column)
	return base.WithContext(cur.FuncIndex, pc, mnemonic, i.decodedOperands(cur.FuncIndex, cur.PC), line, col, chain)
}

// decodedOperands re-decodes the instruction at absPC from the code
// buffer and renders the operand fields a trap report cares about: call
// target and arity, jump rel and resolved target, jump-table const and
// default edge. Opcodes without reportable operands yield "".
func (i *Interp) decodedOperands(funcIndex, absPC int) string {
	code := i.Module.Code
	if absPC < 0 || absPC >= len(code) {
		return ""
	}
	op := sbc.OpCode(code[absPC])
	info, ok := sbc.Lookup(op)
	if !ok || absPC+1+info.OperandBytes > len(code) {
		return ""
	}
	operand := code[absPC+1 : absPC+1+info.OperandBytes]
	next := absPC + 1 + info.OperandBytes - int(i.Module.Functions[funcIndex].CodeOffset)

	switch op {
	case sbc.OpCall, sbc.OpTailCall:
		return fmt.Sprintf("target %d arity %d", binary.LittleEndian.Uint32(operand), operand[4])
	case sbc.OpCallIndirect:
		return fmt.Sprintf("sig %d arity %d", binary.LittleEndian.Uint32(operand), operand[4])
	case sbc.OpJmp, sbc.OpJmpTrue, sbc.OpJmpFalse:
		rel := int32(binary.LittleEndian.Uint32(operand))
		return fmt.Sprintf("rel %d target %d", rel, next+int(rel))
	case sbc.OpJmpTable:
		constOff := binary.LittleEndian.Uint32(operand)
		c, ok := i.Module.ConstByOffset(constOff)
		if !ok || c.Kind != sbc.ConstJumpTbl || len(c.JumpTable) == 0 {
			return fmt.Sprintf("table const %d", constOff)
		}
		def := c.JumpTable[len(c.JumpTable)-1]
		return fmt.Sprintf("table const %d default rel %d target %d", constOff, def, next+int(def))
	}
	return ""
}

// callSiteOperands decodes the Call/CallIndirect instruction a caller
// frame is suspended behind. resumePC is the frame's saved resumption
// point, which sits immediately after the call's fixed 6-byte encoding.
func (i *Interp) callSiteOperands(funcIndex, resumePC int) string {
	sitePC := resumePC - 6
	if sitePC < 0 || sitePC >= len(i.Module.Code) {
		return ""
	}
	switch sbc.OpCode(i.Module.Code[sitePC]) {
	case sbc.OpCall, sbc.OpCallIndirect:
		return i.decodedOperands(funcIndex, sitePC)
	}
	return ""
}

// sourcePos prefers the position set by an executed Line opcode; when
// none has run yet in the frame, it falls back to the Debug section's
// line rows by nearest-preceding-PC lookup.
func (i *Interp) sourcePos(funcIndex, pc, line, col int) (int, int) {
	if line != 0 || col != 0 {
		return line, col
	}
	bestPC := -1
	for _, row := range i.Module.DebugLines {
		if int(row.FuncIndex) != funcIndex || int(row.PC) > pc {
			continue
		}
		if int(row.PC) > bestPC {
			bestPC = int(row.PC)
			line, col = int(row.Line), int(row.Column)
		}
	}
	return line, col
}

// funcName resolves a function index to its method name via the const
// pool, falling back to a synthetic label when no name is available.
func (i *Interp) funcName(funcIndex int) string {
	if funcIndex < 0 || funcIndex >= len(i.Module.Functions) {
		return ""
	}
	methodIdx, ok := i.Module.MethodToFunction[i.Module.Functions[funcIndex].MethodID]
	if !ok {
		return ""
	}
	name, ok := i.constString(i.Module.Methods[methodIdx].NameConst)
	if !ok || name == "" {
		return fmt.Sprintf("func#%d", funcIndex)
	}
	return name
}
