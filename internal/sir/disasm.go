package sir

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"simplert/internal/sbc"
)

// DisInstr is one decoded instruction: its function-local PC, mnemonic,
// and numeric operand values, with labels already rewritten to relative
// offsets.
type DisInstr struct {
	PC       int
	Mnemonic string
	Operands []int64
}

// DisassembleFunc decodes one function's code range back into its
// instruction stream.
func DisassembleFunc(m *sbc.Module, funcIdx int) ([]DisInstr, error) {
	fn := m.Functions[funcIdx]
	code := m.Code[fn.CodeOffset : fn.CodeOffset+fn.CodeSize]
	var out []DisInstr
	pc := 0
	for pc < len(code) {
		op := sbc.OpCode(code[pc])
		info, ok := sbc.Lookup(op)
		if !ok {
			return nil, errors.Errorf("pc %d: unknown opcode byte %#x", pc, code[pc])
		}
		if pc+1+info.OperandBytes > len(code) {
			return nil, errors.Errorf("pc %d: %s operand truncated", pc, info.Mnemonic)
		}
		operand := code[pc+1 : pc+1+info.OperandBytes]
		out = append(out, DisInstr{PC: pc, Mnemonic: info.Mnemonic, Operands: decodeOperands(op, operand)})
		pc += 1 + info.OperandBytes
	}
	return out, nil
}

func decodeOperands(op sbc.OpCode, operand []byte) []int64 {
	u16 := func(off int) int64 { return int64(binary.LittleEndian.Uint16(operand[off:])) }
	u32 := func(off int) int64 { return int64(binary.LittleEndian.Uint32(operand[off:])) }
	i32 := func(off int) int64 { return int64(int32(binary.LittleEndian.Uint32(operand[off:]))) }

	switch op {
	case sbc.OpConstI32, sbc.OpJmp, sbc.OpJmpTrue, sbc.OpJmpFalse:
		return []int64{i32(0)}
	case sbc.OpConstI64, sbc.OpConstF32, sbc.OpConstF64, sbc.OpConstString,
		sbc.OpJmpTable, sbc.OpLoadGlobal, sbc.OpStoreGlobal, sbc.OpNewObject,
		sbc.OpLoadField, sbc.OpStoreField, sbc.OpProfileStart, sbc.OpProfileEnd:
		return []int64{u32(0)}
	case sbc.OpLoadLocal, sbc.OpStoreLocal, sbc.OpLoadUpvalue, sbc.OpStoreUpvalue,
		sbc.OpEnter, sbc.OpIntrinsic, sbc.OpSysCall:
		return []int64{u16(0)}
	case sbc.OpCall, sbc.OpCallIndirect, sbc.OpTailCall:
		return []int64{u32(0), int64(operand[4])}
	case sbc.OpNewClosure:
		return []int64{u32(0), u16(4)}
	case sbc.OpLine:
		return []int64{u32(0), u32(4), u32(8)}
	case sbc.OpRet, sbc.OpNewArray, sbc.OpArrayGet, sbc.OpArraySet,
		sbc.OpNewList, sbc.OpListGet, sbc.OpListSet, sbc.OpListPush,
		sbc.OpListPop, sbc.OpListInsert, sbc.OpListRemove:
		return []int64{int64(operand[0])}
	default:
		return nil
	}
}

// Disassemble renders every function of a loaded module as SIR-flavored
// text, one `func` block per function row (synthetic import rows are
// listed as import stubs).
func Disassemble(m *sbc.Module) (string, error) {
	var b strings.Builder
	for idx := range m.Functions {
		if m.FunctionIsImport[idx] {
			fmt.Fprintf(&b, "# func %d: import\n", idx)
			continue
		}
		name := methodName(m, idx)
		fmt.Fprintf(&b, "func %s\n", name)
		instrs, err := DisassembleFunc(m, idx)
		if err != nil {
			return "", errors.Wrapf(err, "function %d", idx)
		}
		for _, ins := range instrs {
			fmt.Fprintf(&b, "  %04d  %s", ins.PC, ins.Mnemonic)
			for _, v := range ins.Operands {
				fmt.Fprintf(&b, " %d", v)
			}
			b.WriteByte('\n')
		}
		b.WriteString("end\n")
	}
	return b.String(), nil
}

func methodName(m *sbc.Module, funcIdx int) string {
	methIdx, ok := m.MethodToFunction[m.Functions[funcIdx].MethodID]
	if !ok || methIdx >= len(m.Methods) {
		return fmt.Sprintf("func#%d", funcIdx)
	}
	if c, ok := m.ConstByOffset(m.Methods[methIdx].NameConst); ok && c.Kind == sbc.ConstString && c.Str != "" {
		return c.Str
	}
	return fmt.Sprintf("func#%d", funcIdx)
}
