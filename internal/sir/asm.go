package sir

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"simplert/internal/interp"
	"simplert/internal/sbc"
)

// primitiveTypeIDs maps the reserved lane type names onto the fixed ids
// the runtime contract assigns them; user types are numbered after these,
// in declaration order.
var primitiveTypeIDs = map[string]uint32{
	"i32": 0, "i64": 1, "f32": 2, "f64": 3, "void": 4,
}

const userTypeBase = 5

// mnemonicAliases covers the shorthand forms the toolchain docs use next
// to the canonical dotted mnemonics.
var mnemonicAliases = map[string]string{
	"ldloc":    "load.local",
	"stloc":    "store.local",
	"ldglob":   "load.global",
	"stglob":   "store.global",
	"newlist":  "new.list",
	"newarray": "new.array",
	"newobj":   "new.object",
}

// elemKindOps are the opcodes whose first operand byte is an ElemKind;
// they accept a `.i32`-style mnemonic suffix as an alternative spelling.
var elemKindOps = map[sbc.OpCode]bool{
	sbc.OpNewArray: true, sbc.OpArrayGet: true, sbc.OpArraySet: true,
	sbc.OpNewList: true, sbc.OpListGet: true, sbc.OpListSet: true,
	sbc.OpListPush: true, sbc.OpListPop: true, sbc.OpListInsert: true,
	sbc.OpListRemove: true,
}

var elemKinds = map[string]sbc.ElemKind{
	"i32": sbc.ElemI32, "i64": sbc.ElemI64,
	"f32": sbc.ElemF32, "f64": sbc.ElemF64, "ref": sbc.ElemRef,
}

var intrinsicIDs = map[string]interp.IntrinsicID{
	"abs.i32": interp.IntrinsicAbsI32, "abs.i64": interp.IntrinsicAbsI64,
	"abs.f32": interp.IntrinsicAbsF32, "abs.f64": interp.IntrinsicAbsF64,
	"min.i32": interp.IntrinsicMinI32, "max.i32": interp.IntrinsicMaxI32,
	"min.i64": interp.IntrinsicMinI64, "max.i64": interp.IntrinsicMaxI64,
	"min.f32": interp.IntrinsicMinF32, "max.f32": interp.IntrinsicMaxF32,
	"min.f64": interp.IntrinsicMinF64, "max.f64": interp.IntrinsicMaxF64,
	"monotonic": interp.IntrinsicMonotonicNanos, "wallclock": interp.IntrinsicWallClockNanos,
	"print": interp.IntrinsicPrint, "trap": interp.IntrinsicTrap,
	"dl.call.i32": interp.IntrinsicDLCallI32, "dl.call.i64": interp.IntrinsicDLCallI64,
	"dl.call.f64": interp.IntrinsicDLCallF64, "dl.call.str": interp.IntrinsicDLCallStr,
}

// Assemble turns a parsed Program into SBC container bytes ready for
// sbc.Load.
func Assemble(p *Program) ([]byte, error) {
	a := &asm{
		prog:    p,
		pool:    newPoolBuilder(),
		sigIDs:  map[string]uint32{},
		typeIDs: map[string]uint32{},
		globals: map[string]uint32{},
		methods: map[string]uint32{},
	}
	for name, id := range primitiveTypeIDs {
		a.typeIDs[name] = id
	}
	for i, t := range p.Types {
		if _, dup := a.typeIDs[t.Name]; dup {
			return nil, errors.Errorf("duplicate type %s", t.Name)
		}
		a.typeIDs[t.Name] = userTypeBase + uint32(i)
	}
	// generic reference-typed slots (strings, arrays, lists, closures)
	// share one id past the declared types; any id at or above the
	// primitive range lands in the Ref lane
	refAlias := userTypeBase + uint32(len(p.Types))
	for _, name := range []string{"string", "ref"} {
		if _, taken := a.typeIDs[name]; !taken {
			a.typeIDs[name] = refAlias
		}
	}
	for i, s := range p.Sigs {
		if _, dup := a.sigIDs[s.Name]; dup {
			return nil, errors.Errorf("duplicate sig %s", s.Name)
		}
		a.sigIDs[s.Name] = uint32(i)
	}
	for i, g := range p.Globals {
		a.globals[g.Name] = uint32(i)
	}
	for i, f := range p.Funcs {
		if _, dup := a.methods[f.Name]; dup {
			return nil, errors.Errorf("duplicate func %s", f.Name)
		}
		a.methods[f.Name] = uint32(i)
	}
	// imports dispatch through synthetic method ids the loader appends
	// after the declared ones, in import order
	for i, imp := range p.Imports {
		id := uint32(len(p.Funcs) + i)
		a.methods[imp.Module+"."+imp.Symbol] = id
		if _, taken := a.methods[imp.Symbol]; !taken {
			a.methods[imp.Symbol] = id
		}
	}
	for _, c := range p.Consts {
		if err := a.pool.registerDecl(c); err != nil {
			return nil, err
		}
	}

	// every pool entry must exist before layout assigns offsets, so the
	// desugar pass interns instruction-referenced constants up front
	desugared := make([][]item, len(p.Funcs))
	for i := range p.Funcs {
		items, err := a.desugar(&p.Funcs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "func %s", p.Funcs[i].Name)
		}
		desugared[i] = items
	}
	a.internRowNames()
	a.pool.layout()

	var code []byte
	funcOffsets := make([]uint32, len(p.Funcs))
	funcSizes := make([]uint32, len(p.Funcs))
	for i := range p.Funcs {
		body, err := a.emitFunc(&p.Funcs[i], desugared[i])
		if err != nil {
			return nil, errors.Wrapf(err, "func %s", p.Funcs[i].Name)
		}
		funcOffsets[i] = uint32(len(code))
		funcSizes[i] = uint32(len(body))
		code = append(code, body...)
	}

	return a.writeContainer(code, funcOffsets, funcSizes)
}

// AssembleText parses and assembles in one call.
func AssembleText(src string) ([]byte, error) {
	p, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Assemble(p)
}

// internRowNames gives every row table's name column a real string const
// so trap reports and the disassembler can resolve names.
func (a *asm) internRowNames() {
	for _, t := range a.prog.Types {
		a.pool.internString(t.Name)
		for _, f := range t.Fields {
			a.pool.internString(f.Name)
		}
	}
	for _, f := range a.prog.Funcs {
		a.pool.internString(f.Name)
	}
	for _, g := range a.prog.Globals {
		a.pool.internString(g.Name)
	}
	for _, imp := range a.prog.Imports {
		a.pool.internString(imp.Module)
		a.pool.internString(imp.Symbol)
	}
}

type asm struct {
	prog    *Program
	pool    *poolBuilder
	sigIDs  map[string]uint32
	typeIDs map[string]uint32
	globals map[string]uint32
	methods map[string]uint32
}

// item is a desugared instruction or label. poolIdx, when >= 0, is the
// const-pool entry this instruction's operand references.
type item struct {
	label   string
	op      sbc.OpCode
	args    []string
	poolIdx int
	lineNo  int
}

// desugar resolves aliases and kind-suffixed mnemonics, expands the
// `new.list KIND N` immediate-capacity shorthand, prepends the Enter the
// verifier requires when the author left it implicit, and interns every
// pool constant the body references.
func (a *asm) desugar(fn *FuncDecl) ([]item, error) {
	var out []item
	push := func(it item) { out = append(out, it) }
	for _, ins := range fn.Body {
		if ins.Label != "" {
			push(item{label: ins.Label, poolIdx: -1, lineNo: ins.LineNo})
			continue
		}
		op, args, err := a.resolveMnemonic(ins.Mnemonic, ins.Args)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", ins.LineNo)
		}
		if (op == sbc.OpNewList || op == sbc.OpNewArray) && len(args) == 2 {
			push(item{op: sbc.OpConstI32, args: args[1:2], poolIdx: -1, lineNo: ins.LineNo})
			args = args[:1]
		}
		it := item{op: op, args: args, poolIdx: -1, lineNo: ins.LineNo}
		if it.poolIdx, err = a.internOperand(it); err != nil {
			return nil, errors.Wrapf(err, "line %d", ins.LineNo)
		}
		push(it)
	}
	hasEnter := false
	for _, it := range out {
		if it.label != "" {
			continue
		}
		hasEnter = it.op == sbc.OpEnter
		break
	}
	if !hasEnter {
		out = append([]item{{op: sbc.OpEnter, args: []string{strconv.Itoa(fn.Locals)}, poolIdx: -1}}, out...)
	}
	return out, nil
}

// internOperand reserves the const-pool entry an instruction needs, if
// any, returning its entry index (or -1).
func (a *asm) internOperand(it item) (int, error) {
	argOrErr := func() (string, error) {
		if len(it.args) == 0 {
			return "", errors.Errorf("%s: missing operand", mnemonicOf(it.op))
		}
		return it.args[0], nil
	}
	switch it.op {
	case sbc.OpConstI64:
		s, err := argOrErr()
		if err != nil {
			return -1, err
		}
		if idx, ok := a.pool.namedOfKind(s, sbc.ConstI128); ok {
			return idx, nil
		}
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return -1, errors.Errorf("const.i64: %q is neither a number nor a named const", s)
		}
		return a.pool.internI64(v), nil
	case sbc.OpConstF32:
		s, err := argOrErr()
		if err != nil {
			return -1, err
		}
		if idx, ok := a.pool.namedOfKind(s, sbc.ConstF32); ok {
			return idx, nil
		}
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return -1, errors.Errorf("const.f32: %q is neither a number nor a named const", s)
		}
		return a.pool.internF32(float32(v)), nil
	case sbc.OpConstF64:
		s, err := argOrErr()
		if err != nil {
			return -1, err
		}
		if idx, ok := a.pool.namedOfKind(s, sbc.ConstF64); ok {
			return idx, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return -1, errors.Errorf("const.f64: %q is neither a number nor a named const", s)
		}
		return a.pool.internF64(v), nil
	case sbc.OpConstString, sbc.OpProfileStart, sbc.OpProfileEnd:
		s, err := argOrErr()
		if err != nil {
			return -1, err
		}
		if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
			return a.pool.internString(s[1 : len(s)-1]), nil
		}
		if idx, ok := a.pool.namedOfKind(s, sbc.ConstString); ok {
			return idx, nil
		}
		return -1, errors.Errorf("%s: unknown string const %q", mnemonicOf(it.op), s)
	case sbc.OpJmpTable:
		if len(it.args) < 2 {
			return -1, errors.New("jmp.table needs at least one case and a default")
		}
		return a.pool.newJumpTable(len(it.args)), nil
	}
	return -1, nil
}

func (a *asm) resolveMnemonic(name string, args []string) (sbc.OpCode, []string, error) {
	if canon, ok := mnemonicAliases[name]; ok {
		name = canon
	}
	if op, ok := sbc.ByMnemonic(name); ok {
		return op, args, nil
	}
	// kind-suffixed form: list.push.i32 == list.push i32
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		base, suffix := name[:dot], name[dot+1:]
		if alias, ok := mnemonicAliases[base]; ok {
			base = alias
		}
		if _, isKind := elemKinds[suffix]; isKind {
			if op, ok := sbc.ByMnemonic(base); ok && elemKindOps[op] {
				return op, append([]string{suffix}, args...), nil
			}
		}
	}
	return 0, nil, errors.Errorf("unknown mnemonic %q", name)
}

// emitFunc assembles one function body: first pass assigns label PCs,
// second pass encodes operands and resolves jumps.
func (a *asm) emitFunc(fn *FuncDecl, items []item) ([]byte, error) {
	labels := map[string]int{}
	pc := 0
	for _, it := range items {
		if it.label != "" {
			if _, dup := labels[it.label]; dup {
				return nil, errors.Errorf("duplicate label %s", it.label)
			}
			labels[it.label] = pc
			continue
		}
		info, _ := sbc.Lookup(it.op)
		pc += 1 + info.OperandBytes
	}

	var body []byte
	for _, it := range items {
		if it.label != "" {
			continue
		}
		enc, err := a.encode(fn, it, len(body), labels)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d (%s)", it.lineNo, mnemonicOf(it.op))
		}
		body = append(body, enc...)
	}
	return body, nil
}

func mnemonicOf(op sbc.OpCode) string {
	info, _ := sbc.Lookup(op)
	return info.Mnemonic
}

func (a *asm) encode(fn *FuncDecl, it item, pc int, labels map[string]int) ([]byte, error) {
	info, _ := sbc.Lookup(it.op)
	out := []byte{byte(it.op)}
	next := pc + 1 + info.OperandBytes

	arg := func(i int) (string, error) {
		if i >= len(it.args) {
			return "", errors.Errorf("missing operand %d", i)
		}
		return it.args[i], nil
	}
	relTo := func(target string) (int32, error) {
		if lp, ok := labels[target]; ok {
			return int32(lp - next), nil
		}
		n, err := strconv.ParseInt(target, 0, 32)
		if err != nil {
			return 0, errors.Errorf("unknown label %q", target)
		}
		return int32(n), nil
	}

	switch it.op {
	case sbc.OpNop, sbc.OpHalt, sbc.OpTrap, sbc.OpBreakpoint, sbc.OpPop,
		sbc.OpDup, sbc.OpDup2, sbc.OpSwap, sbc.OpRot, sbc.OpConstNull,
		sbc.OpCallCheck, sbc.OpLeave,
		sbc.OpIsNull, sbc.OpRefEq, sbc.OpRefNe, sbc.OpTypeOf,
		sbc.OpArrayLen, sbc.OpListLen, sbc.OpListClear,
		sbc.OpStringLen, sbc.OpStringConcat, sbc.OpStringGetChar, sbc.OpStringSlice:
		// no operands

	case sbc.OpEnter:
		n := fn.Locals
		if len(it.args) > 0 {
			v, err := strconv.Atoi(it.args[0])
			if err != nil {
				return nil, errors.Wrap(err, "enter locals")
			}
			n = v
		}
		out = appendU16(out, uint16(n))

	case sbc.OpRet:
		hasValue := byte(0)
		if len(it.args) > 0 {
			v, err := strconv.Atoi(it.args[0])
			if err != nil {
				return nil, errors.Wrap(err, "ret flag")
			}
			hasValue = byte(v)
		} else if sig, ok := a.sigByName(fn.Sig); ok && sig.Ret != "void" {
			hasValue = 1
		}
		out = append(out, hasValue)

	case sbc.OpConstI32:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, errors.Wrap(err, "const.i32")
		}
		out = appendU32(out, uint32(int32(v)))

	case sbc.OpConstI64, sbc.OpConstF32, sbc.OpConstF64,
		sbc.OpConstString, sbc.OpProfileStart, sbc.OpProfileEnd:
		out = appendU32(out, a.pool.offsetOf(it.poolIdx))

	case sbc.OpLoadLocal, sbc.OpStoreLocal, sbc.OpLoadUpvalue, sbc.OpStoreUpvalue:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, errors.Wrap(err, "slot index")
		}
		out = appendU16(out, uint16(v))

	case sbc.OpLoadGlobal, sbc.OpStoreGlobal:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		idx, ok := a.globals[s]
		if !ok {
			v, err := strconv.ParseUint(s, 0, 32)
			if err != nil {
				return nil, errors.Errorf("unknown global %q", s)
			}
			idx = uint32(v)
		}
		out = appendU32(out, idx)

	case sbc.OpJmp, sbc.OpJmpTrue, sbc.OpJmpFalse:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		rel, err := relTo(s)
		if err != nil {
			return nil, err
		}
		out = appendU32(out, uint32(rel))

	case sbc.OpJmpTable:
		rels := make([]int32, len(it.args))
		for idx, s := range it.args {
			rel, err := relTo(s)
			if err != nil {
				return nil, err
			}
			rels[idx] = rel
		}
		a.pool.patchJumpTable(it.poolIdx, rels)
		out = appendU32(out, a.pool.offsetOf(it.poolIdx))

	case sbc.OpCall, sbc.OpTailCall:
		name, err := arg(0)
		if err != nil {
			return nil, err
		}
		methodID, ok := a.methods[name]
		if !ok {
			return nil, errors.Errorf("unknown call target %q", name)
		}
		argc, err := a.argCount(it, 1)
		if err != nil {
			return nil, err
		}
		out = appendU32(out, methodID)
		out = append(out, argc)

	case sbc.OpCallIndirect:
		name, err := arg(0)
		if err != nil {
			return nil, err
		}
		sigID, ok := a.sigIDs[name]
		if !ok {
			return nil, errors.Errorf("unknown sig %q", name)
		}
		argc, err := a.argCount(it, 1)
		if err != nil {
			return nil, err
		}
		out = appendU32(out, sigID)
		out = append(out, argc)

	case sbc.OpLine:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, errors.Errorf("line operand %q is not file:line:col", s)
		}
		for _, p := range parts {
			v, err := strconv.ParseUint(p, 10, 32)
			if err != nil {
				return nil, errors.Wrap(err, "line operand")
			}
			out = appendU32(out, uint32(v))
		}

	case sbc.OpIntrinsic, sbc.OpSysCall:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		if id, ok := intrinsicIDs[s]; ok {
			out = appendU16(out, uint16(id))
		} else {
			v, err := strconv.ParseUint(s, 0, 16)
			if err != nil {
				return nil, errors.Errorf("unknown intrinsic %q", s)
			}
			out = appendU16(out, uint16(v))
		}

	case sbc.OpNewObject:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		id, ok := a.typeIDs[s]
		if !ok {
			return nil, errors.Errorf("unknown type %q", s)
		}
		out = appendU32(out, id)

	case sbc.OpNewClosure:
		name, err := arg(0)
		if err != nil {
			return nil, err
		}
		methodID, ok := a.methods[name]
		if !ok {
			return nil, errors.Errorf("unknown closure method %q", name)
		}
		upvals := uint64(0)
		if len(it.args) > 1 {
			if upvals, err = strconv.ParseUint(it.args[1], 0, 16); err != nil {
				return nil, errors.Wrap(err, "upvalue count")
			}
		}
		out = appendU32(out, methodID)
		out = appendU16(out, uint16(upvals))

	case sbc.OpLoadField, sbc.OpStoreField:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		idx, err := a.fieldIndex(s)
		if err != nil {
			return nil, err
		}
		out = appendU32(out, idx)

	case sbc.OpNewArray, sbc.OpArrayGet, sbc.OpArraySet,
		sbc.OpNewList, sbc.OpListGet, sbc.OpListSet, sbc.OpListPush,
		sbc.OpListPop, sbc.OpListInsert, sbc.OpListRemove:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		kind, ok := elemKinds[s]
		if !ok {
			return nil, errors.Errorf("unknown element kind %q", s)
		}
		out = append(out, byte(kind))

	default:
		if info.OperandBytes != 0 {
			return nil, errors.Errorf("assembler has no encoder for %s", info.Mnemonic)
		}
	}

	if len(out) != 1+info.OperandBytes {
		return nil, errors.Errorf("%s encoded %d operand bytes, descriptor says %d",
			info.Mnemonic, len(out)-1, info.OperandBytes)
	}
	return out, nil
}

func (a *asm) argCount(it item, idx int) (byte, error) {
	if idx >= len(it.args) {
		return 0, nil
	}
	v, err := strconv.ParseUint(it.args[idx], 0, 8)
	if err != nil {
		return 0, errors.Wrap(err, "arg count")
	}
	return byte(v), nil
}

func (a *asm) sigByName(name string) (SigDecl, bool) {
	id, ok := a.sigIDs[name]
	if !ok {
		return SigDecl{}, false
	}
	return a.prog.Sigs[id], true
}

// fieldIndex resolves `Type.field` (or a bare flat index) to its row in
// the flat field table.
func (a *asm) fieldIndex(s string) (uint32, error) {
	if tname, fname, ok := strings.Cut(s, "."); ok {
		flat := uint32(0)
		for _, t := range a.prog.Types {
			if t.Name != tname {
				flat += uint32(len(t.Fields))
				continue
			}
			for fi, f := range t.Fields {
				if f.Name == fname {
					return flat + uint32(fi), nil
				}
			}
			return 0, errors.Errorf("type %s has no field %s", tname, fname)
		}
		return 0, errors.Errorf("unknown type %q", tname)
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("bad field reference %q", s)
	}
	return uint32(v), nil
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
