// Package sir implements the textual intermediate representation the
// front end emits and its assembler to SBC bytes. SIR is
// line-oriented: `types:`, `sigs:`, `consts:`, `globals:`, `imports:`
// sections, then one or more `func NAME locals=N stack=M sig=SIGNAME`
// blocks terminated by `end`, and a final `entry NAME`. Instruction
// mnemonics match the opcode table 1:1; jumps reference labels which the
// assembler resolves to PC-relative offsets.
package sir

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Program is a parsed SIR compilation unit.
type Program struct {
	Types   []TypeDecl
	Sigs    []SigDecl
	Consts  []ConstDecl
	Globals []GlobalDecl
	Imports []ImportDecl
	Funcs   []FuncDecl
	Entry   string // empty means no entry point
}

// TypeDecl is one user type: `name size=N fields=f1:off:type,f2:off:type`.
// User types are assigned ids starting after the reserved primitive ids
// (i32, i64, f32, f64, void), in declaration order.
type TypeDecl struct {
	Name   string
	Size   uint32
	Fields []FieldDecl
}

type FieldDecl struct {
	Name   string
	Offset uint32
	Type   string
}

// SigDecl is one call signature: `name ret=TYPE params=TYPE,TYPE`.
type SigDecl struct {
	Name   string
	Ret    string
	Params []string
}

// ConstDecl is one named constant: `name string "text"`, `name i64 123`,
// `name f32 1.5`, `name f64 2.5`.
type ConstDecl struct {
	Name string
	Kind string
	Text string
	Int  int64
	F    float64
}

// GlobalDecl is one global slot: `name TYPE`.
type GlobalDecl struct {
	Name string
	Type string
}

// ImportDecl is one externally resolved symbol:
// `import MODULE SYMBOL sig=SIGNAME`.
type ImportDecl struct {
	Module string
	Symbol string
	Sig    string
}

// FuncDecl is one function block.
type FuncDecl struct {
	Name   string
	Locals int
	Stack  int
	Sig    string
	Body   []Instr
}

// Instr is one parsed instruction (or label definition when Label != "").
type Instr struct {
	Label    string   // non-empty for a `name:` line; Mnemonic empty then
	Mnemonic string
	Args     []string
	LineNo   int
}

type section int

const (
	secNone section = iota
	secTypes
	secSigs
	secConsts
	secGlobals
	secImports
)

// Parse reads SIR text into a Program. It validates only the line
// grammar; cross-references (sig names, labels, call targets) are
// resolved by Assemble.
func Parse(src string) (*Program, error) {
	p := &Program{}
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	sec := secNone
	var fn *FuncDecl
	lineNo := 0

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		// allow `op a; op b` on one line, the shape the concrete test
		// scenarios in the toolchain docs use
		if fn != nil && strings.Contains(line, ";") {
			for _, part := range strings.Split(line, ";") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if err := parseFuncLine(p, &fn, part, lineNo); err != nil {
					return nil, err
				}
				if fn == nil {
					break
				}
			}
			continue
		}

		switch {
		case fn != nil:
			if err := parseFuncLine(p, &fn, line, lineNo); err != nil {
				return nil, err
			}

		case line == "types:":
			sec = secTypes
		case line == "sigs:":
			sec = secSigs
		case line == "consts:":
			sec = secConsts
		case line == "globals:":
			sec = secGlobals
		case line == "imports:":
			sec = secImports

		case strings.HasPrefix(line, "func "):
			d, err := parseFuncHeader(line)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			p.Funcs = append(p.Funcs, d)
			fn = &p.Funcs[len(p.Funcs)-1]
			sec = secNone

		case strings.HasPrefix(line, "entry "):
			p.Entry = strings.TrimSpace(strings.TrimPrefix(line, "entry "))
			sec = secNone

		default:
			var err error
			switch sec {
			case secTypes:
				err = parseType(p, line)
			case secSigs:
				err = parseSig(p, line)
			case secConsts:
				err = parseConst(p, line)
			case secGlobals:
				err = parseGlobal(p, line)
			case secImports:
				err = parseImport(p, line)
			default:
				err = errors.Errorf("unexpected line outside any section: %q", line)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading SIR")
	}
	if fn != nil {
		return nil, errors.Errorf("func %s not terminated by end", fn.Name)
	}
	return p, nil
}

func parseFuncLine(p *Program, fn **FuncDecl, line string, lineNo int) error {
	if line == "end" {
		*fn = nil
		return nil
	}
	if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") {
		(*fn).Body = append((*fn).Body, Instr{Label: strings.TrimSuffix(line, ":"), LineNo: lineNo})
		return nil
	}
	mnemonic, rest, _ := strings.Cut(line, " ")
	ins := Instr{Mnemonic: mnemonic, LineNo: lineNo}
	if rest != "" {
		ins.Args = splitArgs(rest)
	}
	(*fn).Body = append((*fn).Body, ins)
	return nil
}

// splitArgs splits on spaces and commas, but keeps a double-quoted string
// (with its quotes) as a single argument.
func splitArgs(s string) []string {
	var out []string
	s = strings.TrimSpace(s)
	for s != "" {
		if s[0] == '"' {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				out = append(out, s)
				return out
			}
			out = append(out, s[:end+2])
			s = strings.TrimLeft(s[end+2:], " ,\t")
			continue
		}
		i := strings.IndexAny(s, " ,\t")
		if i < 0 {
			out = append(out, s)
			return out
		}
		out = append(out, s[:i])
		s = strings.TrimLeft(s[i:], " ,\t")
	}
	return out
}

func parseFuncHeader(line string) (FuncDecl, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return FuncDecl{}, errors.New("func header needs a name")
	}
	d := FuncDecl{Name: strings.TrimSuffix(fields[1], ":")}
	for _, f := range fields[2:] {
		k, v, ok := strings.Cut(strings.TrimSuffix(f, ":"), "=")
		if !ok {
			return d, errors.Errorf("bad func attribute %q", f)
		}
		switch k {
		case "locals":
			n, err := strconv.Atoi(v)
			if err != nil {
				return d, errors.Wrap(err, "locals")
			}
			d.Locals = n
		case "stack":
			n, err := strconv.Atoi(v)
			if err != nil {
				return d, errors.Wrap(err, "stack")
			}
			d.Stack = n
		case "sig":
			d.Sig = v
		default:
			return d, errors.Errorf("unknown func attribute %q", k)
		}
	}
	return d, nil
}

func parseType(p *Program, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return errors.Errorf("type line needs `name size=N`: %q", line)
	}
	d := TypeDecl{Name: fields[0]}
	for _, f := range fields[1:] {
		k, v, _ := strings.Cut(f, "=")
		switch k {
		case "size":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return errors.Wrap(err, "size")
			}
			d.Size = uint32(n)
		case "fields":
			for _, spec := range strings.Split(v, ",") {
				parts := strings.Split(spec, ":")
				if len(parts) != 3 {
					return errors.Errorf("field spec %q is not name:offset:type", spec)
				}
				off, err := strconv.ParseUint(parts[1], 10, 32)
				if err != nil {
					return errors.Wrap(err, "field offset")
				}
				d.Fields = append(d.Fields, FieldDecl{Name: parts[0], Offset: uint32(off), Type: parts[2]})
			}
		default:
			return errors.Errorf("unknown type attribute %q", k)
		}
	}
	p.Types = append(p.Types, d)
	return nil
}

func parseSig(p *Program, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return errors.New("empty sig line")
	}
	d := SigDecl{Name: fields[0], Ret: "void"}
	for _, f := range fields[1:] {
		k, v, _ := strings.Cut(f, "=")
		switch k {
		case "ret":
			d.Ret = v
		case "params":
			if v != "" {
				d.Params = strings.Split(v, ",")
			}
		default:
			return errors.Errorf("unknown sig attribute %q", k)
		}
	}
	p.Sigs = append(p.Sigs, d)
	return nil
}

func parseConst(p *Program, line string) error {
	fields := splitArgs(line)
	if len(fields) < 3 {
		return errors.Errorf("const line needs `name kind value`: %q", line)
	}
	d := ConstDecl{Name: fields[0], Kind: fields[1]}
	val := fields[2]
	switch d.Kind {
	case "string":
		if !strings.HasPrefix(val, `"`) || !strings.HasSuffix(val, `"`) {
			return errors.Errorf("string const %s needs a quoted value", d.Name)
		}
		d.Text = val[1 : len(val)-1]
	case "i64", "i128", "u128":
		n, err := strconv.ParseInt(val, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "const %s", d.Name)
		}
		d.Int = n
	case "f32", "f64":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.Wrapf(err, "const %s", d.Name)
		}
		d.F = f
	default:
		return errors.Errorf("unknown const kind %q", d.Kind)
	}
	p.Consts = append(p.Consts, d)
	return nil
}

func parseGlobal(p *Program, line string) error {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return errors.Errorf("global line needs `name type`: %q", line)
	}
	p.Globals = append(p.Globals, GlobalDecl{Name: fields[0], Type: fields[1]})
	return nil
}

func parseImport(p *Program, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return errors.Errorf("import line needs `module symbol sig=NAME`: %q", line)
	}
	d := ImportDecl{Module: fields[0], Symbol: fields[1]}
	for _, f := range fields[2:] {
		k, v, _ := strings.Cut(f, "=")
		if k == "sig" {
			d.Sig = v
		}
	}
	if d.Sig == "" {
		return errors.Errorf("import %s.%s has no sig", d.Module, d.Symbol)
	}
	p.Imports = append(p.Imports, d)
	return nil
}
