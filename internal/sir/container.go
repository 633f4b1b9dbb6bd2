package sir

import (
	"github.com/pkg/errors"

	"simplert/internal/sbc"
)

// stringOffset resolves an already-interned name string to its pool
// offset. internRowNames interns every row name before layout; a name
// that was not interned yields offset 0 and no error is reported.
func (p *poolBuilder) stringOffset(s string) uint32 {
	idx, ok := p.byString[s]
	if !ok {
		return 0
	}
	return p.offsets[idx]
}

type sectionBuf struct {
	id    sbc.SectionID
	data  []byte
	count uint32
}

// writeContainer lays out the header, section directory, and section
// payloads. Sections are emitted 4-aligned in
// directory order; empty row tables are omitted entirely.
func (a *asm) writeContainer(code []byte, funcOffsets, funcSizes []uint32) ([]byte, error) {
	p := a.prog
	var secs []sectionBuf

	if len(p.Types) > 0 {
		types, fields, err := a.buildTypeRows()
		if err != nil {
			return nil, err
		}
		secs = append(secs,
			sectionBuf{sbc.SecTypes, types, userTypeBase + uint32(len(p.Types))},
			sectionBuf{sbc.SecFields, fields, uint32(countFields(p))})
	}

	methods := make([]byte, 0, len(p.Funcs)*16)
	for i, f := range p.Funcs {
		sigID, ok := a.sigIDs[f.Sig]
		if !ok {
			return nil, errors.Errorf("func %s references unknown sig %q", f.Name, f.Sig)
		}
		methods = appendU32(methods, a.pool.stringOffset(f.Name))
		methods = appendU32(methods, sigID)
		methods = appendU32(methods, funcOffsets[i])
		methods = appendU32(methods, uint32(f.Locals))
	}
	if len(methods) > 0 {
		secs = append(secs, sectionBuf{sbc.SecMethods, methods, uint32(len(p.Funcs))})
	}

	sigs := make([]byte, 0, len(p.Sigs)*12)
	var params []byte
	for _, s := range p.Sigs {
		ret, ok := a.typeIDs[s.Ret]
		if !ok {
			return nil, errors.Errorf("sig %s has unknown return type %q", s.Name, s.Ret)
		}
		sigs = appendU32(sigs, ret)
		sigs = appendU32(sigs, uint32(len(s.Params)))
		sigs = appendU32(sigs, 0) // call_conv
		for _, pt := range s.Params {
			id, ok := a.typeIDs[pt]
			if !ok {
				return nil, errors.Errorf("sig %s has unknown param type %q", s.Name, pt)
			}
			params = appendU32(params, id)
		}
	}
	if len(sigs) > 0 {
		secs = append(secs, sectionBuf{sbc.SecSigs, append(sigs, params...), uint32(len(p.Sigs))})
	}

	if a.pool.count() > 0 {
		secs = append(secs, sectionBuf{sbc.SecConstPool, a.pool.serialize(), uint32(a.pool.count())})
	}

	globals := make([]byte, 0, len(p.Globals)*16)
	for _, g := range p.Globals {
		id, ok := a.typeIDs[g.Type]
		if !ok {
			return nil, errors.Errorf("global %s has unknown type %q", g.Name, g.Type)
		}
		globals = appendU32(globals, id)
		globals = appendU32(globals, a.pool.stringOffset(g.Name))
		globals = appendU32(globals, 0)
		globals = appendU32(globals, 0)
	}
	if len(globals) > 0 {
		secs = append(secs, sectionBuf{sbc.SecGlobals, globals, uint32(len(p.Globals))})
	}

	funcs := make([]byte, 0, len(p.Funcs)*16)
	for i, f := range p.Funcs {
		funcs = appendU32(funcs, uint32(i)) // method id
		funcs = appendU32(funcs, funcOffsets[i])
		funcs = appendU32(funcs, funcSizes[i])
		funcs = appendU32(funcs, uint32(f.Stack))
	}
	if len(funcs) > 0 {
		secs = append(secs, sectionBuf{sbc.SecFunctions, funcs, uint32(len(p.Funcs))})
	}

	if len(code) > 0 {
		secs = append(secs, sectionBuf{sbc.SecCode, code, uint32(len(code))})
	}

	imports := make([]byte, 0, len(p.Imports)*16)
	for _, imp := range p.Imports {
		sigID, ok := a.sigIDs[imp.Sig]
		if !ok {
			return nil, errors.Errorf("import %s.%s references unknown sig %q", imp.Module, imp.Symbol, imp.Sig)
		}
		imports = appendU32(imports, a.pool.stringOffset(imp.Module))
		imports = appendU32(imports, a.pool.stringOffset(imp.Symbol))
		imports = appendU32(imports, sigID)
		imports = appendU32(imports, 0)
	}
	if len(imports) > 0 {
		secs = append(secs, sectionBuf{sbc.SecImports, imports, uint32(len(p.Imports))})
	}

	entryID := sbc.NoEntry
	if p.Entry != "" {
		id, ok := a.methods[p.Entry]
		if !ok {
			return nil, errors.Errorf("entry %q names no func", p.Entry)
		}
		entryID = id
	}

	return serializeFile(secs, entryID), nil
}

func countFields(p *Program) int {
	n := 0
	for _, t := range p.Types {
		n += len(t.Fields)
	}
	return n
}

// buildTypeRows emits the reserved primitive placeholder rows followed by
// user type rows, plus the flat field table the type rows index into.
func (a *asm) buildTypeRows() (types, fields []byte, err error) {
	for i := 0; i < userTypeBase; i++ {
		types = append(types, make([]byte, 20)...)
	}
	flat := uint32(0)
	for _, t := range a.prog.Types {
		types = appendU32(types, a.pool.stringOffset(t.Name))
		types = appendU32(types, flat)
		types = appendU32(types, uint32(len(t.Fields)))
		types = appendU32(types, t.Size)
		types = appendU32(types, 0)
		for _, f := range t.Fields {
			id, ok := a.typeIDs[f.Type]
			if !ok {
				return nil, nil, errors.Errorf("field %s.%s has unknown type %q", t.Name, f.Name, f.Type)
			}
			fields = appendU32(fields, f.Offset)
			fields = appendU32(fields, id)
			fields = appendU32(fields, a.pool.stringOffset(f.Name))
			fields = appendU32(fields, 0)
			flat++
		}
	}
	return types, fields, nil
}

func serializeFile(secs []sectionBuf, entryMethodID uint32) []byte {
	const headerSize = 32
	const dirEntrySize = 16

	dirOff := uint32(headerSize)
	payloadOff := dirOff + uint32(len(secs))*dirEntrySize
	payloadOff = align4(payloadOff)

	offsets := make([]uint32, len(secs))
	pos := payloadOff
	for i, s := range secs {
		pos = align4(pos)
		offsets[i] = pos
		pos += uint32(len(s.data))
	}

	out := make([]byte, 0, pos)
	out = appendU32(out, sbc.Magic)
	out = appendU16(out, sbc.Version)
	out = append(out, 1, 0) // endian, flags
	out = appendU32(out, uint32(len(secs)))
	out = appendU32(out, dirOff)
	out = appendU32(out, entryMethodID)
	out = append(out, make([]byte, 12)...) // reserved

	for i, s := range secs {
		out = appendU32(out, uint32(s.id))
		out = appendU32(out, offsets[i])
		out = appendU32(out, uint32(len(s.data)))
		out = appendU32(out, s.count)
	}

	for i, s := range secs {
		for uint32(len(out)) < offsets[i] {
			out = append(out, 0)
		}
		out = append(out, s.data...)
	}
	return out
}

func align4(v uint32) uint32 {
	return (v + 3) &^ 3
}
