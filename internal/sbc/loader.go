package sbc

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

const headerSize = 32
const sectionEntrySize = 16

// fixed on-disk row widths
const (
	rowTypes   = 20
	rowFields  = 16
	rowMethods = 16
	rowSigs    = 12
	rowGlobals = 16
	rowFunctions = 16
	rowImports = 16
	rowExports = 16
	rowDebugFile = 8
	rowDebugLine = 20
	rowDebugSym  = 16
)

// Load parses bytes into an in-memory Module with full structural
// validation. It never returns a partially valid Module: any
// error means the zero Module should be discarded.
func Load(bytes []byte) (*Module, error) {
	if len(bytes) < headerSize {
		return nil, errors.New("load: file smaller than header")
	}
	hdr, err := decodeHeader(bytes)
	if err != nil {
		return nil, errors.Wrap(err, "load: header")
	}

	sections, err := decodeSectionTable(bytes, hdr)
	if err != nil {
		return nil, errors.Wrap(err, "load: section table")
	}

	m := &Module{Header: hdr}

	if sec, ok := sections[SecTypes]; ok {
		m.Types, err = decodeTypes(bytes, sec)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load: types")
	}
	if sec, ok := sections[SecFields]; ok {
		if m.Fields, err = decodeFields(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: fields")
		}
	}
	if sec, ok := sections[SecMethods]; ok {
		if m.Methods, err = decodeMethods(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: methods")
		}
	}
	if sec, ok := sections[SecSigs]; ok {
		if m.Sigs, m.ParamTypes, err = decodeSigs(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: sigs")
		}
	}
	if sec, ok := sections[SecGlobals]; ok {
		if m.Globals, err = decodeGlobals(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: globals")
		}
	}
	if sec, ok := sections[SecFunctions]; ok {
		if m.Functions, err = decodeFunctions(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: functions")
		}
	}
	if sec, ok := sections[SecImports]; ok {
		if m.Imports, err = decodeImports(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: imports")
		}
	}
	if sec, ok := sections[SecExports]; ok {
		if m.Exports, err = decodeExports(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: exports")
		}
	}
	if sec, ok := sections[SecCode]; ok {
		if int(sec.Offset)+int(sec.Size) > len(bytes) {
			return nil, errors.New("load: code section out of range")
		}
		m.Code = bytes[sec.Offset : sec.Offset+sec.Size]
	}
	if sec, ok := sections[SecConstPool]; ok {
		if int(sec.Offset)+int(sec.Size) > len(bytes) {
			return nil, errors.New("load: const pool section out of range")
		}
		pool := bytes[sec.Offset : sec.Offset+sec.Size]
		if m.Consts, m.ConstOffsets, err = DecodeConstPool(pool, int(sec.Count)); err != nil {
			return nil, errors.Wrap(err, "load: const pool")
		}
		m.BuildConstIndex()
	}
	if sec, ok := sections[SecDebug]; ok {
		if m.DebugFiles, m.DebugLines, m.DebugSyms, err = decodeDebug(bytes, sec); err != nil {
			return nil, errors.Wrap(err, "load: debug")
		}
	}

	if err := validateFunctionRanges(m); err != nil {
		return nil, errors.Wrap(err, "load: function code ranges")
	}

	m.MethodToFunction = make(map[uint32]int, len(m.Functions))
	for i, f := range m.Functions {
		if _, dup := m.MethodToFunction[f.MethodID]; dup {
			return nil, errors.Errorf("load: method %d has more than one function row", f.MethodID)
		}
		m.MethodToFunction[f.MethodID] = i
	}
	m.FunctionIsImport = make([]bool, len(m.Functions))

	if err := attachImportFunctions(m); err != nil {
		return nil, errors.Wrap(err, "load: import synthesis")
	}

	if hdr.EntryMethodID != NoEntry {
		if _, _, ok := m.Function(hdr.EntryMethodID); !ok {
			return nil, errors.Errorf("load: entry_method_id %d does not name a function", hdr.EntryMethodID)
		}
	}

	return m, nil
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	if h.Magic != Magic {
		return h, errors.Errorf("bad magic %#x", h.Magic)
	}
	h.Version = binary.LittleEndian.Uint16(b[4:6])
	if h.Version != Version {
		return h, errors.Errorf("unsupported version %d", h.Version)
	}
	h.Endian = b[6]
	if h.Endian != 1 {
		return h, errors.Errorf("unsupported endian tag %d", h.Endian)
	}
	h.Flags = b[7]
	h.SectionCount = binary.LittleEndian.Uint32(b[8:12])
	h.SectionTableOffset = binary.LittleEndian.Uint32(b[12:16])
	if h.SectionTableOffset%4 != 0 {
		return h, errors.New("section_table_offset not 4-aligned")
	}
	h.EntryMethodID = binary.LittleEndian.Uint32(b[16:20])
	for i := 0; i < 3; i++ {
		h.Reserved[i] = binary.LittleEndian.Uint32(b[20+i*4 : 24+i*4])
		if h.Reserved[i] != 0 {
			return h, errors.New("reserved header word is non-zero")
		}
	}
	return h, nil
}

func decodeSectionTable(b []byte, hdr Header) (map[SectionID]SectionEntry, error) {
	start := int(hdr.SectionTableOffset)
	need := start + int(hdr.SectionCount)*sectionEntrySize
	if need > len(b) {
		return nil, errors.New("section table out of range")
	}
	entries := make([]SectionEntry, hdr.SectionCount)
	seen := map[SectionID]bool{}
	for i := uint32(0); i < hdr.SectionCount; i++ {
		off := start + int(i)*sectionEntrySize
		id := SectionID(binary.LittleEndian.Uint32(b[off:]))
		e := SectionEntry{
			ID:     id,
			Offset: binary.LittleEndian.Uint32(b[off+4:]),
			Size:   binary.LittleEndian.Uint32(b[off+8:]),
			Count:  binary.LittleEndian.Uint32(b[off+12:]),
		}
		if e.Offset%4 != 0 {
			return nil, errors.Errorf("section %d offset not 4-aligned", id)
		}
		if id > SecExports {
			return nil, errors.Errorf("unknown section id %d", id)
		}
		if seen[id] {
			return nil, errors.Errorf("duplicate section id %d", id)
		}
		seen[id] = true
		if int(e.Offset)+int(e.Size) > len(b) {
			return nil, errors.Errorf("section %d extends past end of file", id)
		}
		entries[i] = e
	}

	sorted := append([]SectionEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Offset < sorted[i-1].Offset+sorted[i-1].Size {
			return nil, errors.Errorf("sections %d and %d overlap", sorted[i-1].ID, sorted[i].ID)
		}
	}

	out := make(map[SectionID]SectionEntry, len(entries))
	for _, e := range entries {
		out[e.ID] = e
	}
	return out, nil
}

func decodeTypes(b []byte, sec SectionEntry) ([]TypeRow, error) {
	rows := make([]TypeRow, sec.Count)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowTypes
		if off+rowTypes > len(b) {
			return nil, errors.Errorf("type row %d out of range", i)
		}
		rows[i] = TypeRow{
			NameConst:  binary.LittleEndian.Uint32(b[off:]),
			FieldStart: binary.LittleEndian.Uint32(b[off+4:]),
			FieldCount: binary.LittleEndian.Uint32(b[off+8:]),
			Size:       binary.LittleEndian.Uint32(b[off+12:]),
			Flags:      binary.LittleEndian.Uint32(b[off+16:]),
		}
	}
	return rows, nil
}

func decodeFields(b []byte, sec SectionEntry) ([]FieldRow, error) {
	rows := make([]FieldRow, sec.Count)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowFields
		if off+rowFields > len(b) {
			return nil, errors.Errorf("field row %d out of range", i)
		}
		rows[i] = FieldRow{
			Offset:    binary.LittleEndian.Uint32(b[off:]),
			TypeID:    binary.LittleEndian.Uint32(b[off+4:]),
			NameConst: binary.LittleEndian.Uint32(b[off+8:]),
			Flags:     binary.LittleEndian.Uint32(b[off+12:]),
		}
	}
	return rows, nil
}

func decodeMethods(b []byte, sec SectionEntry) ([]MethodRow, error) {
	rows := make([]MethodRow, sec.Count)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowMethods
		if off+rowMethods > len(b) {
			return nil, errors.Errorf("method row %d out of range", i)
		}
		rows[i] = MethodRow{
			NameConst:  binary.LittleEndian.Uint32(b[off:]),
			SigID:      binary.LittleEndian.Uint32(b[off+4:]),
			CodeOffset: binary.LittleEndian.Uint32(b[off+8:]),
			LocalCount: binary.LittleEndian.Uint32(b[off+12:]),
		}
	}
	return rows, nil
}

// decodeSigs reads the fixed 12-byte {ret_type_id, param_count, call_conv}
// rows, then the trailing flat param_types u32 array. param_type_start is
// not stored; it is each row's running offset into that flat array, in row
// order, matching the "+ trailing param_types u32 array" layout.
func decodeSigs(b []byte, sec SectionEntry) ([]SigRow, []uint32, error) {
	rows := make([]SigRow, sec.Count)
	cursor := uint32(0)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowSigs
		if off+rowSigs > len(b) {
			return nil, nil, errors.Errorf("sig row %d out of range", i)
		}
		rows[i] = SigRow{
			RetTypeID:      binary.LittleEndian.Uint32(b[off:]),
			ParamCount:     binary.LittleEndian.Uint32(b[off+4:]),
			CallConv:       binary.LittleEndian.Uint32(b[off+8:]),
			ParamTypeStart: cursor,
		}
		cursor += rows[i].ParamCount
	}
	paramsOff := int(sec.Offset) + int(sec.Count)*rowSigs
	paramsLen := int(cursor) * 4
	if paramsOff+paramsLen > len(b) {
		return nil, nil, errors.New("sig param_types array out of range")
	}
	params := make([]uint32, cursor)
	for i := range params {
		params[i] = binary.LittleEndian.Uint32(b[paramsOff+i*4:])
	}
	return rows, params, nil
}

func decodeGlobals(b []byte, sec SectionEntry) ([]GlobalRow, error) {
	rows := make([]GlobalRow, sec.Count)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowGlobals
		if off+rowGlobals > len(b) {
			return nil, errors.Errorf("global row %d out of range", i)
		}
		rows[i] = GlobalRow{
			TypeID:    binary.LittleEndian.Uint32(b[off:]),
			NameConst: binary.LittleEndian.Uint32(b[off+4:]),
			Flags:     binary.LittleEndian.Uint32(b[off+8:]),
		}
	}
	return rows, nil
}

func decodeFunctions(b []byte, sec SectionEntry) ([]FunctionRow, error) {
	rows := make([]FunctionRow, sec.Count)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowFunctions
		if off+rowFunctions > len(b) {
			return nil, errors.Errorf("function row %d out of range", i)
		}
		rows[i] = FunctionRow{
			MethodID:   binary.LittleEndian.Uint32(b[off:]),
			CodeOffset: binary.LittleEndian.Uint32(b[off+4:]),
			CodeSize:   binary.LittleEndian.Uint32(b[off+8:]),
			StackMax:   binary.LittleEndian.Uint32(b[off+12:]),
		}
	}
	return rows, nil
}

func decodeImports(b []byte, sec SectionEntry) ([]ImportRow, error) {
	rows := make([]ImportRow, sec.Count)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowImports
		if off+rowImports > len(b) {
			return nil, errors.Errorf("import row %d out of range", i)
		}
		rows[i] = ImportRow{
			ModuleNameConst: binary.LittleEndian.Uint32(b[off:]),
			SymbolNameConst: binary.LittleEndian.Uint32(b[off+4:]),
			SigID:           binary.LittleEndian.Uint32(b[off+8:]),
			Flags:           binary.LittleEndian.Uint32(b[off+12:]),
		}
	}
	return rows, nil
}

func decodeExports(b []byte, sec SectionEntry) ([]ExportRow, error) {
	rows := make([]ExportRow, sec.Count)
	for i := uint32(0); i < sec.Count; i++ {
		off := int(sec.Offset) + int(i)*rowExports
		if off+rowExports > len(b) {
			return nil, errors.Errorf("export row %d out of range", i)
		}
		rows[i] = ExportRow{
			NameConst: binary.LittleEndian.Uint32(b[off:]),
			Kind:      binary.LittleEndian.Uint32(b[off+4:]),
			Index:     binary.LittleEndian.Uint32(b[off+8:]),
		}
	}
	return rows, nil
}

func decodeDebug(b []byte, sec SectionEntry) ([]DebugFileRow, []DebugLineRow, []DebugSymRow, error) {
	base := int(sec.Offset)
	if base+16 > len(b) {
		return nil, nil, nil, errors.New("debug header out of range")
	}
	fileCount := binary.LittleEndian.Uint32(b[base:])
	lineCount := binary.LittleEndian.Uint32(b[base+4:])
	symCount := binary.LittleEndian.Uint32(b[base+8:])
	pos := base + 16

	files := make([]DebugFileRow, fileCount)
	for i := uint32(0); i < fileCount; i++ {
		off := pos + int(i)*rowDebugFile
		if off+rowDebugFile > len(b) {
			return nil, nil, nil, errors.Errorf("debug file row %d out of range", i)
		}
		files[i] = DebugFileRow{NameConst: binary.LittleEndian.Uint32(b[off:])}
	}
	pos += int(fileCount) * rowDebugFile

	lines := make([]DebugLineRow, lineCount)
	for i := uint32(0); i < lineCount; i++ {
		off := pos + int(i)*rowDebugLine
		if off+rowDebugLine > len(b) {
			return nil, nil, nil, errors.Errorf("debug line row %d out of range", i)
		}
		lines[i] = DebugLineRow{
			FuncIndex: binary.LittleEndian.Uint32(b[off:]),
			PC:        binary.LittleEndian.Uint32(b[off+4:]),
			Line:      binary.LittleEndian.Uint32(b[off+8:]),
			Column:    binary.LittleEndian.Uint32(b[off+12:]),
			FileIndex: binary.LittleEndian.Uint32(b[off+16:]),
		}
	}
	pos += int(lineCount) * rowDebugLine

	syms := make([]DebugSymRow, symCount)
	for i := uint32(0); i < symCount; i++ {
		off := pos + int(i)*rowDebugSym
		if off+rowDebugSym > len(b) {
			return nil, nil, nil, errors.Errorf("debug sym row %d out of range", i)
		}
		syms[i] = DebugSymRow{
			NameConst: binary.LittleEndian.Uint32(b[off:]),
			Kind:      binary.LittleEndian.Uint32(b[off+4:]),
			Index:     binary.LittleEndian.Uint32(b[off+8:]),
			FuncIndex: binary.LittleEndian.Uint32(b[off+12:]),
		}
	}
	return files, lines, syms, nil
}

// validateFunctionRanges enforces I2 (every method.code_offset names
// exactly one function row) and I3 (function code ranges don't overlap).
func validateFunctionRanges(m *Module) error {
	type span struct {
		start, end uint32
		idx        int
	}
	spans := make([]span, len(m.Functions))
	offsetSeen := map[uint32]int{}
	for i, f := range m.Functions {
		if int(f.CodeOffset)+int(f.CodeSize) > len(m.Code) {
			return errors.Errorf("function %d code range out of bounds", i)
		}
		spans[i] = span{f.CodeOffset, f.CodeOffset + f.CodeSize, i}
		offsetSeen[f.CodeOffset] = i
	}
	for _, meth := range m.Methods {
		if _, ok := offsetSeen[meth.CodeOffset]; !ok {
			return errors.Errorf("method code_offset %d names no function row", meth.CodeOffset)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return errors.Errorf("function %d and %d code ranges overlap", spans[i-1].idx, spans[i].idx)
		}
	}
	return nil
}

// attachImportFunctions appends a synthetic method and function row per
// import so the interpreter can Call an import through the same table as
// any guest function. Synthetic method ids start right after the
// highest declared method id to avoid collisions.
func attachImportFunctions(m *Module) error {
	if len(m.Imports) == 0 {
		return nil
	}
	nextMethodID := uint32(0)
	for _, f := range m.Functions {
		if f.MethodID >= nextMethodID {
			nextMethodID = f.MethodID + 1
		}
	}
	for i, imp := range m.Imports {
		methodID := nextMethodID + uint32(i)
		m.Methods = append(m.Methods, MethodRow{
			NameConst: imp.SymbolNameConst,
			SigID:     imp.SigID,
			Flags:     1, // import marker
		})
		m.Functions = append(m.Functions, FunctionRow{MethodID: methodID})
		idx := len(m.Functions) - 1
		m.MethodToFunction[methodID] = idx
		m.FunctionIsImport = append(m.FunctionIsImport, true)
	}
	return nil
}
