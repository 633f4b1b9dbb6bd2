package sir

import (
	"math"

	"github.com/pkg/errors"

	"simplert/internal/sbc"
)

// poolBuilder accumulates const-pool entries during assembly. Entry
// offsets are only meaningful after layout(); blob-backed kinds (strings,
// 128-bit ints, jump tables) live in a trailing blob area the entries
// point into, matching the shape DecodeConstPool expects.
type poolBuilder struct {
	entries []poolEntry
	named   map[string]int

	byString map[string]int
	byI64    map[int64]int
	byF32    map[uint32]int
	byF64    map[uint64]int

	offsets  []uint32
	blobOffs []uint32
	total    uint32
}

type poolEntry struct {
	kind    sbc.ConstKind
	str     string
	i64     int64
	f32     float32
	f64     float64
	jtRels  []int32
	jtCount int
}

func newPoolBuilder() *poolBuilder {
	return &poolBuilder{
		named:    map[string]int{},
		byString: map[string]int{},
		byI64:    map[int64]int{},
		byF32:    map[uint32]int{},
		byF64:    map[uint64]int{},
	}
}

func (p *poolBuilder) registerDecl(c ConstDecl) error {
	if _, dup := p.named[c.Name]; dup {
		return errors.Errorf("duplicate const %s", c.Name)
	}
	var idx int
	switch c.Kind {
	case "string":
		idx = p.internString(c.Text)
	case "i64", "i128":
		idx = p.internI64(c.Int)
	case "u128":
		idx = len(p.entries)
		p.entries = append(p.entries, poolEntry{kind: sbc.ConstU128, i64: c.Int})
	case "f32":
		idx = p.internF32(float32(c.F))
	case "f64":
		idx = p.internF64(c.F)
	default:
		return errors.Errorf("const %s has unknown kind %q", c.Name, c.Kind)
	}
	p.named[c.Name] = idx
	return nil
}

func (p *poolBuilder) namedOfKind(name string, kind sbc.ConstKind) (int, bool) {
	idx, ok := p.named[name]
	if !ok || p.entries[idx].kind != kind {
		return 0, false
	}
	return idx, true
}

func (p *poolBuilder) internString(s string) int {
	if idx, ok := p.byString[s]; ok {
		return idx
	}
	idx := len(p.entries)
	p.entries = append(p.entries, poolEntry{kind: sbc.ConstString, str: s})
	p.byString[s] = idx
	return idx
}

func (p *poolBuilder) internI64(v int64) int {
	if idx, ok := p.byI64[v]; ok {
		return idx
	}
	idx := len(p.entries)
	p.entries = append(p.entries, poolEntry{kind: sbc.ConstI128, i64: v})
	p.byI64[v] = idx
	return idx
}

func (p *poolBuilder) internF32(v float32) int {
	bits := math.Float32bits(v)
	if idx, ok := p.byF32[bits]; ok {
		return idx
	}
	idx := len(p.entries)
	p.entries = append(p.entries, poolEntry{kind: sbc.ConstF32, f32: v})
	p.byF32[bits] = idx
	return idx
}

func (p *poolBuilder) internF64(v float64) int {
	bits := math.Float64bits(v)
	if idx, ok := p.byF64[bits]; ok {
		return idx
	}
	idx := len(p.entries)
	p.entries = append(p.entries, poolEntry{kind: sbc.ConstF64, f64: v})
	p.byF64[bits] = idx
	return idx
}

// newJumpTable reserves a jump-table entry whose relative offsets are
// patched later, once label PCs are known. Tables are per-use-site, never
// deduplicated: their offsets are relative to the referencing
// instruction.
func (p *poolBuilder) newJumpTable(count int) int {
	idx := len(p.entries)
	p.entries = append(p.entries, poolEntry{kind: sbc.ConstJumpTbl, jtCount: count})
	return idx
}

func (p *poolBuilder) patchJumpTable(idx int, rels []int32) {
	p.entries[idx].jtRels = rels
}

func (e poolEntry) entrySize() uint32 {
	if e.kind == sbc.ConstF64 {
		return 12 // kind + 8 inline bits
	}
	return 8 // kind + 4 bytes (inline value or blob offset)
}

func (e poolEntry) blobSize() uint32 {
	switch e.kind {
	case sbc.ConstString:
		return uint32(len(e.str)) + 1 // NUL terminator
	case sbc.ConstI128, sbc.ConstU128:
		return 4 + 16 // length word + payload
	case sbc.ConstJumpTbl:
		return 8 + uint32(e.jtCount)*4 // length + count + rels
	default:
		return 0
	}
}

// layout assigns every entry its offset within the pool buffer and every
// blob its slot in the trailing blob area.
func (p *poolBuilder) layout() {
	p.offsets = make([]uint32, len(p.entries))
	p.blobOffs = make([]uint32, len(p.entries))
	pos := uint32(0)
	for i, e := range p.entries {
		p.offsets[i] = pos
		pos += e.entrySize()
	}
	for i, e := range p.entries {
		p.blobOffs[i] = pos
		pos += e.blobSize()
	}
	p.total = pos
}

func (p *poolBuilder) offsetOf(idx int) uint32 {
	return p.offsets[idx]
}

// serialize writes the pool buffer: entries first, then the blob area.
func (p *poolBuilder) serialize() []byte {
	out := make([]byte, 0, p.total)
	for i, e := range p.entries {
		out = appendU32(out, uint32(e.kind))
		switch e.kind {
		case sbc.ConstString, sbc.ConstI128, sbc.ConstU128, sbc.ConstJumpTbl:
			out = appendU32(out, p.blobOffs[i])
		case sbc.ConstF32:
			out = appendU32(out, math.Float32bits(e.f32))
		case sbc.ConstF64:
			out = appendU64(out, math.Float64bits(e.f64))
		case sbc.ConstTypeRef:
			out = appendU32(out, uint32(e.i64))
		}
	}
	for _, e := range p.entries {
		switch e.kind {
		case sbc.ConstString:
			out = append(out, e.str...)
			out = append(out, 0)
		case sbc.ConstI128, sbc.ConstU128:
			out = appendU32(out, 16)
			out = appendU64(out, uint64(e.i64))
			ext := uint64(0)
			if e.kind == sbc.ConstI128 && e.i64 < 0 {
				ext = ^uint64(0) // sign extension of the low quadword
			}
			out = appendU64(out, ext)
		case sbc.ConstJumpTbl:
			out = appendU32(out, 8+uint32(e.jtCount)*4)
			out = appendU32(out, uint32(e.jtCount))
			for _, rel := range e.jtRels {
				out = appendU32(out, uint32(rel))
			}
		}
	}
	return out
}

func (p *poolBuilder) count() int { return len(p.entries) }

func appendU64(b []byte, v uint64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
