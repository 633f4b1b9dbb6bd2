package sbc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ConstKind discriminates the payload that follows a const-pool entry's
// leading u32 kind word.
type ConstKind uint32

const (
	ConstString   ConstKind = 0
	ConstI128     ConstKind = 1
	ConstU128     ConstKind = 2
	ConstF32      ConstKind = 3
	ConstF64      ConstKind = 4
	ConstTypeRef  ConstKind = 5
	ConstJumpTbl  ConstKind = 6
)

// Const is one decoded constant-pool entry. Only the field matching Kind
// is meaningful.
type Const struct {
	Kind      ConstKind
	Str       string
	I128      [16]byte // two's-complement little-endian
	U128      [16]byte
	F32       float32
	F64       float64
	TypeID    uint32
	JumpTable []int32 // offsets relative to the byte after the jmp.table instruction, last is default
}

// DecodeConstPool parses the leading count discriminated entries out of the
// const-pool byte buffer; any bytes after the last entry are blob storage
// addressed by the offsets inside those entries (strings, 128-bit blobs,
// jump tables), not further entries. Validates each kind's payload length
// (I4: "every const-pool reference in the code resolves to a present kind
// word with the required payload length for that kind").
func DecodeConstPool(buf []byte, count int) ([]Const, []uint32, error) {
	entries := make([]Const, 0, count)
	offsets := make([]uint32, 0, count)
	pos := uint32(0)
	for i := 0; i < count; i++ {
		start := pos
		if len(buf)-int(pos) < 4 {
			return nil, nil, errors.Errorf("const pool: truncated kind word at offset %d", pos)
		}
		kind := ConstKind(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		c := Const{Kind: kind}
		var err error
		pos, err = decodeConstBody(buf, pos, &c)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "const pool entry at offset %d", start)
		}
		entries = append(entries, c)
		offsets = append(offsets, start)
	}
	return entries, offsets, nil
}

func decodeConstBody(buf []byte, pos uint32, c *Const) (uint32, error) {
	need := func(n int) error {
		if len(buf)-int(pos) < n {
			return errors.Errorf("truncated payload, need %d bytes", n)
		}
		return nil
	}
	switch c.Kind {
	case ConstString:
		if err := need(4); err != nil {
			return pos, err
		}
		off := binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
		s, err := readNulString(buf, off)
		if err != nil {
			return pos, err
		}
		c.Str = s
		return pos, nil
	case ConstI128, ConstU128:
		if err := need(4); err != nil {
			return pos, err
		}
		off := binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
		if int(off)+4 > len(buf) {
			return pos, errors.New("i128/u128 blob offset out of range")
		}
		length := binary.LittleEndian.Uint32(buf[off:])
		if length != 16 || int(off)+4+16 > len(buf) {
			return pos, errors.New("i128/u128 blob has wrong length")
		}
		var b [16]byte
		copy(b[:], buf[off+4:off+4+16])
		if c.Kind == ConstI128 {
			c.I128 = b
		} else {
			c.U128 = b
		}
		return pos, nil
	case ConstF32:
		if err := need(4); err != nil {
			return pos, err
		}
		c.F32 = math.Float32frombits(binary.LittleEndian.Uint32(buf[pos:]))
		return pos + 4, nil
	case ConstF64:
		if err := need(8); err != nil {
			return pos, err
		}
		c.F64 = math.Float64frombits(binary.LittleEndian.Uint64(buf[pos:]))
		return pos + 8, nil
	case ConstTypeRef:
		if err := need(4); err != nil {
			return pos, err
		}
		c.TypeID = binary.LittleEndian.Uint32(buf[pos:])
		return pos + 4, nil
	case ConstJumpTbl:
		if err := need(4); err != nil {
			return pos, err
		}
		off := binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
		tbl, err := readJumpTable(buf, off)
		if err != nil {
			return pos, err
		}
		c.JumpTable = tbl
		return pos, nil
	default:
		return pos, errors.Errorf("unknown const kind %d", c.Kind)
	}
}

func readNulString(buf []byte, offset uint32) (string, error) {
	if int(offset) >= len(buf) {
		return "", errors.Errorf("string offset %d out of range", offset)
	}
	for i := int(offset); i < len(buf); i++ {
		if buf[i] == 0 {
			return string(buf[offset:i]), nil
		}
	}
	return "", errors.Errorf("string at offset %d is not NUL-terminated", offset)
}

func readJumpTable(buf []byte, base uint32) ([]int32, error) {
	if int(base)+8 > len(buf) {
		return nil, errors.New("jump table blob truncated header")
	}
	length := binary.LittleEndian.Uint32(buf[base:])
	count := binary.LittleEndian.Uint32(buf[base+4:])
	need := 8 + int(count)*4
	if int(length) != need {
		return nil, fmt.Errorf("jump table length %d does not match count %d", length, count)
	}
	if int(base)+need > len(buf) {
		return nil, errors.New("jump table blob truncated body")
	}
	out := make([]int32, count)
	for i := uint32(0); i < count; i++ {
		off := base + 8 + i*4
		out[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
	}
	return out, nil
}
