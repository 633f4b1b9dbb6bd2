package sbc

import (
	"encoding/binary"
	"math"
	"testing"
)

func u32(vals ...uint32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

func TestDecodeConstPoolString(t *testing.T) {
	// one string entry at offset 0, blob at offset 8
	pool := u32(uint32(ConstString), 8)
	pool = append(pool, "hello\x00"...)

	consts, offsets, err := DecodeConstPool(pool, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(consts) != 1 || consts[0].Kind != ConstString || consts[0].Str != "hello" {
		t.Fatalf("got %+v", consts)
	}
	if offsets[0] != 0 {
		t.Fatalf("offset = %d, want 0", offsets[0])
	}
}

func TestDecodeConstPoolScalars(t *testing.T) {
	pool := u32(uint32(ConstF32), math.Float32bits(1.5))
	pool = append(pool, u32(uint32(ConstF64))...)
	var f64b [8]byte
	binary.LittleEndian.PutUint64(f64b[:], math.Float64bits(2.25))
	pool = append(pool, f64b[:]...)

	consts, offsets, err := DecodeConstPool(pool, 2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consts[0].F32 != 1.5 || consts[1].F64 != 2.25 {
		t.Fatalf("got %+v", consts)
	}
	if offsets[1] != 8 {
		t.Fatalf("f64 entry offset = %d, want 8", offsets[1])
	}
}

func TestDecodeConstPoolI128(t *testing.T) {
	// entry points at a blob: u32 length(=16) + 16 bytes
	pool := u32(uint32(ConstI128), 8, 16)
	payload := make([]byte, 16)
	payload[0] = 0x2A
	pool = append(pool, payload...)

	consts, _, err := DecodeConstPool(pool, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consts[0].I128[0] != 0x2A {
		t.Fatalf("got %+v", consts[0].I128)
	}
}

func TestDecodeConstPoolJumpTable(t *testing.T) {
	// entry at 0, blob at 8: length=16, count=2, rels 12 and -4
	pool := u32(uint32(ConstJumpTbl), 8, 16, 2, 12, uint32(0xFFFFFFFC))

	consts, _, err := DecodeConstPool(pool, 1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tbl := consts[0].JumpTable
	if len(tbl) != 2 || tbl[0] != 12 || tbl[1] != -4 {
		t.Fatalf("got %v", tbl)
	}
}

func TestDecodeConstPoolShapeViolations(t *testing.T) {
	tests := []struct {
		name  string
		pool  []byte
		count int
	}{
		{"truncated kind word", []byte{1, 2}, 1},
		{"unknown kind", u32(99, 0), 1},
		{"string not nul terminated", append(u32(uint32(ConstString), 8), "abc"...), 1},
		{"string offset out of range", u32(uint32(ConstString), 500), 1},
		{"i128 wrong blob length", u32(uint32(ConstI128), 8, 7), 1},
		{"i128 blob out of range", u32(uint32(ConstI128), 400), 1},
		{"jump table length mismatch", u32(uint32(ConstJumpTbl), 8, 99, 2, 0, 0), 1},
		{"f64 truncated payload", u32(uint32(ConstF64)), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeConstPool(tt.pool, tt.count); err == nil {
				t.Fatal("expected a const-pool shape error")
			}
		})
	}
}
