package sbc_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simplert/internal/sbc"
	"simplert/internal/sir"
)

const minimalSIR = `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 2
  const.i32 3
  add.i32
  ret
end
entry main
`

func assembleMinimal(t *testing.T) []byte {
	t.Helper()
	raw, err := sir.AssembleText(minimalSIR)
	require.NoError(t, err)
	return raw
}

func TestLoadValidModule(t *testing.T) {
	raw := assembleMinimal(t)
	m, err := sbc.Load(raw)
	require.NoError(t, err)

	assert.Equal(t, sbc.Magic, m.Header.Magic)
	assert.Equal(t, uint32(0), m.Header.EntryMethodID)
	require.Len(t, m.Functions, 1)
	require.Len(t, m.Methods, 1)
	assert.False(t, m.FunctionIsImport[0])

	fn, idx, ok := m.Function(m.Header.EntryMethodID)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, uint32(0), fn.CodeOffset)
	assert.Equal(t, int(fn.CodeSize), len(m.Code))
}

func TestLoadSectionAlignment(t *testing.T) {
	raw := assembleMinimal(t)
	hdr := raw[:32]
	count := binary.LittleEndian.Uint32(hdr[8:12])
	tableOff := binary.LittleEndian.Uint32(hdr[12:16])
	for i := uint32(0); i < count; i++ {
		off := binary.LittleEndian.Uint32(raw[tableOff+i*16+4:])
		assert.Zero(t, off%4, "section %d offset %d not 4-aligned", i, off)
	}
}

func TestLoadRejectsCorruptHeaders(t *testing.T) {
	corrupt := func(mutate func([]byte)) []byte {
		raw := append([]byte(nil), assembleMinimal(t)...)
		mutate(raw)
		return raw
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"truncated file", assembleMinimal(t)[:16]},
		{"bad magic", corrupt(func(b []byte) { b[0] = 'X' })},
		{"bad version", corrupt(func(b []byte) { b[4] = 99 })},
		{"bad endian tag", corrupt(func(b []byte) { b[6] = 0 })},
		{"reserved word set", corrupt(func(b []byte) { b[20] = 1 })},
		{"bogus entry method", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint32(b[16:], 1234)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sbc.Load(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsCorruptSectionTable(t *testing.T) {
	base := assembleMinimal(t)
	tableOff := binary.LittleEndian.Uint32(base[12:16])

	corrupt := func(mutate func([]byte)) []byte {
		raw := append([]byte(nil), base...)
		mutate(raw)
		return raw
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"unknown section id", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint32(b[tableOff:], 99)
		})},
		{"duplicate section id", corrupt(func(b []byte) {
			first := binary.LittleEndian.Uint32(b[tableOff:])
			binary.LittleEndian.PutUint32(b[tableOff+16:], first)
		})},
		{"unaligned section offset", corrupt(func(b []byte) {
			off := binary.LittleEndian.Uint32(b[tableOff+4:])
			binary.LittleEndian.PutUint32(b[tableOff+4:], off+2)
		})},
		{"overlapping sections", corrupt(func(b []byte) {
			firstOff := binary.LittleEndian.Uint32(b[tableOff+4:])
			binary.LittleEndian.PutUint32(b[tableOff+16+4:], firstOff)
		})},
		{"section past end of file", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint32(b[tableOff+8:], 1<<30)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sbc.Load(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestLoadSynthesizesImportRows(t *testing.T) {
	src := `
sigs:
  main ret=i32
  clock ret=i64
imports:
  simple.os monotonic_nanos sig=clock
func main locals=0 stack=1 sig=main
  const.i32 0
  ret
end
entry main
`
	raw, err := sir.AssembleText(src)
	require.NoError(t, err)
	m, err := sbc.Load(raw)
	require.NoError(t, err)

	require.Len(t, m.Imports, 1)
	require.Len(t, m.Functions, 2, "one declared function plus one synthetic import row")
	assert.True(t, m.FunctionIsImport[1])
	assert.False(t, m.FunctionIsImport[0])

	// the synthetic row shares uniform call dispatch: method id resolves
	_, idx, ok := m.Function(1)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestLoadIsPureFunctionOfBytes(t *testing.T) {
	raw := assembleMinimal(t)
	m, err := sbc.Load(raw)
	require.NoError(t, err)

	// loading again from the same bytes is a pure function of the bytes
	m2, err := sbc.Load(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Header, m2.Header)
	assert.Equal(t, m.Functions, m2.Functions)
	assert.Equal(t, m.Code, m2.Code)
}
