package verify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simplert/internal/sbc"
	"simplert/internal/sir"
	"simplert/internal/verify"
)

func load(t *testing.T, src string) *sbc.Module {
	t.Helper()
	raw, err := sir.AssembleText(src)
	require.NoError(t, err)
	m, err := sbc.Load(raw)
	require.NoError(t, err)
	return m
}

func TestVerifyAcceptsStraightLine(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=1 stack=2 sig=main
  const.i32 1
  const.i32 2
  add.i32
  stloc 0
  ldloc 0
  ret
end
entry main
`)
	res, err := verify.Verify(m)
	require.NoError(t, err)
	info := res.Functions[0]
	assert.Equal(t, 2, info.StackMax)
	require.Len(t, info.LocalsRefBits, 1)
	assert.False(t, info.LocalsRefBits[0])
}

func TestVerifyStackHeightMismatchAtMerge(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 1
  jmp.true join
  const.i32 2
join:
  const.i32 0
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stack height mismatch")
}

func TestVerifyLaneMismatchAtMerge(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 1
  jmp.true other
  const.i32 2
  jmp join
other:
  const.f32 1.5
  jmp join
join:
  pop
  const.i32 0
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lane mismatch")
}

func TestVerifyStackUnderflow(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  add.i32
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "underflow")
}

func TestVerifyArithLaneChecked(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.f64 1.0
  const.i32 2
  add.i32
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lane mismatch")
}

func TestVerifyJumpOutOfRange(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  jmp 10000
  const.i32 0
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jump target")
}

func TestVerifyLocalReadBeforeStore(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=1 stack=1 sig=main
  ldloc 0
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before any Store")
}

func TestVerifyLocalLaneConflict(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
func main locals=1 stack=1 sig=main
  const.i32 1
  stloc 0
  const.f64 2.0
  stloc 0
  const.i32 0
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lane conflict")
}

func TestVerifyRefBitmaps(t *testing.T) {
	m := load(t, `
consts:
  s string "x"
globals:
  g0 i32
  g1 string
sigs:
  main ret=i32
func main locals=2 stack=1 sig=main
  const.string s
  stloc 0
  const.i32 1
  stloc 1
  const.i32 0
  ret
end
entry main
`)
	res, err := verify.Verify(m)
	require.NoError(t, err)

	require.Len(t, res.GlobalsRefBits, 2)
	assert.False(t, res.GlobalsRefBits[0], "i32 global is not a ref")
	assert.True(t, res.GlobalsRefBits[1], "string global is a ref")

	info := res.Functions[0]
	require.Len(t, info.LocalsRefBits, 2)
	assert.True(t, info.LocalsRefBits[0])
	assert.False(t, info.LocalsRefBits[1])
}

func TestVerifyStackMapsAtProgramPoints(t *testing.T) {
	m := load(t, `
consts:
  s string "x"
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.string s
  string.len
  ret
end
entry main
`)
	res, err := verify.Verify(m)
	require.NoError(t, err)
	maps := res.Functions[0].StackMaps

	// after const.string (enter=3 bytes, const.string=5), string.len sits
	// at pc 8 with one Ref slot live
	sm, ok := maps[8]
	require.True(t, ok)
	assert.Equal(t, 1, sm.StackHeight)
	require.Len(t, sm.RefBits, 1)
	assert.True(t, sm.RefBits[0])
}

func TestVerifyParamLanesFromSignature(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
  two ret=i32 params=i32,f64
func f locals=2 stack=2 sig=two
  ldloc 1
  conv.f64.i32
  ldloc 0
  add.i32
  ret
end
func main locals=0 stack=3 sig=main
  const.i32 1
  const.f64 2.0
  call f 2
  ret
end
entry main
`)
	res, err := verify.Verify(m)
	require.NoError(t, err)
	assert.False(t, res.Functions[0].LocalsRefBits[0])
}

func TestVerifyCallArityMismatch(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
  one ret=i32 params=i32
func f locals=1 stack=1 sig=one
  ldloc 0
  ret
end
func main locals=0 stack=2 sig=main
  const.i32 1
  const.i32 2
  call f 2
  ret
end
entry main
`)
	_, err := verify.Verify(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "param_count")
}

func TestVerifyFastOpClassification(t *testing.T) {
	m := load(t, `
sigs:
  main ret=i32
  p ret=i32 params=i32
func pure locals=1 stack=2 sig=p
  ldloc 0
  const.i32 1
  add.i32
  ret
end
func heapy locals=0 stack=2 sig=p
  newlist i32 1
  list.len
  ret
end
func main locals=0 stack=2 sig=main
  const.i32 1
  call pure 1
  ret
end
entry main
`)
	res, err := verify.Verify(m)
	require.NoError(t, err)
	assert.True(t, res.Functions[0].UsesOnlyFastOps, "pure i32 function is fast-path eligible")
	assert.False(t, res.Functions[1].UsesOnlyFastOps, "heap-allocating function is not")
}

func TestVerifyIsIdempotent(t *testing.T) {
	raw, err := sir.AssembleText(`
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 2
  const.i32 3
  add.i32
  ret
end
entry main
`)
	require.NoError(t, err)
	m, err := sbc.Load(raw)
	require.NoError(t, err)

	r1, err := verify.Verify(m)
	require.NoError(t, err)
	r2, err := verify.Verify(m)
	require.NoError(t, err)
	assert.Equal(t, r1.Functions[0].StackMax, r2.Functions[0].StackMax)
	assert.Equal(t, r1.Functions[0].LocalsRefBits, r2.Functions[0].LocalsRefBits)
	assert.Equal(t, len(r1.Functions[0].StackMaps), len(r2.Functions[0].StackMaps))
}
