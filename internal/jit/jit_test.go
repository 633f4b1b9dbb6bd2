package jit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simplert/internal/jit"
	"simplert/internal/sbc"
	"simplert/internal/sir"
	"simplert/internal/verify"
)

// addModule has one pure-i32 function (fast-path eligible) at index 0.
const addModule = `
sigs:
  main ret=i32
  bin ret=i32 params=i32,i32
func add2 locals=2 stack=2 sig=bin
  ldloc 0
  ldloc 1
  add.i32
  ret
end
func main locals=0 stack=1 sig=main
  const.i32 0
  ret
end
entry main
`

const divModule = `
sigs:
  main ret=i32
  bin ret=i32 params=i32,i32
func div2 locals=2 stack=2 sig=bin
  ldloc 0
  ldloc 1
  div.i32
  ret
end
func main locals=0 stack=1 sig=main
  const.i32 0
  ret
end
entry main
`

func buildEngine(t *testing.T, src string, tier0, tier1 int) *jit.Engine {
	t.Helper()
	raw, err := sir.AssembleText(src)
	require.NoError(t, err)
	m, err := sbc.Load(raw)
	require.NoError(t, err)
	v, err := verify.Verify(m)
	require.NoError(t, err)
	return jit.NewEngine(m, v, tier0, tier1)
}

func TestCallCountPromotion(t *testing.T) {
	e := buildEngine(t, addModule, 3, 6)

	assert.Equal(t, jit.TierNone, e.RecordCall(0))
	assert.Equal(t, jit.TierNone, e.RecordCall(0))
	assert.Equal(t, jit.Tier0, e.RecordCall(0), "third call crosses Tier0")
	assert.Equal(t, jit.Tier0, e.RecordCall(0))
	assert.Equal(t, jit.Tier0, e.RecordCall(0))
	assert.Equal(t, jit.Tier1, e.RecordCall(0), "sixth call crosses Tier1")

	st := e.Stats()
	assert.Equal(t, jit.Tier1, st.Tiers[0])
	assert.Equal(t, int64(6), st.CallCounts[0])
	assert.Greater(t, st.Tier1PromotionTicks[0], st.Tier0PromotionTicks[0])
	assert.Equal(t, int64(1), st.CompileCounts[0], "compilable scan runs once")
}

func TestOpcodeCountPromotion(t *testing.T) {
	e := buildEngine(t, addModule, 1000000, 2000000)
	// heavy opcode traffic alone promotes an untiered function
	for i := 0; i < 2000; i++ {
		e.RecordOpcode(0, sbc.OpAddI32)
	}
	st := e.Stats()
	assert.Equal(t, jit.Tier0, st.Tiers[0])
}

func TestFastPathExecutesSubset(t *testing.T) {
	e := buildEngine(t, addModule, 1, 1000)
	e.RecordCall(0) // promotes and scans

	res, handled, err := e.TryFastPath(0, []uint64{19, 23})
	require.True(t, handled)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(42), res[0])

	st := e.Stats()
	assert.Equal(t, int64(1), st.FastPathDispatches[0])
	assert.Equal(t, int64(1), st.FastPathExecutions[0])
}

func TestFastPathNotTakenBeforePromotion(t *testing.T) {
	e := buildEngine(t, addModule, 100, 1000)
	_, handled, _ := e.TryFastPath(0, []uint64{1, 2})
	assert.False(t, handled, "untiered functions go through generic dispatch")
}

func TestFastPathTrapDisablesFunction(t *testing.T) {
	e := buildEngine(t, divModule, 1, 1000)
	e.RecordCall(0)

	_, handled, err := e.TryFastPath(0, []uint64{1, 0})
	require.True(t, handled)
	require.Error(t, err, "divide by zero inside the fast path")
	assert.Contains(t, err.Error(), "DIV_I32 by zero")

	// the caller falls back to generic dispatch from now on
	_, handled, _ = e.TryFastPath(0, []uint64{1, 1})
	assert.False(t, handled)
}

func TestIntMinDivMinusOneWrapsInFastPath(t *testing.T) {
	e := buildEngine(t, divModule, 1, 1000)
	e.RecordCall(0)

	res, handled, err := e.TryFastPath(0, []uint64{uint64(uint32(0x80000000)), uint64(uint32(0xFFFFFFFF))})
	require.True(t, handled)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80000000), res[0], "INT_MIN / -1 wraps to INT_MIN")
}

func TestNonCompilableNeverFastDispatches(t *testing.T) {
	src := `
sigs:
  main ret=i32
  un ret=i32 params=i32
func widen locals=1 stack=1 sig=un
  ldloc 0
  conv.i32.i64
  conv.i64.i32
  ret
end
func main locals=0 stack=1 sig=main
  const.i32 0
  ret
end
entry main
`
	e := buildEngine(t, src, 1, 2)
	e.RecordCall(0)
	e.RecordCall(0)

	_, handled, _ := e.TryFastPath(0, []uint64{5})
	assert.False(t, handled)

	st := e.Stats()
	assert.Equal(t, jit.Tier1, st.Tiers[0], "non-compilable functions still tier for statistics")
	assert.Zero(t, st.FastPathExecutions[0])
}
