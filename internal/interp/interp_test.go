package interp_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simplert/internal/interp"
	"simplert/internal/jit"
	"simplert/internal/rterr"
	"simplert/internal/sbc"
	"simplert/internal/sir"
	"simplert/internal/verify"
)

func buildModule(t *testing.T, src string) (*sbc.Module, *verify.Result) {
	t.Helper()
	raw, err := sir.AssembleText(src)
	require.NoError(t, err, "assemble")
	m, err := sbc.Load(raw)
	require.NoError(t, err, "load")
	v, err := verify.Verify(m)
	require.NoError(t, err, "verify")
	return m, v
}

func runSIR(t *testing.T, src string, opts interp.Options) (*interp.Interp, interp.Result, *rterr.Error) {
	t.Helper()
	m, v := buildModule(t, src)
	rt, err := interp.New(m, v, opts)
	require.NoError(t, err, "new interp")
	res, trap := rt.Run(m.Header.EntryMethodID)
	return rt, res, trap
}

func TestIntegerSum(t *testing.T) {
	src := `
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
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	require.True(t, res.HasValue)
	assert.Equal(t, int32(5), res.Value.I32())
}

func TestUnsignedDivideByZeroTraps(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 1
  const.i32 0
  div.u32
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Contains(t, trap.Message, "DIV_U32 by zero")
}

func TestDivideByZeroTrap(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 1
  const.i32 0
  div.i32
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Equal(t, rterr.KindRuntime, trap.Kind)
	assert.Contains(t, trap.Message, "DIV_I32 by zero")
	assert.Equal(t, 0, trap.FuncIndex)
	// enter(3) + const.i32(5) + const.i32(5) puts div.i32 at pc 13
	assert.Equal(t, 13, trap.PC)
	assert.Equal(t, "div.i32", trap.Opcode)
}

func TestJumpTable(t *testing.T) {
	tmpl := `
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  const.i32 INDEX
  jmp.table c0,c1,cdef
c0:
  const.i32 1
  ret
c1:
  const.i32 2
  ret
cdef:
  const.i32 3
  ret
end
entry main
`
	tests := []struct {
		name  string
		index string
		want  int32
	}{
		{"case one", "1", 2},
		{"out of range falls to default", "5", 3},
		{"case zero", "0", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := strings.Replace(tmpl, "INDEX", tt.index, 1)
			_, res, trap := runSIR(t, src, interp.Options{})
			require.Nil(t, trap)
			assert.Equal(t, tt.want, res.Value.I32())
		})
	}
}

func TestListPushPopRoundTrip(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=1 stack=3 sig=main
  newlist i32 4
  dup
  const.i32 10
  list.push.i32
  dup
  const.i32 20
  list.push.i32
  dup
  list.pop.i32
  stloc 0
  list.len
  ldloc 0
  add.i32
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(21), res.Value.I32())
}

func TestGCSafePoint(t *testing.T) {
	src := `
consts:
  s string "throwaway"
sigs:
  main ret=i32
func main locals=1 stack=2 sig=main
  const.i32 0
  stloc 0
loop:
  const.string s
  pop
  ldloc 0
  inc.i32
  stloc 0
  ldloc 0
  const.i32 2000
  cmp.lt.i32
  jmp.true loop
  ldloc 0
  ret
end
entry main
`
	rt, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(2000), res.Value.I32())
	assert.LessOrEqual(t, rt.Heap.LiveCount(), 16, "garbage strings must have been swept")
}

func TestTierPromotion(t *testing.T) {
	src := `
sigs:
  main ret=i32
  addsig ret=i32 params=i32,i32
func add2 locals=2 stack=2 sig=addsig
  ldloc 0
  ldloc 1
  add.i32
  ret
end
func main locals=2 stack=4 sig=main
  const.i32 0
  stloc 0
  const.i32 0
  stloc 1
loop:
  ldloc 1
  const.i32 1
  call add2 2
  stloc 1
  ldloc 0
  inc.i32
  stloc 0
  ldloc 0
  const.i32 300
  cmp.lt.i32
  jmp.true loop
  ldloc 1
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{Tier0Threshold: 10, Tier1Threshold: 50})
	require.Nil(t, trap)
	assert.Equal(t, int32(300), res.Value.I32())

	const addIdx = 0
	st := res.Stats
	assert.Equal(t, jit.Tier1, st.Tiers[addIdx])
	assert.Greater(t, st.Tier0PromotionTicks[addIdx], int64(0))
	assert.Greater(t, st.Tier1PromotionTicks[addIdx], int64(0))
	assert.Greater(t, st.FastPathExecutions[addIdx], int64(0))
	assert.Greater(t, st.Tier1Executions[addIdx], int64(0))
	assert.Equal(t, int64(300), st.CallCounts[addIdx])
}

func TestTierNonCompilableStaysInterpreted(t *testing.T) {
	// add64 uses i64 opcodes, which are outside the pinned fast-path
	// subset: it still tiers for statistics but never takes the fast path.
	src := `
sigs:
  main ret=i32
  addsig ret=i32 params=i32,i32
func add64 locals=2 stack=2 sig=addsig
  ldloc 0
  conv.i32.i64
  ldloc 1
  conv.i32.i64
  add.i64
  conv.i64.i32
  ret
end
func main locals=2 stack=4 sig=main
  const.i32 0
  stloc 0
  const.i32 0
  stloc 1
loop:
  ldloc 1
  const.i32 1
  call add64 2
  stloc 1
  ldloc 0
  inc.i32
  stloc 0
  ldloc 0
  const.i32 100
  cmp.lt.i32
  jmp.true loop
  ldloc 1
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{Tier0Threshold: 10, Tier1Threshold: 50})
	require.Nil(t, trap)
	assert.Equal(t, int32(100), res.Value.I32())

	const addIdx = 0
	st := res.Stats
	assert.Equal(t, jit.Tier1, st.Tiers[addIdx])
	assert.Zero(t, st.FastPathExecutions[addIdx])
	assert.Zero(t, st.FastPathDispatches[addIdx])
}

func TestStringOps(t *testing.T) {
	src := `
consts:
  a string "abc"
  b string "defg"
sigs:
  main ret=i32
func main locals=1 stack=3 sig=main
  const.string a
  const.string b
  string.concat
  stloc 0
  ldloc 0
  string.len
  ldloc 0
  const.i32 3
  string.get.char
  add.i32
  ret
end
entry main
`
	// len("abcdefg") = 7, charAt(3) = 'd' = 100
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(107), res.Value.I32())
}

func TestStringSlice(t *testing.T) {
	src := `
consts:
  s string "hello world"
sigs:
  main ret=i32
func main locals=0 stack=3 sig=main
  const.string s
  const.i32 6
  const.i32 11
  string.slice
  string.len
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(5), res.Value.I32())
}

func TestArrayGetSetAndLen(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=1 stack=4 sig=main
  newarray i32 3
  stloc 0
  ldloc 0
  const.i32 1
  const.i32 40
  array.set.i32
  ldloc 0
  const.i32 1
  array.get.i32
  ldloc 0
  array.len
  add.i32
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(43), res.Value.I32())
}

func TestArrayIndexOutOfBoundsTraps(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=3 sig=main
  newarray i32 3
  const.i32 9
  array.get.i32
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Equal(t, rterr.KindRuntime, trap.Kind)
	assert.Contains(t, trap.Message, "out of bounds")
}

func TestListPushOverflowTraps(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=1 stack=3 sig=main
  newlist i32 1
  stloc 0
  ldloc 0
  const.i32 1
  list.push.i32
  ldloc 0
  const.i32 2
  list.push.i32
  const.i32 0
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Contains(t, trap.Message, "capacity")
}

func TestObjectFields(t *testing.T) {
	src := `
types:
  point size=8 fields=x:0:i32,y:4:i32
sigs:
  main ret=i32
func main locals=1 stack=3 sig=main
  newobj point
  stloc 0
  ldloc 0
  const.i32 7
  store.field point.x
  ldloc 0
  const.i32 35
  store.field point.y
  ldloc 0
  load.field point.x
  ldloc 0
  load.field point.y
  add.i32
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(42), res.Value.I32())
}

func TestNullFieldDereferenceTraps(t *testing.T) {
	src := `
types:
  point size=8 fields=x:0:i32,y:4:i32
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.null
  load.field point.x
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Contains(t, trap.Message, "null dereference")
}

func TestGlobals(t *testing.T) {
	src := `
globals:
  counter i32
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 17
  stglob counter
  ldglob counter
  const.i32 4
  add.i32
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(21), res.Value.I32())
}

func TestClosureUpvalues(t *testing.T) {
	src := `
consts:
  hello string "hello"
sigs:
  main ret=i32
  lensig ret=i32
func strlen locals=0 stack=1 sig=lensig
  load.upvalue 0
  string.len
  ret
end
func main locals=0 stack=2 sig=main
  const.string hello
  new.closure strlen 1
  call.indirect lensig 0
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(5), res.Value.I32())
}

func TestUpvalueWithoutClosureTraps(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  load.upvalue 0
  string.len
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Contains(t, trap.Message, "no closure")
}

func TestTailCallCountdown(t *testing.T) {
	src := `
sigs:
  main ret=i32
  cd ret=i32 params=i32
func count locals=1 stack=2 sig=cd
  ldloc 0
  jmp.true rec
  const.i32 0
  ret
rec:
  ldloc 0
  dec.i32
  tail.call count 1
end
func main locals=0 stack=2 sig=main
  const.i32 100000
  call count 1
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(0), res.Value.I32())
}

func TestCallCheckOnlyFromRoot(t *testing.T) {
	guarded := `
sigs:
  main ret=i32
  gsig ret=i32
func g locals=0 stack=1 sig=gsig
  call.check
  const.i32 1
  ret
end
func main locals=0 stack=1 sig=main
  call g 0
  ret
end
entry main
`
	_, _, trap := runSIR(t, guarded, interp.Options{})
	require.NotNil(t, trap)
	assert.Contains(t, trap.Message, "root frame")

	asEntry := `
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  call.check
  const.i32 9
  ret
end
entry main
`
	_, res, trap := runSIR(t, asEntry, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(9), res.Value.I32())
}

func TestArithmeticEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int32
	}{
		{
			"int_min div -1 wraps",
			"const.i32 -2147483648\n  const.i32 -1\n  div.i32",
			-2147483648,
		},
		{
			"int_min mod -1 is zero",
			"const.i32 -2147483648\n  const.i32 -1\n  mod.i32",
			0,
		},
		{
			"neg of int_min wraps",
			"const.i32 -2147483648\n  neg.i32",
			-2147483648,
		},
		{
			"shift masked by width",
			"const.i32 1\n  const.i32 33\n  shl.i32",
			2,
		},
		{
			"float div by zero yields zero",
			"const.f64 5.0\n  const.f64 0.0\n  div.f64\n  conv.f64.i32",
			0,
		},
		{
			"i32 to f64 round trip",
			"const.i32 21\n  conv.i32.f64\n  const.f64 2.0\n  mul.f64\n  conv.f64.i32",
			42,
		},
		{
			"bool ops are eager on the low bit",
			"const.i32 3\n  const.i32 1\n  bool.and\n  const.i32 0\n  bool.or",
			1,
		},
		{
			"i64 compare produces i32",
			"const.i64 4000000000000\n  const.i64 5\n  cmp.gt.i64",
			1,
		},
		{
			"unsigned divide treats -1 as max u32",
			"const.i32 -1\n  const.i32 2\n  div.u32",
			2147483647,
		},
		{
			"unsigned compare orders by magnitude",
			"const.i32 -1\n  const.i32 1\n  cmp.lt.u32",
			0,
		},
		{
			"logical shift right fills with zeros",
			"const.i32 -8\n  const.i32 1\n  shr.u32",
			2147483644,
		},
		{
			"narrow to i8 sign extends",
			"const.i32 200\n  conv.i32.i8",
			-56,
		},
		{
			"narrow to u8 zero extends",
			"const.i32 -1\n  conv.i32.u8",
			255,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `
sigs:
  main ret=i32
func main locals=0 stack=4 sig=main
  ` + tt.body + `
  ret
end
entry main
`
			_, res, trap := runSIR(t, src, interp.Options{})
			require.Nil(t, trap)
			assert.Equal(t, tt.want, res.Value.I32())
		})
	}
}

func TestTrapIntrinsicSurfacesCode(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  const.i32 7
  intrinsic trap
  const.i32 0
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Equal(t, rterr.KindTrap, trap.Kind)
	assert.Contains(t, trap.Message, "code=7")
}

func TestPrintIntrinsic(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 1234567
  const.i32 0
  intrinsic print
  const.i32 0
  ret
end
entry main
`
	var out bytes.Buffer
	_, _, trap := runSIR(t, src, interp.Options{Stdout: &out})
	require.Nil(t, trap)
	assert.Equal(t, "1,234,567\n", out.String())
}

func TestMinMaxIntrinsics(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 3
  const.i32 9
  intrinsic max.i32
  const.i32 -4
  intrinsic min.i32
  intrinsic abs.i32
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Equal(t, int32(4), res.Value.I32())
}

func TestLineOpcodeInTrapContext(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  line 1:12:3
  const.i32 1
  const.i32 0
  div.i32
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Equal(t, 12, trap.Line)
	assert.Equal(t, 3, trap.Column)
}

func TestDebugLineFallbackInTrap(t *testing.T) {
	// no Line opcode runs; the trap context falls back to the Debug
	// section's rows by nearest-preceding-PC lookup
	m, v := buildModule(t, `
sigs:
  main ret=i32
func main locals=0 stack=2 sig=main
  const.i32 1
  const.i32 0
  div.i32
  ret
end
entry main
`)
	m.DebugLines = []sbc.DebugLineRow{
		{FuncIndex: 0, PC: 0, Line: 7, Column: 2},
		{FuncIndex: 0, PC: 13, Line: 9, Column: 5},
	}
	rt, err := interp.New(m, v, interp.Options{})
	require.NoError(t, err)
	_, trap := rt.Run(m.Header.EntryMethodID)
	require.NotNil(t, trap)
	assert.Equal(t, 9, trap.Line)
	assert.Equal(t, 5, trap.Column)
}

func TestCallerChainInTrap(t *testing.T) {
	src := `
sigs:
  main ret=i32
  inner ret=i32
func boom locals=0 stack=2 sig=inner
  const.i32 1
  const.i32 0
  div.i32
  ret
end
func main locals=0 stack=1 sig=main
  line 1:5:1
  call boom 0
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{})
	require.NotNil(t, trap)
	assert.Equal(t, 0, trap.FuncIndex) // boom is declared first
	require.Len(t, trap.CallChain, 1)
	assert.Equal(t, "main", trap.CallChain[0].FuncName)
	assert.Equal(t, 5, trap.CallChain[0].Line)
	assert.Equal(t, "target 0 arity 0", trap.CallChain[0].Operands, "suspended call sites decode too")
	assert.Contains(t, trap.Error(), "called from main")
}

func TestBreakpointHook(t *testing.T) {
	src := `
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  breakpoint
  const.i32 1
  ret
end
entry main
`
	hit := 0
	_, res, trap := runSIR(t, src, interp.Options{
		OnBreakpoint: func(funcIndex, line, column int) bool {
			hit++
			return false
		},
	})
	require.Nil(t, trap)
	assert.Equal(t, int32(1), res.Value.I32())
	assert.Equal(t, 1, hit)

	_, _, trap = runSIR(t, src, interp.Options{
		OnBreakpoint: func(funcIndex, line, column int) bool { return true },
	})
	require.NotNil(t, trap)
	assert.Contains(t, trap.Message, "breakpoint")
}

func TestProfileRegions(t *testing.T) {
	src := `
consts:
  region string "hot"
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  profile.start region
  const.i32 1
  pop
  profile.end region
  const.i32 0
  ret
end
entry main
`
	_, res, trap := runSIR(t, src, interp.Options{})
	require.Nil(t, trap)
	assert.Contains(t, res.Stats.ProfileRegions, "hot")
	assert.Greater(t, res.Stats.ProfileRegions["hot"], int64(0))
}

type fnResolver func(module, symbol string, sig sbc.SigRow, params []uint32) (interp.ImportFunc, error)

func (f fnResolver) Resolve(module, symbol string, sig sbc.SigRow, params []uint32) (interp.ImportFunc, error) {
	return f(module, symbol, sig, params)
}

func TestHostImport(t *testing.T) {
	src := `
sigs:
  main ret=i32
  addten ret=i32 params=i32
imports:
  host add_ten sig=addten
func main locals=0 stack=2 sig=main
  const.i32 32
  call host.add_ten 1
  ret
end
entry main
`
	resolver := fnResolver(func(module, symbol string, sig sbc.SigRow, params []uint32) (interp.ImportFunc, error) {
		require.Equal(t, "host", module)
		require.Equal(t, "add_ten", symbol)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI32(args[0].I32() + 10)}, nil
		}, nil
	})
	_, res, trap := runSIR(t, src, interp.Options{Resolver: resolver})
	require.Nil(t, trap)
	assert.Equal(t, int32(42), res.Value.I32())
}

func TestImportResolutionFailure(t *testing.T) {
	src := `
sigs:
  main ret=i32
  nosig ret=i32
imports:
  host missing sig=nosig
func main locals=0 stack=1 sig=main
  call host.missing 0
  ret
end
entry main
`
	m, v := buildModule(t, src)
	resolver := fnResolver(func(module, symbol string, sig sbc.SigRow, params []uint32) (interp.ImportFunc, error) {
		return nil, assert.AnError
	})
	_, err := interp.New(m, v, interp.Options{Resolver: resolver})
	require.Error(t, err)
}

func TestUnboundImportTrapsAtCall(t *testing.T) {
	src := `
sigs:
  main ret=i32
  nosig ret=i32
imports:
  host missing sig=nosig
func main locals=0 stack=1 sig=main
  call host.missing 0
  ret
end
entry main
`
	_, _, trap := runSIR(t, src, interp.Options{}) // no resolver at all
	require.NotNil(t, trap)
	assert.Equal(t, rterr.KindHostImportError, trap.Kind)
	assert.Equal(t, "call", trap.Opcode)
	assert.Equal(t, "target 1 arity 0", trap.Operands, "call traps decode the target and arity")
}

func TestJumpTableTrapDecodesConstOperand(t *testing.T) {
	m, v := buildModule(t, `
consts:
  s string "x"
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  const.i32 1
  jmp.table a,b,dflt
a:
  const.i32 1
  ret
b:
  const.i32 2
  ret
dflt:
  const.i32 3
  ret
end
entry main
`)
	// redirect the jmp.table operand at a non-table const (the string at
	// pool offset 0) after verification, so the dispatch-time check fires:
	// enter(3) + const.i32(5) puts jmp.table at pc 8, its operand at 9
	binary.LittleEndian.PutUint32(m.Code[9:13], 0)

	rt, err := interp.New(m, v, interp.Options{})
	require.NoError(t, err)
	_, trap := rt.Run(m.Header.EntryMethodID)
	require.NotNil(t, trap)
	assert.Contains(t, trap.Message, "bad jump table")
	assert.Equal(t, "jmp.table", trap.Opcode)
	assert.Equal(t, "table const 0", trap.Operands)
}
