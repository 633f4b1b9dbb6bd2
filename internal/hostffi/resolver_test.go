package hostffi_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simplert/internal/hostffi"
	"simplert/internal/interp"
	"simplert/internal/sbc"
	"simplert/internal/sir"
	"simplert/internal/verify"
)

// scratch builds a minimal interpreter instance so resolved host
// functions have a heap to marshal strings through.
func scratch(t *testing.T) *interp.Interp {
	t.Helper()
	raw, err := sir.AssembleText(`
sigs:
  main ret=i32
func main locals=0 stack=1 sig=main
  const.i32 0
  ret
end
entry main
`)
	require.NoError(t, err)
	m, err := sbc.Load(raw)
	require.NoError(t, err)
	v, err := verify.Verify(m)
	require.NoError(t, err)
	rt, err := interp.New(m, v, interp.Options{})
	require.NoError(t, err)
	return rt
}

func resolve(t *testing.T, r *hostffi.Resolver, module, symbol string) interp.ImportFunc {
	t.Helper()
	fn, err := r.Resolve(module, symbol, sbc.SigRow{}, nil)
	require.NoError(t, err)
	return fn
}

func TestResolveUnknownModule(t *testing.T) {
	r := hostffi.New(nil)
	_, err := r.Resolve("no.such.module", "x", sbc.SigRow{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown import module")
}

func TestAllowListRestrictsModules(t *testing.T) {
	r := hostffi.New(nil)
	r.AllowModules = []string{"simple.os"}

	_, err := r.Resolve("simple.os", "getpid", sbc.SigRow{}, nil)
	require.NoError(t, err)

	_, err = r.Resolve("simple.crypto", "sha256_sum", sbc.SigRow{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow list")
}

func TestOSModule(t *testing.T) {
	r := hostffi.New(nil)
	rt := scratch(t)

	t.Run("monotonic_nanos advances", func(t *testing.T) {
		fn := resolve(t, r, "simple.os", "monotonic_nanos")
		first, err := fn(rt, nil)
		require.NoError(t, err)
		second, err := fn(rt, nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, second[0].I64(), first[0].I64())
	})

	t.Run("uuid_new returns 36-char string", func(t *testing.T) {
		fn := resolve(t, r, "simple.os", "uuid_new")
		out, err := fn(rt, nil)
		require.NoError(t, err)
		s, ok := rt.StringValue(out[0])
		require.True(t, ok)
		assert.Len(t, s, 36)
	})

	t.Run("getpid matches host", func(t *testing.T) {
		fn := resolve(t, r, "simple.os", "getpid")
		out, err := fn(rt, nil)
		require.NoError(t, err)
		assert.Equal(t, int32(os.Getpid()), out[0].I32())
	})

	t.Run("env_get round trips", func(t *testing.T) {
		t.Setenv("SIMPLERT_TEST_VAR", "forty-two")
		fn := resolve(t, r, "simple.os", "env_get")
		out, err := fn(rt, []interp.Slot{rt.StringSlot("SIMPLERT_TEST_VAR")})
		require.NoError(t, err)
		s, _ := rt.StringValue(out[0])
		assert.Equal(t, "forty-two", s)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		_, err := r.Resolve("simple.os", "nope", sbc.SigRow{}, nil)
		require.Error(t, err)
	})
}

func TestCryptoModule(t *testing.T) {
	r := hostffi.New(nil)
	rt := scratch(t)

	t.Run("sha256_sum", func(t *testing.T) {
		fn := resolve(t, r, "simple.crypto", "sha256_sum")
		out, err := fn(rt, []interp.Slot{rt.StringSlot("abc")})
		require.NoError(t, err)
		s, _ := rt.StringValue(out[0])
		assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", s)
	})

	t.Run("hmac_sign is keyed", func(t *testing.T) {
		fn := resolve(t, r, "simple.crypto", "hmac_sign")
		a, err := fn(rt, []interp.Slot{rt.StringSlot("key1"), rt.StringSlot("msg")})
		require.NoError(t, err)
		b, err := fn(rt, []interp.Slot{rt.StringSlot("key2"), rt.StringSlot("msg")})
		require.NoError(t, err)
		sa, _ := rt.StringValue(a[0])
		sb, _ := rt.StringValue(b[0])
		assert.Len(t, sa, 64)
		assert.NotEqual(t, sa, sb)
	})

	t.Run("sha3 and blake2b digests differ from sha256", func(t *testing.T) {
		sha3fn := resolve(t, r, "simple.crypto", "sha3_256_sum")
		blakefn := resolve(t, r, "simple.crypto", "blake2b_sum")
		s3, err := sha3fn(rt, []interp.Slot{rt.StringSlot("abc")})
		require.NoError(t, err)
		bl, err := blakefn(rt, []interp.Slot{rt.StringSlot("abc")})
		require.NoError(t, err)
		v3, _ := rt.StringValue(s3[0])
		vb, _ := rt.StringValue(bl[0])
		assert.Len(t, v3, 64)
		assert.Len(t, vb, 64)
		assert.NotEqual(t, v3, vb)
	})

	t.Run("null argument is an error", func(t *testing.T) {
		fn := resolve(t, r, "simple.crypto", "sha256_sum")
		_, err := fn(rt, []interp.Slot{interp.NullSlot()})
		require.Error(t, err)
	})
}

func TestDBModuleSQLite(t *testing.T) {
	r := hostffi.New(nil)
	rt := scratch(t)

	open := resolve(t, r, "simple.db", "open")
	exec := resolve(t, r, "simple.db", "exec")
	query := resolve(t, r, "simple.db", "query_scalar")
	closeFn := resolve(t, r, "simple.db", "close")

	out, err := open(rt, []interp.Slot{rt.StringSlot("sqlite::memory:")})
	require.NoError(t, err)
	handle := out[0]

	_, err = exec(rt, []interp.Slot{handle, rt.StringSlot("CREATE TABLE kv (v INTEGER)")})
	require.NoError(t, err)
	res, err := exec(rt, []interp.Slot{handle, rt.StringSlot("INSERT INTO kv VALUES (41), (1)")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res[0].I64())

	row, err := query(rt, []interp.Slot{handle, rt.StringSlot("SELECT SUM(v) FROM kv")})
	require.NoError(t, err)
	s, _ := rt.StringValue(row[0])
	assert.Equal(t, "42", s)

	_, err = closeFn(rt, []interp.Slot{handle})
	require.NoError(t, err)

	_, err = exec(rt, []interp.Slot{handle, rt.StringSlot("SELECT 1")})
	require.Error(t, err, "closed handle must not resolve")
}

func TestDBOpenRejectsUnknownScheme(t *testing.T) {
	r := hostffi.New(nil)
	rt := scratch(t)
	open := resolve(t, r, "simple.db", "open")
	_, err := open(rt, []interp.Slot{rt.StringSlot("oracle:whatever")})
	require.Error(t, err)
}

func TestNetModuleUnknownHandle(t *testing.T) {
	r := hostffi.New(nil)
	rt := scratch(t)
	send := resolve(t, r, "simple.net", "ws_send")
	_, err := send(rt, []interp.Slot{interp.SlotOfI32(99), rt.StringSlot("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown websocket handle")
}

func TestDLSymbolFormat(t *testing.T) {
	r := hostffi.New(nil)

	_, err := r.Resolve("simple.dl", "not-a-lib-bang-symbol", sbc.SigRow{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lib!symbol")

	_, err = r.Resolve("simple.dl", "libm.so.6!fma", sbc.SigRow{RetTypeID: 3}, []uint32{3, 3, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arity")
}

// TestImportsThroughInterpreter runs a guest program whose imports
// resolve against the built-in resolver end to end.
func TestImportsThroughInterpreter(t *testing.T) {
	src := `
sigs:
  main ret=i32
  hash ret=string params=string
consts:
  input string "abc"
imports:
  simple.crypto sha256_sum sig=hash
func main locals=0 stack=2 sig=main
  const.string input
  call simple.crypto.sha256_sum 1
  string.len
  ret
end
entry main
`
	raw, err := sir.AssembleText(src)
	require.NoError(t, err)
	m, err := sbc.Load(raw)
	require.NoError(t, err)
	v, err := verify.Verify(m)
	require.NoError(t, err)

	r := hostffi.New(nil)
	rt, err := interp.New(m, v, interp.Options{Resolver: r, DL: r.DLCall})
	require.NoError(t, err)

	res, trap := rt.Run(m.Header.EntryMethodID)
	require.Nil(t, trap)
	assert.Equal(t, int32(64), res.Value.I32(), "hex sha256 digest length")
}
