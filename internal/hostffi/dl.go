package hostffi

import (
	"math"
	"strings"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"

	"simplert/internal/interp"
	"simplert/internal/sbc"
)

// resolveDL binds a simple.dl import, whose symbol names a shared object
// and entry point as "libname!symbol" (e.g. "libm.so.6!cos"). Dispatch
// goes through a closed trampoline table keyed by the import signature's
// (return, argument) lanes. Arity is limited to 2.
func (r *Resolver) resolveDL(symbol string, sig sbc.SigRow, paramTypes []uint32) (interp.ImportFunc, error) {
	lib, sym, ok := strings.Cut(symbol, "!")
	if !ok {
		return nil, errors.Errorf("dl symbol %q is not of the form lib!symbol", symbol)
	}
	if len(paramTypes) > 2 {
		return nil, errors.Errorf("dl symbol arity %d exceeds the supported maximum of 2", len(paramTypes))
	}
	handle, err := r.openLib(lib)
	if err != nil {
		return nil, err
	}
	addr, err := purego.Dlsym(handle, sym)
	if err != nil {
		return nil, errors.Wrapf(err, "dlsym %s", sym)
	}

	key := laneName(sig.RetTypeID) + "(" + laneList(paramTypes) + ")"
	switch key {
	case "i32()":
		var f func() int32
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI32(f())}, nil
		}, nil
	case "i64()":
		var f func() int64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI64(f())}, nil
		}, nil
	case "f64()":
		var f func() float64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfF64(f())}, nil
		}, nil
	case "str()":
		var f func() string
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{i.StringSlot(f())}, nil
		}, nil

	case "i32(i32)":
		var f func(int32) int32
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI32(f(args[0].I32()))}, nil
		}, nil
	case "i64(i64)":
		var f func(int64) int64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI64(f(args[0].I64()))}, nil
		}, nil
	case "f64(f64)":
		var f func(float64) float64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfF64(f(args[0].F64()))}, nil
		}, nil
	case "f32(f32)":
		var f func(float32) float32
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfF32(f(args[0].F32()))}, nil
		}, nil
	case "str(str)":
		var f func(string) string
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			s, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			return []interp.Slot{i.StringSlot(f(s))}, nil
		}, nil
	case "i64(str)":
		var f func(string) int64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			s, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			return []interp.Slot{interp.SlotOfI64(f(s))}, nil
		}, nil

	case "i32(i32,i32)":
		var f func(int32, int32) int32
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI32(f(args[0].I32(), args[1].I32()))}, nil
		}, nil
	case "i64(i64,i64)":
		var f func(int64, int64) int64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI64(f(args[0].I64(), args[1].I64()))}, nil
		}, nil
	case "f64(f64,f64)":
		var f func(float64, float64) float64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfF64(f(args[0].F64(), args[1].F64()))}, nil
		}, nil
	case "i64(str,i64)":
		var f func(string, int64) int64
		purego.RegisterFunc(&f, addr)
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			s, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			return []interp.Slot{interp.SlotOfI64(f(s, args[1].I64()))}, nil
		}, nil

	default:
		return nil, errors.Errorf("unsupported dl signature %s", key)
	}
}

// DLCall implements interp.DLCallFunc for the dl.call.* intrinsic
// family: a fixed two-scalar-argument shape per return convention.
func (r *Resolver) DLCall(lib, sym string, a, b uint64, ret interp.DLRetKind) (uint64, string, error) {
	handle, err := r.openLib(lib)
	if err != nil {
		return 0, "", err
	}
	addr, err := purego.Dlsym(handle, sym)
	if err != nil {
		return 0, "", errors.Wrapf(err, "dlsym %s", sym)
	}
	switch ret {
	case interp.DLRetI32:
		var f func(int64, int64) int32
		purego.RegisterFunc(&f, addr)
		return uint64(uint32(f(int64(a), int64(b)))), "", nil
	case interp.DLRetI64:
		var f func(int64, int64) int64
		purego.RegisterFunc(&f, addr)
		return uint64(f(int64(a), int64(b))), "", nil
	case interp.DLRetF64:
		var f func(float64, float64) float64
		purego.RegisterFunc(&f, addr)
		out := f(math.Float64frombits(a), math.Float64frombits(b))
		return math.Float64bits(out), "", nil
	case interp.DLRetStr:
		var f func(int64, int64) string
		purego.RegisterFunc(&f, addr)
		return 0, f(int64(a), int64(b)), nil
	default:
		return 0, "", errors.Errorf("unknown dl return kind %d", ret)
	}
}

func (r *Resolver) openLib(path string) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.libs[path]; ok {
		return h, nil
	}
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, errors.Wrapf(err, "dlopen %s", path)
	}
	r.libs[path] = h
	return h, nil
}

func laneName(typeID uint32) string {
	switch typeID {
	case 0:
		return "i32"
	case 1:
		return "i64"
	case 2:
		return "f32"
	case 3:
		return "f64"
	case 4:
		return "void"
	default:
		return "str"
	}
}

func laneList(paramTypes []uint32) string {
	names := make([]string, len(paramTypes))
	for i, t := range paramTypes {
		names[i] = laneName(t)
	}
	return strings.Join(names, ",")
}
