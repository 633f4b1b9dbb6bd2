package interp

import (
	"unicode/utf16"

	"simplert/internal/sbc"
)

// ImportFunc is a resolved host function bound to one import row. It
// receives the popped arguments in left-to-right (signature) order and
// returns the values to push, per the signature's return arity (0 or 1
// in this runtime).
type ImportFunc func(i *Interp, args []Slot) ([]Slot, error)

// Resolver resolves an import's {module_name, symbol_name} to a callable
// host function. A resolver may be supplied
// externally; internal/hostffi implements the runtime's own built-in
// resolver for simple.os/simple.net/simple.db/simple.crypto/simple.dl.
type Resolver interface {
	Resolve(moduleName, symbolName string, sig sbc.SigRow, paramTypes []uint32) (ImportFunc, error)
}

// resolveImports binds every import row to a host function up front, so
// Call never pays resolution cost on the hot path. A failure here is a
// KindHostImportError surfaced before any guest code runs for that import
// (it is deferred, not eager at module load, since Options.Resolver is
// supplied to New, after sbc.Load/verify.Verify have already run).
func (i *Interp) resolveImports() error {
	i.importFns = make([]ImportFunc, len(i.Module.Imports))
	if i.Options.Resolver == nil {
		return nil
	}
	for idx, imp := range i.Module.Imports {
		modName, _ := i.constString(imp.ModuleNameConst)
		symName, _ := i.constString(imp.SymbolNameConst)
		sig := i.Module.Sigs[imp.SigID]
		params := i.Module.ParamTypes[sig.ParamTypeStart : sig.ParamTypeStart+sig.ParamCount]
		fn, err := i.Options.Resolver.Resolve(modName, symName, sig, params)
		if err != nil {
			return err
		}
		i.importFns[idx] = fn
	}
	return nil
}

// StringValue decodes a Ref slot holding a heap string into a Go string;
// resolver packages use this to copy guest strings out.
func (i *Interp) StringValue(s Slot) (string, bool) {
	if s.isNullRef() {
		return "", false
	}
	units := i.Heap.StringUnits(s.asRef())
	if units == nil {
		return "", false
	}
	return string(utf16.Decode(units)), true
}

// StringSlot copies a host string into a new heap string and returns its
// Ref slot.
func (i *Interp) StringSlot(s string) Slot {
	return slotRef(i.internString(s))
}

func (i *Interp) constString(nameConst uint32) (string, bool) {
	c, ok := i.Module.ConstByOffset(nameConst)
	if !ok || c.Kind != sbc.ConstString {
		return "", false
	}
	return c.Str, true
}
