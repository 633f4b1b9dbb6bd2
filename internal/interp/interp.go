package interp

import (
	"io"
	"os"

	"go.uber.org/zap"

	"simplert/internal/heap"
	"simplert/internal/jit"
	"simplert/internal/rterr"
	"simplert/internal/sbc"
	"simplert/internal/verify"
)

// SafePointInterval is the default N of the safe-point policy: every N interpreted
// instructions, if the current PC matches a stack-map, GC runs.
const SafePointInterval = 1000

// Options configures an Interp.
type Options struct {
	Resolver Resolver

	// GCInterval overrides SafePointInterval; zero means use the default.
	GCInterval int

	// Tier0Threshold/Tier1Threshold override the jit package's defaults.
	Tier0Threshold int
	Tier1Threshold int

	// Logger receives structured operational diagnostics (module load,
	// GC sweep counts, tier promotions); defaults to a no-op logger so
	// library use stays silent unless an embedder opts in.
	Logger *zap.Logger

	// OnBreakpoint is invoked when a Breakpoint opcode executes; a caller frame
	// view is not exposed (frames are never referenced outside this
	// package across a mutation), so the hook receives the current
	// function index and line/column instead. Returning true aborts
	// execution with a Runtime trap "breakpoint".
	OnBreakpoint func(funcIndex, line, column int) bool

	// Stdout receives IntrinsicPrint output; defaults to os.Stdout.
	Stdout io.Writer

	// DL dispatches dl.call.* intrinsics to host dynamic-library symbols;
	// nil means those intrinsics trap. internal/hostffi installs a
	// purego-backed dispatcher here.
	DL DLCallFunc
}

// Interp is one runtime instance: the heap, globals, locals arena, and
// operand stack it owns may not be shared with another Interp.
type Interp struct {
	Module   *sbc.Module
	Verified *verify.Result
	Heap     *heap.Heap
	Options  Options
	Tier     *jit.Engine

	globals     []Slot
	localsArena []Slot
	localsTop   int
	stack       []Slot
	frames      []Frame

	importFns []ImportFunc

	instrSinceGC int
	gcInterval   int

	profileRegions map[string]int64
	profileStart   map[string]int64 // open region -> tick at ProfileStart
	tick           int64
}

// New constructs an Interp over an already-loaded and verified module.
func New(m *sbc.Module, verified *verify.Result, opts Options) (*Interp, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	gcInterval := opts.GCInterval
	if gcInterval <= 0 {
		gcInterval = SafePointInterval
	}

	h := heap.New()
	h.SetArtifactTypes(buildTypeLayouts(m))

	i := &Interp{
		Module:         m,
		Verified:       verified,
		Heap:           h,
		Options:        opts,
		Tier:           jit.NewEngine(m, verified, opts.Tier0Threshold, opts.Tier1Threshold),
		globals:        make([]Slot, len(m.Globals)),
		gcInterval:     gcInterval,
		profileRegions: map[string]int64{},
		profileStart:   map[string]int64{},
	}
	for idx, g := range m.Globals {
		if isRefType(g.TypeID) {
			i.globals[idx] = nullSlot
		}
	}
	if err := i.resolveImports(); err != nil {
		return nil, rterr.Wrap(rterr.KindHostImportError, err, "resolving imports")
	}
	return i, nil
}

func (i *Interp) stdout() io.Writer { return i.Options.Stdout }

func isRefType(typeID uint32) bool { return typeID >= 5 }

func buildTypeLayouts(m *sbc.Module) map[uint32]heap.TypeLayout {
	out := make(map[uint32]heap.TypeLayout, len(m.Types))
	for typeID, t := range m.Types {
		fields := make([]heap.FieldLayout, 0, t.FieldCount)
		for fi := t.FieldStart; fi < t.FieldStart+t.FieldCount; fi++ {
			f := m.Fields[fi]
			fields = append(fields, heap.FieldLayout{Offset: f.Offset, IsRef: isRefType(f.TypeID)})
		}
		out[uint32(typeID)] = heap.TypeLayout{Size: t.Size, Fields: fields}
	}
	return out
}

// Result is what Run returns on a clean Halt/Ret-to-root: the top-of-stack
// value left by the entry function, if its signature returns one.
type Result struct {
	HasValue bool
	Value    Slot
	Stats    jit.Stats
}

// Run executes entryMethodID from a fresh root frame until it returns (or
// Halts), or until a trap occurs.
// CallCheck-guarded functions may be called directly as the entry, since
// the root frame by construction has no caller.
func (i *Interp) Run(entryMethodID uint32) (Result, *rterr.Error) {
	fn, funcIdx, ok := i.Module.Function(entryMethodID)
	if !ok {
		return Result{}, rterr.New(rterr.KindRuntime, "entry method %d does not name a function", entryMethodID)
	}
	i.pushFrame(funcIdx, *fn, nil, heap.NullHandle)
	val, hasVal, err := i.dispatch()
	if err != nil {
		return Result{}, err
	}
	i.collectAtHalt(val, hasVal)
	stats := i.Tier.Stats()
	stats.ProfileRegions = i.profileRegions
	return Result{HasValue: hasVal, Value: val, Stats: stats}, nil
}

// growLocals ensures the arena has room for at least top slots, growing
// amortized and never shrinking capacity.
func (i *Interp) growLocals(top int) {
	if top <= len(i.localsArena) {
		return
	}
	grown := make([]Slot, top)
	copy(grown, i.localsArena)
	i.localsArena = grown
}

func (i *Interp) maybeGC(pc int) {
	i.instrSinceGC++
	if i.instrSinceGC < i.gcInterval {
		return
	}
	i.instrSinceGC = 0
	if len(i.frames) == 0 {
		return
	}
	f := i.frames[len(i.frames)-1]
	localPC := pc - int(i.Module.Functions[f.FuncIndex].CodeOffset)
	sm, ok := i.Verified.Functions[f.FuncIndex].StackMaps[localPC]
	if !ok {
		return // not a safe point; GC must not run
	}
	i.runGC(sm)
}

func (i *Interp) runGC(top verify.StackMapEntry) {
	i.Heap.ResetMarks()
	for idx, isRef := range i.Verified.GlobalsRefBits {
		if isRef && !i.globals[idx].isNullRef() {
			i.Heap.Mark(i.globals[idx].asRef())
		}
	}
	for fi, f := range i.frames {
		info := i.Verified.Functions[f.FuncIndex]
		for li := 0; li < f.LocalsCount && li < len(info.LocalsRefBits); li++ {
			if !info.LocalsRefBits[li] {
				continue
			}
			v := i.localsArena[f.LocalsBase+li]
			if !v.isNullRef() {
				i.Heap.Mark(v.asRef())
			}
		}
		if f.ClosureRef != heap.NullHandle {
			i.Heap.Mark(f.ClosureRef)
		}
		_ = fi
	}
	// current frame's live operand-stack slots below/at the stack-map's
	// recorded height, using that stack-map's own ref bits.
	if len(i.frames) > 0 {
		cur := i.frames[len(i.frames)-1]
		base := cur.StackBase
		for d, isRef := range top.RefBits {
			if !isRef {
				continue
			}
			idx := base + d
			if idx >= len(i.stack) {
				continue
			}
			v := i.stack[idx]
			if !v.isNullRef() {
				i.Heap.Mark(v.asRef())
			}
		}
	}
	freed := i.Heap.Sweep()
	i.Options.Logger.Debug("gc sweep", zap.Int("freed", freed), zap.Int("live", i.Heap.LiveCount()))
}

// collectAtHalt runs one final collection once no frame is live: the root
// set collapses to the globals bitmap plus the entry function's returned
// value, which is marked conservatively (Mark ignores bit patterns that
// are not live handles).
func (i *Interp) collectAtHalt(val Slot, hasVal bool) {
	i.Heap.ResetMarks()
	for idx, isRef := range i.Verified.GlobalsRefBits {
		if isRef && !i.globals[idx].isNullRef() {
			i.Heap.Mark(i.globals[idx].asRef())
		}
	}
	if hasVal && !val.isNullRef() {
		i.Heap.Mark(val.asRef())
	}
	freed := i.Heap.Sweep()
	i.Options.Logger.Debug("gc at halt", zap.Int("freed", freed), zap.Int("live", i.Heap.LiveCount()))
}
