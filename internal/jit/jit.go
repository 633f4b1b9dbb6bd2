// Package jit implements the tiering engine: per-function call and
// opcode counters drive None/Tier0/Tier1 promotion, and a pinned-subset
// fast-path runner executes compilable functions without touching the
// heap or the GC's root bitmaps.
package jit

import (
	"encoding/binary"

	"simplert/internal/sbc"
	"simplert/internal/verify"
)

// Tier is a function's current tiering state.
type Tier int

const (
	TierNone Tier = iota
	Tier0
	Tier1
)

func (t Tier) String() string {
	switch t {
	case Tier0:
		return "tier0"
	case Tier1:
		return "tier1"
	default:
		return "none"
	}
}

// Default thresholds used when Options leaves Tier0Threshold/Tier1Threshold
// at zero.
const (
	DefaultTier0Threshold = 100
	DefaultTier1Threshold = 1000
	opcodeThreshold       = 2000
)

type funcState struct {
	calls   int64
	opcodes int64
	tier    Tier

	scanned    bool
	compilable bool

	fastPathDisabled bool

	compileCount     int64
	tier0Tick        int64
	tier1Tick        int64
	fastDispatches   int64
	fastExecutions   int64
	tier1Executions  int64
}

// Engine owns every function's tiering state for one loaded module. An
// Engine is created per Interp and must not be shared across interpreters.
type Engine struct {
	m              *sbc.Module
	verified       *verify.Result
	tier0Threshold int64
	tier1Threshold int64
	tick           int64
	states         []funcState
}

// NewEngine constructs an Engine for m. tier0/tier1 override the default
// call-count thresholds when positive.
func NewEngine(m *sbc.Module, verified *verify.Result, tier0, tier1 int) *Engine {
	t0, t1 := int64(tier0), int64(tier1)
	if t0 <= 0 {
		t0 = DefaultTier0Threshold
	}
	if t1 <= 0 {
		t1 = DefaultTier1Threshold
	}
	return &Engine{
		m:              m,
		verified:       verified,
		tier0Threshold: t0,
		tier1Threshold: t1,
		states:         make([]funcState, len(m.Functions)),
	}
}

// RecordCall increments F's call counter and
// promotes it if a threshold was crossed. Returns F's tier after the call.
func (e *Engine) RecordCall(funcIndex int) Tier {
	e.tick++
	s := &e.states[funcIndex]
	s.calls++
	switch {
	case s.tier < Tier1 && s.calls >= e.tier1Threshold:
		e.promote(funcIndex, Tier1)
	case s.tier < Tier0 && s.calls >= e.tier0Threshold:
		e.promote(funcIndex, Tier0)
	}
	return s.tier
}

// RecordOpcode: every executed opcode in F bumps its
// opcode counter; crossing the opcode threshold promotes an untiered F to
// Tier0.
func (e *Engine) RecordOpcode(funcIndex int, _ sbc.OpCode) {
	e.tick++
	s := &e.states[funcIndex]
	s.opcodes++
	if s.tier == TierNone && s.opcodes >= opcodeThreshold {
		e.promote(funcIndex, Tier0)
	}
}

func (e *Engine) promote(funcIndex int, tier Tier) {
	s := &e.states[funcIndex]
	s.tier = tier
	switch tier {
	case Tier0:
		s.tier0Tick = e.tick
	case Tier1:
		s.tier1Tick = e.tick
	}
	if !s.scanned {
		s.scanned = true
		s.compilable = e.isCompilable(funcIndex)
		s.compileCount++
	}
}

// isCompilable: F qualifies for the fast path iff
// the verifier already proved it uses only the pinned opcode subset and its
// Enter locals count is constant (this runtime emits exactly one Enter per
// function, so the constancy clause is trivially satisfied once
// UsesOnlyFastOps holds).
func (e *Engine) isCompilable(funcIndex int) bool {
	if funcIndex >= len(e.verified.Functions) {
		return false
	}
	info := e.verified.Functions[funcIndex]
	return info.UsesOnlyFastOps && info.FastOpsLocalsConst
}

// TryFastPath: if F is tiered and compilable and
// its fast path has not been disabled by a prior trap, args are executed
// through the pinned-subset runner instead of generic dispatch. handled is
// false when the caller must fall back to pushFrame/generic dispatch
// (F is untiered, not compilable, or was previously disabled); when handled
// is true and err is non-nil, the fast path hit a trap and has now been
// disabled for future calls.
func (e *Engine) TryFastPath(funcIndex int, args []uint64) (res []uint64, handled bool, err error) {
	s := &e.states[funcIndex]
	if s.tier == TierNone || !s.compilable || s.fastPathDisabled {
		return nil, false, nil
	}
	s.fastDispatches++
	res, err = e.runFastPath(funcIndex, args)
	if err != nil {
		s.fastPathDisabled = true
		return nil, true, err
	}
	s.fastExecutions++
	if s.tier == Tier1 {
		s.tier1Executions++
	}
	return res, true, nil
}

// runFastPath is a straight interpreter over the pinned i32-only subset: no
// heap operations, no calls, no FFI, and its stack/locals are private
// scratch arrays the GC never roots.
func (e *Engine) runFastPath(funcIndex int, args []uint64) ([]uint64, error) {
	fn := e.m.Functions[funcIndex]
	meth := e.m.Methods[funcIndex]
	code := e.m.Code[fn.CodeOffset : fn.CodeOffset+fn.CodeSize]

	locals := make([]int32, meth.LocalCount)
	for idx := 0; idx < len(args) && idx < len(locals); idx++ {
		locals[idx] = int32(uint32(args[idx]))
	}
	var stack []int32
	pc := 0

	for {
		if pc >= len(code) {
			return nil, errFastPath("fast path ran off the end of the function")
		}
		op := sbc.OpCode(code[pc])
		info, ok := sbc.Lookup(op)
		if !ok {
			return nil, errFastPath("fast path: unknown opcode byte")
		}
		operand := code[pc+1 : pc+1+info.OperandBytes]
		next := pc + 1 + info.OperandBytes

		switch op {
		case sbc.OpEnter, sbc.OpNop, sbc.OpLeave:
			pc = next

		case sbc.OpPop:
			stack = stack[:len(stack)-1]
			pc = next
		case sbc.OpConstI32:
			stack = append(stack, int32(binary.LittleEndian.Uint32(operand)))
			pc = next
		case sbc.OpLoadLocal:
			idx := binary.LittleEndian.Uint16(operand)
			stack = append(stack, locals[idx])
			pc = next
		case sbc.OpStoreLocal:
			idx := binary.LittleEndian.Uint16(operand)
			locals[idx] = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			pc = next

		case sbc.OpAddI32, sbc.OpSubI32, sbc.OpMulI32, sbc.OpDivI32, sbc.OpModI32:
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			var r int32
			switch op {
			case sbc.OpAddI32:
				r = a + b
			case sbc.OpSubI32:
				r = a - b
			case sbc.OpMulI32:
				r = a * b
			case sbc.OpDivI32:
				if b == 0 {
					return nil, errFastPath("DIV_I32 by zero")
				}
				if a == -1<<31 && b == -1 {
					r = -1 << 31
				} else {
					r = a / b
				}
			case sbc.OpModI32:
				if b == 0 {
					return nil, errFastPath("MOD_I32 by zero")
				}
				if a == -1<<31 && b == -1 {
					r = 0
				} else {
					r = a % b
				}
			}
			stack = append(stack, r)
			pc = next

		case sbc.OpCmpEqI32, sbc.OpCmpNeI32, sbc.OpCmpLtI32, sbc.OpCmpLeI32, sbc.OpCmpGtI32, sbc.OpCmpGeI32:
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			var r bool
			switch op - sbc.OpCmpEqI32 {
			case 0:
				r = a == b
			case 1:
				r = a != b
			case 2:
				r = a < b
			case 3:
				r = a <= b
			case 4:
				r = a > b
			default:
				r = a >= b
			}
			stack = append(stack, boolI32(r))
			pc = next

		case sbc.OpBoolNot:
			a := stack[len(stack)-1]
			stack[len(stack)-1] = boolI32(a&1 == 0)
			pc = next
		case sbc.OpBoolAnd, sbc.OpBoolOr:
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			var r bool
			if op == sbc.OpBoolAnd {
				r = a&1 != 0 && b&1 != 0
			} else {
				r = a&1 != 0 || b&1 != 0
			}
			stack = append(stack, boolI32(r))
			pc = next

		case sbc.OpJmp:
			pc = next + int(int32(binary.LittleEndian.Uint32(operand)))
		case sbc.OpJmpTrue:
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if v != 0 {
				pc = next + int(int32(binary.LittleEndian.Uint32(operand)))
			} else {
				pc = next
			}
		case sbc.OpJmpFalse:
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if v == 0 {
				pc = next + int(int32(binary.LittleEndian.Uint32(operand)))
			} else {
				pc = next
			}

		case sbc.OpRet:
			hasValue := operand[0] != 0
			if !hasValue {
				return nil, nil
			}
			return []uint64{uint64(uint32(stack[len(stack)-1]))}, nil

		default:
			return nil, errFastPath("fast path: opcode outside the pinned subset reached at runtime")
		}
	}
}

func boolI32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

type fastPathError string

func errFastPath(msg string) error  { return fastPathError(msg) }
func (e fastPathError) Error() string { return string(e) }

// Stats is the tiering engine's snapshot returned at Halt, keyed by function index.
type Stats struct {
	Tiers               map[int]Tier
	CallCounts          map[int]int64
	OpcodeCounts        map[int]int64
	TotalOpcodes        int64
	CompileCounts       map[int]int64
	Tier0PromotionTicks map[int]int64
	Tier1PromotionTicks map[int]int64
	FastPathDispatches  map[int]int64
	FastPathExecutions  map[int]int64
	Tier1Executions     map[int]int64

	// ProfileRegions holds ProfileStart/ProfileEnd elapsed-tick totals
	//; filled in by the interpreter after Stats()
	// returns, since region bookkeeping lives on Interp, not Engine.
	ProfileRegions map[string]int64
}

// Stats snapshots every function's counters.
func (e *Engine) Stats() Stats {
	out := Stats{
		Tiers:               map[int]Tier{},
		CallCounts:          map[int]int64{},
		OpcodeCounts:        map[int]int64{},
		CompileCounts:       map[int]int64{},
		Tier0PromotionTicks: map[int]int64{},
		Tier1PromotionTicks: map[int]int64{},
		FastPathDispatches:  map[int]int64{},
		FastPathExecutions:  map[int]int64{},
		Tier1Executions:     map[int]int64{},
	}
	for idx, s := range e.states {
		if s.calls == 0 && s.opcodes == 0 {
			continue
		}
		out.Tiers[idx] = s.tier
		out.CallCounts[idx] = s.calls
		out.OpcodeCounts[idx] = s.opcodes
		out.TotalOpcodes += s.opcodes
		if s.compileCount > 0 {
			out.CompileCounts[idx] = s.compileCount
		}
		if s.tier0Tick > 0 {
			out.Tier0PromotionTicks[idx] = s.tier0Tick
		}
		if s.tier1Tick > 0 {
			out.Tier1PromotionTicks[idx] = s.tier1Tick
		}
		if s.fastDispatches > 0 {
			out.FastPathDispatches[idx] = s.fastDispatches
		}
		if s.fastExecutions > 0 {
			out.FastPathExecutions[idx] = s.fastExecutions
		}
		if s.tier1Executions > 0 {
			out.Tier1Executions[idx] = s.tier1Executions
		}
	}
	return out
}
