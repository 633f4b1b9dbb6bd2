// Package verify implements the per-function stack-height and type-lane
// abstract interpreter: it proves operand-stack depth and the lane
// of every slot at every reachable program point, derives GC reference
// bitmaps for locals/globals/stack, and emits a stack map at every
// safe-point.
package verify

import (
	"github.com/pkg/errors"

	"simplert/internal/sbc"
)

// StackMapEntry is the per-PC table entry produced at every reachable
// instruction, describing the operand stack on entry to it.
type StackMapEntry struct {
	PC          int
	StackHeight int
	RefBits     []bool // true where the operand-stack slot at that depth is a Ref
}

// FunctionInfo is everything the verifier derives for one function: it is
// consumed by the interpreter for safe-point GC rooting and by the
// tiering engine for the compilable-subset scan.
type FunctionInfo struct {
	FuncIndex      int
	StackMax       int
	LocalsRefBits  []bool
	StackMaps      map[int]StackMapEntry // keyed by PC
	UsesOnlyFastOps bool
	FastOpsLocalsConst bool // Enter's locals count is constant at every occurrence (only meaningful pre-tiering; a function has one Enter)

	localRefObserved []refState // internal scratch for observeLocalRef
}

// Result is the verifier's output for a whole module.
type Result struct {
	Functions         []FunctionInfo
	GlobalsRefBits    []bool
}

type lane = sbc.Lane

const laneUnset lane = 255

// abstractState is the verifier's state at one program point.
type abstractState struct {
	stack  []lane
	locals []lane
}

func cloneState(s abstractState) abstractState {
	return abstractState{
		stack:  append([]lane(nil), s.stack...),
		locals: append([]lane(nil), s.locals...),
	}
}

// Verify runs the verifier over every function in m and returns the
// derived stack maps and reference bitmaps, or the first Verify error
// encountered.
func Verify(m *sbc.Module) (*Result, error) {
	res := &Result{
		Functions:      make([]FunctionInfo, len(m.Functions)),
		GlobalsRefBits: globalsRefBits(m),
	}
	for i, fn := range m.Functions {
		if m.FunctionIsImport[i] {
			continue
		}
		info, err := verifyFunction(m, i, fn)
		if err != nil {
			return nil, errors.Wrapf(err, "verify: function %d", i)
		}
		res.Functions[i] = info
		m.Functions[i].StackMax = uint32(info.StackMax)
	}
	return res, nil
}

func globalsRefBits(m *sbc.Module) []bool {
	bits := make([]bool, len(m.Globals))
	for i, g := range m.Globals {
		bits[i] = typeIsRef(g.TypeID)
	}
	return bits
}

// typeIsRef follows the convention that type ids 0–4 are the primitives
// (i32, i64, f32, f64, void); everything else — including every user type
// id — is reference-typed. Primitive type ids are fixed below 5 by the
// front end contract; all others are heap handles.
func typeIsRef(typeID uint32) bool {
	return typeID >= primitiveTypeCount
}

const primitiveTypeCount = 5 // i32, i64, f32, f64, void

func verifyFunction(m *sbc.Module, funcIdx int, fn sbc.FunctionRow) (FunctionInfo, error) {
	meth, ok := methodForFunction(m, fn.MethodID)
	if !ok {
		return FunctionInfo{}, errors.Errorf("no method row for method id %d", fn.MethodID)
	}
	sig := m.Sigs[meth.SigID]

	code := m.Code[fn.CodeOffset : fn.CodeOffset+fn.CodeSize]

	info := FunctionInfo{
		FuncIndex:     funcIdx,
		LocalsRefBits: make([]bool, meth.LocalCount),
		StackMaps:     make(map[int]StackMapEntry),
		UsesOnlyFastOps: true,
		FastOpsLocalsConst: true,
	}

	// Parameter locals start out typed from the signature; remaining
	// locals are untyped (laneUnset) until first Store proves a lane.
	initLocals := make([]lane, meth.LocalCount)
	for i := range initLocals {
		initLocals[i] = laneUnset
	}
	for p := uint32(0); p < sig.ParamCount; p++ {
		if int(p) >= len(initLocals) {
			break
		}
		initLocals[p] = typeLane(m.ParamTypes[sig.ParamTypeStart+p])
	}

	if len(code) == 0 || sbc.OpCode(code[0]) != sbc.OpEnter {
		return FunctionInfo{}, errors.New("function body does not begin with Enter")
	}

	type workItem struct {
		pc    int
		state abstractState
	}
	visited := make(map[int]abstractState)
	worklist := []workItem{{0, abstractState{stack: nil, locals: initLocals}}}
	maxStack := 0

	for len(worklist) > 0 {
		item := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		pc := item.pc

		if prior, seen := visited[pc]; seen {
			merged, err := mergeStates(prior, item.state)
			if err != nil {
				return FunctionInfo{}, errors.Wrapf(err, "at pc %d", pc)
			}
			if stateEqual(merged, prior) {
				continue
			}
			visited[pc] = merged
			worklist = append(worklist, workItem{pc, merged})
			continue
		}
		visited[pc] = item.state

		if pc >= len(code) {
			return FunctionInfo{}, errors.New("control falls off the end of the function")
		}

		nextPCs, newState, err := stepOne(m, &info, code, pc, item.state, fn)
		if err != nil {
			return FunctionInfo{}, errors.Wrapf(err, "at pc %d", pc)
		}
		if len(newState.stack) > maxStack {
			maxStack = len(newState.stack)
		}
		for _, npc := range nextPCs {
			worklist = append(worklist, workItem{npc, newState})
		}
	}

	info.StackMax = maxStack
	return info, nil
}

// methodForFunction resolves the MethodRow sharing the function's index:
// the loader keeps Methods and Functions index-aligned (one method row per
// function row, including synthetic import rows), so the function's own
// slice index is the method index.
func methodForFunction(m *sbc.Module, methodID uint32) (sbc.MethodRow, bool) {
	idx, ok := m.MethodToFunction[methodID]
	if !ok || idx >= len(m.Methods) {
		return sbc.MethodRow{}, false
	}
	return m.Methods[idx], true
}

func typeLane(typeID uint32) lane {
	switch typeID {
	case 0:
		return sbc.LaneI32
	case 1:
		return sbc.LaneI64
	case 2:
		return sbc.LaneF32
	case 3:
		return sbc.LaneF64
	default:
		return sbc.LaneRef
	}
}

func mergeStates(a, b abstractState) (abstractState, error) {
	if len(a.stack) != len(b.stack) {
		return abstractState{}, errors.Errorf("stack height mismatch at merge: %d vs %d", len(a.stack), len(b.stack))
	}
	out := abstractState{stack: make([]lane, len(a.stack)), locals: make([]lane, len(a.locals))}
	for i := range a.stack {
		if a.stack[i] != b.stack[i] {
			return abstractState{}, errors.Errorf("stack lane mismatch at depth %d: %v vs %v", i, a.stack[i], b.stack[i])
		}
		out.stack[i] = a.stack[i]
	}
	for i := range a.locals {
		la, lb := a.locals[i], b.locals[i]
		switch {
		case la == laneUnset:
			out.locals[i] = lb
		case lb == laneUnset:
			out.locals[i] = la
		case la == lb:
			out.locals[i] = la
		default:
			return abstractState{}, errors.Errorf("local %d lane mismatch at merge: %v vs %v", i, la, lb)
		}
	}
	return out, nil
}

func stateEqual(a, b abstractState) bool {
	if len(a.stack) != len(b.stack) || len(a.locals) != len(b.locals) {
		return false
	}
	for i := range a.stack {
		if a.stack[i] != b.stack[i] {
			return false
		}
	}
	for i := range a.locals {
		if a.locals[i] != b.locals[i] {
			return false
		}
	}
	return true
}
