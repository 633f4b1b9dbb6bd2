package sbc

// Lane is the abstract type of a value slot on the operand stack or in a
// local, as proved by the verifier at every program point. There is no
// runtime tag: lanes exist only in the verifier's abstract state and in
// stack maps.
type Lane byte

const (
	LaneI32 Lane = iota
	LaneI64
	LaneF32
	LaneF64
	LaneRef
)

func (l Lane) String() string {
	switch l {
	case LaneI32:
		return "i32"
	case LaneI64:
		return "i64"
	case LaneF32:
		return "f32"
	case LaneF64:
		return "f64"
	case LaneRef:
		return "ref"
	default:
		return "unknown"
	}
}

// ElemKind selects the element width and lane for array/list opcodes,
// carried as the one-byte operand of New*/​*Get*/*Set* instructions
//. Width is 4 bytes for I32/F32/Ref, 8 for I64/F64.
type ElemKind byte

const (
	ElemI32 ElemKind = iota
	ElemI64
	ElemF32
	ElemF64
	ElemRef
)

// Width returns the payload width in bytes for a given element kind.
func (k ElemKind) Width() int {
	switch k {
	case ElemI64, ElemF64:
		return 8
	default:
		return 4
	}
}

// Lane returns the verifier lane produced/consumed by this element kind.
func (k ElemKind) Lane() Lane {
	switch k {
	case ElemI32:
		return LaneI32
	case ElemI64:
		return LaneI64
	case ElemF32:
		return LaneF32
	case ElemF64:
		return LaneF64
	default:
		return LaneRef
	}
}

func (k ElemKind) Valid() bool {
	return k <= ElemRef
}
