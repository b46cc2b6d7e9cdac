package rvjit

// Peephole runs a small set of local, architecturally-neutral rewrites over
// a finished block's instruction stream before handing it to a backend.
// None of these change guest-visible state; they only remove work the
// allocator would otherwise have to perform.
func Peephole(insts []Inst) []Inst {
	out := make([]Inst, 0, len(insts))
	for i := 0; i < len(insts); i++ {
		in := insts[i]

		// Writes to guest x0 are architecturally invisible; drop them
		// unless the instruction also has memory side effects.
		if in.Dst == 0 && writesRegister(in.Op) && in.Op != OpStore {
			continue
		}

		// Fold a Mov that immediately follows a Li into the same register
		// into a single Li (both come from consecutive IR emission when a
		// redundant copy-through was generated by the caller).
		if in.Op == OpMov && len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Op == OpLi && prev.Dst == in.Src1 && in.Dst == in.Src1 {
				continue
			}
		}

		out = append(out, in)
	}
	return out
}

func writesRegister(op OpKind) bool {
	switch op {
	case OpAddRR, OpSubRR, OpAndRR, OpOrRR, OpXorRR, OpSllRR, OpSrlRR, OpSraRR,
		OpSltRR, OpSltuRR,
		OpAddRI, OpAndRI, OpOrRI, OpXorRI, OpSllRI, OpSrlRI, OpSraRI, OpSltRI, OpSltuRI,
		OpLi, OpMov, OpLoad:
		return true
	default:
		return false
	}
}
