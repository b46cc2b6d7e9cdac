package dispatch

import (
	"github.com/nanorv/rvvm/internal/riscv"
	"github.com/nanorv/rvvm/internal/rvjit"
)

// maxBlockInstructions bounds basic-block translation the same way the
// teacher's interpreter loop bounds nothing at all -- it simply runs one
// instruction at a time -- forcing this translator to pick its own limit.
// A block this long already amortizes the dispatch/lookup overhead; there
// is no correctness reason to go further; spec.md does not pin an exact
// value.
const maxBlockInstructions = 128

const (
	opLoad    = 0x03
	opMiscMem = 0x0F
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1B
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3B
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6F
	opSystem  = 0x73
)

func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint8      { return uint8((insn >> 7) & 0x1f) }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint8     { return uint8((insn >> 15) & 0x1f) }
func rs2(insn uint32) uint8     { return uint8((insn >> 20) & 0x1f) }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<uint(shift)) >> uint(shift)
}

func immI(insn uint32) int64 { return signExtend(uint64(insn>>20), 12) }
func immU(insn uint32) int64 { return signExtend(uint64(insn&0xfffff000), 32) }
func immS(insn uint32) int64 {
	v := ((insn >> 25) << 5) | ((insn >> 7) & 0x1f)
	return signExtend(uint64(v), 12)
}
func immB(insn uint32) int64 {
	v := ((insn>>31)&1)<<12 | ((insn>>7)&1)<<11 | ((insn>>25)&0x3f)<<5 | ((insn>>8)&0xf)<<1
	return signExtend(uint64(v), 13)
}
func immJ(insn uint32) int64 {
	v := ((insn>>31)&1)<<20 | ((insn>>12)&0xff)<<12 | ((insn>>20)&1)<<11 | ((insn>>21)&0x3ff)<<1
	return signExtend(uint64(v), 21)
}

// shamtBits returns the shift-amount field of an OP-IMM/OP-IMM-32
// instruction. RV64's OP-IMM (not OP-IMM-32) is the one case where the
// field is 6 bits (insn[25:20]) instead of 5 (insn[24:20]) -- bit 25
// would otherwise be swallowed into funct7. The SRAI/SRLI distinguishing
// bit lives at bit 30 either way, so this does not disturb that check.
func shamtBits(insn uint32, xlen rvjit.Width) uint8 {
	if opcode(insn) == opOpImm && xlen == rvjit.Width64 {
		return uint8((insn >> 20) & 0x3f)
	}
	return uint8((insn >> 20) & 0x1f)
}

// translateBlock greedily decodes guest instructions starting at physPC
// into straight-line RVJIT IR, stopping -- and closing the block with
// whatever Exit the last recognized instruction produced -- at the first
// instruction outside the subset this translator recognizes (spec §4.3:
// "any instruction the JIT declines to emit falls back to it"). Loads,
// stores, FENCE/FENCE.I, SYSTEM, the M-extension, and any compressed
// instruction are all such declines: internal/dispatch falls back to
// hart.Step() for exactly the undecoded instruction, then resumes
// translation (or looks up another cached block) at the next PC.
//
// ok is false if not even the first instruction could be translated; the
// caller should fall back to the interpreter for this PC without
// installing anything in the heap.
func translateBlock(h *riscv.Hart, physPC uint64) (blk *rvjit.Builder, ok bool) {
	xlen := rvjit.Width64
	if h.XLen == riscv.XLEN32 {
		xlen = rvjit.Width32
	}
	b := rvjit.NewBuilder(xlen, physPC)

	pc := physPC
	n := 0
	for n < maxBlockInstructions {
		raw, fetched := fetch32(h, pc)
		if !fetched || raw&0x3 != 0x3 {
			break
		}
		if !translateOne(b, xlen, raw, pc) {
			break
		}
		n++
		if b.GetExit() != nil {
			return b, true
		}
		pc += 4
	}
	if n == 0 {
		return nil, false
	}
	b.ExitToTail(pc)
	return b, true
}

func fetch32(h *riscv.Hart, pc uint64) (uint32, bool) {
	paddr, host, err := h.MMU.FastLookup(pc, riscv.AccessFetch)
	if err != nil {
		return 0, false
	}
	if host != nil {
		return uint32(host[0]) | uint32(host[1])<<8 | uint32(host[2])<<16 | uint32(host[3])<<24, true
	}
	v, ok := h.Bus.Read(paddr, 4)
	return uint32(v), ok
}

// translateOne appends IR for one instruction and reports whether it was
// recognized. rd==x0 instructions are dropped entirely rather than
// emitted (spec §4.4 peephole rule: "any op with rd == x0 emits nothing").
func translateOne(b *rvjit.Builder, xlen rvjit.Width, insn uint32, pc uint64) bool {
	switch opcode(insn) {
	case opLui:
		if d := rd(insn); d != 0 {
			b.Li(xlen, d, immU(insn))
		}
		return true

	case opAuipc:
		if d := rd(insn); d != 0 {
			b.Auipc(d, pc, immU(insn))
		}
		return true

	case opOpImm, opOpImm32:
		return translateOpImm(b, xlen, insn)

	case opOp, opOp32:
		return translateOp(b, xlen, insn)

	case opJal:
		target := uint64(int64(pc) + immJ(insn))
		if d := rd(insn); d != 0 {
			b.Li(xlen, d, int64(pc+4))
		}
		b.ExitToTail(target)
		return true

	case opJalr:
		if d := rd(insn); d != 0 {
			b.Li(xlen, d, int64(pc+4))
		}
		b.ExitIndirectJalr(rs1(insn), immI(insn))
		return true

	case opBranch:
		return translateBranch(b, xlen, insn, pc)

	default:
		return false // opLoad, opStore, opMiscMem, opSystem, and anything unrecognized
	}
}

func translateOpImm(b *rvjit.Builder, xlen rvjit.Width, insn uint32) bool {
	d := rd(insn)
	s1 := rs1(insn)
	w := xlen
	if opcode(insn) == opOpImm32 {
		w = rvjit.Width32
	}
	if d == 0 {
		return true
	}
	switch funct3(insn) {
	case 0:
		b.AddI(w, d, s1, immI(insn))
	case 1:
		b.SllI(w, d, s1, shamtBits(insn, xlen))
	case 2:
		b.SltI(w, d, s1, immI(insn))
	case 3:
		b.SltuI(w, d, s1, immI(insn))
	case 4:
		b.XorI(w, d, s1, immI(insn))
	case 5:
		if funct7(insn)&0x20 != 0 {
			b.SraI(w, d, s1, shamtBits(insn, xlen))
		} else {
			b.SrlI(w, d, s1, shamtBits(insn, xlen))
		}
	case 6:
		b.OrI(w, d, s1, immI(insn))
	case 7:
		b.AndI(w, d, s1, immI(insn))
	default:
		return false
	}
	return true
}

func translateOp(b *rvjit.Builder, xlen rvjit.Width, insn uint32) bool {
	if funct7(insn)&0x01 != 0 {
		return false // M-extension (MUL/DIV/REM): not translated, falls back to the interpreter
	}
	d := rd(insn)
	s1, s2 := rs1(insn), rs2(insn)
	w := xlen
	if opcode(insn) == opOp32 {
		w = rvjit.Width32
	}
	if d == 0 {
		return true
	}
	sub := funct7(insn)&0x20 != 0
	switch funct3(insn) {
	case 0:
		if sub {
			b.Sub(w, d, s1, s2)
		} else {
			b.Add(w, d, s1, s2)
		}
	case 1:
		b.Sll(w, d, s1, s2)
	case 2:
		b.Slt(w, d, s1, s2)
	case 3:
		b.Sltu(w, d, s1, s2)
	case 4:
		b.Xor(w, d, s1, s2)
	case 5:
		if sub {
			b.Sra(w, d, s1, s2)
		} else {
			b.Srl(w, d, s1, s2)
		}
	case 6:
		b.Or(w, d, s1, s2)
	case 7:
		b.And(w, d, s1, s2)
	default:
		return false
	}
	return true
}

func translateBranch(b *rvjit.Builder, xlen rvjit.Width, insn uint32, pc uint64) bool {
	var cond rvjit.BranchCond
	switch funct3(insn) {
	case 0:
		cond = rvjit.BrEq
	case 1:
		cond = rvjit.BrNe
	case 4:
		cond = rvjit.BrLt
	case 5:
		cond = rvjit.BrGe
	case 6:
		cond = rvjit.BrLtu
	case 7:
		cond = rvjit.BrGeu
	default:
		return false
	}
	taken := uint64(int64(pc) + immB(insn))
	notTaken := pc + 4
	b.ExitOnBranch(cond, xlen, rs1(insn), rs2(insn), taken, notTaken)
	return true
}
