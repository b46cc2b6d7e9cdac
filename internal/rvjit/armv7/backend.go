// Package armv7 is the AArch32 (A32) RVJIT backend (spec §4.5 "RVJIT
// backends"), the one backend targeting an RV32 guest only: a 32-bit ARM
// host register cannot hold a 64-bit RV64 guest value, so this backend is
// never registered for an RV64 hart. See internal/rvjit/amd64's package
// doc for the shared load/store fallback policy; this backend declines
// OpLoad/OpStore for the same reason.
package armv7

import (
	"encoding/binary"
	"fmt"

	"github.com/nanorv/rvvm/internal/rvjit"
)

// argReg carries the *[32]uint64 guest integer register file for the life
// of the block (first AAPCS integer argument register).
const argReg = 0 // R0

// dataReg/linkReg hold, respectively, the patchable destination value and
// the dispatch trampoline's address across a block exit; reserved the same
// way amd64 reserves R11 and arm64 reserves X16/X17.
const (
	dataReg = 8 // R8
	linkReg = 9 // R9
)

// immScratch materializes *-immediate operands, since this backend never
// attempts ARM's rotated-8-bit "modified immediate" encoding (see the
// design note on movImm32 below).
const immScratch = 10 // R10

func init() {
	rvjit.Register(New())
}

// Backend implements rvjit.Backend for linux/arm (RV32-only) hosts.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (bk *Backend) Arch() rvjit.Arch { return rvjit.ArchARMv7 }

func bit(r int) uint32 { return 1 << uint(r) }

func (bk *Backend) DefaultHRegMask() uint32 {
	return bit(1) | bit(2) | bit(3) | bit(12)
}

func (bk *Backend) ABIReclaimHRegMask() uint32 {
	return bit(4) | bit(5) | bit(6) | bit(7) | bit(11)
}

// ZeroHReg reports that A32 has no hard-wired zero register (spec §9 "host
// zero register asymmetry"); guest x0 is materialized with an explicit
// `MOV rd, #0` on every use instead, the same shape amd64 uses its XOR for.
func (bk *Backend) ZeroHReg() int { return -1 }

type emitter struct {
	code []byte
}

func (e *emitter) pos() int { return len(e.code) }

func (e *emitter) emitWord(w uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], w)
	e.code = append(e.code, buf[:]...)
}

// --- instruction encoders. No teacher asm/armv7 or asm/arm32 subpackage
// exists to ground these on (the corpus has no 32-bit ARM backend at all),
// so these follow the standard ARMv7-A (A32) instruction encoding
// directly, condition code AL (0xE) hard-coded except where a conditional
// form is the point (Bcc, the SLT/SLTU MOVcond). ---

const condAL = 0xE

func encDPReg(cond, opcode, s, rn, rd, rm uint32) uint32 {
	return cond<<28 | opcode<<21 | s<<20 | rn<<16 | rd<<12 | rm
}

func encAddReg(rd, rn, rm int) uint32 { return encDPReg(condAL, 0x4, 0, uint32(rn), uint32(rd), uint32(rm)) }
func encSubReg(rd, rn, rm int) uint32 { return encDPReg(condAL, 0x2, 0, uint32(rn), uint32(rd), uint32(rm)) }
func encAndReg(rd, rn, rm int) uint32 { return encDPReg(condAL, 0x0, 0, uint32(rn), uint32(rd), uint32(rm)) }
func encOrrReg(rd, rn, rm int) uint32 { return encDPReg(condAL, 0xC, 0, uint32(rn), uint32(rd), uint32(rm)) }
func encEorReg(rd, rn, rm int) uint32 { return encDPReg(condAL, 0x1, 0, uint32(rn), uint32(rd), uint32(rm)) }
func encCmpReg(rn, rm int) uint32     { return encDPReg(condAL, 0xA, 1, uint32(rn), 0, uint32(rm)) }
func encMovReg(rd, rm int) uint32     { return encDPReg(condAL, 0xD, 0, 0, uint32(rd), uint32(rm)) }

// encMovImmCond emits `MOV<cond> rd, #imm8` (imm8 unrotated — only used for
// the 0/1 constants SLT/SLTU and zero-materialization need).
func encMovImmCond(cond, rd, imm8 uint32) uint32 {
	return cond<<28 | 0x3A0<<16 | rd<<12 | (imm8 & 0xFF)
}
func encMovImm(rd int, imm8 uint32) uint32 { return encMovImmCond(condAL, uint32(rd), imm8) }

// encMovw/encMovt load, respectively, the low and high 16 bits of a 32-bit
// constant (ARMv7's equivalent of amd64's single 10-byte mov and arm64's
// four MOVZ/MOVK).
func encMovw(rd int, imm16 uint16) uint32 {
	return condAL<<28 | 0x30<<20 | uint32(imm16>>12)<<16 | uint32(rd)<<12 | uint32(imm16&0xFFF)
}
func encMovt(rd int, imm16 uint16) uint32 {
	return condAL<<28 | 0x34<<20 | uint32(imm16>>12)<<16 | uint32(rd)<<12 | uint32(imm16&0xFFF)
}

const (
	shiftLSL = 0
	shiftLSR = 1
	shiftASR = 2
)

// encShiftImm emits `<op> rd, rm, #shamt` via the MOV-with-shifter-operand
// form. shamt=0 is only meaningful for LSL (identity); LSR/ASR by 0 encode
// "shift by 32" in the A32 ISA, so callers must special-case a zero RV32
// shift amount themselves rather than passing it through here.
func encShiftImm(rd, rm int, typ uint32, shamt uint8) uint32 {
	return condAL<<28 | 0xD<<21 | uint32(rd)<<12 | uint32(shamt&0x1F)<<7 | typ<<5 | uint32(rm)
}

// encShiftReg emits `<op> rd, rm, rs` (shift amount taken from a register,
// A32's equivalent of x86's shift-by-CL — no fixed-register constraint
// here, unlike x86).
func encShiftReg(rd, rm, rs int, typ uint32) uint32 {
	return condAL<<28 | 0xD<<21 | uint32(rd)<<12 | uint32(rs)<<8 | typ<<5 | 1<<4 | uint32(rm)
}

func encBx(rm int) uint32 { return condAL<<28 | 0x12FFF1<<4 | uint32(rm) }

// encBcc emits a placeholder-displacement `B<cond>`; disp24 is the
// pre-computed word count (the caller accounts for A32's PC-is-instruction-
// address-plus-8 convention).
func encBcc(cond uint32, disp24 int32) uint32 {
	return cond<<28 | 0xA<<24 | (uint32(disp24) & 0xFFFFFF)
}

const (
	condEQ = 0x0
	condNE = 0x1
	condCS = 0x2 // HS, unsigned >=
	condCC = 0x3 // LO, unsigned <
	condGE = 0xA
	condLT = 0xB
)

// --- wide-immediate materialization, ALU load/store ---

// movImm32 always emits two fixed-width MOVW/MOVT instructions (8 bytes)
// regardless of whether the high half is zero, so every patchable
// immediate site has the same length (spec §4.6 "intra-page tail-jump
// patching"). A32 does have a single-instruction "modified immediate"
// encoding (an 8-bit value rotated by an even shift) the way ARM64 has a
// logical-immediate encoder, but it is the same kind of fiddly
// limited-range bit-pattern algorithm arm64/backend.go already declined to
// implement for the same reason: not worth hand-deriving for code that can
// never be toolchain-verified.
func (e *emitter) movImm32(rd int, imm uint32) (site int) {
	site = e.pos()
	e.emitWord(encMovw(rd, uint16(imm)))
	e.emitWord(encMovt(rd, uint16(imm>>16)))
	return
}

func (e *emitter) loadFromXArray(rd int, vreg uint8) {
	off := uint32(vreg) * 8 // low word of X[vreg] (a uint64 slot); see package doc
	e.emitWord(condAL<<28 | 0x59<<20 | uint32(argReg)<<16 | uint32(rd)<<12 | off)
}

// storeToXArray writes rs into X[vreg]'s low word and zeroes its high word,
// since this backend never produces a value wider than 32 bits and an RV32
// hart's wordMask() would discard a stale high word anyway — zeroing it
// keeps the register file's 64-bit slots consistent for any other reader.
func (e *emitter) storeToXArray(vreg uint8, rs int) {
	off := uint32(vreg) * 8
	e.emitWord(condAL<<28 | 0x58<<20 | uint32(argReg)<<16 | uint32(rs)<<12 | off)
	e.emitWord(encMovImm(immScratch, 0))
	e.emitWord(condAL<<28 | 0x58<<20 | uint32(argReg)<<16 | uint32(immScratch)<<12 | (off + 4))
}

// --- register allocation glue, identical in shape to the other backends ---

func (e *emitter) materialize(alloc *rvjit.Allocator, vreg uint8) int {
	if hreg, ok := alloc.Lookup(vreg); ok {
		alloc.Touch(vreg)
		return hreg
	}
	hreg, evicted, needSpill, hadEviction := alloc.ClaimHReg()
	if hadEviction && needSpill {
		e.storeToXArray(evicted, hreg)
	}
	if vreg == 0 {
		e.emitWord(encMovImm(hreg, 0))
	} else {
		e.loadFromXArray(hreg, vreg)
	}
	alloc.Map(vreg, hreg, false)
	alloc.Touch(vreg)
	return hreg
}

func (e *emitter) destRegister(alloc *rvjit.Allocator, vreg uint8) int {
	if hreg, ok := alloc.Lookup(vreg); ok {
		alloc.Touch(vreg)
		alloc.MarkDirty(vreg)
		return hreg
	}
	hreg, evicted, needSpill, hadEviction := alloc.ClaimHReg()
	if hadEviction && needSpill {
		e.storeToXArray(evicted, hreg)
	}
	alloc.Map(vreg, hreg, true)
	alloc.Touch(vreg)
	return hreg
}

func (e *emitter) writebackAll(alloc *rvjit.Allocator) {
	for vr := uint8(1); vr < 32; vr++ {
		if hreg, ok := alloc.Lookup(vr); ok && alloc.IsDirty(vr) {
			e.storeToXArray(vr, hreg)
		}
	}
}

func regRegEncoder(op rvjit.OpKind) func(rd, rn, rm int) uint32 {
	switch op {
	case rvjit.OpAddRR:
		return encAddReg
	case rvjit.OpSubRR:
		return encSubReg
	case rvjit.OpAndRR:
		return encAndReg
	case rvjit.OpOrRR:
		return encOrrReg
	case rvjit.OpXorRR:
		return encEorReg
	default:
		return encAddReg
	}
}

func immOpKind(op rvjit.OpKind) rvjit.OpKind {
	switch op {
	case rvjit.OpAddRI:
		return rvjit.OpAddRR
	case rvjit.OpAndRI:
		return rvjit.OpAndRR
	case rvjit.OpOrRI:
		return rvjit.OpOrRR
	case rvjit.OpXorRI:
		return rvjit.OpXorRR
	default:
		return rvjit.OpAddRR
	}
}

// shiftType0 maps a zero-guarded shift; A32's LSR/ASR-by-immediate encode
// shamt=0 as "shift by 32", which would silently corrupt an RV32 SRLI/SRAI
// by zero (a no-op on RISC-V). Both are handled by emitting a plain MOV
// instead when shamt is zero.
func (e *emitter) emitShiftImm(rd, rm int, typ uint32, shamt uint8) {
	if shamt == 0 {
		if rd != rm {
			e.emitWord(encMovReg(rd, rm))
		}
		return
	}
	e.emitWord(encShiftImm(rd, rm, typ, shamt))
}

// Emit lowers b into A32 machine code. See the package doc comment for the
// memory-op fallback policy and the RV32-only scope.
func (bk *Backend) Emit(b *rvjit.Builder, dispatchTrampoline uintptr) (rvjit.CodeBlock, error) {
	if b.XLen != rvjit.Width32 {
		return rvjit.CodeBlock{}, fmt.Errorf("armv7: backend only supports RV32 guests")
	}
	alloc := rvjit.NewAllocator(bk.DefaultHRegMask(), bk.ABIReclaimHRegMask(), bk.ZeroHReg())
	e := &emitter{}

	for _, in := range b.Instructions() {
		switch in.Op {
		case rvjit.OpLabel:
			continue
		case rvjit.OpLi:
			dst := e.destRegister(alloc, in.Dst)
			e.movImm32(dst, uint32(in.Imm))
		case rvjit.OpMov:
			if in.Dst == in.Src1 {
				continue
			}
			src := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encMovReg(dst, src))
		case rvjit.OpAddRR, rvjit.OpSubRR, rvjit.OpAndRR, rvjit.OpOrRR, rvjit.OpXorRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(regRegEncoder(in.Op)(dst, src1, src2))
		case rvjit.OpAddRI, rvjit.OpAndRI, rvjit.OpOrRI, rvjit.OpXorRI:
			src1 := e.materialize(alloc, in.Src1)
			e.movImm32(immScratch, uint32(in.Imm))
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(regRegEncoder(immOpKind(in.Op))(dst, src1, immScratch))
		case rvjit.OpSllRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.emitShiftImm(dst, src1, shiftLSL, uint8(in.Imm))
		case rvjit.OpSrlRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.emitShiftImm(dst, src1, shiftLSR, uint8(in.Imm))
		case rvjit.OpSraRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.emitShiftImm(dst, src1, shiftASR, uint8(in.Imm))
		case rvjit.OpSllRR, rvjit.OpSrlRR, rvjit.OpSraRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			typ := uint32(shiftLSL)
			switch in.Op {
			case rvjit.OpSrlRR:
				typ = shiftLSR
			case rvjit.OpSraRR:
				typ = shiftASR
			}
			e.emitWord(encShiftReg(dst, src1, src2, typ))
		case rvjit.OpSltRR, rvjit.OpSltuRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encCmpReg(src1, src2))
			e.emitWord(encMovImm(dst, 0))
			cond := uint32(condLT)
			if in.Op == rvjit.OpSltuRR {
				cond = condCC
			}
			e.emitWord(encMovImmCond(cond, uint32(dst), 1))
		case rvjit.OpSltRI, rvjit.OpSltuRI:
			src1 := e.materialize(alloc, in.Src1)
			e.movImm32(immScratch, uint32(in.Imm))
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encCmpReg(src1, immScratch))
			e.emitWord(encMovImm(dst, 0))
			cond := uint32(condLT)
			if in.Op == rvjit.OpSltuRI {
				cond = condCC
			}
			e.emitWord(encMovImmCond(cond, uint32(dst), 1))
		case rvjit.OpLoad, rvjit.OpStore:
			return rvjit.CodeBlock{}, rvjit.ErrUnsupportedOp
		default:
			return rvjit.CodeBlock{}, fmt.Errorf("armv7: unhandled op %v", in.Op)
		}
	}

	exit := b.GetExit()
	if exit == nil {
		return rvjit.CodeBlock{}, fmt.Errorf("armv7: block has no exit")
	}

	var links []rvjit.PendingLink
	switch exit.Kind {
	case rvjit.ExitTail:
		links = append(links, e.emitTailExit(rvjit.LinkTail, alloc, exit.TakenPC, dispatchTrampoline))
	case rvjit.ExitBranch:
		src1 := e.materialize(alloc, exit.Src1)
		src2 := e.materialize(alloc, exit.Src2)
		e.emitWord(encCmpReg(src1, src2))
		bccSite := e.pos()
		e.emitWord(encBcc(invertedCond(exit.Cond), 0)) // placeholder, patched below
		takenLink := e.emitTailExit(rvjit.LinkBranchTaken, alloc, exit.TakenPC, dispatchTrampoline)
		notTakenStart := e.pos()
		disp24 := (int32(notTakenStart-bccSite) - 8) / 4 // A32 branch PC bias
		binary.LittleEndian.PutUint32(e.code[bccSite:], encBcc(invertedCond(exit.Cond), disp24))
		notTakenLink := e.emitTailExit(rvjit.LinkBranchNotTaken, alloc, exit.NotTakenPC, dispatchTrampoline)
		links = append(links, takenLink, notTakenLink)
	case rvjit.ExitIndirect:
		base := e.materialize(alloc, exit.IndirectReg)
		target, evicted, needSpill, hadEviction := alloc.ClaimHReg()
		if hadEviction && needSpill {
			e.storeToXArray(evicted, target)
		}
		if exit.IndirectOff != 0 {
			e.movImm32(immScratch, uint32(exit.IndirectOff))
			e.emitWord(encAddReg(target, base, immScratch))
		} else {
			e.emitWord(encMovReg(target, base))
		}
		e.movImm32(immScratch, ^uint32(1)) // all-ones except bit 0
		e.emitWord(encAndReg(target, target, immScratch))
		e.writebackAll(alloc)
		if target != dataReg {
			e.emitWord(encMovReg(dataReg, target))
		}
		e.movImm32(linkReg, uint32(dispatchTrampoline))
		e.emitWord(encBx(linkReg))
	default:
		return rvjit.CodeBlock{}, fmt.Errorf("armv7: unknown exit kind %v", exit.Kind)
	}

	return rvjit.CodeBlock{Code: e.code, Links: links}, nil
}

func invertedCond(cond rvjit.BranchCond) uint32 {
	switch cond {
	case rvjit.BrEq:
		return condNE
	case rvjit.BrNe:
		return condEQ
	case rvjit.BrLt:
		return condGE
	case rvjit.BrGe:
		return condLT
	case rvjit.BrLtu:
		return condCS
	case rvjit.BrGeu:
		return condCC
	default:
		return condNE
	}
}

// emitTailExit loads destPC into dataReg (a fixed 8-byte MOVW/MOVT pair),
// the trampoline address into linkReg, writes back dirty registers, then
// jumps through the trampoline via BX. Site points at the MOVW; JmpSite
// points at the BX — both are later overwritten in place by PatchTailLink.
func (e *emitter) emitTailExit(kind rvjit.LinkKind, alloc *rvjit.Allocator, destPC uint64, trampoline uintptr) rvjit.PendingLink {
	pcSite := e.movImm32(dataReg, uint32(destPC))
	e.movImm32(linkReg, uint32(trampoline))
	e.writebackAll(alloc)
	jmpSite := e.pos()
	e.emitWord(encBx(linkReg))
	return rvjit.PendingLink{Kind: kind, DestPC: destPC, Site: pcSite, JmpSite: jmpSite}
}

// PatchTailLink rewrites destPC's MOVW/MOVT pair into a load of dest (now a
// host code pointer, truncated to 32 bits — A32 code addresses always fit)
// and flips the trailing BX's operand register from linkReg to dataReg —
// same instruction count and length throughout, so nothing downstream
// needs to move (spec §4.6).
func (bk *Backend) PatchTailLink(code []byte, link rvjit.PendingLink, dest uintptr) error {
	if link.Site < 0 || link.Site+8 > len(code) {
		return fmt.Errorf("armv7: link site out of range")
	}
	if link.JmpSite < 0 || link.JmpSite+4 > len(code) {
		return fmt.Errorf("armv7: link jmp site out of range")
	}
	d := uint32(dest)
	binary.LittleEndian.PutUint32(code[link.Site+0:], encMovw(dataReg, uint16(d)))
	binary.LittleEndian.PutUint32(code[link.Site+4:], encMovt(dataReg, uint16(d>>16)))
	binary.LittleEndian.PutUint32(code[link.JmpSite:], encBx(dataReg))
	return nil
}

var _ rvjit.Backend = (*Backend)(nil)
