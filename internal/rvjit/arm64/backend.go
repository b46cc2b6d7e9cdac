// Package arm64 is the AArch64 RVJIT backend (spec §4.5 "RVJIT backends").
// See internal/rvjit/amd64's package doc for the shared load/store fallback
// policy; this backend declines OpLoad/OpStore for the same reason.
package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/nanorv/rvvm/internal/rvjit"
)

// argReg carries the *[32]uint64 guest integer register file for the life
// of the block (first AAPCS64 integer argument register).
const argReg = 0 // X0

// dataReg/linkReg hold, respectively, the patchable destination value and
// the dispatch trampoline's address across a block exit; IP0/IP1 (X16/X17)
// are the AAPCS64-designated intra-procedure-call scratch registers, never
// handed to the allocator.
const (
	dataReg = 16 // X16
	linkReg = 17 // X17
)

// immScratch materializes *-immediate operands too wide for a cheap
// immediate encoding; reserved the same way amd64 reserves RCX for shift
// counts, so it never needs to evict a live guest-register mapping.
const immScratch = 15 // X15

// xzr is AArch64's hard-wired zero register encoding in non-SP contexts.
const xzr = 31

func init() {
	rvjit.Register(New())
}

// Backend implements rvjit.Backend for linux/arm64 hosts.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (bk *Backend) Arch() rvjit.Arch { return rvjit.ArchARM64 }

func bit(r int) uint32 { return 1 << uint(r) }

func (bk *Backend) DefaultHRegMask() uint32 {
	return bit(1) | bit(2) | bit(3) | bit(4) | bit(5) | bit(6) | bit(7) | bit(8) | bit(9)
}

func (bk *Backend) ABIReclaimHRegMask() uint32 {
	return bit(19) | bit(20) | bit(21) | bit(22) | bit(23)
}

func (bk *Backend) ZeroHReg() int { return xzr }

type emitter struct {
	code []byte
}

func (e *emitter) pos() int { return len(e.code) }

func (e *emitter) emitWord(w uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], w)
	e.code = append(e.code, buf[:]...)
}

// --- instruction encoders, grounded on internal/asm/arm64/encode.go ---

func encAddReg(dst, lhs, rhs int) uint32 {
	return 0x8B000000 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encSubReg(dst, lhs, rhs int) uint32 {
	return 0xCB000000 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encAndReg(dst, lhs, rhs int) uint32 {
	return 0x8A000000 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encOrrReg(dst, lhs, rhs int) uint32 {
	return 0xAA000000 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encEorReg(dst, lhs, rhs int) uint32 {
	return 0xCA000000 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encCmpReg(lhs, rhs int) uint32 {
	return 0xEB00001F | uint32(rhs)<<16 | uint32(lhs)<<5
}
func encMovReg(dst, src int) uint32 {
	return 0xAA0003E0 | uint32(src)<<16 | uint32(dst)
}
func encLslvReg(dst, lhs, rhs int) uint32 {
	return 0x9AC02000 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encLsrvReg(dst, lhs, rhs int) uint32 {
	return 0x9AC02400 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encAsrvReg(dst, lhs, rhs int) uint32 {
	return 0x9AC02800 | uint32(rhs)<<16 | uint32(lhs)<<5 | uint32(dst)
}
func encLslImm(dst, src int, shift uint8) uint32 {
	immr := uint32(64-shift) & 63
	imms := uint32(63 - shift)
	return 0xD3400000 | immr<<16 | imms<<10 | uint32(src)<<5 | uint32(dst)
}
func encLsrImm(dst, src int, shift uint8) uint32 {
	immr := uint32(shift) & 63
	return 0xD3400000 | immr<<16 | 63<<10 | uint32(src)<<5 | uint32(dst)
}
func encAsrImm(dst, src int, shift uint8) uint32 {
	immr := uint32(shift) & 63
	return 0x93400000 | immr<<16 | 63<<10 | uint32(src)<<5 | uint32(dst)
}
func encSxtw(dst, src int) uint32 {
	return 0x93407C00 | uint32(src)<<5 | uint32(dst)
}
func encMovz(dst int, imm16 uint16, hw uint32) uint32 {
	return 0xD2800000 | hw<<21 | uint32(imm16)<<5 | uint32(dst)
}
func encMovk(dst int, imm16 uint16, hw uint32) uint32 {
	return 0xF2800000 | hw<<21 | uint32(imm16)<<5 | uint32(dst)
}
func encBr(reg int) uint32 { return 0xD61F0000 | uint32(reg)<<5 }
func encBcc(cond byte, imm19 int32) uint32 {
	return 0x54000000 | (uint32(imm19)&0x7FFFF)<<5 | uint32(cond)
}

const (
	condEQ = 0x0
	condNE = 0x1
	condHS = 0x2
	condLO = 0x3
	condGE = 0xA
	condLT = 0xB
	condGT = 0xC
	condLE = 0xD
)

func encCsetInv(dst int, invCond byte) uint32 {
	return 0x9A9F07E0 | uint32(invCond)<<12 | uint32(dst)
}

// --- wide-immediate materialization, ALU load/store ---

// movImm64 always emits four fixed-width MOVZ/MOVK instructions (16 bytes)
// regardless of how many 16-bit chunks are actually nonzero, so every
// patchable immediate site in the generated code has the same length (spec
// §4.6 "intra-page tail-jump patching" relies on fixed-length patch sites).
func (e *emitter) movImm64(dst int, imm uint64) (site int) {
	site = e.pos()
	e.emitWord(encMovz(dst, uint16(imm), 0))
	e.emitWord(encMovk(dst, uint16(imm>>16), 1))
	e.emitWord(encMovk(dst, uint16(imm>>32), 2))
	e.emitWord(encMovk(dst, uint16(imm>>48), 3))
	return
}

func (e *emitter) loadFromXArray(dst int, vreg uint8) {
	disp := int32(vreg) * 8
	e.emitWord(0xF9400000 | uint32(disp/8)<<10 | uint32(argReg)<<5 | uint32(dst))
}

func (e *emitter) storeToXArray(vreg uint8, src int) {
	disp := int32(vreg) * 8
	e.emitWord(0xF9000000 | uint32(disp/8)<<10 | uint32(argReg)<<5 | uint32(src))
}

func (e *emitter) signExtendIfNarrow(dst int, w rvjit.Width) {
	if w == rvjit.Width32 {
		e.emitWord(encSxtw(dst, dst))
	}
}

// --- register allocation glue, identical in shape to the amd64 backend ---

func (e *emitter) materialize(alloc *rvjit.Allocator, vreg uint8) int {
	if vreg == 0 {
		return xzr
	}
	if hreg, ok := alloc.Lookup(vreg); ok {
		alloc.Touch(vreg)
		return hreg
	}
	hreg, evicted, needSpill, hadEviction := alloc.ClaimHReg()
	if hadEviction && needSpill {
		e.storeToXArray(evicted, hreg)
	}
	e.loadFromXArray(hreg, vreg)
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

func regRegEncoder(op rvjit.OpKind) func(dst, lhs, rhs int) uint32 {
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

// Emit lowers b into AArch64 machine code. See the package doc comment for
// the memory-op fallback policy.
func (bk *Backend) Emit(b *rvjit.Builder, dispatchTrampoline uintptr) (rvjit.CodeBlock, error) {
	alloc := rvjit.NewAllocator(bk.DefaultHRegMask(), bk.ABIReclaimHRegMask(), bk.ZeroHReg())
	e := &emitter{}

	for _, in := range b.Instructions() {
		switch in.Op {
		case rvjit.OpLabel:
			continue
		case rvjit.OpLi:
			dst := e.destRegister(alloc, in.Dst)
			e.movImm64(dst, uint64(in.Imm))
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
			e.signExtendIfNarrow(dst, in.Width)
		case rvjit.OpAddRI, rvjit.OpAndRI, rvjit.OpOrRI, rvjit.OpXorRI:
			src1 := e.materialize(alloc, in.Src1)
			e.movImm64(immScratch, uint64(in.Imm))
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(regRegEncoder(immOpKind(in.Op))(dst, src1, immScratch))
			e.signExtendIfNarrow(dst, in.Width)
		case rvjit.OpSllRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encLslImm(dst, src1, uint8(in.Imm)))
			e.signExtendIfNarrow(dst, in.Width)
		case rvjit.OpSrlRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encLsrImm(dst, src1, uint8(in.Imm)))
			e.signExtendIfNarrow(dst, in.Width)
		case rvjit.OpSraRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encAsrImm(dst, src1, uint8(in.Imm)))
			e.signExtendIfNarrow(dst, in.Width)
		case rvjit.OpSllRR, rvjit.OpSrlRR, rvjit.OpSraRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			switch in.Op {
			case rvjit.OpSllRR:
				e.emitWord(encLslvReg(dst, src1, src2))
			case rvjit.OpSrlRR:
				e.emitWord(encLsrvReg(dst, src1, src2))
			case rvjit.OpSraRR:
				e.emitWord(encAsrvReg(dst, src1, src2))
			}
			e.signExtendIfNarrow(dst, in.Width)
		case rvjit.OpSltRR, rvjit.OpSltuRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encCmpReg(src1, src2))
			if in.Op == rvjit.OpSltRR {
				e.emitWord(encCsetInv(dst, condGE))
			} else {
				e.emitWord(encCsetInv(dst, condHS))
			}
		case rvjit.OpSltRI, rvjit.OpSltuRI:
			src1 := e.materialize(alloc, in.Src1)
			e.movImm64(immScratch, uint64(in.Imm))
			dst := e.destRegister(alloc, in.Dst)
			e.emitWord(encCmpReg(src1, immScratch))
			if in.Op == rvjit.OpSltRI {
				e.emitWord(encCsetInv(dst, condGE))
			} else {
				e.emitWord(encCsetInv(dst, condHS))
			}
		case rvjit.OpLoad, rvjit.OpStore:
			return rvjit.CodeBlock{}, rvjit.ErrUnsupportedOp
		default:
			return rvjit.CodeBlock{}, fmt.Errorf("arm64: unhandled op %v", in.Op)
		}
	}

	exit := b.GetExit()
	if exit == nil {
		return rvjit.CodeBlock{}, fmt.Errorf("arm64: block has no exit")
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
		imm19 := int32(notTakenStart-bccSite) / 4
		binary.LittleEndian.PutUint32(e.code[bccSite:], encBcc(invertedCond(exit.Cond), imm19))
		notTakenLink := e.emitTailExit(rvjit.LinkBranchNotTaken, alloc, exit.NotTakenPC, dispatchTrampoline)
		links = append(links, takenLink, notTakenLink)
	case rvjit.ExitIndirect:
		base := e.materialize(alloc, exit.IndirectReg)
		target, evicted, needSpill, hadEviction := alloc.ClaimHReg()
		if hadEviction && needSpill {
			e.storeToXArray(evicted, target)
		}
		if exit.IndirectOff != 0 {
			e.movImm64(immScratch, uint64(exit.IndirectOff))
			e.emitWord(encAddReg(target, base, immScratch))
		} else {
			e.emitWord(encMovReg(target, base))
		}
		e.movImm64(immScratch, ^uint64(1)) // all-ones except bit 0
		e.emitWord(encAndReg(target, target, immScratch))
		e.writebackAll(alloc)
		if target != dataReg {
			e.emitWord(encMovReg(dataReg, target))
		}
		e.movImm64(linkReg, uint64(dispatchTrampoline))
		e.emitWord(encBr(linkReg))
	default:
		return rvjit.CodeBlock{}, fmt.Errorf("arm64: unknown exit kind %v", exit.Kind)
	}

	return rvjit.CodeBlock{Code: e.code, Links: links}, nil
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

func invertedCond(cond rvjit.BranchCond) byte {
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
		return condHS
	case rvjit.BrGeu:
		return condLO
	default:
		return condNE
	}
}

// emitTailExit loads destPC into dataReg, the trampoline address into
// linkReg, writes back dirty registers, then branches through the
// trampoline. Site points at the first MOVZ of the dataReg load (16 bytes,
// fixed length); JmpSite points at the BR instruction (4 bytes, fixed
// length) — both are later overwritten in place by PatchTailLink.
func (e *emitter) emitTailExit(kind rvjit.LinkKind, alloc *rvjit.Allocator, destPC uint64, trampoline uintptr) rvjit.PendingLink {
	pcSite := e.movImm64(dataReg, destPC)
	e.movImm64(linkReg, uint64(trampoline))
	e.writebackAll(alloc)
	jmpSite := e.pos()
	e.emitWord(encBr(linkReg))
	return rvjit.PendingLink{Kind: kind, DestPC: destPC, Site: pcSite, JmpSite: jmpSite}
}

// PatchTailLink rewrites destPC's four-MOVZ/MOVK load into a load of dest
// (now a host code pointer) and flips the trailing BR's operand register
// from linkReg to dataReg — same instruction count and length throughout,
// so nothing downstream needs to move (spec §4.6).
func (bk *Backend) PatchTailLink(code []byte, link rvjit.PendingLink, dest uintptr) error {
	if link.Site < 0 || link.Site+16 > len(code) {
		return fmt.Errorf("arm64: link site out of range")
	}
	if link.JmpSite < 0 || link.JmpSite+4 > len(code) {
		return fmt.Errorf("arm64: link jmp site out of range")
	}
	d := uint64(dest)
	binary.LittleEndian.PutUint32(code[link.Site+0:], encMovz(dataReg, uint16(d), 0))
	binary.LittleEndian.PutUint32(code[link.Site+4:], encMovk(dataReg, uint16(d>>16), 1))
	binary.LittleEndian.PutUint32(code[link.Site+8:], encMovk(dataReg, uint16(d>>32), 2))
	binary.LittleEndian.PutUint32(code[link.Site+12:], encMovk(dataReg, uint16(d>>48), 3))
	binary.LittleEndian.PutUint32(code[link.JmpSite:], encBr(dataReg))
	return nil
}

var _ rvjit.Backend = (*Backend)(nil)
