// Package riscv is the RISC-V-on-RISC-V RVJIT backend (spec §4.5 "RVJIT
// backends") — translating a guest hart's basic blocks into host machine
// code for a RISC-V host, the one backend where guest and host share an
// instruction set closely enough that most IR ops lower near 1:1. See
// internal/rvjit/amd64's package doc for the shared load/store fallback
// policy; this backend declines OpLoad/OpStore for the same reason.
package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/nanorv/rvvm/internal/rvjit"
)

// argReg carries the *[32]uint64 guest integer register file for the life
// of the block (first RISC-V integer calling-convention argument, a0).
const argReg = 10 // x10 / a0

// dataReg/linkReg hold, respectively, the patchable destination value and
// the dispatch trampoline's address across a block exit; t5/t6 are
// caller-saved temporaries never handed to the allocator.
const (
	dataReg = 30 // x30 / t5
	linkReg = 31 // x31 / t6
)

// immScratch materializes immediates too wide for a 12-bit I-type field.
const immScratch = 29 // x29 / t4

func init() {
	rvjit.Register(New())
}

// Backend implements rvjit.Backend for linux/riscv64 hosts.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (bk *Backend) Arch() rvjit.Arch { return rvjit.ArchRISCV }

func bit(r int) uint32 { return 1 << uint(r) }

func (bk *Backend) DefaultHRegMask() uint32 {
	return bit(5) | bit(6) | bit(7) | bit(28) | bit(11) | bit(12) | bit(13) | bit(14) | bit(15) | bit(16) | bit(17)
}

func (bk *Backend) ABIReclaimHRegMask() uint32 {
	return bit(18) | bit(19) | bit(20) | bit(21) | bit(22) | bit(23) | bit(24) | bit(25) | bit(26) | bit(27)
}

// ZeroHReg is x0, RISC-V's hard-wired zero register — the one backend for
// which the guest and host zero register are literally the same thing.
func (bk *Backend) ZeroHReg() int { return 0 }

type emitter struct {
	code []byte
}

func (e *emitter) pos() int { return len(e.code) }

func (e *emitter) emitWord(w uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], w)
	e.code = append(e.code, buf[:]...)
}

// --- instruction encoders, grounded on internal/asm/riscv/asm.go's
// encodeI/encodeS/encodeU (extended here with R-type and B-type, which the
// teacher's asm package never needed). ---

func encR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encIraw(imm12 uint32, rs1, funct3, rd, opcode uint32) uint32 {
	return (imm12&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encI(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return encIraw(uint32(imm)&0xFFF, rs1, funct3, rd, opcode)
}

func encS(imm int32, rs1, rs2, funct3, opcode uint32) uint32 {
	u := uint32(imm) & 0xFFF
	hi := (u >> 5) & 0x7F
	lo := u & 0x1F
	return hi<<25 | rs2<<20 | rs1<<15 | funct3<<12 | lo<<7 | opcode
}

func encB(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	b12 := (u >> 12) & 1
	b11 := (u >> 11) & 1
	b10_5 := (u >> 5) & 0x3F
	b4_1 := (u >> 1) & 0xF
	return b12<<31 | b10_5<<25 | rs2<<20 | rs1<<15 | funct3<<12 | b4_1<<8 | b11<<7 | opBranch
}

func encJalr(rd, rs1 uint32) uint32 {
	return encI(0, rs1, 0, rd, 0x67)
}

const (
	opAluReg   = 0x33 // R-type, XLEN width
	opAluRegW  = 0x3B // R-type, 32-bit width (RV64 *W)
	opAluImm   = 0x13 // I-type, XLEN width
	opAluImmW  = 0x1B // I-type, 32-bit width (RV64 *IW)
	opLoad     = 0x03
	opStoreOp  = 0x23
	opBranch   = 0x63
)

const (
	f3Add  = 0
	f3Sll  = 1
	f3Slt  = 2
	f3Sltu = 3
	f3Xor  = 4
	f3Srl  = 5 // also SRA, distinguished by funct7 bit 30
	f3Or   = 6
	f3And  = 7
)

const funct7Sub = 0x20 // also SRA

// aluRROpcode picks OP vs OP-32. Only ADD/SUB/SLL/SRL/SRA have a narrow
// *W form in RV64I; AND/OR/XOR/SLT/SLTU have none; their 32-bit semantics
// for a bitwise op are recovered by emitting the full-width op and
// sign-extending the result afterward rather than by a narrow opcode.
func aluRROpcode(op rvjit.OpKind, w rvjit.Width) uint32 {
	switch op {
	case rvjit.OpAndRR, rvjit.OpOrRR, rvjit.OpXorRR, rvjit.OpSltRR, rvjit.OpSltuRR:
		return opAluReg
	}
	if w == rvjit.Width64 {
		return opAluReg
	}
	return opAluRegW
}

func aluRRFields(op rvjit.OpKind) (funct7, funct3 uint32) {
	switch op {
	case rvjit.OpAddRR:
		return 0, f3Add
	case rvjit.OpSubRR:
		return funct7Sub, f3Add
	case rvjit.OpAndRR:
		return 0, f3And
	case rvjit.OpOrRR:
		return 0, f3Or
	case rvjit.OpXorRR:
		return 0, f3Xor
	case rvjit.OpSllRR:
		return 0, f3Sll
	case rvjit.OpSrlRR:
		return 0, f3Srl
	case rvjit.OpSraRR:
		return funct7Sub, f3Srl
	case rvjit.OpSltRR:
		return 0, f3Slt
	case rvjit.OpSltuRR:
		return 0, f3Sltu
	default:
		return 0, f3Add
	}
}

// --- wide-immediate materialization ---

// li64 always emits the same fixed 15-instruction sequence (one ADDI
// seeding the top byte, then seven SLLI-by-8/ADDI pairs folding in the
// remaining seven bytes) regardless of the value's actual magnitude, so
// every patchable immediate site has the same length (spec §4.6
// "intra-page tail-jump patching"). Building byte-at-a-time instead of the
// usual LUI+ADDI "li" pseudo-op sidesteps RISC-V's sign-extension pitfalls
// entirely: every byte value (0-255) fits a signed 12-bit I-type immediate
// with room to spare, so no step ever needs a correction for an
// unintentionally sign-extended chunk.
func (e *emitter) li64(rd int, imm uint64) (site int) {
	site = e.pos()
	byteAt := func(n uint) int32 { return int32((imm >> (n * 8)) & 0xFF) }
	e.emitWord(encI(byteAt(7), 0, f3Add, uint32(rd), opAluImm))
	for n := 6; n >= 0; n-- {
		e.emitWord(encIraw(8, uint32(rd), f3Sll, uint32(rd), opAluImm)) // SLLI rd,rd,8
		e.emitWord(encI(byteAt(uint(n)), uint32(rd), f3Add, uint32(rd), opAluImm))
	}
	return site
}

func (e *emitter) loadFromXArray(rd int, vreg uint8) {
	e.emitWord(encI(int32(vreg)*8, argReg, 3 /* LD */, uint32(rd), opLoad))
}

func (e *emitter) storeToXArray(vreg uint8, rs2 int) {
	e.emitWord(encS(int32(vreg)*8, argReg, uint32(rs2), 3 /* SD */, opStoreOp))
}

func (e *emitter) mov(rd, rs int) {
	e.emitWord(encI(0, uint32(rs), f3Add, uint32(rd), opAluImm)) // ADDI rd,rs,0
}

func (e *emitter) signExtendIfNarrow(rd int, w rvjit.Width) {
	if w != rvjit.Width32 {
		return
	}
	// ADDIW rd,rd,0 re-sign-extends bits[31:0] into the full 64-bit
	// register, matching RV64's *W instruction semantics.
	e.emitWord(encI(0, uint32(rd), f3Add, uint32(rd), opAluImmW))
}

// --- register allocation glue, identical in shape to the other backends ---

func (e *emitter) materialize(alloc *rvjit.Allocator, vreg uint8) int {
	if vreg == 0 {
		return 0
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

// fitsI12 reports whether imm fits a signed 12-bit I-type immediate —
// exactly the range every guest I-type instruction's own immediate
// already satisfies, since it was decoded from the same field.
func fitsI12(imm int64) bool { return imm >= -2048 && imm <= 2047 }

func immRIFields(op rvjit.OpKind) (funct3, opcode uint32) {
	switch op {
	case rvjit.OpAddRI:
		return f3Add, opAluImm
	case rvjit.OpAndRI:
		return f3And, opAluImm
	case rvjit.OpOrRI:
		return f3Or, opAluImm
	case rvjit.OpXorRI:
		return f3Xor, opAluImm
	case rvjit.OpSltRI:
		return f3Slt, opAluImm
	case rvjit.OpSltuRI:
		return f3Sltu, opAluImm
	default:
		return f3Add, opAluImm
	}
}

func regOpForImm(op rvjit.OpKind) rvjit.OpKind {
	switch op {
	case rvjit.OpAddRI:
		return rvjit.OpAddRR
	case rvjit.OpAndRI:
		return rvjit.OpAndRR
	case rvjit.OpOrRI:
		return rvjit.OpOrRR
	case rvjit.OpXorRI:
		return rvjit.OpXorRR
	case rvjit.OpSltRI:
		return rvjit.OpSltRR
	case rvjit.OpSltuRI:
		return rvjit.OpSltuRR
	default:
		return rvjit.OpAddRR
	}
}

// Emit lowers b into RISC-V machine code. See the package doc comment for
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
			e.li64(dst, uint64(in.Imm))
		case rvjit.OpMov:
			if in.Dst == in.Src1 {
				continue
			}
			src := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.mov(dst, src)
		case rvjit.OpAddRR, rvjit.OpSubRR, rvjit.OpAndRR, rvjit.OpOrRR, rvjit.OpXorRR,
			rvjit.OpSllRR, rvjit.OpSrlRR, rvjit.OpSraRR, rvjit.OpSltRR, rvjit.OpSltuRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			f7, f3 := aluRRFields(in.Op)
			e.emitWord(encR(f7, uint32(src2), uint32(src1), f3, uint32(dst), aluRROpcode(in.Op, in.Width)))
			if in.Op != rvjit.OpSltRR && in.Op != rvjit.OpSltuRR {
				e.signExtendIfNarrow(dst, in.Width)
			}
		case rvjit.OpAddRI, rvjit.OpAndRI, rvjit.OpOrRI, rvjit.OpXorRI, rvjit.OpSltRI, rvjit.OpSltuRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			// Only ADDI has an *IW counterpart; ANDI/ORI/XORI have none (a
			// bitwise op's low 32 bits don't depend on width), and
			// SLTI/SLTIU always compare the full register regardless of
			// Width. Both recover Width32 semantics via signExtendIfNarrow
			// instead, same as the register-register case above.
			if fitsI12(in.Imm) {
				f3, opc := immRIFields(in.Op)
				if in.Op == rvjit.OpAddRI && in.Width == rvjit.Width32 {
					opc = opAluImmW
				}
				e.emitWord(encI(int32(in.Imm), uint32(src1), f3, uint32(dst), opc))
			} else {
				e.li64(immScratch, uint64(in.Imm))
				f7, f3 := aluRRFields(regOpForImm(in.Op))
				e.emitWord(encR(f7, uint32(immScratch), uint32(src1), f3, uint32(dst), aluRROpcode(regOpForImm(in.Op), in.Width)))
			}
			switch in.Op {
			case rvjit.OpAndRI, rvjit.OpOrRI, rvjit.OpXorRI:
				// No *IW form exists; ADDI's opAluImmW selection above
				// already produces a narrowed, sign-extended result, so
				// only the bitwise ops need this explicit tail.
				e.signExtendIfNarrow(dst, in.Width)
			}
		case rvjit.OpSllRI, rvjit.OpSrlRI, rvjit.OpSraRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			f3 := f3Sll
			arith := in.Op == rvjit.OpSraRI
			if in.Op == rvjit.OpSrlRI || in.Op == rvjit.OpSraRI {
				f3 = f3Srl
			}
			// SLLI/SRLI/SRAI (opAluImm) pack a 6-bit shamt with a 6-bit
			// funct6 at imm[11:6]; SLLIW/SRLIW/SRAIW (opAluImmW) pack a
			// 5-bit shamt with a 7-bit funct7 at imm[11:5] instead.
			if in.Width == rvjit.Width32 {
				funct7 := uint32(0)
				if arith {
					funct7 = 0x20
				}
				shamt := uint32(in.Imm) & 0x1F
				e.emitWord(encIraw(funct7<<5|shamt, uint32(src1), uint32(f3), uint32(dst), opAluImmW))
			} else {
				funct6 := uint32(0)
				if arith {
					funct6 = 0x10
				}
				shamt := uint32(in.Imm) & 0x3F
				e.emitWord(encIraw(funct6<<6|shamt, uint32(src1), uint32(f3), uint32(dst), opAluImm))
			}
		case rvjit.OpLoad, rvjit.OpStore:
			return rvjit.CodeBlock{}, rvjit.ErrUnsupportedOp
		default:
			return rvjit.CodeBlock{}, fmt.Errorf("riscv: unhandled op %v", in.Op)
		}
	}

	exit := b.GetExit()
	if exit == nil {
		return rvjit.CodeBlock{}, fmt.Errorf("riscv: block has no exit")
	}

	var links []rvjit.PendingLink
	switch exit.Kind {
	case rvjit.ExitTail:
		links = append(links, e.emitTailExit(rvjit.LinkTail, alloc, exit.TakenPC, dispatchTrampoline))
	case rvjit.ExitBranch:
		src1 := e.materialize(alloc, exit.Src1)
		src2 := e.materialize(alloc, exit.Src2)
		bSite := e.pos()
		e.emitWord(encB(invertedFunct3(exit.Cond), uint32(src1), uint32(src2), 0)) // placeholder
		takenLink := e.emitTailExit(rvjit.LinkBranchTaken, alloc, exit.TakenPC, dispatchTrampoline)
		notTakenStart := e.pos()
		disp := int32(notTakenStart - bSite)
		binary.LittleEndian.PutUint32(e.code[bSite:], encB(invertedFunct3(exit.Cond), uint32(src1), uint32(src2), disp))
		notTakenLink := e.emitTailExit(rvjit.LinkBranchNotTaken, alloc, exit.NotTakenPC, dispatchTrampoline)
		links = append(links, takenLink, notTakenLink)
	case rvjit.ExitIndirect:
		base := e.materialize(alloc, exit.IndirectReg)
		target, evicted, needSpill, hadEviction := alloc.ClaimHReg()
		if hadEviction && needSpill {
			e.storeToXArray(evicted, target)
		}
		if exit.IndirectOff != 0 {
			if fitsI12(exit.IndirectOff) {
				e.emitWord(encI(int32(exit.IndirectOff), uint32(base), f3Add, uint32(target), opAluImm))
			} else {
				e.li64(immScratch, uint64(exit.IndirectOff))
				e.emitWord(encR(0, uint32(immScratch), uint32(base), f3Add, uint32(target), opAluReg))
			}
		} else {
			e.mov(target, base)
		}
		// Clear bit 0 (JALR target alignment): ANDI target,target,-2.
		e.emitWord(encI(-2, uint32(target), f3And, uint32(target), opAluImm))
		e.writebackAll(alloc)
		if target != dataReg {
			e.mov(dataReg, target)
		}
		e.li64(linkReg, uint64(dispatchTrampoline))
		e.emitWord(encJalr(0, uint32(linkReg)))
	default:
		return rvjit.CodeBlock{}, fmt.Errorf("riscv: unknown exit kind %v", exit.Kind)
	}

	return rvjit.CodeBlock{Code: e.code, Links: links}, nil
}

func invertedFunct3(cond rvjit.BranchCond) uint32 {
	switch cond {
	case rvjit.BrEq:
		return 1 // BNE
	case rvjit.BrNe:
		return 0 // BEQ
	case rvjit.BrLt:
		return 5 // BGE
	case rvjit.BrGe:
		return 4 // BLT
	case rvjit.BrLtu:
		return 7 // BGEU
	case rvjit.BrGeu:
		return 6 // BLTU
	default:
		return 1
	}
}

// emitTailExit loads destPC into dataReg (a fixed-length li64 sequence),
// the trampoline address into linkReg, writes back dirty registers, then
// jumps through the trampoline. Site points at the first instruction of
// dataReg's li64; JmpSite points at the final JALR — both are later
// overwritten in place by PatchTailLink.
func (e *emitter) emitTailExit(kind rvjit.LinkKind, alloc *rvjit.Allocator, destPC uint64, trampoline uintptr) rvjit.PendingLink {
	pcSite := e.li64(dataReg, destPC)
	e.li64(linkReg, uint64(trampoline))
	e.writebackAll(alloc)
	jmpSite := e.pos()
	e.emitWord(encJalr(0, uint32(linkReg)))
	return rvjit.PendingLink{Kind: kind, DestPC: destPC, Site: pcSite, JmpSite: jmpSite}
}

// li64Len is the fixed byte length of one li64 sequence (15 instructions).
const li64Len = 15 * 4

// PatchTailLink rewrites destPC's li64 sequence into a load of dest (now a
// host code pointer) and flips the trailing JALR's rs1 field from linkReg
// to dataReg — same instruction count and length throughout, so nothing
// downstream needs to move (spec §4.6).
func (bk *Backend) PatchTailLink(code []byte, link rvjit.PendingLink, dest uintptr) error {
	if link.Site < 0 || link.Site+li64Len > len(code) {
		return fmt.Errorf("riscv: link site out of range")
	}
	if link.JmpSite < 0 || link.JmpSite+4 > len(code) {
		return fmt.Errorf("riscv: link jmp site out of range")
	}
	e := &emitter{}
	e.li64(dataReg, uint64(dest))
	copy(code[link.Site:link.Site+li64Len], e.code)
	binary.LittleEndian.PutUint32(code[link.JmpSite:], encJalr(0, uint32(dataReg)))
	return nil
}

var _ rvjit.Backend = (*Backend)(nil)
