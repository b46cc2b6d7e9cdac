// Package amd64 is the x86-64 RVJIT backend (spec §4.5 "RVJIT backends").
// It lowers a straight-line Builder (ALU/shift/compare ops plus one of the
// three block-ending Exit kinds) into raw x86-64 machine code. Loads and
// stores are declined (rvjit.ErrUnsupportedOp) since inlining the guest TLB
// fast path into hand-emitted code would require a stable calling
// convention into the Go runtime that this backend does not attempt; the
// dispatcher falls back to the interpreter for those instructions exactly
// as spec.md §4.3 anticipates ("any instruction the JIT declines to emit
// falls back to it").
package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/nanorv/rvvm/internal/rvjit"
)

// Host register encoding, identical to the x86-64 ModRM/REX numbering.
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// argReg carries the *[32]uint64 guest integer register file for the life
// of the block (first SysV AMD64 integer argument).
const argReg = RDI

// linkReg holds the dispatch trampoline's address across a block exit; it
// is never handed to the allocator.
const linkReg = R11

// dataReg holds the patchable destination value (a guest PC until
// PatchTailLink rewrites it to a host code pointer) across a block exit.
// RBP is otherwise unused by this backend — these blocks keep no stack
// frame of their own — so, like linkReg, it is never handed to the
// allocator.
const dataReg = RBP

// scratchShift is reserved for shift-amount operands, which x86 requires in
// CL; excluding it from the allocator's pool means a shift never needs to
// evict a live guest-register mapping to make room for it.
const scratchShift = RCX

func bit(r int) uint32 { return 1 << uint(r) }

// Backend implements rvjit.Backend for linux/amd64 hosts.
type Backend struct{}

func New() *Backend { return &Backend{} }

func init() {
	rvjit.Register(New())
}

func (bk *Backend) Arch() rvjit.Arch { return rvjit.ArchAMD64 }

func (bk *Backend) DefaultHRegMask() uint32 {
	return bit(RAX) | bit(RDX) | bit(RSI) | bit(R8) | bit(R9) | bit(R10)
}

func (bk *Backend) ABIReclaimHRegMask() uint32 {
	return bit(RBX) | bit(R12) | bit(R13) | bit(R14) | bit(R15)
}

// ZeroHReg reports that amd64 has no hard-wired zero register (spec §9
// "host zero register asymmetry"); guest x0 is materialized with an
// explicit xor on every use instead.
func (bk *Backend) ZeroHReg() int { return -1 }

type emitter struct {
	code []byte
}

func (e *emitter) pos() int { return len(e.code) }

func (e *emitter) emit(b ...byte) { e.code = append(e.code, b...) }

func (e *emitter) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.code = append(e.code, buf[:]...)
}

func (e *emitter) emitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	e.code = append(e.code, buf[:]...)
}

func hi(reg int) bool { return reg >= 8 }
func lo3(reg int) byte { return byte(reg & 7) }

func rexPrefix(w, r, x, b bool) byte {
	if !w && !r && !x && !b {
		return 0
	}
	p := byte(0x40)
	if w {
		p |= 0x08
	}
	if r {
		p |= 0x04
	}
	if x {
		p |= 0x02
	}
	if b {
		p |= 0x01
	}
	return p
}

func (e *emitter) movRegImm64(dst int, imm int64) (immSite int) {
	p := rexPrefix(true, false, false, hi(dst))
	e.emit(p, 0xB8+lo3(dst))
	immSite = e.pos()
	e.emitU64(uint64(imm))
	return
}

func (e *emitter) movRegReg(dst, src int) {
	e.emit(rexPrefix(true, hi(src), false, hi(dst)), 0x89, 0xC0|(lo3(src)<<3)|lo3(dst))
}

func (e *emitter) loadFromXArray(dst int, vreg uint8) {
	e.emit(rexPrefix(true, hi(dst), false, false), 0x8B, 0x80|(lo3(dst)<<3)|lo3(argReg))
	e.emitU32(uint32(vreg) * 8)
}

func (e *emitter) storeToXArray(vreg uint8, src int) {
	e.emit(rexPrefix(true, hi(src), false, false), 0x89, 0x80|(lo3(src)<<3)|lo3(argReg))
	e.emitU32(uint32(vreg) * 8)
}

// aluRegReg emits `dst <op>= src`, sign-extending the 32-bit result when w
// is Width32 (RV64's *W instructions define their result as sign-extended,
// while the matching x86 32-bit form only zero-extends).
func (e *emitter) aluRegReg(opcode byte, dst, src int, w rvjit.Width) {
	wide := w == rvjit.Width64
	e.emit(rexPrefix(wide, hi(src), false, hi(dst)), opcode, 0xC0|(lo3(src)<<3)|lo3(dst))
	if !wide {
		e.movsxd(dst, dst)
	}
}

func (e *emitter) movsxd(dst, src int) {
	e.emit(rexPrefix(true, hi(dst), false, hi(src)), 0x63, 0xC0|(lo3(dst)<<3)|lo3(src))
}

const (
	aluAdd byte = 0
	aluOr  byte = 1
	aluAnd byte = 4
	aluSub byte = 5
	aluXor byte = 6
	aluCmp byte = 7
)

func (e *emitter) aluRegImm32(sub byte, dst int, imm int32, w rvjit.Width) {
	wide := w == rvjit.Width64
	e.emit(rexPrefix(wide, false, false, hi(dst)), 0x81, 0xC0|(sub<<3)|lo3(dst))
	e.emitU32(uint32(imm))
	if !wide {
		e.movsxd(dst, dst)
	}
}

func (e *emitter) cmpRegReg(a, b int) {
	e.emit(rexPrefix(true, hi(b), false, hi(a)), 0x39, 0xC0|(lo3(b)<<3)|lo3(a))
}

func (e *emitter) shiftRegImm(sub byte, dst int, count uint8, w rvjit.Width) {
	wide := w == rvjit.Width64
	e.emit(rexPrefix(wide, false, false, hi(dst)), 0xC1, 0xC0|(sub<<3)|lo3(dst), count)
	if !wide {
		e.movsxd(dst, dst)
	}
}

func (e *emitter) shiftRegCL(sub byte, dst int, w rvjit.Width) {
	wide := w == rvjit.Width64
	e.emit(rexPrefix(wide, false, false, hi(dst)), 0xD3, 0xC0|(sub<<3)|lo3(dst))
	if !wide {
		e.movsxd(dst, dst)
	}
}

// setccAndExtend materializes a boolean flag result into dst64: SETcc into
// dst's low byte, then MOVZX to clear the upper bits. RSP/RBP/RSI/RDI need
// a REX prefix to address their low byte instead of aliasing AH/CH/DH/BH.
func (e *emitter) setccAndExtend(cc byte, dst int) {
	p := rexPrefix(false, false, false, hi(dst))
	if p == 0 && dst >= 4 && dst <= 7 {
		p = 0x40 // bare REX: selects SIL/DIL/BPL/SPL instead of AH/CH/DH/BH
	}
	if p != 0 {
		e.emit(p)
	}
	e.emit(0x0F, 0x90+cc, 0xC0|lo3(dst))
	e.emit(rexPrefix(true, hi(dst), false, hi(dst)), 0x0F, 0xB6, 0xC0|(lo3(dst)<<3)|lo3(dst))
}

const (
	ccL byte = 0xC // SETL: signed less-than
	ccB byte = 0x2 // SETB: unsigned below
)

func (e *emitter) jmpReg(reg int) {
	if p := rexPrefix(false, false, false, hi(reg)); p != 0 {
		e.emit(p)
	}
	e.emit(0xFF, 0xE0|lo3(reg))
}

// --- register allocation glue ---

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
		e.aluRegReg(aluXorOpcode(), hreg, hreg, rvjit.Width64)
	} else {
		e.loadFromXArray(hreg, vreg)
	}
	alloc.Map(vreg, hreg, false)
	alloc.Touch(vreg)
	return hreg
}

func aluXorOpcode() byte { return 0x31 }

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

func regRegOpcode(op rvjit.OpKind) byte {
	switch op {
	case rvjit.OpAddRR:
		return 0x01
	case rvjit.OpSubRR:
		return 0x29
	case rvjit.OpAndRR:
		return 0x21
	case rvjit.OpOrRR:
		return 0x09
	case rvjit.OpXorRR:
		return 0x31
	default:
		return 0
	}
}

func immOpcode(op rvjit.OpKind) byte {
	switch op {
	case rvjit.OpAddRI:
		return aluAdd
	case rvjit.OpAndRI:
		return aluAnd
	case rvjit.OpOrRI:
		return aluOr
	case rvjit.OpXorRI:
		return aluXor
	default:
		return 0
	}
}

// Emit lowers b into host machine code. See the package doc comment for the
// memory-op fallback policy.
func (bk *Backend) Emit(b *rvjit.Builder, dispatchTrampoline uintptr) (rvjit.CodeBlock, error) {
	alloc := rvjit.NewAllocator(bk.DefaultHRegMask(), bk.ABIReclaimHRegMask(), bk.ZeroHReg())
	e := &emitter{}

	for _, in := range b.Instructions() {
		switch in.Op {
		case rvjit.OpLabel:
			continue
		case rvjit.OpLi:
			dst := e.destRegister(alloc, in.Dst)
			e.movRegImm64(dst, in.Imm)
		case rvjit.OpMov:
			if in.Dst == in.Src1 {
				continue
			}
			src := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.movRegReg(dst, src)
		case rvjit.OpAddRR, rvjit.OpSubRR, rvjit.OpAndRR, rvjit.OpOrRR, rvjit.OpXorRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			if dst != src1 {
				e.movRegReg(dst, src1)
			}
			e.aluRegReg(regRegOpcode(in.Op), dst, src2, in.Width)
		case rvjit.OpAddRI, rvjit.OpAndRI, rvjit.OpOrRI, rvjit.OpXorRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			if dst != src1 {
				e.movRegReg(dst, src1)
			}
			e.aluRegImm32(immOpcode(in.Op), dst, int32(in.Imm), in.Width)
		case rvjit.OpSllRI, rvjit.OpSrlRI, rvjit.OpSraRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			if dst != src1 {
				e.movRegReg(dst, src1)
			}
			e.shiftRegImm(shiftSubcode(in.Op), dst, uint8(in.Imm), in.Width)
		case rvjit.OpSllRR, rvjit.OpSrlRR, rvjit.OpSraRR:
			src1 := e.materialize(alloc, in.Src1)
			if hreg, ok := alloc.Lookup(in.Src2); ok {
				e.movRegReg(scratchShift, hreg)
			} else {
				e.loadFromXArray(scratchShift, in.Src2)
			}
			dst := e.destRegister(alloc, in.Dst)
			if dst != src1 {
				e.movRegReg(dst, src1)
			}
			e.shiftRegCL(shiftSubcodeRR(in.Op), dst, in.Width)
		case rvjit.OpSltRR, rvjit.OpSltuRR:
			src1 := e.materialize(alloc, in.Src1)
			src2 := e.materialize(alloc, in.Src2)
			dst := e.destRegister(alloc, in.Dst)
			e.cmpRegReg(src1, src2)
			cc := ccL
			if in.Op == rvjit.OpSltuRR {
				cc = ccB
			}
			e.setccAndExtend(cc, dst)
		case rvjit.OpSltRI, rvjit.OpSltuRI:
			src1 := e.materialize(alloc, in.Src1)
			dst := e.destRegister(alloc, in.Dst)
			e.aluRegImm32NoWriteback(aluCmp, src1, int32(in.Imm))
			cc := ccL
			if in.Op == rvjit.OpSltuRI {
				cc = ccB
			}
			e.setccAndExtend(cc, dst)
		case rvjit.OpLoad, rvjit.OpStore:
			return rvjit.CodeBlock{}, rvjit.ErrUnsupportedOp
		default:
			return rvjit.CodeBlock{}, fmt.Errorf("amd64: unhandled op %v", in.Op)
		}
	}

	exit := b.GetExit()
	if exit == nil {
		return rvjit.CodeBlock{}, fmt.Errorf("amd64: block has no exit")
	}

	var links []rvjit.PendingLink
	switch exit.Kind {
	case rvjit.ExitTail:
		links = append(links, e.emitTailExit(rvjit.LinkTail, alloc, exit.TakenPC, dispatchTrampoline))
	case rvjit.ExitBranch:
		src1 := e.materialize(alloc, exit.Src1)
		src2 := e.materialize(alloc, exit.Src2)
		e.cmpRegReg(src1, src2)
		jccSite := e.emitJcc(jccCode(exit.Cond))
		takenLink := e.emitTailExit(rvjit.LinkBranchTaken, alloc, exit.TakenPC, dispatchTrampoline)
		notTakenStart := e.pos()
		rvjit.ApplyRel8(e.code, jccSite, notTakenStart)
		notTakenLink := e.emitTailExit(rvjit.LinkBranchNotTaken, alloc, exit.NotTakenPC, dispatchTrampoline)
		links = append(links, takenLink, notTakenLink)
	case rvjit.ExitIndirect:
		base := e.materialize(alloc, exit.IndirectReg)
		target, evicted, needSpill, hadEviction := alloc.ClaimHReg()
		if hadEviction && needSpill {
			e.storeToXArray(evicted, target)
		}
		e.movRegReg(target, base)
		if exit.IndirectOff != 0 {
			e.aluRegImm32(aluAdd, target, int32(exit.IndirectOff), rvjit.Width64)
		}
		e.aluRegImm32(aluAnd, target, -2, rvjit.Width64)
		e.writebackAll(alloc)
		if target != dataReg {
			e.movRegReg(dataReg, target)
		}
		e.movRegImm64(linkReg, int64(dispatchTrampoline))
		e.jmpReg(linkReg)
	default:
		return rvjit.CodeBlock{}, fmt.Errorf("amd64: unknown exit kind %v", exit.Kind)
	}

	return rvjit.CodeBlock{Code: e.code, Links: links}, nil
}

// aluRegImm32NoWriteback emits CMP dst, imm32 without the sign-extension
// movsxd tail aluRegImm32 adds for ALU writes (CMP does not write dst).
func (e *emitter) aluRegImm32NoWriteback(sub byte, dst int, imm int32) {
	e.emit(rexPrefix(true, false, false, hi(dst)), 0x81, 0xC0|(sub<<3)|lo3(dst))
	e.emitU32(uint32(imm))
}

func (e *emitter) emitTailExit(kind rvjit.LinkKind, alloc *rvjit.Allocator, destPC uint64, trampoline uintptr) rvjit.PendingLink {
	pcSite := e.movRegImm64(dataReg, int64(destPC))
	e.movRegImm64(linkReg, int64(trampoline))
	e.writebackAll(alloc)
	jmpSite := e.pos()
	e.jmpReg(linkReg)
	return rvjit.PendingLink{Kind: kind, DestPC: destPC, Site: pcSite, JmpSite: jmpSite}
}

// emitJcc emits a short (rel8) Jcc with a zero placeholder displacement and
// returns the byte offset of that displacement for later patching.
func (e *emitter) emitJcc(cc byte) (site int) {
	e.emit(0x70+cc, 0x00)
	return e.pos() - 1
}

func jccCode(cond rvjit.BranchCond) byte {
	// Jcc encodes the condition that must hold to take the branch; since
	// emitJcc's displacement always targets the *not-taken* fallthrough
	// (the taken path is emitted inline first), invert every condition.
	switch cond {
	case rvjit.BrEq:
		return 0x5 // JNE
	case rvjit.BrNe:
		return 0x4 // JE
	case rvjit.BrLt:
		return 0xD // JGE
	case rvjit.BrGe:
		return 0xC // JL
	case rvjit.BrLtu:
		return 0x3 // JAE
	case rvjit.BrGeu:
		return 0x2 // JB
	default:
		return 0x5
	}
}

func shiftSubcode(op rvjit.OpKind) byte {
	switch op {
	case rvjit.OpSllRI:
		return 4
	case rvjit.OpSrlRI:
		return 5
	case rvjit.OpSraRI:
		return 7
	default:
		return 4
	}
}

func shiftSubcodeRR(op rvjit.OpKind) byte {
	switch op {
	case rvjit.OpSllRR:
		return 4
	case rvjit.OpSrlRR:
		return 5
	case rvjit.OpSraRR:
		return 7
	default:
		return 4
	}
}

// PatchTailLink overwrites a previously emitted tail-exit sequence so it
// jumps straight to dest instead of through the dispatcher trampoline. Both
// the immediate (now a host pointer instead of a guest PC) and the final
// jmp's operand register change, but every instruction keeps its original
// length, so no surrounding code needs to move (spec §4.6).
func (bk *Backend) PatchTailLink(code []byte, link rvjit.PendingLink, dest uintptr) error {
	if link.Site < 0 || link.Site+8 > len(code) {
		return fmt.Errorf("amd64: link site out of range")
	}
	if link.JmpSite < 0 || link.JmpSite+3 > len(code) {
		return fmt.Errorf("amd64: link jmp site out of range")
	}
	binary.LittleEndian.PutUint64(code[link.Site:], uint64(dest))
	code[link.JmpSite+0] = 0x90 // NOP: the REX.B prefix on "jmp r11" is no
	code[link.JmpSite+1] = 0xFF // longer needed once the target is "jmp rbp"
	code[link.JmpSite+2] = 0xE5
	return nil
}

var _ rvjit.Backend = (*Backend)(nil)
