package dispatch

import (
	"encoding/binary"
	"fmt"

	"github.com/nanorv/rvvm/internal/rvjit"
)

// buildTrampolineShim returns a few instructions of raw host machine code
// that adapt a finalized block's tail-exit convention into a call to the
// Go dispatcher (spec §4.6's "dispatchTrampoline"). Each RVJIT backend
// carries the guest register file pointer in its own argReg and the exit
// value (a guest PC, or a host code pointer once PatchTailLink has run) in
// its own dataReg -- chosen per backend as a scratch register outside the
// allocator's pool, not necessarily a platform ABI argument register.
// The shim moves those two values into the host C calling convention's
// first two integer argument registers and jumps to callback, which is a
// purego.NewCallback stub wrapping dispatcher.onTailExit.
//
// Blocks reach the shim by jmp, not call, so it must be stack-neutral: the
// original Dispatcher.invoke call's return address is still sitting where
// that call left it. The shim only moves registers and never touches the
// stack, and purego's generated callback stub ends in an ordinary
// function return, so jumping into it here unwinds exactly as if the
// original block invocation itself had returned -- back out to
// Dispatcher.invoke, which reads the hart's updated PC and continues the
// dispatch loop.
func buildTrampolineShim(arch rvjit.Arch, callback uintptr) ([]byte, error) {
	switch arch {
	case rvjit.ArchAMD64:
		return amd64Shim(callback), nil
	case rvjit.ArchARM64:
		return arm64Shim(callback), nil
	case rvjit.ArchRISCV:
		return riscvShim(callback), nil
	case rvjit.ArchARMv7:
		return armv7Shim(callback), nil
	default:
		return nil, fmt.Errorf("dispatch: no trampoline shim for %s", arch)
	}
}

// amd64Shim: argReg=RDI (already the first SysV integer argument),
// dataReg=RBP. Moves RBP into RSI (the second argument) and jumps to
// callback through R11, the same link register convention the backend's
// own tail exits use.
func amd64Shim(callback uintptr) []byte {
	code := make([]byte, 0, 16)
	code = append(code, 0x48, 0x89, 0xEE) // mov rsi, rbp
	code = append(code, 0x49, 0xBB)       // movabs r11, imm64
	code = binary.LittleEndian.AppendUint64(code, uint64(callback))
	code = append(code, 0x41, 0xFF, 0xE3) // jmp r11
	return code
}

// arm64Shim: argReg=X0, dataReg=X16. Moves X16 into X1 and branches to
// callback through X17, mirroring the backend's own linkReg.
func arm64Shim(callback uintptr) []byte {
	const (
		dataReg = 16
		linkReg = 17
	)
	movX1X16 := uint32(0xAA0003E0) | uint32(dataReg)<<16 | 1 // MOV X1, X16
	code := make([]byte, 0, 20)
	code = binary.LittleEndian.AppendUint32(code, movX1X16)
	for hw := uint32(0); hw < 4; hw++ {
		imm16 := uint16(callback >> (hw * 16))
		op := uint32(0xD2800000)
		if hw != 0 {
			op = 0xF2800000 // MOVK for every chunk after the first MOVZ
		}
		code = binary.LittleEndian.AppendUint32(code, op|hw<<21|uint32(imm16)<<5|linkReg)
	}
	code = binary.LittleEndian.AppendUint32(code, 0xD61F0000|uint32(linkReg)<<5) // BR X17
	return code
}

// riscvShim: argReg=x10/a0, dataReg=x30/t5. Moves t5 into a1 (the second
// integer argument) and jumps to callback through x31/t6.
func riscvShim(callback uintptr) []byte {
	const (
		dataReg = 30 // t5
		a1      = 11
		linkReg = 31 // t6
	)
	code := make([]byte, 0, 64)
	encI := func(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
		return (uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
	}
	const opAluImm = 0x13
	code = binary.LittleEndian.AppendUint32(code, encI(0, dataReg, 0, a1, opAluImm)) // mv a1, t5

	byteAt := func(n uint) int32 { return int32((callback >> (n * 8)) & 0xFF) }
	code = binary.LittleEndian.AppendUint32(code, encI(byteAt(7), 0, 0, linkReg, opAluImm))
	for n := 6; n >= 0; n-- {
		code = binary.LittleEndian.AppendUint32(code, encI(8, linkReg, 1, linkReg, opAluImm)) // slli t6,t6,8
		code = binary.LittleEndian.AppendUint32(code, encI(byteAt(uint(n)), linkReg, 0, linkReg, opAluImm))
	}
	code = binary.LittleEndian.AppendUint32(code, encI(0, linkReg, 0, 0, 0x67)) // jalr x0, 0(t6)
	return code
}

// armv7Shim: argReg=R0, dataReg=R8. Moves R8 into R1 and branches to
// callback through R10 (this backend's immScratch register, reused here
// since the shim is a standalone leaf sequence with no block state of its
// own to protect).
func armv7Shim(callback uintptr) []byte {
	const (
		dataReg = 8
		linkReg = 10
		condAL  = 0xE
	)
	code := make([]byte, 0, 16)
	movR1R8 := uint32(condAL)<<28 | 0xD<<21 | 1<<12 | uint32(dataReg) // MOV R1, R8
	code = binary.LittleEndian.AppendUint32(code, movR1R8)
	movw := uint32(condAL)<<28 | 0x30<<20 | uint32(uint16(callback)>>12)<<16 | uint32(linkReg)<<12 | uint32(uint16(callback)&0xFFF)
	movt := uint32(condAL)<<28 | 0x34<<20 | uint32(uint16(callback>>16)>>12)<<16 | uint32(linkReg)<<12 | uint32(uint16(callback>>16)&0xFFF)
	code = binary.LittleEndian.AppendUint32(code, movw)
	code = binary.LittleEndian.AppendUint32(code, movt)
	code = binary.LittleEndian.AppendUint32(code, uint32(condAL)<<28|0x12FFF1<<4|uint32(linkReg)) // BX R10
	return code
}
