package riscv

import "errors"

// Major opcodes.
const (
	OpLoad    = 0b0000011
	OpLoadFP  = 0b0000111
	OpMiscMem = 0b0001111
	OpOpImm   = 0b0010011
	OpAuipc   = 0b0010111
	OpOpImm32 = 0b0011011
	OpStore   = 0b0100011
	OpStoreFP = 0b0100111
	OpAMO     = 0b0101111
	OpOp      = 0b0110011
	OpLui     = 0b0110111
	OpOp32    = 0b0111011
	OpFMAdd   = 0b1000011
	OpFMSub   = 0b1000111
	OpFNMSub  = 0b1001011
	OpFNMAdd  = 0b1001111
	OpOpFP    = 0b1010011
	OpBranch  = 0b1100011
	OpJalr    = 0b1100111
	OpJal     = 0b1101111
	OpSystem  = 0b1110011
)

func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func rs3(insn uint32) uint32    { return (insn >> 27) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }
func funct2(insn uint32) uint32 { return (insn >> 25) & 0x3 }

func immI(insn uint32) int64 { return signExtend(uint64(insn>>20), 12) }

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 { return signExtend(uint64(insn&0xfffff000), 32) }

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

func shamt(insn uint32) uint32   { return (insn >> 20) & 0x3f }
func shamt32(insn uint32) uint32 { return (insn >> 20) & 0x1f }

// ErrHalt is returned by Step when the guest deliberately halts the
// machine (a store to the configured halt address, used by boot-time
// smoke tests and the SBI "system reset" call).
var ErrHalt = errors.New("riscv: machine halted")

// HaltOnAddr, if non-nil, causes Step to return ErrHalt instead of
// performing a store whose physical address equals *HaltOnAddr. Wired up
// by the dispatcher for headless test fixtures; nil in normal operation.
func (h *Hart) haltsOn(paddr uint64) bool {
	return h.HaltOnAddr != nil && paddr == *h.HaltOnAddr
}

// Step fetches, decodes and executes one instruction, advancing PC and the
// cycle/instret counters, and servicing a pending interrupt first if one is
// enabled (spec §4.7, §5 "hart dispatch loop"). It never blocks: a hart
// parked in WFI with nothing pending returns immediately, leaving the
// dispatcher to decide whether to sleep.
func (h *Hart) Step() error {
	if h.WFI {
		if pending, _ := h.CheckInterrupt(); pending {
			h.WFI = false
		} else {
			return nil
		}
	}
	if pending, cause := h.CheckInterrupt(); pending {
		h.Trap(cause, 0)
		return nil
	}

	pc := h.PC
	paddr, host, err := h.MMU.FastLookup(pc, AccessFetch)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			h.Trap(exc.Cause, pc)
			return nil
		}
		return err
	}

	var raw uint32
	if host != nil {
		raw = uint32(host[0]) | uint32(host[1])<<8 | uint32(host[2])<<16 | uint32(host[3])<<24
	} else {
		v, ok := h.Bus.Read(paddr, 4)
		if !ok {
			h.Trap(CauseInsnAccessFault, pc)
			return nil
		}
		raw = uint32(v)
	}

	insn := raw
	isCompressed := (raw & 0x3) != 0x3
	if isCompressed {
		expanded, err := h.ExpandCompressed(uint16(raw))
		if err != nil {
			if exc, ok := err.(ExceptionError); ok {
				h.Trap(exc.Cause, pc)
				return nil
			}
			return err
		}
		insn = expanded
	}

	oldPC := h.PC
	err = h.Execute(insn)
	if err != nil {
		if errors.Is(err, ErrHalt) {
			return ErrHalt
		}
		if exc, ok := err.(ExceptionError); ok {
			h.PC = oldPC
			h.Trap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	if h.PC == oldPC {
		if isCompressed {
			h.PC += 2
		} else {
			h.PC += 4
		}
	}
	h.Cycle++
	h.Instret++
	return nil
}

// Execute decodes and runs one already-fetched 32-bit instruction word.
// Both the interpreter (via Step) and the RVJIT deoptimization path (when a
// compiled block falls back to the interpreter for an instruction it
// doesn't recognize) call this directly.
func (h *Hart) Execute(insn uint32) error {
	switch opcode(insn) {
	case OpLui:
		h.WriteReg(rd(insn), uint64(immU(insn)))
		return nil
	case OpAuipc:
		h.WriteReg(rd(insn), uint64(int64(h.PC)+immU(insn)))
		return nil
	case OpJal:
		target := uint64(int64(h.PC) + immJ(insn))
		h.WriteReg(rd(insn), h.PC+4)
		h.PC = target
		return nil
	case OpJalr:
		target := (uint64(int64(h.ReadReg(rs1(insn))) + immI(insn))) &^ 1
		h.WriteReg(rd(insn), h.PC+4)
		h.PC = target
		return nil
	case OpBranch:
		return h.execBranch(insn)
	case OpLoad:
		return h.execLoad(insn)
	case OpStore:
		return h.execStore(insn)
	case OpOpImm:
		return h.execOpImm(insn)
	case OpOpImm32:
		return h.execOpImm32(insn)
	case OpOp:
		return h.execOp(insn)
	case OpOp32:
		return h.execOp32(insn)
	case OpMiscMem:
		return h.execMiscMem(insn)
	case OpSystem:
		return h.execSystem(insn)
	case OpAMO:
		f3 := funct3(insn)
		f5 := funct7(insn) >> 2
		return h.ExecAMO(f3, f5, rd(insn), rs1(insn), rs2(insn))
	case OpLoadFP:
		vaddr := uint64(int64(h.ReadReg(rs1(insn))) + immI(insn))
		return h.ExecLoadFP(funct3(insn), rd(insn), vaddr)
	case OpStoreFP:
		vaddr := uint64(int64(h.ReadReg(rs1(insn))) + immS(insn))
		return h.ExecStoreFP(funct3(insn), rs2(insn), vaddr)
	case OpOpFP:
		return h.ExecOpFP(funct7(insn), funct3(insn), rd(insn), rs1(insn), rs2(insn))
	case OpFMAdd, OpFMSub, OpFNMSub, OpFNMAdd:
		isDouble := (funct2(insn) & 1) == 1
		var op uint32
		switch opcode(insn) {
		case OpFMAdd:
			op = OpMadd
		case OpFMSub:
			op = OpMsub
		case OpFNMSub:
			op = OpNmsub
		default:
			op = OpNmadd
		}
		h.ExecFMA(op, isDouble, rd(insn), rs1(insn), rs2(insn), rs3(insn))
		return nil
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
}

func (h *Hart) execBranch(insn uint32) error {
	r1, r2 := h.ReadReg(rs1(insn)), h.ReadReg(rs2(insn))
	var taken bool
	switch funct3(insn) {
	case 0b000:
		taken = r1 == r2
	case 0b001:
		taken = r1 != r2
	case 0b100:
		taken = int64(r1) < int64(r2)
	case 0b101:
		taken = int64(r1) >= int64(r2)
	case 0b110:
		taken = r1 < r2
	case 0b111:
		taken = r1 >= r2
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	if taken {
		h.PC = uint64(int64(h.PC) + immB(insn))
	}
	return nil
}

func (h *Hart) execLoad(insn uint32) error {
	vaddr := uint64(int64(h.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := h.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	f3 := funct3(insn)
	var size int
	switch f3 {
	case 0b000, 0b100:
		size = 1
	case 0b001, 0b101:
		size = 2
	case 0b010, 0b110:
		size = 4
	case 0b011:
		size = 8
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	raw, ok := h.Bus.Read(paddr, size)
	if !ok {
		return Exception(CauseLoadAccessFault, vaddr)
	}

	var val uint64
	switch f3 {
	case 0b000:
		val = uint64(int8(raw))
	case 0b001:
		val = uint64(int16(raw))
	case 0b010:
		val = uint64(int32(raw))
	case 0b011:
		val = raw
	case 0b100, 0b101, 0b110:
		val = raw
	}
	h.WriteReg(rd(insn), val)
	return nil
}

func (h *Hart) execStore(insn uint32) error {
	vaddr := uint64(int64(h.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := h.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}
	if h.haltsOn(paddr) {
		return ErrHalt
	}

	val := h.ReadReg(rs2(insn))
	var size int
	switch funct3(insn) {
	case 0b000:
		size = 1
	case 0b001:
		size = 2
	case 0b010:
		size = 4
	case 0b011:
		size = 8
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	if ok := h.Bus.Write(paddr, size, val); !ok {
		return Exception(CauseStoreAccessFault, vaddr)
	}
	return nil
}

func (h *Hart) execOpImm(insn uint32) error {
	r1 := h.ReadReg(rs1(insn))
	imm := immI(insn)
	sh := shamt(insn)
	if h.XLen == XLEN32 {
		sh &= 0x1f
	}

	var val uint64
	switch funct3(insn) {
	case 0b000:
		val = uint64(int64(r1) + imm)
	case 0b001:
		val = r1 << sh
	case 0b010:
		if int64(r1) < imm {
			val = 1
		}
	case 0b011:
		if r1 < uint64(imm) {
			val = 1
		}
	case 0b100:
		val = r1 ^ uint64(imm)
	case 0b101:
		if (insn>>30)&1 == 1 {
			val = uint64(int64(r1) >> sh)
		} else {
			val = r1 >> sh
		}
	case 0b110:
		val = r1 | uint64(imm)
	case 0b111:
		val = r1 & uint64(imm)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	h.WriteReg(rd(insn), val)
	return nil
}

func (h *Hart) execOpImm32(insn uint32) error {
	r1 := uint32(h.ReadReg(rs1(insn)))
	imm := int32(immI(insn))
	sh := shamt32(insn)

	var val int32
	switch funct3(insn) {
	case 0b000:
		val = int32(r1) + imm
	case 0b001:
		val = int32(r1 << sh)
	case 0b101:
		if (insn>>30)&1 == 1 {
			val = int32(r1) >> sh
		} else {
			val = int32(r1 >> sh)
		}
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	h.WriteReg(rd(insn), uint64(val))
	return nil
}

func (h *Hart) execOp(insn uint32) error {
	r1, r2 := h.ReadReg(rs1(insn)), h.ReadReg(rs2(insn))
	f3, f7 := funct3(insn), funct7(insn)
	if f7 == 0b0000001 {
		return h.execOpM(insn, r1, r2, f3)
	}

	var val uint64
	switch f3 {
	case 0b000:
		if f7 == 0b0100000 {
			val = uint64(int64(r1) - int64(r2))
		} else {
			val = uint64(int64(r1) + int64(r2))
		}
	case 0b001:
		val = r1 << (r2 & shiftMask(h.XLen))
	case 0b010:
		if int64(r1) < int64(r2) {
			val = 1
		}
	case 0b011:
		if r1 < r2 {
			val = 1
		}
	case 0b100:
		val = r1 ^ r2
	case 0b101:
		if f7 == 0b0100000 {
			val = uint64(int64(r1) >> (r2 & shiftMask(h.XLen)))
		} else {
			val = r1 >> (r2 & shiftMask(h.XLen))
		}
	case 0b110:
		val = r1 | r2
	case 0b111:
		val = r1 & r2
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	h.WriteReg(rd(insn), val)
	return nil
}

func shiftMask(xlen XLEN) uint64 {
	if xlen == XLEN32 {
		return 0x1f
	}
	return 0x3f
}

func (h *Hart) execOpM(insn uint32, r1, r2 uint64, f3 uint32) error {
	var val uint64
	switch f3 {
	case 0b000:
		val = uint64(int64(r1) * int64(r2))
	case 0b001:
		hi, _ := mulh64(int64(r1), int64(r2))
		val = uint64(hi)
	case 0b010:
		hi, _ := mulhsu64(int64(r1), r2)
		val = uint64(hi)
	case 0b011:
		hi, _ := mulhu64(r1, r2)
		val = hi
	case 0b100:
		if r2 == 0 {
			val = ^uint64(0)
		} else if r1 == uint64(1)<<63 && r2 == ^uint64(0) {
			val = r1
		} else {
			val = uint64(int64(r1) / int64(r2))
		}
	case 0b101:
		if r2 == 0 {
			val = ^uint64(0)
		} else {
			val = r1 / r2
		}
	case 0b110:
		if r2 == 0 {
			val = r1
		} else if r1 == uint64(1)<<63 && r2 == ^uint64(0) {
			val = 0
		} else {
			val = uint64(int64(r1) % int64(r2))
		}
	case 0b111:
		if r2 == 0 {
			val = r1
		} else {
			val = r1 % r2
		}
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	h.WriteReg(rd(insn), val)
	return nil
}

func (h *Hart) execOp32(insn uint32) error {
	r1, r2 := uint32(h.ReadReg(rs1(insn))), uint32(h.ReadReg(rs2(insn)))
	f3, f7 := funct3(insn), funct7(insn)
	if f7 == 0b0000001 {
		return h.execOp32M(insn, r1, r2, f3)
	}

	var val int32
	switch f3 {
	case 0b000:
		if f7 == 0b0100000 {
			val = int32(r1) - int32(r2)
		} else {
			val = int32(r1) + int32(r2)
		}
	case 0b001:
		val = int32(r1 << (r2 & 0x1f))
	case 0b101:
		if f7 == 0b0100000 {
			val = int32(r1) >> (r2 & 0x1f)
		} else {
			val = int32(r1 >> (r2 & 0x1f))
		}
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	h.WriteReg(rd(insn), uint64(val))
	return nil
}

func (h *Hart) execOp32M(insn uint32, r1, r2 uint32, f3 uint32) error {
	var val int32
	switch f3 {
	case 0b000:
		val = int32(r1) * int32(r2)
	case 0b100:
		if r2 == 0 {
			val = -1
		} else if r1 == uint32(1)<<31 && r2 == ^uint32(0) {
			val = int32(r1)
		} else {
			val = int32(r1) / int32(r2)
		}
	case 0b101:
		if r2 == 0 {
			val = -1
		} else {
			val = int32(r1 / r2)
		}
	case 0b110:
		if r2 == 0 {
			val = int32(r1)
		} else if r1 == uint32(1)<<31 && r2 == ^uint32(0) {
			val = 0
		} else {
			val = int32(r1) % int32(r2)
		}
	case 0b111:
		if r2 == 0 {
			val = int32(r1)
		} else {
			val = int32(r1 % r2)
		}
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	h.WriteReg(rd(insn), uint64(val))
	return nil
}

func mulhu64(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xFFFFFFFF
	a0, a1 := a&mask32, a>>32
	b0, b1 := b&mask32, b>>32
	p0 := a0 * b0
	p1 := a0 * b1
	p2 := a1 * b0
	p3 := a1 * b1
	carry := ((p0 >> 32) + (p1 & mask32) + (p2 & mask32)) >> 32
	hi = p3 + (p1 >> 32) + (p2 >> 32) + carry
	lo = a * b
	return hi, lo
}

func mulh64(a, b int64) (int64, uint64) {
	neg := (a < 0) != (b < 0)
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}
	hi, lo := mulhu64(ua, ub)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}

func mulhsu64(a int64, b uint64) (int64, uint64) {
	neg := a < 0
	ua := uint64(a)
	if a < 0 {
		ua = uint64(-a)
	}
	hi, lo := mulhu64(ua, b)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}

func (h *Hart) execMiscMem(insn uint32) error {
	switch funct3(insn) {
	case 0b000: // FENCE: harts run on separate goroutines but share one
		// Bus, so ordinary Go memory ordering through the guarded
		// reservation/MMIO paths already gives the guest what it needs.
	case 0b001: // FENCE.I: the JIT-TLB is invalidated by the dispatcher
		// whenever a store lands in a region holding compiled code, not
		// here; a plain FENCE.I in the interpreter is a no-op.
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	return nil
}

func (h *Hart) execSystem(insn uint32) error {
	f3 := funct3(insn)
	csr := uint16(insn >> 20)
	rdReg, rs1Reg := rd(insn), rs1(insn)

	if f3 == 0 {
		switch insn {
		case 0x00000073: // ECALL
			switch h.Priv {
			case PrivUser:
				return Exception(CauseEcallFromU, 0)
			case PrivSupervisor:
				return Exception(CauseEcallFromS, 0)
			default:
				return Exception(CauseEcallFromM, 0)
			}
		case 0x00100073: // EBREAK
			return Exception(CauseBreakpoint, h.PC)
		case 0x30200073: // MRET
			return h.TrapReturn(true)
		case 0x10200073: // SRET
			return h.TrapReturn(false)
		case 0x10500073: // WFI
			h.WFI = true
			return nil
		default:
			if (insn >> 25) == 0b0001001 { // SFENCE.VMA
				rs1Val := h.ReadReg(rs1Reg)
				if rs1Reg == 0 {
					h.MMU.FlushTLB()
				} else {
					h.MMU.FlushTLBEntry(rs1Val)
				}
				return nil
			}
			return Exception(CauseIllegalInsn, uint64(insn))
		}
	}

	rs1Val := h.ReadReg(rs1Reg)
	if f3 >= 5 {
		rs1Val = uint64(rs1Reg)
	}

	csrVal, err := h.CSRRead(csr)
	if err != nil {
		return err
	}

	var writeVal uint64
	var doWrite bool
	switch f3 & 3 {
	case 1:
		writeVal, doWrite = rs1Val, true
	case 2:
		writeVal, doWrite = csrVal|rs1Val, rs1Reg != 0
	case 3:
		writeVal, doWrite = csrVal&^rs1Val, rs1Reg != 0
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	if doWrite {
		if err := h.CSRWrite(csr, writeVal); err != nil {
			return err
		}
	}
	h.WriteReg(rdReg, csrVal)
	return nil
}
