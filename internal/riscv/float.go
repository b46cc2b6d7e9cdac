package riscv

import "math"

// Floating point rounding modes (frm field / funct3 of an FP instruction).
const (
	RoundNearestEven = 0
	RoundToZero      = 1
	RoundDown        = 2
	RoundUp          = 3
	RoundNearestMax  = 4
	RoundDynamic     = 7
)

// Floating point accrued exception flags (fflags).
const (
	FlagNX = 1 << 0 // inexact
	FlagUF = 1 << 1 // underflow
	FlagOF = 1 << 2 // overflow
	FlagDZ = 1 << 3 // divide by zero
	FlagNV = 1 << 4 // invalid operation
)

// Fused multiply-add opcodes, shared between execute.go's decode and
// ExecFMA below.
const (
	OpMadd = iota
	OpMsub
	OpNmsub
	OpNmadd
)

// f32ToU64 NaN-boxes a single-precision value into the 64-bit F register
// file per the F/D extension's NaN-boxing rule.
func f32ToU64(f float32) uint64 {
	return 0xffffffff00000000 | uint64(math.Float32bits(f))
}

func u64ToF32(val uint64) float32 {
	if (val >> 32) != 0xffffffff {
		return float32(math.NaN())
	}
	return math.Float32frombits(uint32(val))
}

func f64ToU64(f float64) uint64 { return math.Float64bits(f) }
func u64ToF64(val uint64) float64 { return math.Float64frombits(val) }

// ExecLoadFP implements FLW/FLD. vaddr is rs1 + the decoded I-immediate.
func (h *Hart) ExecLoadFP(width3 uint32, rdReg uint32, vaddr uint64) error {
	switch width3 {
	case 0b010:
		paddr, err := h.MMU.TranslateRead(vaddr)
		if err != nil {
			return err
		}
		val, ok := h.Bus.Read(paddr, 4)
		if !ok {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		h.F[rdReg] = f32ToU64(math.Float32frombits(uint32(val)))
	case 0b011:
		paddr, err := h.MMU.TranslateRead(vaddr)
		if err != nil {
			return err
		}
		val, ok := h.Bus.Read(paddr, 8)
		if !ok {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		h.F[rdReg] = val
	default:
		return Exception(CauseIllegalInsn, 0)
	}
	h.setFS(3)
	return nil
}

// ExecStoreFP implements FSW/FSD. vaddr is rs1 + the decoded S-immediate.
func (h *Hart) ExecStoreFP(width3 uint32, rs2Reg uint32, vaddr uint64) error {
	switch width3 {
	case 0b010:
		paddr, err := h.MMU.TranslateWrite(vaddr)
		if err != nil {
			return err
		}
		if ok := h.Bus.Write(paddr, 4, uint64(uint32(h.F[rs2Reg]))); !ok {
			return Exception(CauseStoreAccessFault, vaddr)
		}
	case 0b011:
		paddr, err := h.MMU.TranslateWrite(vaddr)
		if err != nil {
			return err
		}
		if ok := h.Bus.Write(paddr, 8, h.F[rs2Reg]); !ok {
			return Exception(CauseStoreAccessFault, vaddr)
		}
	default:
		return Exception(CauseIllegalInsn, 0)
	}
	return nil
}

// ExecOpFP implements the OP-FP major opcode: arithmetic, sign-injection,
// min/max, compares, conversions and register moves for both F and D.
func (h *Hart) ExecOpFP(funct7, funct3, rdReg, rs1Reg, rs2Reg uint32) error {
	isDouble := (funct7 & 1) == 1

	switch funct7 >> 2 {
	case 0b00000: // FADD
		h.binOpFP(isDouble, rdReg, rs1Reg, rs2Reg, func(a, b float64) float64 { return a + b })
	case 0b00001: // FSUB
		h.binOpFP(isDouble, rdReg, rs1Reg, rs2Reg, func(a, b float64) float64 { return a - b })
	case 0b00010: // FMUL
		h.binOpFP(isDouble, rdReg, rs1Reg, rs2Reg, func(a, b float64) float64 { return a * b })
	case 0b00011: // FDIV
		h.binOpFP(isDouble, rdReg, rs1Reg, rs2Reg, func(a, b float64) float64 { return a / b })
	case 0b01011: // FSQRT
		h.binOpFP(isDouble, rdReg, rs1Reg, rs1Reg, func(a, _ float64) float64 { return math.Sqrt(a) })
	case 0b00100: // FSGNJ/FSGNJN/FSGNJX
		return h.execFSGNJ(isDouble, funct3, rdReg, rs1Reg, rs2Reg)
	case 0b00101: // FMIN/FMAX
		h.execFMinMax(isDouble, funct3, rdReg, rs1Reg, rs2Reg)
	case 0b10100: // FEQ/FLT/FLE
		return h.execFCompare(isDouble, funct3, rdReg, rs1Reg, rs2Reg)
	case 0b11000: // FCVT.W/WU/L/LU.S/D
		return h.execFCVTToInt(isDouble, rdReg, rs1Reg, rs2Reg)
	case 0b11010: // FCVT.S/D.W/WU/L/LU
		h.execFCVTFromInt(isDouble, rdReg, rs1Reg, rs2Reg)
	case 0b11100: // FMV.X.W/D, FCLASS
		return h.execFMVToIntOrClass(isDouble, funct3, rdReg, rs1Reg)
	case 0b11110: // FMV.W/D.X
		h.execFMVFromInt(isDouble, rdReg, rs1Reg)
		return nil
	case 0b01000: // FCVT.S.D / FCVT.D.S
		if isDouble {
			h.F[rdReg] = f64ToU64(float64(u64ToF32(h.F[rs1Reg])))
		} else {
			h.F[rdReg] = f32ToU64(float32(u64ToF64(h.F[rs1Reg])))
		}
		h.setFS(3)
	default:
		return Exception(CauseIllegalInsn, 0)
	}
	return nil
}

func (h *Hart) binOpFP(isDouble bool, rdReg, rs1Reg, rs2Reg uint32, op func(a, b float64) float64) {
	if isDouble {
		h.F[rdReg] = f64ToU64(op(u64ToF64(h.F[rs1Reg]), u64ToF64(h.F[rs2Reg])))
	} else {
		a, b := float64(u64ToF32(h.F[rs1Reg])), float64(u64ToF32(h.F[rs2Reg]))
		h.F[rdReg] = f32ToU64(float32(op(a, b)))
	}
	h.setFS(3)
}

func (h *Hart) execFSGNJ(isDouble bool, funct3, rdReg, rs1Reg, rs2Reg uint32) error {
	if isDouble {
		a, b := h.F[rs1Reg], h.F[rs2Reg]
		signB := b & (1 << 63)
		switch funct3 {
		case 0b000:
			h.F[rdReg] = (a &^ (1 << 63)) | signB
		case 0b001:
			h.F[rdReg] = (a &^ (1 << 63)) | (^signB & (1 << 63))
		case 0b010:
			h.F[rdReg] = (a &^ (1 << 63)) | ((a & (1 << 63)) ^ signB)
		default:
			return Exception(CauseIllegalInsn, 0)
		}
	} else {
		a, b := uint32(h.F[rs1Reg]), uint32(h.F[rs2Reg])
		signB := b & (1 << 31)
		var result uint32
		switch funct3 {
		case 0b000:
			result = (a &^ (1 << 31)) | signB
		case 0b001:
			result = (a &^ (1 << 31)) | (^signB & (1 << 31))
		case 0b010:
			result = (a &^ (1 << 31)) | ((a & (1 << 31)) ^ signB)
		default:
			return Exception(CauseIllegalInsn, 0)
		}
		h.F[rdReg] = f32ToU64(math.Float32frombits(result))
	}
	h.setFS(3)
	return nil
}

func (h *Hart) execFMinMax(isDouble bool, funct3, rdReg, rs1Reg, rs2Reg uint32) {
	if isDouble {
		a, b := u64ToF64(h.F[rs1Reg]), u64ToF64(h.F[rs2Reg])
		if funct3 == 0b000 {
			h.F[rdReg] = f64ToU64(math.Min(a, b))
		} else {
			h.F[rdReg] = f64ToU64(math.Max(a, b))
		}
	} else {
		a, b := float64(u64ToF32(h.F[rs1Reg])), float64(u64ToF32(h.F[rs2Reg]))
		if funct3 == 0b000 {
			h.F[rdReg] = f32ToU64(float32(math.Min(a, b)))
		} else {
			h.F[rdReg] = f32ToU64(float32(math.Max(a, b)))
		}
	}
	h.setFS(3)
}

func (h *Hart) execFCompare(isDouble bool, funct3, rdReg, rs1Reg, rs2Reg uint32) error {
	var a, b float64
	if isDouble {
		a, b = u64ToF64(h.F[rs1Reg]), u64ToF64(h.F[rs2Reg])
	} else {
		a, b = float64(u64ToF32(h.F[rs1Reg])), float64(u64ToF32(h.F[rs2Reg]))
	}
	var result uint64
	switch funct3 {
	case 0b010:
		if a == b {
			result = 1
		}
	case 0b001:
		if a < b {
			result = 1
		}
	case 0b000:
		if a <= b {
			result = 1
		}
	default:
		return Exception(CauseIllegalInsn, 0)
	}
	h.WriteReg(rdReg, result)
	return nil
}

func (h *Hart) execFCVTToInt(isDouble bool, rdReg, rs1Reg, rs2Reg uint32) error {
	var a float64
	if isDouble {
		a = u64ToF64(h.F[rs1Reg])
	} else {
		a = float64(u64ToF32(h.F[rs1Reg]))
	}
	var result int64
	switch rs2Reg {
	case 0b00000:
		result = int64(int32(a))
	case 0b00001:
		result = int64(int32(uint32(a)))
	case 0b00010:
		result = int64(a)
	case 0b00011:
		result = int64(uint64(a))
	default:
		return Exception(CauseIllegalInsn, 0)
	}
	h.WriteReg(rdReg, uint64(result))
	return nil
}

func (h *Hart) execFCVTFromInt(isDouble bool, rdReg, rs1Reg, rs2Reg uint32) {
	iv := h.ReadReg(rs1Reg)
	if isDouble {
		var result float64
		switch rs2Reg {
		case 0b00000:
			result = float64(int32(iv))
		case 0b00001:
			result = float64(uint32(iv))
		case 0b00010:
			result = float64(int64(iv))
		case 0b00011:
			result = float64(iv)
		}
		h.F[rdReg] = f64ToU64(result)
	} else {
		var result float32
		switch rs2Reg {
		case 0b00000:
			result = float32(int32(iv))
		case 0b00001:
			result = float32(uint32(iv))
		case 0b00010:
			result = float32(int64(iv))
		case 0b00011:
			result = float32(iv)
		}
		h.F[rdReg] = f32ToU64(result)
	}
	h.setFS(3)
}

func (h *Hart) execFMVToIntOrClass(isDouble bool, funct3, rdReg, rs1Reg uint32) error {
	switch funct3 {
	case 0b000:
		if isDouble {
			h.WriteReg(rdReg, h.F[rs1Reg])
		} else {
			h.WriteReg(rdReg, uint64(int32(h.F[rs1Reg])))
		}
	case 0b001:
		if isDouble {
			h.WriteReg(rdReg, classifyF64(u64ToF64(h.F[rs1Reg])))
		} else {
			h.WriteReg(rdReg, classifyF32(u64ToF32(h.F[rs1Reg])))
		}
	default:
		return Exception(CauseIllegalInsn, 0)
	}
	return nil
}

func (h *Hart) execFMVFromInt(isDouble bool, rdReg, rs1Reg uint32) {
	if isDouble {
		h.F[rdReg] = h.ReadReg(rs1Reg)
	} else {
		h.F[rdReg] = f32ToU64(math.Float32frombits(uint32(h.ReadReg(rs1Reg))))
	}
	h.setFS(3)
}

// ExecFMA implements the four fused multiply-add opcodes (FMADD/FMSUB/
// FNMSUB/FNMADD) for both precisions.
func (h *Hart) ExecFMA(op uint32, isDouble bool, rdReg, rs1Reg, rs2Reg, rs3Reg uint32) {
	if isDouble {
		a, b, c := u64ToF64(h.F[rs1Reg]), u64ToF64(h.F[rs2Reg]), u64ToF64(h.F[rs3Reg])
		h.F[rdReg] = f64ToU64(fma(op, a, b, c))
	} else {
		a := float64(u64ToF32(h.F[rs1Reg]))
		b := float64(u64ToF32(h.F[rs2Reg]))
		c := float64(u64ToF32(h.F[rs3Reg]))
		h.F[rdReg] = f32ToU64(float32(fma(op, a, b, c)))
	}
	h.setFS(3)
}

func fma(op uint32, a, b, c float64) float64 {
	switch op {
	case OpMadd:
		return a*b + c
	case OpMsub:
		return a*b - c
	case OpNmsub:
		return -(a * b) + c
	default: // OpNmadd
		return -(a * b) - c
	}
}

// setFS sets the FS field of mstatus, marking it Dirty (and rolling that
// up into SD) whenever a floating point instruction writes the F file.
func (h *Hart) setFS(state uint64) {
	h.Mstatus = (h.Mstatus &^ StatusFS) | (state << StatusFSShift)
	if state == 3 {
		if h.XLen == XLEN32 {
			h.Mstatus |= StatusSD32
		} else {
			h.Mstatus |= StatusSD64
		}
	}
}

func classifyF32(f float32) uint64 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xff
	frac := bits & 0x7fffff

	switch {
	case exp == 0xff && frac != 0:
		if frac&(1<<22) != 0 {
			return 1 << 9
		}
		return 1 << 8
	case exp == 0xff:
		if sign != 0 {
			return 1 << 0
		}
		return 1 << 7
	case exp == 0 && frac == 0:
		if sign != 0 {
			return 1 << 3
		}
		return 1 << 4
	case exp == 0:
		if sign != 0 {
			return 1 << 2
		}
		return 1 << 5
	default:
		if sign != 0 {
			return 1 << 1
		}
		return 1 << 6
	}
}

func classifyF64(f float64) uint64 {
	bits := math.Float64bits(f)
	sign := bits >> 63
	exp := (bits >> 52) & 0x7ff
	frac := bits & 0xfffffffffffff

	switch {
	case exp == 0x7ff && frac != 0:
		if frac&(1<<51) != 0 {
			return 1 << 9
		}
		return 1 << 8
	case exp == 0x7ff:
		if sign != 0 {
			return 1 << 0
		}
		return 1 << 7
	case exp == 0 && frac == 0:
		if sign != 0 {
			return 1 << 3
		}
		return 1 << 4
	case exp == 0:
		if sign != 0 {
			return 1 << 2
		}
		return 1 << 5
	default:
		if sign != 0 {
			return 1 << 1
		}
		return 1 << 6
	}
}
