package riscv

// csrEntry is one slot in the global CSR dispatch table (spec §4.3: "CSR
// operations go through a global dispatch table initialized once at
// process start"). read/write operate directly on the hart's fields so the
// table costs one indirect call per CSR access, not a map lookup.
type csrEntry struct {
	read  func(h *Hart) uint64
	write func(h *Hart, val uint64)
}

var csrTable = buildCSRTable()

func buildCSRTable() map[uint16]csrEntry {
	t := make(map[uint16]csrEntry, 32)

	t[CSRFflags] = csrEntry{
		read:  func(h *Hart) uint64 { return uint64(h.Fflags) },
		write: func(h *Hart, v uint64) { h.Fflags = uint8(v & 0x1f) },
	}
	t[CSRFrm] = csrEntry{
		read:  func(h *Hart) uint64 { return uint64(h.Frm) },
		write: func(h *Hart, v uint64) { h.Frm = uint8(v & 0x7) },
	}
	t[CSRFcsr] = csrEntry{
		read: func(h *Hart) uint64 { return uint64(h.Fflags) | (uint64(h.Frm) << 5) },
		write: func(h *Hart, v uint64) {
			h.Fflags = uint8(v & 0x1f)
			h.Frm = uint8((v >> 5) & 0x7)
		},
	}
	t[CSRCycle] = csrEntry{read: func(h *Hart) uint64 { return h.Cycle }}
	t[CSRTime] = csrEntry{read: func(h *Hart) uint64 { return h.Cycle }}
	t[CSRInstret] = csrEntry{read: func(h *Hart) uint64 { return h.Instret }}

	t[CSRSstatus] = csrEntry{
		read:  func(h *Hart) uint64 { return h.readSstatus() },
		write: func(h *Hart, v uint64) { h.writeSstatus(v) },
	}
	t[CSRSie] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mie & h.Mideleg },
		write: func(h *Hart, v uint64) { h.Mie = (h.Mie &^ h.Mideleg) | (v & h.Mideleg) },
	}
	t[CSRStvec] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Stvec },
		write: func(h *Hart, v uint64) { h.Stvec = v },
	}
	t[CSRScounteren] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Scounteren },
		write: func(h *Hart, v uint64) { h.Scounteren = v },
	}
	t[CSRSscratch] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Sscratch },
		write: func(h *Hart, v uint64) { h.Sscratch = v },
	}
	t[CSRSepc] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Sepc },
		write: func(h *Hart, v uint64) { h.Sepc = v &^ 1 },
	}
	t[CSRScause] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Scause },
		write: func(h *Hart, v uint64) { h.Scause = v },
	}
	t[CSRStval] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Stval },
		write: func(h *Hart, v uint64) { h.Stval = v },
	}
	t[CSRSip] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mip & h.Mideleg },
		write: func(h *Hart, v uint64) { h.Mip = (h.Mip &^ MipSSIP) | (v & MipSSIP) },
	}
	t[CSRSatp] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Satp },
		write: func(h *Hart, v uint64) { h.Satp = v },
	}

	t[CSRMstatus] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mstatus },
		write: func(h *Hart, v uint64) { h.writeMstatus(v) },
	}
	t[CSRMstatush] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mstatush },
		write: func(h *Hart, v uint64) { h.Mstatush = v & uint64(StatusSD64>>32) },
	}
	t[CSRMisa] = csrEntry{read: func(h *Hart) uint64 { return h.Misa }}
	t[CSRMedeleg] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Medeleg },
		write: func(h *Hart, v uint64) { h.Medeleg = v & 0xb3ff },
	}
	t[CSRMideleg] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mideleg },
		write: func(h *Hart, v uint64) { h.Mideleg = v & (MipSSIP | MipSTIP | MipSEIP) },
	}
	t[CSRMie] = csrEntry{
		read: func(h *Hart) uint64 { return h.Mie },
		write: func(h *Hart, v uint64) {
			h.Mie = v & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
		},
	}
	t[CSRMtvec] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mtvec },
		write: func(h *Hart, v uint64) { h.Mtvec = v },
	}
	t[CSRMcounteren] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mcounteren },
		write: func(h *Hart, v uint64) { h.Mcounteren = v },
	}
	t[CSRMscratch] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mscratch },
		write: func(h *Hart, v uint64) { h.Mscratch = v },
	}
	t[CSRMepc] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mepc },
		write: func(h *Hart, v uint64) { h.Mepc = v &^ 1 },
	}
	t[CSRMcause] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mcause },
		write: func(h *Hart, v uint64) { h.Mcause = v },
	}
	t[CSRMtval] = csrEntry{
		read:  func(h *Hart) uint64 { return h.Mtval },
		write: func(h *Hart, v uint64) { h.Mtval = v },
	}
	t[CSRMip] = csrEntry{
		read: func(h *Hart) uint64 { return h.Mip },
		write: func(h *Hart, v uint64) {
			mask := uint64(MipSSIP | MipSTIP | MipSEIP)
			h.Mip = (h.Mip &^ mask) | (v & mask)
		},
	}
	t[CSRMhartid] = csrEntry{read: func(h *Hart) uint64 { return h.Mhartid }}

	return t
}

// CSRRead implements the csrrw/csrrs/csrrc family's read half.
func (h *Hart) CSRRead(csr uint16) (uint64, error) {
	if uint16(h.Priv) < (csr>>8)&3 {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	if e, ok := csrTable[csr]; ok && e.read != nil {
		return e.read(h), nil
	}
	return 0, nil
}

// CSRWrite implements the write half; read-only CSRs (top two bits of the
// address both set) trap per the privileged spec.
func (h *Hart) CSRWrite(csr uint16, val uint64) error {
	if uint16(h.Priv) < (csr>>8)&3 {
		return Exception(CauseIllegalInsn, 0)
	}
	if (csr >> 10) == 3 {
		return Exception(CauseIllegalInsn, 0)
	}
	if e, ok := csrTable[csr]; ok && e.write != nil {
		e.write(h, val)
	}
	return nil
}

const sstatusMask = StatusSIE | StatusSPIE | StatusSPP | StatusFS | StatusSUM | StatusMXR

func (h *Hart) readSstatus() uint64 {
	v := h.Mstatus & sstatusMask
	if h.XLen == XLEN32 {
		if (h.Mstatus & StatusFS) == StatusFS {
			v |= StatusSD32
		}
	} else if (h.Mstatus & StatusFS) == StatusFS {
		v |= StatusSD64
	}
	return v
}

func (h *Hart) writeSstatus(val uint64) {
	h.Mstatus = (h.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

const mstatusMask = StatusSIE | StatusMIE | StatusSPIE | StatusMPIE | StatusSPP |
	StatusMPP | StatusFS | StatusMPRV | StatusSUM | StatusMXR | StatusTVM | StatusTW | StatusTSR

func (h *Hart) writeMstatus(val uint64) {
	h.Mstatus = (h.Mstatus &^ mstatusMask) | (val & mstatusMask)
	sdBit := StatusSD64
	if h.XLen == XLEN32 {
		sdBit = StatusSD32
	}
	if (h.Mstatus & StatusFS) == StatusFS {
		h.Mstatus |= sdBit
	} else {
		h.Mstatus &^= sdBit
	}
}
