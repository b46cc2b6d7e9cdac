package riscv

// CheckInterrupt returns whether a pending, enabled interrupt should be
// taken now, and its cause, implementing the priority order and delegation
// check of spec §4.7.
func (h *Hart) CheckInterrupt() (bool, uint64) {
	pending := h.Mip & h.Mie
	if pending == 0 {
		return false, 0
	}

	if h.Priv == PrivMachine {
		if (h.Mstatus & StatusMIE) == 0 {
			return false, 0
		}
	} else if h.Priv == PrivSupervisor {
		if (h.Mstatus & StatusSIE) == 0 {
			mOnly := pending &^ h.Mideleg
			if mOnly == 0 {
				return false, 0
			}
			pending = mOnly
		}
	}

	type candidate struct {
		bit   uint64
		cause uint64
	}
	order := []candidate{
		{MipMEIP, CauseMExternalInt},
		{MipMSIP, CauseMSoftwareInt},
		{MipMTIP, CauseMTimerInt},
		{MipSEIP, CauseSExternalInt},
		{MipSSIP, CauseSSoftwareInt},
		{MipSTIP, CauseSTimerInt},
	}
	for _, c := range order {
		if pending&c.bit == 0 {
			continue
		}
		isMachineInt := c.bit == MipMEIP || c.bit == MipMSIP || c.bit == MipMTIP
		if isMachineInt {
			if h.Priv < PrivMachine || (h.Mstatus&StatusMIE != 0) {
				return true, c.cause
			}
			continue
		}
		if h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && h.Mstatus&StatusSIE != 0) {
			return true, c.cause
		}
	}
	return false, 0
}

// Trap implements riscv_trap (spec §4.7): computes the delegated privilege
// from medeleg/mideleg, writes the cause/epc/tval CSRs for that privilege,
// updates status's xPIE/xPP, and redirects PC to the trap vector. The
// dispatcher calls this for both synchronous exceptions and interrupts and
// then requests that any in-flight JIT block return at its next exit point.
func (h *Hart) Trap(cause, tval uint64) {
	isInterrupt := (cause >> 63) != 0
	code := cause & 0x7fffffffffffffff

	delegate := false
	if h.Priv <= PrivSupervisor {
		if isInterrupt {
			delegate = h.Mideleg&(1<<code) != 0
		} else {
			delegate = h.Medeleg&(1<<code) != 0
		}
	}

	if delegate {
		h.Sepc = h.PC
		h.Scause = cause
		h.Stval = tval
		if h.Mstatus&StatusSIE != 0 {
			h.Mstatus |= StatusSPIE
		} else {
			h.Mstatus &^= StatusSPIE
		}
		h.Mstatus &^= StatusSIE
		if h.Priv == PrivSupervisor {
			h.Mstatus |= StatusSPP
		} else {
			h.Mstatus &^= StatusSPP
		}
		h.Priv = PrivSupervisor
		if (h.Stvec&1) == 1 && isInterrupt {
			h.PC = (h.Stvec &^ 1) + 4*code
		} else {
			h.PC = h.Stvec &^ 3
		}
		return
	}

	h.Mepc = h.PC
	h.Mcause = cause
	h.Mtval = tval
	if h.Mstatus&StatusMIE != 0 {
		h.Mstatus |= StatusMPIE
	} else {
		h.Mstatus &^= StatusMPIE
	}
	h.Mstatus &^= StatusMIE
	h.Mstatus &^= StatusMPP
	h.Mstatus |= uint64(h.Priv) << StatusMPPShift
	h.Priv = PrivMachine
	if (h.Mtvec&1) == 1 && isInterrupt {
		h.PC = (h.Mtvec &^ 1) + 4*code
	} else {
		h.PC = h.Mtvec &^ 3
	}
}

// TrapReturn implements MRET/SRET: restores privilege and the enable bit
// from the previous-privilege shadow fields.
func (h *Hart) TrapReturn(fromMachine bool) error {
	if fromMachine {
		if h.Priv != PrivMachine {
			return Exception(CauseIllegalInsn, 0)
		}
		prevPriv := uint8((h.Mstatus & StatusMPP) >> StatusMPPShift)
		if h.Mstatus&StatusMPIE != 0 {
			h.Mstatus |= StatusMIE
		} else {
			h.Mstatus &^= StatusMIE
		}
		h.Mstatus |= StatusMPIE
		h.Mstatus &^= StatusMPP
		h.Priv = prevPriv
		h.PC = h.Mepc
		return nil
	}
	if h.Priv < PrivSupervisor {
		return Exception(CauseIllegalInsn, 0)
	}
	prevPriv := PrivUser
	if h.Mstatus&StatusSPP != 0 {
		prevPriv = PrivSupervisor
	}
	if h.Mstatus&StatusSPIE != 0 {
		h.Mstatus |= StatusSIE
	} else {
		h.Mstatus &^= StatusSIE
	}
	h.Mstatus |= StatusSPIE
	h.Mstatus &^= StatusSPP
	h.Priv = uint8(prevPriv)
	h.PC = h.Sepc
	return nil
}
