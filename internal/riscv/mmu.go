package riscv

// SATP modes.
const (
	SatpModeOff  = 0
	SatpModeSv32 = 1
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

// Page table entry flags.
const (
	PteV = 1 << 0
	PteR = 1 << 1
	PteW = 1 << 2
	PteX = 1 << 3
	PteU = 1 << 4
	PteG = 1 << 5
	PteA = 1 << 6
	PteD = 1 << 7
)

const PageSize = 4096
const PageShift = 12

// walkLayout describes one supported paging mode's level count, VPN field
// width and PTE size, so Translate can share one walk routine across
// Sv32/Sv39/Sv48 (spec §4.2).
type walkLayout struct {
	levels  int
	vpnBits uint
	vpnMask uint64
	ppnBits uint
	pteSize uint64
}

var (
	layoutSv32 = walkLayout{levels: 2, vpnBits: 10, vpnMask: 0x3ff, ppnBits: 22, pteSize: 4}
	layoutSv39 = walkLayout{levels: 3, vpnBits: 9, vpnMask: 0x1ff, ppnBits: 44, pteSize: 8}
	layoutSv48 = walkLayout{levels: 4, vpnBits: 9, vpnMask: 0x1ff, ppnBits: 44, pteSize: 8}
)

// MMU performs page-table walks driven by a hart's SATP and installs
// results into the hart's three TLBs (spec §4.2).
type MMU struct {
	hart *Hart
}

func NewMMU(h *Hart) *MMU { return &MMU{hart: h} }

// FlushTLB clears every TLB entry; used by SFENCE.VMA with no operands.
func (m *MMU) FlushTLB() { m.hart.TLBs.Flush() }

// FlushTLBEntry clears whichever TLB entry maps vaddr's page, across all
// three TLBs (best-effort selective flush, spec §4.2).
func (m *MMU) FlushTLBEntry(vaddr uint64) { m.hart.TLBs.FlushVaddr(vaddr) }

func (m *MMU) satpMode() uint64 {
	h := m.hart
	if h.XLen == XLEN32 {
		return h.Satp >> 31
	}
	return h.Satp >> 60
}

// Translate resolves vaddr for the given access kind, returning the
// physical address. On a TLB hit the host-pointer fast path is not used
// here directly (see TranslateFast for that); Translate always returns a
// physical address suitable for bus.Read/Write.
func (m *MMU) Translate(vaddr uint64, kind AccessKind) (uint64, error) {
	h := m.hart
	mode := m.satpMode()
	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := h.Priv
	if h.Priv == PrivMachine && kind != AccessFetch && (h.Mstatus&StatusMPRV) != 0 {
		priv = uint8((h.Mstatus >> StatusMPPShift) & 3)
	}
	if priv == PrivMachine {
		return vaddr, nil
	}

	layout, vaMask, err := layoutFor(mode, h.XLen)
	if err != nil {
		return 0, m.pageFault(kind, vaddr)
	}
	if vaMask != 0 {
		top := vaddr & ^(vaMask - 1)
		if top != 0 && top != ^(vaMask-1) {
			return 0, m.pageFault(kind, vaddr)
		}
	}

	paddr, flags, pageSize, pteAddr, pte, err := m.walk(vaddr, kind, priv, layout)
	if err != nil {
		return 0, err
	}

	m.maybeSetAD(pteAddr, pte, kind, layout)
	m.installTLB(vaddr, paddr, flags, pageSize, kind)
	return paddr, nil
}

func layoutFor(mode uint64, xlen XLEN) (walkLayout, uint64, error) {
	switch mode {
	case SatpModeSv32:
		return layoutSv32, 0, nil
	case SatpModeSv39:
		return layoutSv39, 1 << 38, nil
	case SatpModeSv48:
		return layoutSv48, 1 << 47, nil
	default:
		return walkLayout{}, 0, Exception(CauseIllegalInsn, 0)
	}
}

func (m *MMU) walk(vaddr uint64, kind AccessKind, priv uint8, layout walkLayout) (paddr, flags, pageSize, pteAddr, pte uint64, err error) {
	h := m.hart
	ppn := h.Satp & ((uint64(1) << layout.ppnBits) - 1)
	pteAddr = ppn << PageShift
	pageSize = PageSize

	for level := layout.levels - 1; level >= 0; level-- {
		vpnShift := PageShift + uint(level)*layout.vpnBits
		vpn := (vaddr >> vpnShift) & layout.vpnMask
		pteAddr = pteAddr + vpn*layout.pteSize

		var val uint64
		var ok bool
		if layout.pteSize == 4 {
			v, o := h.Bus.Read(pteAddr, 4)
			val, ok = v, o
		} else {
			v, o := h.Bus.Read(pteAddr, 8)
			val, ok = v, o
		}
		if !ok {
			return 0, 0, 0, 0, 0, m.pageFault(kind, vaddr)
		}
		pte = val

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, 0, 0, 0, 0, m.pageFault(kind, vaddr)
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			if level > 0 {
				mask := (uint64(1) << (uint(level) * layout.vpnBits)) - 1
				if ((pte >> 10) & mask) != 0 {
					return 0, 0, 0, 0, 0, m.pageFault(kind, vaddr)
				}
				pageSize = uint64(1) << (PageShift + uint(level)*layout.vpnBits)
			}
			if err := m.checkPermissions(pte, kind, priv); err != nil {
				return 0, 0, 0, 0, 0, err
			}

			ppnOut := (pte >> 10) & ((uint64(1) << layout.ppnBits) - 1)
			if level > 0 {
				mask := (uint64(1) << (uint(level) * layout.vpnBits)) - 1
				ppnOut = (ppnOut &^ mask) | ((vaddr >> PageShift) & mask)
			}
			paddr = (ppnOut << PageShift) | (vaddr & (pageSize - 1))
			flags = pte
			return paddr, flags, pageSize, pteAddr, pte, nil
		}

		ppnNext := (pte >> 10) & ((uint64(1) << layout.ppnBits) - 1)
		pteAddr = ppnNext << PageShift
	}
	return 0, 0, 0, 0, 0, m.pageFault(kind, vaddr)
}

// maybeSetAD sets the PTE's A bit (and D on stores) in guest memory, per
// spec §4.2: "On each walk, the PTE's A bit is set (and D for stores)
// atomically in guest memory".
func (m *MMU) maybeSetAD(pteAddr, pte uint64, kind AccessKind, layout walkLayout) {
	needA := pte&PteA == 0
	needD := kind == AccessStore && pte&PteD == 0
	if !needA && !needD {
		return
	}
	newPte := pte | PteA
	if needD {
		newPte |= PteD
	}
	size := 8
	if layout.pteSize == 4 {
		size = 4
	}
	m.hart.Bus.Write(pteAddr, size, newPte)
}

func (m *MMU) checkPermissions(pte uint64, kind AccessKind, priv uint8) error {
	h := m.hart
	if priv == PrivUser {
		if pte&PteU == 0 {
			return m.pageFault(kind, 0)
		}
	} else if pte&PteU != 0 && (h.Mstatus&StatusSUM) == 0 {
		return m.pageFault(kind, 0)
	}

	switch kind {
	case AccessLoad:
		if pte&PteR == 0 {
			if (h.Mstatus&StatusMXR) != 0 && pte&PteX != 0 {
				return nil
			}
			return m.pageFault(kind, 0)
		}
	case AccessStore:
		if pte&PteW == 0 {
			return m.pageFault(kind, 0)
		}
	case AccessFetch:
		if pte&PteX == 0 {
			return m.pageFault(kind, 0)
		}
	}
	return nil
}

func (m *MMU) pageFault(kind AccessKind, vaddr uint64) error {
	switch kind {
	case AccessLoad:
		return Exception(CauseLoadPageFault, vaddr)
	case AccessStore:
		return Exception(CauseStorePageFault, vaddr)
	default:
		return Exception(CauseInsnPageFault, vaddr)
	}
}

// installTLB caches the translation in the TLB matching kind. Only
// RAM-backed pages get a host-pointer entry; MMIO pages are never cached
// here (the bus is always consulted for them, see tlb.go / spec §3).
func (m *MMU) installTLB(vaddr, paddr, flags, pageSize uint64, kind AccessKind) {
	if pageSize != PageSize {
		return // superpages are not cached in the fixed-granularity TLB
	}
	h := m.hart
	ram := h.Bus.RAMBytes()
	base := h.Bus.RAMBase()
	if paddr < base || paddr+PageSize > base+uint64(len(ram)) {
		return
	}
	vpn := vaddr >> PageShift
	hostBase := ramHostBase(ram, base, vaddr, paddr)
	h.TLBs.set(kind).install(vpn, hostBase)
}

// TranslateRead/Write/Fetch are the convenience wrappers execute.go uses.
func (m *MMU) TranslateRead(vaddr uint64) (uint64, error)  { return m.Translate(vaddr, AccessLoad) }
func (m *MMU) TranslateWrite(vaddr uint64) (uint64, error) { return m.Translate(vaddr, AccessStore) }
func (m *MMU) TranslateFetch(vaddr uint64) (uint64, error) { return m.Translate(vaddr, AccessFetch) }

// FastLookup consults the TLB for kind first and returns a direct RAM
// pointer on a hit, falling back to a full Translate on a miss. This is the
// path both the interpreter's hot loop and the RVJIT load/store intrinsics
// use (spec §4.2: "a single-entry shortcut is used by hot loops").
func (m *MMU) FastLookup(vaddr uint64, kind AccessKind) (paddr uint64, host []byte, err error) {
	if hostBase, ok := m.hart.TLBs.set(kind).lookup(vaddr); ok {
		return vaddr, HostPointer(hostBase, vaddr, 8), nil
	}
	paddr, err = m.Translate(vaddr, kind)
	return paddr, nil, err
}
