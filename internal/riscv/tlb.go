package riscv

import "unsafe"

// tlbSize is the number of entries in each software TLB; must be a power of
// two (spec §3: "TLB size is a power of two; indexing is
// (vaddr >> 12) & (TLB_SIZE-1)").
const tlbSize = 256
const tlbMask = tlbSize - 1

// tlbEntry packs the tag/host_base pair described in spec §3. tag is
// (vpn<<1)|tlbEntryValid: the miss check and the VPN match collapse into
// the single comparison `entry.tag == (vpn<<1)|tlbEntryValid`. A zero tag
// is the sentinel for "unused"; the valid bit guarantees no real VPN
// shifts into the all-zero tag, so a flushed entry can never false-hit.
type tlbEntry struct {
	tag      uint64
	hostBase uintptr // hostBase + vaddr = host pointer into RAM
}

const tlbEntryValid = 1 << 0

// tlbSet is one of the three independent software TLBs (fetch, load, store).
type tlbSet struct {
	entries [tlbSize]tlbEntry
}

func (t *tlbSet) index(vpn uint64) uint64 { return vpn & tlbMask }

func (t *tlbSet) lookup(vaddr uint64) (uintptr, bool) {
	vpn := vaddr >> PageShift
	e := &t.entries[t.index(vpn)]
	want := (vpn << 1) | tlbEntryValid
	if e.tag == want {
		return e.hostBase, true
	}
	return 0, false
}

// install caches a (vpn -> host RAM pointer) translation. Only RAM-backed
// pages are cacheable this way; MMIO always goes through the bus.
func (t *tlbSet) install(vpn uint64, hostBase uintptr) {
	e := &t.entries[t.index(vpn)]
	e.tag = (vpn << 1) | tlbEntryValid
	e.hostBase = hostBase
}

func (t *tlbSet) flush() {
	for i := range t.entries {
		t.entries[i] = tlbEntry{}
	}
}

func (t *tlbSet) flushEntry(vaddr uint64) {
	vpn := vaddr >> PageShift
	e := &t.entries[t.index(vpn)]
	if e.tag == (vpn<<1)|tlbEntryValid {
		*e = tlbEntry{}
	}
}

// TLBs bundles the three independent software TLBs a hart owns (spec §1:
// "three TLBs (instruction-fetch, load, store)").
type TLBs struct {
	Fetch tlbSet
	Load  tlbSet
	Store tlbSet
}

func (t *TLBs) set(kind AccessKind) *tlbSet {
	switch kind {
	case AccessFetch:
		return &t.Fetch
	case AccessStore:
		return &t.Store
	default:
		return &t.Load
	}
}

// Flush clears every entry in all three TLBs. riscv_tlb_flush's full-flush
// baseline (spec §4.2).
func (t *TLBs) Flush() {
	t.Fetch.flush()
	t.Load.flush()
	t.Store.flush()
}

// FlushVaddr clears, in all three TLBs, whichever entry currently maps
// vaddr's page. Selective flushing is best-effort per spec §4.2.
func (t *TLBs) FlushVaddr(vaddr uint64) {
	t.Fetch.flushEntry(vaddr)
	t.Load.flushEntry(vaddr)
	t.Store.flushEntry(vaddr)
}

// ramHostBase returns the bias such that hostBase+vaddr addresses the byte
// at guest physical address paddr within ram, for the page containing paddr.
func ramHostBase(ram []byte, ramBase uint64, vaddr, paddr uint64) uintptr {
	pageVaddr := vaddr &^ (PageSize - 1)
	pagePaddr := paddr &^ (PageSize - 1)
	if len(ram) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&ram[0]))
	return base + uintptr(pagePaddr-ramBase) - uintptr(pageVaddr)
}

// HostPointer resolves a cached TLB host pointer into a byte slice of length
// n backed directly by RAM. Callers (the interpreter's fast path and RVJIT
// load/store intrinsics) must not retain the slice past the current step.
func HostPointer(hostBase uintptr, vaddr uint64, n int) []byte {
	p := unsafe.Pointer(hostBase + uintptr(vaddr))
	return unsafe.Slice((*byte)(p), n)
}
