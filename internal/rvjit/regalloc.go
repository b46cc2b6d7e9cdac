package rvjit

// RegFlag describes per-virtual-register state the allocator tracks for one
// in-progress block (spec §4.3 "RVJIT block": "{hreg, last_used_cursor,
// flags∈{loaded, dirty, auipc}, auipc_offset}").
type RegFlag uint8

const (
	FlagLoaded RegFlag = 1 << iota
	FlagDirty
	FlagAuipc
)

type vregState struct {
	hreg     int
	valid    bool
	flags    RegFlag
	lastUse  int
	auipcOff int64
}

// Allocator is the register policy described in spec §4.4: a free-mask of
// host registers, LRU-spill-on-exhaustion, and ABI-reclaimed callee-saved
// registers pushed on first use and popped on block exit. One Allocator
// backs exactly one in-progress Builder; backends construct it seeded with
// their own DefaultHRegMask/ABIReclaimHRegMask.
type Allocator struct {
	free      uint32
	reclaimed uint32
	pushed    uint32
	state     [32]vregState
	cursor    int
	zeroHReg  int // -1 if the host has no hard-wired zero register
}

func NewAllocator(defaultMask, abiReclaimMask uint32, zeroHReg int) *Allocator {
	return &Allocator{free: defaultMask, reclaimed: abiReclaimMask, zeroHReg: zeroHReg}
}

// Lookup returns the host register currently mapped to guest register vreg.
func (a *Allocator) Lookup(vreg uint8) (hreg int, ok bool) {
	st := &a.state[vreg]
	if !st.valid {
		return 0, false
	}
	return st.hreg, true
}

// Touch bumps vreg's LRU cursor; call on every use so ClaimHReg spills the
// least-recently-used mapping rather than an arbitrary one.
func (a *Allocator) Touch(vreg uint8) {
	a.cursor++
	a.state[vreg].lastUse = a.cursor
}

// MarkDirty flags vreg as needing write-back to the register file before its
// host register can be reused for something else.
func (a *Allocator) MarkDirty(vreg uint8) { a.state[vreg].flags |= FlagDirty }

// Map installs hreg as the home of vreg.
func (a *Allocator) Map(vreg uint8, hreg int, dirty bool) {
	flags := FlagLoaded
	if dirty {
		flags |= FlagDirty
	}
	a.cursor++
	a.state[vreg] = vregState{hreg: hreg, valid: true, flags: flags, lastUse: a.cursor}
}

// Unmap drops vreg's mapping without writing it back (used once the backend
// has already spilled it).
func (a *Allocator) Unmap(vreg uint8) {
	a.state[vreg] = vregState{}
}

// IsDirty reports whether vreg's current mapping needs a write-back.
func (a *Allocator) IsDirty(vreg uint8) bool {
	return a.state[vreg].valid && a.state[vreg].flags&FlagDirty != 0
}

// ClaimHReg returns a free host register. If none is free it picks the
// least-recently-used mapped virtual register to evict, reporting which
// vreg that was and whether its value needs to be spilled (written back to
// the register file) before the host register can be reused.
func (a *Allocator) ClaimHReg() (hreg int, evicted uint8, needSpill bool, hadEviction bool) {
	for i := 0; i < 32; i++ {
		if a.free&(1<<uint(i)) != 0 {
			a.free &^= 1 << uint(i)
			return i, 0, false, false
		}
	}

	lruVreg := -1
	oldest := int(^uint(0) >> 1)
	for vr := 0; vr < 32; vr++ {
		st := &a.state[vr]
		if st.valid && st.lastUse < oldest {
			oldest = st.lastUse
			lruVreg = vr
		}
	}
	if lruVreg < 0 {
		panic("rvjit: register allocator exhausted with nothing to spill")
	}
	st := a.state[lruVreg]
	needSpill = st.flags&FlagDirty != 0
	a.state[lruVreg] = vregState{}
	return st.hreg, uint8(lruVreg), needSpill, true
}

// ReleaseHReg returns hreg to the free pool without evicting anything.
func (a *Allocator) ReleaseHReg(hreg int) {
	a.free |= 1 << uint(hreg)
}

// Reclaim marks abiReg (one bit of the ABI-reclaimed mask) as needed for
// this block, reporting whether this is the first time the block has
// touched it (in which case the backend must emit a push of its original
// value before clobbering it, and a matching pop on every block exit).
func (a *Allocator) Reclaim(hreg int) (firstUse bool) {
	bit := uint32(1) << uint(hreg)
	if a.reclaimed&bit == 0 {
		return false
	}
	if a.pushed&bit != 0 {
		return false
	}
	a.pushed |= bit
	return true
}

// PushedMask returns the set of ABI-reclaimed registers this block actually
// clobbered, in a stable bit order backends can iterate to emit matching
// push/pop pairs.
func (a *Allocator) PushedMask() uint32 { return a.pushed }

// ZeroHReg returns the host's hard-wired zero register, or -1 if the target
// has none (x86-64 has no zero register; ARM64 has XZR, RISC-V has x0 —
// spec §9 "host zero register asymmetry").
func (a *Allocator) ZeroHReg() int { return a.zeroHReg }
