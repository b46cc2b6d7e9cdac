package mmiodev

import "github.com/nanorv/rvvm/internal/riscv"

// Syscon poweroff/reset command values, written as a 16-bit little-endian
// value at offset 0 of the syscon window (spec §6 "Syscon", §8 "Syscon
// poweroff"). These match the sifive_test/qemu virt "test" device values
// Linux's reboot driver and OpenSBI both already know how to drive.
const (
	SysconPoweroff = 0x5555
	SysconReset    = 0x7777
)

// SysconSize is the syscon MMIO window.
const SysconSize = 0x1000

// Syscon is a single poweroff/reset register. It has no guest-visible read
// side effects; a write of SysconPoweroff stops the machine without
// requesting a reset, a write of SysconReset stops it and requests one.
// The machine eventloop (C9) observes NeedsReset/Stopped after each Update
// tick and tears the run down accordingly.
type Syscon struct {
	stopped    bool
	needsReset bool
}

// NewSyscon creates a syscon device and attaches it to bus at base.
func NewSyscon(bus *riscv.Bus, base uint64) (riscv.RegionHandle, *Syscon, error) {
	s := &Syscon{}
	h, err := bus.Attach(riscv.MMIORegion{
		Begin:     base,
		End:       base + SysconSize,
		MinOpSize: 1,
		MaxOpSize: 4,
		Read:      s.read,
		Write:     s.write,
		Reset:     s.reset,
		Type:      "syscon",
	})
	if err != nil {
		return 0, nil, err
	}
	return h, s, nil
}

func (s *Syscon) read(offset uint64, size int) (uint64, bool) { return 0, true }

func (s *Syscon) write(offset uint64, size int, value uint64) bool {
	if offset != 0 {
		return true
	}
	switch value & 0xffff {
	case SysconPoweroff:
		s.stopped = true
	case SysconReset:
		s.stopped = true
		s.needsReset = true
	}
	return true
}

func (s *Syscon) reset() {
	s.stopped = false
	s.needsReset = false
}

// Stopped reports whether the guest has written a poweroff or reset command
// since the last Reset.
func (s *Syscon) Stopped() bool { return s.stopped }

// NeedsReset reports whether the guest's stop request was specifically a
// reset (SysconReset) rather than a plain poweroff.
func (s *Syscon) NeedsReset() bool { return s.needsReset }
