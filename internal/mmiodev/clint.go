// Package mmiodev implements the minimal CLINT/PLIC/syscon device set the
// dispatcher and bus directly exercise (spec §6). Each device is a
// constructor that returns a riscv.MMIORegion populated with closures bound
// to private state, adapting the teacher's method-per-Device interface
// style to the bus's closure-based ABI (internal/riscv/bus.go).
package mmiodev

import (
	"sync/atomic"
	"time"

	"github.com/nanorv/rvvm/internal/riscv"
)

// CLINT register offsets, relative to the region base.
const (
	clintMsip     = 0x0000
	clintMtimecmp = 0x4000
	clintMtime    = 0xbff8
)

// CLINTSize is the conventional CLINT MMIO window (covers mtime at 0xbff8).
const CLINTSize = 0xc000

// clintNsPerTick is the CLINT's tick rate: 10 MHz, matching the timebase
// most RISC-V boot code (OpenSBI, Linux's riscv,timebase-frequency) assumes
// when no device tree override is present.
const clintNsPerTick = 100

// CLINT implements the Core Local Interruptor for a single hart: machine
// software interrupt (MSIP) and machine timer compare (MTIMECMP), plus a
// free-running MTIME shared by convention across harts.
type CLINT struct {
	hart *riscv.Hart

	msip      uint32
	mtimecmp  uint64
	startTime time.Time
}

// NewCLINT creates a CLINT for hart and attaches it to bus at base.
// mtimecmp starts at the maximum value, so no timer interrupt fires until
// the guest programs a real compare value.
func NewCLINT(bus *riscv.Bus, base uint64, hart *riscv.Hart) (riscv.RegionHandle, *CLINT, error) {
	c := &CLINT{
		hart:      hart,
		mtimecmp:  ^uint64(0),
		startTime: time.Now(),
	}
	hart.TimeCmp = c.mtimecmp

	h, err := bus.Attach(riscv.MMIORegion{
		Begin:     base,
		End:       base + CLINTSize,
		MinOpSize: 4,
		MaxOpSize: 8,
		Read:      c.read,
		Write:     c.write,
		Reset:     c.reset,
		Update:    c.update,
		Type:      "clint",
	})
	if err != nil {
		return 0, nil, err
	}
	return h, c, nil
}

func (c *CLINT) mtime() uint64 {
	return uint64(time.Since(c.startTime).Nanoseconds()) / clintNsPerTick
}

func (c *CLINT) read(offset uint64, size int) (uint64, bool) {
	switch {
	case offset >= clintMsip && offset < clintMsip+4:
		return uint64(atomic.LoadUint32(&c.msip)), true
	case offset >= clintMtimecmp && offset < clintMtimecmp+8:
		return c.mtimecmp, true
	case offset >= clintMtime && offset < clintMtime+8:
		return c.mtime(), true
	}
	return 0, true
}

func (c *CLINT) write(offset uint64, size int, value uint64) bool {
	switch {
	case offset >= clintMsip && offset < clintMsip+4:
		if value&1 != 0 {
			atomic.StoreUint32(&c.msip, 1)
			c.hart.Mip |= riscv.MipMSIP
		} else {
			atomic.StoreUint32(&c.msip, 0)
			c.hart.Mip &^= riscv.MipMSIP
		}
	case offset >= clintMtimecmp && offset < clintMtimecmp+8:
		if size == 4 {
			if offset == clintMtimecmp {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp = (c.mtimecmp &^ (0xffffffff << 32)) | ((value & 0xffffffff) << 32)
			}
		} else {
			c.mtimecmp = value
		}
		c.hart.TimeCmp = c.mtimecmp
		if c.mtimecmp > c.mtime() {
			c.hart.Mip &^= riscv.MipMTIP
		}
	}
	return true
}

func (c *CLINT) reset() {
	c.msip = 0
	c.mtimecmp = ^uint64(0)
	c.startTime = time.Now()
	c.hart.TimeCmp = c.mtimecmp
	c.hart.Mip &^= riscv.MipMSIP | riscv.MipMTIP
}

// update is ticked by the machine eventloop at ~100 Hz (spec §4.9); it
// exists so MTIP latches promptly even for a hart that is not currently
// executing (parked in WFI with the dispatcher's own poll disabled).
func (c *CLINT) update() {
	if c.mtime() >= c.mtimecmp {
		c.hart.Mip |= riscv.MipMTIP
	}
}

// Mtime reports the CLINT's free-running timer value, used by the
// dispatcher to bound a WFI sleep by TimeCmp instead of a fixed poll.
func (c *CLINT) Mtime() uint64 { return c.mtime() }

// NsPerTick reports the CLINT's tick period in nanoseconds, so callers can
// convert a tick delta (TimeCmp - Mtime) into a wall-clock sleep duration.
func (c *CLINT) NsPerTick() uint64 { return clintNsPerTick }
