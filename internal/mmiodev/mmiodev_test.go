package mmiodev

import (
	"testing"
	"time"

	"github.com/nanorv/rvvm/internal/riscv"
)

func newTestHart(t *testing.T) (*riscv.Bus, *riscv.Hart) {
	t.Helper()
	bus := riscv.NewBus(0x80000000, 0x1000)
	hart := riscv.NewHart(0, riscv.XLEN64, bus)
	return bus, hart
}

func TestCLINTTimerInterrupt(t *testing.T) {
	bus, hart := newTestHart(t)
	_, clint, err := NewCLINT(bus, 0x2000000, hart)
	if err != nil {
		t.Fatalf("NewCLINT: %v", err)
	}

	bus.Write(0x2000000+clintMtimecmp, 8, 0)
	if hart.Mip&riscv.MipMTIP == 0 {
		t.Fatal("expected MTIP set immediately after mtimecmp=0")
	}

	clint.reset()
	if hart.Mip&riscv.MipMTIP != 0 {
		t.Fatal("MTIP should be clear after reset")
	}
	bus.Write(0x2000000+clintMtimecmp, 8, ^uint64(0))
	if hart.Mip&riscv.MipMTIP != 0 {
		t.Fatal("MTIP should stay clear with mtimecmp at max")
	}
}

func TestCLINTMsip(t *testing.T) {
	bus, hart := newTestHart(t)
	NewCLINT(bus, 0x2000000, hart)

	bus.Write(0x2000000+clintMsip, 4, 1)
	if hart.Mip&riscv.MipMSIP == 0 {
		t.Fatal("expected MSIP set")
	}
	v, _ := bus.Read(0x2000000+clintMsip, 4)
	if v != 1 {
		t.Fatalf("msip readback = %d, want 1", v)
	}
	bus.Write(0x2000000+clintMsip, 4, 0)
	if hart.Mip&riscv.MipMSIP != 0 {
		t.Fatal("expected MSIP cleared")
	}
}

func TestCLINTMtimeAdvances(t *testing.T) {
	bus, hart := newTestHart(t)
	_, clint, err := NewCLINT(bus, 0x2000000, hart)
	if err != nil {
		t.Fatalf("NewCLINT: %v", err)
	}
	_ = hart

	first, _ := bus.Read(0x2000000+clintMtime, 8)
	time.Sleep(2 * time.Millisecond)
	second := clint.Mtime()
	if second <= first {
		t.Fatalf("mtime did not advance: %d -> %d", first, second)
	}
}

func TestPLICClaimAndComplete(t *testing.T) {
	bus, hart := newTestHart(t)
	_, plic, err := NewPLIC(bus, 0xc000000, []*riscv.Hart{hart})
	if err != nil {
		t.Fatalf("NewPLIC: %v", err)
	}

	const source = 3
	const mContext = 0

	bus.Write(0xc000000+plicPriorityBase+source*4, 4, 1)
	bus.Write(0xc000000+plicEnableBase+mContext*plicEnableStride, 4, 1<<source)
	bus.Write(0xc000000+plicThresholdBase+mContext*plicContextStride, 4, 0)

	plic.SetPending(source, true)
	if hart.Mip&riscv.MipMEIP == 0 {
		t.Fatal("expected MEIP set once a pending, enabled, above-threshold source exists")
	}

	claimed, _ := bus.Read(0xc000000+plicThresholdBase+mContext*plicContextStride+4, 4)
	if claimed != source {
		t.Fatalf("claim returned %d, want %d", claimed, source)
	}
	if hart.Mip&riscv.MipMEIP != 0 {
		t.Fatal("expected MEIP cleared once the only pending source is claimed")
	}

	bus.Write(0xc000000+plicThresholdBase+mContext*plicContextStride+4, 4, source)
}

func TestSysconPoweroffAndReset(t *testing.T) {
	bus, _ := newTestHart(t)
	_, syscon, err := NewSyscon(bus, 0x100000)
	if err != nil {
		t.Fatalf("NewSyscon: %v", err)
	}

	bus.Write(0x100000, 2, SysconPoweroff)
	if !syscon.Stopped() || syscon.NeedsReset() {
		t.Fatalf("poweroff: stopped=%v needsReset=%v, want stopped=true needsReset=false", syscon.Stopped(), syscon.NeedsReset())
	}

	syscon.reset()
	bus.Write(0x100000, 2, SysconReset)
	if !syscon.Stopped() || !syscon.NeedsReset() {
		t.Fatalf("reset: stopped=%v needsReset=%v, want both true", syscon.Stopped(), syscon.NeedsReset())
	}
}
