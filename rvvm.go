// Package rvvm is the public API facade for a RISC-V virtual machine
// monitor (spec §2, §4.9, §6 "RVVM public API"): it creates a Machine from
// a RAM span and hart count, lets callers attach MMIO devices, and drives
// the machine's lifecycle (reset, run, pause) -- the same shape as the
// teacher's internal/hv/riscv/rv64.Machine, generalized from one fixed
// CPU/bus/CLINT/PLIC/UART quadruple to an arbitrary hart count and an
// open-ended set of attached MMIORegions.
package rvvm

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanorv/rvvm/internal/diag"
	"github.com/nanorv/rvvm/internal/dispatch"
	"github.com/nanorv/rvvm/internal/fdt"
	"github.com/nanorv/rvvm/internal/mmiodev"
	"github.com/nanorv/rvvm/internal/riscv"
	"github.com/nanorv/rvvm/internal/rvjit"
)

// eventloopTick is the device-update cadence the machine eventloop runs
// at (spec §4.9: "event timer" / "~100 Hz device eventloop").
const eventloopTick = 10 * time.Millisecond

// clintBase and plicBase are the conventional SiFive-layout addresses
// most RISC-V boot firmware (OpenSBI) and Linux's device-tree bindings
// already expect, so a guest kernel built for "virt"-style platforms needs
// no special-casing to find them.
const (
	clintBase  = 0x02000000
	plicBase   = 0x0c000000
	sysconBase = 0x00100000
)

// Options configures Create. XLen and Arch default to the host's native
// width and code-generator backend when left zero.
type Options struct {
	RAMBase     uint64
	RAMSize     uint64
	HartCount   int
	XLen        riscv.XLEN
	Arch        rvjit.Arch
	JITHeapSize int // 0 selects jitheap.DefaultSize
}

// Machine is a complete, runnable RISC-V system: a bus, its harts and
// their dispatchers, the minimal CLINT/PLIC/syscon device set, and
// whatever additional MMIO regions the caller attaches (spec §4.9
// "Machine lifecycle": "aggregates harts and devices").
type Machine struct {
	mu sync.Mutex

	bus   *riscv.Bus
	harts []*riscv.Hart
	disp  []*dispatch.Dispatcher

	clints  []*mmiodev.CLINT
	plic    *mmiodev.PLIC
	syscon  *mmiodev.Syscon
	running bool

	nextMMIOAddr uint64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Create allocates a machine with the requested RAM span and hart count,
// wires up CLINT/PLIC/syscon, and builds one dispatcher per hart
// ("rvvm_create", spec §6). It does not start execution; call Start for
// that.
func Create(opts Options) (*Machine, error) {
	if opts.HartCount <= 0 {
		opts.HartCount = 1
	}
	if opts.XLen == 0 {
		opts.XLen = riscv.XLEN64
	}
	if opts.Arch == rvjit.ArchInvalid {
		opts.Arch = hostArch()
	}

	bus := riscv.NewBus(opts.RAMBase, opts.RAMSize)

	m := &Machine{
		bus:          bus,
		nextMMIOAddr: opts.RAMBase + opts.RAMSize,
	}

	harts := make([]*riscv.Hart, opts.HartCount)
	for i := range harts {
		harts[i] = riscv.NewHart(i, opts.XLen, bus)
	}
	m.harts = harts

	for i, h := range harts {
		_, clint, err := mmiodev.NewCLINT(bus, clintBase+uint64(i)*mmiodev.CLINTSize, h)
		if err != nil {
			return nil, fmt.Errorf("rvvm: attach clint for hart %d: %w", i, err)
		}
		m.clints = append(m.clints, clint)
	}

	_, plic, err := mmiodev.NewPLIC(bus, plicBase, harts)
	if err != nil {
		return nil, fmt.Errorf("rvvm: attach plic: %w", err)
	}
	m.plic = plic

	_, syscon, err := mmiodev.NewSyscon(bus, sysconBase)
	if err != nil {
		return nil, fmt.Errorf("rvvm: attach syscon: %w", err)
	}
	m.syscon = syscon
	m.nextMMIOAddr = sysconBase + mmiodev.SysconSize

	disps := make([]*dispatch.Dispatcher, opts.HartCount)
	for i, h := range harts {
		d, err := dispatch.New(h, opts.Arch, opts.JITHeapSize)
		if err != nil {
			for _, prior := range disps[:i] {
				if prior != nil {
					_ = prior.Close()
				}
			}
			return nil, fmt.Errorf("rvvm: create dispatcher for hart %d: %w", i, err)
		}
		d.SetCLINT(m.clints[i])
		disps[i] = d
	}
	m.disp = disps

	return m, nil
}

func hostArch() rvjit.Arch {
	switch runtime.GOARCH {
	case "amd64":
		return rvjit.ArchAMD64
	case "arm64":
		return rvjit.ArchARM64
	case "arm":
		return rvjit.ArchARMv7
	case "riscv64":
		return rvjit.ArchRISCV
	default:
		return rvjit.ArchInvalid
	}
}

// Bus exposes the machine's bus, for callers that need to load a guest
// image into RAM before Start.
func (m *Machine) Bus() *riscv.Bus { return m.bus }

// Harts returns the machine's harts, e.g. to set an initial PC before
// Start.
func (m *Machine) Harts() []*riscv.Hart { return m.harts }

// PLIC exposes the shared interrupt controller so attached MMIO devices
// can raise interrupts via SetPending.
func (m *Machine) PLIC() *mmiodev.PLIC { return m.plic }

// AttachMMIO registers a device's MMIO region on the bus ("rvvm_attach_mmio",
// spec §6).
func (m *Machine) AttachMMIO(r riscv.MMIORegion) (riscv.RegionHandle, error) {
	return m.bus.Attach(r)
}

// MMIOZoneAuto picks a free address of the given size at or after
// preferredAddr ("rvvm_mmio_zone_auto", spec §6), so callers that don't
// care about exact placement (most virtio devices) don't have to track
// the layout themselves. It does not reserve the address; a subsequent
// AttachMMIO at the returned address is expected to follow immediately.
func (m *Machine) MMIOZoneAuto(preferredAddr, size uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := preferredAddr
	if addr < m.nextMMIOAddr {
		addr = m.nextMMIOAddr
	}
	probe := riscv.MMIORegion{Begin: addr, End: addr + size, Read: func(uint64, int) (uint64, bool) { return 0, true }, Write: func(uint64, int, uint64) bool { return true }}
	h, err := m.bus.Attach(probe)
	if err != nil {
		return 0, fmt.Errorf("rvvm: no free mmio zone of size %#x at or after %#x: %w", size, preferredAddr, err)
	}
	m.bus.Remove(h)
	m.nextMMIOAddr = addr + size
	return addr, nil
}

// Reset resets every hart and, if requested, every attached device
// ("rvvm_reset_machine", spec §4.9: "iterates devices calling reset hooks
// ... resets hart state, resumes or shuts down"). It is valid to call
// before the first Start (cold boot) or after Pause.
func (m *Machine) Reset(resetDevices bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.harts {
		h.Reset()
	}
	if resetDevices {
		m.bus.ResetAll()
	}
}

// Start runs the machine until ctx is canceled, a hart halts, or Pause is
// called: one goroutine per hart (spec §5: "one OS thread per hart"), plus
// the device eventloop goroutine ticking every attached region's Update
// hook at eventloopTick and watching the syscon stop flag. Start blocks
// until every goroutine has returned; coordinating their joint shutdown is
// exactly the errgroup use spec §5's "cancellation via closing a control
// sock-pair" generalizes to in Go.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("rvvm: machine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = group
	m.running = true
	m.mu.Unlock()

	for _, d := range m.disp {
		d := d
		group.Go(func() error { return d.Run(groupCtx) })
	}
	group.Go(func() error { return m.eventloop(groupCtx, cancel) })

	err := group.Wait()

	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.group = nil
	m.mu.Unlock()

	if err == context.Canceled {
		return nil
	}
	return err
}

// eventloop is the machine's ~100 Hz device tick (spec §4.9): it calls
// every attached region's Update hook and, once the guest's syscon write
// requests a stop, cancels the run so Start's per-hart goroutines
// unwind too.
func (m *Machine) eventloop(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(eventloopTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.bus.UpdateAll()
			if m.syscon.Stopped() {
				diag.Default.Warn("rvvm-syscon-stop", "rvvm: syscon requested stop", "reset", m.syscon.NeedsReset())
				cancel()
				return nil
			}
		}
	}
}

// Pause stops a running machine and waits for every hart and the
// eventloop to unwind ("rvvm_pause_machine", spec §6).
func (m *Machine) Pause() error {
	m.mu.Lock()
	cancel := m.cancel
	group := m.group
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if group != nil {
		if err := group.Wait(); err != nil && err != context.Canceled {
			return err
		}
	}
	return nil
}

// NeedsReset reports whether the guest's most recent syscon stop was a
// reset request rather than a plain poweroff.
func (m *Machine) NeedsReset() bool { return m.syscon.NeedsReset() }

// Free releases every dispatcher's JIT heap and trampoline shim and
// detaches every MMIO region ("rvvm_free", spec §6). The Machine must not
// be used afterward.
func (m *Machine) Free() error {
	_ = m.Pause()
	var firstErr error
	for _, d := range m.disp {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.bus.RemoveAll()
	return firstErr
}

// GetFDTSoc builds the flattened device tree blob describing this
// machine's CPUs, memory, CLINT, and PLIC ("rvvm_get_fdt_soc", spec §6),
// using internal/fdt's generic node builder -- the same builder the
// teacher's boot-test fixtures construct platform trees with, just with
// this machine's own address layout and hart count substituted in.
func (m *Machine) GetFDTSoc() ([]byte, error) {
	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"rvvm,virt"}},
			"model":          {Strings: []string{"rvvm virtual machine"}},
		},
	}

	cpus := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{0}},
		},
	}
	if len(m.clints) > 0 {
		ticksPerSecond := uint32(time.Second / time.Duration(m.clints[0].NsPerTick()))
		cpus.Properties["timebase-frequency"] = fdt.Property{U32: []uint32{ticksPerSecond}}
	}
	for i := range m.harts {
		cpus.Children = append(cpus.Children, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"cpu"}},
				"reg":         {U32: []uint32{uint32(i)}},
				"compatible":  {Strings: []string{"riscv"}},
				"status":      {Strings: []string{"okay"}},
			},
		})
	}
	root.Children = append(root.Children, cpus)

	root.Children = append(root.Children, fdt.Node{
		Name: fmt.Sprintf("memory@%x", m.bus.RAMBase()),
		Properties: map[string]fdt.Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U64: []uint64{m.bus.RAMBase(), m.bus.RAMSize()}},
		},
	})

	root.Children = append(root.Children, fdt.Node{
		Name: fmt.Sprintf("clint@%x", clintBase),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"riscv,clint0"}},
			"reg":        {U64: []uint64{clintBase, mmiodev.CLINTSize * uint64(len(m.harts))}},
		},
	})

	root.Children = append(root.Children, fdt.Node{
		Name: fmt.Sprintf("plic@%x", plicBase),
		Properties: map[string]fdt.Property{
			"compatible":       {Strings: []string{"riscv,plic0"}},
			"reg":              {U64: []uint64{plicBase, mmiodev.PLICSize}},
			"riscv,ndev":           {U32: []uint32{uint32(mmiodev.PLICMaxSources - 1)}},
			"interrupt-controller": {Flag: true},
		},
	})

	return fdt.Build(root)
}
