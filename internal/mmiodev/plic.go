package mmiodev

import (
	"sync"

	"github.com/nanorv/rvvm/internal/riscv"
)

// PLIC register layout, relative to the region base. Real PLICs give each
// (hart, privilege) pair its own context; this one follows the usual SiFive
// numbering where context 2*h is hart h's M-mode view and 2*h+1 is its
// S-mode view.
const (
	plicPriorityBase  = 0x000000
	plicPendingBase   = 0x001000
	plicEnableBase    = 0x002000
	plicThresholdBase = 0x200000
	plicContextStride = 0x1000
	plicEnableStride  = 0x80
)

// PLICMaxSources bounds the number of distinct interrupt sources; source 0
// is reserved (means "no interrupt").
const PLICMaxSources = 1024

// PLICSize is the conventional PLIC MMIO window large enough to cover every
// context's threshold/claim pair for up to 15872 contexts; devices here
// only ever populate as many contexts as harts*2.
const PLICSize = 0x4000000

// PLIC implements the Platform-Level Interrupt Controller shared by every
// hart in the machine (spec §6). One PLIC instance is attached once to the
// bus and fans claimed interrupts out to each hart's MEIP/SEIP bits.
type PLIC struct {
	mu sync.Mutex

	harts []*riscv.Hart

	priority  [PLICMaxSources]uint32
	pending   [PLICMaxSources / 32]uint32
	enable    [][PLICMaxSources / 32]uint32 // indexed by context
	threshold []uint32
	claimed   []uint32
}

// NewPLIC creates a PLIC serving the given harts (context 2*i is harts[i]'s
// M-mode view, 2*i+1 its S-mode view) and attaches it to bus at base.
func NewPLIC(bus *riscv.Bus, base uint64, harts []*riscv.Hart) (riscv.RegionHandle, *PLIC, error) {
	n := len(harts) * 2
	p := &PLIC{
		harts:     harts,
		enable:    make([][PLICMaxSources / 32]uint32, n),
		threshold: make([]uint32, n),
		claimed:   make([]uint32, n),
	}

	h, err := bus.Attach(riscv.MMIORegion{
		Begin:     base,
		End:       base + PLICSize,
		MinOpSize: 4,
		MaxOpSize: 4,
		Read:      p.read,
		Write:     p.write,
		Reset:     p.reset,
		Type:      "plic",
	})
	if err != nil {
		return 0, nil, err
	}
	return h, p, nil
}

func (p *PLIC) numContexts() int { return len(p.threshold) }

func (p *PLIC) read(offset uint64, size int) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), true
		}
	case offset >= plicPendingBase && offset < plicEnableBase:
		word := (offset - plicPendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), true
		}
	case offset >= plicEnableBase && offset < plicThresholdBase:
		rel := offset - plicEnableBase
		ctx := rel / plicEnableStride
		word := (rel % plicEnableStride) / 4
		if int(ctx) < p.numContexts() && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[ctx][word]), true
		}
	case offset >= plicThresholdBase:
		rel := offset - plicThresholdBase
		ctx := rel / plicContextStride
		reg := rel % plicContextStride
		if int(ctx) < p.numContexts() {
			switch reg {
			case 0:
				return uint64(p.threshold[ctx]), true
			case 4:
				return uint64(p.claimLocked(int(ctx))), true
			}
		}
	}
	return 0, true
}

func (p *PLIC) write(offset uint64, size int, value uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		source := offset / 4
		if source > 0 && source < PLICMaxSources {
			p.priority[source] = uint32(value) & 7
		}
	case offset >= plicEnableBase && offset < plicThresholdBase:
		rel := offset - plicEnableBase
		ctx := rel / plicEnableStride
		word := (rel % plicEnableStride) / 4
		if int(ctx) < p.numContexts() && word < uint64(len(p.enable[0])) {
			p.enable[ctx][word] = uint32(value)
		}
	case offset >= plicThresholdBase:
		rel := offset - plicThresholdBase
		ctx := rel / plicContextStride
		reg := rel % plicContextStride
		if int(ctx) < p.numContexts() {
			switch reg {
			case 0:
				p.threshold[ctx] = uint32(value) & 7
			case 4:
				p.completeLocked(int(ctx), uint32(value))
			}
		}
	}
	p.updateInterrupts()
	return true
}

func (p *PLIC) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = [PLICMaxSources]uint32{}
	p.pending = [PLICMaxSources / 32]uint32{}
	for i := range p.enable {
		p.enable[i] = [PLICMaxSources / 32]uint32{}
		p.threshold[i] = 0
		p.claimed[i] = 0
	}
}

// SetPending raises or lowers an interrupt source, as an MMIO device (UART,
// virtio queue, NIC) does when it has work for the guest.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
	p.updateInterrupts()
}

func (p *PLIC) claimLocked(ctx int) uint32 {
	var bestSource, bestPriority uint32
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 || p.enable[ctx][word]&(1<<bit) == 0 {
			continue
		}
		if prio := p.priority[source]; prio > p.threshold[ctx] && prio > bestPriority {
			bestPriority, bestSource = prio, source
		}
	}
	if bestSource != 0 {
		word, bit := bestSource/32, bestSource%32
		p.pending[word] &^= 1 << bit
		p.claimed[ctx] = bestSource
	}
	p.updateInterrupts()
	return bestSource
}

func (p *PLIC) completeLocked(ctx int, source uint32) {
	if source == 0 || source >= PLICMaxSources {
		return
	}
	if p.claimed[ctx] == source {
		p.claimed[ctx] = 0
	}
	p.updateInterrupts()
}

func (p *PLIC) hasPendingLocked(ctx int) bool {
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 || p.enable[ctx][word]&(1<<bit) == 0 {
			continue
		}
		if p.priority[source] > p.threshold[ctx] {
			return true
		}
	}
	return false
}

// updateInterrupts must be called with p.mu held; it fans claimable
// interrupts out to MEIP (even contexts) / SEIP (odd contexts) on each
// context's owning hart.
func (p *PLIC) updateInterrupts() {
	for ctx := 0; ctx < p.numContexts(); ctx++ {
		hart := p.harts[ctx/2]
		bit := riscv.MipMEIP
		if ctx%2 == 1 {
			bit = riscv.MipSEIP
		}
		if p.hasPendingLocked(ctx) {
			hart.Mip |= bit
		} else {
			hart.Mip &^= bit
		}
	}
}
