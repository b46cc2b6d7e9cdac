package mmiodev

import (
	"io"
	"sync"

	"github.com/nanorv/rvvm/internal/riscv"
)

// UART register offsets (16550-compatible), relative to the region base.
const (
	uartRegRBR = 0 // receive buffer (read) / transmit holding (write)
	uartRegIER = 1
	uartRegIIR = 2 // interrupt identification (read) / FIFO control (write)
	uartRegLCR = 3
	uartRegMCR = 4
	uartRegLSR = 5
	uartRegMSR = 6
	uartRegSCR = 7
)

const (
	uartLSRDataReady = 1 << 0
	uartLSRTHREmpty  = 1 << 5
	uartLSRTxEmpty   = 1 << 6
)

const uartIIRNoInterrupt = 1 << 0

// UARTSize is the conventional 16550 register window.
const UARTSize = 0x100

// UART implements a single 16550-compatible serial port (spec §6's device
// set is scoped to CLINT/PLIC/syscon, but a console is the one MMIO model
// cmd/rvvm needs to exercise a guest interactively; adapted from the
// teacher's internal/hv/riscv/rv64/uart.go register layout to the bus's
// closure ABI and a channel-fed input path instead of an externally-pushed
// buffer, since here input arrives concurrently from a raw-mode stdin
// reader goroutine rather than a single-threaded step loop).
type UART struct {
	out io.Writer

	mu      sync.Mutex
	ier     uint8
	lcr     uint8
	mcr     uint8
	scr     uint8
	dll     uint8
	dlh     uint8
	rxQueue []byte

	plic   *PLIC
	irq    uint32
}

// NewUART creates a UART that writes guest TX output to out and attaches
// it to bus at base. If plic and irq are non-zero, received bytes raise
// irq on plic for as long as the receive queue is non-empty.
func NewUART(bus *riscv.Bus, base uint64, out io.Writer, plic *PLIC, irq uint32) (riscv.RegionHandle, *UART, error) {
	u := &UART{out: out, plic: plic, irq: irq}
	h, err := bus.Attach(riscv.MMIORegion{
		Begin:     base,
		End:       base + UARTSize,
		MinOpSize: 1,
		MaxOpSize: 1,
		Read:      u.read,
		Write:     u.write,
		Reset:     u.reset,
		Type:      "uart",
	})
	if err != nil {
		return 0, nil, err
	}
	return h, u, nil
}

// PushInput enqueues bytes received from the host side (e.g. a raw-mode
// stdin reader) for the guest to read back via RBR, and raises the
// receive-data interrupt if one is wired.
func (u *UART) PushInput(data []byte) {
	u.mu.Lock()
	u.rxQueue = append(u.rxQueue, data...)
	u.mu.Unlock()
	u.updateInterruptLocked()
}

func (u *UART) lsrLocked() uint8 {
	lsr := uint8(uartLSRTHREmpty | uartLSRTxEmpty)
	if len(u.rxQueue) > 0 {
		lsr |= uartLSRDataReady
	}
	return lsr
}

func (u *UART) dlab() bool { return u.lcr&0x80 != 0 }

func (u *UART) read(offset uint64, size int) (uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case uartRegRBR:
		if u.dlab() {
			return uint64(u.dll), true
		}
		if len(u.rxQueue) == 0 {
			return 0, true
		}
		b := u.rxQueue[0]
		u.rxQueue = u.rxQueue[1:]
		return uint64(b), true
	case uartRegIER:
		if u.dlab() {
			return uint64(u.dlh), true
		}
		return uint64(u.ier), true
	case uartRegIIR:
		if u.ier&0x01 != 0 && len(u.rxQueue) > 0 {
			return 0x04, true
		}
		return uartIIRNoInterrupt, true
	case uartRegLCR:
		return uint64(u.lcr), true
	case uartRegMCR:
		return uint64(u.mcr), true
	case uartRegLSR:
		return uint64(u.lsrLocked()), true
	case uartRegMSR:
		return 0, true
	case uartRegSCR:
		return uint64(u.scr), true
	}
	return 0, true
}

func (u *UART) write(offset uint64, size int, value uint64) bool {
	u.mu.Lock()
	data := uint8(value)
	switch offset {
	case uartRegRBR:
		if u.dlab() {
			u.dll = data
			u.mu.Unlock()
			return true
		}
		out := u.out
		u.mu.Unlock()
		if out != nil {
			out.Write([]byte{data})
		}
		return true
	case uartRegIER:
		if u.dlab() {
			u.dlh = data
		} else {
			u.ier = data
		}
	case uartRegIIR: // FCR on write
		if data&0x02 != 0 {
			u.rxQueue = nil
		}
	case uartRegLCR:
		u.lcr = data
	case uartRegMCR:
		u.mcr = data
	case uartRegSCR:
		u.scr = data
	}
	u.mu.Unlock()
	u.updateInterruptLocked()
	return true
}

func (u *UART) reset() {
	u.mu.Lock()
	u.ier, u.lcr, u.mcr, u.scr, u.dll, u.dlh = 0, 0, 0, 0, 0, 0
	u.rxQueue = nil
	u.mu.Unlock()
	u.updateInterruptLocked()
}

func (u *UART) updateInterruptLocked() {
	if u.plic == nil || u.irq == 0 {
		return
	}
	u.mu.Lock()
	pending := u.ier&0x01 != 0 && len(u.rxQueue) > 0
	u.mu.Unlock()
	u.plic.SetPending(u.irq, pending)
}
