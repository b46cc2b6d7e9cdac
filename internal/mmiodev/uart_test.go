package mmiodev

import (
	"bytes"
	"testing"

	"github.com/nanorv/rvvm/internal/riscv"
)

func TestUARTTransmitWritesThrough(t *testing.T) {
	bus, _ := newTestHart(t)
	var out bytes.Buffer
	_, _, err := NewUART(bus, 0x10000000, &out, nil, 0)
	if err != nil {
		t.Fatalf("NewUART: %v", err)
	}

	for _, b := range []byte("ok") {
		bus.Write(0x10000000+uartRegRBR, 1, uint64(b))
	}
	if out.String() != "ok" {
		t.Fatalf("transmitted output = %q, want %q", out.String(), "ok")
	}
}

func TestUARTReceiveQueueAndLSR(t *testing.T) {
	bus, _ := newTestHart(t)
	_, uart, err := NewUART(bus, 0x10000000, nil, nil, 0)
	if err != nil {
		t.Fatalf("NewUART: %v", err)
	}

	lsr, _ := bus.Read(0x10000000+uartRegLSR, 1)
	if lsr&uartLSRDataReady != 0 {
		t.Fatal("LSR data-ready should be clear with an empty receive queue")
	}

	uart.PushInput([]byte("hi"))
	lsr, _ = bus.Read(0x10000000+uartRegLSR, 1)
	if lsr&uartLSRDataReady == 0 {
		t.Fatal("LSR data-ready should be set once input is pushed")
	}

	v, _ := bus.Read(0x10000000+uartRegRBR, 1)
	if v != 'h' {
		t.Fatalf("first RBR read = %q, want 'h'", v)
	}
	v, _ = bus.Read(0x10000000+uartRegRBR, 1)
	if v != 'i' {
		t.Fatalf("second RBR read = %q, want 'i'", v)
	}

	lsr, _ = bus.Read(0x10000000+uartRegLSR, 1)
	if lsr&uartLSRDataReady != 0 {
		t.Fatal("LSR data-ready should clear once the queue is drained")
	}
}

func TestUARTRaisesPLICInterruptWhenEnabled(t *testing.T) {
	bus, hart := newTestHart(t)
	_, plic, err := NewPLIC(bus, 0xc000000, []*riscv.Hart{hart})
	if err != nil {
		t.Fatalf("NewPLIC: %v", err)
	}
	_, uart, err := NewUART(bus, 0x10000000, nil, plic, 5)
	if err != nil {
		t.Fatalf("NewUART: %v", err)
	}

	const mContext = 0
	bus.Write(0xc000000+plicPriorityBase+5*4, 4, 1)
	bus.Write(0xc000000+plicEnableBase+mContext*plicEnableStride, 4, 1<<5)
	bus.Write(0xc000000+plicThresholdBase+mContext*plicContextStride, 4, 0)

	// IER receive-data-available bit unset: pushing input must not raise the IRQ.
	uart.PushInput([]byte("x"))
	if hart.Mip&riscv.MipMEIP != 0 {
		t.Fatal("MEIP should stay clear while IER receive bit is unset")
	}

	bus.Write(0x10000000+uartRegIER, 1, 0x01)
	uart.PushInput([]byte("y"))
	if hart.Mip&riscv.MipMEIP == 0 {
		t.Fatal("expected MEIP set once IER enables receive interrupts with data queued")
	}

	bus.Read(0x10000000+uartRegRBR, 1)
	bus.Read(0x10000000+uartRegRBR, 1)
	if hart.Mip&riscv.MipMEIP != 0 {
		t.Fatal("expected MEIP clear once the receive queue drains")
	}
}

func TestUARTFCRResetClearsReceiveQueue(t *testing.T) {
	bus, _ := newTestHart(t)
	_, uart, err := NewUART(bus, 0x10000000, nil, nil, 0)
	if err != nil {
		t.Fatalf("NewUART: %v", err)
	}

	uart.PushInput([]byte("abc"))
	bus.Write(0x10000000+uartRegIIR, 1, 0x02) // FCR: clear receive FIFO

	lsr, _ := bus.Read(0x10000000+uartRegLSR, 1)
	if lsr&uartLSRDataReady != 0 {
		t.Fatal("FCR clear-RX should empty the receive queue")
	}
}
