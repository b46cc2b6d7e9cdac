package dispatch

import (
	"testing"

	"github.com/nanorv/rvvm/internal/riscv"
	"github.com/nanorv/rvvm/internal/rvjit"
)

func newTestHart(t *testing.T) (*riscv.Hart, *riscv.Bus) {
	t.Helper()
	bus := riscv.NewBus(0x8000_0000, 1<<20)
	h := riscv.NewHart(0, riscv.XLEN64, bus)
	return h, bus
}

func loadProgram(bus *riscv.Bus, code []uint32) {
	for i, insn := range code {
		bus.Write(bus.RAMBase()+uint64(i*4), 4, uint64(insn))
	}
}

func TestTranslateBlockStopsBeforeLoadStore(t *testing.T) {
	h, bus := newTestHart(t)
	code := []uint32{
		0x00a00513, // addi a0, zero, 10
		0x00300593, // addi a1, zero, 3
		0x00b50633, // add a2, a0, a1
		0x00052603, // lw a2, 0(a0)  -- declined, should truncate the block here
		0x00300593, // addi a1, zero, 3
	}
	loadProgram(bus, code)
	h.PC = bus.RAMBase()

	b, ok := translateBlock(h, h.PC)
	if !ok {
		t.Fatalf("translateBlock declined a block starting with translatable instructions")
	}
	if got, want := len(b.Instructions()), 3; got != want {
		t.Fatalf("len(Instructions()) = %d, want %d (lw must not be translated)", got, want)
	}
	exit := b.GetExit()
	if exit == nil {
		t.Fatalf("GetExit() = nil, want a tail exit to the lw instruction's PC")
	}
}

func TestTranslateBlockDeclinesOnFirstUnsupportedInstruction(t *testing.T) {
	h, bus := newTestHart(t)
	code := []uint32{
		0x00052603, // lw a2, 0(a0)
	}
	loadProgram(bus, code)
	h.PC = bus.RAMBase()

	if _, ok := translateBlock(h, h.PC); ok {
		t.Fatalf("translateBlock accepted a block whose first instruction is a load")
	}
}

func TestTranslateBlockStopsAtBranch(t *testing.T) {
	h, bus := newTestHart(t)
	code := []uint32{
		0x00a00513, // addi a0, zero, 10
		0x00b50063, // beq a0, a1, +0 (funct3=0, taken/not-taken both valid targets)
		0x00300593, // addi a1, zero, 3
	}
	loadProgram(bus, code)
	h.PC = bus.RAMBase()

	b, ok := translateBlock(h, h.PC)
	if !ok {
		t.Fatalf("translateBlock declined a block starting with translatable instructions")
	}
	if got, want := len(b.Instructions()), 1; got != want {
		t.Fatalf("len(Instructions()) = %d, want %d (branch is a block-ending exit, not a plain instruction)", got, want)
	}
	if b.GetExit() == nil {
		t.Fatalf("GetExit() = nil, want the branch's conditional exit")
	}
}

func TestTranslateOneSkipsEmissionWhenRdIsX0(t *testing.T) {
	b := rvjit.NewBuilder(rvjit.Width64, 0)
	// addi x0, a0, 5 -- destination is the zero register, must emit nothing.
	insn := uint32(0x00550013)
	if !translateOne(b, rvjit.Width64, insn, 0) {
		t.Fatalf("translateOne declined an ADDI")
	}
	if got := len(b.Instructions()); got != 0 {
		t.Fatalf("len(Instructions()) = %d, want 0 for an rd==x0 destination", got)
	}
}

func TestTranslateOneDeclinesMulDiv(t *testing.T) {
	b := rvjit.NewBuilder(rvjit.Width64, 0)
	// mul a2, a0, a1 (OP, funct7=0000001, funct3=0)
	insn := uint32(0x02b50633)
	if translateOne(b, rvjit.Width64, insn, 0) {
		t.Fatalf("translateOne accepted an M-extension instruction")
	}
}

func TestImmDecodersMatchKnownEncodings(t *testing.T) {
	// lui a0, 0x12345 -> imm = 0x12345000
	if got, want := immU(0x12345537), int64(0x12345000); got != want {
		t.Fatalf("immU = %#x, want %#x", got, want)
	}
	// jal x0, -4  (infinite loop back to self)
	if got, want := immJ(0xffdff06f), int64(-4); got != want {
		t.Fatalf("immJ = %d, want %d", got, want)
	}
}
