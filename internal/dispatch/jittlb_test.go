package dispatch

import "testing"

func TestJitTLBRoundsSizeUpToPowerOfTwo(t *testing.T) {
	tlb := newJITTLB(5)
	if len(tlb.slots) != 8 {
		t.Fatalf("len(slots) = %d, want 8", len(tlb.slots))
	}
}

func TestJitTLBFillAndLookup(t *testing.T) {
	tlb := newJITTLB(16)
	tlb.fill(0x1000, 0xdead0000)

	entry, ok := tlb.lookup(0x1000)
	if !ok || entry != 0xdead0000 {
		t.Fatalf("lookup(0x1000) = (%#x, %v), want (0xdead0000, true)", entry, ok)
	}

	if _, ok := tlb.lookup(0x2000); ok {
		t.Fatalf("lookup(0x2000) hit on an empty slot")
	}
}

func TestJitTLBCollisionEvictsPriorEntry(t *testing.T) {
	tlb := newJITTLB(16)
	// index is (pc>>2)&mask, so pc and pc+16*4 collide in a 16-slot table.
	const stride = 16 * 4
	tlb.fill(0x100, 0xaaaa)
	tlb.fill(0x100+stride, 0xbbbb)

	if _, ok := tlb.lookup(0x100); ok {
		t.Fatalf("lookup(0x100) still hit after a colliding fill evicted it")
	}
	entry, ok := tlb.lookup(0x100 + stride)
	if !ok || entry != 0xbbbb {
		t.Fatalf("lookup(0x100+stride) = (%#x, %v), want (0xbbbb, true)", entry, ok)
	}
}

func TestJitTLBFlushClearsAllSlots(t *testing.T) {
	tlb := newJITTLB(16)
	tlb.fill(0x100, 0xaaaa)
	tlb.fill(0x200, 0xbbbb)

	tlb.flush()

	if _, ok := tlb.lookup(0x100); ok {
		t.Fatalf("lookup(0x100) hit after flush")
	}
	if _, ok := tlb.lookup(0x200); ok {
		t.Fatalf("lookup(0x200) hit after flush")
	}
}
