package jitheap

import (
	"encoding/binary"
	"testing"

	"github.com/nanorv/rvvm/internal/rvjit"
)

// fakeBackend is a minimal rvjit.Backend stand-in. Tail links are encoded
// as an 8-byte little-endian placeholder that PatchTailLink overwrites
// with the patched destination, so tests can assert on patched bytes
// without any real machine code.
type fakeBackend struct{}

func (fakeBackend) Arch() rvjit.Arch          { return rvjit.ArchInvalid }
func (fakeBackend) DefaultHRegMask() uint32   { return 0 }
func (fakeBackend) ABIReclaimHRegMask() uint32 { return 0 }
func (fakeBackend) ZeroHReg() int             { return 0 }

func (fakeBackend) Emit(b *rvjit.Builder, dispatchTrampoline uintptr) (rvjit.CodeBlock, error) {
	return rvjit.CodeBlock{}, nil
}

func (fakeBackend) PatchTailLink(code []byte, link rvjit.PendingLink, dest uintptr) error {
	binary.LittleEndian.PutUint64(code[link.Site:link.Site+8], uint64(dest))
	return nil
}

func block(n int, link *rvjit.PendingLink) rvjit.CodeBlock {
	code := make([]byte, n)
	for i := range code {
		code[i] = 0xCC
	}
	cb := rvjit.CodeBlock{Code: code}
	if link != nil {
		cb.Links = []rvjit.PendingLink{*link}
	}
	return cb
}

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := New(fakeBackend{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestInstallAndLookup(t *testing.T) {
	h := newTestHeap(t)

	entry, err := h.Install(0x1000, block(16, nil))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, ok := h.Lookup(0x1000)
	if !ok || got != entry {
		t.Fatalf("Lookup = (%#x, %v), want (%#x, true)", got, ok, entry)
	}
	if _, ok := h.Lookup(0x2000); ok {
		t.Fatalf("Lookup for unknown phys_pc reported present")
	}
}

func TestInstallDuplicatePhysPCErrors(t *testing.T) {
	h := newTestHeap(t)
	if _, err := h.Install(0x1000, block(16, nil)); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := h.Install(0x1000, block(16, nil)); err == nil {
		t.Fatalf("expected error re-installing phys_pc %#x", 0x1000)
	}
}

func TestPatchTailLinkSamePage(t *testing.T) {
	h := newTestHeap(t)

	destEntry, err := h.Install(0x2000, block(16, nil))
	if err != nil {
		t.Fatalf("Install dest: %v", err)
	}

	link := rvjit.PendingLink{Kind: rvjit.LinkTail, DestPC: 0x2000, Site: 4}
	srcEntry, err := h.Install(0x1000, block(16, &link))
	if err != nil {
		t.Fatalf("Install src: %v", err)
	}

	got := binary.LittleEndian.Uint64(h.rw[int(srcEntry-h.rxBase)+4:])
	if got != uint64(destEntry) {
		t.Fatalf("patched site = %#x, want %#x", got, destEntry)
	}
}

func TestPendingLinkResolvesWhenDestinationArrivesLater(t *testing.T) {
	h := newTestHeap(t)

	link := rvjit.PendingLink{Kind: rvjit.LinkTail, DestPC: 0x2000, Site: 4}
	srcEntry, err := h.Install(0x1000, block(16, &link))
	if err != nil {
		t.Fatalf("Install src: %v", err)
	}
	if got := binary.LittleEndian.Uint64(h.rw[int(srcEntry-h.rxBase)+4:]); got != 0 {
		t.Fatalf("site patched before destination existed: %#x", got)
	}

	destEntry, err := h.Install(0x2000, block(16, nil))
	if err != nil {
		t.Fatalf("Install dest: %v", err)
	}

	got := binary.LittleEndian.Uint64(h.rw[int(srcEntry-h.rxBase)+4:])
	if got != uint64(destEntry) {
		t.Fatalf("patched site = %#x, want %#x", got, destEntry)
	}
}

func TestCrossPageLinkNeverPatched(t *testing.T) {
	h := newTestHeap(t)

	// Pad the cursor past a page boundary so the destination block lands
	// on a different page than the source block's patch site.
	pad := h.pageSize - 16
	if _, err := h.Install(0x0FFF, block(pad, nil)); err != nil {
		t.Fatalf("Install pad: %v", err)
	}

	link := rvjit.PendingLink{Kind: rvjit.LinkTail, DestPC: 0x2000, Site: 4}
	srcEntry, err := h.Install(0x1000, block(16, &link))
	if err != nil {
		t.Fatalf("Install src: %v", err)
	}

	if _, err := h.Install(0x2000, block(16, nil)); err != nil {
		t.Fatalf("Install dest: %v", err)
	}

	if got := binary.LittleEndian.Uint64(h.rw[int(srcEntry-h.rxBase)+4:]); got != 0 {
		t.Fatalf("cross-page link was patched: %#x", got)
	}
}

func TestFlushResetsArenaAndPending(t *testing.T) {
	h := newTestHeap(t)

	if _, err := h.Install(0x1000, block(16, nil)); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if h.Len() == 0 {
		t.Fatalf("Len() = 0 after Install")
	}

	h.Flush()

	if h.Len() != 0 {
		t.Fatalf("Len() = %d after Flush, want 0", h.Len())
	}
	if _, ok := h.Lookup(0x1000); ok {
		t.Fatalf("Lookup found block after Flush")
	}
}

func TestInstallFlushesWhenArenaFills(t *testing.T) {
	h, err := New(fakeBackend{}, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	if _, err := h.Install(0x1000, block(h.Cap()-16, nil)); err != nil {
		t.Fatalf("Install first: %v", err)
	}
	if _, err := h.Install(0x2000, block(32, nil)); err != nil {
		t.Fatalf("Install second (should flush and retry): %v", err)
	}
	if _, ok := h.Lookup(0x1000); ok {
		t.Fatalf("first block survived an arena-fill flush")
	}
	if _, ok := h.Lookup(0x2000); !ok {
		t.Fatalf("second block missing after arena-fill flush")
	}
}

func TestInstallTooLargeForArenaErrors(t *testing.T) {
	h, err := New(fakeBackend{}, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	if _, err := h.Install(0x1000, block(h.Cap()+1, nil)); err == nil {
		t.Fatalf("expected error installing a block larger than the arena")
	}
}
