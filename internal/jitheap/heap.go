// Package jitheap implements the RVJIT code arena (spec §4.6, component
// C6): a bump-allocated executable region, a phys_pc -> host entry point
// map, and the pending-link bookkeeping that resolves tail-exit patches as
// sibling blocks finalize.
package jitheap

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nanorv/rvvm/internal/diag"
	"github.com/nanorv/rvvm/internal/rvjit"
)

// DefaultSize bounds how much translated code the arena holds before a
// full flush. Spec §4.6: "When the arena fills, the entire heap is
// flushed: map cleared, cursor reset, pending link list freed, icache
// invalidated."
const DefaultSize = 16 << 20

// blockLoc is where one finalized block's code lives within the arena.
type blockLoc struct {
	off, size int
}

// waiter is a block's tail-exit link whose destination had not yet been
// installed at the time the block itself was finalized.
type waiter struct {
	fromPC uint64
	link   rvjit.PendingLink
}

// Heap is the JIT code arena described by the "JIT heap" glossary entry:
// a contiguous arena, a bump cursor, a phys_pc -> host_code_pointer map,
// and a phys_pc -> pending patch sites multimap.
//
// The arena is backed by a single anonymous shared memory object mapped
// twice — once RW for staging new code and patches, once RX for
// execution (spec §9, "dual mapping: writable alias + executable alias").
// Code is always written through the RW alias; the host program counter
// only ever points into the RX alias. This keeps W^X intact without the
// per-patch mprotect toggling a single RWX-flip mapping would otherwise
// need.
type Heap struct {
	mu       sync.Mutex
	backend  rvjit.Backend
	pageSize int

	rw     []byte
	rx     []byte
	rxBase uintptr

	cursor     int
	blocks     map[uint64]blockLoc
	pending    map[uint64][]waiter
	generation uint64
}

// New maps a fresh dual-aliased arena of size bytes, rounded up to a whole
// number of pages. size <= 0 selects DefaultSize.
func New(backend rvjit.Backend, size int) (*Heap, error) {
	if size <= 0 {
		size = DefaultSize
	}
	pageSize := unix.Getpagesize()
	size = ((size + pageSize - 1) / pageSize) * pageSize

	fd, err := unix.MemfdCreate("rvjit-heap", 0)
	if err != nil {
		diag.Default.Warn("jitheap-memfd", "jitheap: memfd_create failed, no JIT arena available", "err", err)
		return nil, fmt.Errorf("jitheap: memfd_create: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		diag.Default.Warn("jitheap-ftruncate", "jitheap: ftruncate failed, no JIT arena available", "err", err)
		return nil, fmt.Errorf("jitheap: ftruncate: %w", err)
	}

	// Host faults here (spec §7) degrade the whole dispatcher to the
	// interpreter path, since New's caller fails and the dispatcher is
	// never constructed -- still worth a deduplicated warning rather than
	// a silent error return, since a caller retrying New on every reset
	// would otherwise spam the same mmap failure once per reset.
	rw, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		diag.Default.Warn("jitheap-mmap-rw", "jitheap: mmap writable alias failed, degrading to interpreter", "err", err)
		return nil, fmt.Errorf("jitheap: mmap writable alias: %w", err)
	}
	rx, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		diag.Default.Warn("jitheap-mmap-rx", "jitheap: mmap executable alias failed, degrading to interpreter", "err", err)
		_ = unix.Munmap(rw)
		return nil, fmt.Errorf("jitheap: mmap executable alias: %w", err)
	}

	return &Heap{
		backend:  backend,
		pageSize: pageSize,
		rw:       rw,
		rx:       rx,
		rxBase:   uintptr(unsafe.Pointer(&rx[0])),
		blocks:   make(map[uint64]blockLoc),
		pending:  make(map[uint64][]waiter),
	}, nil
}

// Close unmaps both aliases. The Heap must not be used afterward.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err1 := unix.Munmap(h.rw)
	err2 := unix.Munmap(h.rx)
	if err1 != nil {
		return err1
	}
	return err2
}

// Lookup returns the host entry point for physPC's cached block, if any.
func (h *Heap) Lookup(physPC uint64) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	loc, ok := h.blocks[physPC]
	if !ok {
		return 0, false
	}
	return h.rxBase + uintptr(loc.off), true
}

// Install copies cb's code into the arena, registers it at physPC, and
// resolves whichever pending links it can. Links whose destination is not
// yet known, or whose destination lands on a different page than the
// patch site, stay on the dispatcher-trampoline slow path: spec §4.6
// requires cross-page tail links to go through the JIT-TLB lookup instead
// of being patched directly, "because a cross-page target may later be
// invalidated independently".
func (h *Heap) Install(physPC uint64, cb rvjit.CodeBlock) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.blocks[physPC]; exists {
		return 0, fmt.Errorf("jitheap: phys_pc %#x already installed", physPC)
	}

	size := len(cb.Code)
	if h.cursor+size > len(h.rw) {
		h.flushLocked()
		if size > len(h.rw) {
			return 0, fmt.Errorf("jitheap: block of %d bytes exceeds arena size %d", size, len(h.rw))
		}
	}

	off := h.cursor
	copy(h.rw[off:off+size], cb.Code)
	h.cursor += size
	h.blocks[physPC] = blockLoc{off: off, size: size}
	flushICache(h.rxBase+uintptr(off), size)

	for _, link := range cb.Links {
		if dest, ok := h.blocks[link.DestPC]; ok && h.samePage(off+link.Site, dest.off) {
			if err := h.backend.PatchTailLink(h.rw[off:off+size], link, h.rxBase+uintptr(dest.off)); err != nil {
				return 0, fmt.Errorf("jitheap: patch tail link: %w", err)
			}
			continue
		}
		h.pending[link.DestPC] = append(h.pending[link.DestPC], waiter{fromPC: physPC, link: link})
	}

	if waiters, ok := h.pending[physPC]; ok {
		delete(h.pending, physPC)
		for _, w := range waiters {
			src, ok := h.blocks[w.fromPC]
			if !ok {
				continue // the waiting block's own arena slot was since reclaimed by a flush
			}
			if !h.samePage(src.off+w.link.Site, off) {
				continue
			}
			if err := h.backend.PatchTailLink(h.rw[src.off:src.off+src.size], w.link, h.rxBase+uintptr(off)); err != nil {
				return 0, fmt.Errorf("jitheap: patch tail link: %w", err)
			}
		}
	}

	return h.rxBase + uintptr(off), nil
}

func (h *Heap) samePage(patchSiteOff, destOff int) bool {
	return patchSiteOff/h.pageSize == destOff/h.pageSize
}

// Flush discards every cached block and pending link, and resets the bump
// cursor to the start of the arena. Callers invoke this when the arena
// fills, on FENCE.I (spec §4.3: "FENCE.I invalidates the JIT cache"), and
// when a guest store lands on a physical page the self-modifying-code
// tracker marks as having cached blocks (spec §9, "Self-modifying code and
// the JIT").
func (h *Heap) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
}

func (h *Heap) flushLocked() {
	h.cursor = 0
	h.blocks = make(map[uint64]blockLoc)
	h.pending = make(map[uint64][]waiter)
	h.generation++
	flushICache(h.rxBase, len(h.rx))
}

// Generation returns a counter incremented on every flush (explicit, or
// the implicit one Install triggers when the arena fills). A cache that
// memoizes entries returned by Lookup or Install -- internal/dispatch's
// JIT-TLB -- must drop everything it holds when this counter changes,
// since a later Install can reuse the same arena offsets for unrelated
// code.
func (h *Heap) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// Len reports how many bytes of the arena are currently in use, for
// diagnostics and the arena-fill heuristics in internal/dispatch.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Cap reports the arena's total size in bytes.
func (h *Heap) Cap() int {
	return len(h.rw)
}
