package dispatch

import (
	"context"
	"errors"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/nanorv/rvvm/internal/diag"
	"github.com/nanorv/rvvm/internal/jitheap"
	"github.com/nanorv/rvvm/internal/riscv"
	"github.com/nanorv/rvvm/internal/rvjit"
)

// wfiPollInterval is the fallback sleep for a parked hart whose TimeCmp is
// at its reset value (no timer programmed, so there is nothing to bound
// the sleep by) or whose mtimecmp would imply a wait under the floor.
const wfiPollInterval = 200 * time.Microsecond

// wfiMinSleep and wfiMaxSleep bound the sleep computed from TimeCmp, so a
// hart parked with mtimecmp already in the past still gets a short yield
// rather than a busy spin, and one parked with mtimecmp far in the future
// still wakes occasionally to notice ctx cancellation.
const (
	wfiMinSleep = 50 * time.Microsecond
	wfiMaxSleep = 10 * time.Millisecond
)

// clintTimer is the subset of internal/mmiodev.CLINT the dispatcher needs
// to bound a WFI sleep by the hart's programmed mtimecmp (spec §4.7)
// instead of polling at a fixed interval regardless of how soon the timer
// is due. Declared locally so internal/dispatch does not import
// internal/mmiodev just for this one method pair.
type clintTimer interface {
	Mtime() uint64
	NsPerTick() uint64
}

// Dispatcher drives one hart's fetch/translate/execute loop (spec §4.7):
// each iteration consults the JIT-TLB, falls back to the heap's block map
// on a miss, translates a fresh block when neither has one, and otherwise
// interprets exactly the one instruction the translator declined.
type Dispatcher struct {
	hart    *riscv.Hart
	backend rvjit.Backend
	heap    *jitheap.Heap
	tlb     *jitTLB

	trampolineBase    uintptr
	releaseTrampoline func() error

	regsPtr    uintptr
	generation uint64

	clint clintTimer
}

// SetCLINT wires a CLINT into the dispatcher so Run can bound a parked
// hart's sleep by its programmed mtimecmp instead of a fixed poll. Passing
// nil reverts to the fixed wfiPollInterval.
func (d *Dispatcher) SetCLINT(c clintTimer) { d.clint = c }

// wfiSleep computes how long Run should sleep a parked hart: the time
// remaining until the hart's own TimeCmp, clamped to
// [wfiMinSleep, wfiMaxSleep], or wfiPollInterval if no CLINT is wired or
// TimeCmp is already due.
func (d *Dispatcher) wfiSleep() time.Duration {
	if d.clint == nil {
		return wfiPollInterval
	}
	now := d.clint.Mtime()
	if d.hart.TimeCmp <= now {
		return wfiMinSleep
	}
	remaining := time.Duration(d.hart.TimeCmp-now) * time.Duration(d.clint.NsPerTick())
	if remaining < wfiMinSleep {
		return wfiMinSleep
	}
	if remaining > wfiMaxSleep {
		return wfiMaxSleep
	}
	return remaining
}

// New builds a dispatcher for hart using the RVJIT backend registered for
// arch, backed by a code heap of heapSize bytes (jitheap.DefaultSize if
// heapSize is 0).
func New(hart *riscv.Hart, arch rvjit.Arch, heapSize int) (*Dispatcher, error) {
	backend, err := rvjit.Lookup(arch)
	if err != nil {
		return nil, err
	}
	if heapSize == 0 {
		heapSize = jitheap.DefaultSize
	}
	heap, err := jitheap.New(backend, heapSize)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		hart:    hart,
		backend: backend,
		heap:    heap,
		tlb:     newJITTLB(4096),
		regsPtr: uintptr(unsafe.Pointer(&hart.X[0])),
	}

	callback := purego.NewCallback(d.onTailExit)
	shimCode, err := buildTrampolineShim(arch, callback)
	if err != nil {
		_ = heap.Close()
		return nil, err
	}
	base, release, err := allocShim(shimCode)
	if err != nil {
		_ = heap.Close()
		return nil, err
	}
	d.trampolineBase = base
	d.releaseTrampoline = release

	return d, nil
}

// Close releases the JIT heap and the trampoline shim's executable page.
func (d *Dispatcher) Close() error {
	err := d.heap.Close()
	if rerr := d.releaseTrampoline(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// onTailExit is wrapped in a purego.NewCallback stub and installed as
// every block's dispatchTrampoline target (spec §4.6). Its only job is to
// record the exit PC the block left in its dataReg back onto the hart,
// then return normally. Every backend reaches the trampoline with jmp
// rather than call, so that return unwinds all the way out to the
// purego.SyscallN call site in runBlock, exactly as if the block itself
// had returned -- runBlock's caller then sees hart.PC already updated and
// simply continues the dispatch loop.
func (d *Dispatcher) onTailExit(_ uintptr, destPC uintptr) uintptr {
	d.hart.PC = uint64(destPC)
	return 0
}

// Run drives the hart until ctx is canceled or the guest halts.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		halted, idle, err := d.stepOnce()
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
		if idle {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.wfiSleep()):
			}
		}
	}
}

// stepOnce executes one dispatch quantum: a cached or freshly translated
// JIT block, a single interpreted instruction, or nothing if the hart is
// parked in WFI with no pending interrupt (in which case idle is true and
// Run sleeps before retrying).
func (d *Dispatcher) stepOnce() (halted, idle bool, err error) {
	if d.hart.WFI {
		if pending, _ := d.hart.CheckInterrupt(); !pending {
			return false, true, nil
		}
	}

	// The heap may have flushed itself on an arena-fill inside a previous
	// Install call, which invalidates every address the JIT-TLB cached
	// without telling it directly; catch that here by watching the
	// heap's generation counter rather than threading a signal through
	// every call site that can trigger a flush.
	if gen := d.heap.Generation(); gen != d.generation {
		d.tlb.flush()
		d.generation = gen
	}

	pc := d.hart.PC

	if entry, ok := d.tlb.lookup(pc); ok {
		d.runBlock(entry)
		return false, false, nil
	}
	if entry, ok := d.heap.Lookup(pc); ok {
		d.tlb.fill(pc, entry)
		d.runBlock(entry)
		return false, false, nil
	}

	if b, ok := translateBlock(d.hart, pc); ok {
		if entry, ok := d.install(pc, b); ok {
			d.runBlock(entry)
			return false, false, nil
		}
	}

	halted, err = d.interpretOne()
	return halted, false, err
}

// install lowers b and registers it in the heap and JIT-TLB. Any failure
// here -- an unsupported op the translator let through, or a heap error --
// just means this PC stays on the interpreter path; it is never fatal to
// the dispatch loop.
func (d *Dispatcher) install(pc uint64, b *rvjit.Builder) (uintptr, bool) {
	cb, err := d.backend.Emit(b, d.trampolineBase)
	if err != nil {
		diag.Default.Warn("dispatch-emit-fail", "dispatch: backend emit failed, falling back to interpreter for this block", "err", err)
		return 0, false
	}
	entry, err := d.heap.Install(pc, cb)
	if err != nil {
		diag.Default.Warn("dispatch-heap-install-fail", "dispatch: jitheap install failed, falling back to interpreter for this block", "err", err)
		return 0, false
	}
	d.tlb.fill(pc, entry)
	return entry, true
}

func (d *Dispatcher) interpretOne() (halted bool, err error) {
	if err := d.hart.Step(); err != nil {
		if errors.Is(err, riscv.ErrHalt) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// runBlock invokes one compiled block. purego.SyscallN returns only once
// the block -- or a chain of tail-linked blocks it jumps through without
// ever returning to Go -- reaches dispatchTrampoline, which records the
// exit PC on the hart before its own return unwinds back here.
func (d *Dispatcher) runBlock(entry uintptr) {
	_, _, _ = purego.SyscallN(entry, d.regsPtr)
}

// FlushJIT discards every translated block and trampoline link, and must
// be called after FENCE.I or a detected store to code already translated
// (spec §4.6, §9). The heap's own fill-triggered flush keeps the JIT-TLB
// in sync automatically; this path exists for triggers external to
// Install.
func (d *Dispatcher) FlushJIT() {
	d.heap.Flush()
	d.tlb.flush()
	d.generation = d.heap.Generation()
}
