package dispatch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// allocShim maps code into an anonymous page, then flips it RW->RX with a
// single mprotect, following the same one-shot pattern the teacher's
// createAssemblyTrampoline uses for its own hand-built call stubs. Unlike
// internal/jitheap's arena, the trampoline shim is written exactly once at
// startup and never patched again, so there is no need for jitheap's
// dual RW/RX alias: a plain mprotect flip is simpler and sufficient.
func allocShim(code []byte) (uintptr, func() error, error) {
	pageSize := unix.Getpagesize()
	size := ((len(code) + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, nil, fmt.Errorf("dispatch: mmap trampoline shim: %w", err)
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return 0, nil, fmt.Errorf("dispatch: mprotect trampoline shim: %w", err)
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	return base, func() error { return unix.Munmap(mem) }, nil
}
