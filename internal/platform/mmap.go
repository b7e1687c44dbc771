//go:build linux

package platform

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Prot is a memory-protection mode, one of the PROT_* constants mprotect
// accepts.
type Prot = int

const (
	ProtNone      Prot = unix.PROT_NONE
	ProtRead      Prot = unix.PROT_READ
	ProtWrite     Prot = unix.PROT_WRITE
	ProtReadWrite Prot = unix.PROT_READ | unix.PROT_WRITE
)

// PageSize returns the operating system's page size. Callers cache it per
// segment at open rather than re-querying on every access.
func PageSize() int {
	return os.Getpagesize()
}

// mmapFixed is the raw mmap(2) syscall with an explicit target address,
// which golang.org/x/sys/unix.Mmap does not expose (its convenience
// wrapper always passes addr=0). The first-touch remap and the
// commit/abort remap replace an existing mapping in place at the same
// virtual address (MAP_FIXED), and a caller may also ask for a segment to
// be mapped at an address of its choosing.
func mmapFixed(addr uintptr, length int, prot, flags, fd int, offset int64) ([]byte, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(flags),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return nil, fmt.Errorf("mmap: %w", errno)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r1)), length), nil
}

// MapShared maps length bytes of f at the given file offset, shared
// between every process that maps the same file. If va is non-nil the
// mapping is placed at that exact address (MAP_FIXED); pass nil to let
// the kernel choose. In-segment data structures link by arena-relative
// offset, so processes may map the same segment at different addresses.
func MapShared(f *os.File, va []byte, length int, offset int64, prot Prot) ([]byte, error) {
	flags := unix.MAP_SHARED
	var addr uintptr
	if va != nil {
		flags |= unix.MAP_FIXED
		addr = uintptr(unsafe.Pointer(&va[0]))
	}
	return mmapFixed(addr, length, prot, flags, int(f.Fd()), offset)
}

// Unmap releases a mapping previously returned by MapShared/RemapPrivate/
// RemapShared.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// Mprotect changes the protection of an existing mapping in place. Used
// both to lock a segment down to PROT_NONE when a transaction starts and
// to restore its default inter-transaction protection at commit/abort.
func Mprotect(b []byte, prot Prot) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, prot)
}

// RemapPrivate re-maps the page-aligned range backed by f at the given
// file offset as a private, writable copy at the same virtual address
// (MAP_FIXED|MAP_PRIVATE), the heart of the fault handler's first-touch
// snapshot.
func RemapPrivate(f *os.File, va []byte, length int, offset int64) ([]byte, error) {
	return mmapFixed(uintptr(unsafe.Pointer(&va[0])), length, ProtReadWrite, unix.MAP_FIXED|unix.MAP_PRIVATE, int(f.Fd()), offset)
}

// RemapShared re-maps the page-aligned range backed by f at the given
// file offset back to a shared mapping at the same virtual address
// (MAP_FIXED|MAP_SHARED), used both at commit (publish) and at abort
// (restore default protection).
func RemapShared(f *os.File, va []byte, length int, offset int64, prot Prot) ([]byte, error) {
	return mmapFixed(uintptr(unsafe.Pointer(&va[0])), length, prot, unix.MAP_FIXED|unix.MAP_SHARED, int(f.Fd()), offset)
}
