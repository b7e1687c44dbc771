// Package platform collects the small set of OS and hardware capabilities
// the rest of stmmap is built on: atomic memory ops, a spinlock, page
// mapping/protection, and page-size discovery. Everything here is a thin
// wrapper over sync/atomic and golang.org/x/sys/unix: stmmap treats the
// underlying primitives as a capability set to consume, not something to
// reimplement from syscalls up.
package platform

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// AtomicIncrement32 adds 1 to *addr and returns the new value, with the
// full barrier sync/atomic already guarantees on every supported Go
// architecture.
func AtomicIncrement32(addr *uint32) uint32 {
	return atomic.AddUint32(addr, 1)
}

// AtomicDecrement32 subtracts 1 from *addr and returns the new value.
func AtomicDecrement32(addr *uint32) uint32 {
	return atomic.AddUint32(addr, ^uint32(0))
}

// CompareAndSwap32 stores new into *addr iff *addr == old, returning
// whether the swap happened.
func CompareAndSwap32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

// SpinLock is a simple test-and-set (compare-and-swap loop) spinlock, suitable for the
// brief critical section a starting transaction holds while allocating a
// transaction id and registering it in the active-transactions array. It
// is backed by a plain uint32 so it can live inside a memory-mapped
// metadata file shared across processes.
type SpinLock struct {
	word uint32
}

// Lock spins until it acquires the lock. Between attempts it calls
// runtime.Gosched so a busy process doesn't starve other goroutines on the
// same OS thread while waiting on another process's brief critical
// section.
func (s *SpinLock) Lock() {
	for !atomic.CompareAndSwapUint32(&s.word, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Callers must hold it.
func (s *SpinLock) Unlock() {
	atomic.StoreUint32(&s.word, 0)
}

// SpinLockAt reinterprets the first 4 bytes of b as a *SpinLock, letting a
// lock live at a fixed byte offset inside a memory-mapped file instead of
// as an ordinary Go heap value. b must have at least 4 bytes and must
// outlive the returned pointer.
func SpinLockAt(b []byte) *SpinLock {
	return (*SpinLock)(unsafe.Pointer(&b[0]))
}

// Uint32At reinterprets the first 4 bytes of b as a *uint32, the same way
// SpinLockAt does for a lock word. Used throughout segment and stm to
// apply atomic ops directly to fields inside a mapped metadata file.
func Uint32At(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}
