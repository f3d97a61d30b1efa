// Package codebuf manages the executable memory that holds one compiled
// routine, and supports concurrent single-byte patching of that memory
// while it may simultaneously be fetched and executed by another thread.
package codebuf

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Breakpoint is the one-byte software breakpoint instruction (INT3 on
// amd64) poked over an OSR-safe NOP to force a trap.
const Breakpoint = 0xCC

// CodeBuffer owns a page-rounded, read-write-execute anonymous mapping
// initialized with a compiled routine's bytes. W^X is deliberately
// violated: a mutator patches single bytes into the same page an executor
// is concurrently fetching instructions from.
type CodeBuffer struct {
	mem []byte // the full mmap'd, page-rounded region
}

// New allocates an RWX mapping at least len(code) bytes long, rounded up to
// the host page size, and copies code into its start. Any trailing slack up
// to the page boundary is zeroed by the kernel (fresh anonymous pages are
// always zero-filled).
func New(code []byte) (*CodeBuffer, error) {
	size := roundUpToPageSize(len(code))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codebuf: mmap %d bytes: %w", size, err)
	}
	copy(mem, code)
	return &CodeBuffer{mem: mem}, nil
}

// roundUpToPageSize rounds n up to a multiple of the host page size.
func roundUpToPageSize(n int) int {
	page := os.Getpagesize()
	return (n + page - 1) &^ (page - 1)
}

// Len returns the size of the backing mapping, in bytes (page-rounded).
func (b *CodeBuffer) Len() int {
	return len(b.mem)
}

// Base returns the mapping's start address, for translating a faulting
// instruction pointer back into an offset.
func (b *CodeBuffer) Base() uintptr {
	if len(b.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

// EntryAt returns the address of the byte at offset, suitable for use as an
// entry point into the compiled routine.
func (b *CodeBuffer) EntryAt(offset int) uintptr {
	if offset < 0 || offset >= len(b.mem) {
		panic("codebuf: offset out of bounds")
	}
	return b.Base() + uintptr(offset)
}

// PatchByte atomically stores value at offset and returns the byte that was
// previously there. It is implemented as a compare-and-swap retry loop over
// the containing 4-byte-aligned word, since sync/atomic has no 8-bit atomic
// primitive — the 4-byte CAS is the one genuinely race-free way to express
// "patch one byte of code while it may be concurrently fetched" under the
// Go memory model.
//
// Safe to call concurrently with another thread fetching instructions from
// this same memory and with other concurrent PatchByte calls.
func (b *CodeBuffer) PatchByte(offset int, value byte) byte {
	if offset < 0 || offset >= len(b.mem) {
		panic("codebuf: offset out of bounds")
	}
	wordOff := offset &^ 3
	shift := uint((offset & 3) * 8)
	word := (*atomic.Uint32)(unsafe.Pointer(&b.mem[wordOff]))

	for {
		old := word.Load()
		oldByte := byte(old >> shift)
		updated := (old &^ (0xFF << shift)) | (uint32(value) << shift)
		if word.CompareAndSwap(old, updated) {
			return oldByte
		}
	}
}

// ByteAt returns the current value of the byte at offset. It does not
// synchronize with concurrent PatchByte calls beyond what a single atomic
// word load provides, and is intended for tests and diagnostics, not for
// use on the hot execution path.
func (b *CodeBuffer) ByteAt(offset int) byte {
	if offset < 0 || offset >= len(b.mem) {
		panic("codebuf: offset out of bounds")
	}
	wordOff := offset &^ 3
	shift := uint((offset & 3) * 8)
	word := (*atomic.Uint32)(unsafe.Pointer(&b.mem[wordOff]))
	return byte(word.Load() >> shift)
}

// Close unmaps the buffer's memory. The buffer must not be used again, and
// must not be executing on any thread, after Close returns.
func (b *CodeBuffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	if err != nil {
		return fmt.Errorf("codebuf: munmap: %w", err)
	}
	return nil
}
