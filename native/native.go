//go:build linux && amd64

// Package native holds the small pieces of this module that cannot be
// expressed in Go: the SIGTRAP escape that makes on-stack replacement
// possible, and the I/O trampolines compiled routines call into directly.
// Everything C here is async-signal-safe; none of it may call back into
// the Go runtime.
package native

/*
#cgo CFLAGS: -D_GNU_SOURCE
#include <stdlib.h>
#include "native.h"
*/
import "C"

import (
	"sync"
	"unsafe"
)

var installOnce sync.Once

// Install installs the process-wide SIGTRAP handler on an alternate signal
// stack. Safe to call any number of times from any number of goroutines;
// only the first call has an effect. sigaltstack is a per-thread
// attribute, so this must run on (or before the executor locks itself to)
// the OS thread that will actually run compiled routines — CallProtected
// arranges that by calling Install lazily on its own first invocation.
func Install() {
	installOnce.Do(func() {
		C.bfosr_install_trap_handler()
	})
}

// TrapInfo is the (faulting instruction pointer, tape register value) pair
// the signal handler captured when a compiled routine trapped.
type TrapInfo struct {
	IP      uintptr
	TapeReg uintptr
}

// CallProtected installs the trap handler if needed, then calls the native
// routine at entry as a plain C function pointer, passing tape as its sole
// argument under the System V AMD64 ABI (RDI). It returns (false,
// TrapInfo{}) if entry returned on its own, or (true, info) if SIGTRAP
// fired first.
func CallProtected(entry uintptr, tape uintptr) (trapped bool, info TrapInfo) {
	Install()
	res := C.bfosr_call_protected(C.uint64_t(entry), C.uint64_t(tape))
	if res.trapped == 0 {
		return false, TrapInfo{}
	}
	return true, TrapInfo{IP: uintptr(res.ip), TapeReg: uintptr(res.tape_reg)}
}

// PutcharAddr returns the address of the putchar trampoline for the named
// ANSI style: "", "red", "green", "yellow", "blue", "magenta", or "cyan".
// An empty or unrecognized style resolves to the unstyled default.
func PutcharAddr(style string) uintptr {
	if style == "" {
		return uintptr(C.bfosr_putchar_addr((*C.char)(nil)))
	}
	cstyle := C.CString(style)
	defer C.free(unsafe.Pointer(cstyle))
	return uintptr(C.bfosr_putchar_addr(cstyle))
}

// GetcharAddr returns the address of the default getchar trampoline: a
// blocking single-byte read from stdin that resolves to 0 at EOF.
func GetcharAddr() uintptr {
	return uintptr(C.bfosr_getchar_addr())
}
