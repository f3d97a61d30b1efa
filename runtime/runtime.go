//go:build linux && amd64

// Package runtime is the OSR coordinator: it holds the currently executing
// compiled version and an optional staged replacement, runs the executor
// loop that services traps, and transitions between versions at OSR-safe
// points. It is the only package in this module with both a cgo dependency
// (transitively, through native) and the concurrency-sensitive state the
// rest of the system is built to protect.
package runtime

import (
	"errors"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"bf.run/bfosr/codebuf"
	"bf.run/bfosr/codegen"
	"bf.run/bfosr/native"
)

// TapeSize is the fixed length of the tape, in bytes.
const TapeSize = 1_000_000

// ErrSpuriousTrap is returned by Run when a trap's faulting offset does not
// correspond to any recorded OSR-safe point in the active version. This
// should never happen for code this package generated itself; it indicates
// a corrupted buffer or a bug in code emission.
var ErrSpuriousTrap = errors.New("runtime: trap at an offset that is not an OSR-safe point")

// ErrNoPendingVersion is returned by Run when a trap fires but no version
// has been staged via RequestOSR. A breakpoint cannot have been poked into
// the active buffer without a prior RequestOSR call, so this indicates a
// caller error or race in the mutator's own bookkeeping.
var ErrNoPendingVersion = errors.New("runtime: trapped with no pending version staged")

// version pairs a compiled buffer with the OSR-safe offsets recorded for
// the source it was compiled from.
type version struct {
	buf        *codebuf.CodeBuffer
	osrOffsets []int
}

// Runtime holds one brainfuck-like program's source and the state needed
// to run it while supporting concurrent on-stack replacement.
type Runtime struct {
	source []byte

	activeMu sync.RWMutex
	active   *version

	pendingMu sync.Mutex
	pending   *version

	osrCount atomic.Uint64
}

// New compiles source at optimization level 0 with the default (unstyled)
// I/O trampolines and installs it as the active version.
func New(source string) (*Runtime, error) {
	v, err := compileVersion([]byte(source), 0, "")
	if err != nil {
		return nil, err
	}
	return &Runtime{source: []byte(source), active: v}, nil
}

// compileVersion resolves the named I/O style to concrete trampoline
// addresses, compiles source under optLevel, and maps the result into
// executable memory.
func compileVersion(source []byte, optLevel int, style string) (*version, error) {
	ctx := codegen.Context{
		OptLevel:    optLevel,
		PutcharAddr: uint64(native.PutcharAddr(style)),
		GetcharAddr: uint64(native.GetcharAddr()),
	}
	prog, err := codegen.Compile(source, ctx)
	if err != nil {
		return nil, err
	}
	buf, err := codebuf.New(prog.Code)
	if err != nil {
		return nil, err
	}
	return &version{buf: buf, osrOffsets: prog.OSROffsets}, nil
}

// RequestOSR compiles a fresh version of the runtime's source at optLevel
// with the named I/O style, stages it as the pending replacement (replacing
// and closing any version staged by an earlier, un-consumed call), and
// pokes a breakpoint byte into every OSR-safe offset of the currently
// active buffer. Safe to call concurrently with Run and with other
// RequestOSR calls.
func (r *Runtime) RequestOSR(optLevel int, style string) error {
	next, err := compileVersion(r.source, optLevel, style)
	if err != nil {
		return err
	}

	r.pendingMu.Lock()
	old := r.pending
	r.pending = next
	r.pendingMu.Unlock()
	if old != nil {
		old.buf.Close()
	}

	// The read lock is held while patching so that Run cannot swap out and
	// unmap this buffer until the patches are done.
	r.activeMu.RLock()
	active := r.active
	for _, off := range active.osrOffsets {
		active.buf.PatchByte(off, codebuf.Breakpoint)
	}
	r.activeMu.RUnlock()
	return nil
}

// Run executes the active version to completion, transitioning to staged
// replacements at each trap it services along the way. It returns nil when
// the program's compiled routine returns on its own, or a protocol error
// if a trap cannot be resolved.
func (r *Runtime) Run() error {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	tape := make([]byte, TapeSize)
	tapeArg := uintptr(unsafe.Pointer(&tape[0]))
	// tapeArg is a uintptr and does not keep the tape reachable on its own.
	defer func() { goruntime.KeepAlive(tape) }()

	offset := 0
	for {
		r.activeMu.RLock()
		v := r.active
		entry := v.buf.EntryAt(offset)
		trapped, info := native.CallProtected(entry, tapeArg)
		if !trapped {
			r.activeMu.RUnlock()
			return nil
		}
		bpOffset := int(info.IP) - int(v.buf.Base()) - 1
		k := indexOf(v.osrOffsets, bpOffset)
		r.activeMu.RUnlock()

		if k < 0 {
			return ErrSpuriousTrap
		}

		r.pendingMu.Lock()
		next := r.pending
		r.pending = nil
		r.pendingMu.Unlock()
		if next == nil {
			return ErrNoPendingVersion
		}
		if k >= len(next.osrOffsets) {
			return ErrSpuriousTrap
		}

		r.activeMu.Lock()
		old := r.active
		r.active = next
		r.activeMu.Unlock()
		old.buf.Close()

		r.osrCount.Add(1)
		offset = next.osrOffsets[k]
		tapeArg = info.TapeReg
	}
}

// OSRCount returns the number of OSR transitions Run has completed so far.
func (r *Runtime) OSRCount() uint64 {
	return r.osrCount.Load()
}

// Close releases the currently active (and, if staged, pending) buffer.
// The Runtime must not be used again afterward.
func (r *Runtime) Close() error {
	r.activeMu.Lock()
	active := r.active
	r.active = nil
	r.activeMu.Unlock()

	r.pendingMu.Lock()
	pending := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	var err error
	if active != nil {
		err = active.buf.Close()
	}
	if pending != nil {
		if pendErr := pending.buf.Close(); pendErr != nil && err == nil {
			err = pendErr
		}
	}
	return err
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
