// Package codegen translates a brainfuck token stream into a native
// linux/amd64 routine using a single, fixed calling convention.
//
// The tape pointer lives in RDI for the lifetime of the routine. The
// emitted routine is invoked through the native package's CallProtected,
// which casts the entry address to a plain C function pointer
// (`void (*)(uint64_t)`) and calls it, so the routine is entered exactly
// like any other System V AMD64 C function: its sole argument arrives in
// RDI. Calls into the I/O helper trampolines (also native package, also
// System V) share that same register for their own first argument, so the
// routine explicitly saves RDI (push) before loading the current cell into
// EDI for Output — EDI is RDI's low 32 bits, so that load destroys RDI —
// and restores it (pop) once the call returns.
package codegen

import (
	"encoding/binary"
	"errors"

	"bf.run/bfosr/token"
)

// NOP is the one-byte instruction patched at every OSR-safe offset before
// a breakpoint is poked in. The codebuf package pokes 0xCC over this byte.
const NOP = 0x90

// ErrUnbalancedLoop is returned by Compile when the source's '[' and ']'
// characters do not nest and close correctly, rather than panicking on an
// empty loop stack.
var ErrUnbalancedLoop = errors.New("codegen: unbalanced loop brackets")

// Context configures one compilation: the optimization level fed to the
// tokenizer, and the absolute addresses of the putchar/getchar C
// trampolines the emitted routine will call. Addresses are resolved by the
// caller (normally the runtime package, via the native package) so this
// package has no cgo dependency of its own and stays trivially testable.
type Context struct {
	OptLevel    int
	PutcharAddr uint64
	GetcharAddr uint64
}

// Program is the result of a single compilation: the native routine's
// bytes and the byte offsets of its OSR-safe points, one per source-order
// LoopEnd (']').
type Program struct {
	Code       []byte
	OSROffsets []int
}

// Compile tokenizes source under ctx.OptLevel and emits a native routine
// for it. The returned Program's OSROffsets has exactly as many entries as
// there are ']' characters in source, in source order — the invariant the
// OSR protocol depends on to map a trap in one version to the same program
// point in another.
func Compile(source []byte, ctx Context) (*Program, error) {
	toks := token.Tokenize(source, ctx.OptLevel)

	g := &generator{ctx: ctx}
	for _, tok := range toks {
		if err := g.emit(tok); err != nil {
			return nil, err
		}
	}
	if len(g.loopStack) != 0 {
		return nil, ErrUnbalancedLoop
	}
	g.ret()

	return &Program{Code: g.code, OSROffsets: g.osrOffsets}, nil
}

// loopFrame tracks one open '[' while emitting: the fixup location of its
// forward exit jump, and the address loop bodies jump back to.
type loopFrame struct {
	exitFixup int // offset of the 4-byte rel32 field of the forward `je`
	bodyStart int // offset of the first instruction of the loop body
}

type generator struct {
	ctx        Context
	code       []byte
	osrOffsets []int
	loopStack  []loopFrame
}

func (g *generator) emit(tok token.Token) error {
	switch tok.Kind {
	case token.Shift:
		g.shift(tok.N)
	case token.AddByte:
		g.addByte(tok.N)
	case token.Output:
		g.output()
	case token.Input:
		g.input()
	case token.LoopBegin:
		g.loopBegin()
	case token.LoopEnd:
		return g.loopEnd()
	}
	return nil
}

// --- raw byte emission helpers ---

func (g *generator) emitByte(b byte) {
	g.code = append(g.code, b)
}

func (g *generator) emitBytes(bs ...byte) {
	g.code = append(g.code, bs...)
}

func (g *generator) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	g.code = append(g.code, buf[:]...)
}

func (g *generator) emitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	g.code = append(g.code, buf[:]...)
}

func (g *generator) offset() int {
	return len(g.code)
}

// patch32At overwrites the 4-byte rel32 field at the given offset.
func (g *generator) patch32At(offset int, v uint32) {
	binary.LittleEndian.PutUint32(g.code[offset:offset+4], v)
}

// --- per-token emission ---

// shift emits `add rdi, n` or `sub rdi, -n`, a 32-bit sign-extended
// immediate applied to the 64-bit tape register.
func (g *generator) shift(n int32) {
	if n >= 0 {
		// REX.W 81 /0 id : add r/m64, imm32 ; ModRM=0xC7 selects rdi
		g.emitBytes(0x48, 0x81, 0xC7)
		g.emitU32(uint32(n))
	} else {
		// REX.W 81 /5 id : sub r/m64, imm32 ; ModRM=0xEF selects rdi
		g.emitBytes(0x48, 0x81, 0xEF)
		g.emitU32(uint32(-n))
	}
}

// addByte emits `add byte [rdi], n` or `sub byte [rdi], -n`. n's magnitude
// is always in [0, 255] (the tokenizer folds counts modulo 256). Byte
// addition wraps in hardware, matching the tape cell's modulo-256 semantics.
// A run that folds to exactly 0 mod 256 emits nothing, rather than a dead
// instruction.
func (g *generator) addByte(n int32) {
	switch {
	case n == 0:
		return
	case n > 0:
		// 80 /0 ib : add r/m8, imm8 ; ModRM=0x07 selects [rdi]
		g.emitBytes(0x80, 0x07, byte(n))
	default:
		// 80 /5 ib : sub r/m8, imm8 ; ModRM=0x2F selects [rdi]
		g.emitBytes(0x80, 0x2F, byte(-n))
	}
}

// output emits code to call the configured putchar trampoline with the
// current cell's value. RDI is both the tape register and the call's first
// argument register, so the tape pointer is saved before the cell value is
// loaded into EDI (which destroys RDI) and restored once the call returns.
func (g *generator) output() {
	g.emitByte(0x57) // push rdi
	// movzx edi, byte [rdi] : 0F B6 /r, ModRM=0x3F selects [rdi] -> edi
	g.emitBytes(0x0F, 0xB6, 0x3F)
	g.emitBytes(0x49, 0xBB)
	g.emitU64(g.ctx.PutcharAddr) // mov r11, imm64
	g.emitBytes(0x41, 0xFF, 0xD3) // call r11
	g.emitByte(0x5F) // pop rdi
}

// input emits code to call the configured getchar trampoline and store the
// returned byte at the current cell.
func (g *generator) input() {
	g.emitByte(0x57) // push rdi ; save tape pointer across the call
	g.emitBytes(0x49, 0xBB)
	g.emitU64(g.ctx.GetcharAddr) // mov r11, imm64
	g.emitBytes(0x41, 0xFF, 0xD3) // call r11 ; AL = input byte
	g.emitBytes(0x41, 0x88, 0xC2) // mov r10b, al ; stash across the pop
	g.emitByte(0x5F)               // pop rdi ; restore tape pointer
	g.emitBytes(0x44, 0x88, 0x17) // mov byte [rdi], r10b
}

// loopBegin emits the compare-and-forward-jump that opens a loop, and
// records a fixup for its exit target plus this loop's body start address.
func (g *generator) loopBegin() {
	g.emitBytes(0x80, 0x3F, 0x00) // cmp byte [rdi], 0
	g.emitBytes(0x0F, 0x84)       // je rel32 (near)
	fixup := g.offset()
	g.emitU32(0) // placeholder, patched in loopEnd
	g.loopStack = append(g.loopStack, loopFrame{
		exitFixup: fixup,
		bodyStart: g.offset(),
	})
}

// loopEnd is the OSR-safe point: it records the NOP's offset, then emits
// the NOP and the compare-and-backward-jump that closes the loop, then
// resolves both this loop's backward jump and its matching loopBegin's
// forward jump now that the exit address is known.
func (g *generator) loopEnd() error {
	if len(g.loopStack) == 0 {
		return ErrUnbalancedLoop
	}
	frame := g.loopStack[len(g.loopStack)-1]
	g.loopStack = g.loopStack[:len(g.loopStack)-1]

	g.osrOffsets = append(g.osrOffsets, g.offset())
	g.emitByte(NOP)
	g.emitBytes(0x80, 0x3F, 0x00) // cmp byte [rdi], 0
	g.emitBytes(0x0F, 0x85)       // jne rel32 (near)
	backFixup := g.offset()
	g.emitU32(0)

	backRel := int32(frame.bodyStart - (backFixup + 4))
	g.patch32At(backFixup, uint32(backRel))

	exit := g.offset()
	forwardRel := int32(exit - (frame.exitFixup + 4))
	g.patch32At(frame.exitFixup, uint32(forwardRel))

	return nil
}

func (g *generator) ret() {
	g.emitByte(0xC3)
}
