package codegen

import "testing"

func compileOrFatal(t *testing.T, source string, ctx Context) *Program {
	t.Helper()
	prog, err := Compile([]byte(source), ctx)
	if err != nil {
		t.Fatalf("Compile(%q): %v", source, err)
	}
	return prog
}

func TestCompileEndsInRet(t *testing.T) {
	prog := compileOrFatal(t, "+++.", Context{OptLevel: 0})
	if len(prog.Code) == 0 || prog.Code[len(prog.Code)-1] != 0xC3 {
		t.Fatalf("expected routine to end in a single ret byte (0xC3)")
	}
}

func TestOSROffsetCountMatchesLoopEnds(t *testing.T) {
	for _, tc := range []struct {
		source string
		want   int
	}{
		{"++[->+<]", 1},
		{"[.]", 1},
		{"+++.", 0},
		{"[[][]]", 3},
	} {
		prog := compileOrFatal(t, tc.source, Context{OptLevel: 0})
		if len(prog.OSROffsets) != tc.want {
			t.Errorf("%q: want %d OSR offsets, got %d", tc.source, tc.want, len(prog.OSROffsets))
		}
	}
}

func TestOSROffsetCountInvariantAcrossOptLevels(t *testing.T) {
	const source = "++++[->+++<][.,]"
	p0 := compileOrFatal(t, source, Context{OptLevel: 0})
	p1 := compileOrFatal(t, source, Context{OptLevel: 1})
	if len(p0.OSROffsets) != len(p1.OSROffsets) {
		t.Fatalf("OSR offset count differs across opt levels: %d vs %d", len(p0.OSROffsets), len(p1.OSROffsets))
	}
}

func TestEveryOSROffsetIsANop(t *testing.T) {
	prog := compileOrFatal(t, "++[->+<][.]", Context{OptLevel: 1})
	for _, off := range prog.OSROffsets {
		if prog.Code[off] != NOP {
			t.Errorf("offset %d: want NOP (0x90), got 0x%02x", off, prog.Code[off])
		}
	}
}

func TestUnbalancedLoopOpenReturnsError(t *testing.T) {
	if _, err := Compile([]byte("[[]"), Context{OptLevel: 0}); err != ErrUnbalancedLoop {
		t.Fatalf("expected ErrUnbalancedLoop, got %v", err)
	}
}

func TestUnbalancedLoopCloseReturnsError(t *testing.T) {
	if _, err := Compile([]byte("]"), Context{OptLevel: 0}); err != ErrUnbalancedLoop {
		t.Fatalf("expected ErrUnbalancedLoop, got %v", err)
	}
}

func TestAddByteNegativeCountEncodesWithoutPanicking(t *testing.T) {
	// A run of 255 '-' folds to AddByte(-255); addByte must not truncate
	// through int8 and must emit a valid imm8 (0xFF here, -255 mod 256 = 1,
	// so sub byte[rdi], -(-255) is sub byte[rdi], 255 which is the byte
	// pattern 0xFF — equivalent to a single increment).
	src := make([]byte, 255)
	for i := range src {
		src[i] = '-'
	}
	prog := compileOrFatal(t, string(src), Context{OptLevel: 1})
	// addByte: 80 2F <imm8>
	found := false
	for i := 0; i+2 < len(prog.Code); i++ {
		if prog.Code[i] == 0x80 && prog.Code[i+1] == 0x2F && prog.Code[i+2] == 0xFF {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected a `sub byte [rdi], 0xFF` encoding in %x", prog.Code)
	}
}

func TestAddByteFoldedToZeroEmitsNoInstruction(t *testing.T) {
	// A run of exactly 256 '+' folds to AddByte(0), which must emit nothing
	// rather than a dead `add byte [rdi], 0`.
	src := make([]byte, 256)
	for i := range src {
		src[i] = '+'
	}
	prog := compileOrFatal(t, string(src), Context{OptLevel: 1})
	if len(prog.Code) != 1 || prog.Code[0] != 0xC3 {
		t.Fatalf("expected a single ret byte, got %x", prog.Code)
	}
}

func TestEmptySourceCompilesToJustRet(t *testing.T) {
	prog := compileOrFatal(t, "", Context{OptLevel: 0})
	if len(prog.Code) != 1 || prog.Code[0] != 0xC3 {
		t.Fatalf("expected a single ret byte, got %x", prog.Code)
	}
}
