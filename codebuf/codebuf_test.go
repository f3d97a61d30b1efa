package codebuf

import "testing"

func TestNewCopiesCodeAndRoundsUpLength(t *testing.T) {
	code := []byte{0x90, 0x90, 0xC3}
	buf, err := New(code)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	if buf.Len() < len(code) {
		t.Fatalf("buffer shorter than source code: %d < %d", buf.Len(), len(code))
	}
	if buf.Len()%4096 != 0 {
		t.Fatalf("expected page-rounded length, got %d", buf.Len())
	}
	for i, want := range code {
		if got := buf.ByteAt(i); got != want {
			t.Errorf("byte %d: want 0x%02x got 0x%02x", i, want, got)
		}
	}
}

func TestPatchByteReturnsPreviousValueAndSticks(t *testing.T) {
	buf, err := New([]byte{NOP(), 0x00, 0x00, 0x00, 0xC3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	prev := buf.PatchByte(0, Breakpoint)
	if prev != NOP() {
		t.Fatalf("expected previous byte to be NOP, got 0x%02x", prev)
	}
	if got := buf.ByteAt(0); got != Breakpoint {
		t.Fatalf("expected patched byte to stick, got 0x%02x", got)
	}
}

func TestPatchByteDoesNotDisturbNeighborsInSameWord(t *testing.T) {
	buf, err := New([]byte{0x11, 0x22, 0x33, 0x44})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	buf.PatchByte(2, 0xAA)
	want := []byte{0x11, 0x22, 0xAA, 0x44}
	for i, w := range want {
		if got := buf.ByteAt(i); got != w {
			t.Errorf("byte %d: want 0x%02x got 0x%02x", i, w, got)
		}
	}
}

func TestEntryAtAndBaseAgree(t *testing.T) {
	buf, err := New([]byte{0xC3, 0xC3, 0xC3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	if buf.EntryAt(0) != buf.Base() {
		t.Fatalf("EntryAt(0) should equal Base()")
	}
	if buf.EntryAt(2) != buf.Base()+2 {
		t.Fatalf("EntryAt(2) should be Base()+2")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buf, err := New([]byte{0xC3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

// NOP returns the NOP byte value; a tiny local helper so this test file
// does not need to import the codegen package just for one constant.
func NOP() byte { return 0x90 }
