package telephony

import (
	"bytes"
	"testing"
	"time"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
)

func TestFramerSizeAlignment(t *testing.T) {
	pcmu := audio.Telephony(audio.CodecPCMU, 8000)
	tests := []struct {
		chunk time.Duration
		want  int
	}{
		{10 * time.Millisecond, 160},
		{20 * time.Millisecond, 160},
		{30 * time.Millisecond, 320},
		{40 * time.Millisecond, 320},
		{0, 160},
	}
	for _, tt := range tests {
		if got := NewFramer(pcmu, tt.chunk).Size(); got != tt.want {
			t.Errorf("NewFramer(%v).Size() = %d, want %d", tt.chunk, got, tt.want)
		}
	}
}

func TestFramerCarriesRemainder(t *testing.T) {
	f := NewFramer(audio.Telephony(audio.CodecPCMU, 8000), 20*time.Millisecond)

	if chunks := f.Push(bytes.Repeat([]byte{1}, 100)); len(chunks) != 0 {
		t.Fatalf("expected no full chunk, got %d", len(chunks))
	}
	chunks := f.Push(bytes.Repeat([]byte{2}, 250))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0][0] != 1 || chunks[0][99] != 1 || chunks[0][100] != 2 {
		t.Error("first chunk does not continue the carried bytes")
	}

	tail := f.Flush()
	if len(tail) != 160 {
		t.Fatalf("flush len = %d, want 160", len(tail))
	}
	if tail[29] != 2 || tail[30] != 0xFF || tail[159] != 0xFF {
		t.Error("flush should pad the 30 remaining bytes with µ-law silence")
	}
	if f.Flush() != nil {
		t.Error("second flush should be empty")
	}
}

func TestFramerReset(t *testing.T) {
	f := NewFramer(audio.Telephony(audio.CodecPCMA, 8000), 20*time.Millisecond)
	f.Push(make([]byte, 170))
	if n := f.Buffered(); n != 10 {
		t.Errorf("Buffered = %d, want 10", n)
	}
	if n := f.Reset(); n != 10 {
		t.Errorf("Reset discarded %d bytes, want 10", n)
	}
	if f.Flush() != nil {
		t.Error("nothing should remain after Reset")
	}
}
