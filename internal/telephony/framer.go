package telephony

import (
	"time"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
)

// Framer cuts a stream of encoded bot audio into fixed-size outbound chunks.
// Bytes that do not fill a chunk are carried into the next Push, so silence
// padding is only inserted when the turn is flushed.
type Framer struct {
	size    int
	silence byte
	buf     []byte
}

// NewFramer returns a framer producing chunks of the given duration, rounded
// up to PayloadAlignment.
func NewFramer(format audio.Format, chunk time.Duration) *Framer {
	size := format.FrameBytes(chunk)
	if size <= 0 {
		size = PayloadAlignment
	}
	if rem := size % PayloadAlignment; rem != 0 {
		size += PayloadAlignment - rem
	}
	return &Framer{size: size, silence: format.Codec.Silence()}
}

// Size returns the chunk size in bytes.
func (f *Framer) Size() int { return f.size }

// Push appends data and returns every complete chunk.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var chunks [][]byte
	for len(f.buf) >= f.size {
		chunk := make([]byte, f.size)
		copy(chunk, f.buf[:f.size])
		chunks = append(chunks, chunk)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return chunks
}

// Buffered returns how many bytes are carried into the next Push.
func (f *Framer) Buffered() int { return len(f.buf) }

// Flush returns the carried remainder padded with silence, or nil.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	chunk := pad(f.buf, f.size, f.silence)
	f.buf = nil
	return chunk
}

// Reset discards the carried remainder and returns how many bytes were dropped.
func (f *Framer) Reset() int {
	n := len(f.buf)
	f.buf = nil
	return n
}

// pad returns data extended with fill up to the next multiple of align.
func pad(data []byte, align int, fill byte) []byte {
	rem := len(data) % align
	if rem == 0 && len(data) > 0 {
		return data
	}
	out := make([]byte, len(data)+align-rem)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = fill
	}
	return out
}
