// Package audio converts call audio between the telephony codec and the
// linear PCM the realtime model speaks.
package audio

import (
	"fmt"
	"strings"
	"time"
)

// Codec identifies an audio encoding.
type Codec string

const (
	// CodecPCMU is G.711 µ-law (North America, Japan, most Indian carriers).
	CodecPCMU Codec = "PCMU"
	// CodecPCMA is G.711 A-law (Europe, rest of world).
	CodecPCMA Codec = "PCMA"
	// CodecL16 is signed 16-bit little-endian linear PCM.
	CodecL16 Codec = "L16"
)

// ParseCodec maps a codec name or a MIME-ish encoding ("audio/x-mulaw") to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pcmu", "ulaw", "mulaw", "audio/x-mulaw", "audio/pcmu", "g711_ulaw":
		return CodecPCMU, nil
	case "pcma", "alaw", "audio/x-alaw", "audio/pcma", "g711_alaw":
		return CodecPCMA, nil
	case "l16", "pcm", "pcm16", "audio/x-l16", "audio/l16", "audio/pcm":
		return CodecL16, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", s)
	}
}

// BytesPerSample returns the encoded size of one mono sample.
func (c Codec) BytesPerSample() int {
	if c == CodecL16 {
		return 2
	}
	return 1
}

// Silence returns the byte that encodes digital silence in this codec.
func (c Codec) Silence() byte {
	switch c {
	case CodecPCMU:
		return 0xFF
	case CodecPCMA:
		return 0xD5
	default:
		return 0x00
	}
}

// Format describes the encoding of a Frame.
type Format struct {
	Codec      Codec
	SampleRate int
	BitDepth   int
	Channels   int
}

// Telephony returns the 8-bit G.711 mono format used by the phone leg.
func Telephony(codec Codec, rate int) Format {
	return Format{Codec: codec, SampleRate: rate, BitDepth: 8, Channels: 1}
}

// PCM16 returns the mono 16-bit linear PCM format at the given rate.
func PCM16(rate int) Format {
	return Format{Codec: CodecL16, SampleRate: rate, BitDepth: 16, Channels: 1}
}

// FrameBytes returns how many bytes hold d worth of audio in this format.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Codec.BytesPerSample() * f.Channels
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dbit/%dch", f.Codec, f.SampleRate, f.BitDepth, f.Channels)
}

// Frame is an immutable chunk of audio. The byte slice returned by Data must
// not be modified; conversions always allocate a new Frame.
type Frame struct {
	format Format
	data   []byte
	at     time.Time
}

// NewFrame wraps data, stamping it with the current time. The caller hands
// ownership of data to the frame.
func NewFrame(format Format, data []byte) Frame {
	return Frame{format: format, data: data, at: time.Now()}
}

// NewFrameAt is NewFrame with an explicit pump-entry timestamp.
func NewFrameAt(format Format, data []byte, at time.Time) Frame {
	return Frame{format: format, data: data, at: at}
}

// Format returns the frame's format descriptor.
func (f Frame) Format() Format { return f.format }

// Data returns the encoded bytes. Read only.
func (f Frame) Data() []byte { return f.data }

// Len returns the payload size in bytes.
func (f Frame) Len() int { return len(f.data) }

// Timestamp returns the time the frame entered the forwarding pipeline.
func (f Frame) Timestamp() time.Time { return f.at }

// Samples returns the number of samples per channel.
func (f Frame) Samples() int {
	per := f.format.Codec.BytesPerSample() * max(f.format.Channels, 1)
	return len(f.data) / per
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(f.Samples()) * int64(time.Second) / int64(f.format.SampleRate))
}
