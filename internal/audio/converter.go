package audio

import (
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// ErrConversion is the sentinel wrapped by every ConversionError.
var ErrConversion = errors.New("audio conversion failed")

// Direction names the conversion path.
type Direction string

const (
	// DirectionUpstream converts caller audio for the model.
	DirectionUpstream Direction = "telephony->upstream"
	// DirectionTelephony converts model audio for the caller.
	DirectionTelephony Direction = "upstream->telephony"
)

// ConversionError reports a frame that does not match the fixed format of
// its direction. Callers skip the frame and keep the call alive.
type ConversionError struct {
	Direction Direction
	Want      Format
	Got       Format
	Reason    string
}

func (e *ConversionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", ErrConversion, e.Direction, e.Reason)
	}
	return fmt.Sprintf("%s: %s: want %s, got %s", ErrConversion, e.Direction, e.Want, e.Got)
}

func (e *ConversionError) Unwrap() error { return ErrConversion }

// Converter performs codec decode/encode, sample-rate conversion and
// bit-depth normalization for one call. Each direction owns its resampler,
// so ToUpstream and ToTelephony may run on different goroutines, but each
// direction must only be driven from one goroutine.
type Converter struct {
	telephony   Format
	upstreamIn  Format
	upstreamOut Format

	up   *Resampler
	down *Resampler
}

// NewConverter builds a converter between the telephony format and the
// upstream input/output PCM formats.
func NewConverter(telephony, upstreamIn, upstreamOut Format) (*Converter, error) {
	switch telephony.Codec {
	case CodecPCMU, CodecPCMA, CodecL16:
	default:
		return nil, fmt.Errorf("unsupported telephony codec %q", telephony.Codec)
	}
	for _, f := range []Format{telephony, upstreamIn, upstreamOut} {
		if f.SampleRate <= 0 {
			return nil, fmt.Errorf("invalid sample rate in %s", f)
		}
		if f.Channels != 1 {
			return nil, fmt.Errorf("only mono audio is supported, got %s", f)
		}
	}
	if upstreamIn.Codec != CodecL16 || upstreamOut.Codec != CodecL16 {
		return nil, fmt.Errorf("upstream audio must be %s", CodecL16)
	}

	return &Converter{
		telephony:   telephony,
		upstreamIn:  upstreamIn,
		upstreamOut: upstreamOut,
		up:          NewResampler(telephony.SampleRate, upstreamIn.SampleRate),
		down:        NewResampler(upstreamOut.SampleRate, telephony.SampleRate),
	}, nil
}

// TelephonyFormat returns the phone-leg format.
func (c *Converter) TelephonyFormat() Format { return c.telephony }

// UpstreamInputFormat returns the format sent to the model.
func (c *Converter) UpstreamInputFormat() Format { return c.upstreamIn }

// UpstreamOutputFormat returns the format the model speaks.
func (c *Converter) UpstreamOutputFormat() Format { return c.upstreamOut }

// ToUpstream decodes a telephony frame to linear PCM at the upstream input rate.
func (c *Converter) ToUpstream(f Frame) (Frame, error) {
	if f.Format() != c.telephony {
		return Frame{}, &ConversionError{Direction: DirectionUpstream, Want: c.telephony, Got: f.Format()}
	}
	if f.Len() == 0 {
		return Frame{}, &ConversionError{Direction: DirectionUpstream, Want: c.telephony, Got: f.Format(), Reason: "empty frame"}
	}
	if f.Len()%c.telephony.Codec.BytesPerSample() != 0 {
		return Frame{}, &ConversionError{Direction: DirectionUpstream, Want: c.telephony, Got: f.Format(), Reason: "truncated sample"}
	}

	pcm := decode(c.telephony.Codec, f.Data())
	return NewFrameAt(c.upstreamIn, c.up.Process(pcm), f.Timestamp()), nil
}

// ToTelephony resamples model PCM to the telephony rate and encodes it.
func (c *Converter) ToTelephony(f Frame) (Frame, error) {
	if f.Format() != c.upstreamOut {
		return Frame{}, &ConversionError{Direction: DirectionTelephony, Want: c.upstreamOut, Got: f.Format()}
	}
	if f.Len() == 0 {
		return Frame{}, &ConversionError{Direction: DirectionTelephony, Want: c.upstreamOut, Got: f.Format(), Reason: "empty frame"}
	}
	if f.Len()%2 != 0 {
		return Frame{}, &ConversionError{Direction: DirectionTelephony, Want: c.upstreamOut, Got: f.Format(), Reason: "odd PCM16 length"}
	}

	pcm := c.down.Process(f.Data())
	return NewFrameAt(c.telephony, encode(c.telephony.Codec, pcm), f.Timestamp()), nil
}

func decode(codec Codec, data []byte) []byte {
	switch codec {
	case CodecPCMU:
		return g711.DecodeUlaw(data)
	case CodecPCMA:
		return g711.DecodeAlaw(data)
	default:
		return data
	}
}

func encode(codec Codec, pcm []byte) []byte {
	switch codec {
	case CodecPCMU:
		return g711.EncodeUlaw(pcm)
	case CodecPCMA:
		return g711.EncodeAlaw(pcm)
	default:
		return pcm
	}
}
