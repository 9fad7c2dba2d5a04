package audio

import "encoding/binary"

// Resampler converts mono 16-bit little-endian PCM between two fixed rates
// by linear interpolation. State is kept between calls so that a stream cut
// into arbitrary chunks resamples exactly like the concatenated stream.
//
// Output sample k sits at input position k*from/to - 1. The one sample delay
// means every output can be computed from samples already seen, so after N
// input samples exactly ceil(N*to/from) samples have been produced.
//
// A Resampler is not safe for concurrent use; keep one per direction.
type Resampler struct {
	from, to int64
	in, out  int64
	last     int16
}

// NewResampler returns a resampler from one sample rate to another.
func NewResampler(from, to int) *Resampler {
	g := gcd(int64(from), int64(to))
	return &Resampler{from: int64(from) / g, to: int64(to) / g}
}

// Process resamples the next chunk of the stream.
func (r *Resampler) Process(pcm []byte) []byte {
	n := int64(len(pcm) / 2)
	if n == 0 {
		return []byte{}
	}

	if r.from == r.to {
		out := make([]byte, n*2)
		copy(out, pcm)
		r.in += n
		r.out += n
		r.last = int16(binary.LittleEndian.Uint16(pcm[(n-1)*2:]))
		return out
	}

	total := r.in + n
	end := (total*r.to + r.from - 1) / r.from
	out := make([]byte, (end-r.out)*2)

	for k, o := r.out, 0; k < end; k, o = k+1, o+2 {
		p := k*r.from - r.to
		idx := floorDiv(p, r.to)
		frac := p - idx*r.to

		a := int64(r.sample(pcm, idx))
		b := int64(r.sample(pcm, idx+1))
		v := (a*(r.to-frac) + b*frac) / r.to
		binary.LittleEndian.PutUint16(out[o:], uint16(int16(v)))
	}

	r.last = int16(binary.LittleEndian.Uint16(pcm[(n-1)*2:]))
	r.in = total
	r.out = end
	return out
}

// Consumed returns the total input and output sample counts so far.
func (r *Resampler) Consumed() (in, out int64) {
	return r.in, r.out
}

// sample returns the stream sample at absolute index idx. Only the last
// sample of the previous chunk is ever needed from history.
func (r *Resampler) sample(pcm []byte, idx int64) int16 {
	local := idx - r.in
	if local < 0 {
		return r.last
	}
	return int16(binary.LittleEndian.Uint16(pcm[local*2:]))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}
