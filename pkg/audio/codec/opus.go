package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/opus"
)

const (
	// opusRate is the rate pion/opus emits decoded samples at.
	opusRate = 48000
	// maxFrameSize is the largest Opus frame: 120ms at 48kHz.
	maxFrameSize = 5760
)

// opusDecoder turns a sequence of Opus packets into interleaved PCM16.
type opusDecoder struct {
	dec      opus.Decoder
	out      []byte
	samples  []int16
	channels int
	decoded  int
	skipped  int
}

func newOpusDecoder() *opusDecoder {
	return &opusDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, maxFrameSize*2*2),
	}
}

// packet decodes a single Opus packet. Packets the decoder rejects are counted
// and skipped; a recording with a few bad packets still transcribes.
func (d *opusDecoder) packet(p []byte) {
	if len(p) == 0 {
		return
	}

	_, isStereo, err := d.dec.Decode(p, d.out)
	if err != nil {
		d.skipped++
		return
	}

	ch := 1
	if isStereo {
		ch = 2
	}
	n := tocSamples(p) * ch
	if n == 0 || n*2 > len(d.out) {
		d.skipped++
		return
	}
	if d.channels == 0 {
		d.channels = ch
	}
	frame := pcmFromBuffer(d.out, n)
	switch {
	case ch == d.channels:
		d.samples = append(d.samples, frame...)
	case ch == 2:
		// stream started mono; fold stereo frames down
		for i := 0; i+1 < len(frame); i += 2 {
			d.samples = append(d.samples, int16((int32(frame[i])+int32(frame[i+1]))/2)) // #nosec G115 - average of int16 values
		}
	default:
		for _, s := range frame {
			d.samples = append(d.samples, s, s)
		}
	}
	d.decoded++
}

// result returns the accumulated samples, or an error if nothing decoded.
func (d *opusDecoder) result() ([]int16, int, error) {
	if d.decoded == 0 || len(d.samples) == 0 {
		if d.skipped > 0 {
			return nil, 0, fmt.Errorf("no decodable opus packets (%d rejected)", d.skipped)
		}
		return nil, 0, errors.New("no opus packets found")
	}
	return d.samples, d.channels, nil
}

// tocSamples returns the samples per channel at 48 kHz that an Opus packet
// decodes to, read from its TOC byte (RFC 6716 section 3.1). It returns 0 for
// a malformed header.
func tocSamples(p []byte) int {
	if len(p) == 0 {
		return 0
	}

	config := int(p[0] >> 3)
	var perFrame int
	switch {
	case config < 12: // SILK-only: 10, 20, 40, 60 ms
		perFrame = [...]int{480, 960, 1920, 2880}[config%4]
	case config < 16: // hybrid: 10, 20 ms
		perFrame = [...]int{480, 960}[config%2]
	default: // CELT-only: 2.5, 5, 10, 20 ms
		perFrame = [...]int{120, 240, 480, 960}[config%4]
	}

	frames := 1
	switch p[0] & 0x3 {
	case 1, 2:
		frames = 2
	case 3:
		if len(p) < 2 {
			return 0
		}
		frames = int(p[1] & 0x3f)
	}
	return perFrame * frames
}

// pcmFromBuffer reads n little-endian PCM16 samples from buf.
func pcmFromBuffer(buf []byte, n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:])) // #nosec G115 - PCM16 reinterpretation
	}
	return samples
}

// safeDecode converts a panic from a third-party decoder into an error.
func safeDecode(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s decoder panic: %v", name, r)
		}
	}()
	return fn()
}
