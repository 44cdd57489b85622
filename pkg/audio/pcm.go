// Package audio holds the byte- and sample-level building blocks of the
// transcription pipeline: decoded PCM, the per-session chunk accumulator and the
// container format model derived from transport MIME types.
package audio

import (
	"fmt"
	"time"

	"github.com/zeozeozeo/gomplerate"
)

// CanonicalSampleRate is the rate every decoded segment is exported at.
const CanonicalSampleRate = 16000

// PCM is decoded, interleaved 16-bit linear audio.
// len(Samples) is a multiple of NumChannels.
type PCM struct {
	Samples     []int16
	SampleRate  int
	NumChannels int
}

// NewPCM validates the sample layout and wraps it.
func NewPCM(samples []int16, sampleRate, numChannels int) (*PCM, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", numChannels)
	}
	if len(samples)%numChannels != 0 {
		return nil, fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), numChannels)
	}

	return &PCM{
		Samples:     samples,
		SampleRate:  sampleRate,
		NumChannels: numChannels,
	}, nil
}

// Frames returns the number of samples per channel.
func (p *PCM) Frames() int {
	if p.NumChannels == 0 {
		return 0
	}
	return len(p.Samples) / p.NumChannels
}

// Duration returns the playback length.
func (p *PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Mono downmixes by averaging channels. A mono input is returned as is.
func (p *PCM) Mono() *PCM {
	if p.NumChannels <= 1 {
		return p
	}

	frames := p.Frames()
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < p.NumChannels; ch++ {
			sum += int32(p.Samples[i*p.NumChannels+ch])
		}
		mono[i] = int16(sum / int32(p.NumChannels)) // #nosec G115 - average of int16 values
	}

	return &PCM{Samples: mono, SampleRate: p.SampleRate, NumChannels: 1}
}

// Resample converts to the target rate. Only mono input is supported; callers
// downmix first.
func (p *PCM) Resample(rate int) (*PCM, error) {
	if rate == p.SampleRate {
		return p, nil
	}
	if p.NumChannels != 1 {
		return nil, fmt.Errorf("resample requires mono audio, got %d channels", p.NumChannels)
	}

	resampler, err := gomplerate.NewResampler(1, p.SampleRate, rate)
	if err != nil {
		return nil, fmt.Errorf("create resampler %d->%d: %w", p.SampleRate, rate, err)
	}

	return &PCM{
		Samples:     resampler.ResampleInt16(p.Samples),
		SampleRate:  rate,
		NumChannels: 1,
	}, nil
}

// Canonical downmixes and resamples to the export layout.
func (p *PCM) Canonical() (*PCM, error) {
	return p.Mono().Resample(CanonicalSampleRate)
}
