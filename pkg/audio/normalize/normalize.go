// Package normalize turns accumulated container bytes into canonical audio: a
// 16 kHz mono PCM16 WAV file in a scoped temporary location.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chriscow/streamscribe/pkg/audio"
	"github.com/chriscow/streamscribe/pkg/audio/codec"
	"github.com/chriscow/streamscribe/pkg/audio/wav"
)

// DefaultMinInputBytes is the size below which no decode is attempted.
const DefaultMinInputBytes = 500

// ErrTooSmall means the input was below the decode threshold. It is not a
// failure; there is simply nothing to transcribe.
var ErrTooSmall = errors.New("audio too small to decode")

// DecodeError reports that every candidate format failed.
type DecodeError struct {
	MIMEType string
	Attempts []audio.Format
	Err      error // last decoder error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q failed after trying %v: %v", e.MIMEType, e.Attempts, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExportError reports a failure writing the canonical file.
type ExportError struct {
	Err error
}

func (e *ExportError) Error() string { return "export canonical audio: " + e.Err.Error() }

func (e *ExportError) Unwrap() error { return e.Err }

// Canonical is an exported audio file. Close removes it.
type Canonical struct {
	Path     string
	Size     int64
	Format   audio.Format // format that decoded
	Fallback bool         // true when the alternate candidate decoded
	Duration time.Duration
}

// Close deletes the file. It is safe to call more than once.
func (c *Canonical) Close() error {
	if c == nil || c.Path == "" {
		return nil
	}
	err := os.Remove(c.Path)
	c.Path = ""
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMinInputBytes overrides the decode threshold.
func WithMinInputBytes(n int) Option {
	return func(nz *Normalizer) { nz.minInput = n }
}

// WithTempDir sets where canonical files are written. Empty uses os.TempDir.
func WithTempDir(dir string) Option {
	return func(nz *Normalizer) { nz.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(nz *Normalizer) { nz.logger = l }
}

// Normalizer decodes with an ordered candidate list and exports canonical WAV.
type Normalizer struct {
	decoder  codec.Decoder
	minInput int
	tempDir  string
	logger   *slog.Logger
}

// New returns a Normalizer using decoder for every candidate.
func New(decoder codec.Decoder, opts ...Option) *Normalizer {
	nz := &Normalizer{
		decoder:  decoder,
		minInput: DefaultMinInputBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(nz)
	}
	return nz
}

// Normalize decodes data as the formats derived from mimeType and writes the
// result to a temporary WAV file. The caller owns the returned Canonical and
// must Close it. Errors are ErrTooSmall, *DecodeError or *ExportError, or the
// context's error.
func (nz *Normalizer) Normalize(ctx context.Context, data []byte, mimeType string) (*Canonical, error) {
	if len(data) < nz.minInput {
		return nil, ErrTooSmall
	}

	pcm, format, fallback, err := nz.decode(ctx, data, mimeType)
	if err != nil {
		return nil, err
	}

	pcm, err = pcm.Canonical()
	if err != nil {
		return nil, &ExportError{Err: err}
	}

	c, err := nz.export(pcm)
	if err != nil {
		return nil, err
	}
	c.Format = format
	c.Fallback = fallback

	nz.logger.Debug("normalize: exported canonical audio",
		"mime", mimeType,
		"format", format,
		"fallback", fallback,
		"input_bytes", len(data),
		"output_bytes", c.Size,
		"duration", c.Duration)

	return c, nil
}

// WithCanonical runs fn against the canonical file and removes it afterwards,
// whether fn returns, fails or panics.
func (nz *Normalizer) WithCanonical(ctx context.Context, data []byte, mimeType string, fn func(*Canonical) error) error {
	c, err := nz.Normalize(ctx, data, mimeType)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			nz.logger.Warn("normalize: failed to remove canonical file", "error", cerr)
		}
	}()
	return fn(c)
}

func (nz *Normalizer) decode(ctx context.Context, data []byte, mimeType string) (*audio.PCM, audio.Format, bool, error) {
	candidates := audio.Candidates(mimeType)

	var lastErr error
	for i, format := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", false, err
		}

		pcm, err := nz.decoder.Decode(ctx, data, format)
		if err == nil && pcm != nil && len(pcm.Samples) > 0 {
			return pcm, format, i > 0, nil
		}
		if err == nil {
			err = errors.New("decoder returned no samples")
		}
		if ctx.Err() != nil {
			return nil, "", false, ctx.Err()
		}

		lastErr = err
		nz.logger.Debug("normalize: decode attempt failed", "mime", mimeType, "format", format, "attempt", i+1, "error", err)
	}

	return nil, "", false, &DecodeError{
		MIMEType: mimeType,
		Attempts: candidates,
		Err:      lastErr,
	}
}

func (nz *Normalizer) export(pcm *audio.PCM) (c *Canonical, err error) {
	f, err := os.CreateTemp(nz.tempDir, "streamscribe-*.wav")
	if err != nil {
		return nil, &ExportError{Err: err}
	}
	path := f.Name()

	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	w, err := wav.NewStreamWriter(f, uint32(pcm.SampleRate), uint16(pcm.NumChannels)) // #nosec G115 - canonical layout
	if err != nil {
		return nil, &ExportError{Err: err}
	}
	if err = w.WriteSamples(pcm.Samples); err != nil {
		return nil, &ExportError{Err: err}
	}
	if err = w.Close(); err != nil {
		return nil, &ExportError{Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		return nil, &ExportError{Err: err}
	}
	if err = f.Close(); err != nil {
		return nil, &ExportError{Err: err}
	}

	return &Canonical{
		Path:     path,
		Size:     info.Size(),
		Duration: pcm.Duration(),
	}, nil
}
