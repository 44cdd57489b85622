package normalize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/streamscribe/pkg/audio"
	"github.com/chriscow/streamscribe/pkg/audio/codec"
)

// recordingDecoder succeeds only for the formats in ok and records every
// attempt.
type recordingDecoder struct {
	mu       sync.Mutex
	ok       map[audio.Format]bool
	attempts []audio.Format
}

func (d *recordingDecoder) Decode(_ context.Context, _ []byte, format audio.Format) (*audio.PCM, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, format)
	d.mu.Unlock()

	if !d.ok[format] {
		return nil, errors.New("not a " + string(format) + " stream")
	}
	return audio.NewPCM(make([]int16, 48000), 48000, 2)
}

func (d *recordingDecoder) Attempts() []audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.Format(nil), d.attempts...)
}

func dirEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestNormalize_TooSmallSkipsDecode(t *testing.T) {
	is := is.New(t)

	dec := &recordingDecoder{ok: map[audio.Format]bool{audio.FormatWebM: true}}
	nz := New(dec, WithTempDir(t.TempDir()))

	_, err := nz.Normalize(context.Background(), make([]byte, 499), "audio/webm")
	is.True(errors.Is(err, ErrTooSmall))
	is.Equal(len(dec.Attempts()), 0) // decoder never reached
}

func TestNormalize_PrimarySucceeds(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	dec := &recordingDecoder{ok: map[audio.Format]bool{audio.FormatWebM: true}}
	nz := New(dec, WithTempDir(dir))

	c, err := nz.Normalize(context.Background(), make([]byte, 500), "audio/webm;codecs=opus")
	is.NoErr(err)
	is.Equal(dec.Attempts(), []audio.Format{audio.FormatWebM})
	is.Equal(c.Format, audio.FormatWebM)
	is.True(!c.Fallback)
	is.True(c.Size > 44+15000) // about 0.5s of 16kHz mono PCM16 plus header

	data, err := os.ReadFile(c.Path)
	is.NoErr(err)
	is.Equal(string(data[:4]), "RIFF")

	is.NoErr(c.Close())
	is.Equal(dirEntries(t, dir), 0) // file removed
	is.NoErr(c.Close())             // idempotent
}

func TestNormalize_SingleFallback(t *testing.T) {
	is := is.New(t)

	dec := &recordingDecoder{ok: map[audio.Format]bool{audio.FormatOpus: true}}
	nz := New(dec, WithTempDir(t.TempDir()))

	c, err := nz.Normalize(context.Background(), make([]byte, 1024), "audio/webm")
	is.NoErr(err)
	defer c.Close()

	is.Equal(dec.Attempts(), []audio.Format{audio.FormatWebM, audio.FormatOpus}) // primary then alternate
	is.Equal(c.Format, audio.FormatOpus)
	is.True(c.Fallback)
}

func TestNormalize_BothFail(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	dec := &recordingDecoder{}
	nz := New(dec, WithTempDir(dir))

	_, err := nz.Normalize(context.Background(), make([]byte, 1024), "audio/webm")

	var de *DecodeError
	is.True(errors.As(err, &de))
	is.Equal(len(dec.Attempts()), 2) // exactly one fallback, no more
	is.Equal(de.Attempts, []audio.Format{audio.FormatWebM, audio.FormatOpus})
	is.Equal(dirEntries(t, dir), 0) // nothing exported
}

func TestNormalize_NoAlternateForWAV(t *testing.T) {
	is := is.New(t)

	dec := &recordingDecoder{}
	nz := New(dec, WithTempDir(t.TempDir()))

	_, err := nz.Normalize(context.Background(), make([]byte, 1024), "audio/wav")
	var de *DecodeError
	is.True(errors.As(err, &de))
	is.Equal(dec.Attempts(), []audio.Format{audio.FormatWAV})
}

func TestNormalize_ExportFailure(t *testing.T) {
	is := is.New(t)

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	dec := &recordingDecoder{ok: map[audio.Format]bool{audio.FormatWebM: true}}
	nz := New(dec, WithTempDir(missing))

	_, err := nz.Normalize(context.Background(), make([]byte, 1024), "audio/webm")
	var ee *ExportError
	is.True(errors.As(err, &ee))
}

func TestNormalize_CancelledContext(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := &recordingDecoder{ok: map[audio.Format]bool{audio.FormatWebM: true}}
	nz := New(dec, WithTempDir(t.TempDir()))

	_, err := nz.Normalize(ctx, make([]byte, 1024), "audio/webm")
	is.True(errors.Is(err, context.Canceled))
	is.Equal(len(dec.Attempts()), 0)
}

func TestWithCanonical_CleansUpOnError(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	dec := &recordingDecoder{ok: map[audio.Format]bool{audio.FormatWebM: true}}
	nz := New(dec, WithTempDir(dir))

	boom := errors.New("engine down")
	var seen string
	err := nz.WithCanonical(context.Background(), make([]byte, 1024), "audio/webm", func(c *Canonical) error {
		seen = c.Path
		_, statErr := os.Stat(c.Path)
		is.NoErr(statErr) // file exists while fn runs
		return boom
	})

	is.True(errors.Is(err, boom))
	is.True(seen != "")
	is.Equal(dirEntries(t, dir), 0) // removed after fn
}

func TestWithCanonical_CleansUpOnPanic(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	dec := &recordingDecoder{ok: map[audio.Format]bool{audio.FormatWebM: true}}
	nz := New(dec, WithTempDir(dir))

	func() {
		defer func() { _ = recover() }()
		_ = nz.WithCanonical(context.Background(), make([]byte, 1024), "audio/webm", func(*Canonical) error {
			panic("boom")
		})
	}()

	is.Equal(dirEntries(t, dir), 0)
}

func TestNormalize_DecoderFunc(t *testing.T) {
	is := is.New(t)

	calls := 0
	dec := codec.DecoderFunc(func(context.Context, []byte, audio.Format) (*audio.PCM, error) {
		calls++
		return &audio.PCM{SampleRate: 16000, NumChannels: 1}, nil
	})
	nz := New(dec, WithTempDir(t.TempDir()))

	_, err := nz.Normalize(context.Background(), make([]byte, 1024), "audio/ogg")
	var de *DecodeError
	is.True(errors.As(err, &de)) // empty PCM counts as a failed attempt
	is.Equal(calls, 2)
}
