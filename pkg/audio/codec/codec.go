// Package codec decodes browser-recorded audio containers into PCM.
//
// Two backends exist: a pure Go one (WebM via ebml-go, Ogg via pion's
// oggreader, Opus via pion/opus, WAV) and one shelling out to ffmpeg. The pure
// Go Opus decoder only handles a subset of the codec reliably, so the auto
// policy prefers ffmpeg whenever it is installed.
package codec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/chriscow/streamscribe/pkg/audio"
)

// ErrUnsupported is returned when a decoder has no implementation for a format.
var ErrUnsupported = errors.New("unsupported audio format")

// Decoder turns an encoded byte sequence, interpreted as format, into PCM.
type Decoder interface {
	Decode(ctx context.Context, data []byte, format audio.Format) (*audio.PCM, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, data []byte, format audio.Format) (*audio.PCM, error)

// Decode calls f.
func (f DecoderFunc) Decode(ctx context.Context, data []byte, format audio.Format) (*audio.PCM, error) {
	return f(ctx, data, format)
}

// Backend selects the decoder implementation.
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendNative Backend = "native"
	BackendFFmpeg Backend = "ffmpeg"
)

// ParseBackend validates a configured backend name. Empty means auto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendNative, BackendFFmpeg:
		return b, nil
	default:
		return "", fmt.Errorf("unknown decoder backend %q (want auto, native or ffmpeg)", s)
	}
}

// New returns the decoder for backend. Auto resolves to ffmpeg when the binary
// is on PATH and to the native decoders otherwise.
func New(backend Backend, logger *slog.Logger) (Decoder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch backend {
	case BackendNative:
		return NewNative(), nil
	case BackendFFmpeg:
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg backend requested but not found: %w", err)
		}
		return NewFFmpeg(path), nil
	case BackendAuto, "":
		if path, err := exec.LookPath("ffmpeg"); err == nil {
			logger.Debug("codec: using ffmpeg decoder", "path", path)
			return NewFFmpeg(path), nil
		}
		logger.Info("codec: ffmpeg not found, using native decoders")
		return NewNative(), nil
	default:
		return nil, fmt.Errorf("unknown decoder backend %q", backend)
	}
}

// Native dispatches to the pure Go decoders.
type Native struct {
	decoders map[audio.Format]func([]byte) (*audio.PCM, error)
}

// NewNative returns the pure Go decoder set.
func NewNative() *Native {
	return &Native{
		decoders: map[audio.Format]func([]byte) (*audio.PCM, error){
			audio.FormatWebM: DecodeWebM,
			audio.FormatOpus: DecodeOggOpus,
			audio.FormatOgg:  DecodeOggOpus,
			audio.FormatWAV:  DecodeWAV,
		},
	}
}

// Decode implements Decoder.
func (n *Native) Decode(ctx context.Context, data []byte, format audio.Format) (*audio.PCM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decode, ok := n.decoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s (native backend)", ErrUnsupported, format)
	}
	return decode(data)
}
