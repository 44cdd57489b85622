package codec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/chriscow/streamscribe/pkg/audio"
)

// ffmpegDemuxers maps formats to ffmpeg's -f input names. Forcing the demuxer
// keeps a wrong guess from being silently rescued by ffmpeg's own probing.
var ffmpegDemuxers = map[audio.Format]string{
	audio.FormatWebM: "matroska",
	audio.FormatOpus: "ogg",
	audio.FormatOgg:  "ogg",
	audio.FormatWAV:  "wav",
	audio.FormatMP4:  "mov",
	audio.FormatMP3:  "mp3",
}

// FFmpeg decodes by piping bytes through an ffmpeg process.
type FFmpeg struct {
	path string
}

// NewFFmpeg returns a decoder running the binary at path.
func NewFFmpeg(path string) *FFmpeg {
	return &FFmpeg{path: path}
}

// Decode implements Decoder. Output is already canonical: 16 kHz mono PCM16.
func (f *FFmpeg) Decode(ctx context.Context, data []byte, format audio.Format) (*audio.PCM, error) {
	demuxer, ok := ffmpegDemuxers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s (ffmpeg backend)", ErrUnsupported, format)
	}

	// #nosec G204 - fixed binary and arguments, audio passed on stdin
	cmd := exec.CommandContext(ctx, f.path,
		"-hide_banner",
		"-loglevel", "error",
		"-f", demuxer,
		"-i", "pipe:0",
		"-ar", strconv.Itoa(audio.CanonicalSampleRate),
		"-ac", "1",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s decode failed: %w: %s", format, err, bytes.TrimSpace(stderr.Bytes()))
	}

	raw := stdout.Bytes()
	if len(raw) < 2 {
		return nil, fmt.Errorf("ffmpeg %s decode produced no samples", format)
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}
	return audio.NewPCM(samples, audio.CanonicalSampleRate, 1)
}
