package codec

import (
	"github.com/chriscow/streamscribe/pkg/audio"
	"github.com/chriscow/streamscribe/pkg/audio/wav"
)

// DecodeWAV decodes a RIFF PCM16 file.
func DecodeWAV(data []byte) (*audio.PCM, error) {
	return wav.Decode(data)
}
