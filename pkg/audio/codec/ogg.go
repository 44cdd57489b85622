package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pion/opus/pkg/oggreader"

	"github.com/chriscow/streamscribe/pkg/audio"
)

// DecodeOggOpus decodes an Ogg-encapsulated Opus stream.
func DecodeOggOpus(data []byte) (pcm *audio.PCM, err error) {
	err = safeDecode("ogg/opus", func() error {
		pcm, err = decodeOggOpus(data)
		return err
	})
	return pcm, err
}

func decodeOggOpus(data []byte) (*audio.PCM, error) {
	ogg, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ogg container: %w", err)
	}

	dec := newOpusDecoder()
	for {
		segments, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// a stream cut mid-page keeps what decoded so far
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse ogg page: %w", err)
		}

		for _, segment := range segments {
			if bytes.HasPrefix(segment, []byte("OpusTags")) {
				continue
			}
			dec.packet(segment)
		}
	}

	samples, channels, err := dec.result()
	if err != nil {
		return nil, fmt.Errorf("ogg/opus (%d channel header): %w", header.Channels, err)
	}
	return audio.NewPCM(samples, opusRate, channels)
}
