package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"

	"github.com/chriscow/streamscribe/pkg/audio"
)

const opusCodecID = "A_OPUS"

type webmFile struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment webm.Segment    `ebml:"Segment"`
}

// DecodeWebM demuxes a WebM/Matroska byte stream and decodes its first Opus
// audio track. MediaRecorder output is often cut mid-cluster, so a parse error
// after at least one audio block is tolerated.
func DecodeWebM(data []byte) (pcm *audio.PCM, err error) {
	err = safeDecode("webm", func() error {
		pcm, err = decodeWebM(data)
		return err
	})
	return pcm, err
}

func decodeWebM(data []byte) (*audio.PCM, error) {
	var f webmFile
	parseErr := ebml.Unmarshal(bytes.NewReader(data), &f)

	track, ok := opusTrack(f.Segment.Tracks.TrackEntry)
	if !ok {
		if parseErr != nil {
			return nil, fmt.Errorf("parse webm: %w", parseErr)
		}
		return nil, errors.New("webm: no opus audio track")
	}

	dec := newOpusDecoder()
	blocks := 0
	for _, cluster := range f.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			if block.TrackNumber != track {
				continue
			}
			blocks++
			for _, frame := range block.Data {
				dec.packet(frame)
			}
		}
		for _, group := range cluster.BlockGroup {
			if group.Block.TrackNumber != track {
				continue
			}
			blocks++
			for _, frame := range group.Block.Data {
				dec.packet(frame)
			}
		}
	}

	if blocks == 0 && parseErr != nil {
		return nil, fmt.Errorf("parse webm: %w", parseErr)
	}

	samples, channels, err := dec.result()
	if err != nil {
		return nil, fmt.Errorf("webm: %w", err)
	}
	return audio.NewPCM(samples, opusRate, channels)
}

func opusTrack(entries []webm.TrackEntry) (uint64, bool) {
	for _, e := range entries {
		if e.CodecID == opusCodecID {
			return e.TrackNumber, true
		}
	}
	return 0, false
}
