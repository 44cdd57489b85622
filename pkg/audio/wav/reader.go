// Package wav reads and writes RIFF/WAVE files holding 16-bit linear PCM, the
// canonical form handed to speech-to-text engines.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chriscow/streamscribe/pkg/audio"
)

// Header represents a WAV file header
type Header struct {
	ChunkSize     uint32
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Reader decodes a WAV stream into PCM.
type Reader struct {
	r      io.ReadSeeker
	header Header
}

// NewReader parses the header of a WAV stream and leaves r positioned at the
// first sample.
func NewReader(r io.ReadSeeker) (*Reader, error) {
	reader := &Reader{r: r}
	if err := reader.readHeader(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return reader, nil
}

// Decode parses a complete in-memory WAV file.
func Decode(data []byte) (*audio.PCM, error) {
	reader, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return reader.ReadPCM()
}

// Header returns the WAV file header information
func (r *Reader) Header() Header {
	return r.header
}

// ReadPCM reads the data chunk. A data chunk shorter than its declared size
// (common for streamed recordings) yields whatever complete frames exist.
func (r *Reader) ReadPCM() (*audio.PCM, error) {
	raw, err := io.ReadAll(io.LimitReader(r.r, int64(r.header.DataSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	frameBytes := 2 * int(r.header.NumChannels)
	raw = raw[:len(raw)-len(raw)%frameBytes]
	if len(raw) == 0 {
		return nil, errors.New("WAV data chunk holds no samples")
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:])) // #nosec G115 - PCM16 reinterpretation
	}

	return audio.NewPCM(samples, int(r.header.SampleRate), int(r.header.NumChannels))
}

// readHeader reads and validates the WAV file header
func (r *Reader) readHeader() error {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r.r, riffHeader[:]); err != nil {
		return fmt.Errorf("failed to read RIFF header: %w", err)
	}

	if string(riffHeader[0:4]) != "RIFF" {
		return fmt.Errorf("not a valid RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return fmt.Errorf("not a valid WAVE file")
	}

	r.header.ChunkSize = binary.LittleEndian.Uint32(riffHeader[4:8])

	if err := r.readFmtChunk(); err != nil {
		return err
	}
	if err := r.readDataChunk(); err != nil {
		return err
	}

	if r.header.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit samples are supported, got %d-bit", r.header.BitsPerSample)
	}
	if r.header.NumChannels == 0 || r.header.NumChannels > 8 {
		return fmt.Errorf("unsupported channel count %d", r.header.NumChannels)
	}
	if r.header.SampleRate == 0 {
		return fmt.Errorf("invalid sample rate 0")
	}

	return nil
}

// readFmtChunk reads the format chunk
func (r *Reader) readFmtChunk() error {
	for {
		chunkID, chunkSize, err := r.readChunkHeader()
		if err != nil {
			return err
		}

		if chunkID == "fmt " {
			if chunkSize < 16 {
				return fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}

			var fmtData [16]byte
			if _, err := io.ReadFull(r.r, fmtData[:]); err != nil {
				return fmt.Errorf("failed to read fmt data: %w", err)
			}

			audioFormat := binary.LittleEndian.Uint16(fmtData[0:2])
			if audioFormat != 1 {
				return fmt.Errorf("only PCM format is supported, got format %d", audioFormat)
			}

			r.header.NumChannels = binary.LittleEndian.Uint16(fmtData[2:4])
			r.header.SampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
			r.header.BitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])

			if chunkSize > 16 {
				if err := r.skip(chunkSize - 16); err != nil {
					return fmt.Errorf("failed to skip fmt data: %w", err)
				}
			}
			return nil
		}

		if err := r.skip(chunkSize); err != nil {
			return fmt.Errorf("failed to skip chunk %q: %w", chunkID, err)
		}
	}
}

// readDataChunk positions the reader at the start of audio data
func (r *Reader) readDataChunk() error {
	for {
		chunkID, chunkSize, err := r.readChunkHeader()
		if err != nil {
			return err
		}

		if chunkID == "data" {
			r.header.DataSize = chunkSize
			return nil
		}

		if err := r.skip(chunkSize); err != nil {
			return fmt.Errorf("failed to skip chunk %q: %w", chunkID, err)
		}
	}
}

func (r *Reader) readChunkHeader() (string, uint32, error) {
	var chunkHeader [8]byte
	if _, err := io.ReadFull(r.r, chunkHeader[:]); err != nil {
		return "", 0, fmt.Errorf("failed to read chunk header: %w", err)
	}
	return string(chunkHeader[0:4]), binary.LittleEndian.Uint32(chunkHeader[4:8]), nil
}

// skip advances past a chunk body; RIFF pads odd-sized chunks to even length.
func (r *Reader) skip(size uint32) error {
	n := int64(size)
	if size%2 == 1 {
		n++
	}
	_, err := r.r.Seek(n, io.SeekCurrent)
	return err
}
