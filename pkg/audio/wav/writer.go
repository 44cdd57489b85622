package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chriscow/streamscribe/pkg/audio"
)

const headerSize = 44

// Writer writes 16-bit PCM WAV streams. The RIFF and data sizes are patched
// in when the writer is closed.
type Writer struct {
	w              io.WriteSeeker
	closer         io.Closer
	sampleRate     uint32
	numChannels    uint16
	bitsPerSample  uint16
	samplesWritten uint32
}

// NewWriter creates a new WAV file writer
func NewWriter(filename string, sampleRate uint32, numChannels uint16) (*Writer, error) {
	file, err := os.Create(filename) // #nosec G304 - caller-controlled output path
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	writer, err := NewStreamWriter(file, sampleRate, numChannels)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	writer.closer = file
	return writer, nil
}

// NewStreamWriter writes a WAV stream to w. Closing the Writer finalises the
// header but leaves w open.
func NewStreamWriter(w io.WriteSeeker, sampleRate uint32, numChannels uint16) (*Writer, error) {
	if sampleRate == 0 || numChannels == 0 {
		return nil, errors.New("sample rate and channel count must be positive")
	}

	writer := &Writer{
		w:             w,
		sampleRate:    sampleRate,
		numChannels:   numChannels,
		bitsPerSample: 16,
	}

	// Write header (we'll update it when we close)
	if err := writer.writeHeader(); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return writer, nil
}

// WriteFile exports pcm as a complete WAV file at path.
func WriteFile(path string, pcm *audio.PCM) error {
	w, err := NewWriter(path, uint32(pcm.SampleRate), uint16(pcm.NumChannels)) // #nosec G115 - validated by audio.NewPCM
	if err != nil {
		return err
	}
	if err := w.WriteSamples(pcm.Samples); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// WriteSamples appends interleaved samples. len(samples) must be a multiple of
// the channel count.
func (w *Writer) WriteSamples(samples []int16) error {
	if w.w == nil {
		return errors.New("write to closed WAV writer")
	}
	if len(samples)%int(w.numChannels) != 0 {
		return fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), w.numChannels)
	}

	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s)) // #nosec G115 - PCM16 reinterpretation
	}
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}

	w.samplesWritten += uint32(len(samples)) / uint32(w.numChannels) // #nosec G115 - bounded by WAV size limits
	return nil
}

// Close finalizes the WAV file by updating the header with correct sizes
func (w *Writer) Close() error {
	if w.w == nil {
		return nil
	}

	err := w.finalize()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	w.w = nil
	w.closer = nil
	return err
}

func (w *Writer) finalize() error {
	dataSize := w.samplesWritten * uint32(w.numChannels) * uint32(w.bitsPerSample) / 8
	chunkSize := dataSize + headerSize - 8

	if _, err := w.w.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to chunk size: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, chunkSize); err != nil {
		return fmt.Errorf("failed to write chunk size: %w", err)
	}

	if _, err := w.w.Seek(headerSize-4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data size: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write data size: %w", err)
	}

	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}

// writeHeader writes the initial WAV header
func (w *Writer) writeHeader() error {
	byteRate := w.sampleRate * uint32(w.numChannels) * uint32(w.bitsPerSample) / 8
	blockAlign := w.numChannels * w.bitsPerSample / 8

	var hdr [headerSize]byte
	copy(hdr[0:4], "RIFF")
	// hdr[4:8] chunk size, patched in Close
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], w.numChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], w.sampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], w.bitsPerSample)
	copy(hdr[36:40], "data")
	// hdr[40:44] data size, patched in Close

	_, err := w.w.Write(hdr[:])
	return err
}
