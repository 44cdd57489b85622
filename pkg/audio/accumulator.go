package audio

import "sync"

// Accumulator is an append-only byte store that can be drained atomically.
// Appends racing a drain land either in the drained snapshot or in the fresh
// buffer, never both.
type Accumulator struct {
	mu  sync.Mutex
	buf []byte
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append copies p onto the end of the buffer and returns the new length.
func (a *Accumulator) Append(p []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = append(a.buf, p...)
	return len(a.buf)
}

// SnapshotAndReset returns the accumulated bytes and swaps in an empty buffer.
// The returned slice is owned by the caller. An empty result means there is
// nothing to process.
func (a *Accumulator) SnapshotAndReset() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := a.buf
	a.buf = nil
	return snapshot
}

// Len reports the number of buffered bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Release drops the buffered bytes.
func (a *Accumulator) Release() {
	a.mu.Lock()
	a.buf = nil
	a.mu.Unlock()
}
