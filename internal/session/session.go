// Package session manages streaming transcription sessions: per-connection
// audio accumulation, silence detection, and the segment runs that turn
// buffered audio into transcript events.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/streamscribe/pkg/audio"
)

// Session is the server-side state of one streaming connection.
type Session struct {
	ID string

	createdAt time.Time
	buffer    *audio.Accumulator
	logger    *slog.Logger

	// sem is the processing guard: holding its single slot means a segment
	// run is in flight.
	sem  chan struct{}
	done chan struct{}

	mu             sync.Mutex
	mimeType       string
	lastChunkAt    time.Time
	watchdogActive bool
	watchdogGen    uint64
	pendingFinals  int
	closed         bool
	stats          Stats
}

// Stats are per-session counters.
type Stats struct {
	ID             string        `json:"id"`
	MIMEType       string        `json:"mime_type"`
	Age            time.Duration `json:"age"`
	BufferedBytes  int           `json:"buffered_bytes"`
	Chunks         int           `json:"chunks"`
	Bytes          int64         `json:"bytes"`
	Segments       int           `json:"segments"`
	Failures       int           `json:"failures"`
	WatchdogActive bool          `json:"watchdog_active"`
	Processing     bool          `json:"processing"`
	LastChunkAt    time.Time     `json:"last_chunk_at"`
}

func newSession(id string, logger *slog.Logger) *Session {
	return &Session{
		ID:        id,
		createdAt: time.Now(),
		buffer:    audio.NewAccumulator(),
		logger:    logger.With("session_id", id),
		sem:       make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// MIMEType returns the transport MIME type set by the first chunk.
func (s *Session) MIMEType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mimeType
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.ID = s.ID
	st.MIMEType = s.mimeType
	st.Age = time.Since(s.createdAt)
	st.BufferedBytes = s.buffer.Len()
	st.WatchdogActive = s.watchdogActive
	st.Processing = len(s.sem) > 0
	st.LastChunkAt = s.lastChunkAt
	return st
}

// tryAcquire takes the processing guard without waiting.
func (s *Session) tryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire waits for the processing guard. It gives up when the session is
// torn down or ctx ends.
func (s *Session) acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}

	// teardown may have won the race while we waited
	select {
	case <-s.done:
		s.release()
		return false
	default:
		return true
	}
}

func (s *Session) release() {
	<-s.sem
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// finalsPending reports whether a cut segment is waiting to run.
func (s *Session) finalsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingFinals > 0
}

func (s *Session) finalDone() {
	s.mu.Lock()
	s.pendingFinals--
	s.mu.Unlock()
}

func (s *Session) recordSegment(failed bool) {
	s.mu.Lock()
	s.stats.Segments++
	if failed {
		s.stats.Failures++
	}
	s.mu.Unlock()
}

// String renders a session for logs.
func (s *Session) String() string {
	st := s.Stats()
	return fmt.Sprintf("session %s (%d chunks, %d buffered bytes)", s.ID, st.Chunks, st.BufferedBytes)
}
