package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/streamscribe/internal/metrics"
	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown or torn-down session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when connecting an id that is already active.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidChunk is returned for a chunk with missing fields or an
	// undecodable payload. The session is unaffected.
	ErrInvalidChunk = errors.New("invalid audio chunk")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session registry closed")
)

// Emitter delivers outbound events to the connection that owns the session.
type Emitter interface {
	Emit(ctx context.Context, ev stt.SpeechEvent) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev stt.SpeechEvent) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, ev stt.SpeechEvent) error { return f(ctx, ev) }

// Transcriber turns a buffered segment into an outcome. *stt.Pipeline
// implements it.
type Transcriber interface {
	Run(ctx context.Context, data []byte, mimeType, lang string) stt.Outcome
}

// Config tunes session behaviour.
type Config struct {
	TickInterval     time.Duration // watchdog tick
	SilenceThreshold time.Duration // inter-chunk gap that counts as silence
	InterimOnSilence bool          // transcribe the buffer when silence is detected
	Language         string        // hint passed to the engine
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     500 * time.Millisecond,
		SilenceThreshold: 2 * time.Second,
		Language:         "ja",
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry owns every active session, keyed by connection id.
type Registry struct {
	cfg         Config
	interim     atomic.Bool
	transcriber Transcriber
	emitter     Emitter
	logger      *slog.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry. transcriber and emitter are required.
func NewRegistry(cfg Config, transcriber Transcriber, emitter Emitter, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:         cfg,
		transcriber: transcriber,
		emitter:     emitter,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "session")
	r.interim.Store(cfg.InterimOnSilence)
	return r
}

// SetInterimOnSilence toggles interim transcription on detected silence. It
// takes effect at the next watchdog tick of every session.
func (r *Registry) SetInterimOnSilence(on bool) {
	if r.interim.Swap(on) != on {
		r.logger.Info("interim-on-silence policy changed", "enabled", on)
	}
}

// InterimOnSilence reports the current policy.
func (r *Registry) InterimOnSilence() bool {
	return r.interim.Load()
}

// Connect creates an empty session for id.
func (r *Registry) Connect(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	s := newSession(id, r.logger)
	r.sessions[id] = s
	r.metrics.SessionOpened()
	s.logger.Info("session connected")
	return s, nil
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Chunk accepts a transport-encoded chunk: base64, optionally wrapped in a
// data URL. Chunks for unknown sessions return ErrSessionNotFound and are
// otherwise ignored.
func (r *Registry) Chunk(id, payload, mimeType string) error {
	if r.Get(id) == nil {
		return ErrSessionNotFound
	}

	data, err := DecodePayload(payload)
	if err != nil {
		r.metrics.ChunkRejected()
		return err
	}
	if strings.TrimSpace(mimeType) == "" {
		r.metrics.ChunkRejected()
		return fmt.Errorf("%w: missing mime type", ErrInvalidChunk)
	}
	return r.Append(id, data, mimeType)
}

// Append adds raw bytes to the session buffer, fixes the MIME type on the
// first chunk and starts the silence watchdog if it is not running.
func (r *Registry) Append(id string, data []byte, mimeType string) error {
	s := r.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}

	size := s.buffer.Append(data)
	if s.mimeType == "" {
		s.mimeType = mimeType
	} else if mimeType != "" && mimeType != s.mimeType {
		s.logger.Debug("ignoring mime type change", "mime", s.mimeType, "got", mimeType)
	}
	s.lastChunkAt = time.Now()
	s.stats.Chunks++
	s.stats.Bytes += int64(len(data))

	var gen uint64
	start := !s.watchdogActive
	if start {
		s.watchdogActive = true
		s.watchdogGen++
		gen = s.watchdogGen
		r.wg.Add(1)
	}
	s.mu.Unlock()

	r.metrics.ChunkAccepted(len(data))
	s.logger.Debug("chunk appended", "bytes", len(data), "buffered", size)

	if start {
		go r.watch(s, gen)
	}
	return nil
}

// Cut ends the current recording at this point in the stream. The watchdog
// stops and the bytes buffered so far become a final segment; bytes appended
// afterwards belong to the next recording. Run the segment with RunFinal.
func (r *Registry) Cut(id string) (*Segment, error) {
	s := r.Get(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionNotFound
	}
	s.watchdogActive = false
	s.watchdogGen++
	s.lastChunkAt = time.Time{}
	s.pendingFinals++

	s.logger.Debug("end of stream")
	return &Segment{
		session:  s,
		Data:     s.buffer.SnapshotAndReset(),
		MIMEType: s.mimeType,
	}, nil
}

// EndOfStream cuts the stream and runs the final segment. It returns after
// the final emission, waiting for any in-flight run first.
func (r *Registry) EndOfStream(ctx context.Context, id string) error {
	seg, err := r.Cut(id)
	if err != nil {
		return err
	}
	r.RunFinal(ctx, seg)
	return nil
}

// Disconnect tears the session down. It is safe to call repeatedly and
// concurrently with watchdog ticks and segment runs; a run in flight finishes
// but its emission is dropped.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.teardown(s)
}

func (r *Registry) teardown(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.watchdogActive = false
	s.watchdogGen++
	s.mimeType = ""
	s.lastChunkAt = time.Time{}
	close(s.done)
	s.mu.Unlock()

	s.buffer.Release()
	lifetime := time.Since(s.createdAt)
	r.metrics.SessionClosed(lifetime)
	s.logger.Info("session disconnected", "lifetime", lifetime)
}

// Stats returns per-session counters sorted by id.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	stats := make([]Stats, len(sessions))
	for i, s := range sessions {
		stats[i] = s.Stats()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close tears down every session and waits for background work to stop.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.teardown(s)
	}
	r.cancel()
	r.wg.Wait()

	r.logger.Info("session registry closed", "sessions", len(sessions))
	return nil
}

// DecodePayload strips an optional data URL prefix (everything up to the first
// comma) and base64-decodes the rest.
func DecodePayload(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: missing audio", ErrInvalidChunk)
	}
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// some encoders omit padding
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrInvalidChunk)
	}
	return data, nil
}
