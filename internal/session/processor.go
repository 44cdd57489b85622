package session

import (
	"context"
	"runtime/debug"

	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

// Client-facing failure reasons. Internal detail stays in the logs.
const (
	ReasonTranscriptionFailed = "transcription failed"
	ReasonInternal            = "internal server error"
	ReasonInvalidChunk        = "invalid audio data"
	ReasonSessionNotFound     = "session not found"
)

// Segment is audio cut from a session's stream at an end-of-stream boundary.
// It holds exactly the bytes received before the cut.
type Segment struct {
	session  *Session
	Data     []byte
	MIMEType string
}

// Process runs one segment for the session. Interim runs are skipped when a
// run is already in flight; final runs cut the buffer now and then wait for
// the in-flight run.
func (r *Registry) Process(ctx context.Context, id string, final bool) error {
	if final {
		seg, err := r.Cut(id)
		if err != nil {
			return err
		}
		r.RunFinal(ctx, seg)
		return nil
	}

	s := r.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	r.processInterim(ctx, s)
	return nil
}

// RunFinal transcribes a cut segment and emits its terminal event. Segments
// of one session must be run in the order they were cut.
func (r *Registry) RunFinal(ctx context.Context, seg *Segment) {
	s := seg.session
	defer s.finalDone()

	if !s.acquire(ctx) {
		s.logger.Debug("final segment abandoned, session closed")
		return
	}
	defer s.release()

	r.run(ctx, s, seg.Data, seg.MIMEType, true)
}

func (r *Registry) processInterim(ctx context.Context, s *Session) {
	if !s.tryAcquire() {
		r.metrics.SegmentBusy()
		s.logger.Debug("segment already in flight, skipping interim run")
		return
	}
	defer s.release()

	// a cut segment waiting for the guard goes first
	if s.finalsPending() {
		r.metrics.SegmentBusy()
		s.logger.Debug("final segment pending, skipping interim run")
		return
	}

	snapshot := s.buffer.SnapshotAndReset()
	if len(snapshot) == 0 {
		return
	}
	r.run(ctx, s, snapshot, s.MIMEType(), false)
}

// run transcribes data and emits the result. The caller holds the guard.
func (r *Registry) run(ctx context.Context, s *Session, data []byte, mimeType string, final bool) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("segment run panicked",
				"final", final,
				"panic", p,
				"stack", string(debug.Stack()))
			s.recordSegment(true)
			r.metrics.SegmentDone(final, stt.FailureInternal.String())
			if final {
				r.emit(ctx, s, stt.NewErrorEvent(s.ID, ReasonInternal))
			}
		}
	}()

	if len(data) == 0 {
		r.metrics.SegmentDone(final, "empty")
		r.emit(ctx, s, stt.NewFinalEvent(s.ID, "", r.cfg.Language))
		return
	}

	r.metrics.SegmentStarted(len(data))
	s.logger.Debug("processing segment", "bytes", len(data), "mime", mimeType, "final", final)

	out := r.transcriber.Run(ctx, data, mimeType, r.cfg.Language)
	s.recordSegment(!out.OK())
	r.metrics.SegmentDone(final, resultLabel(out))

	switch {
	case out.OK() && final:
		r.emit(ctx, s, stt.NewFinalEvent(s.ID, out.Text, r.cfg.Language))
	case out.OK():
		if out.Skipped {
			return
		}
		r.emit(ctx, s, stt.NewInterimEvent(s.ID, out.Text, r.cfg.Language))
	case final:
		s.logger.Warn("final segment failed", "kind", out.Failure.Kind, "error", out.Failure.Detail)
		r.emit(ctx, s, stt.NewErrorEvent(s.ID, reasonFor(out.Failure)))
	default:
		s.logger.Warn("interim segment failed", "kind", out.Failure.Kind, "error", out.Failure.Detail)
	}
}

// emit delivers ev unless the session has been torn down meanwhile.
func (r *Registry) emit(ctx context.Context, s *Session, ev stt.SpeechEvent) {
	if s.isClosed() || r.Get(s.ID) != s {
		r.metrics.EmissionDropped()
		s.logger.Debug("dropping emission for departed session", "type", ev.Type)
		return
	}

	if err := r.emitter.Emit(ctx, ev); err != nil {
		s.logger.Warn("failed to emit event", "type", ev.Type, "error", err)
		return
	}
	r.metrics.Emitted(ev.Type.String())
}

func reasonFor(f *stt.Failure) string {
	if f.Kind == stt.FailureInternal {
		return ReasonInternal
	}
	return ReasonTranscriptionFailed
}

func resultLabel(out stt.Outcome) string {
	switch {
	case out.Failure != nil:
		return out.Failure.Kind.String()
	case out.Skipped:
		return "skipped"
	default:
		return "ok"
	}
}
