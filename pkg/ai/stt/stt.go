// Package stt provides the speech-to-text engine contract, the transcription
// client that guards engine calls, and the events emitted back to clients.
package stt

import (
	"context"
	"time"
)

// Request is a single transcription call against canonical audio.
type Request struct {
	Path     string // canonical WAV file
	Language string // ISO-639-1 hint, e.g. "ja"
}

// Engine is an external speech-to-text service. Implementations return
// *ai.EngineError for classified faults; any other error is treated as
// transient.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (string, error)
	Name() string
}

// SpeechEvent is an outbound transcription event addressed to one session.
type SpeechEvent struct {
	SessionID string          // Originating session
	Type      SpeechEventType // Type of event (interim, final, or error)
	Text      string          // Transcribed text (empty for error events)
	IsFinal   bool            // True if this is a final result that won't change
	Language  string          // Configured language code
	Timestamp int64           // Event timestamp in milliseconds since epoch
	Reason    string          // Client-safe failure reason (only set for error events)
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventInterim represents partial transcription results that may change
	SpeechEventInterim SpeechEventType = iota
	// SpeechEventFinal represents final transcription results that won't change
	SpeechEventFinal
	// SpeechEventError represents transcription errors
	SpeechEventError
)

func (t SpeechEventType) String() string {
	switch t {
	case SpeechEventInterim:
		return "interim"
	case SpeechEventFinal:
		return "final"
	case SpeechEventError:
		return "error"
	default:
		return "unknown"
	}
}

// NewInterimEvent builds an interim transcript event.
func NewInterimEvent(sessionID, text, lang string) SpeechEvent {
	return SpeechEvent{
		SessionID: sessionID,
		Type:      SpeechEventInterim,
		Text:      text,
		Language:  lang,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewFinalEvent builds a final transcript event.
func NewFinalEvent(sessionID, text, lang string) SpeechEvent {
	return SpeechEvent{
		SessionID: sessionID,
		Type:      SpeechEventFinal,
		Text:      text,
		IsFinal:   true,
		Language:  lang,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorEvent builds a transcription error event.
func NewErrorEvent(sessionID, reason string) SpeechEvent {
	return SpeechEvent{
		SessionID: sessionID,
		Type:      SpeechEventError,
		IsFinal:   true,
		Timestamp: time.Now().UnixMilli(),
		Reason:    reason,
	}
}
