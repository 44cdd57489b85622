package server

import (
	"encoding/json"
	"fmt"

	"github.com/chriscow/streamscribe/internal/session"
	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

// Message types exchanged over the websocket.
const (
	TypeAudioChunk = "audio_chunk"
	TypeEndAudio   = "end_audio"
	TypePing       = "ping"

	TypeConnected     = "connected"
	TypeInterim       = "interim_transcription"
	TypeTranscription = "transcription_response"
	TypeError         = "transcription_error"
	TypePong          = "pong"
)

// Message is the websocket envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AudioChunk is the payload of an audio_chunk message. Audio is base64,
// optionally wrapped in a data URL.
type AudioChunk struct {
	Audio    string `json:"audio"`
	MIMEType string `json:"mime_type"`
}

// Transcript is the payload of interim and final transcript messages.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// ErrorData is the payload of a transcription_error message.
type ErrorData struct {
	Error string `json:"error"`
}

// Connected is the payload of the connected message sent after upgrade.
type Connected struct {
	SessionID string `json:"session_id"`
}

func newMessage(typ string, data any) (*Message, error) {
	msg := &Message{Type: typ}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", typ, err)
	}
	msg.Data = raw
	return msg, nil
}

func errorMessage(reason string) *Message {
	msg, _ := newMessage(TypeError, ErrorData{Error: reason})
	return msg
}

// messageFor maps a speech event to its wire message.
func messageFor(ev stt.SpeechEvent) (*Message, error) {
	switch ev.Type {
	case stt.SpeechEventInterim:
		return newMessage(TypeInterim, Transcript{Text: ev.Text, Language: ev.Language})
	case stt.SpeechEventFinal:
		return newMessage(TypeTranscription, Transcript{Text: ev.Text, Language: ev.Language})
	case stt.SpeechEventError:
		reason := ev.Reason
		if reason == "" {
			reason = session.ReasonInternal
		}
		return newMessage(TypeError, ErrorData{Error: reason})
	default:
		return nil, fmt.Errorf("unknown speech event type %d", ev.Type)
	}
}
