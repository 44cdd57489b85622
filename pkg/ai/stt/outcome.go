package stt

import (
	"errors"
	"fmt"

	"github.com/chriscow/streamscribe/pkg/ai"
	"github.com/chriscow/streamscribe/pkg/audio/normalize"
)

// FailureKind is the stage and class of a failed transcription.
type FailureKind int

const (
	FailureDecode FailureKind = iota + 1
	FailureExport
	FailureEngineAuth
	FailureEngineRequest
	FailureEngineTransient
	FailureInternal
)

func (k FailureKind) String() string {
	switch k {
	case FailureDecode:
		return "decode_error"
	case FailureExport:
		return "export_error"
	case FailureEngineAuth:
		return "engine_auth_error"
	case FailureEngineRequest:
		return "engine_request_error"
	case FailureEngineTransient:
		return "engine_transient_error"
	case FailureInternal:
		return "internal_error"
	default:
		return "unknown_error"
	}
}

// Engine reports whether the failure came from the STT engine call.
func (k FailureKind) Engine() bool {
	return k == FailureEngineAuth || k == FailureEngineRequest || k == FailureEngineTransient
}

// Failure describes why a transcription produced no text.
type Failure struct {
	Kind   FailureKind
	Detail string // server-side detail, never sent to clients
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
	return f.Kind.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Outcome is the result of one transcription: text (possibly empty) or a
// failure, never both.
type Outcome struct {
	Text    string
	Failure *Failure
	// Skipped is set when the input was too small to be worth transcribing.
	Skipped bool
}

// OK reports whether the outcome carries text.
func (o Outcome) OK() bool { return o.Failure == nil }

// Success returns a successful outcome.
func Success(text string) Outcome {
	return Outcome{Text: text}
}

// Skip returns the empty outcome for too-small input.
func Skip() Outcome {
	return Outcome{Skipped: true}
}

// Fail returns a failed outcome.
func Fail(kind FailureKind, err error) Outcome {
	f := &Failure{Kind: kind, Err: err}
	if err != nil {
		f.Detail = err.Error()
	}
	return Outcome{Failure: f}
}

// FailureFromEngine classifies an engine error.
func FailureFromEngine(err error) Outcome {
	switch ai.KindOf(err) {
	case ai.FaultAuth:
		return Fail(FailureEngineAuth, err)
	case ai.FaultRequest:
		return Fail(FailureEngineRequest, err)
	default:
		return Fail(FailureEngineTransient, err)
	}
}

// FailureFromNormalize classifies a normalizer error. ErrTooSmall is not a
// failure and maps to Skip.
func FailureFromNormalize(err error) Outcome {
	var de *normalize.DecodeError
	var ee *normalize.ExportError
	switch {
	case errors.Is(err, normalize.ErrTooSmall):
		return Skip()
	case errors.As(err, &de):
		return Fail(FailureDecode, err)
	case errors.As(err, &ee):
		return Fail(FailureExport, err)
	default:
		return Fail(FailureInternal, err)
	}
}
