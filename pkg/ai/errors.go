// Package ai defines the fault taxonomy shared by speech engine providers.
// Providers translate their own error shapes into *EngineError so callers can
// classify failures without knowing which engine produced them.
package ai

import (
	"errors"
	"fmt"
)

// Common error classes used across providers
var (
	// ErrRecoverable indicates a temporary failure that may succeed if retried.
	// Examples: network timeout, rate limiting, temporary service unavailability.
	ErrRecoverable = errors.New("recoverable AI provider error")

	// ErrFatal indicates a failure that will not succeed if retried.
	// Examples: invalid API key, unsupported format, malformed request.
	ErrFatal = errors.New("fatal AI provider error")
)

// FaultKind classifies an engine failure.
type FaultKind int

const (
	// FaultTransient covers network faults, timeouts, rate limits and anything
	// not otherwise classified.
	FaultTransient FaultKind = iota
	// FaultAuth is a credential or configuration problem.
	FaultAuth
	// FaultRequest means the engine rejected the input, usually degenerate audio.
	FaultRequest
)

func (k FaultKind) String() string {
	switch k {
	case FaultAuth:
		return "auth"
	case FaultRequest:
		return "request"
	default:
		return "transient"
	}
}

// EngineError wraps a provider error with its classification.
type EngineError struct {
	Kind       FaultKind
	Underlying error
	Message    string
}

func (e *EngineError) Error() string {
	switch {
	case e.Message != "" && e.Underlying != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	case e.Message != "":
		return e.Message
	case e.Underlying != nil:
		return e.Underlying.Error()
	default:
		return e.Kind.String() + " engine error"
	}
}

// Unwrap exposes both the retry class and the provider's own error.
func (e *EngineError) Unwrap() []error {
	class := ErrFatal
	if e.Kind == FaultTransient {
		class = ErrRecoverable
	}
	if e.Underlying == nil {
		return []error{class}
	}
	return []error{class, e.Underlying}
}

// NewEngineError creates a classified engine error with context
func NewEngineError(kind FaultKind, underlying error, message string) error {
	return &EngineError{
		Kind:       kind,
		Underlying: underlying,
		Message:    message,
	}
}

// IsRecoverable checks if an error is recoverable and should be retried
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal checks if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// KindOf returns the fault kind of err. Errors that are not engine errors are
// transient.
func KindOf(err error) FaultKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return FaultTransient
}
