// Package fake provides a scriptable STT engine for tests and local runs
// without credentials.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

// DefaultTranscript is used when no transcript is provided
const DefaultTranscript = "This is a fake transcript from the fake STT engine."

// Engine is a fake STT engine. By default it cycles through its transcripts;
// Func, when set, replaces that behaviour entirely.
type Engine struct {
	// Func scripts the engine's response per request.
	Func func(ctx context.Context, req stt.Request) (string, error)
	// Delay is applied before responding, honoring ctx.
	Delay time.Duration

	mu          sync.Mutex
	transcripts []string
	next        int
	requests    []stt.Request
}

// NewEngine creates a fake engine returning transcripts in rotation.
func NewEngine(transcripts ...string) *Engine {
	if len(transcripts) == 0 {
		transcripts = []string{DefaultTranscript}
	}
	return &Engine{transcripts: transcripts}
}

// Name implements stt.Engine.
func (e *Engine) Name() string { return "fake" }

// Transcribe implements stt.Engine.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	text := e.transcripts[e.next%len(e.transcripts)]
	e.next++
	e.mu.Unlock()

	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if e.Func != nil {
		return e.Func(ctx, req)
	}
	return text, nil
}

// Calls returns the number of Transcribe calls so far.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

// Requests returns a copy of every request received.
func (e *Engine) Requests() []stt.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stt.Request(nil), e.requests...)
}
