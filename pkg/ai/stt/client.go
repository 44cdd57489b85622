package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/chriscow/streamscribe/pkg/audio/normalize"
)

// DefaultMinCanonicalBytes is the canonical file size below which the engine
// is not called.
const DefaultMinCanonicalBytes = 100

// Recorder observes pipeline stages. internal/metrics provides the Prometheus
// implementation.
type Recorder interface {
	ObserveNormalize(result string, fallback bool)
	ObserveEngineCall(engine, result string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveNormalize(string, bool)                    {}
func (nopRecorder) ObserveEngineCall(string, string, time.Duration) {}

// ClientConfig configures a Client.
type ClientConfig struct {
	Language          string
	MinCanonicalBytes int64
	Timeout           time.Duration // per engine call; zero means no timeout
}

// Client wraps an Engine with the size gate, a call timeout and fault
// classification. It never returns an error; failures are Outcome values.
type Client struct {
	engine   Engine
	cfg      ClientConfig
	logger   *slog.Logger
	recorder Recorder
}

// NewClient creates a transcription client.
func NewClient(engine Engine, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinCanonicalBytes <= 0 {
		cfg.MinCanonicalBytes = DefaultMinCanonicalBytes
	}
	return &Client{
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		recorder: nopRecorder{},
	}
}

// SetRecorder installs a stage observer.
func (c *Client) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	c.recorder = r
}

// Language returns the configured language hint.
func (c *Client) Language() string { return c.cfg.Language }

// EngineName returns the underlying engine's name.
func (c *Client) EngineName() string { return c.engine.Name() }

// Transcribe sends the canonical file at path to the engine. Files smaller
// than MinCanonicalBytes yield an empty result without an engine call.
func (c *Client) Transcribe(ctx context.Context, path string) Outcome {
	return c.TranscribeLanguage(ctx, path, c.cfg.Language)
}

// TranscribeLanguage is Transcribe with an explicit language hint. An empty
// lang uses the configured default.
func (c *Client) TranscribeLanguage(ctx context.Context, path, lang string) Outcome {
	if lang == "" {
		lang = c.cfg.Language
	}

	info, err := os.Stat(path)
	if err != nil {
		return Fail(FailureExport, fmt.Errorf("stat canonical audio: %w", err))
	}
	if info.Size() < c.cfg.MinCanonicalBytes {
		c.logger.Debug("stt: canonical audio below threshold, skipping engine",
			"bytes", info.Size(),
			"min_bytes", c.cfg.MinCanonicalBytes)
		c.recorder.ObserveEngineCall(c.engine.Name(), "skipped", 0)
		return Skip()
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := c.call(ctx, Request{Path: path, Language: lang})
	elapsed := time.Since(start)

	if err != nil {
		out := FailureFromEngine(err)
		c.recorder.ObserveEngineCall(c.engine.Name(), out.Failure.Kind.String(), elapsed)
		c.logger.Warn("stt: engine call failed",
			"engine", c.engine.Name(),
			"kind", out.Failure.Kind,
			"duration", elapsed,
			"error", err)
		return out
	}

	c.recorder.ObserveEngineCall(c.engine.Name(), "ok", elapsed)
	c.logger.Debug("stt: transcription complete",
		"engine", c.engine.Name(),
		"chars", len(text),
		"duration", elapsed)
	return Success(text)
}

// call invokes the engine, converting a panic into an error.
func (c *Client) call(ctx context.Context, req Request) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stt: engine panicked", "engine", c.engine.Name(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return c.engine.Transcribe(ctx, req)
}

// Pipeline runs the normalize then transcribe path shared by streaming
// segments and one-shot uploads.
type Pipeline struct {
	Normalizer *normalize.Normalizer
	Client     *Client
}

// Run normalizes data and transcribes it. Too-small input at either stage
// yields a skipped, empty outcome.
func (p *Pipeline) Run(ctx context.Context, data []byte, mimeType, lang string) Outcome {
	recorder := p.Client.recorder

	var out Outcome
	err := p.Normalizer.WithCanonical(ctx, data, mimeType, func(c *normalize.Canonical) error {
		recorder.ObserveNormalize("ok", c.Fallback)
		out = p.Client.TranscribeLanguage(ctx, c.Path, lang)
		return nil
	})
	if err != nil {
		out = FailureFromNormalize(err)
		switch {
		case errors.Is(err, normalize.ErrTooSmall):
			recorder.ObserveNormalize("too_small", false)
		case out.Failure != nil:
			recorder.ObserveNormalize(out.Failure.Kind.String(), false)
		}
	}
	return out
}
