// Package openai provides the OpenAI Whisper speech-to-text engine.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/streamscribe/pkg/ai"
	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

// WhisperEngine implements stt.Engine using OpenAI's transcription API.
type WhisperEngine struct {
	client   *openai.Client
	model    string
	language string
	logger   *slog.Logger
}

// Config holds configuration for the Whisper engine.
type Config struct {
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`    // Default: whisper-1
	Language string `json:"language"` // Used when a request carries no hint
	BaseURL  string `json:"base_url"` // Optional; OpenAI-compatible endpoints
}

// NewWhisperEngine creates a new OpenAI Whisper engine.
func NewWhisperEngine(cfg Config) (*WhisperEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &WhisperEngine{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
		logger:   slog.Default().With("engine", "openai"),
	}, nil
}

// Name implements stt.Engine.
func (w *WhisperEngine) Name() string { return "openai" }

// Transcribe implements stt.Engine.
func (w *WhisperEngine) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	lang := req.Language
	if lang == "" {
		lang = w.language
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: req.Path,
		Language: lang,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", classify(err)
	}

	w.logger.Debug("Whisper transcription result", slog.String("text", resp.Text), slog.String("language", lang))
	return resp.Text, nil
}

// classify maps go-openai errors onto engine fault kinds.
func classify(err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError

	switch {
	case errors.As(err, &apiErr):
		return ai.NewEngineError(kindForStatus(apiErr.HTTPStatusCode), err, "whisper api error")
	case errors.As(err, &reqErr):
		return ai.NewEngineError(kindForStatus(reqErr.HTTPStatusCode), err, "whisper request failed")
	default:
		// network faults, context deadlines, unreadable file
		return ai.NewEngineError(ai.FaultTransient, err, "whisper call failed")
	}
}

func kindForStatus(status int) ai.FaultKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ai.FaultAuth
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return ai.FaultRequest
	default:
		return ai.FaultTransient
	}
}
