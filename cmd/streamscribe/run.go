package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/chriscow/streamscribe/internal/config"
	"github.com/chriscow/streamscribe/internal/metrics"
	"github.com/chriscow/streamscribe/internal/server"
	"github.com/chriscow/streamscribe/internal/session"
	"github.com/chriscow/streamscribe/pkg/ai/stt"
	"github.com/chriscow/streamscribe/pkg/audio/codec"
	"github.com/chriscow/streamscribe/pkg/audio/normalize"
	"github.com/chriscow/streamscribe/pkg/plugin"
)

// engineConfig maps the stt section onto the plugin factory config.
func engineConfig(cfg config.STTConfig) map[string]any {
	m := map[string]any{
		"model":    cfg.Model,
		"language": cfg.Language,
	}
	if cfg.APIKey != "" {
		m["api_key"] = cfg.APIKey
	}
	if cfg.BaseURL != "" {
		m["base_url"] = cfg.BaseURL
	}
	return m
}

func newPipeline(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*stt.Pipeline, error) {
	engine, err := plugin.NewEngine(cfg.STT.Provider, engineConfig(cfg.STT))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s engine: %w", cfg.STT.Provider, err)
	}

	backend, err := codec.ParseBackend(cfg.Audio.Decoder)
	if err != nil {
		return nil, err
	}
	decoder, err := codec.New(backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	client := stt.NewClient(engine, stt.ClientConfig{
		Language:          cfg.STT.Language,
		MinCanonicalBytes: cfg.Audio.MinCanonicalBytes,
		Timeout:           cfg.STT.Timeout,
	}, logger.With("component", "stt"))
	if m != nil {
		client.SetRecorder(m)
	}

	return &stt.Pipeline{
		Normalizer: normalize.New(decoder,
			normalize.WithMinInputBytes(cfg.Audio.MinInputBytes),
			normalize.WithTempDir(cfg.Audio.TempDir),
			normalize.WithLogger(logger.With("component", "normalize"))),
		Client: client,
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	if cfg.Server.PluginDir != "" {
		if err := plugin.LoadDynamicPlugins(cfg.Server.PluginDir); err != nil {
			return fmt.Errorf("failed to load plugins: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	pipeline, err := newPipeline(cfg, m, logger)
	if err != nil {
		return err
	}

	hub := server.NewHub(logger)
	registry := session.NewRegistry(session.Config{
		TickInterval:     cfg.Session.TickInterval,
		SilenceThreshold: cfg.Session.SilenceThreshold,
		InterimOnSilence: cfg.Session.InterimOnSilence,
		Language:         cfg.STT.Language,
	}, pipeline, hub, session.WithLogger(logger), session.WithMetrics(m))
	defer registry.Close()

	if configPath != "" {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			registry.SetInterimOnSilence(next.Session.InterimOnSilence)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}

	opts := []server.Option{server.WithLogger(logger), server.WithMetrics(m)}
	if a := server.NewAuthenticator(cfg.Auth.APIKey, cfg.Auth.APISecret); a != nil {
		opts = append(opts, server.WithAuthenticator(a))
		logger.Info("access tokens required")
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	srv := server.New(server.Config{
		Address:         cfg.Server.Address,
		Language:        cfg.STT.Language,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		PingInterval:    cfg.Server.PingInterval,
		PongWait:        cfg.Server.PongWait,
		WriteWait:       cfg.Server.WriteWait,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsPath:     metricsPath,
	}, registry, hub, pipeline, opts...)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func runTranscribe(ctx context.Context, cfg *config.Config, filePath, mimeType string, logger *slog.Logger) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
		logger.Debug("detected mime type", slog.String("mime", mimeType))
	}

	pipeline, err := newPipeline(cfg, nil, logger)
	if err != nil {
		return "", err
	}

	out := pipeline.Run(ctx, data, mimeType, cfg.STT.Language)
	if !out.OK() {
		return "", fmt.Errorf("transcription failed: %w", out.Failure)
	}
	if out.Skipped {
		logger.Warn("audio too short to transcribe", slog.Int("bytes", len(data)))
	}
	return out.Text, nil
}

func mintToken(cfg config.AuthConfig, identity string, validFor time.Duration) (string, error) {
	if !cfg.Enabled() {
		return "", fmt.Errorf("auth api_key and api_secret must be configured (%s, %s)", config.EnvAuthKey, config.EnvAuthSecret)
	}
	return server.IssueToken(cfg.APIKey, cfg.APISecret, identity, validFor)
}
