// Package config loads service configuration from a YAML file, an optional
// .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvOpenAIKey        = "OPENAI_API_KEY"
	EnvAddr             = "STREAMSCRIBE_ADDR"
	EnvProvider         = "STREAMSCRIBE_STT_PROVIDER"
	EnvLanguage         = "STREAMSCRIBE_LANGUAGE"
	EnvDecoder          = "STREAMSCRIBE_DECODER"
	EnvInterimOnSilence = "STREAMSCRIBE_INTERIM_ON_SILENCE"
	EnvAuthKey          = "STREAMSCRIBE_API_KEY"
	EnvAuthSecret       = "STREAMSCRIBE_API_SECRET"
	EnvLogLevel         = "STREAMSCRIBE_LOG_LEVEL"
	EnvLogFormat        = "STREAMSCRIBE_LOG_FORMAT"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	STT     STTConfig     `yaml:"stt"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains HTTP and websocket settings.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	PluginDir       string        `yaml:"plugin_dir"`
}

// SessionConfig contains streaming session settings.
type SessionConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	SilenceThreshold time.Duration `yaml:"silence_threshold"`
	InterimOnSilence bool          `yaml:"interim_on_silence"`
}

// AudioConfig contains normalization settings.
type AudioConfig struct {
	MinInputBytes     int    `yaml:"min_input_bytes"`
	MinCanonicalBytes int64  `yaml:"min_canonical_bytes"`
	Decoder           string `yaml:"decoder"` // auto, native or ffmpeg
	TempDir           string `yaml:"temp_dir"`
}

// STTConfig selects and configures the speech-to-text engine.
type STTConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Language string        `yaml:"language"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AuthConfig holds the access token key pair. Auth is off when either is empty.
type AuthConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			MaxUploadBytes:  25 << 20,
			ShutdownTimeout: 10 * time.Second,
			PingInterval:    30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageBytes: 8 << 20,
		},
		Session: SessionConfig{
			TickInterval:     500 * time.Millisecond,
			SilenceThreshold: 2 * time.Second,
		},
		Audio: AudioConfig{
			MinInputBytes:     500,
			MinCanonicalBytes: 100,
			Decoder:           "auto",
		},
		STT: STTConfig{
			Provider: "openai",
			Model:    "whisper-1",
			Language: "ja",
			Timeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadEnvFile loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set(EnvOpenAIKey, &c.STT.APIKey)
	set(EnvAddr, &c.Server.Address)
	set(EnvProvider, &c.STT.Provider)
	set(EnvLanguage, &c.STT.Language)
	set(EnvDecoder, &c.Audio.Decoder)
	set(EnvAuthKey, &c.Auth.APIKey)
	set(EnvAuthSecret, &c.Auth.APISecret)
	set(EnvLogLevel, &c.Logging.Level)
	set(EnvLogFormat, &c.Logging.Format)

	if v, ok := lookup(EnvInterimOnSilence); ok && v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvInterimOnSilence, v, err)
		}
		c.Session.InterimOnSilence = on
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", s.MaxUploadBytes)
	}
	if s.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", s.MaxMessageBytes)
	}
	if s.PingInterval <= 0 || s.PongWait <= s.PingInterval {
		return fmt.Errorf("pong_wait (%s) must be greater than ping_interval (%s)", s.PongWait, s.PingInterval)
	}
	if s.WriteWait <= 0 {
		return fmt.Errorf("write_wait must be positive, got %s", s.WriteWait)
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative, got %s", s.ShutdownTimeout)
	}
	return nil
}

// Validate validates session configuration.
func (s *SessionConfig) Validate() error {
	if s.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", s.TickInterval)
	}
	if s.SilenceThreshold < s.TickInterval {
		return fmt.Errorf("silence_threshold (%s) must be at least tick_interval (%s)", s.SilenceThreshold, s.TickInterval)
	}
	return nil
}

// Validate validates audio configuration.
func (a *AudioConfig) Validate() error {
	if a.MinInputBytes < 0 {
		return fmt.Errorf("min_input_bytes cannot be negative, got %d", a.MinInputBytes)
	}
	if a.MinCanonicalBytes < 0 {
		return fmt.Errorf("min_canonical_bytes cannot be negative, got %d", a.MinCanonicalBytes)
	}
	switch a.Decoder {
	case "", "auto", "native", "ffmpeg":
	default:
		return fmt.Errorf("decoder must be one of [auto, native, ffmpeg], got '%s'", a.Decoder)
	}
	return nil
}

// Validate validates engine configuration. The API key is checked by the
// engine factory, not here, so the service can start without an engine.
func (s *STTConfig) Validate() error {
	if s.Provider == "" {
		return fmt.Errorf("provider cannot be empty")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	return nil
}

// Validate validates auth configuration.
func (a *AuthConfig) Validate() error {
	if (a.APIKey == "") != (a.APISecret == "") {
		return fmt.Errorf("api_key and api_secret must be set together")
	}
	return nil
}

// Enabled reports whether access tokens are required.
func (a *AuthConfig) Enabled() bool {
	return a.APIKey != "" && a.APISecret != ""
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'console', got '%s'", l.Format)
	}
	return nil
}

// Validate validates metrics configuration.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", m.Path)
	}
	return nil
}
