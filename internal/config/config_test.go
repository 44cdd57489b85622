package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	is := is.New(t)

	cfg := Default()
	is.NoErr(cfg.Validate())
	is.Equal(cfg.Server.Address, ":8080")
	is.Equal(cfg.Session.TickInterval, 500*time.Millisecond)
	is.Equal(cfg.Session.SilenceThreshold, 2*time.Second)
	is.True(!cfg.Session.InterimOnSilence)
	is.Equal(cfg.Audio.MinInputBytes, 500)
	is.Equal(cfg.Audio.MinCanonicalBytes, int64(100))
	is.Equal(cfg.STT.Language, "ja")
	is.Equal(cfg.STT.Model, "whisper-1")
	is.Equal(cfg.Server.MaxUploadBytes, int64(25<<20))
	is.True(!cfg.Auth.Enabled())
}

func TestLoadFile(t *testing.T) {
	is := is.New(t)

	path := writeFile(t, t.TempDir(), "streamscribe.yaml", `
server:
  address: "127.0.0.1:9000"
session:
  tick_interval: 250ms
  silence_threshold: 1500ms
  interim_on_silence: true
audio:
  decoder: native
stt:
  provider: fake
  language: en
`)

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.Server.Address, "127.0.0.1:9000")
	is.Equal(cfg.Session.TickInterval, 250*time.Millisecond)
	is.Equal(cfg.Session.SilenceThreshold, 1500*time.Millisecond)
	is.True(cfg.Session.InterimOnSilence)
	is.Equal(cfg.Audio.Decoder, "native")
	is.Equal(cfg.STT.Provider, "fake")
	is.Equal(cfg.STT.Language, "en")
	is.Equal(cfg.STT.Model, "whisper-1") // untouched fields keep defaults
	is.Equal(cfg.Audio.MinInputBytes, 500)
}

func TestLoadEnvOverrides(t *testing.T) {
	is := is.New(t)

	path := writeFile(t, t.TempDir(), "c.yaml", "stt:\n  provider: openai\n  language: ja\n")

	t.Setenv(EnvOpenAIKey, "sk-test")
	t.Setenv(EnvAddr, ":9999")
	t.Setenv(EnvProvider, "fake")
	t.Setenv(EnvLanguage, "de")
	t.Setenv(EnvInterimOnSilence, "true")
	t.Setenv(EnvAuthKey, "key")
	t.Setenv(EnvAuthSecret, "secret")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "console")

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.STT.APIKey, "sk-test")
	is.Equal(cfg.Server.Address, ":9999")
	is.Equal(cfg.STT.Provider, "fake")
	is.Equal(cfg.STT.Language, "de")
	is.True(cfg.Session.InterimOnSilence)
	is.True(cfg.Auth.Enabled())
	is.Equal(cfg.Logging.Level, "debug")
	is.Equal(cfg.Logging.Format, "console")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		content  string
		env      map[string]string
		errorMsg string
	}{
		{
			name:     "malformed yaml",
			content:  "server: [",
			errorMsg: "failed to parse",
		},
		{
			name:     "bad decoder",
			content:  "audio:\n  decoder: gstreamer\n",
			errorMsg: "decoder must be one of",
		},
		{
			name:     "silence shorter than tick",
			content:  "session:\n  tick_interval: 1s\n  silence_threshold: 100ms\n",
			errorMsg: "silence_threshold",
		},
		{
			name:     "half auth",
			content:  "auth:\n  api_key: only-key\n",
			errorMsg: "must be set together",
		},
		{
			name:     "bad log level",
			content:  "logging:\n  level: loud\n",
			errorMsg: "level must be one of",
		},
		{
			name:     "bad interim env",
			content:  "",
			env:      map[string]string{EnvInterimOnSilence: "sometimes"},
			errorMsg: EnvInterimOnSilence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml", tt.content)

			_, err := Load(path)
			is.True(err != nil)
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("error %q does not contain %q", err, tt.errorMsg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	is := is.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	is.True(err != nil)

	cfg, err := Load("")
	is.NoErr(err) // no file means defaults plus environment
	is.Equal(cfg.Server.Address, ":8080")
}

func TestLoadEnvFile(t *testing.T) {
	is := is.New(t)

	const key = "STREAMSCRIBE_DOTENV_TEST"
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	path := writeFile(t, dir, ".env", key+"=from-dotenv\n")

	is.NoErr(LoadEnvFile(filepath.Join(dir, "missing.env"), path))
	is.Equal(os.Getenv(key), "from-dotenv")

	t.Setenv(key, "from-env")
	is.NoErr(LoadEnvFile(path))
	is.Equal(os.Getenv(key), "from-env") // existing variables win
}

func TestNewLogger(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "session_id", "abc")

	var line map[string]any
	is.NoErr(json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line)) // exactly one JSON line
	is.Equal(line["msg"], "shown")
	is.Equal(line["session_id"], "abc")

	buf.Reset()
	LoggingConfig{Level: "debug", Format: "console"}.NewLogger(&buf).Debug("text line")
	is.True(strings.Contains(buf.String(), "msg=\"text line\""))
}

func TestWatchReloads(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	path := writeFile(t, dir, "streamscribe.yaml", "session:\n  interim_on_silence: false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	is.NoErr(Watch(ctx, path, quietLogger(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}))

	// invalid content is skipped
	writeFile(t, dir, "streamscribe.yaml", "logging:\n  level: loud\n")
	writeFile(t, dir, "streamscribe.yaml", "session:\n  interim_on_silence: true\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Session.InterimOnSilence {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
