package openai

import (
	"fmt"
	"os"

	"github.com/chriscow/streamscribe/pkg/ai/stt"
	"github.com/chriscow/streamscribe/pkg/plugin"
)

// newWhisper is the factory function for the Whisper engine.
func newWhisper(cfg map[string]any) (stt.Engine, error) {
	config := Config{}

	// Get API key from config or environment
	if apiKey, ok := cfg["api_key"].(string); ok && apiKey != "" {
		config.APIKey = apiKey
	} else {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY environment variable or provide api_key in config)")
	}

	if model, ok := cfg["model"].(string); ok {
		config.Model = model
	}
	if language, ok := cfg["language"].(string); ok {
		config.Language = language
	}
	if baseURL, ok := cfg["base_url"].(string); ok {
		config.BaseURL = baseURL
	}

	return NewWhisperEngine(config)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Name:        "openai",
		Factory:     newWhisper,
		Description: "OpenAI Whisper speech-to-text service",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":    "whisper-1",
			"language": "ja",
			"base_url": "https://api.openai.com/v1",
		},
	})
}
