// Package fake registers the fake STT engine so the server can run without
// credentials.
package fake

import (
	"time"

	"github.com/chriscow/streamscribe/pkg/ai/stt"
	sttfake "github.com/chriscow/streamscribe/pkg/ai/stt/fake"
	"github.com/chriscow/streamscribe/pkg/plugin"
)

// newFakeSTT creates a new fake engine from configuration.
func newFakeSTT(cfg map[string]any) (stt.Engine, error) {
	var transcripts []string
	switch t := cfg["transcript"].(type) {
	case string:
		transcripts = []string{t}
	case []string:
		transcripts = t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				transcripts = append(transcripts, s)
			}
		}
	}

	engine := sttfake.NewEngine(transcripts...)

	switch d := cfg["delay"].(type) {
	case time.Duration:
		engine.Delay = d
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			engine.Delay = parsed
		}
	}

	return engine, nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Name:        "fake",
		Factory:     newFakeSTT,
		Description: "Fake STT engine for testing and development",
		Version:     "1.0.0",
		Config: map[string]any{
			"transcript": "Customizable transcript text (string or list, rotated per call)",
			"delay":      "Simulated engine latency, e.g. 200ms",
		},
	})
}
