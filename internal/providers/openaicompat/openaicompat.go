// Package openaicompat configures OpenAI-compatible upstreams (xAI, Groq,
// DeepSeek, Mistral, or any other service implementing the chat completions
// API) on top of the openai provider.
package openaicompat

import (
	"fmt"
	"sort"

	"github.com/nulpointcorp/ai-gateway/internal/providers/openai"
)

// Preset holds the defaults of a known OpenAI-compatible vendor.
type Preset struct {
	BaseURL      string
	Priority     int
	DefaultModel string
	// Prices in USD per 1K tokens.
	InputCost  float64
	OutputCost float64
}

// Presets lists the vendors the gateway knows how to reach. Their native
// models come from providers.ModelAliases.
var Presets = map[string]Preset{
	"mistral": {
		BaseURL:      "https://api.mistral.ai/v1",
		Priority:     6,
		DefaultModel: "mistral-small-latest",
		InputCost:    0.002,
		OutputCost:   0.006,
	},
	"xai": {
		BaseURL:      "https://api.x.ai/v1",
		Priority:     7,
		DefaultModel: "grok-3-mini",
		InputCost:    0.003,
		OutputCost:   0.015,
	},
	"deepseek": {
		BaseURL:      "https://api.deepseek.com/v1",
		Priority:     8,
		DefaultModel: "deepseek-chat",
		InputCost:    0.00027,
		OutputCost:   0.0011,
	},
	"groq": {
		BaseURL:      "https://api.groq.com/openai/v1",
		Priority:     9,
		DefaultModel: "llama-3.3-70b-versatile",
		InputCost:    0.00059,
		OutputCost:   0.00079,
	},
}

// Names returns the preset names in a stable order.
func Names() []string {
	names := make([]string, 0, len(Presets))
	for n := range Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds a provider named name. Known vendors get their preset base URL,
// priority, default model and prices; opts are applied afterwards and win.
// An unknown name needs an explicit base URL.
func New(name, apiKey, baseURL string, opts ...openai.Option) (*openai.Provider, error) {
	preset, known := Presets[name]
	if !known && baseURL == "" {
		return nil, fmt.Errorf("openaicompat: %s: base URL is required for an unknown vendor", name)
	}
	if baseURL == "" {
		baseURL = preset.BaseURL
	}

	base := []openai.Option{
		openai.WithName(name),
		openai.WithBaseURL(baseURL),
		// Foreign models map to the vendor default, never to OpenAI names.
		openai.WithEquivalents(nil),
	}
	if known {
		base = append(base,
			openai.WithPriority(preset.Priority),
			openai.WithDefaultModel(preset.DefaultModel),
			openai.WithCost(preset.InputCost, preset.OutputCost),
		)
	}

	return openai.New(apiKey, append(base, opts...)...), nil
}
