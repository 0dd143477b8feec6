package providers

import "sort"

// ModelAliases maps model names to the provider that serves them natively.
// A provider's SupportedModels defaults to ModelsFor(name).
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":         "openai",
	"gpt-4o":        "openai",
	"gpt-4o-mini":   "openai",
	"gpt-4-turbo":   "openai",
	"gpt-3.5-turbo": "openai",
	"o1":            "openai",
	"o1-mini":       "openai",
	"o3":            "openai",
	"o3-mini":       "openai",
	"o4-mini":       "openai",
	"gpt-4.1":       "openai",
	"gpt-4.1-mini":  "openai",
	"gpt-4.1-nano":  "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-sonnet-4-5":          "anthropic",
	"claude-haiku-4-5":           "anthropic",

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",

	// ─── Google Vertex AI ─────────────────────────────────────────────────────
	// The "vertexai-" prefix routes explicitly to Vertex AI and is stripped
	// before the upstream call.
	"vertexai-gemini-2.0-flash": "vertexai",
	"vertexai-gemini-1.5-pro":   "vertexai",
	"vertexai-gemini-2.5-pro":   "vertexai",
	"vertexai-gemini-2.5-flash": "vertexai",

	// ─── AWS Bedrock ──────────────────────────────────────────────────────────
	"anthropic.claude-3-5-sonnet-20241022-v2:0": "bedrock",
	"anthropic.claude-3-haiku-20240307-v1:0":    "bedrock",
	"anthropic.claude-3-opus-20240229-v1:0":     "bedrock",

	// ─── Mistral AI ───────────────────────────────────────────────────────────
	"mistral-large-latest": "mistral",
	"mistral-small-latest": "mistral",
	"open-mistral-nemo":    "mistral",
	"codestral-latest":     "mistral",

	// ─── xAI (Grok) ───────────────────────────────────────────────────────────
	"grok-3":      "xai",
	"grok-3-mini": "xai",
	"grok-2":      "xai",

	// ─── DeepSeek ─────────────────────────────────────────────────────────────
	"deepseek-chat":     "deepseek",
	"deepseek-reasoner": "deepseek",

	// ─── Groq ─────────────────────────────────────────────────────────────────
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"gemma2-9b-it":            "groq",
}

// ModelsFor returns the sorted list of models ModelAliases assigns to provider.
func ModelsFor(provider string) []string {
	var out []string
	for model, name := range ModelAliases {
		if name == provider {
			out = append(out, model)
		}
	}
	sort.Strings(out)
	return out
}
