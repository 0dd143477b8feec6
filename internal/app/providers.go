package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/ai-gateway/internal/providers/anthropic"
	bedrockprov "github.com/nulpointcorp/ai-gateway/internal/providers/bedrock"
	geminiprov "github.com/nulpointcorp/ai-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/ai-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/ai-gateway/internal/providers/openaicompat"
)

// providerSet is the outcome of buildProviders. openai is kept separately
// because it also backs the openai embedding backend.
type providerSet struct {
	all    []providers.Provider
	openai *openaiprov.Provider
}

// buildProviders creates every provider whose credentials are configured and
// not disabled via <P>_ENABLED. Vertex AI failures (usually missing ADC) are
// logged and skip the provider instead of aborting startup.
func buildProviders(ctx context.Context, cfg *config.Config, log *slog.Logger) (providerSet, error) {
	var set providerSet
	timeout := cfg.ProviderTimeout

	if pc := cfg.Providers["openai"]; pc.Configured() {
		opts := []openaiprov.Option{
			openaiprov.WithBaseURL(pc.BaseURL),
			openaiprov.WithDefaultModel(pc.DefaultModel),
			openaiprov.WithMaxRPM(pc.MaxRPM),
			openaiprov.WithTimeout(timeout),
		}
		if pc.Priority > 0 {
			opts = append(opts, openaiprov.WithPriority(pc.Priority))
		}
		set.openai = openaiprov.New(pc.APIKey, opts...)
		set.all = append(set.all, set.openai)
	}

	if pc := cfg.Providers["anthropic"]; pc.Configured() {
		opts := []anthropicprov.Option{
			anthropicprov.WithBaseURL(pc.BaseURL),
			anthropicprov.WithDefaultModel(pc.DefaultModel),
			anthropicprov.WithMaxRPM(pc.MaxRPM),
			anthropicprov.WithTimeout(timeout),
		}
		if pc.Priority > 0 {
			opts = append(opts, anthropicprov.WithPriority(pc.Priority))
		}
		set.all = append(set.all, anthropicprov.New(pc.APIKey, opts...))
	}

	if pc := cfg.Providers["gemini"]; pc.Configured() {
		p, err := geminiprov.New(ctx, pc.APIKey, geminiOptions(pc.BaseURL, pc.DefaultModel, pc.Priority, pc.MaxRPM, timeout)...)
		if err != nil {
			return set, fmt.Errorf("gemini: %w", err)
		}
		set.all = append(set.all, p)
	}

	if vc := cfg.VertexAI; vc.Enabled && vc.Project != "" {
		opts := append(geminiOptions("", "", vc.Priority, vc.MaxRPM, timeout),
			geminiprov.WithVertexAI(vc.Project, vc.Location))
		p, err := geminiprov.New(ctx, "", opts...)
		if err != nil {
			log.Warn("provider_init_failed",
				slog.String("provider", "vertexai"),
				slog.String("error", err.Error()),
			)
		} else {
			set.all = append(set.all, p)
		}
	}

	if bc := cfg.Bedrock; bc.Configured() {
		opts := []bedrockprov.Option{
			bedrockprov.WithCredentials(bc.AccessKey, bc.SecretKey, bc.SessionToken),
			bedrockprov.WithEndpointURL(bc.EndpointURL),
			bedrockprov.WithDefaultModel(bc.DefaultModel),
			bedrockprov.WithMaxRPM(bc.MaxRPM),
			bedrockprov.WithTimeout(timeout),
		}
		if bc.Priority > 0 {
			opts = append(opts, bedrockprov.WithPriority(bc.Priority))
		}
		p, err := bedrockprov.New(ctx, bc.Region, opts...)
		if err != nil {
			return set, fmt.Errorf("bedrock: %w", err)
		}
		set.all = append(set.all, p)
	}

	for _, name := range openaicompatprov.Names() {
		pc := cfg.Providers[name]
		if !pc.Configured() {
			continue
		}
		opts := []openaiprov.Option{
			openaiprov.WithDefaultModel(pc.DefaultModel),
			openaiprov.WithMaxRPM(pc.MaxRPM),
			openaiprov.WithTimeout(timeout),
		}
		if pc.Priority > 0 {
			opts = append(opts, openaiprov.WithPriority(pc.Priority))
		}
		p, err := openaicompatprov.New(name, pc.APIKey, pc.BaseURL, opts...)
		if err != nil {
			return set, err
		}
		set.all = append(set.all, p)
	}

	return set, nil
}

func geminiOptions(baseURL, defaultModel string, priority, maxRPM int, timeout time.Duration) []geminiprov.Option {
	opts := []geminiprov.Option{
		geminiprov.WithBaseURL(baseURL),
		geminiprov.WithDefaultModel(defaultModel),
		geminiprov.WithMaxRPM(maxRPM),
		geminiprov.WithTimeout(timeout),
	}
	if priority > 0 {
		opts = append(opts, geminiprov.WithPriority(priority))
	}
	return opts
}
