package llm

import (
	"context"
	"fmt"

	"nexus/config"
)

// Factory builds a provider client for an API key.
type Factory func(ctx context.Context, provider config.Provider, apiKey string) (Provider, error)

// NewProvider returns the client for provider authenticated with apiKey.
func NewProvider(ctx context.Context, provider config.Provider, apiKey string) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", provider)
	}
	switch provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(apiKey), nil
	case config.ProviderAnthropic:
		return NewAnthropicProvider(apiKey), nil
	case config.ProviderGemini:
		return NewGeminiProvider(ctx, apiKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
