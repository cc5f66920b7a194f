package services

import (
	"fmt"
	"strings"
)

// Provider is the closed set of model provider tags accepted in a model id.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGroq      Provider = "groq"
)

// UnsupportedProviderError is raised at configuration time, never at call
// time: a model id with an unknown or uncompiled provider tag fails before a
// controller is ever constructed.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported model provider: %q", e.Provider)
}

// ParseModelID splits "provider:model_name" and validates the tag against
// the closed provider enumeration.
func ParseModelID(modelID string) (Provider, string, error) {
	provider, model, ok := strings.Cut(modelID, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model id %q is not in provider:model_name form", modelID)
	}
	switch Provider(provider) {
	case ProviderGoogle, ProviderOpenAI, ProviderAnthropic, ProviderGroq:
		return Provider(provider), model, nil
	default:
		return "", "", &UnsupportedProviderError{Provider: provider}
	}
}

// plannerConstructors maps each provider tag to its backend constructor.
// Tags in the enumeration without a compiled-in backend fail fast with
// UnsupportedProviderError when selected.
var plannerConstructors = map[Provider]func(cfg *Config, model string) (Planner, error){
	ProviderGoogle: newGeminiPlanner,
}

// NewPlanner builds the planner for a model id, failing at configuration
// time for unknown tags and for providers without a compiled-in backend.
func NewPlanner(cfg *Config, modelID string) (Planner, error) {
	provider, model, err := ParseModelID(modelID)
	if err != nil {
		return nil, err
	}
	construct, ok := plannerConstructors[provider]
	if !ok {
		return nil, &UnsupportedProviderError{Provider: string(provider)}
	}
	return construct(cfg, model)
}
