package factory

import (
	"fmt"
	"os"
	"strings"

	"github.com/groupherald/herald/llm"
	anthropicprov "github.com/groupherald/herald/providers/anthropic"
	openaiprov "github.com/groupherald/herald/providers/openai"
)

// New builds a provider from an explicit name, falling back to env vars for
// credentials. An empty name reads HERALD_PROVIDER (default "anthropic").
func New(name string) (llm.Provider, error) {
	provider := strings.ToLower(strings.TrimSpace(name))
	if provider == "" {
		provider = strings.ToLower(getenv("HERALD_PROVIDER", "anthropic"))
	}
	switch provider {
	case "anthropic":
		key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when provider is anthropic")
		}
		model := getenv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest")
		baseURL := strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))

		opts := []anthropicprov.Option{anthropicprov.WithModel(model)}
		if baseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(baseURL))
		}
		return anthropicprov.New(key, opts...)

	case "openai":
		key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when provider is openai")
		}
		model := getenv("OPENAI_MODEL", "gpt-4o-mini")
		baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))

		opts := []openaiprov.Option{openaiprov.WithModel(model)}
		if baseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(baseURL))
		}
		return openaiprov.New(key, opts...)
	}

	return nil, fmt.Errorf("unsupported provider %q (use anthropic or openai)", provider)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}
