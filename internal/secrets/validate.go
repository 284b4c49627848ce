package secrets

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/taskdeck/taskdeck/internal/forge"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1/"

// Prober validates a credential against its provider before it is stored.
// AI keys answer with a model label for the UI; forge tokens answer with the
// authenticated identity.
type Prober interface {
	ProbeAIKey(ctx context.Context, provider Provider, key string) (modelLabel string, err error)
	ProbeForgeToken(ctx context.Context, provider Provider, token string) (*forge.User, error)
}

// liveProber issues real API calls: model-list pings for AI providers,
// who-am-I for forges.
type liveProber struct{}

// NewProber returns the production prober.
func NewProber() Prober {
	return liveProber{}
}

func (liveProber) ProbeAIKey(ctx context.Context, provider Provider, key string) (string, error) {
	switch provider {
	case ProviderAnthropic:
		client := anthropic.NewClient(anthropicopt.WithAPIKey(key))
		page, err := client.Models.List(ctx, anthropic.ModelListParams{})
		if err != nil {
			return "", fmt.Errorf("anthropic key rejected: %w", err)
		}
		if len(page.Data) > 0 {
			return page.Data[0].DisplayName, nil
		}
		return "", nil

	case ProviderOpenAI, ProviderOpenRouter:
		opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(key)}
		if provider == ProviderOpenRouter {
			opts = append(opts, openaiopt.WithBaseURL(openRouterBaseURL))
		}
		client := openai.NewClient(opts...)
		page, err := client.Models.List(ctx)
		if err != nil {
			return "", fmt.Errorf("%s key rejected: %w", provider, err)
		}
		if len(page.Data) > 0 {
			return page.Data[0].ID, nil
		}
		return "", nil

	default:
		return "", fmt.Errorf("unknown AI provider: %s", provider)
	}
}

func (liveProber) ProbeForgeToken(ctx context.Context, provider Provider, token string) (*forge.User, error) {
	var client forge.Client
	switch provider {
	case ProviderGitHub:
		client = forge.NewGitHubClient(token, forge.RepoRef{
			Provider: forge.ProviderGitHub,
			Host:     "github.com",
		})
	case ProviderGitLab:
		client = forge.NewGitLabClient(token, forge.RepoRef{
			Provider: forge.ProviderGitLab,
			Host:     "gitlab.com",
		})
	default:
		return nil, fmt.Errorf("unknown forge provider: %s", provider)
	}

	user, err := client.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s token rejected: %w", provider, err)
	}
	return user, nil
}
