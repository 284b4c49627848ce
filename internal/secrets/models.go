package secrets

import "time"

// Kind groups secrets by what consumes them.
type Kind string

const (
	// KindAIKey is an API key for a hosted model provider.
	KindAIKey Kind = "ai_key"
	// KindForgeToken authenticates pushes and PR creation.
	KindForgeToken Kind = "forge_token"
)

// Provider identifies the service a secret authenticates against.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderGitHub     Provider = "github"
	ProviderGitLab     Provider = "gitlab"
)

// ValidProviders maps each kind to its allowed providers.
var ValidProviders = map[Kind]map[Provider]bool{
	KindAIKey: {
		ProviderAnthropic:  true,
		ProviderOpenAI:     true,
		ProviderOpenRouter: true,
	},
	KindForgeToken: {
		ProviderGitHub: true,
		ProviderGitLab: true,
	},
}

// Metadata is stored in cleartext alongside the ciphertext and is safe to
// return to the UI.
type Metadata struct {
	Username   string `json:"username,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	ModelLabel string `json:"model_label,omitempty"`
	// Method records how a forge token was obtained: "oauth" or "pat".
	Method string `json:"method,omitempty"`
}

// Status describes a stored secret without its value.
type Status struct {
	Kind       Kind      `json:"kind"`
	Provider   Provider  `json:"provider"`
	Configured bool      `json:"configured"`
	Metadata   Metadata  `json:"metadata"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// SaveRequest is the request body for saving a secret.
type SaveRequest struct {
	Kind     Kind     `json:"kind"`
	Provider Provider `json:"provider"`
	Value    string   `json:"value"`
	// Method is only meaningful for forge tokens; defaults to "pat".
	Method string `json:"method,omitempty"`
}
