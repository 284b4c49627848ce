package secrets

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/forge"
)

const maxSecretLength = 10000

// Service validates credentials on write and brokers access to the encrypted
// store. Saves and deletes are announced on the event bus so the runner can
// drop its CLI detection cache.
type Service struct {
	store    *FileStore
	prober   Prober
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a secrets service.
func NewService(store *FileStore, prober Prober, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		prober:   prober,
		eventBus: eventBus,
		logger:   log,
	}
}

func (s *Service) validateSave(req *SaveRequest) error {
	req.Value = strings.TrimSpace(req.Value)

	var details []apperr.Detail
	providers, kindOK := ValidProviders[req.Kind]
	if !kindOK {
		details = append(details, apperr.Detail{Field: "kind", Message: "must be ai_key or forge_token"})
	} else if !providers[req.Provider] {
		details = append(details, apperr.Detail{Field: "provider", Message: "not valid for kind " + string(req.Kind)})
	}
	if req.Value == "" || len(req.Value) > maxSecretLength {
		details = append(details, apperr.Detail{Field: "value", Message: "must be 1-10000 characters"})
	}
	if req.Method != "" && req.Method != "oauth" && req.Method != "pat" {
		details = append(details, apperr.Detail{Field: "method", Message: "must be oauth or pat"})
	}
	if len(details) > 0 {
		return apperr.Validation(details...)
	}
	return nil
}

// Save probes the credential against its provider, encrypts it, and stores
// it. The returned status carries the metadata recorded by the probe.
func (s *Service) Save(ctx context.Context, req *SaveRequest) (Status, error) {
	if err := s.validateSave(req); err != nil {
		return Status{}, err
	}

	var meta Metadata
	switch req.Kind {
	case KindAIKey:
		label, err := s.prober.ProbeAIKey(ctx, req.Provider, req.Value)
		if err != nil {
			return Status{}, apperr.Wrap(apperr.KindBackendFailure, "credential validation failed", err)
		}
		meta.ModelLabel = label

	case KindForgeToken:
		user, err := s.prober.ProbeForgeToken(ctx, req.Provider, req.Value)
		if err != nil {
			return Status{}, apperr.Wrap(apperr.KindBackendFailure, "credential validation failed", err)
		}
		meta.Username = user.Username
		meta.AvatarURL = user.AvatarURL
		meta.Method = req.Method
		if meta.Method == "" {
			meta.Method = "pat"
		}
	}

	if err := s.store.Save(req.Kind, req.Provider, req.Value, meta); err != nil {
		return Status{}, apperr.Wrap(apperr.KindUnexpected, "store secret", err)
	}

	s.publish(ctx, bus.SubjectSecretSaved, req.Kind, req.Provider)
	s.logger.Info("saved secret",
		zap.String("kind", string(req.Kind)),
		zap.String("provider", string(req.Provider)))
	return s.store.Status(req.Kind, req.Provider), nil
}

// Delete removes the secret for (kind, provider).
func (s *Service) Delete(ctx context.Context, kind Kind, provider Provider) error {
	if err := s.store.Delete(kind, provider); err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return apperr.Newf(apperr.KindNotFound, "no %s secret for %s", kind, provider)
		}
		return apperr.Wrap(apperr.KindUnexpected, "delete secret", err)
	}

	s.publish(ctx, bus.SubjectSecretDeleted, kind, provider)
	s.logger.Info("deleted secret",
		zap.String("kind", string(kind)),
		zap.String("provider", string(provider)))
	return nil
}

// Plaintext returns the decrypted value for the runner and forge client.
// Never exposed over HTTP.
func (s *Service) Plaintext(kind Kind, provider Provider) (string, error) {
	value, err := s.store.Plaintext(kind, provider)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return "", apperr.Newf(apperr.KindNotFound, "no %s secret for %s", kind, provider)
		}
		return "", apperr.Wrap(apperr.KindUnexpected, "decrypt secret", err)
	}
	return value, nil
}

// Status returns the stored state for one (kind, provider) without plaintext.
func (s *Service) Status(kind Kind, provider Provider) Status {
	return s.store.Status(kind, provider)
}

// List returns the status of every stored secret.
func (s *Service) List() []Status {
	return s.store.List()
}

// ForgeTokenFor returns the stored token for the forge serving repoURL,
// falling back to the given environment token when the store is empty.
func (s *Service) ForgeTokenFor(repoURL string, envFallback map[Provider]string) string {
	ref, err := forge.ParseRepoURL(repoURL)
	if err != nil {
		return ""
	}
	provider := ProviderGitHub
	if ref.Provider == forge.ProviderGitLab {
		provider = ProviderGitLab
	}

	if token, err := s.store.Plaintext(KindForgeToken, provider); err == nil {
		return token
	}
	return envFallback[provider]
}

func (s *Service) publish(ctx context.Context, subject string, kind Kind, provider Provider) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "secrets", map[string]any{
		"kind":     string(kind),
		"provider": string(provider),
	})
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish secret event", zap.Error(err))
	}
}
