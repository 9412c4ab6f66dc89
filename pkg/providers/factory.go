package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/config"
	"github.com/dotsetgreg/memsync/pkg/profile"
	"github.com/dotsetgreg/memsync/pkg/resilience"
)

const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
)

type providerFactory struct {
	build    func(cfg *config.Config) (Provider, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]providerFactory{}
	registrationErr error
)

func init() {
	RegisterFactory(ProviderLocal, func(cfg *config.Config) (Provider, error) {
		return NewLocalProvider(ChargramModel), nil
	}, nil)
	RegisterFactory(ProviderOpenAI, func(cfg *config.Config) (Provider, error) {
		return NewOpenAIProvider(OpenAIOptions{
			APIKey:         cfg.Provider.APIKey,
			BaseURL:        cfg.Provider.APIBase,
			Model:          cfg.Provider.Model,
			EmbeddingModel: cfg.Provider.EmbeddingModel,
		}), nil
	}, func(cfg *config.Config) error {
		if strings.TrimSpace(cfg.Provider.APIKey) == "" {
			return fmt.Errorf("provider %q requires provider.api_key", ProviderOpenAI)
		}
		return nil
	})
}

func RegisterFactory(name string, build func(cfg *config.Config) (Provider, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required"))
		return
	}
	factories[name] = providerFactory{build: build, validate: validate}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderLocal
	}
	return name
}

// CreateProvider builds the configured provider wrapped with timeouts,
// retries, a circuit breaker and an embedding cache.
func CreateProvider(cfg *config.Config, logger *zap.Logger) (Provider, error) {
	name := NormalizeProviderName(cfg.Provider.Kind)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return nil, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, err
		}
	}
	base, err := factory.build(cfg)
	if err != nil {
		return nil, err
	}

	retry := resilience.DefaultRetryPolicy()
	retry.MaxTries = uint(cfg.Provider.MaxRetries) + 1
	guarded := NewResilient(base, ResilientOptions{
		Timeout: cfg.ProviderTimeout(),
		Retry:   retry,
		Breaker: resilience.DefaultBreakerConfig(),
		Logger:  logger,
	})
	if cfg.Provider.CacheEntries <= 0 {
		return guarded, nil
	}
	cached, err := NewCachedEmbedder(guarded, cfg.Provider.CacheEntries)
	if err != nil {
		return nil, err
	}
	return &cachedProvider{CachedEmbedder: cached, extractor: guarded, name: guarded.Name()}, nil
}

type cachedProvider struct {
	*CachedEmbedder
	extractor profile.Extractor
	name      string
}

func (p *cachedProvider) Name() string { return p.name }

func (p *cachedProvider) ExtractFacts(ctx context.Context, req profile.ExtractionRequest) ([]profile.Candidate, error) {
	return p.extractor.ExtractFacts(ctx, req)
}
