package llm

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatgate/internal/security"
)

// DefaultMaxCreatesPerMinute caps CreateProvider calls across all providers.
const DefaultMaxCreatesPerMinute = 300

// CredentialStore resolves API keys when a caller does not supply one.
type CredentialStore interface {
	GetAPIKey(provider string) (string, error)
}

// AdapterConfig is what a Builder receives once the registry has resolved and
// validated the configuration.
type AdapterConfig struct {
	Name                string
	APIKey              string
	BaseURL             string
	HTTPClient          *http.Client
	EmbeddingModel      string
	EmbeddingDimensions int
}

// Builder constructs a Provider from a validated configuration.
type Builder func(cfg AdapterConfig) (Provider, error)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Credentials         CredentialStore
	HTTPClient          *http.Client
	MaxCreatesPerMinute int
	EmbeddingModel      string
	EmbeddingDimensions int
	Now                 func() time.Time
}

type handleKey struct {
	name        string
	fingerprint string
	baseURL     string
}

// Registry validates credentials and builds adapters, caching one instance
// per (provider, key fingerprint, base URL). Instances for different keys of
// one provider live side by side; rotating a key calls Purge. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	cfg      RegistryConfig
	builders map[string]Builder
	cache    map[handleKey]Provider

	throttleStart time.Time
	throttleCount int
}

// NewRegistry creates a registry with the built-in provider variants.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxCreatesPerMinute <= 0 {
		cfg.MaxCreatesPerMinute = DefaultMaxCreatesPerMinute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		cfg:      cfg,
		builders: make(map[string]Builder),
		cache:    make(map[handleKey]Provider),
	}

	openAIFamily := func(cfg AdapterConfig) (Provider, error) {
		return NewOpenAIProvider(OpenAIConfig{
			Name:                cfg.Name,
			APIKey:              cfg.APIKey,
			BaseURL:             cfg.BaseURL,
			HTTPClient:          cfg.HTTPClient,
			EmbeddingModel:      cfg.EmbeddingModel,
			EmbeddingDimensions: cfg.EmbeddingDimensions,
		})
	}
	for _, name := range []string{ProviderOpenAI, ProviderMistral, ProviderGroq, ProviderHuggingFace, ProviderCompatible} {
		r.builders[name] = openAIFamily
	}
	r.builders[ProviderAnthropic] = func(cfg AdapterConfig) (Provider, error) {
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			HTTPClient: cfg.HTTPClient,
		})
	}
	r.builders[ProviderGoogle] = func(cfg AdapterConfig) (Provider, error) {
		return NewGoogleProvider(GoogleConfig{
			APIKey:              cfg.APIKey,
			BaseURL:             cfg.BaseURL,
			HTTPClient:          cfg.HTTPClient,
			EmbeddingModel:      cfg.EmbeddingModel,
			EmbeddingDimensions: cfg.EmbeddingDimensions,
		})
	}
	return r
}

// RegisterBuilder adds or replaces the builder for a provider name and drops
// any cached instances of that provider.
func (r *Registry) RegisterBuilder(name string, b Builder) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
	for hk := range r.cache {
		if hk.name == name {
			delete(r.cache, hk)
		}
	}
}

// Providers returns the names of all known provider variants.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Known reports whether name is a registered provider variant.
func (r *Registry) Known(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.builders[normalizeName(name)]
	return ok
}

// ResolveAPIKey returns apiKey if set, otherwise the key from the credential
// store. A missing key is an AUTHENTICATION error.
func (r *Registry) ResolveAPIKey(name, apiKey string) (string, error) {
	name = normalizeName(name)
	if key := strings.TrimSpace(apiKey); key != "" {
		return key, nil
	}
	if r.cfg.Credentials != nil {
		key, err := r.cfg.Credentials.GetAPIKey(name)
		if err == nil && strings.TrimSpace(key) != "" {
			return strings.TrimSpace(key), nil
		}
		if err != nil {
			log.Printf("[registry] credential store lookup for %s failed: %v", name, err)
		}
	}
	return "", NewError(CategoryAuthentication,
		fmt.Sprintf("No API key configured for %s. Please add your API key in settings.", name),
		&providerError{provider: name, err: ErrMissingAPIKey})
}

// CreateProvider returns the adapter for the given configuration. Identical
// configurations share one instance; a different key or base URL always
// yields a new instance.
func (r *Registry) CreateProvider(name, apiKey, baseURL string) (Provider, error) {
	name = normalizeName(name)
	baseURL = strings.TrimSpace(baseURL)

	r.mu.Lock()
	builder, ok := r.builders[name]
	r.mu.Unlock()
	if !ok {
		return nil, validationError("unknown provider %q", name)
	}

	key, err := r.ResolveAPIKey(name, apiKey)
	if err != nil {
		return nil, err
	}
	if err := security.ValidateKeyFormat(name, key); err != nil {
		return nil, NewError(CategoryAuthentication,
			fmt.Sprintf("The API key for %s has an invalid format. Please check your API key in settings.", name),
			&providerError{provider: name, err: err})
	}
	if name == ProviderCompatible && baseURL == "" {
		return nil, validationError("provider %q requires a base URL", name)
	}
	if baseURL != "" {
		if err := validateBaseURL(baseURL); err != nil {
			return nil, validationError("%v", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.throttleLocked(); err != nil {
		return nil, err
	}

	hk := handleKey{name: name, fingerprint: security.Fingerprint(key), baseURL: baseURL}
	if p, ok := r.cache[hk]; ok {
		return p, nil
	}

	p, err := builder(AdapterConfig{
		Name:                name,
		APIKey:              key,
		BaseURL:             baseURL,
		HTTPClient:          r.cfg.HTTPClient,
		EmbeddingModel:      r.cfg.EmbeddingModel,
		EmbeddingDimensions: r.cfg.EmbeddingDimensions,
	})
	if err != nil {
		return nil, Classify(err)
	}

	r.cache[hk] = p
	log.Printf("[registry] created %s adapter (key %s)", name, security.MaskKey(key))
	return p, nil
}

// Len returns the number of cached adapters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Purge drops every cached adapter.
func (r *Registry) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[handleKey]Provider)
}

// throttleLocked is a coarse per-minute cap on adapter requests across all
// providers. It is independent of the per-provider rate limiter.
func (r *Registry) throttleLocked() error {
	now := r.cfg.Now()
	if r.throttleStart.IsZero() || now.Sub(r.throttleStart) >= time.Minute {
		r.throttleStart = now
		r.throttleCount = 0
	}
	if r.throttleCount >= r.cfg.MaxCreatesPerMinute {
		wait := r.throttleStart.Add(time.Minute).Sub(now)
		return NewError(CategoryRateLimit,
			fmt.Sprintf("Too many provider requests. Please try again in %d seconds.", int(wait.Seconds()+0.999)),
			fmt.Errorf("registry throttle: %d requests per minute exceeded", r.cfg.MaxCreatesPerMinute))
	}
	r.throttleCount++
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// validateBaseURL checks that a base URL is valid and uses http/https scheme.
func validateBaseURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("base URL must use http or https scheme, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL must have a host")
	}
	return nil
}
