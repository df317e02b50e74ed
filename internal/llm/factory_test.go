package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testOpenAIKey = "sk-test0123456789abcdefghij"

type stubProvider struct {
	name string
	key  string
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Chat(context.Context, *GenerationRequest) (*GenerationResult, error) {
	return nil, errors.New("not implemented")
}
func (s *stubProvider) StreamChat(context.Context, *GenerationRequest) (<-chan StreamEvent, error) {
	return nil, errors.New("not implemented")
}

type mapCredentials map[string]string

func (m mapCredentials) GetAPIKey(provider string) (string, error) {
	if k, ok := m[provider]; ok {
		return k, nil
	}
	return "", errors.New("not found")
}

func newStubRegistry(cfg RegistryConfig) (*Registry, *int) {
	r := NewRegistry(cfg)
	builds := 0
	var mu sync.Mutex
	r.RegisterBuilder(ProviderOpenAI, func(c AdapterConfig) (Provider, error) {
		mu.Lock()
		builds++
		mu.Unlock()
		return &stubProvider{name: c.Name, key: c.APIKey}, nil
	})
	return r, &builds
}

func TestCreateProviderCaches(t *testing.T) {
	r, builds := newStubRegistry(RegistryConfig{})

	a, err := r.CreateProvider("OpenAI", testOpenAIKey, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.CreateProvider("openai", testOpenAIKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if a != b || *builds != 1 {
		t.Fatalf("expected one cached instance, builds=%d", *builds)
	}

	c, err := r.CreateProvider("openai", "sk-other0123456789abcdefghij", "")
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Fatal("a different key must produce a new instance")
	}
	if a.(*stubProvider).key != testOpenAIKey {
		t.Fatal("cached instance must not be mutated")
	}
	if r.Len() != 2 {
		t.Fatalf("expected both keys cached, cache has %d", r.Len())
	}

	again, err := r.CreateProvider("openai", testOpenAIKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if again != a || *builds != 2 {
		t.Fatalf("first key's instance should survive another key, builds=%d", *builds)
	}

	r.Purge()
	if r.Len() != 0 {
		t.Fatalf("expected empty cache after purge, got %d", r.Len())
	}
}

func TestKnown(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	if !r.Known(" Anthropic ") {
		t.Fatal("anthropic should be known")
	}
	if r.Known("acme") {
		t.Fatal("acme should not be known")
	}
	r.RegisterBuilder("acme", func(AdapterConfig) (Provider, error) { return nil, nil })
	if !r.Known("acme") {
		t.Fatal("registered builder should be known")
	}
}

func TestCreateProviderConcurrentSingleInstance(t *testing.T) {
	r, builds := newStubRegistry(RegistryConfig{})

	var wg sync.WaitGroup
	results := make([]Provider, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.CreateProvider("openai", testOpenAIKey, "")
			if err != nil {
				t.Error(err)
			}
			results[i] = p
		}(i)
	}
	wg.Wait()

	if *builds != 1 {
		t.Fatalf("expected a single build, got %d", *builds)
	}
	for _, p := range results {
		if p != results[0] {
			t.Fatal("all callers should share one instance")
		}
	}
}

func TestCreateProviderValidation(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	tests := []struct {
		name     string
		provider string
		key      string
		baseURL  string
		category Category
	}{
		{"unknown provider", "acme", testOpenAIKey, "", CategoryValidation},
		{"missing key", "openai", "", "", CategoryAuthentication},
		{"bad key format", "anthropic", "sk-nope", "", CategoryAuthentication},
		{"compatible needs url", "compatible", "local", "", CategoryValidation},
		{"bad scheme", "compatible", "local", "ftp://host", CategoryValidation},
		{"no host", "openai", testOpenAIKey, "http://", CategoryValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CreateProvider(tt.provider, tt.key, tt.baseURL)
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %v", err)
			}
			if ce.Category != tt.category {
				t.Fatalf("expected %s, got %s (%v)", tt.category, ce.Category, err)
			}
		})
	}
}

func TestCreateProviderBuiltins(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	p, err := r.CreateProvider("compatible", "local", "http://localhost:11434/v1/")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != ProviderCompatible {
		t.Fatalf("unexpected provider %s", p.Name())
	}
	if _, ok := p.(Embedder); !ok {
		t.Fatal("openai-protocol adapters should support embeddings")
	}

	p, err = r.CreateProvider("google", "AIza"+"abcdefghijklmnopqrstuvwxyz012345678", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != ProviderGoogle {
		t.Fatalf("unexpected provider %s", p.Name())
	}
}

func TestResolveAPIKeyFromCredentialStore(t *testing.T) {
	r, _ := newStubRegistry(RegistryConfig{Credentials: mapCredentials{"openai": testOpenAIKey}})

	p, err := r.CreateProvider("openai", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.(*stubProvider).key != testOpenAIKey {
		t.Fatal("expected key from credential store")
	}

	key, err := r.ResolveAPIKey("openai", " explicit ")
	if err != nil || key != "explicit" {
		t.Fatalf("explicit key should win, got %q %v", key, err)
	}

	_, err = r.ResolveAPIKey("groq", "")
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestRegistryThrottle(t *testing.T) {
	now := time.Unix(1000, 0)
	r, _ := newStubRegistry(RegistryConfig{
		MaxCreatesPerMinute: 2,
		Now:                 func() time.Time { return now },
	})

	for i := 0; i < 2; i++ {
		if _, err := r.CreateProvider("openai", testOpenAIKey, ""); err != nil {
			t.Fatal(err)
		}
	}
	_, err := r.CreateProvider("openai", testOpenAIKey, "")
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := r.CreateProvider("openai", testOpenAIKey, ""); err != nil {
		t.Fatalf("throttle should reset after a minute: %v", err)
	}
}
