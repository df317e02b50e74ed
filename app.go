package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chatgate/internal/config"
	"chatgate/internal/eventbus"
	"chatgate/internal/llm"
	"chatgate/internal/memory"
	"chatgate/internal/metrics"
	"chatgate/internal/ratelimit"
	"chatgate/internal/security"
	"chatgate/internal/session"
)

const (
	keyringPlaceholder = "[keyring]"
	vaultPasswordEnv   = "CHATGATE_VAULT_PASSWORD"
	historyLimit       = 50
)

// App wires config, credentials, the gateway and its consumers together.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex // protects cfg
	cfg       *config.Config
	cfgLoader *config.Loader

	bus      *eventbus.Bus
	keyStore *security.KeyStore
	registry *llm.Registry
	limiter  *ratelimit.Limiter
	gateway  *session.Gateway
	metrics  *metrics.Collector
	store    memory.Store
	detach   []func()
}

// NewApp creates an App reading its config through loader.
func NewApp(loader *config.Loader) *App {
	return &App{
		cfgLoader: loader,
		bus:       eventbus.New(),
	}
}

// startup loads config and credentials and builds the gateway. Storage and
// metrics are optional and only logged when they fail.
func (a *App) startup(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel

	cfg, err := a.cfgLoader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	dir := filepath.Dir(a.cfgLoader.FilePath())
	ks, err := security.NewKeyStoreWithPassword(dir, os.Getenv(vaultPasswordEnv))
	if err != nil {
		log.Printf("warning: failed to create key store: %v (keys must be set in the config file)", err)
	}
	a.keyStore = ks

	// Resolve secrets from Keychain (or migrate plaintext → Keychain)
	a.resolveSecrets()

	regCfg := llm.RegistryConfig{
		MaxCreatesPerMinute: cfg.Registry.MaxCreatesPerMinute,
		EmbeddingModel:      cfg.Embedding.Model,
		EmbeddingDimensions: cfg.Embedding.Dimensions,
	}
	if ks != nil {
		regCfg.Credentials = ks
	}
	a.registry = llm.NewRegistry(regCfg)
	a.limiter = ratelimit.New(cfg.LimiterOptions())

	redactor := security.NewRedactor()
	gwCfg := session.Config{
		Providers:      a.registry,
		Limiter:        a.limiter,
		Sink:           eventbus.NewSink(a.bus),
		Retry:          cfg.RetryOptions(),
		AttemptTimeout: cfg.AttemptTimeout(),
		Redactor:       redactor,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector()
		gwCfg.Observer = a.metrics
		a.goServe(func(ctx context.Context) error { return a.metrics.Serve(ctx, cfg.Metrics.Addr) }, "metrics")
	}
	gw, err := session.New(gwCfg)
	if err != nil {
		return err
	}
	a.gateway = gw

	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(dir, "memory.db")
	}
	store, err := memory.NewSQLiteStore(dbPath)
	if err != nil {
		log.Printf("warning: failed to open conversation store: %v (history disabled)", err)
	} else {
		a.store = store
		a.detach = append(a.detach, memory.NewRecorder(store).Attach(a.bus))

		pruner := memory.NewPruner(store, memory.RetentionConfig{
			RetentionDays: cfg.Storage.RetentionDays,
			PruneSchedule: cfg.Storage.PruneSchedule,
		})
		if err := pruner.Start(ctx); err != nil {
			log.Printf("warning: conversation pruning disabled: %v", err)
		}
		a.detach = append(a.detach, pruner.Stop)
	}

	a.goServe(func(ctx context.Context) error { return a.cfgLoader.Watch(ctx, a.applyConfig) }, "config watcher")
	return nil
}

func (a *App) goServe(run func(ctx context.Context) error, name string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := run(a.ctx); err != nil {
			log.Printf("[app] %s stopped: %v", name, err)
		}
	}()
}

// shutdown cancels in-flight generations and releases resources.
func (a *App) shutdown() {
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	for _, d := range a.detach {
		d()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// applyConfig is the hot reload hook. Rate limits, retry policy and the
// attempt timeout take effect for the next generation; the rest needs a
// restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	// The reloaded file holds placeholders, not keys.
	a.resolveSecrets()

	for name, limit := range cfg.ProviderLimits() {
		a.limiter.SetLimit(name, limit)
	}
	a.gateway.SetRetryOptions(cfg.RetryOptions())
	a.gateway.SetAttemptTimeout(cfg.AttemptTimeout())

	if prev != nil && (prev.Metrics != cfg.Metrics || prev.Storage != cfg.Storage || prev.Registry != cfg.Registry) {
		log.Println("[app] metrics, storage and registry changes apply after restart")
	}
	a.bus.Publish(eventbus.TopicConfig, eventbus.ConfigReloaded{Path: a.cfgLoader.FilePath()})
}

func (a *App) config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// resolveSecrets moves plaintext API keys from the config file into the
// credential store and rewrites the file with placeholders. Placeholders are
// cleared in memory so the registry falls back to the store.
func (a *App) resolveSecrets() {
	a.mu.Lock()
	defer a.mu.Unlock()

	migrated := false
	migrate := func(provider string, key *string) {
		switch {
		case *key == keyringPlaceholder:
			*key = ""
		case *key != "" && a.keyStore != nil:
			if err := a.keyStore.SetAPIKey(provider, *key); err != nil {
				log.Printf("warning: failed to store %s key in keyring: %v", provider, err)
				return
			}
			migrated = true
			log.Printf("Migrated %s API key to secure storage", provider)
		}
	}

	migrate(a.cfg.LLM.Provider, &a.cfg.LLM.APIKey)
	for name, profile := range a.cfg.Providers {
		migrate(name, &profile.APIKey)
		a.cfg.Providers[name] = profile
	}

	// Rewrite the config file with placeholders instead of real keys
	if migrated {
		if err := a.saveConfigLocked(); err != nil {
			log.Printf("warning: failed to save config after secret migration: %v", err)
		}
	}
}

// saveConfigLocked writes config to disk with stored keys replaced by
// placeholders. In-memory a.cfg keeps whatever keys it holds.
func (a *App) saveConfigLocked() error {
	cfgForDisk := *a.cfg
	if cfgForDisk.LLM.APIKey != "" && a.keyStore != nil {
		cfgForDisk.LLM.APIKey = keyringPlaceholder
	}
	if len(a.cfg.Providers) > 0 {
		cfgForDisk.Providers = make(map[string]config.ProviderProfile, len(a.cfg.Providers))
		for name, profile := range a.cfg.Providers {
			if profile.APIKey != "" && a.keyStore != nil {
				profile.APIKey = keyringPlaceholder
			}
			cfgForDisk.Providers[name] = profile
		}
	}
	return a.cfgLoader.Save(&cfgForDisk)
}

// request builds a generation request for provider (the configured default
// when empty) from the conversation history plus the new user message.
func (a *App) request(ctx context.Context, conversationID, provider string, user llm.Message) *llm.GenerationRequest {
	cfg := a.config()
	req := &llm.GenerationRequest{
		Provider:     cfg.LLM.Provider,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Stream:       cfg.LLM.Stream,
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
	}
	if provider = strings.ToLower(strings.TrimSpace(provider)); provider != "" && provider != req.Provider {
		profile := cfg.Providers[provider]
		req.Provider = provider
		req.Model = profile.Model
		req.APIKey = profile.APIKey
		req.BaseURL = profile.BaseURL
	}

	if a.store != nil {
		history, err := a.store.History(ctx, conversationID, historyLimit)
		if err != nil {
			log.Printf("[app] failed to load history for %s: %v", conversationID, err)
		}
		for _, m := range history {
			// Failure notices are for the user, not the model.
			if m.Role == llm.RoleSystem {
				continue
			}
			req.Messages = append(req.Messages, m)
		}
	}
	req.Messages = append(req.Messages, user)
	return req
}

// Send submits text as the next user turn of conversationID.
// The user turn is recorded only once the gateway has admitted the submit,
// and before the generation starts, so it is stored ahead of the reply.
func (a *App) Send(conversationID, provider, text string) error {
	if a.gateway.State(conversationID) != session.StateIdle {
		return session.ErrGenerationInProgress
	}
	user := llm.Message{Role: llm.RoleUser, Content: text}
	req := a.request(a.ctx, conversationID, provider, user)

	return a.gateway.SubmitFunc(a.ctx, conversationID, req, func() {
		a.bus.Publish(eventbus.TopicUserMessage, eventbus.UserMessage{ConversationID: conversationID, Message: user})
	})
}

// Cancel aborts the running generation of conversationID.
func (a *App) Cancel(conversationID string) bool {
	if !a.gateway.Cancel(conversationID) {
		return false
	}
	a.bus.Publish(eventbus.TopicCancelled, eventbus.Cancelled{ConversationID: conversationID})
	return true
}

// State returns the generation state of conversationID.
func (a *App) State(conversationID string) session.State {
	return a.gateway.State(conversationID)
}

// Records returns the stored messages of conversationID, oldest first.
func (a *App) Records(ctx context.Context, conversationID string, limit int) ([]memory.Record, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.Records(ctx, conversationID, limit)
}

// Embed returns the embedding of text from provider (the configured
// default when empty).
func (a *App) Embed(ctx context.Context, provider, text string) ([]float64, error) {
	cfg := a.config()
	name, apiKey, baseURL := cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.BaseURL
	if provider != "" && provider != name {
		profile := cfg.Providers[provider]
		name, apiKey, baseURL = provider, profile.APIKey, profile.BaseURL
	}

	p, err := a.registry.CreateProvider(name, apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	embedder, ok := p.(llm.Embedder)
	if !ok {
		return nil, fmt.Errorf("provider %s does not support embeddings", name)
	}

	key, err := a.registry.ResolveAPIKey(name, apiKey)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.CheckLimit(ctx, name, security.Fingerprint(key)); err != nil {
		return nil, err
	}
	return embedder.CreateEmbedding(ctx, text)
}

// SetAPIKey validates and stores the API key for provider.
func (a *App) SetAPIKey(provider, key string) error {
	if a.keyStore == nil {
		return errors.New("no credential store available")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if err := security.ValidateKeyFormat(provider, key); err != nil {
		return err
	}
	if err := a.keyStore.SetAPIKey(provider, key); err != nil {
		return err
	}
	// Drop adapters built with the previous key.
	a.registry.Purge()
	return nil
}

// DeleteAPIKey removes the stored API key for provider.
func (a *App) DeleteAPIKey(provider string) error {
	if a.keyStore == nil {
		return errors.New("no credential store available")
	}
	a.registry.Purge()
	return a.keyStore.DeleteAPIKey(provider)
}

// storedKey returns the masked stored key for provider, or "-".
func (a *App) storedKey(provider string) string {
	if a.keyStore == nil {
		return "-"
	}
	key, err := a.keyStore.GetAPIKey(provider)
	if err != nil || key == "" {
		return "-"
	}
	return security.MaskKey(key)
}
