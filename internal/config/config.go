package config

// Config is the top-level application configuration.
type Config struct {
	LLM        LLMConfig                  `json:"llm" yaml:"llm"`
	Embedding  EmbeddingConfig            `json:"embedding" yaml:"embedding"`
	Retry      RetryConfig                `json:"retry" yaml:"retry"`
	RateLimits RateLimitsConfig           `json:"rate_limits" yaml:"rate_limits"`
	Registry   RegistryConfig             `json:"registry" yaml:"registry"`
	Metrics    MetricsConfig              `json:"metrics" yaml:"metrics"`
	Storage    StorageConfig              `json:"storage" yaml:"storage"`
	Server     ServerConfig               `json:"server" yaml:"server"`
	Providers  map[string]ProviderProfile `json:"providers,omitempty" yaml:"providers,omitempty"`
}

type LLMConfig struct {
	Provider     string  `json:"provider" yaml:"provider"`
	Model        string  `json:"model" yaml:"model"`
	APIKey       string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL      string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	SystemPrompt string  `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	Stream       bool    `json:"stream" yaml:"stream"`
	TimeoutSecs  int     `json:"timeout_secs" yaml:"timeout_secs"`
}

// ProviderProfile holds per-provider overrides. Keys set here are migrated
// to the credential store like llm.api_key.
type ProviderProfile struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

type EmbeddingConfig struct {
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs  int      `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor   float64  `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMs      int      `json:"max_delay_ms" yaml:"max_delay_ms"`
	RetryableErrors []string `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
}

type RateLimitsConfig struct {
	MinSpacingMs int                     `json:"min_spacing_ms" yaml:"min_spacing_ms"`
	Providers    map[string]ProviderRate `json:"providers,omitempty" yaml:"providers,omitempty"`
}

type ProviderRate struct {
	MaxRequests int `json:"max_requests" yaml:"max_requests"`
	WindowMs    int `json:"window_ms" yaml:"window_ms"`
}

type RegistryConfig struct {
	MaxCreatesPerMinute int `json:"max_creates_per_minute" yaml:"max_creates_per_minute"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	DBPath        string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
	PruneSchedule string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}
