package config

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant.",
			MaxTokens:    1024,
			Temperature:  0.7,
			Stream:       true,
			TimeoutSecs:  120,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 1000,
			BackoffFactor:  2,
			MaxDelayMs:     10000,
		},
		RateLimits: RateLimitsConfig{
			MinSpacingMs: 100,
		},
		Registry: RegistryConfig{
			MaxCreatesPerMinute: 300,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Storage: StorageConfig{
			PruneSchedule: "0 3 * * *",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}
