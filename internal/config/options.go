package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatgate/internal/llm"
	"chatgate/internal/ratelimit"
	"chatgate/internal/retry"
)

var knownCategories = map[llm.Category]bool{
	llm.CategoryAuthentication: true,
	llm.CategoryRateLimit:      true,
	llm.CategoryNetwork:        true,
	llm.CategoryServer:         true,
	llm.CategoryValidation:     true,
	llm.CategoryTimeout:        true,
	llm.CategoryModel:          true,
	llm.CategoryContentFilter:  true,
	llm.CategoryQuota:          true,
	llm.CategoryUnknown:        true,
}

// Validate reports every problem found in the numeric and enum fields.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		errs = append(errs, fmt.Errorf("llm.temperature must be between 0 and 1, got %v", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must not be negative"))
	}
	if c.LLM.TimeoutSecs < 0 {
		errs = append(errs, fmt.Errorf("llm.timeout_secs must not be negative"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must not be negative"))
	}
	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be at least 1"))
	}
	for _, name := range c.Retry.RetryableErrors {
		if !knownCategories[llm.Category(strings.ToUpper(name))] {
			errs = append(errs, fmt.Errorf("retry.retryable_errors: unknown category %q", name))
		}
	}
	if c.Storage.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("storage.retention_days must not be negative"))
	}
	for name, rate := range c.RateLimits.Providers {
		if rate.MaxRequests <= 0 || rate.WindowMs <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.providers.%s: max_requests and window_ms must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// RetryOptions converts the retry section. Zero fields keep the retry
// package defaults.
func (c *Config) RetryOptions() retry.Options {
	opts := retry.DefaultOptions()
	if c.Retry.MaxAttempts > 0 {
		opts.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelayMs > 0 {
		opts.InitialDelay = time.Duration(c.Retry.InitialDelayMs) * time.Millisecond
	}
	if c.Retry.MaxDelayMs > 0 {
		opts.MaxDelay = time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
	}
	if c.Retry.BackoffFactor >= 1 {
		opts.BackoffFactor = c.Retry.BackoffFactor
	}
	for _, name := range c.Retry.RetryableErrors {
		opts.RetryableErrors = append(opts.RetryableErrors, llm.Category(strings.ToUpper(name)))
	}
	return opts
}

// LimiterOptions converts the rate_limits section.
func (c *Config) LimiterOptions() ratelimit.Options {
	return ratelimit.Options{
		Limits:     c.ProviderLimits(),
		MinSpacing: time.Duration(c.RateLimits.MinSpacingMs) * time.Millisecond,
	}
}

// ProviderLimits returns the per-provider overrides keyed by provider name.
func (c *Config) ProviderLimits() map[string]ratelimit.Config {
	limits := make(map[string]ratelimit.Config, len(c.RateLimits.Providers))
	for name, rate := range c.RateLimits.Providers {
		limits[strings.ToLower(name)] = ratelimit.Config{
			MaxRequests: rate.MaxRequests,
			Window:      time.Duration(rate.WindowMs) * time.Millisecond,
		}
	}
	return limits
}

// AttemptTimeout bounds a single provider attempt; zero disables it.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSecs) * time.Second
}
