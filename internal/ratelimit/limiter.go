// Package ratelimit enforces per-provider request budgets over a fixed
// window plus a minimum spacing between consecutive requests on one key.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"chatgate/internal/llm"
)

// DefaultMinSpacing is the minimum gap between two requests on the same key.
const DefaultMinSpacing = 100 * time.Millisecond

// Config is the request budget for one provider.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits are the built-in budgets per provider.
var DefaultLimits = map[string]Config{
	llm.ProviderOpenAI:      {MaxRequests: 60, Window: time.Minute},
	llm.ProviderAnthropic:   {MaxRequests: 50, Window: time.Minute},
	llm.ProviderGoogle:      {MaxRequests: 60, Window: time.Minute},
	llm.ProviderMistral:     {MaxRequests: 60, Window: time.Minute},
	llm.ProviderGroq:        {MaxRequests: 100, Window: time.Minute},
	llm.ProviderHuggingFace: {MaxRequests: 50, Window: time.Minute},
	llm.ProviderCompatible:  {MaxRequests: 100, Window: time.Minute},
}

// fallbackLimit applies to providers without an entry.
var fallbackLimit = Config{MaxRequests: 60, Window: time.Minute}

// Window is the bookkeeping kept per (provider, key).
type Window struct {
	Start         time.Time
	Count         int
	LastRequestAt time.Time
}

// Options configures a Limiter. Zero values select the defaults.
type Options struct {
	Limits     map[string]Config
	MinSpacing time.Duration
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
}

type windowKey struct {
	provider string
	key      string
}

// Limiter is safe for concurrent use. Reads and updates of a window happen
// under one lock, so concurrent callers on the same key never overrun the
// budget.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Config
	windows map[windowKey]*Window
	spacing time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a limiter seeded with DefaultLimits and any overrides.
func New(opts Options) *Limiter {
	l := &Limiter{
		limits:  make(map[string]Config, len(DefaultLimits)),
		windows: make(map[windowKey]*Window),
		spacing: opts.MinSpacing,
		now:     opts.Now,
		sleep:   opts.Sleep,
	}
	for name, cfg := range DefaultLimits {
		l.limits[name] = cfg
	}
	for name, cfg := range opts.Limits {
		l.SetLimit(name, cfg)
	}
	if l.spacing <= 0 {
		l.spacing = DefaultMinSpacing
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = SleepContext
	}
	return l
}

// SetLimit replaces the budget for provider. Invalid values are ignored.
func (l *Limiter) SetLimit(provider string, cfg Config) {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[normalize(provider)] = cfg
}

// Limit returns the budget that applies to provider.
func (l *Limiter) Limit(provider string) Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLocked(normalize(provider))
}

func (l *Limiter) limitLocked(provider string) Config {
	if cfg, ok := l.limits[provider]; ok {
		return cfg
	}
	return fallbackLimit
}

// CheckLimit admits one request for (provider, key) or fails with a
// RATE_LIMIT error naming the remaining wait. When the previous request on
// the key was less than the minimum spacing ago, CheckLimit blocks for the
// difference; the wait does not consume extra budget.
func (l *Limiter) CheckLimit(ctx context.Context, provider, key string) error {
	provider = normalize(provider)
	wk := windowKey{provider: provider, key: key}

	l.mu.Lock()
	cfg := l.limitLocked(provider)
	now := l.now()

	w, ok := l.windows[wk]
	switch {
	case !ok:
		w = &Window{Start: now, Count: 1}
		l.windows[wk] = w
	case !now.Before(w.Start.Add(cfg.Window)):
		w.Start = now
		w.Count = 1
	case w.Count < cfg.MaxRequests:
		w.Count++
	default:
		wait := w.Start.Add(cfg.Window).Sub(now)
		l.mu.Unlock()
		return exhausted(provider, cfg, wait)
	}

	// Reserve the next slot so concurrent callers queue behind each other.
	scheduled := now
	if !w.LastRequestAt.IsZero() {
		if next := w.LastRequestAt.Add(l.spacing); next.After(scheduled) {
			scheduled = next
		}
	}
	w.LastRequestAt = scheduled
	l.mu.Unlock()

	if delay := scheduled.Sub(now); delay > 0 {
		return l.sleep(ctx, delay)
	}
	return nil
}

// Window returns a copy of the current window for (provider, key).
func (l *Limiter) Window(provider, key string) (Window, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[windowKey{provider: normalize(provider), key: key}]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Reset drops the window for (provider, key). An empty key drops every
// window of the provider.
func (l *Limiter) Reset(provider, key string) {
	provider = normalize(provider)
	l.mu.Lock()
	defer l.mu.Unlock()
	for wk := range l.windows {
		if wk.provider == provider && (key == "" || wk.key == key) {
			delete(l.windows, wk)
		}
	}
}

// ExhaustedError is the cause of a RATE_LIMIT rejection.
type ExhaustedError struct {
	Provider string
	Limit    Config
	RetryIn  time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per %s exhausted for %s, resets in %s",
		e.Limit.MaxRequests, e.Limit.Window, e.Provider, e.RetryIn.Round(time.Millisecond))
}

func exhausted(provider string, cfg Config, wait time.Duration) error {
	secs := int(math.Ceil(wait.Seconds()))
	return llm.NewError(llm.CategoryRateLimit,
		fmt.Sprintf("Rate limit exceeded for %s. Please wait %d seconds before trying again.", provider, secs),
		&ExhaustedError{Provider: provider, Limit: cfg, RetryIn: wait})
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
