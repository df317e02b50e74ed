package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassifyRateLimitAnyCase(t *testing.T) {
	for _, msg := range []string{
		"rate limit exceeded",
		"Rate Limit reached for gpt-4",
		"RATE LIMIT",
		"provider said: you hit the rAtE lImIt, slow down",
	} {
		ce := Classify(errors.New(msg))
		if ce.Category != CategoryRateLimit {
			t.Errorf("%q: expected RATE_LIMIT, got %s", msg, ce.Category)
		}
		if !ce.Retryable {
			t.Errorf("%q: expected retryable", msg)
		}
	}
}

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		msg      string
		category Category
		retry    bool
	}{
		{"401 Unauthorized", CategoryAuthentication, false},
		{"Incorrect API key provided", CategoryAuthentication, false},
		{"429 Too Many Requests", CategoryRateLimit, true},
		{"dial tcp 10.0.0.1:443: connection refused", CategoryNetwork, true},
		{"503 Service Unavailable", CategoryServer, true},
		{"Anthropic is overloaded", CategoryServer, true},
		{"400 Bad Request: messages is required", CategoryValidation, false},
		{"request timed out", CategoryTimeout, true},
		{"The model `gpt-9` does not exist", CategoryModel, false},
		{"output flagged by content filter", CategoryContentFilter, false},
		{"You exceeded your current quota", CategoryQuota, false},
		{"something odd happened", CategoryUnknown, false},
	}
	for _, tt := range tests {
		ce := Classify(errors.New(tt.msg))
		if ce.Category != tt.category {
			t.Errorf("%q: expected %s, got %s", tt.msg, tt.category, ce.Category)
		}
		if ce.Retryable != tt.retry {
			t.Errorf("%q: expected retryable=%v, got %v", tt.msg, tt.retry, ce.Retryable)
		}
	}
}

func TestClassifyPriority(t *testing.T) {
	// authentication is checked before rate limiting
	ce := Classify(errors.New("invalid api key, rate limit also applies"))
	if ce.Category != CategoryAuthentication {
		t.Fatalf("expected AUTHENTICATION, got %s", ce.Category)
	}

	// network before timeout
	ce = Classify(errors.New("network timeout"))
	if ce.Category != CategoryNetwork {
		t.Fatalf("expected NETWORK, got %s", ce.Category)
	}
}

func TestClassifyUnknownPreservesMessage(t *testing.T) {
	ce := Classify(errors.New("the flux capacitor is misaligned"))
	if ce.Category != CategoryUnknown {
		t.Fatalf("expected UNKNOWN, got %s", ce.Category)
	}
	if ce.UserMessage != "the flux capacitor is misaligned" {
		t.Fatalf("unexpected user message %q", ce.UserMessage)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	a := Classify(errors.New("Bad Gateway"))
	b := Classify(errors.New("Bad Gateway"))
	if a.Category != b.Category || a.UserMessage != b.UserMessage || a.Retryable != b.Retryable {
		t.Fatalf("classification differs: %+v vs %+v", a, b)
	}
}

func TestClassifyIdempotent(t *testing.T) {
	orig := NewError(CategoryQuota, "custom", errors.New("billing"))
	wrapped := fmt.Errorf("call failed: %w", orig)
	if got := Classify(wrapped); got != orig {
		t.Fatalf("expected the embedded classified error, got %+v", got)
	}
	if Classify(nil) != nil {
		t.Fatal("nil error should classify to nil")
	}
}

func TestClassifyNetworkErrorTypes(t *testing.T) {
	ce := Classify(&net.DNSError{Err: "server misbehaving", Name: "api.example"})
	if ce.Category != CategoryNetwork || !ce.Retryable {
		t.Fatalf("expected retryable NETWORK, got %s retryable=%v", ce.Category, ce.Retryable)
	}

	ce = Classify(&net.DNSError{Err: "i/o", Name: "api.example", IsTimeout: true})
	if ce.Category != CategoryTimeout || !ce.Retryable {
		t.Fatalf("expected retryable TIMEOUT, got %s retryable=%v", ce.Category, ce.Retryable)
	}

	ce = Classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	if ce.Category != CategoryTimeout {
		t.Fatalf("expected TIMEOUT, got %s", ce.Category)
	}
}

func TestNetworkCauseMakesRetryable(t *testing.T) {
	ce := NewError(CategoryUnknown, "", &net.DNSError{Err: "x", Name: "h"})
	if !ce.Retryable {
		t.Fatal("a net.Error cause should be retryable")
	}
}

func TestErrorUnwrap(t *testing.T) {
	ce := emptyCompletionError(ProviderOpenAI)
	if !errors.Is(ce, ErrEmptyCompletion) {
		t.Fatal("expected ErrEmptyCompletion in chain")
	}
	if ce.Category != CategoryModel {
		t.Fatalf("expected MODEL, got %s", ce.Category)
	}
}
