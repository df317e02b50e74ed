package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Category classifies provider failures.
type Category string

const (
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryRateLimit      Category = "RATE_LIMIT"
	CategoryNetwork        Category = "NETWORK"
	CategoryServer         Category = "SERVER"
	CategoryValidation     Category = "VALIDATION"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryModel          Category = "MODEL"
	CategoryContentFilter  Category = "CONTENT_FILTER"
	CategoryQuota          Category = "QUOTA"
	CategoryUnknown        Category = "UNKNOWN"
)

var (
	// ErrEmptyCompletion is the cause attached when a provider answers
	// successfully but with no content.
	ErrEmptyCompletion = errors.New("provider returned an empty completion")

	// ErrMissingAPIKey is the cause attached when no key could be resolved.
	ErrMissingAPIKey = errors.New("missing api key")
)

// ClassifiedError is an error annotated with a category, retryability and a
// message that is safe to show to end users. The raw provider error is kept
// in Cause.
type ClassifiedError struct {
	Category    Category
	UserMessage string
	Cause       error
	Retryable   bool
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return e.UserMessage + ": " + e.Cause.Error()
	}
	return e.UserMessage
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// NewError builds a ClassifiedError with retryability derived from the
// category and cause. An empty message selects the category default.
func NewError(category Category, userMessage string, cause error) *ClassifiedError {
	if userMessage == "" {
		userMessage = defaultMessages[category]
	}
	return &ClassifiedError{
		Category:    category,
		UserMessage: userMessage,
		Cause:       cause,
		Retryable:   IsRetryable(category) || isNetworkCause(cause),
	}
}

// validationError is the shorthand used by adapters before any network call.
func validationError(format string, args ...any) *ClassifiedError {
	msg := fmt.Sprintf(format, args...)
	return NewError(CategoryValidation, msg, errors.New(msg))
}

// IsRetryable reports whether failures of this category are worth retrying.
func IsRetryable(c Category) bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryNetwork, CategoryServer:
		return true
	default:
		return false
	}
}

var defaultMessages = map[Category]string{
	CategoryAuthentication: "Authentication failed. Please check your API key in settings.",
	CategoryRateLimit:      "Rate limit exceeded. Please wait a moment before trying again.",
	CategoryNetwork:        "Network error. Please check your internet connection.",
	CategoryServer:         "The AI provider is experiencing problems. Please try again later.",
	CategoryValidation:     "The request was invalid. Please check your settings and message.",
	CategoryTimeout:        "The request timed out. Please try again.",
	CategoryModel:          "The selected model is unavailable. Please choose a different model in settings.",
	CategoryContentFilter:  "The response was blocked by the provider's content filter.",
	CategoryQuota:          "Your API quota has been exhausted. Please check your plan and billing details.",
	CategoryUnknown:        "An unexpected error occurred.",
}

type classRule struct {
	category Category
	patterns []string
}

// classRules is evaluated top to bottom; the first match wins.
var classRules = []classRule{
	{CategoryAuthentication, []string{"api key", "api_key", "apikey", "unauthorized", "authentication", "invalid x-api-key", "forbidden", "permission denied", "permission_denied"}},
	{CategoryRateLimit, []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "resource_exhausted"}},
	{CategoryNetwork, []string{"network", "connection refused", "connection reset", "no such host", "econnrefused", "econnreset", "enotfound", "broken pipe", "unexpected eof", "fetch failed", "dial tcp"}},
	{CategoryServer, []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout", "overloaded", "server error", "status 500", "status 502", "status 503", "status 504"}},
	{CategoryValidation, []string{"validation", "invalid request", "invalid_request", "bad request", "invalid_argument", "is required", "must be"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded", "deadline_exceeded"}},
	{CategoryModel, []string{"model not found", "is not found", "model_not_found", "unknown model", "unsupported model", "no such model", "does not exist", "not_found_error"}},
	{CategoryContentFilter, []string{"content filter", "content_filter", "content policy", "content_policy", "safety", "moderation", "flagged"}},
	{CategoryQuota, []string{"quota", "insufficient_quota", "billing", "credit balance", "payment required"}},
}

// Classify maps an arbitrary error to a ClassifiedError. It is pure: the same
// error text always yields the same category. Errors that are already
// classified are returned unchanged.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	text := strings.ToLower(err.Error())
	for _, rule := range classRules {
		for _, p := range rule.patterns {
			if strings.Contains(text, p) {
				return NewError(rule.category, "", err)
			}
		}
	}

	if isNetworkCause(err) {
		if isTimeoutCause(err) {
			return NewError(CategoryTimeout, "", err)
		}
		return NewError(CategoryNetwork, "", err)
	}

	return &ClassifiedError{
		Category:    CategoryUnknown,
		UserMessage: err.Error(),
		Cause:       err,
		Retryable:   false,
	}
}

// isNetworkCause inspects the error chain for transport-level failures that
// deserve a retry whatever their text says.
func isNetworkCause(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTimeoutCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
