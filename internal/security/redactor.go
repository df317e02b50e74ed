package security

import (
	"regexp"
	"sync"
)

// Redactor masks API keys and bearer tokens in free text so provider error
// causes can be logged without leaking credentials.
type Redactor struct {
	mu      sync.RWMutex
	filters []redactFilter
}

type redactFilter struct {
	name    string
	pattern *regexp.Regexp
}

var defaultRedactions = []struct {
	name    string
	pattern string
}{
	{"anthropic", `sk-ant-[A-Za-z0-9_\-]{20,}`},
	{"openai", `sk-[A-Za-z0-9_\-]{20,}`},
	{"google", `AIza[0-9A-Za-z_\-]{35}`},
	{"groq", `gsk_[A-Za-z0-9]{20,}`},
	{"huggingface", `hf_[A-Za-z0-9]{20,}`},
	{"bearer", `(?i)bearer\s+[A-Za-z0-9._\-]{8,}`},
	{"query", `(?i)(key|api_key|token)=[^&\s"]{8,}`},
}

// NewRedactor creates a redactor with the built-in secret patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, f := range defaultRedactions {
		r.filters = append(r.filters, redactFilter{
			name:    f.name,
			pattern: regexp.MustCompile(f.pattern),
		})
	}
	return r
}

// AddPattern registers an extra pattern, e.g. for a self-hosted endpoint's
// token format.
func (r *Redactor) AddPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, redactFilter{name: name, pattern: re})
	return nil
}

// Redact replaces every secret-looking substring with a masked form.
func (r *Redactor) Redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := text
	for _, f := range r.filters {
		result = f.pattern.ReplaceAllStringFunc(result, func(match string) string {
			return "[REDACTED:" + MaskKey(match) + "]"
		})
	}
	return result
}

// RedactError is a nil-safe helper for log lines.
func (r *Redactor) RedactError(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
