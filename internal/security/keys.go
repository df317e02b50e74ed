package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// keyPatterns holds the known API key formats per provider. Providers not
// listed here (e.g. "compatible") skip format validation.
var keyPatterns = map[string]*regexp.Regexp{
	"openai":      regexp.MustCompile(`^sk-[A-Za-z0-9_\-]{20,}$`),
	"anthropic":   regexp.MustCompile(`^sk-ant-[A-Za-z0-9_\-]{20,}$`),
	"google":      regexp.MustCompile(`^AIza[0-9A-Za-z_\-]{35}$`),
	"groq":        regexp.MustCompile(`^gsk_[A-Za-z0-9]{20,}$`),
	"huggingface": regexp.MustCompile(`^hf_[A-Za-z0-9]{20,}$`),
	"mistral":     regexp.MustCompile(`^[A-Za-z0-9]{32}$`),
}

// ValidateKeyFormat checks key against the provider's known format.
func ValidateKeyFormat(provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("api key is empty")
	}
	pattern, ok := keyPatterns[provider]
	if !ok {
		return nil
	}
	if !pattern.MatchString(key) {
		return fmt.Errorf("api key does not match the expected %s format", provider)
	}
	return nil
}

// HasKeyPattern reports whether format validation applies to provider.
func HasKeyPattern(provider string) bool {
	_, ok := keyPatterns[provider]
	return ok
}

// Fingerprint returns a short stable identifier for a key that is safe to use
// as a map key or log field.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// MaskKey returns a masked version of an API key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}
