package security

import "testing"

func TestValidateKeyFormat(t *testing.T) {
	tests := []struct {
		provider string
		key      string
		ok       bool
	}{
		{"openai", "sk-test0123456789abcdefghij", true},
		{"openai", "not-a-key", false},
		{"anthropic", "sk-ant-REDACTED", true},
		{"anthropic", "sk-abcdefghijklmnopqrstuvwxyz", false},
		{"google", "AIza" + "abcdefghijklmnopqrstuvwxyz012345678", true},
		{"groq", "gsk_abcdefghijklmnopqrstuvwx", true},
		{"huggingface", "hf_abcdefghijklmnopqrstuvwx", true},
		{"mistral", "abcdefghijklmnopqrstuvwxyz012345", true},
		{"mistral", "short", false},
		{"compatible", "anything-goes", true},
		{"compatible", "", false},
	}
	for _, tt := range tests {
		err := ValidateKeyFormat(tt.provider, tt.key)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateKeyFormat(%q, %q) = %v, want ok=%v", tt.provider, tt.key, err, tt.ok)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("sk-one")
	if a != Fingerprint("sk-one") {
		t.Fatal("fingerprint must be deterministic")
	}
	if a == Fingerprint("sk-two") {
		t.Fatal("different keys should have different fingerprints")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("short"); got != "****" {
		t.Fatalf("expected ****, got %s", got)
	}
	if got := MaskKey("sk-test0123456789abcdefghij"); got != "sk-...ghij" {
		t.Fatalf("unexpected mask %s", got)
	}
}
