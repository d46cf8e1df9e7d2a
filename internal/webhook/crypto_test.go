package webhook

import (
	"strings"
	"testing"
)

func TestGenerateWebhookSecretIsUniqueAndPrefixed(t *testing.T) {
	a := GenerateWebhookSecret()
	b := GenerateWebhookSecret()
	if !strings.HasPrefix(a, "whsec_") {
		t.Errorf("expected secret to be prefixed with whsec_, got %q", a)
	}
	if a == b {
		t.Errorf("expected two generated secrets to differ")
	}
}

func TestSignWebhookPayloadFormat(t *testing.T) {
	sig := SignWebhookPayload(`{"event":"append"}`, "whsec_test")
	if !strings.HasPrefix(sig, "t=") {
		t.Fatalf("expected signature to start with t=, got %q", sig)
	}
	if !strings.Contains(sig, ",sha256=") {
		t.Fatalf("expected signature to contain a sha256 field, got %q", sig)
	}
}

func TestSignWebhookPayloadDependsOnSecret(t *testing.T) {
	body := `{"event":"closed","path":"/chat/1"}`
	sigA := SignWebhookPayload(body, "whsec_one")
	sigB := SignWebhookPayload(body, "whsec_two")

	hashOf := func(s string) string {
		idx := strings.Index(s, "sha256=")
		return s[idx:]
	}
	if hashOf(sigA) == hashOf(sigB) {
		t.Errorf("expected signatures under different secrets to differ")
	}
}
