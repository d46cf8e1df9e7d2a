package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateWebhookSecret creates a new per-subscription signing secret
// prefixed with "whsec_", unchanged from the teacher.
func GenerateWebhookSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "whsec_" + hex.EncodeToString(b)
}

// SignWebhookPayload signs a delivery body with the subscription's secret.
// Returns "t=<unix_ts>,sha256=<hex_sig>" so a receiver can bound the replay
// window the same way the teacher's consumers verify callback deliveries.
func SignWebhookPayload(body, secret string) string {
	timestamp := time.Now().Unix()
	payload := fmt.Sprintf("%d.%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,sha256=%s", timestamp, sig)
}
