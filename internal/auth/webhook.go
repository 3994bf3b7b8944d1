package auth

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// WebhookVerifier checks the hex HMAC-SHA512 signature the messaging
// provider sends alongside each webhook body.
type WebhookVerifier struct {
	key []byte
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{key: []byte(secret)}
}

// Sign returns the hex signature of body.
func (v *WebhookVerifier) Sign(body []byte) string {
	h := hmac.New(sha512.New, v.key)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether sig matches body. An empty key or signature never matches.
func (v *WebhookVerifier) Verify(body []byte, sig string) bool {
	sig = strings.ToLower(strings.TrimSpace(sig))
	if len(v.key) == 0 || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(v.Sign(body)))
}
