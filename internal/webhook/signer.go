// Package webhook delivers usage events to a configured URL: each
// event is POSTed as JSON, signed with a shared secret, retried with
// exponential backoff, and paced through a circuit breaker so a dead
// receiver cannot back up the gateway.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the payload signature on delivery requests.
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// Signature computes the signature header value for body:
// "sha256=" followed by the hex HMAC-SHA256 of the body under secret.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is a valid signature for body
// under secret. Receivers use this to authenticate deliveries.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Signature(secret, body)), []byte(header))
}
