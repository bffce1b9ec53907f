// Package signing computes and verifies the webhook payload signatures
// subscribers use to authenticate deliveries.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Prefix tags the algorithm in the signature header value.
const Prefix = "sha256="

// ErrEmptySecret indicates a subscription without a usable secret. Signing
// must fail loudly in that case, never silently skip.
var ErrEmptySecret = errors.New("signing: empty secret")

// Sign computes an HMAC-SHA256 over payload with the subscription secret and
// returns it as "sha256=<hex>". The payload must be the exact byte sequence
// that goes on the wire.
func Sign(payload, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches the payload under secret.
// Comparison is constant-time.
func Verify(payload, secret []byte, signature string) bool {
	if len(secret) == 0 || !strings.HasPrefix(signature, Prefix) {
		return false
	}
	want, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(want))
}
