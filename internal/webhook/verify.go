// Package webhook verifies HMAC signatures on inbound payloads before they
// are handed to a migration job as source records.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureHeader is the canonical header carrying the hex HMAC signature.
const SignatureHeader = "X-Torii-Signature"

// Verifier checks payload signatures against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier. The secret must be non-empty.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("webhook: empty signing secret")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify reports whether sigHex is a valid HMAC-SHA256 of body under the
// shared secret. Comparison is constant-time. A malformed signature is
// reported as invalid, not as an error: callers treat both the same way.
func (v *Verifier) Verify(sigHex string, body []byte) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the hex HMAC-SHA256 signature for body. Used by tests and by
// outbound delivery so both directions share one scheme.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
