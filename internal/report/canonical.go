// Package report assembles the signed, reproducible audit artifact for a
// migration job run. Everything here is pure: identical inputs always produce
// identical fingerprints and an identical report hash.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint computes a sha256 digest over the canonical JSON encoding of v.
// encoding/json sorts map keys and emits struct fields in declaration order,
// which makes the encoding stable for identical values. The digest carries a
// scheme prefix so future algorithm changes stay distinguishable.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("report: canonical encode: %w", err)
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
