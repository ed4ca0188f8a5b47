// Package trace derives stable identifiers from request material.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ShortHash returns the first 16 hex digits of the SHA-256 over the
// seed, used for task ids and derived trace ids.
func ShortHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// Hash returns the full lowercase hex SHA-256 of the input.
func Hash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Resolve picks a trace id: an explicit 32-hex id wins, then the
// trace-id field of a W3C traceparent header, then a 16-hex digest of
// the seed.
func Resolve(explicit, traceparent, seed string) string {
	if t := strings.TrimSpace(explicit); len(t) == 32 && isHex(t) {
		return strings.ToLower(t)
	}
	if parts := strings.Split(strings.TrimSpace(traceparent), "-"); len(parts) >= 4 {
		if tid := parts[1]; len(tid) == 32 && isHex(tid) {
			return strings.ToLower(tid)
		}
	}
	return ShortHash(seed)
}

func isHex(s string) bool {
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'f', ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
