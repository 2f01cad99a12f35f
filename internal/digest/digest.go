// Package digest computes the content identity used to decide whether a
// mirrored file differs from its remote artifact.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Of returns the lowercase hex SHA-256 digest of data.
func Of(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two hex digests name the same content.
// Comparison ignores case and surrounding whitespace.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// IsChanged returns true if local does not hash to remoteDigest.
func IsChanged(local []byte, remoteDigest string) bool {
	return !Equal(Of(local), remoteDigest)
}
