// Package random generates opaque ids and secrets.
package random

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// GetUUID returns a random UUIDv4 string.
func GetUUID() string {
	return uuid.NewString()
}

// ShortID returns a short opaque identifier suitable for an UpstreamKey.id
// or a chatcmpl/tool-call suffix: lowercase base32, no padding.
func ShortID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// fall back to a UUID-derived string rather than panicking.
		return strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))[:n]
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	enc = strings.ToLower(enc)
	if len(enc) > n {
		enc = enc[:n]
	}
	return enc
}

// Preview masks a secret to its first 4 and last 4 characters, per the
// key-preview rule in §4.D.listWithUsage. Secrets shorter than 9 characters
// are returned fully masked.
func Preview(secret string) string {
	if len(secret) < 9 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
