// Package idgen generates random identifiers from crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random identifier.
func New() string {
	b := randomBytes(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix followed by 24 hex characters, the form used
// for entity IDs like "chl_", "esc_", and "usr_".
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randomBytes(12))
}

// Hex returns numBytes of randomness hex encoded.
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}
