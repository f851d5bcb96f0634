// Package sha256 hashes normalized page text and page-set artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher with hex-encoded SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumText hashes the UTF-8 bytes of text. Empty text yields an empty digest
// so callers can treat "no hash" uniformly.
func SumText(text string) string {
	if text == "" {
		return ""
	}
	return Sum([]byte(text))
}
