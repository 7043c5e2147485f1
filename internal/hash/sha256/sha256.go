// Package sha256 derives repository object keys and content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Algorithm labels digests produced by Hasher.
const Algorithm = "SHA-256"

// Hasher produces lower-case hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Algorithm returns the label stored in front of content digests.
func (*Hasher) Algorithm() string {
	return Algorithm
}

// Hash returns the hex digest of data. It never fails.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
