// Package sha256 derives content-addressed names for archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. Identical page bodies map to the same
// archive object.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex SHA-256 digest of a page body.
func (*Hasher) Hash(body []byte) (string, error) {
	h := sha256.New()
	if _, err := h.Write(body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
