package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey hashes the raw API key with the same strategy used when keys are issued.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
