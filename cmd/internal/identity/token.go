package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// refreshTokenBytes sizes opaque refresh tokens.
const refreshTokenBytes = 32

// newOpaqueToken returns a URL-safe random token and its SHA-256 hex
// hash. Refresh tokens are never persisted in plaintext; only the hash
// reaches storage.
func newOpaqueToken() (plain, hashHex string, err error) {
	b := make([]byte, refreshTokenBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}
	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, hashTokenHex(plain), nil
}

func hashTokenHex(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
