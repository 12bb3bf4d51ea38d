package authkit

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"
)

func newRefreshTokenID() string {
	return uuid.NewString()
}

// hashRefreshToken derives the lookup key stored in place of the token text.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
