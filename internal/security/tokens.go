// Package security provides the token primitives shared by the session
// broker and the relay server: random secret minting, constant-time
// comparison, and at-rest token hashing.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
)

// TokenBytes is the minimum entropy, in bytes, for join tokens, desktop
// session tokens, and device session tokens.
const TokenBytes = 24

// ErrEntropy is returned when the random source fails.
var ErrEntropy = errors.New("security: random source failed")

// RandomToken returns a hex-encoded token with n bytes of entropy read from r.
// A nil r uses crypto/rand.
func RandomToken(r io.Reader, n int) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrEntropy
	}
	return hex.EncodeToString(b), nil
}

// ConstantTimeEquals reports whether a and b are equal, taking time
// independent of where they differ and of their lengths. Both inputs are
// hashed before comparing so a length mismatch cannot short-circuit.
func ConstantTimeEquals(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// HashToken returns a SHA-256 hash of the token string, hex-encoded.
// Used for storing and comparing tokens without storing the raw value.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenHashEqual performs constant-time comparison of the provided token's
// hash with the stored hash. Returns true only if they match.
func TokenHashEqual(providedToken, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(providedToken)), []byte(storedHash)) == 1
}
