package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters per the RFC 9106 low-memory recommendation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

func deriveKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashAPIKey returns the Argon2id digest of an owner API key in
// "base64(salt)$base64(hash)" form.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt) + "$" +
		base64.StdEncoding.EncodeToString(deriveKey(apiKey, salt)), nil
}

// VerifyAPIKey re-derives the digest and compares in constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	expected, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	return subtle.ConstantTimeCompare(expected, deriveKey(apiKey, salt)) == 1, nil
}

// DummyVerify burns one Argon2id derivation at the real cost parameters.
// Auth failure paths that never reached a stored hash call this so response
// timing does not reveal whether the account exists.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}

// shareTokenLen is the byte length of generated share-link tokens.
const shareTokenLen = 32

// NewShareToken generates a random share-link token and its lookup hash.
// Share tokens use unsalted SHA-256 rather than Argon2id because the storage
// layer must find the row by hash; the token itself carries 256 bits of
// entropy, so offline guessing is not a concern.
func NewShareToken() (token, hash string, err error) {
	raw := make([]byte, shareTokenLen)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("auth: generate share token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, HashShareToken(token), nil
}

// HashShareToken returns the deterministic lookup hash for a share token.
func HashShareToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
