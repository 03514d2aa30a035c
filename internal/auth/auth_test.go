package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestShareToken(t *testing.T) {
	token, hash, err := auth.NewShareToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, hash)

	// The hash must be deterministic so storage can look up by it.
	assert.Equal(t, hash, auth.HashShareToken(token))

	other, otherHash, err := auth.NewShareToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
	assert.NotEqual(t, hash, otherHash)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	owner := model.Owner{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Email:    "owner@example.com",
		Role:     model.RoleOwner,
	}

	token, expiresAt, err := mgr.IssueToken(owner)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, claims.OwnerID)
	assert.Equal(t, owner.TenantID, claims.TenantID)
	assert.Equal(t, "owner@example.com", claims.Email)
	assert.Equal(t, model.RoleOwner, claims.Role)
}

// forgingManager writes a fresh Ed25519 key pair to temp PEM files, builds a
// JWTManager on them, and hands back the private key so tests can sign
// arbitrary claims.
func forgingManager(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	writeKey := func(name, blockType string, der []byte) string {
		path := filepath.Join(dir, name)
		data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
		require.NoError(t, os.WriteFile(path, data, 0600))
		return path
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	mgr, err := auth.NewJWTManager(
		writeKey("priv.pem", "PRIVATE KEY", privDER),
		writeKey("pub.pem", "PUBLIC KEY", pubDER),
		time.Hour,
	)
	require.NoError(t, err)
	return mgr, priv
}

func TestValidateTokenRejectsForgedClaims(t *testing.T) {
	mgr, privKey := forgingManager(t)

	wellFormed := func() *auth.Claims {
		now := time.Now().UTC()
		return &auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   uuid.New().String(),
				Issuer:    "kagami",
				Audience:  jwt.ClaimStrings{"kagami"},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				ID:        uuid.New().String(),
			},
			OwnerID: uuid.New(),
			Role:    model.RoleOwner,
		}
	}

	tests := map[string]struct {
		mutate  func(*auth.Claims)
		wantErr string
	}{
		"wrong issuer":      {func(c *auth.Claims) { c.Issuer = "not-kagami" }, "invalid issuer"},
		"empty issuer":      {func(c *auth.Claims) { c.Issuer = "" }, "invalid issuer"},
		"malformed subject": {func(c *auth.Claims) { c.Subject = "not-a-uuid" }, "invalid subject"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			claims := wellFormed()
			tt.mutate(claims)

			signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
			require.NoError(t, err)

			_, err = mgr.ValidateToken(signed)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
