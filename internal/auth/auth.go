// Package auth covers Kagami's credential surface: Ed25519-signed owner
// JWTs, Argon2id API-key hashing, and share-token digests.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/model"
)

const jwtIssuer = "kagami"

// Claims carries the owner principal inside the registered JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	OwnerID  uuid.UUID       `json:"owner_id"`
	TenantID uuid.UUID       `json:"tenant_id"`
	Email    string          `json:"email"`
	Role     model.OwnerRole `json:"role"`
}

// JWTManager signs and validates owner tokens with a fixed Ed25519 pair.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager loads the key pair from PEM files. With either path empty
// it generates an ephemeral pair, which is fine for development but logs
// every owner out on restart.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	priv, pub, err := loadKeyPair(privateKeyPath, publicKeyPath)
	if err != nil {
		return nil, err
	}
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

func loadKeyPair(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privDER, err := readPEM(privPath)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: private key: %w", err)
	}
	parsedPriv, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	priv, ok := parsedPriv.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubDER, err := readPEM(pubPath)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: public key: %w", err)
	}
	parsedPub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	pub, ok := parsedPub.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Catch a private key deployed with the wrong environment's public key.
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, nil, fmt.Errorf("auth: public key does not match private key")
	}
	return priv, pub, nil
}

func readPEM(path string) ([]byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	return block.Bytes, nil
}

// IssueToken signs a token for owner, returning it with its expiry.
func (m *JWTManager) IssueToken(owner model.Owner) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner.ID.String(),
			Issuer:    jwtIssuer,
			Audience:  jwt.ClaimStrings{jwtIssuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		OwnerID:  owner.ID,
		TenantID: owner.TenantID,
		Email:    owner.Email,
		Role:     owner.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken checks signature, audience, issuer, and subject shape,
// rejecting any algorithm other than EdDSA.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(jwtIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != jwtIssuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}
	return claims, nil
}
