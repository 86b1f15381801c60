package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminClaims are the claims carried by debug admin API bearer tokens.
type AdminClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// GenerateAdminToken creates a signed HS256 JWT for the admin API.
// A non-positive ttl falls back to DefaultAdminTokenTTL.
func GenerateAdminToken(subject, secret string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("%w: need %d characters", ErrSecretTooShort, MinSecretLength)
	}
	if ttl <= 0 {
		ttl = DefaultAdminTokenTTL
	}

	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scope: ScopeAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing admin token: %w", err)
	}
	return signed, nil
}

// ParseAdminToken validates an admin JWT and returns its claims.
// It checks the signature, expiry, subject and scope.
func ParseAdminToken(tokenString, secret string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Scope != ScopeAdmin {
		return nil, fmt.Errorf("%w: scope %q", ErrTokenInvalid, claims.Scope)
	}

	return claims, nil
}

// GenerateToken creates a cryptographically random opaque user token (256-bit).
func GenerateToken() (string, error) {
	b := make([]byte, 32) //nolint:mnd // 256-bit token
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateAuthcode creates a one-time authcode.
func GenerateAuthcode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateUserID mints a user id for a device logging in for the first time.
func GenerateUserID() string {
	return userIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
