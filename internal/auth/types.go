package auth

import (
	"errors"
	"time"
)

// Admin token scopes.
const (
	// ScopeAdmin grants full access to the debug admin API.
	ScopeAdmin = "admin"

	// DefaultAdminTokenTTL is used when a non-positive TTL is requested.
	DefaultAdminTokenTTL = 24 * time.Hour

	// userIDPrefix marks user ids minted by the login endpoint.
	userIDPrefix = "fuid_"
)

// Domain errors.
var (
	ErrTokenInvalid   = errors.New("invalid token")
	ErrSecretTooShort = errors.New("signing secret too short")
)

// MinSecretLength is the minimum HS256 signing secret length accepted.
const MinSecretLength = 32
