package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-key-at-least-32-chars!"

func TestGenerateAndParseAdminToken(t *testing.T) {
	token, err := GenerateAdminToken("operator", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAdminToken() returned empty token")
	}

	claims, err := ParseAdminToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseAdminToken() error = %v", err)
	}
	if claims.Subject != "operator" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "operator")
	}
	if claims.Scope != ScopeAdmin {
		t.Errorf("Scope = %q, want %q", claims.Scope, ScopeAdmin)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestGenerateAdminToken_ShortSecret(t *testing.T) {
	_, err := GenerateAdminToken("operator", "short", time.Hour)
	if !errors.Is(err, ErrSecretTooShort) {
		t.Errorf("GenerateAdminToken() error = %v, want ErrSecretTooShort", err)
	}
}

func TestGenerateAdminToken_DefaultTTL(t *testing.T) {
	token, err := GenerateAdminToken("operator", testSecret, 0)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}

	claims, err := ParseAdminToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseAdminToken() error = %v", err)
	}

	diff := claims.ExpiresAt.Time.Sub(time.Now().Add(DefaultAdminTokenTTL))
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL expiry off by %v", diff)
	}
}

func TestParseAdminToken_Invalid(t *testing.T) {
	token, err := GenerateAdminToken("operator", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"wrong secret", token, strings.Repeat("x", MinSecretLength)},
		{"empty", "", testSecret},
		{"garbage", "not-a-valid-jwt", testSecret},
		{"malformed", "abc.def", testSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAdminToken(tt.token, tt.secret)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseAdminToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	raw, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if len(raw) != 64 {
		t.Errorf("len(GenerateToken()) = %d, want 64 hex chars", len(raw))
	}

	raw2, _ := GenerateToken()
	if raw == raw2 {
		t.Error("two tokens should be unique")
	}
}

func TestGenerateAuthcodeAndUserID(t *testing.T) {
	code := GenerateAuthcode()
	if len(code) != 32 || strings.Contains(code, "-") {
		t.Errorf("GenerateAuthcode() = %q, want 32 hex chars", code)
	}
	if GenerateAuthcode() == code {
		t.Error("two authcodes should be unique")
	}

	uid := GenerateUserID()
	if !strings.HasPrefix(uid, "fuid_") || len(uid) != len("fuid_")+16 {
		t.Errorf("GenerateUserID() = %q", uid)
	}
}
