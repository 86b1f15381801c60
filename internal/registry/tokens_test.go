package registry

import (
	"errors"
	"testing"
	"time"
)

func mustCheckToken(t *testing.T, r *Registry, userID, token string) bool {
	t.Helper()
	ok, err := r.CheckToken(t.Context(), userID, token)
	if err != nil {
		t.Fatalf("CheckToken() error = %v", err)
	}
	return ok
}

func mustCheckAuthcode(t *testing.T, r *Registry, userID, authcode string) bool {
	t.Helper()
	ok, err := r.CheckAuthcode(t.Context(), userID, authcode)
	if err != nil {
		t.Fatalf("CheckAuthcode() error = %v", err)
	}
	return ok
}

func mustTokenCount(t *testing.T, r *Registry, userID string) int {
	t.Helper()
	tokens, err := r.UserGetTokens(t.Context(), userID)
	if err != nil {
		t.Fatalf("UserGetTokens() error = %v", err)
	}
	return len(tokens)
}

// insertExpiredToken writes a token row directly, bypassing UserAddToken.
func insertExpiredToken(t *testing.T, r *Registry, userID, token string, expiration time.Time) {
	t.Helper()
	_, err := r.db.ExecContext(t.Context(),
		"INSERT INTO tokens (userid, token, expiration, created_at) VALUES (?, ?, ?, ?)",
		userID, token, MilliTime(expiration), expiration.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("inserting expired token: %v", err)
	}
}

func TestToken_AddCheckRevoke(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := t.Context()

	r.UserAdd(ctx, "testuser") //nolint:errcheck // test setup

	if err := r.UserAddToken(ctx, "testuser", "token_1234"); err != nil {
		t.Fatalf("UserAddToken() error = %v", err)
	}
	if !mustCheckToken(t, r, "testuser", "token_1234") {
		t.Fatal("CheckToken() = false right after UserAddToken")
	}
	if mustCheckToken(t, r, "otheruser", "token_1234") {
		t.Error("token must be scoped to its user")
	}

	tok, err := r.UserGetToken(ctx, "testuser", "token_1234")
	if err != nil {
		t.Fatalf("UserGetToken() error = %v", err)
	}
	if tok == nil {
		t.Fatal("UserGetToken() = nil")
	}
	if want := clock.Now().Add(DefaultTokenTTL); !tok.Expiration.Equal(want) {
		t.Errorf("Expiration = %v, want %v", tok.Expiration, want)
	}

	if err := r.UserRevokeToken(ctx, "testuser", "token_1234"); err != nil {
		t.Fatalf("UserRevokeToken() error = %v", err)
	}
	if mustCheckToken(t, r, "testuser", "token_1234") {
		t.Error("CheckToken() = true after UserRevokeToken")
	}
	if tok, _ := r.UserGetToken(ctx, "testuser", "token_1234"); tok != nil {
		t.Errorf("UserGetToken() after revoke = %+v, want nil", tok)
	}
}

func TestToken_ExpiresOnClock(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := t.Context()

	r.UserAddToken(ctx, "testuser", "token_1234") //nolint:errcheck // test setup

	clock.Advance(DefaultTokenTTL - time.Millisecond)
	if !mustCheckToken(t, r, "testuser", "token_1234") {
		t.Fatal("token expired early")
	}

	clock.Advance(time.Millisecond)
	if mustCheckToken(t, r, "testuser", "token_1234") {
		t.Fatal("token still valid at now == expiration")
	}

	// Expired but unswept tokens are still listed.
	if n := mustTokenCount(t, r, "testuser"); n != 1 {
		t.Errorf("UserGetTokens() len = %d, want 1", n)
	}
}

func TestToken_ReAddRefreshesExpiration(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := t.Context()

	r.UserAddToken(ctx, "testuser", "token_1234")                 //nolint:errcheck // test setup
	r.UserAddAuthcode(ctx, "testuser", "token_1234", "auth_1234") //nolint:errcheck // test setup
	clock.Advance(DefaultTokenTTL / 2)
	if err := r.UserAddToken(ctx, "testuser", "token_1234"); err != nil {
		t.Fatalf("UserAddToken() re-add error = %v", err)
	}

	if n := mustTokenCount(t, r, "testuser"); n != 1 {
		t.Fatalf("UserGetTokens() len = %d, want 1", n)
	}

	clock.Advance(DefaultTokenTTL * 3 / 4)
	if !mustCheckToken(t, r, "testuser", "token_1234") {
		t.Error("re-added token should use the refreshed expiration")
	}
	if !mustCheckAuthcode(t, r, "testuser", "auth_1234") {
		t.Error("authcode should survive a token refresh")
	}
}

func TestToken_MultipleAndRevokeAll(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	r.UserAddToken(ctx, "testuser", "token_1234") //nolint:errcheck // test setup
	r.UserAddToken(ctx, "testuser", "token_4321") //nolint:errcheck // test setup
	r.UserAddToken(ctx, "other", "token_other")   //nolint:errcheck // test setup

	if n := mustTokenCount(t, r, "testuser"); n != 2 {
		t.Fatalf("UserGetTokens() len = %d, want 2", n)
	}

	if err := r.UserRevokeAllTokens(ctx, "testuser"); err != nil {
		t.Fatalf("UserRevokeAllTokens() error = %v", err)
	}
	if n := mustTokenCount(t, r, "testuser"); n != 0 {
		t.Errorf("UserGetTokens() len = %d, want 0", n)
	}
	if !mustCheckToken(t, r, "other", "token_other") {
		t.Error("UserRevokeAllTokens touched another user's token")
	}
}

func TestUserRevokeExpiredTokens(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := t.Context()

	r.UserAdd(ctx, "testuser") //nolint:errcheck // test setup
	insertExpiredToken(t, r, "testuser", "token_1234", clock.Now().Add(-10*time.Second))
	insertExpiredToken(t, r, "other", "token_other", clock.Now().Add(-10*time.Second))

	if n := mustTokenCount(t, r, "testuser"); n != 1 {
		t.Fatalf("UserGetTokens() len = %d, want 1", n)
	}

	removed, err := r.UserRevokeExpiredTokens(ctx, "testuser")
	if err != nil {
		t.Fatalf("UserRevokeExpiredTokens() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if n := mustTokenCount(t, r, "testuser"); n != 0 {
		t.Errorf("UserGetTokens() len = %d, want 0", n)
	}
	if n := mustTokenCount(t, r, "other"); n != 1 {
		t.Errorf("other user's expired token swept by scoped sweep, len = %d", n)
	}
}

func TestRevokeExpiredTokens(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := t.Context()

	insertExpiredToken(t, r, "testuser", "token_1234", clock.Now().Add(-10*time.Second))
	insertExpiredToken(t, r, "other", "token_other", clock.Now())
	r.UserAddToken(ctx, "testuser", "token_live") //nolint:errcheck // test setup

	removed, err := r.RevokeExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("RevokeExpiredTokens() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (expiration <= now)", removed)
	}
	if n := mustTokenCount(t, r, "testuser"); n != 1 {
		t.Errorf("UserGetTokens() len = %d, want 1 live token", n)
	}

	// Idempotent: second sweep changes nothing.
	removed, err = r.RevokeExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("second RevokeExpiredTokens() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("second sweep removed = %d, want 0", removed)
	}
	if n := mustTokenCount(t, r, "testuser"); n != 1 {
		t.Errorf("UserGetTokens() len after second sweep = %d, want 1", n)
	}
}

func TestAuthcode_Lifecycle(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	r.UserAdd(ctx, "testuser")                    //nolint:errcheck // test setup
	r.UserAddToken(ctx, "testuser", "token_1234") //nolint:errcheck // test setup

	if err := r.UserAddAuthcode(ctx, "testuser", "token_1234", "auth_1234"); err != nil {
		t.Fatalf("UserAddAuthcode() error = %v", err)
	}
	if !mustCheckAuthcode(t, r, "testuser", "auth_1234") {
		t.Fatal("CheckAuthcode() = false after UserAddAuthcode")
	}

	if err := r.UserRevokeAuthcode(ctx, "testuser", "token_1234", "auth_1234"); err != nil {
		t.Fatalf("UserRevokeAuthcode() error = %v", err)
	}
	if mustCheckAuthcode(t, r, "testuser", "auth_1234") {
		t.Error("CheckAuthcode() = true after UserRevokeAuthcode")
	}
	if !mustCheckToken(t, r, "testuser", "token_1234") {
		t.Error("UserRevokeAuthcode must not revoke the parent token")
	}
}

func TestAuthcode_RequiresLiveToken(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := t.Context()

	err := r.UserAddAuthcode(ctx, "testuser", "missing", "auth_1")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("UserAddAuthcode(missing token) error = %v, want ErrTokenNotFound", err)
	}
	if mustCheckAuthcode(t, r, "testuser", "auth_1") {
		t.Error("authcode stored without a token")
	}

	r.UserAddToken(ctx, "testuser", "token_1234") //nolint:errcheck // test setup
	clock.Advance(DefaultTokenTTL)

	err = r.UserAddAuthcode(ctx, "testuser", "token_1234", "auth_2")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("UserAddAuthcode(expired token) error = %v, want ErrTokenNotFound", err)
	}
}

func TestAuthcode_CascadesWithToken(t *testing.T) {
	r, clock := testRegistry(t)
	ctx := t.Context()

	r.UserAddToken(ctx, "testuser", "token_1234")                 //nolint:errcheck // test setup
	r.UserAddAuthcode(ctx, "testuser", "token_1234", "auth_1234") //nolint:errcheck // test setup

	r.UserRevokeToken(ctx, "testuser", "token_1234") //nolint:errcheck // test setup
	if mustCheckAuthcode(t, r, "testuser", "auth_1234") {
		t.Error("authcode still valid after parent token revoked")
	}

	var rows int
	r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM authcodes").Scan(&rows) //nolint:errcheck // checked below
	if rows != 0 {
		t.Errorf("authcodes rows = %d, want 0 after cascade", rows)
	}

	// Sweeping an expired token cascades too.
	r.UserAddToken(ctx, "testuser", "token_5678")                 //nolint:errcheck // test setup
	r.UserAddAuthcode(ctx, "testuser", "token_5678", "auth_5678") //nolint:errcheck // test setup
	clock.Advance(DefaultTokenTTL)
	if mustCheckAuthcode(t, r, "testuser", "auth_5678") {
		t.Error("authcode valid while parent token expired")
	}
	r.RevokeExpiredTokens(ctx)                                              //nolint:errcheck // test setup
	r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM authcodes").Scan(&rows) //nolint:errcheck // checked below
	if rows != 0 {
		t.Errorf("authcodes rows = %d, want 0 after sweep", rows)
	}
}

func TestConsumeAuthcode(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	r.UserAddToken(ctx, "testuser", "token_1234")                 //nolint:errcheck // test setup
	r.UserAddAuthcode(ctx, "testuser", "token_1234", "auth_1234") //nolint:errcheck // test setup

	tok, err := r.ConsumeAuthcode(ctx, "testuser", "auth_1234")
	if err != nil {
		t.Fatalf("ConsumeAuthcode() error = %v", err)
	}
	if tok == nil || tok.Token != "token_1234" {
		t.Fatalf("ConsumeAuthcode() = %+v, want token_1234", tok)
	}

	tok, err = r.ConsumeAuthcode(ctx, "testuser", "auth_1234")
	if err != nil {
		t.Fatalf("second ConsumeAuthcode() error = %v", err)
	}
	if tok != nil {
		t.Errorf("second ConsumeAuthcode() = %+v, want nil (one-time use)", tok)
	}
	if !mustCheckToken(t, r, "testuser", "token_1234") {
		t.Error("consuming the authcode must keep the token")
	}
}

func TestAuthenticate(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	r.UserAddToken(ctx, "testuser", "token_1234")                 //nolint:errcheck // test setup
	r.UserAddAuthcode(ctx, "testuser", "token_1234", "auth_1234") //nolint:errcheck // test setup

	tests := []struct {
		userID, secret string
		want           bool
	}{
		{"testuser", "token_1234", true},
		{"testuser", "auth_1234", true},
		{"testuser", "wrong", false},
		{"other", "token_1234", false},
		{"testuser", "", false},
		{"", "token_1234", false},
	}

	for _, tt := range tests {
		got, err := r.Authenticate(ctx, tt.userID, tt.secret)
		if err != nil {
			t.Fatalf("Authenticate(%q, %q) error = %v", tt.userID, tt.secret, err)
		}
		if got != tt.want {
			t.Errorf("Authenticate(%q, %q) = %v, want %v", tt.userID, tt.secret, got, tt.want)
		}
	}
}
