package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserAddToken issues token to the user, valid for the registry's TTL.
// Re-adding an existing (userid, token) pair refreshes its expiration and
// keeps the authcodes bound to it.
func (r *Registry) UserAddToken(ctx context.Context, userID, token string) error {
	expiration := MilliTime(r.now().Add(r.tokenTTL))

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens (userid, token, expiration, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(userid, token) DO UPDATE SET expiration = excluded.expiration`,
		userID, token, expiration, r.timestamp())
	if err != nil {
		return fmt.Errorf("adding token: %w", err)
	}
	return nil
}

// CheckToken reports whether a live (unexpired) token exists for the pair.
func (r *Registry) CheckToken(ctx context.Context, userID, token string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tokens WHERE userid = ? AND token = ? AND expiration > ?",
		userID, token, MilliTime(r.now()),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking token: %w", err)
	}
	return count > 0, nil
}

// UserGetToken returns the token record, expired or not, or nil if absent.
func (r *Registry) UserGetToken(ctx context.Context, userID, token string) (*Token, error) {
	var t Token
	var expiration int64

	err := r.db.QueryRowContext(ctx,
		"SELECT userid, token, expiration FROM tokens WHERE userid = ? AND token = ?",
		userID, token,
	).Scan(&t.UserID, &t.Token, &expiration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting token: %w", err)
	}

	t.Expiration = time.UnixMilli(expiration).UTC()
	return &t, nil
}

// UserGetTokens returns every token held by the user, including expired ones
// that have not been swept yet. Order is not meaningful.
func (r *Registry) UserGetTokens(ctx context.Context, userID string) ([]Token, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT userid, token, expiration FROM tokens WHERE userid = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	tokens := []Token{}
	for rows.Next() {
		var t Token
		var expiration int64
		if err := rows.Scan(&t.UserID, &t.Token, &expiration); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		t.Expiration = time.UnixMilli(expiration).UTC()
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tokens: %w", err)
	}
	return tokens, nil
}

// UserRevokeToken deletes the token. Authcodes bound to it go with it.
func (r *Registry) UserRevokeToken(ctx context.Context, userID, token string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM tokens WHERE userid = ? AND token = ?", userID, token)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// UserRevokeAllTokens deletes every token (and bound authcode) of the user.
func (r *Registry) UserRevokeAllTokens(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM tokens WHERE userid = ?", userID)
	if err != nil {
		return fmt.Errorf("revoking all tokens: %w", err)
	}
	return nil
}

// UserRevokeExpiredTokens deletes the user's tokens whose expiration is at or
// before now. Returns the number of tokens removed.
func (r *Registry) UserRevokeExpiredTokens(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM tokens WHERE userid = ? AND expiration <= ?",
		userID, MilliTime(r.now()))
	if err != nil {
		return 0, fmt.Errorf("revoking expired tokens: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// RevokeExpiredTokens deletes every expired token of every user.
// Returns the number of tokens removed.
func (r *Registry) RevokeExpiredTokens(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM tokens WHERE expiration <= ?", MilliTime(r.now()))
	if err != nil {
		return 0, fmt.Errorf("revoking expired tokens: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// UserAddAuthcode binds authcode to the user's live token in one guarded
// statement. Returns ErrTokenNotFound when no live token matches.
func (r *Registry) UserAddAuthcode(ctx context.Context, userID, token, authcode string) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO authcodes (token_id, userid, authcode, created_at)
		 SELECT id, userid, ?, ? FROM tokens
		 WHERE userid = ? AND token = ? AND expiration > ?
		 ON CONFLICT(userid, authcode) DO UPDATE SET token_id = excluded.token_id`,
		authcode, r.timestamp(), userID, token, MilliTime(r.now()))
	if err != nil {
		return fmt.Errorf("adding authcode: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if count == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// CheckAuthcode reports whether the authcode exists and its parent token is live.
func (r *Registry) CheckAuthcode(ctx context.Context, userID, authcode string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM authcodes a
		 JOIN tokens t ON t.id = a.token_id
		 WHERE a.userid = ? AND a.authcode = ? AND t.expiration > ?`,
		userID, authcode, MilliTime(r.now()),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking authcode: %w", err)
	}
	return count > 0, nil
}

// UserRevokeAuthcode deletes the authcode only. The parent token is untouched.
func (r *Registry) UserRevokeAuthcode(ctx context.Context, userID, token, authcode string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM authcodes
		 WHERE userid = ? AND authcode = ?
		   AND token_id IN (SELECT id FROM tokens WHERE userid = ? AND token = ?)`,
		userID, authcode, userID, token)
	if err != nil {
		return fmt.Errorf("revoking authcode: %w", err)
	}
	return nil
}

// ConsumeAuthcode atomically checks and deletes a live authcode, returning
// its parent token. Returns nil if the authcode is unknown, already consumed
// or its token has expired.
func (r *Registry) ConsumeAuthcode(ctx context.Context, userID, authcode string) (*Token, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning authcode transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	var (
		authcodeID int64
		t          Token
		expiration int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT a.id, t.userid, t.token, t.expiration FROM authcodes a
		 JOIN tokens t ON t.id = a.token_id
		 WHERE a.userid = ? AND a.authcode = ? AND t.expiration > ?`,
		userID, authcode, MilliTime(r.now()),
	).Scan(&authcodeID, &t.UserID, &t.Token, &expiration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up authcode: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM authcodes WHERE id = ?", authcodeID); err != nil {
		return nil, fmt.Errorf("consuming authcode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing authcode: %w", err)
	}

	t.Expiration = time.UnixMilli(expiration).UTC()
	return &t, nil
}

// Authenticate reports whether secret is a live token or a live authcode of
// the user. Protocol listeners accept either as a connection password.
func (r *Registry) Authenticate(ctx context.Context, userID, secret string) (bool, error) {
	if userID == "" || secret == "" {
		return false, nil
	}

	ok, err := r.CheckToken(ctx, userID, secret)
	if err != nil || ok {
		return ok, err
	}
	return r.CheckAuthcode(ctx, userID, secret)
}
