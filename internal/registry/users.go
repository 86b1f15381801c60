package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserAdd creates a user. Adding an existing userid is a no-op.
func (r *Registry) UserAdd(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (userid, created_at) VALUES (?, ?)
		 ON CONFLICT(userid) DO NOTHING`,
		userID, r.timestamp())
	if err != nil {
		return fmt.Errorf("adding user: %w", err)
	}
	return nil
}

// UserGet returns the user with its devices and bots, or nil if absent.
func (r *Registry) UserGet(ctx context.Context, userID string) (*User, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		"SELECT userid FROM users WHERE userid = ?", userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}

	return r.loadUser(ctx, id)
}

// Users returns every user, ordered by userid.
func (r *Registry) Users(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT userid FROM users ORDER BY userid")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}

	// rows must be closed before the per-user queries: the store has one connection.
	users := make([]User, 0, len(ids))
	for _, id := range ids {
		u, err := r.loadUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

// UserAddDevice associates deviceID with the user. A device id belongs to at
// most one user: if another user owns it, ownership moves to userID.
// No-op if the user does not exist.
func (r *Registry) UserAddDevice(ctx context.Context, userID, deviceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning device transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	var previous string
	err = tx.QueryRowContext(ctx,
		"SELECT userid FROM user_devices WHERE device_id = ?", deviceID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("looking up device owner: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO user_devices (device_id, userid)
		 SELECT ?, userid FROM users WHERE userid = ?
		 ON CONFLICT(device_id) DO UPDATE SET userid = excluded.userid`,
		deviceID, userID)
	if err != nil {
		return fmt.Errorf("adding user device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user device: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 && previous != "" && previous != userID { //nolint:errcheck // always succeeds on SQLite
		r.logger.Warn("device reassigned to another user",
			"device_id", deviceID,
			"previous_userid", previous,
			"userid", userID,
		)
	}
	return nil
}

// UserRemoveDevice removes deviceID from the user's devices.
func (r *Registry) UserRemoveDevice(ctx context.Context, userID, deviceID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM user_devices WHERE userid = ? AND device_id = ?",
		userID, deviceID)
	if err != nil {
		return fmt.Errorf("removing user device: %w", err)
	}
	return nil
}

// UserByDeviceID returns the user owning deviceID, or nil if none does.
func (r *Registry) UserByDeviceID(ctx context.Context, deviceID string) (*User, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		"SELECT userid FROM user_devices WHERE device_id = ?", deviceID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up user by device: %w", err)
	}

	return r.loadUser(ctx, id)
}

// UserAddBot associates a bot did with the user. No-op if the user does not exist.
func (r *Registry) UserAddBot(ctx context.Context, userID, did string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_bots (userid, did)
		 SELECT userid, ? FROM users WHERE userid = ?
		 ON CONFLICT(userid, did) DO NOTHING`,
		did, userID)
	if err != nil {
		return fmt.Errorf("adding user bot: %w", err)
	}
	return nil
}

// UserRemoveBot removes a bot did from the user's bots.
func (r *Registry) UserRemoveBot(ctx context.Context, userID, did string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM user_bots WHERE userid = ? AND did = ?",
		userID, did)
	if err != nil {
		return fmt.Errorf("removing user bot: %w", err)
	}
	return nil
}

// loadUser assembles a User from its association tables.
func (r *Registry) loadUser(ctx context.Context, userID string) (*User, error) {
	devices, err := r.queryStrings(ctx,
		"SELECT device_id FROM user_devices WHERE userid = ? ORDER BY device_id", userID)
	if err != nil {
		return nil, fmt.Errorf("loading user devices: %w", err)
	}

	bots, err := r.queryStrings(ctx,
		"SELECT did FROM user_bots WHERE userid = ? ORDER BY did", userID)
	if err != nil {
		return nil, fmt.Errorf("loading user bots: %w", err)
	}

	return &User{
		UserID:  userID,
		Devices: devices,
		Bots:    bots,
	}, nil
}

// queryStrings runs a single-column query and collects the results.
// Returns an empty, non-nil slice when nothing matches.
func (r *Registry) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
