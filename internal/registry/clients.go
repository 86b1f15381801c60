package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const clientColumns = "resource, userid, realm, mqtt_connection, xmpp_connection"

// ClientAdd creates the client or, if resource is already known, rebinds it
// to userID and realm. New clients start with both connection flags false.
func (r *Registry) ClientAdd(ctx context.Context, userID, realm, resource string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO clients (resource, userid, realm, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(resource) DO UPDATE SET userid = excluded.userid, realm = excluded.realm`,
		resource, userID, realm, r.timestamp())
	if err != nil {
		return fmt.Errorf("adding client: %w", err)
	}
	return nil
}

// ClientGet returns the client, or nil if absent.
func (r *Registry) ClientGet(ctx context.Context, resource string) (*Client, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE resource = ?", resource)

	c, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting client: %w", err)
	}
	return c, nil
}

// Clients returns every client, ordered by resource.
func (r *Registry) Clients(ctx context.Context) ([]Client, error) {
	return r.queryClients(ctx, "SELECT "+clientColumns+" FROM clients ORDER BY resource")
}

// GetDisconnectedXMPPClients returns every client whose XMPP flag is false.
func (r *Registry) GetDisconnectedXMPPClients(ctx context.Context) ([]Client, error) {
	return r.queryClients(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE xmpp_connection = 0 ORDER BY resource")
}

// ClientSetMQTT sets the client's MQTT connection flag.
func (r *Registry) ClientSetMQTT(ctx context.Context, resource string, connected bool) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE clients SET mqtt_connection = ? WHERE resource = ?",
		boolToInt(connected), resource)
	if err != nil {
		return fmt.Errorf("updating client mqtt_connection: %w", err)
	}
	return nil
}

// ClientSetXMPP sets the client's XMPP connection flag.
func (r *Registry) ClientSetXMPP(ctx context.Context, resource string, connected bool) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE clients SET xmpp_connection = ? WHERE resource = ?",
		boolToInt(connected), resource)
	if err != nil {
		return fmt.Errorf("updating client xmpp_connection: %w", err)
	}
	return nil
}

// ClientRemove deletes the client.
func (r *Registry) ClientRemove(ctx context.Context, resource string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM clients WHERE resource = ?", resource); err != nil {
		return fmt.Errorf("removing client: %w", err)
	}
	return nil
}

// PruneDisconnectedClients deletes clients connected on neither protocol.
// Returns the number of clients removed.
func (r *Registry) PruneDisconnectedClients(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM clients WHERE mqtt_connection = 0 AND xmpp_connection = 0")
	if err != nil {
		return 0, fmt.Errorf("pruning clients: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

func (r *Registry) queryClients(ctx context.Context, query string, args ...any) ([]Client, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	clients := []Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return clients, nil
}

func scanClient(s rowScanner) (*Client, error) {
	var c Client
	var mqtt, xmpp int
	if err := s.Scan(&c.Resource, &c.UserID, &c.Realm, &mqtt, &xmpp); err != nil {
		return nil, err
	}
	c.MQTTConnection = mqtt != 0
	c.XMPPConnection = xmpp != 0
	return &c, nil
}
