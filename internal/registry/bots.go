package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const botColumns = "did, sn, dev, res, co, nick, mqtt_connection, xmpp_connection"

// BotAdd creates the bot or, if did is already known, refreshes its identity
// fields. Nick and connection flags survive a re-add; new bots start with an
// empty nick and both flags false.
func (r *Registry) BotAdd(ctx context.Context, sn, did, dev, res, co string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bots (did, sn, dev, res, co, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(did) DO UPDATE SET
		   sn = excluded.sn, dev = excluded.dev, res = excluded.res, co = excluded.co`,
		did, sn, dev, res, co, r.timestamp())
	if err != nil {
		return fmt.Errorf("adding bot: %w", err)
	}
	return nil
}

// BotGet returns the bot, or nil if absent.
func (r *Registry) BotGet(ctx context.Context, did string) (*Bot, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+botColumns+" FROM bots WHERE did = ?", did)

	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting bot: %w", err)
	}
	return b, nil
}

// Bots returns every bot, ordered by did.
func (r *Registry) Bots(ctx context.Context) ([]Bot, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+botColumns+" FROM bots ORDER BY did")
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}
	defer rows.Close()

	bots := []Bot{}
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bot: %w", err)
		}
		bots = append(bots, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bots: %w", err)
	}
	return bots, nil
}

// BotSetNick sets the display name of the bot.
func (r *Registry) BotSetNick(ctx context.Context, did, nick string) error {
	return r.updateBot(ctx, "nick", did, nick)
}

// BotSetMQTT sets the bot's MQTT connection flag. The XMPP flag is untouched.
func (r *Registry) BotSetMQTT(ctx context.Context, did string, connected bool) error {
	return r.updateBot(ctx, "mqtt_connection", did, boolToInt(connected))
}

// BotSetXMPP sets the bot's XMPP connection flag. The MQTT flag is untouched.
func (r *Registry) BotSetXMPP(ctx context.Context, did string, connected bool) error {
	return r.updateBot(ctx, "xmpp_connection", did, boolToInt(connected))
}

// BotRemove deletes the bot.
func (r *Registry) BotRemove(ctx context.Context, did string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM bots WHERE did = ?", did); err != nil {
		return fmt.Errorf("removing bot: %w", err)
	}
	return nil
}

// updateBot sets one column of one bot. column is always a constant from
// this file, never caller input.
func (r *Registry) updateBot(ctx context.Context, column, did string, value any) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE bots SET "+column+" = ? WHERE did = ?", value, did)
	if err != nil {
		return fmt.Errorf("updating bot %s: %w", column, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(s rowScanner) (*Bot, error) {
	var b Bot
	var mqtt, xmpp int
	if err := s.Scan(&b.DID, &b.SN, &b.Dev, &b.Res, &b.Co, &b.Nick, &mqtt, &xmpp); err != nil {
		return nil, err
	}
	b.MQTTConnection = mqtt != 0
	b.XMPPConnection = xmpp != 0
	return &b, nil
}
