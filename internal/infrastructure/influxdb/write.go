package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/bumper-core/internal/events"
)

// Measurement names.
const (
	measurementConnections = "connections"
	measurementMaintenance = "maintenance"
)

// WriteConnectionEvent records one connect or disconnect.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - e: The event published by a protocol listener
func (c *Client) WriteConnectionEvent(e events.Event) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(connectionPoint(e))
}

// WriteSweep records the outcome of one registry maintenance pass.
//
// Parameters:
//   - tokens: Expired tokens removed
//   - clients: Fully disconnected clients pruned
func (c *Client) WriteSweep(tokens, clients int64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sweepPoint(tokens, clients, time.Now()))
}

// Record writes every event received on ch until ch is closed or ctx ends.
func (c *Client) Record(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.WriteConnectionEvent(e)
		}
	}
}

// connectionPoint builds the point for a connection event. Identity fields
// are tags so series can be grouped per bot or client.
func connectionPoint(e events.Event) *write.Point {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	tags := map[string]string{
		"protocol": e.Protocol,
		"kind":     e.Kind,
		"id":       e.ID,
	}
	if e.Realm != "" {
		tags["realm"] = e.Realm
	}
	if e.UserID != "" {
		tags["userid"] = e.UserID
	}

	connected := 0
	if e.Connected {
		connected = 1
	}
	fields := map[string]any{"connected": connected}
	if e.Remote != "" {
		fields["remote"] = e.Remote
	}

	return write.NewPoint(measurementConnections, tags, fields, ts)
}

func sweepPoint(tokens, clients int64, ts time.Time) *write.Point {
	return write.NewPoint(measurementMaintenance, nil, map[string]any{
		"expired_tokens": tokens,
		"pruned_clients": clients,
	}, ts)
}
