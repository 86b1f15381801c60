package mqtt

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// requestIDLength is the number of hex characters in a command request id.
const requestIDLength = 8

// Command is a request addressed to one bot.
type Command struct {
	Name     string `json:"cmdName"`
	DID      string `json:"toId"`
	Class    string `json:"toType"`
	Resource string `json:"toRes"`
	Payload  []byte `json:"payload,omitempty"`
}

// Response is a bot's answer to a Command.
type Response struct {
	Command   string `json:"cmdName"`
	DID       string `json:"did"`
	Class     string `json:"class"`
	Resource  string `json:"resource"`
	RequestID string `json:"requestId"`
	Payload   []byte `json:"payload"`
}

// newRequestID returns a short random request id.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:requestIDLength]
}

// SendCommand publishes cmd to its bot and waits for the matching response.
//
// When ctx carries no deadline the wait is bounded by defaultCommandTimeout.
//
// Parameters:
//   - ctx: Context for cancellation and deadline
//   - cmd: Command name, target bot and payload
//
// Returns:
//   - Response: The bot's answer
//   - error: ErrInvalidCommand, ErrNotConnected, ErrPublishFailed, or ErrTimeout
func (c *Client) SendCommand(ctx context.Context, cmd Command) (Response, error) {
	if cmd.Name == "" || cmd.DID == "" || cmd.Class == "" || cmd.Resource == "" {
		return Response{}, ErrInvalidCommand
	}
	if !c.IsConnected() {
		return Response{}, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandTimeout)
		defer cancel()
	}

	requestID := newRequestID()
	ch := make(chan Response, 1)

	c.pendMu.Lock()
	c.pending[requestID] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, requestID)
		c.pendMu.Unlock()
	}()

	topic := Topics{}.CommandRequest(cmd.Name, cmd.DID, cmd.Class, cmd.Resource, requestID)
	if err := c.Publish(topic, cmd.Payload, byte(c.opts.QoS)); err != nil {
		return Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %s to %s: %w", ErrTimeout, cmd.Name, cmd.DID, ctx.Err())
	}
}

// PendingCount returns the number of commands awaiting a response.
func (c *Client) PendingCount() int {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return len(c.pending)
}

// handleResponse routes a p2p response to the command waiting for it.
// Responses nobody waits for are dropped.
func (c *Client) handleResponse(topic string, payload []byte) error {
	resp, ok := parseResponseTopic(topic)
	if !ok {
		return fmt.Errorf("unrecognised response topic %q", topic)
	}
	resp.Payload = payload

	c.pendMu.Lock()
	ch, waiting := c.pending[resp.RequestID]
	if waiting {
		delete(c.pending, resp.RequestID)
	}
	c.pendMu.Unlock()

	if waiting {
		ch <- resp
	}
	return nil
}
