package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client is the caller side of a MethodChannel.
type Client struct {
	name    string
	conn    *nats.Conn
	timeout time.Duration
}

func NewClient(conn *nats.Conn, name string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{name: name, conn: conn, timeout: timeout}
}

// Call invokes method and returns the decoded success value. Not-implemented
// results yield ErrNotImplemented, error results a *CallError.
func (c *Client) Call(ctx context.Context, method string, arguments any) (any, error) {
	call := protocol.MethodCall{Method: method}
	if arguments != nil {
		raw, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		call.Arguments = raw
	}
	data, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.conn.RequestWithContext(ctx, protocol.ChannelCallSubject(c.name), data)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	var res protocol.MethodResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	switch res.Status {
	case protocol.StatusSuccess:
		return res.Result, nil
	case protocol.StatusNotImplemented:
		return nil, fmt.Errorf("%s: %w", method, ErrNotImplemented)
	default:
		return nil, &CallError{Method: method, Code: res.Code, Message: res.Message}
	}
}

// Subscribe delivers outbound invocations to fn in publish order.
func (c *Client) Subscribe(fn func(protocol.Invocation)) (*nats.Subscription, error) {
	return c.conn.Subscribe(protocol.ChannelInvokeSubject(c.name), func(msg *nats.Msg) {
		var inv protocol.Invocation
		if err := json.Unmarshal(msg.Data, &inv); err != nil {
			return
		}
		fn(inv)
	})
}
