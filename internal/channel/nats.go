package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speech-bridge/internal/bus"
	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// MethodChannel serves inbound calls on <name>.call via request/reply and
// publishes outbound invocations on <name>.invoke.
type MethodChannel struct {
	name    string
	bus     *bus.Client
	log     *slog.Logger
	handler Handler
	sub     *nats.Subscription
	seq     atomic.Uint64
	clock   func() time.Time
}

func New(name string, busClient *bus.Client, log *slog.Logger) *MethodChannel {
	return &MethodChannel{
		name:  name,
		bus:   busClient,
		log:   log.With(slog.String("component", "method-channel"), slog.String("channel", name)),
		clock: time.Now,
	}
}

// SetMethodCallHandler must be called before Start.
func (c *MethodChannel) SetMethodCallHandler(h Handler) {
	c.handler = h
}

func (c *MethodChannel) Start() error {
	if c.handler == nil {
		return errors.New("method channel has no handler")
	}
	subject := protocol.ChannelCallSubject(c.name)
	sub, err := c.bus.Conn().Subscribe(subject, c.handleCall)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.sub = sub
	return nil
}

func (c *MethodChannel) Close() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
}

func (c *MethodChannel) Healthy() bool {
	return c.sub != nil && c.sub.IsValid()
}

func (c *MethodChannel) InvokeMethod(method string, arguments any) error {
	msg := protocol.Invocation{
		Method:    method,
		Arguments: arguments,
		Sequence:  c.seq.Add(1),
		Timestamp: c.clock().UTC(),
	}
	return c.bus.PublishJSON(protocol.ChannelInvokeSubject(c.name), msg)
}

func (c *MethodChannel) handleCall(msg *nats.Msg) {
	reply := &natsResult{msg: msg, log: c.log}
	var call protocol.MethodCall
	if err := json.Unmarshal(msg.Data, &call); err != nil {
		c.log.Warn("failed to decode method call", slogError(err))
		reply.Error("bad_request", err.Error(), nil)
		return
	}
	if call.Method == "" {
		reply.Error("bad_request", "method is required", nil)
		return
	}
	reply.method = call.Method
	c.handler.HandleMethodCall(MethodCall{Method: call.Method, Arguments: call.Arguments}, reply)
}

type natsResult struct {
	msg    *nats.Msg
	log    *slog.Logger
	method string
	mu     sync.Mutex
	sent   bool
}

func (r *natsResult) Success(value any) {
	r.send(protocol.MethodResult{Status: protocol.StatusSuccess, Result: value})
}

func (r *natsResult) Error(code, message string, details any) {
	r.send(protocol.MethodResult{Status: protocol.StatusError, Code: code, Message: message, Details: details})
}

func (r *natsResult) NotImplemented() {
	r.send(protocol.MethodResult{Status: protocol.StatusNotImplemented})
}

func (r *natsResult) send(res protocol.MethodResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		r.log.Warn("result already submitted", slog.String("method", r.method))
		return
	}
	r.sent = true
	if r.msg.Reply == "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		r.log.Warn("failed to marshal result", slog.String("method", r.method), slogError(err))
		return
	}
	if err := r.msg.Respond(data); err != nil {
		r.log.Warn("failed to send result", slog.String("method", r.method), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
