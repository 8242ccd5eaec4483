package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/taskmesh/task-tracker/pkg/brokerutil"
)

const clientLogPrefix = "rpc:client"

// DefaultCallTimeout is used when no timeout is configured or passed per
// call.
const DefaultCallTimeout = 30 * time.Second

// ClientParams holds parameters for NewClient.
type ClientParams struct {
	// Conn is the broker connection. Required.
	Conn *nats.Conn
	// Name identifies this process (e.g. "gateway"); it prefixes the
	// exclusive reply subject.
	Name string
	// DefaultTimeout is the per-call deadline unless overridden. Zero
	// means DefaultCallTimeout.
	DefaultTimeout time.Duration
}

// Client converts a synchronous call into a published command plus an
// awaited reply. One client per process owns one exclusive reply subject
// and one pending registry; any number of goroutines may call Call
// concurrently.
type Client struct {
	nc           *nats.Conn
	name         string
	replySubject string
	timeout      time.Duration
	pending      *PendingRegistry

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// NewClient creates a client. Call Start before issuing calls and Close on
// shutdown.
func NewClient(params ClientParams) *Client {
	timeout := params.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	name := params.Name
	if name == "" {
		name = "client"
	}
	return &Client{
		nc:           params.Conn,
		name:         name,
		replySubject: brokerutil.ReplySubject(name, uuid.NewString()),
		timeout:      timeout,
		pending:      NewPendingRegistry(),
	}
}

// Start subscribes the reply listener on this process's exclusive reply
// subject. Replies for all outstanding calls arrive through this single
// subscription and are routed by correlation id.
func (c *Client) Start() error {
	sub, err := c.nc.Subscribe(c.replySubject, c.handleReply)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", clientLogPrefix, c.replySubject, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Reply listener ready on %s", clientLogPrefix, c.replySubject))
	return nil
}

// ReplySubject returns the exclusive reply subject owned by this client.
func (c *Client) ReplySubject() string {
	return c.replySubject
}

// Call publishes a command to the target service and blocks until a reply
// arrives, the default timeout elapses, or ctx is canceled. An error reply
// from the handler is returned as the envelope, not as a Go error, so
// callers can distinguish "answered with error" from "no answer".
func (c *Client) Call(ctx context.Context, service, command string, data interface{}) (*ReplyEnvelope, error) {
	return c.CallTimeout(ctx, service, command, data, c.timeout)
}

// CallTimeout is Call with a per-call deadline override.
func (c *Client) CallTimeout(ctx context.Context, service, command string, data interface{}, timeout time.Duration) (*ReplyEnvelope, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	raw, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s data: %w", clientLogPrefix, command, err)
	}

	env := &CommandEnvelope{
		CorrelationID: uuid.NewString(),
		Command:       command,
		Data:          raw,
		ReplyTo:       c.replySubject,
	}
	payload, err := brokerutil.EncodePayload(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s envelope: %w", clientLogPrefix, command, err)
	}

	subject := brokerutil.CommandSubject(service)
	replyCh := c.pending.Register(env.CorrelationID, time.Now().Add(timeout))

	if err := c.nc.Publish(subject, payload); err != nil {
		c.pending.Expire(env.CorrelationID)
		clientCalls.WithLabelValues(service, "transport").Inc()
		return nil, &TransportError{Subject: subject, Err: err}
	}

	slog.Debug(fmt.Sprintf("%s - Sent %s to %s, correlation_id=%s", clientLogPrefix, command, subject, env.CorrelationID))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.Error != nil && reply.Error.Kind == KindShutdown {
			clientCalls.WithLabelValues(service, "shutdown").Inc()
			return nil, ErrClientClosed
		}
		if reply.OK() {
			clientCalls.WithLabelValues(service, "ok").Inc()
		} else {
			clientCalls.WithLabelValues(service, "error").Inc()
		}
		return reply, nil
	case <-timer.C:
		c.pending.Expire(env.CorrelationID)
		clientCalls.WithLabelValues(service, "timeout").Inc()
		return nil, &TimeoutError{Service: service, Command: command, Timeout: timeout}
	case <-ctx.Done():
		// Best-effort early removal so an abandoned caller does not
		// leave the entry around until the sweeper finds it.
		c.pending.Expire(env.CorrelationID)
		clientCalls.WithLabelValues(service, "canceled").Inc()
		return nil, ctx.Err()
	}
}

// Close drains all pending calls with a shutdown error, stops the reply
// listener, and rejects further calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - Unsubscribe failed: %v", clientLogPrefix, err))
		}
	}
	c.pending.DrainAll()
	c.pending.Close()
	slog.Info(fmt.Sprintf("%s - Client closed", clientLogPrefix))
}

// handleReply routes one inbound reply to the waiting caller. Malformed
// envelopes and unknown correlation ids are dropped; a duplicate reply for
// an already-resolved id resolves nothing and is likewise dropped.
func (c *Client) handleReply(msg *nats.Msg) {
	var reply ReplyEnvelope
	if err := brokerutil.DecodePayload(msg.Data, &reply); err != nil {
		slog.Debug(fmt.Sprintf("%s - Discarding malformed reply: %v", clientLogPrefix, err))
		staleReplies.Inc()
		return
	}
	if reply.CorrelationID == "" {
		slog.Debug(fmt.Sprintf("%s - Discarding reply without correlation_id", clientLogPrefix))
		staleReplies.Inc()
		return
	}
	if !c.pending.Resolve(reply.CorrelationID, &reply) {
		slog.Debug(fmt.Sprintf("%s - No pending entry for correlation_id=%s", clientLogPrefix, reply.CorrelationID))
		staleReplies.Inc()
		return
	}
	slog.Debug(fmt.Sprintf("%s - Resolved correlation_id=%s", clientLogPrefix, reply.CorrelationID))
}

// encodeData normalizes command data to raw JSON. Raw JSON passes through
// untouched so payloads round-trip losslessly.
func encodeData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return brokerutil.EncodePayload(v)
	}
}
