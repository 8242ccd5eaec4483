package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskmesh/task-tracker/pkg/brokerutil"
)

const dispatcherLogPrefix = "rpc:dispatcher"

// DefaultHandlerTimeout bounds how long one command handler may run.
const DefaultHandlerTimeout = 25 * time.Second

// HandlerFunc processes one command's data and returns the result that
// becomes the reply payload. A *DomainError return becomes a structured
// error reply with its kind and message; any other error (or a panic)
// becomes an internal_error reply.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (interface{}, error)

// DispatcherParams holds parameters for NewDispatcher.
type DispatcherParams struct {
	// Conn is the broker connection. Required.
	Conn *nats.Conn
	// Service names this worker; it consumes <service>.commands.
	Service string
	// Workers bounds handler concurrency. Zero or negative means 1.
	Workers int
	// HandlerTimeout bounds one handler invocation. Zero means
	// DefaultHandlerTimeout.
	HandlerTimeout time.Duration
}

// Dispatcher consumes command envelopes from a service's command subject,
// routes them to registered handlers, and publishes correlated replies.
// The command set is closed once Start is called; unregistered commands
// are answered deterministically with unknown_command. A handler fault
// never stops the consume loop.
type Dispatcher struct {
	nc             *nats.Conn
	service        string
	handlers       map[string]HandlerFunc
	workers        int
	handlerTimeout time.Duration

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sub     *nats.Subscription
	started bool
}

// NewDispatcher creates a dispatcher for the given service.
func NewDispatcher(params DispatcherParams) *Dispatcher {
	workers := params.Workers
	if workers < 1 {
		workers = 1
	}
	handlerTimeout := params.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		nc:             params.Conn,
		service:        params.Service,
		handlers:       make(map[string]HandlerFunc),
		workers:        workers,
		handlerTimeout: handlerTimeout,
		sem:            make(chan struct{}, workers),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Handle registers a handler for a command name. Registration must finish
// before Start; a duplicate name replaces the previous handler.
func (d *Dispatcher) Handle(command string, h HandlerFunc) {
	slog.Debug(fmt.Sprintf("%s - Registering handler for %s", dispatcherLogPrefix, command))
	d.handlers[command] = h
}

// Start subscribes the dispatcher to the service's command subject. The
// queue group equals the service name, so multiple worker processes share
// the queue with point-to-point delivery.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("%s - dispatcher already started", dispatcherLogPrefix)
	}
	if len(d.handlers) == 0 {
		return fmt.Errorf("%s - no handlers registered for %s", dispatcherLogPrefix, d.service)
	}

	subject := brokerutil.CommandSubject(d.service)
	sub, err := d.nc.QueueSubscribe(subject, d.service, d.onMessage)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", dispatcherLogPrefix, subject, err)
	}
	d.sub = sub
	d.started = true

	slog.Info(fmt.Sprintf("%s - Consuming %s with %d workers, %d commands registered",
		dispatcherLogPrefix, subject, d.workers, len(d.handlers)))
	return nil
}

// Close stops consuming and waits for in-flight handlers to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - Unsubscribe failed: %v", dispatcherLogPrefix, err))
		}
	}
	d.wg.Wait()
	d.cancel()
	slog.Info(fmt.Sprintf("%s - Dispatcher for %s closed", dispatcherLogPrefix, d.service))
}

// onMessage admits one message into the bounded worker pool. Acquiring the
// semaphore here applies backpressure to the subscription's delivery
// goroutine instead of growing an unbounded in-process backlog.
func (d *Dispatcher) onMessage(msg *nats.Msg) {
	d.sem <- struct{}{}
	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.sem
			d.wg.Done()
		}()
		d.process(msg.Data)
	}()
}

// process handles one inbound command envelope end to end: decode, invoke,
// reply. Malformed envelopes are dropped rather than requeued.
func (d *Dispatcher) process(data []byte) {
	var env CommandEnvelope
	if err := brokerutil.DecodePayload(data, &env); err != nil {
		slog.Warn(fmt.Sprintf("%s - Discarding malformed command envelope: %v", dispatcherLogPrefix, err))
		dispatcherCommands.WithLabelValues("unknown", "malformed").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.handlerTimeout)
	defer cancel()

	reply := d.dispatch(ctx, &env)
	dispatcherCommands.WithLabelValues(env.Command, reply.Status).Inc()

	if env.ReplyTo == "" {
		slog.Debug(fmt.Sprintf("%s - No reply_to for %s, dropping reply", dispatcherLogPrefix, env.Command))
		return
	}

	payload, err := brokerutil.EncodePayload(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to encode reply for %s: %v", dispatcherLogPrefix, env.Command, err))
		return
	}
	if err := d.nc.Publish(env.ReplyTo, payload); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to publish reply to %s: %v", dispatcherLogPrefix, env.ReplyTo, err))
		return
	}
	slog.Debug(fmt.Sprintf("%s - Replied to %s, correlation_id=%s status=%s",
		dispatcherLogPrefix, env.ReplyTo, env.CorrelationID, reply.Status))
}

// dispatch resolves the command to its handler and converts the outcome
// into a reply envelope. Every path produces exactly one reply.
func (d *Dispatcher) dispatch(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope {
	h, ok := d.handlers[env.Command]
	if !ok {
		slog.Warn(fmt.Sprintf("%s - Unknown command %s", dispatcherLogPrefix, env.Command))
		return errorReply(env.CorrelationID, KindUnknownCommand,
			fmt.Sprintf("unknown command: %s", env.Command))
	}

	result, err := d.invoke(ctx, h, env.Data)
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return errorReply(env.CorrelationID, domainErr.Kind, domainErr.Message)
		}
		slog.Error(fmt.Sprintf("%s - Handler for %s failed: %v", dispatcherLogPrefix, env.Command, err))
		return errorReply(env.CorrelationID, KindInternalError, err.Error())
	}

	payload, err := brokerutil.EncodePayload(result)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to encode %s result: %v", dispatcherLogPrefix, env.Command, err))
		return errorReply(env.CorrelationID, KindInternalError, "failed to encode handler result")
	}
	return okReply(env.CorrelationID, payload)
}

// invoke runs the handler, converting a panic into an error so one bad
// message never kills the consume loop.
func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, data json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - Handler panicked: %v", dispatcherLogPrefix, r))
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, data)
}
