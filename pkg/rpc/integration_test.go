package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/taskmesh/task-tracker/pkg/brokerutil"
)

const integrationTestPort = 14250

// setupBroker starts an embedded NATS server and returns a connected client
// for the duration of the test.
func setupBroker(t *testing.T) *comms.Conn {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   integrationTestPort,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("rpc:integration_test - failed to create NATS server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("rpc:integration_test - NATS server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("rpc:integration_test - failed to connect: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

// setupEcho wires a dispatcher with a simple echo handler and a started
// client over the same connection.
func setupEcho(t *testing.T, nc *comms.Conn) (*Client, *Dispatcher) {
	t.Helper()

	d := NewDispatcher(DispatcherParams{
		Conn:    nc,
		Service: "attachments",
		Workers: 4,
	})
	d.Handle("echo", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return data, nil
	})
	d.Handle("fail_not_found", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return nil, NotFound("attachment 999 not found")
	})
	d.Handle("boom", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		panic("exploded")
	})
	if err := d.Start(); err != nil {
		t.Fatalf("rpc:integration_test - failed to start dispatcher: %v", err)
	}
	t.Cleanup(d.Close)

	c := NewClient(ClientParams{Conn: nc, Name: "gateway", DefaultTimeout: 5 * time.Second})
	if err := c.Start(); err != nil {
		t.Fatalf("rpc:integration_test - failed to start client: %v", err)
	}
	t.Cleanup(c.Close)

	return c, d
}

func TestCallRoundTrip(t *testing.T) {
	nc := setupBroker(t)
	c, _ := setupEcho(t, nc)

	reply, err := c.Call(context.Background(), "attachments", "echo",
		map[string]interface{}{"task_id": 1, "filename": "report.pdf"})
	if err != nil {
		t.Fatalf("rpc:integration_test - call failed: %v", err)
	}
	if !reply.OK() {
		t.Fatalf("rpc:integration_test - expected ok reply, got %+v", reply.Error)
	}

	var out struct {
		TaskID   int64  `json:"task_id"`
		Filename string `json:"filename"`
	}
	if err := reply.Decode(&out); err != nil {
		t.Fatalf("rpc:integration_test - decode failed: %v", err)
	}
	if out.TaskID != 1 || out.Filename != "report.pdf" {
		t.Errorf("rpc:integration_test - payload did not round-trip: %+v", out)
	}
}

func TestCallErrorReply(t *testing.T) {
	nc := setupBroker(t)
	c, _ := setupEcho(t, nc)

	reply, err := c.Call(context.Background(), "attachments", "fail_not_found", nil)
	if err != nil {
		t.Fatalf("rpc:integration_test - call failed: %v", err)
	}
	if reply.OK() {
		t.Fatal("rpc:integration_test - expected error reply")
	}
	if reply.Error.Kind != KindNotFound {
		t.Errorf("rpc:integration_test - expected not_found, got %s", reply.Error.Kind)
	}
}

func TestCallUnknownCommandIsNotATimeout(t *testing.T) {
	nc := setupBroker(t)
	c, _ := setupEcho(t, nc)

	start := time.Now()
	reply, err := c.Call(context.Background(), "attachments", "no_such_command", nil)
	if err != nil {
		t.Fatalf("rpc:integration_test - call failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("rpc:integration_test - unknown command took %s, should answer promptly", elapsed)
	}
	if reply.OK() {
		t.Fatal("rpc:integration_test - expected error reply")
	}
	if reply.Error.Kind != KindUnknownCommand {
		t.Errorf("rpc:integration_test - expected unknown_command, got %s", reply.Error.Kind)
	}
}

func TestCallPanicBecomesReplyNotHang(t *testing.T) {
	nc := setupBroker(t)
	c, _ := setupEcho(t, nc)

	reply, err := c.CallTimeout(context.Background(), "attachments", "boom", nil, 3*time.Second)
	if err != nil {
		t.Fatalf("rpc:integration_test - call failed: %v", err)
	}
	if reply.OK() {
		t.Fatal("rpc:integration_test - expected error reply after panic")
	}
	if reply.Error.Kind != KindInternalError {
		t.Errorf("rpc:integration_test - expected internal_error, got %s", reply.Error.Kind)
	}

	// The dispatcher must still serve subsequent commands.
	after, err := c.Call(context.Background(), "attachments", "echo", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("rpc:integration_test - call after panic failed: %v", err)
	}
	if !after.OK() {
		t.Errorf("rpc:integration_test - dispatcher not serving after panic: %+v", after.Error)
	}
}

func TestCallTimeoutLeavesNoPendingEntry(t *testing.T) {
	nc := setupBroker(t)

	// No dispatcher consumes this service, so no reply ever arrives.
	c := NewClient(ClientParams{Conn: nc, Name: "gateway"})
	if err := c.Start(); err != nil {
		t.Fatalf("rpc:integration_test - failed to start client: %v", err)
	}
	t.Cleanup(c.Close)

	start := time.Now()
	_, err := c.CallTimeout(context.Background(), "nobody", "echo", nil, 500*time.Millisecond)
	elapsed := time.Since(start)

	timeoutErr, ok := err.(*TimeoutError)
	if !ok {
		t.Fatalf("rpc:integration_test - expected *TimeoutError, got %v", err)
	}
	if timeoutErr.Service != "nobody" || timeoutErr.Command != "echo" {
		t.Errorf("rpc:integration_test - timeout error misattributed: %+v", timeoutErr)
	}
	if elapsed < 400*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("rpc:integration_test - timeout fired after %s, wanted ~500ms", elapsed)
	}
	if n := c.pending.Len(); n != 0 {
		t.Errorf("rpc:integration_test - %d entries still pending after timeout", n)
	}
}

func TestCallContextCancel(t *testing.T) {
	nc := setupBroker(t)

	c := NewClient(ClientParams{Conn: nc, Name: "gateway"})
	if err := c.Start(); err != nil {
		t.Fatalf("rpc:integration_test - failed to start client: %v", err)
	}
	t.Cleanup(c.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := c.CallTimeout(ctx, "nobody", "echo", nil, 10*time.Second)
	if err != context.Canceled {
		t.Fatalf("rpc:integration_test - expected context.Canceled, got %v", err)
	}
	if n := c.pending.Len(); n != 0 {
		t.Errorf("rpc:integration_test - %d entries still pending after cancel", n)
	}
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	nc := setupBroker(t)
	c, _ := setupEcho(t, nc)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := c.Call(context.Background(), "attachments", "echo",
				map[string]int{"seq": i})
			if err != nil {
				errs <- fmt.Errorf("call %d failed: %w", i, err)
				return
			}
			var out struct {
				Seq int `json:"seq"`
			}
			if err := reply.Decode(&out); err != nil {
				errs <- fmt.Errorf("call %d decode failed: %w", i, err)
				return
			}
			if out.Seq != i {
				errs <- fmt.Errorf("call %d received reply for %d", i, out.Seq)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("rpc:integration_test - %v", err)
	}
}

func TestFireAndForget(t *testing.T) {
	nc := setupBroker(t)
	_, _ = setupEcho(t, nc)

	received := make(chan struct{}, 1)
	d2 := NewDispatcher(DispatcherParams{Conn: nc, Service: "audit"})
	d2.Handle("record", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		received <- struct{}{}
		return nil, nil
	})
	if err := d2.Start(); err != nil {
		t.Fatalf("rpc:integration_test - failed to start dispatcher: %v", err)
	}
	t.Cleanup(d2.Close)

	// Publish a command with no reply_to: the handler runs, no reply is
	// published anywhere.
	env := &CommandEnvelope{
		CorrelationID: "fire-1",
		Command:       "record",
		Data:          json.RawMessage(`{"event":"cleanup"}`),
	}
	payload, err := brokerutil.EncodePayload(env)
	if err != nil {
		t.Fatalf("rpc:integration_test - encode failed: %v", err)
	}
	if err := nc.Publish(brokerutil.CommandSubject("audit"), payload); err != nil {
		t.Fatalf("rpc:integration_test - publish failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("rpc:integration_test - fire-and-forget command never handled")
	}
}

func TestDispatcherSurvivesMalformedMessage(t *testing.T) {
	nc := setupBroker(t)
	c, _ := setupEcho(t, nc)

	if err := nc.Publish(brokerutil.CommandSubject("attachments"), []byte("not json at all")); err != nil {
		t.Fatalf("rpc:integration_test - publish failed: %v", err)
	}

	// A well-formed call right after must still succeed.
	reply, err := c.Call(context.Background(), "attachments", "echo", map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("rpc:integration_test - call after malformed message failed: %v", err)
	}
	if !reply.OK() {
		t.Errorf("rpc:integration_test - expected ok reply, got %+v", reply.Error)
	}
}

func TestLateReplyIsDropped(t *testing.T) {
	nc := setupBroker(t)

	c := NewClient(ClientParams{Conn: nc, Name: "gateway"})
	if err := c.Start(); err != nil {
		t.Fatalf("rpc:integration_test - failed to start client: %v", err)
	}
	t.Cleanup(c.Close)

	// Time out a call, then publish a reply for its already-expired entry.
	_, err := c.CallTimeout(context.Background(), "nobody", "echo", nil, 200*time.Millisecond)
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("rpc:integration_test - expected timeout, got %v", err)
	}

	late := okReply("some-expired-id", json.RawMessage(`{}`))
	payload, _ := json.Marshal(late)
	if err := nc.Publish(c.ReplySubject(), payload); err != nil {
		t.Fatalf("rpc:integration_test - publish failed: %v", err)
	}

	// Nothing to assert directly beyond the client staying usable; give the
	// listener a moment to process the stray reply.
	time.Sleep(200 * time.Millisecond)
	if n := c.pending.Len(); n != 0 {
		t.Errorf("rpc:integration_test - registry grew after late reply: %d", n)
	}
}

func TestClientClosedRejectsCalls(t *testing.T) {
	nc := setupBroker(t)

	c := NewClient(ClientParams{Conn: nc, Name: "gateway"})
	if err := c.Start(); err != nil {
		t.Fatalf("rpc:integration_test - failed to start client: %v", err)
	}
	c.Close()

	_, err := c.Call(context.Background(), "attachments", "echo", nil)
	if err != ErrClientClosed {
		t.Fatalf("rpc:integration_test - expected ErrClientClosed, got %v", err)
	}
}
