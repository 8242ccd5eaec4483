package rpc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const pendingLogPrefix = "rpc:pending"

// defaultSweepInterval is how often the registry scans for entries whose
// deadline has passed without a reply or a caller-side removal.
const defaultSweepInterval = time.Second

// pendingCall is one outstanding request waiting for its reply.
type pendingCall struct {
	ch       chan *ReplyEnvelope
	deadline time.Time
}

// PendingRegistry maps outstanding correlation ids to waiting callers. All
// mutation goes through a single mutex; every entry is removed before its
// channel is signalled, so an id is resolved at most once. Channels are
// buffered with capacity one so resolving never blocks the reply listener.
type PendingRegistry struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
	done  chan struct{}
	once  sync.Once
}

// NewPendingRegistry creates a registry and starts its expiry sweeper. The
// sweeper guarantees deadline enforcement even when the waiting caller has
// been abandoned and no reply ever arrives. Call Close when done.
func NewPendingRegistry() *PendingRegistry {
	r := &PendingRegistry{
		calls: make(map[string]*pendingCall),
		done:  make(chan struct{}),
	}
	go r.sweep(defaultSweepInterval)
	return r
}

// Register adds a pending entry for id and returns the channel the caller
// blocks on. The entry stays until Resolve, Expire, DrainAll or the
// sweeper removes it.
func (r *PendingRegistry) Register(id string, deadline time.Time) <-chan *ReplyEnvelope {
	call := &pendingCall{
		ch:       make(chan *ReplyEnvelope, 1),
		deadline: deadline,
	}

	r.mu.Lock()
	r.calls[id] = call
	n := len(r.calls)
	r.mu.Unlock()

	pendingRequests.Set(float64(n))
	return call.ch
}

// Resolve delivers a reply to the caller waiting on id. It returns false
// when no entry exists, which covers both unknown ids and ids already
// resolved or expired; a second reply for the same id is a no-op.
func (r *PendingRegistry) Resolve(id string, reply *ReplyEnvelope) bool {
	call, ok := r.remove(id)
	if !ok {
		return false
	}
	call.ch <- reply
	return true
}

// Expire removes the entry for id without delivering a reply. The caller
// observes the timeout through its own timer. Same idempotency rule as
// Resolve.
func (r *PendingRegistry) Expire(id string) bool {
	_, ok := r.remove(id)
	return ok
}

// DrainAll resolves every still-pending entry with a shutdown error reply
// and returns how many were drained. Used when the owning process stops.
func (r *PendingRegistry) DrainAll() int {
	r.mu.Lock()
	drained := r.calls
	r.calls = make(map[string]*pendingCall)
	r.mu.Unlock()

	for id, call := range drained {
		call.ch <- errorReply(id, KindShutdown, "client shutting down")
	}
	pendingRequests.Set(0)
	if len(drained) > 0 {
		slog.Info(fmt.Sprintf("%s - Drained %d pending requests on shutdown", pendingLogPrefix, len(drained)))
	}
	return len(drained)
}

// Len reports the number of outstanding entries.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Close stops the expiry sweeper. It does not drain pending entries; call
// DrainAll first during shutdown.
func (r *PendingRegistry) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *PendingRegistry) remove(id string) (*pendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[id]
	if !ok {
		return nil, false
	}
	delete(r.calls, id)
	pendingRequests.Set(float64(len(r.calls)))
	return call, true
}

// sweep periodically expires entries whose deadline has passed. This keeps
// the registry bounded even when callers disappear without cleanup.
func (r *PendingRegistry) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			var expired []string
			r.mu.Lock()
			for id, call := range r.calls {
				if now.After(call.deadline) {
					expired = append(expired, id)
				}
			}
			r.mu.Unlock()

			for _, id := range expired {
				if r.Expire(id) {
					slog.Debug(fmt.Sprintf("%s - Expired stale entry %s", pendingLogPrefix, id))
				}
			}
		}
	}
}
