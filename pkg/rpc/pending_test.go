package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPendingRegistry_ResolveDelivers(t *testing.T) {
	r := NewPendingRegistry()
	defer r.Close()

	ch := r.Register("corr-1", time.Now().Add(time.Minute))

	reply := okReply("corr-1", json.RawMessage(`{"id":1}`))
	if !r.Resolve("corr-1", reply) {
		t.Fatal("expected Resolve to find the entry")
	}

	select {
	case got := <-ch:
		if got.CorrelationID != "corr-1" {
			t.Errorf("expected correlation_id corr-1, got %s", got.CorrelationID)
		}
		if !got.OK() {
			t.Errorf("expected ok reply, got status %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("reply was not delivered")
	}

	if r.Len() != 0 {
		t.Errorf("expected empty registry after resolve, got %d entries", r.Len())
	}
}

func TestPendingRegistry_ResolveUnknownID(t *testing.T) {
	r := NewPendingRegistry()
	defer r.Close()

	if r.Resolve("never-registered", okReply("never-registered", nil)) {
		t.Error("expected Resolve to report false for an unknown id")
	}
}

func TestPendingRegistry_ResolveIsIdempotent(t *testing.T) {
	r := NewPendingRegistry()
	defer r.Close()

	ch := r.Register("corr-2", time.Now().Add(time.Minute))

	first := r.Resolve("corr-2", okReply("corr-2", nil))
	second := r.Resolve("corr-2", okReply("corr-2", nil))

	if !first {
		t.Error("expected first Resolve to succeed")
	}
	if second {
		t.Error("expected second Resolve to be a no-op")
	}

	// Exactly one reply must have been delivered.
	<-ch
	select {
	case extra := <-ch:
		t.Errorf("unexpected second reply delivered: %+v", extra)
	default:
	}
}

func TestPendingRegistry_ExpireThenResolve(t *testing.T) {
	r := NewPendingRegistry()
	defer r.Close()

	ch := r.Register("corr-3", time.Now().Add(time.Minute))

	if !r.Expire("corr-3") {
		t.Fatal("expected Expire to remove the entry")
	}
	if r.Expire("corr-3") {
		t.Error("expected second Expire to be a no-op")
	}
	if r.Resolve("corr-3", okReply("corr-3", nil)) {
		t.Error("expected Resolve after Expire to be a no-op")
	}

	select {
	case got := <-ch:
		t.Errorf("expired entry must not receive a reply, got %+v", got)
	default:
	}
}

func TestPendingRegistry_DrainAll(t *testing.T) {
	r := NewPendingRegistry()
	defer r.Close()

	channels := make(map[string]<-chan *ReplyEnvelope)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("corr-drain-%d", i)
		channels[id] = r.Register(id, time.Now().Add(time.Minute))
	}

	drained := r.DrainAll()
	if drained != 5 {
		t.Errorf("expected 5 drained entries, got %d", drained)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry after drain, got %d entries", r.Len())
	}

	for id, ch := range channels {
		select {
		case got := <-ch:
			if got.OK() {
				t.Errorf("drain reply for %s must be an error", id)
			}
			if got.Error == nil || got.Error.Kind != KindShutdown {
				t.Errorf("expected shutdown kind for %s, got %+v", id, got.Error)
			}
		case <-time.After(time.Second):
			t.Fatalf("no drain reply for %s", id)
		}
	}

	if r.DrainAll() != 0 {
		t.Error("expected second DrainAll to drain nothing")
	}
}

func TestPendingRegistry_ConcurrentCallsAreIndependent(t *testing.T) {
	r := NewPendingRegistry()
	defer r.Close()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("corr-conc-%d", i)
			ch := r.Register(id, time.Now().Add(time.Minute))

			payload, _ := json.Marshal(map[string]int{"seq": i})
			if !r.Resolve(id, okReply(id, payload)) {
				errs <- fmt.Errorf("resolve failed for %s", id)
				return
			}

			got := <-ch
			var out struct {
				Seq int `json:"seq"`
			}
			if err := got.Decode(&out); err != nil {
				errs <- fmt.Errorf("decode failed for %s: %v", id, err)
				return
			}
			if out.Seq != i {
				errs <- fmt.Errorf("cross-delivery: entry %d received seq %d", i, out.Seq)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d entries", r.Len())
	}
}

func TestPendingRegistry_SweeperExpiresStaleEntries(t *testing.T) {
	r := NewPendingRegistry()
	defer r.Close()

	// Deadline already in the past; nobody calls Expire for it. The sweeper
	// must remove it on its own within a couple of intervals.
	r.Register("corr-stale", time.Now().Add(-time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not expire stale entry, %d still pending", r.Len())
		}
		time.Sleep(50 * time.Millisecond)
	}
}
