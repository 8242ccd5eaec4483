package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// pendingRequests tracks outstanding correlation entries on the
	// gateway side.
	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasktracker_rpc_pending_requests",
		Help: "Number of in-flight RPC calls awaiting a reply.",
	})

	// clientCalls counts finished client calls by target service and
	// outcome (ok, error, timeout, transport, canceled, shutdown).
	clientCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasktracker_rpc_client_calls_total",
		Help: "RPC client calls by service and outcome.",
	}, []string{"service", "outcome"})

	// dispatcherCommands counts commands processed by the dispatcher by
	// command name and reply status.
	dispatcherCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasktracker_rpc_dispatcher_commands_total",
		Help: "Commands processed by the dispatcher by command and status.",
	}, []string{"command", "status"})

	// staleReplies counts replies discarded because no pending entry
	// matched their correlation id (late, duplicate, or unknown).
	staleReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasktracker_rpc_stale_replies_total",
		Help: "Replies dropped for unknown or already-resolved correlation ids.",
	})
)
