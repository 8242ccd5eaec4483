package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/taskmesh/task-tracker/pkg/attachments"
	"github.com/taskmesh/task-tracker/pkg/rpc"
)

const handlersLogPrefix = "gateway:handlers"

// caller is the slice of the RPC client the HTTP handlers need.
type caller interface {
	Call(ctx context.Context, service, command string, data interface{}) (*rpc.ReplyEnvelope, error)
}

// Handlers bridges HTTP requests onto the command bus. Request bodies are
// passed through as raw JSON; validation happens in the backend handlers.
type Handlers struct {
	client caller
}

// NewHandlers creates the HTTP handlers over the given RPC client.
func NewHandlers(client caller) *Handlers {
	return &Handlers{client: client}
}

// Register wires the attachment routes into the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/attachment/create", h.createAttachment)
	mux.HandleFunc("GET /v1/attachment/{id}", h.getAttachment)
	mux.HandleFunc("DELETE /v1/attachment/{id}", h.deleteAttachment)
	mux.HandleFunc("GET /v1/task/{id}/attachments", h.listAttachments)
}

func (h *Handlers) createAttachment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		writeHTTPError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	reply, err := h.client.Call(r.Context(), attachments.Service, attachments.CommandCreate, json.RawMessage(body))
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeReply(w, reply, http.StatusCreated)
}

func (h *Handlers) getAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "attachment id must be an integer")
		return
	}

	reply, err := h.client.Call(r.Context(), attachments.Service, attachments.CommandGet, &attachments.GetInput{ID: id})
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeReply(w, reply, http.StatusOK)
}

func (h *Handlers) deleteAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "attachment id must be an integer")
		return
	}

	reply, err := h.client.Call(r.Context(), attachments.Service, attachments.CommandDelete, &attachments.DeleteInput{ID: id})
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeReply(w, reply, http.StatusOK)
}

func (h *Handlers) listAttachments(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "task id must be an integer")
		return
	}

	reply, err := h.client.Call(r.Context(), attachments.Service, attachments.CommandListByTask, &attachments.ListByTaskInput{TaskID: taskID})
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeReply(w, reply, http.StatusOK)
}

// writeReply translates a reply envelope into an HTTP response. Success
// payloads pass through untouched; error replies map their kind to a
// status code.
func writeReply(w http.ResponseWriter, reply *rpc.ReplyEnvelope, okStatus int) {
	w.Header().Set("Content-Type", "application/json")
	if reply.OK() {
		w.WriteHeader(okStatus)
		w.Write(reply.Payload)
		return
	}

	kind := rpc.KindInternalError
	message := "error reply without detail"
	if reply.Error != nil {
		kind = reply.Error.Kind
		message = reply.Error.Message
	}
	w.WriteHeader(statusForKind(kind))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"kind": kind, "message": message},
	})
}

// writeCallError translates transport-level call failures (no reply at
// all) into an HTTP response.
func writeCallError(w http.ResponseWriter, err error) {
	var timeoutErr *rpc.TimeoutError
	var transportErr *rpc.TransportError

	switch {
	case errors.As(err, &timeoutErr):
		slog.Warn(fmt.Sprintf("%s - %v", handlersLogPrefix, err))
		writeHTTPError(w, http.StatusGatewayTimeout, "backend did not answer in time")
	case errors.As(err, &transportErr):
		slog.Error(fmt.Sprintf("%s - %v", handlersLogPrefix, err))
		writeHTTPError(w, http.StatusBadGateway, "backend unreachable")
	case errors.Is(err, rpc.ErrClientClosed):
		writeHTTPError(w, http.StatusServiceUnavailable, "gateway shutting down")
	case errors.Is(err, context.Canceled):
		// Caller went away; nothing to write.
	default:
		slog.Error(fmt.Sprintf("%s - call failed: %v", handlersLogPrefix, err))
		writeHTTPError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeHTTPError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": message})
}

// statusForKind maps reply error kinds to HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case rpc.KindNotFound:
		return http.StatusNotFound
	case rpc.KindValidation, rpc.KindBadRequest:
		return http.StatusBadRequest
	case rpc.KindUnknownCommand, rpc.KindInternalError:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
