package attachments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/taskmesh/task-tracker/pkg/rpc"
)

const handlersLogPrefix = "attachments:handlers"

// Handlers holds the attachments command handlers.
type Handlers struct {
	repo Repository
}

// NewHandlers creates Handlers backed by the given repository.
func NewHandlers(repo Repository) *Handlers {
	return &Handlers{repo: repo}
}

// Register wires every attachments command into the dispatcher.
func (h *Handlers) Register(d *rpc.Dispatcher) {
	d.Handle(CommandCreate, h.HandleCreate)
	d.Handle(CommandGet, h.HandleGet)
	d.Handle(CommandDelete, h.HandleDelete)
	d.Handle(CommandListByTask, h.HandleListByTask)
}

// HandleCreate handles create_attachment.
func (h *Handlers) HandleCreate(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var input CreateInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, &rpc.DomainError{Kind: rpc.KindBadRequest, Message: "failed to parse create_attachment data"}
	}

	if input.TaskID == 0 {
		return nil, rpc.Validation("task_id is required")
	}
	if input.Filename == "" {
		return nil, rpc.Validation("filename is required")
	}
	if input.StoragePath == "" {
		return nil, rpc.Validation("storage_path is required")
	}

	attachment, err := h.repo.Create(ctx, &input)
	if err != nil {
		return nil, fmt.Errorf("%s - create failed: %w", handlersLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Attachment created, id=%d", handlersLogPrefix, attachment.ID))
	return attachment, nil
}

// HandleGet handles get_attachment.
func (h *Handlers) HandleGet(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var input GetInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, &rpc.DomainError{Kind: rpc.KindBadRequest, Message: "failed to parse get_attachment data"}
	}
	if input.ID == 0 {
		return nil, rpc.Validation("id is required")
	}

	attachment, err := h.repo.GetByID(ctx, input.ID)
	if err != nil {
		return nil, fmt.Errorf("%s - get failed: %w", handlersLogPrefix, err)
	}
	if attachment == nil {
		return nil, rpc.NotFound(fmt.Sprintf("attachment %d not found", input.ID))
	}

	slog.Debug(fmt.Sprintf("%s - Attachment retrieved, id=%d", handlersLogPrefix, input.ID))
	return attachment, nil
}

// HandleDelete handles delete_attachment.
func (h *Handlers) HandleDelete(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var input DeleteInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, &rpc.DomainError{Kind: rpc.KindBadRequest, Message: "failed to parse delete_attachment data"}
	}
	if input.ID == 0 {
		return nil, rpc.Validation("id is required")
	}

	deleted, err := h.repo.Delete(ctx, input.ID)
	if err != nil {
		return nil, fmt.Errorf("%s - delete failed: %w", handlersLogPrefix, err)
	}
	if !deleted {
		return nil, rpc.NotFound(fmt.Sprintf("attachment %d not found", input.ID))
	}

	return &DeleteResult{Deleted: true, ID: input.ID}, nil
}

// HandleListByTask handles list_attachments_by_task.
func (h *Handlers) HandleListByTask(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var input ListByTaskInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, &rpc.DomainError{Kind: rpc.KindBadRequest, Message: "failed to parse list_attachments_by_task data"}
	}
	if input.TaskID == 0 {
		return nil, rpc.Validation("task_id is required")
	}

	list, err := h.repo.ListByTask(ctx, input.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%s - list failed: %w", handlersLogPrefix, err)
	}
	total, err := h.repo.CountByTask(ctx, input.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%s - count failed: %w", handlersLogPrefix, err)
	}

	if list == nil {
		list = []Attachment{}
	}
	slog.Debug(fmt.Sprintf("%s - Listed %d attachments for task_id=%d", handlersLogPrefix, len(list), input.TaskID))
	return &ListResult{Attachments: list, Total: total}, nil
}
