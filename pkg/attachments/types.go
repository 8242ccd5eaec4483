// Package attachments implements the attachments backend service: the
// command handlers the dispatcher routes to and the repository they use.
package attachments

import "time"

// Service is the service name; the worker consumes Service + ".commands".
const Service = "attachments"

// Command names handled by the attachments service.
const (
	CommandCreate     = "create_attachment"
	CommandGet        = "get_attachment"
	CommandDelete     = "delete_attachment"
	CommandListByTask = "list_attachments_by_task"
)

// Attachment is a stored file reference belonging to a task.
type Attachment struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// CreateInput is the data of a create_attachment command.
type CreateInput struct {
	TaskID      int64  `json:"task_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	StoragePath string `json:"storage_path"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// GetInput is the data of a get_attachment command.
type GetInput struct {
	ID int64 `json:"id"`
}

// DeleteInput is the data of a delete_attachment command.
type DeleteInput struct {
	ID int64 `json:"id"`
}

// DeleteResult is the payload of a successful delete_attachment reply.
type DeleteResult struct {
	Deleted bool  `json:"deleted"`
	ID      int64 `json:"id"`
}

// ListByTaskInput is the data of a list_attachments_by_task command.
type ListByTaskInput struct {
	TaskID int64 `json:"task_id"`
}

// ListResult is the payload of a successful list_attachments_by_task reply.
type ListResult struct {
	Attachments []Attachment `json:"attachments"`
	Total       int          `json:"total"`
}
