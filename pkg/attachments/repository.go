package attachments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "attachments:repository"

// Repository provides attachment persistence. The pgx implementation is
// PGRepository; tests substitute in-memory fakes.
type Repository interface {
	Create(ctx context.Context, input *CreateInput) (*Attachment, error)
	GetByID(ctx context.Context, id int64) (*Attachment, error)
	Delete(ctx context.Context, id int64) (bool, error)
	ListByTask(ctx context.Context, taskID int64) ([]Attachment, error)
	CountByTask(ctx context.Context, taskID int64) (int, error)
}

// PGRepository implements Repository over a pgx connection pool.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a PGRepository with the given connection pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a new attachment and returns the stored row.
func (r *PGRepository) Create(ctx context.Context, input *CreateInput) (*Attachment, error) {
	slog.Debug(fmt.Sprintf("%s - Create task_id=%d filename=%s", repoLogPrefix, input.TaskID, input.Filename))

	row := r.pool.QueryRow(ctx,
		`INSERT INTO attachment (task_id, filename, content_type, storage_path, size_bytes)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, task_id, filename, content_type, storage_path, size_bytes, uploaded_at`,
		input.TaskID, input.Filename, input.ContentType, input.StoragePath, input.SizeBytes)

	return scanAttachment(row)
}

// GetByID finds an attachment by id. Returns (nil, nil) when no row exists.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Attachment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, task_id, filename, content_type, storage_path, size_bytes, uploaded_at
		 FROM attachment
		 WHERE id = $1
		 LIMIT 1`, id)

	a, err := scanAttachment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// Delete removes an attachment by id and reports whether a row was removed.
func (r *PGRepository) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM attachment WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%s - delete failed: %w", repoLogPrefix, err)
	}
	deleted := tag.RowsAffected() > 0
	if deleted {
		slog.Info(fmt.Sprintf("%s - Deleted attachment id=%d", repoLogPrefix, id))
	}
	return deleted, nil
}

// ListByTask returns all attachments for a task, newest first.
func (r *PGRepository) ListByTask(ctx context.Context, taskID int64) ([]Attachment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, task_id, filename, content_type, storage_path, size_bytes, uploaded_at
		 FROM attachment
		 WHERE task_id = $1
		 ORDER BY uploaded_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("%s - list failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list scan failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// CountByTask returns the number of attachments for a task.
func (r *PGRepository) CountByTask(ctx context.Context, taskID int64) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attachment WHERE task_id = $1`, taskID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%s - count failed: %w", repoLogPrefix, err)
	}
	return total, nil
}

// scanAttachment reads one attachment row. content_type and size_bytes are
// nullable in the schema.
func scanAttachment(row pgx.Row) (*Attachment, error) {
	var a Attachment
	var contentType *string
	var sizeBytes *int64

	err := row.Scan(&a.ID, &a.TaskID, &a.Filename, &contentType, &a.StoragePath, &sizeBytes, &a.UploadedAt)
	if err != nil {
		return nil, err
	}
	if contentType != nil {
		a.ContentType = *contentType
	}
	if sizeBytes != nil {
		a.SizeBytes = *sizeBytes
	}
	return &a, nil
}
