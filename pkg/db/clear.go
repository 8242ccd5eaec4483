// Package db provides attachment data clearing.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearAttachments truncates the attachment table. Schema is preserved;
// only data is removed. RESTART IDENTITY resets the id sequence.
func ClearAttachments(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing attachment table", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE attachment RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Attachments cleared", clearLogPrefix))
	return nil
}
