package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no ledger row matches.
var ErrNotFound = errors.New("sync event not found")

// SyncEvent represents a row in the sync_events table.
type SyncEvent struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	RequestID   string    `json:"requestId,omitempty"`
	ArchivedKey *string   `json:"archivedKey,omitempty"`
	Superseded  bool      `json:"superseded"`
	SyncedAt    time.Time `json:"syncedAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SyncEventRepository wraps all SQL used by the worker.
type SyncEventRepository struct {
	pool *pgxpool.Pool
}

// NewSyncEventRepository constructs a repository.
func NewSyncEventRepository(pool *pgxpool.Pool) *SyncEventRepository {
	return &SyncEventRepository{pool: pool}
}

// Record inserts a ledger row, assigning ID and CreatedAt.
func (r *SyncEventRepository) Record(ctx context.Context, ev *SyncEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_events (id, file_name, sha256, size, request_id, archived_key, superseded, synced_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ev.ID, ev.FileName, ev.SHA256, ev.Size, nullString(ev.RequestID), ev.ArchivedKey, ev.Superseded, ev.SyncedAt, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync event: %w", err)
	}
	return nil
}

// Latest returns the most recent ledger row for a file name.
func (r *SyncEventRepository) Latest(ctx context.Context, fileName string) (*SyncEvent, error) {
	var (
		ev          SyncEvent
		requestID   sql.NullString
		archivedKey sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, file_name, sha256, size, request_id, archived_key, superseded, synced_at, created_at
		FROM sync_events WHERE file_name=$1
		ORDER BY synced_at DESC LIMIT 1
	`, fileName)
	if err := row.Scan(&ev.ID, &ev.FileName, &ev.SHA256, &ev.Size, &requestID, &archivedKey, &ev.Superseded, &ev.SyncedAt, &ev.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select sync event: %w", err)
	}
	ev.RequestID = requestID.String
	if archivedKey.Valid {
		key := archivedKey.String
		ev.ArchivedKey = &key
	}
	return &ev, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
