package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/filesync/internal/model"
)

const (
	// FileSyncedTask is scheduled each time a file is committed under the
	// shared root.
	FileSyncedTask = "file:synced"

	maxRetry = 5
)

// SyncedPayload is serialized into the task payload so the worker knows
// which file to pick up and which content it should find there.
type SyncedPayload struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	SyncedAt  time.Time `json:"synced_at"`
	RequestID string    `json:"request_id,omitempty"`
}

// NewSyncedTask builds the asynq task for a stored file.
func NewSyncedTask(file *model.StoredFile, requestID string) (*asynq.Task, error) {
	data, err := json.Marshal(SyncedPayload{
		Name:      file.Name,
		Size:      file.Size,
		SHA256:    file.SHA256,
		SyncedAt:  file.SyncedAt,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(FileSyncedTask, data), nil
}

// DecodeSynced parses a file:synced payload.
func DecodeSynced(task *asynq.Task) (SyncedPayload, error) {
	var payload SyncedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Name == "" {
		return payload, fmt.Errorf("decode payload: missing name")
	}
	return payload, nil
}

// Enqueuer is the subset of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier announces committed files to downstream stages.
type Notifier interface {
	Synced(ctx context.Context, file *model.StoredFile, requestID string) error
}

// AsynqNotifier enqueues file:synced tasks.
type AsynqNotifier struct {
	client Enqueuer
}

// NewAsynqNotifier constructs a notifier over an asynq client.
func NewAsynqNotifier(client Enqueuer) *AsynqNotifier {
	return &AsynqNotifier{client: client}
}

// Synced enqueues a file:synced task.
func (n *AsynqNotifier) Synced(ctx context.Context, file *model.StoredFile, requestID string) error {
	task, err := NewSyncedTask(file, requestID)
	if err != nil {
		return err
	}
	if _, err := n.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry)); err != nil {
		return fmt.Errorf("enqueue synced task: %w", err)
	}
	return nil
}

// Nop discards notifications. Used when no Redis is configured.
type Nop struct{}

// Synced does nothing.
func (Nop) Synced(context.Context, *model.StoredFile, string) error { return nil }
