package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/filesync/internal/model"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "1", Type: task.Type()}, nil
}

func TestAsynqNotifierEnqueuesPayload(t *testing.T) {
	enq := &recordingEnqueuer{}
	n := NewAsynqNotifier(enq)
	syncedAt := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	file := &model.StoredFile{Name: "report.csv", Size: 12, SHA256: "abc", SyncedAt: syncedAt}

	require.NoError(t, n.Synced(context.Background(), file, "rid-1"))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, FileSyncedTask, enq.tasks[0].Type())

	payload, err := DecodeSynced(enq.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, SyncedPayload{
		Name:      "report.csv",
		Size:      12,
		SHA256:    "abc",
		SyncedAt:  syncedAt,
		RequestID: "rid-1",
	}, payload)
}

func TestAsynqNotifierWrapsEnqueueError(t *testing.T) {
	enq := &recordingEnqueuer{err: errors.New("redis down")}
	n := NewAsynqNotifier(enq)

	err := n.Synced(context.Background(), &model.StoredFile{Name: "a"}, "")
	assert.ErrorContains(t, err, "redis down")
}

func TestDecodeSyncedRejectsGarbage(t *testing.T) {
	_, err := DecodeSynced(asynq.NewTask(FileSyncedTask, []byte("{")))
	assert.Error(t, err)

	_, err = DecodeSynced(asynq.NewTask(FileSyncedTask, []byte(`{"size":1}`)))
	assert.Error(t, err)
}
