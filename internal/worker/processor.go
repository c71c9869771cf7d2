package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/filesync/internal/queue"
	"github.com/dharsanguruparan/filesync/internal/repository"
	"github.com/dharsanguruparan/filesync/internal/storage"
)

// Ledger records processed sync events.
type Ledger interface {
	Record(ctx context.Context, ev *repository.SyncEvent) error
}

// Archiver mirrors a synced file to object storage and returns its key.
type Archiver interface {
	Archive(ctx context.Context, name string, r io.Reader, size int64, sha256Hex string) (string, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store    *storage.DiskStore
	ledger   Ledger
	archiver Archiver
	log      logrus.FieldLogger
}

// NewProcessor constructs a worker processor. ledger and archiver may be nil
// to skip the corresponding step.
func NewProcessor(store *storage.DiskStore, ledger Ledger, archiver Archiver, logger logrus.FieldLogger) *Processor {
	return &Processor{store: store, ledger: ledger, archiver: archiver, log: logger}
}

// Handler registers the file:synced handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.FileSyncedTask, p.HandleSynced)
	return mux
}

// HandleSynced archives the file named by the task and records it in the
// ledger. A file replaced since the event was queued is recorded as
// superseded and not archived; the newer upload has its own event.
func (p *Processor) HandleSynced(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeSynced(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logger := p.log.WithFields(logrus.Fields{
		"name":       payload.Name,
		"request_id": payload.RequestID,
	})

	ev := &repository.SyncEvent{
		FileName:  payload.Name,
		SHA256:    payload.SHA256,
		Size:      payload.Size,
		RequestID: payload.RequestID,
		SyncedAt:  payload.SyncedAt,
	}

	// The handle pins the inode, so a concurrent replacement of the name
	// cannot change what is hashed and archived below.
	f, size, err := p.store.Open(payload.Name)
	switch {
	case errors.Is(err, os.ErrNotExist):
		ev.Superseded = true
	case err != nil:
		return fmt.Errorf("open %s: %w", payload.Name, err)
	default:
		defer f.Close()
		if err := p.checkAndArchive(ctx, f, size, payload, ev); err != nil {
			logger.WithError(err).Warn("archive failed")
			return err
		}
	}

	if p.ledger != nil {
		if err := p.ledger.Record(ctx, ev); err != nil {
			logger.WithError(err).Warn("ledger insert failed")
			return err
		}
	}
	logger.WithFields(logrus.Fields{
		"superseded": ev.Superseded,
		"archived":   ev.ArchivedKey != nil,
	}).Info("sync event processed")
	return nil
}

func (p *Processor) checkAndArchive(ctx context.Context, f *os.File, size int64, payload queue.SyncedPayload, ev *repository.SyncEvent) error {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", payload.Name, err)
	}
	if hex.EncodeToString(h.Sum(nil)) != payload.SHA256 {
		ev.Superseded = true
		return nil
	}
	if p.archiver == nil {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", payload.Name, err)
	}
	key, err := p.archiver.Archive(ctx, payload.Name, f, size, payload.SHA256)
	if err != nil {
		return err
	}
	ev.ArchivedKey = &key
	return nil
}
