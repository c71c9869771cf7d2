package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/filesync/internal/storage"
)

const (
	fileField      = "file"
	syncedMessage  = "File synced successfully"
	notifyDeadline = 5 * time.Second
)

var errMissingFilePart = errors.New("missing file part")

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := s.log.WithField("request_id", RequestIDFromContext(r.Context()))
	if s.cfg.MaxFileSize > 0 {
		// Leave room for the multipart framing around the file part.
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+4096)
	}
	// MultipartReader streams parts so uploads of any size stay off the heap.
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		status, msg := classifyReadError(err)
		if errors.Is(err, errMissingFilePart) {
			msg = err.Error()
		}
		logger.WithError(err).Info("sync rejected")
		http.Error(w, msg, status)
		return
	}
	defer part.Close()

	name := declaredFilename(part)
	logger = logger.WithField("name", name)
	var src io.Reader = part
	if s.cfg.MaxFileSize > 0 {
		src = &limitedPart{r: part, remaining: s.cfg.MaxFileSize, limit: s.cfg.MaxFileSize}
	}
	stored, err := s.store.Save(r.Context(), name, src)
	if err != nil {
		status, msg := s.classifySaveError(err)
		entry := logger.WithError(err)
		if status >= http.StatusInternalServerError {
			entry.Error("sync failed")
		} else {
			entry.Info("sync rejected")
		}
		http.Error(w, msg, status)
		return
	}

	logger.WithFields(logrus.Fields{
		"size":   stored.Size,
		"sha256": stored.SHA256,
	}).Info("file synced")

	// The file is committed; a notification failure must not turn that into an
	// error for the client.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), notifyDeadline)
	defer cancel()
	if err := s.notifier.Synced(notifyCtx, stored, RequestIDFromContext(r.Context())); err != nil {
		logger.WithError(err).Warn("sync notification failed")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, syncedMessage)
}

func (s *Server) classifySaveError(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrMissingName):
		return http.StatusBadRequest, "missing filename"
	case errors.Is(err, storage.ErrUnsafeName), errors.Is(err, storage.ErrOutsideRoot):
		return http.StatusBadRequest, "unsafe filename"
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest, "invalid filename"
	}
	var readErr *storage.ReadError
	if errors.As(err, &readErr) {
		return classifyReadError(readErr.Err)
	}
	return http.StatusInternalServerError, "failed to store file"
}

func classifyReadError(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "file too large"
	}
	return http.StatusBadRequest, "failed to read upload"
}

// limitedPart fails with *http.MaxBytesError once the file content exceeds
// limit. The body-level MaxBytesReader also counts multipart framing, so it
// cannot enforce the exact file size on its own.
type limitedPart struct {
	r         io.Reader
	remaining int64
	limit     int64
}

func (l *limitedPart) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, &http.MaxBytesError{Limit: l.limit}
	}
	// Read one byte past the limit so content of exactly limit bytes passes.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n + int(l.remaining), &http.MaxBytesError{Limit: l.limit}
	}
	return n, err
}

// nextFilePart skips parts until it finds the file field. Running out of
// parts yields errMissingFilePart; anything else is a malformed body.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMissingFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == fileField {
			return part, nil
		}
		part.Close()
	}
}

// declaredFilename returns the filename exactly as the client sent it.
// Part.FileName applies filepath.Base, which would hide traversal attempts
// that must be rejected rather than rewritten.
func declaredFilename(part *multipart.Part) string {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}
