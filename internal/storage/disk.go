// Package storage persists synced files under the shared root. Writes are
// staged in a temp file on the same filesystem and renamed into place, so a
// reader of the root only ever sees complete files.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dharsanguruparan/filesync/internal/model"
)

// ReadError wraps a failure reading the upload source, as opposed to writing
// to disk. Callers use it to tell a broken client apart from a broken disk.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "read upload: " + e.Err.Error() }

func (e *ReadError) Unwrap() error { return e.Err }

// DiskStore writes files directly under a single root directory.
type DiskStore struct {
	root string
	perm os.FileMode
}

// NewDiskStore constructs a DiskStore. root is cleaned and made absolute.
func NewDiskStore(root string) (*DiskStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve shared root: %w", err)
	}
	return &DiskStore{root: abs, perm: 0o644}, nil
}

// Root returns the absolute shared root.
func (d *DiskStore) Root() string {
	return d.root
}

// Path resolves name under the root after validating it.
func (d *DiskStore) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dest := filepath.Join(d.root, name)
	rel, err := filepath.Rel(d.root, dest)
	if err != nil || rel != name || strings.HasPrefix(rel, "..") {
		return "", ErrOutsideRoot
	}
	return dest, nil
}

// Save streams src into root/name, replacing any existing file. The previous
// content stays visible until the new content is fully on disk. If ctx is done
// before the rename nothing is committed.
func (d *DiskStore) Save(ctx context.Context, name string, src io.Reader) (*model.StoredFile, error) {
	dest, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(d.root, TempPrefix+"*.part")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	reader := &trackingReader{r: src}
	written, err := io.Copy(io.MultiWriter(tmp, hash), reader)
	if err != nil {
		if reader.err != nil {
			return nil, &ReadError{Err: reader.err}
		}
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(d.perm); err != nil {
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, &ReadError{Err: err}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("commit %s: %w", name, err)
	}
	committed = true
	// The rename is only durable once the directory entry is flushed.
	if err := syncDir(d.root); err != nil {
		return nil, fmt.Errorf("sync shared root after commit %s: %w", name, err)
	}

	return &model.StoredFile{
		Name:     name,
		Path:     dest,
		Size:     written,
		SHA256:   hex.EncodeToString(hash.Sum(nil)),
		SyncedAt: time.Now().UTC(),
	}, nil
}

// Open returns a reader for a committed file together with its size.
func (d *DiskStore) Open(name string) (*os.File, int64, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Healthy reports whether the root is still a reachable directory.
func (d *DiskStore) Healthy() error {
	info, err := os.Stat(d.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", d.root)
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// trackingReader remembers the last non-EOF error from the source so Save can
// attribute a failed copy to the reader or to the disk.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
