// Package audiostore keeps uploaded audio on local disk.
//
// Files are stored flat under one directory as a random UUID plus the
// lower-cased extension of the uploaded name. That name is the reference the
// rest of the service passes around, and it is also the path under which the
// HTTP layer serves the file back.
package audiostore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidRef is returned for references that could escape the store
// directory or were never produced by [FileStore.Save].
var ErrInvalidRef = errors.New("audiostore: invalid reference")

// Store persists audio blobs.
type Store interface {
	// Save copies r into the store and returns its reference.
	Save(ctx context.Context, filename string, r io.Reader) (string, error)

	// Path returns a filesystem path for ref, for collaborators that need a
	// file (ffmpeg, whisper, diarization uploads).
	Path(ref string) (string, error)

	// Remove deletes ref. Removing a missing reference is not an error.
	Remove(ref string) error
}

// FileStore is a [Store] rooted at a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("audiostore: directory must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("audiostore: resolve %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("audiostore: create %q: %w", abs, err)
	}
	return &FileStore{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (s *FileStore) Dir() string { return s.dir }

// Save implements [Store]. The data is written to a temporary file first and
// renamed into place, so a reference never points at a partial upload.
func (s *FileStore) Save(ctx context.Context, filename string, r io.Reader) (string, error) {
	ref := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(filename)))

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("audiostore: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("audiostore: write %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("audiostore: close %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, ref)); err != nil {
		return "", fmt.Errorf("audiostore: commit %s: %w", ref, err)
	}
	return ref, nil
}

// Path implements [Store].
func (s *FileStore) Path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.dir, ref), nil
}

// Remove deletes ref. Removing a missing file is not an error.
func (s *FileStore) Remove(ref string) error {
	p, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("audiostore: remove %s: %w", ref, err)
	}
	return nil
}

// Check reports whether the directory is still present and writable. It is
// used by the readiness probe.
func (s *FileStore) Check(context.Context) error {
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("audiostore: not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
