package blob

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store writes uploaded blobs to a flat directory on the local filesystem.
// Callers treat the returned paths as opaque references.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create base directory")
	}
	return &Store{baseDir: baseDir}, nil
}

// StoredName returns a collision-resistant name for a new blob, preserving
// the original filename's extension.
func StoredName(original string) string {
	return uuid.New().String() + filepath.Ext(filepath.Base(original))
}

// Save streams r into a new file under the base directory and returns the
// file's path and the number of bytes written.
func (s *Store) Save(name string, r io.Reader) (string, int64, error) {
	path := filepath.Join(s.baseDir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, errors.Wrap(err, "create blob file")
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, errors.Wrap(err, "write blob file")
	}
	return path, n, nil
}

func (s *Store) Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open blob file")
	}
	return f, nil
}

func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return errors.Wrap(err, "remove blob file")
	}
	return nil
}
