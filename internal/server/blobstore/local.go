package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/dmitrijs2005/cipherdrop/internal/filex"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// LocalStore keeps artifacts on a billy filesystem (the OS in production,
// memfs in tests). Writes go to a temp file in the target directory and are
// renamed into place.
type LocalStore struct {
	fs billy.Filesystem
}

// NewLocalStore wraps an existing filesystem.
func NewLocalStore(fs billy.Filesystem) *LocalStore {
	return &LocalStore{fs: fs}
}

// NewLocalStoreDir creates dir if needed and roots a LocalStore there.
func NewLocalStoreDir(dir string) (*LocalStore, error) {
	abs, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	return NewLocalStore(osfs.New(abs)), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	tmp, err := s.tempFile(path.Dir(key))
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, fmt.Errorf("write %q: %w", key, err)
	}

	if err := s.fs.Rename(tmpName, key); err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, fmt.Errorf("rename %q: %w", key, err)
	}
	return n, nil
}

// tempFile creates a temp file in dir. A concurrent Delete may prune the
// directory between MkdirAll and TempFile, so that is retried once.
func (s *LocalStore) tempFile(dir string) (billy.File, error) {
	for attempt := 0; ; attempt++ {
		if err := s.fs.MkdirAll(dir, 0o770); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", dir, err)
		}
		f, err := s.fs.TempFile(dir, ".put-")
		if err == nil {
			return f, nil
		}
		if attempt > 0 || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("temp file: %w", err)
		}
	}
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	info, err := s.fs.Stat(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("stat %q: %w", key, err)
	}

	f, err := s.fs.Open(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %q: %w", key, err)
	}
	return f, info.Size(), nil
}

// Delete removes key and then its directory if that became empty.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := s.fs.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", key, err)
	}

	if dir := path.Dir(key); dir != "." {
		if entries, err := s.fs.ReadDir(dir); err == nil && len(entries) == 0 {
			_ = s.fs.Remove(dir)
		}
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.fs.Stat(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %q: %w", key, err)
	}
}
