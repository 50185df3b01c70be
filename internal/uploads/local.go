package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// Local stores uploads in a directory on the worker-shared filesystem.
type Local struct {
	dir      string
	maxBytes int64
}

// NewLocal builds a local store. maxBytes <= 0 disables the size limit.
func NewLocal(dir string, maxBytes int64) *Local {
	return &Local{dir: dir, maxBytes: maxBytes}
}

// Save streams r to a new file. An oversized upload is removed and ErrTooLarge returned.
func (l *Local) Save(_ context.Context, name string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(l.dir, objectName(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}

	n, err := copyLimited(f, r, l.maxBytes)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close upload file: %w", cerr)
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			err = multierror.Append(err, fmt.Errorf("remove partial upload: %w", rerr))
		}
		return "", 0, err
	}
	return path, n, nil
}

// Open opens a stored file for reading.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	return f, nil
}

// Exists reports whether path is a regular file.
func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat upload: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// Remove deletes a stored file. Removing a missing file is not an error.
func (l *Local) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// copyLimited copies at most max bytes and fails with ErrTooLarge if r holds more.
func copyLimited(dst io.Writer, r io.Reader, max int64) (int64, error) {
	if max <= 0 {
		n, err := io.Copy(dst, r)
		if err != nil {
			return n, fmt.Errorf("write upload: %w", err)
		}
		return n, nil
	}
	n, err := io.Copy(dst, io.LimitReader(r, max+1))
	if err != nil {
		return n, fmt.Errorf("write upload: %w", err)
	}
	if n > max {
		return n, fmt.Errorf("%d bytes allowed: %w", max, ErrTooLarge)
	}
	return n, nil
}
