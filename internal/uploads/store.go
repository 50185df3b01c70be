// Package uploads keeps uploaded catalog files until their import succeeds.
package uploads

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured size limit.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrNotExist is returned when a stored file is gone.
	ErrNotExist = errors.New("upload does not exist")
)

// Store saves and serves uploaded files by opaque path.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader) (path string, size int64, err error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	Remove(ctx context.Context, path string) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// objectName makes a collision-free file name that keeps a readable hint of the original.
func objectName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "upload.csv"
	}
	if len(base) > 100 {
		base = base[len(base)-100:]
	}
	return uuid.NewString() + "_" + base
}
