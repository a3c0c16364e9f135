// Package storage provides temporary staging for uploaded images and
// persistent object storage for generated videos, on local disk or S3.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by GetObject for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidKey is returned for object keys that escape the store.
var ErrInvalidKey = errors.New("invalid object key")

// TempFile describes one staged temporary file.
type TempFile struct {
	Path    string
	Name    string
	ModTime time.Time
}

// Storage defines the interface for temporary and persistent file storage.
type Storage interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp reads a temporary file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// ListTemp returns staged files last modified before olderThan.
	ListTemp(ctx context.Context, olderThan time.Time) ([]TempFile, error)

	// PutObject stores data under key and returns the URL clients fetch it from.
	PutObject(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)

	// GetObject opens a stored object. Returns ErrObjectNotFound when absent.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}
