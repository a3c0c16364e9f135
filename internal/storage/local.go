package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalConfig configures LocalStorage.
type LocalConfig struct {
	// TempDir holds staged uploads. Defaults to $TMPDIR/vividflow.
	TempDir string
	// ObjectDir holds stored objects. Defaults to TempDir/objects.
	ObjectDir string
	// PublicBaseURL prefixes object URLs; objects are served under /media/.
	PublicBaseURL string
}

// LocalStorage implements Storage on local disk. Objects are exposed by the
// HTTP server's /media/ route.
type LocalStorage struct {
	tempDir   string
	objectDir string
	baseURL   string
}

// NewLocalStorage creates a new LocalStorage instance.
// Both directories are created if they don't exist.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "vividflow")
	}
	objectDir := cfg.ObjectDir
	if objectDir == "" {
		objectDir = filepath.Join(tempDir, "objects")
	}

	for _, dir := range []string{tempDir, objectDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return &LocalStorage{
		tempDir:   tempDir,
		objectDir: objectDir,
		baseURL:   strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// TempDir returns the temporary directory path.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// SaveTemp saves data to a temporary file and returns the file path.
// "abc.png" becomes "abc_<random>.png".
func (s *LocalStorage) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(filepath.Base(name), ext)
	f, err := os.CreateTemp(s.tempDir, stem+"_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// LoadTemp reads a temporary file and returns a reader.
// Only files inside the temp directory can be opened.
func (s *LocalStorage) LoadTemp(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !s.inTempDir(p) {
		return nil, fmt.Errorf("open temp file: %s is outside %s", p, s.tempDir)
	}

	f, err := os.Open(p) // #nosec G304 - path is confined to tempDir above
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}

	return f, nil
}

// CleanupTemp removes the specified temporary files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		if !s.inTempDir(p) {
			continue
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// ListTemp returns regular files directly under the temp directory that were
// last modified before olderThan.
func (s *LocalStorage) ListTemp(ctx context.Context, olderThan time.Time) ([]TempFile, error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return nil, fmt.Errorf("read temp dir: %w", err)
	}

	var out []TempFile
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled: %w", err)
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(olderThan) {
			out = append(out, TempFile{
				Path:    filepath.Join(s.tempDir, e.Name()),
				Name:    e.Name(),
				ModTime: info.ModTime(),
			})
		}
	}
	return out, nil
}

// PutObject writes data under ObjectDir/key and returns its /media/ URL.
func (s *LocalStorage) PutObject(ctx context.Context, key string, data io.Reader, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}
	dst, err := s.objectPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	// Write to a sibling temp file and rename so readers never see a partial object.
	f, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(f.Name(), dst); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}

	return s.baseURL + "/media/" + escapeKey(key), nil
}

// GetObject opens ObjectDir/key.
func (s *LocalStorage) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	p, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) // #nosec G304 - confined to objectDir by objectPath
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (s *LocalStorage) objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (s *LocalStorage) inTempDir(p string) bool {
	rel, err := filepath.Rel(s.tempDir, filepath.Clean(p))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
