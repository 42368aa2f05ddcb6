package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LocalBackend keeps documents in a directory tree on the local filesystem.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger

	// Directories already created, so repeated writes skip MkdirAll
	dirCache map[string]bool
	dirMu    sync.RWMutex
}

// NewLocalBackend creates the base directory if needed and returns a backend
// rooted there.
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-storage").Str("path", absPath).Logger(),
		dirCache: make(map[string]bool),
	}, nil
}

func (b *LocalBackend) ensureDir(dir string) error {
	b.dirMu.RLock()
	exists := b.dirCache[dir]
	b.dirMu.RUnlock()
	if exists {
		return nil
	}

	b.dirMu.Lock()
	defer b.dirMu.Unlock()
	if b.dirCache[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	b.dirCache[dir] = true
	return nil
}

// Write writes data to a temporary file next to path and renames it into
// place, so readers never observe a partial document.
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	dir := filepath.Dir(fullPath)
	if err := b.ensureDir(dir); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".eca-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().
		Str("file", path).
		Int("size", len(data)).
		Msg("Wrote document")

	return nil
}

// Read returns the contents of the document at path.
func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// List walks the tree and returns the relative paths of documents ending in
// ext. Temporary files are skipped.
func (b *LocalBackend) List(ctx context.Context, ext string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(b.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == b.basePath {
				return err
			}
			b.logger.Warn().Err(err).Str("file", path).Msg("Skipping unreadable entry")
			return nil
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".eca-") {
			return nil
		}
		if ext != "" && !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.basePath, err)
	}
	sort.Strings(files)
	return files, nil
}

// Delete removes the document at path.
func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a document exists at path.
func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return false, fmt.Errorf("invalid path: %w", err)
	}
	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Close is a no-op for local storage.
func (b *LocalBackend) Close() error {
	return nil
}

// FullPath returns the filesystem path of a document.
func (b *LocalBackend) FullPath(path string) (string, error) {
	return b.validatePath(path)
}

// Relative converts an absolute or base-relative path into a document path.
func (b *LocalBackend) Relative(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.basePath, path)
	}
	rel, err := filepath.Rel(b.basePath, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", path, b.basePath)
	}
	return filepath.ToSlash(rel), nil
}

// BasePath returns the root directory.
func (b *LocalBackend) BasePath() string {
	return b.basePath
}

// sanitizePath strips components that could escape the base directory
func sanitizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "..", "_")
	path = strings.ReplaceAll(path, "\x00", "")
	return path
}

// validatePath resolves path under the base directory and rejects anything
// that would land outside it
func (b *LocalBackend) validatePath(path string) (string, error) {
	sanitized := sanitizePath(filepath.ToSlash(path))
	absPath, err := filepath.Abs(filepath.Join(b.basePath, sanitized))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	relPath, err := filepath.Rel(b.basePath, absPath)
	if err != nil {
		return "", fmt.Errorf("path traversal detected")
	}
	if strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal detected: path escapes base directory")
	}
	return absPath, nil
}
