// Package blobfs хранит содержимое версий в локальной файловой системе.
package blobfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"filevault/internal/domain"
	"filevault/internal/service"
)

// FSStore раскладывает blob по двухуровневой структуре каталогов:
// первые два символа handle образуют каталог-префикс
type FSStore struct {
	root string
}

var _ service.BlobStore = (*FSStore)(nil)

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put пишет поток во временный файл и атомарно переименовывает его.
// При ошибке или отмене контекста временный файл удаляется
func (s *FSStore) Put(ctx context.Context, r io.Reader) (string, error) {
	handle := uuid.New().String()
	blobPath := s.blobPath(handle)

	dir := filepath.Dir(blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, &contextReader{ctx: ctx, r: r}); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write blob data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename blob: %w", err)
	}

	return handle, nil
}

func (s *FSStore) Get(_ context.Context, handle string) (io.ReadCloser, error) {
	if !validHandle(handle) {
		return nil, fmt.Errorf("%w: blob %q", domain.ErrNotFound, handle)
	}
	f, err := os.Open(s.blobPath(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, handle)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", handle, err)
	}
	return f, nil
}

func (s *FSStore) Delete(_ context.Context, handle string) error {
	if !validHandle(handle) {
		return fmt.Errorf("%w: blob %q", domain.ErrNotFound, handle)
	}
	if err := os.Remove(s.blobPath(handle)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: blob %s", domain.ErrNotFound, handle)
		}
		return fmt.Errorf("failed to delete blob %s: %w", handle, err)
	}
	return nil
}

// List обходит дерево каталогов, временные файлы пропускаются
func (s *FSStore) List(_ context.Context) ([]service.BlobEntry, error) {
	var entries []service.BlobEntry

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 2 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		entries = append(entries, service.BlobEntry{
			Handle:     parts[0] + parts[1],
			ModifiedAt: info.ModTime(),
		})
		return nil
	})

	return entries, err
}

func (s *FSStore) blobPath(handle string) string {
	return filepath.Join(s.root, handle[:2], handle[2:])
}

// validHandle допускает только канонический вид UUID, чтобы handle не мог указывать вне root
func validHandle(handle string) bool {
	if len(handle) != 36 {
		return false
	}
	_, err := uuid.Parse(handle)
	return err == nil
}

// contextReader прерывает копирование, когда контекст отменен
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
