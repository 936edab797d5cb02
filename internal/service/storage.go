package service

import (
	"context"
	"io"
	"time"

	"filevault/internal/domain"
)

// BlobStore хранилище содержимого версий, адресуемое непрозрачным handle.
// Get и Delete для неизвестного handle возвращают domain.ErrNotFound.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (string, error)
	Get(ctx context.Context, handle string) (io.ReadCloser, error)
	Delete(ctx context.Context, handle string) error
	// List нужен только для сборки мусора
	List(ctx context.Context) ([]BlobEntry, error)
}

// BlobEntry описание хранимого blob
type BlobEntry struct {
	Handle     string
	ModifiedAt time.Time
}

// MetadataStore документное хранилище метаданных версий.
// Insert обязан атомарно обновлять отметку максимальной выданной версии ключа.
type MetadataStore interface {
	// Insert возвращает domain.ErrConflict, если (key, version) уже существует
	// или номер не выше отметки ключа
	Insert(ctx context.Context, v *domain.FileVersion) error
	// Get возвращает domain.ErrNotFound, если версии нет
	Get(ctx context.Context, key domain.FileKey, version int64) (*domain.FileVersion, error)
	// ListByKey возвращает версии по возрастанию номера
	ListByKey(ctx context.Context, key domain.FileKey) ([]domain.FileVersion, error)
	// ListByPrefix с пустым project возвращает все файлы владельца
	ListByPrefix(ctx context.Context, owner, project string) ([]domain.FileVersion, error)
	Update(ctx context.Context, key domain.FileKey, version int64, fn func(*domain.FileVersion) error) error
	Delete(ctx context.Context, key domain.FileKey, version int64) error
	// LatestVersion возвращает 0, если у ключа нет версий
	LatestVersion(ctx context.Context, key domain.FileKey) (int64, error)
	// HighWaterMark максимальная когда-либо вставленная версия ключа
	HighWaterMark(ctx context.Context, key domain.FileKey) (int64, error)
	BlobHandles(ctx context.Context) (map[string]bool, error)
}
