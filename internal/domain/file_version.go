// domain/file_version.go
package domain

import (
	"io"
	"time"
)

// LatestVersion селектор "последняя версия" для чтения и скачивания
const LatestVersion int64 = -1

// FileVersion одна неизменяемая загрузка файла
type FileVersion struct {
	Owner       string    `json:"owner" db:"owner"`
	Project     string    `json:"project" db:"project"`
	Type        string    `json:"type" db:"type"`
	Name        string    `json:"name" db:"name"`
	Version     int64     `json:"version" db:"version"`
	BlobHandle  string    `json:"-" db:"blob_handle"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	ContentHash string    `json:"content_hash,omitempty" db:"content_hash"`
	Description *string   `json:"description,omitempty" db:"description"`
	Metadata    Document  `json:"metadata" db:"metadata"`
	UploadedAt  time.Time `json:"uploaded_at" db:"uploaded_at"`
}

// Key возвращает ключ файла, которому принадлежит версия
func (v *FileVersion) Key() FileKey {
	return FileKey{
		Owner:   v.Owner,
		Project: v.Project,
		Type:    v.Type,
		Name:    v.Name,
	}
}

// Ref возвращает ссылку на версию для отчетов массовых операций
func (v *FileVersion) Ref() VersionRef {
	return VersionRef{Key: v.Key(), Version: v.Version}
}

// UploadRequest параметры загрузки новой версии
type UploadRequest struct {
	Key         FileKey
	Content     io.Reader
	Description *string
	Version     int64 // 0 - назначить автоматически
	Metadata    Document
}
