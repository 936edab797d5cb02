package service

import (
	"context"
	"fmt"

	"filevault/internal/domain"
)

// VersionResolver переводит селекторы версий в конкретные номера.
// Следующий номер вычисляется из хранилища, отдельного счетчика нет.
type VersionResolver struct {
	meta MetadataStore
}

func NewVersionResolver(meta MetadataStore) *VersionResolver {
	return &VersionResolver{meta: meta}
}

// NextVersion возвращает max(выданные версии)+1 или 1 для нового ключа.
// Уникальность гарантирует Insert хранилища, гонки разрешаются повтором в движке
func (r *VersionResolver) NextVersion(ctx context.Context, key domain.FileKey) (int64, error) {
	mark, err := r.meta.HighWaterMark(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to get version mark: %w", err)
	}

	latest, err := r.meta.LatestVersion(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}

	return max(mark, latest) + 1, nil
}

// ResolveVersion: отрицательный селектор означает последнюю существующую версию,
// положительный возвращается как есть, существование проверяет вызывающий
func (r *VersionResolver) ResolveVersion(ctx context.Context, key domain.FileKey, requested int64) (int64, error) {
	if requested > 0 {
		return requested, nil
	}
	if requested == 0 {
		return 0, fmt.Errorf("%w: version must be positive or %d for latest", domain.ErrInvalidArgument, domain.LatestVersion)
	}

	latest, err := r.meta.LatestVersion(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}
	if latest == 0 {
		return 0, fmt.Errorf("%w: file %s has no versions", domain.ErrNotFound, key)
	}
	return latest, nil
}
