package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"filevault/internal/domain"
)

// GCResult итог одного прохода сборщика мусора
type GCResult struct {
	BlobsScanned    int `json:"blobs_scanned"`
	BlobsReferenced int `json:"blobs_referenced"`
	BlobsSkipped    int `json:"blobs_skipped"`
	BlobsDeleted    int `json:"blobs_deleted"`
}

// CollectGarbage удаляет blob, на которые не ссылается ни одна версия.
// Blob моложе grace не трогаются: загрузка могла записать содержимое,
// но еще не вставить метаданные
func (s *FileVersionService) CollectGarbage(ctx context.Context, grace time.Duration) (result *GCResult, err error) {
	start := time.Now()
	defer func() {
		items := 0
		if result != nil {
			items = result.BlobsDeleted
		}
		s.record(ctx, "collect_garbage", domain.FileKey{}, 0, items, start, err)
	}()

	if grace < 0 {
		return nil, fmt.Errorf("%w: grace period must not be negative", domain.ErrInvalidArgument)
	}

	// Сначала список blob, потом ссылки: blob, записанный между двумя
	// снимками, окажется либо в ссылках, либо моложе grace
	all, err := s.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	referenced, err := s.meta.BlobHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("get referenced blobs: %w", err)
	}

	result = &GCResult{BlobsScanned: len(all)}
	cutoff := time.Now().Add(-grace)

	for _, entry := range all {
		if referenced[entry.Handle] {
			result.BlobsReferenced++
			continue
		}
		if entry.ModifiedAt.After(cutoff) {
			result.BlobsSkipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.blobs.Delete(ctx, entry.Handle); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Warnw("gc: failed to delete blob", "handle", entry.Handle, "error", err)
			continue
		}
		result.BlobsDeleted++
	}

	s.log.Infow("gc complete",
		"scanned", result.BlobsScanned,
		"referenced", result.BlobsReferenced,
		"skipped", result.BlobsSkipped,
		"deleted", result.BlobsDeleted,
	)

	return result, nil
}
