package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"go.uber.org/zap"

	"filevault/internal/domain"
)

const (
	defaultVersionRetries = 5
	defaultCleanupTimeout = 30 * time.Second
)

// Options настройки движка версий
type Options struct {
	// MaxUploadSize 0 - без ограничения
	MaxUploadSize  int64
	VerifyOnRead   bool
	VersionRetries int
	CleanupTimeout time.Duration
}

// FileVersionService оркестрирует хранилища blob и метаданных.
// Blob всегда пишется раньше метаданных, а удаляется после них.
type FileVersionService struct {
	meta     MetadataStore
	blobs    BlobStore
	resolver *VersionResolver
	opts     Options
	auditor  Auditor
	log      *zap.SugaredLogger
}

func NewFileVersionService(
	meta MetadataStore,
	blobs BlobStore,
	opts Options,
	auditor Auditor,
	log *zap.SugaredLogger,
) *FileVersionService {
	if opts.VersionRetries <= 0 {
		opts.VersionRetries = defaultVersionRetries
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &FileVersionService{
		meta:     meta,
		blobs:    blobs,
		resolver: NewVersionResolver(meta),
		opts:     opts,
		auditor:  auditor,
		log:      log,
	}
}

// MaxUploadSize предельный размер содержимого, 0 - без ограничения
func (s *FileVersionService) MaxUploadSize() int64 {
	return s.opts.MaxUploadSize
}

// Upload сохраняет содержимое и создает новую версию файла
func (s *FileVersionService) Upload(ctx context.Context, req domain.UploadRequest) (result *domain.FileVersion, err error) {
	start := time.Now()
	defer func() {
		var version int64
		if result != nil {
			version = result.Version
		}
		s.record(ctx, "upload", req.Key, version, 0, start, err)
	}()

	if err := req.Key.Validate(); err != nil {
		return nil, err
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidArgument)
	}
	if req.Version < 0 {
		return nil, fmt.Errorf("%w: explicit version must be positive", domain.ErrInvalidArgument)
	}

	explicit := req.Version > 0

	// Проверяем явную версию до записи содержимого. Окончательно решает Insert
	if explicit {
		next, err := s.resolver.NextVersion(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		if req.Version < next {
			return nil, fmt.Errorf("%w: %s version %d is not above issued version %d", domain.ErrConflict, req.Key, req.Version, next-1)
		}
	}

	content := newHashingReader(req.Content, s.opts.MaxUploadSize)
	handle, err := s.blobs.Put(ctx, content)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("failed to store content: %w (%v)", ctxErr, err)
		}
		return nil, fmt.Errorf("failed to store content: %w", err)
	}

	version := &domain.FileVersion{
		Owner:       req.Key.Owner,
		Project:     req.Key.Project,
		Type:        req.Key.Type,
		Name:        req.Key.Name,
		BlobHandle:  handle,
		SizeBytes:   content.n,
		ContentHash: content.Sum(),
		Description: req.Description,
		Metadata:    req.Metadata.Merge(nil),
		UploadedAt:  time.Now().UTC(),
	}

	if err := s.insertVersion(ctx, version, explicit, req.Version); err != nil {
		// Компенсирующее удаление: blob без метаданных не должен остаться
		s.discardBlob(ctx, handle)
		return nil, err
	}

	return version, nil
}

// insertVersion назначает номер и вставляет метаданные. При конфликте
// автоматически назначенного номера пересчитывает его и повторяет
func (s *FileVersionService) insertVersion(ctx context.Context, v *domain.FileVersion, explicit bool, requested int64) error {
	key := v.Key()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("upload cancelled: %w", err)
		}

		if explicit {
			v.Version = requested
		} else {
			next, err := s.resolver.NextVersion(ctx, key)
			if err != nil {
				return err
			}
			v.Version = next
		}

		err := s.meta.Insert(ctx, v)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || explicit {
			return err
		}
		if attempt >= s.opts.VersionRetries {
			return fmt.Errorf("version assignment for %s failed after %d retries: %w", key, attempt, err)
		}

		s.log.Debugw("version conflict, retrying", "key", key.String(), "version", v.Version, "attempt", attempt+1)
	}
}

// discardBlob удаляет blob на контексте, отвязанном от отмены запроса
func (s *FileVersionService) discardBlob(ctx context.Context, handle string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CleanupTimeout)
	defer cancel()

	if err := s.blobs.Delete(cleanupCtx, handle); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Errorw("failed to delete orphaned blob", "handle", handle, "error", err)
	}
}

// Download открывает поток содержимого версии. Вызывающий закрывает поток
func (s *FileVersionService) Download(ctx context.Context, key domain.FileKey, selector int64) (rc io.ReadCloser, result *domain.FileVersion, err error) {
	start := time.Now()
	defer func() {
		var version int64
		if result != nil {
			version = result.Version
		}
		s.record(ctx, "download", key, version, 0, start, err)
	}()

	v, err := s.getVersion(ctx, key, selector)
	if err != nil {
		return nil, nil, err
	}

	body, err := s.blobs.Get(ctx, v.BlobHandle)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: content of %s version %d is missing", domain.ErrIntegrity, key, v.Version)
		}
		return nil, nil, fmt.Errorf("failed to open content: %w", err)
	}

	if s.opts.VerifyOnRead && v.ContentHash != "" {
		body = newVerifyingReader(body, v)
	}

	return body, v, nil
}

// GetInfo возвращает метаданные всех версий файла по возрастанию номера
func (s *FileVersionService) GetInfo(ctx context.Context, key domain.FileKey) (versions []domain.FileVersion, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "get_info", key, 0, len(versions), start, err) }()

	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.meta.ListByKey(ctx, key)
}

// GetInfoByVersion возвращает метаданные одной версии
func (s *FileVersionService) GetInfoByVersion(ctx context.Context, key domain.FileKey, selector int64) (result *domain.FileVersion, err error) {
	start := time.Now()
	defer func() {
		var version int64
		if result != nil {
			version = result.Version
		}
		s.record(ctx, "get_info_by_version", key, version, 0, start, err)
	}()

	return s.getVersion(ctx, key, selector)
}

// GetInfoByProject возвращает метаданные всех версий всех файлов проекта
func (s *FileVersionService) GetInfoByProject(ctx context.Context, owner, project string) (versions []domain.FileVersion, err error) {
	start := time.Now()
	scope := domain.FileKey{Owner: owner, Project: project}
	defer func() { s.record(ctx, "get_info_by_project", scope, 0, len(versions), start, err) }()

	if err := validateScope(owner, project); err != nil {
		return nil, err
	}
	return s.meta.ListByPrefix(ctx, owner, project)
}

// GetAllInfo возвращает метаданные всех файлов владельца
func (s *FileVersionService) GetAllInfo(ctx context.Context, owner string) (versions []domain.FileVersion, err error) {
	start := time.Now()
	scope := domain.FileKey{Owner: owner}
	defer func() { s.record(ctx, "get_all_info", scope, 0, len(versions), start, err) }()

	if err := domain.ValidateComponent("owner", owner); err != nil {
		return nil, err
	}
	return s.meta.ListByPrefix(ctx, owner, "")
}

// UpdateMetadata сливает patch с открытыми метаданными версии
func (s *FileVersionService) UpdateMetadata(ctx context.Context, key domain.FileKey, selector int64, patch domain.Document) (err error) {
	start := time.Now()
	var version int64
	defer func() { s.record(ctx, "update_metadata", key, version, 0, start, err) }()

	if patch == nil {
		return fmt.Errorf("%w: metadata patch is required", domain.ErrInvalidArgument)
	}
	if err := key.Validate(); err != nil {
		return err
	}

	version, err = s.resolver.ResolveVersion(ctx, key, selector)
	if err != nil {
		return err
	}
	return s.meta.Update(ctx, key, version, mergeMetadata(patch))
}

// UpdateMetadataByProject применяет patch к каждой версии проекта независимо
func (s *FileVersionService) UpdateMetadataByProject(ctx context.Context, owner, project string, patch domain.Document) (*domain.BulkResult, error) {
	if err := validateScope(owner, project); err != nil {
		return nil, err
	}
	return s.bulkUpdate(ctx, "update_metadata_by_project", owner, project, patch)
}

// UpdateMetadataForOwner применяет patch к каждой версии владельца независимо
func (s *FileVersionService) UpdateMetadataForOwner(ctx context.Context, owner string, patch domain.Document) (*domain.BulkResult, error) {
	if err := domain.ValidateComponent("owner", owner); err != nil {
		return nil, err
	}
	return s.bulkUpdate(ctx, "update_metadata_for_owner", owner, "", patch)
}

func (s *FileVersionService) bulkUpdate(ctx context.Context, op, owner, project string, patch domain.Document) (result *domain.BulkResult, err error) {
	start := time.Now()
	defer func() { s.recordBulk(ctx, op, owner, project, start, result, err) }()

	if patch == nil {
		return nil, fmt.Errorf("%w: metadata patch is required", domain.ErrInvalidArgument)
	}

	versions, err := s.meta.ListByPrefix(ctx, owner, project)
	if err != nil {
		return nil, err
	}

	// Ошибка одного файла не останавливает обработку остальных
	result = domain.NewBulkResult()
	for i := range versions {
		v := &versions[i]
		result.Add(v.Ref(), s.meta.Update(ctx, v.Key(), v.Version, mergeMetadata(patch)))
	}
	return result, nil
}

// Delete удаляет одну версию: сначала метаданные, затем blob
func (s *FileVersionService) Delete(ctx context.Context, key domain.FileKey, selector int64) (err error) {
	start := time.Now()
	var version int64
	defer func() { s.record(ctx, "delete", key, version, 0, start, err) }()

	v, err := s.getVersion(ctx, key, selector)
	if err != nil {
		return err
	}
	version = v.Version
	return s.deleteVersion(ctx, v)
}

// DeleteAllVersions удаляет все версии файла
func (s *FileVersionService) DeleteAllVersions(ctx context.Context, key domain.FileKey) (result *domain.BulkResult, err error) {
	start := time.Now()
	defer func() { s.recordBulk(ctx, "delete_all_versions", key.Owner, key.Project, start, result, err) }()

	if err := key.Validate(); err != nil {
		return nil, err
	}

	versions, err := s.meta.ListByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.deleteEach(ctx, versions), nil
}

// DeleteProjectFiles удаляет все файлы проекта
func (s *FileVersionService) DeleteProjectFiles(ctx context.Context, owner, project string) (result *domain.BulkResult, err error) {
	start := time.Now()
	defer func() { s.recordBulk(ctx, "delete_project_files", owner, project, start, result, err) }()

	if err := validateScope(owner, project); err != nil {
		return nil, err
	}

	versions, err := s.meta.ListByPrefix(ctx, owner, project)
	if err != nil {
		return nil, err
	}
	return s.deleteEach(ctx, versions), nil
}

// DeleteAllFiles удаляет все файлы владельца
func (s *FileVersionService) DeleteAllFiles(ctx context.Context, owner string) (result *domain.BulkResult, err error) {
	start := time.Now()
	defer func() { s.recordBulk(ctx, "delete_all_files", owner, "", start, result, err) }()

	if err := domain.ValidateComponent("owner", owner); err != nil {
		return nil, err
	}

	versions, err := s.meta.ListByPrefix(ctx, owner, "")
	if err != nil {
		return nil, err
	}
	return s.deleteEach(ctx, versions), nil
}

func (s *FileVersionService) deleteEach(ctx context.Context, versions []domain.FileVersion) *domain.BulkResult {
	result := domain.NewBulkResult()
	for i := range versions {
		v := &versions[i]
		result.Add(v.Ref(), s.deleteVersion(ctx, v))
	}
	return result
}

// deleteVersion удаляет метаданные, затем blob. Метаданные авторитетны:
// если blob удалить не удалось, он станет сиротой и его заберет сборщик мусора
func (s *FileVersionService) deleteVersion(ctx context.Context, v *domain.FileVersion) error {
	if err := s.meta.Delete(ctx, v.Key(), v.Version); err != nil {
		return err
	}

	if err := s.blobs.Delete(ctx, v.BlobHandle); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warnw("blob already missing on delete", "key", v.Key().String(), "version", v.Version, "handle", v.BlobHandle)
			return nil
		}
		s.log.Warnw("failed to delete blob, left for garbage collection",
			"key", v.Key().String(),
			"version", v.Version,
			"handle", v.BlobHandle,
			"error", err,
		)
	}
	return nil
}

func (s *FileVersionService) getVersion(ctx context.Context, key domain.FileKey, selector int64) (*domain.FileVersion, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	version, err := s.resolver.ResolveVersion(ctx, key, selector)
	if err != nil {
		return nil, err
	}
	return s.meta.Get(ctx, key, version)
}

func (s *FileVersionService) record(ctx context.Context, op string, key domain.FileKey, version int64, items int, start time.Time, err error) {
	s.auditor.Record(ctx, AuditEvent{
		Operation: op,
		Key:       key,
		Version:   version,
		Items:     items,
		Err:       err,
		Duration:  time.Since(start),
	})
}

func (s *FileVersionService) recordBulk(ctx context.Context, op, owner, project string, start time.Time, result *domain.BulkResult, err error) {
	items := 0
	if result != nil {
		items = result.Total()
		if err == nil {
			err = result.Err()
		}
	}
	s.record(ctx, op, domain.FileKey{Owner: owner, Project: project}, 0, items, start, err)
}

func mergeMetadata(patch domain.Document) func(*domain.FileVersion) error {
	return func(v *domain.FileVersion) error {
		v.Metadata = v.Metadata.Merge(patch)
		return nil
	}
}

func validateScope(owner, project string) error {
	if err := domain.ValidateComponent("owner", owner); err != nil {
		return err
	}
	return domain.ValidateComponent("project", project)
}

// hashingReader считает размер и SHA-256 содержимого на лету
type hashingReader struct {
	r     io.Reader
	h     hash.Hash
	n     int64
	limit int64
}

func newHashingReader(r io.Reader, limit int64) *hashingReader {
	return &hashingReader{r: r, h: sha256.New(), limit: limit}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
		if hr.limit > 0 && hr.n > hr.limit {
			return n, fmt.Errorf("%w: content exceeds maximum size of %d bytes", domain.ErrInvalidArgument, hr.limit)
		}
	}
	return n, err
}

func (hr *hashingReader) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// verifyingReader сверяет размер и хеш при достижении конца потока
type verifyingReader struct {
	io.ReadCloser
	h            hash.Hash
	n            int64
	expectedHash string
	expectedSize int64
	ref          domain.VersionRef
}

func newVerifyingReader(rc io.ReadCloser, v *domain.FileVersion) *verifyingReader {
	return &verifyingReader{
		ReadCloser:   rc,
		h:            sha256.New(),
		expectedHash: v.ContentHash,
		expectedSize: v.SizeBytes,
		ref:          v.Ref(),
	}
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	n, err := vr.ReadCloser.Read(p)
	if n > 0 {
		vr.h.Write(p[:n])
		vr.n += int64(n)
	}
	if err == io.EOF {
		if vr.n != vr.expectedSize {
			return n, fmt.Errorf("%w: %s size %d, expected %d", domain.ErrIntegrity, vr.ref, vr.n, vr.expectedSize)
		}
		if sum := hex.EncodeToString(vr.h.Sum(nil)); sum != vr.expectedHash {
			return n, fmt.Errorf("%w: %s hash mismatch", domain.ErrIntegrity, vr.ref)
		}
	}
	return n, err
}
