package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"filevault/internal/domain"
)

// uniqueViolation код ошибки PostgreSQL для нарушения уникальности
const uniqueViolation = "23505"

type FileVersionRepository struct {
	db *sqlx.DB
}

func NewFileVersionRepository(db *sqlx.DB) *FileVersionRepository {
	return &FileVersionRepository{db: db}
}

// Insert вставляет версию и в той же транзакции поднимает отметку максимальной версии.
// Номер не выше отметки означает конфликт, даже если такой строки уже нет
func (r *FileVersionRepository) Insert(ctx context.Context, v *domain.FileVersion) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Условный upsert блокирует строку отметки до конца транзакции.
	// Пустой результат значит, что номер уже был выдан
	markQuery := `
        INSERT INTO file_version_marks (owner, project, type, name, high_water)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (owner, project, type, name)
        DO UPDATE SET high_water = EXCLUDED.high_water
        WHERE file_version_marks.high_water < EXCLUDED.high_water
        RETURNING high_water`

	var mark int64
	err = tx.QueryRowContext(ctx, markQuery, v.Owner, v.Project, v.Type, v.Name, v.Version).Scan(&mark)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s version %d is not above issued versions", domain.ErrConflict, v.Key(), v.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to update version mark: %w", err)
	}

	query := `
        INSERT INTO file_versions (
            owner, project, type, name, version,
            blob_handle, size_bytes, content_hash, description, metadata
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING uploaded_at`

	err = tx.QueryRowContext(
		ctx,
		query,
		v.Owner,
		v.Project,
		v.Type,
		v.Name,
		v.Version,
		v.BlobHandle,
		v.SizeBytes,
		v.ContentHash,
		v.Description,
		metadataValue(v.Metadata),
	).Scan(&v.UploadedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s version %d already exists", domain.ErrConflict, v.Key(), v.Version)
		}
		return fmt.Errorf("failed to insert file version: %w", err)
	}

	return tx.Commit()
}

func (r *FileVersionRepository) Get(ctx context.Context, key domain.FileKey, version int64) (*domain.FileVersion, error) {
	var v domain.FileVersion
	query := `
        SELECT * FROM file_versions
        WHERE owner = $1 AND project = $2 AND type = $3 AND name = $4 AND version = $5`

	err := r.db.GetContext(ctx, &v, query, key.Owner, key.Project, key.Type, key.Name, version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s version %d", domain.ErrNotFound, key, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file version: %w", err)
	}

	return &v, nil
}

// ListByKey получает все версии файла по возрастанию номера
func (r *FileVersionRepository) ListByKey(ctx context.Context, key domain.FileKey) ([]domain.FileVersion, error) {
	versions := []domain.FileVersion{}
	query := `
        SELECT * FROM file_versions
        WHERE owner = $1 AND project = $2 AND type = $3 AND name = $4
        ORDER BY version ASC`

	err := r.db.SelectContext(ctx, &versions, query, key.Owner, key.Project, key.Type, key.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get file versions: %w", err)
	}
	return versions, nil
}

// ListByPrefix получает версии проекта, либо всего владельца при пустом project
func (r *FileVersionRepository) ListByPrefix(ctx context.Context, owner, project string) ([]domain.FileVersion, error) {
	versions := []domain.FileVersion{}
	query := `
        SELECT * FROM file_versions
        WHERE owner = $1 AND ($2 = '' OR project = $2)
        ORDER BY project, type, name, version`

	err := r.db.SelectContext(ctx, &versions, query, owner, project)
	if err != nil {
		return nil, fmt.Errorf("failed to list file versions: %w", err)
	}
	return versions, nil
}

// Update блокирует строку, применяет fn и сохраняет метаданные
func (r *FileVersionRepository) Update(ctx context.Context, key domain.FileKey, version int64, fn func(*domain.FileVersion) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var v domain.FileVersion
	query := `
        SELECT * FROM file_versions
        WHERE owner = $1 AND project = $2 AND type = $3 AND name = $4 AND version = $5
        FOR UPDATE`

	err = tx.GetContext(ctx, &v, query, key.Owner, key.Project, key.Type, key.Name, version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s version %d", domain.ErrNotFound, key, version)
	}
	if err != nil {
		return fmt.Errorf("failed to lock file version: %w", err)
	}

	if err := fn(&v); err != nil {
		return err
	}

	updateQuery := `
        UPDATE file_versions
        SET metadata = $1, description = $2
        WHERE owner = $3 AND project = $4 AND type = $5 AND name = $6 AND version = $7`

	_, err = tx.ExecContext(ctx, updateQuery,
		metadataValue(v.Metadata),
		v.Description,
		key.Owner, key.Project, key.Type, key.Name, version,
	)
	if err != nil {
		return fmt.Errorf("failed to update file version metadata: %w", err)
	}

	return tx.Commit()
}

func (r *FileVersionRepository) Delete(ctx context.Context, key domain.FileKey, version int64) error {
	query := `
        DELETE FROM file_versions
        WHERE owner = $1 AND project = $2 AND type = $3 AND name = $4 AND version = $5`

	result, err := r.db.ExecContext(ctx, query, key.Owner, key.Project, key.Type, key.Name, version)
	if err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s version %d", domain.ErrNotFound, key, version)
	}

	return nil
}

func (r *FileVersionRepository) LatestVersion(ctx context.Context, key domain.FileKey) (int64, error) {
	var latest int64
	query := `
        SELECT COALESCE(MAX(version), 0) FROM file_versions
        WHERE owner = $1 AND project = $2 AND type = $3 AND name = $4`

	err := r.db.GetContext(ctx, &latest, query, key.Owner, key.Project, key.Type, key.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}
	return latest, nil
}

func (r *FileVersionRepository) HighWaterMark(ctx context.Context, key domain.FileKey) (int64, error) {
	var mark int64
	query := `
        SELECT high_water FROM file_version_marks
        WHERE owner = $1 AND project = $2 AND type = $3 AND name = $4`

	err := r.db.GetContext(ctx, &mark, query, key.Owner, key.Project, key.Type, key.Name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get version mark: %w", err)
	}
	return mark, nil
}

func (r *FileVersionRepository) BlobHandles(ctx context.Context) (map[string]bool, error) {
	var list []string
	if err := r.db.SelectContext(ctx, &list, `SELECT blob_handle FROM file_versions`); err != nil {
		return nil, fmt.Errorf("failed to list blob handles: %w", err)
	}

	handles := make(map[string]bool, len(list))
	for _, h := range list {
		handles[h] = true
	}
	return handles, nil
}

// metadataValue гарантирует '{}' вместо NULL в колонке metadata
func metadataValue(doc domain.Document) domain.Document {
	if doc == nil {
		return domain.Document{}
	}
	return doc
}
