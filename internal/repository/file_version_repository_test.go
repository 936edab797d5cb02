package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filevault/internal/domain"
)

var versionColumns = []string{
	"owner", "project", "type", "name", "version",
	"blob_handle", "size_bytes", "content_hash", "description", "metadata", "uploaded_at",
}

func newMockRepository(t *testing.T) (*FileVersionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewFileVersionRepository(sqlx.NewDb(db, "postgres")), mock
}

func sqlPattern(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func TestFileVersionRepository_Insert(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)
	uploadedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlPattern("INSERT INTO file_version_marks")).
		WithArgs("alice", "p1", "doc", "f", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"high_water"}).AddRow(int64(3)))
	mock.ExpectQuery(sqlPattern("INSERT INTO file_versions")).
		WillReturnRows(sqlmock.NewRows([]string{"uploaded_at"}).AddRow(uploadedAt))
	mock.ExpectCommit()

	v := testVersion(testKey, 3)
	require.NoError(t, repo.Insert(ctx, v))
	assert.True(t, uploadedAt.Equal(v.UploadedAt))
}

func TestFileVersionRepository_InsertBelowMarkConflicts(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	// условие upsert не выполнено: строка отметки не возвращается
	mock.ExpectBegin()
	mock.ExpectQuery(sqlPattern("WHERE file_version_marks.high_water < EXCLUDED.high_water")).
		WithArgs("alice", "p1", "doc", "f", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"high_water"}))
	mock.ExpectRollback()

	err := repo.Insert(ctx, testVersion(testKey, 2))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestFileVersionRepository_InsertUniqueViolationConflicts(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlPattern("INSERT INTO file_version_marks")).
		WillReturnRows(sqlmock.NewRows([]string{"high_water"}).AddRow(int64(5)))
	mock.ExpectQuery(sqlPattern("INSERT INTO file_versions")).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := repo.Insert(ctx, testVersion(testKey, 5))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestFileVersionRepository_InsertStoreError(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlPattern("INSERT INTO file_version_marks")).
		WillReturnRows(sqlmock.NewRows([]string{"high_water"}).AddRow(int64(1)))
	mock.ExpectQuery(sqlPattern("INSERT INTO file_versions")).
		WillReturnError(&pq.Error{Code: "53300"})
	mock.ExpectRollback()

	err := repo.Insert(ctx, testVersion(testKey, 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
}

func TestFileVersionRepository_GetKeepsMetadataOrder(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)
	uploadedAt := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery(sqlPattern("SELECT * FROM file_versions")).
		WithArgs("alice", "p1", "doc", "f", int64(1)).
		WillReturnRows(sqlmock.NewRows(versionColumns).
			AddRow("alice", "p1", "doc", "f", int64(1), "h1", int64(10), "abc", nil, []byte(`{"zeta":"z","alpha":"a"}`), uploadedAt))

	v, err := repo.Get(ctx, testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, "h1", v.BlobHandle)
	assert.Nil(t, v.Description)
	assert.Equal(t, domain.Document{{Key: "zeta", Value: "z"}, {Key: "alpha", Value: "a"}}, v.Metadata)

	mock.ExpectQuery(sqlPattern("SELECT * FROM file_versions")).
		WithArgs("alice", "p1", "doc", "f", int64(2)).
		WillReturnRows(sqlmock.NewRows(versionColumns))

	_, err = repo.Get(ctx, testKey, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFileVersionRepository_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	// пустой project выбирает всего владельца
	mock.ExpectQuery(sqlPattern("WHERE owner = $1 AND ($2 = '' OR project = $2)")).
		WithArgs("alice", "").
		WillReturnRows(sqlmock.NewRows(versionColumns).
			AddRow("alice", "p1", "doc", "f", int64(1), "h1", int64(1), "", nil, []byte(`{}`), now).
			AddRow("alice", "p2", "doc", "f", int64(1), "h2", int64(1), "", nil, []byte(`{}`), now))

	versions, err := repo.ListByPrefix(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "p2", versions[1].Project)

	mock.ExpectQuery(sqlPattern("ORDER BY project, type, name, version")).
		WithArgs("alice", "p3").
		WillReturnRows(sqlmock.NewRows(versionColumns))

	versions, err = repo.ListByPrefix(ctx, "alice", "p3")
	require.NoError(t, err)
	assert.NotNil(t, versions)
	assert.Empty(t, versions)
}

func TestFileVersionRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(sqlPattern("FOR UPDATE")).
		WithArgs("alice", "p1", "doc", "f", int64(1)).
		WillReturnRows(sqlmock.NewRows(versionColumns).
			AddRow("alice", "p1", "doc", "f", int64(1), "h1", int64(1), "", nil, []byte(`{"b":"x","a":"y"}`), now))
	mock.ExpectExec(sqlPattern("UPDATE file_versions")).
		WithArgs([]byte(`{"b":"x","a":"y","c":"z"}`), nil, "alice", "p1", "doc", "f", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Update(ctx, testKey, 1, func(v *domain.FileVersion) error {
		v.Metadata = v.Metadata.Merge(domain.Document{{Key: "c", Value: "z"}})
		return nil
	})
	require.NoError(t, err)
}

func TestFileVersionRepository_UpdateMissing(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(sqlPattern("FOR UPDATE")).
		WithArgs("alice", "p1", "doc", "f", int64(9)).
		WillReturnRows(sqlmock.NewRows(versionColumns))
	mock.ExpectRollback()

	called := false
	err := repo.Update(ctx, testKey, 9, func(v *domain.FileVersion) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, called)
}

func TestFileVersionRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	mock.ExpectExec(sqlPattern("DELETE FROM file_versions")).
		WithArgs("alice", "p1", "doc", "f", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(ctx, testKey, 1))

	mock.ExpectExec(sqlPattern("DELETE FROM file_versions")).
		WithArgs("alice", "p1", "doc", "f", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(ctx, testKey, 1), domain.ErrNotFound)
}

func TestFileVersionRepository_LatestAndHighWaterMark(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(sqlPattern("SELECT COALESCE(MAX(version), 0) FROM file_versions")).
		WithArgs("alice", "p1", "doc", "f").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(2)))

	latest, err := repo.LatestVersion(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	mock.ExpectQuery(sqlPattern("SELECT high_water FROM file_version_marks")).
		WithArgs("alice", "p1", "doc", "f").
		WillReturnRows(sqlmock.NewRows([]string{"high_water"}))

	// ключ без истории
	mark, err := repo.HighWaterMark(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), mark)

	mock.ExpectQuery(sqlPattern("SELECT high_water FROM file_version_marks")).
		WithArgs("alice", "p1", "doc", "f").
		WillReturnRows(sqlmock.NewRows([]string{"high_water"}).AddRow(int64(16)))

	mark, err = repo.HighWaterMark(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(16), mark)
}

func TestFileVersionRepository_BlobHandles(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(sqlPattern("SELECT blob_handle FROM file_versions")).
		WillReturnRows(sqlmock.NewRows([]string{"blob_handle"}).AddRow("h1").AddRow("h2"))

	handles, err := repo.BlobHandles(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"h1": true, "h2": true}, handles)
}
