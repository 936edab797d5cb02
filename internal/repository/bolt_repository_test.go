package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filevault/internal/domain"
)

func newTestBolt(t *testing.T) *BoltRepository {
	t.Helper()
	repo, err := NewBoltRepository(filepath.Join(t.TempDir(), "meta", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testVersion(key domain.FileKey, version int64) *domain.FileVersion {
	return &domain.FileVersion{
		Owner:      key.Owner,
		Project:    key.Project,
		Type:       key.Type,
		Name:       key.Name,
		Version:    version,
		BlobHandle: fmt.Sprintf("%s@%d", key, version),
		SizeBytes:  int64(version) * 10,
		Metadata:   domain.Document{{Key: "v", Value: "x"}},
		UploadedAt: time.Now().UTC().Truncate(time.Second),
	}
}

var testKey = domain.FileKey{Owner: "alice", Project: "p1", Type: "doc", Name: "f"}

func TestBoltRepository_InsertGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestBolt(t)

	_, err := repo.Get(ctx, testKey, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	v := testVersion(testKey, 1)
	description := "first"
	v.Description = &description
	require.NoError(t, repo.Insert(ctx, v))

	got, err := repo.Get(ctx, testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, v.BlobHandle, got.BlobHandle)
	assert.Equal(t, int64(10), got.SizeBytes)
	require.NotNil(t, got.Description)
	assert.Equal(t, "first", *got.Description)
	assert.Equal(t, domain.Document{{Key: "v", Value: "x"}}, got.Metadata)
	assert.True(t, v.UploadedAt.Equal(got.UploadedAt))
}

func TestBoltRepository_InsertDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	repo := newTestBolt(t)

	require.NoError(t, repo.Insert(ctx, testVersion(testKey, 1)))
	err := repo.Insert(ctx, testVersion(testKey, 1))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestBoltRepository_InsertRejectsIssuedVersions(t *testing.T) {
	ctx := context.Background()
	repo := newTestBolt(t)

	require.NoError(t, repo.Insert(ctx, testVersion(testKey, 10)))

	// номер ниже уже выданного
	err := repo.Insert(ctx, testVersion(testKey, 3))
	assert.ErrorIs(t, err, domain.ErrConflict)

	// удаленный номер не возвращается
	require.NoError(t, repo.Delete(ctx, testKey, 10))
	err = repo.Insert(ctx, testVersion(testKey, 10))
	assert.ErrorIs(t, err, domain.ErrConflict)

	versions, err := repo.ListByKey(ctx, testKey)
	require.NoError(t, err)
	assert.Empty(t, versions)

	require.NoError(t, repo.Insert(ctx, testVersion(testKey, 11)))

	// отметки разных ключей независимы
	require.NoError(t, repo.Insert(ctx, testVersion(domain.FileKey{Owner: "alice", Project: "p1", Type: "doc", Name: "g"}, 1)))
}

func TestBoltRepository_ListOrdering(t *testing.T) {
	ctx := context.Background()
	repo := newTestBolt(t)

	other := domain.FileKey{Owner: "alice", Project: "p1", Type: "doc", Name: "ff"}
	second := domain.FileKey{Owner: "alice", Project: "p2", Type: "doc", Name: "f"}
	foreign := domain.FileKey{Owner: "bob", Project: "p1", Type: "doc", Name: "f"}

	for _, v := range []int64{1, 2, 3, 17} {
		require.NoError(t, repo.Insert(ctx, testVersion(testKey, v)))
	}
	require.NoError(t, repo.Insert(ctx, testVersion(other, 1)))
	require.NoError(t, repo.Insert(ctx, testVersion(second, 1)))
	require.NoError(t, repo.Insert(ctx, testVersion(foreign, 1)))

	versions, err := repo.ListByKey(ctx, testKey)
	require.NoError(t, err)
	var numbers []int64
	for _, v := range versions {
		numbers = append(numbers, v.Version)
	}
	assert.Equal(t, []int64{1, 2, 3, 17}, numbers)

	project, err := repo.ListByPrefix(ctx, "alice", "p1")
	require.NoError(t, err)
	assert.Len(t, project, 5)

	owner, err := repo.ListByPrefix(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, owner, 6)

	empty, err := repo.ListByKey(ctx, domain.FileKey{Owner: "x", Project: "y", Type: "z", Name: "w"})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestBoltRepository_LatestAndHighWaterMark(t *testing.T) {
	ctx := context.Background()
	repo := newTestBolt(t)

	latest, err := repo.LatestVersion(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest)

	for _, v := range []int64{1, 2, 16} {
		require.NoError(t, repo.Insert(ctx, testVersion(testKey, v)))
	}

	latest, err = repo.LatestVersion(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(16), latest)

	require.NoError(t, repo.Delete(ctx, testKey, 16))
	latest, err = repo.LatestVersion(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	// отметка не уменьшается после удаления
	mark, err := repo.HighWaterMark(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(16), mark)
}

func TestBoltRepository_UpdateDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestBolt(t)

	err := repo.Update(ctx, testKey, 1, func(v *domain.FileVersion) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Insert(ctx, testVersion(testKey, 1)))
	require.NoError(t, repo.Update(ctx, testKey, 1, func(v *domain.FileVersion) error {
		v.Metadata = v.Metadata.Merge(domain.Document{{Key: "tag", Value: "new"}})
		return nil
	}))

	got, err := repo.Get(ctx, testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Document{{Key: "v", Value: "x"}, {Key: "tag", Value: "new"}}, got.Metadata)

	require.NoError(t, repo.Delete(ctx, testKey, 1))
	assert.ErrorIs(t, repo.Delete(ctx, testKey, 1), domain.ErrNotFound)
}

func TestBoltRepository_BlobHandles(t *testing.T) {
	ctx := context.Background()
	repo := newTestBolt(t)

	v1 := testVersion(testKey, 1)
	v2 := testVersion(testKey, 2)
	require.NoError(t, repo.Insert(ctx, v1))
	require.NoError(t, repo.Insert(ctx, v2))

	handles, err := repo.BlobHandles(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{v1.BlobHandle: true, v2.BlobHandle: true}, handles)
}

func TestBoltRepository_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	repo, err := NewBoltRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, testVersion(testKey, 4)))
	require.NoError(t, repo.Delete(ctx, testKey, 4))
	require.NoError(t, repo.Close())

	repo, err = NewBoltRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	mark, err := repo.HighWaterMark(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(4), mark)
}
