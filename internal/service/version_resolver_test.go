package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filevault/internal/domain"
	"filevault/internal/repository"
	"filevault/internal/service"
)

func TestVersionResolver(t *testing.T) {
	ctx := context.Background()
	meta, err := repository.NewBoltRepository(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer meta.Close()

	resolver := service.NewVersionResolver(meta)

	next, err := resolver.NextVersion(ctx, aliceKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	_, err = resolver.ResolveVersion(ctx, aliceKey, domain.LatestVersion)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	for _, v := range []int64{1, 4} {
		require.NoError(t, meta.Insert(ctx, &domain.FileVersion{
			Owner:      aliceKey.Owner,
			Project:    aliceKey.Project,
			Type:       aliceKey.Type,
			Name:       aliceKey.Name,
			Version:    v,
			UploadedAt: time.Now(),
		}))
	}

	next, err = resolver.NextVersion(ctx, aliceKey)
	require.NoError(t, err)
	assert.Equal(t, int64(5), next)

	latest, err := resolver.ResolveVersion(ctx, aliceKey, domain.LatestVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)

	explicit, err := resolver.ResolveVersion(ctx, aliceKey, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), explicit)

	_, err = resolver.ResolveVersion(ctx, aliceKey, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// после удаления максимальной версии номер не возвращается в оборот
	require.NoError(t, meta.Delete(ctx, aliceKey, 4))
	next, err = resolver.NextVersion(ctx, aliceKey)
	require.NoError(t, err)
	assert.Equal(t, int64(5), next)

	latest, err = resolver.ResolveVersion(ctx, aliceKey, domain.LatestVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}
