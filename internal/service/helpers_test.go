package service_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"filevault/internal/domain"
	"filevault/internal/repository"
	"filevault/internal/service"
	"filevault/internal/service/blobfs"
)

var aliceKey = domain.FileKey{Owner: "alice", Project: "p1", Type: "doc", Name: "f"}

type testEnv struct {
	engine *service.FileVersionService
	meta   *repository.BoltRepository
	blobs  *blobfs.FSStore
	audit  *recordingAuditor
}

func newTestEnv(t *testing.T, opts service.Options) *testEnv {
	t.Helper()
	return newTestEnvWith(t, opts, nil, nil)
}

// newTestEnvWith позволяет обернуть настоящие хранилища для внедрения сбоев
func newTestEnvWith(
	t *testing.T,
	opts service.Options,
	wrapMeta func(service.MetadataStore) service.MetadataStore,
	wrapBlobs func(service.BlobStore) service.BlobStore,
) *testEnv {
	t.Helper()
	dir := t.TempDir()

	meta, err := repository.NewBoltRepository(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blobs, err := blobfs.NewFSStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	var m service.MetadataStore = meta
	if wrapMeta != nil {
		m = wrapMeta(meta)
	}
	var b service.BlobStore = blobs
	if wrapBlobs != nil {
		b = wrapBlobs(blobs)
	}

	auditor := &recordingAuditor{}
	return &testEnv{
		engine: service.NewFileVersionService(m, b, opts, auditor, nil),
		meta:   meta,
		blobs:  blobs,
		audit:  auditor,
	}
}

func (e *testEnv) upload(t *testing.T, key domain.FileKey, content string) *domain.FileVersion {
	t.Helper()
	v, err := e.engine.Upload(context.Background(), domain.UploadRequest{
		Key:     key,
		Content: strings.NewReader(content),
	})
	require.NoError(t, err)
	return v
}

func (e *testEnv) download(t *testing.T, key domain.FileKey, selector int64) string {
	t.Helper()
	rc, _, err := e.engine.Download(context.Background(), key, selector)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := e.blobs.List(context.Background())
	require.NoError(t, err)
	return len(entries)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []service.AuditEvent
}

func (a *recordingAuditor) Record(_ context.Context, event service.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) last() service.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}

var errStoreDown = errors.New("store unavailable")

// faultyMeta возвращает ошибки на выбранных вызовах
type faultyMeta struct {
	service.MetadataStore
	mu             sync.Mutex
	conflicts      int
	insertErr      error
	updateFailsFor int64
	deleteFailsFor int64
}

func (m *faultyMeta) Insert(ctx context.Context, v *domain.FileVersion) error {
	m.mu.Lock()
	if m.conflicts > 0 {
		m.conflicts--
		m.mu.Unlock()
		return domain.ErrConflict
	}
	err := m.insertErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MetadataStore.Insert(ctx, v)
}

func (m *faultyMeta) Update(ctx context.Context, key domain.FileKey, version int64, fn func(*domain.FileVersion) error) error {
	if m.updateFailsFor != 0 && version == m.updateFailsFor {
		return errStoreDown
	}
	return m.MetadataStore.Update(ctx, key, version, fn)
}

func (m *faultyMeta) Delete(ctx context.Context, key domain.FileKey, version int64) error {
	if m.deleteFailsFor != 0 && version == m.deleteFailsFor {
		return errStoreDown
	}
	return m.MetadataStore.Delete(ctx, key, version)
}

// faultyBlobs подменяет поведение хранилища blob
type faultyBlobs struct {
	service.BlobStore
	putErr    error
	deleteErr error
	corrupt   bool
}

func (b *faultyBlobs) Put(ctx context.Context, r io.Reader) (string, error) {
	if b.putErr != nil {
		return "", b.putErr
	}
	return b.BlobStore.Put(ctx, r)
}

func (b *faultyBlobs) Get(ctx context.Context, handle string) (io.ReadCloser, error) {
	rc, err := b.BlobStore.Get(ctx, handle)
	if err != nil || !b.corrupt {
		return rc, err
	}
	rc.Close()
	return io.NopCloser(strings.NewReader("tampered content")), nil
}

func (b *faultyBlobs) Delete(ctx context.Context, handle string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.BlobStore.Delete(ctx, handle)
}

// staleMarks всегда отдает пустую историю ключа, как при гонке с другой загрузкой
type staleMarks struct {
	service.MetadataStore
}

func (staleMarks) HighWaterMark(context.Context, domain.FileKey) (int64, error) { return 0, nil }

func (staleMarks) LatestVersion(context.Context, domain.FileKey) (int64, error) { return 0, nil }
