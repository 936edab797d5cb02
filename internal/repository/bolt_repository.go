package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"filevault/internal/domain"
)

var (
	bucketVersions = []byte("file_versions")
	bucketMarks    = []byte("version_marks")
)

const keySeparator = "\x00"

// BoltRepository встроенное хранилище метаданных на bbolt.
// Каждая изменяющая операция выполняется в одной транзакции записи.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository открывает или создает базу bbolt по указанному пути
func NewBoltRepository(dbPath string) (*BoltRepository, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	// Создаем бакеты
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketVersions, bucketMarks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *BoltRepository) Insert(_ context.Context, v *domain.FileVersion) error {
	key := v.Key()
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		id := versionID(key, v.Version)
		if b.Get(id) != nil {
			return fmt.Errorf("%w: %s version %d already exists", domain.ErrConflict, key, v.Version)
		}

		// Номер должен быть больше всех когда-либо выданных, включая удаленные
		marks := tx.Bucket(bucketMarks)
		markID := keyPrefix(key)
		current := decodeMark(marks.Get(markID))
		if v.Version <= current {
			return fmt.Errorf("%w: %s version %d is not above issued version %d", domain.ErrConflict, key, v.Version, current)
		}

		data, err := encodeVersion(v)
		if err != nil {
			return fmt.Errorf("failed to marshal file version: %w", err)
		}
		if err := b.Put(id, data); err != nil {
			return fmt.Errorf("failed to store file version: %w", err)
		}

		// Отметка никогда не уменьшается, поэтому номера не переиспользуются
		if err := marks.Put(markID, encodeMark(v.Version)); err != nil {
			return fmt.Errorf("failed to store version mark: %w", err)
		}
		return nil
	})
}

func (r *BoltRepository) Get(_ context.Context, key domain.FileKey, version int64) (*domain.FileVersion, error) {
	var v *domain.FileVersion
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersions).Get(versionID(key, version))
		if data == nil {
			return fmt.Errorf("%w: %s version %d", domain.ErrNotFound, key, version)
		}
		v = &domain.FileVersion{}
		return decodeVersion(data, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *BoltRepository) ListByKey(_ context.Context, key domain.FileKey) ([]domain.FileVersion, error) {
	return r.scan(keyPrefix(key))
}

func (r *BoltRepository) ListByPrefix(_ context.Context, owner, project string) ([]domain.FileVersion, error) {
	prefix := owner + keySeparator
	if project != "" {
		prefix += project + keySeparator
	}
	return r.scan([]byte(prefix))
}

// scan обходит бакет курсором по префиксу. Порядок ключей дает
// сортировку по (project, type, name, version)
func (r *BoltRepository) scan(prefix []byte) ([]domain.FileVersion, error) {
	versions := []domain.FileVersion{}
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		for k, data := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, data = c.Next() {
			var v domain.FileVersion
			if err := decodeVersion(data, &v); err != nil {
				return err
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (r *BoltRepository) Update(_ context.Context, key domain.FileKey, version int64, fn func(*domain.FileVersion) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		id := versionID(key, version)
		data := b.Get(id)
		if data == nil {
			return fmt.Errorf("%w: %s version %d", domain.ErrNotFound, key, version)
		}

		var v domain.FileVersion
		if err := decodeVersion(data, &v); err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}

		updated, err := encodeVersion(&v)
		if err != nil {
			return fmt.Errorf("failed to marshal file version: %w", err)
		}
		return b.Put(id, updated)
	})
}

func (r *BoltRepository) Delete(_ context.Context, key domain.FileKey, version int64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		id := versionID(key, version)
		if b.Get(id) == nil {
			return fmt.Errorf("%w: %s version %d", domain.ErrNotFound, key, version)
		}
		return b.Delete(id)
	})
}

func (r *BoltRepository) LatestVersion(_ context.Context, key domain.FileKey) (int64, error) {
	var latest int64
	prefix := keyPrefix(key)
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		// Номер версии закодирован фиксированной шириной, последний ключ с префиксом - максимальный
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n, err := strconv.ParseInt(string(k[len(prefix):]), 16, 64)
			if err != nil {
				return fmt.Errorf("malformed version key %q: %w", k, err)
			}
			latest = n
		}
		return nil
	})
	return latest, err
}

func (r *BoltRepository) HighWaterMark(_ context.Context, key domain.FileKey) (int64, error) {
	var mark int64
	err := r.db.View(func(tx *bolt.Tx) error {
		mark = decodeMark(tx.Bucket(bucketMarks).Get(keyPrefix(key)))
		return nil
	})
	return mark, err
}

func (r *BoltRepository) BlobHandles(_ context.Context) (map[string]bool, error) {
	handles := make(map[string]bool)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(_, data []byte) error {
			var v domain.FileVersion
			if err := decodeVersion(data, &v); err != nil {
				return err
			}
			handles[v.BlobHandle] = true
			return nil
		})
	})
	return handles, err
}

// storedVersion повторяет domain.FileVersion, но сохраняет BlobHandle,
// который скрыт из публичного JSON
type storedVersion struct {
	domain.FileVersion
	BlobHandle string `json:"blob_handle"`
}

func encodeVersion(v *domain.FileVersion) ([]byte, error) {
	return json.Marshal(storedVersion{FileVersion: *v, BlobHandle: v.BlobHandle})
}

func decodeVersion(data []byte, v *domain.FileVersion) error {
	var s storedVersion
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal file version: %w", err)
	}
	*v = s.FileVersion
	v.BlobHandle = s.BlobHandle
	return nil
}

func keyPrefix(key domain.FileKey) []byte {
	return []byte(key.Owner + keySeparator + key.Project + keySeparator + key.Type + keySeparator + key.Name + keySeparator)
}

func versionID(key domain.FileKey, version int64) []byte {
	return append(keyPrefix(key), []byte(fmt.Sprintf("%016x", version))...)
}

func encodeMark(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeMark(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
