package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/retailops/demandflow/service/dao"
)

// FsStore is a generic filesystem-backed implementation of dao.Service.
// Records are stored as one JSON document per key under basePath. Any afs
// scheme works (file, mem, s3, ...), which keeps durable deployments and
// tests on the same code path.
type FsStore[T any] struct {
	basePath    string
	fs          afs.Service
	keySelector func(*T) string
	mu          sync.RWMutex
}

// NewFsStore creates the base directory when missing and returns a store
// rooted at basePath.
func NewFsStore[T any](basePath string, keySelector func(*T) string) (*FsStore[T], error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	fsService := afs.New()
	ctx := context.Background()
	if exists, _ := fsService.Exists(ctx, basePath); !exists {
		if err := fsService.Create(ctx, basePath, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}
	return &FsStore[T]{
		basePath:    url.Normalize(basePath, file.Scheme),
		fs:          fsService,
		keySelector: keySelector,
	}, nil
}

// Save persists a record as JSON.
func (s *FsStore[T]) Save(ctx context.Context, v *T) error {
	if v == nil {
		return dao.ErrNilEntity
	}
	key := s.keySelector(v)
	if key == "" {
		return dao.ErrInvalidID
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.fs.Upload(ctx, s.recordPath(key), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save record %s: %w", key, err)
	}
	return nil
}

// Load retrieves a record by key or dao.ErrNotFound.
func (s *FsStore[T]) Load(ctx context.Context, key string) (*T, error) {
	if key == "" {
		return nil, dao.ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	location := s.recordPath(key)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to check record %s: %w", key, err)
	}
	if !exists {
		return nil, dao.ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	var record T
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return &record, nil
}

// Delete removes a record.
func (s *FsStore[T]) Delete(ctx context.Context, key string) error {
	if key == "" {
		return dao.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	location := s.recordPath(key)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return fmt.Errorf("failed to check record %s: %w", key, err)
	}
	if !exists {
		return dao.ErrNotFound
	}
	return s.fs.Delete(ctx, location)
}

// List returns all records found under basePath. Unreadable entries are
// skipped so a single corrupt document cannot take the listing down.
func (s *FsStore[T]) List(ctx context.Context) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objects, err := s.fs.List(ctx, s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	var records []*T
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		data, err := s.fs.Download(ctx, object)
		if err != nil {
			continue
		}
		var record T
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

func (s *FsStore[T]) recordPath(key string) string {
	return url.Join(s.basePath, strings.ReplaceAll(key, "/", "_")+".json")
}

var _ dao.Service[string, any] = (*FsStore[any])(nil)
