package ingest

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/storage"
)

// WatermarkStore persists per-source watermarks. Advance is compare-and-swap:
// it only succeeds when the stored watermark still matches the one the caller
// read, so two overlapping runs of the same source cannot both win.
type WatermarkStore interface {
	Get(ctx context.Context, source string) (Watermark, error)
	// Advance moves the watermark for source from `from` to `to`. It returns
	// a conflict error when the stored watermark no longer equals `from`.
	Advance(ctx context.Context, source string, from, to Watermark) error
}

// MemoryWatermarkStore keeps watermarks in process memory.
type MemoryWatermarkStore struct {
	mu    sync.Mutex
	marks map[string]Watermark
}

func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{marks: make(map[string]Watermark)}
}

func (s *MemoryWatermarkStore) Get(_ context.Context, source string) (Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[source], nil
}

func (s *MemoryWatermarkStore) Advance(_ context.Context, source string, from, to Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.marks[source]; cur.Cursor != from.Cursor {
		return errors.Newf(errors.ErrorTypeConflict,
			"watermark for %q moved from %q to %q by a concurrent run", source, from.Cursor, cur.Cursor)
	}
	to.UpdatedAt = time.Now().UTC()
	s.marks[source] = to
	return nil
}

// ObjectWatermarkStore persists watermarks as small JSON objects in an
// ObjectStore, one object per source under watermarks/. The in-process mutex
// serializes the read-compare-write cycle; cross-process exclusivity relies
// on the orchestrator running at most one ingestion per source at a time.
type ObjectWatermarkStore struct {
	mu    sync.Mutex
	store storage.ObjectStore
}

func NewObjectWatermarkStore(store storage.ObjectStore) *ObjectWatermarkStore {
	return &ObjectWatermarkStore{store: store}
}

func watermarkKey(source string) string {
	return "watermarks/" + source + ".json"
}

func (s *ObjectWatermarkStore) Get(ctx context.Context, source string) (Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, source)
}

func (s *ObjectWatermarkStore) load(ctx context.Context, source string) (Watermark, error) {
	data, err := s.store.Get(ctx, watermarkKey(source))
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return Watermark{}, nil
		}
		return Watermark{}, errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "read watermark")
	}
	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return Watermark{}, errors.Wrap(err, errors.ErrorTypeStorageCorrupt, "decode watermark")
	}
	return w, nil
}

func (s *ObjectWatermarkStore) Advance(ctx context.Context, source string, from, to Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(ctx, source)
	if err != nil {
		return err
	}
	if cur.Cursor != from.Cursor {
		return errors.Newf(errors.ErrorTypeConflict,
			"watermark for %q moved from %q to %q by a concurrent run", source, from.Cursor, cur.Cursor)
	}
	to.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(to)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode watermark")
	}
	if err := s.store.Put(ctx, watermarkKey(source), data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "write watermark")
	}
	return nil
}
