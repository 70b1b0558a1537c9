package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baanu007/aws-serverless-etl/pkg/compression"
	pkgerrors "github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/formats"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

func testBatch(t *testing.T, ids ...string) *models.Batch {
	t.Helper()
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	records := make([]models.Record, len(ids))
	for i, id := range ids {
		records[i] = models.NewRecord(id, "orders_api", ts, map[string]interface{}{
			"id": id, "amount": float64(i) + 0.5,
		})
	}
	return models.NewBatch("raw", models.ZoneRaw, "year=2026/month=08/day=30", records)
}

func newTestZoneStore(t *testing.T) (*ZoneStore, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	z := NewZoneStore(store, zaptest.NewLogger(t),
		WithOutputFormat(formats.JSONL),
		WithCompression(compression.Gzip))
	return z, store
}

func TestWriteReadRoundTrip(t *testing.T) {
	z, _ := newTestZoneStore(t)
	ctx := context.Background()
	batch := testBatch(t, "1", "2", "3")

	ref, err := z.Write(ctx, models.ZoneRaw, batch)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchID, ref.BatchID)

	loaded, err := z.Read(ctx, models.ZoneRaw, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchID, loaded.BatchID)
	assert.Equal(t, "raw", loaded.Stage)
	require.Len(t, loaded.Records, 3)
	assert.Equal(t, "1", loaded.Records[0].ID)
	assert.Equal(t, 0.5, loaded.Records[0].Data["amount"])
}

func TestWriteIdempotent(t *testing.T) {
	z, store := newTestZoneStore(t)
	ctx := context.Background()
	batch := testBatch(t, "1", "2")

	ref1, err := z.Write(ctx, models.ZoneRaw, batch)
	require.NoError(t, err)
	objectsAfterFirst := store.Len()

	ref2, err := z.Write(ctx, models.ZoneRaw, batch)
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, objectsAfterFirst, store.Len(), "second write must not create objects")
}

func TestWriteReplayFirstCommitWins(t *testing.T) {
	z, _ := newTestZoneStore(t)
	ctx := context.Background()

	batch := testBatch(t, "1", "2")
	ref1, err := z.Write(ctx, models.ZoneRaw, batch)
	require.NoError(t, err)

	// a retried ingestion of the same window re-reads the same record ids
	// but stamps fresh volatile metadata
	replay := testBatch(t, "1", "2")
	replay.Records[0].IngestedAt = replay.Records[0].IngestedAt.Add(5 * time.Minute)
	replay.Records[0].Data["_processed_at"] = "2026-08-30T11:00:00Z"
	require.Equal(t, batch.BatchID, replay.BatchID)

	ref2, err := z.Write(ctx, models.ZoneRaw, replay)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	loaded, err := z.Read(ctx, models.ZoneRaw, batch.BatchID)
	require.NoError(t, err)
	assert.NotContains(t, loaded.Records[0].Data, "_processed_at",
		"first committed payload must win over the replay")
}

func TestReadDetectsCorruption(t *testing.T) {
	z, store := newTestZoneStore(t)
	ctx := context.Background()
	batch := testBatch(t, "1")

	ref, err := z.Write(ctx, models.ZoneRaw, batch)
	require.NoError(t, err)

	// flip the stored checksum so payload and checksum disagree
	data, err := store.Get(ctx, ref.Key)
	require.NoError(t, err)
	corrupt := []byte(replaceFirst(string(data), batchChecksumOf(t, z, ctx, ref),
		"0000000000000000000000000000000000000000000000000000000000000000"))
	require.NoError(t, store.Put(ctx, ref.Key, corrupt))

	_, err = z.ReadRef(ctx, ref)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeStorageCorrupt))
}

func TestReadMissing(t *testing.T) {
	z, _ := newTestZoneStore(t)
	_, err := z.Read(context.Background(), models.ZoneRaw, "nope")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeNotFound))
}

func TestQuarantine(t *testing.T) {
	z, _ := newTestZoneStore(t)
	ctx := context.Background()
	batch := testBatch(t, "1", "2")

	_, err := z.Quarantine(ctx, batch, []string{"no_null_id", "volume_floor"})
	require.NoError(t, err)

	// never visible in the destination zone
	exists, err := z.Exists(ctx, models.ZoneRaw, batch.BatchID)
	require.NoError(t, err)
	assert.False(t, exists)

	loaded, err := z.Read(ctx, models.ZoneQuarantine, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchQuarantined, loaded.Status)

	violations, err := z.QuarantinedViolations(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, []string{"no_null_id", "volume_floor"}, violations)
}

func TestListByStage(t *testing.T) {
	z, _ := newTestZoneStore(t)
	ctx := context.Background()

	b1 := testBatch(t, "1")
	b2 := testBatch(t, "2")
	_, err := z.Write(ctx, models.ZoneRaw, b1)
	require.NoError(t, err)
	_, err = z.Write(ctx, models.ZoneRaw, b2)
	require.NoError(t, err)

	refs, err := z.List(ctx, models.ZoneRaw, ListFilter{Stage: "raw"})
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	refs, err = z.List(ctx, models.ZoneRaw, ListFilter{Stage: "other"})
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "raw/a/b/key.json", []byte("one")))
	require.NoError(t, store.Put(ctx, "raw/a/b/key.json", []byte("two")))

	data, err := store.Get(ctx, "raw/a/b/key.json")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	exists, err := store.Exists(ctx, "raw/a/b/key.json")
	require.NoError(t, err)
	assert.True(t, exists)

	keys, err := store.List(ctx, "raw/")
	require.NoError(t, err)
	assert.Equal(t, []string{"raw/a/b/key.json"}, keys)

	require.NoError(t, store.Delete(ctx, "raw/a/b/key.json"))
	_, err = store.Get(ctx, "raw/a/b/key.json")
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeNotFound))
}

func TestZoneStoreWithFilesystem(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	z := NewZoneStore(store, zaptest.NewLogger(t), WithCompression(compression.Zstd))
	ctx := context.Background()

	batch := testBatch(t, "10", "11")
	_, err = z.Write(ctx, models.ZoneProcessed, batch)
	require.NoError(t, err)

	loaded, err := z.Read(ctx, models.ZoneProcessed, batch.BatchID)
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 2)
}

// helpers

func replaceFirst(s, old, new string) string {
	if old == "" {
		return s
	}
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func batchChecksumOf(t *testing.T, z *ZoneStore, ctx context.Context, ref BatchRef) string {
	t.Helper()
	env, err := z.readEnvelope(ctx, ref.Key)
	require.NoError(t, err)
	return env.Checksum
}
