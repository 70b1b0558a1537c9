package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/baanu007/aws-serverless-etl/pkg/compression"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/formats"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// BatchRef is a durable reference to a batch stored in a zone.
type BatchRef struct {
	Zone    models.Zone `json:"zone"`
	Key     string      `json:"key"`
	BatchID string      `json:"batch_id"`
}

// envelope is the on-store representation of a batch. The record payload is
// canonical JSON lines, optionally compressed; the checksum covers the
// uncompressed payload so tampering and partial writes are detected on read.
type envelope struct {
	BatchID      string                  `json:"batch_id"`
	Stage        string                  `json:"stage"`
	Zone         models.Zone             `json:"zone"`
	PartitionKey string                  `json:"partition_key"`
	Status       models.BatchStatus      `json:"status"`
	CreatedAt    string                  `json:"created_at"`
	RecordCount  int                     `json:"record_count"`
	Compression  compression.Algorithm   `json:"compression"`
	Checksum     string                  `json:"checksum"`
	Payload      []byte                  `json:"payload"`
	Violations   []string                `json:"violations,omitempty"`
}

const batchSuffix = ".batch.json"

// ZoneStore stores batches in zones on top of an ObjectStore. Writes are
// append-only, atomic per batch and idempotent on batch id.
type ZoneStore struct {
	store  ObjectStore
	format formats.Format
	comp   compression.Algorithm
	logger *zap.Logger
}

// ZoneStoreOption customizes a ZoneStore.
type ZoneStoreOption func(*ZoneStore)

// WithOutputFormat sets the data file encoding written next to committed
// batches.
func WithOutputFormat(f formats.Format) ZoneStoreOption {
	return func(z *ZoneStore) { z.format = f }
}

// WithCompression sets the payload compression algorithm.
func WithCompression(a compression.Algorithm) ZoneStoreOption {
	return func(z *ZoneStore) { z.comp = a }
}

// NewZoneStore creates a ZoneStore over the given object store.
func NewZoneStore(store ObjectStore, logger *zap.Logger, opts ...ZoneStoreOption) *ZoneStore {
	z := &ZoneStore{
		store:  store,
		format: formats.JSONL,
		comp:   compression.None,
		logger: logger,
	}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

func batchKey(zone models.Zone, b *models.Batch) string {
	partition := b.PartitionKey
	if partition == "" {
		partition = "unpartitioned"
	}
	return path.Join(string(zone), b.Stage, partition, b.BatchID+batchSuffix)
}

func (z *ZoneStore) dataKey(zone models.Zone, b *models.Batch) string {
	partition := b.PartitionKey
	if partition == "" {
		partition = "unpartitioned"
	}
	name := b.BatchID + ".data" + z.format.Extension() + z.comp.Extension()
	return path.Join(string(zone), b.Stage, partition, name)
}

func payloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Write persists a batch into a zone. The batch id hashes the stage and the
// record id set, so a batch whose id already exists is the same logical batch
// replayed; the write is a no-op returning the existing ref and the first
// committed payload wins. Replays carry fresh ingestion and audit timestamps,
// which is why payload equality is not part of the identity check. Alongside
// the canonical envelope a data file in the configured output format is
// written for downstream consumers.
func (z *ZoneStore) Write(ctx context.Context, zone models.Zone, batch *models.Batch) (BatchRef, error) {
	return z.write(ctx, zone, batch, nil)
}

func (z *ZoneStore) write(ctx context.Context, zone models.Zone, batch *models.Batch, violations []string) (BatchRef, error) {
	key := batchKey(zone, batch)
	ref := BatchRef{Zone: zone, Key: key, BatchID: batch.BatchID}

	exists, err := z.store.Exists(ctx, key)
	if err != nil {
		return BatchRef{}, err
	}
	if exists {
		z.logger.Debug("batch already stored, write is a no-op",
			zap.String("zone", string(zone)),
			zap.String("batch_id", batch.BatchID))
		return ref, nil
	}

	payload, err := formats.Encode(formats.JSONL, batch.Records)
	if err != nil {
		return BatchRef{}, err
	}
	checksum := payloadChecksum(payload)

	compressed, err := compression.Compress(z.comp, payload)
	if err != nil {
		return BatchRef{}, err
	}

	env := envelope{
		BatchID:      batch.BatchID,
		Stage:        batch.Stage,
		Zone:         zone,
		PartitionKey: batch.PartitionKey,
		Status:       batch.Status,
		CreatedAt:    batch.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		RecordCount:  len(batch.Records),
		Compression:  z.comp,
		Checksum:     checksum,
		Payload:      compressed,
		Violations:   violations,
	}
	data, err := gojson.Marshal(env)
	if err != nil {
		return BatchRef{}, errors.Wrap(err, errors.ErrorTypeInternal, "envelope encode failed")
	}

	if err := z.store.Put(ctx, key, data); err != nil {
		return BatchRef{}, err
	}

	// Data files are a convenience export; quarantined batches keep only
	// the envelope.
	if zone != models.ZoneQuarantine {
		if err := z.writeDataFile(ctx, zone, batch); err != nil {
			return BatchRef{}, err
		}
	}

	z.logger.Info("batch written",
		zap.String("zone", string(zone)),
		zap.String("stage", batch.Stage),
		zap.String("batch_id", batch.BatchID),
		zap.Int("records", len(batch.Records)))
	return ref, nil
}

func (z *ZoneStore) writeDataFile(ctx context.Context, zone models.Zone, batch *models.Batch) error {
	encoded, err := formats.Encode(z.format, batch.Records)
	if err != nil {
		return err
	}
	compressed, err := compression.Compress(z.comp, encoded)
	if err != nil {
		return err
	}
	return z.store.Put(ctx, z.dataKey(zone, batch), compressed)
}

// Quarantine writes a failing batch to the quarantine area together with the
// violated rule names. Quarantined batches never reach a destination zone
// but remain inspectable.
func (z *ZoneStore) Quarantine(ctx context.Context, batch *models.Batch, violations []string) (BatchRef, error) {
	return z.write(ctx, models.ZoneQuarantine, batch.WithStatus(models.BatchQuarantined), violations)
}

func (z *ZoneStore) readEnvelope(ctx context.Context, key string) (*envelope, error) {
	data, err := z.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := gojson.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageCorrupt, "envelope decode failed")
	}
	return &env, nil
}

// ReadRef loads the batch behind a reference, verifying payload integrity.
func (z *ZoneStore) ReadRef(ctx context.Context, ref BatchRef) (*models.Batch, error) {
	env, err := z.readEnvelope(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	return z.decode(env)
}

func (z *ZoneStore) decode(env *envelope) (*models.Batch, error) {
	payload, err := compression.Decompress(env.Compression, env.Payload)
	if err != nil {
		return nil, err
	}
	if got := payloadChecksum(payload); got != env.Checksum {
		return nil, errors.Newf(errors.ErrorTypeStorageCorrupt,
			"batch %s failed integrity check", env.BatchID).
			WithDetail("expected", env.Checksum).
			WithDetail("actual", got)
	}

	records, err := formats.DecodeJSONL(payload)
	if err != nil {
		return nil, err
	}
	if len(records) != env.RecordCount {
		return nil, errors.Newf(errors.ErrorTypeStorageCorrupt,
			"batch %s record count mismatch: envelope says %d, payload has %d",
			env.BatchID, env.RecordCount, len(records))
	}

	batch := &models.Batch{
		BatchID:      env.BatchID,
		Stage:        env.Stage,
		Zone:         env.Zone,
		PartitionKey: env.PartitionKey,
		Status:       env.Status,
		Records:      records,
	}
	return batch, nil
}

// Read locates and loads a batch by id within a zone.
func (z *ZoneStore) Read(ctx context.Context, zone models.Zone, batchID string) (*models.Batch, error) {
	ref, err := z.findRef(ctx, zone, batchID)
	if err != nil {
		return nil, err
	}
	return z.ReadRef(ctx, ref)
}

// Exists reports whether a batch with the given id is stored in the zone.
func (z *ZoneStore) Exists(ctx context.Context, zone models.Zone, batchID string) (bool, error) {
	_, err := z.findRef(ctx, zone, batchID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (z *ZoneStore) findRef(ctx context.Context, zone models.Zone, batchID string) (BatchRef, error) {
	keys, err := z.store.List(ctx, string(zone)+"/")
	if err != nil {
		return BatchRef{}, err
	}
	want := batchID + batchSuffix
	for _, key := range keys {
		if strings.HasSuffix(key, want) {
			return BatchRef{Zone: zone, Key: key, BatchID: batchID}, nil
		}
	}
	return BatchRef{}, errors.Newf(errors.ErrorTypeNotFound, "batch %s not found in zone %s", batchID, zone)
}

// ListFilter narrows a zone listing.
type ListFilter struct {
	Stage        string
	PartitionKey string
}

// List returns references to all batches in a zone matching the filter.
func (z *ZoneStore) List(ctx context.Context, zone models.Zone, filter ListFilter) ([]BatchRef, error) {
	prefix := string(zone) + "/"
	if filter.Stage != "" {
		prefix = path.Join(string(zone), filter.Stage) + "/"
		if filter.PartitionKey != "" {
			prefix = path.Join(string(zone), filter.Stage, filter.PartitionKey) + "/"
		}
	}

	keys, err := z.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	refs := make([]BatchRef, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, batchSuffix) {
			continue
		}
		base := path.Base(key)
		refs = append(refs, BatchRef{
			Zone:    zone,
			Key:     key,
			BatchID: strings.TrimSuffix(base, batchSuffix),
		})
	}
	return refs, nil
}

// QuarantinedViolations returns the violated rule names recorded with a
// quarantined batch.
func (z *ZoneStore) QuarantinedViolations(ctx context.Context, batchID string) ([]string, error) {
	ref, err := z.findRef(ctx, models.ZoneQuarantine, batchID)
	if err != nil {
		return nil, err
	}
	env, err := z.readEnvelope(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	return env.Violations, nil
}

// String describes the store configuration; used in startup logging.
func (z *ZoneStore) String() string {
	return fmt.Sprintf("zonestore(format=%s compression=%s)", z.format, z.comp)
}
