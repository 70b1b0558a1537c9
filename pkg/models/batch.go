package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PartitionForTime returns the standard date-decomposed partition key for a
// timestamp, e.g. "year=2026/month=08/day=30".
func PartitionForTime(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("year=%04d/month=%02d/day=%02d", t.Year(), int(t.Month()), t.Day())
}

// Zone is a logical storage area representing one stage of data maturity.
type Zone string

const (
	ZoneRaw        Zone = "raw"
	ZoneProcessed  Zone = "processed"
	ZoneCurated    Zone = "curated"
	ZoneQuarantine Zone = "quarantine"
)

// ValidZone reports whether z is a pipeline zone (quarantine is a holding
// area, not a pipeline zone).
func ValidZone(z Zone) bool {
	switch z {
	case ZoneRaw, ZoneProcessed, ZoneCurated:
		return true
	default:
		return false
	}
}

// BatchStatus is the lifecycle status of a batch.
type BatchStatus string

const (
	BatchPending     BatchStatus = "pending"
	BatchValidated   BatchStatus = "validated"
	BatchQuarantined BatchStatus = "quarantined"
	BatchCommitted   BatchStatus = "committed"
)

// Batch is an immutable, idempotently-identified group of records produced
// by one ingestion or transform run. Re-runs over unchanged inputs produce a
// new Batch with the same BatchID.
type Batch struct {
	BatchID      string      `json:"batch_id"`
	Stage        string      `json:"stage"`
	Zone         Zone        `json:"zone"`
	PartitionKey string      `json:"partition_key"`
	Status       BatchStatus `json:"status"`
	Records      []Record    `json:"records"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewBatch builds a pending batch whose id is derived from the stage name
// and the member record ids.
func NewBatch(stage string, zone Zone, partitionKey string, records []Record) *Batch {
	return &Batch{
		BatchID:      ComputeBatchID(stage, records),
		Stage:        stage,
		Zone:         zone,
		PartitionKey: partitionKey,
		Status:       BatchPending,
		Records:      records,
		CreatedAt:    time.Now().UTC(),
	}
}

// NewDerivedBatch builds a pending batch whose id is derived from the stage
// name and the record ids of the source batches it was computed from.
// Aggregate outputs carry synthetic per-group record ids that repeat across
// different input sets, so their identity follows the source records: replays
// over the same sources converge on the same id, new sources get a new one.
func NewDerivedBatch(stage string, zone Zone, partitionKey string, sources []*Batch, records []Record) *Batch {
	var srcRecords []Record
	for _, s := range sources {
		srcRecords = append(srcRecords, s.Records...)
	}
	b := NewBatch(stage, zone, partitionKey, records)
	b.BatchID = ComputeBatchID(stage, srcRecords)
	return b
}

// ComputeBatchID returns the content hash identifying a batch: SHA-256 over
// the stage name and the sorted member record ids. Sorting makes the id
// independent of record order, so deterministic re-runs converge on the same
// id regardless of internal ordering.
func ComputeBatchID(stage string, records []Record) string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// WithStatus returns a shallow copy of the batch with the given status.
// The records slice is shared; records themselves are immutable.
func (b *Batch) WithStatus(status BatchStatus) *Batch {
	c := *b
	c.Status = status
	return &c
}

// RecordIDs returns the ids of the member records in batch order.
func (b *Batch) RecordIDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}
