package transform

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/logger"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Audit fields stamped on every record leaving the process stage.
const (
	AuditProcessedAt = "_processed_at"
	AuditJobRunID    = "_job_run_id"
	AuditSourceBatch = "_source_batch"
)

// ProcessStage cleans, deduplicates and partitions raw batches into one
// processed batch per partition key. Deduplication spans every input batch
// of the run.
type ProcessStage struct {
	schema models.Schema
	cfg    config.TransformConfig
}

func NewProcessStage(schema models.Schema, cfg config.TransformConfig) *ProcessStage {
	return &ProcessStage{schema: schema, cfg: cfg}
}

func (s *ProcessStage) Name() string { return "processed" }

func (s *ProcessStage) Run(ctx context.Context, inputs []*models.Batch) (*Result, error) {
	var (
		cleaned  []models.Record
		warnings []string
		total    int
	)
	for _, input := range inputs {
		recs, w, err := Clean(input.Records, s.schema, s.cfg.StrictSchema)
		if err != nil {
			return nil, err
		}
		for i := range recs {
			recs[i].Data[AuditSourceBatch] = input.BatchID
		}
		cleaned = append(cleaned, recs...)
		warnings = append(warnings, w...)
		total += len(input.Records)
	}
	deduped := Dedup(cleaned, s.cfg.DedupKeys)
	groups := Partition(deduped, s.cfg.PartitionKeys, s.cfg.TimeField)

	runID, _ := ctx.Value(logger.RunKey).(string)
	now := time.Now().UTC().Format(time.RFC3339)

	batches := make([]*models.Batch, 0, len(groups))
	for _, g := range groups {
		records := make([]models.Record, len(g.Records))
		for i, rec := range g.Records {
			stamped := rec.Clone()
			stamped.Data[AuditProcessedAt] = now
			stamped.Data[AuditJobRunID] = runID
			records[i] = stamped
		}
		batches = append(batches, models.NewBatch(s.Name(), models.ZoneProcessed, g.Key, records))
	}

	logger.WithContext(ctx).Debug("processed batch",
		zap.Int("in", total),
		zap.Int("out", len(deduped)),
		zap.Int("partitions", len(batches)),
		zap.Int("dropped", len(warnings)))
	return &Result{Batches: batches, Warnings: warnings}, nil
}

// CurateStage aggregates one or more processed batches into a single curated
// batch, so group totals span every partition of the run.
type CurateStage struct {
	cfg config.TransformConfig
}

func NewCurateStage(cfg config.TransformConfig) *CurateStage {
	return &CurateStage{cfg: cfg}
}

func (s *CurateStage) Name() string { return "curated" }

func (s *CurateStage) Run(ctx context.Context, inputs []*models.Batch) (*Result, error) {
	if len(inputs) == 0 {
		return &Result{}, nil
	}
	partition := inputs[0].PartitionKey
	var records []models.Record
	for _, in := range inputs {
		if in.PartitionKey != partition {
			partition = ""
		}
		records = append(records, in.Records...)
	}

	aggregated, err := Aggregate(records, s.cfg.Aggregations, s.cfg.GroupBy)
	if err != nil {
		return nil, err
	}
	batch := models.NewDerivedBatch(s.Name(), models.ZoneCurated, partition, inputs, aggregated)
	logger.WithContext(ctx).Debug("curated batch",
		zap.Int("inputs", len(inputs)), zap.Int("in", len(records)), zap.Int("groups", len(aggregated)))
	return &Result{Batches: []*models.Batch{batch}}, nil
}
