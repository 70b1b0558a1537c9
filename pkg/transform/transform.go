// Package transform implements the staged record transformations between
// zones: cleaning against the declared schema, key-based deduplication,
// partition fan-out and group-by aggregation.
//
// Every function here is pure over its input record set: inputs are never
// mutated and identical input sets yield identical outputs, which is what
// makes re-running a stage after a crash converge on the same batch ids.
package transform

import (
	"context"

	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Result is the outcome of one stage run. Warnings carry non-fatal record
// drops so the orchestrator can record them on the run without failing it.
type Result struct {
	Batches  []*models.Batch
	Warnings []string
}

// Stage turns one or more input batches into zero or more output batches.
// Fan-in stages such as aggregation see every upstream batch of a run in a
// single call.
type Stage interface {
	Name() string
	Run(ctx context.Context, inputs []*models.Batch) (*Result, error)
}
