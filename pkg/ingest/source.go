// Package ingest pulls records from external systems into the raw zone.
//
// Sources implement a pull contract: each Ingest call reads everything new
// since the given watermark and returns it as a single raw batch together
// with the advanced watermark. Sources never write to storage themselves;
// the orchestrator owns the commit and the watermark advance so that a
// crash between the two leaves at-least-once semantics intact.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// ErrNoNewData is returned by Ingest when the source has nothing beyond the
// current watermark. It is not a failure; callers skip the run.
var ErrNoNewData = errors.New("source has no new data")

// Watermark marks how far into a source a pipeline has successfully read.
type Watermark struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Zero reports whether the watermark has never been advanced.
func (w Watermark) Zero() bool {
	return w.Cursor == ""
}

// Result is the outcome of a successful Ingest call.
type Result struct {
	Batch *models.Batch
	// Next is the watermark to store once Batch has been durably committed.
	Next Watermark
}

// Source reads new records from an external system.
type Source interface {
	// Name returns the configured source name.
	Name() string

	// Ingest reads all records past the given watermark. It returns
	// ErrNoNewData when the source is fully drained.
	Ingest(ctx context.Context, from Watermark) (*Result, error)

	// Close releases any connections held by the source.
	Close() error
}
