// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/baanu007/aws-serverless-etl/pkg/logger"
)

// NewLogger returns a zap logger that writes through the test's log output.
func NewLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext returns a context cancelled automatically when the test ends.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// RunContext returns a test context carrying pipeline and run identifiers,
// matching what the orchestrator attaches before invoking a stage.
func RunContext(t *testing.T, pipeline, runID string) context.Context {
	ctx := TestContext(t)
	ctx = context.WithValue(ctx, logger.PipelineKey, pipeline)
	ctx = context.WithValue(ctx, logger.RunKey, runID)
	return ctx
}

// AssertEventually polls the condition until it holds or the timeout lapses.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
