package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/baanu007/aws-serverless-etl/pkg/errors"
)

const validYAML = `
pipeline: orders
storage:
  backend: memory
output:
  format: jsonl
  compression: gzip
sources:
  - name: orders_api
    type: rest
    location: https://api.example.com/orders
    schedule: "0 * * * *"
    auth_type: bearer
    secret: ORDERS_API_TOKEN
    cursor_field: updated_at
    page_size: 100
schema:
  name: order
  fields:
    - name: id
      type: string
      required: true
    - name: amount
      type: float
transform:
  dedup_keys: [id, timestamp]
  partition_keys: [timestamp]
  time_field: timestamp
quality:
  - name: no_null_id
    severity: blocking
    predicate: no_null_field
    field: id
  - name: volume_floor
    severity: warning
    predicate: row_count_min
    threshold: 10
orchestrator:
  max_attempts: 5
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Pipeline)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "rest", cfg.Sources[0].Type)
	assert.Equal(t, "updated_at", cfg.Sources[0].CursorField)
	assert.Equal(t, []string{"id", "timestamp"}, cfg.Transform.DedupKeys)
	require.Len(t, cfg.Quality, 2)
	assert.Equal(t, "blocking", cfg.Quality[0].Severity)

	// defaults overlay
	assert.Equal(t, 5, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 4, cfg.Orchestrator.StageConcurrency)
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("TEST_PIPELINE_NAME", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	content := "pipeline: ${TEST_PIPELINE_NAME}\n" + `
storage: {backend: memory}
sources:
  - {name: s, type: webhook}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Pipeline)
}

func TestValidateFailures(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse([]byte(validYAML))
		if err != nil {
			t.Fatalf("fixture config invalid: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"missing pipeline", func(c *Config) { c.Pipeline = "" }, "pipeline name"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "gcs" }, "storage backend"},
		{"unknown format", func(c *Config) { c.Output.Format = "parquet" }, "output format"},
		{"unknown compression", func(c *Config) { c.Output.Compression = "brotli" }, "compression"},
		{"no sources", func(c *Config) { c.Sources = nil }, "at least one source"},
		{"unknown source type", func(c *Config) { c.Sources[0].Type = "sftp" }, "unknown type"},
		{"unknown auth", func(c *Config) { c.Sources[0].AuthType = "oauth2" }, "auth_type"},
		{"missing secret", func(c *Config) { c.Sources[0].Secret = "" }, "secret is required"},
		{"bad schema type", func(c *Config) { c.Schema.Fields[1].Type = "decimal" }, "unknown type"},
		{"unknown severity", func(c *Config) { c.Quality[0].Severity = "fatal" }, "unknown severity"},
		{"unknown predicate", func(c *Config) { c.Quality[0].Predicate = "regex_match" }, "unknown predicate"},
		{"duplicate rule", func(c *Config) { c.Quality[1].Name = c.Quality[0].Name }, "duplicate quality rule"},
		{"zero attempts", func(c *Config) { c.Orchestrator.MaxAttempts = 0 }, "max_attempts"},
		{"bad agg op", func(c *Config) {
			c.Transform.Aggregations = []Aggregation{{Field: "amount", Op: "median"}}
			c.Transform.GroupBy = []string{"region"}
		}, "unknown op"},
		{"agg without group_by", func(c *Config) {
			c.Transform.Aggregations = []Aggregation{{Field: "amount", Op: "sum"}}
			c.Transform.GroupBy = nil
		}, "group_by"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeConfig))
			assert.Contains(t, err.Error(), tc.substr)
		})
	}
}

func TestSourceByName(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	src, ok := cfg.SourceByName("orders_api")
	assert.True(t, ok)
	assert.Equal(t, "rest", src.Type)

	_, ok = cfg.SourceByName("missing")
	assert.False(t, ok)
}
