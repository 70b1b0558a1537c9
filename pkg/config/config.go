// Package config provides the pipeline configuration system. A single
// Config structure describes sources, the declared schema, transform rules,
// quality rules, output encoding and orchestrator limits. Configuration is
// loaded from YAML with environment variable substitution and validated
// fail-fast at startup.
package config

import (
	"time"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Config is the root pipeline configuration.
type Config struct {
	// Pipeline is the pipeline instance name
	Pipeline string `yaml:"pipeline" json:"pipeline"`

	Log          LogConfig          `yaml:"log" json:"log"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Output       OutputConfig       `yaml:"output" json:"output"`
	Sources      []SourceConfig     `yaml:"sources" json:"sources"`
	Schema       models.Schema      `yaml:"schema" json:"schema"`
	Transform    TransformConfig    `yaml:"transform" json:"transform"`
	Quality      []QualityRule      `yaml:"quality" json:"quality"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// StorageConfig selects and configures the object store backing the zones.
type StorageConfig struct {
	// Backend is one of memory, filesystem, s3
	Backend string `yaml:"backend" json:"backend"`
	// Root is the base directory for the filesystem backend
	Root string `yaml:"root" json:"root"`
	// Bucket and Region configure the s3 backend
	Bucket string `yaml:"bucket" json:"bucket"`
	Region string `yaml:"region" json:"region"`
}

// OutputConfig controls the data file encoding written next to each
// committed batch.
type OutputConfig struct {
	// Format is one of jsonl, csv, avro
	Format string `yaml:"format" json:"format"`
	// Compression is one of none, gzip, zstd, lz4, snappy
	Compression string `yaml:"compression" json:"compression"`
}

// SourceConfig describes one external ingestion source.
type SourceConfig struct {
	Name string `yaml:"name" json:"name"`
	// Type is one of rest, ftp, webhook
	Type string `yaml:"type" json:"type"`
	// Location is the endpoint URL, FTP address or webhook path
	Location string `yaml:"location" json:"location"`
	// Schedule is a cron expression driving the ingestion trigger
	Schedule string `yaml:"schedule" json:"schedule"`
	// AuthType is one of none, bearer, api_key
	AuthType string `yaml:"auth_type" json:"auth_type"`
	// Secret names the credential in the secret store
	Secret string `yaml:"secret" json:"secret"`
	// CursorField is the payload field used as the ingestion watermark cursor
	CursorField string `yaml:"cursor_field" json:"cursor_field"`
	// PageSize bounds records fetched per page for paged sources
	PageSize int `yaml:"page_size" json:"page_size"`
	// RateLimit bounds requests per second against the source (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	// Timeout bounds a single fetch request
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// TransformConfig declares the dedup, partition and aggregation rules.
type TransformConfig struct {
	// DedupKeys is the key-set whose equal values collapse to one record
	DedupKeys []string `yaml:"dedup_keys" json:"dedup_keys"`
	// PartitionKeys derive the partition key as field=value path segments;
	// when empty, records partition by the year=/month=/day= decomposition
	// of TimeField
	PartitionKeys []string `yaml:"partition_keys" json:"partition_keys"`
	// TimeField is the payload field used for date partitioning
	TimeField string `yaml:"time_field" json:"time_field"`
	// StrictSchema fails the stage on type violations instead of dropping
	// the offending records
	StrictSchema bool `yaml:"strict_schema" json:"strict_schema"`
	// Aggregations configure the curated stage
	Aggregations []Aggregation `yaml:"aggregations" json:"aggregations"`
	// GroupBy is the aggregation key for the curated stage
	GroupBy []string `yaml:"group_by" json:"group_by"`
}

// Aggregation declares one reduction over the aggregation key.
type Aggregation struct {
	Field string `yaml:"field" json:"field"`
	// Op is one of count, sum, min, max, last
	Op string `yaml:"op" json:"op"`
}

// QualityRule declares one named predicate evaluated by the quality gate.
type QualityRule struct {
	Name string `yaml:"name" json:"name"`
	// Severity is blocking or warning
	Severity string `yaml:"severity" json:"severity"`
	// Predicate is one of no_null_field, row_count_min, row_count_max,
	// row_count_delta_pct, field_in_set, unique_field
	Predicate string `yaml:"predicate" json:"predicate"`
	// Field is the payload field the predicate applies to, when relevant
	Field string `yaml:"field" json:"field"`
	// Threshold parameterizes count and delta predicates
	Threshold float64 `yaml:"threshold" json:"threshold"`
	// Allowed enumerates permitted values for field_in_set
	Allowed []string `yaml:"allowed" json:"allowed"`
}

// OrchestratorConfig bounds retries, concurrency and stage duration.
type OrchestratorConfig struct {
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	StageConcurrency int           `yaml:"stage_concurrency" json:"stage_concurrency"`
	StageTimeout     time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
}

// Default returns a Config with production-ready defaults. Sources, schema
// and quality rules must still be supplied by the operator.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend: "filesystem",
			Root:    "data",
		},
		Output: OutputConfig{
			Format:      "jsonl",
			Compression: "gzip",
		},
		Transform: TransformConfig{
			DedupKeys: []string{"id"},
			TimeField: "timestamp",
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:      3,
			RetryDelay:       time.Second,
			MaxRetryDelay:    time.Minute,
			StageConcurrency: 4,
			StageTimeout:     10 * time.Minute,
		},
	}
}

var (
	validSourceTypes = map[string]bool{"rest": true, "ftp": true, "webhook": true}
	validAuthTypes   = map[string]bool{"": true, "none": true, "bearer": true, "api_key": true}
	validSeverities  = map[string]bool{"blocking": true, "warning": true}
	validPredicates  = map[string]bool{
		"no_null_field":       true,
		"row_count_min":       true,
		"row_count_max":       true,
		"row_count_delta_pct": true,
		"field_in_set":        true,
		"unique_field":        true,
	}
	validFormats      = map[string]bool{"jsonl": true, "csv": true, "avro": true}
	validCompressions = map[string]bool{"": true, "none": true, "gzip": true, "zstd": true, "lz4": true, "snappy": true}
	validBackends     = map[string]bool{"memory": true, "filesystem": true, "s3": true}
	validAggOps       = map[string]bool{"count": true, "sum": true, "min": true, "max": true, "last": true}
)

// Validate checks the configuration for correctness and returns a config
// error naming the first offending field. It must be called before the
// pipeline is assembled.
func (c *Config) Validate() error {
	if c.Pipeline == "" {
		return errors.New(errors.ErrorTypeConfig, "pipeline name is required")
	}
	if !validBackends[c.Storage.Backend] {
		return errors.Newf(errors.ErrorTypeConfig, "unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "filesystem" && c.Storage.Root == "" {
		return errors.New(errors.ErrorTypeConfig, "storage.root is required for the filesystem backend")
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "storage.bucket is required for the s3 backend")
	}
	if !validFormats[c.Output.Format] {
		return errors.Newf(errors.ErrorTypeConfig, "unknown output format %q", c.Output.Format)
	}
	if !validCompressions[c.Output.Compression] {
		return errors.Newf(errors.ErrorTypeConfig, "unknown output compression %q", c.Output.Compression)
	}

	if len(c.Sources) == 0 {
		return errors.New(errors.ErrorTypeConfig, "at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "sources[%d]: name is required", i)
		}
		if seen[s.Name] {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if !validSourceTypes[s.Type] {
			return errors.Newf(errors.ErrorTypeConfig, "source %q: unknown type %q", s.Name, s.Type)
		}
		if s.Type != "webhook" && s.Location == "" {
			return errors.Newf(errors.ErrorTypeConfig, "source %q: location is required", s.Name)
		}
		if !validAuthTypes[s.AuthType] {
			return errors.Newf(errors.ErrorTypeConfig, "source %q: unknown auth_type %q", s.Name, s.AuthType)
		}
		if (s.AuthType == "bearer" || s.AuthType == "api_key") && s.Secret == "" {
			return errors.Newf(errors.ErrorTypeConfig, "source %q: secret is required for auth_type %q", s.Name, s.AuthType)
		}
		if s.PageSize < 0 {
			return errors.Newf(errors.ErrorTypeConfig, "source %q: page_size cannot be negative", s.Name)
		}
	}

	for _, f := range c.Schema.Fields {
		if f.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "schema %q: field name is required", c.Schema.Name)
		}
		if !models.ValidFieldType(f.Type) {
			return errors.Newf(errors.ErrorTypeConfig, "schema field %q: unknown type %q", f.Name, f.Type)
		}
	}

	for _, a := range c.Transform.Aggregations {
		if !validAggOps[a.Op] {
			return errors.Newf(errors.ErrorTypeConfig, "aggregation on %q: unknown op %q", a.Field, a.Op)
		}
		if a.Field == "" && a.Op != "count" {
			return errors.Newf(errors.ErrorTypeConfig, "aggregation op %q requires a field", a.Op)
		}
	}
	if len(c.Transform.Aggregations) > 0 && len(c.Transform.GroupBy) == 0 {
		return errors.New(errors.ErrorTypeConfig, "transform.group_by is required when aggregations are declared")
	}

	ruleNames := make(map[string]bool, len(c.Quality))
	for i, q := range c.Quality {
		if q.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "quality[%d]: name is required", i)
		}
		if ruleNames[q.Name] {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate quality rule %q", q.Name)
		}
		ruleNames[q.Name] = true
		if !validSeverities[q.Severity] {
			return errors.Newf(errors.ErrorTypeConfig, "quality rule %q: unknown severity %q", q.Name, q.Severity)
		}
		if !validPredicates[q.Predicate] {
			return errors.Newf(errors.ErrorTypeConfig, "quality rule %q: unknown predicate %q", q.Name, q.Predicate)
		}
		switch q.Predicate {
		case "no_null_field", "unique_field", "field_in_set":
			if q.Field == "" {
				return errors.Newf(errors.ErrorTypeConfig, "quality rule %q: field is required for predicate %q", q.Name, q.Predicate)
			}
		}
		if q.Predicate == "field_in_set" && len(q.Allowed) == 0 {
			return errors.Newf(errors.ErrorTypeConfig, "quality rule %q: allowed values are required", q.Name)
		}
	}

	if c.Orchestrator.MaxAttempts <= 0 {
		return errors.New(errors.ErrorTypeConfig, "orchestrator.max_attempts must be positive")
	}
	if c.Orchestrator.StageConcurrency <= 0 {
		return errors.New(errors.ErrorTypeConfig, "orchestrator.stage_concurrency must be positive")
	}
	if c.Orchestrator.StageTimeout <= 0 {
		return errors.New(errors.ErrorTypeConfig, "orchestrator.stage_timeout must be positive")
	}
	return nil
}

// SourceByName returns the configuration of the named source.
func (c *Config) SourceByName(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}
