package transform

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
	"github.com/baanu007/aws-serverless-etl/pkg/testutil"
)

var testSchema = models.Schema{
	Name: "orders",
	Fields: []models.Field{
		{Name: "order_id", Type: models.FieldTypeString, Required: true},
		{Name: "amount", Type: models.FieldTypeFloat, Required: true},
		{Name: "placed_at", Type: models.FieldTypeTimestamp, Required: false},
	},
}

func rec(id string, at time.Time, data map[string]interface{}) models.Record {
	return models.NewRecord(id, "test", at, data)
}

func TestCleanTrimsAndCoerces(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	in := []models.Record{
		rec("1", at, map[string]interface{}{
			"order_id":  "  A-1  ",
			"amount":    "12.50",
			"placed_at": "2026-08-01T10:00:00Z",
			"note":      "  keep me  ",
		}),
	}
	out, warnings, err := Clean(in, testSchema, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, "A-1", out[0].Data["order_id"])
	assert.Equal(t, 12.5, out[0].Data["amount"])
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), out[0].Data["placed_at"])
	assert.Equal(t, "keep me", out[0].Data["note"], "unknown fields pass through trimmed")

	// input record untouched
	assert.Equal(t, "  A-1  ", in[0].Data["order_id"])
}

func TestCleanDropsBadRecords(t *testing.T) {
	at := time.Now().UTC()
	in := []models.Record{
		rec("good", at, map[string]interface{}{"order_id": "A", "amount": 1.0}),
		rec("null-required", at, map[string]interface{}{"order_id": nil, "amount": 2.0}),
		rec("bad-type", at, map[string]interface{}{"order_id": "C", "amount": "not-a-number"}),
	}
	out, warnings, err := Clean(in, testSchema, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "good", out[0].ID)
	assert.Len(t, warnings, 2)
}

func TestCleanStrictFailsBatch(t *testing.T) {
	in := []models.Record{
		rec("bad", time.Now(), map[string]interface{}{"order_id": "A", "amount": "nope"}),
	}
	_, _, err := Clean(in, testSchema, true)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaViolation))
	assert.False(t, errors.IsRetryable(err))
}

func TestDedupKeepsLatest(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	in := []models.Record{
		rec("a1", t0, map[string]interface{}{"order_id": "A", "v": 1}),
		rec("b1", t0, map[string]interface{}{"order_id": "B", "v": 1}),
		rec("a2", t0.Add(time.Hour), map[string]interface{}{"order_id": "A", "v": 2}),
	}
	out := Dedup(in, []string{"order_id"})
	require.Len(t, out, 2)
	assert.Equal(t, "b1", out[0].ID)
	assert.Equal(t, "a2", out[1].ID)
}

func TestDedupTieKeepsFirstOccurrence(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	in := []models.Record{
		rec("first", t0, map[string]interface{}{"order_id": "A"}),
		rec("second", t0, map[string]interface{}{"order_id": "A"}),
	}
	out := Dedup(in, []string{"order_id"})
	require.Len(t, out, 1)
	assert.Equal(t, "first", out[0].ID)
}

func TestHundredRecordsTenDuplicates(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var in []models.Record
	for i := 0; i < 90; i++ {
		in = append(in, rec(fmt.Sprintf("r%02d", i), t0.Add(time.Duration(i)*time.Second),
			map[string]interface{}{"order_id": fmt.Sprintf("K%02d", i), "amount": 1.0}))
	}
	// ten newer duplicates of the first ten keys
	for i := 0; i < 10; i++ {
		in = append(in, rec(fmt.Sprintf("dup%02d", i), t0.Add(time.Hour),
			map[string]interface{}{"order_id": fmt.Sprintf("K%02d", i), "amount": 2.0}))
	}
	require.Len(t, in, 100)

	out := Dedup(in, []string{"order_id"})
	assert.Len(t, out, 90)
	byKey := map[string]models.Record{}
	for _, r := range out {
		byKey[fmt.Sprint(r.Data["order_id"])] = r
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, 2.0, byKey[fmt.Sprintf("K%02d", i)].Data["amount"],
			"newer duplicate must win")
	}
}

func TestPartitionByDate(t *testing.T) {
	in := []models.Record{
		rec("1", time.Now(), map[string]interface{}{"placed_at": "2026-08-01T10:00:00Z"}),
		rec("2", time.Now(), map[string]interface{}{"placed_at": "2026-08-02T10:00:00Z"}),
		rec("3", time.Now(), map[string]interface{}{"placed_at": "2026-08-01T23:00:00Z"}),
	}
	groups := Partition(in, nil, "placed_at")
	require.Len(t, groups, 2)
	assert.Equal(t, "year=2026/month=08/day=01", groups[0].Key)
	assert.Equal(t, "year=2026/month=08/day=02", groups[1].Key)
	assert.Len(t, groups[0].Records, 2)
	assert.Equal(t, "1", groups[0].Records[0].ID, "input order preserved inside group")
}

func TestPartitionByFields(t *testing.T) {
	in := []models.Record{
		rec("1", time.Now(), map[string]interface{}{"region": "eu", "tier": "gold"}),
		rec("2", time.Now(), map[string]interface{}{"region": "us", "tier": "gold"}),
	}
	groups := Partition(in, []string{"region", "tier"}, "")
	require.Len(t, groups, 2)
	assert.Equal(t, "region=eu/tier=gold", groups[0].Key)
	assert.Equal(t, "region=us/tier=gold", groups[1].Key)
}

func TestPartitionDeterministic(t *testing.T) {
	in := []models.Record{
		rec("1", time.Now(), map[string]interface{}{"placed_at": "2026-08-01T10:00:00Z"}),
		rec("2", time.Now(), map[string]interface{}{"placed_at": "2026-08-02T10:00:00Z"}),
	}
	first := Partition(in, nil, "placed_at")
	second := Partition(in, nil, "placed_at")
	assert.Equal(t, first, second)
}

func TestAggregate(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	in := []models.Record{
		rec("1", t0, map[string]interface{}{"region": "eu", "amount": 10.0, "status": "new"}),
		rec("2", t0.Add(time.Hour), map[string]interface{}{"region": "eu", "amount": 30.0, "status": "paid"}),
		rec("3", t0, map[string]interface{}{"region": "us", "amount": 5.0, "status": "new"}),
	}
	aggs := []config.Aggregation{
		{Op: "count"},
		{Field: "amount", Op: "sum"},
		{Field: "amount", Op: "min"},
		{Field: "amount", Op: "max"},
		{Field: "status", Op: "last"},
	}
	out, err := Aggregate(in, aggs, []string{"region"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	eu := out[0]
	assert.Equal(t, "eu", eu.Data["region"])
	assert.Equal(t, 2.0, eu.Data["count"])
	assert.Equal(t, 40.0, eu.Data["amount_sum"])
	assert.Equal(t, 10.0, eu.Data["amount_min"])
	assert.Equal(t, 30.0, eu.Data["amount_max"])
	assert.Equal(t, "paid", eu.Data["status_last"])
}

func TestAggregateAssociativeRerun(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var all []models.Record
	for i := 0; i < 20; i++ {
		region := "eu"
		if i%2 == 0 {
			region = "us"
		}
		all = append(all, rec(fmt.Sprintf("r%d", i), t0.Add(time.Duration(i)*time.Minute),
			map[string]interface{}{"region": region, "amount": float64(i)}))
	}
	aggs := []config.Aggregation{
		{Op: "count"},
		{Field: "amount", Op: "sum"},
		{Field: "amount", Op: "max"},
	}
	groupBy := []string{"region"}

	whole, err := Aggregate(all, aggs, groupBy)
	require.NoError(t, err)

	left, err := Aggregate(all[:11], aggs, groupBy)
	require.NoError(t, err)
	right, err := Aggregate(all[11:], aggs, groupBy)
	require.NoError(t, err)
	merged, err := Aggregate(append(left, right...), aggs, groupBy)
	require.NoError(t, err)

	require.Len(t, merged, len(whole))
	for i := range whole {
		assert.Equal(t, whole[i].Data["region"], merged[i].Data["region"])
		assert.Equal(t, whole[i].Data["count"], merged[i].Data["count"], "no double counting")
		assert.Equal(t, whole[i].Data["amount_sum"], merged[i].Data["amount_sum"])
		assert.Equal(t, whole[i].Data["amount_max"], merged[i].Data["amount_max"])
		assert.Equal(t, whole[i].ID, merged[i].ID, "group identity stable across passes")
	}
}

func TestAggregateUnknownOp(t *testing.T) {
	_, err := Aggregate(nil, []config.Aggregation{{Field: "x", Op: "median"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransform))
}

func TestProcessStageFanOutAndAudit(t *testing.T) {
	cfg := config.TransformConfig{
		DedupKeys: []string{"order_id"},
		TimeField: "placed_at",
	}
	stage := NewProcessStage(testSchema, cfg)

	input := models.NewBatch("raw", models.ZoneRaw, "year=2026/month=08/day=01", []models.Record{
		rec("1", time.Now(), map[string]interface{}{
			"order_id": "A", "amount": 1.0, "placed_at": "2026-08-01T10:00:00Z"}),
		rec("2", time.Now(), map[string]interface{}{
			"order_id": "B", "amount": 2.0, "placed_at": "2026-08-02T10:00:00Z"}),
	})

	ctx := testutil.RunContext(t, "orders", "run-123")
	res, err := stage.Run(ctx, []*models.Batch{input})
	require.NoError(t, err)
	require.Len(t, res.Batches, 2)
	for _, b := range res.Batches {
		assert.Equal(t, "processed", b.Stage)
		assert.Equal(t, models.ZoneProcessed, b.Zone)
		for _, r := range b.Records {
			assert.Equal(t, input.BatchID, r.Data[AuditSourceBatch])
			assert.Equal(t, "run-123", r.Data[AuditJobRunID])
			assert.NotEmpty(t, r.Data[AuditProcessedAt])
		}
	}

	// identical input yields identical output batch ids
	again, err := stage.Run(context.Background(), []*models.Batch{input})
	require.NoError(t, err)
	require.Len(t, again.Batches, 2)
	for i := range res.Batches {
		assert.Equal(t, res.Batches[i].BatchID, again.Batches[i].BatchID)
	}
}

func TestProcessStageDedupsAcrossInputBatches(t *testing.T) {
	cfg := config.TransformConfig{DedupKeys: []string{"order_id"}}
	stage := NewProcessStage(testSchema, cfg)

	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	first := models.NewBatch("raw", models.ZoneRaw, "p1", []models.Record{
		rec("1", t0, map[string]interface{}{"order_id": "A", "amount": 1.0}),
	})
	second := models.NewBatch("raw", models.ZoneRaw, "p2", []models.Record{
		rec("2", t0.Add(time.Hour), map[string]interface{}{"order_id": "A", "amount": 2.0}),
	})

	res, err := stage.Run(context.Background(), []*models.Batch{first, second})
	require.NoError(t, err)

	var records []models.Record
	for _, b := range res.Batches {
		records = append(records, b.Records...)
	}
	require.Len(t, records, 1, "duplicate key must collapse across input batches")
	assert.Equal(t, 2.0, records[0].Data["amount"])
	assert.Equal(t, second.BatchID, records[0].Data[AuditSourceBatch])
}

func TestCurateStage(t *testing.T) {
	cfg := config.TransformConfig{
		Aggregations: []config.Aggregation{{Op: "count"}, {Field: "amount", Op: "sum"}},
		GroupBy:      []string{"region"},
	}
	stage := NewCurateStage(cfg)

	input := models.NewBatch("processed", models.ZoneProcessed, "year=2026/month=08/day=01",
		[]models.Record{
			rec("1", time.Now(), map[string]interface{}{"region": "eu", "amount": 10.0}),
			rec("2", time.Now(), map[string]interface{}{"region": "eu", "amount": 5.0}),
		})

	res, err := stage.Run(context.Background(), []*models.Batch{input})
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	out := res.Batches[0]
	assert.Equal(t, models.ZoneCurated, out.Zone)
	assert.Equal(t, input.PartitionKey, out.PartitionKey)
	require.Len(t, out.Records, 1)
	assert.Equal(t, 15.0, out.Records[0].Data["amount_sum"])
}

func TestCurateStageAggregatesAcrossBatches(t *testing.T) {
	cfg := config.TransformConfig{
		Aggregations: []config.Aggregation{{Op: "count"}, {Field: "amount", Op: "sum"}},
		GroupBy:      []string{"region"},
	}
	stage := NewCurateStage(cfg)

	day1 := models.NewBatch("processed", models.ZoneProcessed, "year=2026/month=08/day=01",
		[]models.Record{
			rec("1", time.Now(), map[string]interface{}{"region": "eu", "amount": 10.0}),
		})
	day2 := models.NewBatch("processed", models.ZoneProcessed, "year=2026/month=08/day=02",
		[]models.Record{
			rec("2", time.Now(), map[string]interface{}{"region": "eu", "amount": 5.0}),
			rec("3", time.Now(), map[string]interface{}{"region": "us", "amount": 2.0}),
		})

	res, err := stage.Run(context.Background(), []*models.Batch{day1, day2})
	require.NoError(t, err)
	require.Len(t, res.Batches, 1, "fan-in yields a single curated batch")
	out := res.Batches[0]
	require.Len(t, out.Records, 2)
	byRegion := map[string]models.Record{}
	for _, r := range out.Records {
		byRegion[fmt.Sprint(r.Data["region"])] = r
	}
	assert.Equal(t, 15.0, byRegion["eu"].Data["amount_sum"])
	assert.Equal(t, 2.0, byRegion["eu"].Data["count"])
	assert.Equal(t, 2.0, byRegion["us"].Data["amount_sum"])

	// identity follows the source batches: replays converge, new inputs
	// produce a new curated batch even when the group keys repeat
	replay, err := stage.Run(context.Background(), []*models.Batch{day1, day2})
	require.NoError(t, err)
	assert.Equal(t, out.BatchID, replay.Batches[0].BatchID)

	only1, err := stage.Run(context.Background(), []*models.Batch{day1})
	require.NoError(t, err)
	assert.NotEqual(t, out.BatchID, only1.Batches[0].BatchID)
}
