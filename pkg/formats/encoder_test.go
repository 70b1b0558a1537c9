package formats

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

func sampleRecords() []models.Record {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return []models.Record{
		models.NewRecord("1", "orders_api", ts, map[string]interface{}{
			"id": "1", "amount": 19.99, "status": "shipped",
		}),
		models.NewRecord("2", "orders_api", ts, map[string]interface{}{
			"id": "2", "amount": 5.0, "status": "pending", "note": nil,
		}),
	}
}

func TestJSONLRoundTrip(t *testing.T) {
	records := sampleRecords()

	data, err := Encode(JSONL, records)
	require.NoError(t, err)

	decoded, err := DecodeJSONL(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "1", decoded[0].ID)
	assert.Equal(t, "orders_api", decoded[0].SourceName)
	assert.Equal(t, "shipped", decoded[0].Data["status"])
	assert.Equal(t, 19.99, decoded[0].Data["amount"])
}

func TestDecodeJSONLCorrupt(t *testing.T) {
	_, err := DecodeJSONL([]byte(`{"id": "1"` + "\n"))
	assert.Error(t, err)
}

func TestCSVEncode(t *testing.T) {
	data, err := Encode(CSV, sampleRecords())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	// deterministic sorted header
	assert.Equal(t, "_id,_source,_ingested_at,amount,id,note,status", lines[0])
	assert.Contains(t, lines[1], "19.99")
	assert.Contains(t, lines[2], "pending")
}

func TestAvroEncodeDecodable(t *testing.T) {
	data, err := Encode(Avro, sampleRecords())
	require.NoError(t, err)

	r, err := goavro.NewOCFReader(bytes.NewReader(data))
	require.NoError(t, err)

	var count int
	for r.Scan() {
		native, err := r.Read()
		require.NoError(t, err)
		m := native.(map[string]interface{})
		assert.NotEmpty(t, m["id"])
		count++
	}
	assert.Equal(t, 2, count)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, JSONL, f)

	f, err = ParseFormat("avro")
	require.NoError(t, err)
	assert.Equal(t, Avro, f)

	_, err = ParseFormat("parquet")
	assert.Error(t, err)
}

func TestExtensions(t *testing.T) {
	assert.Equal(t, ".jsonl", JSONL.Extension())
	assert.Equal(t, ".csv", CSV.Extension())
	assert.Equal(t, ".avro", Avro.Extension())
}
