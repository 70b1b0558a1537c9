// Package formats encodes committed batches into the configured output
// format. JSON lines is the canonical on-zone encoding; csv and avro are
// provided for downstream consumers that expect columnar-friendly files.
package formats

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Format identifies an output encoding.
type Format string

const (
	// JSONL is line-delimited JSON, one record per line
	JSONL Format = "jsonl"
	// CSV is comma-separated values with a header row
	CSV Format = "csv"
	// Avro is the Avro object container file format
	Avro Format = "avro"
)

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case JSONL, CSV, Avro:
		return Format(s), nil
	case "":
		return JSONL, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown output format %q", s)
	}
}

// Extension returns the file name suffix for the format, including the
// leading dot.
func (f Format) Extension() string {
	switch f {
	case CSV:
		return ".csv"
	case Avro:
		return ".avro"
	default:
		return ".jsonl"
	}
}

// Encode serializes records into the given format.
func Encode(f Format, records []models.Record) ([]byte, error) {
	switch f {
	case JSONL:
		return encodeJSONL(records)
	case CSV:
		return encodeCSV(records)
	case Avro:
		return encodeAvro(records)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown output format %q", f)
	}
}

func encodeJSONL(records []models.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := gojson.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "jsonl encode failed")
		}
	}
	return buf.Bytes(), nil
}

// DecodeJSONL decodes line-delimited JSON records.
func DecodeJSONL(data []byte) ([]models.Record, error) {
	var records []models.Record
	dec := gojson.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r models.Record
		if err := dec.Decode(&r); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorageCorrupt, "jsonl decode failed")
		}
		records = append(records, r)
	}
	return records, nil
}

// csv columns: record metadata first, then the union of payload keys sorted
// for a deterministic header.
func encodeCSV(records []models.Record) ([]byte, error) {
	keySet := make(map[string]bool)
	for _, r := range records {
		for k := range r.Data {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{"_id", "_source", "_ingested_at"}, keys...)
	if err := w.Write(header); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "csv header write failed")
	}

	row := make([]string, len(header))
	for _, r := range records {
		row[0] = r.ID
		row[1] = r.SourceName
		row[2] = r.IngestedAt.UTC().Format(time.RFC3339Nano)
		for i, k := range keys {
			v, ok := r.Data[k]
			if !ok || v == nil {
				row[3+i] = ""
				continue
			}
			row[3+i] = stringify(v)
		}
		if err := w.Write(row); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "csv row write failed")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "csv flush failed")
	}
	return buf.Bytes(), nil
}

func stringify(v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case map[string]interface{}, []interface{}:
		b, err := gojson.Marshal(tv)
		if err != nil {
			return fmt.Sprint(tv)
		}
		return string(b)
	default:
		return fmt.Sprint(tv)
	}
}

// avroSchema treats the payload as a map of nullable primitive values so
// arbitrary record shapes encode without per-pipeline schema generation.
const avroSchema = `{
  "type": "record",
  "name": "pipeline_record",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "source_name", "type": "string"},
    {"name": "ingested_at", "type": "string"},
    {"name": "data", "type": {"type": "map", "values": ["null", "boolean", "long", "double", "string"]}}
  ]
}`

func encodeAvro(records []models.Record) ([]byte, error) {
	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      &buf,
		Schema: avroSchema,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "avro writer init failed")
	}

	native := make([]interface{}, 0, len(records))
	for _, r := range records {
		data := make(map[string]interface{}, len(r.Data))
		for k, v := range r.Data {
			data[k] = avroUnionValue(v)
		}
		native = append(native, map[string]interface{}{
			"id":          r.ID,
			"source_name": r.SourceName,
			"ingested_at": r.IngestedAt.UTC().Format(time.RFC3339Nano),
			"data":        data,
		})
	}

	if err := w.Append(native); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "avro append failed")
	}
	return buf.Bytes(), nil
}

// avroUnionValue wraps a payload value in goavro's union representation.
// Composite values are JSON-encoded into the string branch.
func avroUnionValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case nil:
		return nil
	case bool:
		return map[string]interface{}{"boolean": tv}
	case int:
		return map[string]interface{}{"long": int64(tv)}
	case int32:
		return map[string]interface{}{"long": int64(tv)}
	case int64:
		return map[string]interface{}{"long": tv}
	case float32:
		return map[string]interface{}{"double": float64(tv)}
	case float64:
		return map[string]interface{}{"double": tv}
	case string:
		return map[string]interface{}{"string": tv}
	case time.Time:
		return map[string]interface{}{"string": tv.UTC().Format(time.RFC3339Nano)}
	default:
		return map[string]interface{}{"string": stringify(tv)}
	}
}
