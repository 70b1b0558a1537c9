package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Clean validates records against the declared schema. String values are
// trimmed, declared fields are coerced to their declared type and records
// with missing or null required fields are dropped (or, in strict mode, fail
// the whole batch with a schema violation). Unknown fields pass through
// untouched. Output order follows input order.
func Clean(records []models.Record, schema models.Schema, strict bool) ([]models.Record, []string, error) {
	out := make([]models.Record, 0, len(records))
	var warnings []string

	for _, rec := range records {
		clean := rec.Clone()
		for k, v := range clean.Data {
			if s, ok := v.(string); ok {
				clean.Data[k] = strings.TrimSpace(s)
			}
		}

		if reason := applySchema(&clean, schema); reason != "" {
			if strict {
				return nil, nil, errors.Newf(errors.ErrorTypeSchemaViolation,
					"record %s: %s", rec.ID, reason)
			}
			warnings = append(warnings, fmt.Sprintf("dropped record %s: %s", rec.ID, reason))
			continue
		}
		out = append(out, clean)
	}
	return out, warnings, nil
}

// applySchema coerces declared fields in place and returns a non-empty
// reason when the record cannot satisfy the schema.
func applySchema(rec *models.Record, schema models.Schema) string {
	for _, field := range schema.Fields {
		v, present := rec.Data[field.Name]
		if !present || v == nil {
			if field.Required {
				return fmt.Sprintf("required field %q is missing or null", field.Name)
			}
			// optional nulls are dropped rather than carried downstream
			delete(rec.Data, field.Name)
			continue
		}
		coerced, ok := coerceValue(v, field.Type)
		if !ok {
			return fmt.Sprintf("field %q is not a valid %s (got %T)", field.Name, field.Type, v)
		}
		rec.Data[field.Name] = coerced
	}
	return ""
}

// coerceValue converts a decoded-JSON value to the declared field type.
func coerceValue(v interface{}, fieldType string) (interface{}, bool) {
	switch fieldType {
	case models.FieldTypeString:
		s, ok := v.(string)
		return s, ok
	case models.FieldTypeInteger:
		switch tv := v.(type) {
		case int:
			return int64(tv), true
		case int64:
			return tv, true
		case float64:
			if tv == float64(int64(tv)) {
				return int64(tv), true
			}
			return nil, false
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(tv), 10, 64)
			return n, err == nil
		}
		return nil, false
	case models.FieldTypeFloat:
		switch tv := v.(type) {
		case float64:
			return tv, true
		case int:
			return float64(tv), true
		case int64:
			return float64(tv), true
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
			return f, err == nil
		}
		return nil, false
	case models.FieldTypeBoolean:
		b, ok := v.(bool)
		return b, ok
	case models.FieldTypeTimestamp:
		switch tv := v.(type) {
		case time.Time:
			return tv.UTC(), true
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
				if ts, err := time.Parse(layout, strings.TrimSpace(tv)); err == nil {
					return ts.UTC(), true
				}
			}
			return nil, false
		}
		return nil, false
	case models.FieldTypeObject:
		m, ok := v.(map[string]interface{})
		return m, ok
	case models.FieldTypeArray:
		a, ok := v.([]interface{})
		return a, ok
	}
	// unrecognized declared types are rejected by config validation; if one
	// slips through treat the value as opaque
	return v, true
}
