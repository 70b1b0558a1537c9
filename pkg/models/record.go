// Package models provides the data model for the pipeline core: records,
// batches, stage runs and the declared schema used by the clean stage.
package models

import (
	"time"
)

// Record is an opaque, schema-tagged unit of data. Records are immutable
// once written to a zone; transforms operate on copies.
type Record struct {
	// ID is the unique identifier of the record
	ID string `json:"id"`
	// SourceName identifies the origin source or stage
	SourceName string `json:"source_name"`
	// IngestedAt is the time the record entered the pipeline
	IngestedAt time.Time `json:"ingested_at"`
	// Data contains the record payload
	Data map[string]interface{} `json:"data"`
}

// NewRecord creates a record with the given id, source and payload.
func NewRecord(id, source string, ingestedAt time.Time, data map[string]interface{}) Record {
	if data == nil {
		data = make(map[string]interface{})
	}
	return Record{
		ID:         id,
		SourceName: source,
		IngestedAt: ingestedAt,
		Data:       data,
	}
}

// Clone returns a deep copy of the record. Nested maps and slices inside the
// payload are copied one level deep, which covers the decoded-JSON shapes the
// ingestion adapters produce.
func (r Record) Clone() Record {
	data := make(map[string]interface{}, len(r.Data))
	for k, v := range r.Data {
		switch tv := v.(type) {
		case map[string]interface{}:
			inner := make(map[string]interface{}, len(tv))
			for ik, iv := range tv {
				inner[ik] = iv
			}
			data[k] = inner
		case []interface{}:
			inner := make([]interface{}, len(tv))
			copy(inner, tv)
			data[k] = inner
		default:
			data[k] = v
		}
	}
	return Record{
		ID:         r.ID,
		SourceName: r.SourceName,
		IngestedAt: r.IngestedAt,
		Data:       data,
	}
}

// Schema defines the declared structure of record payloads.
// Unknown fields pass through the clean stage opaquely.
type Schema struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Field represents a single declared field in the schema.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required" yaml:"required"`
}

// FieldByName returns the declared field with the given name.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Known field types accepted by Schema validation.
const (
	FieldTypeString    = "string"
	FieldTypeInteger   = "integer"
	FieldTypeFloat     = "float"
	FieldTypeBoolean   = "boolean"
	FieldTypeTimestamp = "timestamp"
	FieldTypeObject    = "object"
	FieldTypeArray     = "array"
)

// ValidFieldType reports whether t is a recognized schema field type.
func ValidFieldType(t string) bool {
	switch t {
	case FieldTypeString, FieldTypeInteger, FieldTypeFloat, FieldTypeBoolean,
		FieldTypeTimestamp, FieldTypeObject, FieldTypeArray:
		return true
	default:
		return false
	}
}
