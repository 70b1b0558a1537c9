package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Dedup collapses records sharing the same values for the given key fields.
// The record with the latest IngestedAt wins; on equal timestamps the first
// occurrence in input order wins. Survivors keep their original relative
// order. With no keys configured the input is returned unchanged.
func Dedup(records []models.Record, keys []string) []models.Record {
	if len(keys) == 0 || len(records) == 0 {
		return records
	}

	type survivor struct {
		rec    models.Record
		offset int
	}
	best := make(map[string]survivor, len(records))
	for i, rec := range records {
		k := dedupKey(rec, keys)
		cur, seen := best[k]
		if !seen || rec.IngestedAt.After(cur.rec.IngestedAt) {
			best[k] = survivor{rec: rec, offset: i}
		}
	}

	out := make([]survivor, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })

	result := make([]models.Record, len(out))
	for i, s := range out {
		result[i] = s.rec
	}
	return result
}

// dedupKey joins the key field values with a separator that cannot appear in
// decoded JSON scalars.
func dedupKey(rec models.Record, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		if v, ok := rec.Data[k]; ok {
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "\x1f")
}
