package transform

import (
	"fmt"
	"sort"
	"time"

	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Group is one partition of a record set, keyed by its partition path.
type Group struct {
	Key     string
	Records []models.Record
}

// Partition splits records into groups by partition key. With explicit
// partition key fields configured the key is "field=value/..." over those
// fields; otherwise the key is the year/month/day decomposition of the
// record's time field (falling back to IngestedAt). Groups come back sorted
// by key and records keep their input order, so the fan-out is deterministic.
func Partition(records []models.Record, partitionKeys []string, timeField string) []Group {
	byKey := make(map[string][]models.Record)
	for _, rec := range records {
		k := partitionKeyFor(rec, partitionKeys, timeField)
		byKey[k] = append(byKey[k], rec)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]Group, len(keys))
	for i, k := range keys {
		groups[i] = Group{Key: k, Records: byKey[k]}
	}
	return groups
}

func partitionKeyFor(rec models.Record, partitionKeys []string, timeField string) string {
	if len(partitionKeys) > 0 {
		key := ""
		for i, f := range partitionKeys {
			if i > 0 {
				key += "/"
			}
			v := ""
			if raw, ok := rec.Data[f]; ok {
				v = fmt.Sprint(raw)
			}
			key += f + "=" + v
		}
		return key
	}
	return models.PartitionForTime(recordTime(rec, timeField))
}

// recordTime extracts the partitioning timestamp from the record, falling
// back to IngestedAt when the field is absent or unparseable.
func recordTime(rec models.Record, timeField string) time.Time {
	if timeField == "" {
		return rec.IngestedAt
	}
	switch tv := rec.Data[timeField].(type) {
	case time.Time:
		return tv
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, tv); err == nil {
				return ts
			}
		}
	}
	return rec.IngestedAt
}
