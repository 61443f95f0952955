package serialize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nominal-io/nominal-client-sub001/telemetry"
)

// Legacy field numbers describe a row per point instead of a column per
// series: batch_processor_proto.py's create_legacy_write_request emits one
// Record per point, each carrying its own channel name and tag map, rather
// than grouping same-channel points together first. Kept only for
// compatibility with collectors that still expect the pre-grouping row
// shape; new code should prefer ColumnarEncoder. Field numbers are a
// distinct, older message and don't need to (and don't) line up with
// wire.go's.
const (
	legacyFieldRequestRecords = 1

	legacyFieldRecordChannel   = 1
	legacyFieldRecordTags      = 2
	legacyFieldRecordTimestamp = 3
	legacyFieldRecordDouble    = 4
	legacyFieldRecordInt       = 5
	legacyFieldRecordString    = 6
	legacyFieldRecordStruct    = 7

	legacyFieldTimestampSeconds = 1
	legacyFieldTimestampNanos   = 2

	legacyFieldMapKey   = 1
	legacyFieldMapValue = 2
)

// LegacyEncoder emits one Record message per input point rather than
// grouping same-key points into a single Series. Float64Array and
// StringArray values have no row-oriented representation in the legacy
// schema (it predates array-valued channels) and are rejected.
type LegacyEncoder struct{}

func (LegacyEncoder) Encode(groups []telemetry.Group) ([]byte, error) {
	var out []byte
	for _, g := range groups {
		for _, it := range g.Items {
			recordBytes, err := encodeLegacyRecord(g.Key.Channel, it)
			if err != nil {
				return nil, err
			}
			out = protowire.AppendTag(out, legacyFieldRequestRecords, protowire.BytesType)
			out = protowire.AppendBytes(out, recordBytes)
		}
	}
	return out, nil
}

func encodeLegacyRecord(channel string, it telemetry.BatchItem) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, legacyFieldRecordChannel, protowire.BytesType)
	b = protowire.AppendString(b, channel)

	for _, kv := range legacySortedTags(it.Tags) {
		b = protowire.AppendTag(b, legacyFieldRecordTags, protowire.BytesType)
		b = protowire.AppendBytes(b, legacyEncodeMapEntry(kv[0], kv[1]))
	}

	b = protowire.AppendTag(b, legacyFieldRecordTimestamp, protowire.BytesType)
	b = protowire.AppendBytes(b, legacyEncodeTimestamp(it.Timestamp))

	switch it.Value.Kind {
	case telemetry.KindFloat64:
		b = protowire.AppendTag(b, legacyFieldRecordDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(it.Value.Float64))
	case telemetry.KindInt64:
		b = protowire.AppendTag(b, legacyFieldRecordInt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(it.Value.Int64))
	case telemetry.KindString:
		b = protowire.AppendTag(b, legacyFieldRecordString, protowire.BytesType)
		b = protowire.AppendString(b, it.Value.String)
	case telemetry.KindStruct:
		jsonBytes, err := json.Marshal(it.Value.Struct)
		if err != nil {
			return nil, fmt.Errorf("marshal legacy struct record: %w", err)
		}
		b = protowire.AppendTag(b, legacyFieldRecordStruct, protowire.BytesType)
		b = protowire.AppendBytes(b, jsonBytes)
	default:
		return nil, fmt.Errorf("legacy wire format has no row representation for %v channels", it.Value.Kind)
	}

	return b, nil
}

func legacyEncodeMapEntry(key, value string) []byte {
	var b []byte
	b = protowire.AppendTag(b, legacyFieldMapKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, legacyFieldMapValue, protowire.BytesType)
	b = protowire.AppendString(b, value)
	return b
}

func legacySortedTags(tags map[string]string) [][2]string {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, len(keys))
	for i, k := range keys {
		out[i] = [2]string{k, tags[k]}
	}
	return out
}

func legacyEncodeTimestamp(nanosSinceEpoch int64) []byte {
	seconds := nanosSinceEpoch / 1e9
	nanos := nanosSinceEpoch % 1e9
	if nanos < 0 {
		nanos += 1e9
		seconds--
	}
	var b []byte
	b = protowire.AppendTag(b, legacyFieldTimestampSeconds, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(seconds))
	b = protowire.AppendTag(b, legacyFieldTimestampNanos, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(nanos))
	return b
}
