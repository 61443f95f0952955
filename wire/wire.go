// Package wire hand-encodes the WriteRequestNominal protobuf message from
// spec.md §6 directly against google.golang.org/protobuf/encoding/protowire
// — the stable, low-level tag/varint/length-delimited API that
// protoc-gen-go's generated Marshal methods are themselves built on. There
// is no protoc compiler available in this build, so this package plays the
// role a generated nominal_write_pb2.go would otherwise play.
//
// Field numbers are this port's own assignment (spec.md names fields but
// not their wire numbers); the message shape otherwise follows spec.md §6
// literally — a flatter oneof under Points than the Python client's actual
// generated schema, which wraps the two array variants in an intermediate
// ArrayPoints submessage (nominal_write_pb2.py via
// batch_processor_proto.py). That extra nesting isn't in spec.md's schema
// and isn't reproduced here.
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nominal-io/nominal-client-sub001/telemetry"
)

const (
	fieldRequestSeries = 1

	fieldSeriesChannel = 1
	fieldSeriesPoints  = 2
	fieldSeriesTags    = 3

	fieldChannelName = 1

	fieldPointsDouble      = 1
	fieldPointsInt         = 2
	fieldPointsString      = 3
	fieldPointsDoubleArray = 4
	fieldPointsStringArray = 5
	fieldPointsStruct      = 6

	fieldPointsList = 1 // the repeated *Point field inside each typed Points message

	fieldPointTimestamp = 1
	fieldPointValue     = 2

	fieldTimestampSeconds = 1
	fieldTimestampNanos   = 2

	fieldMapKey   = 1
	fieldMapValue = 2
)

// Encode serializes groups (already partitioned by channel/tags/value-kind,
// see telemetry.GroupItems) into a WriteRequestNominal message.
func Encode(groups []telemetry.Group) ([]byte, error) {
	var out []byte
	for _, g := range groups {
		seriesBytes, err := encodeSeries(g)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fieldRequestSeries, protowire.BytesType)
		out = protowire.AppendBytes(out, seriesBytes)
	}
	return out, nil
}

func encodeSeries(g telemetry.Group) ([]byte, error) {
	var b []byte

	b = protowire.AppendTag(b, fieldSeriesChannel, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeChannel(g.Key.Channel))

	pointsBytes, err := encodePoints(g)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", g.Key.Channel, err)
	}
	b = protowire.AppendTag(b, fieldSeriesPoints, protowire.BytesType)
	b = protowire.AppendBytes(b, pointsBytes)

	if len(g.Items) > 0 {
		for _, kv := range sortedTags(g.Items[0].Tags) {
			b = protowire.AppendTag(b, fieldSeriesTags, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeMapEntry(kv[0], kv[1]))
		}
	}

	return b, nil
}

func encodeChannel(name string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldChannelName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	return b
}

func encodeMapEntry(key, value string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMapKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, fieldMapValue, protowire.BytesType)
	b = protowire.AppendString(b, value)
	return b
}

func sortedTags(tags map[string]string) [][2]string {
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

func encodeTimestamp(nanosSinceEpoch int64) []byte {
	seconds := nanosSinceEpoch / 1e9
	nanos := nanosSinceEpoch % 1e9
	if nanos < 0 {
		nanos += 1e9
		seconds--
	}
	var b []byte
	b = protowire.AppendTag(b, fieldTimestampSeconds, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(seconds))
	b = protowire.AppendTag(b, fieldTimestampNanos, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(nanos))
	return b
}

// encodePoints builds the oneof Points message for one homogeneous group.
func encodePoints(g telemetry.Group) ([]byte, error) {
	var field int
	var payload []byte
	var err error

	switch g.Key.Kind {
	case telemetry.KindFloat64:
		field, payload = fieldPointsDouble, encodeDoublePoints(g.Items)
	case telemetry.KindInt64:
		field, payload = fieldPointsInt, encodeIntPoints(g.Items)
	case telemetry.KindString:
		field, payload = fieldPointsString, encodeStringPoints(g.Items)
	case telemetry.KindFloat64Array:
		field, payload = fieldPointsDoubleArray, encodeDoubleArrayPoints(g.Items)
	case telemetry.KindStringArray:
		field, payload = fieldPointsStringArray, encodeStringArrayPoints(g.Items)
	case telemetry.KindStruct:
		field, payload, err = encodeStructPoints(g.Items)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported value kind %v", g.Key.Kind)
	}

	var b []byte
	b = protowire.AppendTag(b, protowire.Number(field), protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

func encodeDoublePoints(items []telemetry.BatchItem) []byte {
	var b []byte
	for _, it := range items {
		var pt []byte
		pt = protowire.AppendTag(pt, fieldPointTimestamp, protowire.BytesType)
		pt = protowire.AppendBytes(pt, encodeTimestamp(it.Timestamp))
		pt = protowire.AppendTag(pt, fieldPointValue, protowire.Fixed64Type)
		pt = protowire.AppendFixed64(pt, math.Float64bits(it.Value.Float64))

		b = protowire.AppendTag(b, fieldPointsList, protowire.BytesType)
		b = protowire.AppendBytes(b, pt)
	}
	return b
}

func encodeIntPoints(items []telemetry.BatchItem) []byte {
	var b []byte
	for _, it := range items {
		var pt []byte
		pt = protowire.AppendTag(pt, fieldPointTimestamp, protowire.BytesType)
		pt = protowire.AppendBytes(pt, encodeTimestamp(it.Timestamp))
		pt = protowire.AppendTag(pt, fieldPointValue, protowire.VarintType)
		pt = protowire.AppendVarint(pt, uint64(it.Value.Int64))

		b = protowire.AppendTag(b, fieldPointsList, protowire.BytesType)
		b = protowire.AppendBytes(b, pt)
	}
	return b
}

func encodeStringPoints(items []telemetry.BatchItem) []byte {
	var b []byte
	for _, it := range items {
		var pt []byte
		pt = protowire.AppendTag(pt, fieldPointTimestamp, protowire.BytesType)
		pt = protowire.AppendBytes(pt, encodeTimestamp(it.Timestamp))
		pt = protowire.AppendTag(pt, fieldPointValue, protowire.BytesType)
		pt = protowire.AppendString(pt, it.Value.String)

		b = protowire.AppendTag(b, fieldPointsList, protowire.BytesType)
		b = protowire.AppendBytes(b, pt)
	}
	return b
}

func encodeDoubleArrayPoints(items []telemetry.BatchItem) []byte {
	var b []byte
	for _, it := range items {
		var pt []byte
		pt = protowire.AppendTag(pt, fieldPointTimestamp, protowire.BytesType)
		pt = protowire.AppendBytes(pt, encodeTimestamp(it.Timestamp))

		var packed []byte
		for _, v := range it.Value.Float64List {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		pt = protowire.AppendTag(pt, fieldPointValue, protowire.BytesType)
		pt = protowire.AppendBytes(pt, packed)

		b = protowire.AppendTag(b, fieldPointsList, protowire.BytesType)
		b = protowire.AppendBytes(b, pt)
	}
	return b
}

func encodeStringArrayPoints(items []telemetry.BatchItem) []byte {
	var b []byte
	for _, it := range items {
		var pt []byte
		pt = protowire.AppendTag(pt, fieldPointTimestamp, protowire.BytesType)
		pt = protowire.AppendBytes(pt, encodeTimestamp(it.Timestamp))

		for _, s := range it.Value.StringList {
			pt = protowire.AppendTag(pt, fieldPointValue, protowire.BytesType)
			pt = protowire.AppendString(pt, s)
		}

		b = protowire.AppendTag(b, fieldPointsList, protowire.BytesType)
		b = protowire.AppendBytes(b, pt)
	}
	return b
}

func encodeStructPoints(items []telemetry.BatchItem) (int, []byte, error) {
	var b []byte
	for _, it := range items {
		jsonBytes, err := json.Marshal(it.Value.Struct)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal struct point: %w", err)
		}

		var pt []byte
		pt = protowire.AppendTag(pt, fieldPointTimestamp, protowire.BytesType)
		pt = protowire.AppendBytes(pt, encodeTimestamp(it.Timestamp))
		pt = protowire.AppendTag(pt, fieldPointValue, protowire.BytesType)
		pt = protowire.AppendBytes(pt, jsonBytes)

		b = protowire.AppendTag(b, fieldPointsList, protowire.BytesType)
		b = protowire.AppendBytes(b, pt)
	}
	return fieldPointsStruct, b, nil
}
