// Package telemetry defines the streaming pipeline's data model:
// BatchItem, its tagged Value union, and the grouping key used to batch
// and serialize items.
//
// The source (nominal/core/_stream/write_stream.py's BatchItem) picks a
// value's wire kind by runtime isinstance checks. DESIGN NOTES §9 in the
// spec calls for an explicit tagged union in a ported language instead;
// Kind is that discriminator.
package telemetry

import (
	"sort"
	"strconv"
)

// Kind discriminates the value carried by a BatchItem.
type Kind int

const (
	KindFloat64 Kind = iota
	KindInt64
	KindString
	KindFloat64Array
	KindStringArray
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindFloat64:
		return "float64"
	case KindInt64:
		return "int64"
	case KindString:
		return "string"
	case KindFloat64Array:
		return "float64_array"
	case KindStringArray:
		return "string_array"
	case KindStruct:
		return "struct"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the point types the streaming pipeline
// accepts: a scalar float64/int64/string, a homogeneous array of floats or
// strings, or a JSON-like struct.
type Value struct {
	Kind Kind

	Float64     float64
	Int64       int64
	String      string
	Float64List []float64
	StringList  []string
	Struct      map[string]any
}

// Float64Value builds a KindFloat64 Value.
func Float64Value(v float64) Value { return Value{Kind: KindFloat64, Float64: v} }

// Int64Value builds a KindInt64 Value.
func Int64Value(v int64) Value { return Value{Kind: KindInt64, Int64: v} }

// StringValue builds a KindString Value.
func StringValue(v string) Value { return Value{Kind: KindString, String: v} }

// Float64ArrayValue builds a KindFloat64Array Value.
func Float64ArrayValue(v []float64) Value { return Value{Kind: KindFloat64Array, Float64List: v} }

// StringArrayValue builds a KindStringArray Value.
func StringArrayValue(v []string) Value { return Value{Kind: KindStringArray, StringList: v} }

// StructValue builds a KindStruct Value.
func StructValue(v map[string]any) Value { return Value{Kind: KindStruct, Struct: v} }

// MetricPrefix is the reserved channel-name prefix for internal latency
// metrics re-enqueued by the stream orchestrator (spec.md §6).
const MetricPrefix = "__nominal.metric."

// BatchItem is one telemetry sample: an immutable record created by
// Enqueue and discarded after a successful write or explicit drop.
type BatchItem struct {
	Channel   string
	Timestamp int64 // nanoseconds since Unix epoch
	Value     Value
	Tags      map[string]string
}

// GroupKey is the ordering/grouping key from spec.md §3:
// (channel_name, sorted(tags), value_type_tag).
type GroupKey struct {
	Channel string
	TagsKey string // tags rendered as a stable, sorted, length-prefixed string
	Kind    Kind
}

// Key computes item's GroupKey.
func (item BatchItem) Key() GroupKey {
	return GroupKey{Channel: item.Channel, TagsKey: sortedTagsKey(item.Tags), Kind: item.Value.Kind}
}

// sortedTagsKey renders tags as a stable, collision-free string: each
// key and value is prefixed with its own byte length, so no choice of
// delimiter characters inside a tag key or value can make two distinct
// tag maps produce the same key (unlike a plain "k=v,k=v" join, where
// e.g. {"x":"1,y=2"} and {"x":"1","y":"2"} would otherwise both render
// as "x=1,y=2").
func sortedTagsKey(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]byte, 0, 32)
	for _, k := range keys {
		v := tags[k]
		out = strconv.AppendInt(out, int64(len(k)), 10)
		out = append(out, ':')
		out = append(out, k...)
		out = strconv.AppendInt(out, int64(len(v)), 10)
		out = append(out, ':')
		out = append(out, v...)
	}
	return string(out)
}

// Batch is an immutable, non-empty sequence of BatchItems plus the
// inclusive timestamp extremes across all of them.
type Batch struct {
	Items           []BatchItem
	OldestTimestamp int64
	NewestTimestamp int64
}

// NewBatch computes OldestTimestamp/NewestTimestamp from items. items must
// be non-empty, per the Batch invariant in spec.md §3.
func NewBatch(items []BatchItem) Batch {
	oldest, newest := items[0].Timestamp, items[0].Timestamp
	for _, it := range items[1:] {
		if it.Timestamp < oldest {
			oldest = it.Timestamp
		}
		if it.Timestamp > newest {
			newest = it.Timestamp
		}
	}
	return Batch{Items: items, OldestTimestamp: oldest, NewestTimestamp: newest}
}

// SerializedBatch is the output of the serializer pool: wire-encoded bytes
// plus the timestamp bounds carried over from the source Batch, needed by
// the writer pool's latency metrics, and the point count, needed for the
// writer pool's points-written counter.
type SerializedBatch struct {
	Data            []byte
	OldestTimestamp int64
	NewestTimestamp int64
	PointCount      int
}

// Group is a maximal run of items sharing one GroupKey, in arrival order.
type Group struct {
	Key   GroupKey
	Items []BatchItem
}

// GroupItems groups b's items by GroupKey, stable-sorting by key so that
// equal keys stay in enqueue order within their group (spec.md §5's
// within-group ordering guarantee) while producing homogeneous,
// non-overlapping groups (spec.md §8's grouping-completeness and
// group-homogeneity properties).
func GroupItems(items []BatchItem) []Group {
	if len(items) == 0 {
		return nil
	}
	indices := make([]int, len(items))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return lessKey(items[indices[i]].Key(), items[indices[j]].Key())
	})

	var groups []Group
	for _, idx := range indices {
		item := items[idx]
		key := item.Key()
		if n := len(groups); n > 0 && groups[n-1].Key == key {
			groups[n-1].Items = append(groups[n-1].Items, item)
		} else {
			groups = append(groups, Group{Key: key, Items: []BatchItem{item}})
		}
	}
	return groups
}

func lessKey(a, b GroupKey) bool {
	if a.Channel != b.Channel {
		return a.Channel < b.Channel
	}
	if a.TagsKey != b.TagsKey {
		return a.TagsKey < b.TagsKey
	}
	return a.Kind < b.Kind
}
