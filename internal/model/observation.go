package model

import (
	"sort"
	"strings"
	"time"
)

// Category is a logical grouping of health record types.
type Category string

const (
	CategoryVitals          Category = "vitals"
	CategoryActivity        Category = "activity"
	CategorySleep           Category = "sleep"
	CategoryBody            Category = "body"
	CategoryWorkout         Category = "workout"
	CategoryActivitySummary Category = "activity_summary"
	CategoryUnclassified    Category = "unclassified"
)

// Categories lists every category that can be delivered downstream.
// Unclassified elements are counted but never delivered.
func Categories() []Category {
	return []Category{
		CategoryVitals,
		CategoryActivity,
		CategorySleep,
		CategoryBody,
		CategoryWorkout,
		CategoryActivitySummary,
	}
}

// ElementKind identifies the raw XML element marker.
type ElementKind string

const (
	ElementRecord          ElementKind = "Record"
	ElementWorkout         ElementKind = "Workout"
	ElementActivitySummary ElementKind = "ActivitySummary"
)

// RawElement is one classified element from the export stream. It lives only
// between the reader and the parser for that element.
type RawElement struct {
	Kind     ElementKind
	Category Category
	// Type is the record type marker (e.g. HKQuantityTypeIdentifierHeartRate).
	// Empty for Workout and ActivitySummary elements.
	Type string
	// Attrs holds the element attributes plus any metadata entries.
	Attrs map[string]string
	// Seq is the per-category sequence number in encounter order.
	Seq int64
	// Offset is the byte offset of the element in the source stream.
	Offset int64
}

// Observation is one normalized measurement. Immutable once created; the
// timestamp is always an absolute instant.
type Observation struct {
	Category Category          `json:"category"`
	Tags     map[string]string `json:"tags"`
	Fields   map[string]float64 `json:"fields"`
	Time     time.Time         `json:"time"`
	Seq      int64             `json:"seq"`
}

// TagKey returns the observation's tags as a deterministic sorted
// "k=v,k=v" string, used for fingerprinting and line-protocol encoding.
func (o Observation) TagKey() string {
	if len(o.Tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(o.Tags))
	for k := range o.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(o.Tags[k])
	}
	return b.String()
}
