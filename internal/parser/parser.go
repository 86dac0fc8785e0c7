// Package parser converts classified raw elements into normalized
// observations. Each record type has exactly one parser, selected through a
// static registry built at startup; unknown type markers classify as
// Unclassified and are counted but never delivered downstream.
package parser

import (
	"time"

	"github.com/vitalstream/healthsync/internal/model"
)

// ParseFunc converts one raw element of its category into an Observation.
type ParseFunc func(el model.RawElement, loc *time.Location) (model.Observation, error)

type entry struct {
	category model.Category
	parse    ParseFunc
}

// registry maps record type markers to their parser. Workout and
// ActivitySummary elements have no type attribute and are keyed by element
// kind instead.
var registry = map[string]entry{
	"HKQuantityTypeIdentifierHeartRate":                {model.CategoryVitals, parseHeartRate},
	"HKQuantityTypeIdentifierRestingHeartRate":         quantity(model.CategoryVitals, "resting_heart_rate", nil),
	"HKQuantityTypeIdentifierHeartRateVariabilitySDNN": quantity(model.CategoryVitals, "hrv_sdnn", nil),
	"HKQuantityTypeIdentifierOxygenSaturation":         quantity(model.CategoryVitals, "oxygen_saturation", nil),
	"HKQuantityTypeIdentifierRespiratoryRate":          quantity(model.CategoryVitals, "respiratory_rate", nil),

	"HKQuantityTypeIdentifierStepCount":              quantity(model.CategoryActivity, "steps", nil),
	"HKQuantityTypeIdentifierActiveEnergyBurned":     quantity(model.CategoryActivity, "energy_kcal", map[string]string{"energy_type": "active"}),
	"HKQuantityTypeIdentifierBasalEnergyBurned":      quantity(model.CategoryActivity, "energy_kcal", map[string]string{"energy_type": "resting"}),
	"HKQuantityTypeIdentifierDistanceWalkingRunning": {model.CategoryActivity, parseDistance},
	"HKQuantityTypeIdentifierFlightsClimbed":         quantity(model.CategoryActivity, "flights", nil),

	"HKCategoryTypeIdentifierSleepAnalysis": {model.CategorySleep, parseSleep},

	"HKQuantityTypeIdentifierBodyMass": quantity(model.CategoryBody, "weight_kg", nil),
	"HKQuantityTypeIdentifierHeight":   {model.CategoryBody, parseHeight},
}

func quantity(cat model.Category, field string, extraTags map[string]string) entry {
	return entry{cat, quantityParser(cat, field, extraTags)}
}

var kindRegistry = map[model.ElementKind]entry{
	model.ElementWorkout:         {model.CategoryWorkout, parseWorkout},
	model.ElementActivitySummary: {model.CategoryActivitySummary, parseActivitySummary},
}

// CategoryFor classifies an element by its kind and type marker. Record
// elements with an unknown marker classify as Unclassified.
func CategoryFor(kind model.ElementKind, recordType string) model.Category {
	if e, ok := kindRegistry[kind]; ok {
		return e.category
	}
	if e, ok := registry[recordType]; ok {
		return e.category
	}
	return model.CategoryUnclassified
}

// Parse dispatches el to its registered parser. Unclassified elements must
// be filtered out before this point.
func Parse(el model.RawElement, loc *time.Location) (model.Observation, error) {
	if e, ok := kindRegistry[el.Kind]; ok {
		return e.parse(el, loc)
	}
	if e, ok := registry[el.Type]; ok {
		return e.parse(el, loc)
	}
	return model.Observation{}, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "no parser registered"}
}
