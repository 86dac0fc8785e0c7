// Package rules holds the per-category validation rule tables. Rules are
// static configuration data: swapping the table changes validation behavior
// without touching parser or coordinator code.
package rules

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/vitalstream/healthsync/internal/model"
)

// Bounds is an inclusive [Min, Max] range for a numeric field.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies within the bounds.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Override is a relaxed (or tightened) variant of a field rule, selected
// when the observation carries the given contextual tag value.
type Override struct {
	Tag   string  `yaml:"tag"`
	Value string  `yaml:"value"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

// FieldRule is the default bounds for one field plus any contextual overrides.
type FieldRule struct {
	Min       float64    `yaml:"min"`
	Max       float64    `yaml:"max"`
	Overrides []Override `yaml:"overrides,omitempty"`
}

// Set maps category → field name → rule.
type Set map[model.Category]map[string]FieldRule

// Bounds resolves the effective bounds for a field given the observation's
// tags. The first matching override wins; otherwise the default bounds
// apply. The second return is false when no rule covers the field.
func (s Set) Bounds(cat model.Category, field string, tags map[string]string) (Bounds, bool) {
	fields, ok := s[cat]
	if !ok {
		return Bounds{}, false
	}
	rule, ok := fields[field]
	if !ok {
		return Bounds{}, false
	}
	for _, ov := range rule.Overrides {
		if tags[ov.Tag] == ov.Value {
			return Bounds{Min: ov.Min, Max: ov.Max}, true
		}
	}
	return Bounds{Min: rule.Min, Max: rule.Max}, true
}

// Default returns the built-in rule table.
func Default() Set {
	return Set{
		model.CategoryVitals: {
			"heart_rate": {
				Min: 30, Max: 250,
				Overrides: []Override{
					// Wider ceiling while at rest: spurious wrist readings
					// during sleep report above the waking maximum.
					{Tag: "motion_context", Value: "sedentary", Min: 30, Max: 330},
				},
			},
			"resting_heart_rate": {Min: 20, Max: 150},
			"respiratory_rate":   {Min: 4, Max: 60},
			"oxygen_saturation":  {Min: 0.5, Max: 1.0},
		},
		model.CategoryActivity: {
			"energy_kcal": {
				Min: 0, Max: 8000,
				Overrides: []Override{
					{Tag: "energy_type", Value: "resting", Min: 500, Max: 3500},
				},
			},
			"steps":      {Min: 0, Max: 100000},
			"distance_m": {Min: 0, Max: 200000},
		},
		model.CategoryWorkout: {
			"duration_s":  {Min: 60, Max: 43200},
			"distance_m":  {Min: 0, Max: 200000},
			"energy_kcal": {Min: 0, Max: 8000},
		},
		model.CategorySleep: {
			"duration_min": {Min: 30, Max: 1440},
		},
		model.CategoryBody: {
			"weight_kg": {Min: 20, Max: 400},
			"height_cm": {Min: 50, Max: 260},
		},
	}
}

// yamlSet is the file representation, keyed by plain strings.
type yamlSet map[string]map[string]FieldRule

// LoadFile reads a rule table from a YAML file, replacing the defaults
// entirely.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	var raw yamlSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "rules: parse %s", path)
	}
	set := make(Set, len(raw))
	for cat, fields := range raw {
		set[model.Category(cat)] = fields
	}
	return set, nil
}
