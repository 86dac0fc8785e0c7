// Package validate applies category-specific range rules to normalized
// observations.
package validate

import (
	"fmt"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/rules"
)

// Validator checks observations against a rule table. Fields without a rule
// pass unchecked; any field outside its effective bounds drops the whole
// observation.
type Validator struct {
	rules rules.Set
}

// New creates a Validator over the given rule set.
func New(set rules.Set) *Validator {
	return &Validator{rules: set}
}

// Check returns (true, "") when every field of obs is within its effective
// bounds, or (false, reason) identifying the first out-of-range field.
func (v *Validator) Check(obs model.Observation) (bool, string) {
	for field, value := range obs.Fields {
		bounds, ok := v.rules.Bounds(obs.Category, field, obs.Tags)
		if !ok {
			continue
		}
		if !bounds.Contains(value) {
			return false, fmt.Sprintf("%s=%g outside [%g, %g]", field, value, bounds.Min, bounds.Max)
		}
	}
	return true, ""
}
