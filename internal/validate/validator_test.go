package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/rules"
)

func heartRate(bpm float64, tags map[string]string) model.Observation {
	return model.Observation{
		Category: model.CategoryVitals,
		Tags:     tags,
		Fields:   map[string]float64{"heart_rate": bpm},
		Time:     time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestCheckHeartRateBounds(t *testing.T) {
	t.Parallel()

	v := New(rules.Default())

	tests := []struct {
		name string
		obs  model.Observation
		ok   bool
	}{
		{"low but valid active", heartRate(45, nil), true},
		{"too high active", heartRate(320, nil), false},
		{"high kept in sedentary context", heartRate(320, map[string]string{"motion_context": "sedentary"}), true},
		{"beyond even relaxed bounds", heartRate(340, map[string]string{"motion_context": "sedentary"}), false},
		{"below floor", heartRate(12, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, reason := v.Check(tt.obs)
			assert.Equal(t, tt.ok, ok, reason)
			if !tt.ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestCheckUnruledFieldsPass(t *testing.T) {
	t.Parallel()

	v := New(rules.Default())
	obs := model.Observation{
		Category: model.CategoryVitals,
		Fields:   map[string]float64{"hrv_sdnn": 9999},
	}
	ok, _ := v.Check(obs)
	assert.True(t, ok)
}

func TestCheckMultipleFields(t *testing.T) {
	t.Parallel()

	v := New(rules.Default())
	obs := model.Observation{
		Category: model.CategoryWorkout,
		Fields: map[string]float64{
			"duration_s":  3600,
			"distance_m":  250000, // beyond the 200km ceiling
			"energy_kcal": 450,
		},
	}
	ok, reason := v.Check(obs)
	assert.False(t, ok)
	assert.Contains(t, reason, "distance_m")
}

func TestCheckSwappedRules(t *testing.T) {
	t.Parallel()

	// A custom table changes behavior without any validator changes.
	set := rules.Set{
		model.CategoryVitals: {"heart_rate": rules.FieldRule{Min: 100, Max: 110}},
	}
	v := New(set)

	ok, _ := v.Check(heartRate(105, nil))
	assert.True(t, ok)
	ok, _ = v.Check(heartRate(45, nil))
	assert.False(t, ok)
}
