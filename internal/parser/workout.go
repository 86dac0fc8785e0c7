package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/vitalstream/healthsync/internal/model"
)

const workoutTypePrefix = "HKWorkoutActivityType"

func parseWorkout(el model.RawElement, loc *time.Location) (model.Observation, error) {
	start, ok := el.Attrs["startDate"]
	if !ok {
		return model.Observation{}, &MalformedRecordError{Type: "Workout", Seq: el.Seq, Reason: "missing startDate"}
	}
	ts, ok := parseTime(start, loc)
	if !ok {
		return model.Observation{}, &MalformedRecordError{Type: "Workout", Seq: el.Seq, Reason: "unparsable timestamp " + strconv.Quote(start)}
	}

	obs := model.Observation{
		Category: model.CategoryWorkout,
		Tags:     map[string]string{},
		Fields:   map[string]float64{},
		Time:     ts,
		Seq:      el.Seq,
	}
	if src := el.Attrs["sourceName"]; src != "" {
		obs.Tags["source"] = src
	}
	if at := el.Attrs["workoutActivityType"]; at != "" {
		obs.Tags["activity_type"] = strings.TrimPrefix(at, workoutTypePrefix)
	}

	duration, err := optionalFloat(el, "duration")
	if err != nil {
		return model.Observation{}, err
	}
	if el.Attrs["durationUnit"] == "min" {
		duration *= 60
	}
	obs.Fields["duration_s"] = duration

	distance, err := optionalFloat(el, "totalDistance")
	if err != nil {
		return model.Observation{}, err
	}
	// totalDistance is exported in km.
	obs.Fields["distance_m"] = distance * 1000

	energy, err := optionalFloat(el, "totalEnergyBurned")
	if err != nil {
		return model.Observation{}, err
	}
	obs.Fields["energy_kcal"] = energy

	return obs, nil
}

func parseActivitySummary(el model.RawElement, loc *time.Location) (model.Observation, error) {
	date, ok := el.Attrs["dateComponents"]
	if !ok {
		return model.Observation{}, &MalformedRecordError{Type: "ActivitySummary", Seq: el.Seq, Reason: "missing dateComponents"}
	}
	ts, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return model.Observation{}, &MalformedRecordError{Type: "ActivitySummary", Seq: el.Seq, Reason: "unparsable dateComponents " + strconv.Quote(date)}
	}

	obs := model.Observation{
		Category: model.CategoryActivitySummary,
		Tags:     map[string]string{},
		Fields:   map[string]float64{},
		Time:     ts,
		Seq:      el.Seq,
	}

	for attr, field := range map[string]string{
		"activeEnergyBurned": "active_energy_kcal",
		"appleExerciseTime":  "exercise_min",
		"appleStandHours":    "stand_hours",
	} {
		v, err := optionalFloat(el, attr)
		if err != nil {
			return model.Observation{}, err
		}
		obs.Fields[field] = v
	}
	return obs, nil
}

// optionalFloat parses an attribute that may be absent (treated as zero) but
// must be numeric when present.
func optionalFloat(el model.RawElement, name string) (float64, error) {
	raw, ok := el.Attrs[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &MalformedRecordError{Type: string(el.Kind), Seq: el.Seq, Reason: "unparsable " + name + " " + strconv.Quote(raw)}
	}
	return v, nil
}
