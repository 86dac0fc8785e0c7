package parser

import (
	"strconv"
	"time"

	"github.com/vitalstream/healthsync/internal/model"
)

const motionContextKey = "HKMetadataKeyHeartRateMotionContext"

// baseObservation builds the shared observation skeleton for a Record
// element: category, source tag, and the resolved start timestamp.
func baseObservation(el model.RawElement, cat model.Category, loc *time.Location) (model.Observation, error) {
	start, ok := el.Attrs["startDate"]
	if !ok {
		return model.Observation{}, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "missing startDate"}
	}
	ts, ok := parseTime(start, loc)
	if !ok {
		return model.Observation{}, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "unparsable timestamp " + strconv.Quote(start)}
	}

	tags := map[string]string{"type": el.Type}
	if src := el.Attrs["sourceName"]; src != "" {
		tags["source"] = src
	}

	return model.Observation{
		Category: cat,
		Tags:     tags,
		Fields:   map[string]float64{},
		Time:     ts,
		Seq:      el.Seq,
	}, nil
}

// numericAttr parses a required float attribute.
func numericAttr(el model.RawElement, name string) (float64, error) {
	raw, ok := el.Attrs[name]
	if !ok || raw == "" {
		return 0, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "missing " + name}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "unparsable " + name + " " + strconv.Quote(raw)}
	}
	return v, nil
}

// quantityParser returns a parser that maps the record's value attribute to
// a single named field, attaching any extra fixed tags.
func quantityParser(cat model.Category, field string, extraTags map[string]string) ParseFunc {
	return func(el model.RawElement, loc *time.Location) (model.Observation, error) {
		obs, err := baseObservation(el, cat, loc)
		if err != nil {
			return model.Observation{}, err
		}
		v, err := numericAttr(el, "value")
		if err != nil {
			return model.Observation{}, err
		}
		obs.Fields[field] = v
		for k, tv := range extraTags {
			obs.Tags[k] = tv
		}
		return obs, nil
	}
}

func parseHeartRate(el model.RawElement, loc *time.Location) (model.Observation, error) {
	obs, err := baseObservation(el, model.CategoryVitals, loc)
	if err != nil {
		return model.Observation{}, err
	}
	v, err := numericAttr(el, "value")
	if err != nil {
		return model.Observation{}, err
	}
	obs.Fields["heart_rate"] = v

	switch el.Attrs[motionContextKey] {
	case "1":
		obs.Tags["motion_context"] = "sedentary"
	case "2":
		obs.Tags["motion_context"] = "active"
	}
	return obs, nil
}

func parseDistance(el model.RawElement, loc *time.Location) (model.Observation, error) {
	obs, err := baseObservation(el, model.CategoryActivity, loc)
	if err != nil {
		return model.Observation{}, err
	}
	v, err := numericAttr(el, "value")
	if err != nil {
		return model.Observation{}, err
	}
	if el.Attrs["unit"] == "km" {
		v *= 1000
	}
	obs.Fields["distance_m"] = v
	return obs, nil
}

func parseHeight(el model.RawElement, loc *time.Location) (model.Observation, error) {
	obs, err := baseObservation(el, model.CategoryBody, loc)
	if err != nil {
		return model.Observation{}, err
	}
	v, err := numericAttr(el, "value")
	if err != nil {
		return model.Observation{}, err
	}
	if el.Attrs["unit"] == "m" {
		v *= 100
	}
	obs.Fields["height_cm"] = v
	return obs, nil
}

const sleepValuePrefix = "HKCategoryValueSleepAnalysis"

func parseSleep(el model.RawElement, loc *time.Location) (model.Observation, error) {
	obs, err := baseObservation(el, model.CategorySleep, loc)
	if err != nil {
		return model.Observation{}, err
	}

	end, ok := el.Attrs["endDate"]
	if !ok {
		return model.Observation{}, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "missing endDate"}
	}
	endTS, ok := parseTime(end, loc)
	if !ok {
		return model.Observation{}, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "unparsable timestamp " + strconv.Quote(end)}
	}
	if endTS.Before(obs.Time) {
		return model.Observation{}, &MalformedRecordError{Type: el.Type, Seq: el.Seq, Reason: "endDate before startDate"}
	}
	obs.Fields["duration_min"] = endTS.Sub(obs.Time).Minutes()

	if v := el.Attrs["value"]; len(v) > len(sleepValuePrefix) && v[:len(sleepValuePrefix)] == sleepValuePrefix {
		obs.Tags["sleep_state"] = v[len(sleepValuePrefix):]
	}
	return obs, nil
}
