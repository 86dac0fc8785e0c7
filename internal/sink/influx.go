package sink

import (
	"context"
	"errors"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/resilience"
	"github.com/vitalstream/healthsync/pkg/influx"
)

// measurementPrefix namespaces health measurements in the shared database.
const measurementPrefix = "health_"

// InfluxSink adapts the influx client to the Sink interface, classifying
// server responses for the retry policy.
type InfluxSink struct {
	client influx.Client
}

func NewInflux(client influx.Client) *InfluxSink {
	return &InfluxSink{client: client}
}

func (s *InfluxSink) WriteBatch(ctx context.Context, category model.Category, batch []model.Observation) error {
	points := make([]influx.Point, 0, len(batch))
	for _, obs := range batch {
		points = append(points, influx.Point{
			Measurement: measurementPrefix + string(category),
			Tags:        obs.Tags,
			Fields:      obs.Fields,
			Time:        obs.Time,
		})
	}
	return classify(s.client.Write(ctx, points))
}

func (s *InfluxSink) Ping(ctx context.Context) error {
	return classify(s.client.Ping(ctx))
}

// classify maps server status codes onto the retry taxonomy. Transport
// errors pass through untouched; the retry policy's own network heuristics
// handle those.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *influx.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return &resilience.TransientError{Err: err, StatusCode: apiErr.StatusCode}
		}
		return &resilience.FatalError{Err: err, StatusCode: apiErr.StatusCode}
	}
	return err
}
