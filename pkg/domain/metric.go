package domain

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

type MetricSample struct {
	ExperimentId string
	Variant      Variant
	Host         string
	Name         string
	Timestamp    time.Time
	Value        float64
	Labels       map[string]string

	// Ingestion order, assigned by the store. Later ingestion has larger Seq.
	Seq int64
}

func (ms MetricSample) Validate() error {
	if ms.ExperimentId == "" {
		return domerr.NewErrInvalidConfig("sample.experiment", "should not be empty")
	}
	if _, err := AsVariant(string(ms.Variant)); err != nil {
		return err
	}
	if ms.Host == "" {
		return domerr.NewErrInvalidConfig("sample.host", "should not be empty")
	}
	if ms.Name == "" {
		return domerr.NewErrInvalidConfig("sample.name", "should not be empty")
	}
	if math.IsNaN(ms.Value) || math.IsInf(ms.Value, 0) {
		return domerr.NewErrInvalidConfig("sample.value", "should be finite")
	}
	return nil
}

// SeriesKey identifies a time series: metric name and sorted labels.
//
// For example, `http_requests{code="200",method="GET"}`.
func (ms MetricSample) SeriesKey() string {
	return SeriesKey(ms.Name, ms.Labels)
}

func SeriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := slices.Sorted(maps.Keys(labels))
	b := new(strings.Builder)
	b.WriteString(name)
	b.WriteString("{")
	for i, k := range keys {
		if 0 < i {
			b.WriteString(",")
		}
		fmt.Fprintf(b, "%s=%q", k, labels[k])
	}
	b.WriteString("}")
	return b.String()
}

// Window is a time range. Both ends are inclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return domerr.NewErrInvalidConfig("window", "both of start and end are required")
	}
	if w.End.Before(w.Start) {
		return domerr.NewErrInvalidConfig("window", "end should not be before start")
	}
	return nil
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

func (w Window) String() string {
	return fmt.Sprintf(
		"[%s, %s]",
		w.Start.UTC().Format(time.RFC3339Nano), w.End.UTC().Format(time.RFC3339Nano),
	)
}
