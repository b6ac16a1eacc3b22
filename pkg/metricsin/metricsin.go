// Package metricsin reads metric samples from Prometheus text exposition.
//
// Agents post what they scrape from their pipelines as is.
// Each series is attributed to an experiment, variant and host by Target,
// or by its labels `experiment`, `variant` and `host` when Target leaves them empty.
package metricsin

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	LabelExperiment = "experiment"
	LabelVariant    = "variant"
	LabelHost       = "host"
)

// Target tells where samples come from. Empty fields are taken from labels.
type Target struct {
	ExperimentId string
	Variant      domain.Variant
	Host         string
}

// MetricFilter selects metrics to be read.
type MetricFilter func(*io_prometheus_client.Metric) bool

// WithLabelAndValue matches a metric having a label with given name and value.
func WithLabelAndValue(name string, value string) MetricFilter {
	return func(m *io_prometheus_client.Metric) bool {
		for _, l := range m.Label {
			if l.GetName() == name && l.GetValue() == value {
				return true
			}
		}
		return false
	}
}

// WithoutLabel matches a metric not having a label with given name.
func WithoutLabel(name string) MetricFilter {
	return func(m *io_prometheus_client.Metric) bool {
		for _, l := range m.Label {
			if l.GetName() == name {
				return false
			}
		}
		return true
	}
}

// Either matches a metric matching any of filters.
func Either(filters ...MetricFilter) MetricFilter {
	return func(m *io_prometheus_client.Metric) bool {
		for _, f := range filters {
			if f(m) {
				return true
			}
		}
		return false
	}
}

// Parse reads text exposition and converts it into samples.
//
// Counters, gauges and untyped metrics become one sample for each series.
// Summaries and histograms become `NAME_sum` and `NAME_count`; quantiles and buckets are not read.
//
// # Args
//
// - r: text exposition.
//
// - target: source of samples.
//
// - now: timestamp for series without timestamps.
//
// - filters: only metrics matching all filters are read.
//
// # Returns
//
// - []domain.MetricSample: samples, ordered by metric name and then as they appear.
//
// - error: wraps ErrInvalidConfig when the text is malformed,
// or some series can not be attributed to an experiment, variant or host.
func Parse(r io.Reader, target Target, now time.Time, filters ...MetricFilter) ([]domain.MetricSample, error) {
	var p expfmt.TextParser
	mfs, err := p.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("%w: metrics are not in text exposition format: %w", domerr.ErrInvalidConfig, err)
	}

	ret := []domain.MetricSample{}
	for _, name := range slices.Sorted(maps.Keys(mfs)) {
		mf := mfs[name]
	METRIC:
		for _, m := range mf.Metric {
			for _, f := range filters {
				if !f(m) {
					continue METRIC
				}
			}

			base := attribute(m, target)
			base.Timestamp = now
			if m.TimestampMs != nil {
				base.Timestamp = time.UnixMilli(m.GetTimestampMs()).UTC()
			}

			for _, v := range values(name, mf.GetType(), m) {
				s := base
				s.Name = v.name
				s.Labels = maps.Clone(base.Labels)
				s.Value = v.value
				if err := s.Validate(); err != nil {
					return nil, fmt.Errorf("%s: %w", name, err)
				}
				ret = append(ret, s)
			}
		}
	}
	return ret, nil
}

// attribute builds a sample having a source and labels of the metric.
func attribute(m *io_prometheus_client.Metric, target Target) domain.MetricSample {
	s := domain.MetricSample{
		ExperimentId: target.ExperimentId,
		Variant:      target.Variant,
		Host:         target.Host,
		Labels:       map[string]string{},
	}
	for _, l := range m.Label {
		switch l.GetName() {
		case LabelExperiment:
			if s.ExperimentId == "" {
				s.ExperimentId = l.GetValue()
			}
		case LabelVariant:
			if s.Variant == "" {
				s.Variant = domain.Variant(l.GetValue())
			}
		case LabelHost:
			if s.Host == "" {
				s.Host = l.GetValue()
			}
		default:
			s.Labels[l.GetName()] = l.GetValue()
		}
	}
	if len(s.Labels) == 0 {
		s.Labels = nil
	}
	return s
}

type namedValue struct {
	name  string
	value float64
}

func values(name string, typ io_prometheus_client.MetricType, m *io_prometheus_client.Metric) []namedValue {
	switch typ {
	case io_prometheus_client.MetricType_COUNTER:
		return []namedValue{{name: name, value: m.GetCounter().GetValue()}}
	case io_prometheus_client.MetricType_GAUGE:
		return []namedValue{{name: name, value: m.GetGauge().GetValue()}}
	case io_prometheus_client.MetricType_SUMMARY:
		return []namedValue{
			{name: name + "_sum", value: m.GetSummary().GetSampleSum()},
			{name: name + "_count", value: float64(m.GetSummary().GetSampleCount())},
		}
	case io_prometheus_client.MetricType_HISTOGRAM:
		return []namedValue{
			{name: name + "_sum", value: m.GetHistogram().GetSampleSum()},
			{name: name + "_count", value: float64(m.GetHistogram().GetSampleCount())},
		}
	default:
		return []namedValue{{name: name, value: m.GetUntyped().GetValue()}}
	}
}
