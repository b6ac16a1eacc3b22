// Package kpi computes comparative KPIs of experiments from metric samples.
package kpi

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

// CardinalityBy is what makes a sample distinct in cardinality.
type CardinalityBy string

const (
	// metric name and label set
	BySeries CardinalityBy = "series"

	// metric name only
	ByName CardinalityBy = "name"
)

func AsCardinalityBy(s string) (CardinalityBy, error) {
	switch s {
	case string(BySeries):
		return BySeries, nil
	case string(ByName):
		return ByName, nil
	}
	return "", domerr.NewErrInvalidConfig(
		"cardinalityBy", fmt.Sprintf("'%s' is not one of %s, %s", s, BySeries, ByName),
	)
}

type Options struct {
	// Minimum count of samples in the window, for each variant.
	MinSamples int

	// Names of metrics whose mean are compared.
	// They are not counted in cardinality.
	CostMetric   string
	CPUMetric    string
	MemoryMetric string

	CardinalityBy CardinalityBy
}

func DefaultOptions() Options {
	return Options{
		MinSamples:    1,
		CostMetric:    "pipeline_cost",
		CPUMetric:     "process_cpu_usage",
		MemoryMetric:  "process_memory_bytes",
		CardinalityBy: BySeries,
	}
}

func (o Options) Validate() error {
	if o.MinSamples < 1 {
		return domerr.NewErrInvalidConfig("minSamples", "should be positive")
	}
	if o.CostMetric == "" || o.CPUMetric == "" || o.MemoryMetric == "" {
		return domerr.NewErrInvalidConfig("costMetric, cpuMetric, memoryMetric", "should not be empty")
	}
	if _, err := AsCardinalityBy(string(o.CardinalityBy)); err != nil {
		return err
	}
	return nil
}

// Aggregate computes KPIs from samples of baseline and candidate in the window.
//
// Samples outside of the window are ignored.
// Samples of the same host, series and timestamp are deduplicated; the one ingested later wins.
// Timestamps are compared in microseconds, the precision stores keep.
//
// The result depends only on arguments: the order of samples does not matter.
//
// # Returns
//
// - error: wraps ErrInsufficientData when either variant has fewer samples than opts.MinSamples.
func Aggregate(
	experimentId string,
	window domain.Window,
	baseline []domain.MetricSample,
	candidate []domain.MetricSample,
	opts Options,
) (domain.KPIResult, error) {
	if err := window.Validate(); err != nil {
		return domain.KPIResult{}, err
	}

	b := summarize(dedupe(window, baseline), opts)
	c := summarize(dedupe(window, candidate), opts)

	for _, s := range []struct {
		variant domain.Variant
		summary summary
	}{
		{domain.Baseline, b},
		{domain.Candidate, c},
	} {
		if s.summary.samples < opts.MinSamples {
			return domain.KPIResult{}, fmt.Errorf(
				"%w: experiment %s: %s has %d samples in %s, requires %d",
				domerr.ErrInsufficientData, experimentId,
				s.variant, s.summary.samples, window, opts.MinSamples,
			)
		}
	}

	return domain.KPIResult{
		ExperimentId:     experimentId,
		Window:           window,
		BaselineSamples:  b.samples,
		CandidateSamples: c.samples,
		Cardinality:      domain.Compare(float64(b.cardinality), float64(c.cardinality)),
		Cost:             compareMeans(b, c, opts.CostMetric),
		CPU:              compareMeans(b, c, opts.CPUMetric),
		Memory:           compareMeans(b, c, opts.MemoryMetric),
	}, nil
}

type sampleKey struct {
	host   string
	series string
	at     int64
}

// dedupe drops samples out of the window and duplicated ones,
// and returns the rest sorted by host, series and timestamp.
func dedupe(window domain.Window, samples []domain.MetricSample) []domain.MetricSample {
	latest := map[sampleKey]domain.MetricSample{}
	for _, s := range samples {
		if !window.Contains(s.Timestamp) {
			continue
		}
		k := sampleKey{host: s.Host, series: s.SeriesKey(), at: s.Timestamp.UnixMicro()}
		if prev, ok := latest[k]; ok && s.Seq < prev.Seq {
			continue
		}
		latest[k] = s
	}

	keys := make([]sampleKey, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b sampleKey) int {
		return cmp.Or(
			cmp.Compare(a.host, b.host),
			cmp.Compare(a.series, b.series),
			cmp.Compare(a.at, b.at),
		)
	})

	ret := make([]domain.MetricSample, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, latest[k])
	}
	return ret
}

type summary struct {
	samples     int
	cardinality int

	// metric name -> mean. Only for resource metrics with samples.
	means map[string]float64
}

func summarize(samples []domain.MetricSample, opts Options) summary {
	resources := map[string][]float64{
		opts.CostMetric:   nil,
		opts.CPUMetric:    nil,
		opts.MemoryMetric: nil,
	}
	distinct := map[string]struct{}{}

	for _, s := range samples {
		if _, ok := resources[s.Name]; ok {
			resources[s.Name] = append(resources[s.Name], s.Value)
			continue
		}
		key := s.Name
		if opts.CardinalityBy != ByName {
			key = s.SeriesKey()
		}
		distinct[key] = struct{}{}
	}

	means := map[string]float64{}
	for name, values := range resources {
		m, err := stats.Mean(values)
		if err != nil {
			continue // no samples
		}
		means[name] = m
	}

	return summary{samples: len(samples), cardinality: len(distinct), means: means}
}

// compareMeans compares means of the metric.
//
// When either variant has no samples of the metric, the comparison is unavailable.
func compareMeans(baseline, candidate summary, name string) domain.Comparison {
	b, bok := baseline.means[name]
	c, cok := candidate.means[name]
	if !bok || !cok {
		return domain.Unavailable(b, c, domain.ReasonInsufficientData)
	}
	return domain.Compare(b, c)
}

// settled reports whether the window has been closed for longer than settle at now.
func settled(window domain.Window, settle time.Duration, now time.Time) bool {
	return window.End.Add(settle).Before(now)
}
