package kpi

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	dbmetric "github.com/opst/pipelab/pkg/domain/metric/db"
	xe "github.com/opst/pipelab/pkg/errors"
	"github.com/opst/pipelab/pkg/metrics"
	"go.uber.org/zap"
)

// Engine ingests metric samples and computes KPIs over them.
//
// Results for settled windows are cached.
// A window is settled when its end is older than the settle period,
// and samples within it are not expected to arrive any more.
type Engine struct {
	samples dbmetric.Interface
	opts    Options

	cache  *lru.Cache[cacheKey, domain.KPIResult]
	settle time.Duration

	clock   clock.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

type cacheKey struct {
	experimentId string
	start        int64
	end          int64
}

type Option func(*Engine) error

// WithCache enables caching results for at most size windows.
func WithCache(size int, settle time.Duration) Option {
	return func(e *Engine) error {
		c, err := lru.New[cacheKey, domain.KPIResult](size)
		if err != nil {
			return domerr.NewErrInvalidConfig("kpi.cacheSize", err.Error())
		}
		e.cache = c
		e.settle = settle
		return nil
	}
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) error {
		e.clock = clk
		return nil
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

func NewEngine(samples dbmetric.Interface, opts Options, options ...Option) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		samples: samples,
		opts:    opts,
		clock:   clock.New(),
		logger:  zap.NewNop().Sugar(),
		metrics: metrics.Discard(),
	}
	for _, o := range options {
		if err := o(e); err != nil {
			return nil, err
		}
	}
	e.logger = e.logger.Named("kpi")
	return e, nil
}

// Ingest validates and stores samples.
//
// Samples without timestamp are stamped with the current time.
// When any sample is invalid, nothing is stored.
func (e *Engine) Ingest(ctx context.Context, samples ...domain.MetricSample) ([]domain.MetricSample, error) {
	now := e.clock.Now()
	stamped := make([]domain.MetricSample, 0, len(samples))
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		// stores keep microseconds.
		s.Timestamp = s.Timestamp.Truncate(time.Microsecond)
		stamped = append(stamped, s)
	}
	if len(stamped) == 0 {
		return []domain.MetricSample{}, nil
	}

	ingested, err := e.samples.Ingest(ctx, stamped...)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	for _, s := range ingested {
		e.metrics.Ingested(s.Variant.String(), 1)
	}
	return ingested, nil
}

// Compute computes KPIs of the experiment over the window.
//
// It reads a snapshot of samples at the time of call.
//
// # Returns
//
// - error: wraps ErrInsufficientData when samples are too few,
// ErrInvalidConfig when the window is malformed.
func (e *Engine) Compute(ctx context.Context, experimentId string, window domain.Window) (domain.KPIResult, error) {
	began := e.clock.Now()
	if err := window.Validate(); err != nil {
		return domain.KPIResult{}, err
	}

	key := cacheKey{
		experimentId: experimentId,
		start:        window.Start.UnixNano(),
		end:          window.End.UnixNano(),
	}
	cacheable := e.cache != nil && settled(window, e.settle, began)
	if cacheable {
		if r, ok := e.cache.Get(key); ok {
			e.metrics.KPIComputed(metrics.KPICached, e.clock.Since(began))
			return r, nil
		}
	}

	baseline, err := e.samples.Query(ctx, experimentId, domain.Baseline, window)
	if err != nil {
		e.metrics.KPIComputed(metrics.KPIError, e.clock.Since(began))
		return domain.KPIResult{}, xe.Wrap(err)
	}
	candidate, err := e.samples.Query(ctx, experimentId, domain.Candidate, window)
	if err != nil {
		e.metrics.KPIComputed(metrics.KPIError, e.clock.Since(began))
		return domain.KPIResult{}, xe.Wrap(err)
	}

	result, err := Aggregate(experimentId, window, baseline, candidate, e.opts)
	if err != nil {
		e.metrics.KPIComputed(metrics.KPIInsufficient, e.clock.Since(began))
		e.logger.Debugw("kpi is not computed", "experiment", experimentId, "window", window, "error", err)
		return domain.KPIResult{}, err
	}
	if cacheable {
		e.cache.Add(key, result)
	}
	e.metrics.KPIComputed(metrics.KPIOk, e.clock.Since(began))
	return result, nil
}
