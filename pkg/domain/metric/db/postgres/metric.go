package postgres

import (
	"context"
	"encoding/json"
	"time"

	kpool "github.com/opst/pipelab/pkg/conn/db/postgres/pool"
	"github.com/opst/pipelab/pkg/conn/db/postgres/scanner"
	"github.com/opst/pipelab/pkg/domain"
	metric "github.com/opst/pipelab/pkg/domain/metric/db"
	xe "github.com/opst/pipelab/pkg/errors"
)

type metricPG struct {
	pool kpool.Pool
}

var _ metric.Interface = &metricPG{}

func New(pool kpool.Pool) metric.Interface {
	return &metricPG{pool: pool}
}

func (m *metricPG) Ingest(ctx context.Context, samples ...domain.MetricSample) ([]domain.MetricSample, error) {
	if len(samples) == 0 {
		return []domain.MetricSample{}, nil
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	ret := make([]domain.MetricSample, 0, len(samples))
	for _, ms := range samples {
		labels := ms.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		l, err := json.Marshal(labels)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		if err := tx.QueryRow(
			ctx,
			`
			insert into "metric_sample" (
				"experiment_id", "variant", "host", "name", "labels", "ts", "value"
			)
			values ($1, $2, $3, $4, $5::jsonb, $6, $7)
			returning "seq"
			`,
			ms.ExperimentId, string(ms.Variant), ms.Host, ms.Name, string(l), ms.Timestamp, ms.Value,
		).Scan(&ms.Seq); err != nil {
			return nil, xe.Wrap(err)
		}
		ret = append(ret, ms)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, xe.Wrap(err)
	}
	return ret, nil
}

type sampleRow struct {
	Seq          int64
	ExperimentId string
	Variant      string
	Host         string
	Name         string
	Labels       string
	Ts           time.Time
	Value        float64
}

func (m *metricPG) Query(
	ctx context.Context, experimentId string, variant domain.Variant, window domain.Window,
) ([]domain.MetricSample, error) {
	rows, err := scanner.New[sampleRow]().QueryAll(
		ctx, m.pool,
		`
		select
			"seq", "experiment_id", "variant", "host", "name",
			"labels"::text as "labels", "ts", "value"
		from "metric_sample"
		where "experiment_id" = $1 and "variant" = $2 and $3 <= "ts" and "ts" <= $4
		order by "seq"
		`,
		experimentId, string(variant), window.Start, window.End,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	ret := make([]domain.MetricSample, 0, len(rows))
	for _, r := range rows {
		ms := domain.MetricSample{
			ExperimentId: r.ExperimentId,
			Variant:      domain.Variant(r.Variant),
			Host:         r.Host,
			Name:         r.Name,
			Timestamp:    r.Ts,
			Value:        r.Value,
			Seq:          r.Seq,
		}
		if err := json.Unmarshal([]byte(r.Labels), &ms.Labels); err != nil {
			return nil, xe.Wrap(err)
		}
		ret = append(ret, ms)
	}
	return ret, nil
}
