package postgres

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v4/pgxpool"
	kpool "github.com/opst/pipelab/pkg/conn/db/postgres/pool"
	deployment "github.com/opst/pipelab/pkg/domain/deployment/db"
	pgdeployment "github.com/opst/pipelab/pkg/domain/deployment/db/postgres"
	experiment "github.com/opst/pipelab/pkg/domain/experiment/db"
	pgexperiment "github.com/opst/pipelab/pkg/domain/experiment/db/postgres"
	metric "github.com/opst/pipelab/pkg/domain/metric/db"
	pgmetric "github.com/opst/pipelab/pkg/domain/metric/db/postgres"
	"github.com/opst/pipelab/pkg/domain/pipelab/db"
	xe "github.com/opst/pipelab/pkg/errors"
)

//go:embed schema.sql
var Schema string

type pipelabPG struct {
	pool       kpool.Pool
	experiment experiment.Interface
	deployment deployment.Interface
	metric     metric.Interface
}

type Config struct {
	// Create tables (if not exist) on connect.
	Bootstrap bool
}

type Option func(*Config) *Config

// WithBootstrap makes New create tables if they do not exist.
func WithBootstrap() Option {
	return func(c *Config) *Config {
		c.Bootstrap = true
		return c
	}
}

// New connects to postgres.
func New(ctx context.Context, url string, options ...Option) (db.Database, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	c := Config{}
	for _, o := range options {
		c = *o(&c)
	}

	p := kpool.Wrap(pool)
	if c.Bootstrap {
		if err := Bootstrap(ctx, p); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return Wrap(p), nil
}

// Wrap builds Database on the pool.
func Wrap(p kpool.Pool) db.Database {
	return &pipelabPG{
		pool:       p,
		experiment: pgexperiment.New(p),
		deployment: pgdeployment.New(p),
		metric:     pgmetric.New(p),
	}
}

// Bootstrap creates tables if they do not exist.
func Bootstrap(ctx context.Context, p kpool.Queryer) error {
	if _, err := p.Exec(ctx, Schema); err != nil {
		return xe.WrapWithNote("bootstrap", err)
	}
	return nil
}

func (p *pipelabPG) Experiment() experiment.Interface {
	return p.experiment
}

func (p *pipelabPG) Deployment() deployment.Interface {
	return p.deployment
}

func (p *pipelabPG) Metric() metric.Interface {
	return p.metric
}

func (p *pipelabPG) Close() error {
	p.pool.Close()
	return nil
}
