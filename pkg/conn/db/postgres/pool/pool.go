// Package pool abstracts connection pools of postgres for the gateways.
package pool

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Queryer sends SQL. *pgxpool.Pool and pgx.Tx satisfy it.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Tx is a transaction begun by Pool.Begin.
type Tx interface {
	Queryer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pool is the subset of *pgxpool.Pool which gateways use.
//
// Use Wrap to get Pool from *pgxpool.Pool.
type Pool interface {
	Queryer
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type pgxPool struct {
	*pgxpool.Pool
}

// Begin returns Tx instead of pgx.Tx; Go has no covariant return types.
func (p pgxPool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func Wrap(p *pgxpool.Pool) Pool {
	return pgxPool{Pool: p}
}
