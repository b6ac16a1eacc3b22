package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	kpool "github.com/opst/pipelab/pkg/conn/db/postgres/pool"
	"github.com/opst/pipelab/pkg/conn/db/postgres/scanner"
	"github.com/opst/pipelab/pkg/domain"
	deployment "github.com/opst/pipelab/pkg/domain/deployment/db"
	"github.com/opst/pipelab/pkg/domain/errors/dberrors"
	xe "github.com/opst/pipelab/pkg/errors"
)

type deploymentPG struct {
	pool kpool.Pool
}

var _ deployment.Interface = &deploymentPG{}

func New(pool kpool.Pool) deployment.Interface {
	return &deploymentPG{pool: pool}
}

type deploymentRow struct {
	DeploymentId   string
	ExperimentId   string
	Variant        string
	Host           string
	State          string
	TemplateRef    string
	Attempts       int32
	CommandPending bool
	RollbackFailed bool
	LastError      string
	LastReportAt   *time.Time
	ReportedState  string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r deploymentRow) toDomain() (*domain.Deployment, error) {
	variant, err := domain.AsVariant(r.Variant)
	if err != nil {
		return nil, err
	}
	state, err := domain.AsDeploymentState(r.State)
	if err != nil {
		return nil, err
	}
	d := &domain.Deployment{
		Id:             r.DeploymentId,
		ExperimentId:   r.ExperimentId,
		Variant:        variant,
		Host:           r.Host,
		State:          state,
		TemplateRef:    r.TemplateRef,
		Attempts:       int(r.Attempts),
		CommandPending: r.CommandPending,
		RollbackFailed: r.RollbackFailed,
		LastError:      r.LastError,
		ReportedState:  domain.DeploymentState(r.ReportedState),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.LastReportAt != nil {
		d.LastReportAt = *r.LastReportAt
	}
	return d, nil
}

const selectDeployment = `
select
	"deployment_id", "experiment_id", "variant", "host", "state", "template_ref",
	"attempts", "command_pending", "rollback_failed", "last_error", "last_report_at",
	"reported_state", "version", "created_at", "updated_at"
from "deployment"
`

func isUniqueViolation(err error) bool {
	pgerr := new(pgconn.PgError)
	return errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation
}

func (m *deploymentPG) Save(ctx context.Context, d *domain.Deployment) error {
	var lastReportAt *time.Time
	if !d.LastReportAt.IsZero() {
		lastReportAt = &d.LastReportAt
	}
	conflict := dberrors.Conflict{Table: "deployment", Identity: d.Id, Version: d.Version}

	if d.Version == 0 {
		if _, err := m.pool.Exec(
			ctx,
			`
			insert into "deployment" (
				"deployment_id", "experiment_id", "variant", "host", "state", "template_ref",
				"attempts", "command_pending", "rollback_failed", "last_error", "last_report_at",
				"reported_state", "version", "created_at", "updated_at"
			)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
			`,
			d.Id, d.ExperimentId, string(d.Variant), d.Host, string(d.State), d.TemplateRef,
			d.Attempts, d.CommandPending, d.RollbackFailed, d.LastError, lastReportAt,
			string(d.ReportedState), d.CreatedAt, d.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return conflict
			}
			return xe.Wrap(err)
		}
		d.Version = 1
		return nil
	}

	ctag, err := m.pool.Exec(
		ctx,
		`
		update "deployment" set
			"state" = $3, "attempts" = $4, "command_pending" = $5, "rollback_failed" = $6,
			"last_error" = $7, "last_report_at" = $8, "reported_state" = $9,
			"version" = "version" + 1, "updated_at" = $10
		where "deployment_id" = $1 and "version" = $2
		`,
		d.Id, d.Version, string(d.State), d.Attempts, d.CommandPending, d.RollbackFailed,
		d.LastError, lastReportAt, string(d.ReportedState), d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict
		}
		return xe.Wrap(err)
	}
	if ctag.RowsAffected() == 0 {
		if _, err := m.Load(ctx, d.Id); err != nil {
			return err
		}
		return conflict
	}
	d.Version += 1
	return nil
}

func (m *deploymentPG) Load(ctx context.Context, id string) (*domain.Deployment, error) {
	rows, err := scanner.New[deploymentRow]().QueryAll(
		ctx, m.pool, selectDeployment+`where "deployment_id" = $1`, id,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if len(rows) == 0 {
		return nil, dberrors.Missing{Table: "deployment", Identity: "deployment_id = " + id}
	}
	return rows[0].toDomain()
}

func (m *deploymentPG) LoadByExperiment(ctx context.Context, experimentId string) ([]*domain.Deployment, error) {
	rows, err := scanner.New[deploymentRow]().QueryAll(
		ctx, m.pool,
		selectDeployment+`
		where "experiment_id" = $1
		order by "variant", "host", "created_at", "deployment_id"
		`,
		experimentId,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	ret := make([]*domain.Deployment, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, nil
}
