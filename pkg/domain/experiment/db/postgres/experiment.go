package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	kpool "github.com/opst/pipelab/pkg/conn/db/postgres/pool"
	"github.com/opst/pipelab/pkg/conn/db/postgres/scanner"
	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/domain/errors/dberrors"
	experiment "github.com/opst/pipelab/pkg/domain/experiment/db"
	xe "github.com/opst/pipelab/pkg/errors"
)

type experimentPG struct {
	pool kpool.Pool
}

var _ experiment.Interface = &experimentPG{}

func New(pool kpool.Pool) experiment.Interface {
	return &experimentPG{pool: pool}
}

type experimentRow struct {
	ExperimentId  string
	Phase         string
	Config        string
	Hosts         []string
	PhaseTimes    string
	StopRequested bool
	Aborted       bool
	StopReason    string
	LastError     string
	Kpi           *string
	Version       int64
	UpdatedAt     time.Time
}

const selectExperiment = `
select
	"experiment_id", "phase", "config"::text, "hosts", "phase_times"::text,
	"stop_requested", "aborted", "stop_reason", "last_error", "kpi"::text,
	"version", "updated_at"
from "experiment"
`

func (r experimentRow) toDomain() (*domain.Experiment, error) {
	phase, err := domain.AsPhase(r.Phase)
	if err != nil {
		return nil, err
	}

	e := &domain.Experiment{
		Id:            r.ExperimentId,
		Hosts:         r.Hosts,
		Phase:         phase,
		StopRequested: r.StopRequested,
		Aborted:       r.Aborted,
		StopReason:    r.StopReason,
		LastError:     r.LastError,
		Version:       r.Version,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Config), &e.Config); err != nil {
		return nil, xe.WrapWithNote("config", err)
	}
	if err := json.Unmarshal([]byte(r.PhaseTimes), &e.PhaseTimes); err != nil {
		return nil, xe.WrapWithNote("phase_times", err)
	}
	if r.Kpi != nil {
		e.KPI = new(domain.KPIResult)
		if err := json.Unmarshal([]byte(*r.Kpi), e.KPI); err != nil {
			return nil, xe.WrapWithNote("kpi", err)
		}
	}
	return e, nil
}

func (m *experimentPG) Save(ctx context.Context, e *domain.Experiment) error {
	config, err := json.Marshal(e.Config)
	if err != nil {
		return xe.Wrap(err)
	}
	phaseTimes, err := json.Marshal(e.PhaseTimes)
	if err != nil {
		return xe.Wrap(err)
	}
	var kpi *string
	if e.KPI != nil {
		b, err := json.Marshal(e.KPI)
		if err != nil {
			return xe.Wrap(err)
		}
		s := string(b)
		kpi = &s
	}

	if e.Version == 0 {
		ctag, err := m.pool.Exec(
			ctx,
			`
			insert into "experiment" (
				"experiment_id", "name", "phase", "config", "hosts", "phase_times",
				"stop_requested", "aborted", "stop_reason", "last_error", "kpi",
				"version", "created_at", "updated_at"
			)
			values ($1, $2, $3, $4::jsonb, $5, $6::jsonb, $7, $8, $9, $10, $11::jsonb, 1, $12, $13)
			on conflict do nothing
			`,
			e.Id, e.Config.Name, string(e.Phase), string(config), e.Hosts, string(phaseTimes),
			e.StopRequested, e.Aborted, e.StopReason, e.LastError, kpi,
			e.CreatedAt(), e.UpdatedAt,
		)
		if err != nil {
			return xe.Wrap(err)
		}
		if ctag.RowsAffected() == 0 {
			return dberrors.Conflict{Table: "experiment", Identity: e.Id, Version: e.Version}
		}
		e.Version = 1
		return nil
	}

	ctag, err := m.pool.Exec(
		ctx,
		`
		update "experiment" set
			"phase" = $3, "phase_times" = $4::jsonb,
			"stop_requested" = $5, "aborted" = $6, "stop_reason" = $7,
			"last_error" = $8, "kpi" = $9::jsonb,
			"version" = "version" + 1, "updated_at" = $10
		where "experiment_id" = $1 and "version" = $2
		`,
		e.Id, e.Version, string(e.Phase), string(phaseTimes),
		e.StopRequested, e.Aborted, e.StopReason, e.LastError, kpi, e.UpdatedAt,
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if ctag.RowsAffected() == 0 {
		var exists bool
		if err := m.pool.QueryRow(
			ctx,
			`select exists (select 1 from "experiment" where "experiment_id" = $1)`,
			e.Id,
		).Scan(&exists); err != nil {
			return xe.Wrap(err)
		}
		if !exists {
			return dberrors.Missing{Table: "experiment", Identity: "experiment_id = " + e.Id}
		}
		return dberrors.Conflict{Table: "experiment", Identity: e.Id, Version: e.Version}
	}
	e.Version += 1
	return nil
}

func (m *experimentPG) Load(ctx context.Context, id string) (*domain.Experiment, error) {
	rows, err := scanner.New[experimentRow]().QueryAll(
		ctx, m.pool, selectExperiment+`where "experiment_id" = $1`, id,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if len(rows) == 0 {
		return nil, dberrors.Missing{Table: "experiment", Identity: "experiment_id = " + id}
	}
	return rows[0].toDomain()
}

func (m *experimentPG) List(ctx context.Context, filter domain.ExperimentFilter) ([]*domain.Experiment, error) {
	phases := make([]string, 0, len(filter.Phases))
	for _, p := range filter.Phases {
		phases = append(phases, string(p))
	}
	var since, until *time.Time
	if !filter.CreatedSince.IsZero() {
		since = &filter.CreatedSince
	}
	if !filter.CreatedUntil.IsZero() {
		until = &filter.CreatedUntil
	}

	rows, err := scanner.New[experimentRow]().QueryAll(
		ctx, m.pool,
		selectExperiment+`
		where (cardinality($1::text[]) = 0 or "phase" = any($1::text[]))
		  and ($2::timestamptz is null or $2 <= "created_at")
		  and ($3::timestamptz is null or "created_at" < $3)
		order by "created_at", "experiment_id"
		`,
		phases, since, until,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	ret := make([]*domain.Experiment, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	return ret, nil
}

func (m *experimentPG) AppendEvent(
	ctx context.Context, experimentId string,
	typ domain.EventType, payload map[string]string, at time.Time,
) (domain.Event, error) {
	if payload == nil {
		payload = map[string]string{}
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, xe.Wrap(err)
	}

	var seq int64
	if err := m.pool.QueryRow(
		ctx,
		`
		insert into "experiment_event" ("experiment_id", "type", "payload", "at")
		select "experiment_id", $2, $3::jsonb, $4
		from "experiment" where "experiment_id" = $1
		returning "seq"
		`,
		experimentId, string(typ), string(p), at,
	).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, dberrors.Missing{
				Table: "experiment", Identity: "experiment_id = " + experimentId,
			}
		}
		return domain.Event{}, xe.Wrap(err)
	}

	return domain.Event{
		Seq: seq, ExperimentId: experimentId, Type: typ, Payload: payload, At: at,
	}, nil
}

type eventRow struct {
	Seq          int64
	ExperimentId string
	Type         string
	Payload      string
	At           time.Time
}

func (m *experimentPG) Events(ctx context.Context, experimentId string) ([]domain.Event, error) {
	var exists bool
	if err := m.pool.QueryRow(
		ctx,
		`select exists (select 1 from "experiment" where "experiment_id" = $1)`,
		experimentId,
	).Scan(&exists); err != nil {
		return nil, xe.Wrap(err)
	}
	if !exists {
		return nil, dberrors.Missing{Table: "experiment", Identity: "experiment_id = " + experimentId}
	}

	rows, err := scanner.New[eventRow]().QueryAll(
		ctx, m.pool,
		`
		select "seq", "experiment_id", "type", "payload"::text as "payload", "at"
		from "experiment_event"
		where "experiment_id" = $1
		order by "seq"
		`,
		experimentId,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	ret := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		ev := domain.Event{
			Seq: r.Seq, ExperimentId: r.ExperimentId, Type: domain.EventType(r.Type), At: r.At,
		}
		if err := json.Unmarshal([]byte(r.Payload), &ev.Payload); err != nil {
			return nil, xe.Wrap(err)
		}
		ret = append(ret, ev)
	}
	return ret, nil
}
