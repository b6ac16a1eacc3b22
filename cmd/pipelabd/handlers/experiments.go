package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/pipelab/pkg/api/types/errors"
	apiexperiments "github.com/opst/pipelab/pkg/api/types/experiments"
	"github.com/opst/pipelab/pkg/coordinator"
	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/orchestrator"
	"github.com/opst/pipelab/pkg/utils/rfctime"
)

// Orchestrator is what handlers need from the orchestrator.
type Orchestrator interface {
	Create(ctx context.Context, cfg domain.ExperimentConfig) (*domain.Experiment, error)
	Start(ctx context.Context, id string) (*domain.Experiment, error)
	Stop(ctx context.Context, id string, reason string) (*domain.Experiment, error)
	Abort(ctx context.Context, id string, reason string) (*domain.Experiment, error)
	Status(ctx context.Context, id string) (orchestrator.Status, error)
	List(ctx context.Context, filter domain.ExperimentFilter) ([]orchestrator.Status, error)
	GetKPIs(ctx context.Context, id string, window *domain.Window) (domain.KPIResult, error)
	Events(ctx context.Context, id string) ([]domain.Event, error)
	RollbackDeployment(ctx context.Context, id string, variant domain.Variant) ([]*domain.Deployment, error)
	ReportStatus(ctx context.Context, deploymentId string, report coordinator.Report) (*domain.Deployment, error)
	ReportMetric(ctx context.Context, samples ...domain.MetricSample) ([]domain.MetricSample, error)
}

var _ Orchestrator = &orchestrator.Orchestrator{}

func detail(s orchestrator.Status) apiexperiments.Detail {
	return apiexperiments.ComposeDetail(s.Experiment, s.Summary)
}

// respondDetail responds the latest detail of the experiment.
func respondDetail(c echo.Context, o Orchestrator, code int, id string) error {
	s, err := o.Status(c.Request().Context(), id)
	if err != nil {
		return apierr.FromDomain(err)
	}
	return c.JSON(code, detail(s))
}

func CreateExperimentHandler(o Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(apiexperiments.Config)
		if err := c.Bind(req); err != nil {
			return apierr.BadRequest("request body should be an experiment config in JSON.", err)
		}

		e, err := o.Create(c.Request().Context(), req.Domain())
		if err != nil {
			return apierr.FromDomain(err)
		}
		return respondDetail(c, o, http.StatusCreated, e.Id)
	}
}

// FindExperimentsHandler lists experiments.
//
// Query parameters:
//
// - phase: comma separated phases.
//
// - since, until: RFC3339 date-time. Experiments created in [since, until).
func FindExperimentsHandler(o Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter := domain.ExperimentFilter{}
		for _, p := range strings.FieldsFunc(c.QueryParam("phase"), func(r rune) bool { return r == ',' }) {
			phase, err := domain.AsPhase(p)
			if err != nil {
				return apierr.BadRequest(`"phase" should be comma separated phases`, err)
			}
			filter.Phases = append(filter.Phases, phase)
		}

		var err error
		if filter.CreatedSince, err = queryTime(c, "since"); err != nil {
			return err
		}
		if filter.CreatedUntil, err = queryTime(c, "until"); err != nil {
			return err
		}

		ss, err := o.List(c.Request().Context(), filter)
		if err != nil {
			return apierr.FromDomain(err)
		}
		resp := make([]apiexperiments.Detail, 0, len(ss))
		for _, s := range ss {
			resp = append(resp, detail(s))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func GetExperimentHandler(o Orchestrator, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return respondDetail(c, o, http.StatusOK, c.Param(param))
	}
}

func StartExperimentHandler(o Orchestrator, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param(param)
		if _, err := o.Start(c.Request().Context(), id); err != nil {
			return apierr.FromDomain(err)
		}
		return respondDetail(c, o, http.StatusOK, id)
	}
}

// stopReason reads StopRequest from the body. An empty body is fine.
func stopReason(c echo.Context) (string, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", apierr.BadRequest("request body cannot be read.", err)
	}
	if len(body) == 0 {
		return "", nil
	}
	req := apiexperiments.StopRequest{}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", apierr.BadRequest(`request body should be {"reason": "..."}`, err)
	}
	return req.Reason, nil
}

func StopExperimentHandler(o Orchestrator, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param(param)
		reason, err := stopReason(c)
		if err != nil {
			return err
		}
		if _, err := o.Stop(c.Request().Context(), id, reason); err != nil {
			return apierr.FromDomain(err)
		}
		return respondDetail(c, o, http.StatusOK, id)
	}
}

func AbortExperimentHandler(o Orchestrator, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param(param)
		reason, err := stopReason(c)
		if err != nil {
			return err
		}
		if _, err := o.Abort(c.Request().Context(), id, reason); err != nil {
			return apierr.FromDomain(err)
		}
		return respondDetail(c, o, http.StatusOK, id)
	}
}

// GetKPIsHandler computes KPIs of the experiment.
//
// With query parameters start and end (RFC3339), KPIs in the window are computed.
// Otherwise, the default window (or the snapshot, if any) is used.
func GetKPIsHandler(o Orchestrator, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		start, err := queryTime(c, "start")
		if err != nil {
			return err
		}
		end, err := queryTime(c, "end")
		if err != nil {
			return err
		}

		var window *domain.Window
		switch {
		case start.IsZero() && end.IsZero():
		case start.IsZero() || end.IsZero():
			return apierr.BadRequest(`both of "start" and "end" are required to specify window`, nil)
		default:
			window = &domain.Window{Start: start, End: end}
			if err := window.Validate(); err != nil {
				return apierr.BadRequest(`"start" should not be after "end"`, err)
			}
		}

		r, err := o.GetKPIs(c.Request().Context(), c.Param(param), window)
		if err != nil {
			return apierr.FromDomain(err)
		}
		return c.JSON(http.StatusOK, apiexperiments.ComposeKPI(r))
	}
}

func GetEventsHandler(o Orchestrator, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		evs, err := o.Events(c.Request().Context(), c.Param(param))
		if err != nil {
			return apierr.FromDomain(err)
		}
		resp := make([]apiexperiments.Event, 0, len(evs))
		for _, ev := range evs {
			resp = append(resp, apiexperiments.ComposeEvent(ev))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// RollbackHandler rolls back deployments left by the experiment.
//
// Query parameter "variant" limits deployments to roll back.
// Deployments whose command is not delivered are retried on ticks.
func RollbackHandler(o Orchestrator, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var variant domain.Variant
		if v := c.QueryParam("variant"); v != "" {
			vv, err := domain.AsVariant(v)
			if err != nil {
				return apierr.BadRequest(`"variant" should be "baseline" or "candidate"`, err)
			}
			variant = vv
		}

		ds, err := o.RollbackDeployment(c.Request().Context(), c.Param(param), variant)
		if err != nil {
			return apierr.FromDomain(err)
		}
		resp := make([]apiexperiments.Deployment, 0, len(ds))
		for _, d := range ds {
			resp = append(resp, apiexperiments.ComposeDeployment(d))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	q := c.QueryParam(name)
	if q == "" {
		return time.Time{}, nil
	}
	t, err := rfctime.ParseRFC3339DateTime(q)
	if err != nil {
		return time.Time{}, apierr.BadRequest(`"`+name+`" should be a RFC3339 date-time format`, err)
	}
	return t.Time(), nil
}
