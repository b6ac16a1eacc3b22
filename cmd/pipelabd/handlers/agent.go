package handlers

import (
	"mime"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	apierr "github.com/opst/pipelab/pkg/api/types/errors"
	apiexperiments "github.com/opst/pipelab/pkg/api/types/experiments"
	"github.com/opst/pipelab/pkg/coordinator"
	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/metricsin"
)

// ReportStatusHandler receives a status report of a deployment from an agent.
func ReportStatusHandler(o Orchestrator, clk clock.Clock, param string) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(apiexperiments.StatusReport)
		if err := c.Bind(req); err != nil {
			return apierr.BadRequest("request body should be a status report in JSON.", err)
		}
		state, err := domain.AsDeploymentState(req.State)
		if err != nil {
			return apierr.BadRequest(`"state" should be a deployment state`, err)
		}

		at := clk.Now()
		if req.Timestamp != nil {
			at = req.Timestamp.Time()
		}

		d, err := o.ReportStatus(
			c.Request().Context(), c.Param(param),
			coordinator.Report{State: state, At: at, Error: req.Error},
		)
		if err != nil {
			return apierr.FromDomain(err)
		}
		return c.JSON(http.StatusOK, apiexperiments.ComposeDeployment(d))
	}
}

// ReportMetricsHandler receives metric samples from agents.
//
// The body is a JSON array of samples, or Prometheus text exposition (text/plain).
// For text exposition, query parameters experiment, variant and host attribute series
// which do not have labels for them.
// When experiment is given, series labelled with other experiments are ignored.
func ReportMetricsHandler(o Orchestrator, clk clock.Clock) echo.HandlerFunc {
	return func(c echo.Context) error {
		var samples []domain.MetricSample

		mediatype, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
		switch mediatype {
		case echo.MIMETextPlain:
			target := metricsin.Target{
				ExperimentId: c.QueryParam("experiment"),
				Host:         c.QueryParam("host"),
			}
			if v := c.QueryParam("variant"); v != "" {
				variant, err := domain.AsVariant(v)
				if err != nil {
					return apierr.BadRequest(`"variant" should be "baseline" or "candidate"`, err)
				}
				target.Variant = variant
			}
			filters := []metricsin.MetricFilter{}
			if target.ExperimentId != "" {
				filters = append(filters, metricsin.Either(
					metricsin.WithoutLabel(metricsin.LabelExperiment),
					metricsin.WithLabelAndValue(metricsin.LabelExperiment, target.ExperimentId),
				))
			}

			ss, err := metricsin.Parse(c.Request().Body, target, clk.Now(), filters...)
			if err != nil {
				return apierr.FromDomain(err)
			}
			samples = ss
		default:
			req := []apiexperiments.Sample{}
			if err := c.Bind(&req); err != nil {
				return apierr.BadRequest("request body should be an array of samples in JSON.", err)
			}
			now := clk.Now()
			for _, s := range req {
				ms := s.Domain()
				if ms.Timestamp.IsZero() {
					ms.Timestamp = now
				}
				samples = append(samples, ms)
			}
		}

		if len(samples) == 0 {
			return c.JSON(http.StatusOK, apiexperiments.Ingested{})
		}
		accepted, err := o.ReportMetric(c.Request().Context(), samples...)
		if err != nil {
			return apierr.FromDomain(err)
		}
		return c.JSON(http.StatusOK, apiexperiments.Ingested{Accepted: len(accepted)})
	}
}

// AnomalyHandler aborts the experiment which an anomaly detector has noticed.
func AnomalyHandler(o Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(apiexperiments.Anomaly)
		if err := c.Bind(req); err != nil {
			return apierr.BadRequest("request body should be an anomaly in JSON.", err)
		}
		if req.ExperimentId == "" {
			return apierr.BadRequest(`"experimentId" is required`, nil)
		}

		reason := "anomaly"
		if req.Reason != "" {
			reason += ": " + req.Reason
		}
		if _, err := o.Abort(c.Request().Context(), req.ExperimentId, reason); err != nil {
			return apierr.FromDomain(err)
		}
		return respondDetail(c, o, http.StatusOK, req.ExperimentId)
	}
}
