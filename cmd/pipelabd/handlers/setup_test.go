package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	httptestutil "github.com/opst/pipelab/internal/testutils/http"
	"github.com/opst/pipelab/pkg/coordinator"
	"github.com/opst/pipelab/pkg/domain"
	agentmock "github.com/opst/pipelab/pkg/domain/agent/mock"
	"github.com/opst/pipelab/pkg/domain/pipelab/db/inmem"
	"github.com/opst/pipelab/pkg/kpi"
	"github.com/opst/pipelab/pkg/orchestrator"
	"github.com/opst/pipelab/pkg/pipeline"
	"github.com/opst/pipelab/pkg/utils/retry"
	"github.com/opst/pipelab/pkg/utils/try"
)

const param = "experimentId"

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	orch  *orchestrator.Orchestrator
	clock *clock.Mock
	agent *agentmock.Agent
}

// setup builds an orchestrator on the in-memory store. Agents accept every command.
func setup(t *testing.T) fixture {
	t.Helper()

	database := inmem.New()
	clk := clock.NewMock()
	clk.Set(epoch)

	catalog := try.To(pipeline.New(map[string]string{
		"otel/filter:v1": "processors:\n  filter:\n    drop: {{ .Vars.drop }}\n",
	})).OrFatal(t)

	ag := agentmock.New(t)
	ag.Impl.SendCommand = func(context.Context, string, domain.Command) error { return nil }

	coord := coordinator.New(
		database.Deployment(), database.Experiment(), ag, catalog,
		retry.Policy{MaxAttempts: 1},
		coordinator.WithClock(clk),
	)

	opts := kpi.DefaultOptions()
	opts.MinSamples = 2
	engine := try.To(kpi.NewEngine(database.Metric(), opts, kpi.WithClock(clk))).OrFatal(t)

	seq := 0
	orch := orchestrator.New(
		database.Experiment(), database.Deployment(), coord, engine, catalog,
		orchestrator.WithClock(clk),
		orchestrator.WithIdGenerator(func() string {
			seq += 1
			return fmt.Sprintf("exp-%d", seq)
		}),
	)
	return fixture{orch: orch, clock: clk, agent: ag}
}

const createBody = `{
	"name": "drop-debug-logs",
	"baseline": {"templateRef": "otel/filter:v1", "overrides": {"drop": "none"}},
	"candidate": {"templateRef": "otel/filter:v1", "overrides": {"drop": "debug"}},
	"targets": {"hosts": ["host-b", "host-a"]},
	"duration": "10m",
	"warmUp": "1m"
}`

func (f fixture) create(t *testing.T) string {
	t.Helper()
	e, err := f.orch.Create(context.Background(), domain.ExperimentConfig{
		Name:      "drop-debug-logs",
		Baseline:  domain.VariantSpec{TemplateRef: "otel/filter:v1", Overrides: map[string]string{"drop": "none"}},
		Candidate: domain.VariantSpec{TemplateRef: "otel/filter:v1", Overrides: map[string]string{"drop": "debug"}},
		Targets:   domain.Targets{Hosts: []string{"host-a"}},
		Duration:  10 * time.Minute,
		WarmUp:    time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e.Id
}

// running creates an experiment and makes it Running.
func (f fixture) running(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id := f.create(t)
	try.To(f.orch.Start(ctx, id)).OrFatal(t)
	f.report(t, id, domain.DeploymentActive)
	if e := try.To(f.orch.Tick(ctx, id)).OrFatal(t); e.Phase != domain.Running {
		t.Fatalf("phase: actual=%s, expect=%s", e.Phase, domain.Running)
	}
	return id
}

func (f fixture) report(t *testing.T, id string, state domain.DeploymentState) {
	t.Helper()
	ctx := context.Background()
	st := try.To(f.orch.Status(ctx, id)).OrFatal(t)
	for _, d := range st.Deployments {
		if d.State.Terminal() {
			continue
		}
		try.To(f.orch.ReportStatus(ctx, d.Id, coordinator.Report{State: state, At: f.clock.Now()})).OrFatal(t)
	}
}

func (f fixture) phase(t *testing.T, id string) domain.Phase {
	t.Helper()
	return try.To(f.orch.Status(context.Background(), id)).OrFatal(t).Experiment.Phase
}

// call invokes the handler with a request to target.
//
// When body is not empty and no options are given, it is sent as JSON.
func call(
	t *testing.T, h echo.HandlerFunc, method string, target string, body string,
	options ...httptestutil.RequestOption,
) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()

	var c echo.Context
	var rec *httptest.ResponseRecorder
	if body != "" && len(options) == 0 {
		options = append([]httptestutil.RequestOption{httptestutil.ContentType(echo.MIMEApplicationJSON)}, options...)
	}
	switch method {
	case http.MethodGet:
		c, rec = httptestutil.Get(e, target, options...)
	case http.MethodPut:
		c, rec = httptestutil.Put(e, target, strings.NewReader(body), options...)
	default:
		c, rec = httptestutil.Post(e, target, strings.NewReader(body), options...)
	}

	if _, rest, ok := strings.Cut(target, "/experiments/"); ok {
		id, _, _ := strings.Cut(rest, "/")
		id, _, _ = strings.Cut(id, "?")
		c.SetParamNames(param)
		c.SetParamValues(id)
	}
	return rec, h(c)
}

// code is the status code of err, which handlers return.
func code(t *testing.T, err error) int {
	t.Helper()
	herr := new(echo.HTTPError)
	if !errors.As(err, &herr) {
		t.Fatalf("error is not an HTTPError: %+v", err)
	}
	return herr.Code
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("response is not JSON: %s: %v", rec.Body.String(), err)
	}
	return v
}
