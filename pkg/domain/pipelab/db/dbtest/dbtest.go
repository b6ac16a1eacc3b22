// Package dbtest is a test suite which every implementation of the persistence gateway should pass.
package dbtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	"github.com/opst/pipelab/pkg/domain/pipelab/db"
)

// Run runs the suite. newDB should return an empty Database for each call.
func Run(t *testing.T, newDB func(*testing.T) db.Database) {
	t.Run("Experiment", func(t *testing.T) { testExperiment(t, newDB) })
	t.Run("Deployment", func(t *testing.T) { testDeployment(t, newDB) })
	t.Run("Metric", func(t *testing.T) { testMetric(t, newDB) })
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func experiment(id string, created time.Time) *domain.Experiment {
	return &domain.Experiment{
		Id: id,
		Config: domain.ExperimentConfig{
			Name:      "exp " + id,
			Baseline:  domain.VariantSpec{TemplateRef: "otel/base:v1"},
			Candidate: domain.VariantSpec{TemplateRef: "otel/filter:v2", Overrides: map[string]string{"drop": "debug"}},
			Targets:   domain.Targets{Hosts: []string{"host-a", "host-b"}},
			Duration:  10 * time.Minute,
			WarmUp:    time.Minute,
		},
		Hosts:      []string{"host-a", "host-b"},
		Phase:      domain.Pending,
		PhaseTimes: map[domain.Phase]time.Time{domain.Pending: created},
		UpdatedAt:  created,
	}
}

func testExperiment(t *testing.T, newDB func(*testing.T) db.Database) {
	t.Run("saved experiment can be loaded, and version is increased", func(t *testing.T) {
		ctx := context.Background()
		testee := newDB(t).Experiment()

		e := experiment("exp-1", base)
		if err := testee.Save(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.Version != 1 {
			t.Errorf("version: actual=%d, expect=%d", e.Version, 1)
		}

		if err := e.TransitTo(domain.Deploying, base.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
		e.KPI = &domain.KPIResult{ExperimentId: "exp-1", Cardinality: domain.Compare(100, 70)}
		if err := testee.Save(ctx, e); err != nil {
			t.Fatal(err)
		}

		got, err := testee.Load(ctx, "exp-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 2 || got.Phase != domain.Deploying {
			t.Errorf("loaded: actual=(v%d, %s), expect=(v2, %s)", got.Version, got.Phase, domain.Deploying)
		}
		if at, ok := got.EnteredAt(domain.Deploying); !ok || !at.Equal(base.Add(time.Second)) {
			t.Errorf("phase time: actual=%s (%v)", at, ok)
		}
		if !got.Config.Candidate.Equal(e.Config.Candidate) {
			t.Errorf("candidate: actual=%+v, expect=%+v", got.Config.Candidate, e.Config.Candidate)
		}
		if got.KPI == nil || got.KPI.Cardinality != e.KPI.Cardinality {
			t.Errorf("kpi: actual=%+v, expect=%+v", got.KPI, e.KPI)
		}
	})

	t.Run("saving with stale version is a conflict", func(t *testing.T) {
		ctx := context.Background()
		testee := newDB(t).Experiment()

		e := experiment("exp-1", base)
		if err := testee.Save(ctx, e); err != nil {
			t.Fatal(err)
		}
		stale := e.Clone()
		if err := testee.Save(ctx, e); err != nil {
			t.Fatal(err)
		}

		if err := testee.Save(ctx, stale); !errors.Is(err, domerr.ErrInvalidTransition) {
			t.Errorf("err: actual=%v, expect=%v", err, domerr.ErrInvalidTransition)
		}
		if err := testee.Save(ctx, experiment("exp-1", base)); !errors.Is(err, domerr.ErrInvalidTransition) {
			t.Errorf("err (insert twice): actual=%v, expect=%v", err, domerr.ErrInvalidTransition)
		}
	})

	t.Run("unknown experiment is missing", func(t *testing.T) {
		ctx := context.Background()
		testee := newDB(t).Experiment()

		if _, err := testee.Load(ctx, "nope"); !errors.Is(err, domerr.ErrMissing) {
			t.Errorf("Load: actual=%v, expect=%v", err, domerr.ErrMissing)
		}
		if _, err := testee.Events(ctx, "nope"); !errors.Is(err, domerr.ErrMissing) {
			t.Errorf("Events: actual=%v, expect=%v", err, domerr.ErrMissing)
		}
		if _, err := testee.AppendEvent(ctx, "nope", domain.EventPhaseChanged, nil, base); !errors.Is(err, domerr.ErrMissing) {
			t.Errorf("AppendEvent: actual=%v, expect=%v", err, domerr.ErrMissing)
		}
	})

	t.Run("List filters by phase and creation", func(t *testing.T) {
		ctx := context.Background()
		testee := newDB(t).Experiment()

		for i, id := range []string{"exp-1", "exp-2", "exp-3"} {
			e := experiment(id, base.Add(time.Duration(i)*time.Hour))
			if err := testee.Save(ctx, e); err != nil {
				t.Fatal(err)
			}
			if id == "exp-2" {
				if err := e.TransitTo(domain.Deploying, base.Add(2*time.Hour)); err != nil {
					t.Fatal(err)
				}
				if err := testee.Save(ctx, e); err != nil {
					t.Fatal(err)
				}
			}
		}

		type When struct {
			filter domain.ExperimentFilter
		}
		type Then struct {
			ids []string
		}
		theory := func(when When, then Then) func(*testing.T) {
			return func(t *testing.T) {
				got, err := testee.List(ctx, when.filter)
				if err != nil {
					t.Fatal(err)
				}
				ids := []string{}
				for _, e := range got {
					ids = append(ids, e.Id)
				}
				if len(ids) != len(then.ids) {
					t.Fatalf("ids: actual=%v, expect=%v", ids, then.ids)
				}
				for i := range ids {
					if ids[i] != then.ids[i] {
						t.Errorf("ids: actual=%v, expect=%v", ids, then.ids)
					}
				}
			}
		}

		t.Run("empty filter", theory(When{}, Then{ids: []string{"exp-1", "exp-2", "exp-3"}}))
		t.Run("by phase", theory(
			When{filter: domain.ExperimentFilter{Phases: []domain.Phase{domain.Pending}}},
			Then{ids: []string{"exp-1", "exp-3"}},
		))
		t.Run("by creation", theory(
			When{filter: domain.ExperimentFilter{
				CreatedSince: base.Add(time.Hour), CreatedUntil: base.Add(2 * time.Hour),
			}},
			Then{ids: []string{"exp-2"}},
		))
	})

	t.Run("events are returned in appended order", func(t *testing.T) {
		ctx := context.Background()
		testee := newDB(t).Experiment()
		if err := testee.Save(ctx, experiment("exp-1", base)); err != nil {
			t.Fatal(err)
		}

		first, err := testee.AppendEvent(ctx, "exp-1", domain.EventExperimentCreated, nil, base)
		if err != nil {
			t.Fatal(err)
		}
		second, err := testee.AppendEvent(
			ctx, "exp-1", domain.EventPhaseChanged,
			map[string]string{"from": "pending", "to": "deploying"}, base.Add(time.Second),
		)
		if err != nil {
			t.Fatal(err)
		}
		if !(first.Seq < second.Seq) {
			t.Errorf("seq: first=%d, second=%d", first.Seq, second.Seq)
		}

		evs, err := testee.Events(ctx, "exp-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 2 || evs[0].Type != domain.EventExperimentCreated || evs[1].Payload["to"] != "deploying" {
			t.Errorf("events: actual=%+v", evs)
		}
	})
}

func testDeployment(t *testing.T, newDB func(*testing.T) db.Database) {
	deployment := func(id string, host string, state domain.DeploymentState, created time.Time) *domain.Deployment {
		return &domain.Deployment{
			Id: id, ExperimentId: "exp-1", Variant: domain.Candidate, Host: host,
			State: state, TemplateRef: "otel/filter:v2",
			CreatedAt: created, UpdatedAt: created,
		}
	}

	t.Run("saved deployments are loaded by experiment, in order", func(t *testing.T) {
		ctx := context.Background()
		d := newDB(t)
		if err := d.Experiment().Save(ctx, experiment("exp-1", base)); err != nil {
			t.Fatal(err)
		}
		testee := d.Deployment()

		for _, dep := range []*domain.Deployment{
			deployment("dep-2", "host-b", domain.DeploymentPending, base),
			deployment("dep-1", "host-a", domain.DeploymentPending, base),
		} {
			if err := testee.Save(ctx, dep); err != nil {
				t.Fatal(err)
			}
		}
		baseline := deployment("dep-0", "host-z", domain.DeploymentPending, base)
		baseline.Variant = domain.Baseline
		if err := testee.Save(ctx, baseline); err != nil {
			t.Fatal(err)
		}

		got, err := testee.LoadByExperiment(ctx, "exp-1")
		if err != nil {
			t.Fatal(err)
		}
		ids := []string{}
		for _, g := range got {
			ids = append(ids, g.Id)
		}
		if len(ids) != 3 || ids[0] != "dep-0" || ids[1] != "dep-1" || ids[2] != "dep-2" {
			t.Errorf("order: actual=%v", ids)
		}
	})

	t.Run("report fields survive round trip", func(t *testing.T) {
		ctx := context.Background()
		d := newDB(t)
		if err := d.Experiment().Save(ctx, experiment("exp-1", base)); err != nil {
			t.Fatal(err)
		}
		testee := d.Deployment()

		dep := deployment("dep-1", "host-a", domain.DeploymentPending, base)
		if err := testee.Save(ctx, dep); err != nil {
			t.Fatal(err)
		}
		dep.State = domain.DeploymentFailed
		dep.ReportedState = domain.DeploymentFailed
		dep.LastError = "oom"
		dep.LastReportAt = base.Add(time.Minute)
		dep.Attempts = 3
		dep.RollbackFailed = true
		if err := testee.Save(ctx, dep); err != nil {
			t.Fatal(err)
		}

		got, err := testee.Load(ctx, "dep-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.State != domain.DeploymentFailed || got.LastError != "oom" ||
			!got.LastReportAt.Equal(base.Add(time.Minute)) || got.Attempts != 3 || got.Version != 2 ||
			!got.RollbackFailed {
			t.Errorf("loaded: actual=%+v", got)
		}
	})

	t.Run("two non-terminal deployments for the same host and variant conflict", func(t *testing.T) {
		ctx := context.Background()
		d := newDB(t)
		if err := d.Experiment().Save(ctx, experiment("exp-1", base)); err != nil {
			t.Fatal(err)
		}
		testee := d.Deployment()

		if err := testee.Save(ctx, deployment("dep-1", "host-a", domain.DeploymentActive, base)); err != nil {
			t.Fatal(err)
		}
		err := testee.Save(ctx, deployment("dep-2", "host-a", domain.DeploymentPending, base))
		if !errors.Is(err, domerr.ErrInvalidTransition) {
			t.Errorf("err: actual=%v, expect=%v", err, domerr.ErrInvalidTransition)
		}

		// terminal one does not conflict
		if err := testee.Save(ctx, deployment("dep-3", "host-a", domain.DeploymentFailed, base)); err != nil {
			t.Errorf("err: actual=%v, expect=nil", err)
		}
	})

	t.Run("unknown deployment is missing", func(t *testing.T) {
		ctx := context.Background()
		testee := newDB(t).Deployment()
		if _, err := testee.Load(ctx, "nope"); !errors.Is(err, domerr.ErrMissing) {
			t.Errorf("err: actual=%v, expect=%v", err, domerr.ErrMissing)
		}
	})
}

func testMetric(t *testing.T, newDB func(*testing.T) db.Database) {
	t.Run("Query returns samples in the window, both ends inclusive", func(t *testing.T) {
		ctx := context.Background()
		testee := newDB(t).Metric()

		sample := func(variant domain.Variant, at time.Duration, v float64) domain.MetricSample {
			return domain.MetricSample{
				ExperimentId: "exp-1", Variant: variant, Host: "host-a", Name: "cost",
				Timestamp: base.Add(at), Value: v, Labels: map[string]string{"team": "obs"},
			}
		}

		ingested, err := testee.Ingest(
			ctx,
			sample(domain.Baseline, 0, 1),
			sample(domain.Baseline, time.Minute, 2),
			sample(domain.Baseline, 2*time.Minute, 3),
			sample(domain.Candidate, time.Minute, 4),
		)
		if err != nil {
			t.Fatal(err)
		}
		for i := 1; i < len(ingested); i++ {
			if !(ingested[i-1].Seq < ingested[i].Seq) {
				t.Errorf("seq is not increasing: %+v", ingested)
			}
		}

		got, err := testee.Query(
			ctx, "exp-1", domain.Baseline,
			domain.Window{Start: base, End: base.Add(time.Minute)},
		)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].Value != 1 || got[1].Value != 2 {
			t.Errorf("samples: actual=%+v", got)
		}
		if got[0].Labels["team"] != "obs" {
			t.Errorf("labels: actual=%+v", got[0].Labels)
		}
	})
}
