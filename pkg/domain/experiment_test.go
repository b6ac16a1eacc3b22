package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

func TestPhase_CanTransitionTo(t *testing.T) {
	allowed := map[domain.Phase][]domain.Phase{
		domain.Pending:    {domain.Deploying, domain.Failed},
		domain.Deploying:  {domain.Running, domain.Failed, domain.Stopping},
		domain.Running:    {domain.Monitoring, domain.Stopping},
		domain.Monitoring: {domain.Stopping},
		domain.Stopping:   {domain.Completed, domain.RolledBack, domain.Failed},
	}

	for _, from := range domain.Phases() {
		for _, to := range domain.Phases() {
			expect := false
			for _, a := range allowed[from] {
				if a == to {
					expect = true
				}
			}
			if actual := from.CanTransitionTo(to); actual != expect {
				t.Errorf("%s -> %s: actual=%v, expect=%v", from, to, actual, expect)
			}
		}
		if from.Terminal() && 0 < len(allowed[from]) {
			t.Errorf("terminal phase %s has transitions", from)
		}
	}
}

func TestAsPhase(t *testing.T) {
	for _, p := range domain.Phases() {
		actual, err := domain.AsPhase(p.String())
		if err != nil || actual != p {
			t.Errorf("AsPhase(%s): actual=(%s, %v)", p, actual, err)
		}
	}
	if _, err := domain.AsPhase("paused"); !errors.Is(err, domerr.ErrInvalidConfig) {
		t.Errorf("AsPhase(paused): error=%v, expect ErrInvalidConfig", err)
	}
}

func TestExperiment_TransitTo(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := &domain.Experiment{
		Id:         "exp-1",
		Phase:      domain.Pending,
		PhaseTimes: map[domain.Phase]time.Time{domain.Pending: created},
	}

	deployAt := created.Add(time.Minute)
	if err := e.TransitTo(domain.Deploying, deployAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Phase != domain.Deploying {
		t.Errorf("phase: actual=%s, expect=%s", e.Phase, domain.Deploying)
	}
	if at, ok := e.EnteredAt(domain.Deploying); !ok || !at.Equal(deployAt) {
		t.Errorf("entered at: actual=(%s, %v), expect=%s", at, ok, deployAt)
	}
	if !e.UpdatedAt.Equal(deployAt) {
		t.Errorf("updated at: actual=%s, expect=%s", e.UpdatedAt, deployAt)
	}

	err := e.TransitTo(domain.Pending, deployAt.Add(time.Minute))
	if !errors.Is(err, domerr.ErrInvalidTransition) {
		t.Errorf("revisiting pending: error=%v, expect ErrInvalidTransition", err)
	}
	if e.Phase != domain.Deploying {
		t.Errorf("phase should not be changed: actual=%s", e.Phase)
	}
}

func TestExperiment_DefaultWindow(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	config := domain.ExperimentConfig{Duration: 10 * time.Minute, WarmUp: time.Minute}

	type When struct {
		phaseTimes map[domain.Phase]time.Time
		now        time.Time
	}
	theory := func(when When, then domain.Window) func(*testing.T) {
		return func(t *testing.T) {
			e := &domain.Experiment{Config: config, PhaseTimes: when.phaseTimes}
			if actual := e.DefaultWindow(when.now); !actual.Equal(then) {
				t.Errorf("window: actual=%s, expect=%s", actual, then)
			}
		}
	}

	t.Run("before running, it starts at creation", theory(
		When{
			phaseTimes: map[domain.Phase]time.Time{domain.Pending: created},
			now:        created.Add(5 * time.Minute),
		},
		domain.Window{Start: created, End: created.Add(5 * time.Minute)},
	))
	t.Run("while running, it starts after warm-up", theory(
		When{
			phaseTimes: map[domain.Phase]time.Time{
				domain.Pending: created,
				domain.Running: created.Add(2 * time.Minute),
			},
			now: created.Add(8 * time.Minute),
		},
		domain.Window{Start: created.Add(3 * time.Minute), End: created.Add(8 * time.Minute)},
	))
	t.Run("after monitoring, it ends at monitoring", theory(
		When{
			phaseTimes: map[domain.Phase]time.Time{
				domain.Pending:    created,
				domain.Running:    created.Add(2 * time.Minute),
				domain.Monitoring: created.Add(13 * time.Minute),
			},
			now: created.Add(time.Hour),
		},
		domain.Window{Start: created.Add(3 * time.Minute), End: created.Add(13 * time.Minute)},
	))
	t.Run("it never ends before it starts", theory(
		When{
			phaseTimes: map[domain.Phase]time.Time{
				domain.Pending: created,
				domain.Running: created.Add(2 * time.Minute),
			},
			now: created.Add(2 * time.Minute),
		},
		domain.Window{Start: created.Add(3 * time.Minute), End: created.Add(3 * time.Minute)},
	))
}

func TestExperiment_RunEnds(t *testing.T) {
	running := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := &domain.Experiment{
		Config:     domain.ExperimentConfig{Duration: 10 * time.Minute, WarmUp: time.Minute},
		PhaseTimes: map[domain.Phase]time.Time{},
	}
	if _, ok := e.RunEnds(); ok {
		t.Error("run should not end before running")
	}
	e.PhaseTimes[domain.Running] = running
	if end, ok := e.RunEnds(); !ok || !end.Equal(running.Add(11*time.Minute)) {
		t.Errorf("run ends: actual=(%s, %v)", end, ok)
	}
}

func TestExperimentConfig_Validate(t *testing.T) {
	valid := func() domain.ExperimentConfig {
		return domain.ExperimentConfig{
			Name:      "drop-debug-logs",
			Baseline:  domain.VariantSpec{TemplateRef: "otel/filter:v1"},
			Candidate: domain.VariantSpec{TemplateRef: "otel/filter:v2"},
			Targets:   domain.Targets{Selector: map[string]string{"role": "edge"}},
			Duration:  time.Minute,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for name, modify := range map[string]func(*domain.ExperimentConfig){
		"no name":          func(c *domain.ExperimentConfig) { c.Name = "" },
		"no targets":       func(c *domain.ExperimentConfig) { c.Targets = domain.Targets{} },
		"empty host":       func(c *domain.ExperimentConfig) { c.Targets.Hosts = []string{"host-a", ""} },
		"no baseline":      func(c *domain.ExperimentConfig) { c.Baseline.TemplateRef = "" },
		"no candidate":     func(c *domain.ExperimentConfig) { c.Candidate.TemplateRef = "" },
		"zero duration":    func(c *domain.ExperimentConfig) { c.Duration = 0 },
		"negative warm up": func(c *domain.ExperimentConfig) { c.WarmUp = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			c := valid()
			modify(&c)
			if err := c.Validate(); !errors.Is(err, domerr.ErrInvalidConfig) {
				t.Errorf("error: actual=%v, expect ErrInvalidConfig", err)
			}
		})
	}
}

func TestExperimentFilter_Match(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := &domain.Experiment{
		Phase:      domain.Running,
		PhaseTimes: map[domain.Phase]time.Time{domain.Pending: created},
	}

	for name, c := range map[string]struct {
		filter domain.ExperimentFilter
		expect bool
	}{
		"empty filter":       {domain.ExperimentFilter{}, true},
		"phase matches":      {domain.ExperimentFilter{Phases: []domain.Phase{domain.Pending, domain.Running}}, true},
		"phase unmatches":    {domain.ExperimentFilter{Phases: []domain.Phase{domain.Completed}}, false},
		"since is inclusive": {domain.ExperimentFilter{CreatedSince: created}, true},
		"since is later":     {domain.ExperimentFilter{CreatedSince: created.Add(time.Second)}, false},
		"until is exclusive": {domain.ExperimentFilter{CreatedUntil: created}, false},
		"until is later":     {domain.ExperimentFilter{CreatedUntil: created.Add(time.Second)}, true},
	} {
		t.Run(name, func(t *testing.T) {
			if actual := c.filter.Match(e); actual != c.expect {
				t.Errorf("match: actual=%v, expect=%v", actual, c.expect)
			}
		})
	}
}
