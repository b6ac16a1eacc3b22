package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opst/pipelab/pkg/coordinator"
	"github.com/opst/pipelab/pkg/domain"
	agentmock "github.com/opst/pipelab/pkg/domain/agent/mock"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	"github.com/opst/pipelab/pkg/domain/pipelab/db"
	"github.com/opst/pipelab/pkg/domain/pipelab/db/inmem"
	"github.com/opst/pipelab/pkg/pipeline"
	"github.com/opst/pipelab/pkg/utils/retry"
	"github.com/opst/pipelab/pkg/utils/try"
)

const experimentId = "exp-1"

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var spec = domain.VariantSpec{
	TemplateRef: "otel/filter:v1",
	Overrides:   map[string]string{"drop": "debug"},
}

type env struct {
	testee *coordinator.Coordinator
	db     db.Database
	agent  *agentmock.Agent
	clock  *clock.Mock
}

func setup(t *testing.T, maxAttempts int) env {
	t.Helper()
	ctx := context.Background()

	database := inmem.New()
	clk := clock.NewMock()
	clk.Set(epoch)

	if err := database.Experiment().Save(ctx, &domain.Experiment{
		Id:         experimentId,
		Phase:      domain.Pending,
		PhaseTimes: map[domain.Phase]time.Time{domain.Pending: epoch},
	}); err != nil {
		t.Fatal(err)
	}

	catalog := try.To(pipeline.New(map[string]string{
		"otel/filter:v1": "processors:\n  filter:\n    drop: {{ .Vars.drop }}\n    variant: {{ .Variant }}\n",
	})).OrFatal(t)

	ag := agentmock.New(t)
	seq := 0
	mux := sync.Mutex{}
	testee := coordinator.New(
		database.Deployment(), database.Experiment(), ag, catalog,
		retry.Policy{MaxAttempts: maxAttempts},
		coordinator.WithClock(clk),
		coordinator.WithIdGenerator(func() string {
			mux.Lock()
			defer mux.Unlock()
			seq += 1
			return fmt.Sprintf("dep-%d", seq)
		}),
	)
	return env{testee: testee, db: database, agent: ag, clock: clk}
}

// scripted answers commands per host, in order. The last answer is repeated.
func scripted(script map[string][]error) func(context.Context, string, domain.Command) error {
	mux := sync.Mutex{}
	return func(_ context.Context, host string, _ domain.Command) error {
		mux.Lock()
		defer mux.Unlock()
		answers := script[host]
		if len(answers) == 0 {
			return nil
		}
		if 1 < len(answers) {
			script[host] = answers[1:]
		}
		return answers[0]
	}
}

var unreachable = fmt.Errorf("%w: connection refused", domerr.ErrUnreachable)

func TestDeploy(t *testing.T) {
	type When struct {
		hosts  []string
		script map[string][]error
	}
	type Then struct {
		states      map[string]domain.DeploymentState
		attempts    map[string]int
		err         error
		unreachable []string
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			ctx := context.Background()
			e := setup(t, 3)
			e.agent.Impl.SendCommand = scripted(when.script)

			ds, err := e.testee.Deploy(ctx, experimentId, domain.Candidate, spec, when.hosts)

			if then.err == nil {
				if err != nil {
					t.Fatalf("unexpected error: %+v", err)
				}
			} else if !errors.Is(err, then.err) {
				t.Errorf("error: actual=%+v, expect=%+v", err, then.err)
			}
			if then.unreachable != nil {
				var df *domerr.DeploymentFailure
				if !errors.As(err, &df) {
					t.Fatalf("error is not DeploymentFailure: %+v", err)
				}
				if got := df.Hosts(); !slices.Equal(got, then.unreachable) {
					t.Errorf("unreachable hosts: actual=%v, expect=%v", got, then.unreachable)
				}
			}

			if len(ds) != len(then.states) {
				t.Fatalf("deployments: actual=%d, expect=%d", len(ds), len(then.states))
			}
			for _, d := range ds {
				if d.State != then.states[d.Host] {
					t.Errorf("state of %s: actual=%s, expect=%s", d.Host, d.State, then.states[d.Host])
				}
				if d.Attempts != then.attempts[d.Host] {
					t.Errorf("attempts of %s: actual=%d, expect=%d", d.Host, d.Attempts, then.attempts[d.Host])
				}

				stored := try.To(e.db.Deployment().Load(ctx, d.Id)).OrFatal(t)
				if stored.State != d.State {
					t.Errorf("stored state of %s: actual=%s, expect=%s", d.Host, stored.State, d.State)
				}
			}
		}
	}

	t.Run("when all hosts accept, every deployment becomes Deploying", theory(
		When{hosts: []string{"host-a", "host-b"}},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a": domain.DeploymentDeploying, "host-b": domain.DeploymentDeploying,
			},
			attempts: map[string]int{"host-a": 1, "host-b": 1},
		},
	))

	t.Run("when a host is unreachable, only the deployment on it fails after retries", theory(
		When{
			hosts:  []string{"host-a", "host-b"},
			script: map[string][]error{"host-b": {unreachable}},
		},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a": domain.DeploymentDeploying, "host-b": domain.DeploymentFailed,
			},
			attempts: map[string]int{"host-a": 1, "host-b": 3},
		},
	))

	t.Run("when a host recovers before retries are exhausted, it becomes Deploying", theory(
		When{
			hosts:  []string{"host-a"},
			script: map[string][]error{"host-a": {unreachable, unreachable, nil}},
		},
		Then{
			states:   map[string]domain.DeploymentState{"host-a": domain.DeploymentDeploying},
			attempts: map[string]int{"host-a": 3},
		},
	))

	t.Run("when a host rejects the command, it is not retried", theory(
		When{
			hosts: []string{"host-a", "host-b"},
			script: map[string][]error{
				"host-a": {domerr.NewErrInvalidConfig("host", "unknown")},
			},
		},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a": domain.DeploymentFailed, "host-b": domain.DeploymentDeploying,
			},
			attempts: map[string]int{"host-a": 1, "host-b": 1},
		},
	))

	t.Run("when an empty host is given, it fails without sending", theory(
		When{hosts: []string{"", "host-b"}},
		Then{
			states: map[string]domain.DeploymentState{
				"": domain.DeploymentFailed, "host-b": domain.DeploymentDeploying,
			},
			attempts: map[string]int{"": 0, "host-b": 1},
		},
	))

	t.Run("when no hosts accept, it returns DeploymentFailure with all hosts", theory(
		When{
			hosts: []string{"host-b", "host-a"},
			script: map[string][]error{
				"host-a": {unreachable}, "host-b": {unreachable},
			},
		},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a": domain.DeploymentFailed, "host-b": domain.DeploymentFailed,
			},
			attempts:    map[string]int{"host-a": 3, "host-b": 3},
			err:         domerr.ErrDeploymentFailed,
			unreachable: []string{"host-a", "host-b"},
		},
	))
}

func TestDeploy_SendsRenderedPipeline(t *testing.T) {
	ctx := context.Background()
	e := setup(t, 1)
	e.agent.Impl.SendCommand = scripted(nil)

	ds := try.To(e.testee.Deploy(ctx, experimentId, domain.Baseline, spec, []string{"host-a"})).OrFatal(t)

	sent := e.agent.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent commands: actual=%d, expect=1", len(sent))
	}
	want := domain.DeployCommand{
		CommandTarget: domain.CommandTarget{
			ExperimentId: experimentId, DeploymentId: ds[0].Id, Variant: domain.Baseline,
		},
		TemplateRef: spec.TemplateRef,
		Overrides:   spec.Overrides,
		Pipeline:    "processors:\n  filter:\n    drop: debug\n    variant: baseline\n",
	}
	got, ok := sent[0].Command.(domain.DeployCommand)
	if !ok {
		t.Fatalf("command: actual=%T, expect=DeployCommand", sent[0].Command)
	}
	if !got.Equal(want) {
		t.Errorf("command: actual=%+v, expect=%+v", got, want)
	}
	if sent[0].Host != "host-a" {
		t.Errorf("host: actual=%s, expect=host-a", sent[0].Host)
	}

	events := try.To(e.db.Experiment().Events(ctx, experimentId)).OrFatal(t)
	types := []domain.EventType{}
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	wantTypes := []domain.EventType{
		domain.EventDeploymentChanged, // -> pending
		domain.EventCommandSent,
		domain.EventDeploymentChanged, // pending -> deploying
	}
	if !slices.Equal(types, wantTypes) {
		t.Errorf("events: actual=%v, expect=%v", types, wantTypes)
	}
}

func TestDeploy_ReusesNonTerminalDeployments(t *testing.T) {
	ctx := context.Background()
	e := setup(t, 1)
	e.agent.Impl.SendCommand = scripted(nil)

	first := try.To(e.testee.Deploy(ctx, experimentId, domain.Candidate, spec, []string{"host-a"})).OrFatal(t)
	second := try.To(e.testee.Deploy(ctx, experimentId, domain.Candidate, spec, []string{"host-a", "host-b"})).OrFatal(t)

	if second[0].Id != first[0].Id {
		t.Errorf("deployment on host-a: actual=%s, expect=%s", second[0].Id, first[0].Id)
	}
	if n := len(e.agent.Sent()); n != 2 {
		t.Errorf("sent commands: actual=%d, expect=2", n)
	}

	all := try.To(e.testee.Deployments(ctx, experimentId)).OrFatal(t)
	if len(all) != 2 {
		t.Errorf("deployments: actual=%d, expect=2", len(all))
	}
}

func TestDeploy_InvalidArguments(t *testing.T) {
	theory := func(variant domain.Variant, s domain.VariantSpec, hosts []string) func(*testing.T) {
		return func(t *testing.T) {
			ctx := context.Background()
			e := setup(t, 1)

			_, err := e.testee.Deploy(ctx, experimentId, variant, s, hosts)
			if !errors.Is(err, domerr.ErrInvalidConfig) {
				t.Errorf("error: actual=%+v, expect=%+v", err, domerr.ErrInvalidConfig)
			}
			if n := len(e.agent.Sent()); n != 0 {
				t.Errorf("sent commands: actual=%d, expect=0", n)
			}
			ds := try.To(e.testee.Deployments(ctx, experimentId)).OrFatal(t)
			if len(ds) != 0 {
				t.Errorf("deployments are created: %v", ds)
			}
		}
	}

	t.Run("no hosts", theory(domain.Candidate, spec, nil))
	t.Run("unknown variant", theory("treatment", spec, []string{"host-a"}))
	t.Run("unknown template", theory(
		domain.Candidate, domain.VariantSpec{TemplateRef: "otel/unknown:v1"}, []string{"host-a"},
	))
	t.Run("missing template variable", theory(
		domain.Candidate, domain.VariantSpec{TemplateRef: "otel/filter:v1"}, []string{"host-a"},
	))
}

func TestReportStatus(t *testing.T) {
	t1 := epoch.Add(1 * time.Minute)
	t2 := epoch.Add(2 * time.Minute)

	type When struct {
		given  domain.Deployment
		report coordinator.Report
	}
	type Then struct {
		state          domain.DeploymentState
		reportedState  domain.DeploymentState
		lastReportAt   time.Time
		lastError      string
		rollbackFailed bool
		changed        bool
		err            error
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			ctx := context.Background()
			e := setup(t, 1)

			given := when.given
			given.Id = "dep-x"
			given.ExperimentId = experimentId
			given.Variant = domain.Candidate
			given.Host = "host-a"
			if err := e.db.Deployment().Save(ctx, &given); err != nil {
				t.Fatal(err)
			}
			eventsBefore := len(try.To(e.db.Experiment().Events(ctx, experimentId)).OrFatal(t))

			got, err := e.testee.ReportStatus(ctx, "dep-x", when.report)
			if then.err != nil {
				if !errors.Is(err, then.err) {
					t.Errorf("error: actual=%+v, expect=%+v", err, then.err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			stored := try.To(e.db.Deployment().Load(ctx, "dep-x")).OrFatal(t)
			if stored.State != then.state {
				t.Errorf("state: actual=%s, expect=%s", stored.State, then.state)
			}
			if stored.ReportedState != then.reportedState {
				t.Errorf("reported state: actual=%s, expect=%s", stored.ReportedState, then.reportedState)
			}
			if !stored.LastReportAt.Equal(then.lastReportAt) {
				t.Errorf("last report: actual=%s, expect=%s", stored.LastReportAt, then.lastReportAt)
			}
			if stored.LastError != then.lastError {
				t.Errorf("last error: actual=%q, expect=%q", stored.LastError, then.lastError)
			}
			if stored.RollbackFailed != then.rollbackFailed {
				t.Errorf("rollback failed: actual=%v, expect=%v", stored.RollbackFailed, then.rollbackFailed)
			}
			if err == nil && got.State != stored.State {
				t.Errorf("returned state: actual=%s, expect=%s", got.State, stored.State)
			}

			eventsAfter := try.To(e.db.Experiment().Events(ctx, experimentId)).OrFatal(t)
			if changed := eventsBefore < len(eventsAfter); changed != then.changed {
				t.Errorf("event emitted: actual=%v, expect=%v", changed, then.changed)
			}
		}
	}

	t.Run("Deploying -> Active", theory(
		When{
			given:  domain.Deployment{State: domain.DeploymentDeploying},
			report: coordinator.Report{State: domain.DeploymentActive, At: t1},
		},
		Then{
			state: domain.DeploymentActive, reportedState: domain.DeploymentActive,
			lastReportAt: t1, changed: true,
		},
	))

	t.Run("Deploying -> Failed, with error", theory(
		When{
			given:  domain.Deployment{State: domain.DeploymentDeploying},
			report: coordinator.Report{State: domain.DeploymentFailed, At: t1, Error: "bad config"},
		},
		Then{
			state: domain.DeploymentFailed, reportedState: domain.DeploymentFailed,
			lastReportAt: t1, lastError: "bad config", changed: true,
		},
	))

	t.Run("a report older than the latest one is discarded", theory(
		When{
			given: domain.Deployment{
				State: domain.DeploymentActive, ReportedState: domain.DeploymentActive, LastReportAt: t2,
			},
			report: coordinator.Report{State: domain.DeploymentFailed, At: t1},
		},
		Then{
			state: domain.DeploymentActive, reportedState: domain.DeploymentActive,
			lastReportAt: t2,
		},
	))

	t.Run("a repeated report is a no-op", theory(
		When{
			given: domain.Deployment{
				State: domain.DeploymentActive, ReportedState: domain.DeploymentActive, LastReportAt: t1,
			},
			report: coordinator.Report{State: domain.DeploymentActive, At: t1},
		},
		Then{
			state: domain.DeploymentActive, reportedState: domain.DeploymentActive,
			lastReportAt: t1,
		},
	))

	t.Run("RollingBack -> RolledBack", theory(
		When{
			given: domain.Deployment{
				State: domain.DeploymentRollingBack, ReportedState: domain.DeploymentActive, LastReportAt: t1,
			},
			report: coordinator.Report{State: domain.DeploymentRolledBack, At: t2},
		},
		Then{
			state: domain.DeploymentRolledBack, reportedState: domain.DeploymentRolledBack,
			lastReportAt: t2, changed: true,
		},
	))

	t.Run("RollingBack -> Failed marks the rollback failed", theory(
		When{
			given: domain.Deployment{
				State: domain.DeploymentRollingBack, ReportedState: domain.DeploymentActive, LastReportAt: t1,
			},
			report: coordinator.Report{State: domain.DeploymentFailed, At: t2, Error: "rollback failed"},
		},
		Then{
			state: domain.DeploymentFailed, reportedState: domain.DeploymentFailed,
			lastReportAt: t2, lastError: "rollback failed", rollbackFailed: true, changed: true,
		},
	))

	t.Run("failed rollback -> RolledBack clears the failure", theory(
		When{
			given: domain.Deployment{
				State: domain.DeploymentFailed, ReportedState: domain.DeploymentFailed, LastReportAt: t1,
				LastError: "rollback failed", RollbackFailed: true,
			},
			report: coordinator.Report{State: domain.DeploymentRolledBack, At: t2},
		},
		Then{
			state: domain.DeploymentRolledBack, reportedState: domain.DeploymentRolledBack,
			lastReportAt: t2, lastError: "rollback failed", changed: true,
		},
	))

	t.Run("RollingBack stays RollingBack on a late Active", theory(
		When{
			given:  domain.Deployment{State: domain.DeploymentRollingBack},
			report: coordinator.Report{State: domain.DeploymentActive, At: t1},
		},
		Then{
			state: domain.DeploymentRollingBack, reportedState: domain.DeploymentActive,
			lastReportAt: t1,
		},
	))

	t.Run("RolledBack ignores any reports", theory(
		When{
			given: domain.Deployment{
				State: domain.DeploymentRolledBack, ReportedState: domain.DeploymentRolledBack, LastReportAt: t1,
			},
			report: coordinator.Report{State: domain.DeploymentActive, At: t2},
		},
		Then{
			state: domain.DeploymentRolledBack, reportedState: domain.DeploymentRolledBack,
			lastReportAt: t1,
		},
	))

	t.Run("RolledBack is not expected before rollback", theory(
		When{
			given:  domain.Deployment{State: domain.DeploymentDeploying},
			report: coordinator.Report{State: domain.DeploymentRolledBack, At: t1},
		},
		Then{state: domain.DeploymentDeploying, err: domerr.ErrInvalidTransition},
	))

	t.Run("Pending is never reported", theory(
		When{
			given:  domain.Deployment{State: domain.DeploymentActive},
			report: coordinator.Report{State: domain.DeploymentPending, At: t1},
		},
		Then{state: domain.DeploymentActive, err: domerr.ErrInvalidTransition},
	))

	t.Run("report without timestamp is rejected", theory(
		When{
			given:  domain.Deployment{State: domain.DeploymentDeploying},
			report: coordinator.Report{State: domain.DeploymentActive},
		},
		Then{state: domain.DeploymentDeploying, err: domerr.ErrInvalidConfig},
	))

	t.Run("unknown state is rejected", theory(
		When{
			given:  domain.Deployment{State: domain.DeploymentDeploying},
			report: coordinator.Report{State: "running", At: t1},
		},
		Then{state: domain.DeploymentDeploying, err: domerr.ErrInvalidConfig},
	))
}

func TestReportStatus_UnknownDeployment(t *testing.T) {
	e := setup(t, 1)
	_, err := e.testee.ReportStatus(
		context.Background(), "dep-missing",
		coordinator.Report{State: domain.DeploymentActive, At: epoch},
	)
	if !errors.Is(err, domerr.ErrMissing) {
		t.Errorf("error: actual=%+v, expect=%+v", err, domerr.ErrMissing)
	}
}

func TestReportStatus_ConcurrentReportsConvergeToTheLatest(t *testing.T) {
	for _, n := range []int{2, 16, 64} {
		t.Run(fmt.Sprintf("%d reports", n), func(t *testing.T) {
			ctx := context.Background()
			e := setup(t, 1)
			e.agent.Impl.SendCommand = scripted(nil)
			ds := try.To(e.testee.Deploy(ctx, experimentId, domain.Candidate, spec, []string{"host-a"})).OrFatal(t)

			reports := make([]coordinator.Report, n)
			for i := range reports {
				st := domain.DeploymentActive
				if i%2 == 1 {
					st = domain.DeploymentFailed
				}
				reports[i] = coordinator.Report{State: st, At: epoch.Add(time.Duration(i+1) * time.Second)}
			}
			latest := reports[n-1]

			wg := sync.WaitGroup{}
			for _, i := range rand.Perm(n) {
				wg.Add(1)
				go func(r coordinator.Report) {
					defer wg.Done()
					if _, err := e.testee.ReportStatus(ctx, ds[0].Id, r); err != nil {
						t.Errorf("unexpected error: %+v", err)
					}
				}(reports[i])
			}
			wg.Wait()

			got := try.To(e.db.Deployment().Load(ctx, ds[0].Id)).OrFatal(t)
			if got.State != latest.State {
				t.Errorf("state: actual=%s, expect=%s", got.State, latest.State)
			}
			if !got.LastReportAt.Equal(latest.At) {
				t.Errorf("last report: actual=%s, expect=%s", got.LastReportAt, latest.At)
			}
		})
	}
}

func TestRollback(t *testing.T) {
	type given struct {
		variant       domain.Variant
		host          string
		state         domain.DeploymentState
		reported      domain.DeploymentState
		commandPendig bool
	}
	type When struct {
		deployments []given
		variant     domain.Variant
		script      map[string][]error
	}
	type Then struct {
		// host/variant -> state
		states map[string]domain.DeploymentState

		// host/variant -> command
		commands map[string]domain.CommandKind

		pending []string
	}

	key := func(host string, v domain.Variant) string { return host + "/" + v.String() }

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			ctx := context.Background()
			e := setup(t, 2)
			e.agent.Impl.SendCommand = scripted(when.script)

			for i, g := range when.deployments {
				d := &domain.Deployment{
					Id:             fmt.Sprintf("dep-given-%d", i),
					ExperimentId:   experimentId,
					Variant:        g.variant,
					Host:           g.host,
					State:          g.state,
					ReportedState:  g.reported,
					CommandPending: g.commandPendig,
				}
				if err := e.db.Deployment().Save(ctx, d); err != nil {
					t.Fatal(err)
				}
			}

			ds, err := e.testee.Rollback(ctx, experimentId, when.variant)
			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			states := map[string]domain.DeploymentState{}
			pending := []string{}
			for _, d := range ds {
				states[key(d.Host, d.Variant)] = d.State
				if d.CommandPending {
					pending = append(pending, key(d.Host, d.Variant))
				}
			}
			if len(states) != len(then.states) {
				t.Errorf("deployments: actual=%v, expect=%v", states, then.states)
			}
			for k, want := range then.states {
				if states[k] != want {
					t.Errorf("state of %s: actual=%s, expect=%s", k, states[k], want)
				}
			}
			slices.Sort(pending)
			if !slices.Equal(pending, then.pending) {
				t.Errorf("command pending: actual=%v, expect=%v", pending, then.pending)
			}

			commands := map[string]domain.CommandKind{}
			for _, c := range e.agent.Sent() {
				commands[key(c.Host, c.Command.Target().Variant)] = c.Command.Kind()
			}
			if len(commands) != len(then.commands) {
				t.Errorf("commands: actual=%v, expect=%v", commands, then.commands)
			}
			for k, want := range then.commands {
				if commands[k] != want {
					t.Errorf("command to %s: actual=%s, expect=%s", k, commands[k], want)
				}
			}
		}
	}

	t.Run("each state is rolled back in its own way", theory(
		When{
			deployments: []given{
				{variant: domain.Baseline, host: "host-a", state: domain.DeploymentPending},
				{variant: domain.Baseline, host: "host-b", state: domain.DeploymentDeploying},
				{variant: domain.Candidate, host: "host-a", state: domain.DeploymentActive, reported: domain.DeploymentActive},
				{variant: domain.Candidate, host: "host-b", state: domain.DeploymentFailed},
				{variant: domain.Candidate, host: "host-c", state: domain.DeploymentRolledBack},
				{variant: domain.Baseline, host: "host-c", state: domain.DeploymentRollingBack},
			},
		},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a/baseline":  domain.DeploymentRolledBack,
				"host-b/baseline":  domain.DeploymentRollingBack,
				"host-c/baseline":  domain.DeploymentRollingBack,
				"host-a/candidate": domain.DeploymentRollingBack,
				"host-b/candidate": domain.DeploymentFailed,
				"host-c/candidate": domain.DeploymentRolledBack,
			},
			commands: map[string]domain.CommandKind{
				"host-b/baseline":  domain.CommandStop,
				"host-a/candidate": domain.CommandRollback,
			},
			pending: []string{},
		},
	))

	t.Run("only the variant is rolled back when it is given", theory(
		When{
			deployments: []given{
				{variant: domain.Baseline, host: "host-a", state: domain.DeploymentActive},
				{variant: domain.Candidate, host: "host-a", state: domain.DeploymentActive},
			},
			variant: domain.Candidate,
		},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a/candidate": domain.DeploymentRollingBack,
			},
			commands: map[string]domain.CommandKind{
				"host-a/candidate": domain.CommandRollback,
			},
			pending: []string{},
		},
	))

	t.Run("undelivered commands are marked pending", theory(
		When{
			deployments: []given{
				{variant: domain.Candidate, host: "host-a", state: domain.DeploymentActive},
				{variant: domain.Candidate, host: "host-b", state: domain.DeploymentActive},
			},
			script: map[string][]error{"host-b": {unreachable}},
		},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a/candidate": domain.DeploymentRollingBack,
				"host-b/candidate": domain.DeploymentRollingBack,
			},
			commands: map[string]domain.CommandKind{
				"host-a/candidate": domain.CommandRollback,
				"host-b/candidate": domain.CommandRollback,
			},
			pending: []string{"host-b/candidate"},
		},
	))

	t.Run("pending commands are sent again", theory(
		When{
			deployments: []given{
				{
					variant: domain.Candidate, host: "host-a",
					state: domain.DeploymentRollingBack, reported: domain.DeploymentActive, commandPendig: true,
				},
				{
					variant: domain.Baseline, host: "host-a",
					state: domain.DeploymentRollingBack, reported: domain.DeploymentDeploying, commandPendig: true,
				},
			},
		},
		Then{
			states: map[string]domain.DeploymentState{
				"host-a/candidate": domain.DeploymentRollingBack,
				"host-a/baseline":  domain.DeploymentRollingBack,
			},
			commands: map[string]domain.CommandKind{
				"host-a/candidate": domain.CommandRollback,
				"host-a/baseline":  domain.CommandStop,
			},
			pending: []string{},
		},
	))
}

func TestRollback_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := setup(t, 1)
	e.agent.Impl.SendCommand = scripted(nil)

	ds := try.To(e.testee.Deploy(ctx, experimentId, domain.Candidate, spec, []string{"host-a"})).OrFatal(t)
	try.To(e.testee.ReportStatus(ctx, ds[0].Id, coordinator.Report{State: domain.DeploymentActive, At: epoch.Add(time.Second)})).OrFatal(t)
	try.To(e.testee.Rollback(ctx, experimentId, "")).OrFatal(t)
	try.To(e.testee.ReportStatus(ctx, ds[0].Id, coordinator.Report{State: domain.DeploymentRolledBack, At: epoch.Add(2 * time.Second)})).OrFatal(t)

	sentBefore := len(e.agent.Sent())
	eventsBefore := try.To(e.db.Experiment().Events(ctx, experimentId)).OrFatal(t)

	got := try.To(e.testee.Rollback(ctx, experimentId, "")).OrFatal(t)

	if len(got) != 1 || got[0].State != domain.DeploymentRolledBack {
		t.Errorf("deployments: actual=%v, expect=[rolled back]", got)
	}
	if n := len(e.agent.Sent()); n != sentBefore {
		t.Errorf("sent commands: actual=%d, expect=%d", n, sentBefore)
	}
	eventsAfter := try.To(e.db.Experiment().Events(ctx, experimentId)).OrFatal(t)
	if len(eventsAfter) != len(eventsBefore) {
		t.Errorf("events: actual=%d, expect=%d", len(eventsAfter), len(eventsBefore))
	}
}

func TestRollback_UnknownVariant(t *testing.T) {
	e := setup(t, 1)
	_, err := e.testee.Rollback(context.Background(), experimentId, "treatment")
	if !errors.Is(err, domerr.ErrInvalidConfig) {
		t.Errorf("error: actual=%+v, expect=%+v", err, domerr.ErrInvalidConfig)
	}
}

func TestConvergence(t *testing.T) {
	type When struct {
		states []domain.DeploymentState
		// indexes of states whose rollback has failed
		rollbackFailed []int
		target         domain.DeploymentState
	}
	type Then struct {
		converged bool
		err       error
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			ctx := context.Background()
			e := setup(t, 1)
			for i, st := range when.states {
				if err := e.db.Deployment().Save(ctx, &domain.Deployment{
					Id:             fmt.Sprintf("dep-%d", i),
					ExperimentId:   experimentId,
					Variant:        domain.Candidate,
					Host:           fmt.Sprintf("host-%d", i),
					State:          st,
					RollbackFailed: slices.Contains(when.rollbackFailed, i),
				}); err != nil {
					t.Fatal(err)
				}
			}

			converged, err := e.testee.Convergence(ctx, experimentId, when.target)
			if then.err != nil {
				if !errors.Is(err, then.err) {
					t.Errorf("error: actual=%+v, expect=%+v", err, then.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}
			if converged != then.converged {
				t.Errorf("converged: actual=%v, expect=%v", converged, then.converged)
			}
		}
	}

	t.Run("all active converges to Active", theory(
		When{
			states: []domain.DeploymentState{domain.DeploymentActive, domain.DeploymentActive},
			target: domain.DeploymentActive,
		},
		Then{converged: true},
	))
	t.Run("one deploying does not converge to Active", theory(
		When{
			states: []domain.DeploymentState{domain.DeploymentActive, domain.DeploymentDeploying},
			target: domain.DeploymentActive,
		},
		Then{converged: false},
	))
	t.Run("failed does not converge to Active", theory(
		When{
			states: []domain.DeploymentState{domain.DeploymentActive, domain.DeploymentFailed},
			target: domain.DeploymentActive,
		},
		Then{converged: false},
	))
	t.Run("rolled back and failed before rollback converge to RolledBack", theory(
		When{
			states: []domain.DeploymentState{domain.DeploymentRolledBack, domain.DeploymentFailed},
			target: domain.DeploymentRolledBack,
		},
		Then{converged: true},
	))
	t.Run("failed rollback does not converge to RolledBack", theory(
		When{
			states:         []domain.DeploymentState{domain.DeploymentRolledBack, domain.DeploymentFailed},
			rollbackFailed: []int{1},
			target:         domain.DeploymentRolledBack,
		},
		Then{converged: false},
	))
	t.Run("rolling back does not converge to RolledBack", theory(
		When{
			states: []domain.DeploymentState{domain.DeploymentRolledBack, domain.DeploymentRollingBack},
			target: domain.DeploymentRolledBack,
		},
		Then{converged: false},
	))
	t.Run("no deployments never converge", theory(
		When{target: domain.DeploymentActive},
		Then{converged: false},
	))
	t.Run("other targets are rejected", theory(
		When{target: domain.DeploymentDeploying},
		Then{err: domerr.ErrInvalidConfig},
	))
}
