package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/domain/agent/web"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

func TestAgent_SendCommand(t *testing.T) {
	target := domain.CommandTarget{
		ExperimentId: "exp-1", DeploymentId: "dep-1", Variant: domain.Candidate,
	}

	type When struct {
		host       string
		command    domain.Command
		statusCode int
	}
	type Then struct {
		requested bool
		envelope  web.Envelope
		err       error
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			requested := false
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requested = true
				if r.Method != http.MethodPost {
					t.Errorf("method: actual=%s, expect=POST", r.Method)
				}
				if !strings.HasSuffix(r.URL.Path, "/hosts/"+when.host+"/commands") {
					t.Errorf("path: actual=%s", r.URL.Path)
				}
				var got web.Envelope
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Fatal(err)
				}
				if got.Kind != then.envelope.Kind || got.DeploymentId != then.envelope.DeploymentId ||
					got.Pipeline != then.envelope.Pipeline || got.Variant != then.envelope.Variant {
					t.Errorf("envelope: actual=%+v, expect=%+v", got, then.envelope)
				}
				w.WriteHeader(when.statusCode)
				w.Write([]byte("message from agent"))
			}))
			defer server.Close()

			testee := web.New(server.URL+"/hosts/{host}/commands", time.Second)
			err := testee.SendCommand(context.Background(), when.host, when.command)

			if requested != then.requested {
				t.Errorf("requested: actual=%v, expect=%v", requested, then.requested)
			}
			if then.err == nil {
				if err != nil {
					t.Errorf("err: actual=%v, expect=nil", err)
				}
			} else if !errors.Is(err, then.err) {
				t.Errorf("err: actual=%v, expect=%v", err, then.err)
			}
		}
	}

	deploy := domain.DeployCommand{
		CommandTarget: target, TemplateRef: "otel/filter:v2",
		Overrides: map[string]string{"drop": "debug"}, Pipeline: "receivers: {}\n",
	}

	t.Run("deploy command is posted as JSON", theory(
		When{host: "host-a", command: deploy, statusCode: http.StatusAccepted},
		Then{
			requested: true,
			envelope: web.Envelope{
				Kind: "deploy", ExperimentId: "exp-1", DeploymentId: "dep-1",
				Variant: "candidate", Pipeline: "receivers: {}\n",
			},
		},
	))
	t.Run("rollback command is posted as JSON", theory(
		When{host: "host-a", command: domain.RollbackCommand{CommandTarget: target}, statusCode: http.StatusOK},
		Then{
			requested: true,
			envelope:  web.Envelope{Kind: "rollback", DeploymentId: "dep-1", Variant: "candidate"},
		},
	))
	t.Run("5xx is unreachable", theory(
		When{host: "host-a", command: deploy, statusCode: http.StatusServiceUnavailable},
		Then{
			requested: true,
			envelope: web.Envelope{
				Kind: "deploy", DeploymentId: "dep-1", Variant: "candidate", Pipeline: "receivers: {}\n",
			},
			err: domerr.ErrUnreachable,
		},
	))
	t.Run("4xx is rejection", theory(
		When{host: "host-a", command: domain.StopCommand{CommandTarget: target}, statusCode: http.StatusBadRequest},
		Then{
			requested: true,
			envelope:  web.Envelope{Kind: "stop", DeploymentId: "dep-1", Variant: "candidate"},
			err:       domerr.ErrInvalidConfig,
		},
	))
	t.Run("invalid command is not sent", theory(
		When{host: "host-a", command: domain.DeployCommand{CommandTarget: target}},
		Then{requested: false, err: domerr.ErrInvalidConfig},
	))
	t.Run("empty host is not sent", theory(
		When{host: "", command: deploy},
		Then{requested: false, err: domerr.ErrInvalidConfig},
	))
}

func TestAgent_SendCommand_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	testee := web.New(url+"/{host}", time.Second)
	err := testee.SendCommand(
		context.Background(), "host-a",
		domain.StopCommand{CommandTarget: domain.CommandTarget{
			ExperimentId: "exp-1", DeploymentId: "dep-1", Variant: domain.Baseline,
		}},
	)
	if !errors.Is(err, domerr.ErrUnreachable) {
		t.Errorf("err: actual=%v, expect=%v", err, domerr.ErrUnreachable)
	}
}

func TestAgent_Resolve(t *testing.T) {
	testee := web.New("http://{host}", time.Second, web.WithHosts(
		web.Host{Id: "host-b", Labels: map[string]string{"zone": "a", "tier": "edge"}},
		web.Host{Id: "host-a", Labels: map[string]string{"zone": "a"}},
		web.Host{Id: "host-c", Labels: map[string]string{"zone": "b", "tier": "edge"}},
	))

	for name, tc := range map[string]struct {
		selector map[string]string
		want     []string
	}{
		"one label":     {selector: map[string]string{"zone": "a"}, want: []string{"host-a", "host-b"}},
		"all labels":    {selector: map[string]string{"zone": "a", "tier": "edge"}, want: []string{"host-b"}},
		"nothing":       {selector: map[string]string{"zone": "z"}, want: []string{}},
		"empty matches": {selector: map[string]string{}, want: []string{"host-a", "host-b", "host-c"}},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := testee.Resolve(context.Background(), tc.selector)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Errorf("hosts: actual=%v, expect=%v", got, tc.want)
			}
		})
	}
}
