package handlers_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/opst/pipelab/cmd/pipelabd/handlers"
	"github.com/opst/pipelab/pkg/configs/extras"
	"github.com/opst/pipelab/pkg/utils/try"
)

func TestExtraAPI(t *testing.T) {
	type request struct {
		path  string
		query string
	}
	received := []request{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = append(received, request{path: r.URL.Path, query: r.URL.RawQuery})
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "dashboard")
	}))
	defer backend.Close()

	e := echo.New()
	handlers.ExtraAPI(e, extras.Endpoint{
		Path:    "/dashboards",
		ProxyTo: try.To(url.Parse(backend.URL + "/d")).OrFatal(t),
	})

	type When struct {
		target string
	}
	type Then struct {
		code     int
		received *request
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			received = received[:0]

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, when.target, nil))

			if rec.Code != then.code {
				t.Errorf("status: actual=%d, expect=%d", rec.Code, then.code)
			}
			if then.received == nil {
				if len(received) != 0 {
					t.Errorf("backend should not be called: %+v", received)
				}
				return
			}
			if len(received) != 1 || received[0] != *then.received {
				t.Errorf("received: actual=%+v, expect=%+v", received, *then.received)
			}
			if body := rec.Body.String(); body != "dashboard" {
				t.Errorf("body: actual=%q, expect=%q", body, "dashboard")
			}
		}
	}

	t.Run("sub-path and query are carried over", theory(
		When{target: "/dashboards/exp-1?orgId=1"},
		Then{code: http.StatusOK, received: &request{path: "/d/exp-1", query: "orgId=1"}},
	))
	t.Run("the endpoint itself", theory(
		When{target: "/dashboards"},
		Then{code: http.StatusOK, received: &request{path: "/d/"}},
	))
	t.Run("other paths are not proxied", theory(
		When{target: "/dashboardsX/exp-1"},
		Then{code: http.StatusNotFound},
	))
}
