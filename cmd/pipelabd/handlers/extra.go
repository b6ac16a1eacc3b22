package handlers

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/pipelab/pkg/configs/extras"
)

// ExtraAPI proxies requests to ex.Path and its sub-paths to ex.ProxyTo.
//
// Sub-paths and queries are carried over:
// with {Path: "/dashboards", ProxyTo: "http://grafana:3000/d"},
// "/dashboards/exp-1?orgId=1" is proxied to "http://grafana:3000/d/exp-1?orgId=1".
func ExtraAPI(e *echo.Echo, ex extras.Endpoint) {
	base := strings.TrimSuffix(ex.Path, "/")

	proxy := middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{
			{Name: ex.Path, URL: ex.ProxyTo},
		}),
		Rewrite: map[string]string{
			"^" + base:        "/",
			"^" + base + "/*": "/$1",
		},
	})

	unreachable := func(echo.Context) error { return echo.ErrNotFound }
	if base != "" {
		e.Any(base, unreachable, proxy)
	}
	e.Any(base+"/*", unreachable, proxy)
}
