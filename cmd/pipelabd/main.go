package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/pipelab/cmd/pipelabd/handlers"
	pipelab "github.com/opst/pipelab/pkg"
	apiexperiments "github.com/opst/pipelab/pkg/api/types/experiments"
	bconf "github.com/opst/pipelab/pkg/configs/backend"
	kcx "github.com/opst/pipelab/pkg/configs/extras"
	cfg_hook "github.com/opst/pipelab/pkg/configs/hook"
	"github.com/opst/pipelab/pkg/hook"
	"github.com/opst/pipelab/pkg/logging"
	"github.com/opst/pipelab/pkg/loop"
	"github.com/opst/pipelab/pkg/loop/recurring"
	"github.com/opst/pipelab/pkg/orchestrator"
	"github.com/opst/pipelab/pkg/utils/echoutil"
	"github.com/opst/pipelab/pkg/utils/filewatch"
	"github.com/opst/pipelab/pkg/utils/try"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Flags struct {
	Config   string `flag:"config" help:"path to config file (envvar PIPELAB_CONFIG)"`
	Hooks    string `flag:"hooks" help:"path to hook config file (envvar PIPELAB_HOOK_CONFIG)"`
	Extras   string `flag:"extra-apis-config" help:"path to extra api config file"`
	LogLevel string `flag:"loglevel" metavar:"debug|info|warn|error|off" help:"log level"`
	NoTick   bool   `flag:"no-tick" help:"do not tick experiments in this process. Use it when loops tick them."`
	Cert     string `flag:"cert" help:"certification file for TLS"`
	CertKey  string `flag:"certkey" help:"key of certification file for TLS"`
}

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	cmd := try.To(
		flarc.NewCommand(
			"pipelab control plane: runs experiments of telemetry pipelines.",
			Flags{
				Config:   os.Getenv("PIPELAB_CONFIG"),
				Hooks:    os.Getenv("PIPELAB_HOOK_CONFIG"),
				LogLevel: "info",
			},
			flarc.Args{},
			func(ctx context.Context, c flarc.Commandline[Flags], _ []any) error {
				flags := c.Flags()
				if flags.Config == "" {
					return fmt.Errorf("%w: flag `--config` (or, envvar PIPELAB_CONFIG) is required", flarc.ErrUsage)
				}
				logger, err := logging.New(strings.ToLower(flags.LogLevel) == "debug", true, false)
				if err != nil {
					return err
				}
				defer logger.Sync()
				return Serve(ctx, logger, flags)
			},
		),
	).OrFatal(log.Default())

	os.Exit(flarc.Run(ctx, cmd))
}

// Serve runs the API server (and the tick loop) until ctx is done or config files are modified.
func Serve(ctx context.Context, logger *zap.SugaredLogger, flags Flags) error {
	watched := []string{flags.Config}
	if flags.Hooks != "" {
		watched = append(watched, flags.Hooks)
	}
	if flags.Extras != "" {
		watched = append(watched, flags.Extras)
	}
	ctx, cancel, err := filewatch.UntilModifyContext(ctx, watched...)
	if err != nil {
		return fmt.Errorf("can not watch configuration: %w", err)
	}
	defer cancel()

	conf, err := bconf.LoadBackendConfig(flags.Config)
	if err != nil {
		return fmt.Errorf("can not read configuration: %w", err)
	}

	hooks := cfg_hook.Config{}
	if flags.Hooks != "" {
		if hooks, err = cfg_hook.Load(flags.Hooks); err != nil {
			return fmt.Errorf("can not read hook configuration: %w", err)
		}
	}

	extraApis := kcx.Config{}
	if flags.Extras != "" {
		if extraApis, err = kcx.Load(flags.Extras); err != nil {
			return fmt.Errorf("can not read extra api configuration: %w", err)
		}
	}

	plane, err := pipelab.Attach(
		ctx, conf,
		pipelab.WithLogger(logger),
		pipelab.WithHook(hook.Build[apiexperiments.Detail](hooks.Lifecycle, 30*time.Second)),
	)
	if err != nil {
		return err
	}
	defer plane.Close()

	e := echo.New()
	e.HideBanner = true
	e.Pre(middleware.RemoveTrailingSlash())
	echoutil.SetLevel(e, flags.LogLevel)
	e.Use(echoutil.LogHandlerFunc(logger.Named("api")))
	e.Use(middleware.Recover())
	route(e, plane)

	for _, r := range e.Routes() {
		logger.Debugw("route", "method", r.Method, "path", r.Path)
	}
	for _, ex := range extraApis.Endpoints {
		logger.Infow("register extra api", "path", ex.Path, "proxyTo", ex.ProxyTo.String())
		handlers.ExtraAPI(e, ex)
	}

	addr := fmt.Sprintf(":%d", conf.Port())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("start serving", "address", addr, "tls", flags.Cert != "" && flags.CertKey != "")
		var err error
		if flags.Cert != "" && flags.CertKey != "" {
			err = e.StartTLS(addr, flags.Cert, flags.CertKey)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down", "cause", context.Cause(gctx))
		graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return e.Shutdown(graceful)
	})
	if !flags.NoTick {
		g.Go(func() error {
			policy := recurring.Forever(conf.Lifecycle().TickInterval())
			logger.Infow("start tick loop", "policy", policy.String())
			_, err := loop.Start(
				gctx, orchestrator.TickStats{},
				loop.Monitored(
					logger.Named("tick"),
					plane.Orchestrator().TickTask().Applied(policy),
				),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, filewatch.ErrModified) {
		// exit with error, to be restarted with new configs.
		return cause
	}
	return nil
}

func route(e *echo.Echo, plane *pipelab.Plane) {
	o := plane.Orchestrator()
	clk := plane.Clock()
	const experimentId = "experimentId"

	api := e.Group("/api")
	{
		api.POST("/experiments", handlers.CreateExperimentHandler(o))
		api.GET("/experiments", handlers.FindExperimentsHandler(o))
		api.GET("/experiments/:experimentId", handlers.GetExperimentHandler(o, experimentId))
		api.PUT("/experiments/:experimentId/start", handlers.StartExperimentHandler(o, experimentId))
		api.PUT("/experiments/:experimentId/stop", handlers.StopExperimentHandler(o, experimentId))
		api.PUT("/experiments/:experimentId/abort", handlers.AbortExperimentHandler(o, experimentId))
		api.GET("/experiments/:experimentId/kpis", handlers.GetKPIsHandler(o, experimentId))
		api.GET("/experiments/:experimentId/events", handlers.GetEventsHandler(o, experimentId))
		api.POST("/experiments/:experimentId/rollback", handlers.RollbackHandler(o, experimentId))
	}
	{
		api.POST(
			"/agent/deployments/:deploymentId/status",
			handlers.ReportStatusHandler(o, clk, "deploymentId"),
		)
		api.POST("/agent/metrics", handlers.ReportMetricsHandler(o, clk))
		api.POST("/anomalies", handlers.AnomalyHandler(o))
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(plane.Registry(), promhttp.HandlerOpts{})))
}
