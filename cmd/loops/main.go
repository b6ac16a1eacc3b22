package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	pipelab "github.com/opst/pipelab/pkg"
	apiexperiments "github.com/opst/pipelab/pkg/api/types/experiments"
	bconf "github.com/opst/pipelab/pkg/configs/backend"
	cfg_hook "github.com/opst/pipelab/pkg/configs/hook"
	"github.com/opst/pipelab/pkg/hook"
	"github.com/opst/pipelab/pkg/logging"
	"github.com/opst/pipelab/pkg/loop/recurring"
	"github.com/opst/pipelab/pkg/utils/args"
	"github.com/opst/pipelab/pkg/utils/filewatch"
	"github.com/opst/pipelab/pkg/utils/try"
	"github.com/youta-t/flarc"
)

type Flags struct {
	Config     string                          `flag:"config" help:"path to config file (envvar PIPELAB_CONFIG)"`
	Hooks      string                          `flag:"hooks" help:"path to hook config file (envvar PIPELAB_HOOK_CONFIG)"`
	Policy     *args.Adapter[recurring.Policy] `flag:"policy" metavar:"forever[:COOLDOWN]|backlog" help:"loop policy. 'forever[:COOLDOWN]' = tick forever, waiting COOLDOWN when nothing has changed. 'backlog' = tick until nothing changes. (default: forever:TICK_INTERVAL in config)"`
	UntilError bool                            `flag:"until-error" help:"quit when ticking fails"`
	Timeout    time.Duration                   `flag:"timeout" help:"timeout of each tick. zero means no timeout."`
	Debug      bool                            `flag:"debug" help:"log verbosely"`
}

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	cmd := try.To(
		flarc.NewCommand(
			"Tick experiments of pipelab repeatedly.",
			Flags{
				Config:  os.Getenv("PIPELAB_CONFIG"),
				Hooks:   os.Getenv("PIPELAB_HOOK_CONFIG"),
				Policy:  args.Parser(recurring.ParsePolicy),
				Timeout: 30 * time.Second,
			},
			flarc.Args{},
			func(ctx context.Context, c flarc.Commandline[Flags], _ []any) error {
				flags := c.Flags()
				if flags.Config == "" {
					return fmt.Errorf("%w: flag `--config` (or, envvar PIPELAB_CONFIG) is required", flarc.ErrUsage)
				}
				return Loop(ctx, flags)
			},
		),
	).OrFatal(log.Default())

	os.Exit(flarc.Run(ctx, cmd))
}

func Loop(ctx context.Context, flags Flags) error {
	logger, err := logging.New(flags.Debug, true, false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	watched := []string{flags.Config}
	if flags.Hooks != "" {
		watched = append(watched, flags.Hooks)
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

	plane, err := pipelab.Attach(
		ctx, conf,
		pipelab.WithLogger(logger),
		pipelab.WithHook(hook.Build[apiexperiments.Detail](hooks.Lifecycle, 30*time.Second)),
	)
	if err != nil {
		return err
	}
	defer plane.Close()

	policy := recurring.Forever(conf.Lifecycle().TickInterval())
	if flags.Policy.IsSet() {
		policy = flags.Policy.Value()
	}
	if flags.UntilError {
		policy = recurring.UntilError(policy)
	}
	logger.Infow("start tick loop", "policy", policy.String(), "timeout", flags.Timeout)

	stats, err := StartTickLoop(ctx, logger, plane, LoopManifest{Policy: policy, Timeout: flags.Timeout})
	logger.Infow("tick loop is over", "runs", stats.Runs, "changed", stats.Changed)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		if cause := context.Cause(ctx); errors.Is(cause, filewatch.ErrModified) {
			return cause
		}
		return nil
	default:
		return err
	}
}
