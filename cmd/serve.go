package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/projecteru2/anvil/api"
	"github.com/projecteru2/anvil/gc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the deploy callback API and run periodic GC",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "callback API listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		conf.Listen = listen
	}
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	sched, err := scheduleGC(ctx, b.newGC(), conf.GCSchedule)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	return api.New(b.tasks, conf.DeployTimeout()).ListenAndServe(ctx, conf.Listen)
}

// scheduleGC runs o on spec. Runs never overlap within this process; the
// orchestrator lock keeps other processes out.
func scheduleGC(ctx context.Context, o *gc.Orchestrator, spec string) (*cron.Cron, error) {
	logger := log.WithFunc("cmd.scheduleGC")
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if err := o.Run(ctx); err != nil {
			logger.Errorf(ctx, err, "scheduled GC failed")
			return
		}
		logger.Debugf(ctx, "scheduled GC completed")
	}); err != nil {
		return nil, fmt.Errorf("invalid gc_schedule %q: %w", spec, err)
	}
	logger.Infof(ctx, "GC scheduled %s", spec)
	return c, nil
}
