package main

import (
	"github.com/spf13/cobra"

	"github.com/keibalab/keibasync/internal/config"
	"github.com/keibalab/keibasync/internal/daemon"
	"github.com/keibalab/keibasync/internal/logging"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run recent syncs on a schedule until stopped",
	Long: `Daemon mode: run a recent sync every schedule.interval and
garbage-collect expired feature cache rows.

Edits to the config file apply live; the schedule interval changes
without a restart. SIGINT or SIGTERM stops the daemon at the next page
boundary.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer rt.close()

		logger := logging.New(rt.logW, "daemon")
		dcfg := daemon.DefaultConfig()
		dcfg.Interval = rt.cfg.Schedule.Interval
		dcfg.GCKeep = rt.cfg.Features.GCKeep
		dcfg.Logger = logger

		d, err := daemon.New(rt.engine(), rt.cache, dcfg)
		if err != nil {
			fail("%v", err)
		}

		// Config edits retune the schedule in place.
		rt.file.Watch(logger, func(cfg *config.Config) {
			d.SetInterval(cfg.Schedule.Interval)
		})

		if err := d.Start(ctx); err != nil {
			fail("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
